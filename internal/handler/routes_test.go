package handler

import (
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	"upload-gate/internal/model"
)

func TestRouteTable_Entries(t *testing.T) {
	handlers := GateHandlers{
		Document: NewGateHandler(model.RoleDocumentWorker, nil, nil, nil, discardLogger()),
		Home:     NewGateHandler(model.RoleHomeWorker, nil, nil, nil, discardLogger()),
	}
	table := NewRouteTable(handlers)
	entries := table.Entries()

	want := []struct {
		path    string
		methods []string
		role    model.Role
	}{
		{"/dw/:dw/v/:v/o/:o/uploads", []string{"POST"}, model.RoleDocumentWorker},
		{"/dw/:dw/v/:v/uploads", []string{"POST"}, model.RoleDocumentWorker},
		{"/o/:org/api/docs/:docid/attachments", []string{"POST", "GET", "OPTIONS"}, model.RoleHomeWorker},
		{"/api/docs/:docid/attachments", []string{"POST", "GET", "OPTIONS"}, model.RoleHomeWorker},
		{"/o/:org/api/s/:share/attachments", []string{"POST", "GET", "OPTIONS"}, model.RoleHomeWorker},
	}

	if len(entries) != len(want) {
		t.Fatalf("entries = %d, want %d", len(entries), len(want))
	}
	for i, w := range want {
		e := entries[i]
		if e.Path != w.path || e.Role != w.role || !slices.Equal(e.Methods, w.methods) {
			t.Errorf("entry %d = %s %v %s, want %s %v %s", i, e.Path, e.Methods, e.Role, w.path, w.methods, w.role)
		}
		if e.Handler.Role() != e.Role {
			t.Errorf("entry %d handler role = %s, want %s", i, e.Handler.Role(), e.Role)
		}
	}

	if entries[0].Handler != entries[1].Handler || entries[2].Handler != entries[4].Handler {
		t.Error("entries of one role should share a handler")
	}
}

func TestRouteTable_EntriesIsACopy(t *testing.T) {
	table := NewRouteTable(GateHandlers{})

	entries := table.Entries()
	entries[0].Path = "/mutated"
	entries[2].Methods[0] = "DELETE"

	again := table.Entries()
	if again[0].Path != "/dw/:dw/v/:v/o/:o/uploads" {
		t.Errorf("path mutated through copy: %q", again[0].Path)
	}
	if again[2].Methods[0] != http.MethodPost {
		t.Errorf("methods mutated through copy: %v", again[2].Methods)
	}
}

func TestRouteTable_Templates(t *testing.T) {
	got := NewRouteTable(GateHandlers{}).Templates()

	for _, want := range []string{"/dw/:dw/v/:v/uploads", "/api/docs/:docid/attachments", HealthzPath, StatusPath} {
		if !slices.Contains(got, want) {
			t.Errorf("Templates() missing %q", want)
		}
	}
	if len(got) != 7 {
		t.Errorf("Templates() = %d entries, want 7", len(got))
	}
}

func TestRegisterRoutes_Wiring(t *testing.T) {
	fx := newGateFixture(t, model.VerdictSafe)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /gate/status", http.MethodGet, "/gate/status", http.StatusOK},
		{"GET home attachments", http.MethodGet, "/api/docs/7/attachments", http.StatusCreated},
		{"OPTIONS org attachments", http.MethodOptions, "/o/acme/api/docs/7/attachments", http.StatusCreated},
		{"OPTIONS share attachments", http.MethodOptions, "/o/acme/api/s/xyz/attachments", http.StatusCreated},
		{"POST without upload", http.MethodPost, "/api/docs/7/attachments", http.StatusBadRequest},
		{"GET document uploads is 405", http.MethodGet, "/dw/wk1/v/2/uploads", http.StatusMethodNotAllowed},
		{"OPTIONS org document uploads is 405", http.MethodOptions, "/dw/wk1/v/2/o/acme/uploads", http.StatusMethodNotAllowed},
		{"OPTIONS document uploads is 405", http.MethodOptions, "/dw/wk1/v/2/uploads", http.StatusMethodNotAllowed},
		{"DELETE attachments is 405", http.MethodDelete, "/api/docs/7/attachments", http.StatusMethodNotAllowed},
		{"PUT attachments is 405", http.MethodPut, "/o/acme/api/s/xyz/attachments", http.StatusMethodNotAllowed},
		{"unknown path is 404", http.MethodGet, "/unknown", http.StatusNotFound},
		{"partial path is 404", http.MethodPost, "/dw/wk1/v/2", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := fx.serve(httptest.NewRequest(tt.method, tt.path, http.NoBody))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}

	if fx.doc.Calls() != 0 {
		t.Errorf("document forward calls = %d, want 0", fx.doc.Calls())
	}
}

func TestRegisterRoutes_OptionsOnPostOnlyRoute(t *testing.T) {
	fx := newGateFixture(t, model.VerdictSafe)

	rec := fx.serve(httptest.NewRequest(http.MethodOptions, "/dw/wk1/v/2/uploads", http.NoBody))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
	if allow := rec.Header().Get("Allow"); allow != "POST" {
		t.Errorf("Allow = %q, want %q", allow, "POST")
	}
	if fx.doc.Calls() != 0 || fx.scanner.calls.Load() != 0 {
		t.Error("OPTIONS on a POST-only route must be neither scanned nor forwarded")
	}
}
