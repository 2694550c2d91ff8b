package handler

import (
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"

	"upload-gate/internal/model"
)

// Operational endpoints served next to the gated routes.
const (
	HealthzPath = "/healthz"
	StatusPath  = "/gate/status"
)

// RouteEntry binds a path pattern and its methods to a worker role.
type RouteEntry struct {
	Path    string
	Methods []string
	Role    model.Role
	Handler *GateHandler
}

// RouteTable is the fixed set of gated routes. It is built once and never
// modified afterwards.
type RouteTable struct {
	entries []RouteEntry
}

// NewRouteTable builds the route table. Entries of the same role share one
// handler.
func NewRouteTable(h GateHandlers) *RouteTable {
	post := []string{http.MethodPost}
	homeMethods := []string{http.MethodPost, http.MethodGet, http.MethodOptions}

	return &RouteTable{entries: []RouteEntry{
		{Path: "/dw/:dw/v/:v/o/:o/uploads", Methods: post, Role: model.RoleDocumentWorker, Handler: h.Document},
		{Path: "/dw/:dw/v/:v/uploads", Methods: post, Role: model.RoleDocumentWorker, Handler: h.Document},
		{Path: "/o/:org/api/docs/:docid/attachments", Methods: homeMethods, Role: model.RoleHomeWorker, Handler: h.Home},
		{Path: "/api/docs/:docid/attachments", Methods: homeMethods, Role: model.RoleHomeWorker, Handler: h.Home},
		{Path: "/o/:org/api/s/:share/attachments", Methods: homeMethods, Role: model.RoleHomeWorker, Handler: h.Home},
	}}
}

// Entries returns a copy of the table.
func (t *RouteTable) Entries() []RouteEntry {
	out := make([]RouteEntry, len(t.entries))
	for i, e := range t.entries {
		e.Methods = append([]string(nil), e.Methods...)
		out[i] = e
	}
	return out
}

// Templates returns every route template served, operational ones included.
// They are the only values used as metric route labels.
func (t *RouteTable) Templates() []string {
	out := make([]string, 0, len(t.entries)+2)
	for _, e := range t.entries {
		out = append(out, e.Path)
	}
	return append(out, HealthzPath, StatusPath)
}

// RegisterRoutes wires all route handlers onto the Echo instance. Methods not
// listed for a path are answered with 405.
func RegisterRoutes(e *echo.Echo, table *RouteTable, health *HealthHandler) {
	e.GET(HealthzPath, health.Healthz)
	e.GET(StatusPath, health.Status)

	for _, entry := range table.entries {
		for _, method := range entry.Methods {
			e.Add(method, entry.Path, entry.Handler.Handle)
		}
		// The router would answer a bare OPTIONS itself with 204.
		if !slices.Contains(entry.Methods, http.MethodOptions) {
			e.OPTIONS(entry.Path, methodNotAllowed(entry.Methods))
		}
	}
}

func methodNotAllowed(allowed []string) echo.HandlerFunc {
	allow := strings.Join(allowed, ", ")
	return func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderAllow, allow)
		return echo.ErrMethodNotAllowed
	}
}
