package service

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"upload-gate/internal/audit"
	"upload-gate/internal/config"
	"upload-gate/internal/model"
	"upload-gate/internal/upload"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Scanner: config.ScannerConfig{TimeoutSeconds: 5},
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
}

// newUpload runs content through the extractor the way the handler does.
func newUpload(t *testing.T, content string) *model.Upload {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(upload.FieldName, "report.pdf")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	_, _ = fw.Write([]byte(content))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/dw/wk1/v/2/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	p, err := upload.NewExtractor(1 << 20).Extract(req)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p.Upload
}

// memCache is a VerdictCache backed by a map.
type memCache struct {
	mu      sync.Mutex
	data    map[string]model.Verdict
	puts    int
	failGet error
	failPut error
}

func newMemCache() *memCache {
	return &memCache{data: map[string]model.Verdict{}}
}

func (c *memCache) Get(_ context.Context, digest string) (model.Verdict, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failGet != nil {
		return model.VerdictError, false, c.failGet
	}
	v, ok := c.data[digest]
	return v, ok, nil
}

func (c *memCache) Put(_ context.Context, digest string, v model.Verdict) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failPut != nil {
		return c.failPut
	}
	c.puts++
	c.data[digest] = v
	return nil
}

// recordingSink keeps every audit event.
type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Record(_ context.Context, ev audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Events() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Event(nil), s.events...)
}
