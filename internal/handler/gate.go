// Package handler serves the gated worker routes and operational endpoints.
package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"upload-gate/internal/middleware"
	"upload-gate/internal/model"
	"upload-gate/internal/service"
	"upload-gate/internal/upload"
)

// GateHandler scans uploads for one worker role and forwards clean requests.
type GateHandler struct {
	role      model.Role
	gate      *service.Gate
	extractor *upload.Extractor
	forwarder service.Forwarder
	logger    *slog.Logger
}

// NewGateHandler creates a GateHandler.
func NewGateHandler(role model.Role, gate *service.Gate, x *upload.Extractor, f service.Forwarder, logger *slog.Logger) *GateHandler {
	return &GateHandler{
		role:      role,
		gate:      gate,
		extractor: x,
		forwarder: f,
		logger:    logger.With("component", "gate_handler", "role", string(role)),
	}
}

// GateHandlers holds the handler of each worker role.
type GateHandlers struct {
	Document *GateHandler
	Home     *GateHandler
}

// NewGateHandlers builds one GateHandler per worker role. All of them share
// the same gate and extractor.
func NewGateHandlers(gate *service.Gate, x *upload.Extractor, fw *service.Forwarders, logger *slog.Logger) GateHandlers {
	return GateHandlers{
		Document: NewGateHandler(model.RoleDocumentWorker, gate, x, fw.Document, logger),
		Home:     NewGateHandler(model.RoleHomeWorker, gate, x, fw.Home, logger),
	}
}

// Role returns the worker role the handler forwards to.
func (h *GateHandler) Role() model.Role { return h.role }

// Handle runs a request through the gate. Requests without a body are
// forwarded unconditionally; the rest must carry an upload that scans clean.
func (h *GateHandler) Handle(c echo.Context) error {
	req := c.Request()

	if !carriesBody(req.Method) {
		h.gate.Observe(h.role, service.DecisionPassthrough)
		return h.forward(c, req.Body, req.ContentLength)
	}

	payload, err := h.extractor.Extract(req)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		h.logger.Info("request without upload",
			"method", req.Method,
			"path", req.URL.Path,
			"request_id", middleware.RequestID(c),
			"reason", err.Error(),
		)
		return h.block(c, service.DecisionMissingUpload)
	}
	defer func() { _ = payload.Close() }()

	up := payload.Upload
	verdict := h.gate.ScanAll(req.Context(), service.ScanInput{
		Role:      h.role,
		Method:    req.Method,
		Path:      req.URL.Path,
		RequestID: middleware.RequestID(c),
	}, payload.Uploads)

	d := service.Decide(verdict)
	h.logger.Info("upload scanned",
		"path", req.URL.Path,
		"filename", up.Filename,
		"size", up.Size,
		"parts", len(payload.Uploads),
		"verdict", verdict.String(),
		"decision", d.Label,
		"request_id", middleware.RequestID(c),
	)
	if !d.Forward {
		return h.block(c, d)
	}

	if err := req.Context().Err(); err != nil {
		h.logger.Info("client gone before forward", "path", req.URL.Path, "err", err)
		return nil
	}
	return h.forward(c, payload.Reader(), int64(len(payload.Body)))
}

// block answers the request locally.
func (h *GateHandler) block(c echo.Context, d service.Decision) error {
	h.gate.Observe(h.role, d)
	return c.JSON(d.Status, map[string]string{"error": d.Message})
}

func (h *GateHandler) forward(c echo.Context, body io.Reader, contentLength int64) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawPath:       req.URL.RawPath,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		RemoteAddr:    req.RemoteAddr,
		Body:          body,
		ContentLength: contentLength,
	}

	resp, err := h.forwarder.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if carriesBody(req.Method) {
		h.gate.Observe(h.role, service.DecisionForward)
	}

	// The worker's headers replace ours entirely.
	dst := c.Response().Header()
	for key := range dst {
		delete(dst, key)
	}
	for key, vals := range resp.Header {
		dst[key] = append([]string(nil), vals...)
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already on the wire, so a failed copy can only truncate
	// the body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

func (h *GateHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("forward error",
		"err", err,
		"path", c.Request().URL.Path,
		"request_id", middleware.RequestID(c),
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

func carriesBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodDelete:
		return false
	}
	return true
}
