// Package model defines shared types for the gate.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents an inbound request to be replayed against a worker.
type ProxyRequest struct {
	Ctx        context.Context
	Method     string
	Path       string
	RawPath    string
	RawQuery   string
	Header     http.Header
	RemoteAddr string

	// Body is replayed as-is. ContentLength must match it; -1 means unknown.
	Body          io.Reader
	ContentLength int64
}

// ProxyResponse represents the worker response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// HopByHopHeaders are connection-scoped headers that must not cross the gate.
var HopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}
