// Package service implements the gate decision engine and worker forwarding.
package service

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"upload-gate/internal/client"
	"upload-gate/internal/config"
	"upload-gate/internal/model"
)

// Forwarder replays a request against a worker target.
type Forwarder interface {
	Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error)
}

// HTTPForwarder forwards requests for one worker role.
type HTTPForwarder struct {
	client  *client.UpstreamClient
	role    model.Role
	baseURL *url.URL
	logger  *slog.Logger
}

// NewHTTPForwarder creates an HTTPForwarder targeting baseURL.
func NewHTTPForwarder(c *client.UpstreamClient, role model.Role, baseURL string, logger *slog.Logger) (*HTTPForwarder, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse %s base_url: %w", role, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%s base_url %q must be absolute", role, baseURL)
	}

	return &HTTPForwarder{
		client:  c,
		role:    role,
		baseURL: u,
		logger:  logger.With("component", "forwarder", "role", string(role)),
	}, nil
}

// Forwarders holds the forwarder of each worker role.
type Forwarders struct {
	Document Forwarder
	Home     Forwarder
}

// NewForwarders builds one HTTPForwarder per configured worker.
func NewForwarders(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*Forwarders, error) {
	doc, err := NewHTTPForwarder(c, model.RoleDocumentWorker, cfg.Workers.Document.BaseURL, logger)
	if err != nil {
		return nil, err
	}
	home, err := NewHTTPForwarder(c, model.RoleHomeWorker, cfg.Workers.Home.BaseURL, logger)
	if err != nil {
		return nil, err
	}
	return &Forwarders{Document: doc, Home: home}, nil
}

// Forward sends pr to the worker and returns its response untouched apart
// from hop-by-hop headers. The caller is responsible for closing the body.
func (f *HTTPForwarder) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target := f.targetURL(pr)
	header := requestHeader(pr.Header, pr.RemoteAddr)

	f.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := f.client.DoStream(pr.Ctx, pr.Method, target, header, pr.Body, pr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("forward to %s: %w", f.role, err)
	}

	removeHopByHop(resp.Header)
	return resp, nil
}

// targetURL appends the inbound path to the base URL path. Encoded segments
// and the raw query are carried over byte for byte.
func (f *HTTPForwarder) targetURL(pr *model.ProxyRequest) string {
	u := *f.baseURL
	u.Path = strings.TrimSuffix(f.baseURL.Path, "/") + pr.Path
	u.RawPath = ""
	if pr.RawPath != "" {
		u.RawPath = strings.TrimSuffix(f.baseURL.EscapedPath(), "/") + pr.RawPath
	}
	u.RawQuery = pr.RawQuery
	u.Fragment = ""
	return u.String()
}

func requestHeader(src http.Header, remoteAddr string) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)

	if ip, _, err := net.SplitHostPort(remoteAddr); err == nil && ip != "" {
		if prior := dst.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = strings.Join(prior, ", ") + ", " + ip
		}
		dst.Set("X-Forwarded-For", ip)
	}
	return dst
}

// removeHopByHop deletes connection-scoped headers, including any named in
// the Connection header itself.
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range model.HopByHopHeaders {
		h.Del(name)
	}
}
