package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	ic "github.com/egirna/icap-client"

	"upload-gate/internal/model"
)

// infectionHeaders are the ICAP response headers engines use to report a hit.
var infectionHeaders = []string{"X-Infection-Found", "X-Violations-Found", "X-Virus-Id"}

// ICAP scans content through an ICAP server using REQMOD.
type ICAP struct {
	timeout  time.Duration
	endpoint string
}

// NewICAP returns an ICAP scanner for the given server and service name.
func NewICAP(icapURL, service string, timeout time.Duration) (*ICAP, error) {
	if icapURL == "" {
		return nil, errors.New("icap address required")
	}
	endpoint, err := url.Parse(icapURL)
	if err != nil {
		return nil, fmt.Errorf("parse icap address: %w", err)
	}
	if endpoint.Host == "" {
		return nil, fmt.Errorf("icap address %q has no host", icapURL)
	}

	endpoint.Scheme = "icap"
	if service != "" {
		endpoint.Path = "/" + service
	}

	return &ICAP{
		timeout:  timeout,
		endpoint: endpoint.String(),
	}, nil
}

// Scan wraps the content in an HTTP request and submits it for modification.
func (s *ICAP) Scan(ctx context.Context, r io.Reader) (model.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return model.VerdictError, err
	}

	// The ICAP client serializes the encapsulated request, which needs a
	// known length.
	content, err := io.ReadAll(r)
	if err != nil {
		return model.VerdictError, fmt.Errorf("read upload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://upload-gate/scan", bytes.NewReader(content))
	if err != nil {
		return model.VerdictError, fmt.Errorf("build encapsulated request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	req, err := ic.NewRequest(ic.MethodREQMOD, s.endpoint, httpReq, nil)
	if err != nil {
		return model.VerdictError, fmt.Errorf("build icap request: %w", err)
	}

	req.SetContext(ctx)

	// The client keeps its connection state, so each scan gets its own.
	client := &ic.Client{Timeout: s.timeout}

	type result struct {
		resp *ic.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := client.Do(req)
		done <- result{resp, err}
	}()

	select {
	case <-ctx.Done():
		return model.VerdictError, fmt.Errorf("icap request: %w", ctx.Err())
	case res := <-done:
		if res.err != nil {
			return model.VerdictError, fmt.Errorf("icap request: %w", res.err)
		}
		return classifyICAP(res.resp.StatusCode, res.resp.Header, res.resp.ContentResponse)
	}
}

func classifyICAP(status int, header http.Header, content *http.Response) (model.Verdict, error) {
	for _, h := range infectionHeaders {
		if header.Get(h) != "" {
			return model.VerdictMalware, nil
		}
	}

	switch status {
	case http.StatusNoContent:
		return model.VerdictSafe, nil
	case http.StatusOK:
		// Some engines answer with a replacement "blocked" page instead of headers.
		if content != nil && content.StatusCode == http.StatusForbidden {
			return model.VerdictMalware, nil
		}
		return model.VerdictSafe, nil
	}
	return model.VerdictError, fmt.Errorf("%w: icap status %d", ErrUnexpectedReply, status)
}
