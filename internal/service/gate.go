package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"upload-gate/internal/audit"
	"upload-gate/internal/cache"
	"upload-gate/internal/config"
	"upload-gate/internal/metrics"
	"upload-gate/internal/model"
	"upload-gate/internal/scanner"
)

// Decision is the gate's answer for one request: forward it, or reply
// locally with Status and Message.
type Decision struct {
	Forward bool
	Status  int
	Message string
	Label   string
}

var (
	DecisionForward       = Decision{Forward: true, Label: "forward"}
	DecisionPassthrough   = Decision{Forward: true, Label: "passthrough"}
	DecisionMissingUpload = Decision{Status: http.StatusBadRequest, Message: "failed upload", Label: "missing_upload"}
	DecisionMalware       = Decision{Status: http.StatusBadRequest, Message: "malware file", Label: "malware"}
	DecisionScanFailed    = Decision{Status: http.StatusBadGateway, Message: "failed AV test", Label: "scan_failed"}
)

// Decide maps a verdict to a decision. Anything that is not a clean verdict
// blocks the request.
func Decide(v model.Verdict) Decision {
	switch v {
	case model.VerdictSafe:
		return DecisionForward
	case model.VerdictMalware:
		return DecisionMalware
	default:
		return DecisionScanFailed
	}
}

// ErrScannerPanic wraps a panic raised inside a scanner backend.
var ErrScannerPanic = errors.New("scanner panicked")

// ScanInput describes the upload to scan and the request it came with.
type ScanInput struct {
	Role      model.Role
	Method    string
	Path      string
	RequestID string
	Upload    *model.Upload
}

// Gate runs scans through the verdict cache and records their outcome.
type Gate struct {
	scanner scanner.Scanner
	cache   cache.VerdictCache
	sink    audit.Sink
	metrics *metrics.Metrics
	timeout time.Duration
	logger  *slog.Logger
}

// NewGate creates a Gate. The metrics parameter is optional.
func NewGate(s scanner.Scanner, c cache.VerdictCache, sink audit.Sink, m *metrics.Metrics, cfg *config.Config, logger *slog.Logger) *Gate {
	if c == nil {
		c = cache.Nop{}
	}
	return &Gate{
		scanner: s,
		cache:   c,
		sink:    sink,
		metrics: m,
		timeout: time.Duration(cfg.Scanner.TimeoutSeconds) * time.Second,
		logger:  logger.With("component", "gate"),
	}
}

// Scan returns the verdict for in.Upload. It never fails: every problem on
// the way collapses into VerdictError.
//
// The scan is detached from ctx cancellation so that a client hanging up does
// not cut the scan or its audit record short. It is still bounded by the
// scanner timeout.
func (g *Gate) Scan(ctx context.Context, in ScanInput) model.Verdict {
	ctx = context.WithoutCancel(ctx)
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	verdict, cached := g.lookup(ctx, in.Upload.SHA256)

	var err error
	if !cached {
		verdict, err = g.scan(ctx, in.Upload)
		if err != nil {
			g.logger.Warn("scan failed",
				"err", err,
				"role", string(in.Role),
				"filename", in.Upload.Filename,
				"request_id", in.RequestID,
			)
		} else if perr := g.cache.Put(ctx, in.Upload.SHA256, verdict); perr != nil {
			g.logger.Warn("verdict cache store failed", "err", perr)
		}
	}
	elapsed := time.Since(start)

	if g.metrics != nil {
		g.metrics.ScanVerdicts.WithLabelValues(string(in.Role), verdict.String()).Inc()
		g.metrics.ScanDuration.WithLabelValues(verdict.String()).Observe(elapsed.Seconds())
	}

	g.record(ctx, in, verdict, cached, elapsed, err)
	return verdict
}

// ScanAll scans every upload in order and returns the first verdict that is
// not safe. The request is only clean when all of its uploads are.
func (g *Gate) ScanAll(ctx context.Context, in ScanInput, uploads []*model.Upload) model.Verdict {
	if len(uploads) == 0 {
		return model.VerdictError
	}
	for _, up := range uploads {
		in.Upload = up
		if v := g.Scan(ctx, in); v != model.VerdictSafe {
			return v
		}
	}
	return model.VerdictSafe
}

// Observe counts a decision taken for role.
func (g *Gate) Observe(role model.Role, d Decision) {
	if g.metrics != nil {
		g.metrics.GateDecisions.WithLabelValues(string(role), d.Label).Inc()
	}
}

func (g *Gate) lookup(ctx context.Context, digest string) (model.Verdict, bool) {
	if _, nop := g.cache.(cache.Nop); nop {
		return model.VerdictError, false
	}

	v, ok, err := g.cache.Get(ctx, digest)
	result := "miss"
	switch {
	case err != nil:
		result = "error"
		g.logger.Warn("verdict cache lookup failed", "err", err)
	case ok && v.Definitive():
		result = "hit"
	default:
		ok = false
	}
	if g.metrics != nil {
		g.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
	if result != "hit" {
		return model.VerdictError, false
	}
	return v, ok
}

func (g *Gate) scan(ctx context.Context, u *model.Upload) (v model.Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = model.VerdictError, fmt.Errorf("%w: %v", ErrScannerPanic, r)
		}
	}()

	rc, err := u.Open()
	if err != nil {
		return model.VerdictError, fmt.Errorf("open upload: %w", err)
	}
	defer func() { _ = rc.Close() }()

	v, err = g.scanner.Scan(ctx, rc)
	if err != nil {
		return model.VerdictError, err
	}
	if !v.Definitive() {
		return model.VerdictError, fmt.Errorf("%w: verdict %d", scanner.ErrUnexpectedReply, int(v))
	}
	return v, nil
}

func (g *Gate) record(ctx context.Context, in ScanInput, v model.Verdict, cached bool, elapsed time.Duration, scanErr error) {
	if g.sink == nil {
		return
	}

	ev := audit.NewEvent()
	ev.RequestID = in.RequestID
	ev.Role = string(in.Role)
	ev.Method = in.Method
	ev.Path = in.Path
	ev.Filename = in.Upload.Filename
	ev.ContentType = in.Upload.ContentType
	ev.Size = in.Upload.Size
	ev.SHA256 = in.Upload.SHA256
	ev.Verdict = v.String()
	ev.Cached = cached
	ev.DurationMS = elapsed.Milliseconds()
	if scanErr != nil {
		ev.Error = scanErr.Error()
	}

	if err := g.sink.Record(ctx, ev); err != nil {
		g.logger.Warn("audit record failed", "err", err, "event_id", ev.ID)
	}
}
