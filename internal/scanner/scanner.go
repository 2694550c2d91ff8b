// Package scanner provides the anti-malware scanning backends used by the gate.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"upload-gate/internal/config"
	"upload-gate/internal/model"
)

// Scanner classifies the content read from r. Implementations must be safe
// for concurrent use. A non-nil error always comes with VerdictError.
type Scanner interface {
	Scan(ctx context.Context, r io.Reader) (model.Verdict, error)
}

// Func adapts a function to the Scanner interface.
type Func func(ctx context.Context, r io.Reader) (model.Verdict, error)

// Scan calls f(ctx, r).
func (f Func) Scan(ctx context.Context, r io.Reader) (model.Verdict, error) {
	return f(ctx, r)
}

// ErrUnexpectedReply is returned when a scan engine answers with something the
// backend cannot classify.
var ErrUnexpectedReply = errors.New("unexpected scanner reply")

// New builds the Scanner selected by cfg.Scanner.Backend.
func New(cfg *config.Config, logger *slog.Logger) (Scanner, error) {
	sc := cfg.Scanner
	timeout := time.Duration(sc.TimeoutSeconds) * time.Second
	logger = logger.With("component", "scanner", "backend", sc.Backend)

	var (
		s   Scanner
		err error
	)
	switch sc.Backend {
	case config.BackendClamd:
		s, err = NewClamd(sc.Address, timeout)
	case config.BackendICAP:
		s, err = NewICAP(sc.Address, sc.ICAPService, timeout)
	case config.BackendEICAR:
		s = EICAR{}
	case config.BackendStatic:
		var v model.Verdict
		v, err = model.ParseVerdict(sc.StaticVerdict)
		s = Static{Verdict: v}
	default:
		err = fmt.Errorf("unknown backend %q", sc.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("scanner: %w", err)
	}

	logger.Info("scanner configured", "address", sc.Address, "timeout", timeout)
	return s, nil
}
