// Package audit publishes one event per completed scan.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"go.uber.org/fx"

	"upload-gate/internal/config"
)

// Event records the outcome of scanning one upload.
type Event struct {
	ID          string    `json:"id"`
	Time        time.Time `json:"time"`
	RequestID   string    `json:"request_id,omitempty"`
	Role        string    `json:"role"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	Verdict     string    `json:"verdict"`
	Cached      bool      `json:"cached"`
	DurationMS  int64     `json:"duration_ms"`
	Error       string    `json:"error,omitempty"`
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// NewEvent stamps a fresh event id and time.
func NewEvent() Event {
	return Event{ID: uuid.NewString(), Time: time.Now().UTC()}
}

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes events as JSON on a NATS subject.
type NATSSink struct {
	pub     Publisher
	subject string
}

// NewNATSSink creates a NATSSink.
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	return &NATSSink{pub: pub, subject: subject}
}

func (s *NATSSink) Record(_ context.Context, ev Event) error {
	if s.subject == "" {
		return errors.New("subject required")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", s.subject, err)
	}
	return nil
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "audit")}
}

func (s *LogSink) Record(ctx context.Context, ev Event) error {
	s.logger.InfoContext(ctx, "scan audit",
		"id", ev.ID,
		"request_id", ev.RequestID,
		"role", ev.Role,
		"method", ev.Method,
		"path", ev.Path,
		"filename", ev.Filename,
		"size", ev.Size,
		"sha256", ev.SHA256,
		"verdict", ev.Verdict,
		"cached", ev.Cached,
		"duration_ms", ev.DurationMS,
		"error", ev.Error,
	)
	return nil
}

// New returns a NATS-backed sink when audit.nats_url is set, or a LogSink.
func New(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (Sink, error) {
	if cfg.Audit.NATSURL == "" {
		return NewLogSink(logger), nil
	}

	nc, err := nats.Connect(cfg.Audit.NATSURL,
		nats.Name("upload-gate"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return nc.Drain() },
	})

	logger.Info("audit events published to nats",
		"component", "audit",
		"subject", cfg.Audit.Subject,
	)
	return NewNATSSink(nc, cfg.Audit.Subject), nil
}
