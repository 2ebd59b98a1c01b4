// Package notify publishes QC run summaries to NATS.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"clinrule/internal/qc"
)

// ErrNotConnected is returned when publishing without a live connection.
var ErrNotConnected = errors.New("not connected to NATS")

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
}

// RunEvent is the message body published after every QC run. Violation rows
// are left out; consumers fetch them over HTTP.
type RunEvent struct {
	RunID        string    `json:"run_id"`
	RecordSet    string    `json:"record_set"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Scanned      int       `json:"scanned"`
	Opened       int       `json:"opened"`
	AutoResolved int       `json:"auto_resolved"`
	Skipped      int       `json:"skipped_with_error"`
	RuleErrors   int       `json:"rule_errors"`
	Cancelled    bool      `json:"cancelled"`
}

type Publisher struct {
	conn    Conn
	subject string
	logger  *slog.Logger
}

var _ qc.Notifier = (*Publisher)(nil)

func NewPublisher(conn Conn, subject string, logger *slog.Logger) *Publisher {
	return &Publisher{conn: conn, subject: subject, logger: logger}
}

// Connect dials url and returns a publisher on subject. The connection keeps
// reconnecting in the background; Close drains it.
func Connect(url, subject string, logger *slog.Logger) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("clinrule"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	logger.Info("connected to nats", "url", url, "subject", subject)
	return NewPublisher(conn, subject, logger), nil
}

// PublishRun sends a summary of run on the configured subject.
func (p *Publisher) PublishRun(_ context.Context, run *qc.RunSummary) error {
	if p.conn == nil || !p.conn.IsConnected() {
		return ErrNotConnected
	}
	data, err := json.Marshal(RunEvent{
		RunID:        run.ID,
		RecordSet:    run.RecordSet,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		Scanned:      run.Scanned,
		Opened:       run.Opened,
		AutoResolved: run.AutoResolved,
		Skipped:      run.SkippedWithErr,
		RuleErrors:   len(run.RuleErrors),
		Cancelled:    run.Cancelled,
	})
	if err != nil {
		return fmt.Errorf("encode run event: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish run %s: %w", run.ID, err)
	}
	p.logger.Debug("published qc run", "run_id", run.ID, "subject", p.subject)
	return nil
}

// Close drains the underlying connection when it is a *nats.Conn.
func (p *Publisher) Close() error {
	if nc, ok := p.conn.(*nats.Conn); ok {
		return nc.Drain()
	}
	return nil
}
