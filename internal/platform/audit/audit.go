// Package audit records one entry per gateway API call: who called, what
// they asked for and how the gateway answered. Entries are write-only; the
// gateway never reads them back to make a decision.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// Outcome classifies how a call ended from the gateway's point of view.
type Outcome string

const (
	OutcomeAllowed       Outcome = "allowed"
	OutcomeDenied        Outcome = "denied"
	OutcomeRejected      Outcome = "rejected"
	OutcomeUpstreamError Outcome = "upstream_error"
	OutcomeGatewayError  Outcome = "gateway_error"
	OutcomeClientClosed  Outcome = "client_closed"
)

// Entry is one audited call.
type Entry struct {
	ID        uuid.UUID
	RequestID string
	Subject   string
	Method    string
	Path      string
	Status    int
	Outcome   Outcome
	// GatewayCode is the X-Gateway-Error code when the gateway wrote the
	// body itself.
	GatewayCode string
	RemoteIP    string
	UserAgent   string
	Latency     time.Duration
	At          time.Time
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, e Entry) error

func (f RecorderFunc) Record(ctx context.Context, e Entry) error {
	return f(ctx, e)
}

// LogRecorder writes entries as structured log events.
type LogRecorder struct {
	logger zerolog.Logger
}

func NewLogRecorder(logger zerolog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger.With().Str("component", "audit").Logger()}
}

func (r *LogRecorder) Record(_ context.Context, e Entry) error {
	evt := r.logger.Info()
	if e.Outcome == OutcomeGatewayError {
		evt = r.logger.Warn()
	}
	evt.
		Str("audit_id", e.ID.String()).
		Str("request_id", e.RequestID).
		Str("subject", e.Subject).
		Str("method", e.Method).
		Str("path", e.Path).
		Int("status", e.Status).
		Str("outcome", string(e.Outcome)).
		Str("gateway_code", e.GatewayCode).
		Str("remote_ip", e.RemoteIP).
		Dur("latency", e.Latency).
		Time("at", e.At).
		Msg("gateway_audit")
	return nil
}

// Execer is the subset of pgxpool.Pool the Postgres recorder needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGRecorder inserts entries into the gateway_audit table.
type PGRecorder struct {
	db Execer
}

func NewPGRecorder(db Execer) *PGRecorder {
	return &PGRecorder{db: db}
}

const insertEntry = `
	INSERT INTO gateway_audit (
		id, request_id, subject, method, path, status, outcome,
		gateway_code, remote_ip, user_agent, latency_ms, recorded_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

func (r *PGRecorder) Record(ctx context.Context, e Entry) error {
	_, err := r.db.Exec(ctx, insertEntry,
		e.ID, e.RequestID, e.Subject, e.Method, e.Path, e.Status, string(e.Outcome),
		e.GatewayCode, e.RemoteIP, e.UserAgent, e.Latency.Milliseconds(), e.At,
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	return nil
}

// Multi fans an entry out to every recorder and joins their errors.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
