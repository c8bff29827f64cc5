// Package audit implements the Audit Sink: structured events for
// every decision, execution, and cache operation, emitted to zerolog
// and persisted to SQLite for durability across restarts, with
// Prometheus counters for ambient observability.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"
)

// EventKind identifies the stage of the command lifecycle an audit
// record describes.
type EventKind string

const (
	EventDecision    EventKind = "decision"
	EventAuth        EventKind = "auth"
	EventExecStart   EventKind = "exec_start"
	EventStageStart  EventKind = "stage_start"
	EventExecComplete EventKind = "exec_complete"
	EventCacheHit    EventKind = "cache_hit"
	EventCacheMiss   EventKind = "cache_miss"
	EventCacheClear  EventKind = "cache_invalidate"
)

// Record is one audit event.
type Record struct {
	ID          string
	Timestamp   time.Time
	Kind        EventKind
	CallerUser  string
	Terminal    string
	TargetUser  string
	Command     string
	Decision    string
	SourceLabel string
	Reason      string
	ExitStatus  *int
}

// Metrics counts decisions, executions, and cache hits/misses.
type Metrics struct {
	Decisions  *prometheus.CounterVec
	Executions *prometheus.CounterVec
	CacheHits  prometheus.Counter
	CacheMiss  prometheus.Counter
}

// NewMetrics registers the counters against reg (use
// prometheus.NewRegistry() in tests to avoid global-registry
// collisions).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sudosh_policy_decisions_total",
			Help: "Policy Engine and Command Validator decisions by outcome.",
		}, []string{"decision"}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sudosh_executions_total",
			Help: "Completed executions by status.",
		}, []string{"status"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sudosh_cache_hits_total",
			Help: "Credential cache hits.",
		}),
		CacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sudosh_cache_misses_total",
			Help: "Credential cache misses.",
		}),
	}
	reg.MustRegister(m.Decisions, m.Executions, m.CacheHits, m.CacheMiss)
	return m
}

// Sink is always on; there is no quiet mode.
type Sink struct {
	db      *sql.DB
	metrics *Metrics
	log     zerolog.Logger
}

// Open creates/attaches the append-only SQLite-backed audit log at
// path and wires the given metrics (may be nil in tests).
func Open(path string, metrics *Metrics) (*Sink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite store: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	ts INTEGER NOT NULL,
	kind TEXT NOT NULL,
	caller_user TEXT NOT NULL,
	terminal TEXT NOT NULL,
	target_user TEXT NOT NULL,
	command TEXT NOT NULL,
	decision TEXT NOT NULL,
	source_label TEXT NOT NULL,
	reason TEXT NOT NULL,
	exit_status INTEGER
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	return &Sink{db: db, metrics: metrics, log: log.With().Str("component", "audit").Logger()}, nil
}

func (s *Sink) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Emit writes one audit record, stamping it with a sortable ULID id if
// unset, and logs it structurally. Emit never blocks the decision
// path on a persistence failure: a write error is logged, not
// returned; the decision path must not stall on the audit store.
func (s *Sink) Emit(ctx context.Context, r Record) {
	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	ev := s.log.Info().
		Str("id", r.ID).
		Str("kind", string(r.Kind)).
		Str("caller", r.CallerUser).
		Str("terminal", r.Terminal).
		Str("target", r.TargetUser).
		Str("command", r.Command).
		Str("decision", r.Decision)
	if r.SourceLabel != "" {
		ev = ev.Str("source", r.SourceLabel)
	}
	if r.Reason != "" {
		ev = ev.Str("reason", r.Reason)
	}
	if r.ExitStatus != nil {
		ev = ev.Int("exit_status", *r.ExitStatus)
	}
	ev.Msg("audit")

	s.countMetrics(r)

	if s.db == nil {
		return
	}
	var exitStatus sql.NullInt64
	if r.ExitStatus != nil {
		exitStatus = sql.NullInt64{Int64: int64(*r.ExitStatus), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, ts, kind, caller_user, terminal, target_user, command, decision, source_label, reason, exit_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Timestamp.Unix(), string(r.Kind), r.CallerUser, r.Terminal, r.TargetUser, r.Command, r.Decision, r.SourceLabel, r.Reason, exitStatus,
	)
	if err != nil {
		s.log.Warn().Err(err).Msg("audit: failed to persist record")
	}
}

// Recent returns up to n persisted records, newest first.
func (s *Sink) Recent(ctx context.Context, n int) ([]Record, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, kind, caller_user, terminal, target_user, command, decision, source_label, reason, exit_status
		 FROM audit_log ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("audit: query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ts int64
		var kind string
		var exitStatus sql.NullInt64
		if err := rows.Scan(&r.ID, &ts, &kind, &r.CallerUser, &r.Terminal, &r.TargetUser, &r.Command, &r.Decision, &r.SourceLabel, &r.Reason, &exitStatus); err != nil {
			return out, err
		}
		r.Timestamp = time.Unix(ts, 0).UTC()
		r.Kind = EventKind(kind)
		if exitStatus.Valid {
			status := int(exitStatus.Int64)
			r.ExitStatus = &status
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Sink) countMetrics(r Record) {
	if s.metrics == nil {
		return
	}
	switch r.Kind {
	case EventDecision:
		s.metrics.Decisions.WithLabelValues(r.Decision).Inc()
	case EventExecComplete:
		status := "ok"
		if r.ExitStatus != nil && *r.ExitStatus != 0 {
			status = "error"
		}
		s.metrics.Executions.WithLabelValues(status).Inc()
	case EventCacheHit:
		s.metrics.CacheHits.Inc()
	case EventCacheMiss:
		s.metrics.CacheMiss.Inc()
	}
}
