// Package notify is the best-effort outbound notification sink for
// integrity warnings: a durable outbox table plus an in-process retry
// loop, modeled on the same pending/retry/status lifecycle a delivery
// queue for any unreliable external channel would use.
package notify

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mioyvo/amsd/pkg/logging"
)

// Status is the lifecycle state of one outbox entry.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Warning is one integrity-tamper notice.
type Warning struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"` // "account" or "transaction"
	SubjectID string    `json:"subject_id"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	Status    Status    `json:"status"`
	RetryCount int      `json:"retry_count"`
}

// Sink delivers integrity warnings to an external channel (chat, paging,
// email — the transport is pluggable). Deliver must be idempotent under
// retry.
type Sink interface {
	Deliver(ctx context.Context, w Warning) error
}

// LogSink delivers warnings by writing a structured log line; it is the
// default Sink when no external channel is configured.
type LogSink struct {
	log *logging.Logger
}

// NewLogSink builds a LogSink using log, or the package default logger
// if log is nil.
func NewLogSink(log *logging.Logger) *LogSink {
	if log == nil {
		log = logging.GetDefault().Component("integrity")
	}
	return &LogSink{log: log}
}

func (s *LogSink) Deliver(ctx context.Context, w Warning) error {
	s.log.Warn("integrity mismatch detected", "kind", w.Kind, "subject", w.SubjectID, "reason", w.Reason)
	return nil
}

// Notifier persists integrity warnings to a durable outbox and attempts
// immediate delivery through sink, falling back to retry on failure.
// It implements internal/ledger/integrity.Notifier.
type Notifier struct {
	pool *pgxpool.Pool
	sink Sink
	log  *logging.Logger
}

// New builds a Notifier. If sink is nil, warnings are only persisted;
// neither WarnTamper nor DrainPending delivers them.
func New(pool *pgxpool.Pool, sink Sink) *Notifier {
	return &Notifier{pool: pool, sink: sink, log: logging.GetDefault().Component("notify")}
}

// EnsureSchema creates the outbox table if absent.
func (n *Notifier) EnsureSchema(ctx context.Context) error {
	_, err := n.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS notifications_outbox (
	id          BIGSERIAL PRIMARY KEY,
	kind        TEXT NOT NULL,
	subject_id  TEXT NOT NULL,
	reason      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	status      TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0
)`)
	return err
}

// WarnTamper enqueues a warning and attempts best-effort immediate
// delivery; it never returns an error to the caller, matching the
// integrity verifier's "never block a read" contract.
func (n *Notifier) WarnTamper(ctx context.Context, kind, id, reason string) {
	var rowID int64
	err := n.pool.QueryRow(ctx, `
INSERT INTO notifications_outbox (kind, subject_id, reason) VALUES ($1,$2,$3) RETURNING id`,
		kind, id, reason).Scan(&rowID)
	if err != nil {
		n.log.Error("failed to persist integrity warning", "kind", kind, "subject", id, "err", err)
		return
	}

	if n.sink == nil {
		return
	}
	w := Warning{ID: rowID, Kind: kind, SubjectID: id, Reason: reason, Status: StatusPending}
	if err := n.sink.Deliver(ctx, w); err != nil {
		n.log.Warn("integrity warning delivery failed, will retry later", "id", rowID, "err", err)
		return
	}
	if _, err := n.pool.Exec(ctx, `UPDATE notifications_outbox SET status = 'sent' WHERE id = $1`, rowID); err != nil {
		n.log.Error("failed to mark warning as sent", "id", rowID, "err", err)
	}
}

// DrainPending retries delivery of every outbox entry still pending,
// marking each sent on success or bumping its retry count on failure.
// Intended to be called periodically from a background loop.
func (n *Notifier) DrainPending(ctx context.Context) error {
	if n.sink == nil {
		return nil
	}
	rows, err := n.pool.Query(ctx, `
SELECT id, kind, subject_id, reason, retry_count FROM notifications_outbox
WHERE status = 'pending' ORDER BY created_at ASC LIMIT 100`)
	if err != nil {
		return err
	}
	defer rows.Close()

	type pending struct {
		id    int64
		w     Warning
	}
	var batch []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.w.Kind, &p.w.SubjectID, &p.w.Reason, &p.w.RetryCount); err != nil {
			return err
		}
		p.w.ID = p.id
		batch = append(batch, p)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range batch {
		if err := n.sink.Deliver(ctx, p.w); err != nil {
			n.pool.Exec(ctx, `UPDATE notifications_outbox SET retry_count = retry_count + 1 WHERE id = $1`, p.id)
			continue
		}
		n.pool.Exec(ctx, `UPDATE notifications_outbox SET status = 'sent' WHERE id = $1`, p.id)
	}
	return nil
}
