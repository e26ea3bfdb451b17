package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS gateway_audit_event (
	id          UUID PRIMARY KEY,
	actor       TEXT NOT NULL,
	action      TEXT NOT NULL,
	target      TEXT NOT NULL DEFAULT '',
	recorded    TIMESTAMPTZ NOT NULL,
	request_id  TEXT NOT NULL DEFAULT '',
	method      TEXT NOT NULL DEFAULT '',
	path        TEXT NOT NULL DEFAULT '',
	remote_ip   TEXT NOT NULL DEFAULT '',
	status      INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_gateway_audit_event_actor ON gateway_audit_event (actor, recorded);
`

// PostgresSink writes events to the gateway_audit_event table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// EnsureSchema creates the audit table if it does not exist.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create audit schema: %w", err)
	}
	return nil
}

func (s *PostgresSink) Write(ctx context.Context, e Event) error {
	const query = `
		INSERT INTO gateway_audit_event (
			id, actor, action, target, recorded,
			request_id, method, path, remote_ip, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	_, err := s.pool.Exec(ctx, query,
		e.ID, e.Actor, e.Action, e.Target, e.Timestamp,
		e.RequestID, e.Method, e.Path, e.RemoteIP, e.Status,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
