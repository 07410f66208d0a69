package audit

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strconv"
	"time"

	_ "github.com/lib/pq"
)

// PostgresLog implements Log backed by an append-only Postgres table.
type PostgresLog struct {
	db *sql.DB
}

// NewPostgresLog connects using AUDIT_DATABASE_URL/DATABASE_URL and
// ensures the schema exists.
func NewPostgresLog() (*PostgresLog, error) {
	dsn := os.Getenv("AUDIT_DATABASE_URL")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, errors.New("AUDIT_DATABASE_URL/DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return NewPostgresLogWithDB(db)
}

// NewPostgresLogWithDB reuses an existing *sql.DB.
func NewPostgresLogWithDB(db *sql.DB) (*PostgresLog, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	const ddl = `
CREATE TABLE IF NOT EXISTS audit_events (
  id text PRIMARY KEY,
  event_time timestamptz NOT NULL,
  source_id text NOT NULL,
  entity_id text NOT NULL,
  action text NOT NULL,
  outcome text NOT NULL,
  detail text NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_pair_time ON audit_events(source_id, entity_id, event_time);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_events(action, event_time);
`
	if _, err := db.Exec(ddl); err != nil {
		return nil, err
	}
	return &PostgresLog{db: db}, nil
}

// Record appends an event. Failures are logged, never propagated: audit
// must not block ingestion.
func (l *PostgresLog) Record(ctx context.Context, event Event) {
	full := event
	if full.ID == "" {
		full = New(event.SourceID, event.EntityID, event.Action, event.Outcome, event.Detail)
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, event_time, source_id, entity_id, action, outcome, detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		full.ID, full.Time, full.SourceID, full.EntityID, full.Action, full.Outcome, full.Detail,
	)
	if err != nil {
		logFailure(err)
	}
}

// List returns events matching the filter, oldest first.
func (l *PostgresLog) List(ctx context.Context, filter Filter) ([]Event, error) {
	query := `SELECT id, event_time, source_id, entity_id, action, outcome, detail
	          FROM audit_events WHERE 1=1`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += " AND " + clause + "$" + strconv.Itoa(len(args))
	}
	if filter.SourceID != "" {
		add("source_id = ", filter.SourceID)
	}
	if filter.EntityID != "" {
		add("entity_id = ", filter.EntityID)
	}
	if filter.Action != "" {
		add("action = ", filter.Action)
	}
	if !filter.Since.IsZero() {
		add("event_time >= ", filter.Since)
	}
	query += " ORDER BY event_time ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Time, &e.SourceID, &e.EntityID, &e.Action, &e.Outcome, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the underlying connection pool.
func (l *PostgresLog) Close() error { return l.db.Close() }
