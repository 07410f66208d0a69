package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/google/uuid"
)

// PostgresTicketStore implements TicketStore backed by Postgres.
type PostgresTicketStore struct {
	db *sql.DB
}

// NewPostgresTicketStore connects using TICKET_DATABASE_URL/DATABASE_URL
// and ensures the schema exists.
func NewPostgresTicketStore() (*PostgresTicketStore, error) {
	dsn := os.Getenv("TICKET_DATABASE_URL")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, errors.New("TICKET_DATABASE_URL/DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return NewPostgresTicketStoreWithDB(db)
}

// NewPostgresTicketStoreWithDB reuses an existing *sql.DB.
func NewPostgresTicketStoreWithDB(db *sql.DB) (*PostgresTicketStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	const ddl = `
CREATE TABLE IF NOT EXISTS expectation_tickets (
  id text PRIMARY KEY,
  source_id text NOT NULL,
  entity_id text NOT NULL,
  external_id text NOT NULL,
  expected_by timestamptz NOT NULL,
  status text NOT NULL DEFAULT 'pending',
  escalations int NOT NULL DEFAULT 0,
  created_at timestamptz NOT NULL DEFAULT now(),
  updated_at timestamptz NOT NULL DEFAULT now()
);

-- One pending ticket per promised record; duplicate callbacks collapse.
CREATE UNIQUE INDEX IF NOT EXISTS idx_tickets_pending_unique
  ON expectation_tickets(source_id, entity_id, external_id) WHERE status = 'pending';

CREATE INDEX IF NOT EXISTS idx_tickets_status_deadline ON expectation_tickets(status, expected_by);
`
	if _, err := db.Exec(ddl); err != nil {
		return nil, err
	}
	return &PostgresTicketStore{db: db}, nil
}

func (s *PostgresTicketStore) Open(ctx context.Context, sourceID, entityID, externalID string, expectedBy time.Time) (*Ticket, error) {
	// Insert-or-fetch against the partial unique index. The pending row can
	// be resolved between the two statements, so retry the pair until one
	// of them yields a row.
	for attempt := 0; attempt < 3; attempt++ {
		id := uuid.New().String()
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO expectation_tickets (id, source_id, entity_id, external_id, expected_by)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (source_id, entity_id, external_id) WHERE status = 'pending' DO NOTHING`,
			id, sourceID, entityID, externalID, expectedBy,
		)
		if err != nil {
			return nil, fmt.Errorf("open ticket: %w", err)
		}

		row := s.db.QueryRowContext(ctx,
			`SELECT id, source_id, entity_id, external_id, expected_by, status, escalations, created_at, updated_at
			 FROM expectation_tickets
			 WHERE source_id = $1 AND entity_id = $2 AND external_id = $3 AND status = 'pending'`,
			sourceID, entityID, externalID,
		)
		ticket, err := scanTicket(row)
		if err != nil {
			return nil, err
		}
		if ticket != nil {
			return ticket, nil
		}
	}
	return nil, fmt.Errorf("open ticket %s/%s/%s: no pending row after insert", sourceID, entityID, externalID)
}

func (s *PostgresTicketStore) Pending(ctx context.Context) ([]*Ticket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, entity_id, external_id, expected_by, status, escalations, created_at, updated_at
		 FROM expectation_tickets WHERE status = 'pending' ORDER BY expected_by ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresTicketStore) Escalate(ctx context.Context, id string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`UPDATE expectation_tickets SET escalations = escalations + 1, updated_at = now()
		 WHERE id = $1 RETURNING escalations`,
		id,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errTicketNotFound(id)
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *PostgresTicketStore) Resolve(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE expectation_tickets SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errTicketNotFound(id)
	}
	return nil
}

func (s *PostgresTicketStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*Ticket, error) {
	var t Ticket
	var status string
	err := row.Scan(&t.ID, &t.SourceID, &t.EntityID, &t.ExternalID, &t.ExpectedBy,
		&status, &t.Escalations, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	return &t, nil
}
