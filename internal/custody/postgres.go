package custody

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists custody records in an append-only table. The type
// deliberately exposes Insert and ListByCase only; rows are never updated or
// deleted through this code path.
type PostgresStore struct {
	db *sql.DB
}

const custodySchema = `
CREATE TABLE IF NOT EXISTS custody_log (
	id            BIGSERIAL PRIMARY KEY,
	evidence_id   TEXT        NOT NULL,
	case_id       TEXT        NOT NULL,
	action        TEXT        NOT NULL,
	actor         TEXT        NOT NULL,
	content_hash  TEXT        NOT NULL,
	recorded_at   TIMESTAMPTZ NOT NULL,
	signature     TEXT        NOT NULL
);
CREATE INDEX IF NOT EXISTS custody_log_case_time_idx ON custody_log (case_id, recorded_at DESC);
CREATE INDEX IF NOT EXISTS custody_log_evidence_idx ON custody_log (evidence_id);
`

// NewPostgresStore opens the ledger database and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping ledger db: %w", err)
	}
	if _, err := db.ExecContext(ctx, custodySchema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ensure custody schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying handle so sibling stores can share the pool.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Insert(ctx context.Context, rec Record) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO custody_log (evidence_id, case_id, action, actor, content_hash, recorded_at, signature)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		rec.EvidenceID, rec.CaseID, string(rec.Action), rec.Actor, rec.ContentHash, rec.Timestamp, rec.Signature,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert custody record: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListByCase(ctx context.Context, caseID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, evidence_id, case_id, action, actor, content_hash, recorded_at, signature
		 FROM custody_log
		 WHERE case_id = $1
		 ORDER BY recorded_at DESC, id DESC`,
		caseID,
	)
	if err != nil {
		return nil, fmt.Errorf("query custody timeline: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		var action string
		if err := rows.Scan(&rec.ID, &rec.EvidenceID, &rec.CaseID, &action, &rec.Actor, &rec.ContentHash, &rec.Timestamp, &rec.Signature); err != nil {
			return nil, fmt.Errorf("scan custody record: %w", err)
		}
		rec.Action = Action(action)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate custody records: %w", err)
	}
	return recs, nil
}

func (s *PostgresStore) LatestByEvidence(ctx context.Context, evidenceID string) (Record, error) {
	var rec Record
	var action string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, evidence_id, case_id, action, actor, content_hash, recorded_at, signature
		 FROM custody_log
		 WHERE evidence_id = $1
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT 1`,
		evidenceID,
	).Scan(&rec.ID, &rec.EvidenceID, &rec.CaseID, &action, &rec.Actor, &rec.ContentHash, &rec.Timestamp, &rec.Signature)
	if err != nil {
		return Record{}, fmt.Errorf("query latest custody record: %w", err)
	}
	rec.Action = Action(action)
	return rec, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
