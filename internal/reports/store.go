package reports

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Status values mirror the analysis worker's report lifecycle.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// Report is the display-side row tracking analysis progress for one piece of
// evidence. It carries no integrity guarantee; the custody ledger does.
type Report struct {
	ID         int64     `json:"id"`
	CaseID     string    `json:"case_id"`
	EvidenceID string    `json:"evidence_id"`
	FileName   string    `json:"file_name"`
	Status     string    `json:"status"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Store writes best-effort analysis-report rows. Failures here are logged by
// the caller and never fail an upload.
type Store struct {
	db *sql.DB
}

const reportsSchema = `
CREATE TABLE IF NOT EXISTS analysis_reports (
	id           BIGSERIAL PRIMARY KEY,
	case_id      TEXT        NOT NULL,
	evidence_id  TEXT        NOT NULL,
	file_name    TEXT        NOT NULL,
	status       TEXT        NOT NULL DEFAULT 'PENDING',
	uploaded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS analysis_reports_case_idx ON analysis_reports (case_id, uploaded_at DESC);
`

// NewStore ensures the reports schema on the shared ledger database handle.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, reportsSchema); err != nil {
		return nil, fmt.Errorf("ensure reports schema: %w", err)
	}
	return &Store{db: db}, nil
}

// MarkPending records that analysis for the evidence has been queued.
func (s *Store) MarkPending(ctx context.Context, caseID, evidenceID, fileName string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_reports (case_id, evidence_id, file_name, status) VALUES ($1, $2, $3, $4)`,
		caseID, evidenceID, fileName, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("insert pending report: %w", err)
	}
	return nil
}

// ListByCase returns report rows for a case, newest first.
func (s *Store) ListByCase(ctx context.Context, caseID string) ([]Report, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, case_id, evidence_id, file_name, status, uploaded_at
		 FROM analysis_reports
		 WHERE case_id = $1
		 ORDER BY uploaded_at DESC, id DESC`,
		caseID,
	)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var reps []Report
	for rows.Next() {
		var rep Report
		if err := rows.Scan(&rep.ID, &rep.CaseID, &rep.EvidenceID, &rep.FileName, &rep.Status, &rep.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		reps = append(reps, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return reps, nil
}
