package custody

import (
	"fmt"
	"strings"
	"time"
)

// Action enumerates the lifecycle events recorded against evidence.
type Action string

const (
	ActionAcquired Action = "ACQUIRED"
	ActionAccessed Action = "ACCESSED"
	ActionAnalyzed Action = "ANALYZED"
	ActionDeleted  Action = "DELETED"
)

// ParseAction validates a textual action.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(s))
	switch a {
	case ActionAcquired, ActionAccessed, ActionAnalyzed, ActionDeleted:
		return a, nil
	}
	return "", fmt.Errorf("custody: unknown action %q", s)
}

// Record is one immutable entry in the custody ledger. Once appended it is
// never edited or deleted; a later action against the same evidence produces
// a new record.
type Record struct {
	ID          int64     `json:"id,omitempty"`
	EvidenceID  string    `json:"evidence_id"`
	CaseID      string    `json:"case_id"`
	Action      Action    `json:"action"`
	Actor       string    `json:"actor"`
	ContentHash string    `json:"content_hash"`
	Timestamp   time.Time `json:"timestamp"`
	Signature   string    `json:"signature"`
}

// canonical returns the serialization the signature is computed over. Field
// order is fixed and the timestamp is rendered in a single canonical textual
// form so that verification is byte-reproducible. Every signed field is
// included: flipping one byte anywhere in the record breaks verification.
func (r Record) canonical() string {
	return strings.Join([]string{
		r.EvidenceID,
		r.CaseID,
		string(r.Action),
		r.Actor,
		r.ContentHash,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
	}, "|")
}
