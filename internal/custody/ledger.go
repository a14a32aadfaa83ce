package custody

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrLedgerUnavailable means the backing store could not accept the write.
// An upload whose custody record cannot be persisted must not be accepted.
var ErrLedgerUnavailable = errors.New("custody: ledger unavailable")

// RecordStore is the append-only persistence the ledger writes through.
// Implementations expose no update or delete operations.
type RecordStore interface {
	Insert(ctx context.Context, rec Record) (int64, error)
	ListByCase(ctx context.Context, caseID string) ([]Record, error)
	LatestByEvidence(ctx context.Context, evidenceID string) (Record, error)
	Close() error
}

// Ledger owns custody record creation. It signs each record with a keyed
// hash over the canonical field serialization and appends it to the store;
// nothing else in the process writes custody records.
type Ledger struct {
	secret []byte
	store  RecordStore
	logger *zap.Logger
	now    func() time.Time
}

// NewLedger constructs a Ledger signing with the given secret.
func NewLedger(secret []byte, store RecordStore, logger *zap.Logger) *Ledger {
	return &Ledger{
		secret: secret,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Append builds, signs, and persists one custody record. The record is
// returned as persisted; it is immutable from this point on.
func (l *Ledger) Append(ctx context.Context, evidenceID, caseID string, action Action, actor, contentHash string) (Record, error) {
	rec := Record{
		EvidenceID:  evidenceID,
		CaseID:      caseID,
		Action:      action,
		Actor:       actor,
		ContentHash: contentHash,
		Timestamp:   l.now().UTC(),
	}
	rec.Signature = l.sign(rec)

	id, err := l.store.Insert(ctx, rec)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	rec.ID = id

	l.logger.Info("custody record appended",
		zap.String("evidence_id", rec.EvidenceID),
		zap.String("case_id", rec.CaseID),
		zap.String("action", string(rec.Action)),
		zap.String("actor", rec.Actor))
	return rec, nil
}

// Timeline returns the custody records for a case, newest first.
func (l *Ledger) Timeline(ctx context.Context, caseID string) ([]Record, error) {
	recs, err := l.store.ListByCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return recs, nil
}

// LastRecord returns the most recent record for a piece of evidence.
func (l *Ledger) LastRecord(ctx context.Context, evidenceID string) (Record, error) {
	rec, err := l.store.LatestByEvidence(ctx, evidenceID)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return rec, nil
}

// Verify recomputes the keyed hash over the record's canonical serialization
// and reports whether it matches the stored signature. A mismatch indicates
// the record was altered after it was written.
func (l *Ledger) Verify(rec Record) bool {
	want, err := hex.DecodeString(rec.Signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, l.secret)
	mac.Write([]byte(rec.canonical()))
	return hmac.Equal(want, mac.Sum(nil))
}

func (l *Ledger) sign(rec Record) string {
	mac := hmac.New(sha256.New, l.secret)
	mac.Write([]byte(rec.canonical()))
	return hex.EncodeToString(mac.Sum(nil))
}

// Close releases the backing store connection.
func (l *Ledger) Close() error {
	return l.store.Close()
}
