package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/your-org/forensicflow/internal/custody"
	"github.com/your-org/forensicflow/internal/notify"
	"github.com/your-org/forensicflow/pkg/integrity"
	"github.com/your-org/forensicflow/pkg/storage/objectstore"
)

// CustodyLedger is the slice of the ledger the orchestrator needs.
type CustodyLedger interface {
	Append(ctx context.Context, evidenceID, caseID string, action custody.Action, actor, contentHash string) (custody.Record, error)
	Timeline(ctx context.Context, caseID string) ([]custody.Record, error)
	LastRecord(ctx context.Context, evidenceID string) (custody.Record, error)
}

// TaskDispatcher publishes durable analysis tasks.
type TaskDispatcher interface {
	Publish(ctx context.Context, key, value []byte, headers map[string]string) error
}

// ReportStore records best-effort display-side rows; nil disables it.
type ReportStore interface {
	MarkPending(ctx context.Context, caseID, evidenceID, fileName string) error
}

// Service is the intake orchestrator: it wires hashing, storage, the custody
// ledger, and task dispatch into one pipeline per upload, and serves the
// evidence read path.
type Service struct {
	store      objectstore.Client
	ledger     CustodyLedger
	dispatcher TaskDispatcher
	reports    ReportStore
	notifier   *notify.Hub
	logger     *zap.Logger
	prefix     string
	now        func() time.Time
}

type Params struct {
	Store      objectstore.Client
	Ledger     CustodyLedger
	Dispatcher TaskDispatcher
	Reports    ReportStore
	Notifier   *notify.Hub
	Logger     *zap.Logger
	// EvidencePrefix is the key namespace all evidence lives under.
	EvidencePrefix string
}

// UploadOptions captures per-upload provenance.
type UploadOptions struct {
	CaseID      string
	Filename    string
	ContentType string
	Actor       string
}

type UploadResult struct {
	CaseID         string
	ObjectKey      string
	Hash           string
	Size           int64
	Classification string
	UploadedAt     time.Time
}

// NewService constructs the intake orchestrator.
func NewService(p Params) *Service {
	prefix := p.EvidencePrefix
	if prefix == "" {
		prefix = "evidence/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Service{
		store:      p.Store,
		ledger:     p.Ledger,
		dispatcher: p.Dispatcher,
		reports:    p.Reports,
		notifier:   p.Notifier,
		logger:     p.Logger,
		prefix:     prefix,
		now:        time.Now,
	}
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// objectKey derives the deterministic per-upload storage key. The timestamp
// and a short random suffix keep keys unique even when the same filename is
// uploaded twice into the same case.
func (s *Service) objectKey(caseID, filename string, at time.Time) string {
	base := unsafeKeyChars.ReplaceAllString(path.Base(filename), "_")
	if base == "" || base == "." {
		base = "unnamed"
	}
	caseSeg := unsafeKeyChars.ReplaceAllString(caseID, "_")
	return fmt.Sprintf("%s%s/%d_%s_%s", s.prefix, caseSeg, at.UnixMilli(), uuid.NewString()[:8], base)
}

// ProcessUpload runs one upload through the pipeline: hash while streaming to
// storage, append the ACQUIRED custody record, dispatch the analysis task,
// then fire the best-effort side writes. Each step starts only after the
// previous one succeeded; any failure aborts the upload.
func (s *Service) ProcessUpload(ctx context.Context, reader io.Reader, size int64, opts UploadOptions) (*UploadResult, error) {
	ctx, span := otel.Tracer("intake").Start(ctx, "ProcessUpload")
	defer span.End()

	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid file size %d", objectstore.ErrUploadFailed, size)
	}

	now := s.now().UTC()
	key := s.objectKey(opts.CaseID, opts.Filename, now)
	span.SetAttributes(
		attribute.String("evidence.case_id", opts.CaseID),
		attribute.String("evidence.object_key", key),
	)

	hasher := integrity.NewReader(reader, size)
	metadata := map[string]string{
		"original-filename": opts.Filename,
		"case-id":           opts.CaseID,
		"uploaded-by":       opts.Actor,
	}

	if err := s.store.Put(ctx, key, hasher, size, opts.ContentType, metadata); err != nil {
		// The backend may have committed a partial object before the stream
		// broke; make sure nothing retrievable is left behind.
		s.cleanupPartial(key)
		return nil, fmt.Errorf("store evidence: %w", err)
	}

	digest, err := hasher.Sum()
	if err != nil {
		s.cleanupPartial(key)
		return nil, fmt.Errorf("finalize digest: %w", err)
	}

	if _, err := s.ledger.Append(ctx, key, opts.CaseID, custody.ActionAcquired, opts.Actor, digest); err != nil {
		// The object stays in storage for manual reconciliation, but the
		// upload is rejected: unrecorded custody breaks the audit trail.
		return nil, fmt.Errorf("record custody: %w", err)
	}

	classification := classifyFilename(opts.Filename)
	task := AnalysisTask{
		ObjectKey:      key,
		CaseID:         opts.CaseID,
		ContentHash:    digest,
		OriginalName:   opts.Filename,
		Classification: classification,
		UploadedBy:     opts.Actor,
		EnqueuedAt:     s.now().UTC(),
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal analysis task: %w", err)
	}
	headers := map[string]string{
		"event_type":     "evidence.acquired",
		"classification": classification,
	}
	if err := s.dispatcher.Publish(ctx, []byte(opts.CaseID), payload, headers); err != nil {
		return nil, fmt.Errorf("dispatch analysis task: %w", err)
	}

	s.sideWrites(ctx, opts, key)

	s.logger.Info("evidence accepted",
		zap.String("case_id", opts.CaseID),
		zap.String("object_key", key),
		zap.String("content_hash", digest),
		zap.Int64("size_bytes", size),
		zap.String("classification", classification))

	return &UploadResult{
		CaseID:         opts.CaseID,
		ObjectKey:      key,
		Hash:           digest,
		Size:           size,
		Classification: classification,
		UploadedAt:     now,
	}, nil
}

// sideWrites performs the best-effort collaborator writes after the upload is
// durable. Neither can fail the upload.
func (s *Service) sideWrites(ctx context.Context, opts UploadOptions, key string) {
	if s.reports != nil {
		if err := s.reports.MarkPending(ctx, opts.CaseID, key, opts.Filename); err != nil {
			s.logger.Warn("report side-write failed", zap.Error(err), zap.String("object_key", key))
		}
	}
	if s.notifier != nil {
		s.notifier.Publish(notify.Event{
			Type:       "evidence.acquired",
			CaseID:     opts.CaseID,
			EvidenceID: key,
			FileName:   opts.Filename,
			At:         s.now().UTC(),
		})
	}
}

func (s *Service) cleanupPartial(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.store.Remove(ctx, key); err != nil {
		s.logger.Warn("partial object cleanup failed", zap.Error(err), zap.String("object_key", key))
	}
}

// Timeline returns the custody timeline for a case.
func (s *Service) Timeline(ctx context.Context, caseID string) ([]custody.Record, error) {
	return s.ledger.Timeline(ctx, caseID)
}

// recordAccess appends an ACCESSED entry for a read of stored evidence,
// carrying forward the digest recorded at acquisition. Best effort: a ledger
// hiccup must not break playback.
func (s *Service) recordAccess(ctx context.Context, key, caseID, actor string) {
	hash := ""
	if last, err := s.ledger.LastRecord(ctx, key); err == nil {
		hash = last.ContentHash
	}
	if _, err := s.ledger.Append(ctx, key, caseID, custody.ActionAccessed, actor, hash); err != nil {
		s.logger.Warn("access record failed", zap.Error(err), zap.String("object_key", key))
	}
}

// Close releases underlying resources.
func (s *Service) Close(ctx context.Context) error {
	return s.store.Close()
}
