package intake

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/your-org/forensicflow/internal/custody"
	"github.com/your-org/forensicflow/internal/notify"
	"github.com/your-org/forensicflow/pkg/storage/objectstore"
)

// --- fakes -----------------------------------------------------------------

type memObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
}

type memObjectStore struct {
	mu      sync.Mutex
	objects map[string]memObject
	putErr  error
	removed []string
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: map[string]memObject{}}
}

func (m *memObjectStore) EnsureBucket(ctx context.Context) error { return nil }

func (m *memObjectStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string, metadata map[string]string) error {
	if m.putErr != nil {
		// Simulate a stream that broke partway: some bytes were consumed.
		io.CopyN(io.Discard, reader, size/2) //nolint:errcheck
		return m.putErr
	}
	data, err := io.ReadAll(io.LimitReader(reader, size))
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = memObject{data: data, contentType: contentType, metadata: metadata}
	m.mu.Unlock()
	return nil
}

func (m *memObjectStore) Stat(ctx context.Context, key string) (objectstore.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return objectstore.ObjectInfo{}, objectstore.ErrNotFound
	}
	return objectstore.ObjectInfo{
		Key:         key,
		Size:        int64(len(obj.data)),
		ContentType: obj.contentType,
		Metadata:    obj.metadata,
	}, nil
}

func (m *memObjectStore) Get(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	end := int64(len(obj.data))
	if length >= 0 && offset+length < end {
		end = offset + length
	}
	return io.NopCloser(bytes.NewReader(obj.data[offset:end])), nil
}

func (m *memObjectStore) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, key)
	delete(m.objects, key)
	return nil
}

func (m *memObjectStore) Close() error { return nil }

type fakeLedger struct {
	mu        sync.Mutex
	records   []custody.Record
	appendErr error
}

func (f *fakeLedger) Append(ctx context.Context, evidenceID, caseID string, action custody.Action, actor, contentHash string) (custody.Record, error) {
	if f.appendErr != nil {
		return custody.Record{}, f.appendErr
	}
	rec := custody.Record{
		EvidenceID:  evidenceID,
		CaseID:      caseID,
		Action:      action,
		Actor:       actor,
		ContentHash: contentHash,
	}
	f.mu.Lock()
	rec.ID = int64(len(f.records) + 1)
	f.records = append(f.records, rec)
	f.mu.Unlock()
	return rec, nil
}

func (f *fakeLedger) Timeline(ctx context.Context, caseID string) ([]custody.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []custody.Record
	for i := len(f.records) - 1; i >= 0; i-- {
		if f.records[i].CaseID == caseID {
			out = append(out, f.records[i])
		}
	}
	return out, nil
}

func (f *fakeLedger) LastRecord(ctx context.Context, evidenceID string) (custody.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.records) - 1; i >= 0; i-- {
		if f.records[i].EvidenceID == evidenceID {
			return f.records[i], nil
		}
	}
	return custody.Record{}, errors.New("no records")
}

func (f *fakeLedger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type publishedTask struct {
	key     []byte
	value   []byte
	headers map[string]string
}

type fakeDispatcher struct {
	mu         sync.Mutex
	tasks      []publishedTask
	publishErr error
}

func (f *fakeDispatcher) Publish(ctx context.Context, key, value []byte, headers map[string]string) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.mu.Lock()
	f.tasks = append(f.tasks, publishedTask{key: key, value: value, headers: headers})
	f.mu.Unlock()
	return nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

type fakeReports struct {
	pending [][3]string
	err     error
}

func (f *fakeReports) MarkPending(ctx context.Context, caseID, evidenceID, fileName string) error {
	if f.err != nil {
		return f.err
	}
	f.pending = append(f.pending, [3]string{caseID, evidenceID, fileName})
	return nil
}

type pipeline struct {
	store      *memObjectStore
	ledger     *fakeLedger
	dispatcher *fakeDispatcher
	reports    *fakeReports
	hub        *notify.Hub
	service    *Service
}

func newPipeline() *pipeline {
	p := &pipeline{
		store:      newMemObjectStore(),
		ledger:     &fakeLedger{},
		dispatcher: &fakeDispatcher{},
		reports:    &fakeReports{},
		hub:        notify.NewHub(),
	}
	p.service = NewService(Params{
		Store:          p.store,
		Ledger:         p.ledger,
		Dispatcher:     p.dispatcher,
		Reports:        p.reports,
		Notifier:       p.hub,
		Logger:         zap.NewNop(),
		EvidencePrefix: "evidence/",
	})
	return p
}

// --- tests -----------------------------------------------------------------

func TestProcessUpload_Success(t *testing.T) {
	p := newPipeline()
	payload := []byte("windows event log bytes for case 42")
	wantHash := sha256.Sum256(payload)

	result, err := p.service.ProcessUpload(context.Background(), bytes.NewReader(payload), int64(len(payload)), UploadOptions{
		CaseID:      "case-42",
		Filename:    "security.evtx",
		ContentType: "application/octet-stream",
		Actor:       "agent.smith",
	})
	require.NoError(t, err)

	assert.Equal(t, "case-42", result.CaseID)
	assert.Equal(t, hex.EncodeToString(wantHash[:]), result.Hash)
	assert.Equal(t, "windows_event_log", result.Classification)
	assert.True(t, strings.HasPrefix(result.ObjectKey, "evidence/case-42/"), "key %q", result.ObjectKey)

	// Stored bytes are exactly the payload.
	obj := p.store.objects[result.ObjectKey]
	assert.Equal(t, payload, obj.data)
	assert.Equal(t, "case-42", obj.metadata["case-id"])
	assert.Equal(t, "agent.smith", obj.metadata["uploaded-by"])

	// Exactly one custody record and one dispatch task.
	require.Equal(t, 1, p.ledger.count())
	rec := p.ledger.records[0]
	assert.Equal(t, custody.ActionAcquired, rec.Action)
	assert.Equal(t, result.ObjectKey, rec.EvidenceID)
	assert.Equal(t, result.Hash, rec.ContentHash)
	assert.Equal(t, "agent.smith", rec.Actor)

	require.Equal(t, 1, p.dispatcher.count())
	var task AnalysisTask
	require.NoError(t, json.Unmarshal(p.dispatcher.tasks[0].value, &task))
	assert.Equal(t, result.ObjectKey, task.ObjectKey)
	assert.Equal(t, "case-42", task.CaseID)
	assert.Equal(t, result.Hash, task.ContentHash)
	assert.Equal(t, "windows_event_log", task.Classification)
	assert.Equal(t, "case-42", string(p.dispatcher.tasks[0].key))
	assert.Equal(t, "evidence.acquired", p.dispatcher.tasks[0].headers["event_type"])

	// Best-effort side writes happened.
	require.Len(t, p.reports.pending, 1)
	assert.Equal(t, "case-42", p.reports.pending[0][0])
}

func TestProcessUpload_IntegrityRoundTrip(t *testing.T) {
	p := newPipeline()
	payload := bytes.Repeat([]byte{0xab, 0x42, 0x00, 0x7f}, 10000)

	result, err := p.service.ProcessUpload(context.Background(), bytes.NewReader(payload), int64(len(payload)), UploadOptions{
		CaseID: "case-1", Filename: "dump.bin", ContentType: "application/octet-stream", Actor: "a",
	})
	require.NoError(t, err)

	// Re-read the stored object in full and recompute the digest.
	body, err := p.store.Get(context.Background(), result.ObjectKey, 0, -1)
	require.NoError(t, err)
	defer body.Close()
	stored, err := io.ReadAll(body)
	require.NoError(t, err)

	recomputed := sha256.Sum256(stored)
	assert.Equal(t, hex.EncodeToString(recomputed[:]), p.ledger.records[0].ContentHash)
}

func TestProcessUpload_StoreFailure(t *testing.T) {
	p := newPipeline()
	p.store.putErr = objectstore.ErrUploadFailed

	_, err := p.service.ProcessUpload(context.Background(), strings.NewReader("payload"), 7, UploadOptions{
		CaseID: "case-1", Filename: "a.bin", Actor: "a",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, objectstore.ErrUploadFailed)

	assert.Zero(t, p.ledger.count(), "no custody record for a failed store")
	assert.Zero(t, p.dispatcher.count(), "no task for a failed store")
	assert.Len(t, p.store.removed, 1, "partial object cleaned up")
	assert.Empty(t, p.reports.pending)
}

func TestProcessUpload_LedgerFailure(t *testing.T) {
	p := newPipeline()
	p.ledger.appendErr = custody.ErrLedgerUnavailable

	_, err := p.service.ProcessUpload(context.Background(), strings.NewReader("payload"), 7, UploadOptions{
		CaseID: "case-1", Filename: "a.bin", Actor: "a",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, custody.ErrLedgerUnavailable)

	assert.Zero(t, p.dispatcher.count(), "no task without a custody record")
	// The stored object is left for manual reconciliation, not deleted.
	assert.Empty(t, p.store.removed)
	assert.Len(t, p.store.objects, 1)
}

func TestProcessUpload_DispatchFailure(t *testing.T) {
	p := newPipeline()
	p.dispatcher.publishErr = errors.New("dispatch unavailable")

	_, err := p.service.ProcessUpload(context.Background(), strings.NewReader("payload"), 7, UploadOptions{
		CaseID: "case-1", Filename: "a.bin", Actor: "a",
	})
	require.Error(t, err)
	assert.Empty(t, p.reports.pending, "no side writes for a rejected upload")
}

func TestProcessUpload_InvalidSize(t *testing.T) {
	p := newPipeline()
	for _, size := range []int64{0, -1} {
		_, err := p.service.ProcessUpload(context.Background(), strings.NewReader(""), size, UploadOptions{
			CaseID: "case-1", Filename: "a.bin", Actor: "a",
		})
		assert.Error(t, err)
	}
	assert.Zero(t, p.ledger.count())
	assert.Zero(t, p.dispatcher.count())
}

func TestProcessUpload_ReportFailureDoesNotRejectUpload(t *testing.T) {
	p := newPipeline()
	p.reports.err = errors.New("reports db down")

	_, err := p.service.ProcessUpload(context.Background(), strings.NewReader("payload"), 7, UploadOptions{
		CaseID: "case-1", Filename: "a.bin", Actor: "a",
	})
	assert.NoError(t, err, "report side-write is best effort")
	assert.Equal(t, 1, p.ledger.count())
	assert.Equal(t, 1, p.dispatcher.count())
}

func TestProcessUpload_NotifiesObservers(t *testing.T) {
	p := newPipeline()
	events, cancel := p.hub.Subscribe()
	defer cancel()

	result, err := p.service.ProcessUpload(context.Background(), strings.NewReader("payload"), 7, UploadOptions{
		CaseID: "case-7", Filename: "call.mp3", Actor: "a",
	})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "evidence.acquired", ev.Type)
		assert.Equal(t, "case-7", ev.CaseID)
		assert.Equal(t, result.ObjectKey, ev.EvidenceID)
	default:
		t.Fatal("expected a pipeline notification")
	}
}

func TestObjectKey_UniquePerUpload(t *testing.T) {
	p := newPipeline()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := p.service.ProcessUpload(ctx, strings.NewReader("same bytes"), 10, UploadOptions{
			CaseID: "case-1", Filename: "same-name.log", Actor: "a",
		})
		require.NoError(t, err)
	}
	assert.Len(t, p.store.objects, 2, "identical filenames in the same case must not collide")
}

func TestClassifyFilename(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"Security.evtx", "windows_event_log"},
		{"device_logcat_dump.txt", "android_logcat"},
		{"capture.pcap", "network_capture"},
		{"capture.pcapng", "network_capture"},
		{"intercepted_call.mp3", "audio_recording"},
		{"voicemail.WAV", "audio_recording"},
		{"notes.txt", "unknown"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyFilename(tt.filename))
		})
	}
}
