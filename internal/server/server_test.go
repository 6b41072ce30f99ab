package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calder-env/docqueue/constants"
	"github.com/calder-env/docqueue/internal/backfill"
	"github.com/calder-env/docqueue/internal/common"
	"github.com/calder-env/docqueue/internal/entity"
	"github.com/calder-env/docqueue/internal/extract"
	"github.com/calder-env/docqueue/internal/metrics"
	"github.com/calder-env/docqueue/internal/processor"
	"github.com/calder-env/docqueue/internal/queue"
	"github.com/calder-env/docqueue/internal/repository"
	"github.com/calder-env/docqueue/internal/storage"
)

const testSecret = "scheduler-secret"

type stubRepo struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entity.QueueEntry
}

func newStubRepo() *stubRepo {
	return &stubRepo{entries: make(map[uuid.UUID]*entity.QueueEntry)}
}

func (s *stubRepo) seed(t *testing.T, category constants.Category, state string, status constants.EntryStatus) *entity.QueueEntry {
	t.Helper()
	id, err := uuid.NewV7()
	require.NoError(t, err)
	e := &entity.QueueEntry{
		ID:        id,
		Category:  category,
		StateCode: state,
		Status:    status,
		Bucket:    "uploads",
		Path:      id.String() + ".pdf",
		Filename:  id.String() + ".pdf",
	}
	s.mu.Lock()
	s.entries[id] = e
	s.mu.Unlock()
	return e
}

func (s *stubRepo) sorted() []*entity.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entity.QueueEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func (s *stubRepo) match(e *entity.QueueEntry, f repository.Filter) bool {
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.StateCode != "" && e.StateCode != f.StateCode {
		return false
	}
	return true
}

func (s *stubRepo) Create(_ context.Context, e *entity.QueueEntry) (*entity.QueueEntry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	e.ID = id
	s.mu.Lock()
	s.entries[id] = e
	s.mu.Unlock()
	return e, nil
}

func (s *stubRepo) GetByID(_ context.Context, id uuid.UUID) (*entity.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, common.ErrNotFound
}

func (s *stubRepo) List(_ context.Context, f repository.Filter) ([]*entity.QueueEntry, error) {
	var out []*entity.QueueEntry
	for _, e := range s.sorted() {
		if s.match(e, f) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *stubRepo) ListByStatus(_ context.Context, status constants.EntryStatus, f repository.Filter) ([]*entity.QueueEntry, error) {
	var out []*entity.QueueEntry
	for _, e := range s.sorted() {
		if e.Status == status && s.match(e, f) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *stubRepo) ListParsedAfter(_ context.Context, afterID uuid.UUID, f repository.Filter, limit int) ([]*entity.QueueEntry, error) {
	var out []*entity.QueueEntry
	for _, e := range s.sorted() {
		if e.Status != constants.StatusParsed || e.ID.String() <= afterID.String() || !s.match(e, f) {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *stubRepo) CountByStatus(_ context.Context, status constants.EntryStatus, f repository.Filter) (int, error) {
	n := 0
	for _, e := range s.sorted() {
		if e.Status == status && s.match(e, f) {
			n++
		}
	}
	return n, nil
}

func (s *stubRepo) SetStatus(_ context.Context, id uuid.UUID, status constants.EntryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return common.ErrNotFound
	}
	e.Status = status
	return nil
}

func (s *stubRepo) MarkEmbeddingFailed(_ context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return common.ErrNotFound
	}
	e.Status = constants.StatusEmbeddingFailed
	e.ErrorLog = append(e.ErrorLog, reason)
	return nil
}

func (s *stubRepo) ResetErrors(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return common.ErrNotFound
	}
	e.ErrorLog = nil
	e.RecordsFailed = 0
	return nil
}

type stubTokens struct{}

func (stubTokens) Token(context.Context) (string, error)        { return "tok", nil }
func (stubTokens) ForceRefresh(context.Context) (string, error) { return "tok", nil }

type okExtractor struct{}

func (okExtractor) Extract(_ context.Context, _ string, req extract.Request) (*extract.Result, error) {
	return &extract.Result{EntryID: req.EntryID, Records: 1}, nil
}

type okIndexer struct {
	repo *stubRepo
}

func (ix okIndexer) Embed(ctx context.Context, _ string, entryID uuid.UUID) (int, error) {
	if err := ix.repo.SetStatus(ctx, entryID, constants.StatusEmbedded); err != nil {
		return 0, err
	}
	return 5, nil
}

func newTestServer(t *testing.T, repo *stubRepo) *Server {
	t.Helper()
	cache := queue.NewCache(repo, nil)
	require.NoError(t, cache.Resync(context.Background()))

	m := metrics.New(prometheus.NewRegistry())
	builder := processor.NewRequestBuilder(storage.NewFSStore(t.TempDir()), nil)
	slots := processor.NewSlots(15)

	dispatcher := processor.NewDispatcher(stubTokens{}, okExtractor{}, builder, slots, m, nil,
		processor.WithWorkers(1))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		dispatcher.Shutdown(ctx)
	})

	single := processor.NewSingle(cache, dispatcher, "", nil)
	batch := processor.NewBatch(repo, cache, stubTokens{}, okExtractor{}, builder, slots, m, common.ExtractConfig{
		BatchTimeout: time.Second,
	}, nil)
	job := backfill.NewJob(repo, okIndexer{repo: repo}, stubTokens{}, m, common.BackfillConfig{
		Secret:           testSecret,
		DefaultBatchSize: 10,
		MaxBatchSize:     50,
	}, nil)

	return New(repo, cache, single, batch, job, testSecret, nil, nil)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	repo := newStubRepo()
	h := newTestServer(t, repo).Routes()

	rec := doJSON(t, h, http.MethodGet, "/v1/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzReportsDatabaseOutage(t *testing.T) {
	repo := newStubRepo()
	srv := newTestServer(t, repo)
	srv.dbHealth = func(*http.Request) error { return errors.New("connection refused") }

	rec := doJSON(t, srv.Routes(), http.MethodGet, "/v1/healthz", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateEntryPromotesToQueued(t *testing.T) {
	repo := newStubRepo()
	h := newTestServer(t, repo).Routes()

	rec := doJSON(t, h, http.MethodPost, "/v1/queue", map[string]string{
		"category":   "EDD",
		"state_code": "ca",
		"bucket":     "uploads",
		"path":       "2026/results.xlsx",
		"filename":   "results.xlsx",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created entity.QueueEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, constants.LabData, created.Category, "synonym canonicalized")
	assert.Equal(t, "CA", created.StateCode)
	assert.Equal(t, constants.StatusQueued, created.Status, "validated entries skip straight to queued")

	stored, err := repo.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusQueued, stored.Status)
}

func TestCreateEntryValidation(t *testing.T) {
	repo := newStubRepo()
	h := newTestServer(t, repo).Routes()

	valid := map[string]string{
		"category": "permit",
		"bucket":   "uploads",
		"path":     "a.pdf",
		"filename": "a.pdf",
	}
	cases := []struct {
		name  string
		patch map[string]string
	}{
		{"unknown category", map[string]string{"category": "tax-return"}},
		{"bad state code", map[string]string{"state_code": "California"}},
		{"missing bucket", map[string]string{"bucket": ""}},
		{"missing filename", map[string]string{"filename": ""}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := make(map[string]string, len(valid))
			for k, v := range valid {
				body[k] = v
			}
			for k, v := range tc.patch {
				body[k] = v
			}
			rec := doJSON(t, h, http.MethodPost, "/v1/queue", body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/queue", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListEntriesByStatus(t *testing.T) {
	repo := newStubRepo()
	repo.seed(t, constants.Permit, "CA", constants.StatusQueued)
	repo.seed(t, constants.Permit, "CA", constants.StatusParsed)
	repo.seed(t, constants.LabData, "AZ", constants.StatusQueued)
	h := newTestServer(t, repo).Routes()

	rec := doJSON(t, h, http.MethodGet, "/v1/queue?status=queued&category=permit", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 1, out.Count)

	rec = doJSON(t, h, http.MethodGet, "/v1/queue?status=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessEntry(t *testing.T) {
	repo := newStubRepo()
	e := repo.seed(t, constants.Permit, "CA", constants.StatusQueued)
	srv := newTestServer(t, repo)
	h := srv.Routes()

	rec := doJSON(t, h, http.MethodPost, "/v1/queue/"+e.ID.String()+"/process", nil, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/queue/not-a-uuid/process", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessEntryGuardViolationIs400(t *testing.T) {
	repo := newStubRepo()
	e := repo.seed(t, constants.Permit, "CA", constants.StatusParsed)
	h := newTestServer(t, repo).Routes()

	rec := doJSON(t, h, http.MethodPost, "/v1/queue/"+e.ID.String()+"/process", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryEntryOnlyAcceptsFailed(t *testing.T) {
	repo := newStubRepo()
	failed := repo.seed(t, constants.Permit, "CA", constants.StatusFailed)
	parsed := repo.seed(t, constants.Permit, "CA", constants.StatusParsed)
	h := newTestServer(t, repo).Routes()

	rec := doJSON(t, h, http.MethodPost, "/v1/queue/"+failed.ID.String()+"/retry", nil, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/queue/"+parsed.ID.String()+"/retry", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	missing, err := uuid.NewV7()
	require.NoError(t, err)
	rec = doJSON(t, h, http.MethodPost, "/v1/queue/"+missing.String()+"/retry", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryEntryResetsErrorBookkeeping(t *testing.T) {
	repo := newStubRepo()
	e := repo.seed(t, constants.Permit, "CA", constants.StatusFailed)
	repo.mu.Lock()
	repo.entries[e.ID].ErrorLog = []string{"extraction failed: malformed table"}
	repo.entries[e.ID].RecordsFailed = 12
	repo.mu.Unlock()
	h := newTestServer(t, repo).Routes()

	rec := doJSON(t, h, http.MethodPost, "/v1/queue/"+e.ID.String()+"/retry", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	stored, err := repo.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.ErrorLog, "retry starts the attempt with a clean error log")
	assert.Zero(t, stored.RecordsFailed)
}

func TestProcessAllReturnsReport(t *testing.T) {
	repo := newStubRepo()
	repo.seed(t, constants.Permit, "CA", constants.StatusQueued)
	repo.seed(t, constants.Permit, "CA", constants.StatusQueued)
	h := newTestServer(t, repo).Routes()

	rec := doJSON(t, h, http.MethodPost, "/v1/queue/process-all", map[string]string{"category": "permit"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report processor.BatchReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 2, report.Succeeded)
}

func TestBackfillRequiresSecret(t *testing.T) {
	repo := newStubRepo()
	h := newTestServer(t, repo).Routes()

	rec := doJSON(t, h, http.MethodPost, "/v1/admin/backfill-embeddings", backfill.Request{}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "missing secret")

	rec = doJSON(t, h, http.MethodPost, "/v1/admin/backfill-embeddings", backfill.Request{},
		map[string]string{SecretHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "wrong secret")
}

func TestBackfillValidatesBody(t *testing.T) {
	repo := newStubRepo()
	h := newTestServer(t, repo).Routes()
	auth := map[string]string{SecretHeader: testSecret}

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/backfill-embeddings", bytes.NewBufferString("{not json"))
	req.Header.Set(SecretHeader, testSecret)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	recBad := doJSON(t, h, http.MethodPost, "/v1/admin/backfill-embeddings", backfill.Request{BatchSize: 999}, auth)
	assert.Equal(t, http.StatusBadRequest, recBad.Code)
}

func TestBackfillAcceptsEmptyBody(t *testing.T) {
	repo := newStubRepo()
	repo.seed(t, constants.LabData, "CA", constants.StatusParsed)
	h := newTestServer(t, repo).Routes()

	req := httptest.NewRequest(http.MethodPost, "/v1/admin/backfill-embeddings", nil)
	req.Header.Set(SecretHeader, testSecret)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report backfill.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Processed, "bodyless POST runs with defaults")
}

func TestBackfillRunsBatch(t *testing.T) {
	repo := newStubRepo()
	a := repo.seed(t, constants.LabData, "CA", constants.StatusParsed)
	repo.seed(t, constants.LabData, "CA", constants.StatusParsed)
	h := newTestServer(t, repo).Routes()

	rec := doJSON(t, h, http.MethodPost, "/v1/admin/backfill-embeddings",
		backfill.Request{BatchSize: 10}, map[string]string{SecretHeader: testSecret})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report backfill.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 10, report.TotalChunks)
	assert.False(t, report.HasMore)

	stored, err := repo.GetByID(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusEmbedded, stored.Status)
}

func TestBackfillDryRun(t *testing.T) {
	repo := newStubRepo()
	e := repo.seed(t, constants.LabData, "CA", constants.StatusParsed)
	h := newTestServer(t, repo).Routes()

	rec := doJSON(t, h, http.MethodPost, "/v1/admin/backfill-embeddings",
		backfill.Request{DryRun: true}, map[string]string{SecretHeader: testSecret})
	require.Equal(t, http.StatusOK, rec.Code)

	var report backfill.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.DryRun)
	require.Len(t, report.Items, 1)
	assert.Equal(t, "selected", report.Items[0].Outcome)

	stored, err := repo.GetByID(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusParsed, stored.Status, "dry run must not touch the entry")
}
