package jobstatus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companion-lens/core/pkg/jobs"
	"github.com/companion-lens/core/pkg/logger"
)

type fakeBackend struct {
	statuses  []jobs.JobStatus
	records   []jobs.ExecutionRecord
	err       error
	runErr    error
	lastKey   string
	lastLimit int
}

func (f *fakeBackend) Status(ctx context.Context) ([]jobs.JobStatus, error) {
	return f.statuses, f.err
}

func (f *fakeBackend) ListExecutions(ctx context.Context, key string, limit int) ([]jobs.ExecutionRecord, error) {
	f.lastKey, f.lastLimit = key, limit
	return f.records, f.err
}

func (f *fakeBackend) RunNow(ctx context.Context, key string) error {
	f.lastKey = key
	return f.runErr
}

func newTestMux(backend *fakeBackend) *http.ServeMux {
	h := NewHandler(backend, backend, backend, logger.Nop())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/jobs", h.List)
	mux.HandleFunc("GET /api/jobs/{namespace}/{id}/executions", h.Executions)
	mux.HandleFunc("POST /api/jobs/{namespace}/{id}/run", h.Run)
	return mux
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Meta    map[string]any  `json:"meta"`
	Message string          `json:"message"`
}

func do(t *testing.T, mux http.Handler, method, target string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	var body envelope
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestList(t *testing.T) {
	backend := &fakeBackend{statuses: []jobs.JobStatus{
		{Key: "companion/1", Period: "24h0m0s", Preconditions: "charging,idle", Pending: true},
	}}

	rec, body := do(t, newTestMux(backend), http.MethodGet, "/api/jobs")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)
	assert.EqualValues(t, 1, body.Meta["total"])

	var statuses []jobs.JobStatus
	require.NoError(t, json.Unmarshal(body.Data, &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "companion/1", statuses[0].Key)
	assert.True(t, statuses[0].Pending)
}

func TestList_Error(t *testing.T) {
	rec, _ := do(t, newTestMux(&fakeBackend{err: errors.New("lock session lost")}), http.MethodGet, "/api/jobs")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestExecutions(t *testing.T) {
	backend := &fakeBackend{records: []jobs.ExecutionRecord{
		{ID: "exec-1", JobKey: "companion/1", Status: jobs.ExecutionStatusCompleted, StartedAt: time.Now().UTC()},
	}}
	mux := newTestMux(backend)

	rec, body := do(t, mux, http.MethodGet, "/api/jobs/companion/1/executions?limit=5")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "companion/1", backend.lastKey)
	assert.Equal(t, 5, backend.lastLimit)

	var records []jobs.ExecutionRecord
	require.NoError(t, json.Unmarshal(body.Data, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "exec-1", records[0].ID)

	rec, _ = do(t, mux, http.MethodGet, "/api/jobs/companion/1/executions?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, mux, http.MethodGet, "/api/jobs/companion/one/executions")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRun(t *testing.T) {
	backend := &fakeBackend{}
	mux := newTestMux(backend)

	rec, body := do(t, mux, http.MethodPost, "/api/jobs/Companion/1/run")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)
	assert.Equal(t, "companion/1", backend.lastKey)

	backend.runErr = errors.Wrap(jobs.ErrNotRegistered, "job companion/1")
	rec, _ = do(t, mux, http.MethodPost, "/api/jobs/companion/1/run")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	backend.runErr = errors.Wrap(jobs.ErrAlreadyRunning, "job companion/1 execution exec-1")
	rec, body = do(t, mux, http.MethodPost, "/api/jobs/companion/1/run")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "job already running", body.Message)

	backend.runErr = &jobs.ActionError{Key: "companion/1", ExecutionID: "manual", Err: errors.New("companion API unavailable")}
	rec, body = do(t, mux, http.MethodPost, "/api/jobs/companion/1/run")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.False(t, body.Success)
}
