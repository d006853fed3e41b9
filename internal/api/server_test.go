package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/pixelbatch/internal/batch"
	"github.com/dunamismax/pixelbatch/internal/domain"
	"github.com/dunamismax/pixelbatch/internal/pipeline"
	"github.com/dunamismax/pixelbatch/internal/queue"
	"github.com/dunamismax/pixelbatch/internal/sheet"
	"github.com/dunamismax/pixelbatch/internal/store"
)

const uploadSheet = "S. No.,Product Name,Input Image Urls\n" +
	"1,Widget,\"http://x/public/a.jpg, http://x/public/b.jpg\"\n" +
	"2,Gadget,http://x/public/c.jpg\n"

type queueRecorder struct {
	mu       sync.Mutex
	payloads []queue.ProcessImagePayload
}

func (q *queueRecorder) Enqueue(_ context.Context, payload queue.ProcessImagePayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.payloads = append(q.payloads, payload)
	return nil
}

type harness struct {
	handler  http.Handler
	queue    *queueRecorder
	executor *batch.Executor
}

func newHarness(t *testing.T, opts Options) harness {
	t.Helper()
	jobStore := store.NewMemoryJobStore()
	q := &queueRecorder{}
	svc := batch.NewService(jobStore, q, zerolog.Nop(), sheet.ParseOptions{})
	return harness{
		handler:  NewServer(zerolog.Nop(), svc, opts).Handler(),
		queue:    q,
		executor: batch.NewExecutor(jobStore, pipeline.NewSegmentRewriter("", ""), nil, zerolog.Nop()),
	}
}

func (h harness) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, target, filename, body string, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), into))
}

func TestSubmitStatusExportRoundTrip(t *testing.T) {
	h := newHarness(t, Options{})

	rec := h.do(t, uploadRequest(t, "/v1/batches", "products.csv", uploadSheet, nil))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var created struct {
		BatchID   string `json:"batch_id"`
		Status    string `json:"status"`
		Jobs      int    `json:"jobs"`
		StatusURL string `json:"status_url"`
		ExportURL string `json:"export_url"`
	}
	decodeBody(t, rec, &created)
	require.NotEmpty(t, created.BatchID)
	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, 3, created.Jobs)
	assert.Equal(t, "/v1/batches/"+created.BatchID, created.StatusURL)
	require.Len(t, h.queue.payloads, 3)

	rec = h.do(t, httptest.NewRequest(http.MethodGet, created.StatusURL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var view domain.BatchView
	decodeBody(t, rec, &view)
	assert.Equal(t, domain.BatchStatusInProgress, view.Status)
	require.Len(t, view.Jobs, 3)
	assert.Nil(t, view.Jobs[0].OutputURL)

	for _, p := range h.queue.payloads {
		_, err := h.executor.Execute(context.Background(), p)
		require.NoError(t, err)
	}

	rec = h.do(t, httptest.NewRequest(http.MethodGet, created.StatusURL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &view)
	assert.Equal(t, domain.BatchStatusDone, view.Status)

	rec = h.do(t, httptest.NewRequest(http.MethodGet, created.ExportURL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename="+created.BatchID+"_output.csv", rec.Header().Get("Content-Disposition"))
	assert.Equal(t,
		"S. No.,Product Name,Input Image Urls,Output Image Urls\n"+
			"1,Widget,http://x/public/a.jpg http://x/public/b.jpg,http://x/processed/a.jpg http://x/processed/b.jpg\n"+
			"2,Gadget,http://x/public/c.jpg,http://x/processed/c.jpg\n",
		rec.Body.String())
}

func TestLegacyRoutes(t *testing.T) {
	h := newHarness(t, Options{})

	rec := h.do(t, uploadRequest(t, "/upload", "products.CSV", uploadSheet, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var created struct {
		RequestID string `json:"request_id"`
	}
	decodeBody(t, rec, &created)
	require.NotEmpty(t, created.RequestID)

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/status?request_id="+created.RequestID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/download_csv?request_id="+created.RequestID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "S. No.,Product Name,Input Image Urls,Output Image Urls\n"))

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitRejectsBadUploads(t *testing.T) {
	h := newHarness(t, Options{MaxUploadBytes: 4 << 10})

	cases := []struct {
		name     string
		filename string
		body     string
		wantErr  string
	}{
		{name: "wrong extension", filename: "products.xlsx", body: uploadSheet, wantErr: "only .csv files are accepted"},
		{name: "bad header", filename: "products.csv", body: "id,name\n1,Widget\n", wantErr: "CSV must have columns: [S. No., Product Name, Input Image Urls]"},
		{name: "bad serial", filename: "products.csv", body: "S. No.,Product Name,Input Image Urls\nx,Widget,http://x/a.jpg\n", wantErr: "must be an integer"},
		{name: "too large", filename: "products.csv", body: strings.Repeat("a", 8<<10), wantErr: "upload exceeds"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, uploadRequest(t, "/v1/batches", tc.filename, tc.body, nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var body map[string]string
			decodeBody(t, rec, &body)
			assert.Contains(t, body["error"], tc.wantErr)
		})
	}
	assert.Empty(t, h.queue.payloads)
}

func TestSubmitRequiresFileField(t *testing.T) {
	h := newHarness(t, Options{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("webhook_url", "http://hooks.local"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := h.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownBatchIsNotFound(t *testing.T) {
	h := newHarness(t, Options{})

	for _, target := range []string{"/v1/batches/nope", "/v1/batches/nope/export", "/download_csv?request_id=nope"} {
		rec := h.do(t, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
	}
}

type failingService struct{}

func (failingService) Submit(context.Context, batch.SubmitRequest) (batch.SubmitResult, error) {
	return batch.SubmitResult{}, &domain.PersistenceError{Op: "create batch", Err: errors.New("dial tcp: refused")}
}

func (failingService) Status(context.Context, string) (domain.BatchView, error) {
	return domain.BatchView{}, errors.New("boom")
}

func (failingService) Export(context.Context, string) ([]byte, error) {
	return nil, errors.New("boom")
}

func TestStoreFailuresAreOpaque(t *testing.T) {
	handler := NewServer(zerolog.Nop(), failingService{}, Options{}).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, uploadRequest(t, "/v1/batches", "products.csv", uploadSheet, nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "refused")

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/batches/x", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, rec.Body.String())
}

func TestReadyz(t *testing.T) {
	healthy := newHarness(t, Options{Readiness: map[string]Checker{
		"store": func(context.Context) error { return nil },
	}})
	rec := healthy.do(t, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	degraded := newHarness(t, Options{Readiness: map[string]Checker{
		"store": func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}})
	rec = degraded.do(t, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeBody(t, rec, &body)
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, "ok", body.Checks["store"])
	assert.Equal(t, "connection refused", body.Checks["redis"])
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	h := newHarness(t, Options{})
	h.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	h.do(t, uploadRequest(t, "/v1/batches", "products.csv", uploadSheet, nil))

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `pixelbatch_api_requests_total{method="GET",route="/healthz",status="200"} 1`)
	assert.Contains(t, body, "pixelbatch_queue_jobs_enqueued_total 3")
	assert.Contains(t, body, "pixelbatch_batches_submitted_total 1")
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/v1/batches/{id}", routeLabel("/v1/batches/abc"))
	assert.Equal(t, "/v1/batches/{id}/export", routeLabel("/v1/batches/abc/export"))
	assert.Equal(t, "/v1/batches", routeLabel("/v1/batches"))
	assert.Equal(t, "other", routeLabel("/wp-login.php"))
}
