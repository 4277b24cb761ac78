package materialize

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/pdpj/materializer/pkg/blobstore"
	"github.com/pdpj/materializer/pkg/common/httpclient"
	"github.com/pdpj/materializer/pkg/upstream"
	"github.com/pdpj/materializer/pkg/webhook"
)

func newTestHandler(t *testing.T) (*Handler, *Repository) {
	t.Helper()
	repo := newTestRepository(t)
	client := upstream.NewFakeClient()
	client.Processes["0001234-56.2024.8.26.0100"] = &upstream.RemoteProcess{
		ProcessNumber: "0001234-56.2024.8.26.0100",
		Court:         "TJSP",
		Documents:     []upstream.RemoteDocument{{DocumentID: "doc-1", SourceHandle: "h1"}},
	}

	sched := NewScheduler(repo, client, &fakeEnqueuer{}, false)
	blobs := blobstore.NewFakeStore()
	projection := NewProjection(repo, blobs, nil, time.Hour, 5*time.Minute)
	dispatcher := webhook.NewDispatcher(httpclient.New(5*time.Second), 3, 10*time.Millisecond)

	return NewHandler(sched, projection, dispatcher, false), repo
}

func newTestRouter(h *Handler) *mux.Router {
	router := mux.NewRouter()
	h.Register(router)
	return router
}

func TestHandlerMaterializeAdmitsNewJob(t *testing.T) {
	handler, _ := newTestHandler(t)
	router := newTestRouter(handler)

	req := httptest.NewRequest(http.MethodGet, "/processes/0001234-56.2024.8.26.0100?webhookUrl=https%3A%2F%2Fcaller.example.com%2Fhooks", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp materializeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, string(AdmissionAdmitted), resp.Decision)
	require.NotEmpty(t, resp.JobID)
	require.Equal(t, 1, resp.ProcessSummary.TotalDocuments)
}

func TestHandlerMaterializeRejectsInvalidWebhookURL(t *testing.T) {
	handler, _ := newTestHandler(t)
	router := newTestRouter(handler)

	req := httptest.NewRequest(http.MethodGet, "/processes/0001234-56.2024.8.26.0100?webhookUrl=not-a-url", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerMaterializeSkipsJobWhenAutoDownloadFalse(t *testing.T) {
	handler, _ := newTestHandler(t)
	router := newTestRouter(handler)

	req := httptest.NewRequest(http.MethodGet, "/processes/0001234-56.2024.8.26.0100?autoDownload=false", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp materializeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, string(AdmissionSkipped), resp.Decision)
	require.Empty(t, resp.JobID)
}

func TestHandlerMaterializeReturnsBadGatewayOnUpstreamFailure(t *testing.T) {
	handler, _ := newTestHandler(t)
	router := newTestRouter(handler)

	req := httptest.NewRequest(http.MethodGet, "/processes/9999999-99.2024.8.26.0100", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandlerStatusReturnsNotFoundForUnknownProcess(t *testing.T) {
	handler, _ := newTestHandler(t)
	router := newTestRouter(handler)

	req := httptest.NewRequest(http.MethodGet, "/processes/9999999-99.2024.8.26.0100/status", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerStatusProjectsAdmittedJob(t *testing.T) {
	handler, _ := newTestHandler(t)
	router := newTestRouter(handler)

	materializeReq := httptest.NewRequest(http.MethodGet, "/processes/0001234-56.2024.8.26.0100", nil)
	materializeRec := httptest.NewRecorder()
	router.ServeHTTP(materializeRec, materializeReq)
	require.Equal(t, http.StatusOK, materializeRec.Code)

	statusReq := httptest.NewRequest(http.MethodGet, "/processes/0001234-56.2024.8.26.0100/status", nil)
	statusRec := httptest.NewRecorder()
	router.ServeHTTP(statusRec, statusReq)

	require.Equal(t, http.StatusOK, statusRec.Code)

	var view ProcessStatusView
	require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &view))
	require.Equal(t, "0001234-56.2024.8.26.0100", view.ProcessNumber)
	require.Equal(t, "pending", view.OverallStatus)
	require.NotNil(t, view.JobID)
	require.Equal(t, 1, view.PendingDocuments)
}

func TestHandlerValidateWebhookReportsInvalidURL(t *testing.T) {
	handler, _ := newTestHandler(t)
	router := newTestRouter(handler)

	body, _ := json.Marshal(map[string]string{"webhookUrl": "ftp://caller.example.com/hooks"})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/validate", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp validateWebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Valid)
	require.NotEmpty(t, resp.Error)
}
