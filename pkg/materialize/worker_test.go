package materialize

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pdpj/materializer/pkg/blobstore"
	"github.com/pdpj/materializer/pkg/common/httpclient"
	"github.com/pdpj/materializer/pkg/upstream"
	"github.com/pdpj/materializer/pkg/webhook"
)

func newTestWorker(t *testing.T, client upstream.Client, webhookServerURL string) (*Worker, *Repository, *blobstore.FakeStore) {
	t.Helper()
	repo := newTestRepository(t)
	blobs := blobstore.NewFakeStore()
	dispatcher := webhook.NewDispatcher(httpclient.New(5*time.Second), 3, 10*time.Millisecond)
	worker := NewWorker(repo, client, blobs, dispatcher, 5, 3, 10*time.Millisecond, time.Hour)
	_ = webhookServerURL
	return worker, repo, blobs
}

func seedJob(t *testing.T, repo *Repository, processRef string, documentHandles []string) *Job {
	t.Helper()
	now := time.Now()

	docs := make([]Document, 0, len(documentHandles))
	for i, handle := range documentHandles {
		docs = append(docs, Document{
			ID:           uuid.NewString(),
			ProcessRef:   processRef,
			DocumentID:   handle,
			Name:         handle,
			SourceHandle: handle,
			Status:       DocumentPending,
			CreatedAt:    now.Add(time.Duration(i) * time.Millisecond),
			UpdatedAt:    now,
		})
	}
	require.NoError(t, repo.CreateDocuments(docs))

	job := &Job{
		ID:             uuid.NewString(),
		ProcessRef:     processRef,
		Status:         JobPending,
		TotalDocuments: len(docs),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, repo.CreateJob(job))
	return job
}

func TestWorkerProcessJobCompletesWhenAllDocumentsSucceed(t *testing.T) {
	client := upstream.NewFakeClient()
	client.Downloads["h1"] = []byte("first document")
	client.Downloads["h2"] = []byte("second document")

	worker, repo, blobs := newTestWorker(t, client, "")
	job := seedJob(t, repo, "0001234-56.2024.8.26.0100", []string{"h1", "h2"})

	require.NoError(t, worker.ProcessJob(context.Background(), job.ID))

	final, err := repo.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, JobCompleted, final.Status)
	require.Equal(t, 2, final.CompletedDocuments)
	require.Equal(t, 0, final.FailedDocuments)
	require.Equal(t, 100, final.ProgressPercentage)

	docs, err := repo.ListDocumentsByProcess(job.ProcessRef)
	require.NoError(t, err)
	for _, d := range docs {
		require.Equal(t, DocumentAvailable, d.Status)
		require.NotEmpty(t, d.BlobKey)
	}
	_ = blobs
}

func TestWorkerProcessJobRetriesTransientDownloadFailure(t *testing.T) {
	client := upstream.NewFakeClient()
	client.DownloadErrors["h1"] = []error{&notFoundTestError{}}
	client.Downloads["h1"] = []byte("recovered after retry")

	worker, repo, _ := newTestWorker(t, client, "")
	job := seedJob(t, repo, "0001234-56.2024.8.26.0100", []string{"h1"})

	require.NoError(t, worker.ProcessJob(context.Background(), job.ID))

	final, err := repo.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, JobCompleted, final.Status)
	require.Equal(t, 1, final.CompletedDocuments)
}

func TestWorkerProcessJobFailsAllWhenDownloadPermanentlyFails(t *testing.T) {
	client := upstream.NewFakeClient()
	permanentErr := &notFoundTestError{}
	client.DownloadErrors["h1"] = []error{permanentErr, permanentErr, permanentErr}

	worker, repo, _ := newTestWorker(t, client, "")
	job := seedJob(t, repo, "0001234-56.2024.8.26.0100", []string{"h1"})

	require.NoError(t, worker.ProcessJob(context.Background(), job.ID))

	final, err := repo.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, JobFailed, final.Status)
	require.Equal(t, 0, final.CompletedDocuments)
	require.Equal(t, 1, final.FailedDocuments)
	require.NotEmpty(t, final.ErrorMessage)
}

func TestWorkerDispatchesWebhookOnCompletion(t *testing.T) {
	received := make(chan webhook.Payload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload webhook.Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := upstream.NewFakeClient()
	client.Downloads["h1"] = []byte("document body")

	worker, repo, _ := newTestWorker(t, client, "")
	job := seedJob(t, repo, "0001234-56.2024.8.26.0100", []string{"h1"})
	job.WebhookURL = server.URL
	require.NoError(t, repo.UpdateJob(job))

	require.NoError(t, worker.ProcessJob(context.Background(), job.ID))

	select {
	case payload := <-received:
		require.Equal(t, job.ID, payload.JobID)
		require.Equal(t, "completed", payload.Status)
		require.Len(t, payload.Documents, 1)
		require.Equal(t, "available", payload.Documents[0].Status)
		require.NotEmpty(t, payload.Documents[0].DownloadURL)
		require.NotEmpty(t, payload.CompletedAt)
	case <-time.After(time.Second):
		t.Fatal("webhook was never delivered")
	}

	final, err := repo.GetJob(job.ID)
	require.NoError(t, err)
	require.True(t, final.WebhookSent)
	require.Equal(t, 1, final.WebhookAttempts)
}

func TestWorkerRetriesAlreadyFailedDocument(t *testing.T) {
	client := upstream.NewFakeClient()
	client.Downloads["h1"] = []byte("recovered on manual retry")

	worker, repo, _ := newTestWorker(t, client, "")
	job := seedJob(t, repo, "0001234-56.2024.8.26.0100", []string{"h1"})

	docs, err := repo.ListDocumentsByProcess(job.ProcessRef)
	require.NoError(t, err)
	require.NoError(t, TransitionDocument(&docs[0], DocumentProcessing))
	ForceFailDocument(&docs[0], "upstream returned status 500")
	require.NoError(t, repo.UpdateDocument(&docs[0]))

	require.NoError(t, worker.ProcessJob(context.Background(), job.ID))

	final, err := repo.GetJob(job.ID)
	require.NoError(t, err)
	require.Equal(t, JobCompleted, final.Status)

	retried, err := repo.ListDocumentsByProcess(job.ProcessRef)
	require.NoError(t, err)
	require.Equal(t, DocumentAvailable, retried[0].Status)
	require.Empty(t, retried[0].ErrorMessage, "a successful retry must clear the prior failure's error message")
}

type notFoundTestError struct{}

func (e *notFoundTestError) Error() string { return "document permanently unavailable" }
