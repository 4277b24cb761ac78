package materialize

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pdpj/materializer/pkg/blobstore"
	"github.com/pdpj/materializer/pkg/common/logger"
	"github.com/pdpj/materializer/pkg/upstream"
	"github.com/pdpj/materializer/pkg/webhook"
)

// Worker is the Document Worker: it drives one Job's batch of documents
// through download, with bounded concurrency and per-document retry, then
// rolls the outcome up into the Job and fires its webhook.
type Worker struct {
	repo       *Repository
	upstream   upstream.Client
	blobs      blobstore.Store
	dispatcher *webhook.Dispatcher

	batchSize       int
	retryAttempts   int
	retryBaseDelay  time.Duration
	presignedURLTTL time.Duration
}

func NewWorker(repo *Repository, client upstream.Client, blobs blobstore.Store, dispatcher *webhook.Dispatcher, batchSize, retryAttempts int, retryBaseDelay, presignedURLTTL time.Duration) *Worker {
	return &Worker{
		repo:            repo,
		upstream:        client,
		blobs:           blobs,
		dispatcher:      dispatcher,
		batchSize:       batchSize,
		retryAttempts:   retryAttempts,
		retryBaseDelay:  retryBaseDelay,
		presignedURLTTL: presignedURLTTL,
	}
}

// ProcessJob runs one ticket's job to completion: downloads every pending
// document for its process in batches of w.batchSize, aggregates the
// outcome onto the Job row, and dispatches the terminal webhook. Cancellation
// is only checked between batches, never mid-batch, so an in-flight download
// always finishes or fails cleanly rather than being torn down half done.
func (w *Worker) ProcessJob(ctx context.Context, jobID string) error {
	job, err := w.repo.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("loading job %s: %w", jobID, err)
	}

	if job.Status != JobPending {
		logger.Log.WithField("job_id", jobID).Info("job not pending, skipping")
		return nil
	}

	if err := TransitionJob(job, JobProcessing); err != nil {
		return fmt.Errorf("starting job %s: %w", jobID, err)
	}
	now := time.Now()
	job.StartedAt = &now
	if err := w.repo.UpdateJob(job); err != nil {
		return fmt.Errorf("marking job %s processing: %w", jobID, err)
	}

	docs, err := w.repo.ListDocumentsByProcess(job.ProcessRef)
	if err != nil {
		return fmt.Errorf("listing documents for job %s: %w", jobID, err)
	}

	pending := make([]Document, 0, len(docs))
	for _, d := range docs {
		if d.Status == DocumentPending || d.Status == DocumentProcessing || d.Status == DocumentFailed {
			pending = append(pending, d)
		}
	}

	for start := 0; start < len(pending); start += w.batchSize {
		job, err = w.repo.GetJob(jobID)
		if err != nil {
			return fmt.Errorf("reloading job %s: %w", jobID, err)
		}
		if job.Status == JobCancelled {
			logger.Log.WithField("job_id", jobID).Info("job cancelled between batches, stopping")
			return nil
		}

		end := start + w.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		w.runBatch(ctx, batch)

		if err := w.aggregateProgress(job); err != nil {
			return fmt.Errorf("aggregating progress for job %s: %w", jobID, err)
		}
	}

	return w.finalize(ctx, jobID)
}

// runBatch downloads every document in batch concurrently, bounded by a
// semaphore sized to w.batchSize (the caller never hands runBatch more than
// that many documents, so in practice the whole batch runs at once).
func (w *Worker) runBatch(ctx context.Context, batch []Document) {
	workers := make(chan struct{}, w.batchSize)
	done := make(chan struct{})
	remaining := len(batch)
	if remaining == 0 {
		return
	}

	for i := range batch {
		doc := batch[i]
		workers <- struct{}{}
		go func() {
			defer func() {
				<-workers
				done <- struct{}{}
			}()
			w.processDocument(ctx, &doc)
		}()
	}

	for i := 0; i < remaining; i++ {
		<-done
	}
}

func (w *Worker) processDocument(ctx context.Context, doc *Document) {
	if doc.Status == DocumentPending || doc.Status == DocumentFailed {
		if err := TransitionDocument(doc, DocumentProcessing); err != nil {
			logger.Log.WithError(err).WithField("document_id", doc.ID).Error("cannot start document")
			return
		}
		now := time.Now()
		doc.DownloadStartedAt = &now
		if err := w.repo.UpdateDocument(doc); err != nil {
			logger.Log.WithError(err).WithField("document_id", doc.ID).Error("failed to mark document processing")
			return
		}
	}

	var lastErr error
	for attempt := 1; attempt <= w.retryAttempts; attempt++ {
		if attempt > 1 {
			delay := w.retryBaseDelay << (attempt - 2)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				ForceFailDocument(doc, lastErr.Error())
				if err := w.repo.UpdateDocument(doc); err != nil {
					logger.Log.WithError(err).WithField("document_id", doc.ID).Error("failed to persist failed document")
				}
				return
			}
		}

		if err := w.downloadOnce(ctx, doc); err != nil {
			lastErr = err
			logger.Log.WithError(err).WithFields(map[string]interface{}{
				"document_id": doc.ID,
				"attempt":     attempt,
			}).Warn("document download attempt failed")
			continue
		}

		lastErr = nil
		break
	}

	if lastErr != nil {
		ForceFailDocument(doc, fmt.Sprintf("failed after %d attempts: %v", w.retryAttempts, lastErr))
		if err := w.repo.UpdateDocument(doc); err != nil {
			logger.Log.WithError(err).WithField("document_id", doc.ID).Error("failed to persist failed document")
		}
		return
	}
}

func (w *Worker) downloadOnce(ctx context.Context, doc *Document) error {
	reader, err := w.upstream.DownloadDocument(ctx, doc.SourceHandle)
	if err != nil {
		return err
	}
	defer reader.Close()

	blobKey := fmt.Sprintf("processes/%s/documents/%s/%s", doc.ProcessRef, doc.DocumentID, doc.Name)
	body, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("reading document body: %w", err)
	}

	if err := w.blobs.Put(ctx, blobKey, bytes.NewReader(body), int64(len(body)), doc.MimeType); err != nil {
		return fmt.Errorf("storing document blob: %w", err)
	}

	if err := TransitionDocument(doc, DocumentAvailable); err != nil {
		return fmt.Errorf("marking document available: %w", err)
	}
	doc.BlobKey = blobKey
	doc.Size = int64(len(body))
	doc.ErrorMessage = ""
	now := time.Now()
	doc.DownloadCompletedAt = &now

	return w.repo.UpdateDocument(doc)
}

func (w *Worker) aggregateProgress(job *Job) error {
	docs, err := w.repo.ListDocumentsByProcess(job.ProcessRef)
	if err != nil {
		return err
	}

	completed, failed := 0, 0
	for _, d := range docs {
		switch d.Status {
		case DocumentAvailable:
			completed++
		case DocumentFailed:
			failed++
		}
	}

	job.CompletedDocuments = completed
	job.FailedDocuments = failed
	recomputeJobProgress(job)

	return w.repo.UpdateJob(job)
}

func (w *Worker) finalize(ctx context.Context, jobID string) error {
	job, err := w.repo.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("reloading job %s for finalize: %w", jobID, err)
	}
	if !job.IsActive() {
		return nil
	}

	terminal := JobCompleted
	if job.FailedDocuments > 0 {
		terminal = JobFailed
		if job.CompletedDocuments == 0 {
			job.ErrorMessage = "all documents failed to materialize"
		} else {
			job.ErrorMessage = fmt.Sprintf("%d of %d documents failed to materialize", job.FailedDocuments, job.TotalDocuments)
		}
	}

	if err := TransitionJob(job, terminal); err != nil {
		return fmt.Errorf("finalizing job %s: %w", jobID, err)
	}
	now := time.Now()
	job.CompletedAt = &now

	if err := w.repo.UpdateJob(job); err != nil {
		return fmt.Errorf("persisting finalized job %s: %w", jobID, err)
	}

	if job.WebhookURL != "" {
		w.dispatchWebhook(ctx, job)
	}

	return nil
}

func (w *Worker) dispatchWebhook(ctx context.Context, job *Job) {
	payload := webhook.Payload{
		ProcessNumber:      job.ProcessRef,
		JobID:              job.ID,
		Status:             strings.ToLower(string(job.Status)),
		TotalDocuments:     job.TotalDocuments,
		CompletedDocuments: job.CompletedDocuments,
		FailedDocuments:    job.FailedDocuments,
		ErrorMessage:       job.ErrorMessage,
	}
	if job.CompletedAt != nil {
		payload.CompletedAt = job.CompletedAt.UTC().Format(time.RFC3339)
	}

	docs, err := w.repo.ListDocumentsByProcess(job.ProcessRef)
	if err != nil {
		logger.Log.WithError(err).WithField("job_id", job.ID).Error("failed to list documents for webhook payload")
	}
	for _, d := range docs {
		dp := webhook.DocumentPayload{
			ID:       d.DocumentID,
			UUID:     d.ID,
			Name:     d.Name,
			MimeType: d.MimeType,
			Size:     d.Size,
			Status:   strings.ToLower(string(d.Status)),
		}
		switch d.Status {
		case DocumentAvailable:
			if d.BlobKey != "" {
				url, err := w.blobs.PresignedGetURL(ctx, d.BlobKey, w.presignedURLTTL)
				if err != nil {
					logger.Log.WithError(err).WithField("document_id", d.ID).Error("failed to sign download URL for webhook payload")
				} else {
					dp.DownloadURL = url
				}
			}
		case DocumentFailed:
			dp.ErrorMessage = d.ErrorMessage
		}
		payload.Documents = append(payload.Documents, dp)
	}

	result := w.dispatcher.Deliver(ctx, job.WebhookURL, payload)

	job.WebhookAttempts = result.Attempts
	job.WebhookSent = result.Delivered
	if result.Delivered {
		now := time.Now()
		job.WebhookSentAt = &now
	} else {
		job.WebhookLastError = result.LastError
	}

	if err := w.repo.UpdateJob(job); err != nil {
		logger.Log.WithError(err).WithField("job_id", job.ID).Error("failed to persist webhook delivery outcome")
	}
}
