package materialize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pdpj/materializer/pkg/blobstore"
	"github.com/pdpj/materializer/pkg/common/logger"
	"github.com/pdpj/materializer/pkg/webhook"
)

// ProcessStatusView is the full read model served by the status endpoint.
// Documents reuses the same per-document record shape the webhook payload
// carries, since both describe the same thing to the same caller.
type ProcessStatusView struct {
	ProcessNumber       string                    `json:"process_number"`
	Court               string                    `json:"court,omitempty"`
	Subject             string                    `json:"subject,omitempty"`
	OverallStatus       string                    `json:"overall_status"`
	ProgressPercentage  int                       `json:"progress_percentage"`
	TotalDocuments      int                       `json:"total_documents"`
	PendingDocuments    int                       `json:"pending_documents"`
	ProcessingDocuments int                       `json:"processing_documents"`
	CompletedDocuments  int                       `json:"completed_documents"`
	FailedDocuments     int                       `json:"failed_documents"`
	Documents           []webhook.DocumentPayload `json:"documents"`
	JobID               *string                   `json:"job_id,omitempty"`
	WebhookURL          string                    `json:"webhook_url,omitempty"`
	WebhookSent         bool                      `json:"webhook_sent"`
	StartedAt           *time.Time                `json:"started_at,omitempty"`
	CompletedAt         *time.Time                `json:"completed_at,omitempty"`
}

// Projection assembles the read-only status view from the metadata store
// and the blob store. Document/job state and pre-signed URLs are never
// cached — a cached URL could outlive the credentials or TTL it was signed
// with, and progress must always reflect the latest write. Only the
// court/subject summary, which is immutable once a process is enumerated,
// is cached, purely to take load off the metadata store on repeated status
// polling.
type Projection struct {
	repo            *Repository
	blobs           blobstore.Store
	cache           *redis.Client
	presignedURLTTL time.Duration
	cacheTTL        time.Duration
}

func NewProjection(repo *Repository, blobs blobstore.Store, cache *redis.Client, presignedURLTTL, cacheTTL time.Duration) *Projection {
	return &Projection{repo: repo, blobs: blobs, cache: cache, presignedURLTTL: presignedURLTTL, cacheTTL: cacheTTL}
}

type processSummaryCache struct {
	Court   string `json:"court"`
	Subject string `json:"subject"`
}

func processSummaryCacheKey(processNumber string) string {
	return fmt.Sprintf("process-summary:%s", processNumber)
}

// loadProcessSummary returns the court/subject pair for processNumber,
// consulting the cache before the metadata store. A cache miss or a Redis
// error both fall through to the store; caching is an optimization, never
// a dependency for correctness.
func (p *Projection) loadProcessSummary(ctx context.Context, processNumber string) (string, string, error) {
	if p.cache != nil {
		raw, err := p.cache.Get(ctx, processSummaryCacheKey(processNumber)).Bytes()
		if err == nil {
			var cached processSummaryCache
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached.Court, cached.Subject, nil
			}
		} else if err != redis.Nil {
			logger.Log.WithError(err).WithField("process_ref", processNumber).Warn("process summary cache read failed")
		}
	}

	process, err := p.repo.GetProcess(processNumber)
	if err != nil {
		return "", "", err
	}

	if p.cache != nil {
		if raw, err := json.Marshal(processSummaryCache{Court: process.Court, Subject: process.Subject}); err == nil {
			if err := p.cache.Set(ctx, processSummaryCacheKey(processNumber), raw, p.cacheTTL).Err(); err != nil {
				logger.Log.WithError(err).WithField("process_ref", processNumber).Warn("process summary cache write failed")
			}
		}
	}

	return process.Court, process.Subject, nil
}

// ProcessStatus assembles the status view for a process, deriving
// overall_status and the document counters from the current document rows
// and rolling in the most recent job's webhook outcome if one exists.
func (p *Projection) ProcessStatus(ctx context.Context, processNumber string) (*ProcessStatusView, error) {
	court, subject, err := p.loadProcessSummary(ctx, processNumber)
	if err != nil {
		return nil, fmt.Errorf("loading process %s: %w", processNumber, err)
	}

	docs, err := p.repo.ListDocumentsByProcess(processNumber)
	if err != nil {
		return nil, fmt.Errorf("loading documents for process %s: %w", processNumber, err)
	}

	view := &ProcessStatusView{
		ProcessNumber:  processNumber,
		Court:          court,
		Subject:        subject,
		TotalDocuments: len(docs),
	}

	for _, d := range docs {
		switch d.Status {
		case DocumentPending:
			view.PendingDocuments++
		case DocumentProcessing:
			view.ProcessingDocuments++
		case DocumentAvailable:
			view.CompletedDocuments++
		case DocumentFailed:
			view.FailedDocuments++
		}

		dv, err := p.documentPayload(ctx, d)
		if err != nil {
			return nil, err
		}
		view.Documents = append(view.Documents, dv)
	}
	view.ProgressPercentage = progressPercentage(view.CompletedDocuments, view.FailedDocuments, len(docs))

	var job *Job
	if j, err := p.repo.ActiveJobForProcess(processNumber); err == nil {
		job = j
	} else if j, err := p.lastJobByUpdated(processNumber); err == nil {
		job = j
	}
	view.OverallStatus = deriveOverallStatus(docs, job)

	if job != nil {
		jobID := job.ID
		view.JobID = &jobID
		view.WebhookURL = job.WebhookURL
		view.WebhookSent = job.WebhookSent
		view.StartedAt = job.StartedAt
		view.CompletedAt = job.CompletedAt
	}

	return view, nil
}

// documentPayload builds the shared per-document record, presigning a
// download URL for AVAILABLE documents and carrying the error for FAILED
// ones. Documents still PENDING or PROCESSING carry neither.
func (p *Projection) documentPayload(ctx context.Context, d Document) (webhook.DocumentPayload, error) {
	dv := webhook.DocumentPayload{
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
			url, err := p.blobs.PresignedGetURL(ctx, d.BlobKey, p.presignedURLTTL)
			if err != nil {
				return dv, fmt.Errorf("signing download URL for document %s: %w", d.ID, err)
			}
			dv.DownloadURL = url
		}
	case DocumentFailed:
		dv.ErrorMessage = d.ErrorMessage
	}
	return dv, nil
}

func (p *Projection) lastJobByUpdated(processRef string) (*Job, error) {
	var job Job
	err := p.repo.db.Where("process_ref = ?", processRef).Order("updated_at desc").First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// progressPercentage implements 100*(completed+failed)/max(total,1).
func progressPercentage(completed, failed, total int) int {
	if total == 0 {
		return 0
	}
	return 100 * (completed + failed) / total
}

// deriveOverallStatus implements the four-way rule: completed if every
// document is AVAILABLE, failed if every document is FAILED, processing if
// any document is still PROCESSING or the most recent job is PROCESSING,
// pending otherwise.
func deriveOverallStatus(docs []Document, job *Job) string {
	if len(docs) > 0 {
		allAvailable, allFailed := true, true
		for _, d := range docs {
			if d.Status != DocumentAvailable {
				allAvailable = false
			}
			if d.Status != DocumentFailed {
				allFailed = false
			}
		}
		if allAvailable {
			return "completed"
		}
		if allFailed {
			return "failed"
		}
	}

	for _, d := range docs {
		if d.Status == DocumentProcessing {
			return "processing"
		}
	}
	if job != nil && job.Status == JobProcessing {
		return "processing"
	}

	return "pending"
}
