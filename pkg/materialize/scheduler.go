package materialize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pdpj/materializer/pkg/common/logger"
	"github.com/pdpj/materializer/pkg/upstream"
)

// TicketEnqueuer is the scheduler's view of the work broker: publish a
// ticket for a newly admitted job. Satisfied by *broker.Producer; tests
// substitute a fake so admission logic never needs a live broker.
type TicketEnqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// AdmissionOutcome names which path a materialization request took through
// the scheduler.
type AdmissionOutcome string

const (
	AdmissionReusedActive   AdmissionOutcome = "REUSED_ACTIVE"
	AdmissionReusedComplete AdmissionOutcome = "REUSED_COMPLETE"
	AdmissionAdmitted       AdmissionOutcome = "ADMITTED"
	// AdmissionSkipped is returned when autoDownload=false: the process (and
	// its document listing, if not already known) is ensured to exist, but
	// no Job is created and nothing is enqueued.
	AdmissionSkipped AdmissionOutcome = "SKIPPED"
)

// ErrUpstreamUnavailable wraps any failure to fetch process metadata from
// the upstream court portal during admission, so the HTTP layer can map it
// to a distinct status code instead of a generic failure.
var ErrUpstreamUnavailable = errors.New("materialize: upstream metadata unavailable")

// ProcessSummary is the minimal, caller-facing view of a Process returned
// alongside every admission decision.
type ProcessSummary struct {
	ProcessNumber  string `json:"processNumber"`
	Court          string `json:"court"`
	Subject        string `json:"subject"`
	HasDocuments   bool   `json:"hasDocuments"`
	TotalDocuments int    `json:"totalDocuments"`
}

// AdmissionResult is what the scheduler hands back to the HTTP layer: the
// job the caller should track (nil when Outcome is AdmissionSkipped), which
// outcome produced it, and a summary of the process itself.
type AdmissionResult struct {
	Job            *Job
	Outcome        AdmissionOutcome
	ProcessSummary ProcessSummary
}

// Scheduler is the Job Scheduler: it decides, for a given process and
// webhook, whether to reuse an in-flight job, reuse the last completed job,
// or admit a brand new one, and it enqueues a broker ticket exactly once per
// admission.
type Scheduler struct {
	repo       *Repository
	upstream   upstream.Client
	producer   TicketEnqueuer
	production bool
}

func NewScheduler(repo *Repository, client upstream.Client, producer TicketEnqueuer, production bool) *Scheduler {
	return &Scheduler{repo: repo, upstream: client, producer: producer, production: production}
}

// Schedule implements the admission decision. webhookURL is optional, but
// when present it is validated again here regardless of what the HTTP layer
// already checked, since Schedule has callers other than HTTP handlers.
// autoDownload=false ensures the process (and its document listing) exists
// without creating a Job or enqueuing any work.
func (s *Scheduler) Schedule(ctx context.Context, processNumber, webhookURL string, autoDownload bool) (*AdmissionResult, error) {
	if webhookURL != "" {
		if err := ValidateWebhookURL(webhookURL, s.production); err != nil {
			return nil, fmt.Errorf("invalid webhook URL: %w", err)
		}
	}

	if active, err := s.repo.ActiveJobForProcess(processNumber); err == nil {
		logger.Log.WithFields(map[string]interface{}{
			"process_ref": processNumber,
			"job_id":      active.ID,
		}).Info("reusing active job")
		return &AdmissionResult{Job: active, Outcome: AdmissionReusedActive, ProcessSummary: s.summarize(processNumber)}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("checking for active job: %w", err)
	}

	process, err := s.repo.GetProcess(processNumber)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("checking process: %w", err)
	}

	if process != nil && process.HasDocuments {
		docs, err := s.repo.ListDocumentsByProcess(processNumber)
		if err != nil {
			return nil, fmt.Errorf("listing documents for reuse check: %w", err)
		}
		if allMaterialized(docs) {
			lastJob, err := s.lastJobForProcess(processNumber)
			if err == nil {
				logger.Log.WithFields(map[string]interface{}{
					"process_ref": processNumber,
					"job_id":      lastJob.ID,
				}).Info("reusing completed materialization")
				return &AdmissionResult{Job: lastJob, Outcome: AdmissionReusedComplete, ProcessSummary: s.summarize(processNumber)}, nil
			}
		}
	}

	return s.admitNewJob(ctx, processNumber, webhookURL, autoDownload)
}

// summarize builds a ProcessSummary from whatever is currently persisted for
// processNumber. Used by the reuse paths, which already know the process
// exists; a lookup failure degrades to a summary carrying only the number.
func (s *Scheduler) summarize(processNumber string) ProcessSummary {
	process, err := s.repo.GetProcess(processNumber)
	if err != nil {
		return ProcessSummary{ProcessNumber: processNumber}
	}
	docs, err := s.repo.ListDocumentsByProcess(processNumber)
	total := 0
	if err == nil {
		total = len(docs)
	}
	return ProcessSummary{
		ProcessNumber:  process.ProcessNumber,
		Court:          process.Court,
		Subject:        process.Subject,
		HasDocuments:   process.HasDocuments,
		TotalDocuments: total,
	}
}

func allMaterialized(docs []Document) bool {
	if len(docs) == 0 {
		return false
	}
	for _, d := range docs {
		if d.Status != DocumentAvailable {
			return false
		}
	}
	return true
}

func (s *Scheduler) lastJobForProcess(processRef string) (*Job, error) {
	var job Job
	err := s.repo.db.Where("process_ref = ? AND status = ?", processRef, JobCompleted).
		Order("completed_at desc").First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// admitNewJob fetches the upstream process, ensures the Process and its
// Document rows exist (without ever duplicating rows that already exist from
// a prior admission), and — unless autoDownload is false — creates a Job and
// enqueues a ticket for it.
func (s *Scheduler) admitNewJob(ctx context.Context, processNumber, webhookURL string, autoDownload bool) (*AdmissionResult, error) {
	remoteProcess, err := s.upstream.FetchProcess(ctx, processNumber)
	if err != nil {
		return nil, fmt.Errorf("fetching process from upstream: %w: %w", ErrUpstreamUnavailable, err)
	}

	process := &Process{
		ProcessNumber: processNumber,
		Court:         remoteProcess.Court,
		Subject:       remoteProcess.Subject,
		Summary:       remoteProcess.Summary,
		HasDocuments:  len(remoteProcess.Documents) > 0,
	}
	if err := s.repo.UpsertProcess(process); err != nil {
		return nil, fmt.Errorf("persisting process: %w", err)
	}

	existingDocs, err := s.repo.ListDocumentsByProcess(processNumber)
	if err != nil {
		return nil, fmt.Errorf("listing existing documents: %w", err)
	}

	now := time.Now()
	if len(existingDocs) == 0 {
		docs := make([]Document, 0, len(remoteProcess.Documents))
		for _, rd := range remoteProcess.Documents {
			docs = append(docs, Document{
				ID:           uuid.NewString(),
				ProcessRef:   processNumber,
				DocumentID:   rd.DocumentID,
				Name:         rd.Name,
				MimeType:     rd.MimeType,
				Size:         rd.Size,
				SourceHandle: rd.SourceHandle,
				RawMetadata:  rd.RawMetadata,
				Status:       DocumentPending,
				CreatedAt:    now,
				UpdatedAt:    now,
			})
		}
		if err := s.repo.CreateDocuments(docs); err != nil {
			return nil, fmt.Errorf("persisting documents: %w", err)
		}
		existingDocs = docs
	}

	summary := ProcessSummary{
		ProcessNumber:  processNumber,
		Court:          process.Court,
		Subject:        process.Subject,
		HasDocuments:   process.HasDocuments,
		TotalDocuments: len(existingDocs),
	}

	if !autoDownload {
		logger.Log.WithField("process_ref", processNumber).Info("auto_download=false, skipping job admission")
		return &AdmissionResult{Job: nil, Outcome: AdmissionSkipped, ProcessSummary: summary}, nil
	}

	job := &Job{
		ID:             uuid.NewString(),
		ProcessRef:     processNumber,
		WebhookURL:     webhookURL,
		Status:         JobPending,
		TotalDocuments: len(existingDocs),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.repo.CreateJob(job); err != nil {
		if errors.Is(err, ErrActiveJobExists) {
			active, actErr := s.repo.ActiveJobForProcess(processNumber)
			if actErr != nil {
				return nil, fmt.Errorf("job admission lost the race but active job lookup also failed: %w", actErr)
			}
			return &AdmissionResult{Job: active, Outcome: AdmissionReusedActive, ProcessSummary: summary}, nil
		}
		return nil, fmt.Errorf("creating job: %w", err)
	}

	if err := s.producer.Enqueue(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("enqueuing job ticket: %w", err)
	}

	logger.Log.WithFields(map[string]interface{}{
		"process_ref": processNumber,
		"job_id":      job.ID,
		"documents":   job.TotalDocuments,
	}).Info("admitted new job")

	return &AdmissionResult{Job: job, Outcome: AdmissionAdmitted, ProcessSummary: summary}, nil
}
