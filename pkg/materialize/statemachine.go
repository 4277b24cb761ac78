package materialize

import (
	"fmt"
	"net/url"
	"strings"
)

// InvalidTransitionError reports an attempt to move an entity between two
// states that the adjacency table does not permit.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: invalid transition from %s to %s", e.Entity, e.From, e.To)
}

var documentTransitions = map[DocumentStatus][]DocumentStatus{
	DocumentPending:    {DocumentProcessing},
	DocumentProcessing: {DocumentAvailable, DocumentFailed},
	DocumentAvailable:  {},
	DocumentFailed:     {DocumentProcessing},
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:    {JobProcessing, JobFailed, JobCancelled},
	JobProcessing: {JobCompleted, JobFailed, JobCancelled},
	JobCompleted:  {},
	JobFailed:     {JobProcessing},
	JobCancelled:  {JobProcessing},
}

func canTransitionDocument(from, to DocumentStatus) bool {
	for _, candidate := range documentTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

func canTransitionJob(from, to JobStatus) bool {
	for _, candidate := range jobTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// TransitionDocument validates and applies from -> to, returning
// *InvalidTransitionError when the move isn't legal.
func TransitionDocument(doc *Document, to DocumentStatus) error {
	if !canTransitionDocument(doc.Status, to) {
		return &InvalidTransitionError{Entity: "document", From: string(doc.Status), To: string(to)}
	}
	doc.Status = to
	return nil
}

// TransitionJob validates and applies from -> to, returning
// *InvalidTransitionError when the move isn't legal.
func TransitionJob(job *Job, to JobStatus) error {
	if !canTransitionJob(job.Status, to) {
		return &InvalidTransitionError{Entity: "job", From: string(job.Status), To: string(to)}
	}
	job.Status = to
	return nil
}

// ForceFailDocument is the one safety-valve bypass of the adjacency table: it
// marks a document FAILED with reason whatever state it is in, including
// AVAILABLE, which the table never lets a document leave. The worker uses it
// when a document exhausts its retries or its context is cancelled during
// backoff. There is no equivalent for Job;
// a Job's terminal state is always derived from its documents' outcomes.
func ForceFailDocument(doc *Document, reason string) {
	doc.Status = DocumentFailed
	doc.ErrorMessage = reason
}

// recomputeJobProgress keeps the three document counters and the derived
// progress percentage consistent with each other. completed+failed never
// exceeds total; percentage is floor((completed+failed)/total * 100).
func recomputeJobProgress(job *Job) {
	if job.TotalDocuments <= 0 {
		job.ProgressPercentage = 0
		return
	}
	done := job.CompletedDocuments + job.FailedDocuments
	if done > job.TotalDocuments {
		done = job.TotalDocuments
	}
	job.ProgressPercentage = (done * 100) / job.TotalDocuments
}

var restrictedPorts = map[string]struct{}{
	"22":   {},
	"23":   {},
	"3389": {},
}

// ValidateWebhookURL enforces the webhook acceptance policy: absolute
// http/https URL, non-empty host, no restricted administrative port, and in
// production no plaintext http except to localhost or 127.0.0.1.
func ValidateWebhookURL(raw string, production bool) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed webhook URL: %w", err)
	}

	if !parsed.IsAbs() {
		return fmt.Errorf("webhook URL must be absolute")
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook URL scheme must be http or https, got %q", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("webhook URL must have a non-empty host")
	}

	if scheme == "http" && production {
		if host != "localhost" && host != "127.0.0.1" {
			return fmt.Errorf("plain http webhook URLs are only permitted to localhost or 127.0.0.1 in production")
		}
	}

	port := parsed.Port()
	if port != "" {
		if _, restricted := restrictedPorts[port]; restricted {
			return fmt.Errorf("webhook URL port %s is not permitted", port)
		}
	}

	return nil
}
