package materialize

import (
	"time"

	"gorm.io/datatypes"
)

// DocumentStatus is the closed set of states a Document can occupy.
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "PENDING"
	DocumentProcessing DocumentStatus = "PROCESSING"
	DocumentAvailable  DocumentStatus = "AVAILABLE"
	DocumentFailed     DocumentStatus = "FAILED"
)

// JobStatus is the closed set of states a Job can occupy.
type JobStatus string

const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
	JobCancelled  JobStatus = "CANCELLED"
)

// Process mirrors one judicial process as known to the upstream court
// portal. Summary is opaque to everything but the client that rendered it;
// the materializer never inspects its contents.
type Process struct {
	ProcessNumber string             `gorm:"column:process_number;primaryKey;size:30"`
	Court         string             `gorm:"column:court;size:120;not null"`
	Subject       string             `gorm:"column:subject;size:500"`
	Summary       datatypes.JSON     `gorm:"column:summary"`
	HasDocuments  bool               `gorm:"column:has_documents;not null;default:false"`
	CreatedAt     time.Time          `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time          `gorm:"column:updated_at;not null"`
}

func (Process) TableName() string { return "processes" }

// Document is one attachment belonging to a Process, tracked through its
// download lifecycle independently of the Job that triggered it.
type Document struct {
	ID                  string         `gorm:"column:id;primaryKey;size:36"`
	ProcessRef          string         `gorm:"column:process_ref;size:30;not null;index:idx_documents_process_ref"`
	DocumentID          string         `gorm:"column:document_id;size:120;not null"`
	Name                string         `gorm:"column:name;size:500"`
	MimeType            string         `gorm:"column:mime_type;size:120"`
	Size                int64          `gorm:"column:size"`
	SourceHandle        string         `gorm:"column:source_handle;size:1000"`
	RawMetadata         datatypes.JSON `gorm:"column:raw_metadata"`
	BlobKey             string         `gorm:"column:blob_key;size:500"`
	Status              DocumentStatus `gorm:"column:status;size:20;not null;index:idx_documents_status"`
	ErrorMessage        string         `gorm:"column:error_message;size:2000"`
	DownloadStartedAt   *time.Time     `gorm:"column:download_started_at"`
	DownloadCompletedAt *time.Time     `gorm:"column:download_completed_at"`
	CreatedAt           time.Time      `gorm:"column:created_at;not null"`
	UpdatedAt           time.Time      `gorm:"column:updated_at;not null"`
}

func (Document) TableName() string { return "documents" }

// Job tracks one materialization run for a Process: the batch of documents
// it must download and the webhook it owes a caller when done.
type Job struct {
	ID                  string     `gorm:"column:id;primaryKey;size:36"`
	ProcessRef          string     `gorm:"column:process_ref;size:30;not null;index:idx_jobs_process_ref"`
	WebhookURL          string     `gorm:"column:webhook_url;size:2000"`
	Status              JobStatus  `gorm:"column:status;size:20;not null;index:idx_jobs_status"`
	TotalDocuments      int        `gorm:"column:total_documents;not null;default:0"`
	CompletedDocuments  int        `gorm:"column:completed_documents;not null;default:0"`
	FailedDocuments     int        `gorm:"column:failed_documents;not null;default:0"`
	ProgressPercentage  int        `gorm:"column:progress_percentage;not null;default:0"`
	ErrorMessage        string     `gorm:"column:error_message;size:2000"`
	WebhookSent         bool       `gorm:"column:webhook_sent;not null;default:false"`
	WebhookSentAt       *time.Time `gorm:"column:webhook_sent_at"`
	WebhookAttempts     int        `gorm:"column:webhook_attempts;not null;default:0"`
	WebhookLastError    string     `gorm:"column:webhook_last_error;size:2000"`
	StartedAt           *time.Time `gorm:"column:started_at"`
	CompletedAt         *time.Time `gorm:"column:completed_at"`
	CreatedAt           time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt           time.Time  `gorm:"column:updated_at;not null"`
}

func (Job) TableName() string { return "jobs" }

// IsActive reports whether a Job still occupies the one-active-job-per-process
// slot enforced by the jobs table's partial unique index.
func (j Job) IsActive() bool {
	return j.Status == JobPending || j.Status == JobProcessing
}

// IsTerminal reports whether a Job has finished: COMPLETED, FAILED, or
// CANCELLED. COMPLETED is final; TransitionJob still lets a FAILED or
// CANCELLED Job move back to PROCESSING.
func (j Job) IsTerminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed || j.Status == JobCancelled
}
