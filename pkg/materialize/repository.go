package materialize

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound is returned by repository lookups that find nothing, mirroring
// gorm.ErrRecordNotFound without leaking the driver error type to callers.
var ErrNotFound = errors.New("materialize: record not found")

// ErrActiveJobExists is returned when admission collides with the partial
// unique index that enforces one active job per process.
var ErrActiveJobExists = errors.New("materialize: an active job already exists for this process")

// Repository is the gorm-backed Metadata Store: the single source of truth
// for Process, Document, and Job rows.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates tables via AutoMigrate and then layers on the partial
// unique index gorm has no first-class way to express: at most one row in
// jobs may be PENDING or PROCESSING per process_ref.
func (r *Repository) Migrate() error {
	if err := r.db.AutoMigrate(&Process{}, &Document{}, &Job{}); err != nil {
		return fmt.Errorf("running automigrate: %w", err)
	}

	const indexSQL = `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_active_per_process
		ON jobs (process_ref)
		WHERE status IN ('PENDING', 'PROCESSING')
	`
	if err := r.db.Exec(indexSQL).Error; err != nil {
		return fmt.Errorf("creating partial unique index on jobs: %w", err)
	}

	return nil
}

func (r *Repository) GetProcess(processNumber string) (*Process, error) {
	var process Process
	err := r.db.Where("process_number = ?", processNumber).First(&process).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching process: %w", err)
	}
	return &process, nil
}

func (r *Repository) UpsertProcess(process *Process) error {
	if err := r.db.Save(process).Error; err != nil {
		return fmt.Errorf("upserting process: %w", err)
	}
	return nil
}

func (r *Repository) CreateDocuments(docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := r.db.Create(&docs).Error; err != nil {
		return fmt.Errorf("creating documents: %w", err)
	}
	return nil
}

func (r *Repository) ListDocumentsByProcess(processRef string) ([]Document, error) {
	var docs []Document
	if err := r.db.Where("process_ref = ?", processRef).Order("created_at asc").Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	return docs, nil
}

func (r *Repository) GetDocument(id string) (*Document, error) {
	var doc Document
	err := r.db.Where("id = ?", id).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching document: %w", err)
	}
	return &doc, nil
}

func (r *Repository) UpdateDocument(doc *Document) error {
	if err := r.db.Save(doc).Error; err != nil {
		return fmt.Errorf("updating document: %w", err)
	}
	return nil
}

// ActiveJobForProcess returns the process's current PENDING/PROCESSING job,
// if any.
func (r *Repository) ActiveJobForProcess(processRef string) (*Job, error) {
	var job Job
	err := r.db.Where("process_ref = ? AND status IN ('PENDING', 'PROCESSING')", processRef).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching active job: %w", err)
	}
	return &job, nil
}

// CreateJob inserts a new job row, translating a collision with the partial
// unique index into ErrActiveJobExists so the scheduler can react to it
// instead of surfacing a raw constraint violation.
func (r *Repository) CreateJob(job *Job) error {
	err := r.db.Create(job).Error
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrActiveJobExists
	}
	return fmt.Errorf("creating job: %w", err)
}

func (r *Repository) GetJob(id string) (*Job, error) {
	var job Job
	err := r.db.Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching job: %w", err)
	}
	return &job, nil
}

func (r *Repository) UpdateJob(job *Job) error {
	job.UpdatedAt = time.Now()
	if err := r.db.Save(job).Error; err != nil {
		return fmt.Errorf("updating job: %w", err)
	}
	return nil
}
