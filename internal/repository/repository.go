// Package repository defines domain models and data access interfaces for
// documents, chunks, and queued jobs.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Document status values. A document is created pending, claimed by a worker
// as processing, and finalized ready or failed.
const (
	DocStatusPending    = "pending"
	DocStatusProcessing = "processing"
	DocStatusReady      = "ready"
	DocStatusFailed     = "failed"
)

// Document classification values used to filter retrieval.
const (
	ClassRulebook = "rulebook"
	ClassSetting  = "setting"
	ClassNotes    = "notes"
	ClassMap      = "map"
	ClassImage    = "image"
)

// Document represents one uploaded artifact belonging to a campaign.
type Document struct {
	ID             uuid.UUID
	CampaignID     uuid.UUID
	Name           string
	Filename       string
	MimeType       string
	SizeBytes      int64
	StorageKey     string
	Classification string
	Tags           []string
	Status         string
	// ProcessingError is set iff Status is failed.
	ProcessingError *string
	// ChunkCount is set iff Status is ready.
	ChunkCount *int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Chunk represents one retrievable passage of a document.
type Chunk struct {
	ID           uuid.UUID
	DocumentID   uuid.UUID
	ChunkIndex   int
	Content      string
	TokenCount   int
	PageNumber   *int
	SectionLabel *string
	Embedding    []float32
	StartOffset  int
	EndOffset    int
	CreatedAt    time.Time
}

// ChunkRef addresses a chunk by its position within a document.
type ChunkRef struct {
	DocumentID uuid.UUID
	ChunkIndex int
}

// VectorHit is one row from a nearest-neighbor query.
type VectorHit struct {
	Chunk    Chunk
	Document Document
	// Distance is the raw cosine distance (lower = closer).
	Distance float64
	// Score is 1 - Distance clipped to [0, 1].
	Score float64
}

// KeywordHit is one row from a full-text query.
type KeywordHit struct {
	Chunk    Chunk
	Document Document
	// Rank is the positive ts_rank value from the full-text ranker.
	Rank float64
}

// SearchFilter narrows vector and keyword queries. A nil/empty slice means
// no filtering on that attribute.
type SearchFilter struct {
	DocumentIDs     []uuid.UUID
	Classifications []string
	Limit           int
}

// Job queue states.
const (
	JobStateWaiting   = "waiting"
	JobStateActive    = "active"
	JobStateCompleted = "completed"
	JobStateFailed    = "failed"
	JobStateDelayed   = "delayed"
)

// Backoff kinds for retry scheduling.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// JobProgress is the last reported progress of a job.
type JobProgress struct {
	Percent int    `json:"percent"`
	Message string `json:"message"`
	Stage   string `json:"stage"`
}

// Job is one durable unit of work.
type Job struct {
	ID               string
	Queue            string
	Payload          json.RawMessage
	State            string
	Priority         int
	AttemptsMade     int
	MaxAttempts      int
	BackoffKind      string
	BackoffInitial   time.Duration
	DelayUntil       time.Time
	LeaseExpires     *time.Time
	StalledCount     int
	MaxStalled       int
	Progress         JobProgress
	LastError        string
	RemoveOnComplete int
	RemoveOnFail     int
	CreatedAt        time.Time
	UpdatedAt        time.Time
	FinishedAt       *time.Time
}

// JobCounts summarizes queue occupancy per state.
type JobCounts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Paused    int `json:"paused"`
}

// DocumentRepository defines operations for document persistence.
type DocumentRepository interface {
	Create(ctx context.Context, doc *Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*Document, error)
	List(ctx context.Context, campaignID uuid.UUID, status string, limit, offset int) ([]*Document, int, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// State transitions. MarkReady records the chunk count atomically with
	// the status change; MarkFailed records the error message.
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkReady(ctx context.Context, id uuid.UUID, chunkCount int) error
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error
}

// ChunkRepository defines operations for chunk persistence and the raw
// queries behind vector and keyword search.
type ChunkRepository interface {
	// InsertForDocument replaces a document's chunks in a single
	// transaction: existing rows are deleted first, so retries never
	// accumulate duplicates. A failure leaves the document without chunks.
	InsertForDocument(ctx context.Context, documentID uuid.UUID, chunks []*Chunk) error
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) error
	CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error)

	// FetchNeighbors resolves all refs in one round trip. Missing refs are
	// silently absent from the result.
	FetchNeighbors(ctx context.Context, refs []ChunkRef) ([]*Chunk, error)

	SearchByVector(ctx context.Context, vector []float32, campaignID uuid.UUID, filter SearchFilter) ([]VectorHit, error)
	// SearchByKeyword executes a prebuilt tsquery expression. The caller is
	// responsible for AND/OR query rewriting.
	SearchByKeyword(ctx context.Context, tsquery, language string, campaignID uuid.UUID, filter SearchFilter) ([]KeywordHit, error)
}

// JobRepository defines the durable operations behind the job queue.
type JobRepository interface {
	Insert(ctx context.Context, job *Job) error
	InsertMany(ctx context.Context, jobs []*Job) error
	GetByID(ctx context.Context, id string) (*Job, error)
	Delete(ctx context.Context, id string) error

	// ClaimNext atomically claims the next runnable waiting job of the
	// queue ordered by (priority, delay_until, created_at), setting it
	// active with the given lease. Returns ErrNotFound when nothing is
	// runnable.
	ClaimNext(ctx context.Context, queue string, lease time.Duration) (*Job, error)
	Heartbeat(ctx context.Context, id string, lease time.Duration) error
	UpdateProgress(ctx context.Context, id string, p JobProgress) error

	MarkCompleted(ctx context.Context, id string) error
	// MarkFailed terminates the job with an error message.
	MarkFailed(ctx context.Context, id string, message string) error
	// Reschedule re-enters a failed attempt into the queue as delayed.
	Reschedule(ctx context.Context, id string, delayUntil time.Time, message string) error

	// ReclaimStalled requeues active jobs whose lease expired and
	// permanently fails those past their stalled budget. Returns the
	// number requeued and failed.
	ReclaimStalled(ctx context.Context, queue string) (requeued, failed int, err error)

	Counts(ctx context.Context, queue string) (JobCounts, error)
	// Clean removes up to limit terminal jobs in the given state older
	// than olderThan. Returns the number removed.
	Clean(ctx context.Context, queue string, olderThan time.Duration, limit int, state string) (int, error)
	// TrimHistory keeps only the most recent keep jobs of the state.
	TrimHistory(ctx context.Context, queue, state string, keep int) error
}
