// Package service implements the application operations behind the HTTP
// surface: document lifecycle and retrieval.
package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tabletoplore/lorekeeper/internal/extract"
	"github.com/tabletoplore/lorekeeper/internal/fault"
	"github.com/tabletoplore/lorekeeper/internal/ingestion"
	"github.com/tabletoplore/lorekeeper/internal/queue"
	"github.com/tabletoplore/lorekeeper/internal/repository"
	"github.com/tabletoplore/lorekeeper/internal/storage"
)

// MaxUploadBytes caps a single document upload.
const MaxUploadBytes = 100 << 20

// DefaultURLExpiry is how long a signed download URL stays valid.
const DefaultURLExpiry = 15 * time.Minute

var validClassifications = map[string]bool{
	repository.ClassRulebook: true,
	repository.ClassSetting:  true,
	repository.ClassNotes:    true,
	repository.ClassMap:      true,
	repository.ClassImage:    true,
}

// DocumentService owns the document lifecycle: upload, indexing kickoff,
// deletion, and re-indexing.
type DocumentService struct {
	documents repository.DocumentRepository
	chunks    repository.ChunkRepository
	blobs     storage.BlobStore
	indexQ    *queue.Queue
	logger    *slog.Logger
}

// NewDocumentService wires the document service. indexQ must be the
// queue the ingestion pipeline consumes.
func NewDocumentService(
	documents repository.DocumentRepository,
	chunks repository.ChunkRepository,
	blobs storage.BlobStore,
	indexQ *queue.Queue,
	logger *slog.Logger,
) *DocumentService {
	return &DocumentService{
		documents: documents,
		chunks:    chunks,
		blobs:     blobs,
		indexQ:    indexQ,
		logger:    logger,
	}
}

// UploadInput describes one incoming document.
type UploadInput struct {
	CampaignID uuid.UUID
	Name       string
	Filename   string
	MimeType   string
	// Classification overrides the inferred value when set.
	Classification string
	Tags           []string
	Data           []byte
}

// Upload stores the bytes, creates the pending row, and enqueues the
// indexing job. The job ID equals the document ID, so re-enqueueing the
// same document while a job is still in flight is a no-op.
func (s *DocumentService) Upload(ctx context.Context, in UploadInput) (*repository.Document, error) {
	if len(in.Data) == 0 {
		return nil, fault.New(fault.ValidationError, "document is empty")
	}
	if len(in.Data) > MaxUploadBytes {
		return nil, fault.New(fault.ValidationError, "document exceeds %d bytes", MaxUploadBytes)
	}
	if !extract.Supported(in.MimeType) {
		return nil, fault.New(fault.UnsupportedMIME, "unsupported mime type %q", in.MimeType)
	}
	classification, err := resolveClassification(in.Classification, in.MimeType)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = in.Filename
	}
	if name == "" {
		return nil, fault.New(fault.ValidationError, "document name is required")
	}

	docID := uuid.New()
	key := storage.ObjectKey(in.CampaignID, docID)
	if err := s.blobs.Put(ctx, key, in.Data, in.MimeType); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	doc := &repository.Document{
		ID:             docID,
		CampaignID:     in.CampaignID,
		Name:           name,
		Filename:       in.Filename,
		MimeType:       in.MimeType,
		SizeBytes:      int64(len(in.Data)),
		StorageKey:     key,
		Classification: classification,
		Tags:           in.Tags,
		Status:         repository.DocStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.documents.Create(ctx, doc); err != nil {
		if dErr := s.blobs.Delete(ctx, key); dErr != nil {
			s.logger.Error("failed to remove orphaned blob", "key", key, "error", dErr)
		}
		return nil, fault.Wrap(fault.DatabaseError, err, "failed to create document")
	}

	if err := s.enqueueIndex(ctx, doc); err != nil {
		return nil, err
	}
	s.logger.Info("document uploaded",
		"document_id", doc.ID,
		"campaign_id", doc.CampaignID,
		"mime_type", doc.MimeType,
		"size_bytes", doc.SizeBytes)
	return doc, nil
}

// resolveClassification validates a caller override or infers one from
// the MIME type.
func resolveClassification(override, mimeType string) (string, error) {
	if override != "" {
		if !validClassifications[override] {
			return "", fault.New(fault.ValidationError, "unknown classification %q", override)
		}
		return override, nil
	}
	if strings.HasPrefix(mimeType, "image/") {
		return repository.ClassImage, nil
	}
	return repository.ClassNotes, nil
}

func (s *DocumentService) enqueueIndex(ctx context.Context, doc *repository.Document) error {
	payload := ingestion.JobPayload{
		DocumentID: doc.ID,
		CampaignID: doc.CampaignID,
		StorageKey: doc.StorageKey,
		MimeType:   doc.MimeType,
	}
	_, err := s.indexQ.Enqueue(ctx, payload, queue.Options{JobID: doc.ID.String()})
	if err != nil {
		return fault.Wrap(fault.DatabaseError, err, "failed to enqueue indexing job")
	}
	return nil
}

// Get returns one document.
func (s *DocumentService) Get(ctx context.Context, id uuid.UUID) (*repository.Document, error) {
	doc, err := s.documents.GetByID(ctx, id)
	if err != nil {
		return nil, fault.Wrap(fault.NotFound, err, "document %s not found", id)
	}
	return doc, nil
}

// List returns a page of a campaign's documents, optionally filtered by
// status, plus the unpaged total.
func (s *DocumentService) List(ctx context.Context, campaignID uuid.UUID, status string, limit, offset int) ([]*repository.Document, int, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.documents.List(ctx, campaignID, status, limit, offset)
}

// Delete removes the document's chunks, blob, and row, in that order.
// Chunks go first so a partial failure never leaves searchable content
// pointing at a missing document.
func (s *DocumentService) Delete(ctx context.Context, id uuid.UUID) error {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.chunks.DeleteByDocument(ctx, id); err != nil {
		return fault.Wrap(fault.DatabaseError, err, "failed to delete chunks")
	}
	if err := s.blobs.Delete(ctx, doc.StorageKey); err != nil {
		return err
	}
	if err := s.documents.Delete(ctx, id); err != nil {
		return fault.Wrap(fault.DatabaseError, err, "failed to delete document")
	}
	s.logger.Info("document deleted", "document_id", id, "campaign_id", doc.CampaignID)
	return nil
}

// Reindex re-enqueues the document's indexing job. The dedup job ID
// means an already-queued job absorbs the request.
func (s *DocumentService) Reindex(ctx context.Context, id uuid.UUID) error {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.enqueueIndex(ctx, doc)
}

// DownloadURL returns a signed, time-limited URL for the raw upload.
func (s *DocumentService) DownloadURL(ctx context.Context, id uuid.UUID) (string, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return s.blobs.SignedURL(ctx, doc.StorageKey, DefaultURLExpiry)
}
