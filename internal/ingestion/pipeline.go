package ingestion

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tabletoplore/lorekeeper/internal/embedder"
	"github.com/tabletoplore/lorekeeper/internal/extract"
	"github.com/tabletoplore/lorekeeper/internal/fault"
	"github.com/tabletoplore/lorekeeper/internal/queue"
	"github.com/tabletoplore/lorekeeper/internal/repository"
	"github.com/tabletoplore/lorekeeper/internal/storage"
)

// QueueName is the queue the pipeline handler binds to.
const QueueName = "index-document"

// Progress anchors for the pipeline stages.
const (
	progressValidate   = 5
	progressProcessing = 8
	progressExtract    = 10
	progressChunk      = 30
	progressEmbedStart = 45
	progressEmbedEnd   = 85
	progressStore      = 85
	progressStored     = 95
	progressDone       = 100
)

// JobPayload is the payload of an index-document job.
type JobPayload struct {
	DocumentID uuid.UUID `json:"documentId"`
	CampaignID uuid.UUID `json:"campaignId"`
	StorageKey string    `json:"storageKey"`
	MimeType   string    `json:"mimeType"`
}

// Extractor is the slice of the extraction dispatcher the pipeline uses.
type Extractor interface {
	Extract(ctx context.Context, mimeType string, data []byte) (*extract.Result, error)
}

// Pipeline turns an uploaded document into embedded chunks. It is the
// handler registered for the index-document queue.
type Pipeline struct {
	documents repository.DocumentRepository
	chunks    repository.ChunkRepository
	blobs     storage.BlobStore
	extractor Extractor
	chunker   *Chunker
	embedder  embedder.Embedder
	batchSize int
}

// NewPipeline wires the pipeline's collaborators. batchSize bounds one
// embedding call so progress can be reported between batches.
func NewPipeline(
	documents repository.DocumentRepository,
	chunks repository.ChunkRepository,
	blobs storage.BlobStore,
	extractor Extractor,
	chunker *Chunker,
	emb embedder.Embedder,
	batchSize int,
) *Pipeline {
	if batchSize <= 0 {
		batchSize = embedder.DefaultBatchSize
	}
	return &Pipeline{
		documents: documents,
		chunks:    chunks,
		blobs:     blobs,
		extractor: extractor,
		chunker:   chunker,
		embedder:  emb,
		batchSize: batchSize,
	}
}

// Handle processes one index-document job. On any failure after the
// document enters processing, provisional chunks are deleted and the
// document is marked failed with the original error.
func (p *Pipeline) Handle(jc *queue.JobContext) error {
	var payload JobPayload
	if err := json.Unmarshal(jc.Job.Payload, &payload); err != nil {
		return fault.Wrap(fault.ValidationError, err, "invalid job payload")
	}

	logger := jc.Logger.With("document_id", payload.DocumentID, "campaign_id", payload.CampaignID)

	// validate
	jc.ReportProgress(progressValidate, "validating document", "validate")
	doc, err := p.documents.GetByID(jc, payload.DocumentID)
	if err != nil {
		err = fault.Wrap(fault.NotFound, err, "document %s not found", payload.DocumentID)
		p.markFailed(jc, payload.DocumentID, err)
		return err
	}
	if !extract.Supported(doc.MimeType) {
		err = fault.New(fault.UnsupportedMIME, "unsupported mime type %q", doc.MimeType)
		p.markFailed(jc, doc.ID, err)
		return err
	}
	if err := p.checkCancelled(jc); err != nil {
		p.markFailed(jc, doc.ID, err)
		return err
	}

	// mark-processing
	jc.ReportProgress(progressProcessing, "claiming document", "mark-processing")
	if err := p.documents.MarkProcessing(jc, doc.ID); err != nil {
		p.markFailed(jc, doc.ID, err)
		return err
	}

	// A retry never accumulates duplicates: drop whatever a previous
	// attempt left behind before producing new chunks.
	if err := p.chunks.DeleteByDocument(jc, doc.ID); err != nil {
		return p.fail(jc, logger, doc.ID, err)
	}

	// extract
	jc.ReportProgress(progressExtract, "extracting text", "extract")
	data, err := p.blobs.Get(jc, doc.StorageKey)
	if err != nil {
		return p.fail(jc, logger, doc.ID, err)
	}
	result, err := p.extractor.Extract(jc, doc.MimeType, data)
	if err != nil {
		return p.fail(jc, logger, doc.ID, err)
	}
	if err := p.checkCancelled(jc); err != nil {
		return p.fail(jc, logger, doc.ID, err)
	}

	// A scanned source with no text layer still finalizes, with nothing
	// indexed.
	if !result.HasExtractedText && strings.TrimSpace(result.Content) == "" {
		logger.Info("document has no extractable text, finalizing empty")
		jc.ReportProgress(progressDone, "document indexed", "finalize")
		if err := p.documents.MarkReady(jc, doc.ID, 0); err != nil {
			return p.fail(jc, logger, doc.ID, err)
		}
		return nil
	}

	// chunk
	jc.ReportProgress(progressChunk, "splitting into chunks", "chunk")
	chunked, err := p.chunker.Chunk(result)
	if err != nil {
		return p.fail(jc, logger, doc.ID, err)
	}
	if err := p.checkCancelled(jc); err != nil {
		return p.fail(jc, logger, doc.ID, err)
	}

	// embed
	vectors, err := p.embedChunks(jc, chunked.Chunks)
	if err != nil {
		return p.fail(jc, logger, doc.ID, err)
	}

	// store
	jc.ReportProgress(progressStore, "persisting chunks", "store")
	rows := p.buildRows(doc.ID, chunked.Chunks, vectors)
	if err := p.chunks.InsertForDocument(jc, doc.ID, rows); err != nil {
		return p.fail(jc, logger, doc.ID, fault.Wrap(fault.DatabaseError, err, "failed to persist chunks"))
	}
	jc.ReportProgress(progressStored, "chunks persisted", "store")

	// finalize
	if err := p.documents.MarkReady(jc, doc.ID, len(rows)); err != nil {
		return p.fail(jc, logger, doc.ID, err)
	}
	jc.ReportProgress(progressDone, "document indexed", "finalize")
	logger.Info("document indexed",
		"chunks", len(rows),
		"strategy", chunked.Strategy,
		"total_tokens", chunked.TotalTokens)
	return nil
}

// embedChunks batches the embedding calls, checking cancellation and
// reporting progress before each batch.
func (p *Pipeline) embedChunks(jc *queue.JobContext, chunks []TextChunk) ([][]float32, error) {
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.batchSize {
		if err := p.checkCancelled(jc); err != nil {
			return nil, err
		}

		end := start + p.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		percent := progressEmbedStart + (progressEmbedEnd-progressEmbedStart)*start/len(texts)
		jc.ReportProgress(percent, "embedding chunks", "embed")

		batch, err := p.embedder.Embed(jc, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (p *Pipeline) buildRows(documentID uuid.UUID, chunks []TextChunk, vectors [][]float32) []*repository.Chunk {
	now := time.Now().UTC()
	rows := make([]*repository.Chunk, len(chunks))
	for i, chunk := range chunks {
		rows[i] = &repository.Chunk{
			ID:           uuid.New(),
			DocumentID:   documentID,
			ChunkIndex:   chunk.Index,
			Content:      chunk.Content,
			TokenCount:   chunk.TokenCount,
			PageNumber:   chunk.PageNumber,
			SectionLabel: chunk.SectionLabel,
			Embedding:    vectors[i],
			StartOffset:  chunk.StartOffset,
			EndOffset:    chunk.EndOffset,
			CreatedAt:    now,
		}
	}
	return rows
}

func (p *Pipeline) checkCancelled(jc *queue.JobContext) error {
	if err := jc.Err(); err != nil {
		return fault.Wrap(fault.Cancelled, err, "job cancelled")
	}
	return nil
}

// fail marks the document failed and removes provisional chunks. Cleanup
// problems are logged; the original error always comes back.
func (p *Pipeline) fail(jc *queue.JobContext, logger *slog.Logger, documentID uuid.UUID, err error) error {
	p.markFailed(jc, documentID, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cErr := p.chunks.DeleteByDocument(ctx, documentID); cErr != nil {
		logger.Error("cleanup failed", "error", cErr)
	}
	return err
}

// markFailed records the failure on the document row. The job context may
// already be cancelled, so a detached context is used.
func (p *Pipeline) markFailed(jc *queue.JobContext, documentID uuid.UUID, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if mErr := p.documents.MarkFailed(ctx, documentID, err.Error()); mErr != nil {
		jc.Logger.Error("failed to mark document failed", "error", mErr, "document_id", documentID)
	}
}
