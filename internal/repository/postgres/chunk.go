package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/tabletoplore/lorekeeper/internal/repository"
)

// ChunkRepo implements repository.ChunkRepository
type ChunkRepo struct {
	db *DB
}

// NewChunkRepo creates a new chunk repository
func NewChunkRepo(db *DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

// InsertForDocument replaces a document's chunks in a single transaction.
// Existing rows are deleted first so a reprocessed document never
// accumulates duplicates; any failure rolls back to zero chunks.
func (r *ChunkRepo) InsertForDocument(ctx context.Context, documentID uuid.UUID, chunks []*repository.Chunk) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("failed to delete existing chunks: %w", err)
	}

	batch := &pgx.Batch{}
	for _, chunk := range chunks {
		batch.Queue(`
			INSERT INTO document_chunks (id, document_id, chunk_index, content, token_count,
				page_number, section_label, embedding, start_offset, end_offset, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, chunk.ID, documentID, chunk.ChunkIndex, chunk.Content, chunk.TokenCount,
			chunk.PageNumber, chunk.SectionLabel, pgvector.NewVector(chunk.Embedding),
			chunk.StartOffset, chunk.EndOffset, chunk.CreatedAt)
	}

	results := tx.SendBatch(ctx, batch)
	for range chunks {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to close chunk batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit chunks: %w", err)
	}
	return nil
}

// DeleteByDocument deletes all chunks for a document
func (r *ChunkRepo) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// CountByDocument returns the number of chunks for a document
func (r *ChunkRepo) CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM document_chunks WHERE document_id = $1`, documentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

// FetchNeighbors resolves (document, chunkIndex) pairs in one round trip
// using an unnest join. Missing pairs are absent from the result.
func (r *ChunkRepo) FetchNeighbors(ctx context.Context, refs []repository.ChunkRef) ([]*repository.Chunk, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	docIDs := make([]uuid.UUID, len(refs))
	indexes := make([]int, len(refs))
	for i, ref := range refs {
		docIDs[i] = ref.DocumentID
		indexes[i] = ref.ChunkIndex
	}

	query := `
		SELECT dc.id, dc.document_id, dc.chunk_index, dc.content, dc.token_count,
			dc.page_number, dc.section_label, dc.start_offset, dc.end_offset, dc.created_at
		FROM document_chunks dc
		JOIN unnest($1::uuid[], $2::int[]) AS ref(document_id, chunk_index)
			ON dc.document_id = ref.document_id AND dc.chunk_index = ref.chunk_index
	`
	rows, err := r.db.Pool.Query(ctx, query, docIDs, indexes)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch neighbors: %w", err)
	}
	defer rows.Close()

	var chunks []*repository.Chunk
	for rows.Next() {
		var c repository.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &c.TokenCount,
			&c.PageNumber, &c.SectionLabel, &c.StartOffset, &c.EndOffset, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan neighbor: %w", err)
		}
		chunks = append(chunks, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate neighbors: %w", err)
	}
	return chunks, nil
}

// SearchByVector performs nearest-neighbor retrieval by cosine distance,
// scoped to a campaign.
func (r *ChunkRepo) SearchByVector(ctx context.Context, vector []float32, campaignID uuid.UUID, filter repository.SearchFilter) ([]repository.VectorHit, error) {
	query := `
		SELECT dc.id, dc.document_id, dc.chunk_index, dc.content, dc.token_count,
			dc.page_number, dc.section_label, dc.start_offset, dc.end_offset, dc.created_at,
			dc.embedding <=> $1::vector AS distance,
			` + joinedDocumentColumns + `
		FROM document_chunks dc
		JOIN documents d ON dc.document_id = d.id
		WHERE d.campaign_id = $2`
	args := []any{pgvector.NewVector(vector), campaignID}
	query, args = appendFilter(query, args, filter)
	query += fmt.Sprintf(`
		ORDER BY dc.embedding <=> $1::vector
		LIMIT $%d`, len(args)+1)
	args = append(args, filter.Limit)

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search by vector: %w", err)
	}
	defer rows.Close()

	var hits []repository.VectorHit
	for rows.Next() {
		var h repository.VectorHit
		if err := rows.Scan(
			&h.Chunk.ID, &h.Chunk.DocumentID, &h.Chunk.ChunkIndex, &h.Chunk.Content, &h.Chunk.TokenCount,
			&h.Chunk.PageNumber, &h.Chunk.SectionLabel, &h.Chunk.StartOffset, &h.Chunk.EndOffset, &h.Chunk.CreatedAt,
			&h.Distance,
			&h.Document.ID, &h.Document.CampaignID, &h.Document.Name, &h.Document.Filename,
			&h.Document.MimeType, &h.Document.SizeBytes, &h.Document.StorageKey,
			&h.Document.Classification, &h.Document.Tags, &h.Document.Status,
			&h.Document.ProcessingError, &h.Document.ChunkCount,
			&h.Document.CreatedAt, &h.Document.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan vector hit: %w", err)
		}
		h.Score = clipUnit(1 - h.Distance)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate vector hits: %w", err)
	}
	return hits, nil
}

// SearchByKeyword executes a prebuilt tsquery expression against the
// chunk content with the given text-search configuration.
func (r *ChunkRepo) SearchByKeyword(ctx context.Context, tsquery, language string, campaignID uuid.UUID, filter repository.SearchFilter) ([]repository.KeywordHit, error) {
	query := `
		SELECT dc.id, dc.document_id, dc.chunk_index, dc.content, dc.token_count,
			dc.page_number, dc.section_label, dc.start_offset, dc.end_offset, dc.created_at,
			ts_rank(to_tsvector($2::regconfig, dc.content), query) AS rank,
			` + joinedDocumentColumns + `
		FROM document_chunks dc
		JOIN documents d ON dc.document_id = d.id,
		to_tsquery($2::regconfig, $1) query
		WHERE d.campaign_id = $3
			AND to_tsvector($2::regconfig, dc.content) @@ query`
	args := []any{tsquery, language, campaignID}
	query, args = appendFilter(query, args, filter)
	query += fmt.Sprintf(`
		ORDER BY rank DESC
		LIMIT $%d`, len(args)+1)
	args = append(args, filter.Limit)

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search by keyword: %w", err)
	}
	defer rows.Close()

	var hits []repository.KeywordHit
	for rows.Next() {
		var h repository.KeywordHit
		if err := rows.Scan(
			&h.Chunk.ID, &h.Chunk.DocumentID, &h.Chunk.ChunkIndex, &h.Chunk.Content, &h.Chunk.TokenCount,
			&h.Chunk.PageNumber, &h.Chunk.SectionLabel, &h.Chunk.StartOffset, &h.Chunk.EndOffset, &h.Chunk.CreatedAt,
			&h.Rank,
			&h.Document.ID, &h.Document.CampaignID, &h.Document.Name, &h.Document.Filename,
			&h.Document.MimeType, &h.Document.SizeBytes, &h.Document.StorageKey,
			&h.Document.Classification, &h.Document.Tags, &h.Document.Status,
			&h.Document.ProcessingError, &h.Document.ChunkCount,
			&h.Document.CreatedAt, &h.Document.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan keyword hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate keyword hits: %w", err)
	}
	return hits, nil
}

const joinedDocumentColumns = `d.id, d.campaign_id, d.name, d.filename, d.mime_type, d.size_bytes,
			d.storage_key, d.classification, d.tags, d.status, d.processing_error, d.chunk_count,
			d.created_at, d.updated_at`

// appendFilter adds the optional document-ID and classification predicates.
func appendFilter(query string, args []any, filter repository.SearchFilter) (string, []any) {
	if len(filter.DocumentIDs) > 0 {
		args = append(args, filter.DocumentIDs)
		query += fmt.Sprintf(` AND d.id = ANY($%d)`, len(args))
	}
	if len(filter.Classifications) > 0 {
		args = append(args, filter.Classifications)
		query += fmt.Sprintf(` AND d.classification = ANY($%d)`, len(args))
	}
	return query, args
}

func clipUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Ensure ChunkRepo implements the interface
var _ repository.ChunkRepository = (*ChunkRepo)(nil)
