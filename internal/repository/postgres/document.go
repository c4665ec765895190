package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tabletoplore/lorekeeper/internal/repository"
)

// DocumentRepo implements repository.DocumentRepository
type DocumentRepo struct {
	db *DB
}

// NewDocumentRepo creates a new document repository
func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

const documentColumns = `id, campaign_id, name, filename, mime_type, size_bytes, storage_key,
	classification, tags, status, processing_error, chunk_count, created_at, updated_at`

// Create creates a new document row in state pending
func (r *DocumentRepo) Create(ctx context.Context, doc *repository.Document) error {
	query := `
		INSERT INTO documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		doc.ID, doc.CampaignID, doc.Name, doc.Filename, doc.MimeType, doc.SizeBytes,
		doc.StorageKey, doc.Classification, doc.Tags, doc.Status,
		doc.ProcessingError, doc.ChunkCount, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// GetByID retrieves a document by ID
func (r *DocumentRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`

	var doc repository.Document
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&doc.ID, &doc.CampaignID, &doc.Name, &doc.Filename, &doc.MimeType, &doc.SizeBytes,
		&doc.StorageKey, &doc.Classification, &doc.Tags, &doc.Status,
		&doc.ProcessingError, &doc.ChunkCount, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

// List retrieves documents for a campaign with pagination
func (r *DocumentRepo) List(ctx context.Context, campaignID uuid.UUID, status string, limit, offset int) ([]*repository.Document, int, error) {
	countQuery := `SELECT COUNT(*) FROM documents WHERE campaign_id = $1`
	listQuery := `SELECT ` + documentColumns + ` FROM documents WHERE campaign_id = $1`
	args := []any{campaignID}

	if status != "" {
		countQuery += ` AND status = $2`
		listQuery += ` AND status = $2`
		args = append(args, status)
	}

	listQuery += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)

	var total int
	if err := r.db.Pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := r.db.Pool.Query(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*repository.Document
	for rows.Next() {
		var doc repository.Document
		if err := rows.Scan(
			&doc.ID, &doc.CampaignID, &doc.Name, &doc.Filename, &doc.MimeType, &doc.SizeBytes,
			&doc.StorageKey, &doc.Classification, &doc.Tags, &doc.Status,
			&doc.ProcessingError, &doc.ChunkCount, &doc.CreatedAt, &doc.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, &doc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate documents: %w", err)
	}

	return docs, total, nil
}

// Delete deletes a document. Chunks are removed by the ON DELETE CASCADE
// constraint, but callers are expected to have deleted them explicitly first
// so a delete is never acknowledged while chunks remain.
func (r *DocumentRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkProcessing transitions a pending or failed document to processing,
// clearing any previous error and chunk count.
func (r *DocumentRepo) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE documents
		SET status = $2, processing_error = NULL, chunk_count = NULL, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Pool.Exec(ctx, query, id, repository.DocStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to mark document processing: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkReady finalizes a document: the status change and the chunk count are
// recorded in one statement.
func (r *DocumentRepo) MarkReady(ctx context.Context, id uuid.UUID, chunkCount int) error {
	query := `
		UPDATE documents
		SET status = $2, chunk_count = $3, processing_error = NULL, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Pool.Exec(ctx, query, id, repository.DocStatusReady, chunkCount)
	if err != nil {
		return fmt.Errorf("failed to mark document ready: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkFailed records a processing failure with its message.
func (r *DocumentRepo) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	query := `
		UPDATE documents
		SET status = $2, processing_error = $3, chunk_count = NULL, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Pool.Exec(ctx, query, id, repository.DocStatusFailed, message)
	if err != nil {
		return fmt.Errorf("failed to mark document failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Ensure DocumentRepo implements the interface
var _ repository.DocumentRepository = (*DocumentRepo)(nil)
