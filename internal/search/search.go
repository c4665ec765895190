// Package search implements hybrid retrieval: dense-vector and full-text
// queries fused by reciprocal rank, with neighbor-chunk expansion.
package search

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tabletoplore/lorekeeper/internal/fault"
	"github.com/tabletoplore/lorekeeper/internal/repository"
)

// Fusion selects how the two result lists are combined.
type Fusion string

const (
	// FusionRRF is reciprocal rank fusion, the default. Rank positions,
	// not raw scores, drive the combination, so a loose keyword fallback
	// cannot drown a strong vector hit.
	FusionRRF Fusion = "rrf"
	// FusionMinMax normalizes each list's raw scores to [0,1] before the
	// weighted sum.
	FusionMinMax Fusion = "minmax"
)

// rrfK is the standard reciprocal-rank-fusion constant.
const rrfK = 60

// Defaults applied when options leave a field unset.
const (
	DefaultLimit         = 10
	DefaultVectorWeight  = 0.7
	DefaultKeywordWeight = 0.3
	DefaultLanguage      = "english"
)

// Options narrows and tunes a search.
type Options struct {
	Limit           int
	VectorWeight    float64
	KeywordWeight   float64
	DocumentIDs     []uuid.UUID
	Classifications []string
	Language        string
	Fusion          Fusion
}

// Result is one retrieved chunk with its owning document's metadata.
// VectorScore and KeywordScore are the per-retriever contributions, nil
// when the chunk was absent from that retriever's list.
type Result struct {
	ChunkID        uuid.UUID `json:"chunkId"`
	DocumentID     uuid.UUID `json:"documentId"`
	DocumentName   string    `json:"documentName"`
	Classification string    `json:"classification"`
	ChunkIndex     int       `json:"chunkIndex"`
	Content        string    `json:"content"`
	PageNumber     *int      `json:"pageNumber,omitempty"`
	SectionLabel   *string   `json:"sectionLabel,omitempty"`
	Score          float64   `json:"score"`
	VectorScore    *float64  `json:"vectorScore"`
	KeywordScore   *float64  `json:"keywordScore"`
}

// Engine runs retrieval against the chunk store.
type Engine struct {
	chunks repository.ChunkRepository
	logger *slog.Logger
}

// NewEngine creates a search engine
func NewEngine(chunks repository.ChunkRepository, logger *slog.Logger) *Engine {
	return &Engine{chunks: chunks, logger: logger}
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Language == "" {
		opts.Language = DefaultLanguage
	}
	if opts.Fusion == "" {
		opts.Fusion = FusionRRF
	}
	if opts.VectorWeight == 0 && opts.KeywordWeight == 0 {
		opts.VectorWeight = DefaultVectorWeight
		opts.KeywordWeight = DefaultKeywordWeight
	}
	return opts
}

func (o *Options) validate() error {
	if o.VectorWeight < 0 || o.KeywordWeight < 0 {
		return fault.New(fault.ValidationError, "search weights must be non-negative")
	}
	if o.VectorWeight == 0 && o.KeywordWeight == 0 {
		return fault.New(fault.ValidationError, "at least one search weight must be positive")
	}
	switch o.Fusion {
	case FusionRRF, FusionMinMax:
	default:
		return fault.New(fault.ValidationError, "unknown fusion %q", o.Fusion)
	}
	return nil
}

func (o *Options) filter(limit int) repository.SearchFilter {
	return repository.SearchFilter{
		DocumentIDs:     o.DocumentIDs,
		Classifications: o.Classifications,
		Limit:           limit,
	}
}

// SearchByVector returns the nearest chunks by cosine distance.
func (e *Engine) SearchByVector(ctx context.Context, vector []float32, campaignID uuid.UUID, opts Options) ([]repository.VectorHit, error) {
	opts = opts.withDefaults()
	hits, err := e.chunks.SearchByVector(ctx, vector, campaignID, opts.filter(opts.Limit))
	if err != nil {
		return nil, fault.Wrap(fault.DatabaseError, err, "vector search failed")
	}
	return hits, nil
}

func vectorResult(hit repository.VectorHit) Result {
	return Result{
		ChunkID:        hit.Chunk.ID,
		DocumentID:     hit.Document.ID,
		DocumentName:   hit.Document.Name,
		Classification: hit.Document.Classification,
		ChunkIndex:     hit.Chunk.ChunkIndex,
		Content:        hit.Chunk.Content,
		PageNumber:     hit.Chunk.PageNumber,
		SectionLabel:   hit.Chunk.SectionLabel,
	}
}

func keywordResult(hit repository.KeywordHit) Result {
	return Result{
		ChunkID:        hit.Chunk.ID,
		DocumentID:     hit.Document.ID,
		DocumentName:   hit.Document.Name,
		Classification: hit.Document.Classification,
		ChunkIndex:     hit.Chunk.ChunkIndex,
		Content:        hit.Chunk.Content,
		PageNumber:     hit.Chunk.PageNumber,
		SectionLabel:   hit.Chunk.SectionLabel,
	}
}
