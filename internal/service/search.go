package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/tabletoplore/lorekeeper/internal/embedder"
	"github.com/tabletoplore/lorekeeper/internal/fault"
	"github.com/tabletoplore/lorekeeper/internal/search"
)

// SearchService embeds the query and runs hybrid retrieval with
// neighbor expansion.
type SearchService struct {
	engine   *search.Engine
	embedder embedder.Embedder
	defaults search.Options
	logger   *slog.Logger
}

// NewSearchService creates a search service. defaults fills in request
// options the caller leaves unset.
func NewSearchService(engine *search.Engine, emb embedder.Embedder, defaults search.Options, logger *slog.Logger) *SearchService {
	return &SearchService{engine: engine, embedder: emb, defaults: defaults, logger: logger}
}

// Search runs a hybrid query over the campaign's indexed chunks.
func (s *SearchService) Search(ctx context.Context, campaignID uuid.UUID, query string, opts search.Options) ([]search.Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fault.New(fault.ValidationError, "query must not be empty")
	}
	if opts.Limit <= 0 {
		opts.Limit = s.defaults.Limit
	}
	if opts.VectorWeight == 0 && opts.KeywordWeight == 0 {
		opts.VectorWeight = s.defaults.VectorWeight
		opts.KeywordWeight = s.defaults.KeywordWeight
	}
	if opts.Language == "" {
		opts.Language = s.defaults.Language
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fault.Wrap(fault.EmbeddingFailed, err, "failed to embed query")
	}

	results, err := s.engine.SearchHybrid(ctx, query, vectors[0], campaignID, opts)
	if err != nil {
		return nil, err
	}
	return s.engine.Expand(ctx, results), nil
}
