package search

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tabletoplore/lorekeeper/internal/repository"
)

// fakeChunkRepo scripts the repository queries behind the engine.
type fakeChunkRepo struct {
	mu sync.Mutex

	vectorHits []repository.VectorHit
	vectorErr  error

	// keywordByQuery scripts per-tsquery responses; keywordErr fails all.
	keywordByQuery map[string][]repository.KeywordHit
	keywordErr     error

	neighbors   []*repository.Chunk
	neighborErr error

	vectorFilters   []repository.SearchFilter
	keywordQueries  []string
	neighborQueries [][]repository.ChunkRef
}

func (f *fakeChunkRepo) InsertForDocument(context.Context, uuid.UUID, []*repository.Chunk) error {
	return nil
}
func (f *fakeChunkRepo) DeleteByDocument(context.Context, uuid.UUID) error { return nil }
func (f *fakeChunkRepo) CountByDocument(context.Context, uuid.UUID) (int, error) {
	return 0, nil
}

func (f *fakeChunkRepo) FetchNeighbors(_ context.Context, refs []repository.ChunkRef) ([]*repository.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.neighborQueries = append(f.neighborQueries, refs)
	if f.neighborErr != nil {
		return nil, f.neighborErr
	}
	return f.neighbors, nil
}

func (f *fakeChunkRepo) SearchByVector(_ context.Context, _ []float32, _ uuid.UUID, filter repository.SearchFilter) ([]repository.VectorHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectorFilters = append(f.vectorFilters, filter)
	if f.vectorErr != nil {
		return nil, f.vectorErr
	}
	return f.vectorHits, nil
}

func (f *fakeChunkRepo) SearchByKeyword(_ context.Context, tsquery, _ string, _ uuid.UUID, _ repository.SearchFilter) ([]repository.KeywordHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keywordQueries = append(f.keywordQueries, tsquery)
	if f.keywordErr != nil {
		return nil, f.keywordErr
	}
	return f.keywordByQuery[tsquery], nil
}

var _ repository.ChunkRepository = (*fakeChunkRepo)(nil)

func testEngine(repo *fakeChunkRepo) *Engine {
	return NewEngine(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func vectorHit(chunkID uuid.UUID, chunkIndex int, content string, score float64) repository.VectorHit {
	return repository.VectorHit{
		Chunk: repository.Chunk{ID: chunkID, ChunkIndex: chunkIndex, Content: content},
		Document: repository.Document{
			Name:           "doc",
			Classification: repository.ClassRulebook,
		},
		Distance: 1 - score,
		Score:    score,
	}
}

func keywordHit(chunkID uuid.UUID, chunkIndex int, content string, rank float64) repository.KeywordHit {
	return repository.KeywordHit{
		Chunk: repository.Chunk{ID: chunkID, ChunkIndex: chunkIndex, Content: content},
		Document: repository.Document{
			Name:           "doc",
			Classification: repository.ClassRulebook,
		},
		Rank: rank,
	}
}
