package search

import (
	"context"

	"github.com/google/uuid"

	"github.com/tabletoplore/lorekeeper/internal/repository"
)

type neighborKey struct {
	documentID uuid.UUID
	chunkIndex int
}

// Expand enriches each result's content with the adjacent chunks of the
// same document: prev and next joined by blank lines. All neighbors are
// fetched in one round trip. Expansion is best-effort: on any fetch error
// the results come back unchanged.
func (e *Engine) Expand(ctx context.Context, results []Result) []Result {
	if len(results) == 0 {
		return results
	}

	retrieved := make(map[neighborKey]struct{}, len(results))
	for _, r := range results {
		retrieved[neighborKey{r.DocumentID, r.ChunkIndex}] = struct{}{}
	}

	seen := make(map[neighborKey]struct{})
	var refs []repository.ChunkRef
	addRef := func(r Result, index int) {
		key := neighborKey{r.DocumentID, index}
		if _, ok := retrieved[key]; ok {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		refs = append(refs, repository.ChunkRef{DocumentID: r.DocumentID, ChunkIndex: index})
	}
	for _, r := range results {
		if r.ChunkIndex > 0 {
			addRef(r, r.ChunkIndex-1)
		}
		addRef(r, r.ChunkIndex+1)
	}
	if len(refs) == 0 {
		return results
	}

	neighbors, err := e.chunks.FetchNeighbors(ctx, refs)
	if err != nil {
		e.logger.Warn("neighbor expansion failed", "error", err)
		return results
	}

	content := make(map[neighborKey]string, len(neighbors))
	for _, chunk := range neighbors {
		content[neighborKey{chunk.DocumentID, chunk.ChunkIndex}] = chunk.Content
	}

	expanded := make([]Result, len(results))
	for i, r := range results {
		if prev, ok := content[neighborKey{r.DocumentID, r.ChunkIndex - 1}]; ok && r.ChunkIndex > 0 {
			r.Content = prev + "\n\n" + r.Content
		}
		if next, ok := content[neighborKey{r.DocumentID, r.ChunkIndex + 1}]; ok {
			r.Content = r.Content + "\n\n" + next
		}
		expanded[i] = r
	}
	return expanded
}
