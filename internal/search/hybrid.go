package search

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tabletoplore/lorekeeper/internal/fault"
	"github.com/tabletoplore/lorekeeper/internal/repository"
)

// SearchHybrid fans out the vector and keyword retrievers in parallel,
// fuses their ranked lists, and returns the top results. When one side
// fails or returns nothing, the surviving side's weight is scaled to 1.
// Both sides failing is a database error.
func (e *Engine) SearchHybrid(ctx context.Context, query string, vector []float32, campaignID uuid.UUID, opts Options) ([]Result, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	// Each retriever pulls twice the requested limit so fusion has
	// candidates beyond the final cut.
	subOpts := opts
	subOpts.Limit = 2 * opts.Limit

	var vectorHits []repository.VectorHit
	var keywordHits []repository.KeywordHit
	var vectorErr, keywordErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vectorHits, vectorErr = e.SearchByVector(gctx, vector, campaignID, subOpts)
		return nil
	})
	g.Go(func() error {
		keywordHits, keywordErr = e.SearchByKeyword(gctx, query, campaignID, subOpts)
		return nil
	})
	g.Wait()

	if vectorErr != nil && keywordErr != nil {
		return nil, fault.Wrap(fault.DatabaseError, vectorErr, "both retrievers failed (keyword: %v)", keywordErr)
	}
	if vectorErr != nil {
		e.logger.Warn("vector search failed, falling back to keyword only", "error", vectorErr)
	}
	if keywordErr != nil {
		e.logger.Warn("keyword search failed, falling back to vector only", "error", keywordErr)
	}

	vectorWeight, keywordWeight := scaleWeights(
		opts.VectorWeight, opts.KeywordWeight,
		vectorErr == nil && len(vectorHits) > 0,
		keywordErr == nil && len(keywordHits) > 0,
	)

	var fused []Result
	if opts.Fusion == FusionMinMax {
		fused = fuseMinMax(vectorHits, keywordHits, vectorWeight, keywordWeight)
	} else {
		fused = fuseRRF(vectorHits, keywordHits, vectorWeight, keywordWeight)
	}

	if len(fused) > opts.Limit {
		fused = fused[:opts.Limit]
	}
	return fused, nil
}

// scaleWeights normalizes the weights to sum to 1, zeroing the weight of a
// side that produced nothing.
func scaleWeights(vectorWeight, keywordWeight float64, hasVector, hasKeyword bool) (float64, float64) {
	if !hasVector {
		vectorWeight = 0
	}
	if !hasKeyword {
		keywordWeight = 0
	}
	total := vectorWeight + keywordWeight
	if total == 0 {
		return 0, 0
	}
	return vectorWeight / total, keywordWeight / total
}

// fused is the working record for one chunk seen by either retriever.
type fusedHit struct {
	result       Result
	vectorScore  *float64
	keywordScore *float64
	fromVector   bool
}

// fuseRRF combines the two lists by reciprocal rank: a chunk at 1-indexed
// position r contributes 1/(k+r) on that side.
func fuseRRF(vectorHits []repository.VectorHit, keywordHits []repository.KeywordHit, vectorWeight, keywordWeight float64) []Result {
	merged := make(map[uuid.UUID]*fusedHit)

	for i, hit := range vectorHits {
		score := 1.0 / float64(rrfK+i+1)
		merged[hit.Chunk.ID] = &fusedHit{
			result:      vectorResult(hit),
			vectorScore: &score,
			fromVector:  true,
		}
	}
	for i, hit := range keywordHits {
		score := 1.0 / float64(rrfK+i+1)
		if existing, ok := merged[hit.Chunk.ID]; ok {
			// The vector-side row wins the attribute copy.
			existing.keywordScore = &score
			continue
		}
		merged[hit.Chunk.ID] = &fusedHit{
			result:       keywordResult(hit),
			keywordScore: &score,
		}
	}

	return rankFused(merged, vectorWeight, keywordWeight)
}

// fuseMinMax normalizes each list's raw scores to [0,1] before the
// weighted sum. A single-element list normalizes to 1.
func fuseMinMax(vectorHits []repository.VectorHit, keywordHits []repository.KeywordHit, vectorWeight, keywordWeight float64) []Result {
	merged := make(map[uuid.UUID]*fusedHit)

	vectorRaw := make([]float64, len(vectorHits))
	for i, hit := range vectorHits {
		vectorRaw[i] = hit.Score
	}
	for i, norm := range minMaxNormalize(vectorRaw) {
		score := norm
		merged[vectorHits[i].Chunk.ID] = &fusedHit{
			result:      vectorResult(vectorHits[i]),
			vectorScore: &score,
			fromVector:  true,
		}
	}

	keywordRaw := make([]float64, len(keywordHits))
	for i, hit := range keywordHits {
		keywordRaw[i] = hit.Rank
	}
	for i, norm := range minMaxNormalize(keywordRaw) {
		score := norm
		if existing, ok := merged[keywordHits[i].Chunk.ID]; ok {
			existing.keywordScore = &score
			continue
		}
		merged[keywordHits[i].Chunk.ID] = &fusedHit{
			result:       keywordResult(keywordHits[i]),
			keywordScore: &score,
		}
	}

	return rankFused(merged, vectorWeight, keywordWeight)
}

func minMaxNormalize(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	min, max := values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	normalized := make([]float64, len(values))
	for i, v := range values {
		if max == min {
			normalized[i] = 1
		} else {
			normalized[i] = (v - min) / (max - min)
		}
	}
	return normalized
}

// rankFused computes weighted scores, sorts descending, and breaks score
// ties deterministically: vector-side rows first, then by chunk ID.
func rankFused(merged map[uuid.UUID]*fusedHit, vectorWeight, keywordWeight float64) []Result {
	results := make([]Result, 0, len(merged))
	for _, hit := range merged {
		score := 0.0
		if hit.vectorScore != nil {
			score += vectorWeight * *hit.vectorScore
		}
		if hit.keywordScore != nil {
			score += keywordWeight * *hit.keywordScore
		}
		r := hit.result
		r.Score = score
		r.VectorScore = hit.vectorScore
		r.KeywordScore = hit.keywordScore
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		iVec, jVec := results[i].VectorScore != nil, results[j].VectorScore != nil
		if iVec != jVec {
			return iVec
		}
		return results[i].ChunkID.String() < results[j].ChunkID.String()
	})
	return results
}
