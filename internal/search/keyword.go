package search

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/tabletoplore/lorekeeper/internal/fault"
	"github.com/tabletoplore/lorekeeper/internal/repository"
)

// orFallbackThreshold is the AND-result row count below which the OR
// fallback is attempted.
const orFallbackThreshold = 3

// stopWords are dropped when building the OR fallback query.
var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "can": {}, "had": {}, "her": {}, "was": {},
	"one": {}, "our": {}, "out": {}, "has": {}, "have": {}, "what": {},
	"when": {}, "where": {}, "who": {}, "will": {}, "with": {}, "this": {},
	"that": {}, "they": {}, "them": {}, "from": {}, "how": {}, "which": {},
	"does": {}, "did": {}, "his": {}, "she": {}, "him": {}, "its": {},
	"were": {}, "been": {}, "being": {}, "there": {}, "their": {},
	"would": {}, "could": {}, "should": {}, "about": {}, "into": {},
	"than": {}, "then": {}, "these": {}, "those": {}, "some": {}, "such": {},
	"only": {}, "over": {}, "very": {}, "just": {}, "any": {}, "each": {},
	"is": {}, "it": {}, "in": {}, "on": {},
	"of": {}, "to": {}, "an": {}, "as": {}, "at": {}, "by": {}, "be": {},
	"or": {}, "do": {}, "if": {}, "me": {}, "my": {}, "up": {}, "so": {},
	"no": {}, "we": {},
}

// tokenize splits the query into lowercase alphanumeric tokens, discarding
// tsquery operators and punctuation.
func tokenize(query string) []string {
	return strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z':
			return false
		case r >= '0' && r <= '9':
			return false
		}
		return true
	})
}

// buildAndQuery joins all query tokens conjunctively.
func buildAndQuery(query string) string {
	return strings.Join(tokenize(query), " & ")
}

// buildOrQuery builds the disjunctive fallback: tokens of length <= 2 and
// stop words are dropped; when nothing survives the raw tokens are used.
func buildOrQuery(query string) string {
	tokens := tokenize(query)
	var kept []string
	for _, token := range tokens {
		if len(token) <= 2 {
			continue
		}
		if _, stop := stopWords[token]; stop {
			continue
		}
		kept = append(kept, token)
	}
	if len(kept) == 0 {
		kept = tokens
	}
	return strings.Join(kept, " | ")
}

// SearchByKeyword runs full-text retrieval with AND-first, OR-fallback
// query rewriting: the conjunctive query runs first, and when it returns
// fewer than 3 rows a disjunctive variant competes with it. The larger
// result set wins; AND wins ties.
func (e *Engine) SearchByKeyword(ctx context.Context, query string, campaignID uuid.UUID, opts Options) ([]repository.KeywordHit, error) {
	opts = opts.withDefaults()
	filter := opts.filter(opts.Limit)

	andQuery := buildAndQuery(query)
	if andQuery == "" {
		return nil, fault.New(fault.ValidationError, "query has no searchable terms")
	}

	andHits, err := e.chunks.SearchByKeyword(ctx, andQuery, opts.Language, campaignID, filter)
	if err != nil {
		return nil, fault.Wrap(fault.DatabaseError, err, "keyword search failed")
	}
	if len(andHits) >= orFallbackThreshold {
		return andHits, nil
	}

	orQuery := buildOrQuery(query)
	if orQuery == andQuery {
		return andHits, nil
	}
	orHits, err := e.chunks.SearchByKeyword(ctx, orQuery, opts.Language, campaignID, filter)
	if err != nil {
		// The conjunctive rows are still good; serve them.
		e.logger.Warn("or-fallback keyword search failed", "error", err)
		return andHits, nil
	}

	if len(orHits) > len(andHits) {
		return orHits, nil
	}
	return andHits, nil
}
