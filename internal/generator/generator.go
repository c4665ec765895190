package generator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/tabletoplore/lorekeeper/internal/embedder"
	"github.com/tabletoplore/lorekeeper/internal/fault"
	"github.com/tabletoplore/lorekeeper/internal/llm"
	"github.com/tabletoplore/lorekeeper/internal/repository"
	"github.com/tabletoplore/lorekeeper/internal/search"
)

// retrievalLimit is how many chunks ground one generation.
const retrievalLimit = 8

// Party levels accepted by the generators.
const (
	MinPartyLevel = 1
	MaxPartyLevel = 20
)

// Generator produces campaign content from retrieved source material and
// a chat model.
type Generator struct {
	llm      llm.Client
	engine   *search.Engine
	embedder embedder.Embedder
	logger   *slog.Logger
}

// New creates a generator.
func New(client llm.Client, engine *search.Engine, emb embedder.Embedder, logger *slog.Logger) *Generator {
	return &Generator{llm: client, engine: engine, embedder: emb, logger: logger}
}

func validatePartyLevel(level int) error {
	if level < MinPartyLevel || level > MaxPartyLevel {
		return fault.New(fault.ValidationError, "partyLevel must be between %d and %d, got %d",
			MinPartyLevel, MaxPartyLevel, level)
	}
	return nil
}

// retrieve runs hybrid search for the query and expands neighbors. The
// second return reports whether any retrieved chunk came from a document
// classified as a rulebook.
func (g *Generator) retrieve(ctx context.Context, campaignID uuid.UUID, query string) ([]search.Result, bool, error) {
	vectors, err := g.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, false, fault.Wrap(fault.EmbeddingFailed, err, "failed to embed generation query")
	}
	results, err := g.engine.SearchHybrid(ctx, query, vectors[0], campaignID,
		search.Options{Limit: retrievalLimit})
	if err != nil {
		return nil, false, err
	}
	results = g.engine.Expand(ctx, results)

	grounded := false
	for _, r := range results {
		if r.Classification == repository.ClassRulebook {
			grounded = true
			break
		}
	}
	return results, grounded, nil
}

// buildContext renders retrieved chunks as a numbered source block for
// the prompt.
func buildContext(results []search.Result) string {
	if len(results) == 0 {
		return "No campaign source material was retrieved."
	}
	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "[Source %d: %s", i+1, r.DocumentName)
		if r.SectionLabel != nil {
			fmt.Fprintf(&b, ", %s", *r.SectionLabel)
		}
		if r.PageNumber != nil {
			fmt.Fprintf(&b, ", page %d", *r.PageNumber)
		}
		b.WriteString("]\n")
		b.WriteString(r.Content)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// sourceNames lists the distinct document names behind the results, in
// retrieval order.
func sourceNames(results []search.Result) []string {
	seen := make(map[string]struct{}, len(results))
	var names []string
	for _, r := range results {
		if _, ok := seen[r.DocumentName]; ok {
			continue
		}
		seen[r.DocumentName] = struct{}{}
		names = append(names, r.DocumentName)
	}
	return names
}

func (g *Generator) chat(ctx context.Context, system, user string) (string, error) {
	reply, err := g.llm.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	return reply, nil
}
