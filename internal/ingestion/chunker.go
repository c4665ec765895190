// Package ingestion handles document processing: chunking and pipeline
// orchestration.
package ingestion

import (
	"sort"
	"strings"
	"unicode"

	"github.com/tabletoplore/lorekeeper/internal/extract"
	"github.com/tabletoplore/lorekeeper/internal/fault"
)

// bytesPerToken is the chars/4 token estimate shared with the extractors.
const bytesPerToken = 4

// ChunkerConfig bounds chunk sizes in estimated tokens.
type ChunkerConfig struct {
	TargetTokens  int
	MaxTokens     int
	OverlapTokens int
}

// TextChunk is one passage cut from extracted text. Offsets are byte
// offsets into the extracted content.
type TextChunk struct {
	Content      string
	Index        int
	TokenCount   int
	StartOffset  int
	EndOffset    int
	PageNumber   *int
	SectionLabel *string
}

// ChunkResult carries the chunks plus summary statistics.
type ChunkResult struct {
	Chunks             []TextChunk
	Strategy           string
	TotalTokens        int
	AverageChunkTokens int
}

// Chunker splits extracted text into overlapping, token-bounded chunks.
// Breaks prefer paragraph boundaries, then sentence ends, then whitespace;
// a word is never split.
type Chunker struct {
	config ChunkerConfig
}

// NewChunker creates a new Chunker with the given configuration
func NewChunker(config ChunkerConfig) *Chunker {
	// Apply defaults if not set
	if config.TargetTokens <= 0 {
		config.TargetTokens = 512
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 1024
	}
	if config.OverlapTokens < 0 {
		config.OverlapTokens = 50
	}
	return &Chunker{config: config}
}

// estimateTokens approximates token count as ceil(bytes / 4).
func estimateTokens(text string) int {
	return (len(text) + bytesPerToken - 1) / bytesPerToken
}

// Chunk splits the extraction result. Each chunk carries the section label
// and page number of its starting position.
func (c *Chunker) Chunk(result *extract.Result) (*ChunkResult, error) {
	text := result.Content
	if strings.TrimSpace(text) == "" {
		return nil, fault.New(fault.EmptyContent, "no content to chunk")
	}

	targetBytes := c.config.TargetTokens * bytesPerToken
	maxBytes := c.config.MaxTokens * bytesPerToken
	overlapBytes := c.config.OverlapTokens * bytesPerToken

	lineStarts := buildLineStarts(text)
	strategies := map[string]int{}

	var chunks []TextChunk
	start := skipSpace(text, 0)
	prevEnd := 0
	for start < len(text) {
		end, strategy := c.findBreak(text, start, targetBytes, maxBytes)
		if end <= prevEnd {
			// The overlap stepped back into a region whose best break was
			// already consumed. Resume past it without overlap.
			start = skipSpace(text, prevEnd)
			if start >= len(text) {
				break
			}
			end, strategy = c.findBreak(text, start, targetBytes, maxBytes)
		}
		strategies[strategy]++
		prevEnd = end

		chunkStart, chunkEnd := trimRange(text, start, end)
		if chunkEnd > chunkStart {
			content := text[chunkStart:chunkEnd]
			line := lineForOffset(lineStarts, chunkStart)
			chunks = append(chunks, TextChunk{
				Content:      content,
				Index:        len(chunks),
				TokenCount:   estimateTokens(content),
				StartOffset:  chunkStart,
				EndOffset:    chunkEnd,
				PageNumber:   extract.PageForOffset(result.Pages, chunkStart),
				SectionLabel: extract.SectionForLine(result.Sections, line),
			})
		}

		if end >= len(text) {
			break
		}

		next := end - overlapBytes
		if next <= start {
			next = end
		}
		// Back up to the start of the word the overlap landed in; an
		// overlap never begins mid-word.
		if next < len(text) && !isSpace(text[next]) {
			next = wordStart(text, next)
		}
		if next <= start {
			next = end
		}
		start = skipSpace(text, next)
	}

	if len(chunks) == 0 {
		return nil, fault.New(fault.EmptyContent, "no content to chunk")
	}

	totalTokens := 0
	for _, chunk := range chunks {
		totalTokens += chunk.TokenCount
	}

	return &ChunkResult{
		Chunks:             chunks,
		Strategy:           dominantStrategy(strategies),
		TotalTokens:        totalTokens,
		AverageChunkTokens: totalTokens / len(chunks),
	}, nil
}

// findBreak picks the end offset of the chunk starting at start. It looks
// for a paragraph break, then a sentence end, then whitespace, within the
// target window; when nothing fits it extends forward to the next word
// boundary rather than cutting mid-word.
func (c *Chunker) findBreak(text string, start, targetBytes, maxBytes int) (end int, strategy string) {
	if len(text)-start <= targetBytes {
		return len(text), "single"
	}

	window := text[start : start+targetBytes]
	if p := strings.LastIndex(window, "\n\n"); p > 0 {
		return start + p, "paragraph"
	}
	if p := lastSentenceEnd(window); p > 0 {
		return start + p, "sentence"
	}

	if p := lastSpace(window); p > 0 {
		return start + p, "whitespace"
	}

	limit := start + maxBytes
	if limit > len(text) {
		limit = len(text)
	}
	if p := lastSpace(text[start:limit]); p > 0 {
		return start + p, "whitespace"
	}

	// One unbroken word longer than the window: take it whole.
	for limit < len(text) && !isSpace(text[limit]) {
		limit++
	}
	return limit, "whitespace"
}

// lastSentenceEnd returns the offset just past the last terminator that is
// followed by whitespace, or -1.
func lastSentenceEnd(window string) int {
	for i := len(window) - 1; i > 0; i-- {
		ch := window[i]
		if !isSpace(ch) {
			continue
		}
		prev := window[i-1]
		if prev == '.' || prev == '!' || prev == '?' {
			return i
		}
	}
	return -1
}

func lastSpace(s string) int {
	return strings.LastIndexFunc(s, unicode.IsSpace)
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}

func skipSpace(text string, offset int) int {
	for offset < len(text) && isSpace(text[offset]) {
		offset++
	}
	return offset
}

// wordStart backs offset up to the first byte of the word it falls inside.
func wordStart(text string, offset int) int {
	if offset < 0 {
		return 0
	}
	for offset > 0 && !isSpace(text[offset-1]) {
		offset--
	}
	return offset
}

// trimRange shrinks [start, end) to exclude surrounding whitespace.
func trimRange(text string, start, end int) (int, int) {
	for start < end && isSpace(text[start]) {
		start++
	}
	for end > start && isSpace(text[end-1]) {
		end--
	}
	return start, end
}

func buildLineStarts(text string) []int {
	starts := []int{0}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// lineForOffset returns the 1-based line containing the byte offset.
func lineForOffset(lineStarts []int, offset int) int {
	return sort.Search(len(lineStarts), func(i int) bool {
		return lineStarts[i] > offset
	})
}

func dominantStrategy(counts map[string]int) string {
	best, bestCount := "single", 0
	for strategy, count := range counts {
		if count > bestCount || (count == bestCount && strategy < best) {
			best, bestCount = strategy, count
		}
	}
	return best
}
