package extract

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/tabletoplore/lorekeeper/internal/fault"
)

// TextExtractor handles plain text and Markdown. With headings enabled it
// parses ATX headings into sections; otherwise the whole file is one
// level-0 section.
type TextExtractor struct {
	headings bool
}

// NewPlainTextExtractor creates an extractor for text/plain
func NewPlainTextExtractor() *TextExtractor {
	return &TextExtractor{headings: false}
}

// NewMarkdownExtractor creates an extractor for text/markdown
func NewMarkdownExtractor() *TextExtractor {
	return &TextExtractor{headings: true}
}

// Extract decodes UTF-8, strips a leading BOM, normalizes line endings to
// LF, and derives sections.
func (e *TextExtractor) Extract(_ context.Context, data []byte, _ string) (*Result, error) {
	if !utf8.Valid(data) {
		return nil, fault.New(fault.EncodingError, "content is not valid UTF-8")
	}

	content := string(data)
	content = strings.TrimPrefix(content, "\uFEFF")
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")

	if strings.TrimSpace(content) == "" {
		return nil, fault.New(fault.EmptyContent, "content is empty")
	}

	lines := strings.Split(content, "\n")
	var sections []Section
	if e.headings {
		sections = parseSections(lines)
	} else {
		sections = []Section{{Level: 0, StartLine: 1, EndLine: len(lines)}}
	}

	return &Result{
		Content:          content,
		Sections:         sections,
		CharacterCount:   len(content),
		TokenCount:       estimateTokens(content),
		Encoding:         "utf-8",
		HasExtractedText: true,
	}, nil
}

// parseSections splits lines on ATX headings. A heading is 1 to 6 hashes
// followed by a single space; anything else stays in the enclosing section's
// body. Text before the first heading becomes a level-0 section, and a file
// with no headings yields one level-0 section spanning the file.
func parseSections(lines []string) []Section {
	var sections []Section
	for i, line := range lines {
		level, title, ok := parseHeading(line)
		if !ok {
			continue
		}
		if len(sections) == 0 && i > 0 {
			sections = append(sections, Section{Level: 0, StartLine: 1, EndLine: i})
		}
		if n := len(sections); n > 0 {
			sections[n-1].EndLine = i
		}
		sections = append(sections, Section{
			Title:     title,
			Level:     level,
			StartLine: i + 1,
		})
	}

	if len(sections) == 0 {
		return []Section{{Level: 0, StartLine: 1, EndLine: len(lines)}}
	}
	sections[len(sections)-1].EndLine = len(lines)
	return sections
}

func parseHeading(line string) (level int, title string, ok bool) {
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level < 1 || level > 6 {
		return 0, "", false
	}
	if level >= len(line) || line[level] != ' ' {
		return 0, "", false
	}
	return level, strings.TrimSpace(line[level+1:]), true
}

var _ Extractor = (*TextExtractor)(nil)
