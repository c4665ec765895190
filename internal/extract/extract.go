// Package extract turns uploaded document bytes into normalized text with
// section and page boundaries.
package extract

import (
	"context"

	"github.com/tabletoplore/lorekeeper/internal/fault"
)

// Section is a labeled subrange of extracted text, derived from a Markdown
// heading or a paginated source's structure. Line numbers are 1-based and
// inclusive.
type Section struct {
	Title     string
	Level     int
	StartLine int
	EndLine   int
}

// Page is one source page's slice of the concatenated text. Offsets are byte
// offsets into Result.Content.
type Page struct {
	Number      int
	Content     string
	StartOffset int
	EndOffset   int
}

// Result is the output of an extractor: UTF-8 text with BOM stripped and
// line endings normalized to LF.
type Result struct {
	Content        string
	Sections       []Section
	Pages          []Page
	CharacterCount int
	TokenCount     int
	Encoding       string
	// HasExtractedText is false when a paginated source yielded almost no
	// text, the usual signature of a scanned document.
	HasExtractedText bool
}

// Extractor produces a Result from raw document bytes. The MIME type is the
// document's declared type; text extractors ignore it.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (*Result, error)
}

// MIME types accepted for upload.
const (
	MimePDF       = "application/pdf"
	MimePlainText = "text/plain"
	MimeMarkdown  = "text/markdown"
	MimeDocx      = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimePNG       = "image/png"
	MimeJPEG      = "image/jpeg"
	MimeWebP      = "image/webp"
)

// Supported reports whether the MIME type is on the upload whitelist.
func Supported(mimeType string) bool {
	switch mimeType {
	case MimePDF, MimePlainText, MimeMarkdown, MimeDocx, MimePNG, MimeJPEG, MimeWebP:
		return true
	}
	return false
}

// Dispatcher routes extraction by MIME type.
type Dispatcher struct {
	plain     Extractor
	markdown  Extractor
	paginated Extractor
}

// NewDispatcher builds a dispatcher over the three extractor families:
// plain text, Markdown, and paginated (everything else on the whitelist).
func NewDispatcher(plain, markdown, paginated Extractor) *Dispatcher {
	return &Dispatcher{plain: plain, markdown: markdown, paginated: paginated}
}

// Extract runs the extractor registered for the MIME type.
func (d *Dispatcher) Extract(ctx context.Context, mimeType string, data []byte) (*Result, error) {
	switch mimeType {
	case MimePlainText:
		return d.plain.Extract(ctx, data, mimeType)
	case MimeMarkdown:
		return d.markdown.Extract(ctx, data, mimeType)
	case MimePDF, MimeDocx, MimePNG, MimeJPEG, MimeWebP:
		return d.paginated.Extract(ctx, data, mimeType)
	default:
		return nil, fault.New(fault.UnsupportedMIME, "unsupported mime type %q", mimeType)
	}
}

// SectionForLine returns the label of the titled section containing the
// 1-based line, or nil when no titled section covers it.
func SectionForLine(sections []Section, line int) *string {
	for i := len(sections) - 1; i >= 0; i-- {
		s := sections[i]
		if line >= s.StartLine && line <= s.EndLine && s.Title != "" {
			title := s.Title
			return &title
		}
	}
	return nil
}

// PageForOffset returns the number of the page covering the byte offset, or
// nil when the source was not paginated.
func PageForOffset(pages []Page, offset int) *int {
	for i := range pages {
		if offset >= pages[i].StartOffset && offset < pages[i].EndOffset {
			n := pages[i].Number
			return &n
		}
	}
	return nil
}

// estimateTokens uses the chars/4 heuristic shared with the chunker.
func estimateTokens(content string) int {
	return (len(content) + 3) / 4
}
