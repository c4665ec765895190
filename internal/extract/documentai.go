package extract

import (
	"context"
	"strings"
	"unicode"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"google.golang.org/api/option"

	"github.com/tabletoplore/lorekeeper/internal/fault"
)

// minExtractedRunes is the non-whitespace rune count below which a paginated
// document is treated as scanned (no machine-readable text layer).
const minExtractedRunes = 32

// DocumentAIExtractor handles paginated formats (PDF, DOCX, images) through
// the Document AI OCR processor.
type DocumentAIExtractor struct {
	client        *documentai.DocumentProcessorClient
	processor     string
	pageDelimiter string
}

// NewDocumentAIExtractor creates an extractor bound to one processor.
// Processor is the full resource name, e.g.
// projects/p/locations/us/processors/id.
func NewDocumentAIExtractor(ctx context.Context, processor, endpoint, pageDelimiter string) (*DocumentAIExtractor, error) {
	client, err := documentai.NewDocumentProcessorClient(ctx, option.WithEndpoint(endpoint))
	if err != nil {
		return nil, fault.Wrap(fault.InvalidSource, err, "failed to create document processor client")
	}
	return &DocumentAIExtractor{
		client:        client,
		processor:     processor,
		pageDelimiter: pageDelimiter,
	}, nil
}

// Close releases the underlying client
func (e *DocumentAIExtractor) Close() error {
	return e.client.Close()
}

// Extract sends the raw bytes through the processor and reassembles the
// per-page text into one string with accurate byte offsets.
func (e *DocumentAIExtractor) Extract(ctx context.Context, data []byte, mimeType string) (*Result, error) {
	if len(data) == 0 {
		return nil, fault.New(fault.EmptyContent, "content is empty")
	}

	resp, err := e.client.ProcessDocument(ctx, &documentaipb.ProcessRequest{
		Name: e.processor,
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{
				Content:  data,
				MimeType: mimeType,
			},
		},
	})
	if err != nil {
		return nil, classifyProcessError(err)
	}

	doc := resp.GetDocument()
	fullText := doc.GetText()

	var builder strings.Builder
	var pages []Page
	for i, page := range doc.GetPages() {
		pageText := anchorText(fullText, page.GetLayout().GetTextAnchor())
		if i > 0 {
			builder.WriteString(e.pageDelimiter)
		}
		start := builder.Len()
		builder.WriteString(pageText)
		pages = append(pages, Page{
			Number:      i + 1,
			Content:     pageText,
			StartOffset: start,
			EndOffset:   builder.Len(),
		})
	}

	content := builder.String()
	return &Result{
		Content:          content,
		Pages:            pages,
		CharacterCount:   len(content),
		TokenCount:       estimateTokens(content),
		Encoding:         "utf-8",
		HasExtractedText: countNonWhitespace(content) >= minExtractedRunes,
	}, nil
}

// anchorText resolves a text anchor's segments against the document text.
func anchorText(fullText string, anchor *documentaipb.Document_TextAnchor) string {
	if anchor == nil {
		return ""
	}
	var builder strings.Builder
	for _, segment := range anchor.GetTextSegments() {
		start := int(segment.GetStartIndex())
		end := int(segment.GetEndIndex())
		if start < 0 || end > len(fullText) || start > end {
			continue
		}
		builder.WriteString(fullText[start:end])
	}
	return builder.String()
}

func countNonWhitespace(s string) int {
	count := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			count++
		}
	}
	return count
}

// classifyProcessError maps processor failures onto extraction error kinds
// by message inspection; the API does not expose structured causes for
// malformed or password-protected sources.
func classifyProcessError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "password") || strings.Contains(msg, "encrypted"):
		return fault.Wrap(fault.EncryptedSource, err, "source is password protected")
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "corrupt") || strings.Contains(msg, "unsupported"):
		return fault.Wrap(fault.InvalidSource, err, "source could not be read")
	default:
		return fault.Wrap(fault.ParseError, err, "document processing failed")
	}
}

var _ Extractor = (*DocumentAIExtractor)(nil)
