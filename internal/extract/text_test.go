package extract

import (
	"context"
	"testing"

	"github.com/tabletoplore/lorekeeper/internal/fault"
)

func TestTextExtractorNormalization(t *testing.T) {
	e := NewPlainTextExtractor()

	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{"plain", []byte("Hello world"), "Hello world"},
		{"bom stripped", []byte("\xef\xbb\xbfHello"), "Hello"},
		{"crlf normalized", []byte("a\r\nb\r\nc"), "a\nb\nc"},
		{"bare cr normalized", []byte("a\rb"), "a\nb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.Extract(context.Background(), tt.input, MimePlainText)
			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if result.Content != tt.want {
				t.Errorf("Content = %q, want %q", result.Content, tt.want)
			}
			if !result.HasExtractedText {
				t.Error("HasExtractedText = false, want true")
			}
		})
	}
}

func TestTextExtractorErrors(t *testing.T) {
	e := NewPlainTextExtractor()

	tests := []struct {
		name  string
		input []byte
		kind  fault.Kind
	}{
		{"invalid utf8", []byte{0xff, 0xfe, 0x41}, fault.EncodingError},
		{"empty", []byte(""), fault.EmptyContent},
		{"whitespace only", []byte("  \n\t\n  "), fault.EmptyContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Extract(context.Background(), tt.input, MimePlainText)
			if err == nil {
				t.Fatal("Extract() error = nil, want error")
			}
			if got := fault.KindOf(err); got != tt.kind {
				t.Errorf("KindOf = %q, want %q", got, tt.kind)
			}
		})
	}
}

func TestTextExtractorTokenCount(t *testing.T) {
	e := NewPlainTextExtractor()
	result, err := e.Extract(context.Background(), []byte("Hello world"), MimePlainText)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	// 11 bytes, ceil(11/4) = 3
	if result.TokenCount != 3 {
		t.Errorf("TokenCount = %d, want 3", result.TokenCount)
	}
	if result.CharacterCount != 11 {
		t.Errorf("CharacterCount = %d, want 11", result.CharacterCount)
	}
}

func TestMarkdownSections(t *testing.T) {
	e := NewMarkdownExtractor()

	input := "intro line\n# Chapter One\nbody one\n## Encounters\nbody two\n##no space heading\ntail"
	result, err := e.Extract(context.Background(), []byte(input), MimeMarkdown)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}

	want := []Section{
		{Title: "", Level: 0, StartLine: 1, EndLine: 1},
		{Title: "Chapter One", Level: 1, StartLine: 2, EndLine: 3},
		{Title: "Encounters", Level: 2, StartLine: 4, EndLine: 7},
	}
	if len(result.Sections) != len(want) {
		t.Fatalf("got %d sections, want %d: %+v", len(result.Sections), len(want), result.Sections)
	}
	for i, w := range want {
		got := result.Sections[i]
		if got != w {
			t.Errorf("section %d = %+v, want %+v", i, got, w)
		}
	}
}

func TestMarkdownNoHeadings(t *testing.T) {
	e := NewMarkdownExtractor()
	result, err := e.Extract(context.Background(), []byte("just prose\nno headings"), MimeMarkdown)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(result.Sections) != 1 {
		t.Fatalf("got %d sections, want 1", len(result.Sections))
	}
	s := result.Sections[0]
	if s.Level != 0 || s.StartLine != 1 || s.EndLine != 2 {
		t.Errorf("section = %+v, want level 0 lines 1-2", s)
	}
}

func TestMarkdownHeadingAtFirstLine(t *testing.T) {
	e := NewMarkdownExtractor()
	result, err := e.Extract(context.Background(), []byte("# Title\nbody"), MimeMarkdown)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(result.Sections) != 1 {
		t.Fatalf("got %d sections, want 1 (no empty preamble)", len(result.Sections))
	}
	if result.Sections[0].Title != "Title" {
		t.Errorf("Title = %q, want %q", result.Sections[0].Title, "Title")
	}
}

func TestParseHeading(t *testing.T) {
	tests := []struct {
		line      string
		wantLevel int
		wantTitle string
		wantOK    bool
	}{
		{"# Title", 1, "Title", true},
		{"###### Deep", 6, "Deep", true},
		{"####### Too deep", 0, "", false},
		{"#NoSpace", 0, "", false},
		{"#", 0, "", false},
		{"plain text", 0, "", false},
		{"##  Extra space", 2, "Extra space", true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			level, title, ok := parseHeading(tt.line)
			if ok != tt.wantOK || level != tt.wantLevel || title != tt.wantTitle {
				t.Errorf("parseHeading(%q) = (%d, %q, %v), want (%d, %q, %v)",
					tt.line, level, title, ok, tt.wantLevel, tt.wantTitle, tt.wantOK)
			}
		})
	}
}

func TestSectionForLine(t *testing.T) {
	sections := []Section{
		{Title: "", Level: 0, StartLine: 1, EndLine: 2},
		{Title: "One", Level: 1, StartLine: 3, EndLine: 5},
		{Title: "Two", Level: 2, StartLine: 6, EndLine: 9},
	}

	if got := SectionForLine(sections, 1); got != nil {
		t.Errorf("line 1 = %q, want nil (untitled preamble)", *got)
	}
	if got := SectionForLine(sections, 4); got == nil || *got != "One" {
		t.Errorf("line 4 = %v, want One", got)
	}
	if got := SectionForLine(sections, 9); got == nil || *got != "Two" {
		t.Errorf("line 9 = %v, want Two", got)
	}
	if got := SectionForLine(sections, 20); got != nil {
		t.Errorf("line 20 = %q, want nil", *got)
	}
}
