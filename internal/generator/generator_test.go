package generator

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/tabletoplore/lorekeeper/internal/fault"
	"github.com/tabletoplore/lorekeeper/internal/llm"
	"github.com/tabletoplore/lorekeeper/internal/repository"
	"github.com/tabletoplore/lorekeeper/internal/search"
)

type fakeChat struct {
	reply    string
	err      error
	messages []llm.Message
}

func (f *fakeChat) Chat(_ context.Context, messages []llm.Message) (string, error) {
	f.messages = messages
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{0.1, 0.2}
	}
	return vectors, nil
}

func (fakeEmbedder) Dimension() int    { return 2 }
func (fakeEmbedder) ModelName() string { return "fake" }

// fakeChunkRepo serves scripted vector hits and nothing else.
type fakeChunkRepo struct {
	vectorHits []repository.VectorHit
}

func (f *fakeChunkRepo) InsertForDocument(context.Context, uuid.UUID, []*repository.Chunk) error {
	return nil
}
func (f *fakeChunkRepo) DeleteByDocument(context.Context, uuid.UUID) error { return nil }
func (f *fakeChunkRepo) CountByDocument(context.Context, uuid.UUID) (int, error) {
	return 0, nil
}
func (f *fakeChunkRepo) FetchNeighbors(context.Context, []repository.ChunkRef) ([]*repository.Chunk, error) {
	return nil, nil
}
func (f *fakeChunkRepo) SearchByVector(context.Context, []float32, uuid.UUID, repository.SearchFilter) ([]repository.VectorHit, error) {
	return f.vectorHits, nil
}
func (f *fakeChunkRepo) SearchByKeyword(context.Context, string, string, uuid.UUID, repository.SearchFilter) ([]repository.KeywordHit, error) {
	return nil, nil
}

func hit(classification, docName, content string) repository.VectorHit {
	return repository.VectorHit{
		Chunk: repository.Chunk{
			ID:         uuid.New(),
			DocumentID: uuid.New(),
			ChunkIndex: 1,
			Content:    content,
		},
		Document: repository.Document{
			ID:             uuid.New(),
			Name:           docName,
			Classification: classification,
		},
		Score: 0.9,
	}
}

func testGenerator(chat *fakeChat, hits []repository.VectorHit) *Generator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := search.NewEngine(&fakeChunkRepo{vectorHits: hits}, logger)
	return New(chat, engine, fakeEmbedder{}, logger)
}

func TestGenerateHooksRejectsPartyLevel(t *testing.T) {
	g := testGenerator(&fakeChat{}, nil)
	for _, level := range []int{0, -3, 21} {
		_, err := g.GenerateHooks(context.Background(), HookRequest{
			CampaignID: uuid.New(),
			Theme:      "undead",
			PartyLevel: level,
		})
		if err == nil || !fault.Is(err, fault.ValidationError) {
			t.Errorf("partyLevel %d: err = %v, want validation_error", level, err)
		}
	}
}

func TestGenerateHooksParsesReply(t *testing.T) {
	chat := &fakeChat{reply: `[{"title":"The Sunken Vault","premise":"p","complication":"c","reward":"r"}]`}
	g := testGenerator(chat, []repository.VectorHit{
		hit(repository.ClassSetting, "Gazetteer", "The vault lies beneath the mill."),
	})

	result, err := g.GenerateHooks(context.Background(), HookRequest{
		CampaignID: uuid.New(),
		Theme:      "sunken vault",
		PartyLevel: 5,
		Count:      1,
	})
	if err != nil {
		t.Fatalf("GenerateHooks() error = %v", err)
	}
	if len(result.Hooks) != 1 || result.Hooks[0].Title != "The Sunken Vault" {
		t.Errorf("hooks = %+v", result.Hooks)
	}
	if len(result.Sources) != 1 || result.Sources[0] != "Gazetteer" {
		t.Errorf("sources = %v, want [Gazetteer]", result.Sources)
	}
	if len(chat.messages) != 2 || chat.messages[0].Role != llm.RoleSystem {
		t.Fatalf("messages = %+v, want system then user", chat.messages)
	}
}

func TestGenerateHooksRecoversTruncatedReply(t *testing.T) {
	chat := &fakeChat{reply: `[{"title":"A","premise":"p","complication":"c","reward":"r"},{"title":"B","prem`}
	g := testGenerator(chat, nil)

	result, err := g.GenerateHooks(context.Background(), HookRequest{
		CampaignID: uuid.New(),
		Theme:      "undead",
		PartyLevel: 3,
	})
	if err != nil {
		t.Fatalf("GenerateHooks() error = %v", err)
	}
	if len(result.Hooks) != 1 || result.Hooks[0].Title != "A" {
		t.Errorf("hooks = %+v, want the one complete hook", result.Hooks)
	}
}

func TestGenerateNPCsStatBlockGrounded(t *testing.T) {
	reply := `[{"name":"Maela","ancestry":"human","occupation":"miller","personality":"wary","secret":"smuggler","statBlock":"AC 12"}]`

	tests := []struct {
		name string
		hits []repository.VectorHit
		want bool
	}{
		{
			name: "rulebook chunk present",
			hits: []repository.VectorHit{
				hit(repository.ClassSetting, "Gazetteer", "the mill"),
				hit(repository.ClassRulebook, "Core Rules", "commoner stat block"),
			},
			want: true,
		},
		{
			name: "no rulebook chunks",
			hits: []repository.VectorHit{
				hit(repository.ClassNotes, "Session Notes", "the mill"),
			},
			want: false,
		},
		{
			name: "no retrieval at all",
			hits: nil,
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := testGenerator(&fakeChat{reply: reply}, tt.hits)
			result, err := g.GenerateNPCs(context.Background(), NPCRequest{
				CampaignID: uuid.New(),
				Concept:    "village miller",
				PartyLevel: 2,
			})
			if err != nil {
				t.Fatalf("GenerateNPCs() error = %v", err)
			}
			if result.StatBlockGrounded != tt.want {
				t.Errorf("StatBlockGrounded = %v, want %v", result.StatBlockGrounded, tt.want)
			}
		})
	}
}

func TestGenerateNPCsRejectsPartyLevel(t *testing.T) {
	g := testGenerator(&fakeChat{}, nil)
	_, err := g.GenerateNPCs(context.Background(), NPCRequest{
		CampaignID: uuid.New(),
		Concept:    "miller",
		PartyLevel: 25,
	})
	if err == nil || !fault.Is(err, fault.ValidationError) {
		t.Errorf("err = %v, want validation_error", err)
	}
}

func TestGenerateHooksUnparsableReply(t *testing.T) {
	chat := &fakeChat{reply: "I cannot help with that."}
	g := testGenerator(chat, nil)

	_, err := g.GenerateHooks(context.Background(), HookRequest{
		CampaignID: uuid.New(),
		Theme:      "undead",
		PartyLevel: 3,
	})
	if err == nil || !fault.Is(err, fault.ParseError) {
		t.Errorf("err = %v, want parse_error", err)
	}
}
