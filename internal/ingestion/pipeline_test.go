package ingestion

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tabletoplore/lorekeeper/internal/extract"
	"github.com/tabletoplore/lorekeeper/internal/fault"
	"github.com/tabletoplore/lorekeeper/internal/queue"
	"github.com/tabletoplore/lorekeeper/internal/repository"
)

// ---- fakes ----

type fakeDocRepo struct {
	mu   sync.Mutex
	docs map[uuid.UUID]*repository.Document
}

func newFakeDocRepo(docs ...*repository.Document) *fakeDocRepo {
	r := &fakeDocRepo{docs: make(map[uuid.UUID]*repository.Document)}
	for _, d := range docs {
		r.docs[d.ID] = d
	}
	return r
}

func (r *fakeDocRepo) Create(_ context.Context, doc *repository.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[doc.ID] = doc
	return nil
}

func (r *fakeDocRepo) GetByID(_ context.Context, id uuid.UUID) (*repository.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *doc
	return &copied, nil
}

func (r *fakeDocRepo) List(context.Context, uuid.UUID, string, int, int) ([]*repository.Document, int, error) {
	return nil, 0, nil
}

func (r *fakeDocRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, id)
	return nil
}

func (r *fakeDocRepo) MarkProcessing(_ context.Context, id uuid.UUID) error {
	return r.setStatus(id, repository.DocStatusProcessing, nil, nil)
}

func (r *fakeDocRepo) MarkReady(_ context.Context, id uuid.UUID, chunkCount int) error {
	return r.setStatus(id, repository.DocStatusReady, nil, &chunkCount)
}

func (r *fakeDocRepo) MarkFailed(_ context.Context, id uuid.UUID, message string) error {
	return r.setStatus(id, repository.DocStatusFailed, &message, nil)
}

func (r *fakeDocRepo) setStatus(id uuid.UUID, status string, message *string, chunkCount *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return repository.ErrNotFound
	}
	doc.Status = status
	doc.ProcessingError = message
	doc.ChunkCount = chunkCount
	return nil
}

type fakeChunkRepo struct {
	mu          sync.Mutex
	chunks      map[uuid.UUID][]*repository.Chunk
	deleteCalls int
	insertErr   error
}

func newFakeChunkRepo() *fakeChunkRepo {
	return &fakeChunkRepo{chunks: make(map[uuid.UUID][]*repository.Chunk)}
}

func (r *fakeChunkRepo) InsertForDocument(_ context.Context, documentID uuid.UUID, chunks []*repository.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	r.chunks[documentID] = chunks
	return nil
}

func (r *fakeChunkRepo) DeleteByDocument(_ context.Context, documentID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteCalls++
	delete(r.chunks, documentID)
	return nil
}

func (r *fakeChunkRepo) CountByDocument(_ context.Context, documentID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks[documentID]), nil
}

func (r *fakeChunkRepo) FetchNeighbors(context.Context, []repository.ChunkRef) ([]*repository.Chunk, error) {
	return nil, nil
}

func (r *fakeChunkRepo) SearchByVector(context.Context, []float32, uuid.UUID, repository.SearchFilter) ([]repository.VectorHit, error) {
	return nil, nil
}

func (r *fakeChunkRepo) SearchByKeyword(context.Context, string, string, uuid.UUID, repository.SearchFilter) ([]repository.KeywordHit, error) {
	return nil, nil
}

func (r *fakeChunkRepo) stored(documentID uuid.UUID) []*repository.Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chunks[documentID]
}

type fakeBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: make(map[string][]byte)}
}

func (s *fakeBlobStore) Put(_ context.Context, key string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = data
	return nil
}

func (s *fakeBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, fault.New(fault.NotFound, "object %s not found", key)
	}
	return data, nil
}

func (s *fakeBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

func (s *fakeBlobStore) SignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://signed.example/" + key, nil
}

type fakeEmbedder struct {
	dimension int
	err       error
	calls     int
}

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	vectors := make([][]float32, len(texts))
	for i := range vectors {
		vectors[i] = make([]float32, e.dimension)
	}
	return vectors, nil
}

func (e *fakeEmbedder) Dimension() int    { return e.dimension }
func (e *fakeEmbedder) ModelName() string { return "fake" }

type fakeExtractor struct {
	result *extract.Result
	err    error
}

func (f *fakeExtractor) Extract(context.Context, string, []byte) (*extract.Result, error) {
	return f.result, f.err
}

// realTextExtractor routes plain text and Markdown through the real
// extractors, matching production wiring for text formats.
type realTextExtractor struct{}

func (realTextExtractor) Extract(ctx context.Context, mimeType string, data []byte) (*extract.Result, error) {
	switch mimeType {
	case extract.MimeMarkdown:
		return extract.NewMarkdownExtractor().Extract(ctx, data, mimeType)
	default:
		return extract.NewPlainTextExtractor().Extract(ctx, data, mimeType)
	}
}

// noopJobRepo satisfies repository.JobRepository for building JobContexts.
type noopJobRepo struct {
	mu       sync.Mutex
	progress []repository.JobProgress
}

func (n *noopJobRepo) Insert(context.Context, *repository.Job) error        { return nil }
func (n *noopJobRepo) InsertMany(context.Context, []*repository.Job) error  { return nil }
func (n *noopJobRepo) GetByID(context.Context, string) (*repository.Job, error) {
	return nil, repository.ErrNotFound
}
func (n *noopJobRepo) Delete(context.Context, string) error { return nil }
func (n *noopJobRepo) ClaimNext(context.Context, string, time.Duration) (*repository.Job, error) {
	return nil, repository.ErrNotFound
}
func (n *noopJobRepo) Heartbeat(context.Context, string, time.Duration) error { return nil }
func (n *noopJobRepo) UpdateProgress(_ context.Context, _ string, p repository.JobProgress) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, p)
	return nil
}
func (n *noopJobRepo) MarkCompleted(context.Context, string) error           { return nil }
func (n *noopJobRepo) MarkFailed(context.Context, string, string) error      { return nil }
func (n *noopJobRepo) Reschedule(context.Context, string, time.Time, string) error { return nil }
func (n *noopJobRepo) ReclaimStalled(context.Context, string) (int, int, error) {
	return 0, 0, nil
}
func (n *noopJobRepo) Counts(context.Context, string) (repository.JobCounts, error) {
	return repository.JobCounts{}, nil
}
func (n *noopJobRepo) Clean(context.Context, string, time.Duration, int, string) (int, error) {
	return 0, nil
}
func (n *noopJobRepo) TrimHistory(context.Context, string, string, int) error { return nil }

// ---- helpers ----

type pipelineEnv struct {
	docs     *fakeDocRepo
	chunks   *fakeChunkRepo
	blobs    *fakeBlobStore
	embedder *fakeEmbedder
	doc      *repository.Document
	payload  JobPayload
}

func newPipelineEnv(t *testing.T, mimeType string, content []byte) *pipelineEnv {
	t.Helper()
	docID := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	campaignID := uuid.MustParse("00000000-0000-0000-0000-0000000000c1")
	key := "campaigns/" + campaignID.String() + "/documents/" + docID.String()

	doc := &repository.Document{
		ID:             docID,
		CampaignID:     campaignID,
		Name:           "test",
		Filename:       "test.txt",
		MimeType:       mimeType,
		SizeBytes:      int64(len(content)),
		StorageKey:     key,
		Classification: repository.ClassNotes,
		Status:         repository.DocStatusPending,
	}

	blobs := newFakeBlobStore()
	if content != nil {
		if err := blobs.Put(context.Background(), key, content, mimeType); err != nil {
			t.Fatal(err)
		}
	}

	return &pipelineEnv{
		docs:     newFakeDocRepo(doc),
		chunks:   newFakeChunkRepo(),
		blobs:    blobs,
		embedder: &fakeEmbedder{dimension: 4},
		doc:      doc,
		payload: JobPayload{
			DocumentID: docID,
			CampaignID: campaignID,
			StorageKey: key,
			MimeType:   mimeType,
		},
	}
}

func (env *pipelineEnv) pipeline(extractor Extractor) *Pipeline {
	if extractor == nil {
		extractor = realTextExtractor{}
	}
	return NewPipeline(env.docs, env.chunks, env.blobs, extractor,
		NewChunker(ChunkerConfig{}), env.embedder, 20)
}

func (env *pipelineEnv) jobContext(t *testing.T, ctx context.Context) *queue.JobContext {
	t.Helper()
	data, err := json.Marshal(env.payload)
	if err != nil {
		t.Fatal(err)
	}
	job := &repository.Job{ID: env.doc.ID.String(), Queue: QueueName, Payload: data, AttemptsMade: 1, MaxAttempts: 3}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return queue.NewJobContext(ctx, job, logger, &noopJobRepo{})
}

func (env *pipelineEnv) document(t *testing.T) *repository.Document {
	t.Helper()
	doc, err := env.docs.GetByID(context.Background(), env.doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

// ---- tests ----

func TestPipelineHappyPathText(t *testing.T) {
	env := newPipelineEnv(t, extract.MimePlainText, []byte("Hello world"))
	p := env.pipeline(nil)

	if err := p.Handle(env.jobContext(t, context.Background())); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	doc := env.document(t)
	if doc.Status != repository.DocStatusReady {
		t.Fatalf("Status = %q, want ready", doc.Status)
	}
	if doc.ChunkCount == nil || *doc.ChunkCount != 1 {
		t.Errorf("ChunkCount = %v, want 1", doc.ChunkCount)
	}

	chunks := env.chunks.stored(env.doc.ID)
	if len(chunks) != 1 {
		t.Fatalf("stored %d chunks, want 1", len(chunks))
	}
	chunk := chunks[0]
	if chunk.Content != "Hello world" {
		t.Errorf("Content = %q, want %q", chunk.Content, "Hello world")
	}
	if chunk.ChunkIndex != 0 {
		t.Errorf("ChunkIndex = %d, want 0", chunk.ChunkIndex)
	}
	if chunk.TokenCount != 3 {
		t.Errorf("TokenCount = %d, want 3", chunk.TokenCount)
	}
	if len(chunk.Embedding) != 4 {
		t.Errorf("embedding dimension = %d, want 4", len(chunk.Embedding))
	}
}

func TestPipelineEmbeddingOutage(t *testing.T) {
	env := newPipelineEnv(t, extract.MimePlainText, []byte("First paragraph.\n\nSecond paragraph."))
	env.embedder.err = fault.New(fault.EmbeddingFailed, "embedding API error (status 503)")
	p := env.pipeline(nil)

	err := p.Handle(env.jobContext(t, context.Background()))
	if err == nil {
		t.Fatal("Handle() error = nil, want embedding failure")
	}
	if !fault.Is(err, fault.EmbeddingFailed) {
		t.Errorf("kind = %q, want embedding_failed", fault.KindOf(err))
	}

	doc := env.document(t)
	if doc.Status != repository.DocStatusFailed {
		t.Errorf("Status = %q, want failed", doc.Status)
	}
	if doc.ProcessingError == nil || !strings.Contains(strings.ToLower(*doc.ProcessingError), "embedding") {
		t.Errorf("ProcessingError = %v, want embedding message", doc.ProcessingError)
	}
	if len(env.chunks.stored(env.doc.ID)) != 0 {
		t.Error("chunks persisted despite embedding failure")
	}
	if env.chunks.deleteCalls < 2 {
		t.Errorf("deleteCalls = %d, want idempotence delete plus cleanup", env.chunks.deleteCalls)
	}
}

func TestPipelineCancelledBeforeExtract(t *testing.T) {
	env := newPipelineEnv(t, extract.MimePlainText, []byte("Hello world"))
	p := env.pipeline(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Handle(env.jobContext(t, ctx))
	if err == nil {
		t.Fatal("Handle() error = nil, want cancelled")
	}
	if !fault.Is(err, fault.Cancelled) {
		t.Errorf("kind = %q, want cancelled", fault.KindOf(err))
	}

	doc := env.document(t)
	if doc.Status != repository.DocStatusFailed {
		t.Errorf("Status = %q, want failed", doc.Status)
	}
	if len(env.chunks.stored(env.doc.ID)) != 0 {
		t.Error("chunks persisted despite cancellation")
	}
}

func TestPipelineUnsupportedMime(t *testing.T) {
	env := newPipelineEnv(t, "application/zip", []byte("zip"))
	p := env.pipeline(nil)

	err := p.Handle(env.jobContext(t, context.Background()))
	if err == nil {
		t.Fatal("Handle() error = nil, want unsupported_mime")
	}
	if !fault.Is(err, fault.UnsupportedMIME) {
		t.Errorf("kind = %q, want unsupported_mime", fault.KindOf(err))
	}
	if env.document(t).Status != repository.DocStatusFailed {
		t.Error("document not marked failed")
	}
}

func TestPipelineMissingDocument(t *testing.T) {
	env := newPipelineEnv(t, extract.MimePlainText, []byte("Hello"))
	env.payload.DocumentID = uuid.MustParse("00000000-0000-0000-0000-00000000dead")
	p := env.pipeline(nil)

	err := p.Handle(env.jobContext(t, context.Background()))
	if err == nil {
		t.Fatal("Handle() error = nil, want not_found")
	}
	if !fault.Is(err, fault.NotFound) {
		t.Errorf("kind = %q, want not_found", fault.KindOf(err))
	}
}

func TestPipelineRetryReplacesChunks(t *testing.T) {
	env := newPipelineEnv(t, extract.MimePlainText, []byte("Hello world"))
	env.chunks.chunks[env.doc.ID] = []*repository.Chunk{{ID: uuid.New(), DocumentID: env.doc.ID}}
	p := env.pipeline(nil)

	if err := p.Handle(env.jobContext(t, context.Background())); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if env.chunks.deleteCalls == 0 {
		t.Error("existing chunks were not deleted before reprocessing")
	}
	chunks := env.chunks.stored(env.doc.ID)
	if len(chunks) != 1 || chunks[0].Content != "Hello world" {
		t.Errorf("stored chunks = %d, want exactly the fresh chunk", len(chunks))
	}
}

func TestPipelineScannedDocumentFinalizesEmpty(t *testing.T) {
	env := newPipelineEnv(t, extract.MimePDF, []byte("%PDF"))
	extractor := &fakeExtractor{result: &extract.Result{
		Content: "  \n \n  ",
		Pages: []extract.Page{
			{Number: 1, Content: "  ", StartOffset: 0, EndOffset: 2},
			{Number: 2, Content: " ", StartOffset: 4, EndOffset: 5},
		},
		HasExtractedText: false,
	}}
	p := env.pipeline(extractor)

	if err := p.Handle(env.jobContext(t, context.Background())); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	doc := env.document(t)
	if doc.Status != repository.DocStatusReady {
		t.Fatalf("Status = %q, want ready", doc.Status)
	}
	if doc.ChunkCount == nil || *doc.ChunkCount != 0 {
		t.Errorf("ChunkCount = %v, want 0", doc.ChunkCount)
	}
	if env.embedder.calls != 0 {
		t.Errorf("embedder called %d times, want 0", env.embedder.calls)
	}
}

func TestPipelineMarkdownCarriesSections(t *testing.T) {
	env := newPipelineEnv(t, extract.MimeMarkdown, []byte("# Bestiary\nThe wyvern nests in cliffs."))
	env.doc.MimeType = extract.MimeMarkdown
	p := env.pipeline(nil)

	if err := p.Handle(env.jobContext(t, context.Background())); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	chunks := env.chunks.stored(env.doc.ID)
	if len(chunks) != 1 {
		t.Fatalf("stored %d chunks, want 1", len(chunks))
	}
	if chunks[0].SectionLabel == nil || *chunks[0].SectionLabel != "Bestiary" {
		t.Errorf("SectionLabel = %v, want Bestiary", chunks[0].SectionLabel)
	}
}
