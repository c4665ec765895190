package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tabletoplore/lorekeeper/internal/fault"
	"github.com/tabletoplore/lorekeeper/internal/generator"
	"github.com/tabletoplore/lorekeeper/internal/queue"
	"github.com/tabletoplore/lorekeeper/internal/repository"
	"github.com/tabletoplore/lorekeeper/internal/search"
	"github.com/tabletoplore/lorekeeper/internal/service"
)

// Handlers binds the service layer to HTTP endpoints.
type Handlers struct {
	documents *service.DocumentService
	search    *service.SearchService
	generator *generator.Generator
	jobs      *queue.Queue
	logger    *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(
	documents *service.DocumentService,
	searchSvc *service.SearchService,
	gen *generator.Generator,
	jobs *queue.Queue,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		documents: documents,
		search:    searchSvc,
		generator: gen,
		jobs:      jobs,
		logger:    logger,
	}
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type documentResponse struct {
	ID              uuid.UUID `json:"id"`
	CampaignID      uuid.UUID `json:"campaignId"`
	Name            string    `json:"name"`
	Filename        string    `json:"filename"`
	MimeType        string    `json:"mimeType"`
	SizeBytes       int64     `json:"sizeBytes"`
	Classification  string    `json:"classification"`
	Tags            []string  `json:"tags"`
	Status          string    `json:"status"`
	ProcessingError *string   `json:"processingError,omitempty"`
	ChunkCount      *int      `json:"chunkCount,omitempty"`
	CreatedAt       string    `json:"createdAt"`
	UpdatedAt       string    `json:"updatedAt"`
}

func toDocumentResponse(doc *repository.Document) documentResponse {
	return documentResponse{
		ID:              doc.ID,
		CampaignID:      doc.CampaignID,
		Name:            doc.Name,
		Filename:        doc.Filename,
		MimeType:        doc.MimeType,
		SizeBytes:       doc.SizeBytes,
		Classification:  doc.Classification,
		Tags:            doc.Tags,
		Status:          doc.Status,
		ProcessingError: doc.ProcessingError,
		ChunkCount:      doc.ChunkCount,
		CreatedAt:       doc.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       doc.UpdatedAt.Format(time.RFC3339),
	}
}

// UploadDocument accepts a multipart upload and enqueues indexing.
func (h *Handlers) UploadDocument(w http.ResponseWriter, r *http.Request) {
	campaignID, err := pathUUID(r, "campaignID")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if err := r.ParseMultipartForm(service.MaxUploadBytes); err != nil {
		writeError(w, h.logger, fault.Wrap(fault.ValidationError, err, "invalid multipart form"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, h.logger, fault.Wrap(fault.ValidationError, err, "file part is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, h.logger, fault.Wrap(fault.ValidationError, err, "failed to read upload"))
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(filepath.Ext(header.Filename)); byExt != "" {
			mimeType = byExt
		}
	}
	if parsed, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = parsed
	}

	doc, err := h.documents.Upload(r.Context(), service.UploadInput{
		CampaignID:     campaignID,
		Name:           r.FormValue("name"),
		Filename:       header.Filename,
		MimeType:       mimeType,
		Classification: r.FormValue("classification"),
		Tags:           splitCSV(r.FormValue("tags")),
		Data:           data,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toDocumentResponse(doc))
}

// ListDocuments returns a campaign's documents.
func (h *Handlers) ListDocuments(w http.ResponseWriter, r *http.Request) {
	campaignID, err := pathUUID(r, "campaignID")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	docs, total, err := h.documents.List(r.Context(), campaignID, r.URL.Query().Get("status"), limit, offset)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	out := make([]documentResponse, len(docs))
	for i, doc := range docs {
		out[i] = toDocumentResponse(doc)
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": out, "total": total})
}

// GetDocument returns one document.
func (h *Handlers) GetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "documentID")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	doc, err := h.documents.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentResponse(doc))
}

// DeleteDocument removes a document and its derived data.
func (h *Handlers) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "documentID")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.documents.Delete(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReindexDocument re-enqueues the indexing job.
func (h *Handlers) ReindexDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "documentID")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.documents.Reindex(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": id.String()})
}

// DownloadDocument returns a signed URL for the raw upload.
func (h *Handlers) DownloadDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "documentID")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	url, err := h.documents.DownloadURL(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// Search runs a hybrid query over the campaign.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	campaignID, err := pathUUID(r, "campaignID")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	q := r.URL.Query()

	opts := search.Options{
		Limit:           queryInt(r, "limit", 0),
		VectorWeight:    queryFloat(r, "vectorWeight"),
		KeywordWeight:   queryFloat(r, "keywordWeight"),
		Classifications: splitCSV(q.Get("classifications")),
		Fusion:          search.Fusion(q.Get("fusion")),
	}
	for _, raw := range splitCSV(q.Get("documentIds")) {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, h.logger, fault.New(fault.ValidationError, "invalid document id %q", raw))
			return
		}
		opts.DocumentIDs = append(opts.DocumentIDs, id)
	}

	results, err := h.search.Search(r.Context(), campaignID, q.Get("q"), opts)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if results == nil {
		results = []search.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// GenerateHooks produces adventure hooks grounded in campaign material.
func (h *Handlers) GenerateHooks(w http.ResponseWriter, r *http.Request) {
	campaignID, err := pathUUID(r, "campaignID")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req generator.HookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, fault.Wrap(fault.ValidationError, err, "invalid request body"))
		return
	}
	req.CampaignID = campaignID

	result, err := h.generator.GenerateHooks(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GenerateNPCs produces NPCs grounded in campaign material.
func (h *Handlers) GenerateNPCs(w http.ResponseWriter, r *http.Request) {
	campaignID, err := pathUUID(r, "campaignID")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req generator.NPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, fault.Wrap(fault.ValidationError, err, "invalid request body"))
		return
	}
	req.CampaignID = campaignID

	result, err := h.generator.GenerateNPCs(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type jobResponse struct {
	ID           string                 `json:"id"`
	State        string                 `json:"state"`
	Progress     repository.JobProgress `json:"progress"`
	AttemptsMade int                    `json:"attemptsMade"`
	MaxAttempts  int                    `json:"maxAttempts"`
	LastError    string                 `json:"lastError,omitempty"`
}

// GetJob reports the state and progress of one job.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			err = fault.Wrap(fault.NotFound, err, "job not found")
		}
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{
		ID:           job.ID,
		State:        job.State,
		Progress:     job.Progress,
		AttemptsMade: job.AttemptsMade,
		MaxAttempts:  job.MaxAttempts,
		LastError:    job.LastError,
	})
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, fault.New(fault.ValidationError, "invalid %s", name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func queryFloat(r *http.Request, name string) float64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return f
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps fault kinds to HTTP status codes.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := fault.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case fault.NotFound:
		status = http.StatusNotFound
	case fault.ValidationError, fault.EmptyContent:
		status = http.StatusBadRequest
	case fault.UnsupportedMIME:
		status = http.StatusUnsupportedMediaType
	case fault.EmbeddingFailed, fault.ParseError:
		status = http.StatusBadGateway
	case fault.Timeout, fault.Cancelled:
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "error", err, "kind", kind)
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}
