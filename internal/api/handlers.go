// Package api exposes the store over HTTP and MCP. All mutating and reading
// endpoints sit behind bearer auth; only the health probe is open.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kohlhas/recollect/internal/embedder"
	"github.com/kohlhas/recollect/internal/ingest"
	"github.com/kohlhas/recollect/internal/query"
	"github.com/kohlhas/recollect/internal/search"
	"github.com/kohlhas/recollect/internal/sqlguard"
	"github.com/kohlhas/recollect/internal/storage"
)

const maxIngestBodySize = 10 << 20 // 10MB
const maxRequestBodySize = 1 << 20 // 1MB

// AppDeps holds everything the HTTP and MCP surfaces need.
type AppDeps struct {
	Store    *storage.Store
	Ingestor *ingest.Service
	Executor *query.Executor
	Search   *search.Engine
	Embedder embedder.Embedder // optional; search and auto-embed degrade without it
	Token    string
	// AutoEmbed queues an embedding job after each successful ingest.
	AutoEmbed bool
}

// NewAppHandler returns the HTTP API. GET /health needs no token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/transcriptions", handleIngest(deps))
		r.Get("/conversations", handleListConversations(deps))
		r.Get("/conversations/{id}", handleGetConversation(deps))
		r.Delete("/conversations/{id}", handleDeleteConversation(deps))
		r.Post("/query", handleQuery(deps))
		r.Post("/query/sql", handleSQL(deps))
		r.Post("/search", handleSearch(deps))
		r.Post("/embed", handleEmbed(deps))
		r.Get("/stats", handleStats(deps))
		r.Post("/backup", handleBackup(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleIngest(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxIngestBodySize)
		defer r.Body.Close()

		payload, err := ingest.DecodePayload(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		conv, segments, err := deps.Ingestor.Ingest(r.Context(), payload)
		if err != nil {
			writeError(w, err)
			return
		}

		status := "stored"
		if deps.AutoEmbed && deps.Embedder != nil {
			if err := enqueueEmbed(r.Context(), deps.Store, conv.ID); err != nil {
				slog.Warn("stored conversation but failed to queue embedding",
					"conversation_id", conv.ID, "error", err)
			} else {
				status = "queued"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"id":         conv.ID,
			"session_id": conv.SessionID,
			"segments":   segments,
			"status":     status,
		})
	}
}

// conversationSummary is the list-view shape.
type conversationSummary struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	CreatedAt    string `json:"created_at"`
	SessionID    string `json:"session_id"`
	AudioSource  string `json:"audio_source"`
	Speaker      string `json:"speaker,omitempty"`
	SegmentCount int    `json:"segment_count"`
}

func summarize(c storage.Conversation) conversationSummary {
	return conversationSummary{
		ID:           c.ID,
		Title:        c.Title,
		CreatedAt:    c.CreatedAt.Format(time.RFC3339),
		SessionID:    c.SessionID,
		AudioSource:  string(c.AudioSource),
		Speaker:      c.Speaker,
		SegmentCount: c.SegmentCount,
	}
}

// enqueueEmbed queues one embedding job. An empty conversationID means a
// full backfill.
func enqueueEmbed(ctx context.Context, store *storage.Store, conversationID string) error {
	payload, err := json.Marshal(map[string]string{"conversation_id": conversationID})
	if err != nil {
		return fmt.Errorf("marshaling job payload: %w", err)
	}
	_, err = store.EnqueueJob(ctx, storage.Job{
		Type:        storage.JobEmbedConversation,
		PayloadJSON: string(payload),
	})
	return err
}

func handleListConversations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f := storage.ListFilter{
			Speaker:   r.URL.Query().Get("speaker"),
			SessionID: r.URL.Query().Get("session_id"),
			Limit:     parseIntParam(r, "limit", 20, 100),
			Offset:    parseIntParam(r, "offset", 0, 0),
		}

		convs, err := deps.Store.ListConversations(r.Context(), f)
		if err != nil {
			writeError(w, err)
			return
		}

		summaries := make([]conversationSummary, len(convs))
		for i, c := range convs {
			summaries[i] = summarize(c)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(summaries)
	}
}

// segmentView mirrors the ingestion field names so a stored conversation
// reads back in the shape it was submitted.
type segmentView struct {
	ID           string          `json:"id"`
	Seq          int             `json:"seq"`
	Text         string          `json:"text"`
	StartTime    float64         `json:"start_time"`
	EndTime      float64         `json:"end_time"`
	Confidence   float64         `json:"confidence"`
	Words        json.RawMessage `json:"words,omitempty"`
	HasEmbedding bool            `json:"has_embedding"`
}

type conversationView struct {
	conversationSummary
	Text           string        `json:"text,omitempty"`
	Language       string        `json:"language,omitempty"`
	ModelUsed      string        `json:"model_used,omitempty"`
	ProcessingTime int64         `json:"processing_time_ms,omitempty"`
	DeviceInfo     string        `json:"device_info,omitempty"`
	SourceTool     string        `json:"source_tool,omitempty"`
	Segments       []segmentView `json:"segments"`
}

func buildConversationView(conv storage.Conversation, segments []storage.Segment) conversationView {
	view := conversationView{
		conversationSummary: summarize(conv),
		Text:                conv.Text,
		Language:            conv.Language,
		ModelUsed:           conv.ModelUsed,
		ProcessingTime:      conv.ProcessingTimeMS,
		DeviceInfo:          conv.DeviceInfo,
		SourceTool:          conv.SourceTool,
		Segments:            make([]segmentView, len(segments)),
	}
	for i, seg := range segments {
		view.Segments[i] = segmentView{
			ID:           seg.ID,
			Seq:          seg.Seq,
			Text:         seg.Text,
			StartTime:    seg.StartTime,
			EndTime:      seg.EndTime,
			Confidence:   seg.Confidence,
			HasEmbedding: len(seg.Embedding) > 0,
		}
		if seg.WordsJSON != "" {
			view.Segments[i].Words = json.RawMessage(seg.WordsJSON)
		}
	}
	return view
}

func handleGetConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		conv, segments, err := deps.Store.ReadConversation(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(buildConversationView(conv, segments))
	}
}

func handleDeleteConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "api"
		}

		segments, err := deps.Store.DeleteConversation(r.Context(), id, reason)
		if err != nil {
			writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "deleted",
			"id":       id,
			"segments": segments,
		})
	}
}

type queryRequest struct {
	Question string `json:"question,omitempty"`
	query.Filter
}

func handleQuery(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		f := req.Filter
		if req.Question != "" {
			parsed, err := query.ParseQuestion(req.Question)
			if err != nil {
				writeError(w, err)
				return
			}
			f = parsed
		}
		if f.IsZero() {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question or at least one filter field is required")
			return
		}

		matches, err := deps.Executor.RunFilter(r.Context(), f)
		if err != nil {
			writeError(w, err)
			return
		}
		if matches == nil {
			matches = []query.Match{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"matches": matches,
			"count":   len(matches),
		})
	}
}

type sqlRequest struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params,omitempty"`
}

func handleSQL(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req sqlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.SQL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "sql is required")
			return
		}

		rs, err := deps.Executor.RunSQL(r.Context(), req.SQL, req.Params...)
		if err != nil {
			writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rs)
	}
}

type searchRequest struct {
	Query     string    `json:"query,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
	TopK      int       `json:"top_k,omitempty"`
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req searchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		topK := req.TopK
		if topK <= 0 {
			topK = 5
		}
		if topK > 50 {
			topK = 50
		}

		vec := req.Embedding
		if len(vec) == 0 {
			if req.Query == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "query or embedding is required")
				return
			}
			if deps.Embedder == nil {
				httpError(w, http.StatusServiceUnavailable, "api_error", "semantic search unavailable: no embedding provider configured")
				return
			}
			var err error
			vec, err = deps.Embedder.Embed(r.Context(), req.Query)
			if err != nil {
				httpError(w, http.StatusBadGateway, "api_error", "embedding query: %v", err)
				return
			}
		}

		matches, err := deps.Search.Search(r.Context(), vec, topK)
		if err != nil {
			writeError(w, err)
			return
		}
		if matches == nil {
			matches = []search.Match{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"matches": matches,
			"count":   len(matches),
		})
	}
}

type embedRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
}

// handleEmbed queues an embedding backfill. Without a conversation_id the
// job covers every stored segment that has no vector.
func handleEmbed(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req embedRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		if deps.Embedder == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "no embedding provider configured")
			return
		}

		if req.ConversationID != "" {
			if _, _, err := deps.Store.ReadConversation(r.Context(), req.ConversationID); err != nil {
				writeError(w, err)
				return
			}
		}

		if err := enqueueEmbed(r.Context(), deps.Store, req.ConversationID); err != nil {
			writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
	}
}

func handleStats(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Store.Stats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}

type backupRequest struct {
	Path string `json:"path"`
}

func handleBackup(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req backupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Path == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "path is required")
			return
		}

		info, err := deps.Store.Backup(r.Context(), req.Path)
		if err != nil {
			writeError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(info)
	}
}

// writeError maps domain errors to HTTP responses. Unknown errors become 500s
// without leaking internals beyond the error string.
func writeError(w http.ResponseWriter, err error) {
	var ingErr *storage.IngestionError
	var valErr *sqlguard.ValidationError
	var unsupErr *query.UnsupportedQueryError
	var schemaErr *storage.SchemaError

	switch {
	case errors.As(err, &ingErr):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", ingErr)
	case errors.As(err, &valErr):
		httpErrorRule(w, http.StatusBadRequest, "invalid_request_error", string(valErr.Rule), valErr.Error())
	case errors.As(err, &unsupErr):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", unsupErr)
	case errors.Is(err, search.ErrBadQuery):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, storage.ErrBusy):
		w.Header().Set("Retry-After", "1")
		httpError(w, http.StatusServiceUnavailable, "storage_busy", "%v", err)
	case errors.As(err, &schemaErr):
		httpError(w, http.StatusInternalServerError, "api_error", "%v", schemaErr)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// httpErrorRule is httpError with the violated validation rule attached so
// callers can fix the query without parsing the message.
func httpErrorRule(w http.ResponseWriter, code int, errType, rule, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
			"rule":    rule,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
