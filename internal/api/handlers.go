// Package api exposes the research service over HTTP and MCP.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/scribo/internal/failover"
	"github.com/kalambet/scribo/internal/knowledge"
	"github.com/kalambet/scribo/internal/orchestrator"
	"github.com/kalambet/scribo/internal/research"
	"github.com/kalambet/scribo/internal/storage"
)

const (
	maxRequestBodySize  = 1 << 20  // 1MB
	maxDocumentBodySize = 10 << 20 // 10MB
)

// JobService drives research jobs for the API layer.
type JobService interface {
	Submit(ctx context.Context, topic string, depth research.Depth) (string, error)
	Status(jobID string) (storage.Job, error)
}

// ChatService answers one conversational turn.
type ChatService interface {
	Respond(ctx context.Context, conversationID, message string) (string, error)
}

type policyBinder interface {
	Bind(ctx context.Context) failover.Binding
}

type AppDeps struct {
	Jobs   JobService
	Chat   ChatService // optional; if nil, /chat returns 503
	Store  *storage.Store
	Policy policyBinder
	Token  string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/research", handleSubmitResearch(deps))
		r.Get("/research/{id}", handleJobStatus(deps))
		r.Get("/reports/{id}", handleGetReport(deps))
		r.Post("/documents", handleUploadDocument(deps))
		r.Post("/chat", handleChat(deps))
		r.Get("/conversations/{id}", handleGetConversation(deps))
	})

	return r
}

func handleSubmitResearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			Topic string `json:"topic"`
			Depth string `json:"depth"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		depth, err := research.ParseDepth(req.Depth)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		jobID, err := deps.Jobs.Submit(r.Context(), req.Topic, depth)
		if errors.Is(err, orchestrator.ErrInvalidTopic) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "submitting job: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
	}
}

type jobResponse struct {
	JobID    string `json:"job_id"`
	Topic    string `json:"topic"`
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
	ReportID string `json:"report_id,omitempty"`
	Degraded struct {
		Vector  bool `json:"vector"`
		Reports bool `json:"reports"`
	} `json:"degraded"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func handleJobStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Jobs.Status(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "unknown job")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading job: %v", err)
			return
		}

		resp := jobResponse{
			JobID:     job.ID,
			Topic:     job.Topic,
			State:     string(job.State),
			Error:     job.Error,
			ReportID:  job.ReportID,
			CreatedAt: job.CreatedAt,
			UpdatedAt: job.UpdatedAt,
		}
		resp.Degraded.Vector = job.DegradedVector
		resp.Degraded.Reports = job.DegradedReports
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleGetReport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		report, err := fetchReport(r.Context(), deps, id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "unknown report")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading report: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"report_id":  report.ID,
			"job_id":     report.JobID,
			"topic":      report.Topic,
			"content":    report.Content,
			"review":     report.Review,
			"sources":    report.Sources,
			"created_at": report.CreatedAt,
		})
	}
}

// fetchReport reads from the currently bound report store, falling back
// to the local store so reports written during an outage stay readable.
func fetchReport(ctx context.Context, deps AppDeps, id string) (storage.Report, error) {
	binding := deps.Policy.Bind(ctx)
	report, err := binding.Reports.GetReport(ctx, id)
	if err == nil {
		return report, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return deps.Store.GetReport(ctx, id)
	}
	return storage.Report{}, err
}

func handleUploadDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxDocumentBodySize)
		defer r.Body.Close()

		var req struct {
			Title    string `json:"title"`
			Content  string `json:"content"`
			MimeType string `json:"mime_type"`
			Source   string `json:"source"`
			Encoding string `json:"encoding"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}
		if req.MimeType == "" {
			req.MimeType = "text/plain"
		}

		content := []byte(req.Content)
		if req.Encoding == "base64" {
			decoded, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			content = decoded
		}

		doc := storage.Document{
			ID:       uuid.NewString(),
			Title:    req.Title,
			Content:  content,
			MimeType: req.MimeType,
			Source:   req.Source,
		}
		if err := deps.Store.SaveDocument(doc); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving document: %v", err)
			return
		}

		payload, err := json.Marshal(map[string]string{"document_id": doc.ID})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "marshalling payload: %v", err)
			return
		}
		ingest := storage.IngestJob{
			ID:          uuid.NewString(),
			Type:        knowledge.TypeIndexDocument,
			PayloadJSON: string(payload),
		}
		if err := deps.Store.EnqueueIngestJob(ingest); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saved document but failed to queue indexing: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"document_id": doc.ID})
	}
}

func handleChat(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Chat == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "chat is not configured")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req struct {
			ConversationID string `json:"conversation_id"`
			Message        string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Message == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message is required")
			return
		}
		if req.ConversationID == "" {
			req.ConversationID = uuid.NewString()
		}

		reply, err := deps.Chat.Respond(r.Context(), req.ConversationID, req.Message)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "generating reply: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"conversation_id": req.ConversationID,
			"reply":           reply,
		})
	}
}

func handleGetConversation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		msgs, err := deps.Store.GetConversation(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "unknown conversation")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading conversation: %v", err)
			return
		}

		type turn struct {
			Role      string    `json:"role"`
			Content   string    `json:"content"`
			CreatedAt time.Time `json:"created_at"`
		}
		out := make([]turn, len(msgs))
		for i, m := range msgs {
			out[i] = turn{Role: m.Role, Content: m.Content, CreatedAt: m.CreatedAt}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"conversation_id": id,
			"messages":        out,
		})
	}
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"status": "ok"}
		if deps.Policy != nil {
			binding := deps.Policy.Bind(r.Context())
			resp["degraded"] = map[string]bool{
				"vector":  binding.VectorDegraded,
				"reports": binding.ReportsDegraded,
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
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
