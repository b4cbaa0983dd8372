package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/schema"

	"polysync/internal/migration"
	"polysync/internal/pubsub"
	"polysync/internal/storage/polyglot"
	"polysync/internal/syncqueue"
	"polysync/pkg/model"
)

// APIError is the structured error response body.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeDisabled      = "DISABLED"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// Handler implements the admin endpoints.
type Handler struct {
	repo    *polyglot.Repository
	phases  *migration.Controller
	queue   syncqueue.Queue
	events  pubsub.Subscriber
	logger  *slog.Logger
	decoder *schema.Decoder
}

// NewHandler creates the endpoint handler.
func NewHandler(
	repo *polyglot.Repository,
	phases *migration.Controller,
	queue syncqueue.Queue,
	events pubsub.Subscriber,
	logger *slog.Logger,
) *Handler {
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)

	return &Handler{
		repo:    repo,
		phases:  phases,
		queue:   queue,
		events:  events,
		logger:  logger,
		decoder: decoder,
	}
}

// Routes builds the route table.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/phase", h.handleGetPhase)
	mux.HandleFunc("POST /admin/phase", h.handleSetPhase)
	mux.HandleFunc("GET /admin/deadletters", h.handleListDeadLetters)
	mux.HandleFunc("POST /admin/deadletters/retry", h.handleRetryDeadLetter)
	mux.HandleFunc("POST /admin/consistency/check", h.handleConsistencyCheck)
	mux.HandleFunc("GET /admin/health", h.handleHealth)
	mux.HandleFunc("GET /admin/events", h.handleEvents)
	return mux
}

type phaseResponse struct {
	Phase   string                  `json:"phase"`
	History []migration.AuditRecord `json:"history"`
}

func (h *Handler) handleGetPhase(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, phaseResponse{
		Phase:   h.phases.Current().String(),
		History: h.phases.History(),
	})
}

type setPhaseRequest struct {
	Phase  string `schema:"phase,required"`
	Actor  string `schema:"actor"`
	Reason string `schema:"reason"`
}

func (h *Handler) handleSetPhase(w http.ResponseWriter, r *http.Request) {
	var req setPhaseRequest
	if err := h.decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request parameters")
		return
	}

	phase, err := migration.ParsePhase(req.Phase)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = "admin-api"
	}

	if err := h.phases.SetPhase(r.Context(), phase, actor, req.Reason); err != nil {
		h.logger.Error("failed to set phase", "phase", req.Phase, "error", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to set phase")
		return
	}

	writeJSON(w, http.StatusOK, phaseResponse{
		Phase:   h.phases.Current().String(),
		History: h.phases.History(),
	})
}

type deadLettersResponse struct {
	Items []*syncqueue.Item `json:"items"`
	Count int               `json:"count"`
}

func (h *Handler) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.DeadLetters(r.Context())
	if err != nil {
		h.logger.Error("failed to list dead letters", "error", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to list dead letters")
		return
	}
	if items == nil {
		items = []*syncqueue.Item{}
	}
	writeJSON(w, http.StatusOK, deadLettersResponse{Items: items, Count: len(items)})
}

type retryRequest struct {
	ID string `schema:"id,required"`
}

func (h *Handler) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := h.decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request parameters")
		return
	}

	if err := h.queue.Requeue(r.Context(), req.ID); err != nil {
		if errors.Is(err, model.ErrItemNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "No dead-lettered item with that id")
			return
		}
		h.logger.Error("failed to requeue item", "itemId", req.ID, "error", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to requeue item")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued", "id": req.ID})
}

type consistencyCheckRequest struct {
	EntityType string `schema:"entity_type,required"`
	ID         string `schema:"id,required"`
}

func (h *Handler) handleConsistencyCheck(w http.ResponseWriter, r *http.Request) {
	var req consistencyCheckRequest
	if err := h.decodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request parameters")
		return
	}

	result, err := h.repo.ValidateConsistency(r.Context(), req.EntityType, req.ID)
	if err != nil {
		if errors.Is(err, model.ErrValidationDisabled) {
			writeError(w, http.StatusConflict, ErrCodeDisabled, "Consistency validation is disabled")
			return
		}
		h.logger.Error("consistency check failed",
			"entityType", req.EntityType, "id", req.ID, "error", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "Consistency check failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type healthResponse struct {
	Primary   bool            `json:"primary"`
	Secondary bool            `json:"secondary"`
	Phase     string          `json:"phase"`
	Queue     syncqueue.Stats `json:"queue"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Primary:   h.repo.IsPrimaryHealthy(r.Context()),
		Secondary: h.repo.IsSecondaryHealthy(r.Context()),
		Phase:     h.phases.Current().String(),
	}
	if stats, err := h.queue.Depth(r.Context()); err == nil {
		resp.Queue = stats
	}

	status := http.StatusOK
	if !resp.Primary || !resp.Secondary {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// decodeRequest decodes query parameters and, for form posts, the body.
func (h *Handler) decodeRequest(r *http.Request, dst any) error {
	values := url.Values{}
	for k, v := range r.URL.Query() {
		values[k] = v
	}
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			for k, v := range r.PostForm {
				values[k] = v
			}
		}
	}
	return h.decoder.Decode(dst, values)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{Code: code, Message: message}); err != nil {
		slog.Warn("failed to encode error response", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("failed to encode JSON response", "error", err)
	}
}
