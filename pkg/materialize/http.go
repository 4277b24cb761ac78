package materialize

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/pdpj/materializer/pkg/common/logger"
	"github.com/pdpj/materializer/pkg/webhook"
)

// Handler serves the ingress endpoints: admitting materialization requests
// and projecting their status.
type Handler struct {
	scheduler  *Scheduler
	projection *Projection
	dispatcher *webhook.Dispatcher
	production bool
}

func NewHandler(scheduler *Scheduler, projection *Projection, dispatcher *webhook.Dispatcher, production bool) *Handler {
	return &Handler{scheduler: scheduler, projection: projection, dispatcher: dispatcher, production: production}
}

// Register wires every endpoint this handler serves onto router.
func (h *Handler) Register(router *mux.Router) {
	router.HandleFunc("/processes/{processNumber}", h.materialize).Methods(http.MethodGet)
	router.HandleFunc("/processes/{processNumber}/status", h.status).Methods(http.MethodGet)
	router.HandleFunc("/webhooks/validate", h.validateWebhook).Methods(http.MethodPost)
	router.HandleFunc("/webhooks/test-connectivity", h.testConnectivity).Methods(http.MethodPost)
}

type materializeResponse struct {
	JobID          string         `json:"jobId,omitempty"`
	Decision       string         `json:"decision"`
	ProcessSummary ProcessSummary `json:"processSummary"`
}

func (h *Handler) materialize(w http.ResponseWriter, r *http.Request) {
	processNumber := mux.Vars(r)["processNumber"]
	query := r.URL.Query()

	webhookURL := query.Get("webhookUrl")
	if webhookURL != "" {
		if err := ValidateWebhookURL(webhookURL, h.production); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	autoDownload := true
	if raw := query.Get("autoDownload"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "autoDownload must be a boolean")
			return
		}
		autoDownload = parsed
	}

	result, err := h.scheduler.Schedule(r.Context(), processNumber, webhookURL, autoDownload)
	if err != nil {
		if errors.Is(err, ErrUpstreamUnavailable) {
			logger.Log.WithError(err).WithField("process_ref", processNumber).Warn("upstream metadata unavailable")
			writeError(w, http.StatusBadGateway, "upstream metadata unavailable")
			return
		}
		logger.Log.WithError(err).WithField("process_ref", processNumber).Error("scheduling failed")
		writeError(w, http.StatusInternalServerError, "failed to schedule materialization")
		return
	}

	resp := materializeResponse{Decision: string(result.Outcome), ProcessSummary: result.ProcessSummary}
	if result.Job != nil {
		resp.JobID = result.Job.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	processNumber := mux.Vars(r)["processNumber"]

	view, err := h.projection.ProcessStatus(r.Context(), processNumber)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "process not found")
			return
		}
		logger.Log.WithError(err).WithField("process_ref", processNumber).Error("projection failed")
		writeError(w, http.StatusInternalServerError, "failed to assemble status")
		return
	}

	writeJSON(w, http.StatusOK, view)
}

type validateWebhookRequest struct {
	WebhookURL string `json:"webhookUrl"`
}

type validateWebhookResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func (h *Handler) validateWebhook(w http.ResponseWriter, r *http.Request) {
	var req validateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if err := ValidateWebhookURL(req.WebhookURL, h.production); err != nil {
		writeJSON(w, http.StatusOK, validateWebhookResponse{Valid: false, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, validateWebhookResponse{Valid: true})
}

type testConnectivityRequest struct {
	WebhookURL string `json:"webhookUrl"`
}

type testConnectivityResponse struct {
	Reachable      bool   `json:"reachable"`
	StatusCode     int    `json:"statusCode,omitempty"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
	Error          string `json:"error,omitempty"`
}

func (h *Handler) testConnectivity(w http.ResponseWriter, r *http.Request) {
	var req testConnectivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if err := ValidateWebhookURL(req.WebhookURL, h.production); err != nil {
		writeJSON(w, http.StatusOK, testConnectivityResponse{Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	result := h.dispatcher.TestConnectivity(ctx, req.WebhookURL)
	writeJSON(w, http.StatusOK, testConnectivityResponse{
		Reachable:      result.Reachable,
		StatusCode:     result.StatusCode,
		ResponseTimeMs: result.ResponseTimeMs,
		Error:          result.Error,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Log.WithError(err).Error("failed to encode response")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
