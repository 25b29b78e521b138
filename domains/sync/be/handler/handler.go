// Package handler exposes the cron-facing sync endpoints.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	platformlogging "github.com/Mythidas/mspbyte-sync/platform/go/logging"
)

// Service is the dispatch surface the handler needs.
type Service interface {
	Schedule(ctx context.Context) (int, error)
	Process(ctx context.Context, maxEstDuration int) (int, error)
}

// Handler wires the sync dispatch service to its HTTP contract.
type Handler struct {
	svc    Service
	logger *zap.Logger
}

// New constructs a Handler instance.
func New(svc Service, logger *zap.Logger) *Handler {
	if svc == nil {
		panic("sync service is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the sync routes on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/api/v1/sync/schedule", h.schedule)
	r.Post("/api/v1/sync/process", h.process)
}

type statusResponse struct {
	Status    string `json:"status"`
	Scheduled *int   `json:"scheduled,omitempty"`
	Processed *int   `json:"processed,omitempty"`
}

type errorResponse struct {
	Message string `json:"message"`
}

type processRequest struct {
	MaxEstDuration int `json:"max_est_duration"`
}

func (h *Handler) schedule(w http.ResponseWriter, r *http.Request) {
	logger := platformlogging.FromRequest(r, h.logger)

	scheduled, err := h.svc.Schedule(r.Context())
	if err != nil {
		logger.Error("schedule sync jobs", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{Status: "finished", Scheduled: &scheduled})
}

func (h *Handler) process(w http.ResponseWriter, r *http.Request) {
	logger := platformlogging.FromRequest(r, h.logger)

	// The body is optional; an empty or absent body means the default budget.
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid request body"})
		return
	}

	processed, err := h.svc.Process(r.Context(), req.MaxEstDuration)
	if err != nil {
		logger.Error("process sync jobs", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Message: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{Status: "finished", Processed: &processed})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
