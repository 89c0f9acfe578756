// Copyright 2026 Tidewell
// SPDX-License-Identifier: Apache-2.0

package tidesync

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// HTTPSyncHandlers provides the HTTP surface of the sync endpoint.
type HTTPSyncHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers.
func NewHTTPSyncHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// RegisterRoutes mounts the sync routes on a mux.
func (h *HTTPSyncHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/sync/push", h.HandlePush)
	mux.HandleFunc("/sync/batch", h.HandleBatch)
	mux.HandleFunc("/healthz", h.HandleHealth)
}

// HandlePush processes a single-mutation push.
func (h *HTTPSyncHandlers) HandlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeEnvelope(w, http.StatusMethodNotAllowed, &Envelope{Code: CodeValidation, Message: "only POST is allowed"})
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeEnvelope(w, http.StatusUnauthorized, &Envelope{Code: CodeUnauthorized, Message: err.Error()})
		return
	}

	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeEnvelope(w, http.StatusBadRequest, &Envelope{Code: CodeValidation, Message: "failed to parse push request"})
		return
	}

	response, err := h.service.ProcessPush(r.Context(), userID, &req)
	if err != nil {
		h.logger.Error("Failed to process push", "error", err, "user_id", userID, "action", req.Action)
		h.writeEnvelope(w, http.StatusInternalServerError, &Envelope{Code: CodeInternal, Message: "failed to process push"})
		return
	}

	h.writeEnvelope(w, http.StatusOK, response)
}

// HandleBatch processes a batch push with independent per-item results.
func (h *HTTPSyncHandlers) HandleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeEnvelope(w, http.StatusMethodNotAllowed, &Envelope{Code: CodeValidation, Message: "only POST is allowed"})
		return
	}

	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeEnvelope(w, http.StatusUnauthorized, &Envelope{Code: CodeUnauthorized, Message: err.Error()})
		return
	}

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeEnvelope(w, http.StatusBadRequest, &Envelope{Code: CodeValidation, Message: "failed to parse batch request"})
		return
	}

	response, err := h.service.ProcessBatch(r.Context(), userID, &req)
	if err != nil {
		h.logger.Error("Failed to process batch", "error", err, "user_id", userID, "items", len(req.Items))
		h.writeEnvelope(w, http.StatusInternalServerError, &Envelope{Code: CodeInternal, Message: "failed to process batch"})
		return
	}

	h.writeEnvelope(w, http.StatusOK, response)
}

// HandleHealth reports service liveness. Also serves as the round-trip
// target for client quality probes, so it must stay cheap.
func (h *HTTPSyncHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", Version: "v1"}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode health response", "error", err)
	}
}

// writeEnvelope writes an envelope with the given HTTP status.
func (h *HTTPSyncHandlers) writeEnvelope(w http.ResponseWriter, statusCode int, env *Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		h.logger.Error("Failed to encode response envelope", "error", err)
	}
}
