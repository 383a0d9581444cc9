// Copyright 2025 Millbook Authors
// SPDX-License-Identifier: Apache-2.0

package millserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/openmill/millbook/internal/auth"
	"github.com/openmill/millbook/millsync"
)

// RecordsEnvelope wraps a JSON record list (shared wire shape with the
// millsync HTTP gateway).
type RecordsEnvelope struct {
	Records []json.RawMessage `json:"records"`
}

// ErrorResponse is the structured failure body. A version conflict carries
// the current server record so the client can queue a conflict directly.
type ErrorResponse struct {
	Error        string          `json:"error"`
	Message      string          `json:"message,omitempty"`
	ServerRecord json.RawMessage `json:"server_record,omitempty"`
}

// HTTPHandlers exposes the record store over the JSON API consumed by
// millsync.HTTPGateway.
type HTTPHandlers struct {
	service       *Service
	authenticator OwnerAuthenticator
	logger        *slog.Logger
}

// NewHTTPHandlers creates the handler set.
func NewHTTPHandlers(service *Service, authenticator OwnerAuthenticator, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{service: service, authenticator: authenticator, logger: logger}
}

// Register installs the API routes on mux.
func (h *HTTPHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/{kind}", h.handleList)
	mux.HandleFunc("POST /api/{kind}", h.handleInsert)
	mux.HandleFunc("POST /api/{kind}/batch", h.handleInsertMany)
	mux.HandleFunc("PUT /api/{kind}/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /api/{kind}/{id}", h.handleDelete)
	mux.HandleFunc("DELETE /api/{kind}", h.handleDeleteAll)
}

// authenticate resolves the owner and stashes identity in the request
// context. Writes the error response itself on failure.
func (h *HTTPHandlers) authenticate(w http.ResponseWriter, r *http.Request) (string, *http.Request, bool) {
	ownerID, err := h.authenticator.GetOwnerID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error(), nil)
		return "", r, false
	}
	ctx := auth.SetOwnerID(r.Context(), ownerID)
	if deviceID, err := h.authenticator.GetDeviceID(r); err == nil {
		ctx = auth.SetDeviceID(ctx, deviceID)
	}
	return ownerID, r.WithContext(ctx), true
}

func (h *HTTPHandlers) kindFromPath(w http.ResponseWriter, r *http.Request) (millsync.Kind, bool) {
	kind := millsync.Kind(r.PathValue("kind"))
	if !kind.Valid() {
		h.writeError(w, http.StatusNotFound, "unknown_kind", "no such collection: "+r.PathValue("kind"), nil)
		return "", false
	}
	return kind, true
}

func (h *HTTPHandlers) handleList(w http.ResponseWriter, r *http.Request) {
	ownerID, r, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	kind, ok := h.kindFromPath(w, r)
	if !ok {
		return
	}
	records, err := h.service.List(r.Context(), kind, ownerID)
	if err != nil {
		h.writeServiceError(w, err, "list", kind)
		return
	}
	h.writeJSON(w, http.StatusOK, RecordsEnvelope{Records: records})
}

func (h *HTTPHandlers) handleInsert(w http.ResponseWriter, r *http.Request) {
	ownerID, r, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	kind, ok := h.kindFromPath(w, r)
	if !ok {
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil || len(payload) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "request body required", nil)
		return
	}
	canonical, err := h.service.Insert(r.Context(), kind, ownerID, payload)
	if err != nil {
		h.writeServiceError(w, err, "insert", kind)
		return
	}
	h.writeRaw(w, http.StatusCreated, canonical)
}

func (h *HTTPHandlers) handleInsertMany(w http.ResponseWriter, r *http.Request) {
	ownerID, r, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	kind, ok := h.kindFromPath(w, r)
	if !ok {
		return
	}
	var env RecordsEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse batch request", nil)
		return
	}
	canonical, err := h.service.InsertMany(r.Context(), kind, ownerID, env.Records)
	if err != nil {
		h.writeServiceError(w, err, "insert_many", kind)
		return
	}
	h.writeJSON(w, http.StatusCreated, RecordsEnvelope{Records: canonical})
}

func (h *HTTPHandlers) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ownerID, r, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	kind, ok := h.kindFromPath(w, r)
	if !ok {
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil || len(payload) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "request body required", nil)
		return
	}
	canonical, err := h.service.Update(r.Context(), kind, ownerID, r.PathValue("id"), payload)
	if err != nil {
		h.writeServiceError(w, err, "update", kind)
		return
	}
	h.writeRaw(w, http.StatusOK, canonical)
}

func (h *HTTPHandlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	ownerID, r, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	kind, ok := h.kindFromPath(w, r)
	if !ok {
		return
	}
	baseVersion := int64(0)
	if v := r.URL.Query().Get("base_version"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "base_version must be an integer", nil)
			return
		}
		baseVersion = parsed
	}
	if err := h.service.Delete(r.Context(), kind, ownerID, r.PathValue("id"), baseVersion); err != nil {
		h.writeServiceError(w, err, "delete", kind)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandlers) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	ownerID, r, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	kind, ok := h.kindFromPath(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteAll(r.Context(), kind, ownerID); err != nil {
		h.writeServiceError(w, err, "delete_all", kind)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeServiceError maps store errors onto the wire contract.
func (h *HTTPHandlers) writeServiceError(w http.ResponseWriter, err error, op string, kind millsync.Kind) {
	var conflict *VersionConflict
	switch {
	case errors.As(err, &conflict):
		h.writeError(w, http.StatusConflict, "version_conflict", conflict.Error(), conflict.Server)
	case errors.Is(err, ErrTableMissing):
		h.writeError(w, http.StatusNotFound, "table_missing", err.Error(), nil)
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, ErrUnknownKind):
		h.writeError(w, http.StatusNotFound, "unknown_kind", err.Error(), nil)
	default:
		h.logger.Error("request failed", "op", op, "kind", kind, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "request failed", nil)
	}
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, status int, code, message string, serverRecord json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := ErrorResponse{Error: code, Message: message, ServerRecord: serverRecord}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *HTTPHandlers) writeRaw(w http.ResponseWriter, status int, payload json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}
