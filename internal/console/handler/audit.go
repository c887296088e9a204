package handler

import (
	"context"
	"net/http"

	"github.com/xela07ax/spaceai-trustvault/internal/audit"
)

// EventReader — чтение журнала безопасности. Есть только при хранилище в PostgreSQL.
type EventReader interface {
	ListEvents(ctx context.Context, eventType string, limit int) ([]audit.SecurityEvent, error)
}

type AuditHandler struct {
	reader EventReader
}

func NewAuditHandler(r EventReader) *AuditHandler {
	return &AuditHandler{reader: r}
}

// GetEvents возвращает последние события аудита с фильтром по типу
// GET /v1/audit?type=vault.decrypt&limit=50
func (h *AuditHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	if h.reader == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Code: "audit_store_unavailable", Message: "audit events are only logged in this mode"})
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		badRequest(w, "invalid limit")
		return
	}

	events, err := h.reader.ListEvents(r.Context(), r.URL.Query().Get("type"), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Code: "internal", Message: "failed to fetch audit events"})
		return
	}
	writeJSON(w, http.StatusOK, events)
}
