package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/spaceai-trustvault/internal/domain"
	"github.com/xela07ax/spaceai-trustvault/internal/knowledge"
)

// ErrorResponse — тело ответа с ошибкой. Code стабилен для клиентов-агентов.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError сопоставляет доменные ошибки HTTP статусам. Подробности
// отказов в доступе наружу не уходят.
func writeError(w http.ResponseWriter, err error) {
	status, code, msg := http.StatusInternalServerError, "internal", "internal error"
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, code, msg = http.StatusNotFound, "not_found", "record not found"
	case errors.Is(err, domain.ErrQuarantined):
		status, code, msg = http.StatusForbidden, "quarantined", "record is quarantined"
	case errors.Is(err, domain.ErrNeedsValidation):
		status, code, msg = http.StatusConflict, "needs_validation", "record is not validated yet, retry later"
	case errors.Is(err, domain.ErrPermission):
		status, code, msg = http.StatusForbidden, "permission_denied", "permission denied"
	case errors.Is(err, domain.ErrIntegrity):
		status, code, msg = http.StatusUnprocessableEntity, "integrity", "vault integrity check failed"
	case errors.Is(err, domain.ErrNotTransferable):
		status, code, msg = http.StatusConflict, "not_transferable", "record is not transferable"
	case errors.Is(err, domain.ErrConflict):
		status, code, msg = http.StatusConflict, "conflict", "record already exists or was modified"
	case errors.Is(err, domain.ErrTransferIncomplete):
		status, code, msg = http.StatusBadGateway, "transfer_incomplete", "transfer incomplete, receiver state unchanged"
	case errors.Is(err, knowledge.ErrEmptyContent):
		status, code, msg = http.StatusBadRequest, "empty_content", "content is empty"
	}
	writeJSON(w, status, ErrorResponse{Code: code, Message: msg})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: "bad_request", Message: msg})
}
