package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-trustvault/internal/domain"
	"github.com/xela07ax/spaceai-trustvault/internal/transfer"
)

type Exporter interface {
	Export(ctx context.Context, id string) (*transfer.Envelope, error)
}

type Importer interface {
	Pull(ctx context.Context, recordID string) (*domain.Record, error)
}

type TransferHandler struct {
	exporter Exporter
	importer Importer // nil, если инсталляция-источник не настроена
	logger   *zap.Logger
}

func NewTransferHandler(e Exporter, i Importer, logger *zap.Logger) *TransferHandler {
	return &TransferHandler{exporter: e, importer: i, logger: logger.Named("transfer")}
}

// Export отдает конверт записи получателю.
// GET /v1/transfer/{id}
func (h *TransferHandler) Export(w http.ResponseWriter, r *http.Request) {
	env, err := h.exporter.Export(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

type ImportRequest struct {
	RecordID string `json:"record_id"`
}

type ImportResponse struct {
	ID         string            `json:"id"`
	TrustLevel domain.TrustLevel `json:"trust_level"`
	Patterns   int               `json:"patterns"`
}

// Import забирает запись у настроенной инсталляции-источника.
// POST /v1/transfer/import
func (h *TransferHandler) Import(w http.ResponseWriter, r *http.Request) {
	if h.importer == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Code: "transfer_peer_not_configured", Message: "no transfer peer configured"})
		return
	}
	var req ImportRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.RecordID == "" {
		badRequest(w, "record_id is required")
		return
	}

	rec, err := h.importer.Pull(r.Context(), req.RecordID)
	if err != nil {
		h.logger.Warn("import failed", zap.String("record_id", req.RecordID), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ImportResponse{ID: rec.ID, TrustLevel: rec.TrustLevel, Patterns: len(rec.VaultedPatterns)})
}
