package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-trustvault/internal/domain"
	"github.com/xela07ax/spaceai-trustvault/internal/infra/auth"
	"github.com/xela07ax/spaceai-trustvault/internal/knowledge"
	"github.com/xela07ax/spaceai-trustvault/internal/vault"
)

// ConfirmationHeader — токен подтверждения привилегированного раскрытия.
const ConfirmationHeader = "X-Confirmation-Token"

const maxBodyBytes = 4 << 20

// RecordService Описываем, что нам нужно от слоя записей
type RecordService interface {
	Create(ctx context.Context, req knowledge.CreateRequest) (*domain.Record, error)
	Read(ctx context.Context, id string) (*knowledge.View, error)
	List(ctx context.Context, limit, offset int) ([]*knowledge.View, error)
	IssueConfirmation(ctx context.Context, id, ref, actor string) (string, time.Time, error)
	RevealPattern(ctx context.Context, id, ref, token, actor string) (*vault.Revealed, error)
	RevealOriginal(ctx context.Context, id, token, actor string) (*vault.Revealed, error)
}

type RecordHandler struct {
	service RecordService
	logger  *zap.Logger
}

func NewRecordHandler(s RecordService, logger *zap.Logger) *RecordHandler {
	return &RecordHandler{service: s, logger: logger.Named("records")}
}

// CreateResponse — запись принята, проверка пойдет в фоне.
type CreateResponse struct {
	ID         string            `json:"id"`
	TrustLevel domain.TrustLevel `json:"trust_level"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Create сохраняет запись как UNTRUSTED и сразу отвечает.
// POST /v1/records
func (h *RecordHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req knowledge.CreateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Source == "" {
		req.Source = auth.Actor(r.Context())
	}

	rec, err := h.service.Create(r.Context(), req)
	if err != nil {
		h.logger.Warn("create failed", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, CreateResponse{ID: rec.ID, TrustLevel: rec.TrustLevel, CreatedAt: rec.CreatedAt})
}

// List GET /v1/records?limit=&offset=
func (h *RecordHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		badRequest(w, "invalid limit")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		badRequest(w, "invalid offset")
		return
	}

	views, err := h.service.List(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list failed", zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// Get GET /v1/records/{id}
func (h *RecordHandler) Get(w http.ResponseWriter, r *http.Request) {
	v, err := h.service.Read(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type ConfirmRequest struct {
	Reference string `json:"reference"` // PATTERN_n или "*" для исходного текста
}

type ConfirmResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Confirm выдает одноразовый токен подтверждения.
// POST /v1/records/{id}/confirmations
func (h *RecordHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.Reference == "" {
		badRequest(w, "reference is required")
		return
	}

	token, exp, err := h.service.IssueConfirmation(r.Context(), chi.URLParam(r, "id"), req.Reference, auth.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ConfirmResponse{Token: token, ExpiresAt: exp})
}

// RevealPattern POST /v1/records/{id}/patterns/{ref}/decrypt
func (h *RecordHandler) RevealPattern(w http.ResponseWriter, r *http.Request) {
	out, err := h.service.RevealPattern(r.Context(),
		chi.URLParam(r, "id"), chi.URLParam(r, "ref"),
		r.Header.Get(ConfirmationHeader), auth.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// RevealOriginal POST /v1/records/{id}/original
func (h *RecordHandler) RevealOriginal(w http.ResponseWriter, r *http.Request) {
	out, err := h.service.RevealOriginal(r.Context(),
		chi.URLParam(r, "id"), r.Header.Get(ConfirmationHeader), auth.Actor(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
