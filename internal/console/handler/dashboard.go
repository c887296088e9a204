package handler

import (
	"context"
	"net/http"

	"github.com/xela07ax/spaceai-trustvault/internal/domain"
)

// DashboardService Описываем, что нам нужно от сервиса
type DashboardService interface {
	Stats(ctx context.Context) (domain.TrustStats, error)
	WorkingSetSize() int
}

// QuarantineCounter — размер реестра карантина горячего пути.
type QuarantineCounter interface {
	Count() int
}

type DashboardResponse struct {
	Records        domain.TrustStats `json:"records"`
	WorkingSet     int               `json:"working_set"`
	QuarantineHot  int               `json:"quarantine_registry"`
	DecryptEnabled bool              `json:"dangerous_decrypt_enabled"`
}

type DashboardHandler struct {
	service        DashboardService
	quarantine     QuarantineCounter
	decryptEnabled bool
}

func NewDashboardHandler(s DashboardService, q QuarantineCounter, decryptEnabled bool) *DashboardHandler {
	return &DashboardHandler{service: s, quarantine: q, decryptEnabled: decryptEnabled}
}

// GetStats GET /v1/stats
func (h *DashboardHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Code: "internal", Message: "failed to fetch stats"})
		return
	}

	resp := DashboardResponse{
		Records:        stats,
		WorkingSet:     h.service.WorkingSetSize(),
		DecryptEnabled: h.decryptEnabled,
	}
	if h.quarantine != nil {
		resp.QuarantineHot = h.quarantine.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}
