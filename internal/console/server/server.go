package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-trustvault/internal/console/handler"
	"github.com/xela07ax/spaceai-trustvault/internal/engine"
	"github.com/xela07ax/spaceai-trustvault/internal/infra/auth"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Проверка RS256 токенов операторов; nil — авторизация выключена
	authValidator auth.TokenValidator

	// Обработчики
	recordHandler   *handler.RecordHandler    // /v1/records
	transferHandler *handler.TransferHandler  // /v1/transfer
	dashHandler     *handler.DashboardHandler // /v1/stats
	auditHandler    *handler.AuditHandler     // /v1/audit
	metrics         http.Handler              // /metrics
}

// NewConsoleServer инициализирует API со всеми зависимостями
func NewConsoleServer(
	logger *zap.Logger,
	validator auth.TokenValidator,
	recordH *handler.RecordHandler,
	transferH *handler.TransferHandler,
	dashH *handler.DashboardHandler,
	auditH *handler.AuditHandler,
	metrics http.Handler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:          chi.NewRouter(),
		logger:          logger.Named("console-api"),
		authValidator:   validator,
		recordHandler:   recordH,
		transferHandler: transferH,
		dashHandler:     dashH,
		auditHandler:    auditH,
		metrics:         metrics,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		if s.metrics != nil {
			r.Handle("/metrics", s.metrics)
		}
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		r.Route("/v1/records", func(r chi.Router) {
			r.With(auth.RequireScope(auth.ScopeRecordsWrite)).Post("/", s.recordHandler.Create)
			r.With(auth.RequireScope(auth.ScopeRecordsRead)).Get("/", s.recordHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.With(auth.RequireScope(auth.ScopeRecordsRead)).Get("/", s.recordHandler.Get)

				// Привилегированное раскрытие: отдельная область плюс токен подтверждения
				r.Group(func(r chi.Router) {
					r.Use(auth.RequireScope(auth.ScopeVaultReveal))
					r.Post("/confirmations", s.recordHandler.Confirm)
					r.Post("/patterns/{ref}/decrypt", s.recordHandler.RevealPattern)
					r.Post("/original", s.recordHandler.RevealOriginal)
				})
			})
		})

		r.Route("/v1/transfer", func(r chi.Router) {
			r.Use(auth.RequireScope(auth.ScopeTransfer))
			r.Get("/{id}", s.transferHandler.Export)
			r.Post("/import", s.transferHandler.Import)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireScope(auth.ScopeAdmin))
			r.Get("/v1/stats", s.dashHandler.GetStats)
			r.Get("/v1/audit", s.auditHandler.GetEvents)
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
