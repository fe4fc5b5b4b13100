// Пакет server — HTTP-сервер fileup: маршруты, middleware, TLS и graceful shutdown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yoshihisa11132/fileup/internal/api/handlers"
	"github.com/yoshihisa11132/fileup/internal/api/middleware"
	"github.com/yoshihisa11132/fileup/internal/api/openapi"
	"github.com/yoshihisa11132/fileup/internal/config"
)

// Handlers — набор обработчиков, монтируемых в роутер.
type Handlers struct {
	Files       *handlers.FilesHandler
	APIKeys     *handlers.APIKeysHandler
	Mode        *handlers.ModeHandler
	Audit       *handlers.AuditHandler
	Maintenance *handlers.MaintenanceHandler
	System      *handlers.SystemHandler
	Health      *handlers.HealthHandler
}

// NewRouter собирает chi-роутер.
//
// Порядок middleware: заголовки безопасности, IP клиента, логирование,
// метрики, проверка запроса по OpenAPI-контракту (validator может быть nil).
// Группа /api/v1/admin закрыта adminAuth.
func NewRouter(cfg *config.Config, logger *slog.Logger, h Handlers, adminAuth *middleware.AdminAuth, validator *openapi.Validator) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.ClientIPMiddleware(cfg.TrustProxyHeaders))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.MetricsMiddleware())
	if validator != nil {
		router.Use(validator.Middleware())
	}

	router.Get("/health/live", h.Health.HealthLive)
	router.Get("/health/ready", h.Health.HealthReady)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/info", h.System.GetInfo)
		r.Get("/openapi.yaml", openapi.Handler())

		r.Post("/files/upload", h.Files.Upload)
		r.Get("/files", h.Files.List)
		r.Get("/files/{name}", h.Files.Download)
		r.Get("/files/{name}/thumbnail", h.Files.Thumbnail)
		r.Get("/files/{name}/delete", h.Files.PrepareDelete)
		r.Post("/files/{name}/delete", h.Files.Delete)

		r.Route("/admin", func(r chi.Router) {
			r.Use(adminAuth.Middleware())

			r.Post("/apikeys", h.APIKeys.Create)
			r.Get("/apikeys", h.APIKeys.List)
			r.Post("/apikeys/{token}/revoke", h.APIKeys.Revoke)
			r.Post("/apikeys/{token}/reactivate", h.APIKeys.Reactivate)
			r.Delete("/apikeys/{token}", h.APIKeys.Delete)

			r.Delete("/files/{name}", h.Files.AdminDelete)
			r.Get("/audit", h.Audit.Tail)
			r.Post("/mode/transition", h.Mode.TransitionMode)
			r.Post("/maintenance/cleanup", h.Maintenance.Cleanup)
			r.Post("/maintenance/reconcile", h.Maintenance.Reconcile)
		})
	})

	return router
}

// Server — HTTP-сервер fileup.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер поверх готового роутера.
func New(cfg *config.Config, logger *slog.Logger, handler http.Handler) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	// Настройка TLS
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		httpServer: srv,
		logger:     logger.With(slog.String("component", "server")),
		cfg:        cfg,
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM)
// или отмены ctx. Затем выполняется graceful shutdown с таймаутом
// cfg.ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.Bool("tls", s.httpServer.TLSConfig != nil),
		)

		var err error
		if s.httpServer.TLSConfig != nil {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case <-ctx.Done():
		s.logger.Info("Контекст сервера отменён")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
