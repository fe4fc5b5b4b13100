package server

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/yoshihisa11132/fileup/internal/api/handlers"
	"github.com/yoshihisa11132/fileup/internal/api/middleware"
	"github.com/yoshihisa11132/fileup/internal/api/openapi"
	"github.com/yoshihisa11132/fileup/internal/audit"
	"github.com/yoshihisa11132/fileup/internal/config"
	"github.com/yoshihisa11132/fileup/internal/service"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Port:                0,
		InstanceID:          "fileup-test",
		DataDir:             t.TempDir(),
		MaxFileSize:         1 << 20,
		AllowedExtensions:   config.DefaultAllowedExtensions,
		AllowListEnabled:    true,
		ForbiddenExtensions: config.DefaultForbiddenExtensions,
		AllowedMIMETypes:    config.DefaultAllowedMIMETypes,
		LockTimeout:         5 * time.Second,
		LockStaleAfter:      time.Hour,
		Locker:              "memory",
		APIRateLimit:        1000,
		APIRateWindow:       time.Hour,
		DeleteRateLimit:     10,
		DeleteRateWindow:    time.Minute,
		UploadRateLimit:     100,
		UploadRateWindow:    time.Minute,
		UploadAuth:          config.AuthOptional,
		DownloadAuth:        config.AuthOptional,
		ListingCacheTTL:     time.Minute,
		CacheSize:           16,
		ThumbDefaultSize:    300,
		ThumbMaxSize:        2000,
		ThumbMaxAge:         time.Hour,
		CleanupInterval:     time.Hour,
		RateStateMaxAge:     time.Hour,
		ReconcileInterval:   time.Hour,
		Mode:                "rw",
		AdminToken:          "server-test-token",
		HTTPReadTimeout:     5 * time.Second,
		HTTPWriteTimeout:    5 * time.Second,
		HTTPIdleTimeout:     5 * time.Second,
		ShutdownTimeout:     5 * time.Second,
	}
}

// newTestRouter собирает роутер так же, как main.
func newTestRouter(t *testing.T, cfg *config.Config) http.Handler {
	t.Helper()
	logger := quietLogger()

	d, err := service.NewDeps(cfg, audit.Nop{}, logger)
	if err != nil {
		t.Fatalf("ошибка сборки компонентов: %v", err)
	}
	adminAuth, err := middleware.NewAdminAuth(middleware.AdminAuthConfig{StaticToken: cfg.AdminToken}, logger)
	if err != nil {
		t.Fatal(err)
	}
	validator, err := openapi.NewValidator(logger)
	if err != nil {
		t.Fatalf("ошибка загрузки контракта: %v", err)
	}
	auditLog, err := audit.New(audit.Config{Path: cfg.AuditLogPath(), MaxSizeMB: 1})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = auditLog.Close() })

	h := Handlers{
		Files: handlers.NewFilesHandler(
			service.NewUploadGateway(cfg, d, logger),
			service.NewDownloadGateway(cfg, d, logger),
			service.NewDeleteGateway(cfg, d, logger),
			service.NewListingService(cfg, d, logger),
			service.NewThumbnailService(cfg, d, logger),
			cfg.MaxFileSize, logger),
		APIKeys:     handlers.NewAPIKeysHandler(d.APIKeys, auditLog, logger),
		Mode:        handlers.NewModeHandler(d.Mode, d.ModeFile, auditLog, logger),
		Audit:       handlers.NewAuditHandler(auditLog, logger),
		Maintenance: handlers.NewMaintenanceHandler(service.NewCleanupService(cfg, d, logger), service.NewReconcileService(cfg, d, logger)),
		System:      handlers.NewSystemHandler(cfg, d.Mode, d.Files, nil, logger),
		Health:      handlers.NewHealthHandler(cfg, nil),
	}
	return NewRouter(cfg, logger, h, adminAuth, validator)
}

// TestRouter проверяет маршруты, middleware и контракт.
func TestRouter(t *testing.T) {
	cfg := testConfig(t)
	router := newTestRouter(t, cfg)

	tests := []struct {
		name   string
		method string
		target string
		header map[string]string
		body   string
		want   int
	}{
		{"live", http.MethodGet, "/health/live", nil, "", http.StatusOK},
		{"ready", http.MethodGet, "/health/ready", nil, "", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", nil, "", http.StatusOK},
		{"info", http.MethodGet, "/api/v1/info", nil, "", http.StatusOK},
		{"openapi", http.MethodGet, "/api/v1/openapi.yaml", nil, "", http.StatusOK},
		{"admin без токена", http.MethodGet, "/api/v1/admin/apikeys", nil, "", http.StatusUnauthorized},
		{"admin с токеном", http.MethodGet, "/api/v1/admin/apikeys",
			map[string]string{"Authorization": "Bearer server-test-token"}, "", http.StatusOK},
		{"limit вне контракта", http.MethodGet, "/api/v1/files?limit=0", nil, "", http.StatusBadRequest},
		{"неизвестный путь", http.MethodGet, "/nope", nil, "", http.StatusNotFound},
		{"загрузка", http.MethodPost, "/api/v1/files/upload",
			map[string]string{"X-Filename": "hello.txt", "User-Agent": "server-test"}, "hello", http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("ожидался %d, получен %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
				t.Error("ожидался заголовок X-Content-Type-Options: nosniff")
			}
		})
	}
}

// TestRun_ContextCancel проверяет graceful shutdown по отмене контекста.
func TestRun_ContextCancel(t *testing.T) {
	cfg := testConfig(t)
	srv := New(cfg, quietLogger(), http.NotFoundHandler())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run вернул ошибку: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("сервер не остановился после отмены контекста")
	}
}
