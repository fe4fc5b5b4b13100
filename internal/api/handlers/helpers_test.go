package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/yoshihisa11132/fileup/internal/api/errors"
	"github.com/yoshihisa11132/fileup/internal/api/middleware"
	"github.com/yoshihisa11132/fileup/internal/audit"
	"github.com/yoshihisa11132/fileup/internal/config"
	"github.com/yoshihisa11132/fileup/internal/service"
	"github.com/yoshihisa11132/fileup/internal/storage/apikeys"
)

const testAdminToken = "admin-secret-token"

// testEnv — сервисы и chi-роутер с обработчиками поверх t.TempDir().
type testEnv struct {
	cfg    *config.Config
	deps   service.Deps
	audit  *audit.Logger
	router chi.Router
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
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
		ListingCacheTTL:     5 * time.Minute,
		CacheSize:           64,
		ThumbDefaultSize:    300,
		ThumbMaxSize:        2000,
		ThumbMaxAge:         7 * 24 * time.Hour,
		CleanupInterval:     time.Hour,
		RateStateMaxAge:     24 * time.Hour,
		ReconcileInterval:   time.Hour,
		AuditMaxSizeMB:      1,
		AuditMaxBackups:     1,
		Mode:                "rw",
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig(t)
	for _, m := range mutate {
		m(cfg)
	}
	logger := quietLogger()

	auditLog, err := audit.New(audit.Config{Path: cfg.AuditLogPath(), MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("ошибка создания журнала аудита: %v", err)
	}
	t.Cleanup(func() { _ = auditLog.Close() })

	d, err := service.NewDeps(cfg, auditLog, logger)
	if err != nil {
		t.Fatalf("ошибка сборки компонентов: %v", err)
	}

	adminAuth, err := middleware.NewAdminAuth(middleware.AdminAuthConfig{StaticToken: testAdminToken}, logger)
	if err != nil {
		t.Fatalf("ошибка создания AdminAuth: %v", err)
	}

	files := NewFilesHandler(
		service.NewUploadGateway(cfg, d, logger),
		service.NewDownloadGateway(cfg, d, logger),
		service.NewDeleteGateway(cfg, d, logger),
		service.NewListingService(cfg, d, logger),
		service.NewThumbnailService(cfg, d, logger),
		cfg.MaxFileSize,
		logger,
	)
	keys := NewAPIKeysHandler(d.APIKeys, auditLog, logger)
	modes := NewModeHandler(d.Mode, d.ModeFile, auditLog, logger)
	auditH := NewAuditHandler(auditLog, logger)
	maint := NewMaintenanceHandler(service.NewCleanupService(cfg, d, logger), service.NewReconcileService(cfg, d, logger))
	system := NewSystemHandler(cfg, d.Mode, d.Files, func(string) (int64, int64, int64, error) {
		return 100 << 30, 40 << 30, 60 << 30, nil
	}, logger)
	health := NewHealthHandler(cfg, nil)

	r := chi.NewRouter()
	r.Use(middleware.ClientIPMiddleware(false))
	r.Get("/health/live", health.HealthLive)
	r.Get("/health/ready", health.HealthReady)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/info", system.GetInfo)
		r.Post("/files/upload", files.Upload)
		r.Get("/files", files.List)
		r.Get("/files/{name}", files.Download)
		r.Get("/files/{name}/thumbnail", files.Thumbnail)
		r.Get("/files/{name}/delete", files.PrepareDelete)
		r.Post("/files/{name}/delete", files.Delete)
		r.Route("/admin", func(r chi.Router) {
			r.Use(adminAuth.Middleware())
			r.Post("/apikeys", keys.Create)
			r.Get("/apikeys", keys.List)
			r.Post("/apikeys/{token}/revoke", keys.Revoke)
			r.Post("/apikeys/{token}/reactivate", keys.Reactivate)
			r.Delete("/apikeys/{token}", keys.Delete)
			r.Delete("/files/{name}", files.AdminDelete)
			r.Get("/audit", auditH.Tail)
			r.Post("/mode/transition", modes.TransitionMode)
			r.Post("/maintenance/cleanup", maint.Cleanup)
			r.Post("/maintenance/reconcile", maint.Reconcile)
		})
	})

	return &testEnv{cfg: cfg, deps: d, audit: auditLog, router: r}
}

// do выполняет запрос через роутер.
func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "handlers-test/1.0")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// admin выполняет запрос с токеном администратора.
func (e *testEnv) admin(method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return e.do(req)
}

// apiKey создаёт действующий API-ключ напрямую в хранилище.
func (e *testEnv) apiKey(t *testing.T) string {
	t.Helper()
	token, err := e.deps.APIKeys.Create(context.Background(), apikeys.CreateParams{Name: "handlers"})
	if err != nil {
		t.Fatalf("ошибка создания API-ключа: %v", err)
	}
	return token
}

// uploadRaw загружает файл сырым телом и требует 201.
func (e *testEnv) uploadRaw(t *testing.T, name, content, deleteKey string) map[string]any {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/files/upload", bytes.NewBufferString(content))
	req.Header.Set("X-Filename", name)
	if deleteKey != "" {
		req.Header.Set("X-Delete-Key", deleteKey)
	}
	rec := e.do(req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("загрузка %s: ожидался 201, получен %d: %s", name, rec.Code, rec.Body.String())
	}
	return decodeData(t, rec)
}

// multipartBody собирает multipart-форму с файлом и полями.
func multipartBody(t *testing.T, filename, content string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write([]byte(content))
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

// decodeEnvelope разбирает конверт ответа.
func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) apierrors.Envelope {
	t.Helper()
	var env apierrors.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("ответ не является JSON-конвертом: %v: %s", err, rec.Body.String())
	}
	return env
}

// decodeData возвращает поле data конверта как map.
func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	env := decodeEnvelope(t, rec)
	data, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("ожидался объект data, получено %T: %s", env.Data, rec.Body.String())
	}
	return data
}

// expectError проверяет статус и код ошибки.
func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("ожидался %d, получен %d: %s", status, rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if env.Success || env.Code != code {
		t.Errorf("ожидался код %s, получено %+v", code, env)
	}
}
