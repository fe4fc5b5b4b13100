// health.go — обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/yoshihisa11132/fileup/internal/config"
)

// statusFail — строковая константа для статуса "fail" в health checks.
const statusFail = "fail"

// DependencyHealth — состояние внешних зависимостей (topologymetrics).
type DependencyHealth interface {
	Health() map[string]bool
}

// HealthHandler реализует health endpoints: /health/live, /health/ready.
type HealthHandler struct {
	version string
	// dirs — директории, которые должны быть доступны на запись
	dirs map[string]string
	// deps — проверка JWKS (nil, если JWKS не настроен)
	deps DependencyHealth
}

// NewHealthHandler создаёт обработчик health endpoints.
// deps может быть nil.
func NewHealthHandler(cfg *config.Config, deps DependencyHealth) *HealthHandler {
	return &HealthHandler{
		version: config.Version,
		dirs: map[string]string{
			"files": cfg.FilesDir(),
			"state": cfg.StateDir(),
			"wal":   cfg.WALDir(),
		},
		deps: deps,
	}
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Не проверяет зависимости.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeHealth(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "fileup",
	})
}

// HealthReady обрабатывает GET /health/ready.
// Недоступная на запись директория — fail (503), недоступный JWKS — degraded.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	overallStatus := "ok"
	httpStatus := http.StatusOK

	checks := make(map[string]any, len(h.dirs)+1)
	for name, dir := range h.dirs {
		check := checkWritable(dir)
		checks[name] = check
		if check["status"] != "ok" {
			overallStatus = statusFail
			httpStatus = http.StatusServiceUnavailable
		}
	}

	if h.deps != nil {
		depCheck := map[string]any{"status": "ok"}
		for dep, healthy := range h.deps.Health() {
			if !healthy {
				depCheck["status"] = statusFail
				depCheck["message"] = "Зависимость недоступна: " + dep
			}
		}
		checks["jwks"] = depCheck
		if depCheck["status"] != "ok" && overallStatus != statusFail {
			overallStatus = "degraded"
		}
	}

	writeHealth(w, httpStatus, map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "fileup",
		"checks":    checks,
	})
}

// checkWritable проверяет доступность директории на запись.
func checkWritable(dir string) map[string]any {
	testFile := filepath.Join(dir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "Директория недоступна для записи: " + err.Error(),
		}
	}
	_ = os.Remove(testFile)

	return map[string]any{
		"status": "ok",
	}
}

func writeHealth(w http.ResponseWriter, status int, resp map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
