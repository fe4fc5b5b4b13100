// metrics.go — Prometheus HTTP метрики fileup.
// Регистрирует метрики: fu_http_requests_total, fu_http_request_duration_seconds.
// Бизнес-метрики (fu_files_total, fu_storage_bytes, fu_operations_total)
// объявлены здесь и обновляются из сервисного слоя.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fu_http_requests_total",
			Help: "Общее количество HTTP-запросов к fileup",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fu_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к fileup в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Бизнес-метрики (экспортируются для обновления из сервисного слоя)
var (
	// FilesTotal — текущее количество файлов в хранилище.
	FilesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fu_files_total",
			Help: "Текущее количество файлов в хранилище",
		},
	)

	// StorageBytes — объём, занятый загруженными файлами.
	StorageBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fu_storage_bytes",
			Help: "Объём, занятый загруженными файлами, в байтах",
		},
	)

	// OperationsTotal — общее количество файловых операций.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fu_operations_total",
			Help: "Общее количество файловых операций",
		},
		[]string{"operation", "result"},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
// Записывает количество запросов и длительность для каждого endpoint.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			// Шаблон маршрута известен только после обработки запроса роутером
			path := routePattern(r)
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		})
	}
}

// metricsResponseWriter — обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// routePattern возвращает шаблон маршрута chi ("/api/v1/files/{name}"),
// а для запросов вне роутера — нормализованный путь.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return normalizePath(r.URL.Path)
}

// normalizePath заменяет имена файлов и токены в пути на плейсхолдеры
// для предотвращения взрывного роста кардинальности метрик.
// /api/v1/files/2026-04-02_..._a.pdf/delete → /api/v1/files/{name}/delete
func normalizePath(path string) string {
	switch path {
	case "/health/live", "/health/ready", "/metrics", "/api/v1/info",
		"/api/v1/openapi.yaml", "/api/v1/files", "/api/v1/files/upload",
		"/api/v1/admin/apikeys", "/api/v1/admin/audit", "/api/v1/admin/mode/transition",
		"/api/v1/admin/maintenance/cleanup", "/api/v1/admin/maintenance/reconcile":
		return path
	}

	for _, prefix := range []struct{ prefix, param string }{
		{"/api/v1/files/", "{name}"},
		{"/api/v1/admin/files/", "{name}"},
		{"/api/v1/admin/apikeys/", "{token}"},
	} {
		rest, ok := strings.CutPrefix(path, prefix.prefix)
		if !ok || rest == "" {
			continue
		}
		if _, suffix, found := strings.Cut(rest, "/"); found {
			return prefix.prefix + prefix.param + "/" + suffix
		}
		return prefix.prefix + prefix.param
	}
	return "other"
}
