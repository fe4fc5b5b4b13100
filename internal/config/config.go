// Пакет config — загрузка и валидация конфигурации fileup
// из переменных окружения (префикс FU_).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Политики аутентификации по API-ключу.
const (
	// AuthRequired — API-ключ обязателен
	AuthRequired = "required"
	// AuthOptional — API-ключ проверяется, только если передан
	AuthOptional = "optional"
)

// Расширения, разрешённые по умолчанию (FU_ALLOWED_EXTENSIONS).
var DefaultAllowedExtensions = []string{
	"jpg", "jpeg", "png", "gif", "webp", "pdf", "txt", "zip", "rar", "7z",
	"mp3", "mp4", "avi", "mov", "doc", "docx", "xls", "xlsx", "ppt", "pptx",
}

// Расширения, запрещённые всегда. FU_FORBIDDEN_EXTENSIONS дополняет список.
var DefaultForbiddenExtensions = []string{
	"php", "phtml", "php3", "php4", "php5", "phps", "exe", "sh", "bat", "cmd",
	"com", "pif", "scr", "vbs", "js", "jar", "asp", "aspx", "jsp", "py", "pl",
	"cgi", "htaccess", "htpasswd",
}

// MIME-типы, которые считаются безопасными для отдачи.
var DefaultAllowedMIMETypes = []string{
	"image/jpeg", "image/png", "image/gif", "image/webp", "image/bmp",
	"application/pdf", "text/plain",
	"application/zip", "application/x-rar-compressed", "application/x-7z-compressed",
	"audio/mpeg", "audio/mp4", "video/mp4", "video/quicktime", "video/x-msvideo",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"application/vnd.ms-powerpoint",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"application/octet-stream",
}

// Config содержит все параметры конфигурации сервиса.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Имя экземпляра (логи, dephealth, /api/v1/info)
	InstanceID string
	// Корневая директория данных
	DataDir string

	// Максимальный размер файла в байтах
	MaxFileSize int64
	// Разрешённые расширения. Используются только при AllowListEnabled.
	AllowedExtensions []string
	// AllowListEnabled — false, если FU_ALLOWED_EXTENSIONS задан пустой строкой
	AllowListEnabled bool
	// Запрещённые расширения (встроенный список + FU_FORBIDDEN_EXTENSIONS)
	ForbiddenExtensions []string
	// Разрешённые MIME-типы
	AllowedMIMETypes []string

	// Таймаут захвата блокировки
	LockTimeout time.Duration
	// Возраст lock-файла, после которого он считается «протухшим»
	LockStaleAfter time.Duration
	// Реализация Locker: file или memory
	Locker string

	// Лимит проверок одного API-ключа
	APIRateLimit  int
	APIRateWindow time.Duration
	// Лимит удалений с одного IP
	DeleteRateLimit  int
	DeleteRateWindow time.Duration
	// Лимит загрузок с одного IP
	UploadRateLimit  int
	UploadRateWindow time.Duration

	// Политика API-ключа для загрузки (required, optional)
	UploadAuth string
	// Политика API-ключа для скачивания и миниатюр (required, optional)
	DownloadAuth string

	// TTL кэша листинга
	ListingCacheTTL time.Duration
	// Максимальное количество записей в кэше
	CacheSize int

	// Размер миниатюры по умолчанию
	ThumbDefaultSize int
	// Максимальная сторона миниатюры
	ThumbMaxSize int
	// Возраст миниатюры, после которого cleanup её удаляет
	ThumbMaxAge time.Duration

	// Порог ротации audit-лога в мегабайтах
	AuditMaxSizeMB int
	// Количество сохраняемых ротированных файлов
	AuditMaxBackups int

	// Интервал фоновой очистки
	CleanupInterval time.Duration
	// Окна rate limit старше этого возраста удаляются при очистке
	RateStateMaxAge time.Duration
	// Интервал сверки delete-key записей с диском
	ReconcileInterval time.Duration

	// Начальный режим работы (rw, ro)
	Mode string

	// Статический bearer-токен администратора (если JWKS не настроен)
	AdminToken string
	// URL JWKS endpoint (включает JWT-аутентификацию администратора)
	JWKSUrl string
	// Путь к CA-сертификату для JWKS (опционально)
	JWKSCACert string
	// Пропускать проверку TLS при обращении к JWKS
	TLSSkipVerify bool
	// Таймаут HTTP-клиента JWKS
	JWKSClientTimeout time.Duration
	// Интервал обновления JWKS
	JWKSRefreshInterval time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration
	// Scope, обязательный для admin endpoints
	AdminScope string

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Имя зависимости в метриках topologymetrics
	DephealthDepName string

	// Доверять заголовкам CF-Connecting-IP / Client-IP / X-Forwarded-For
	TrustProxyHeaders bool

	// Путь к TLS сертификату (опционально)
	TLSCert string
	// Путь к TLS приватному ключу (опционально)
	TLSKey string

	// Таймауты HTTP-сервера
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	// Таймаут graceful shutdown
	ShutdownTimeout time.Duration

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
}

// FilesDir возвращает директорию загруженных файлов.
func (c *Config) FilesDir() string { return filepath.Join(c.DataDir, "files") }

// ThumbsDir возвращает директорию миниатюр.
func (c *Config) ThumbsDir() string { return filepath.Join(c.DataDir, "thumbs") }

// StateDir возвращает директорию JSON-состояния (ключи, rate limit).
func (c *Config) StateDir() string { return filepath.Join(c.DataDir, "state") }

// LocksDir возвращает директорию lock-файлов.
func (c *Config) LocksDir() string { return filepath.Join(c.DataDir, "locks") }

// WALDir возвращает директорию WAL.
func (c *Config) WALDir() string { return filepath.Join(c.DataDir, "wal") }

// AuditLogPath возвращает путь к audit-логу.
func (c *Config) AuditLogPath() string { return filepath.Join(c.DataDir, "logs", "audit.log") }

// Load загружает конфигурацию из переменных окружения, валидирует
// значения и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// FU_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("FU_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("FU_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("FU_PORT: значение %d вне диапазона 1-65535", cfg.Port)
	}

	// FU_INSTANCE_ID — пусто: имя определяется в main по hostname пода
	cfg.InstanceID = getEnvDefault("FU_INSTANCE_ID", "")
	cfg.DataDir = getEnvDefault("FU_DATA_DIR", "./data")

	// FU_MAX_FILE_SIZE — максимальный размер файла (по умолчанию 100 MB)
	cfg.MaxFileSize, err = getEnvInt64("FU_MAX_FILE_SIZE", 100*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("FU_MAX_FILE_SIZE: %w", err)
	}
	if cfg.MaxFileSize <= 0 {
		return nil, fmt.Errorf("FU_MAX_FILE_SIZE: значение должно быть положительным")
	}

	// FU_ALLOWED_EXTENSIONS — пустая строка явно отключает allow-list,
	// отсутствие переменной — список по умолчанию.
	if val, ok := os.LookupEnv("FU_ALLOWED_EXTENSIONS"); ok {
		cfg.AllowedExtensions = splitList(val)
		cfg.AllowListEnabled = len(cfg.AllowedExtensions) > 0
	} else {
		cfg.AllowedExtensions = append([]string(nil), DefaultAllowedExtensions...)
		cfg.AllowListEnabled = true
	}

	cfg.ForbiddenExtensions = mergeLists(DefaultForbiddenExtensions, splitList(os.Getenv("FU_FORBIDDEN_EXTENSIONS")))

	cfg.AllowedMIMETypes = splitList(os.Getenv("FU_ALLOWED_MIME_TYPES"))
	if len(cfg.AllowedMIMETypes) == 0 {
		cfg.AllowedMIMETypes = append([]string(nil), DefaultAllowedMIMETypes...)
	}

	if cfg.LockTimeout, err = getEnvDuration("FU_LOCK_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("FU_LOCK_TIMEOUT: %w", err)
	}
	if cfg.LockTimeout <= 0 {
		return nil, fmt.Errorf("FU_LOCK_TIMEOUT: значение должно быть положительным")
	}
	if cfg.LockStaleAfter, err = getEnvDuration("FU_LOCK_STALE_AFTER", time.Hour); err != nil {
		return nil, fmt.Errorf("FU_LOCK_STALE_AFTER: %w", err)
	}
	cfg.Locker = getEnvDefault("FU_LOCKER", "file")
	if cfg.Locker != "file" && cfg.Locker != "memory" {
		return nil, fmt.Errorf("FU_LOCKER: недопустимое значение %q, допустимые: file, memory", cfg.Locker)
	}

	// Rate limits
	if cfg.APIRateLimit, cfg.APIRateWindow, err = getEnvLimit("FU_API_RATE", 1000, time.Hour); err != nil {
		return nil, err
	}
	if cfg.DeleteRateLimit, cfg.DeleteRateWindow, err = getEnvLimit("FU_DELETE_RATE", 5, time.Minute); err != nil {
		return nil, err
	}
	if cfg.UploadRateLimit, cfg.UploadRateWindow, err = getEnvLimit("FU_UPLOAD_RATE", 60, time.Minute); err != nil {
		return nil, err
	}

	if cfg.UploadAuth, err = getEnvAuthPolicy("FU_UPLOAD_AUTH", AuthRequired); err != nil {
		return nil, err
	}
	if cfg.DownloadAuth, err = getEnvAuthPolicy("FU_DOWNLOAD_AUTH", AuthOptional); err != nil {
		return nil, err
	}

	if cfg.ListingCacheTTL, err = getEnvDuration("FU_LISTING_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, fmt.Errorf("FU_LISTING_CACHE_TTL: %w", err)
	}
	if cfg.CacheSize, err = getEnvInt("FU_CACHE_SIZE", 256); err != nil {
		return nil, fmt.Errorf("FU_CACHE_SIZE: %w", err)
	}
	if cfg.CacheSize <= 0 {
		return nil, fmt.Errorf("FU_CACHE_SIZE: значение должно быть положительным")
	}

	if cfg.ThumbDefaultSize, err = getEnvInt("FU_THUMB_DEFAULT_SIZE", 300); err != nil {
		return nil, fmt.Errorf("FU_THUMB_DEFAULT_SIZE: %w", err)
	}
	if cfg.ThumbMaxSize, err = getEnvInt("FU_THUMB_MAX_SIZE", 2000); err != nil {
		return nil, fmt.Errorf("FU_THUMB_MAX_SIZE: %w", err)
	}
	if cfg.ThumbDefaultSize <= 0 || cfg.ThumbDefaultSize > cfg.ThumbMaxSize {
		return nil, fmt.Errorf("FU_THUMB_DEFAULT_SIZE: значение %d должно быть в диапазоне 1-%d",
			cfg.ThumbDefaultSize, cfg.ThumbMaxSize)
	}
	if cfg.ThumbMaxAge, err = getEnvDuration("FU_THUMB_MAX_AGE", 7*24*time.Hour); err != nil {
		return nil, fmt.Errorf("FU_THUMB_MAX_AGE: %w", err)
	}

	if cfg.AuditMaxSizeMB, err = getEnvInt("FU_AUDIT_MAX_SIZE_MB", 10); err != nil {
		return nil, fmt.Errorf("FU_AUDIT_MAX_SIZE_MB: %w", err)
	}
	if cfg.AuditMaxBackups, err = getEnvInt("FU_AUDIT_MAX_BACKUPS", 5); err != nil {
		return nil, fmt.Errorf("FU_AUDIT_MAX_BACKUPS: %w", err)
	}

	if cfg.CleanupInterval, err = getEnvDuration("FU_CLEANUP_INTERVAL", time.Hour); err != nil {
		return nil, fmt.Errorf("FU_CLEANUP_INTERVAL: %w", err)
	}
	if cfg.RateStateMaxAge, err = getEnvDuration("FU_RATE_STATE_MAX_AGE", 24*time.Hour); err != nil {
		return nil, fmt.Errorf("FU_RATE_STATE_MAX_AGE: %w", err)
	}
	if cfg.ReconcileInterval, err = getEnvDuration("FU_RECONCILE_INTERVAL", 6*time.Hour); err != nil {
		return nil, fmt.Errorf("FU_RECONCILE_INTERVAL: %w", err)
	}

	// FU_MODE — начальный режим работы (по умолчанию rw)
	cfg.Mode = getEnvDefault("FU_MODE", "rw")
	if cfg.Mode != "rw" && cfg.Mode != "ro" {
		return nil, fmt.Errorf("FU_MODE: недопустимое значение %q, допустимые: rw, ro", cfg.Mode)
	}

	cfg.AdminToken = os.Getenv("FU_ADMIN_TOKEN")
	cfg.JWKSUrl = os.Getenv("FU_JWKS_URL")
	cfg.JWKSCACert = os.Getenv("FU_JWKS_CA_CERT")
	if cfg.TLSSkipVerify, err = getEnvBool("FU_TLS_SKIP_VERIFY", false); err != nil {
		return nil, fmt.Errorf("FU_TLS_SKIP_VERIFY: %w", err)
	}
	if cfg.JWKSClientTimeout, err = getEnvDuration("FU_JWKS_CLIENT_TIMEOUT", 5*time.Second); err != nil {
		return nil, fmt.Errorf("FU_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	if cfg.JWKSRefreshInterval, err = getEnvDuration("FU_JWKS_REFRESH_INTERVAL", 15*time.Minute); err != nil {
		return nil, fmt.Errorf("FU_JWKS_REFRESH_INTERVAL: %w", err)
	}
	if cfg.JWTLeeway, err = getEnvDuration("FU_JWT_LEEWAY", 5*time.Second); err != nil {
		return nil, fmt.Errorf("FU_JWT_LEEWAY: %w", err)
	}
	cfg.AdminScope = getEnvDefault("FU_ADMIN_SCOPE", "files:admin")

	if cfg.DephealthCheckInterval, err = getEnvDuration("FU_DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, fmt.Errorf("FU_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("FU_DEPHEALTH_GROUP", "fileup")
	cfg.DephealthDepName = getEnvDefault("FU_DEPHEALTH_DEP_NAME", "admin-jwks")

	if cfg.TrustProxyHeaders, err = getEnvBool("FU_TRUSTED_PROXY_HEADERS", true); err != nil {
		return nil, fmt.Errorf("FU_TRUSTED_PROXY_HEADERS: %w", err)
	}

	// TLS включается только парой сертификат + ключ
	cfg.TLSCert = os.Getenv("FU_TLS_CERT")
	cfg.TLSKey = os.Getenv("FU_TLS_KEY")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("FU_TLS_CERT и FU_TLS_KEY задаются только вместе")
	}

	if cfg.HTTPReadTimeout, err = getEnvDuration("FU_HTTP_READ_TIMEOUT", 30*time.Second); err != nil {
		return nil, fmt.Errorf("FU_HTTP_READ_TIMEOUT: %w", err)
	}
	if cfg.HTTPWriteTimeout, err = getEnvDuration("FU_HTTP_WRITE_TIMEOUT", 60*time.Second); err != nil {
		return nil, fmt.Errorf("FU_HTTP_WRITE_TIMEOUT: %w", err)
	}
	if cfg.HTTPIdleTimeout, err = getEnvDuration("FU_HTTP_IDLE_TIMEOUT", 120*time.Second); err != nil {
		return nil, fmt.Errorf("FU_HTTP_IDLE_TIMEOUT: %w", err)
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("FU_SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("FU_SHUTDOWN_TIMEOUT: %w", err)
	}

	// FU_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("FU_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("FU_LOG_LEVEL: %w", err)
	}

	// FU_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("FU_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("FU_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	return cfg, nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	return d, nil
}

// getEnvLimit читает пару {prefix}_LIMIT / {prefix}_WINDOW.
func getEnvLimit(prefix string, defaultMax int, defaultWindow time.Duration) (int, time.Duration, error) {
	maxCount, err := getEnvInt(prefix+"_LIMIT", defaultMax)
	if err != nil {
		return 0, 0, fmt.Errorf("%s_LIMIT: %w", prefix, err)
	}
	if maxCount <= 0 {
		return 0, 0, fmt.Errorf("%s_LIMIT: значение должно быть положительным", prefix)
	}
	window, err := getEnvDuration(prefix+"_WINDOW", defaultWindow)
	if err != nil {
		return 0, 0, fmt.Errorf("%s_WINDOW: %w", prefix, err)
	}
	if window < time.Second {
		return 0, 0, fmt.Errorf("%s_WINDOW: окно должно быть не меньше 1s", prefix)
	}
	return maxCount, window, nil
}

// getEnvAuthPolicy читает политику API-ключа (required, optional).
func getEnvAuthPolicy(key, defaultVal string) (string, error) {
	val := strings.ToLower(getEnvDefault(key, defaultVal))
	if val != AuthRequired && val != AuthOptional {
		return "", fmt.Errorf("%s: недопустимое значение %q, допустимые: required, optional", key, val)
	}
	return val, nil
}

// splitList разбирает список через запятую, приводит к нижнему регистру
// и отбрасывает пустые элементы и ведущие точки.
func splitList(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		part = strings.TrimPrefix(part, ".")
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

// mergeLists объединяет списки без дубликатов с сохранением порядка.
func mergeLists(lists ...[]string) []string {
	seen := make(map[string]bool)
	var result []string
	for _, list := range lists {
		for _, v := range list {
			if !seen[v] {
				seen[v] = true
				result = append(result, v)
			}
		}
	}
	return result
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
