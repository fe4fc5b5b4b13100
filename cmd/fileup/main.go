// Точка входа fileup — сервиса приёма и выдачи файлов.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/yoshihisa11132/fileup/internal/api/handlers"
	"github.com/yoshihisa11132/fileup/internal/api/middleware"
	"github.com/yoshihisa11132/fileup/internal/api/openapi"
	"github.com/yoshihisa11132/fileup/internal/audit"
	"github.com/yoshihisa11132/fileup/internal/config"
	"github.com/yoshihisa11132/fileup/internal/server"
	"github.com/yoshihisa11132/fileup/internal/service"
)

func main() {
	// .env необязателен: переменные окружения имеют приоритет
	_ = godotenv.Load()

	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}
	cfg.InstanceID = instanceName(cfg.InstanceID)

	// Настройка логгера
	logger := config.SetupLogger(cfg).With(slog.String("instance", cfg.InstanceID))
	logger.Info("fileup запускается",
		slog.String("version", config.Version),
		slog.String("mode", cfg.Mode),
		slog.Int("port", cfg.Port),
		slog.String("data_dir", cfg.DataDir),
		slog.String("locker", cfg.Locker),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Ошибка сервиса", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("fileup остановлен")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Инициализация компонентов ---

	// 1. Журнал аудита
	auditLog, err := audit.New(audit.Config{
		Path:       cfg.AuditLogPath(),
		MaxSizeMB:  cfg.AuditMaxSizeMB,
		MaxBackups: cfg.AuditMaxBackups,
	})
	if err != nil {
		return fmt.Errorf("ошибка инициализации журнала аудита: %w", err)
	}
	defer auditLog.Close()

	// 2. Хранилище, состояние, блокировки
	d, err := service.NewDeps(cfg, auditLog, logger)
	if err != nil {
		return fmt.Errorf("ошибка инициализации хранилища: %w", err)
	}

	// 3. WAL recovery: незавершённые операции прошлого запуска
	rec := service.RecoverPending(ctx, d, logger)
	if rec.Uploads+rec.Deletes+rec.Errors > 0 {
		logger.Warn("Восстановлены незавершённые операции",
			slog.Int("uploads", rec.Uploads),
			slog.Int("deletes", rec.Deletes),
			slog.Int("errors", rec.Errors),
		)
	}

	// Начальные значения метрик хранилища
	if err := service.SyncStorageMetrics(d.Files); err != nil {
		logger.Warn("Не удалось подсчитать объём хранилища", slog.String("error", err.Error()))
	}

	// 4. Сервисы
	uploadSvc := service.NewUploadGateway(cfg, d, logger)
	downloadSvc := service.NewDownloadGateway(cfg, d, logger)
	deleteSvc := service.NewDeleteGateway(cfg, d, logger)
	listingSvc := service.NewListingService(cfg, d, logger)
	thumbSvc := service.NewThumbnailService(cfg, d, logger)

	// 5. Фоновые процессы
	cleanupSvc := service.NewCleanupService(cfg, d, logger)
	cleanupSvc.Start(ctx)
	defer cleanupSvc.Stop()

	reconcileSvc := service.NewReconcileService(cfg, d, logger)
	reconcileSvc.Start(ctx)
	defer reconcileSvc.Stop()

	// 5.1 topologymetrics — мониторинг JWKS
	var depHealth handlers.DependencyHealth
	if cfg.JWKSUrl != "" {
		dephealthSvc, err := service.NewDephealthService(service.DephealthConfig{
			InstanceID:    cfg.InstanceID,
			Group:         cfg.DephealthGroup,
			DepName:       cfg.DephealthDepName,
			URL:           cfg.JWKSUrl,
			CheckInterval: cfg.DephealthCheckInterval,
			TLSSkipVerify: cfg.TLSSkipVerify,
		}, logger)
		if err != nil {
			logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
				slog.String("error", err.Error()),
			)
		} else if err := dephealthSvc.Start(ctx); err != nil {
			logger.Warn("Ошибка запуска topologymetrics", slog.String("error", err.Error()))
		} else {
			defer dephealthSvc.Stop()
			depHealth = dephealthSvc
		}
	}

	// 6. Аутентификация администратора
	adminAuth, err := middleware.NewAdminAuth(middleware.AdminAuthConfig{
		StaticToken:     cfg.AdminToken,
		JWKSURL:         cfg.JWKSUrl,
		CACertPath:      cfg.JWKSCACert,
		TLSSkipVerify:   cfg.TLSSkipVerify,
		ClientTimeout:   cfg.JWKSClientTimeout,
		RefreshInterval: cfg.JWKSRefreshInterval,
		JWTLeeway:       cfg.JWTLeeway,
		Scope:           cfg.AdminScope,
	}, logger)
	if err != nil {
		return fmt.Errorf("ошибка инициализации аутентификации администратора: %w", err)
	}
	if cfg.AdminToken == "" && cfg.JWKSUrl == "" {
		logger.Warn("Ни FU_ADMIN_TOKEN, ни FU_JWKS_URL не заданы: admin endpoints недоступны")
	}

	// 7. Проверка запросов по OpenAPI-контракту
	validator, err := openapi.NewValidator(logger)
	if err != nil {
		return fmt.Errorf("ошибка загрузки OpenAPI-контракта: %w", err)
	}

	// 8. Handlers
	h := server.Handlers{
		Files:       handlers.NewFilesHandler(uploadSvc, downloadSvc, deleteSvc, listingSvc, thumbSvc, cfg.MaxFileSize, logger),
		APIKeys:     handlers.NewAPIKeysHandler(d.APIKeys, auditLog, logger),
		Mode:        handlers.NewModeHandler(d.Mode, d.ModeFile, auditLog, logger),
		Audit:       handlers.NewAuditHandler(auditLog, logger),
		Maintenance: handlers.NewMaintenanceHandler(cleanupSvc, reconcileSvc),
		System:      handlers.NewSystemHandler(cfg, d.Mode, d.Files, getDiskUsage, logger),
		Health:      handlers.NewHealthHandler(cfg, depHealth),
	}

	// 9. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, server.NewRouter(cfg, logger, h, adminAuth, validator))
	if err := srv.Run(ctx); err != nil {
		return err
	}

	logger.Info("Остановка фоновых процессов...")
	return nil
}
