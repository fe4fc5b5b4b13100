// thumbnail.go — отдача миниатюр изображений.
package service

import (
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/yoshihisa11132/fileup/internal/api/middleware"
	"github.com/yoshihisa11132/fileup/internal/config"
	"github.com/yoshihisa11132/fileup/internal/domain/mode"
	"github.com/yoshihisa11132/fileup/internal/lock"
	"github.com/yoshihisa11132/fileup/internal/thumbnail"
)

// ThumbnailRequest — параметры запроса миниатюры.
type ThumbnailRequest struct {
	Name string
	// Width, Height — размер рамки (0 — значение по умолчанию)
	Width  int
	Height int
	// Fallback — при невозможности построить миниатюру отдать оригинал
	Fallback  bool
	APIKey    string
	ClientIP  string
	UserAgent string
}

// ThumbnailService — проверки шлюза скачивания плюс ThumbnailPipeline.
type ThumbnailService struct {
	gateway
}

// NewThumbnailService создаёт сервис миниатюр.
func NewThumbnailService(cfg *config.Config, d Deps, logger *slog.Logger) *ThumbnailService {
	return &ThumbnailService{gateway: newGateway(cfg, d, logger, "thumbnail_service")}
}

// Serve отдаёт миниатюру (Cache-Control: public, сутки).
func (s *ThumbnailService) Serve(w http.ResponseWriter, r *http.Request, req ThumbnailRequest) *Error {
	ctx := r.Context()
	serr := runGates(
		s.modeGate(mode.OpThumbnail),
		s.nameGate(req.Name),
		s.apiKeyGate(ctx, s.cfg.DownloadAuth, req.APIKey, req.ClientIP),
		s.existsGate(req.Name),
	)
	if serr != nil {
		return serr
	}

	width, height := req.Width, req.Height
	if width <= 0 {
		width = s.cfg.ThumbDefaultSize
	}
	if height <= 0 {
		height = s.cfg.ThumbDefaultSize
	}

	path, err := s.d.Thumbs.Thumbnail(ctx, s.d.Files.FullPath(req.Name), width, height)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return busyError()
		}
		if !req.Fallback {
			middleware.OperationsTotal.WithLabelValues("thumbnail", "unavailable").Inc()
			return notFoundError("Миниатюра недоступна")
		}
		dl, serr := s.open(req.Name)
		if serr != nil {
			return serr
		}
		defer dl.File.Close()
		serveDownload(w, r, dl)
		middleware.OperationsTotal.WithLabelValues("thumbnail", "fallback").Inc()
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		// Миниатюру удалил cleanup между генерацией и отдачей
		return notFoundError("Миниатюра недоступна")
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return internalError()
	}

	contentType := "image/png"
	if thumbnail.IsJPEG(path) {
		contentType = "image/jpeg"
	}
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "public, max-age=86400")
	h.Set("ETag", etag(info.Name(), info))
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)

	middleware.OperationsTotal.WithLabelValues("thumbnail", "success").Inc()
	return nil
}
