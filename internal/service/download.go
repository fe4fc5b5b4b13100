// download.go — шлюз скачивания файлов.
package service

import (
	"context"
	"crypto/md5" //nolint:gosec // ETag — идентификатор версии, не защита
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/yoshihisa11132/fileup/internal/api/middleware"
	"github.com/yoshihisa11132/fileup/internal/audit"
	"github.com/yoshihisa11132/fileup/internal/config"
	"github.com/yoshihisa11132/fileup/internal/domain/mode"
	"github.com/yoshihisa11132/fileup/internal/security/naming"
	"github.com/yoshihisa11132/fileup/internal/security/validate"
)

// DownloadRequest — параметры скачивания.
type DownloadRequest struct {
	Name      string
	APIKey    string
	ClientIP  string
	UserAgent string
}

// Download — открытый для отдачи файл. Вызывающий обязан закрыть File.
type Download struct {
	File         *os.File
	Info         os.FileInfo
	Name         string
	OriginalName string
	MIME         string
}

// ETag возвращает md5(имя + mtime) в кавычках.
func (d *Download) ETag() string {
	return etag(d.Name, d.Info)
}

// DownloadGateway — отдача сохранённых файлов.
type DownloadGateway struct {
	gateway
}

// NewDownloadGateway создаёт шлюз скачивания.
func NewDownloadGateway(cfg *config.Config, d Deps, logger *slog.Logger) *DownloadGateway {
	return &DownloadGateway{gateway: newGateway(cfg, d, logger, "download_gateway")}
}

// Open проверяет запрос и открывает файл.
func (g *DownloadGateway) Open(ctx context.Context, req DownloadRequest) (*Download, *Error) {
	serr := runGates(
		g.modeGate(mode.OpDownload),
		g.nameGate(req.Name),
		g.apiKeyGate(ctx, g.cfg.DownloadAuth, req.APIKey, req.ClientIP),
		g.existsGate(req.Name),
	)
	if serr != nil {
		return nil, serr
	}
	return g.open(req.Name)
}

// open открывает файл без проверок доступа (они уже выполнены).
func (g *gateway) open(name string) (*Download, *Error) {
	f, err := g.d.Files.Open(name)
	if err != nil {
		return nil, notFoundError("Файл не найден")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		g.logger.Error("Ошибка stat файла",
			slog.String("file", name),
			slog.String("error", err.Error()),
		)
		return nil, internalError()
	}

	mimeType, err := validate.Sniff(f.Name())
	if err != nil {
		mimeType = "application/octet-stream"
	}

	return &Download{
		File:         f,
		Info:         info,
		Name:         name,
		OriginalName: naming.RestoreOriginal(name),
		MIME:         mimeType,
	}, nil
}

// Serve отдаёт файл через http.ServeContent: Range, If-None-Match и
// If-Modified-Since обрабатываются стандартной библиотекой.
func (g *DownloadGateway) Serve(w http.ResponseWriter, r *http.Request, req DownloadRequest) *Error {
	dl, serr := g.Open(r.Context(), req)
	if serr != nil {
		middleware.OperationsTotal.WithLabelValues("download", "rejected").Inc()
		return serr
	}
	defer dl.File.Close()

	serveDownload(w, r, dl)

	middleware.OperationsTotal.WithLabelValues("download", "success").Inc()
	g.d.Audit.Record(r.Context(), audit.Event{
		ClientIP:  req.ClientIP,
		UserAgent: req.UserAgent,
		Action:    audit.ActionDownload,
		File:      dl.Name,
		APIKey:    req.APIKey,
	})
	g.logger.Debug("Файл отдан",
		slog.String("file", dl.Name),
		slog.Int64("size", dl.Info.Size()),
	)
	return nil
}

// serveDownload пишет заголовки вложения и тело файла.
func serveDownload(w http.ResponseWriter, r *http.Request, dl *Download) {
	h := w.Header()
	h.Set("Content-Type", dl.MIME)
	h.Set("Content-Disposition", contentDisposition(dl.OriginalName))
	h.Set("ETag", dl.ETag())
	h.Set("Cache-Control", "private, max-age=3600")
	h.Set("Accept-Ranges", "bytes")
	http.ServeContent(w, r, dl.OriginalName, dl.Info.ModTime(), dl.File)
}

// contentDisposition формирует attachment с ASCII-именем и filename* (RFC 5987).
func contentDisposition(name string) string {
	ascii := make([]rune, 0, len(name))
	for _, r := range name {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			r = '_'
		}
		ascii = append(ascii, r)
	}
	return `attachment; filename="` + string(ascii) + `"; filename*=UTF-8''` + url.PathEscape(name)
}

func etag(name string, info os.FileInfo) string {
	sum := md5.Sum([]byte(name + strconv.FormatInt(info.ModTime().UnixNano(), 10))) //nolint:gosec
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
