// files.go — HTTP-обработчики файловых операций: загрузка, скачивание,
// миниатюры, листинг и двухфазное удаление.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/yoshihisa11132/fileup/internal/api/errors"
	"github.com/yoshihisa11132/fileup/internal/api/middleware"
	"github.com/yoshihisa11132/fileup/internal/service"
)

// multipartOverhead — запас на заголовки multipart сверх MaxFileSize.
const multipartOverhead = 1 << 20

// multipartMemory — объём формы в памяти; остальное ParseMultipartForm пишет во временные файлы.
const multipartMemory = 8 << 20

// FilesHandler — обработчик файловых endpoints.
type FilesHandler struct {
	upload      *service.UploadGateway
	download    *service.DownloadGateway
	deleter     *service.DeleteGateway
	listing     *service.ListingService
	thumbs      *service.ThumbnailService
	maxFileSize int64
	logger      *slog.Logger
}

// NewFilesHandler создаёт обработчик файловых endpoints.
func NewFilesHandler(
	upload *service.UploadGateway,
	download *service.DownloadGateway,
	deleter *service.DeleteGateway,
	listing *service.ListingService,
	thumbs *service.ThumbnailService,
	maxFileSize int64,
	logger *slog.Logger,
) *FilesHandler {
	return &FilesHandler{
		upload:      upload,
		download:    download,
		deleter:     deleter,
		listing:     listing,
		thumbs:      thumbs,
		maxFileSize: maxFileSize,
		logger:      logger.With(slog.String("component", "files_handler")),
	}
}

// Upload обрабатывает POST /api/v1/files/upload.
//
// Два формата:
//   - multipart/form-data: поле file, необязательные delete_key и api_token;
//   - сырое тело: имя в X-Filename, необязательные X-Extension и X-Delete-Key.
//     Требуется непустой User-Agent.
func (h *FilesHandler) Upload(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		h.uploadMultipart(w, r)
		return
	}
	h.uploadRaw(w, r)
}

func (h *FilesHandler) uploadMultipart(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierrors.WriteError(w, http.StatusRequestEntityTooLarge, apierrors.CodeFileTooLarge,
				"Размер запроса превышает допустимый")
			return
		}
		apierrors.ValidationError(w, "Ошибка разбора multipart: "+err.Error())
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		apierrors.ValidationError(w, "Поле 'file' обязательно")
		return
	}
	defer file.Close()

	apiKey := apiKeyFrom(r)
	if apiKey == "" {
		apiKey = strings.TrimSpace(r.FormValue("api_token"))
	}

	h.doUpload(w, r, service.UploadRequest{
		Body:         file,
		DeclaredSize: header.Size,
		OriginalName: header.Filename,
		APIKey:       apiKey,
		DeleteKey:    strings.TrimSpace(r.FormValue("delete_key")),
	})
}

func (h *FilesHandler) uploadRaw(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(r.UserAgent()) == "" {
		apierrors.ValidationError(w, "Требуется заголовок User-Agent")
		return
	}
	name := strings.TrimSpace(r.Header.Get("X-Filename"))
	if name == "" {
		apierrors.ValidationError(w, "Требуется заголовок X-Filename или multipart-поле file")
		return
	}

	h.doUpload(w, r, service.UploadRequest{
		Body:              r.Body,
		DeclaredSize:      r.ContentLength,
		OriginalName:      name,
		ExtensionOverride: r.Header.Get("X-Extension"),
		APIKey:            apiKeyFrom(r),
		DeleteKey:         strings.TrimSpace(r.Header.Get("X-Delete-Key")),
	})
}

func (h *FilesHandler) doUpload(w http.ResponseWriter, r *http.Request, req service.UploadRequest) {
	req.ClientIP = clientIP(r)
	req.UserAgent = r.UserAgent()

	res, serr := h.upload.Upload(r.Context(), req)
	if serr != nil {
		writeServiceError(w, serr)
		return
	}
	apierrors.WriteSuccess(w, http.StatusCreated, "Файл загружен", res)
}

// Download обрабатывает GET /api/v1/files/{name}.
// Range, If-None-Match и If-Modified-Since обрабатывает http.ServeContent.
func (h *FilesHandler) Download(w http.ResponseWriter, r *http.Request) {
	serr := h.download.Serve(w, r, service.DownloadRequest{
		Name:      chi.URLParam(r, "name"),
		APIKey:    apiKeyFrom(r),
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if serr != nil {
		writeServiceError(w, serr)
	}
}

// Thumbnail обрабатывает GET /api/v1/files/{name}/thumbnail?w=&h=&fallback=.
func (h *FilesHandler) Thumbnail(w http.ResponseWriter, r *http.Request) {
	var width, height *int
	var fallback *bool
	if !bindQuery(w, r, "w", &width) || !bindQuery(w, r, "h", &height) || !bindQuery(w, r, "fallback", &fallback) {
		return
	}

	req := service.ThumbnailRequest{
		Name:      chi.URLParam(r, "name"),
		APIKey:    apiKeyFrom(r),
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
	}
	if width != nil {
		req.Width = *width
	}
	if height != nil {
		req.Height = *height
	}
	if fallback != nil {
		req.Fallback = *fallback
	}

	if serr := h.thumbs.Serve(w, r, req); serr != nil {
		writeServiceError(w, serr)
	}
}

// List обрабатывает GET /api/v1/files?limit=&offset=.
func (h *FilesHandler) List(w http.ResponseWriter, r *http.Request) {
	var limit, offset *int
	if !bindQuery(w, r, "limit", &limit) || !bindQuery(w, r, "offset", &offset) {
		return
	}

	p := service.ListParams{APIKey: apiKeyFrom(r), ClientIP: clientIP(r)}
	if limit != nil {
		p.Limit = *limit
	}
	if offset != nil {
		p.Offset = *offset
	}

	list, serr := h.listing.List(r.Context(), p)
	if serr != nil {
		writeServiceError(w, serr)
		return
	}
	apierrors.WriteSuccess(w, http.StatusOK, "Список файлов", list)
}

// PrepareDelete обрабатывает GET /api/v1/files/{name}/delete (фаза 1).
func (h *FilesHandler) PrepareDelete(w http.ResponseWriter, r *http.Request) {
	c, serr := h.deleter.Prepare(r.Context(), chi.URLParam(r, "name"))
	if serr != nil {
		writeServiceError(w, serr)
		return
	}
	apierrors.WriteSuccess(w, http.StatusOK, "Подтвердите удаление", c)
}

// deleteBody — тело второй фазы удаления в JSON.
type deleteBody struct {
	Key     json.RawMessage `json:"key"`
	Confirm bool            `json:"confirm"`
}

// Delete обрабатывает POST /api/v1/files/{name}/delete (фаза 2).
// Параметры key и confirm принимаются из JSON или формы.
func (h *FilesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	req := service.DeleteRequest{
		Name:      chi.URLParam(r, "name"),
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body deleteBody
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil {
			apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
			return
		}
		req.Key = jsonKey(body.Key)
		req.Confirm = body.Confirm
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, 4096)
		if err := r.ParseForm(); err != nil {
			apierrors.ValidationError(w, "Некорректная форма: "+err.Error())
			return
		}
		req.Key = strings.TrimSpace(r.PostForm.Get("key"))
		req.Confirm = parseBool(r.PostForm.Get("confirm"))
	}

	res, serr := h.deleter.Execute(r.Context(), req)
	if serr != nil {
		writeServiceError(w, serr)
		return
	}
	apierrors.WriteSuccess(w, http.StatusOK, "Файл удалён", res)
}

// jsonKey принимает ключ и строкой ("42"), и числом (42).
func jsonKey(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}

// AdminDelete обрабатывает DELETE /api/v1/admin/files/{name}.
func (h *FilesHandler) AdminDelete(w http.ResponseWriter, r *http.Request) {
	subject := middleware.SubjectFromContext(r.Context())
	res, serr := h.deleter.AdminDelete(r.Context(), chi.URLParam(r, "name"), subject, clientIP(r))
	if serr != nil {
		writeServiceError(w, serr)
		return
	}
	apierrors.WriteSuccess(w, http.StatusOK, "Файл удалён администратором", res)
}
