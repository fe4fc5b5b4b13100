package service

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"

	apierrors "github.com/yoshihisa11132/fileup/internal/api/errors"
	"github.com/yoshihisa11132/fileup/internal/audit"
	"github.com/yoshihisa11132/fileup/internal/config"
	"github.com/yoshihisa11132/fileup/internal/domain/mode"
	"github.com/yoshihisa11132/fileup/internal/storage/deletekeys"
)

// TestUpload_Success проверяет успешную загрузку и сопутствующие записи.
func TestUpload_Success(t *testing.T) {
	env := newTestEnv(t)

	res := env.uploadText(t, "notes.txt", "hello world", "42")

	if !strings.HasSuffix(res.StoredFilename, "_notes.txt") {
		t.Errorf("имя хранения: %s", res.StoredFilename)
	}
	if res.OriginalFilename != "notes.txt" || res.Size != 11 || !res.Deletable || res.DeleteKey != "42" {
		t.Errorf("неожиданный результат: %+v", res)
	}
	if !strings.HasPrefix(res.MIME, "text/plain") {
		t.Errorf("MIME: %s", res.MIME)
	}
	if res.DownloadURL != "/api/v1/files/"+res.StoredFilename ||
		res.DeleteURL != "/api/v1/files/"+res.StoredFilename+"/delete" {
		t.Errorf("ссылки: %s %s", res.DownloadURL, res.DeleteURL)
	}
	if !env.deps.Files.Exists(res.StoredFilename) {
		t.Error("файл должен быть на диске")
	}
	rec, ok, err := env.deps.DeleteKeys.Lookup(context.Background(), res.StoredFilename)
	if err != nil || !ok || rec.DeleteKey != "42" {
		t.Errorf("запись delete-ключа: %+v ok=%v err=%v", rec, ok, err)
	}
	if pending, _ := env.deps.WAL.Pending(); len(pending) != 0 {
		t.Errorf("незавершённых транзакций быть не должно: %d", len(pending))
	}
	ev := env.audit.last()
	if ev.Action != audit.ActionUpload || ev.File != res.StoredFilename || ev.ClientIP != "198.51.100.7" {
		t.Errorf("событие аудита: %+v", ev)
	}
}

// TestUpload_NoDeleteKey проверяет сохранение неудаляемого файла.
func TestUpload_NoDeleteKey(t *testing.T) {
	env := newTestEnv(t)

	res := env.uploadText(t, "readme.txt", "permanent", "")
	if res.Deletable || res.DeleteKey != "" {
		t.Errorf("файл без ключа не удаляется: %+v", res)
	}
	rec, ok, _ := env.deps.DeleteKeys.Lookup(context.Background(), res.StoredFilename)
	if !ok || rec.DeleteKey != deletekeys.Sentinel {
		t.Errorf("ожидался служебный ключ, получено %+v", rec)
	}
}

// TestUpload_ExtensionOverride проверяет замену расширения.
func TestUpload_ExtensionOverride(t *testing.T) {
	env := newTestEnv(t)

	res, serr := env.upload.Upload(context.Background(), UploadRequest{
		Body:              strings.NewReader("plain"),
		DeclaredSize:      -1,
		OriginalName:      "blob.bin",
		ExtensionOverride: ".txt",
		ClientIP:          "198.51.100.7",
	})
	if serr != nil {
		t.Fatalf("неожиданная ошибка: %v", serr)
	}
	if !strings.HasSuffix(res.StoredFilename, "_blob.txt") {
		t.Errorf("имя хранения: %s", res.StoredFilename)
	}
}

// TestUpload_Rejections проверяет отказы до записи на диск.
func TestUpload_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*config.Config)
		req        UploadRequest
		wantStatus int
		wantCode   string
	}{
		{
			name:       "запрещённое расширение",
			req:        UploadRequest{OriginalName: "shell.php", Body: strings.NewReader("x")},
			wantStatus: http.StatusBadRequest,
			wantCode:   apierrors.CodeForbiddenExtension,
		},
		{
			name:       "замаскированное запрещённое расширение",
			req:        UploadRequest{OriginalName: "shell.PHP", Body: strings.NewReader("x")},
			wantStatus: http.StatusBadRequest,
			wantCode:   apierrors.CodeForbiddenExtension,
		},
		{
			name:       "расширение вне списка",
			req:        UploadRequest{OriginalName: "data.xyz", Body: strings.NewReader("x")},
			wantStatus: http.StatusBadRequest,
			wantCode:   apierrors.CodeUnsupportedExtension,
		},
		{
			name:       "нечисловой ключ удаления",
			req:        UploadRequest{OriginalName: "a.txt", DeleteKey: "abc", Body: strings.NewReader("x")},
			wantStatus: http.StatusBadRequest,
			wantCode:   apierrors.CodeValidationError,
		},
		{
			name:       "заявленный размер больше лимита",
			req:        UploadRequest{OriginalName: "a.txt", DeclaredSize: 2 << 20, Body: strings.NewReader("x")},
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   apierrors.CodeFileTooLarge,
		},
		{
			name:       "нет API-ключа при обязательной аутентификации",
			mutate:     func(c *config.Config) { c.UploadAuth = config.AuthRequired },
			req:        UploadRequest{OriginalName: "a.txt", Body: strings.NewReader("x")},
			wantStatus: http.StatusUnauthorized,
			wantCode:   apierrors.CodeUnauthorized,
		},
		{
			name:       "неизвестный API-ключ",
			req:        UploadRequest{OriginalName: "a.txt", APIKey: "ak_unknown", Body: strings.NewReader("x")},
			wantStatus: http.StatusUnauthorized,
			wantCode:   apierrors.CodeUnauthorized,
		},
		{
			name:       "пустой файл",
			req:        UploadRequest{OriginalName: "a.txt", Body: strings.NewReader("")},
			wantStatus: http.StatusBadRequest,
			wantCode:   apierrors.CodeValidationError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mutators []func(*config.Config)
			if tt.mutate != nil {
				mutators = append(mutators, tt.mutate)
			}
			env := newTestEnv(t, mutators...)
			tt.req.ClientIP = "198.51.100.7"

			_, serr := env.upload.Upload(context.Background(), tt.req)
			if serr == nil {
				t.Fatal("ожидался отказ")
			}
			if serr.StatusCode != tt.wantStatus || serr.Code != tt.wantCode {
				t.Errorf("ожидалось %d %s, получено %d %s", tt.wantStatus, tt.wantCode, serr.StatusCode, serr.Code)
			}
			if entries, _ := env.deps.Files.List(); len(entries) != 0 {
				t.Errorf("после отказа на диске не должно быть файлов: %v", entries)
			}
			if ev := env.audit.last(); ev.Action != audit.ActionUploadRejected || ev.Detail != tt.wantCode {
				t.Errorf("событие аудита: %+v", ev)
			}
		})
	}
}

// TestUpload_StreamTooLarge проверяет лимит при неизвестном размере.
func TestUpload_StreamTooLarge(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.MaxFileSize = 16 })

	_, serr := env.upload.Upload(context.Background(), UploadRequest{
		Body:         strings.NewReader(strings.Repeat("a", 64)),
		DeclaredSize: -1,
		OriginalName: "big.txt",
	})
	if serr == nil || serr.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("ожидался 413, получено %v", serr)
	}
	if entries, _ := env.deps.Files.List(); len(entries) != 0 {
		t.Error("частичный файл должен быть удалён")
	}
	if pending, _ := env.deps.WAL.Pending(); len(pending) != 0 {
		t.Error("транзакция должна быть откачена")
	}
}

// TestUpload_ContentRejected проверяет отказ по содержимому.
func TestUpload_ContentRejected(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
	}{
		{"исполняемый ELF", append([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}, bytes.Repeat([]byte{0}, 64)...)},
		{"PHP-код под видом текста", []byte("hello <?php system($_GET['c']); ?>")},
		{"HTML со скриптом", []byte("<html><script>alert(1)</script></html>")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, serr := env.upload.Upload(context.Background(), UploadRequest{
				Body:         bytes.NewReader(tt.content),
				DeclaredSize: int64(len(tt.content)),
				OriginalName: "payload.txt",
				DeleteKey:    "7",
			})
			if serr == nil || serr.StatusCode != http.StatusUnprocessableEntity || serr.Kind != KindIntegrity {
				t.Fatalf("ожидался 422, получено %v", serr)
			}
			if entries, _ := env.deps.Files.List(); len(entries) != 0 {
				t.Error("отклонённый файл не должен оставаться на диске")
			}
			if files, _ := env.deps.DeleteKeys.Files(context.Background()); len(files) != 0 {
				t.Errorf("записей ключей быть не должно: %v", files)
			}
		})
	}
}

// TestUpload_ReadOnlyMode проверяет запрет загрузки в режиме ro.
func TestUpload_ReadOnlyMode(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.deps.Mode.TransitionTo(mode.ModeRO, false, "tests"); err != nil {
		t.Fatal(err)
	}

	_, serr := env.upload.Upload(context.Background(), UploadRequest{
		Body:         strings.NewReader("x"),
		OriginalName: "a.txt",
	})
	if serr == nil || serr.StatusCode != http.StatusConflict || serr.Code != apierrors.CodeModeNotAllowed {
		t.Fatalf("ожидался MODE_NOT_ALLOWED, получено %v", serr)
	}
}

// TestUpload_RateLimit проверяет ограничение частоты загрузок по IP.
func TestUpload_RateLimit(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.UploadRateLimit = 2 })
	ctx := context.Background()

	var last *Error
	for i := 0; i < 10; i++ {
		_, serr := env.upload.Upload(ctx, UploadRequest{
			Body:         strings.NewReader(fmt.Sprintf("file %d", i)),
			OriginalName: fmt.Sprintf("f%d.txt", i),
			ClientIP:     "203.0.113.9",
		})
		if serr != nil {
			last = serr
			break
		}
	}
	if last == nil || last.StatusCode != http.StatusTooManyRequests || last.RetryAfter <= 0 {
		t.Fatalf("ожидался 429 с Retry-After, получено %v", last)
	}

	// Другой IP не затронут
	if _, serr := env.upload.Upload(ctx, UploadRequest{
		Body:         strings.NewReader("other"),
		OriginalName: "other.txt",
		ClientIP:     "203.0.113.10",
	}); serr != nil {
		t.Errorf("другой IP: неожиданная ошибка %v", serr)
	}
}

// TestUpload_WithAPIKey проверяет загрузку с действующим ключом.
func TestUpload_WithAPIKey(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.UploadAuth = config.AuthRequired })
	key := env.apiKey(t)

	_, serr := env.upload.Upload(context.Background(), UploadRequest{
		Body:         strings.NewReader("with key"),
		OriginalName: "k.txt",
		APIKey:       key,
		ClientIP:     "198.51.100.7",
	})
	if serr != nil {
		t.Fatalf("неожиданная ошибка: %v", serr)
	}
	rec, err := env.deps.APIKeys.Get(context.Background(), key)
	if err != nil || rec.UsageCount != 1 {
		t.Errorf("счётчик использования: %+v, %v", rec, err)
	}
}

// TestUpload_Concurrent проверяет параллельные загрузки.
func TestUpload_Concurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const n = 20

	var wg sync.WaitGroup
	names := make(chan string, n)
	errs := make(chan *Error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, serr := env.upload.Upload(ctx, UploadRequest{
				Body:         strings.NewReader(fmt.Sprintf("content %d", i)),
				OriginalName: "same.txt",
				DeleteKey:    fmt.Sprint(100 + i),
				ClientIP:     "198.51.100.7",
			})
			if serr != nil {
				errs <- serr
				return
			}
			names <- res.StoredFilename
		}(i)
	}
	wg.Wait()
	close(names)
	close(errs)

	for serr := range errs {
		t.Errorf("неожиданная ошибка: %v", serr)
	}
	seen := make(map[string]bool)
	for name := range names {
		if seen[name] {
			t.Errorf("имя %s выдано дважды", name)
		}
		seen[name] = true
	}
	if len(seen) != n {
		t.Fatalf("ожидалось %d файлов, получено %d", n, len(seen))
	}
	files, _ := env.deps.DeleteKeys.Files(ctx)
	if len(files) != n {
		t.Errorf("ожидалось %d записей ключей, получено %d", n, len(files))
	}
	entries, _ := os.ReadDir(env.cfg.FilesDir())
	if len(entries) != n {
		t.Errorf("ожидалось %d файлов на диске, получено %d", n, len(entries))
	}
}

// TestApplyExtension проверяет замену расширения.
func TestApplyExtension(t *testing.T) {
	tests := []struct{ name, override, want string }{
		{"a.bin", "txt", "a.txt"},
		{"a.bin", ".txt", "a.txt"},
		{"a.bin", "", "a.bin"},
		{"noext", "pdf", "noext.pdf"},
	}
	for _, tt := range tests {
		if got := applyExtension(tt.name, tt.override); got != tt.want {
			t.Errorf("applyExtension(%q, %q) = %q, ожидалось %q", tt.name, tt.override, got, tt.want)
		}
	}
}
