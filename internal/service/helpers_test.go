package service

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yoshihisa11132/fileup/internal/audit"
	"github.com/yoshihisa11132/fileup/internal/config"
	"github.com/yoshihisa11132/fileup/internal/domain/model"
	"github.com/yoshihisa11132/fileup/internal/storage/apikeys"
)

// memAudit — Recorder, сохраняющий события в памяти.
type memAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memAudit) Record(_ context.Context, e audit.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *memAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Action
	}
	return out
}

func (m *memAudit) last() audit.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return audit.Event{}
	}
	return m.events[len(m.events)-1]
}

// testEnv — собранные компоненты и шлюзы поверх t.TempDir().
type testEnv struct {
	cfg       *config.Config
	deps      Deps
	audit     *memAudit
	upload    *UploadGateway
	download  *DownloadGateway
	deleter   *DeleteGateway
	listing   *ListingService
	thumbs    *ThumbnailService
	cleanup   *CleanupService
	reconcile *ReconcileService
	logger    *slog.Logger
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
		Locker:              "file",
		APIRateLimit:        1000,
		APIRateWindow:       time.Hour,
		DeleteRateLimit:     5,
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
		Mode:                "rw",
	}
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig(t)
	for _, m := range mutate {
		m(cfg)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	rec := &memAudit{}

	d, err := NewDeps(cfg, rec, logger)
	if err != nil {
		t.Fatalf("ошибка сборки компонентов: %v", err)
	}
	return &testEnv{
		cfg:       cfg,
		deps:      d,
		audit:     rec,
		upload:    NewUploadGateway(cfg, d, logger),
		download:  NewDownloadGateway(cfg, d, logger),
		deleter:   NewDeleteGateway(cfg, d, logger),
		listing:   NewListingService(cfg, d, logger),
		thumbs:    NewThumbnailService(cfg, d, logger),
		cleanup:   NewCleanupService(cfg, d, logger),
		reconcile: NewReconcileService(cfg, d, logger),
		logger:    logger,
	}
}

// apiKey создаёт действующий API-ключ.
func (e *testEnv) apiKey(t *testing.T) string {
	t.Helper()
	token, err := e.deps.APIKeys.Create(context.Background(), apikeys.CreateParams{Name: "tests"})
	if err != nil {
		t.Fatalf("ошибка создания API-ключа: %v", err)
	}
	return token
}

// uploadText загружает текстовый файл и требует успеха.
func (e *testEnv) uploadText(t *testing.T, name, content, deleteKey string) *model.UploadResult {
	t.Helper()
	res, serr := e.upload.Upload(context.Background(), UploadRequest{
		Body:         strings.NewReader(content),
		DeclaredSize: int64(len(content)),
		OriginalName: name,
		DeleteKey:    deleteKey,
		ClientIP:     "198.51.100.7",
		UserAgent:    "tests",
	})
	if serr != nil {
		t.Fatalf("загрузка %s: %v", name, serr)
	}
	return res
}

// listAll возвращает имена файлов из листинга.
func (e *testEnv) listAll(t *testing.T, key string) []string {
	t.Helper()
	list, serr := e.listing.List(context.Background(), ListParams{APIKey: key, Limit: MaxListLimit})
	if serr != nil {
		t.Fatalf("листинг: %v", serr)
	}
	names := make([]string, 0, len(list.Items))
	for _, it := range list.Items {
		names = append(names, it.StoredFilename)
	}
	return names
}

func contains(items []string, s string) bool {
	for _, it := range items {
		if it == s {
			return true
		}
	}
	return false
}

// jpegBytes возвращает JPEG w×h.
func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

const pdfContent = "%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n"
