// Пакет thumbnail — генерация миниатюр изображений по запросу с кэшированием на диске.
//
// Путь миниатюры детерминирован: thumbs/<w>x<h>_<имя>. Если миниатюра уже
// существует и не старше исходного файла, она возвращается без пересчёта,
// поэтому замена исходника автоматически приводит к регенерации.
package thumbnail

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // регистрация декодера GIF
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "golang.org/x/image/bmp" // регистрация декодера BMP
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // регистрация декодера WebP

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/yoshihisa11132/fileup/internal/lock"
)

const (
	// jpegQuality — качество JPEG-миниатюр.
	jpegQuality = 85
	// maxSourcePixels — предел размера исходника, защищает от «бомб» декомпрессии.
	maxSourcePixels = 50_000_000
)

var (
	// ErrUnsupported — файл не является поддерживаемым изображением.
	ErrUnsupported = errors.New("формат изображения не поддерживается")
	// ErrDecode — изображение повреждено.
	ErrDecode = errors.New("ошибка декодирования изображения")
)

// imageExtensions — расширения, для которых строятся миниатюры.
var imageExtensions = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true, "webp": true, "bmp": true,
}

// pngSuffixed — расширения, миниатюры которых кодируются в PNG с доп. суффиксом.
var pngSuffixed = map[string]bool{"gif": true, "webp": true, "bmp": true}

var derivedPattern = regexp.MustCompile(`^\d+x\d+_(.+)$`)

// thumbnailsTotal — результаты запросов миниатюр (generated, cached, failed).
var thumbnailsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fu_thumbnail_generated_total",
		Help: "Общее количество запросов миниатюр по результату",
	},
	[]string{"result"},
)

// Pipeline строит и кэширует миниатюры.
type Pipeline struct {
	dir         string
	maxDim      int
	locker      lock.Locker
	lockTimeout time.Duration
	logger      *slog.Logger
}

// New создаёт Pipeline. Директория миниатюр создаётся при необходимости.
func New(dir string, maxDim int, locker lock.Locker, lockTimeout time.Duration, logger *slog.Logger) (*Pipeline, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию миниатюр %s: %w", dir, err)
	}
	return &Pipeline{
		dir:         dir,
		maxDim:      maxDim,
		locker:      locker,
		lockTimeout: lockTimeout,
		logger:      logger.With(slog.String("component", "thumbnail")),
	}, nil
}

// IsImage сообщает, поддерживаются ли миниатюры для имени файла.
func IsImage(name string) bool {
	return imageExtensions[extension(name)]
}

// Path возвращает детерминированный путь миниатюры.
func (p *Pipeline) Path(sourceName string, w, h int) string {
	name := strconv.Itoa(w) + "x" + strconv.Itoa(h) + "_" + sourceName
	if pngSuffixed[extension(sourceName)] {
		name += ".png"
	}
	return filepath.Join(p.dir, name)
}

// SourceName восстанавливает имя исходника из имени миниатюры.
func SourceName(derived string) (string, bool) {
	m := derivedPattern.FindStringSubmatch(derived)
	if m == nil {
		return "", false
	}
	src := m[1]
	if trimmed := strings.TrimSuffix(src, ".png"); trimmed != src && pngSuffixed[extension(trimmed)] {
		src = trimmed
	}
	return src, true
}

// Thumbnail возвращает путь к миниатюре sourcePath размером не более w×h.
func (p *Pipeline) Thumbnail(ctx context.Context, sourcePath string, w, h int) (string, error) {
	sourceName := filepath.Base(sourcePath)
	if !IsImage(sourceName) {
		thumbnailsTotal.WithLabelValues("failed").Inc()
		return "", ErrUnsupported
	}
	w = clamp(w, 1, p.maxDim)
	h = clamp(h, 1, p.maxDim)

	srcInfo, err := os.Stat(sourcePath)
	if err != nil {
		thumbnailsTotal.WithLabelValues("failed").Inc()
		return "", fmt.Errorf("исходный файл недоступен: %w", err)
	}

	derived := p.Path(sourceName, w, h)
	if fresh(derived, srcInfo) {
		thumbnailsTotal.WithLabelValues("cached").Inc()
		return derived, nil
	}

	err = lock.WithLock(ctx, p.locker, "thumb_"+filepath.Base(derived), p.lockTimeout, func() error {
		// Пока ждали блокировку, миниатюру мог построить другой запрос
		if fresh(derived, srcInfo) {
			return nil
		}
		return p.generate(sourcePath, derived, w, h)
	})
	if err != nil {
		thumbnailsTotal.WithLabelValues("failed").Inc()
		p.logger.Warn("Не удалось построить миниатюру",
			slog.String("source", sourceName),
			slog.Int("width", w),
			slog.Int("height", h),
			slog.String("error", err.Error()),
		)
		return "", err
	}

	thumbnailsTotal.WithLabelValues("generated").Inc()
	return derived, nil
}

// generate декодирует, масштабирует и атомарно записывает миниатюру.
func (p *Pipeline) generate(sourcePath, derived string, w, h int) error {
	f, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("ошибка открытия исходника: %w", err)
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > maxSourcePixels {
		return fmt.Errorf("%w: размер %dx%d", ErrUnsupported, cfg.Width, cfg.Height)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("ошибка чтения исходника: %w", err)
	}

	src, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}

	sb := src.Bounds()
	tw, th := fit(sb.Dx(), sb.Dy(), w, h)
	rect := image.Rect(0, 0, tw, th)
	asJPEG := IsJPEG(derived)

	var dst draw.Image
	if asJPEG {
		rgba := image.NewRGBA(rect)
		draw.Draw(rgba, rect, image.NewUniform(color.White), image.Point{}, draw.Src)
		draw.CatmullRom.Scale(rgba, rect, src, sb, draw.Over, nil)
		dst = rgba
	} else {
		nrgba := image.NewNRGBA(rect)
		draw.CatmullRom.Scale(nrgba, rect, src, sb, draw.Src, nil)
		dst = nrgba
	}

	return writeAtomic(derived, func(out *os.File) error {
		if asJPEG {
			return jpeg.Encode(out, dst, &jpeg.Options{Quality: jpegQuality})
		}
		return png.Encode(out, dst)
	})
}

// RemoveFor удаляет все миниатюры исходного файла. Возвращает количество удалённых.
func (p *Pipeline) RemoveFor(sourceName string) (int, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("ошибка чтения директории миниатюр: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if src, ok := SourceName(e.Name()); ok && src == sourceName {
			if err := os.Remove(filepath.Join(p.dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Cleanup удаляет миниатюры старше maxAge и миниатюры, исходник которых
// больше не существует. Возвращает количество удалённых файлов.
func (p *Pipeline) Cleanup(maxAge time.Duration, sourceExists func(name string) bool) (int, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("ошибка чтения директории миниатюр: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		src, ok := SourceName(e.Name())
		stale := info.ModTime().Before(cutoff)
		orphan := ok && !sourceExists(src)
		// Брошенные temp-файлы тоже попадают под возрастной критерий
		if !stale && !orphan {
			continue
		}
		if err := os.Remove(filepath.Join(p.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("Не удалось удалить миниатюру",
				slog.String("name", e.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	return removed, nil
}

// fresh: миниатюра существует и не старше исходника.
func fresh(derived string, src os.FileInfo) bool {
	info, err := os.Stat(derived)
	return err == nil && !info.ModTime().Before(src.ModTime())
}

// fit вписывает sw×sh в w×h с сохранением пропорций, без увеличения.
func fit(sw, sh, w, h int) (int, int) {
	if sw <= w && sh <= h {
		return sw, sh
	}
	ratio := float64(w) / float64(sw)
	if r := float64(h) / float64(sh); r < ratio {
		ratio = r
	}
	tw := int(float64(sw)*ratio + 0.5)
	th := int(float64(sh)*ratio + 0.5)
	return max(tw, 1), max(th, 1)
}

// writeAtomic пишет файл через temp + fsync + rename.
func writeAtomic(path string, encode func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".thumb-*.tmp")
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := tmp.Name()

	if err := encode(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка кодирования миниатюры: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

// IsJPEG сообщает, кодируется ли миниатюра по этому пути в JPEG.
func IsJPEG(path string) bool {
	ext := extension(path)
	return ext == "jpg" || ext == "jpeg"
}

func extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
