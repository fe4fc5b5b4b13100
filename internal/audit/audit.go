// Пакет audit — журнал аудита операций с файлами и ключами.
//
// Одна строка на событие (slog text): ts, ip, ua, action, file, key, detail.
// Сырой API-ключ никогда не пишется, только первые 8 hex-символов его SHA-256.
// Файл ротируется по размеру (lumberjack). Запись — простое добавление без
// Locker: перемешивание строк при сбое допустимо.
package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Действия журнала аудита.
const (
	ActionUpload           = "UPLOAD"
	ActionUploadRejected   = "UPLOAD_REJECTED"
	ActionDownload         = "DOWNLOAD"
	ActionDelete           = "DELETE"
	ActionDeleteRejected   = "DELETE_REJECTED"
	ActionAdminDelete      = "ADMIN_DELETE"
	ActionAPIKeyCreate     = "APIKEY_CREATE"
	ActionAPIKeyRevoke     = "APIKEY_REVOKE"
	ActionAPIKeyDelete     = "APIKEY_DELETE"
	ActionAPIKeyReactivate = "APIKEY_REACTIVATE"
	ActionModeTransition   = "MODE_TRANSITION"
)

// maxUALen — максимальная длина User-Agent в символах.
const maxUALen = 200

// Event — событие аудита.
type Event struct {
	Time      time.Time
	ClientIP  string
	UserAgent string
	Action    string
	File      string
	APIKey    string
	Detail    string
}

// Recorder — запись событий аудита. Реализуется *Logger.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// Logger — журнал аудита поверх ротируемого файла.
type Logger struct {
	path    string
	writer  io.WriteCloser
	handler slog.Handler
}

// Config — параметры журнала.
type Config struct {
	// Path — путь к файлу журнала
	Path string
	// MaxSizeMB — порог ротации в мегабайтах
	MaxSizeMB int
	// MaxBackups — количество сохраняемых ротированных файлов
	MaxBackups int
}

// New создаёт журнал аудита. Директория создаётся при необходимости.
func New(cfg Config) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию журнала аудита: %w", err)
	}
	w := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		LocalTime:  false,
	}
	return newLogger(cfg.Path, w), nil
}

func newLogger(path string, w io.WriteCloser) *Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.LevelKey, slog.MessageKey:
				return slog.Attr{}
			case slog.TimeKey:
				return slog.String("ts", a.Value.Time().UTC().Format(time.RFC3339))
			}
			return a
		},
	})
	return &Logger{path: path, writer: w, handler: handler}
}

// Record пишет событие. Ошибки записи не возвращаются.
func (l *Logger) Record(ctx context.Context, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	r := slog.NewRecord(e.Time, slog.LevelInfo, "", 0)
	r.AddAttrs(
		slog.String("ip", orDash(e.ClientIP)),
		slog.String("ua", orDash(truncateUA(e.UserAgent))),
		slog.String("action", e.Action),
		slog.String("file", orDash(e.File)),
		slog.String("key", KeyFingerprint(e.APIKey)),
		slog.String("detail", e.Detail),
	)
	_ = l.handler.Handle(ctx, r)
}

// Close закрывает файл журнала.
func (l *Logger) Close() error {
	return l.writer.Close()
}

// Tail возвращает последние n строк текущего файла журнала (старые — первыми).
func (l *Logger) Tail(n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка открытия журнала аудита: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("ошибка stat журнала аудита: %w", err)
	}

	// Читаем блоками с конца, пока не наберём n+1 перевод строки
	const chunk = 32 * 1024
	var buf []byte
	offset := info.Size()
	for offset > 0 && bytes.Count(buf, []byte{'\n'}) <= n {
		size := int64(chunk)
		if offset < size {
			size = offset
		}
		offset -= size
		block := make([]byte, size)
		if _, err := f.ReadAt(block, offset); err != nil && err != io.EOF {
			return nil, fmt.Errorf("ошибка чтения журнала аудита: %w", err)
		}
		buf = append(block, buf...)
	}

	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	if offset > 0 && len(lines) > 0 {
		// Первая строка блока может быть обрезана
		lines = lines[1:]
	}
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// KeyFingerprint возвращает первые 8 hex-символов SHA-256 ключа или "-".
func KeyFingerprint(apiKey string) string {
	if apiKey == "" {
		return "-"
	}
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])[:8]
}

// truncateUA обрезает User-Agent до maxUALen символов.
// Управляющие символы экранирует text handler.
func truncateUA(ua string) string {
	if utf8.RuneCountInString(ua) <= maxUALen {
		return ua
	}
	return string([]rune(ua)[:maxUALen])
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Nop — Recorder, который ничего не пишет (тесты сервисов).
type Nop struct{}

// Record ничего не делает.
func (Nop) Record(context.Context, Event) {}
