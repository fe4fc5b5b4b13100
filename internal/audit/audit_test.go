package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l, err := New(Config{
		Path:       filepath.Join(t.TempDir(), "logs", "audit.log"),
		MaxSizeMB:  1,
		MaxBackups: 2,
	})
	if err != nil {
		t.Fatalf("ошибка создания журнала: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// TestRecord_Fields проверяет набор полей строки.
func TestRecord_Fields(t *testing.T) {
	l := newTestLogger(t)
	const apiKey = "ak_0123456789abcdef"

	l.Record(context.Background(), Event{
		Time:      time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC),
		ClientIP:  "203.0.113.5",
		UserAgent: "curl/8.5",
		Action:    ActionUpload,
		File:      "2026-04-02_08-30-00_aa_report.pdf",
		APIKey:    apiKey,
		Detail:    "size=2048",
	})

	lines, err := l.Tail(10)
	if err != nil {
		t.Fatalf("ошибка Tail: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("ожидалась одна строка, получено %d: %v", len(lines), lines)
	}
	line := lines[0]
	for _, want := range []string{
		"ts=2026-04-02T08:30:00Z",
		"ip=203.0.113.5",
		"ua=curl/8.5",
		"action=UPLOAD",
		"file=2026-04-02_08-30-00_aa_report.pdf",
		"key=" + KeyFingerprint(apiKey),
		`detail="size=2048"`,
	} {
		if !strings.Contains(line, want) {
			t.Errorf("строка %q не содержит %q", line, want)
		}
	}
	if strings.Contains(line, apiKey) {
		t.Error("сырой API-ключ не должен попадать в журнал")
	}
	if strings.Contains(line, "level=") || strings.Contains(line, "msg=") {
		t.Errorf("служебные поля slog не нужны: %q", line)
	}
}

// TestRecord_UserAgentSanitized проверяет обрезку и экранирование User-Agent.
func TestRecord_UserAgentSanitized(t *testing.T) {
	l := newTestLogger(t)

	l.Record(context.Background(), Event{Action: ActionDownload, UserAgent: "evil\nua=forged " + strings.Repeat("x", 300)})

	lines, _ := l.Tail(5)
	if len(lines) != 1 {
		t.Fatalf("перевод строки в UA не должен разрывать запись: %v", lines)
	}
	if !strings.Contains(lines[0], `\n`) {
		t.Errorf("управляющий символ должен быть экранирован: %q", lines[0])
	}
	if strings.Count(lines[0], "x") > maxUALen {
		t.Error("UA должен быть обрезан")
	}
	if !strings.Contains(lines[0], "key=-") || !strings.Contains(lines[0], "ip=-") {
		t.Errorf("пустые поля пишутся как '-': %q", lines[0])
	}
}

// TestTail проверяет чтение последних строк.
func TestTail(t *testing.T) {
	l := newTestLogger(t)
	ctx := context.Background()

	if lines, err := l.Tail(5); err != nil || len(lines) != 0 {
		t.Fatalf("пустой журнал: %v, %v", lines, err)
	}

	for i := 0; i < 2000; i++ {
		l.Record(ctx, Event{Action: ActionDownload, File: fmt.Sprintf("f-%04d", i)})
	}

	lines, err := l.Tail(100)
	if err != nil {
		t.Fatalf("ошибка Tail: %v", err)
	}
	if len(lines) != 100 {
		t.Fatalf("ожидалось 100 строк, получено %d", len(lines))
	}
	if !strings.Contains(lines[0], "file=f-1900") || !strings.Contains(lines[99], "file=f-1999") {
		t.Errorf("неожиданные границы: %q … %q", lines[0], lines[99])
	}
}

// TestKeyFingerprint проверяет отпечаток ключа.
func TestKeyFingerprint(t *testing.T) {
	if KeyFingerprint("") != "-" {
		t.Error("пустой ключ → '-'")
	}
	fp := KeyFingerprint("ak_secret")
	if len(fp) != 8 || fp == KeyFingerprint("ak_other") {
		t.Errorf("неожиданный отпечаток: %q", fp)
	}
}

// TestNew_CreatesDirectory проверяет создание директории журнала.
func TestNew_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	l, err := New(Config{Path: filepath.Join(dir, "audit.log"), MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("ошибка New: %v", err)
	}
	defer l.Close()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("директория не создана: %v", err)
	}
}
