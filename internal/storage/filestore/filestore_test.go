package filestore

import (
	"bytes"
	"crypto/md5" //nolint:gosec
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := New(filepath.Join(t.TempDir(), "files"))
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}
	return fs
}

// TestNew_CreatesDirectory проверяет создание директории данных.
func TestNew_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	fs, err := New(dir)
	if err != nil {
		t.Fatalf("ошибка создания FileStore: %v", err)
	}
	if fs.DataDir() != dir {
		t.Errorf("ожидался путь %s, получен %s", dir, fs.DataDir())
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("директория не создана: %v", err)
	}
}

// TestSave проверяет сохранение файла с подсчётом хэшей.
func TestSave(t *testing.T) {
	fs := newTestStore(t)
	content := []byte("Hello, World! Тестовые данные для проверки.")

	result, err := fs.Save(bytes.NewReader(content), "a.txt", 1024)
	if err != nil {
		t.Fatalf("ошибка сохранения: %v", err)
	}
	if result.Size != int64(len(content)) {
		t.Errorf("размер: ожидалось %d, получено %d", len(content), result.Size)
	}
	sha := sha256.Sum256(content)
	if result.SHA256 != hex.EncodeToString(sha[:]) {
		t.Errorf("sha256: получено %s", result.SHA256)
	}
	sum := md5.Sum(content) //nolint:gosec
	if result.MD5 != hex.EncodeToString(sum[:]) {
		t.Errorf("md5: получено %s", result.MD5)
	}

	data, err := os.ReadFile(result.FullPath)
	if err != nil || !bytes.Equal(data, content) {
		t.Errorf("содержимое не совпадает: %v", err)
	}
}

// TestSave_Limit проверяет границу размера.
func TestSave_Limit(t *testing.T) {
	fs := newTestStore(t)

	if _, err := fs.Save(strings.NewReader("12345"), "exact.txt", 5); err != nil {
		t.Fatalf("файл ровно в лимит должен сохраняться: %v", err)
	}

	_, err := fs.Save(strings.NewReader("123456"), "big.txt", 5)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("ожидалась ErrTooLarge, получено %v", err)
	}
	if fs.Exists("big.txt") {
		t.Error("файл сверх лимита не должен оставаться на диске")
	}
	tmps, _ := filepath.Glob(filepath.Join(fs.DataDir(), "*.tmp"))
	if len(tmps) != 0 {
		t.Errorf("остались временные файлы: %v", tmps)
	}
}

// TestSave_Exists проверяет защиту от перезаписи.
func TestSave_Exists(t *testing.T) {
	fs := newTestStore(t)
	if _, err := fs.Save(strings.NewReader("one"), "same.txt", 100); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Save(strings.NewReader("two"), "same.txt", 100); !errors.Is(err, ErrExists) {
		t.Fatalf("ожидалась ErrExists, получено %v", err)
	}
	data, _ := os.ReadFile(fs.FullPath("same.txt"))
	if string(data) != "one" {
		t.Error("существующий файл не должен перезаписываться")
	}
}

// TestOpenAndStat проверяет чтение и отсутствующие файлы.
func TestOpenAndStat(t *testing.T) {
	fs := newTestStore(t)
	_, _ = fs.Save(strings.NewReader("payload"), "p.txt", 100)

	f, err := fs.Open("p.txt")
	if err != nil {
		t.Fatalf("ошибка Open: %v", err)
	}
	data, _ := io.ReadAll(f)
	f.Close()
	if string(data) != "payload" {
		t.Errorf("получено %q", data)
	}

	if info, err := fs.Stat("p.txt"); err != nil || info.Size() != 7 {
		t.Errorf("Stat: %v, %v", info, err)
	}
	if _, err := fs.Open("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open: ожидалась ErrNotFound, получено %v", err)
	}
	if _, err := fs.Stat("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stat: ожидалась ErrNotFound, получено %v", err)
	}

	_ = os.Mkdir(fs.FullPath("subdir"), 0o750)
	if fs.Exists("subdir") {
		t.Error("директория не является файлом хранения")
	}
}

// TestDelete проверяет удаление, в том числе повторное.
func TestDelete(t *testing.T) {
	fs := newTestStore(t)
	_, _ = fs.Save(strings.NewReader("x"), "d.txt", 10)

	if err := fs.Delete("d.txt"); err != nil {
		t.Fatalf("ошибка удаления: %v", err)
	}
	if fs.Exists("d.txt") {
		t.Error("файл должен быть удалён")
	}
	if err := fs.Delete("d.txt"); err != nil {
		t.Errorf("повторное удаление не должно быть ошибкой: %v", err)
	}
}

// TestListAndUsage проверяет листинг и подсчёт места.
func TestListAndUsage(t *testing.T) {
	fs := newTestStore(t)
	_, _ = fs.Save(strings.NewReader("aaaa"), "a.txt", 100)
	_, _ = fs.Save(strings.NewReader("bb"), "b.txt", 100)
	_ = os.WriteFile(fs.FullPath(".hidden"), []byte("h"), 0o600)
	_ = os.WriteFile(fs.FullPath(".upload-1.tmp"), []byte("partial"), 0o600)
	_ = os.Mkdir(fs.FullPath("dir"), 0o750)

	entries, err := fs.List()
	if err != nil {
		t.Fatalf("ошибка List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ожидалось 2 файла, получено %d: %+v", len(entries), entries)
	}

	total, count, err := fs.Usage()
	if err != nil || total != 6 || count != 2 {
		t.Errorf("Usage: total=%d count=%d err=%v", total, count, err)
	}
}

// TestCleanTemp проверяет удаление старых временных файлов.
func TestCleanTemp(t *testing.T) {
	fs := newTestStore(t)
	oldTmp := fs.FullPath(".upload-old.tmp")
	newTmp := fs.FullPath(".upload-new.tmp")
	_ = os.WriteFile(oldTmp, []byte("x"), 0o600)
	_ = os.WriteFile(newTmp, []byte("y"), 0o600)
	past := time.Now().Add(-2 * time.Hour)
	_ = os.Chtimes(oldTmp, past, past)

	removed, err := fs.CleanTemp(time.Hour)
	if err != nil || removed != 1 {
		t.Fatalf("CleanTemp: removed=%d err=%v", removed, err)
	}
	if _, err := os.Stat(newTmp); err != nil {
		t.Error("свежий временный файл должен остаться")
	}
}
