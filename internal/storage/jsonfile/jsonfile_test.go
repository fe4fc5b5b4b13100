package jsonfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// TestWriteRead проверяет запись и чтение карты записей.
func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "data.json")

	in := map[string]record{"a": {Name: "alpha", Count: 2}}
	if err := Write(path, in); err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}

	var out map[string]record
	if err := Read(path, &out); err != nil {
		t.Fatalf("ошибка чтения: %v", err)
	}
	if out["a"].Name != "alpha" || out["a"].Count != 2 {
		t.Errorf("неожиданные данные: %+v", out)
	}

	// temp-файлы не остаются в директории
	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("остался временный файл %s", e.Name())
		}
	}
}

// TestRead_Missing проверяет, что отсутствующий файл — пустое состояние.
func TestRead_Missing(t *testing.T) {
	var out map[string]record
	if err := Read(filepath.Join(t.TempDir(), "nope.json"), &out); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("ожидалась пустая карта, получено %v", out)
	}
}

// TestRead_Corrupt проверяет, что повреждённый файл даёт пустое состояние и ErrCorrupt.
func TestRead_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("ошибка записи: %v", err)
	}

	out := map[string]record{"stale": {Name: "x"}}
	err := Read(path, &out)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("ожидалась ErrCorrupt, получено %v", err)
	}
	if len(out) != 0 {
		t.Errorf("после ошибки разбора ожидалось пустое значение, получено %v", out)
	}
}
