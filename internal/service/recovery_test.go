package service

import (
	"context"
	"os"
	"testing"

	"github.com/yoshihisa11132/fileup/internal/storage/wal"
)

// TestRecoverPending проверяет откат прерванных операций.
func TestRecoverPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Прерванная загрузка: файл и запись уже есть, коммита нет
	if err := os.WriteFile(env.deps.Files.FullPath("half.txt"), []byte("half"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := env.deps.DeleteKeys.Store(ctx, "half.txt", "1", "127.0.0.1"); err != nil {
		t.Fatal(err)
	}
	up, _ := env.deps.WAL.Start(wal.OpUpload, "half.txt")

	// Прерванное удаление: файл уже удалён, запись осталась
	if err := env.deps.DeleteKeys.Store(ctx, "removed.txt", "2", "127.0.0.1"); err != nil {
		t.Fatal(err)
	}
	del, _ := env.deps.WAL.Start(wal.OpDelete, "removed.txt")

	// Прерванное удаление до удаления файла: всё остаётся
	kept := env.uploadText(t, "kept.txt", "kept", "3")
	delKept, _ := env.deps.WAL.Start(wal.OpDelete, kept.StoredFilename)

	res := RecoverPending(ctx, env.deps, env.logger)
	if res.Uploads != 1 || res.Deletes != 2 || res.Errors != 0 {
		t.Fatalf("результат: %+v", res)
	}

	if env.deps.Files.Exists("half.txt") {
		t.Error("файл прерванной загрузки должен быть удалён")
	}
	for _, name := range []string{"half.txt", "removed.txt"} {
		if _, ok, _ := env.deps.DeleteKeys.Lookup(ctx, name); ok {
			t.Errorf("запись %s должна быть удалена", name)
		}
	}
	if !env.deps.Files.Exists(kept.StoredFilename) {
		t.Error("существующий файл не должен удаляться")
	}
	if _, ok, _ := env.deps.DeleteKeys.Lookup(ctx, kept.StoredFilename); !ok {
		t.Error("запись существующего файла должна остаться")
	}

	for _, id := range []string{up.TransactionID, del.TransactionID, delKept.TransactionID} {
		e, err := env.deps.WAL.Get(id)
		if err != nil || e.Status != wal.StatusRolledBack {
			t.Errorf("транзакция %s: %+v, %v", id, e, err)
		}
	}
	if pending, _ := env.deps.WAL.Pending(); len(pending) != 0 {
		t.Errorf("после восстановления pending-записей нет: %d", len(pending))
	}
}
