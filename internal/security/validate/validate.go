// Пакет validate — проверка содержимого файла после записи на диск:
// размер, MIME-тип по содержимому, отсутствие серверных скриптов в начале файла.
//
// Проверка только читает файл. Удаление отклонённого файла — задача вызывающего.
package validate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// headSize — объём начала файла, в котором ищутся маркеры скриптов.
const headSize = 1024

var (
	// ErrNotExist — файла нет или это не обычный файл.
	ErrNotExist = errors.New("файл не найден")
	// ErrSize — пустой файл или размер превышает лимит.
	ErrSize = errors.New("недопустимый размер файла")
	// ErrMIMENotAllowed — MIME-тип содержимого не входит в список разрешённых.
	ErrMIMENotAllowed = errors.New("недопустимый тип содержимого")
	// ErrScriptDetected — в начале файла найден маркер исполняемого скрипта.
	ErrScriptDetected = errors.New("обнаружен исполняемый код")
)

// scriptMarkers — маркеры, которые ищутся без учёта регистра.
var scriptMarkers = [][]byte{
	[]byte("<?php"),
	[]byte("<?="),
	[]byte("<script"),
	[]byte("#!/"),
}

// Result — результат успешной проверки.
type Result struct {
	// MIME — тип содержимого, определённый по сигнатуре
	MIME string
	// Size — размер файла в байтах
	Size int64
}

// Validator проверяет содержимое загруженных файлов.
type Validator struct {
	maxSize     int64
	allowedMIME []string
}

// New создаёт Validator с лимитом размера и списком разрешённых MIME-типов.
func New(maxSize int64, allowedMIME []string) *Validator {
	return &Validator{
		maxSize:     maxSize,
		allowedMIME: append([]string(nil), allowedMIME...),
	}
}

// MaxSize возвращает лимит размера файла.
func (v *Validator) MaxSize() int64 {
	return v.maxSize
}

// Valid — булева форма Validate.
func (v *Validator) Valid(path string) bool {
	_, err := v.Validate(path)
	return err == nil
}

// Validate выполняет проверки по порядку и возвращает первую неудачу.
func (v *Validator) Validate(path string) (Result, error) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return Result{}, ErrNotExist
	}
	size := info.Size()
	if size <= 0 || size > v.maxSize {
		return Result{}, fmt.Errorf("%w: %d байт (максимум %d)", ErrSize, size, v.maxSize)
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("ошибка определения типа содержимого: %w", err)
	}
	if !v.mimeAllowed(mt) {
		return Result{}, fmt.Errorf("%w: %s", ErrMIMENotAllowed, mt.String())
	}

	if err := checkScripts(path); err != nil {
		return Result{}, err
	}

	return Result{MIME: mt.String(), Size: size}, nil
}

// mimeAllowed сверяет тип (с учётом алиасов) со списком разрешённых.
func (v *Validator) mimeAllowed(mt *mimetype.MIME) bool {
	for _, allowed := range v.allowedMIME {
		if mt.Is(allowed) {
			return true
		}
	}
	return false
}

// checkScripts ищет маркеры скриптов в первых headSize байтах.
func checkScripts(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("ошибка открытия файла: %w", err)
	}
	defer f.Close()

	head := make([]byte, headSize)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("ошибка чтения файла: %w", err)
	}
	head = bytes.ToLower(head[:n])

	for _, marker := range scriptMarkers {
		if bytes.Contains(head, marker) {
			return fmt.Errorf("%w: %s", ErrScriptDetected, strings.TrimSpace(string(marker)))
		}
	}
	return nil
}

// Sniff возвращает MIME-тип файла по содержимому без проверок политики.
// Используется для Content-Type при скачивании.
func Sniff(path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("ошибка определения типа содержимого: %w", err)
	}
	return mt.String(), nil
}
