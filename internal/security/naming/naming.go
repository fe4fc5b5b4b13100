// Пакет naming — генерация безопасных имён хранения для загружаемых файлов.
//
// Формат имени: 2006-01-02_15-04-05_<16 hex>_<base>.<ext>
// Метка времени с секундной точностью и 64 бита случайности делают имя
// уникальным без блокировки. Исходное (санитизированное) имя восстанавливается
// из имени хранения функцией RestoreOriginal.
package naming

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
)

const (
	// maxBaseLen — максимальная длина базового имени в байтах.
	maxBaseLen = 50
	// placeholderBase — базовое имя, если после санитизации ничего не осталось.
	placeholderBase = "uploaded_file"
	// defaultExtension — расширение для имён без расширения.
	defaultExtension = "bin"
	// timeLayout — формат метки времени в имени хранения.
	timeLayout = "2006-01-02_15-04-05"
)

var (
	// ErrForbiddenExtension — расширение в списке запрещённых.
	ErrForbiddenExtension = errors.New("запрещённое расширение файла")
	// ErrUnsupportedExtension — расширение отсутствует в списке разрешённых.
	ErrUnsupportedExtension = errors.New("неподдерживаемое расширение файла")
)

var (
	unsafeBaseChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	unsafeExtChars  = regexp.MustCompile(`[^a-z0-9]`)
	storedPrefix    = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2}_[a-f0-9]+_(.+)$`)
)

// Namer генерирует имена хранения с проверкой списков расширений.
type Namer struct {
	// allowed — nil означает, что allow-list отключён
	allowed   map[string]bool
	forbidden map[string]bool
	now       func() time.Time
	rand      io.Reader
}

// New создаёт Namer. allowed == nil отключает проверку по allow-list,
// пустой, но не nil слайс запрещает все расширения.
func New(allowed, forbidden []string) *Namer {
	n := &Namer{
		forbidden: toSet(forbidden),
		now:       time.Now,
		rand:      rand.Reader,
	}
	if allowed != nil {
		n.allowed = toSet(allowed)
	}
	return n
}

// SetClock подменяет источник времени (тесты).
func (n *Namer) SetClock(now func() time.Time) {
	n.now = now
}

// SetRand подменяет источник случайности (тесты).
func (n *Namer) SetRand(r io.Reader) {
	n.rand = r
}

// AllowListEnabled сообщает, включена ли проверка по allow-list.
func (n *Namer) AllowListEnabled() bool {
	return n.allowed != nil
}

// Generate возвращает имя хранения для исходного имени файла.
func (n *Namer) Generate(original string) (string, error) {
	base, ext, err := n.split(original)
	if err != nil {
		return "", err
	}

	token := make([]byte, 8)
	if _, err := io.ReadFull(n.rand, token); err != nil {
		return "", fmt.Errorf("ошибка генерации случайного токена: %w", err)
	}

	return n.now().Format(timeLayout) + "_" + hex.EncodeToString(token) + "_" + base + "." + ext, nil
}

// CheckExtension проверяет только расширение исходного имени.
func (n *Namer) CheckExtension(original string) error {
	_, _, err := n.split(original)
	return err
}

// SanitizedForm возвращает то, что RestoreOriginal вернёт для имени,
// сгенерированного из original. Для запрещённых расширений — ошибка.
func (n *Namer) SanitizedForm(original string) (string, error) {
	base, ext, err := n.split(original)
	if err != nil {
		return "", err
	}
	return base + "." + ext, nil
}

// split разбирает имя на санитизированные base и ext и проверяет расширение.
func (n *Namer) split(original string) (string, string, error) {
	name := original
	// Клиент мог прислать путь: берём последний компонент
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSpace(name)

	base, rawExt := name, ""
	if i := strings.LastIndex(name, "."); i >= 0 {
		base, rawExt = name[:i], name[i+1:]
	}
	rawExt = strings.ToLower(strings.TrimSpace(rawExt))
	ext := unsafeExtChars.ReplaceAllString(rawExt, "")
	if ext == "" {
		ext = defaultExtension
	}

	// Проверяем и исходное, и очищенное расширение: "ph p" не должно стать "php"
	if n.forbidden[rawExt] || n.forbidden[ext] {
		return "", "", fmt.Errorf("%w: %s", ErrForbiddenExtension, ext)
	}
	if n.allowed != nil && !n.allowed[ext] {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedExtension, ext)
	}

	return sanitizeBase(base), ext, nil
}

// sanitizeBase заменяет недопустимые символы на "_", убирает ".." и
// ограничивает длину.
func sanitizeBase(base string) string {
	s := unsafeBaseChars.ReplaceAllString(base, "_")
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", "_.")
	}
	if len(s) > maxBaseLen {
		s = s[:maxBaseLen]
	}
	s = strings.TrimRight(s, ".")
	if strings.Trim(s, "_.") == "" {
		return placeholderBase
	}
	return s
}

// RestoreOriginal восстанавливает санитизированное исходное имя из имени хранения.
// Если имя не соответствует формату, возвращается без изменений.
func RestoreOriginal(stored string) string {
	m := storedPrefix.FindStringSubmatch(stored)
	if m == nil {
		return stored
	}
	return m[1]
}

// IsSafeName проверяет имя файла из запроса на попытку обхода каталога.
func IsSafeName(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") {
		return false
	}
	return !strings.Contains(name, "..") && !strings.ContainsAny(name, "/\\\x00")
}

// Extension возвращает расширение имени хранения в нижнем регистре.
func Extension(name string) string {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return ""
	}
	return strings.ToLower(name[i+1:])
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[strings.ToLower(strings.TrimPrefix(item, "."))] = true
	}
	return set
}
