// Пакет mode — конечный автомат режима работы сервиса.
//
// Режимы:
//   - rw — приём, выдача и удаление файлов
//   - ro — только выдача (обслуживание диска, миграция)
//
// Переход rw → ro свободный, обратный ro → rw требует confirm: true.
// Потокобезопасен через sync.RWMutex.
package mode

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// ServiceMode — режим работы сервиса.
type ServiceMode string

const (
	// ModeRW — чтение и запись
	ModeRW ServiceMode = "rw"
	// ModeRO — только чтение
	ModeRO ServiceMode = "ro"
)

// Operation — операция над файлами.
type Operation string

const (
	OpUpload    Operation = "upload"
	OpDownload  Operation = "download"
	OpDelete    Operation = "delete"
	OpList      Operation = "list"
	OpThumbnail Operation = "thumbnail"
)

// Коды ошибок перехода.
const (
	CodeInvalidTransition    = "INVALID_TRANSITION"
	CodeConfirmationRequired = "CONFIRMATION_REQUIRED"
)

// TransitionRecord — запись о переходе между режимами.
type TransitionRecord struct {
	From      ServiceMode `json:"from"`
	To        ServiceMode `json:"to"`
	Subject   string      `json:"subject"`
	Timestamp time.Time   `json:"timestamp"`
}

// StateMachine — конечный автомат режима работы.
type StateMachine struct {
	mu      sync.RWMutex
	current ServiceMode
	history []TransitionRecord
}

// validTransitions — матрица допустимых переходов.
var validTransitions = map[ServiceMode]map[ServiceMode]bool{
	ModeRW: {ModeRO: true},
	ModeRO: {ModeRW: true},
}

// allowedOperations — матрица допустимых операций для каждого режима.
var allowedOperations = map[ServiceMode]map[Operation]bool{
	ModeRW: {OpUpload: true, OpDownload: true, OpDelete: true, OpList: true, OpThumbnail: true},
	ModeRO: {OpDownload: true, OpList: true, OpThumbnail: true},
}

// needsConfirmation — переходы, требующие явного подтверждения.
var needsConfirmation = map[ServiceMode]map[ServiceMode]bool{
	ModeRO: {ModeRW: true},
}

// NewStateMachine создаёт конечный автомат с начальным режимом.
func NewStateMachine(initial ServiceMode) (*StateMachine, error) {
	if !isValidMode(initial) {
		return nil, fmt.Errorf("недопустимый начальный режим: %q", initial)
	}
	return &StateMachine{
		current: initial,
		history: make([]TransitionRecord, 0),
	}, nil
}

// CurrentMode возвращает текущий режим работы.
func (sm *StateMachine) CurrentMode() ServiceMode {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// TransitionTo выполняет переход в указанный режим.
//
// Ошибки (*TransitionError):
//   - INVALID_TRANSITION — неизвестный режим или переход в текущий режим
//   - CONFIRMATION_REQUIRED — переход ro → rw без confirm
func (sm *StateMachine) TransitionTo(target ServiceMode, confirm bool, subject string) (TransitionRecord, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !isValidMode(target) {
		return TransitionRecord{}, &TransitionError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("недопустимый целевой режим: %q", target),
		}
	}
	if !validTransitions[sm.current][target] {
		return TransitionRecord{}, &TransitionError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("переход %s → %s недопустим", sm.current, target),
		}
	}
	if needsConfirmation[sm.current][target] && !confirm {
		return TransitionRecord{}, &TransitionError{
			Code: CodeConfirmationRequired,
			Message: fmt.Sprintf("переход %s → %s требует подтверждения (confirm: true)",
				sm.current, target),
		}
	}

	record := TransitionRecord{
		From:      sm.current,
		To:        target,
		Subject:   subject,
		Timestamp: time.Now().UTC(),
	}
	sm.current = target
	sm.history = append(sm.history, record)
	return record, nil
}

// AllowedOperations возвращает отсортированный список операций текущего режима.
func (sm *StateMachine) AllowedOperations() []Operation {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	ops := allowedOperations[sm.current]
	result := make([]Operation, 0, len(ops))
	for op := range ops {
		result = append(result, op)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// CanPerform проверяет, допустима ли операция в текущем режиме.
func (sm *StateMachine) CanPerform(op Operation) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return allowedOperations[sm.current][op]
}

// History возвращает историю переходов (копия).
func (sm *StateMachine) History() []TransitionRecord {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	result := make([]TransitionRecord, len(sm.history))
	copy(result, sm.history)
	return result
}

// TransitionError — ошибка перехода между режимами.
type TransitionError struct {
	Code    string // INVALID_TRANSITION, CONFIRMATION_REQUIRED
	Message string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func isValidMode(m ServiceMode) bool {
	return m == ModeRW || m == ModeRO
}

// ParseMode преобразует строку в ServiceMode.
func ParseMode(s string) (ServiceMode, error) {
	m := ServiceMode(s)
	if !isValidMode(m) {
		return "", fmt.Errorf("недопустимый режим: %q, допустимые: rw, ro", s)
	}
	return m, nil
}
