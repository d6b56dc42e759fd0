package models

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stage представляет этап конвейера импорта
type Stage string

const (
	// StageFetching загрузка сырых данных поставщика
	StageFetching Stage = "fetching"
	// StageParsing отображение сырых данных на каноническую схему
	StageParsing Stage = "parsing"
	// StageEnriching расчет цен и доступности
	StageEnriching Stage = "enriching"
	// StageReady импорт завершен успешно
	StageReady Stage = "ready"
	// StageFailed импорт завершен с ошибкой, терминальное состояние
	StageFailed Stage = "failed"
)

// validNext описывает разрешенные переходы между этапами
var validNext = map[Stage]map[Stage]bool{
	StageFetching:  {StageParsing: true},
	StageParsing:   {StageEnriching: true},
	StageEnriching: {StageReady: true},
	StageReady:     {},
	StageFailed:    {},
}

// IllegalTransitionError возвращается при запрещенном переходе между этапами
type IllegalTransitionError struct {
	From Stage
	To   Stage
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal stage transition %s -> %s", e.From, e.To)
}

// RunSnapshot неизменяемый срез состояния запуска для монитора и хранилища
type RunSnapshot struct {
	ID         string    `json:"id"`
	SupplierID string    `json:"supplier_id"`
	Stage      Stage     `json:"stage"`
	Ready      int       `json:"ready"`
	Total      int       `json:"total"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// ImportRun представляет один запуск импорта поставщика.
// Состояние меняется только через Advance, Fail и SetProgress,
// поэтому читатели всегда видят согласованный срез.
type ImportRun struct {
	mu         sync.RWMutex
	id         uuid.UUID
	supplierID string
	stage      Stage
	ready      int
	total      int
	startedAt  time.Time
	finishedAt time.Time
	err        string
}

// NewImportRun создает запуск в состоянии загрузки
func NewImportRun(supplierID string) *ImportRun {
	return &ImportRun{
		id:         uuid.New(),
		supplierID: supplierID,
		stage:      StageFetching,
		startedAt:  time.Now(),
	}
}

// ID возвращает идентификатор запуска
func (r *ImportRun) ID() uuid.UUID {
	return r.id
}

// SupplierID возвращает идентификатор поставщика
func (r *ImportRun) SupplierID() string {
	return r.supplierID
}

// Advance переводит запуск на следующий этап.
// Повторный перевод в Ready не считается ошибкой.
func (r *ImportRun) Advance(next Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stage == StageReady && next == StageReady {
		return nil
	}
	if next == StageFailed {
		return &IllegalTransitionError{From: r.stage, To: next}
	}
	if !validNext[r.stage][next] {
		return &IllegalTransitionError{From: r.stage, To: next}
	}

	r.stage = next
	if next == StageReady {
		r.finishedAt = time.Now()
	}
	return nil
}

// Fail переводит запуск в терминальное состояние ошибки.
// Из Ready и Failed переход запрещен.
func (r *ImportRun) Fail(cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stage == StageReady || r.stage == StageFailed {
		return &IllegalTransitionError{From: r.stage, To: StageFailed}
	}

	r.stage = StageFailed
	r.finishedAt = time.Now()
	if cause != nil {
		r.err = cause.Error()
	}
	return nil
}

// SetProgress обновляет счетчики обработанных записей
func (r *ImportRun) SetProgress(ready, total int) {
	r.mu.Lock()
	r.ready = ready
	r.total = total
	r.mu.Unlock()
}

// Snapshot возвращает согласованный срез состояния
func (r *ImportRun) Snapshot() RunSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RunSnapshot{
		ID:         r.id.String(),
		SupplierID: r.supplierID,
		Stage:      r.stage,
		Ready:      r.ready,
		Total:      r.total,
		StartedAt:  r.startedAt,
		FinishedAt: r.finishedAt,
		Error:      r.err,
	}
}

// Terminal сообщает, завершен ли запуск
func (r *ImportRun) Terminal() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stage == StageReady || r.stage == StageFailed
}
