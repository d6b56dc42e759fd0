package suppliers

import (
	"context"
	"fmt"
	"sync"

	"github.com/athebyme/rt-parsing/internal/domain/models"
)

// Fetcher определяет контракт поставщика каталога.
// Реализация загружает весь каталог и возвращает сырые записи,
// которые затем нормализуются на каноническую схему.
type Fetcher interface {
	// ID возвращает идентификатор поставщика
	ID() string

	// Fetch загружает каталог поставщика.
	// Временные сбои оборачиваются в TransientFetchError.
	Fetch(ctx context.Context) ([]models.RawProduct, error)
}

// Registry хранит зарегистрированных поставщиков по идентификатору
type Registry struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

// NewRegistry создает пустой реестр поставщиков
func NewRegistry() *Registry {
	return &Registry{fetchers: make(map[string]Fetcher)}
}

// Register добавляет поставщика в реестр.
// Повторная регистрация того же идентификатора заменяет поставщика.
func (r *Registry) Register(f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[f.ID()] = f
}

// Get возвращает поставщика по идентификатору
func (r *Registry) Get(supplierID string) (Fetcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fetchers[supplierID]
	if !ok {
		return nil, fmt.Errorf("supplier %q is not registered", supplierID)
	}
	return f, nil
}

// IDs возвращает идентификаторы всех зарегистрированных поставщиков
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.fetchers))
	for id := range r.fetchers {
		ids = append(ids, id)
	}
	return ids
}
