package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/athebyme/rt-parsing/internal/adapters/messaging"
	"github.com/athebyme/rt-parsing/internal/domain/models"
	"github.com/athebyme/rt-parsing/internal/domain/pricing"
	"github.com/athebyme/rt-parsing/pkg/interfaces"
)

// exportPageSize размер страницы чтения товаров при экспорте
const exportPageSize = 500

// ExportStorage часть хранилища, нужная экспорту
type ExportStorage interface {
	ListProducts(ctx context.Context, filter models.ProductFilter) ([]*models.ProductRecord, int, error)
}

// ExportService материализует витринные документы магазина в Redis.
// Цены и доступность рассчитываются заново на момент экспорта, скрытые
// политикой нулевого остатка товары в документы не попадают.
type ExportService struct {
	storage    ExportStorage
	engine     *pricing.Engine
	cache      interfaces.CachePort
	messaging  interfaces.MessagingPort
	logger     interfaces.LoggerPort
	errs       ErrorSink
	eventTopic string
	expiration time.Duration

	inProgress atomic.Int64
}

// NewExportService создает сервис экспорта.
// messaging и errs могут быть nil, соответствующие шаги пропускаются.
func NewExportService(
	storage ExportStorage,
	engine *pricing.Engine,
	cache interfaces.CachePort,
	msging interfaces.MessagingPort,
	logger interfaces.LoggerPort,
	errs ErrorSink,
	eventTopic string,
	expiration time.Duration,
) *ExportService {
	return &ExportService{
		storage:    storage,
		engine:     engine,
		cache:      cache,
		messaging:  msging,
		logger:     logger,
		errs:       errs,
		eventTopic: eventTopic,
		expiration: expiration,
	}
}

// InProgress возвращает число экспортов в работе
func (s *ExportService) InProgress() int64 {
	return s.inProgress.Load()
}

// ProductsKey ключ документа товаров магазина в Redis
func ProductsKey(shop string) string {
	return fmt.Sprintf("site:%s:products", shop)
}

// CategoriesKey ключ документа категорий магазина в Redis
func CategoriesKey(shop string) string {
	return fmt.Sprintf("site:%s:categories", shop)
}

// Materialize строит витринные документы по текущему состоянию хранилища
// и действующим правилам, не сохраняя их
func (s *ExportService) Materialize(ctx context.Context) ([]models.SiteProduct, []models.SiteCategory, error) {
	products, err := s.loadAll(ctx)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	site := make([]models.SiteProduct, 0, len(products))
	counts := make(map[string]int)

	for _, p := range products {
		projected, visible := s.engine.Project(*p, now)
		if !visible {
			continue
		}
		site = append(site, projected)
		if projected.Category != "" {
			counts[projected.Category]++
		}
	}

	categories := make([]models.SiteCategory, 0, len(counts))
	for name, n := range counts {
		categories = append(categories, models.SiteCategory{Name: name, Products: n})
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i].Name < categories[j].Name })

	return site, categories, nil
}

// Export строит и сохраняет витринные документы магазина
func (s *ExportService) Export(ctx context.Context, shop string) error {
	s.inProgress.Add(1)
	defer s.inProgress.Add(-1)

	s.logger.InfoWithContext(ctx, "экспорт начат", interfaces.LogField{Key: "shop", Value: shop})

	site, categories, err := s.Materialize(ctx)
	if err != nil {
		s.pushError(err)
		return err
	}

	if err := s.store(ctx, ProductsKey(shop), site); err != nil {
		s.pushError(err)
		return err
	}
	if err := s.store(ctx, CategoriesKey(shop), categories); err != nil {
		s.pushError(err)
		return err
	}

	s.publish(ctx, shop, len(site), len(categories))

	s.logger.InfoWithContext(ctx, "экспорт завершен",
		interfaces.LogField{Key: "shop", Value: shop},
		interfaces.LogField{Key: "products", Value: len(site)},
		interfaces.LogField{Key: "categories", Value: len(categories)})
	return nil
}

// loadAll постранично вычитывает все товары
func (s *ExportService) loadAll(ctx context.Context) ([]*models.ProductRecord, error) {
	var all []*models.ProductRecord

	for offset := 0; ; offset += exportPageSize {
		page, _, err := s.storage.ListProducts(ctx, models.ProductFilter{
			Limit:  exportPageSize,
			Offset: offset,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load products for export: %w", err)
		}
		all = append(all, page...)
		if len(page) < exportPageSize {
			return all, nil
		}
	}
}

func (s *ExportService) store(ctx context.Context, key string, doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal export document %s: %w", key, err)
	}
	if err := s.cache.Set(ctx, key, data, s.expiration); err != nil {
		return fmt.Errorf("failed to store export document %s: %w", key, err)
	}
	return nil
}

func (s *ExportService) publish(ctx context.Context, shop string, products, categories int) {
	if s.messaging == nil || s.eventTopic == "" {
		return
	}

	payload, err := json.Marshal(messaging.ExportEventPayload{
		Event:      messaging.ExportReadyEvent,
		Shop:       shop,
		Products:   products,
		Categories: categories,
		FinishedAt: time.Now(),
	})
	if err != nil {
		return
	}
	if err := s.messaging.Publish(ctx, s.eventTopic, payload); err != nil {
		s.logger.Error("не удалось опубликовать событие экспорта",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
}

func (s *ExportService) pushError(err error) {
	if s.errs != nil {
		s.errs.PushError(err)
	}
}
