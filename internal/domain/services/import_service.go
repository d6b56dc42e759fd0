package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/athebyme/rt-parsing/internal/adapters/messaging"
	"github.com/athebyme/rt-parsing/internal/currency"
	"github.com/athebyme/rt-parsing/internal/domain/models"
	"github.com/athebyme/rt-parsing/internal/domain/pricing"
	"github.com/athebyme/rt-parsing/internal/importer"
	"github.com/athebyme/rt-parsing/internal/suppliers"
	"github.com/athebyme/rt-parsing/pkg/interfaces"
)

// maxTrackedRuns сколько завершенных запусков остается в реестре для монитора
const maxTrackedRuns = 50

// ErrorSink принимает ошибки конвейера для среза состояния
type ErrorSink interface {
	PushError(err error)
}

// ImportStorage часть хранилища, нужная импорту
type ImportStorage interface {
	UpsertProduct(ctx context.Context, product *models.ProductRecord) error
	SaveRun(ctx context.Context, run models.RunSnapshot) error
}

// ImportService проводит запуск импорта поставщика через все этапы:
// получение разрешений, загрузка, нормализация, обогащение, запись.
type ImportService struct {
	registry  *suppliers.Registry
	throttle  *importer.Throttle
	storage   ImportStorage
	converter *currency.Converter
	messaging interfaces.MessagingPort
	logger    interfaces.LoggerPort
	errs      ErrorSink

	eventTopic   string
	retryBudget  int
	retryBackoff time.Duration

	mu   sync.Mutex
	runs []*models.ImportRun
}

// NewImportService создает сервис импорта.
// converter, messaging и errs могут быть nil, соответствующие шаги пропускаются.
func NewImportService(
	registry *suppliers.Registry,
	throttle *importer.Throttle,
	storage ImportStorage,
	converter *currency.Converter,
	msging interfaces.MessagingPort,
	logger interfaces.LoggerPort,
	errs ErrorSink,
	eventTopic string,
	retryBudget int,
	retryBackoff time.Duration,
) *ImportService {
	if retryBudget < 1 {
		retryBudget = 1
	}
	if retryBackoff <= 0 {
		retryBackoff = 2 * time.Second
	}
	return &ImportService{
		registry:     registry,
		throttle:     throttle,
		storage:      storage,
		converter:    converter,
		messaging:    msging,
		logger:       logger,
		errs:         errs,
		eventTopic:   eventTopic,
		retryBudget:  retryBudget,
		retryBackoff: retryBackoff,
	}
}

// Runs возвращает срезы всех отслеживаемых запусков для монитора
func (s *ImportService) Runs() []models.RunSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.RunSnapshot, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run.Snapshot())
	}
	return out
}

// ImportAll запускает импорт всех зарегистрированных поставщиков.
// Параллелизм ограничивает троттл, ошибки отдельных поставщиков не
// прерывают остальных.
func (s *ImportService) ImportAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, supplierID := range s.registry.IDs() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.ImportSupplier(ctx, id); err != nil {
				s.logger.ErrorWithContext(ctx, "импорт поставщика завершился с ошибкой",
					interfaces.LogField{Key: "supplier_id", Value: id},
					interfaces.LogField{Key: "error", Value: err.Error()})
			}
		}(supplierID)
	}
	wg.Wait()
}

// ImportSupplier выполняет один запуск импорта поставщика
func (s *ImportService) ImportSupplier(ctx context.Context, supplierID string) error {
	fetcher, err := s.registry.Get(supplierID)
	if err != nil {
		return err
	}

	permit, err := s.throttle.Acquire(ctx, supplierID)
	if err != nil {
		var suspended *models.SupplierSuspendedError
		if errors.As(err, &suspended) {
			s.logger.Warn("поставщик приостановлен, импорт пропущен",
				interfaces.LogField{Key: "supplier_id", Value: supplierID},
				interfaces.LogField{Key: "until", Value: suspended.Until})
		}
		return err
	}
	defer permit.Release()

	run := models.NewImportRun(supplierID)
	s.track(run)

	log := s.logger.WithSupplier(supplierID).WithRun(run.ID().String())
	log.Info("импорт начат")

	raw, err := s.fetchWithRetries(ctx, fetcher)
	if err != nil {
		return s.finishFailed(ctx, run, log, err)
	}

	if err := run.Advance(models.StageParsing); err != nil {
		return s.finishFailed(ctx, run, log, err)
	}
	run.SetProgress(0, len(raw))

	now := time.Now()
	records := make([]*models.ProductRecord, 0, len(raw))
	var skipped int
	for _, item := range raw {
		record, err := pricing.Normalize(item, supplierID, now)
		if err != nil {
			// Ошибки отображения пропускают запись, но не прерывают запуск
			skipped++
			log.Warn("запись поставщика пропущена", interfaces.LogField{Key: "error", Value: err.Error()})
			continue
		}
		records = append(records, &record)
	}
	if skipped > 0 {
		s.pushError(fmt.Errorf("supplier %s: %d records skipped by mapping", supplierID, skipped))
	}

	if err := run.Advance(models.StageEnriching); err != nil {
		return s.finishFailed(ctx, run, log, err)
	}

	ready := 0
	for _, record := range records {
		if err := s.enrich(ctx, record); err != nil {
			// Сбой обогащения одной записи не прерывает запуск
			skipped++
			log.Warn("запись пропущена на этапе обогащения",
				interfaces.LogField{Key: "article", Value: record.Article},
				interfaces.LogField{Key: "error", Value: err.Error()})
			s.pushError(err)
			continue
		}

		if err := s.storage.UpsertProduct(ctx, record); err != nil {
			if errors.Is(err, models.ErrStaleWrite) {
				// Ожидаемая гонка параллельных импортов, свежая запись уже в базе
				log.Debug("устаревшая запись отброшена",
					interfaces.LogField{Key: "article", Value: record.Article})
				continue
			}
			log.Error("не удалось сохранить товар",
				interfaces.LogField{Key: "article", Value: record.Article},
				interfaces.LogField{Key: "error", Value: err.Error()})
			s.pushError(err)
			continue
		}

		ready++
		run.SetProgress(ready, len(raw))
	}

	if err := run.Advance(models.StageReady); err != nil {
		return s.finishFailed(ctx, run, log, err)
	}

	s.throttle.Succeed(supplierID)
	s.persistAndPublish(ctx, run, messaging.ImportFinishedEvent)

	log.Info("импорт завершен",
		interfaces.LogField{Key: "total", Value: len(raw)},
		interfaces.LogField{Key: "ready", Value: ready},
		interfaces.LogField{Key: "skipped", Value: skipped})
	return nil
}

// fetchWithRetries загружает каталог, повторяя временные сбои с растущей
// задержкой в пределах бюджета повторов
func (s *ImportService) fetchWithRetries(ctx context.Context, fetcher suppliers.Fetcher) ([]models.RawProduct, error) {
	backoff := s.retryBackoff

	for attempt := 1; ; attempt++ {
		raw, err := fetcher.Fetch(ctx)
		if err == nil {
			return raw, nil
		}
		if !models.IsTransient(err) || attempt >= s.retryBudget {
			return nil, err
		}

		s.logger.Warn("временный сбой загрузки, повтор",
			interfaces.LogField{Key: "supplier_id", Value: fetcher.ID()},
			interfaces.LogField{Key: "attempt", Value: attempt},
			interfaces.LogField{Key: "backoff", Value: backoff.String()})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// enrich переводит закупочные цены в базовую валюту
func (s *ImportService) enrich(ctx context.Context, record *models.ProductRecord) error {
	if s.converter == nil || record.Currency == "" {
		return nil
	}

	price, err := s.converter.ToBase(ctx, record.Price, record.Currency)
	if err != nil {
		return fmt.Errorf("failed to convert price of %s: %w", record.Article, err)
	}
	record.Price = price

	if record.PriceWholesale > 0 {
		wholesale, err := s.converter.ToBase(ctx, record.PriceWholesale, record.Currency)
		if err != nil {
			return fmt.Errorf("failed to convert wholesale price of %s: %w", record.Article, err)
		}
		record.PriceWholesale = wholesale
	}

	record.Currency = ""
	return nil
}

// finishFailed закрывает запуск с ошибкой и регистрирует неудачу поставщика
func (s *ImportService) finishFailed(ctx context.Context, run *models.ImportRun, log interfaces.LoggerPort, cause error) error {
	_ = run.Fail(cause)
	s.throttle.Fail(run.SupplierID())
	s.pushError(cause)
	s.persistAndPublish(ctx, run, messaging.ImportFailedEvent)

	log.Error("импорт завершился с ошибкой", interfaces.LogField{Key: "error", Value: cause.Error()})
	return cause
}

// persistAndPublish сохраняет терминальный запуск и публикует событие
func (s *ImportService) persistAndPublish(ctx context.Context, run *models.ImportRun, event messaging.KafkaEvent) {
	snap := run.Snapshot()

	if err := s.storage.SaveRun(ctx, snap); err != nil {
		s.logger.Error("не удалось сохранить запуск импорта",
			interfaces.LogField{Key: "run_id", Value: snap.ID},
			interfaces.LogField{Key: "error", Value: err.Error()})
	}

	if s.messaging == nil || s.eventTopic == "" {
		return
	}

	payload, err := json.Marshal(messaging.ImportEventPayload{
		Event:      event,
		RunID:      snap.ID,
		SupplierID: snap.SupplierID,
		Total:      snap.Total,
		Ready:      snap.Ready,
		Error:      snap.Error,
		FinishedAt: snap.FinishedAt,
	})
	if err != nil {
		return
	}
	if err := s.messaging.Publish(ctx, s.eventTopic, payload); err != nil {
		s.logger.Error("не удалось опубликовать событие импорта",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
}

// track добавляет запуск в реестр, вытесняя старые завершенные
func (s *ImportService) track(run *models.ImportRun) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs = append(s.runs, run)
	if len(s.runs) <= maxTrackedRuns {
		return
	}

	for i, tracked := range s.runs {
		if tracked.Terminal() {
			s.runs = append(s.runs[:i], s.runs[i+1:]...)
			return
		}
	}
	s.runs = s.runs[1:]
}

func (s *ImportService) pushError(err error) {
	if s.errs != nil {
		s.errs.PushError(err)
	}
}
