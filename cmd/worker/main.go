package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/athebyme/rt-parsing/config"
	"github.com/athebyme/rt-parsing/internal/adapters/cache"
	"github.com/athebyme/rt-parsing/internal/adapters/logger"
	"github.com/athebyme/rt-parsing/internal/adapters/messaging"
	postgres "github.com/athebyme/rt-parsing/internal/adapters/storage"
	"github.com/athebyme/rt-parsing/internal/currency"
	"github.com/athebyme/rt-parsing/internal/domain/models"
	"github.com/athebyme/rt-parsing/internal/domain/pricing"
	"github.com/athebyme/rt-parsing/internal/domain/services"
	"github.com/athebyme/rt-parsing/internal/importer"
	"github.com/athebyme/rt-parsing/internal/monitor"
	"github.com/athebyme/rt-parsing/internal/suppliers"
	"github.com/athebyme/rt-parsing/internal/utils"
	"github.com/athebyme/rt-parsing/pkg/interfaces"
	"github.com/athebyme/rt-parsing/pkg/tx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Метрики для Prometheus
var (
	importsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_imports_total",
		Help: "Общее количество запусков импорта",
	}, []string{"supplier", "status"})

	importDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "worker_import_duration_seconds",
		Help:    "Длительность запусков импорта",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"supplier"})

	commandsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_commands_processed_total",
		Help: "Общее количество обработанных команд",
	}, []string{"command", "status"})
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log, err := logger.NewZapLogger(cfg.LogLevel, cfg.ENV == "production")
	if err != nil {
		fmt.Printf("Ошибка инициализации логгера: %v\n", err)
		os.Exit(1)
	}
	log.Info("Инициализация воркера",
		interfaces.LogField{Key: "app_name", Value: cfg.AppName + "-worker"},
		interfaces.LogField{Key: "version", Value: cfg.Version},
		interfaces.LogField{Key: "env", Value: cfg.ENV},
	)

	// HTTP сервер для метрик
	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("OK"))
			})

			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			log.Info("Запуск HTTP сервера для метрик",
				interfaces.LogField{Key: "addr", Value: addr})

			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error("Ошибка запуска HTTP сервера для метрик",
					interfaces.LogField{Key: "error", Value: err.Error()})
			}
		}()
	}

	connectionStr, err := utils.GenerateConnectionString(
		cfg.Postgres.Host,
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.DBName,
		cfg.Postgres.SSLMode,
		cfg.Postgres.Port,
		cfg.Postgres.PoolSize,
		cfg.Postgres.Timeout,
	)
	if err != nil {
		log.Fatal("Ошибка генерации строки подключения к PostgreSQL",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}

	pool, err := pgxpool.New(ctx, connectionStr)
	if err != nil {
		log.Fatal("Ошибка подключения к PostgreSQL",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}

	db, err := postgres.NewPostgresStorageWithPool(ctx, pool)
	if err != nil {
		log.Fatal("Ошибка инициализации хранилища",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
	defer db.Close()

	txManager := tx.NewTxManager(pool)
	if err := txManager.Do(ctx, db.InitSchema); err != nil {
		log.Fatal("Ошибка инициализации схемы базы",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
	log.Info("Хранилище инициализировано")

	cacheClient, err := cache.NewRedisCache(
		ctx,
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
	)
	if err != nil {
		log.Fatal("Ошибка инициализации кэша",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
	defer cacheClient.Close()
	log.Info("Кэш инициализирован")

	messagingClient, err := messaging.NewKafkaMessaging(cfg.Kafka.Brokers, cfg.Kafka.GroupID)
	if err != nil {
		log.Fatal("Ошибка инициализации системы обмена сообщениями",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
	defer messagingClient.Close()
	log.Info("Система обмена сообщениями инициализирована")

	rules, err := db.GetRuleSet(ctx, cfg.Shop)
	if err != nil {
		if !errors.Is(err, models.ErrRuleSetNotFound) {
			log.Fatal("Ошибка загрузки правил ценообразования",
				interfaces.LogField{Key: "error", Value: err.Error()})
		}
		rules = models.NewRuleSet()
	}
	engine := pricing.NewEngine(rules)

	throttle := importer.NewThrottle(cfg.Importer.GlobalPermits, cfg.Importer.RetryBudget, cfg.Importer.Cooldown)
	registry := suppliers.NewRegistry()
	for id, sc := range cfg.Suppliers {
		switch id {
		case "davi":
			registry.Register(suppliers.NewDaviFetcher(sc.BaseURL, sc.PageSize, sc.RatePerSecond, sc.RateBurst, sc.Timeout))
		case "ddaudio":
			registry.Register(suppliers.NewDDAudioFetcher(sc.BaseURL, sc.Token, sc.PageSize, sc.RatePerSecond, sc.RateBurst, sc.Timeout))
		default:
			log.Warn("Неизвестный поставщик в конфигурации пропущен",
				interfaces.LogField{Key: "supplier_id", Value: id})
			continue
		}
		throttle.RegisterSupplier(id, sc.Permits)
	}

	converter := currency.NewConverter(cfg.Currency.RatesURL, cfg.Currency.CacheTTL)

	var (
		importService *services.ImportService
		exportService *services.ExportService
	)
	mon := monitor.New(throttle,
		func() []models.RunSnapshot {
			if importService == nil {
				return nil
			}
			return importService.Runs()
		},
		func() int64 {
			if exportService == nil {
				return 0
			}
			return exportService.InProgress()
		})

	importService = services.NewImportService(
		registry, throttle, db, converter, messagingClient, log, mon,
		cfg.Kafka.EventTopic, cfg.Importer.RetryBudget, cfg.Importer.RetryBackoff,
	)
	exportService = services.NewExportService(
		db, engine, cacheClient, messagingClient, log, mon,
		cfg.Kafka.EventTopic, cfg.Redis.DefaultExpiration,
	)
	log.Info("Сервисы инициализированы")

	worker := &pipelineWorker{
		cfg:      cfg,
		db:       db,
		engine:   engine,
		imports:  importService,
		exports:  exportService,
		registry: registry,
		log:      log,
	}

	done := make(chan bool, 1)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup

	worker.subscribeToCommands(ctx, messagingClient, &wg)
	worker.runScheduler(ctx, &wg)

	go func() {
		<-quit
		log.Info("Получен сигнал завершения, выполняется graceful shutdown...")
		cancel()
		wg.Wait()
		close(done)
	}()

	log.Info("Воркер запущен и готов к обработке сообщений")
	<-done
	log.Info("Воркер корректно завершил работу")
}

// pipelineWorker связывает плановые импорты и команды панели управления
type pipelineWorker struct {
	cfg      *config.Config
	db       *postgres.Storage
	engine   *pricing.Engine
	imports  *services.ImportService
	exports  *services.ExportService
	registry *suppliers.Registry
	log      interfaces.LoggerPort
}

// runScheduler запускает плановый импорт всех поставщиков по расписанию.
// Первый цикл стартует сразу после запуска воркера.
func (w *pipelineWorker) runScheduler(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)

	go func() {
		defer wg.Done()

		ticker := time.NewTicker(w.cfg.Importer.ImportInterval)
		defer ticker.Stop()

		w.importCycle(ctx)

		for {
			select {
			case <-ctx.Done():
				w.log.Info("Планировщик импорта остановлен")
				return
			case <-ticker.C:
				w.importCycle(ctx)
			}
		}
	}()
}

// importCycle импортирует всех поставщиков и пересобирает витрину
func (w *pipelineWorker) importCycle(ctx context.Context) {
	w.log.Info("Плановый цикл импорта начат")

	for _, supplierID := range w.registry.IDs() {
		w.importSupplier(ctx, supplierID)
	}

	w.refreshRules(ctx)
	if err := w.exports.Export(ctx, w.cfg.Shop); err != nil {
		w.log.Error("Плановый экспорт завершился с ошибкой",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}

	w.log.Info("Плановый цикл импорта завершен")
}

func (w *pipelineWorker) importSupplier(ctx context.Context, supplierID string) {
	start := time.Now()

	if err := w.imports.ImportSupplier(ctx, supplierID); err != nil {
		importsTotal.WithLabelValues(supplierID, "error").Inc()
		return
	}

	importsTotal.WithLabelValues(supplierID, "success").Inc()
	importDuration.WithLabelValues(supplierID).Observe(time.Since(start).Seconds())
}

// refreshRules подтягивает правила, измененные через панель управления
func (w *pipelineWorker) refreshRules(ctx context.Context) {
	rules, err := w.db.GetRuleSet(ctx, w.cfg.Shop)
	if err != nil {
		if !errors.Is(err, models.ErrRuleSetNotFound) {
			w.log.Error("Ошибка обновления правил ценообразования",
				interfaces.LogField{Key: "error", Value: err.Error()})
		}
		return
	}

	if err := w.engine.ReplaceRules(rules); err != nil {
		w.log.Error("Сохраненные правила не прошли валидацию",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
}

// subscribeToCommands обрабатывает команды панели управления из Kafka
func (w *pipelineWorker) subscribeToCommands(ctx context.Context, messagingClient interfaces.MessagingPort, wg *sync.WaitGroup) {
	commandHandler := func(ctx context.Context, msg *interfaces.Message) error {
		w.log.InfoWithContext(ctx, "Получена команда конвейера",
			interfaces.LogField{Key: "message_id", Value: msg.ID},
			interfaces.LogField{Key: "topic", Value: msg.Topic},
		)

		var cmd messaging.CommandPayload
		if err := json.Unmarshal(msg.Value, &cmd); err != nil {
			w.log.ErrorWithContext(ctx, "Ошибка декодирования команды",
				interfaces.LogField{Key: "error", Value: err.Error()})
			commandsProcessed.WithLabelValues("unknown", "error").Inc()
			return err
		}

		var err error
		switch cmd.Command {
		case messaging.ImportCommand:
			err = w.imports.ImportSupplier(ctx, cmd.SupplierID)

		case messaging.ExportCommand:
			shop := cmd.Shop
			if shop == "" {
				shop = w.cfg.Shop
			}
			w.refreshRules(ctx)
			err = w.exports.Export(ctx, shop)

		default:
			w.log.WarnWithContext(ctx, "Неизвестный тип команды",
				interfaces.LogField{Key: "command", Value: cmd.Command})
			commandsProcessed.WithLabelValues(cmd.Command, "unknown").Inc()
			return nil
		}

		if err != nil {
			w.log.ErrorWithContext(ctx, "Ошибка обработки команды",
				interfaces.LogField{Key: "command", Value: cmd.Command},
				interfaces.LogField{Key: "error", Value: err.Error()})
			commandsProcessed.WithLabelValues(cmd.Command, "error").Inc()
			return err
		}

		commandsProcessed.WithLabelValues(cmd.Command, "success").Inc()
		return nil
	}

	wg.Add(1)

	go func() {
		defer wg.Done()

		unsubscribe, err := messagingClient.Subscribe(ctx, w.cfg.Kafka.CommandTopic, commandHandler)
		if err != nil {
			w.log.Error("Ошибка подписки на команды конвейера",
				interfaces.LogField{Key: "error", Value: err.Error()})
			return
		}
		defer unsubscribe()

		w.log.Info("Подписка на команды конвейера установлена")

		<-ctx.Done()
		w.log.Info("Отмена подписки на команды конвейера")
	}()
}
