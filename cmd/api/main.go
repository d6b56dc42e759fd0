package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/athebyme/rt-parsing/config"
	"github.com/athebyme/rt-parsing/internal/adapters/cache"
	"github.com/athebyme/rt-parsing/internal/adapters/logger"
	"github.com/athebyme/rt-parsing/internal/adapters/messaging"
	postgres "github.com/athebyme/rt-parsing/internal/adapters/storage"
	"github.com/athebyme/rt-parsing/internal/api"
	apimiddleware "github.com/athebyme/rt-parsing/internal/api/middleware"
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

// метрики для Prometheus
var (
	httpDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_durations_seconds",
		Help:    "Длительность HTTP запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"path", "method", "status"})

	requestsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Общее количество HTTP запросов",
	}, []string{"path", "method", "status"})

	activeRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "http_active_requests",
		Help: "Количество активных HTTP запросов",
	})
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
	log.Info("Инициализация сервиса",
		interfaces.LogField{Key: "app_name", Value: cfg.AppName},
		interfaces.LogField{Key: "version", Value: cfg.Version},
		interfaces.LogField{Key: "env", Value: cfg.ENV},
	)

	postgresCon, err := utils.GenerateConnectionString(
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
		fmt.Printf("Ошибка инициализации строки подключения базы: %v\n", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, postgresCon)
	if err != nil {
		log.Fatal("Ошибка подключения к PostgreSQL", interfaces.LogField{Key: "error", Value: err.Error()})
	}

	db, err := postgres.NewPostgresStorageWithPool(ctx, pool)
	if err != nil {
		log.Fatal("Ошибка инициализации хранилища", interfaces.LogField{Key: "error", Value: err.Error()})
	}
	defer db.Close()

	// Схема создается одной транзакцией
	txManager := tx.NewTxManager(pool)
	if err := txManager.Do(ctx, db.InitSchema); err != nil {
		log.Fatal("Ошибка инициализации схемы базы", interfaces.LogField{Key: "error", Value: err.Error()})
	}
	if err := checkPostgresConnection(ctx, db); err != nil {
		log.Fatal("Ошибка проверки соединения с PostgreSQL", interfaces.LogField{Key: "error", Value: err.Error()})
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
		log.Fatal("Ошибка инициализации кэша", interfaces.LogField{Key: "error", Value: err.Error()})
	}
	defer cacheClient.Close()
	log.Info("Кэш инициализирован")

	messagingClient, err := messaging.NewKafkaMessaging(cfg.Kafka.Brokers, cfg.Kafka.GroupID)
	if err != nil {
		log.Fatal("Ошибка инициализации системы обмена сообщениями", interfaces.LogField{Key: "error", Value: err.Error()})
	}
	defer messagingClient.Close()
	log.Info("Система обмена сообщениями инициализирована")

	// Действующие правила ценообразования загружаются из базы,
	// при первом запуске применяется набор по умолчанию
	rules, err := db.GetRuleSet(ctx, cfg.Shop)
	if err != nil {
		if !errors.Is(err, models.ErrRuleSetNotFound) {
			log.Fatal("Ошибка загрузки правил ценообразования", interfaces.LogField{Key: "error", Value: err.Error()})
		}
		rules = models.NewRuleSet()
	}
	engine := pricing.NewEngine(rules)
	log.Info("Движок ценообразования инициализирован")

	throttle := importer.NewThrottle(cfg.Importer.GlobalPermits, cfg.Importer.RetryBudget, cfg.Importer.Cooldown)
	registry := buildRegistry(cfg, throttle, log)

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

	router := api.SetupRouter(api.Dependencies{
		Logger:             log,
		Cache:              cacheClient,
		Messaging:          messagingClient,
		Engine:             engine,
		Exporter:           exportService,
		Registry:           registry,
		Monitor:            mon,
		RuleStorage:        db,
		RunStorage:         db,
		Shop:               cfg.Shop,
		CommandTopic:       cfg.Kafka.CommandTopic,
		JWTSecret:          cfg.Security.JWTSecret,
		CORSAllowedOrigins: cfg.Security.CORSAllowOrigins,
	})
	log.Info("Маршрутизатор настроен")

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      instrumented(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: metricsMux,
		}
		go func() {
			log.Info("Сервер метрик запущен", interfaces.LogField{Key: "address", Value: metricsServer.Addr})
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Ошибка сервера метрик", interfaces.LogField{Key: "error", Value: err.Error()})
			}
		}()
	}

	done := make(chan bool, 1)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("Сервер запущен", interfaces.LogField{Key: "address", Value: server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Ошибка запуска сервера", interfaces.LogField{Key: "error", Value: err.Error()})
		}
	}()

	go func() {
		<-quit
		log.Info("Получен сигнал завершения, выполняется graceful shutdown...")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Error("Ошибка при graceful shutdown", interfaces.LogField{Key: "error", Value: err.Error()})
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(ctx); err != nil {
				log.Error("Ошибка остановки сервера метрик", interfaces.LogField{Key: "error", Value: err.Error()})
			}
		}

		log.Info("HTTP сервер остановлен")

		if err := messagingClient.Close(); err != nil {
			log.Error("Ошибка при закрытии Kafka",
				interfaces.LogField{Key: "error", Value: err.Error()})
		}

		if err := cacheClient.Close(); err != nil {
			log.Error("Ошибка при закрытии Redis",
				interfaces.LogField{Key: "error", Value: err.Error()})
		}

		if err := db.Close(); err != nil {
			log.Error("Ошибка при закрытии БД",
				interfaces.LogField{Key: "error", Value: err.Error()})
		}

		close(done)
	}()

	<-done
	log.Info("Сервер корректно завершил работу")
}

// checkPostgresConnection проверяет соединение с базой пробной транзакцией
func checkPostgresConnection(ctx context.Context, db interfaces.StoragePort) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	txCtx, err := db.BeginTx(ctx)
	if err != nil {
		return err
	}
	return db.RollbackTx(txCtx)
}

// buildRegistry создает загрузчиков поставщиков из конфигурации
func buildRegistry(cfg *config.Config, throttle *importer.Throttle, log interfaces.LoggerPort) *suppliers.Registry {
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
		log.Info("Поставщик зарегистрирован",
			interfaces.LogField{Key: "supplier_id", Value: id},
			interfaces.LogField{Key: "permits", Value: sc.Permits})
	}

	return registry
}

// instrumented собирает метрики Prometheus по всем запросам
func instrumented(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		activeRequests.Inc()
		defer activeRequests.Dec()

		ww := apimiddleware.NewResponseWriter(w)
		next.ServeHTTP(ww, r)

		status := strconv.Itoa(ww.Status())
		httpDurations.WithLabelValues(r.URL.Path, r.Method, status).Observe(time.Since(start).Seconds())
		requestsCounter.WithLabelValues(r.URL.Path, r.Method, status).Inc()
	})
}
