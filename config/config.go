package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SupplierConfig содержит настройки одного поставщика каталога
type SupplierConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Token         string        `mapstructure:"token"`
	PageSize      int           `mapstructure:"page_size"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	RateBurst     int           `mapstructure:"rate_burst"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Permits       int           `mapstructure:"permits"` // размер пула разрешений поставщика
}

// Config содержит все настройки сервиса
type Config struct {
	AppName  string
	Version  string
	LogLevel string
	ENV      string
	Shop     string `mapstructure:"shop"` // имя магазина витрины

	Server struct {
		Host            string
		Port            int
		ReadTimeout     time.Duration
		WriteTimeout    time.Duration
		ShutdownTimeout time.Duration
	}

	Postgres struct {
		Host     string
		Port     int
		User     string
		Password string
		DBName   string
		SSLMode  string
		Timeout  time.Duration
		PoolSize int // размер пула соединений
	}

	Redis struct {
		Host              string
		Port              int
		Password          string
		DB                int
		DefaultExpiration time.Duration // срок действия экспортных документов по умолчанию
	}

	Kafka struct {
		Brokers      []string `mapstructure:"brokers"`
		GroupID      string   `mapstructure:"group_id"`
		EventTopic   string   `mapstructure:"event_topic"`
		CommandTopic string   `mapstructure:"command_topic"`
	}

	// Importer управляет пропускной способностью конвейера импорта
	Importer struct {
		GlobalPermits  int           // глобальный пул разрешений
		RetryBudget    int           // число повторов до приостановки поставщика
		RetryBackoff   time.Duration // базовая задержка между повторами
		Cooldown       time.Duration // период охлаждения приостановленного поставщика
		ImportInterval time.Duration // период планового импорта в воркере
	}

	Suppliers map[string]SupplierConfig `mapstructure:"suppliers"`

	Currency struct {
		RatesURL string        `mapstructure:"rates_url"`
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
	}

	Metrics struct {
		Enabled bool
		Port    int `mapstructure:"port"`
	}

	Security struct {
		JWTSecret        string
		JWTExpirationMin time.Duration
		CORSAllowOrigins []string
	}
}

// Load загружает конфигурацию из файла и переменных окружения
func Load(configPath string) (*Config, error) {
	configFile := "config"
	if configPath != "" {
		configFile = configPath
	}

	var cfg Config

	// Настройка Viper
	viper.SetConfigName(configFile)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("../config")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Чтение конфигурационного файла
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
		}
		// Продолжаем, если файл не найден, будем использовать только переменные окружения
	}

	// Установка значений по умолчанию
	setDefaults()

	// Привязка переменных окружения
	bindEnvVariables()

	// Чтение конфигурации в структуру
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("ошибка десериализации конфигурации: %w", err)
	}

	// Получаем окружение
	cfg.ENV = viper.GetString("env")
	if cfg.ENV == "" {
		cfg.ENV = "development"
		if envVar := os.Getenv("APP_ENV"); envVar != "" {
			cfg.ENV = envVar
		}
	}

	return &cfg, nil
}

// setDefaults устанавливает значения по умолчанию
func setDefaults() {
	// Основные настройки
	viper.SetDefault("appName", "rt-parsing")
	viper.SetDefault("version", "1.0.0")
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("env", "development")
	viper.SetDefault("shop", "ddaudio")

	// Настройки сервера
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", "10s")
	viper.SetDefault("server.writeTimeout", "10s")
	viper.SetDefault("server.shutdownTimeout", "5s")

	// Настройки Postgres
	viper.SetDefault("postgres.host", "localhost")
	viper.SetDefault("postgres.port", 5432)
	viper.SetDefault("postgres.user", "postgres")
	viper.SetDefault("postgres.password", "postgres")
	viper.SetDefault("postgres.dbname", "rt_parsing")
	viper.SetDefault("postgres.sslmode", "disable")
	viper.SetDefault("postgres.timeout", "5s")
	viper.SetDefault("postgres.poolSize", 10)

	// Настройки Redis
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.defaultExpiration", "10m")

	// Настройки Kafka
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.groupID", "rt-parsing")
	viper.SetDefault("kafka.eventTopic", "import-events")
	viper.SetDefault("kafka.commandTopic", "import-commands")

	// Настройки конвейера импорта
	viper.SetDefault("importer.globalPermits", 4)
	viper.SetDefault("importer.retryBudget", 3)
	viper.SetDefault("importer.retryBackoff", "2s")
	viper.SetDefault("importer.cooldown", "15m")
	viper.SetDefault("importer.importInterval", "6h")

	// Настройки поставщиков
	viper.SetDefault("suppliers.davi.base_url", "https://davisklad.com.ua/api")
	viper.SetDefault("suppliers.davi.page_size", 200)
	viper.SetDefault("suppliers.davi.rate_per_second", 2.0)
	viper.SetDefault("suppliers.davi.rate_burst", 2)
	viper.SetDefault("suppliers.davi.timeout", "30s")
	viper.SetDefault("suppliers.davi.permits", 1)
	viper.SetDefault("suppliers.ddaudio.base_url", "https://api.dd-audio.com.ua/v1")
	viper.SetDefault("suppliers.ddaudio.page_size", 500)
	viper.SetDefault("suppliers.ddaudio.rate_per_second", 4.0)
	viper.SetDefault("suppliers.ddaudio.rate_burst", 4)
	viper.SetDefault("suppliers.ddaudio.timeout", "30s")
	viper.SetDefault("suppliers.ddaudio.permits", 2)

	// Настройки курсов валют
	viper.SetDefault("currency.ratesURL", "https://api.privatbank.ua/p24api/pubinfo?exchange&json&coursid=11")
	viper.SetDefault("currency.cacheTTL", "1h")

	// Настройки метрик
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)

	// Настройки безопасности
	viper.SetDefault("security.jwtSecret", "your-secret-key")
	viper.SetDefault("security.jwtExpirationMin", "60m")
	viper.SetDefault("security.corsAllowOrigins", []string{"*"})
}

// bindEnvVariables привязывает переменные окружения к конфигурации
func bindEnvVariables() {
	// Основные настройки
	viper.BindEnv("appName", "APP_NAME")
	viper.BindEnv("version", "APP_VERSION")
	viper.BindEnv("logLevel", "LOG_LEVEL")
	viper.BindEnv("env", "APP_ENV")
	viper.BindEnv("shop", "SHOP_NAME")

	// Настройки сервера
	viper.BindEnv("server.host", "SERVER_HOST")
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.readTimeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.writeTimeout", "SERVER_WRITE_TIMEOUT")
	viper.BindEnv("server.shutdownTimeout", "SERVER_SHUTDOWN_TIMEOUT")

	// Настройки Postgres
	viper.BindEnv("postgres.host", "POSTGRES_HOST")
	viper.BindEnv("postgres.port", "POSTGRES_PORT")
	viper.BindEnv("postgres.user", "POSTGRES_USER")
	viper.BindEnv("postgres.password", "POSTGRES_PASSWORD")
	viper.BindEnv("postgres.dbname", "POSTGRES_DBNAME")
	viper.BindEnv("postgres.sslmode", "POSTGRES_SSLMODE")
	viper.BindEnv("postgres.timeout", "POSTGRES_TIMEOUT")
	viper.BindEnv("postgres.poolSize", "POSTGRES_POOL_SIZE")

	// Настройки Redis
	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")
	viper.BindEnv("redis.defaultExpiration", "REDIS_DEFAULT_EXPIRATION")

	// Настройки Kafka
	viper.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	viper.BindEnv("kafka.groupID", "KAFKA_GROUP_ID")
	viper.BindEnv("kafka.eventTopic", "KAFKA_EVENT_TOPIC")
	viper.BindEnv("kafka.commandTopic", "KAFKA_COMMAND_TOPIC")

	// Настройки конвейера импорта
	viper.BindEnv("importer.globalPermits", "IMPORT_CONCURRENCY")
	viper.BindEnv("importer.retryBudget", "IMPORT_RETRY_BUDGET")
	viper.BindEnv("importer.retryBackoff", "IMPORT_RETRY_BACKOFF")
	viper.BindEnv("importer.cooldown", "IMPORT_COOLDOWN")
	viper.BindEnv("importer.importInterval", "IMPORT_INTERVAL")

	// Настройки курсов валют
	viper.BindEnv("currency.ratesURL", "CURRENCY_RATES_URL")
	viper.BindEnv("currency.cacheTTL", "CURRENCY_CACHE_TTL")

	// Настройки метрик
	viper.BindEnv("metrics.enabled", "METRICS_ENABLED")
	viper.BindEnv("metrics.port", "METRICS_PORT")

	// Настройки безопасности
	viper.BindEnv("security.jwtSecret", "JWT_SECRET")
	viper.BindEnv("security.jwtExpirationMin", "JWT_EXPIRATION_MIN")
	viper.BindEnv("security.corsAllowOrigins", "CORS_ALLOW_ORIGINS")
}
