// Пакет config: загрузка и валидация конфигурации scanstore
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации scanstore.
type Config struct {
	// --- Логирование ---

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Хранилище образцов ---

	// Корневой каталог хранилища содержимого файлов
	SamplesDir string
	// Максимальный возраст содержимого (0 - очистка отключена)
	RetentionMaxAge time.Duration
	// Интервал запуска очистки
	RetentionInterval time.Duration

	// --- Служебный HTTP ---

	// Порт для /metrics и /health/*
	OpsPort int

	// --- Транспорт проб (AMQP) ---

	// URL брокера (пусто - транспорт отключён)
	AMQPURL string
	// Очередь запросов на запуск проб
	AMQPDispatchQueue string
	// Очередь результатов проб
	AMQPResultsQueue string

	// --- Хранилище результатов (Valkey) ---

	// Адрес Valkey (пусто - встроенные результаты отклоняются)
	ValkeyAddr string

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Логирование ---

	// SS_LOG_LEVEL: уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("SS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("SS_LOG_LEVEL: %w", err)
	}

	// SS_LOG_FORMAT: формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("SS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("SS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	cfg.DBHost, err = getEnvRequired("SS_DB_HOST")
	if err != nil {
		return nil, err
	}

	cfg.DBPort, err = getEnvInt("SS_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("SS_DB_PORT: %w", err)
	}

	cfg.DBName, err = getEnvRequired("SS_DB_NAME")
	if err != nil {
		return nil, err
	}

	cfg.DBUser, err = getEnvRequired("SS_DB_USER")
	if err != nil {
		return nil, err
	}

	cfg.DBPassword, err = getEnvRequired("SS_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	cfg.DBSSLMode = getEnvDefault("SS_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("SS_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Хранилище образцов ---

	// SS_SAMPLES_DIR: обязательный
	cfg.SamplesDir, err = getEnvRequired("SS_SAMPLES_DIR")
	if err != nil {
		return nil, err
	}

	// SS_RETENTION_MAX_AGE: возраст содержимого для очистки (по умолчанию 0, отключено)
	cfg.RetentionMaxAge, err = getEnvDuration("SS_RETENTION_MAX_AGE", 0)
	if err != nil {
		return nil, fmt.Errorf("SS_RETENTION_MAX_AGE: %w", err)
	}
	if cfg.RetentionMaxAge < 0 {
		return nil, fmt.Errorf("SS_RETENTION_MAX_AGE: отрицательное значение %s", cfg.RetentionMaxAge)
	}

	cfg.RetentionInterval, err = getEnvDuration("SS_RETENTION_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("SS_RETENTION_INTERVAL: %w", err)
	}
	if cfg.RetentionInterval <= 0 {
		return nil, fmt.Errorf("SS_RETENTION_INTERVAL: значение должно быть положительным")
	}

	// --- Служебный HTTP ---

	cfg.OpsPort, err = getEnvInt("SS_OPS_PORT", 9090)
	if err != nil {
		return nil, fmt.Errorf("SS_OPS_PORT: %w", err)
	}
	if cfg.OpsPort < 1 || cfg.OpsPort > 65535 {
		return nil, fmt.Errorf("SS_OPS_PORT: значение %d вне допустимого диапазона 1-65535", cfg.OpsPort)
	}

	// --- AMQP ---

	cfg.AMQPURL = getEnvDefault("SS_AMQP_URL", "")
	cfg.AMQPDispatchQueue = getEnvDefault("SS_AMQP_DISPATCH_QUEUE", "probe.dispatch")
	cfg.AMQPResultsQueue = getEnvDefault("SS_AMQP_RESULTS_QUEUE", "probe.results")
	if cfg.AMQPURL != "" && cfg.AMQPDispatchQueue == cfg.AMQPResultsQueue {
		return nil, fmt.Errorf("SS_AMQP_RESULTS_QUEUE: совпадает с SS_AMQP_DISPATCH_QUEUE (%q)", cfg.AMQPResultsQueue)
	}

	// --- Valkey ---

	cfg.ValkeyAddr = getEnvDefault("SS_VALKEY_ADDR", "")

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("SS_DEPHEALTH_GROUP", "scanstore")

	cfg.DephealthCheckInterval, err = getEnvDuration("SS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("SS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("SS_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("SS_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения к PostgreSQL (для dephealth).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// RetentionEnabled сообщает, включена ли очистка содержимого по возрасту.
func (c *Config) RetentionEnabled() bool {
	return c.RetentionMaxAge > 0
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
