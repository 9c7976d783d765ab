// Мониторинг зависимостей scanstore через topologymetrics.
//
// PostgreSQL нужен каждому сервису хранилища и проверяется через общий
// pgxpool, он критичен. Valkey хранит полные результаты проб, RabbitMQ
// переносит запросы на запуск и ответы: обе зависимости необязательны,
// мониторятся только если заданы и не влияют на критичность.
//
// Состояние публикуется на /metrics (app_dependency_health,
// app_dependency_latency_seconds).
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/amqpcheck"
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/redischeck"
)

// dephealthServiceID: имя вершины scanstore в графе зависимостей.
const dephealthServiceID = "scanstore"

// DependencyTargets: зависимости процесса, за которыми следит мониторинг.
type DependencyTargets struct {
	// DB: *sql.DB поверх pgxpool (stdlib.OpenDBFromPool).
	DB *sql.DB
	// DatabaseURL нужен только для меток host и port.
	DatabaseURL string
	// ValkeyAddr в форме host:port. Пусто: Valkey не мониторится.
	ValkeyAddr string
	// AMQPURL брокера. Пусто: RabbitMQ не мониторится.
	AMQPURL string
}

// DephealthService периодически проверяет зависимости хранилища.
type DephealthService struct {
	dh     *dephealth.DepHealth
	deps   []string
	logger *slog.Logger
}

// NewDephealthService настраивает проверки для targets. Дополнительные
// опции передаются в dephealth.New (например, WithRegisterer в тестах).
// Без extra метрики попадают в глобальный Prometheus registry.
func NewDephealthService(
	group string,
	targets DependencyTargets,
	checkInterval time.Duration,
	logger *slog.Logger,
	extra ...dephealth.Option,
) (*DephealthService, error) {
	depOpts, deps, err := dependencyOptions(targets, checkInterval)
	if err != nil {
		return nil, err
	}

	opts := append([]dephealth.Option{dephealth.WithLogger(logger)}, depOpts...)
	opts = append(opts, extra...)

	dh, err := dephealth.New(dephealthServiceID, group, opts...)
	if err != nil {
		return nil, fmt.Errorf("ошибка инициализации topologymetrics: %w", err)
	}

	return &DephealthService{
		dh:     dh,
		deps:   deps,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// dependencyOptions строит по одной зависимости dephealth на каждую
// заданную цель и возвращает их имена в порядке регистрации.
func dependencyOptions(targets DependencyTargets, checkInterval time.Duration) ([]dephealth.Option, []string, error) {
	if targets.DB == nil {
		return nil, nil, errors.New("не задано подключение к PostgreSQL для мониторинга")
	}

	opts := []dephealth.Option{
		dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(targets.DB)),
			dephealth.FromURL(targets.DatabaseURL),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(true),
		),
	}
	deps := []string{"postgresql"}

	if targets.ValkeyAddr != "" {
		host, port, err := net.SplitHostPort(targets.ValkeyAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("адрес Valkey %q: %w", targets.ValkeyAddr, err)
		}
		opts = append(opts, dephealth.AddDependency("valkey", dephealth.TypeRedis,
			redischeck.New(),
			dephealth.FromParams(host, port),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(false),
		))
		deps = append(deps, "valkey")
	}

	if targets.AMQPURL != "" {
		opts = append(opts, dephealth.AddDependency("rabbitmq", dephealth.TypeAMQP,
			amqpcheck.New(amqpcheck.WithURL(targets.AMQPURL)),
			dephealth.FromURL(targets.AMQPURL),
			dephealth.CheckInterval(checkInterval),
			dephealth.Critical(false),
		))
		deps = append(deps, "rabbitmq")
	}

	return opts, deps, nil
}

// Dependencies возвращает имена отслеживаемых зависимостей.
func (ds *DephealthService) Dependencies() []string {
	return ds.deps
}

// Start запускает проверки. Не блокирует.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей хранилища запущен", slog.Any("dependencies", ds.deps))
	return ds.dh.Start(ctx)
}

// Stop останавливает проверки.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей хранилища остановлен")
}

// Health: последнее состояние каждой зависимости.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
