// Точка входа scanstore - хранилища файлов, сканов и результатов проб.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// создаёт сервисный слой, запускает приём результатов проб из очереди,
// очистку содержимого по возрасту, topologymetrics и служебный HTTP-сервер.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/scanstore/internal/config"
	"github.com/bigkaa/scanstore/internal/database"
	"github.com/bigkaa/scanstore/internal/probe/catalog"
	"github.com/bigkaa/scanstore/internal/probe/queue"
	"github.com/bigkaa/scanstore/internal/repository"
	"github.com/bigkaa/scanstore/internal/server"
	"github.com/bigkaa/scanstore/internal/service"
	"github.com/bigkaa/scanstore/internal/storage/payload"
	"github.com/bigkaa/scanstore/internal/storage/samples"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("scanstore запускается",
		slog.String("version", config.Version),
		slog.Int("ops_port", cfg.OpsPort),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	store := repository.NewStore(pool)

	// 5. Хранилище содержимого образцов
	sampleStore, err := samples.New(cfg.SamplesDir)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища образцов",
			slog.String("dir", cfg.SamplesDir),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	// 6. Каталог проб
	probes, err := catalog.Default()
	if err != nil {
		logger.Error("Ошибка инициализации каталога проб", slog.String("error", err.Error()))
		os.Exit(1)
	}
	available := probes.Available(catalog.CurrentOS())
	names := make([]string, 0, len(available))
	for _, p := range available {
		names = append(names, p.Name)
	}
	logger.Info("Каталог проб загружен",
		slog.Int("registered", len(probes.List())),
		slog.Any("available", names),
		slog.String("os", catalog.CurrentOS()),
	)

	// 7. Внешнее хранилище результатов (опционально)
	var payloads service.PayloadStore
	checks := []server.Check{{Name: "postgresql", Checker: server.PingChecker{Ping: pool.Ping}}}
	if cfg.ValkeyAddr != "" {
		vs, vErr := payload.NewValkeyStore(cfg.ValkeyAddr)
		if vErr != nil {
			logger.Error("Ошибка подключения к Valkey", slog.String("error", vErr.Error()))
			os.Exit(1)
		}
		defer vs.Close()
		payloads = vs
		checks = append(checks, server.Check{
			Name:    "valkey",
			Checker: server.PingChecker{Ping: vs.Ping, Status: server.StatusDegraded},
		})
		logger.Info("Хранилище результатов Valkey подключено", slog.String("addr", cfg.ValkeyAddr))
	} else {
		logger.Info("SS_VALKEY_ADDR не задан, встроенные результаты проб будут отклоняться")
	}

	// 8. Транспорт проб (опционально)
	var publisher service.Publisher
	if cfg.AMQPURL != "" {
		p := queue.NewPublisher(cfg.AMQPURL, cfg.AMQPDispatchQueue, logger)
		defer p.Close()
		publisher = p
	} else {
		logger.Info("SS_AMQP_URL не задан, запросы на запуск проб только записываются")
	}

	// 9. Сервисы, которыми пользуется сам процесс.
	// Реестр сканов и поиск собираются встраивающим кодом через пакет service.
	contentSvc := service.NewContentService(store, sampleStore, logger)
	aggregatorSvc := service.NewAggregatorService(store, logger)
	ledgerSvc := service.NewLedgerService(store, probes, publisher, aggregatorSvc, logger)
	completionSvc := service.NewCompletionService(ledgerSvc, payloads, logger)

	// 10. Приём результатов проб
	consumerDone := make(chan struct{})
	if cfg.AMQPURL != "" {
		consumer := queue.NewConsumer(cfg.AMQPURL, cfg.AMQPResultsQueue,
			completionSvc.Handle, service.IsPermanent, logger)
		go func() {
			defer close(consumerDone)
			consumer.Run(ctx)
		}()
	} else {
		close(consumerDone)
	}

	// 11. Очистка содержимого по возрасту
	var retentionSvc *service.RetentionService
	if cfg.RetentionEnabled() {
		retentionSvc = service.NewRetentionService(contentSvc, cfg.RetentionMaxAge, cfg.RetentionInterval, logger)
		retentionSvc.Start(ctx)
	} else {
		logger.Info("Очистка содержимого отключена (SS_RETENTION_MAX_AGE=0)")
	}

	// 12. topologymetrics: PostgreSQL, а также Valkey и RabbitMQ, если заданы
	dephealthSvc, dephealthErr := service.NewDephealthService(
		cfg.DephealthGroup,
		service.DependencyTargets{
			DB:          pgDB,
			DatabaseURL: cfg.DatabaseURL(),
			ValkeyAddr:  cfg.ValkeyAddr,
			AMQPURL:     cfg.AMQPURL,
		},
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
	} else {
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 13. Служебный HTTP-сервер (блокирует до сигнала завершения)
	srv := server.New(cfg, logger, checks...)
	if err := srv.Run(ctx, cfg.ShutdownTimeout); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		stop()
	}

	// 14. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")
	stop()
	<-consumerDone
	if retentionSvc != nil {
		retentionSvc.Stop()
	}
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("scanstore остановлен")
}
