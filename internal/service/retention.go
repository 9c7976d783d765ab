// retention.go: фоновая очистка содержимого образцов по возрасту.
//
// Строки файлов сохраняются: очищается только содержимое на диске и путь к нему.
// Запускается как горутина с периодическим тикером (SS_RETENTION_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики очистки
var (
	retentionRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanstore_retention_runs_total",
		Help: "Общее количество запусков очистки содержимого",
	})

	retentionEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanstore_retention_evicted_total",
		Help: "Общее количество файлов, содержимое которых очищено",
	})

	retentionErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanstore_retention_errors_total",
		Help: "Общее количество запусков очистки, завершившихся с ошибками",
	})

	retentionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scanstore_retention_duration_seconds",
		Help:    "Длительность очистки содержимого в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// Evictor: очистка содержимого старше maxAge.
type Evictor interface {
	Evict(ctx context.Context, maxAge time.Duration) (int, error)
}

// RetentionResult: результат одного запуска очистки.
type RetentionResult struct {
	// Evicted: количество очищенных файлов
	Evicted int
	// Err: ошибка запуска (nil при успехе)
	Err error
	// Duration: длительность выполнения
	Duration time.Duration
}

// RetentionService: сервис фоновой очистки содержимого.
type RetentionService struct {
	evictor  Evictor
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRetentionService создаёт сервис очистки.
func NewRetentionService(evictor Evictor, maxAge, interval time.Duration, logger *slog.Logger) *RetentionService {
	return &RetentionService{
		evictor:  evictor,
		maxAge:   maxAge,
		interval: interval,
		logger:   logger.With(slog.String("component", "retention")),
	}
}

// Start запускает фоновую горутину очистки.
func (rs *RetentionService) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel
	rs.done = make(chan struct{})

	go rs.run(runCtx)

	rs.logger.Info("Очистка содержимого запущена",
		slog.String("max_age", rs.maxAge.String()),
		slog.String("interval", rs.interval.String()),
	)
}

// Stop останавливает очистку и ждёт завершения текущего запуска.
func (rs *RetentionService) Stop() {
	if rs.cancel == nil {
		return
	}
	rs.cancel()
	<-rs.done
	rs.logger.Info("Очистка содержимого остановлена")
}

func (rs *RetentionService) run(ctx context.Context) {
	defer close(rs.done)

	// Первый запуск: сразу после старта
	rs.RunOnce(ctx)

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл очистки.
// Потокобезопасен: использует mutex для защиты от параллельного запуска.
func (rs *RetentionService) RunOnce(ctx context.Context) *RetentionResult {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	start := time.Now()
	evicted, err := rs.evictor.Evict(ctx, rs.maxAge)
	result := &RetentionResult{
		Evicted:  evicted,
		Err:      err,
		Duration: time.Since(start),
	}

	retentionRunsTotal.Inc()
	retentionEvictedTotal.Add(float64(evicted))
	retentionDurationSeconds.Observe(result.Duration.Seconds())

	if err != nil {
		retentionErrorsTotal.Inc()
		rs.logger.Error("Очистка содержимого завершена с ошибками",
			slog.Int("evicted", evicted),
			slog.String("error", err.Error()),
			slog.Duration("duration", result.Duration),
		)
		return result
	}

	rs.logger.Info("Очистка содержимого завершена",
		slog.Int("evicted", evicted),
		slog.Duration("duration", result.Duration),
	)
	return result
}
