// aggregator.go: производный статус скана.
//
// Текущий статус не хранится: он каждый раз вычисляется как максимум кодов
// журнала событий. Завершённость проверяется обходом всех результатов проб,
// достижимых из ссылок файлов скана, в одном снимке данных.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/scanstore/internal/domain/model"
	"github.com/bigkaa/scanstore/internal/domain/status"
	"github.com/bigkaa/scanstore/internal/repository"
)

// scanStatusEventsTotal: количество записанных событий статуса.
var scanStatusEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "scanstore_scan_status_events_total",
	Help: "Общее количество записанных событий статуса сканов",
}, []string{"status"})

// AggregatorService: вычисление и запись статуса скана.
type AggregatorService struct {
	store  repository.Store
	now    func() time.Time
	logger *slog.Logger
}

// NewAggregatorService создаёт сервис статусов.
func NewAggregatorService(store repository.Store, logger *slog.Logger) *AggregatorService {
	return &AggregatorService{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "aggregator")),
	}
}

// currentIn вычисляет текущий статус по журналу repos.
// Код вне перечисления в журнале - нарушение целостности.
func currentIn(ctx context.Context, repos *repository.Repositories, scanID int64) (status.Code, error) {
	events, err := repos.Scans.ListEvents(ctx, scanID)
	if err != nil {
		return status.Empty, mapRepoErr(err, "журнал событий скана")
	}
	codes := model.EventCodes(events)
	for _, c := range codes {
		if err := status.Validate(c); err != nil {
			return status.Empty, fmt.Errorf("%w: скан %d: %w", ErrIntegrity, scanID, err)
		}
	}
	return status.Current(codes), nil
}

// CurrentStatus возвращает максимальный код среди событий скана.
// Для скана без событий - empty.
func (a *AggregatorService) CurrentStatus(ctx context.Context, scan *model.Scan) (status.Code, error) {
	return currentIn(ctx, a.store.Repos(), scan.ID)
}

// Events возвращает журнал событий скана в порядке добавления.
func (a *AggregatorService) Events(ctx context.Context, scan *model.Scan) ([]model.ScanEvent, error) {
	events, err := a.store.Repos().Scans.ListEvents(ctx, scan.ID)
	if err != nil {
		return nil, mapRepoErr(err, "журнал событий скана")
	}
	return events, nil
}

// SetStatus добавляет событие с кодом code, если такого кода ещё нет.
// Возвращает true, если событие добавлено. Повторный код - no-op без ошибки,
// неизвестный код: ErrIntegrity без изменения журнала.
func (a *AggregatorService) SetStatus(ctx context.Context, scan *model.Scan, code status.Code) (bool, error) {
	return setStatusIn(ctx, a.store.Repos(), a.logger, scan, code, a.now())
}

// setStatusIn добавляет событие через repos: внутри транзакции вызывающего или вне её.
func setStatusIn(ctx context.Context, repos *repository.Repositories, logger *slog.Logger, scan *model.Scan, code status.Code, ts time.Time) (bool, error) {
	if err := status.Validate(code); err != nil {
		return false, fmt.Errorf("%w: %w", ErrIntegrity, err)
	}

	added, err := repos.Scans.AddEvent(ctx, scan.ID, code, ts)
	if err != nil {
		return false, mapRepoErr(err, "запись статуса скана")
	}
	if !added {
		logger.Debug("Статус уже записан",
			slog.String("scan_id", scan.ExternalID),
			slog.String("status", code.String()),
		)
		return false, nil
	}

	scanStatusEventsTotal.WithLabelValues(code.String()).Inc()
	logger.Info("Статус скана записан",
		slog.String("scan_id", scan.ExternalID),
		slog.String("status", code.String()),
	)
	return true, nil
}

// IsFinished проверяет завершённость скана:
//   - текущий статус finished → true
//   - текущий статус ниже launched → false
//   - иначе true, только если у всех достижимых результатов проб записана
//     ссылка на полный результат; скан без результатов считается завершённым
func (a *AggregatorService) IsFinished(ctx context.Context, scan *model.Scan) (bool, error) {
	finished, _, err := a.evaluate(ctx, scan)
	return finished, err
}

// evaluate читает журнал и флаги завершения в одном снимке.
func (a *AggregatorService) evaluate(ctx context.Context, scan *model.Scan) (bool, status.Code, error) {
	var (
		finished bool
		current  status.Code
	)
	err := a.store.InSnapshot(ctx, func(r *repository.Repositories) error {
		var err error
		current, err = currentIn(ctx, r, scan.ID)
		if err != nil {
			return err
		}
		if current == status.Finished || current < status.Launched {
			finished = status.IsFinished(current, nil)
			return nil
		}
		flags, err := r.Scans.CompletionFlags(ctx, scan.ID)
		if err != nil {
			return mapRepoErr(err, "флаги завершения проб")
		}
		finished = status.IsFinished(current, flags)
		return nil
	})
	if err != nil {
		return false, status.Empty, err
	}
	return finished, current, nil
}

// Refresh пересчитывает завершённость и записывает finished, когда скан
// завершён, а текущий статус ещё ниже finished. Возвращает завершённость.
func (a *AggregatorService) Refresh(ctx context.Context, scan *model.Scan) (bool, error) {
	finished, current, err := a.evaluate(ctx, scan)
	if err != nil {
		return false, err
	}
	if !finished || current >= status.Finished {
		return finished, nil
	}
	if _, err := a.SetStatus(ctx, scan, status.Finished); err != nil {
		return true, err
	}
	return true, nil
}
