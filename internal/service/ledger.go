// ledger.go: журнал результатов проб: запуск проб по ссылкам файлов
// и однократная фиксация результатов.
//
// Результат пробы разделяется между ссылками одного скана на одно и то же
// содержимое: повторный запуск той же пробы для того же файла привязывает
// ссылку к уже существующему результату вместо нового запуска.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/scanstore/internal/domain/model"
	"github.com/bigkaa/scanstore/internal/domain/status"
	"github.com/bigkaa/scanstore/internal/probe/queue"
	"github.com/bigkaa/scanstore/internal/repository"
)

// Prometheus-метрики журнала результатов.
var (
	probeDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scanstore_probe_dispatched_total",
		Help: "Общее количество привязок ссылок файлов к результатам проб",
	}, []string{"kind"}) // kind: new, shared

	probeCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scanstore_probe_completed_total",
		Help: "Общее количество зафиксированных результатов проб",
	})
)

// Publisher: передача запросов на запуск проб внешней подсистеме.
type Publisher interface {
	Publish(ctx context.Context, reqs []queue.DispatchRequest) error
}

// ProbeValidator: проверка пары (тип, имя) пробы по каталогу.
type ProbeValidator interface {
	Validate(probeType, probeName string) error
}

// LedgerService: сервис журнала результатов проб.
type LedgerService struct {
	store      repository.Store
	validator  ProbeValidator
	publisher  Publisher
	aggregator *AggregatorService
	now        func() time.Time
	logger     *slog.Logger
}

// NewLedgerService создаёт сервис журнала.
// validator и publisher могут быть nil: тогда пробы не проверяются по
// каталогу, а запросы только записываются.
func NewLedgerService(
	store repository.Store,
	validator ProbeValidator,
	publisher Publisher,
	aggregator *AggregatorService,
	logger *slog.Logger,
) *LedgerService {
	return &LedgerService{
		store:      store,
		validator:  validator,
		publisher:  publisher,
		aggregator: aggregator,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With(slog.String("component", "ledger")),
	}
}

// validateProbes проверяет список проб и убирает повторы.
func (l *LedgerService) validateProbes(probes []model.Probe) ([]model.Probe, error) {
	if len(probes) == 0 {
		return nil, fmt.Errorf("%w: не задано ни одной пробы", ErrValidation)
	}
	seen := make(map[model.Probe]bool, len(probes))
	out := make([]model.Probe, 0, len(probes))
	for _, p := range probes {
		p.Type = strings.TrimSpace(p.Type)
		p.Name = strings.TrimSpace(p.Name)
		if p.Type == "" || p.Name == "" {
			return nil, fmt.Errorf("%w: у пробы должны быть тип и имя", ErrValidation)
		}
		if l.validator != nil {
			if err := l.validator.Validate(p.Type, p.Name); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrValidation, err)
			}
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}

// dispatchIn привязывает ссылку fw к результату пробы p.
// created == true, если результат создан, а не переиспользован.
func dispatchIn(ctx context.Context, r *repository.Repositories, fw *model.FileWeb, p model.Probe) (*model.ProbeResult, bool, error) {
	shared, err := r.ProbeResults.FindShared(ctx, fw.ScanID, fw.FileID, p.Name)
	switch {
	case err == nil:
		if err := r.ProbeResults.Link(ctx, fw.ID, shared.ID); err != nil {
			return nil, false, mapRepoErr(err, "привязка общего результата")
		}
		probeDispatchedTotal.WithLabelValues("shared").Inc()
		return shared, false, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, false, mapRepoErr(err, "поиск общего результата")
	}

	pr := &model.ProbeResult{FileID: fw.FileID, ProbeType: p.Type, ProbeName: p.Name}
	if err := r.ProbeResults.Create(ctx, pr); err != nil {
		return nil, false, mapRepoErr(err, "создание результата пробы")
	}
	if err := r.ProbeResults.Link(ctx, fw.ID, pr.ID); err != nil {
		return nil, false, mapRepoErr(err, "привязка результата пробы")
	}
	probeDispatchedTotal.WithLabelValues("new").Inc()
	return pr, true, nil
}

// Dispatch создаёт ожидающий результат пробы для ссылки fw или привязывает
// fw к результату той же пробы для того же файла в том же скане.
func (l *LedgerService) Dispatch(ctx context.Context, fw *model.FileWeb, probeType, probeName string) (*model.ProbeResult, error) {
	probes, err := l.validateProbes([]model.Probe{{Type: probeType, Name: probeName}})
	if err != nil {
		return nil, err
	}

	var pr *model.ProbeResult
	err = l.store.InTx(ctx, func(r *repository.Repositories) error {
		var err error
		pr, _, err = dispatchIn(ctx, r, fw, probes[0])
		return err
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug("Проба назначена",
		slog.Int64("file_web_id", fw.ID),
		slog.Int64("probe_result_id", pr.ID),
		slog.String("probe", pr.ProbeName),
	)
	return pr, nil
}

// batch: итог назначения проб всем ссылкам скана.
type batch struct {
	results []*model.ProbeResult
	created []*model.ProbeResult
}

// dispatchScanIn назначает каждую пробу каждой ссылке файла скана.
func dispatchScanIn(ctx context.Context, r *repository.Repositories, scan *model.Scan, probes []model.Probe) (*batch, error) {
	fws, err := r.FileWebs.ListByScan(ctx, scan.ID)
	if err != nil {
		return nil, mapRepoErr(err, "файлы скана")
	}

	b := &batch{}
	seen := make(map[int64]bool)
	for _, fw := range fws {
		for _, p := range probes {
			pr, created, err := dispatchIn(ctx, r, fw, p)
			if err != nil {
				return nil, err
			}
			if created {
				b.created = append(b.created, pr)
			}
			if !seen[pr.ID] {
				seen[pr.ID] = true
				b.results = append(b.results, pr)
			}
		}
	}
	return b, nil
}

// DispatchScan назначает пробы всем файлам скана в одной транзакции.
// Возвращает различные результаты проб в порядке создания.
func (l *LedgerService) DispatchScan(ctx context.Context, scan *model.Scan, probes []model.Probe) ([]*model.ProbeResult, error) {
	probes, err := l.validateProbes(probes)
	if err != nil {
		return nil, err
	}

	var b *batch
	err = l.store.InTx(ctx, func(r *repository.Repositories) error {
		var err error
		b, err = dispatchScanIn(ctx, r, scan, probes)
		return err
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("Пробы назначены",
		slog.String("scan_id", scan.ExternalID),
		slog.Int("results", len(b.results)),
		slog.Int("created", len(b.created)),
	)
	return b.results, nil
}

// LaunchScan назначает пробы файлам скана и записывает статус launched
// в одной транзакции, после фиксации передаёт запросы подсистеме проб.
// Скан без файлов сразу становится завершённым.
// Ошибка передачи возвращается как ErrDispatch: записи при этом сохранены.
func (l *LedgerService) LaunchScan(ctx context.Context, scan *model.Scan, probes []model.Probe) ([]*model.ProbeResult, error) {
	probes, err := l.validateProbes(probes)
	if err != nil {
		return nil, err
	}

	var (
		b    *batch
		reqs []queue.DispatchRequest
	)
	err = l.store.InTx(ctx, func(r *repository.Repositories) error {
		// Параллельный запуск того же скана ждёт здесь и видит launched.
		if err := r.Scans.Lock(ctx, scan.ID); err != nil {
			return mapRepoErr(err, fmt.Sprintf("скан %s", scan.ExternalID))
		}
		current, err := currentIn(ctx, r, scan.ID)
		if err != nil {
			return err
		}
		if current >= status.Launched {
			return fmt.Errorf("%w: скан %s уже запущен (статус %s)", ErrValidation, scan.ExternalID, current)
		}

		b, err = dispatchScanIn(ctx, r, scan, probes)
		if err != nil {
			return err
		}
		reqs, err = dispatchRequests(ctx, r, scan, b.created)
		if err != nil {
			return err
		}

		_, err = setStatusIn(ctx, r, l.logger, scan, status.Launched, l.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("Скан запущен",
		slog.String("scan_id", scan.ExternalID),
		slog.Int("results", len(b.results)),
		slog.Int("requests", len(reqs)),
	)

	if l.publisher != nil {
		if err := l.publisher.Publish(ctx, reqs); err != nil {
			return b.results, fmt.Errorf("%w: скан %s: %w", ErrDispatch, scan.ExternalID, err)
		}
	}

	if l.aggregator != nil {
		if _, err := l.aggregator.Refresh(ctx, scan); err != nil {
			l.logger.Error("Ошибка пересчёта статуса скана",
				slog.String("scan_id", scan.ExternalID),
				slog.String("error", err.Error()),
			)
		}
	}
	return b.results, nil
}

// dispatchRequests формирует запросы на запуск новых результатов проб.
func dispatchRequests(ctx context.Context, r *repository.Repositories, scan *model.Scan, created []*model.ProbeResult) ([]queue.DispatchRequest, error) {
	files := make(map[int64]*model.File)
	reqs := make([]queue.DispatchRequest, 0, len(created))
	for _, pr := range created {
		f, ok := files[pr.FileID]
		if !ok {
			var err error
			f, err = r.Files.GetByID(ctx, pr.FileID)
			if err != nil {
				return nil, mapRepoErr(err, fmt.Sprintf("файл %d", pr.FileID))
			}
			files[pr.FileID] = f
		}

		req := queue.DispatchRequest{
			ProbeResultID: pr.ID,
			ScanID:        scan.ExternalID,
			FileSHA256:    f.SHA256,
			ProbeType:     pr.ProbeType,
			ProbeName:     pr.ProbeName,
		}
		if f.HasContent() {
			req.FilePath = *f.Path
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// Complete фиксирует ссылку на полный результат и вердикт ровно один раз.
// Повторный вызов: ErrIntegrity, первый результат не меняется.
// После фиксации пересчитывается статус всех сканов, где участвует результат.
func (l *LedgerService) Complete(ctx context.Context, probeResultID int64, payloadRef string, verdict int) (*model.ProbeResult, error) {
	payloadRef = strings.TrimSpace(payloadRef)
	if payloadRef == "" {
		return nil, fmt.Errorf("%w: пустая ссылка на результат", ErrValidation)
	}

	var (
		pr    *model.ProbeResult
		scans []*model.Scan
	)
	err := l.store.InTx(ctx, func(r *repository.Repositories) error {
		if err := r.ProbeResults.Complete(ctx, probeResultID, payloadRef, verdict); err != nil {
			return mapRepoErr(err, fmt.Sprintf("результат пробы %d", probeResultID))
		}
		var err error
		pr, err = r.ProbeResults.GetByID(ctx, probeResultID)
		if err != nil {
			return mapRepoErr(err, fmt.Sprintf("результат пробы %d", probeResultID))
		}
		scans, err = r.Scans.ListByProbeResult(ctx, probeResultID)
		return mapRepoErr(err, "сканы результата пробы")
	})
	if err != nil {
		return nil, err
	}

	probeCompletedTotal.Inc()
	l.logger.Info("Результат пробы зафиксирован",
		slog.Int64("probe_result_id", pr.ID),
		slog.String("probe", pr.ProbeName),
		slog.Int("verdict", verdict),
	)

	if l.aggregator != nil {
		for _, scan := range scans {
			if _, err := l.aggregator.Refresh(ctx, scan); err != nil {
				l.logger.Error("Ошибка пересчёта статуса скана",
					slog.String("scan_id", scan.ExternalID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return pr, nil
}

// ProbeResults возвращает результаты проб ссылки файла.
func (l *LedgerService) ProbeResults(ctx context.Context, fw *model.FileWeb) ([]*model.ProbeResult, error) {
	results, err := l.store.Repos().ProbeResults.ListByFileWeb(ctx, fw.ID)
	if err != nil {
		return nil, mapRepoErr(err, "результаты проб")
	}
	return results, nil
}

// Get возвращает результат пробы по идентификатору.
func (l *LedgerService) Get(ctx context.Context, probeResultID int64) (*model.ProbeResult, error) {
	pr, err := l.store.Repos().ProbeResults.GetByID(ctx, probeResultID)
	if err != nil {
		return nil, mapRepoErr(err, fmt.Sprintf("результат пробы %d", probeResultID))
	}
	return pr, nil
}
