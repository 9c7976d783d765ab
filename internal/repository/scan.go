package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/scanstore/internal/domain/model"
	"github.com/bigkaa/scanstore/internal/domain/status"
)

// ScanRepository: операции с таблицами scan и scan_event.
type ScanRepository interface {
	// Create создаёт скан. Заполняет s.ID.
	Create(ctx context.Context, s *model.Scan) error
	// GetByID возвращает скан по первичному ключу.
	GetByID(ctx context.Context, id int64) (*model.Scan, error)
	// GetByExternalID возвращает единственный скан по внешнему идентификатору.
	GetByExternalID(ctx context.Context, externalID string) (*model.Scan, error)
	// Lock блокирует строку скана до конца транзакции (FOR UPDATE).
	Lock(ctx context.Context, id int64) error
	// AddEvent добавляет событие статуса. Если пара (скан, статус)
	// уже записана: ничего не делает и возвращает false.
	AddEvent(ctx context.Context, scanID int64, code status.Code, ts time.Time) (bool, error)
	// ListEvents возвращает журнал событий скана в порядке записи.
	ListEvents(ctx context.Context, scanID int64) ([]model.ScanEvent, error)
	// CompletionFlags возвращает для каждой пары (FileWeb, ProbeResult) скана
	// признак завершения пробы.
	CompletionFlags(ctx context.Context, scanID int64) ([]bool, error)
	// ListByProbeResult возвращает сканы, из которых достижим результат пробы.
	ListByProbeResult(ctx context.Context, probeResultID int64) ([]*model.Scan, error)
}

type scanRepo struct {
	db DBTX
}

// NewScanRepository создаёт репозиторий сканов.
func NewScanRepository(db DBTX) ScanRepository {
	return &scanRepo{db: db}
}

func scanScan(row pgx.CollectableRow) (*model.Scan, error) {
	s := &model.Scan{}
	err := row.Scan(&s.ID, &s.ExternalID, &s.Date, &s.IP)
	return s, err
}

func (r *scanRepo) Create(ctx context.Context, s *model.Scan) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO scan (external_id, date, ip) VALUES ($1, $2, $3) RETURNING id`,
		s.ExternalID, s.Date, s.IP,
	).Scan(&s.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: скан %s уже существует", ErrConflict, s.ExternalID)
		}
		return fmt.Errorf("ошибка создания скана: %w", err)
	}
	return nil
}

func (r *scanRepo) GetByID(ctx context.Context, id int64) (*model.Scan, error) {
	s := &model.Scan{}
	err := r.db.QueryRow(ctx,
		`SELECT id, external_id, date, ip FROM scan WHERE id = $1`, id,
	).Scan(&s.ID, &s.ExternalID, &s.Date, &s.IP)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения скана: %w", err)
	}
	return s, nil
}

func (r *scanRepo) Lock(ctx context.Context, id int64) error {
	var locked int64
	err := r.db.QueryRow(ctx, `SELECT id FROM scan WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка блокировки скана: %w", err)
	}
	return nil
}

func (r *scanRepo) GetByExternalID(ctx context.Context, externalID string) (*model.Scan, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, external_id, date, ip FROM scan WHERE external_id = $1 LIMIT 2`, externalID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения скана: %w", err)
	}
	s, err := collectOne(rows, scanScan)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrMultipleRows) {
			return nil, err
		}
		return nil, fmt.Errorf("ошибка получения скана: %w", err)
	}
	return s, nil
}

func (r *scanRepo) AddEvent(ctx context.Context, scanID int64, code status.Code, ts time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO scan_event (id_scan, status, timestamp) VALUES ($1, $2, $3)
		ON CONFLICT (id_scan, status) DO NOTHING`,
		scanID, int(code), ts)
	if err != nil {
		return false, fmt.Errorf("ошибка записи события скана: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *scanRepo) ListEvents(ctx context.Context, scanID int64) ([]model.ScanEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, id_scan, status, timestamp
		FROM scan_event
		WHERE id_scan = $1
		ORDER BY id`, scanID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения событий скана: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ScanEvent, error) {
		var e model.ScanEvent
		var code int
		err := row.Scan(&e.ID, &e.ScanID, &code, &e.Timestamp)
		e.Status = status.Code(code)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения событий скана: %w", err)
	}
	return events, nil
}

func (r *scanRepo) CompletionFlags(ctx context.Context, scanID int64) ([]bool, error) {
	rows, err := r.db.Query(ctx, `
		SELECT pr.nosql_id IS NOT NULL
		FROM file_web fw
		JOIN probe_result_file_web prfw ON prfw.id_fw = fw.id
		JOIN probe_result pr ON pr.id = prfw.id_pr
		WHERE fw.id_scan = $1`, scanID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения состояния проб скана: %w", err)
	}
	flags, err := pgx.CollectRows(rows, pgx.RowTo[bool])
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения состояния проб скана: %w", err)
	}
	return flags, nil
}

func (r *scanRepo) ListByProbeResult(ctx context.Context, probeResultID int64) ([]*model.Scan, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT s.id, s.external_id, s.date, s.ip
		FROM scan s
		JOIN file_web fw ON fw.id_scan = s.id
		JOIN probe_result_file_web prfw ON prfw.id_fw = fw.id
		WHERE prfw.id_pr = $1
		ORDER BY s.id`, probeResultID)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска сканов результата пробы: %w", err)
	}
	scans, err := pgx.CollectRows(rows, scanScan)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения сканов результата пробы: %w", err)
	}
	return scans, nil
}
