package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/scanstore/internal/domain/model"
)

// ProbeResultRepository: операции с таблицами probe_result и probe_result_file_web.
type ProbeResultRepository interface {
	// Create создаёт ожидающий результат пробы. Заполняет pr.ID.
	Create(ctx context.Context, pr *model.ProbeResult) error
	// GetByID возвращает результат по первичному ключу.
	GetByID(ctx context.Context, id int64) (*model.ProbeResult, error)
	// FindShared ищет результат пробы probeName для файла fileID,
	// уже привязанный к какой-либо ссылке того же скана.
	FindShared(ctx context.Context, scanID, fileID int64, probeName string) (*model.ProbeResult, error)
	// Link привязывает результат к ссылке файла. Повторная привязка - no-op.
	Link(ctx context.Context, fileWebID, probeResultID int64) error
	// Complete фиксирует ссылку на полный результат и вердикт.
	// Допускается ровно один раз: повторный вызов - ErrAlreadyCompleted.
	Complete(ctx context.Context, id int64, nosqlID string, verdict int) error
	// ListByFileWeb возвращает результаты проб ссылки файла.
	ListByFileWeb(ctx context.Context, fileWebID int64) ([]*model.ProbeResult, error)
}

type probeResultRepo struct {
	db DBTX
}

// NewProbeResultRepository создаёт репозиторий результатов проб.
func NewProbeResultRepository(db DBTX) ProbeResultRepository {
	return &probeResultRepo{db: db}
}

func scanProbeResult(row pgx.CollectableRow) (*model.ProbeResult, error) {
	pr := &model.ProbeResult{}
	err := row.Scan(&pr.ID, &pr.FileID, &pr.ProbeType, &pr.ProbeName, &pr.NoSQLID, &pr.Result)
	return pr, err
}

func (r *probeResultRepo) Create(ctx context.Context, pr *model.ProbeResult) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO probe_result (id_file, probe_type, probe_name, nosql_id, result)
		VALUES ($1, $2, $3, NULL, NULL)
		RETURNING id`,
		pr.FileID, pr.ProbeType, pr.ProbeName,
	).Scan(&pr.ID)
	if err != nil {
		return fmt.Errorf("ошибка создания результата пробы: %w", err)
	}
	pr.NoSQLID = nil
	pr.Result = nil
	return nil
}

func (r *probeResultRepo) GetByID(ctx context.Context, id int64) (*model.ProbeResult, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, id_file, probe_type, probe_name, nosql_id, result
		FROM probe_result
		WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения результата пробы: %w", err)
	}
	pr, err := collectOne(rows, scanProbeResult)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("ошибка получения результата пробы: %w", err)
	}
	return pr, nil
}

func (r *probeResultRepo) FindShared(ctx context.Context, scanID, fileID int64, probeName string) (*model.ProbeResult, error) {
	rows, err := r.db.Query(ctx, `
		SELECT pr.id, pr.id_file, pr.probe_type, pr.probe_name, pr.nosql_id, pr.result
		FROM probe_result pr
		JOIN probe_result_file_web prfw ON prfw.id_pr = pr.id
		JOIN file_web fw ON fw.id = prfw.id_fw
		WHERE fw.id_scan = $1 AND pr.id_file = $2 AND pr.probe_name = $3
		ORDER BY pr.id
		LIMIT 1`, scanID, fileID, probeName)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска общего результата пробы: %w", err)
	}
	pr, err := collectOne(rows, scanProbeResult)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("ошибка поиска общего результата пробы: %w", err)
	}
	return pr, nil
}

func (r *probeResultRepo) Link(ctx context.Context, fileWebID, probeResultID int64) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO probe_result_file_web (id_fw, id_pr) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, fileWebID, probeResultID)
	if err != nil {
		return fmt.Errorf("ошибка привязки результата пробы: %w", err)
	}
	return nil
}

func (r *probeResultRepo) Complete(ctx context.Context, id int64, nosqlID string, verdict int) error {
	// Условие nosql_id IS NULL делает фиксацию однократной без блокировок
	tag, err := r.db.Exec(ctx, `
		UPDATE probe_result SET nosql_id = $2, result = $3
		WHERE id = $1 AND nosql_id IS NULL`, id, nosqlID, verdict)
	if err != nil {
		return fmt.Errorf("ошибка фиксации результата пробы: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM probe_result WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("ошибка проверки результата пробы: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrAlreadyCompleted
}

func (r *probeResultRepo) ListByFileWeb(ctx context.Context, fileWebID int64) ([]*model.ProbeResult, error) {
	rows, err := r.db.Query(ctx, `
		SELECT pr.id, pr.id_file, pr.probe_type, pr.probe_name, pr.nosql_id, pr.result
		FROM probe_result pr
		JOIN probe_result_file_web prfw ON prfw.id_pr = pr.id
		WHERE prfw.id_fw = $1
		ORDER BY pr.probe_type, pr.probe_name`, fileWebID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения результатов проб: %w", err)
	}
	prs, err := pgx.CollectRows(rows, scanProbeResult)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения результатов проб: %w", err)
	}
	return prs, nil
}
