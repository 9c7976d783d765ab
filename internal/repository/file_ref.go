package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/scanstore/internal/domain/model"
)

// FileWebRepository: операции с таблицей file_web.
type FileWebRepository interface {
	// Create создаёт ссылку файла в скане. Заполняет fw.ID.
	Create(ctx context.Context, fw *model.FileWeb) error
	// GetByID возвращает ссылку по первичному ключу.
	GetByID(ctx context.Context, id int64) (*model.FileWeb, error)
	// ListByScan возвращает ссылки скана в порядке создания.
	ListByScan(ctx context.Context, scanID int64) ([]*model.FileWeb, error)
	// ListNamesByFile возвращает имена, под которыми файл загружался через веб.
	ListNamesByFile(ctx context.Context, fileID int64) ([]string, error)
}

// FileAgentRepository: операции с таблицей file_agent.
type FileAgentRepository interface {
	// Create создаёт ссылку файла в пакете агента. Заполняет fa.ID.
	Create(ctx context.Context, fa *model.FileAgent) error
	// ListBySubmission возвращает ссылки пакета в порядке создания.
	ListBySubmission(ctx context.Context, submissionID int64) ([]*model.FileAgent, error)
	// ListPathsByFile возвращает пути, под которыми файл приходил от агентов.
	ListPathsByFile(ctx context.Context, fileID int64) ([]string, error)
}

type fileWebRepo struct {
	db DBTX
}

// NewFileWebRepository создаёт репозиторий ссылок веб-загрузок.
func NewFileWebRepository(db DBTX) FileWebRepository {
	return &fileWebRepo{db: db}
}

func scanFileWeb(row pgx.CollectableRow) (*model.FileWeb, error) {
	fw := &model.FileWeb{}
	err := row.Scan(&fw.ID, &fw.FileID, &fw.ScanID, &fw.Name)
	return fw, err
}

func (r *fileWebRepo) Create(ctx context.Context, fw *model.FileWeb) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO file_web (id_file, id_scan, name) VALUES ($1, $2, $3) RETURNING id`,
		fw.FileID, fw.ScanID, fw.Name,
	).Scan(&fw.ID)
	if err != nil {
		return fmt.Errorf("ошибка создания ссылки файла в скане: %w", err)
	}
	return nil
}

func (r *fileWebRepo) GetByID(ctx context.Context, id int64) (*model.FileWeb, error) {
	fw := &model.FileWeb{}
	err := r.db.QueryRow(ctx,
		`SELECT id, id_file, id_scan, name FROM file_web WHERE id = $1`, id,
	).Scan(&fw.ID, &fw.FileID, &fw.ScanID, &fw.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения ссылки файла: %w", err)
	}
	return fw, nil
}

func (r *fileWebRepo) ListByScan(ctx context.Context, scanID int64) ([]*model.FileWeb, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, id_file, id_scan, name FROM file_web WHERE id_scan = $1 ORDER BY id`, scanID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения файлов скана: %w", err)
	}
	fws, err := pgx.CollectRows(rows, scanFileWeb)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файлов скана: %w", err)
	}
	return fws, nil
}

func (r *fileWebRepo) ListNamesByFile(ctx context.Context, fileID int64) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT name FROM file_web WHERE id_file = $1`, fileID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения имён файла: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения имён файла: %w", err)
	}
	return names, nil
}

type fileAgentRepo struct {
	db DBTX
}

// NewFileAgentRepository создаёт репозиторий ссылок пакетов агентов.
func NewFileAgentRepository(db DBTX) FileAgentRepository {
	return &fileAgentRepo{db: db}
}

func (r *fileAgentRepo) Create(ctx context.Context, fa *model.FileAgent) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO file_agent (id_file, id_submission, submission_path)
		VALUES ($1, $2, $3)
		RETURNING id`,
		fa.FileID, fa.SubmissionID, fa.SubmissionPath,
	).Scan(&fa.ID)
	if err != nil {
		return fmt.Errorf("ошибка создания ссылки файла в пакете: %w", err)
	}
	return nil
}

func (r *fileAgentRepo) ListBySubmission(ctx context.Context, submissionID int64) ([]*model.FileAgent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, id_file, id_submission, submission_path
		FROM file_agent
		WHERE id_submission = $1
		ORDER BY id`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения файлов пакета: %w", err)
	}
	fas, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.FileAgent, error) {
		fa := &model.FileAgent{}
		err := row.Scan(&fa.ID, &fa.FileID, &fa.SubmissionID, &fa.SubmissionPath)
		return fa, err
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файлов пакета: %w", err)
	}
	return fas, nil
}

func (r *fileAgentRepo) ListPathsByFile(ctx context.Context, fileID int64) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT submission_path FROM file_agent WHERE id_file = $1`, fileID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения путей файла: %w", err)
	}
	paths, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения путей файла: %w", err)
	}
	return paths, nil
}
