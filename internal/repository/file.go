package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/scanstore/internal/domain/model"
)

// FileRepository: операции с таблицей file.
type FileRepository interface {
	// Upsert создаёт файл или обновляет timestamp_last_scan, size и path
	// существующего файла с тем же sha256. Заполняет ID и временные метки f.
	Upsert(ctx context.Context, f *model.File) error
	// GetByID возвращает файл по первичному ключу.
	GetByID(ctx context.Context, id int64) (*model.File, error)
	// GetByHash возвращает единственный файл по значению дайджеста.
	// hashType: sha256, sha1, md5.
	GetByHash(ctx context.Context, hashType, value string) (*model.File, error)
	// ListExpired возвращает файлы с содержимым и timestamp_last_scan < before.
	ListExpired(ctx context.Context, before time.Time) ([]*model.File, error)
	// ClearExpiredPath сбрасывает путь файла, если содержимое всё ещё есть
	// и timestamp_last_scan < before, и возвращает прежний путь.
	// Строка остаётся заблокированной до конца транзакции.
	// Файл, принятый повторно после выборки, даёт ErrNotFound.
	ClearExpiredPath(ctx context.Context, id int64, before time.Time) (string, error)
}

type fileRepo struct {
	db DBTX
}

// NewFileRepository создаёт репозиторий файлов.
func NewFileRepository(db DBTX) FileRepository {
	return &fileRepo{db: db}
}

const fileColumnsSQL = `id, sha256, sha1, md5, size, path, timestamp_first_scan, timestamp_last_scan`

func scanFile(row pgx.CollectableRow) (*model.File, error) {
	f := &model.File{}
	err := row.Scan(&f.ID, &f.SHA256, &f.SHA1, &f.MD5, &f.Size, &f.Path,
		&f.TimestampFirstScan, &f.TimestampLastScan)
	return f, err
}

func (r *fileRepo) Upsert(ctx context.Context, f *model.File) error {
	query := `
		INSERT INTO file (sha256, sha1, md5, size, path, timestamp_first_scan, timestamp_last_scan)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (sha256) DO UPDATE SET
			timestamp_last_scan = EXCLUDED.timestamp_last_scan,
			size = EXCLUDED.size,
			path = EXCLUDED.path
		RETURNING id, timestamp_first_scan, timestamp_last_scan`

	err := r.db.QueryRow(ctx, query,
		f.SHA256, f.SHA1, f.MD5, f.Size, f.Path, f.TimestampLastScan,
	).Scan(&f.ID, &f.TimestampFirstScan, &f.TimestampLastScan)
	if err != nil {
		return fmt.Errorf("ошибка сохранения файла: %w", err)
	}
	return nil
}

func (r *fileRepo) GetByID(ctx context.Context, id int64) (*model.File, error) {
	rows, err := r.db.Query(ctx, `SELECT `+fileColumnsSQL+` FROM file WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения файла: %w", err)
	}
	f, err := collectOne(rows, scanFile)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("ошибка получения файла: %w", err)
	}
	return f, nil
}

// hashColumns: допустимые колонки дайджестов.
var hashColumns = map[string]bool{"sha256": true, "sha1": true, "md5": true}

func (r *fileRepo) GetByHash(ctx context.Context, hashType, value string) (*model.File, error) {
	if !hashColumns[hashType] {
		return nil, fmt.Errorf("%w: неизвестный тип хэша %q", ErrInvalidQuery, hashType)
	}

	// Имя колонки взято из списка допустимых, значение - параметр
	query := fmt.Sprintf(`SELECT %s FROM file WHERE %s = $1 LIMIT 2`, fileColumnsSQL, hashType)
	rows, err := r.db.Query(ctx, query, value)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска файла по %s: %w", hashType, err)
	}
	f, err := collectOne(rows, scanFile)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrMultipleRows) {
			return nil, err
		}
		return nil, fmt.Errorf("ошибка поиска файла по %s: %w", hashType, err)
	}
	return f, nil
}

func (r *fileRepo) ListExpired(ctx context.Context, before time.Time) ([]*model.File, error) {
	query := `SELECT ` + fileColumnsSQL + `
		FROM file
		WHERE path IS NOT NULL AND timestamp_last_scan < $1
		ORDER BY timestamp_last_scan`

	rows, err := r.db.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки устаревших файлов: %w", err)
	}
	files, err := pgx.CollectRows(rows, scanFile)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения устаревших файлов: %w", err)
	}
	return files, nil
}

func (r *fileRepo) ClearExpiredPath(ctx context.Context, id int64, before time.Time) (string, error) {
	// FOR UPDATE перепроверяет условие на последней версии строки,
	// если её одновременно обновил повторный приём
	var path string
	err := r.db.QueryRow(ctx, `
		SELECT path FROM file
		WHERE id = $1 AND path IS NOT NULL AND timestamp_last_scan < $2
		FOR UPDATE`, id, before).Scan(&path)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("ошибка блокировки файла: %w", err)
	}

	if _, err := r.db.Exec(ctx, `UPDATE file SET path = NULL WHERE id = $1`, id); err != nil {
		return "", fmt.Errorf("ошибка сброса пути файла: %w", err)
	}
	return path, nil
}
