package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/scanstore/internal/domain/model"
)

// TagRepository: операции с таблицами tag и tag_file.
type TagRepository interface {
	// GetOrCreate возвращает тег с именем name, создавая его при отсутствии.
	GetOrCreate(ctx context.Context, name string) (*model.Tag, error)
	// GetByName возвращает тег по имени.
	GetByName(ctx context.Context, name string) (*model.Tag, error)
	// List возвращает все теги, упорядоченные по имени.
	List(ctx context.Context) ([]model.Tag, error)
	// Attach связывает тег с файлом. Повторная связь - no-op.
	Attach(ctx context.Context, tagID, fileID int64) error
	// Detach удаляет связь тега с файлом; false, если связи не было.
	Detach(ctx context.Context, tagID, fileID int64) (bool, error)
	// ListByFile возвращает теги файла, упорядоченные по имени.
	ListByFile(ctx context.Context, fileID int64) ([]model.Tag, error)
}

type tagRepo struct {
	db DBTX
}

// NewTagRepository создаёт репозиторий тегов.
func NewTagRepository(db DBTX) TagRepository {
	return &tagRepo{db: db}
}

func scanTag(row pgx.CollectableRow) (model.Tag, error) {
	var t model.Tag
	err := row.Scan(&t.ID, &t.Name)
	return t, err
}

func (r *tagRepo) GetOrCreate(ctx context.Context, name string) (*model.Tag, error) {
	// DO UPDATE вместо DO NOTHING, чтобы RETURNING вернул существующую строку
	query := `
		INSERT INTO tag (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name`

	t := &model.Tag{}
	if err := r.db.QueryRow(ctx, query, name).Scan(&t.ID, &t.Name); err != nil {
		return nil, fmt.Errorf("ошибка создания тега: %w", err)
	}
	return t, nil
}

func (r *tagRepo) GetByName(ctx context.Context, name string) (*model.Tag, error) {
	t := &model.Tag{}
	err := r.db.QueryRow(ctx, `SELECT id, name FROM tag WHERE name = $1`, name).Scan(&t.ID, &t.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения тега: %w", err)
	}
	return t, nil
}

func (r *tagRepo) List(ctx context.Context) ([]model.Tag, error) {
	rows, err := r.db.Query(ctx, `SELECT id, name FROM tag ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка тегов: %w", err)
	}
	tags, err := pgx.CollectRows(rows, scanTag)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения тегов: %w", err)
	}
	return tags, nil
}

func (r *tagRepo) Attach(ctx context.Context, tagID, fileID int64) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO tag_file (id_tag, id_file) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		tagID, fileID)
	if err != nil {
		return fmt.Errorf("ошибка привязки тега: %w", err)
	}
	return nil
}

func (r *tagRepo) Detach(ctx context.Context, tagID, fileID int64) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM tag_file WHERE id_tag = $1 AND id_file = $2`, tagID, fileID)
	if err != nil {
		return false, fmt.Errorf("ошибка отвязки тега: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *tagRepo) ListByFile(ctx context.Context, fileID int64) ([]model.Tag, error) {
	query := `
		SELECT t.id, t.name
		FROM tag t
		JOIN tag_file tf ON tf.id_tag = t.id
		WHERE tf.id_file = $1
		ORDER BY t.name`

	rows, err := r.db.Query(ctx, query, fileID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения тегов файла: %w", err)
	}
	tags, err := pgx.CollectRows(rows, scanTag)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения тегов файла: %w", err)
	}
	return tags, nil
}
