package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/scanstore/internal/domain/model"
)

// SubmissionRepository: операции с таблицей submission.
type SubmissionRepository interface {
	// Create создаёт пакет агента. Заполняет s.ID.
	Create(ctx context.Context, s *model.Submission) error
	// GetByID возвращает пакет по первичному ключу.
	GetByID(ctx context.Context, id int64) (*model.Submission, error)
	// GetByExternalID возвращает единственный пакет по внешнему идентификатору.
	GetByExternalID(ctx context.Context, externalID string) (*model.Submission, error)
}

type submissionRepo struct {
	db DBTX
}

// NewSubmissionRepository создаёт репозиторий пакетов агентов.
func NewSubmissionRepository(db DBTX) SubmissionRepository {
	return &submissionRepo{db: db}
}

func (r *submissionRepo) Create(ctx context.Context, s *model.Submission) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO submission (external_id, os_name, username, ip, date)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		s.ExternalID, s.OSName, s.Username, s.IP, s.Date,
	).Scan(&s.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: пакет %s уже существует", ErrConflict, s.ExternalID)
		}
		return fmt.Errorf("ошибка создания пакета: %w", err)
	}
	return nil
}

func scanSubmission(row pgx.CollectableRow) (*model.Submission, error) {
	s := &model.Submission{}
	err := row.Scan(&s.ID, &s.ExternalID, &s.OSName, &s.Username, &s.IP, &s.Date)
	return s, err
}

func (r *submissionRepo) GetByID(ctx context.Context, id int64) (*model.Submission, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, external_id, os_name, username, ip, date
		FROM submission
		WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пакета: %w", err)
	}
	s, err := collectOne(rows, scanSubmission)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("ошибка получения пакета: %w", err)
	}
	return s, nil
}

func (r *submissionRepo) GetByExternalID(ctx context.Context, externalID string) (*model.Submission, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, external_id, os_name, username, ip, date
		FROM submission
		WHERE external_id = $1
		LIMIT 2`, externalID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения пакета: %w", err)
	}
	s, err := collectOne(rows, scanSubmission)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrMultipleRows) {
			return nil, err
		}
		return nil, fmt.Errorf("ошибка получения пакета: %w", err)
	}
	return s, nil
}
