// Пакет repository: слой доступа к данным PostgreSQL.
// Запросы: SQL через pgx; динамический поиск собирается goqu.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound: запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict: конфликт уникальности (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт - запись уже существует")
	// ErrMultipleRows: запрос по идентификатору вернул больше одной записи.
	ErrMultipleRows = errors.New("найдено несколько записей")
	// ErrAlreadyCompleted: результат пробы уже зафиксирован.
	ErrAlreadyCompleted = errors.New("результат пробы уже зафиксирован")
	// ErrInvalidQuery: поле поиска или сортировки вне списка допустимых.
	ErrInvalidQuery = errors.New("недопустимый поисковый запрос")
)

// DBTX: интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозитории как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner позволяет выполнять операции в транзакции.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner создаёт TxRunner для управления транзакциями.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx выполняет fn внутри транзакции.
// При ошибке fn - транзакция откатывается, при успехе - коммитится.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return r.RunInTxWith(ctx, pgx.TxOptions{}, fn)
}

// RunInTxWith выполняет fn внутри транзакции с заданными параметрами.
func (r *TxRunner) RunInTxWith(ctx context.Context, opts pgx.TxOptions, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита - no-op

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return nil
}

// Repositories: набор репозиториев, работающих через один DBTX.
type Repositories struct {
	Files        FileRepository
	Tags         TagRepository
	Scans        ScanRepository
	Submissions  SubmissionRepository
	FileWebs     FileWebRepository
	FileAgents   FileAgentRepository
	ProbeResults ProbeResultRepository
	Search       SearchRepository
}

// NewRepositories создаёт набор репозиториев поверх db.
func NewRepositories(db DBTX) *Repositories {
	return &Repositories{
		Files:        NewFileRepository(db),
		Tags:         NewTagRepository(db),
		Scans:        NewScanRepository(db),
		Submissions:  NewSubmissionRepository(db),
		FileWebs:     NewFileWebRepository(db),
		FileAgents:   NewFileAgentRepository(db),
		ProbeResults: NewProbeResultRepository(db),
		Search:       NewSearchRepository(db),
	}
}

// Store: точка входа сервисов в хранилище.
// Каждая операция сервиса выполняется в одной транзакции через InTx.
type Store interface {
	// InTx выполняет fn с репозиториями, привязанными к одной транзакции.
	InTx(ctx context.Context, fn func(r *Repositories) error) error
	// InSnapshot выполняет fn в read-only транзакции с единым снимком данных.
	InSnapshot(ctx context.Context, fn func(r *Repositories) error) error
	// Repos возвращает репозитории вне транзакции (чтение).
	Repos() *Repositories
}

// pgStore: реализация Store на pgxpool.
type pgStore struct {
	tx    *TxRunner
	repos *Repositories
}

// NewStore создаёт Store поверх пула подключений.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{
		tx:    NewTxRunner(pool),
		repos: NewRepositories(pool),
	}
}

func (s *pgStore) InTx(ctx context.Context, fn func(r *Repositories) error) error {
	return s.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		return fn(NewRepositories(tx))
	})
}

func (s *pgStore) InSnapshot(ctx context.Context, fn func(r *Repositories) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	return s.tx.RunInTxWith(ctx, opts, func(tx pgx.Tx) error {
		return fn(NewRepositories(tx))
	})
}

func (s *pgStore) Repos() *Repositories {
	return s.repos
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// collectOne возвращает единственную строку выборки с LIMIT 2:
// нет строк: ErrNotFound, больше одной - ErrMultipleRows.
func collectOne[T any](rows pgx.Rows, scan func(pgx.CollectableRow) (T, error)) (T, error) {
	var zero T
	items, err := pgx.CollectRows(rows, scan)
	if err != nil {
		return zero, err
	}
	switch len(items) {
	case 0:
		return zero, ErrNotFound
	case 1:
		return items[0], nil
	default:
		return zero, ErrMultipleRows
	}
}
