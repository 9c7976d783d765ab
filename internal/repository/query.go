package repository

import (
	"context"
	"fmt"
	"slices"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/postgres"
	"github.com/doug-martin/goqu/v8/exp"
	"github.com/jackc/pgx/v5"
)

// SearchScope: вид обратного поиска файлов.
type SearchScope int

const (
	// ScopeHash: поиск по дайджесту: file ⟕ file_web ⟕ file_agent.
	ScopeHash SearchScope = iota
	// ScopeName: поиск по имени загрузки: file ⋈ file_web.
	ScopeName
)

// Допустимые поля поиска и их колонки.
var (
	fileFields = map[string]string{
		"id":                   "f.id",
		"sha256":               "f.sha256",
		"sha1":                 "f.sha1",
		"md5":                  "f.md5",
		"size":                 "f.size",
		"path":                 "f.path",
		"timestamp_first_scan": "f.timestamp_first_scan",
		"timestamp_last_scan":  "f.timestamp_last_scan",
	}
	fileWebFields = map[string]string{
		"name":    "fw.name",
		"scan_id": "s.external_id",
	}
	fileAgentFields = map[string]string{
		"submission_path": "fa.submission_path",
		"submission_id":   "sub.external_id",
	}
)

// column возвращает колонку поля field для области s.
func (s SearchScope) column(field string) (string, bool) {
	if c, ok := fileFields[field]; ok {
		return c, true
	}
	if c, ok := fileWebFields[field]; ok {
		return c, true
	}
	if s == ScopeHash {
		if c, ok := fileAgentFields[field]; ok {
			return c, true
		}
	}
	return "", false
}

// Fields возвращает все допустимые поля области в стабильном порядке.
func (s SearchScope) Fields() []string {
	fields := make([]string, 0, len(fileFields)+len(fileWebFields)+len(fileAgentFields))
	for f := range fileFields {
		fields = append(fields, f)
	}
	for f := range fileWebFields {
		fields = append(fields, f)
	}
	if s == ScopeHash {
		for f := range fileAgentFields {
			fields = append(fields, f)
		}
	}
	slices.Sort(fields)
	return fields
}

// HasField сообщает, допустимо ли поле field в области s.
func (s SearchScope) HasField(field string) bool {
	_, ok := s.column(field)
	return ok
}

// SearchQuery: параметры обратного поиска.
type SearchQuery struct {
	Scope SearchScope
	// HashType: sha256, sha1 или md5 (для ScopeHash)
	HashType string
	// Value: значение дайджеста или имя файла
	Value string
	// Strict: точное совпадение имени (для ScopeName)
	Strict bool
	// Fields: возвращаемые поля; пусто - все поля области
	Fields []string
	// OrderBy: поле сортировки; пусто - без сортировки
	OrderBy string
	Desc    bool
	// Limit: 0 означает без ограничения
	Limit  uint
	Offset uint
}

// SearchResult: страница результатов поиска.
type SearchResult struct {
	// Total: число строк без учёта пагинации
	Total int64
	// Rows: строки страницы: поле → значение
	Rows []map[string]any
}

// SearchRepository: обратный поиск файлов по дайджесту и по имени.
type SearchRepository interface {
	Search(ctx context.Context, q SearchQuery) (*SearchResult, error)
}

type searchRepo struct {
	db DBTX
}

// NewSearchRepository создаёт репозиторий поиска.
func NewSearchRepository(db DBTX) SearchRepository {
	return &searchRepo{db: db}
}

// builtQuery: SQL страницы и SQL подсчёта.
type builtQuery struct {
	pageSQL   string
	pageArgs  []any
	countSQL  string
	countArgs []any
}

// buildSearch собирает запросы страницы и подсчёта.
func buildSearch(q SearchQuery) (*builtQuery, error) {
	psql := goqu.Dialect("postgres")

	fields := q.Fields
	if len(fields) == 0 {
		fields = q.Scope.Fields()
	}

	selected := make([]any, 0, len(fields))
	for _, f := range fields {
		col, ok := q.Scope.column(f)
		if !ok {
			return nil, fmt.Errorf("%w: неизвестное поле %q", ErrInvalidQuery, f)
		}
		selected = append(selected, goqu.I(col).As(f))
	}

	// Для SELECT DISTINCT поле ORDER BY обязано входить в выборку;
	// скрытая колонка размножила бы строки, различающиеся только ею
	if q.OrderBy != "" {
		if !q.Scope.HasField(q.OrderBy) {
			return nil, fmt.Errorf("%w: неизвестное поле сортировки %q", ErrInvalidQuery, q.OrderBy)
		}
		if !slices.Contains(fields, q.OrderBy) {
			return nil, fmt.Errorf("%w: поле сортировки %q не входит в список полей", ErrInvalidQuery, q.OrderBy)
		}
	}

	ds := psql.From(goqu.T("file").As("f")).Select(selected...).Distinct()

	switch q.Scope {
	case ScopeHash:
		if !hashColumns[q.HashType] {
			return nil, fmt.Errorf("%w: неизвестный тип хэша %q", ErrInvalidQuery, q.HashType)
		}
		ds = ds.
			LeftJoin(goqu.T("file_web").As("fw"), goqu.On(goqu.I("fw.id_file").Eq(goqu.I("f.id")))).
			LeftJoin(goqu.T("scan").As("s"), goqu.On(goqu.I("s.id").Eq(goqu.I("fw.id_scan")))).
			LeftJoin(goqu.T("file_agent").As("fa"), goqu.On(goqu.I("fa.id_file").Eq(goqu.I("f.id")))).
			LeftJoin(goqu.T("submission").As("sub"), goqu.On(goqu.I("sub.id").Eq(goqu.I("fa.id_submission")))).
			Where(goqu.I("f." + q.HashType).Eq(q.Value))
	case ScopeName:
		var cond exp.Expression
		if q.Strict {
			cond = goqu.I("fw.name").Eq(q.Value)
		} else {
			cond = goqu.I("fw.name").Like("%" + q.Value + "%")
		}
		ds = ds.
			Join(goqu.T("file_web").As("fw"), goqu.On(goqu.I("fw.id_file").Eq(goqu.I("f.id")))).
			Join(goqu.T("scan").As("s"), goqu.On(goqu.I("s.id").Eq(goqu.I("fw.id_scan")))).
			Where(cond)
	default:
		return nil, fmt.Errorf("%w: неизвестная область поиска %d", ErrInvalidQuery, q.Scope)
	}

	countSQL, countArgs, err := psql.From(ds.As("q")).
		Select(goqu.COUNT(goqu.Star())).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("ошибка построения запроса подсчёта: %w", err)
	}

	page := ds
	if q.OrderBy != "" {
		if q.Desc {
			page = page.Order(goqu.I(q.OrderBy).Desc())
		} else {
			page = page.Order(goqu.I(q.OrderBy).Asc())
		}
	}
	if q.Limit > 0 {
		page = page.Limit(q.Limit)
	}
	if q.Offset > 0 {
		page = page.Offset(q.Offset)
	}

	pageSQL, pageArgs, err := page.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("ошибка построения запроса поиска: %w", err)
	}

	return &builtQuery{
		pageSQL:   pageSQL,
		pageArgs:  pageArgs,
		countSQL:  countSQL,
		countArgs: countArgs,
	}, nil
}

func (r *searchRepo) Search(ctx context.Context, q SearchQuery) (*SearchResult, error) {
	bq, err := buildSearch(q)
	if err != nil {
		return nil, err
	}

	res := &SearchResult{}
	if err := r.db.QueryRow(ctx, bq.countSQL, bq.countArgs...).Scan(&res.Total); err != nil {
		return nil, fmt.Errorf("ошибка подсчёта результатов поиска: %w", err)
	}

	rows, err := r.db.Query(ctx, bq.pageSQL, bq.pageArgs...)
	if err != nil {
		return nil, fmt.Errorf("ошибка выполнения поиска: %w", err)
	}
	items, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения результатов поиска: %w", err)
	}
	res.Rows = items
	return res, nil
}
