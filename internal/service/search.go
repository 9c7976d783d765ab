// search.go: обратный поиск файлов по дайджесту и по имени загрузки.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/bigkaa/scanstore/internal/repository"
)

// SearchParams: общие параметры поиска.
type SearchParams struct {
	// Page: номер страницы с нуля
	Page uint
	// PageSize: размер страницы; 0 - без ограничения
	PageSize uint
	// OrderBy: поле сортировки; пусто - без сортировки
	OrderBy string
	Desc    bool
	// Fields: возвращаемые поля; пусто - все. Явный список обязан содержать sha256.
	Fields []string
}

// SearchService: сервис поиска файлов.
type SearchService struct {
	store  repository.Store
	logger *slog.Logger
}

// NewSearchService создаёт сервис поиска.
func NewSearchService(store repository.Store, logger *slog.Logger) *SearchService {
	return &SearchService{
		store:  store,
		logger: logger.With(slog.String("component", "search")),
	}
}

// FindByHash ищет файлы по значению дайджеста hashType (sha256, sha1, md5)
// вместе с их ссылками в сканах и пакетах агентов.
func (s *SearchService) FindByHash(ctx context.Context, hashType, value string, p SearchParams) (*repository.SearchResult, error) {
	value, err := normalizeHash(hashType, value)
	if err != nil {
		return nil, err
	}
	q := repository.SearchQuery{Scope: repository.ScopeHash, HashType: hashType, Value: value}
	return s.search(ctx, q, p)
}

// FindByName ищет файлы по имени загрузки: strict - точное совпадение,
// иначе вхождение подстроки.
func (s *SearchService) FindByName(ctx context.Context, name string, strict bool, p SearchParams) (*repository.SearchResult, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: пустое имя для поиска", ErrValidation)
	}
	q := repository.SearchQuery{Scope: repository.ScopeName, Value: name, Strict: strict}
	return s.search(ctx, q, p)
}

func (s *SearchService) search(ctx context.Context, q repository.SearchQuery, p SearchParams) (*repository.SearchResult, error) {
	if err := validateFields(q.Scope, p); err != nil {
		return nil, err
	}

	q.Fields = p.Fields
	q.OrderBy = p.OrderBy
	q.Desc = p.Desc
	q.Limit = p.PageSize
	q.Offset = p.Page * p.PageSize

	res, err := s.store.Repos().Search.Search(ctx, q)
	if err != nil {
		return nil, mapRepoErr(err, "поиск файлов")
	}

	s.logger.Debug("Поиск выполнен",
		slog.String("value", q.Value),
		slog.Int64("total", res.Total),
		slog.Int("rows", len(res.Rows)),
	)
	return res, nil
}

// validateFields проверяет поля выборки и сортировки области scope.
func validateFields(scope repository.SearchScope, p SearchParams) error {
	for _, f := range p.Fields {
		if !scope.HasField(f) {
			return fmt.Errorf("%w: неизвестное поле %q", ErrValidation, f)
		}
	}
	if len(p.Fields) > 0 && !slices.Contains(p.Fields, "sha256") {
		return fmt.Errorf("%w: список полей должен содержать sha256", ErrValidation)
	}
	if p.OrderBy != "" && !scope.HasField(p.OrderBy) {
		return fmt.Errorf("%w: неизвестное поле сортировки %q", ErrValidation, p.OrderBy)
	}
	if p.OrderBy != "" && len(p.Fields) > 0 && !slices.Contains(p.Fields, p.OrderBy) {
		return fmt.Errorf("%w: поле сортировки %q не входит в список полей", ErrValidation, p.OrderBy)
	}
	return nil
}
