// content.go: хранилище содержимого образцов: приём файлов с дедупликацией
// по SHA-256, очистка по возрасту, имена файлов и теги.
//
// Содержимое записывается на диск до фиксации строки в БД. Сбой между
// записью и фиксацией оставляет на диске содержимое без строки; оно
// безвредно и перезаписывается при следующем приёме того же содержимого.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/bigkaa/scanstore/internal/domain/model"
	"github.com/bigkaa/scanstore/internal/repository"
	"github.com/bigkaa/scanstore/internal/storage/samples"
)

// SampleStore: операции хранилища содержимого на диске.
type SampleStore interface {
	Stage(r io.Reader) (*samples.Staged, error)
	Open(path string) (*os.File, error)
	Delete(path string) error
}

// hashLengths: допустимые типы дайджестов и длина их hex-представления.
var hashLengths = map[string]int{"sha256": 64, "sha1": 40, "md5": 32}

// normalizeHash проверяет тип и значение дайджеста, приводя значение к нижнему регистру.
func normalizeHash(hashType, value string) (string, error) {
	n, ok := hashLengths[hashType]
	if !ok {
		return "", fmt.Errorf("%w: неизвестный тип хэша %q", ErrValidation, hashType)
	}
	value = strings.ToLower(strings.TrimSpace(value))
	if len(value) != n || strings.Trim(value, "0123456789abcdef") != "" {
		return "", fmt.Errorf("%w: некорректное значение %s %q", ErrValidation, hashType, value)
	}
	return value, nil
}

// ContentService: приём и очистка содержимого образцов.
type ContentService struct {
	store   repository.Store
	samples SampleStore
	now     func() time.Time
	logger  *slog.Logger
}

// NewContentService создаёт сервис содержимого.
func NewContentService(store repository.Store, samples SampleStore, logger *slog.Logger) *ContentService {
	return &ContentService{
		store:   store,
		samples: samples,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With(slog.String("component", "content")),
	}
}

// Ingest сохраняет содержимое и возвращает соответствующий ему файл.
// Одинаковое содержимое всегда даёт один и тот же файл: обновляется
// timestamp_last_scan, а путь восстанавливается, если содержимое было очищено.
//
// Содержимое переносится в итоговый путь после записи строки, в той же
// транзакции: очистка, заблокировавшая строку раньше, успевает удалить
// старое содержимое до переноса нового.
func (s *ContentService) Ingest(ctx context.Context, r io.Reader) (*model.File, error) {
	staged, err := s.samples.Stage(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	defer staged.Discard()

	now := s.now()
	path := staged.Path
	f := &model.File{
		SHA256:             staged.Digests.SHA256,
		SHA1:               staged.Digests.SHA1,
		MD5:                staged.Digests.MD5,
		Size:               staged.Digests.Size,
		Path:               &path,
		TimestampFirstScan: now,
		TimestampLastScan:  now,
	}
	err = s.store.InTx(ctx, func(repos *repository.Repositories) error {
		if err := repos.Files.Upsert(ctx, f); err != nil {
			return mapRepoErr(err, "сохранение файла")
		}
		if err := staged.Commit(); err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Файл принят",
		slog.Int64("file_id", f.ID),
		slog.String("sha256", f.SHA256),
		slog.Int64("size", f.Size),
	)
	return f, nil
}

// Open открывает содержимое файла. Вызывающий код обязан закрыть результат.
func (s *ContentService) Open(ctx context.Context, f *model.File) (io.ReadCloser, error) {
	if !f.HasContent() {
		return nil, fmt.Errorf("%w: содержимое файла %s очищено", ErrNotFound, f.SHA256)
	}
	rc, err := s.samples.Open(*f.Path)
	if err != nil {
		if errors.Is(err, samples.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return rc, nil
}

// Evict удаляет содержимое (но не строки) файлов, не поступавших дольше maxAge.
// Возвращает число очищенных файлов. Сбой удаления одного файла не
// останавливает очистку остальных; ошибки возвращаются вместе.
func (s *ContentService) Evict(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("%w: возраст очистки должен быть положительным", ErrValidation)
	}

	before := s.now().Add(-maxAge)
	files, err := s.store.Repos().Files.ListExpired(ctx, before)
	if err != nil {
		return 0, mapRepoErr(err, "выборка устаревших файлов")
	}

	count := 0
	var errs []error
	for _, f := range files {
		if !f.HasContent() {
			continue
		}
		evicted, err := s.evictOne(ctx, f.ID, before)
		if err != nil {
			s.logger.Warn("Ошибка очистки содержимого",
				slog.Int64("file_id", f.ID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("файл %d: %w", f.ID, err))
			continue
		}
		if evicted {
			count++
		}
	}

	if len(errs) > 0 {
		return count, errors.Join(errs...)
	}
	return count, nil
}

// evictOne очищает содержимое одного файла в транзакции. Строка
// блокируется до удаления содержимого с диска; повторный приём того же
// содержимого ждёт фиксации и переносит содержимое заново. Файл, принятый
// повторно после выборки, пропускается.
func (s *ContentService) evictOne(ctx context.Context, id int64, before time.Time) (bool, error) {
	evicted := false
	err := s.store.InTx(ctx, func(repos *repository.Repositories) error {
		path, err := repos.Files.ClearExpiredPath(ctx, id, before)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil
			}
			return mapRepoErr(err, "сброс пути файла")
		}
		if err := s.samples.Delete(path); err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
		evicted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return evicted, nil
}

// FileNames возвращает все известные имена файла: имена в сканах и
// базовые имена путей из пакетов агентов, без повторов, по алфавиту.
func (s *ContentService) FileNames(ctx context.Context, f *model.File) ([]string, error) {
	repos := s.store.Repos()

	webNames, err := repos.FileWebs.ListNamesByFile(ctx, f.ID)
	if err != nil {
		return nil, mapRepoErr(err, "имена файла в сканах")
	}
	agentPaths, err := repos.FileAgents.ListPathsByFile(ctx, f.ID)
	if err != nil {
		return nil, mapRepoErr(err, "пути файла в пакетах агентов")
	}

	seen := make(map[string]bool, len(webNames)+len(agentPaths))
	add := func(name string) {
		if name != "" {
			seen[name] = true
		}
	}
	for _, n := range webNames {
		add(n)
	}
	for _, p := range agentPaths {
		add(baseName(p))
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// baseName возвращает последний элемент пути агента.
// Агенты бывают на разных ОС, поэтому разделителями считаются и '/', и '\'.
func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

// LoadByHash возвращает файл по дайджесту вместе с тегами.
func (s *ContentService) LoadByHash(ctx context.Context, hashType, value string) (*model.File, error) {
	value, err := normalizeHash(hashType, value)
	if err != nil {
		return nil, err
	}

	repos := s.store.Repos()
	f, err := repos.Files.GetByHash(ctx, hashType, value)
	if err != nil {
		return nil, mapRepoErr(err, fmt.Sprintf("файл %s=%s", hashType, value))
	}
	tags, err := repos.Tags.ListByFile(ctx, f.ID)
	if err != nil {
		return nil, mapRepoErr(err, "теги файла")
	}
	f.Tags = tags
	return f, nil
}

// AddTag присваивает файлу тег, создавая тег при необходимости.
// Повторное присвоение: no-op.
func (s *ContentService) AddTag(ctx context.Context, f *model.File, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: пустое имя тега", ErrValidation)
	}

	err := s.store.InTx(ctx, func(r *repository.Repositories) error {
		if _, err := r.Files.GetByID(ctx, f.ID); err != nil {
			return mapRepoErr(err, fmt.Sprintf("файл %d", f.ID))
		}
		tag, err := r.Tags.GetOrCreate(ctx, name)
		if err != nil {
			return mapRepoErr(err, "создание тега")
		}
		if err := r.Tags.Attach(ctx, tag.ID, f.ID); err != nil {
			return mapRepoErr(err, "привязка тега")
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("Тег присвоен",
		slog.Int64("file_id", f.ID),
		slog.String("tag", name),
	)
	return nil
}

// RemoveTag снимает тег с файла. Тег, не присвоенный файлу, - ErrNotFound.
func (s *ContentService) RemoveTag(ctx context.Context, f *model.File, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: пустое имя тега", ErrValidation)
	}

	repos := s.store.Repos()
	tag, err := repos.Tags.GetByName(ctx, name)
	if err != nil {
		return mapRepoErr(err, fmt.Sprintf("тег %q", name))
	}
	removed, err := repos.Tags.Detach(ctx, tag.ID, f.ID)
	if err != nil {
		return mapRepoErr(err, "снятие тега")
	}
	if !removed {
		return fmt.Errorf("%w: тег %q не присвоен файлу %d", ErrNotFound, name, f.ID)
	}

	s.logger.Info("Тег снят",
		slog.Int64("file_id", f.ID),
		slog.String("tag", name),
	)
	return nil
}

// Tags возвращает теги файла.
func (s *ContentService) Tags(ctx context.Context, f *model.File) ([]model.Tag, error) {
	tags, err := s.store.Repos().Tags.ListByFile(ctx, f.ID)
	if err != nil {
		return nil, mapRepoErr(err, "теги файла")
	}
	return tags, nil
}

// ListTags возвращает все известные теги.
func (s *ContentService) ListTags(ctx context.Context) ([]model.Tag, error) {
	tags, err := s.store.Repos().Tags.List(ctx)
	if err != nil {
		return nil, mapRepoErr(err, "список тегов")
	}
	return tags, nil
}
