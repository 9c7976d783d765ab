// registry.go: реестр сканов и пакетов агентов: создание, поиск по внешнему
// идентификатору и привязка файлов.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/scanstore/internal/domain/model"
	"github.com/bigkaa/scanstore/internal/repository"
)

// RegistryService: сервис реестра сканов и пакетов.
type RegistryService struct {
	store  repository.Store
	cache  *ScanCache
	now    func() time.Time
	logger *slog.Logger
}

// NewRegistryService создаёт сервис реестра. cache может быть nil.
func NewRegistryService(store repository.Store, cache *ScanCache, logger *slog.Logger) *RegistryService {
	return &RegistryService{
		store:  store,
		cache:  cache,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "registry")),
	}
}

// normalizeIP проверяет адрес источника и возвращает его каноническую запись.
func normalizeIP(ip string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "", fmt.Errorf("%w: некорректный IP-адрес %q", ErrValidation, ip)
	}
	return addr.Unmap().String(), nil
}

// CreateScan создаёт скан с новым внешним идентификатором (UUID v4).
// Журнал событий пуст: текущий статус - empty. Нулевая date заменяется текущим временем.
func (s *RegistryService) CreateScan(ctx context.Context, date time.Time, ip string) (*model.Scan, error) {
	ip, err := normalizeIP(ip)
	if err != nil {
		return nil, err
	}
	if date.IsZero() {
		date = s.now()
	}

	scan := &model.Scan{
		ExternalID: uuid.NewString(),
		Date:       date.UTC(),
		IP:         ip,
	}
	if err := s.store.Repos().Scans.Create(ctx, scan); err != nil {
		return nil, mapRepoErr(err, "создание скана")
	}

	if s.cache != nil {
		s.cache.Set(scan)
	}
	s.logger.Info("Скан создан",
		slog.String("scan_id", scan.ExternalID),
		slog.String("ip", scan.IP),
	)
	return scan, nil
}

// CreateSubmission создаёт пакет агента с новым внешним идентификатором.
func (s *RegistryService) CreateSubmission(ctx context.Context, osName, username, ip string, date time.Time) (*model.Submission, error) {
	ip, err := normalizeIP(ip)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(osName) == "" {
		return nil, fmt.Errorf("%w: не задано имя ОС", ErrValidation)
	}
	if date.IsZero() {
		date = s.now()
	}

	sub := &model.Submission{
		ExternalID: uuid.NewString(),
		OSName:     osName,
		Username:   username,
		IP:         ip,
		Date:       date.UTC(),
	}
	if err := s.store.Repos().Submissions.Create(ctx, sub); err != nil {
		return nil, mapRepoErr(err, "создание пакета")
	}

	s.logger.Info("Пакет агента создан",
		slog.String("submission_id", sub.ExternalID),
		slog.String("os", sub.OSName),
		slog.String("username", sub.Username),
	)
	return sub, nil
}

// AttachFileToScan добавляет файл в скан под именем name.
// Один файл можно добавить в скан несколько раз под разными именами.
func (s *RegistryService) AttachFileToScan(ctx context.Context, f *model.File, name string, scan *model.Scan) (*model.FileWeb, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: пустое имя файла", ErrValidation)
	}

	fw := &model.FileWeb{FileID: f.ID, ScanID: scan.ID, Name: name}
	err := s.store.InTx(ctx, func(r *repository.Repositories) error {
		if _, err := r.Files.GetByID(ctx, f.ID); err != nil {
			return mapRepoErr(err, fmt.Sprintf("файл %d", f.ID))
		}
		if _, err := r.Scans.GetByID(ctx, scan.ID); err != nil {
			return mapRepoErr(err, fmt.Sprintf("скан %s", scan.ExternalID))
		}
		return mapRepoErr(r.FileWebs.Create(ctx, fw), "привязка файла к скану")
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Файл добавлен в скан",
		slog.String("scan_id", scan.ExternalID),
		slog.Int64("file_id", f.ID),
		slog.String("name", name),
	)
	return fw, nil
}

// AttachFileToSubmission добавляет файл в пакет агента с исходным путём path.
func (s *RegistryService) AttachFileToSubmission(ctx context.Context, f *model.File, path string, sub *model.Submission) (*model.FileAgent, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: пустой путь файла", ErrValidation)
	}

	fa := &model.FileAgent{FileID: f.ID, SubmissionID: sub.ID, SubmissionPath: path}
	err := s.store.InTx(ctx, func(r *repository.Repositories) error {
		if _, err := r.Files.GetByID(ctx, f.ID); err != nil {
			return mapRepoErr(err, fmt.Sprintf("файл %d", f.ID))
		}
		if _, err := r.Submissions.GetByID(ctx, sub.ID); err != nil {
			return mapRepoErr(err, fmt.Sprintf("пакет %s", sub.ExternalID))
		}
		return mapRepoErr(r.FileAgents.Create(ctx, fa), "привязка файла к пакету")
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Файл добавлен в пакет агента",
		slog.String("submission_id", sub.ExternalID),
		slog.Int64("file_id", f.ID),
		slog.String("path", path),
	)
	return fa, nil
}

// LoadScan возвращает скан по внешнему идентификатору.
// Нет записей: ErrNotFound, больше одной - ErrIntegrity.
func (s *RegistryService) LoadScan(ctx context.Context, externalID string) (*model.Scan, error) {
	if s.cache != nil {
		if scan, ok := s.cache.Get(externalID); ok {
			return scan, nil
		}
	}

	scan, err := s.store.Repos().Scans.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, mapRepoErr(err, fmt.Sprintf("скан %s", externalID))
	}
	if s.cache != nil {
		s.cache.Set(scan)
	}
	return scan, nil
}

// LoadSubmission возвращает пакет агента по внешнему идентификатору.
func (s *RegistryService) LoadSubmission(ctx context.Context, externalID string) (*model.Submission, error) {
	sub, err := s.store.Repos().Submissions.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, mapRepoErr(err, fmt.Sprintf("пакет %s", externalID))
	}
	return sub, nil
}

// ScanFiles возвращает ссылки файлов скана.
func (s *RegistryService) ScanFiles(ctx context.Context, scan *model.Scan) ([]*model.FileWeb, error) {
	files, err := s.store.Repos().FileWebs.ListByScan(ctx, scan.ID)
	if err != nil {
		return nil, mapRepoErr(err, "файлы скана")
	}
	return files, nil
}

// SubmissionFiles возвращает ссылки файлов пакета агента.
func (s *RegistryService) SubmissionFiles(ctx context.Context, sub *model.Submission) ([]*model.FileAgent, error) {
	files, err := s.store.Repos().FileAgents.ListBySubmission(ctx, sub.ID)
	if err != nil {
		return nil, mapRepoErr(err, "файлы пакета")
	}
	return files, nil
}
