package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bigkaa/scanstore/internal/config"
	"github.com/bigkaa/scanstore/internal/database"
	"github.com/bigkaa/scanstore/internal/domain/model"
	"github.com/bigkaa/scanstore/internal/domain/status"
	"github.com/bigkaa/scanstore/internal/repository"
	"github.com/bigkaa/scanstore/internal/storage/samples"
)

// setupPostgres запускает PostgreSQL контейнер и применяет миграции.
func setupPostgres(t *testing.T) (*pgxpool.Pool, *config.Config) {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Пропуск интеграционного теста: TEST_INTEGRATION не установлена")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		postgres.WithDatabase("scanstore_test"),
		postgres.WithUsername("scanstore"),
		postgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Не удалось запустить PostgreSQL контейнер: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Ошибка остановки контейнера: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Не удалось получить host контейнера: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Не удалось получить port контейнера: %v", err)
	}

	t.Setenv("SS_DB_HOST", host)
	t.Setenv("SS_DB_PORT", port.Port())
	t.Setenv("SS_DB_NAME", "scanstore_test")
	t.Setenv("SS_DB_USER", "scanstore")
	t.Setenv("SS_DB_PASSWORD", "test-password")
	t.Setenv("SS_SAMPLES_DIR", t.TempDir())

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Ошибка загрузки конфигурации: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	if err := database.Migrate(cfg, logger); err != nil {
		t.Fatalf("Ошибка миграций: %v", err)
	}
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("Ошибка подключения: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool, cfg
}

// TestIntegration_ScanLifecycle проходит путь скана на настоящей БД:
// приём файлов, запуск, завершение проб, поиск и очистка.
func TestIntegration_ScanLifecycle(t *testing.T) {
	pool, cfg := setupPostgres(t)
	ctx := context.Background()
	logger := discardLogger()

	st, err := samples.New(cfg.SamplesDir)
	if err != nil {
		t.Fatalf("samples.New: %v", err)
	}
	store := repository.NewStore(pool)
	content := NewContentService(store, st, logger)
	registry := NewRegistryService(store, NewScanCache(10, time.Minute), logger)
	agg := NewAggregatorService(store, logger)
	pub := &mockPublisher{}
	ledger := NewLedgerService(store, nil, pub, agg, logger)
	search := NewSearchService(store, logger)

	f1, err := content.Ingest(ctx, strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Ingest ошибка: %v", err)
	}
	again, err := content.Ingest(ctx, strings.NewReader("hello"))
	if err != nil || again.ID != f1.ID {
		t.Fatalf("дедупликация: id %d и %d (%v)", f1.ID, again.ID, err)
	}
	f2, err := content.Ingest(ctx, strings.NewReader("second sample"))
	if err != nil {
		t.Fatalf("Ingest ошибка: %v", err)
	}

	s1, err := registry.CreateScan(ctx, time.Time{}, "192.0.2.1")
	if err != nil {
		t.Fatalf("CreateScan ошибка: %v", err)
	}
	for _, a := range []struct {
		f    *model.File
		name string
	}{{f1, "a.exe"}, {f1, "a-copy.exe"}, {f2, "b.dll"}} {
		if _, err := registry.AttachFileToScan(ctx, a.f, a.name, s1); err != nil {
			t.Fatalf("AttachFileToScan ошибка: %v", err)
		}
	}

	results, err := ledger.LaunchScan(ctx, s1, []model.Probe{{Type: "antivirus", Name: "clamav"}})
	if err != nil {
		t.Fatalf("LaunchScan ошибка: %v", err)
	}
	if len(results) != 2 || len(pub.published) != 2 {
		t.Fatalf("результатов %d, запросов %d; ожидалось по 2", len(results), len(pub.published))
	}

	finished, err := agg.IsFinished(ctx, s1)
	if err != nil || finished {
		t.Fatalf("IsFinished до завершения = %v (%v)", finished, err)
	}

	if _, err := ledger.Complete(ctx, results[0].ID, "ref-0", 0); err != nil {
		t.Fatalf("Complete ошибка: %v", err)
	}
	if finished, _ := agg.IsFinished(ctx, s1); finished {
		t.Fatal("скан завершён при ожидающей пробе")
	}
	if _, err := ledger.Complete(ctx, results[1].ID, "ref-1", 1); err != nil {
		t.Fatalf("Complete ошибка: %v", err)
	}
	if _, err := ledger.Complete(ctx, results[1].ID, "ref-2", 1); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("повторный Complete: ожидалась ErrIntegrity, получено %v", err)
	}

	current, err := agg.CurrentStatus(ctx, s1)
	if err != nil || current != status.Finished {
		t.Errorf("CurrentStatus = %s (%v), ожидался finished", current, err)
	}

	res, err := search.FindByName(ctx, "a", false, SearchParams{Fields: []string{"sha256", "name"}, OrderBy: "name"})
	if err != nil {
		t.Fatalf("FindByName ошибка: %v", err)
	}
	if res.Total != 2 || len(res.Rows) != 2 || res.Rows[0]["name"] != "a-copy.exe" {
		t.Errorf("FindByName = %+v", res)
	}
	if _, err := search.FindByHash(ctx, "sha256", f1.SHA256, SearchParams{Fields: []string{"sha256", "bogus"}}); !errors.Is(err, ErrValidation) {
		t.Errorf("FindByHash с неизвестным полем: ожидалась ErrValidation, получено %v", err)
	}

	names, err := content.FileNames(ctx, f1)
	if err != nil || len(names) != 2 {
		t.Errorf("FileNames = %v (%v)", names, err)
	}

	content.now = func() time.Time { return time.Now().UTC().Add(48 * time.Hour) }
	evicted, err := content.Evict(ctx, 24*time.Hour)
	if err != nil || evicted != 2 {
		t.Errorf("Evict = %d (%v), ожидалось 2", evicted, err)
	}
	loaded, err := content.LoadByHash(ctx, "sha256", f1.SHA256)
	if err != nil || loaded.HasContent() {
		t.Errorf("после очистки: %+v (%v), строка остаётся без пути", loaded, err)
	}
}
