// Пакет database: пул pgx к базе scanstore и схема хранилища
// (файлы, сканы, результаты проб), встроенная в бинарник как миграции.
package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/scanstore/internal/config"
)

// applicationName виден в pg_stat_activity.
const applicationName = "scanstore"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Connect открывает пул к базе хранилища. Недоступная база - ошибка
// старта: без неё не работает ни один сервис.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора параметров подключения к БД: %w", err)
	}
	poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пула к БД хранилища: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("БД хранилища недоступна: %w", err)
	}

	logger.Info("БД хранилища подключена",
		slog.String("host", cfg.DBHost),
		slog.Int("port", cfg.DBPort),
		slog.String("database", cfg.DBName),
		slog.Int("max_conns", int(poolCfg.MaxConns)),
	)
	return pool, nil
}

// migrateURL переводит URL базы в схему драйвера pgx5 для golang-migrate.
func migrateURL(cfg *config.Config) string {
	return "pgx5://" + strings.TrimPrefix(cfg.DatabaseURL(), "postgres://")
}

// Migrate доводит схему хранилища до последней версии.
// Уже актуальная схема не считается ошибкой.
func Migrate(cfg *config.Config, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ошибка чтения встроенных миграций: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(cfg))
	if err != nil {
		return fmt.Errorf("ошибка инициализации миграций: %w", err)
	}
	defer m.Close()

	err = m.Up()
	upToDate := errors.Is(err, migrate.ErrNoChange)
	if err != nil && !upToDate {
		return fmt.Errorf("ошибка применения миграций схемы хранилища: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Схема хранилища актуальна",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
		slog.Bool("changed", !upToDate),
	)
	return nil
}
