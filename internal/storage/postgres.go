package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"runtime"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"callscribe/pkg/logger"
	"callscribe/pkg/model"
)

// ErrCallNotFound is returned when no call matches the requested id
var ErrCallNotFound = errors.New("call not found")

type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage connects to PostgreSQL and applies the migrations found
// in migrationsDir.
func NewPostgresStorage(ctx context.Context, databaseURL, migrationsDir string) (*PostgresStorage, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection established")

	if err := runMigrations(config.ConnConfig, migrationsDir); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStorage{pool: pool}, nil
}

func runMigrations(connConfig *pgx.ConnConfig, migrationsDir string) error {
	migrationsURL, err := migrationsSourceURL(migrationsDir)
	if err != nil {
		return err
	}

	logger.Info("Running migrations", zap.String("path", migrationsURL))

	db := stdlib.OpenDB(*connConfig)
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(migrationsURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		logger.Info("No new migrations to apply")
	case err != nil:
		return fmt.Errorf("failed to apply migrations: %w", err)
	default:
		logger.Info("Migrations applied successfully")
	}

	return nil
}

// ResetMigrations drops every table and re-applies the migrations. Intended
// for development databases only.
func ResetMigrations(databaseURL, migrationsDir string) error {
	logger.Warn("Resetting database - this will drop all data!")

	connConfig, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("failed to parse database URL: %w", err)
	}

	migrationsURL, err := migrationsSourceURL(migrationsDir)
	if err != nil {
		return err
	}

	db := stdlib.OpenDB(*connConfig)
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(migrationsURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Drop(); err != nil {
		return fmt.Errorf("failed to drop database: %w", err)
	}

	if err := m.Up(); err != nil {
		return fmt.Errorf("failed to run migrations after reset: %w", err)
	}

	logger.Info("Database reset and migrations applied successfully")
	return nil
}

// migrationsSourceURL builds a file:// URL for golang-migrate. Windows paths
// need the drive letter kept in the URL path.
func migrationsSourceURL(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to get migrations path: %w", err)
	}

	if runtime.GOOS == "windows" {
		u := &url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
		return u.String(), nil
	}
	return "file://" + abs, nil
}

func (s *PostgresStorage) Close() {
	s.pool.Close()
}

// Ping checks that the database is reachable
func (s *PostgresStorage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const callColumns = `id, status, mime_type, audio_key, audio_size, num_speakers, language,
	text, duration, segments, attempts, error_text, created_at, updated_at`

// CreateCall inserts a new call
func (s *PostgresStorage) CreateCall(ctx context.Context, call *model.Call) error {
	query := `
		INSERT INTO calls (` + callColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := s.pool.Exec(ctx, query,
		call.ID,
		call.Status,
		call.MimeType,
		call.AudioKey,
		call.AudioSize,
		call.NumSpeakers,
		call.Language,
		call.Text,
		call.Duration,
		call.Segments,
		call.Attempts,
		call.ErrorText,
		call.CreatedAt,
		call.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}

	return nil
}

// GetCallByID retrieves a call by its id
func (s *PostgresStorage) GetCallByID(ctx context.Context, id string) (*model.Call, error) {
	query := `SELECT ` + callColumns + ` FROM calls WHERE id = $1`

	var call model.Call
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&call.ID,
		&call.Status,
		&call.MimeType,
		&call.AudioKey,
		&call.AudioSize,
		&call.NumSpeakers,
		&call.Language,
		&call.Text,
		&call.Duration,
		&call.Segments,
		&call.Attempts,
		&call.ErrorText,
		&call.CreatedAt,
		&call.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	return &call, nil
}

// UpdateCall writes every mutable column of call
func (s *PostgresStorage) UpdateCall(ctx context.Context, call *model.Call) error {
	query := `
		UPDATE calls
		SET status = $2, language = $3, text = $4, duration = $5, segments = $6,
		    attempts = $7, error_text = $8, updated_at = $9
		WHERE id = $1`

	result, err := s.pool.Exec(ctx, query,
		call.ID,
		call.Status,
		call.Language,
		call.Text,
		call.Duration,
		call.Segments,
		call.Attempts,
		call.ErrorText,
		call.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update call: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrCallNotFound
	}

	return nil
}
