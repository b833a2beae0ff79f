// Package sqlite implements the unified Store on a single SQLite file via
// the pure-Go glebarez/sqlite GORM driver. It shares models and
// repositories with the postgres package; JSON columns are stored as TEXT.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/omni/internal/storage"
	pgstore "github.com/jkaninda/omni/internal/storage/postgres"
)

const busyTimeoutMs = 5000

type Config struct {
	Path        string // Database file path.
	JournalMode string // Default: wal
}

// Store implements storage.Store backed by SQLite.
type Store struct {
	*pgstore.Repositories
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database file at cfg.Path.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "wal"
	}

	db, err := gorm.Open(sqlite.Open(dsn(cfg)), &gorm.Config{
		Logger:         pgstore.NewGormLogger(slogger),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	slogger.Info("sqlite store opened",
		slog.String("path", cfg.Path),
		slog.String("journal_mode", cfg.JournalMode),
	)
	return &Store{
		Repositories: pgstore.NewRepositories(db),
		db:           db,
		logger:       slogger,
	}, nil
}

func dsn(cfg Config) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("journal_mode(%s)", cfg.JournalMode))
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMs))
	q.Add("_pragma", "foreign_keys(ON)")
	return cfg.Path + "?" + q.Encode()
}

func (s *Store) Migrate(ctx context.Context) error {
	return pgstore.AutoMigrate(s.db.WithContext(ctx))
}

func (s *Store) Ping(ctx context.Context) error {
	return pgstore.Ping(ctx, s.db)
}

func (s *Store) Close() error {
	return pgstore.Close(s.db)
}

func (s *Store) Driver() string {
	return storage.DriverSQLite
}

var _ storage.Store = (*Store)(nil)
