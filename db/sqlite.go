package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrClosed 存储已关闭
var ErrClosed = errors.New("db: store closed")

// Config 存储配置
type Config struct {
	Path          string        `yaml:"path"`
	EnableWAL     bool          `yaml:"enable_wal"`
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Store SQLite存储：反馈、预测历史与训练记录
type Store struct {
	db     *sql.DB
	cfg    Config
	logger *zap.Logger

	writes   chan writeRequest
	writerWg sync.WaitGroup
	writeErr error

	mu     sync.RWMutex
	closed bool
}

// Open 打开数据库并执行迁移，启动预测日志写入协程
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("db: path is required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("db: create directory: %w", err)
	}

	dsn := cfg.Path + "?_busy_timeout=5000&_foreign_keys=on"
	if cfg.EnableWAL {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}
	database, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("db: open database: %w", err)
	}
	database.SetMaxOpenConns(4)
	database.SetMaxIdleConns(2)
	database.SetConnMaxLifetime(time.Hour)

	if err := applyMigrations(database); err != nil {
		return nil, multierr.Append(err, database.Close())
	}

	s := &Store{
		db:     database,
		cfg:    cfg,
		logger: logger,
		writes: make(chan writeRequest, cfg.BufferSize),
	}
	s.writerWg.Add(1)
	go s.runWriter()
	return s, nil
}

func applyMigrations(database *sql.DB) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("db: migration source: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(database, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("db: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("db: migrator: %w", err)
	}
	// m.Close 会关闭共享的 *sql.DB，这里只关闭迁移源
	defer source.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("db: migrate up: %w", err)
	}
	return nil
}

// Ping 检查连接
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close 刷新待写入的预测日志并关闭数据库
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.writes)
	s.mu.Unlock()

	s.writerWg.Wait()
	return multierr.Combine(s.writeErr, s.db.Close())
}
