package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("storage: not found")
	// ErrStorageFault wraps every engine-level failure.
	ErrStorageFault = errors.New("storage: engine fault")
	// ErrClosed is returned for operations submitted after Close.
	ErrClosed = errors.New("storage: closed")
)

var (
	storageOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultrelay_storage_ops_total",
		Help: "Storage operations executed, by operation and result.",
	}, []string{"op", "result"})
	storageOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vaultrelay_storage_op_duration_seconds",
		Help:    "Time spent executing a storage operation, queueing excluded.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"op"})
)

// job is one unit of work for the owner goroutine.
type job struct {
	op     string
	fn     func(*sql.DB) error
	result chan error
}

// DB owns a SQLite handle. Every query runs on a single goroutine, one job at
// a time, so reads and writes never interleave.
type DB struct {
	db     *sql.DB
	logger *slog.Logger

	jobs    chan job
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// dsn builds a SQLite URI for path. The path is escaped so that '?', '#'
// and '%' in directory names are not read as URI syntax.
func dsn(path string) string {
	u := url.URL{
		Scheme:   "file",
		Path:     path,
		OmitHost: true,
		RawQuery: "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
	}
	return u.String()
}

// NewDB opens (or creates) a SQLite database at path, runs schema migrations
// and starts the owner goroutine.
func NewDB(path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sqlDB, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// The engine is not safe for concurrent writers.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{
		db:      sqlDB,
		logger:  logger.With("component", "storage"),
		jobs:    make(chan job),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	go d.loop()
	return d, nil
}

// Close stops the owner goroutine and closes the database. Jobs already
// accepted finish first.
func (d *DB) Close() error {
	var err error
	d.once.Do(func() {
		close(d.quit)
		<-d.stopped
		err = d.db.Close()
	})
	return err
}

func (d *DB) loop() {
	defer close(d.stopped)
	for {
		select {
		case j := <-d.jobs:
			start := time.Now()
			err := j.fn(d.db)
			storageOpDuration.WithLabelValues(j.op).Observe(time.Since(start).Seconds())
			j.result <- err
		case <-d.quit:
			return
		}
	}
}

// exec hands fn to the owner goroutine and waits for it to finish. Engine
// errors are logged and wrapped in ErrStorageFault; sql.ErrNoRows becomes
// ErrNotFound.
func (d *DB) exec(ctx context.Context, op string, fn func(*sql.DB) error) error {
	j := job{op: op, fn: fn, result: make(chan error, 1)}
	select {
	case d.jobs <- j:
	case <-d.quit:
		return fmt.Errorf("%s: %w", op, ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}

	err := <-j.result
	switch {
	case err == nil:
		storageOpsTotal.WithLabelValues(op, "ok").Inc()
		return nil
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, ErrNotFound):
		storageOpsTotal.WithLabelValues(op, "not_found").Inc()
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		storageOpsTotal.WithLabelValues(op, "canceled").Inc()
		return fmt.Errorf("%s: %w", op, err)
	default:
		storageOpsTotal.WithLabelValues(op, "fault").Inc()
		d.logger.Error("storage fault", "op", op, "error", err)
		return fmt.Errorf("%s: %w: %w", op, ErrStorageFault, err)
	}
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS files (
    code TEXT PRIMARY KEY,
    file_id TEXT NOT NULL,
    file_unique_id TEXT NOT NULL,
    file_type TEXT NOT NULL,
    file_name TEXT,
    caption TEXT,
    created_at INTEGER,
    downloads INTEGER DEFAULT 0,
    is_active INTEGER DEFAULT 1
);

CREATE TABLE IF NOT EXISTS users (
    user_id INTEGER PRIMARY KEY,
    joined_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_unique_id ON files(file_unique_id);`
	_, err := d.db.Exec(schema)
	return err
}

// Checkpoint folds the write-ahead log back into the main database file.
func (d *DB) Checkpoint(ctx context.Context) error {
	return d.exec(ctx, "checkpoint", func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
		return err
	})
}
