// Package sqlite provides an embedded SQLite-backed FIFO queue that mimics
// SQS FIFO semantics (visibility timeout, receipt handles, per-group
// ordering) without requiring an external broker. Intended for dev and
// standalone deployments where running NATS or SQS isn't worth the
// operational cost.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"log/slog"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	broker_message_id TEXT NOT NULL UNIQUE,
	subject           TEXT NOT NULL DEFAULT '',
	group_id          TEXT NOT NULL DEFAULT '',
	dedup_id          TEXT,
	payload           BLOB NOT NULL,
	metadata          TEXT NOT NULL DEFAULT '{}',
	receipt_handle    TEXT NOT NULL,
	visible_at        INTEGER NOT NULL,
	inserted_at       INTEGER NOT NULL,
	delivery_count    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_poll ON messages(visible_at, group_id, inserted_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_dedup ON messages(dedup_id) WHERE dedup_id IS NOT NULL;
`

// Config holds configuration for the embedded SQLite broker.
type Config struct {
	// DataDir is the directory holding the SQLite database file.
	DataDir string

	// DefaultVisibilityTimeout is how long a received message stays
	// invisible to other pollers before it's eligible for redelivery.
	DefaultVisibilityTimeout time.Duration

	// MaxNumberOfMessages bounds how many messages a single poll returns.
	MaxNumberOfMessages int
}

// DefaultConfig returns sensible defaults for the embedded broker.
func DefaultConfig() *Config {
	return &Config{
		DataDir:                  "./data/sqlite",
		DefaultVisibilityTimeout: 30 * time.Second,
		MaxNumberOfMessages:      10,
	}
}

// Broker owns the SQLite database backing the embedded FIFO queue.
type Broker struct {
	db        *sql.DB
	dataDir   string
	dbPath    string
	publisher *Publisher
	cfg       *Config
}

// NewBroker opens (creating if necessary) the SQLite-backed queue database.
func NewBroker(cfg *Config) (*Broker, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.DefaultVisibilityTimeout <= 0 {
		cfg.DefaultVisibilityTimeout = 30 * time.Second
	}
	if cfg.MaxNumberOfMessages <= 0 {
		cfg.MaxNumberOfMessages = 10
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "queue.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// The sqlite3 driver serializes writes internally; a single connection
	// avoids SQLITE_BUSY storms under concurrent pollers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	broker := &Broker{
		db:      db,
		dataDir: cfg.DataDir,
		dbPath:  dbPath,
		cfg:     cfg,
	}
	broker.publisher = &Publisher{db: db}

	slog.Info("Embedded SQLite queue opened", "path", dbPath)
	return broker, nil
}

// Publisher returns the broker's publisher.
func (b *Broker) Publisher() *Publisher {
	return b.publisher
}

// CreateConsumer creates a consumer polling this broker's database.
// name and filterSubject mirror the SQS/NATS CreateConsumer signature for
// interface parity; filterSubject restricts polling to a single subject
// when non-empty.
func (b *Broker) CreateConsumer(ctx context.Context, name, filterSubject string) (*Consumer, error) {
	return &Consumer{
		db:                b.db,
		name:              name,
		filterSubject:     filterSubject,
		visibilityTimeout: b.cfg.DefaultVisibilityTimeout,
		maxMessages:       b.cfg.MaxNumberOfMessages,
	}, nil
}

// DataDir returns the data directory backing the broker.
func (b *Broker) DataDir() string {
	return b.dataDir
}

// Ping verifies the database connection is healthy.
func (b *Broker) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close closes the underlying database.
func (b *Broker) Close() error {
	slog.Info("Closing embedded SQLite queue")
	return b.db.Close()
}
