// Package storage keeps the local download history in SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultDBFileName is the SQLite filename under the data directory.
	DefaultDBFileName = "history.db"
	// DefaultCheckpointInterval is how often the WAL is folded back and truncated.
	DefaultCheckpointInterval = 24 * time.Hour
)

type migration struct {
	name       string
	statements []string
}

// schema is applied in order; PRAGMA user_version records how many steps ran.
var schema = []migration{
	{
		name: "create downloads",
		statements: []string{`
CREATE TABLE IF NOT EXISTS downloads (
  id            INTEGER PRIMARY KEY AUTOINCREMENT,
  file_name     TEXT NOT NULL,
  saved_path    TEXT NOT NULL,
  peer_name     TEXT NOT NULL DEFAULT '',
  peer_address  TEXT NOT NULL DEFAULT '',
  completed_at  INTEGER NOT NULL
)`},
	},
	{
		name: "index downloads by completion",
		statements: []string{`
CREATE INDEX IF NOT EXISTS idx_downloads_completed_at
ON downloads (completed_at DESC, id DESC)`},
	},
}

// Store is the SQLite-backed download history.
type Store struct {
	db  *sql.DB
	log *logrus.Entry

	cancel    context.CancelFunc
	loopDone  chan struct{}
	closeOnce sync.Once
}

// Open opens (or creates) history.db under dataDir.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at dbPath in WAL mode and brings the schema up to date.
func OpenPath(dbPath string) (*Store, error) {
	return openWithInterval(dbPath, DefaultCheckpointInterval)
}

func openWithInterval(dbPath string, checkpointEvery time.Duration) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{
		db:  db,
		log: logrus.WithFields(logrus.Fields{"component": "storage", "path": dbPath}),
	}
	for _, step := range []func() error{db.Ping, store.verifyJournalMode, store.migrate, store.checkpoint} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	if checkpointEvery > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		store.cancel = cancel
		store.loopDone = make(chan struct{})
		go store.checkpointLoop(ctx, checkpointEvery)
	}
	return store, nil
}

// Close stops background maintenance and closes the database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}

	var err error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.loopDone
		}
		err = s.db.Close()
	})
	return err
}

func (s *Store) verifyJournalMode() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("journal mode is %q, want wal", mode)
	}
	return nil
}

// migrate applies each pending step in its own transaction.
func (s *Store) migrate() error {
	var applied int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&applied); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for version := applied; version < len(schema); version++ {
		step := schema[version]
		if err := s.inTx(func(tx *sql.Tx) error {
			for _, statement := range step.statements {
				if _, err := tx.Exec(statement); err != nil {
					return err
				}
			}
			_, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version+1))
			return err
		}); err != nil {
			return fmt.Errorf("migration %d (%s): %w", version+1, step.name, err)
		}
		s.log.WithField("migration", step.name).Debug("schema migrated")
	}
	return nil
}

func (s *Store) inTx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) checkpoint() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

func (s *Store) checkpointLoop(ctx context.Context, every time.Duration) {
	defer close(s.loopDone)

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.checkpoint(); err != nil {
				s.log.WithError(err).Warn("periodic WAL checkpoint failed")
			}
		}
	}
}
