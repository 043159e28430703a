package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanshare/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, _, err := Open(t.TempDir())
	require.NoError(t, err, "open test store")
	t.Cleanup(func() {
		require.NoError(t, store.Close(), "close test store")
	})
	return store
}

func schemaVersion(t *testing.T, store *Store) int {
	t.Helper()
	var version int
	require.NoError(t, store.db.QueryRow("PRAGMA user_version").Scan(&version))
	return version
}

func TestOpenCreatesDatabaseInWALMode(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, store.Close())
	}()

	assert.Equal(t, filepath.Join(dataDir, DefaultDBFileName), dbPath)
	assert.FileExists(t, dbPath)
	assert.Equal(t, len(schema), schemaVersion(t, store))

	var mode string
	require.NoError(t, store.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var tables int
	require.NoError(t, store.db.QueryRow(
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name = ?",
		"downloads",
	).Scan(&tables))
	assert.Equal(t, 1, tables)
}

func TestReopenKeepsSchemaAndRows(t *testing.T) {
	dataDir := t.TempDir()

	first, _, err := Open(dataDir)
	require.NoError(t, err)
	_, err = first.RecordDownload(models.DownloadRecord{FileName: "a.txt", SavedPath: filepath.Join(dataDir, "a.txt")})
	require.NoError(t, err)
	require.NoError(t, first.Close())
	require.NoError(t, first.Close(), "second close is a no-op")

	second, _, err := Open(dataDir)
	require.NoError(t, err)
	defer func() {
		_ = second.Close()
	}()

	assert.Equal(t, len(schema), schemaVersion(t, second))
	rows, err := second.ListDownloads(0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestCheckpointLoopStopsOnClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	store, err := openWithInterval(dbPath, 5*time.Millisecond)
	require.NoError(t, err)

	_, err = store.RecordDownload(models.DownloadRecord{FileName: "b.bin", SavedPath: dbPath + ".b"})
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- store.Close() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked on checkpoint loop")
	}
}
