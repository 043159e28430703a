package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanshare/models"
)

func TestRecordAndListDownloadsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)

	_, err := store.RecordDownload(models.DownloadRecord{
		FileName:    "old.bin",
		SavedPath:   filepath.Join(t.TempDir(), "old.bin"),
		PeerName:    "Bob",
		PeerAddress: "10.0.0.2",
		Timestamp:   base,
	})
	require.NoError(t, err)

	newID, err := store.RecordDownload(models.DownloadRecord{
		FileName:    "new.bin",
		SavedPath:   "relative/new.bin",
		PeerName:    "Carol",
		PeerAddress: "10.0.0.3",
		Timestamp:   base.Add(time.Minute),
	})
	require.NoError(t, err)

	records, err := store.ListDownloads(0)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, newID, records[0].ID)
	assert.Equal(t, "new.bin", records[0].FileName)
	assert.True(t, filepath.IsAbs(records[0].SavedPath), "saved path should be stored absolute")
	assert.Equal(t, "Carol", records[0].PeerName)
	assert.Equal(t, "10.0.0.3", records[0].PeerAddress)
	assert.True(t, records[0].Timestamp.Equal(base.Add(time.Minute)))
	assert.Equal(t, "old.bin", records[1].FileName)

	limited, err := store.ListDownloads(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecordDownloadValidatesRequiredFields(t *testing.T) {
	store := newTestStore(t)

	_, err := store.RecordDownload(models.DownloadRecord{SavedPath: "x"})
	assert.Error(t, err)

	_, err = store.RecordDownload(models.DownloadRecord{FileName: "x"})
	assert.Error(t, err)
}

func TestDeleteAndClearDownloads(t *testing.T) {
	store := newTestStore(t)

	id, err := store.RecordDownload(models.DownloadRecord{FileName: "a", SavedPath: "/tmp/a"})
	require.NoError(t, err)
	require.NoError(t, store.Record(models.DownloadRecord{FileName: "b", SavedPath: "/tmp/b"}))

	require.NoError(t, store.DeleteDownload(id))
	assert.ErrorIs(t, store.DeleteDownload(id), ErrNotFound)

	require.NoError(t, store.ClearDownloads())
	records, err := store.ListDownloads(10)
	require.NoError(t, err)
	assert.Empty(t, records)
}
