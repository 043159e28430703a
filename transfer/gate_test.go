package transfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanshare/models"
)

func TestNilGateOnlyChecksContext(t *testing.T) {
	var gate *Gate
	require.NoError(t, gate.Checkpoint(context.Background()))
	assert.False(t, gate.Paused())
	assert.False(t, gate.Cancelled())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, gate.Checkpoint(ctx), context.Canceled)
}

func TestGatePauseBlocksUntilResume(t *testing.T) {
	gate := NewGate()
	require.True(t, gate.Pause())
	assert.True(t, gate.Paused())

	done := make(chan error, 1)
	go func() {
		done <- gate.Checkpoint(context.Background())
	}()

	select {
	case err := <-done:
		t.Fatalf("checkpoint returned while paused: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.True(t, gate.Resume())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("checkpoint still blocked after resume")
	}
	assert.False(t, gate.Resume(), "resume of an open gate")
}

func TestGateCancelReleasesPausedWorker(t *testing.T) {
	gate := NewGate()
	require.True(t, gate.Pause())

	done := make(chan error, 1)
	go func() {
		done <- gate.Checkpoint(context.Background())
	}()

	gate.Cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("checkpoint still blocked after cancel")
	}

	assert.True(t, gate.Cancelled())
	assert.False(t, gate.Pause())
	assert.False(t, gate.Resume())
	assert.ErrorIs(t, gate.Checkpoint(context.Background()), ErrCancelled)
}

func TestGatePausedCheckpointHonoursContext(t *testing.T) {
	gate := NewGate()
	require.True(t, gate.Pause())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, gate.Checkpoint(ctx), context.DeadlineExceeded)
}

func TestBitmapBitOrder(t *testing.T) {
	bitmap := NewBitmap(10)
	bitmap.Set(0)
	bitmap.Set(3)
	bitmap.Set(9)
	bitmap.Set(10)
	bitmap.Set(-1)

	assert.Equal(t, []byte{0b0000_1001, 0b0000_0010}, bitmap.bits)
	assert.Equal(t, 3, bitmap.Cardinality())
	assert.Equal(t, 10, bitmap.Len())
	assert.True(t, bitmap.IsSet(9))
	assert.False(t, bitmap.IsSet(10))
}

func TestLoadBitmapIgnoresTrailingBits(t *testing.T) {
	state := newResumeState(filepath.Join(t.TempDir(), "movie.mkv"))
	require.NoError(t, os.WriteFile(state.bitmapPath, []byte{0xFF, 0xFF}, 0o644))

	bitmap, err := state.loadBitmap(4)
	require.NoError(t, err)
	assert.Equal(t, 4, bitmap.Cardinality())
	assert.Equal(t, []byte{0x0F}, bitmap.bits)

	missing, err := newResumeState(filepath.Join(t.TempDir(), "none")).loadBitmap(3)
	require.NoError(t, err)
	assert.Zero(t, missing.Cardinality())
}

func TestResumeMetadataSnapshot(t *testing.T) {
	state := newResumeState(filepath.Join(t.TempDir(), "notes.txt"))
	meta := models.FileMetadata{
		Name:       "notes.txt",
		TotalSize:  10,
		ChunkSize:  4,
		ChunkCount: 3,
		FileHash:   checksumHex([]byte("0123456789")),
	}

	assert.False(t, state.matches(meta), "no snapshot yet")
	require.NoError(t, state.saveMeta(meta))

	raw, err := os.ReadFile(state.metaPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "fileSha256="+meta.FileHash)
	assert.True(t, state.matches(meta))

	require.NoError(t, state.clear())
	assert.NoFileExists(t, state.metaPath)
}
