package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"lanshare/models"
)

// DefaultRetryDelay is the pause between attempts of one chunk.
const DefaultRetryDelay = 250 * time.Millisecond

// ClientOptions configures the download engine.
type ClientOptions struct {
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration

	// verifiedChunk runs after a chunk passes its hash check and before it is
	// written. Used by tests.
	verifiedChunk func(index int)
}

func (o ClientOptions) withDefaults() ClientOptions {
	out := o
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.RetryDelay < 0 {
		out.RetryDelay = 0
	}
	return out
}

// Client fetches metadata and chunks from a transfer server.
type Client struct {
	opts ClientOptions
	log  *logrus.Entry
}

// NewClient returns a download engine.
func NewClient(options ClientOptions) *Client {
	return &Client{
		opts: options.withDefaults(),
		log:  logrus.WithFields(logrus.Fields{"component": "transfer", "role": "client"}),
	}
}

// DownloadRequest describes one download run.
type DownloadRequest struct {
	// Address is host:port of the peer's transfer server.
	Address string
	// RemotePath is the path relative to the peer's share root.
	RemotePath string
	// Destination is the final local path.
	Destination string
	// Gate is consulted at every checkpoint. Optional.
	Gate *Gate
	// Progress is called with completed and total chunk counts. Optional.
	Progress func(completed, total int)
}

// FetchMetadata requests FILE_META_REQUEST for remotePath.
func (c *Client) FetchMetadata(ctx context.Context, address, remotePath string) (models.FileMetadata, error) {
	var meta models.FileMetadata
	err := c.roundTrip(ctx, address, MetaRequest(remotePath), func(r io.Reader) error {
		var err error
		meta, err = readMetadata(r)
		return err
	})
	if err != nil {
		return models.FileMetadata{}, fmt.Errorf("fetch metadata for %q: %w", remotePath, err)
	}
	return meta, nil
}

// Download runs one resumable download. It reports true once the destination
// holds the verified file. A cancelled gate yields (false, nil) after removing
// the resume state; an ended ctx yields its error and keeps the resume state.
func (c *Client) Download(ctx context.Context, req DownloadRequest) (bool, error) {
	state := newResumeState(req.Destination)
	log := c.log.WithFields(logrus.Fields{"file": req.RemotePath, "peer": req.Address})

	completed, err := c.download(ctx, req, state, log)
	if errors.Is(err, ErrCancelled) {
		if cleanupErr := state.clear(); cleanupErr != nil {
			log.WithError(cleanupErr).Warn("remove resume state after cancel")
		}
		log.Info("download cancelled")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return completed, nil
}

func (c *Client) download(ctx context.Context, req DownloadRequest, state resumeState, log *logrus.Entry) (bool, error) {
	if err := req.Gate.Checkpoint(ctx); err != nil {
		return false, err
	}

	meta, err := c.FetchMetadata(ctx, req.Address, req.RemotePath)
	if err != nil {
		return false, err
	}
	log.WithFields(logrus.Fields{"size": meta.TotalSize, "chunks": meta.ChunkCount, "chunk_size": meta.ChunkSize}).Debug("metadata received")

	if !state.matches(meta) {
		if err := state.clear(); err != nil {
			return false, fmt.Errorf("reset resume state: %w", err)
		}
	}
	if err := state.saveMeta(meta); err != nil {
		return false, fmt.Errorf("save resume metadata: %w", err)
	}

	reset, err := state.ensurePart(meta.TotalSize)
	if err != nil {
		return false, err
	}
	if reset {
		log.Info("placeholder size mismatch, restarting download")
		if err := removeIfExists(state.bitmapPath); err != nil {
			return false, fmt.Errorf("reset bitmap: %w", err)
		}
	}

	bitmap, err := state.loadBitmap(meta.ChunkCount)
	if err != nil {
		return false, err
	}
	if done := bitmap.Cardinality(); done > 0 {
		log.WithField("completed", done).Info("resuming download")
	}
	report(req.Progress, bitmap.Cardinality(), meta.ChunkCount)

	part, err := os.OpenFile(state.partPath, os.O_RDWR, 0o644)
	if err != nil {
		return false, fmt.Errorf("open placeholder: %w", err)
	}
	partClosed := false
	defer func() {
		if !partClosed {
			_ = part.Close()
		}
	}()

	for index := 0; index < meta.ChunkCount; index++ {
		if err := req.Gate.Checkpoint(ctx); err != nil {
			return false, err
		}
		if bitmap.IsSet(index) {
			continue
		}

		if err := c.fetchChunkWithRetry(ctx, req, meta, index, part, log); err != nil {
			return false, err
		}

		bitmap.Set(index)
		if err := state.saveBitmap(bitmap); err != nil {
			return false, fmt.Errorf("persist bitmap: %w", err)
		}
		report(req.Progress, bitmap.Cardinality(), meta.ChunkCount)
	}

	if err := req.Gate.Checkpoint(ctx); err != nil {
		return false, err
	}
	if err := part.Sync(); err != nil {
		return false, fmt.Errorf("sync placeholder: %w", err)
	}
	partClosed = true
	if err := part.Close(); err != nil {
		return false, fmt.Errorf("close placeholder: %w", err)
	}

	actual, err := fileChecksumHex(state.partPath)
	if err != nil {
		return false, err
	}
	if actual != meta.FileHash {
		if err := state.clear(); err != nil {
			log.WithError(err).Warn("remove resume state after file hash mismatch")
		}
		return false, fmt.Errorf("%w: expected %s, got %s", ErrFileHashMismatch, meta.FileHash, actual)
	}

	if err := os.MkdirAll(filepath.Dir(req.Destination), 0o755); err != nil {
		return false, fmt.Errorf("create destination directory: %w", err)
	}
	if err := os.Rename(state.partPath, req.Destination); err != nil {
		return false, fmt.Errorf("finalize download: %w", err)
	}
	if err := state.clearSideFiles(); err != nil {
		log.WithError(err).Warn("remove resume side files")
	}

	log.WithField("dest", req.Destination).Info("download complete")
	return true, nil
}

// fetchChunkWithRetry downloads, verifies and writes one chunk within the
// attempt budget. Cancellation and ctx errors are never retried.
func (c *Client) fetchChunkWithRetry(ctx context.Context, req DownloadRequest, meta models.FileMetadata, index int, part *os.File, log *logrus.Entry) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := c.fetchChunk(ctx, req, meta, index, part)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		log.WithError(err).WithFields(logrus.Fields{
			"chunk":   index,
			"attempt": attempt,
			"max":     c.opts.MaxAttempts,
		}).Warn("chunk attempt failed")
		return err
	}

	if err := backoff.Retry(operation, c.retryPolicy(ctx)); err != nil {
		if errors.Is(err, ErrCancelled) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("chunk %d failed after %d attempts: %w", index, attempt, err)
	}
	return nil
}

func (c *Client) retryPolicy(ctx context.Context) backoff.BackOff {
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if c.opts.MaxAttempts > 1 {
		policy = backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.RetryDelay), uint64(c.opts.MaxAttempts-1))
	}
	return backoff.WithContext(policy, ctx)
}

func (c *Client) fetchChunk(ctx context.Context, req DownloadRequest, meta models.FileMetadata, index int, part *os.File) error {
	if err := req.Gate.Checkpoint(ctx); err != nil {
		return err
	}

	var payload []byte
	err := c.roundTrip(ctx, req.Address, ChunkRequest(req.RemotePath, index), func(r io.Reader) error {
		header, err := readChunkHeader(r)
		if err != nil {
			return err
		}
		want := meta.ChunkLength(index)
		if header.index != index || int64(header.length) != want {
			return fmt.Errorf("%w: chunk header index=%d length=%d, want index=%d length=%d", ErrProtocol, header.index, header.length, index, want)
		}

		if err := req.Gate.Checkpoint(ctx); err != nil {
			return err
		}
		payload = make([]byte, header.length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return fmt.Errorf("read chunk payload: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if actual := checksumHex(payload); actual != meta.ChunkHashes[index] {
		return fmt.Errorf("%w: chunk %d", ErrChunkHashMismatch, index)
	}
	if c.opts.verifiedChunk != nil {
		c.opts.verifiedChunk(index)
	}

	if err := req.Gate.Checkpoint(ctx); err != nil {
		return err
	}
	if _, err := part.WriteAt(payload, int64(index)*int64(meta.ChunkSize)); err != nil {
		return fmt.Errorf("write chunk %d: %w", index, err)
	}
	return nil
}

// roundTrip dials address, sends one request string and hands the reply stream
// to read. Every read is bounded by the client timeout.
func (c *Client) roundTrip(ctx context.Context, address, request string, read func(io.Reader) error) error {
	dialer := net.Dialer{Timeout: c.opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("dial %q: %w", address, err)
	}
	defer func() {
		_ = conn.Close()
	}()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	w := bufio.NewWriter(conn)
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.Timeout))
	if err := writeString(w, request); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	reader := &deadlineReader{conn: conn, timeout: c.opts.Timeout, r: bufio.NewReaderSize(conn, 64*1024)}
	if err := read(reader); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// deadlineReader re-arms the read deadline before every read, so a slow but
// live peer is not cut off mid-chunk.
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
	r       io.Reader
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	_ = d.conn.SetReadDeadline(time.Now().Add(d.timeout))
	return d.r.Read(p)
}

func report(progress func(completed, total int), completed, total int) {
	if progress != nil {
		progress(completed, total)
	}
}
