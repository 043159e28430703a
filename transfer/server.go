package transfer

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"lanshare/models"
	"lanshare/share"
)

// ServerOptions configures the transfer server.
type ServerOptions struct {
	ListenAddress string
	ChunkSize     int
	PoolSize      int64
	Timeout       time.Duration
	Folder        *share.Folder

	// mutateChunk lets tests corrupt payload bytes after hashing.
	mutateChunk func(index int, data []byte) []byte
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.ListenAddress == "" {
		out.ListenAddress = ":0"
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.PoolSize <= 0 {
		out.PoolSize = DefaultPoolSize
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	return out
}

// Server serves metadata and chunks of files inside the current share folder.
type Server struct {
	opts     ServerOptions
	listener net.Listener
	folder   atomic.Pointer[share.Folder]
	pool     *semaphore.Weighted
	log      *logrus.Entry

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds the transfer listener and starts the accept loop.
func Listen(options ServerOptions) (*Server, error) {
	opts := options.withDefaults()

	listener, err := net.Listen("tcp", opts.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", opts.ListenAddress, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		opts:     opts,
		listener: listener,
		pool:     semaphore.NewWeighted(opts.PoolSize),
		log:      logrus.WithFields(logrus.Fields{"component": "transfer", "role": "server"}),
		ctx:      ctx,
		cancel:   cancel,
	}
	server.folder.Store(opts.Folder)

	server.wg.Add(1)
	go server.acceptLoop()

	server.log.WithFields(logrus.Fields{
		"addr":       listener.Addr().String(),
		"chunk_size": opts.ChunkSize,
		"share_root": opts.Folder.Root(),
	}).Info("transfer server listening")
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// SetFolder swaps the served folder. Nil disables serving. In-flight requests
// keep the folder they started with.
func (s *Server) SetFolder(folder *share.Folder) {
	s.folder.Store(folder)
	s.log.WithField("share_root", folder.Root()).Info("share folder changed")
}

// SetShareRoot opens root as the served folder. An empty root disables serving.
func (s *Server) SetShareRoot(root string) error {
	if root == "" {
		s.SetFolder(nil)
		return nil
	}
	folder, err := share.NewFolder(root)
	if err != nil {
		return err
	}
	s.SetFolder(folder)
	return nil
}

// Folder returns the folder currently served.
func (s *Server) Folder() *share.Folder {
	return s.folder.Load()
}

// Close stops accepting and waits for in-flight connections.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.cancel()
		closeErr = s.listener.Close()
		s.wg.Wait()
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		if err := s.pool.Acquire(s.ctx, 1); err != nil {
			return
		}

		conn, err := s.listener.Accept()
		if err != nil {
			s.pool.Release(1)
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("accept transfer connection")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.pool.Release(1)
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()
	stop := context.AfterFunc(s.ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	log := s.log.WithField("remote", conn.RemoteAddr().String())
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.Timeout))

	raw, err := readString(conn)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			log.WithError(err).Debug("read transfer request")
		}
		return
	}

	sess := &session{conn: conn, w: bufio.NewWriterSize(conn, 64*1024), timeout: s.opts.Timeout, log: log}
	if err := s.dispatch(sess, raw); err != nil {
		log.WithError(err).Debug("transfer request failed")
	}
}

// session is one accepted transfer connection.
type session struct {
	conn    net.Conn
	w       *bufio.Writer
	timeout time.Duration
	log     *logrus.Entry
}

// writer arms the write deadline and returns the buffered writer.
func (s *session) writer() *bufio.Writer {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	return s.w
}

func (s *session) fail(reason string) error {
	return writeError(s.writer(), reason)
}

func (s *Server) dispatch(sess *session, raw string) error {
	req, ok := parseRequest(raw)
	if !ok {
		return sess.fail(ReasonInvalidCommand)
	}

	folder := s.folder.Load()
	if folder == nil {
		return sess.fail(ReasonNoShareFolder)
	}

	switch req.command {
	case CmdMetaRequest:
		return s.serveMetadata(sess, folder, req)
	case CmdGetChunk:
		return s.serveChunk(sess, folder, req)
	default:
		return sess.fail(ReasonInvalidCommand)
	}
}

func (s *Server) serveMetadata(sess *session, folder *share.Folder, req request) error {
	name, ok := req.param(0)
	if !ok {
		return sess.fail(ReasonMissingParameters)
	}
	path, err := folder.Resolve(name)
	if err != nil {
		sess.log.WithError(err).WithField("file", name).Debug("metadata request rejected")
		return sess.fail(ReasonFileNotFound)
	}

	meta, err := computeMetadata(path, name, s.opts.ChunkSize)
	if err != nil {
		sess.log.WithError(err).WithField("file", name).Warn("compute metadata")
		return sess.fail(ReasonFileNotFound)
	}

	if err := writeMetadata(sess.writer(), meta); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	sess.log.WithFields(logrus.Fields{"file": name, "chunks": meta.ChunkCount}).Debug("sent metadata")
	return nil
}

func (s *Server) serveChunk(sess *session, folder *share.Folder, req request) error {
	name, okName := req.param(0)
	indexText, okIndex := req.param(1)
	if !okName || !okIndex {
		return sess.fail(ReasonMissingParameters)
	}
	index, err := strconv.Atoi(indexText)
	if err != nil {
		return sess.fail(ReasonInvalidChunkIndex)
	}

	path, err := folder.Resolve(name)
	if err != nil {
		return sess.fail(ReasonFileNotFound)
	}
	file, err := os.Open(path)
	if err != nil {
		return sess.fail(ReasonFileNotFound)
	}
	defer func() {
		_ = file.Close()
	}()

	info, err := file.Stat()
	if err != nil {
		return sess.fail(ReasonFileNotFound)
	}
	offset := int64(index) * int64(s.opts.ChunkSize)
	if index < 0 || offset >= info.Size() {
		return sess.fail(ReasonChunkOutOfRange)
	}

	data, err := readFileChunk(file, offset, s.opts.ChunkSize)
	if err != nil {
		sess.log.WithError(err).WithField("file", name).Warn("read chunk")
		return sess.fail(ReasonFileNotFound)
	}
	digest := checksumHex(data)
	if s.opts.mutateChunk != nil {
		data = s.opts.mutateChunk(index, data)
	}

	if err := writeChunk(sess.writer(), index, data, digest); err != nil {
		return fmt.Errorf("write chunk %d: %w", index, err)
	}
	return nil
}

// computeMetadata hashes the whole file and every chunk in one pass.
func computeMetadata(path, name string, chunkSize int) (models.FileMetadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return models.FileMetadata{}, err
	}
	defer func() {
		_ = file.Close()
	}()

	info, err := file.Stat()
	if err != nil {
		return models.FileMetadata{}, err
	}

	count := chunkCount(info.Size(), chunkSize)
	meta := models.FileMetadata{
		Name:        filepath.ToSlash(name),
		TotalSize:   info.Size(),
		ChunkSize:   chunkSize,
		ChunkCount:  count,
		ChunkHashes: make([]string, 0, count),
	}

	whole := sha256.New()
	for i := 0; i < count; i++ {
		data, err := readFileChunk(file, int64(i)*int64(chunkSize), chunkSize)
		if err != nil {
			return models.FileMetadata{}, err
		}
		meta.ChunkHashes = append(meta.ChunkHashes, checksumHex(data))
		_, _ = whole.Write(data)
	}
	meta.FileHash = hexSum(whole)
	return meta, nil
}

func hexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
