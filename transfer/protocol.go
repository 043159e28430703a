// Package transfer implements the chunked file transfer protocol: a server that
// serves metadata and chunks out of the share folder, and a resumable client.
package transfer

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"lanshare/models"
)

const (
	// DefaultChunkSize is the chunk size advertised by the server.
	DefaultChunkSize = 1024 * 1024
	// DefaultPoolSize bounds concurrently served transfer connections.
	DefaultPoolSize = 32
	// DefaultTimeout bounds dialing and every socket read.
	DefaultTimeout = 8 * time.Second
	// DefaultMaxAttempts is the per-chunk attempt budget.
	DefaultMaxAttempts = 3
	// MaxChunkCount bounds the chunk count accepted from metadata.
	MaxChunkCount = 1 << 20

	// MaxStringLength is the largest string a 2-byte length prefix can carry.
	MaxStringLength = 0xFFFF

	CmdMetaRequest  = "FILE_META_REQUEST"
	CmdGetChunk     = "GET_CHUNK"
	TagMetaResponse = "FILE_META_RESPONSE"
	TagChunkData    = "CHUNK_DATA"
	TagError        = "ERROR"

	ReasonInvalidCommand    = "Invalid command"
	ReasonMissingParameters = "Missing parameters"
	ReasonFileNotFound      = "File not found"
	ReasonNoShareFolder     = "No share folder set"
	ReasonInvalidChunkIndex = "Invalid chunk index"
	ReasonChunkOutOfRange   = "Chunk index out of range"

	requestSeparator = "|"
)

var (
	// ErrProtocol indicates a frame that violates the transfer protocol.
	ErrProtocol = errors.New("transfer: protocol violation")
	// ErrRemote indicates the server answered with an ERROR frame.
	ErrRemote = errors.New("transfer: remote error")
	// ErrChunkHashMismatch indicates a chunk whose sha256 does not match metadata.
	ErrChunkHashMismatch = errors.New("transfer: chunk hash mismatch")
	// ErrFileHashMismatch indicates the assembled file does not match metadata.
	ErrFileHashMismatch = errors.New("transfer: file hash mismatch")
	// ErrCancelled is returned by a checkpoint after Cancel.
	ErrCancelled = errors.New("transfer: cancelled")
	// ErrStringTooLong indicates a string above MaxStringLength bytes.
	ErrStringTooLong = errors.New("transfer: string exceeds max length")
)

// RemoteError carries the reason of a server ERROR frame.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string {
	return "transfer: remote error: " + e.Reason
}

// Is matches ErrRemote.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// MetaRequest builds FILE_META_REQUEST|name.
func MetaRequest(name string) string {
	return CmdMetaRequest + requestSeparator + name
}

// ChunkRequest builds GET_CHUNK|name|index.
func ChunkRequest(name string, index int) string {
	return CmdGetChunk + requestSeparator + name + requestSeparator + strconv.Itoa(index)
}

// request is a parsed transfer request line.
type request struct {
	command string
	params  []string
}

func (r request) param(index int) (string, bool) {
	if index >= len(r.params) || r.params[index] == "" {
		return "", false
	}
	return r.params[index], true
}

func parseRequest(raw string) (request, bool) {
	if strings.TrimSpace(raw) == "" {
		return request{}, false
	}
	parts := strings.Split(raw, requestSeparator)
	if parts[0] == "" {
		return request{}, false
	}
	return request{command: parts[0], params: parts[1:]}, true
}

func writeString(w io.Writer, value string) error {
	if len(value) > MaxStringLength {
		return ErrStringTooLong
	}
	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(value)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, value)
	return err
}

func readString(r io.Reader) (string, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return "", err
	}
	buf := make([]byte, binary.BigEndian.Uint16(prefix[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeInt32(w io.Writer, value int32) error {
	return binary.Write(w, binary.BigEndian, value)
}

func readInt32(r io.Reader) (int32, error) {
	var value int32
	err := binary.Read(r, binary.BigEndian, &value)
	return value, err
}

func writeInt64(w io.Writer, value int64) error {
	return binary.Write(w, binary.BigEndian, value)
}

func readInt64(r io.Reader) (int64, error) {
	var value int64
	err := binary.Read(r, binary.BigEndian, &value)
	return value, err
}

func writeError(w *bufio.Writer, reason string) error {
	if err := writeString(w, TagError); err != nil {
		return err
	}
	if err := writeString(w, reason); err != nil {
		return err
	}
	return w.Flush()
}

// readTag reads a response tag and converts an ERROR frame into *RemoteError.
func readTag(r io.Reader, want string) error {
	tag, err := readString(r)
	if err != nil {
		return fmt.Errorf("read response tag: %w", err)
	}
	if tag == TagError {
		reason, err := readString(r)
		if err != nil {
			return fmt.Errorf("read error reason: %w", err)
		}
		return &RemoteError{Reason: reason}
	}
	if tag != want {
		return fmt.Errorf("%w: got tag %q, want %q", ErrProtocol, tag, want)
	}
	return nil
}

func writeMetadata(w *bufio.Writer, meta models.FileMetadata) error {
	if err := writeString(w, TagMetaResponse); err != nil {
		return err
	}
	if err := writeString(w, meta.Name); err != nil {
		return err
	}
	if err := writeInt64(w, meta.TotalSize); err != nil {
		return err
	}
	if err := writeInt32(w, int32(meta.ChunkSize)); err != nil {
		return err
	}
	if err := writeInt32(w, int32(meta.ChunkCount)); err != nil {
		return err
	}
	if err := writeString(w, meta.FileHash); err != nil {
		return err
	}
	for _, hash := range meta.ChunkHashes {
		if err := writeString(w, hash); err != nil {
			return err
		}
	}
	return w.Flush()
}

func readMetadata(r io.Reader) (models.FileMetadata, error) {
	if err := readTag(r, TagMetaResponse); err != nil {
		return models.FileMetadata{}, err
	}

	var meta models.FileMetadata
	var err error
	if meta.Name, err = readString(r); err != nil {
		return models.FileMetadata{}, fmt.Errorf("read metadata name: %w", err)
	}
	if meta.TotalSize, err = readInt64(r); err != nil {
		return models.FileMetadata{}, fmt.Errorf("read metadata size: %w", err)
	}
	chunkSize, err := readInt32(r)
	if err != nil {
		return models.FileMetadata{}, fmt.Errorf("read metadata chunk size: %w", err)
	}
	count, err := readInt32(r)
	if err != nil {
		return models.FileMetadata{}, fmt.Errorf("read metadata chunk count: %w", err)
	}
	meta.ChunkSize = int(chunkSize)
	meta.ChunkCount = int(count)

	if meta.ChunkCount > MaxChunkCount {
		return models.FileMetadata{}, fmt.Errorf("%w: %d chunks exceeds limit %d", ErrProtocol, meta.ChunkCount, MaxChunkCount)
	}
	if meta.TotalSize < 0 || meta.ChunkSize <= 0 || meta.ChunkCount != chunkCount(meta.TotalSize, meta.ChunkSize) {
		return models.FileMetadata{}, fmt.Errorf("%w: inconsistent metadata size=%d chunk_size=%d chunks=%d", ErrProtocol, meta.TotalSize, meta.ChunkSize, meta.ChunkCount)
	}

	if meta.FileHash, err = readString(r); err != nil {
		return models.FileMetadata{}, fmt.Errorf("read metadata file hash: %w", err)
	}
	meta.ChunkHashes = make([]string, meta.ChunkCount)
	for i := range meta.ChunkHashes {
		if meta.ChunkHashes[i], err = readString(r); err != nil {
			return models.FileMetadata{}, fmt.Errorf("read chunk hash %d: %w", i, err)
		}
	}
	return meta, nil
}

func writeChunk(w *bufio.Writer, index int, data []byte, hash string) error {
	if err := writeString(w, TagChunkData); err != nil {
		return err
	}
	if err := writeInt32(w, int32(index)); err != nil {
		return err
	}
	if err := writeInt32(w, int32(len(data))); err != nil {
		return err
	}
	if err := writeString(w, hash); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Flush()
}

// chunkHeader is the CHUNK_DATA frame before its payload.
type chunkHeader struct {
	index  int
	length int
	hash   string
}

func readChunkHeader(r io.Reader) (chunkHeader, error) {
	if err := readTag(r, TagChunkData); err != nil {
		return chunkHeader{}, err
	}
	index, err := readInt32(r)
	if err != nil {
		return chunkHeader{}, fmt.Errorf("read chunk index: %w", err)
	}
	length, err := readInt32(r)
	if err != nil {
		return chunkHeader{}, fmt.Errorf("read chunk length: %w", err)
	}
	hash, err := readString(r)
	if err != nil {
		return chunkHeader{}, fmt.Errorf("read chunk hash: %w", err)
	}
	return chunkHeader{index: int(index), length: int(length), hash: hash}, nil
}
