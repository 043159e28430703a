package transfer

import (
	"bufio"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"lanshare/models"
)

const (
	partSuffix   = ".part"
	bitmapSuffix = ".bitmap"
	metaSuffix   = ".meta"
)

// Bitmap records completed chunk indices. Bit i lives in byte i/8 at position
// i%8, least significant bit first.
type Bitmap struct {
	count int
	bits  []byte
}

// NewBitmap returns an empty bitmap for count chunks.
func NewBitmap(count int) *Bitmap {
	return &Bitmap{count: count, bits: make([]byte, (count+7)/8)}
}

// Set marks index complete. Out-of-range indices are ignored.
func (b *Bitmap) Set(index int) {
	if index < 0 || index >= b.count {
		return
	}
	b.bits[index/8] |= 1 << (index % 8)
}

// IsSet reports whether index is complete.
func (b *Bitmap) IsSet(index int) bool {
	if index < 0 || index >= b.count {
		return false
	}
	return b.bits[index/8]&(1<<(index%8)) != 0
}

// Cardinality returns the number of completed chunks.
func (b *Bitmap) Cardinality() int {
	total := 0
	for _, v := range b.bits {
		total += bits.OnesCount8(v)
	}
	return total
}

// Len returns the chunk count.
func (b *Bitmap) Len() int {
	return b.count
}

// resumeState names the side files of one destination path.
type resumeState struct {
	dest       string
	partPath   string
	bitmapPath string
	metaPath   string
}

func newResumeState(dest string) resumeState {
	return resumeState{
		dest:       dest,
		partPath:   dest + partSuffix,
		bitmapPath: dest + bitmapSuffix,
		metaPath:   dest + metaSuffix,
	}
}

// clear removes the placeholder, bitmap and metadata snapshot.
func (r resumeState) clear() error {
	var errs []error
	for _, path := range []string{r.partPath, r.bitmapPath, r.metaPath} {
		if err := removeIfExists(path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// clearSideFiles removes the bitmap and metadata snapshot only.
func (r resumeState) clearSideFiles() error {
	return errors.Join(removeIfExists(r.bitmapPath), removeIfExists(r.metaPath))
}

// matches reports whether a saved snapshot exists and equals meta in every field.
func (r resumeState) matches(meta models.FileMetadata) bool {
	saved, err := r.loadMeta()
	if err != nil {
		return false
	}
	return saved.Name == meta.Name &&
		saved.TotalSize == meta.TotalSize &&
		saved.ChunkSize == meta.ChunkSize &&
		saved.ChunkCount == meta.ChunkCount &&
		saved.FileHash == meta.FileHash
}

func (r resumeState) saveMeta(meta models.FileMetadata) error {
	var b strings.Builder
	b.WriteString("# lanshare download metadata\n")
	fmt.Fprintf(&b, "fileName=%s\n", meta.Name)
	fmt.Fprintf(&b, "fileSize=%d\n", meta.TotalSize)
	fmt.Fprintf(&b, "chunkSize=%d\n", meta.ChunkSize)
	fmt.Fprintf(&b, "totalChunks=%d\n", meta.ChunkCount)
	fmt.Fprintf(&b, "fileSha256=%s\n", meta.FileHash)
	return writeFileAtomic(r.metaPath, []byte(b.String()))
}

func (r resumeState) loadMeta() (models.FileMetadata, error) {
	file, err := os.Open(r.metaPath)
	if err != nil {
		return models.FileMetadata{}, err
	}
	defer func() {
		_ = file.Close()
	}()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(key)] = value
	}
	if err := scanner.Err(); err != nil {
		return models.FileMetadata{}, err
	}

	meta := models.FileMetadata{Name: values["fileName"], FileHash: values["fileSha256"]}
	if meta.TotalSize, err = strconv.ParseInt(values["fileSize"], 10, 64); err != nil {
		return models.FileMetadata{}, fmt.Errorf("parse fileSize: %w", err)
	}
	if meta.ChunkSize, err = strconv.Atoi(values["chunkSize"]); err != nil {
		return models.FileMetadata{}, fmt.Errorf("parse chunkSize: %w", err)
	}
	if meta.ChunkCount, err = strconv.Atoi(values["totalChunks"]); err != nil {
		return models.FileMetadata{}, fmt.Errorf("parse totalChunks: %w", err)
	}
	return meta, nil
}

// ensurePart creates the placeholder pre-sized to size. A placeholder of a
// different size is recreated and reported via reset.
func (r resumeState) ensurePart(size int64) (reset bool, err error) {
	info, err := os.Stat(r.partPath)
	switch {
	case err == nil && info.Size() == size:
		return false, nil
	case err == nil:
		reset = true
		if err := os.Remove(r.partPath); err != nil {
			return false, fmt.Errorf("remove stale placeholder: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return false, fmt.Errorf("stat placeholder: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(r.partPath), 0o755); err != nil {
		return reset, fmt.Errorf("create download directory: %w", err)
	}
	file, err := os.OpenFile(r.partPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return reset, fmt.Errorf("create placeholder: %w", err)
	}
	_ = file.Close()
	if err := os.Truncate(r.partPath, size); err != nil {
		return reset, fmt.Errorf("size placeholder: %w", err)
	}
	return reset, nil
}

// loadBitmap reads the persisted bitmap. Missing files yield an empty bitmap and
// bits beyond count are ignored.
func (r resumeState) loadBitmap(count int) (*Bitmap, error) {
	bitmap := NewBitmap(count)
	data, err := os.ReadFile(r.bitmapPath)
	if errors.Is(err, os.ErrNotExist) {
		return bitmap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read bitmap: %w", err)
	}
	for i := 0; i < count && i/8 < len(data); i++ {
		if data[i/8]&(1<<(i%8)) != 0 {
			bitmap.Set(i)
		}
	}
	return bitmap, nil
}

func (r resumeState) saveBitmap(bitmap *Bitmap) error {
	return writeFileAtomic(r.bitmapPath, bitmap.bits)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
