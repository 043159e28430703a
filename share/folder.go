// Package share exposes the local shared folder: listing, path resolution and keyword search.
package share

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"lanshare/models"
)

var (
	// ErrNoRoot indicates sharing is disabled.
	ErrNoRoot = errors.New("share: no share folder set")
	// ErrOutsideRoot indicates a relative path that resolves outside the share root.
	ErrOutsideRoot = errors.New("share: path escapes share root")
	// ErrNotFound indicates the path does not name a regular file inside the root.
	ErrNotFound = errors.New("share: file not found")
)

// Folder is one share root. A nil *Folder means sharing is disabled.
type Folder struct {
	root string
}

// NewFolder opens an existing directory as a share root.
func NewFolder(root string) (*Folder, error) {
	if strings.TrimSpace(root) == "" {
		return nil, ErrNoRoot
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve share root %q: %w", root, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve share root %q: %w", root, err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat share root %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("share root %q is not a directory", root)
	}

	return &Folder{root: resolved}, nil
}

// Root returns the absolute root path, or "" when sharing is disabled.
func (f *Folder) Root() string {
	if f == nil {
		return ""
	}
	return f.root
}

// List returns the regular files directly inside the root, ordered by name.
func (f *Folder) List() ([]models.SharedFile, error) {
	if f == nil {
		return nil, nil
	}

	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("read share root: %w", err)
	}

	out := make([]models.SharedFile, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, models.SharedFile{
			Name:         entry.Name(),
			RelativePath: entry.Name(),
			Size:         info.Size(),
		})
	}
	return out, nil
}

// Search matches file names case-insensitively. An empty keyword or "*" matches everything.
func (f *Folder) Search(keyword string) ([]models.SharedFile, error) {
	files, err := f.List()
	if err != nil {
		return nil, err
	}

	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" || keyword == "*" {
		return files, nil
	}

	out := make([]models.SharedFile, 0, len(files))
	for _, file := range files {
		if strings.Contains(strings.ToLower(file.Name), keyword) {
			out = append(out, file)
		}
	}
	return out, nil
}

// Resolve maps a relative path to an absolute regular-file path inside the root.
func (f *Folder) Resolve(relativePath string) (string, error) {
	if f == nil {
		return "", ErrNoRoot
	}

	relativePath = strings.TrimSpace(relativePath)
	if relativePath == "" {
		return "", ErrNotFound
	}

	cleaned := filepath.Clean(filepath.FromSlash(relativePath))
	if filepath.IsAbs(cleaned) || filepath.VolumeName(cleaned) != "" || !within(f.root, filepath.Join(f.root, cleaned)) {
		return "", ErrOutsideRoot
	}

	resolved, err := filepath.EvalSymlinks(filepath.Join(f.root, cleaned))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("resolve %q: %w", relativePath, err)
	}
	if !within(f.root, resolved) {
		return "", ErrOutsideRoot
	}

	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		return "", ErrNotFound
	}
	return resolved, nil
}

// Remove deletes a shared file by relative path.
func (f *Folder) Remove(relativePath string) error {
	path, err := f.Resolve(relativePath)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove shared file %q: %w", relativePath, err)
	}
	return nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "."
}
