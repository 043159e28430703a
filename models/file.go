package models

// SharedFile is one row of a shared-folder listing.
type SharedFile struct {
	Name         string `json:"name"`
	RelativePath string `json:"relative_path"`
	Size         int64  `json:"size"`
}

// FileMetadata describes a served file and the hashes of its chunks.
type FileMetadata struct {
	Name        string   `json:"name"`
	TotalSize   int64    `json:"total_size"`
	ChunkSize   int      `json:"chunk_size"`
	ChunkCount  int      `json:"chunk_count"`
	FileHash    string   `json:"file_hash"`
	ChunkHashes []string `json:"chunk_hashes"`
}

// ChunkLength returns the byte length of chunk index, or 0 when out of range.
func (m FileMetadata) ChunkLength(index int) int64 {
	if index < 0 || index >= m.ChunkCount || m.ChunkSize <= 0 {
		return 0
	}
	offset := int64(index) * int64(m.ChunkSize)
	remaining := m.TotalSize - offset
	if remaining > int64(m.ChunkSize) {
		return int64(m.ChunkSize)
	}
	return remaining
}
