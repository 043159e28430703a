package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"lanshare/models"
)

// RecordDownload appends one completed download to history.
func (s *Store) RecordDownload(record models.DownloadRecord) (int64, error) {
	if record.FileName == "" {
		return 0, errors.New("file_name is required")
	}
	if record.SavedPath == "" {
		return 0, errors.New("saved_path is required")
	}

	savedPath, err := filepath.Abs(record.SavedPath)
	if err != nil {
		return 0, fmt.Errorf("resolve saved path %q: %w", record.SavedPath, err)
	}

	res, err := s.db.Exec(
		`INSERT INTO downloads (
			file_name,
			saved_path,
			peer_name,
			peer_address,
			completed_at
		) VALUES (?, ?, ?, ?, ?)`,
		record.FileName,
		savedPath,
		record.PeerName,
		record.PeerAddress,
		toUnixMilli(record.Timestamp),
	)
	if err != nil {
		return 0, fmt.Errorf("insert download %q: %w", record.FileName, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read download id: %w", err)
	}
	return id, nil
}

// ListDownloads returns history newest first. limit <= 0 uses DefaultHistoryLimit.
func (s *Store) ListDownloads(limit int) ([]models.DownloadRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := s.db.Query(
		`SELECT id, file_name, saved_path, peer_name, peer_address, completed_at
		FROM downloads
		ORDER BY completed_at DESC, id DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query downloads: %w", err)
	}
	defer rows.Close()

	out := make([]models.DownloadRecord, 0)
	for rows.Next() {
		var (
			record      models.DownloadRecord
			completedAt int64
		)
		if err := rows.Scan(
			&record.ID,
			&record.FileName,
			&record.SavedPath,
			&record.PeerName,
			&record.PeerAddress,
			&completedAt,
		); err != nil {
			return nil, fmt.Errorf("scan download: %w", err)
		}
		record.Timestamp = time.UnixMilli(completedAt)
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate downloads: %w", err)
	}

	return out, nil
}

// DeleteDownload removes one history row.
func (s *Store) DeleteDownload(id int64) error {
	res, err := s.db.Exec(`DELETE FROM downloads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete download %d: %w", id, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for download %d: %w", id, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearDownloads removes all history rows.
func (s *Store) ClearDownloads() error {
	if _, err := s.db.Exec(`DELETE FROM downloads`); err != nil {
		return fmt.Errorf("clear downloads: %w", err)
	}
	return nil
}

// Record satisfies the download history sink.
func (s *Store) Record(record models.DownloadRecord) error {
	_, err := s.RecordDownload(record)
	return err
}
