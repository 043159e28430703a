package models

import "time"

// DownloadRecord is one completed download kept in local history.
type DownloadRecord struct {
	ID          int64     `json:"id"`
	FileName    string    `json:"file_name"`
	SavedPath   string    `json:"saved_path"`
	PeerName    string    `json:"peer_name"`
	PeerAddress string    `json:"peer_address"`
	Timestamp   time.Time `json:"timestamp"`
}
