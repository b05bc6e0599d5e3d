package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"

	"github.com/avdeyev/shopvault/internal/catalog"
)

// MetadataFileName is written at the backup root of every artifact.
const MetadataFileName = "backup_metadata.json"

// Metadata is the self-describing manifest stored with each backup.
type Metadata struct {
	JobID        string       `json:"job_id"`
	Name         string       `json:"name"`
	Kind         string       `json:"kind"`
	CreatedAt    string       `json:"created_at"`
	Engine       string       `json:"engine"`
	IncludeMedia bool         `json:"include_media"`
	Compressed   bool         `json:"compressed"`
	TableOrder   []string     `json:"table_order"`
	DatabaseInfo DatabaseInfo `json:"database_info"`
	MediaInfo    MediaInfo    `json:"media_info"`
}

type DatabaseInfo struct {
	TableCount  int   `json:"table_count"`
	RecordCount int   `json:"record_count"`
	TotalBytes  int64 `json:"total_bytes"`
}

type MediaInfo struct {
	FileCount  int   `json:"file_count"`
	TotalBytes int64 `json:"total_bytes"`
}

// WriteMetadata writes the manifest into dir.
func WriteMetadata(dir, engine string, job *catalog.BackupJob, dbInfo DatabaseInfo, mediaInfo MediaInfo) error {
	order, err := job.TableOrderList()
	if err != nil {
		return err
	}

	meta := Metadata{
		JobID:        job.ID.String(),
		Name:         job.Name,
		Kind:         string(job.Kind),
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		Engine:       engine,
		IncludeMedia: job.IncludeMedia,
		Compressed:   job.Compress,
		TableOrder:   order,
		DatabaseInfo: dbInfo,
		MediaInfo:    mediaInfo,
	}

	data, err := sonic.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, MetadataFileName), data, 0644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// ReadMetadata loads the manifest from a backup root.
func ReadMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFileName))
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta Metadata
	if err := sonic.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &meta, nil
}
