package dump

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/avdeyev/shopvault/internal/checksum"
	"github.com/avdeyev/shopvault/internal/schema"
)

// Record is one serialized row in a fixture: the qualified model name, the
// primary key and the remaining field map.
type Record struct {
	Model  string         `json:"model"`
	PK     any            `json:"pk"`
	Fields map[string]any `json:"fields"`
}

// TableStats reports one table dump.
type TableStats struct {
	Table       string
	RecordCount int
	ByteSize    int64
	SHA256      string
	FixturePath string
}

// Dumper serializes store tables to fixture files. It only ever reads the
// store database.
type Dumper struct {
	store *gorm.DB
	log   zerolog.Logger
}

func NewDumper(store *gorm.DB, log zerolog.Logger) *Dumper {
	return &Dumper{store: store, log: log}
}

// DumpTable writes every record of the table as a JSON fixture named
// {app}_{table}.json in destDir. A table with zero records produces no
// file: absence of a fixture means "no records", not an error.
func (d *Dumper) DumpTable(ctx context.Context, desc schema.Descriptor, destDir string) (*TableStats, error) {
	stats := &TableStats{Table: desc.Qualified()}

	var rows []map[string]any
	if err := d.store.WithContext(ctx).Table(desc.DBTable()).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read table %s: %w", desc.Qualified(), err)
	}

	if len(rows) == 0 {
		d.log.Debug().Str("table", desc.Qualified()).Msg("table empty, skipping fixture")
		return stats, nil
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec := Record{
			Model:  desc.Qualified(),
			Fields: make(map[string]any, len(row)),
		}
		for col, val := range row {
			if col == "id" {
				rec.PK = val
				continue
			}
			rec.Fields[col] = val
		}
		records = append(records, rec)
	}

	data, err := sonic.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serialize table %s: %w", desc.Qualified(), err)
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("create fixture directory: %w", err)
	}

	fixturePath := filepath.Join(destDir, desc.FixtureName())
	if err := os.WriteFile(fixturePath, data, 0644); err != nil {
		return nil, fmt.Errorf("write fixture %s: %w", desc.FixtureName(), err)
	}

	hash, size, err := checksum.FileSHA256(fixturePath)
	if err != nil {
		return nil, fmt.Errorf("hash fixture %s: %w", desc.FixtureName(), err)
	}

	stats.RecordCount = len(records)
	stats.ByteSize = size
	stats.SHA256 = hash
	stats.FixturePath = fixturePath

	d.log.Debug().
		Str("table", desc.Qualified()).
		Int("records", stats.RecordCount).
		Int64("bytes", stats.ByteSize).
		Msg("table dumped")
	return stats, nil
}
