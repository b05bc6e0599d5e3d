package dump

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/avdeyev/shopvault/internal/schema"
)

const insertBatchSize = 500

// LoadOptions controls one restore pass over the store database.
type LoadOptions struct {
	// ClearExisting clears each destination table before inserting. It is
	// off for selective and merge restores.
	ClearExisting bool
	// Include restricts the pass to these qualified names when non-empty.
	Include []string
	// Exclude skips these qualified names. Mutually exclusive with Include,
	// enforced upstream at restore creation.
	Exclude []string
}

func (o LoadOptions) selected(qualified string) bool {
	if len(o.Include) > 0 {
		for _, name := range o.Include {
			if name == qualified {
				return true
			}
		}
		return false
	}
	for _, name := range o.Exclude {
		if name == qualified {
			return false
		}
	}
	return true
}

// TableLoadStats reports one table load.
type TableLoadStats struct {
	Table    string
	Restored int
	Skipped  int
	Missing  bool
}

// LoadResult aggregates an entire restore pass.
type LoadResult struct {
	Tables          []TableLoadStats
	RestoredRecords int
	SkippedRecords  int
	SkippedTables   int
	Warnings        []string
}

// Loader repopulates store tables from fixture files.
type Loader struct {
	store *gorm.DB
	log   zerolog.Logger
}

func NewLoader(store *gorm.DB, log zerolog.Logger) *Loader {
	return &Loader{store: store, log: log}
}

// LoadAll runs one restore pass over the tables in the given (restore)
// order. The whole pass runs in a single transaction with foreign-key
// enforcement suspended once around it, re-enabled before commit. A missing
// fixture or a record that fails to apply is a warning for that unit only;
// the pass continues.
func (l *Loader) LoadAll(ctx context.Context, restoreOrder []schema.Descriptor, srcDir string, opts LoadOptions) (*LoadResult, error) {
	result := &LoadResult{}

	scope, err := ScopeFor(l.store.Dialector.Name())
	if err != nil {
		return nil, err
	}

	tx := l.store.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("begin restore transaction: %w", tx.Error)
	}
	defer tx.Rollback()

	if err := scope.Begin(tx); err != nil {
		return nil, fmt.Errorf("suspend constraints: %w", err)
	}

	for _, desc := range restoreOrder {
		if !opts.selected(desc.Qualified()) {
			result.SkippedTables++
			l.log.Debug().Str("table", desc.Qualified()).Msg("table not selected, skipping")
			continue
		}

		stats := l.loadTable(tx, desc, srcDir, opts, result)
		result.Tables = append(result.Tables, stats)
		result.RestoredRecords += stats.Restored
		result.SkippedRecords += stats.Skipped
	}

	if err := scope.End(tx); err != nil {
		return nil, fmt.Errorf("re-enable constraints: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, fmt.Errorf("commit restore transaction: %w", err)
	}
	return result, nil
}

func (l *Loader) loadTable(tx *gorm.DB, desc schema.Descriptor, srcDir string, opts LoadOptions, result *LoadResult) TableLoadStats {
	stats := TableLoadStats{Table: desc.Qualified()}

	data, err := os.ReadFile(filepath.Join(srcDir, desc.FixtureName()))
	if os.IsNotExist(err) {
		// No fixture means the table had no records at dump time.
		stats.Missing = true
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("no fixture for %s, treating as empty", desc.Qualified()))
		if opts.ClearExisting {
			if err := tx.Exec("DELETE FROM " + desc.DBTable()).Error; err != nil {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("failed to clear %s: %v", desc.Qualified(), err))
			}
		}
		return stats
	}
	if err != nil {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("failed to read fixture for %s: %v", desc.Qualified(), err))
		return stats
	}

	var records []Record
	if err := sonic.Unmarshal(data, &records); err != nil {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("corrupt fixture for %s: %v", desc.Qualified(), err))
		return stats
	}

	if opts.ClearExisting {
		if err := tx.Exec("DELETE FROM " + desc.DBTable()).Error; err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("failed to clear %s, skipping load: %v", desc.Qualified(), err))
			return stats
		}
	}

	rows := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		row := make(map[string]any, len(rec.Fields)+1)
		for col, val := range rec.Fields {
			row[col] = val
		}
		if rec.PK != nil {
			row["id"] = rec.PK
		}
		rows = append(rows, row)
	}

	for start := 0; start < len(rows); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		// Savepoints keep a failed statement from poisoning the whole
		// transaction on engines that abort on error.
		tx.SavePoint("batch_insert")
		if err := tx.Table(desc.DBTable()).Create(batch).Error; err == nil {
			stats.Restored += len(batch)
			continue
		}
		tx.RollbackTo("batch_insert")

		// Bulk insert failed: retry record by record so one bad record
		// does not sink the table.
		for _, row := range batch {
			tx.SavePoint("record_insert")
			if err := tx.Table(desc.DBTable()).Create(row).Error; err != nil {
				tx.RollbackTo("record_insert")
				stats.Skipped++
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("record skipped in %s: %v", desc.Qualified(), err))
				continue
			}
			stats.Restored++
		}
	}

	l.log.Debug().
		Str("table", desc.Qualified()).
		Int("restored", stats.Restored).
		Int("skipped", stats.Skipped).
		Msg("table loaded")
	return stats
}
