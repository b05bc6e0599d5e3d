package catalog

import (
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// ErrInvalidRestore rejects restore configurations before a RestoreJob row
// is ever created.
var ErrInvalidRestore = errors.New("invalid restore configuration")

type BackupKind string

const (
	KindFull     BackupKind = "full"
	KindDatabase BackupKind = "database"
	KindMedia    BackupKind = "media"
)

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusInProgress JobStatus = "in_progress"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
	// StatusPartial applies to restores only: some units succeeded, some
	// did not, and the run still reached its end.
	StatusPartial JobStatus = "partial"
)

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled || s == StatusPartial
}

type RestoreMode string

const (
	ModeFullReplace RestoreMode = "full_replace"
	ModeSelective   RestoreMode = "selective"
	ModeMerge       RestoreMode = "merge"
)

type FileType string

const (
	FileTypeDatabaseDump FileType = "database_dump"
	FileTypeMediaFile    FileType = "media_file"
	FileTypeStaticFile   FileType = "static_file"
	FileTypeFixture      FileType = "fixture"
	FileTypeConfig       FileType = "config"
	FileTypeLog          FileType = "log"
)

// BackupJob tracks one backup run from creation to its terminal state.
type BackupJob struct {
	ID   uuid.UUID  `json:"id"   gorm:"column:id;type:uuid;primaryKey"`
	Name string     `json:"name" gorm:"column:name;size:255;not null"`
	Kind BackupKind `json:"kind" gorm:"column:kind;size:20;not null"`

	IncludeMedia  bool `json:"include_media"  gorm:"column:include_media"`
	Compress      bool `json:"compress"       gorm:"column:compress"`
	PreserveOrder bool `json:"preserve_order" gorm:"column:preserve_order"`

	Status           JobStatus `json:"status"            gorm:"column:status;size:20;index;not null"`
	Progress         int       `json:"progress"          gorm:"column:progress"`
	CurrentOperation string    `json:"current_operation" gorm:"column:current_operation;size:255"`

	ArtifactPath   string `json:"artifact_path"   gorm:"column:artifact_path;size:1024"`
	OriginalSize   int64  `json:"original_size"   gorm:"column:original_size"`
	CompressedSize int64  `json:"compressed_size" gorm:"column:compressed_size"`

	TableCount  int `json:"table_count"  gorm:"column:table_count"`
	RecordCount int `json:"record_count" gorm:"column:record_count"`
	FileCount   int `json:"file_count"   gorm:"column:file_count"`

	// TableOrder persists the dependency order used for this run as a JSON
	// array, so a later restore can mirror it even if the live schema has
	// changed since.
	TableOrder string `json:"-" gorm:"column:table_order;type:text"`

	StartedAt       *time.Time `json:"started_at"       gorm:"column:started_at"`
	CompletedAt     *time.Time `json:"completed_at"     gorm:"column:completed_at"`
	DurationSeconds float64    `json:"duration_seconds" gorm:"column:duration_seconds"`

	ErrorMessage string    `json:"error_message" gorm:"column:error_message;type:text"`
	CreatedAt    time.Time `json:"created_at"    gorm:"column:created_at;autoCreateTime"`

	Files []BackupFileEntry `json:"-" gorm:"foreignKey:BackupJobID;constraint:OnDelete:CASCADE"`
	Logs  []BackupLogEntry  `json:"-" gorm:"foreignKey:BackupJobID;constraint:OnDelete:CASCADE"`
}

func (BackupJob) TableName() string { return "backup_jobs" }

// SetTableOrder persists the qualified table names used for this run.
func (j *BackupJob) SetTableOrder(tables []string) error {
	data, err := sonic.Marshal(tables)
	if err != nil {
		return fmt.Errorf("marshal table order: %w", err)
	}
	j.TableOrder = string(data)
	return nil
}

// TableOrderList returns the persisted dump order.
func (j *BackupJob) TableOrderList() ([]string, error) {
	if j.TableOrder == "" {
		return nil, nil
	}
	var tables []string
	if err := sonic.Unmarshal([]byte(j.TableOrder), &tables); err != nil {
		return nil, fmt.Errorf("unmarshal table order: %w", err)
	}
	return tables, nil
}

// MarkInProgress records the start of the run.
func (j *BackupJob) MarkInProgress() {
	now := time.Now().UTC()
	j.Status = StatusInProgress
	j.StartedAt = &now
	j.Progress = 0
}

// MarkCompleted records the terminal success state. Progress is pinned to
// 100 so the completed/progress invariant holds.
func (j *BackupJob) MarkCompleted() {
	now := time.Now().UTC()
	j.Status = StatusCompleted
	j.CompletedAt = &now
	j.Progress = 100
	j.CurrentOperation = "completed"
	if j.StartedAt != nil {
		j.DurationSeconds = now.Sub(*j.StartedAt).Seconds()
	}
}

// MarkFailed records the terminal failure state with the causing message.
func (j *BackupJob) MarkFailed(message string) {
	now := time.Now().UTC()
	j.Status = StatusFailed
	j.CompletedAt = &now
	j.ErrorMessage = message
	j.CurrentOperation = "failed"
	if j.StartedAt != nil {
		j.DurationSeconds = now.Sub(*j.StartedAt).Seconds()
	}
}

// BackupFileEntry is one physical file produced by a backup job.
type BackupFileEntry struct {
	ID          uint      `json:"id"            gorm:"column:id;primaryKey"`
	BackupJobID uuid.UUID `json:"backup_job_id" gorm:"column:backup_job_id;type:uuid;index;not null"`

	FileName     string   `json:"file_name"     gorm:"column:file_name;size:512;not null"`
	SourcePath   string   `json:"source_path"   gorm:"column:source_path;size:1024"`
	RelativePath string   `json:"relative_path" gorm:"column:relative_path;size:1024"`
	FileType     FileType `json:"file_type"     gorm:"column:file_type;size:20;index"`

	Size   int64  `json:"size"   gorm:"column:size"`
	SHA256 string `json:"sha256" gorm:"column:sha256;size:64"`

	TableName_  string `json:"table_name"   gorm:"column:table_name;size:255"`
	RecordCount int    `json:"record_count" gorm:"column:record_count"`
	Verified    bool   `json:"verified"     gorm:"column:verified"`

	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

func (BackupFileEntry) TableName() string { return "backup_file_entries" }

// BackupLogEntry is an append-only audit record on a job's trail. Rows are
// never mutated after creation.
type BackupLogEntry struct {
	ID          uint      `json:"id"            gorm:"column:id;primaryKey"`
	BackupJobID uuid.UUID `json:"backup_job_id" gorm:"column:backup_job_id;type:uuid;index;not null"`

	Level     string `json:"level"     gorm:"column:level;size:10"`
	Operation string `json:"operation" gorm:"column:operation;size:255"`
	Message   string `json:"message"   gorm:"column:message;type:text"`
	Detail    string `json:"detail"    gorm:"column:detail;type:text"`
	Exception string `json:"exception" gorm:"column:exception;type:text"`

	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

func (BackupLogEntry) TableName() string { return "backup_log_entries" }

// RestoreJob tracks one restore run against a source backup.
type RestoreJob struct {
	ID          uuid.UUID  `json:"id"            gorm:"column:id;type:uuid;primaryKey"`
	BackupJobID uuid.UUID  `json:"backup_job_id" gorm:"column:backup_job_id;type:uuid;index;not null"`
	Backup      *BackupJob `json:"-"             gorm:"foreignKey:BackupJobID"`

	Mode RestoreMode `json:"mode" gorm:"column:mode;size:20;not null"`

	RestoreDatabase bool `json:"restore_database" gorm:"column:restore_database"`
	RestoreMedia    bool `json:"restore_media"    gorm:"column:restore_media"`
	RestoreStatic   bool `json:"restore_static"   gorm:"column:restore_static"`

	// IncludeTables/ExcludeTables are JSON arrays of qualified table names.
	// At most one of the two may be non-empty.
	IncludeTables string `json:"-" gorm:"column:include_tables;type:text"`
	ExcludeTables string `json:"-" gorm:"column:exclude_tables;type:text"`

	Status           JobStatus `json:"status"            gorm:"column:status;size:20;index;not null"`
	Progress         int       `json:"progress"          gorm:"column:progress"`
	CurrentOperation string    `json:"current_operation" gorm:"column:current_operation;size:255"`

	RestoredFiles   int `json:"restored_files"   gorm:"column:restored_files"`
	SkippedFiles    int `json:"skipped_files"    gorm:"column:skipped_files"`
	FailedFiles     int `json:"failed_files"     gorm:"column:failed_files"`
	RestoredRecords int `json:"restored_records" gorm:"column:restored_records"`
	SkippedTables   int `json:"skipped_tables"   gorm:"column:skipped_tables"`

	PreBackupID *uuid.UUID `json:"pre_backup_id" gorm:"column:pre_backup_id;type:uuid"`

	StartedAt       *time.Time `json:"started_at"       gorm:"column:started_at"`
	CompletedAt     *time.Time `json:"completed_at"     gorm:"column:completed_at"`
	DurationSeconds float64    `json:"duration_seconds" gorm:"column:duration_seconds"`

	ErrorMessage string    `json:"error_message" gorm:"column:error_message;type:text"`
	CreatedAt    time.Time `json:"created_at"    gorm:"column:created_at;autoCreateTime"`
}

func (RestoreJob) TableName() string { return "restore_jobs" }

// NewRestoreJob validates and builds a restore job. A restore that touches
// neither database nor media is rejected, as is giving both an include and
// an exclude table list.
func NewRestoreJob(backupID uuid.UUID, mode RestoreMode, restoreDB, restoreMedia, restoreStatic bool, include, exclude []string) (*RestoreJob, error) {
	if !restoreDB && !restoreMedia {
		return nil, fmt.Errorf("%w: nothing to restore, enable database or media", ErrInvalidRestore)
	}
	if len(include) > 0 && len(exclude) > 0 {
		return nil, fmt.Errorf("%w: include and exclude table lists are mutually exclusive", ErrInvalidRestore)
	}
	switch mode {
	case ModeFullReplace, ModeSelective, ModeMerge:
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidRestore, mode)
	}

	job := &RestoreJob{
		ID:              uuid.New(),
		BackupJobID:     backupID,
		Mode:            mode,
		RestoreDatabase: restoreDB,
		RestoreMedia:    restoreMedia,
		RestoreStatic:   restoreStatic,
		Status:          StatusPending,
	}
	if err := job.setTableList(&job.IncludeTables, include); err != nil {
		return nil, err
	}
	if err := job.setTableList(&job.ExcludeTables, exclude); err != nil {
		return nil, err
	}
	return job, nil
}

func (j *RestoreJob) setTableList(field *string, tables []string) error {
	if len(tables) == 0 {
		*field = ""
		return nil
	}
	data, err := sonic.Marshal(tables)
	if err != nil {
		return fmt.Errorf("marshal table list: %w", err)
	}
	*field = string(data)
	return nil
}

func tableList(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var tables []string
	if err := sonic.Unmarshal([]byte(raw), &tables); err != nil {
		return nil, fmt.Errorf("unmarshal table list: %w", err)
	}
	return tables, nil
}

// IncludeTableList returns the selective include list, nil when unset.
func (j *RestoreJob) IncludeTableList() ([]string, error) { return tableList(j.IncludeTables) }

// ExcludeTableList returns the exclude list, nil when unset.
func (j *RestoreJob) ExcludeTableList() ([]string, error) { return tableList(j.ExcludeTables) }

// MarkInProgress records the start of the restore.
func (j *RestoreJob) MarkInProgress() {
	now := time.Now().UTC()
	j.Status = StatusInProgress
	j.StartedAt = &now
	j.Progress = 0
}

// MarkTerminal records the final state of the run.
func (j *RestoreJob) MarkTerminal(status JobStatus, message string) {
	now := time.Now().UTC()
	j.Status = status
	j.CompletedAt = &now
	j.ErrorMessage = message
	if status == StatusCompleted {
		j.Progress = 100
		j.CurrentOperation = "completed"
	}
	if j.StartedAt != nil {
		j.DurationSeconds = now.Sub(*j.StartedAt).Seconds()
	}
}

// ScheduleDefinition is a recurring backup policy executed by the scheduler.
type ScheduleDefinition struct {
	ID   uuid.UUID `json:"id"   gorm:"column:id;type:uuid;primaryKey"`
	Name string    `json:"name" gorm:"column:name;size:255;not null"`

	CronExpr     string     `json:"cron_expr"       gorm:"column:cron_expr;size:120;not null"`
	Kind         BackupKind `json:"kind"            gorm:"column:kind;size:20;not null"`
	IncludeMedia bool       `json:"include_media"   gorm:"column:include_media"`
	Compress     bool       `json:"compress"        gorm:"column:compress"`
	// RetentionCount bounds how many completed backups of this schedule
	// are kept; older ones are pruned after each run.
	RetentionCount int  `json:"retention_count" gorm:"column:retention_count"`
	Enabled        bool `json:"enabled"         gorm:"column:enabled;index"`

	LastRunAt *time.Time `json:"last_run_at" gorm:"column:last_run_at"`
	CreatedAt time.Time  `json:"created_at"  gorm:"column:created_at;autoCreateTime"`
}

func (ScheduleDefinition) TableName() string { return "schedule_definitions" }
