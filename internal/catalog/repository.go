package catalog

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/avdeyev/shopvault/internal/config"
)

// Open connects to the catalog database per configuration.
func Open(cfg config.CatalogConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	switch cfg.Driver {
	case "sqlite", "":
		db, err := gorm.Open(sqlite.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite catalog: %w", err)
		}
		return db, nil
	case "mysql":
		db, err := gorm.Open(mysql.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open mysql catalog: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported catalog driver: %s", cfg.Driver)
	}
}

// Repository wraps all catalog access.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// DB exposes the underlying connection for migrations and tests.
func (r *Repository) DB() *gorm.DB { return r.db }

// Migrate creates or updates the catalog tables.
func (r *Repository) Migrate() error {
	return r.db.AutoMigrate(
		&BackupJob{},
		&BackupFileEntry{},
		&BackupLogEntry{},
		&RestoreJob{},
		&ScheduleDefinition{},
	)
}

// --- backup jobs ---

func (r *Repository) CreateBackupJob(job *BackupJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	return r.db.Omit("Files", "Logs").Create(job).Error
}

func (r *Repository) SaveBackupJob(job *BackupJob) error {
	return r.db.Omit("Files", "Logs").Save(job).Error
}

func (r *Repository) FindBackupJob(id uuid.UUID) (*BackupJob, error) {
	var job BackupJob
	if err := r.db.Preload("Files").Where("id = ?", id).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *Repository) ListBackupJobs(limit, offset int) ([]BackupJob, error) {
	var jobs []BackupJob
	q := r.db.Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// FindStuckBackupJobs returns in-progress jobs started before the cutoff.
// Jobs still pending are never considered stuck.
func (r *Repository) FindStuckBackupJobs(cutoff time.Time) ([]BackupJob, error) {
	var jobs []BackupJob
	err := r.db.
		Where("status = ? AND started_at IS NOT NULL AND started_at < ?", StatusInProgress, cutoff).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// FindExpiredBackupJobs returns terminal jobs created before the cutoff,
// candidates for retention cleanup.
func (r *Repository) FindExpiredBackupJobs(cutoff time.Time) ([]BackupJob, error) {
	var jobs []BackupJob
	err := r.db.
		Where("status IN ? AND created_at < ?",
			[]JobStatus{StatusCompleted, StatusFailed, StatusCancelled}, cutoff).
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// FindBackupJobsByName returns completed jobs with the given name prefix,
// newest first. Used by schedule retention.
func (r *Repository) FindBackupJobsByName(prefix string) ([]BackupJob, error) {
	var jobs []BackupJob
	err := r.db.
		Where("status = ? AND name LIKE ?", StatusCompleted, prefix+"%").
		Order("created_at DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// DeleteBackupJob removes the job and its owned file entries and log trail.
// FindBackupJobByArtifact resolves a job from its artifact path.
func (r *Repository) FindBackupJobByArtifact(path string) (*BackupJob, error) {
	var job BackupJob
	if err := r.db.Preload("Files").Where("artifact_path = ?", path).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *Repository) DeleteBackupJob(id uuid.UUID) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("backup_job_id = ?", id).Delete(&BackupFileEntry{}).Error; err != nil {
			return err
		}
		if err := tx.Where("backup_job_id = ?", id).Delete(&BackupLogEntry{}).Error; err != nil {
			return err
		}
		return tx.Delete(&BackupJob{}, "id = ?", id).Error
	})
}

func (r *Repository) AddFileEntry(entry *BackupFileEntry) error {
	return r.db.Create(entry).Error
}

func (r *Repository) FileEntries(jobID uuid.UUID) ([]BackupFileEntry, error) {
	var entries []BackupFileEntry
	if err := r.db.Where("backup_job_id = ?", jobID).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *Repository) SaveFileEntry(entry *BackupFileEntry) error {
	return r.db.Save(entry).Error
}

// AppendLog writes one append-only entry on the job's trail.
func (r *Repository) AppendLog(jobID uuid.UUID, level, operation, message, exception string) error {
	entry := BackupLogEntry{
		BackupJobID: jobID,
		Level:       level,
		Operation:   operation,
		Message:     message,
		Exception:   exception,
	}
	return r.db.Create(&entry).Error
}

func (r *Repository) LogEntries(jobID uuid.UUID) ([]BackupLogEntry, error) {
	var entries []BackupLogEntry
	err := r.db.
		Where("backup_job_id = ?", jobID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// --- restore jobs ---

func (r *Repository) CreateRestoreJob(job *RestoreJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	return r.db.Omit("Backup").Create(job).Error
}

func (r *Repository) SaveRestoreJob(job *RestoreJob) error {
	return r.db.Omit("Backup").Save(job).Error
}

func (r *Repository) FindRestoreJob(id uuid.UUID) (*RestoreJob, error) {
	var job RestoreJob
	if err := r.db.Preload("Backup").Where("id = ?", id).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *Repository) ListRestoreJobs(limit, offset int) ([]RestoreJob, error) {
	var jobs []RestoreJob
	q := r.db.Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *Repository) FindStuckRestoreJobs(cutoff time.Time) ([]RestoreJob, error) {
	var jobs []RestoreJob
	err := r.db.
		Where("status = ? AND started_at IS NOT NULL AND started_at < ?", StatusInProgress, cutoff).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// --- schedules ---

func (r *Repository) SaveSchedule(s *ScheduleDefinition) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
		return r.db.Create(s).Error
	}
	return r.db.Save(s).Error
}

func (r *Repository) ListEnabledSchedules() ([]ScheduleDefinition, error) {
	var schedules []ScheduleDefinition
	if err := r.db.Where("enabled = ?", true).Find(&schedules).Error; err != nil {
		return nil, err
	}
	return schedules, nil
}
