package catalog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avdeyev/shopvault/internal/config"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := Open(config.CatalogConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "catalog.db"),
	})
	require.NoError(t, err)

	repo := NewRepository(db)
	require.NoError(t, repo.Migrate())
	return repo
}

func TestRepository_BackupJobCRUD(t *testing.T) {
	repo := newTestRepository(t)

	job := &BackupJob{Name: "nightly", Kind: KindFull, IncludeMedia: true, Compress: true}
	require.NoError(t, repo.CreateBackupJob(job))
	assert.NotEqual(t, uuid.Nil, job.ID)
	assert.Equal(t, StatusPending, job.Status)

	job.MarkInProgress()
	job.Progress = 40
	job.CurrentOperation = "dumping catalog.product"
	require.NoError(t, repo.SaveBackupJob(job))

	loaded, err := repo.FindBackupJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, loaded.Status)
	assert.Equal(t, 40, loaded.Progress)
	assert.Equal(t, "dumping catalog.product", loaded.CurrentOperation)

	jobs, err := repo.ListBackupJobs(10, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestRepository_FileEntriesCascade(t *testing.T) {
	repo := newTestRepository(t)

	job := &BackupJob{Name: "nightly", Kind: KindDatabase}
	require.NoError(t, repo.CreateBackupJob(job))

	require.NoError(t, repo.AddFileEntry(&BackupFileEntry{
		BackupJobID: job.ID,
		FileName:    "catalog_product.json",
		FileType:    FileTypeFixture,
		TableName_:  "catalog.product",
		RecordCount: 42,
		Size:        1024,
		SHA256:      "abc",
	}))
	require.NoError(t, repo.AppendLog(job.ID, "info", "dump", "dumped catalog.product", ""))

	entries, err := repo.FileEntries(job.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 42, entries[0].RecordCount)

	logs, err := repo.LogEntries(job.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	// Deleting the job removes owned entries and logs.
	require.NoError(t, repo.DeleteBackupJob(job.ID))

	entries, err = repo.FileEntries(job.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)

	logs, err = repo.LogEntries(job.ID)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestRepository_FindStuckBackupJobs(t *testing.T) {
	repo := newTestRepository(t)

	stale := &BackupJob{Name: "stale", Kind: KindFull}
	require.NoError(t, repo.CreateBackupJob(stale))
	old := time.Now().UTC().Add(-90 * time.Minute)
	stale.Status = StatusInProgress
	stale.StartedAt = &old
	require.NoError(t, repo.SaveBackupJob(stale))

	fresh := &BackupJob{Name: "fresh", Kind: KindFull}
	require.NoError(t, repo.CreateBackupJob(fresh))
	fresh.MarkInProgress()
	require.NoError(t, repo.SaveBackupJob(fresh))

	pending := &BackupJob{Name: "pending", Kind: KindFull}
	require.NoError(t, repo.CreateBackupJob(pending))

	cutoff := time.Now().UTC().Add(-30 * time.Minute)
	stuck, err := repo.FindStuckBackupJobs(cutoff)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "stale", stuck[0].Name)
}

func TestRepository_RestoreJobRoundTrip(t *testing.T) {
	repo := newTestRepository(t)

	backup := &BackupJob{Name: "source", Kind: KindFull}
	require.NoError(t, repo.CreateBackupJob(backup))

	restore, err := NewRestoreJob(backup.ID, ModeSelective, true, false, false,
		[]string{"catalog.product"}, nil)
	require.NoError(t, err)
	require.NoError(t, repo.CreateRestoreJob(restore))

	loaded, err := repo.FindRestoreJob(restore.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.Backup)
	assert.Equal(t, "source", loaded.Backup.Name)

	include, err := loaded.IncludeTableList()
	require.NoError(t, err)
	assert.Equal(t, []string{"catalog.product"}, include)
}

func TestRepository_Schedules(t *testing.T) {
	repo := newTestRepository(t)

	sched := &ScheduleDefinition{
		Name:           "nightly",
		CronExpr:       "0 2 * * *",
		Kind:           KindFull,
		IncludeMedia:   true,
		Compress:       true,
		RetentionCount: 7,
		Enabled:        true,
	}
	require.NoError(t, repo.SaveSchedule(sched))

	disabled := &ScheduleDefinition{Name: "weekly", CronExpr: "0 3 * * 0", Kind: KindDatabase}
	require.NoError(t, repo.SaveSchedule(disabled))

	enabled, err := repo.ListEnabledSchedules()
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "nightly", enabled[0].Name)
}
