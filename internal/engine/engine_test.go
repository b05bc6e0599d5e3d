package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/avdeyev/shopvault/internal/catalog"
	"github.com/avdeyev/shopvault/internal/config"
	"github.com/avdeyev/shopvault/internal/dump"
	"github.com/avdeyev/shopvault/internal/schema"
)

type testEnv struct {
	cfg   *config.Config
	repo  *catalog.Repository
	store *gorm.DB
	orch  *Orchestrator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()

	cfg := config.Default()
	cfg.BackupDir = filepath.Join(root, "backups")
	cfg.TempDir = filepath.Join(root, "tmp")
	cfg.MediaRoot = filepath.Join(root, "media")
	cfg.Catalog = config.CatalogConfig{Driver: "sqlite", DSN: filepath.Join(root, "catalog.db")}
	cfg.Store = config.StoreConfig{Engine: "sqlite", DSN: filepath.Join(root, "store.db")}
	require.NoError(t, os.MkdirAll(cfg.TempDir, 0755))

	db, err := catalog.Open(cfg.Catalog)
	require.NoError(t, err)
	repo := catalog.NewRepository(db)
	require.NoError(t, repo.Migrate())

	store, err := dump.OpenStore(cfg.Store)
	require.NoError(t, err)
	for _, ddl := range []string{
		`CREATE TABLE catalog_category (id INTEGER PRIMARY KEY, name TEXT)`,
		`CREATE TABLE catalog_product (
			id INTEGER PRIMARY KEY,
			category_id INTEGER REFERENCES catalog_category(id),
			name TEXT,
			price_cents INTEGER
		)`,
	} {
		require.NoError(t, store.Exec(ddl).Error)
	}

	registry, err := schema.NewRegistry(
		schema.Descriptor{App: "catalog", Table: "category"},
		schema.Descriptor{App: "catalog", Table: "product", References: []string{"catalog.category"}},
	)
	require.NoError(t, err)

	return &testEnv{
		cfg:   cfg,
		repo:  repo,
		store: store,
		orch:  NewOrchestrator(cfg, repo, registry, store, zerolog.Nop()),
	}
}

func (e *testEnv) seedStore(t *testing.T) {
	t.Helper()
	require.NoError(t, e.store.Exec(
		`INSERT INTO catalog_category (id, name) VALUES (1, 'shoes'), (2, 'hats')`).Error)
	require.NoError(t, e.store.Exec(
		`INSERT INTO catalog_product (id, category_id, name, price_cents) VALUES
		 (1, 1, 'runner', 8999), (2, 1, 'loafer', 12999), (3, 2, 'beanie', 1999)`).Error)
}

func (e *testEnv) seedMedia(t *testing.T) {
	t.Helper()
	path := filepath.Join(e.cfg.MediaRoot, "products", "runner.jpg")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("jpeg bytes"), 0644))
}

func (e *testEnv) runBackup(t *testing.T, compress bool) *catalog.BackupJob {
	t.Helper()
	job := &catalog.BackupJob{
		Name:          "nightly",
		Kind:          catalog.KindFull,
		IncludeMedia:  true,
		Compress:      compress,
		PreserveOrder: true,
	}
	require.NoError(t, e.repo.CreateBackupJob(job))
	require.NoError(t, e.orch.RunBackup(context.Background(), job))
	return job
}

func TestRunBackup(t *testing.T) {
	env := newTestEnv(t)
	env.seedStore(t)
	env.seedMedia(t)

	job := env.runBackup(t, true)

	assert.Equal(t, catalog.StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, 2, job.TableCount)
	assert.Equal(t, 5, job.RecordCount)
	assert.Equal(t, 1, job.FileCount)
	assert.FileExists(t, job.ArtifactPath)
	assert.Positive(t, job.CompressedSize)

	order, err := job.TableOrderList()
	require.NoError(t, err)
	assert.Equal(t, []string{"catalog.category", "catalog.product"}, order)

	// Two fixtures, one media file and the metadata manifest.
	entries, err := env.repo.FileEntries(job.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	// Working directory is cleaned up after compression.
	leftovers, err := os.ReadDir(env.cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestRunBackup_Uncompressed(t *testing.T) {
	env := newTestEnv(t)
	env.seedStore(t)

	job := env.runBackup(t, false)

	info, err := os.Stat(job.ArtifactPath)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.FileExists(t, filepath.Join(job.ArtifactPath, "database", "catalog_product.json"))
	assert.FileExists(t, filepath.Join(job.ArtifactPath, MetadataFileName))
}

func TestRunBackupAndRestoreRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.seedStore(t)
	env.seedMedia(t)
	job := env.runBackup(t, true)

	// Simulate data loss and local edits after the backup was taken.
	require.NoError(t, env.store.Exec(`DELETE FROM catalog_product`).Error)
	require.NoError(t, env.store.Exec(
		`INSERT INTO catalog_product (id, category_id, name, price_cents) VALUES (99, 2, 'fedora', 4999)`).Error)
	require.NoError(t, os.RemoveAll(env.cfg.MediaRoot))

	rj, err := catalog.NewRestoreJob(job.ID, catalog.ModeFullReplace, true, true, false, nil, nil)
	require.NoError(t, err)
	require.NoError(t, env.repo.CreateRestoreJob(rj))

	err = env.orch.RunRestore(context.Background(), rj, RestoreOptions{Verify: true, SkipPreBackup: true})
	require.NoError(t, err)

	assert.Equal(t, catalog.StatusCompleted, rj.Status)
	assert.Equal(t, 100, rj.Progress)
	assert.Equal(t, 5, rj.RestoredRecords)
	assert.Equal(t, 1, rj.RestoredFiles)

	var count int64
	require.NoError(t, env.store.Table("catalog_product").Count(&count).Error)
	assert.EqualValues(t, 3, count, "full replace drops rows created after the backup")

	var name string
	require.NoError(t, env.store.Raw(
		`SELECT name FROM catalog_product WHERE id = 2`).Scan(&name).Error)
	assert.Equal(t, "loafer", name)

	assert.FileExists(t, filepath.Join(env.cfg.MediaRoot, "products", "runner.jpg"))
}

func TestRunRestore_SafetySnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.seedStore(t)
	job := env.runBackup(t, true)

	rj, err := catalog.NewRestoreJob(job.ID, catalog.ModeFullReplace, true, false, false, nil, nil)
	require.NoError(t, err)
	require.NoError(t, env.repo.CreateRestoreJob(rj))

	require.NoError(t, env.orch.RunRestore(context.Background(), rj, RestoreOptions{}))

	require.NotNil(t, rj.PreBackupID)
	snapshot, err := env.repo.FindBackupJob(*rj.PreBackupID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusCompleted, snapshot.Status)
	assert.FileExists(t, snapshot.ArtifactPath)
}

func TestRunRestore_SelectiveInclude(t *testing.T) {
	env := newTestEnv(t)
	env.seedStore(t)
	job := env.runBackup(t, true)

	// Mutate both tables, then restore only products.
	require.NoError(t, env.store.Exec(`UPDATE catalog_product SET name = 'renamed' WHERE id = 2`).Error)
	require.NoError(t, env.store.Exec(`UPDATE catalog_category SET name = 'renamed' WHERE id = 1`).Error)

	rj, err := catalog.NewRestoreJob(job.ID, catalog.ModeSelective, true, false, false,
		[]string{"catalog.product"}, nil)
	require.NoError(t, err)
	require.NoError(t, env.repo.CreateRestoreJob(rj))

	require.NoError(t, env.orch.RunRestore(context.Background(), rj, RestoreOptions{SkipPreBackup: true}))

	var name string
	require.NoError(t, env.store.Raw(
		`SELECT name FROM catalog_product WHERE id = 2`).Scan(&name).Error)
	assert.Equal(t, "loafer", name, "included table is restored")

	require.NoError(t, env.store.Raw(
		`SELECT name FROM catalog_category WHERE id = 1`).Scan(&name).Error)
	assert.Equal(t, "renamed", name, "excluded table keeps local edits")

	// Tables passed over by the include list are counted on their own,
	// not mixed into the media file counters.
	assert.Equal(t, 1, rj.SkippedTables)
	assert.Zero(t, rj.SkippedFiles)
}

func TestRunRestore_NativeLoadRequiresNativeTooling(t *testing.T) {
	env := newTestEnv(t)
	env.seedStore(t)
	job := env.runBackup(t, true)

	rj, err := catalog.NewRestoreJob(job.ID, catalog.ModeFullReplace, true, false, false, nil, nil)
	require.NoError(t, err)
	require.NoError(t, env.repo.CreateRestoreJob(rj))

	err = env.orch.RunRestore(context.Background(), rj,
		RestoreOptions{SkipPreBackup: true, NativeLoad: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no native restore tool")
	assert.Equal(t, catalog.StatusFailed, rj.Status)
}

func TestRunRestore_FailedSourceRejected(t *testing.T) {
	env := newTestEnv(t)

	job := &catalog.BackupJob{Name: "broken", Kind: catalog.KindFull, Status: catalog.StatusFailed}
	require.NoError(t, env.repo.CreateBackupJob(job))
	job.Status = catalog.StatusFailed
	require.NoError(t, env.repo.SaveBackupJob(job))

	rj, err := catalog.NewRestoreJob(job.ID, catalog.ModeFullReplace, true, false, false, nil, nil)
	require.NoError(t, err)
	require.NoError(t, env.repo.CreateRestoreJob(rj))

	err = env.orch.RunRestore(context.Background(), rj, RestoreOptions{SkipPreBackup: true})
	require.Error(t, err)
	assert.Equal(t, catalog.StatusFailed, rj.Status)
}

func TestVerifyBackup(t *testing.T) {
	env := newTestEnv(t)
	env.seedStore(t)
	job := env.runBackup(t, false)

	result, err := env.orch.VerifyBackup(job)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Zero(t, result.Failed)

	// Flip one byte in a fixture and verify again.
	fixture := filepath.Join(job.ArtifactPath, "database", "catalog_product.json")
	data, err := os.ReadFile(fixture)
	require.NoError(t, err)
	data[0] ^= 0xFF
	require.NoError(t, os.WriteFile(fixture, data, 0644))

	result, err = env.orch.VerifyBackup(job)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Failed)
	assert.Contains(t, result.FailedFiles, "database/catalog_product.json")

	entries, err := env.repo.FileEntries(job.ID)
	require.NoError(t, err)
	for _, entry := range entries {
		if entry.RelativePath == "database/catalog_product.json" {
			assert.False(t, entry.Verified)
		}
	}
}

func TestCleanupOldBackups(t *testing.T) {
	env := newTestEnv(t)
	env.seedStore(t)
	job := env.runBackup(t, true)

	// Age the job past the retention window.
	require.NoError(t, env.repo.DB().Model(&catalog.BackupJob{}).
		Where("id = ?", job.ID).
		Update("created_at", time.Now().UTC().AddDate(0, 0, -60)).Error)

	result, err := env.orch.CleanupOldBackups(context.Background(), 30, true)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Examined)
	assert.Zero(t, result.Removed, "dry run deletes nothing")
	assert.FileExists(t, job.ArtifactPath)

	result, err = env.orch.CleanupOldBackups(context.Background(), 30, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Removed)
	assert.NoFileExists(t, job.ArtifactPath)

	_, err = env.repo.FindBackupJob(job.ID)
	require.Error(t, err)
}
