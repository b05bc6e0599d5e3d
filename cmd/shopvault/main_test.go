package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/avdeyev/shopvault/internal/catalog"
	"github.com/avdeyev/shopvault/internal/config"
	"github.com/avdeyev/shopvault/internal/engine"
)

func newTestRepo(t *testing.T) *catalog.Repository {
	t.Helper()
	db, err := catalog.Open(config.CatalogConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "catalog.db"),
	})
	require.NoError(t, err)
	repo := catalog.NewRepository(db)
	require.NoError(t, repo.Migrate())
	return repo
}

// writeTestConfig lays out a sqlite-backed workspace with one store table
// and returns the config path and the catalog DSN.
func writeTestConfig(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()

	storeDSN := filepath.Join(root, "store.db")
	store, err := gorm.Open(sqlite.Open(storeDSN), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.Exec(
		`CREATE TABLE catalog_category (id INTEGER PRIMARY KEY, name TEXT)`).Error)
	require.NoError(t, store.Exec(
		`INSERT INTO catalog_category (id, name) VALUES (1, 'shoes')`).Error)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "media"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "media", "banner.jpg"), []byte("jpeg"), 0644))

	catalogDSN := filepath.Join(root, "catalog.db")
	cfgPath := filepath.Join(root, "config.yaml")
	cfg := fmt.Sprintf(`log_level: warn
lock_file: %s
backup_dir: %s
temp_dir: %s
media_root: %s
catalog:
  driver: sqlite
  dsn: %s
store:
  engine: sqlite
  dsn: %s
schema:
  - app: catalog
    table: category
`,
		filepath.Join(root, "shopvault.lock"),
		filepath.Join(root, "backups"),
		filepath.Join(root, "tmp"),
		filepath.Join(root, "media"),
		catalogDSN,
		storeDSN,
	)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0644))
	return cfgPath, catalogDSN
}

func newTestApp() *cli.App {
	return &cli.App{
		Name: "shopvault",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}},
			&cli.BoolFlag{Name: "quiet"},
		},
		Commands: []*cli.Command{
			backupCommand(),
			cleanupCommand(),
			serveCommand(),
			scheduleCommand(),
		},
	}
}

func TestBackupCreate_VerifiesByDefault(t *testing.T) {
	cfgPath, catalogDSN := writeTestConfig(t)

	err := newTestApp().Run([]string{"shopvault", "--config", cfgPath, "backup", "create", "--name", "cli_run"})
	require.NoError(t, err)

	db, err := catalog.Open(config.CatalogConfig{Driver: "sqlite", DSN: catalogDSN})
	require.NoError(t, err)
	repo := catalog.NewRepository(db)

	jobs, err := repo.ListBackupJobs(10, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, catalog.StatusCompleted, jobs[0].Status)

	// The post-run verification pass marks every recorded file.
	entries, err := repo.FileEntries(jobs[0].ID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, entry := range entries {
		assert.True(t, entry.Verified, "entry %s not verified", entry.RelativePath)
	}
}

func TestBackupCreate_NoVerifySkipsCheck(t *testing.T) {
	cfgPath, catalogDSN := writeTestConfig(t)

	err := newTestApp().Run([]string{"shopvault", "--config", cfgPath,
		"backup", "create", "--name", "cli_run", "--no-verify"})
	require.NoError(t, err)

	db, err := catalog.Open(config.CatalogConfig{Driver: "sqlite", DSN: catalogDSN})
	require.NoError(t, err)
	repo := catalog.NewRepository(db)

	jobs, err := repo.ListBackupJobs(10, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	entries, err := repo.FileEntries(jobs[0].ID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, entry := range entries {
		assert.False(t, entry.Verified)
	}
}

func TestResolveBackup_ByID(t *testing.T) {
	repo := newTestRepo(t)
	job := &catalog.BackupJob{Name: "by_id", Kind: catalog.KindFull}
	require.NoError(t, repo.CreateBackupJob(job))

	got, err := resolveBackup(repo, job.ID.String())
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}

func TestResolveBackup_TrackedArtifactPath(t *testing.T) {
	repo := newTestRepo(t)

	artifact := filepath.Join(t.TempDir(), "by_path.tar.gz")
	require.NoError(t, os.WriteFile(artifact, []byte("archive"), 0644))

	job := &catalog.BackupJob{Name: "by_path", Kind: catalog.KindFull, ArtifactPath: artifact}
	require.NoError(t, repo.CreateBackupJob(job))
	require.NoError(t, repo.SaveBackupJob(job))

	got, err := resolveBackup(repo, artifact)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}

func TestResolveBackup_MovedDirectoryResolvedByManifest(t *testing.T) {
	repo := newTestRepo(t)

	job := &catalog.BackupJob{Name: "moved", Kind: catalog.KindFull, ArtifactPath: "/gone/moved"}
	require.NoError(t, repo.CreateBackupJob(job))
	require.NoError(t, repo.SaveBackupJob(job))

	// The catalog points at the old location; the manifest inside the
	// directory still identifies the job.
	dir := t.TempDir()
	require.NoError(t, engine.WriteMetadata(dir, "sqlite", job, engine.DatabaseInfo{}, engine.MediaInfo{}))

	got, err := resolveBackup(repo, dir)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}

func TestResolveBackup_UnsupportedArchiveRejected(t *testing.T) {
	repo := newTestRepo(t)

	artifact := filepath.Join(t.TempDir(), "backup.rar")
	require.NoError(t, os.WriteFile(artifact, []byte("junk"), 0644))

	_, err := resolveBackup(repo, artifact)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a supported archive format")
}

func TestResolveBackup_MissingPath(t *testing.T) {
	repo := newTestRepo(t)
	_, err := resolveBackup(repo, filepath.Join(t.TempDir(), "nope.tar.gz"))
	assert.Error(t, err)
}
