package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avdeyev/shopvault/internal/catalog"
	"github.com/avdeyev/shopvault/internal/config"
	"github.com/avdeyev/shopvault/internal/dump"
	"github.com/avdeyev/shopvault/internal/engine"
	"github.com/avdeyev/shopvault/internal/schema"
)

func newTestServer(t *testing.T) (*Server, *catalog.Repository) {
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
	require.NoError(t, store.Exec(
		`CREATE TABLE catalog_category (id INTEGER PRIMARY KEY, name TEXT)`).Error)
	require.NoError(t, store.Exec(
		`INSERT INTO catalog_category (id, name) VALUES (1, 'shoes')`).Error)

	registry, err := schema.NewRegistry(schema.Descriptor{App: "catalog", Table: "category"})
	require.NoError(t, err)

	orch := engine.NewOrchestrator(cfg, repo, registry, store, zerolog.Nop())
	return NewServer(orch, zerolog.Nop()), repo
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateBackupRunsInBackground(t *testing.T) {
	s, repo := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/backups",
		map[string]any{"name": "api_test", "include_media": false})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var job catalog.BackupJob
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	require.NotEqual(t, uuid.Nil, job.ID)

	require.Eventually(t, func() bool {
		fresh, err := repo.FindBackupJob(job.ID)
		return err == nil && fresh.Status.IsTerminal()
	}, 10*time.Second, 50*time.Millisecond)

	fresh, err := repo.FindBackupJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusCompleted, fresh.Status)
	assert.FileExists(t, fresh.ArtifactPath)

	// Progress endpoint reflects the finished run.
	rec = doJSON(t, s, http.MethodGet, "/api/v1/backups/"+job.ID.String()+"/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var progress map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&progress))
	assert.Equal(t, "completed", progress["status"])
	assert.EqualValues(t, 100, progress["progress_percentage"])
}

func TestCreateBackup_ResponseSnapshotsPendingJob(t *testing.T) {
	s, repo := newTestServer(t)

	// The handler must finish encoding the accepted job before the
	// worker goroutine starts mutating it, so every response body shows
	// the freshly created record regardless of scheduling.
	for i := 0; i < 20; i++ {
		rec := doJSON(t, s, http.MethodPost, "/api/v1/backups",
			map[string]any{"name": "burst", "include_media": false})
		require.Equal(t, http.StatusAccepted, rec.Code)

		var job catalog.BackupJob
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
		assert.Equal(t, catalog.StatusPending, job.Status)
		assert.Zero(t, job.Progress)
		assert.Empty(t, job.ErrorMessage)
	}

	require.Eventually(t, func() bool {
		jobs, err := repo.ListBackupJobs(50, 0)
		if err != nil {
			return false
		}
		for _, j := range jobs {
			if !j.Status.IsTerminal() {
				return false
			}
		}
		return true
	}, 30*time.Second, 100*time.Millisecond)
}

func TestCreateBackup_UnknownKindRejected(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/backups", map[string]any{"kind": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBackup_NotFound(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/backups/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/backups/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRestore_InvalidOptionsRejected(t *testing.T) {
	s, repo := newTestServer(t)

	job := &catalog.BackupJob{Name: "src", Kind: catalog.KindFull}
	require.NoError(t, repo.CreateBackupJob(job))

	rec := doJSON(t, s, http.MethodPost, "/api/v1/backups/"+job.ID.String()+"/restore",
		map[string]any{
			"include_tables": []string{"catalog.category"},
			"exclude_tables": []string{"catalog.product"},
		})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListBackups(t *testing.T) {
	s, repo := newTestServer(t)

	for _, name := range []string{"one", "two"} {
		require.NoError(t, repo.CreateBackupJob(&catalog.BackupJob{Name: name, Kind: catalog.KindFull}))
	}

	rec := doJSON(t, s, http.MethodGet, "/api/v1/backups?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Items []catalog.BackupJob `json:"items"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Len(t, body.Items, 1)
}
