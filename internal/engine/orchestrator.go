package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/avdeyev/shopvault/internal/archive"
	"github.com/avdeyev/shopvault/internal/catalog"
	"github.com/avdeyev/shopvault/internal/checksum"
	"github.com/avdeyev/shopvault/internal/config"
	"github.com/avdeyev/shopvault/internal/dump"
	"github.com/avdeyev/shopvault/internal/media"
	"github.com/avdeyev/shopvault/internal/notify"
	"github.com/avdeyev/shopvault/internal/schema"
	"github.com/avdeyev/shopvault/internal/storage"
	"github.com/avdeyev/shopvault/internal/utils"
)

// Progress boundaries of the backup pipeline. Dumping consumes the first
// half, media archiving most of the rest.
const (
	progressDumpEnd     = 50
	progressMediaEnd    = 85
	progressMetadataEnd = 90
)

// Orchestrator drives backup and restore runs end to end, persisting job
// state after every stage so polling clients and the watchdog observe true
// progress.
type Orchestrator struct {
	cfg      *config.Config
	repo     *catalog.Repository
	registry *schema.Registry
	store    *gorm.DB
	uploader *storage.Storage
	notifier *notify.TelegramSender
	log      zerolog.Logger
}

func NewOrchestrator(cfg *config.Config, repo *catalog.Repository, registry *schema.Registry, store *gorm.DB, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		repo:     repo,
		registry: registry,
		store:    store,
		log:      log,
	}
}

// WithUploader enables offsite artifact upload after completed backups.
func (o *Orchestrator) WithUploader(s *storage.Storage) *Orchestrator {
	o.uploader = s
	return o
}

// WithNotifier enables run summaries via Telegram.
func (o *Orchestrator) WithNotifier(n *notify.TelegramSender) *Orchestrator {
	o.notifier = n
	return o
}

// Repository exposes the catalog repository for callers that share it.
func (o *Orchestrator) Repository() *catalog.Repository {
	return o.repo
}

// RunBackup executes a full backup pipeline for the given pending job:
// dependency ordering, per-table dump, media archiving, metadata and
// compression. Per-table and per-file failures are recorded as warnings on
// the job's log trail; the run fails outright only when a pipeline stage
// itself fails or no table could be dumped at all.
func (o *Orchestrator) RunBackup(ctx context.Context, job *catalog.BackupJob) error {
	job.MarkInProgress()
	job.CurrentOperation = "preparing workspace"
	if err := o.repo.SaveBackupJob(job); err != nil {
		return fmt.Errorf("persist job start: %w", err)
	}
	o.appendLog(job.ID, "info", "backup", "backup started", "")

	timestamp := time.Now().Format("20060102_150405")
	workDir := filepath.Join(o.cfg.TempDir, fmt.Sprintf("%s_%s", sanitizeName(job.Name), timestamp))
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return o.failBackup(job, "prepare workspace", err)
	}

	var dbInfo DatabaseInfo
	var mediaInfo MediaInfo

	if job.Kind != catalog.KindMedia {
		info, err := o.dumpStage(ctx, job, filepath.Join(workDir, "database"))
		if err != nil {
			os.RemoveAll(workDir)
			return o.failBackup(job, "dump database", err)
		}
		dbInfo = *info
	}

	if job.IncludeMedia && job.Kind != catalog.KindDatabase {
		info, err := o.mediaStage(job, filepath.Join(workDir, "media"))
		if err != nil {
			// Media trouble is a warning for a full backup: database
			// success is the primary success criterion.
			o.appendLog(job.ID, "warning", "media", "media archiving failed", err.Error())
		} else {
			mediaInfo = *info
		}

		if o.cfg.StaticRoot != "" {
			o.staticStage(job, filepath.Join(workDir, "static"))
		}
	}

	job.CurrentOperation = "writing metadata"
	job.Progress = progressMetadataEnd
	if err := o.repo.SaveBackupJob(job); err != nil {
		return fmt.Errorf("persist metadata progress: %w", err)
	}
	if err := WriteMetadata(workDir, o.cfg.Store.Engine, job, dbInfo, mediaInfo); err != nil {
		os.RemoveAll(workDir)
		return o.failBackup(job, "write metadata", err)
	}
	o.addFileEntry(job, workDir, MetadataFileName, catalog.FileTypeConfig, "", 0)

	artifactPath, err := o.finalizeStage(job, workDir, timestamp)
	if err != nil {
		os.RemoveAll(workDir)
		return o.failBackup(job, "finalize artifact", err)
	}

	job.ArtifactPath = artifactPath
	job.MarkCompleted()
	if err := o.repo.SaveBackupJob(job); err != nil {
		return fmt.Errorf("persist job completion: %w", err)
	}
	o.appendLog(job.ID, "info", "backup", "backup completed", "")

	o.uploadArtifact(ctx, job)
	o.notifyBackup(job)

	o.log.Info().
		Str("job", job.ID.String()).
		Str("artifact", job.ArtifactPath).
		Int("tables", job.TableCount).
		Int("records", job.RecordCount).
		Int("files", job.FileCount).
		Float64("seconds", job.DurationSeconds).
		Msg("backup completed")
	return nil
}

func (o *Orchestrator) dumpStage(ctx context.Context, job *catalog.BackupJob, dbDir string) (*DatabaseInfo, error) {
	ordered := o.registry.Tables()
	if job.PreserveOrder {
		var warnings []string
		ordered, warnings = schema.Order(ordered)
		for _, w := range warnings {
			o.appendLog(job.ID, "warning", "order", w, "")
		}
	}

	if err := job.SetTableOrder(schema.Names(ordered)); err != nil {
		return nil, err
	}
	job.TableCount = len(ordered)
	job.CurrentOperation = "dumping database"
	if err := o.repo.SaveBackupJob(job); err != nil {
		return nil, fmt.Errorf("persist table order: %w", err)
	}

	dumper := dump.NewDumper(o.store, o.log)
	info := &DatabaseInfo{TableCount: len(ordered)}

	succeeded := 0
	for i, desc := range ordered {
		job.CurrentOperation = "dumping " + desc.Qualified()
		stats, err := dumper.DumpTable(ctx, desc, dbDir)
		if err != nil {
			o.appendLog(job.ID, "warning", "dump",
				fmt.Sprintf("failed to dump %s", desc.Qualified()), err.Error())
		} else {
			succeeded++
			info.RecordCount += stats.RecordCount
			info.TotalBytes += stats.ByteSize
			if stats.RecordCount > 0 {
				o.repo.AddFileEntry(&catalog.BackupFileEntry{
					BackupJobID:  job.ID,
					FileName:     desc.FixtureName(),
					SourcePath:   desc.DBTable(),
					RelativePath: "database/" + desc.FixtureName(),
					FileType:     catalog.FileTypeFixture,
					Size:         stats.ByteSize,
					SHA256:       stats.SHA256,
					TableName_:   desc.Qualified(),
					RecordCount:  stats.RecordCount,
				})
			}
		}

		job.Progress = progressDumpEnd * (i + 1) / len(ordered)
		job.RecordCount = info.RecordCount
		if err := o.repo.SaveBackupJob(job); err != nil {
			return nil, fmt.Errorf("persist dump progress: %w", err)
		}
	}

	if len(ordered) > 0 && succeeded == 0 {
		return nil, fmt.Errorf("all %d table dumps failed", len(ordered))
	}

	o.nativeDumpStage(ctx, job, dbDir)
	return info, nil
}

// nativeDumpStage adds an engine-native dump next to the fixtures when the
// store runs on mysql or postgres. The fixtures remain the restore source of
// record; the native dump is a belt for manual recovery with the engine's own
// tooling, so any failure here is a warning.
func (o *Orchestrator) nativeDumpStage(ctx context.Context, job *catalog.BackupJob, dbDir string) {
	tools := dump.NativeTools(o.cfg.Store.Engine)
	if tools == nil {
		return
	}
	if err := dump.CheckTools(tools[0]); err != nil {
		o.appendLog(job.ID, "warning", "dump", "skipping native dump", err.Error())
		return
	}

	name := o.cfg.Store.Name + ".sql"
	if o.cfg.Store.Engine == "postgres" {
		name = o.cfg.Store.Name + ".dump"
	}
	job.CurrentOperation = "native dump"
	result, err := dump.NativeDump(ctx, o.cfg.Store, filepath.Join(dbDir, name))
	if err != nil {
		o.appendLog(job.ID, "warning", "dump", "native dump failed", err.Error())
		return
	}

	o.addFileEntry(job, filepath.Dir(dbDir), filepath.Join("database", name),
		catalog.FileTypeDatabaseDump, "", 0)
	o.log.Info().Str("file", name).Int64("bytes", result.SizeBytes).
		Dur("duration", result.Duration).Msg("native dump written")
}

func (o *Orchestrator) mediaStage(job *catalog.BackupJob, mediaDir string) (*MediaInfo, error) {
	job.CurrentOperation = "archiving media"
	if err := o.repo.SaveBackupJob(job); err != nil {
		return nil, fmt.Errorf("persist media progress: %w", err)
	}

	result, err := media.Archive(o.cfg.MediaRoot, mediaDir)
	if err != nil {
		return nil, err
	}
	for _, w := range result.Warnings {
		o.appendLog(job.ID, "warning", "media", w, "")
	}

	for _, entry := range result.Entries {
		o.repo.AddFileEntry(&catalog.BackupFileEntry{
			BackupJobID:  job.ID,
			FileName:     filepath.Base(entry.RelativePath),
			SourcePath:   entry.OriginalPath,
			RelativePath: "media/" + entry.RelativePath,
			FileType:     catalog.FileTypeMediaFile,
			Size:         entry.Size,
			SHA256:       entry.SHA256,
		})
	}

	job.FileCount = result.FileCount
	job.Progress = progressMediaEnd
	if err := o.repo.SaveBackupJob(job); err != nil {
		return nil, fmt.Errorf("persist media progress: %w", err)
	}

	return &MediaInfo{FileCount: result.FileCount, TotalBytes: result.TotalBytes}, nil
}

// staticStage snapshots collected static assets when a static root is
// configured. Failures are warnings, static files are reproducible.
func (o *Orchestrator) staticStage(job *catalog.BackupJob, staticDir string) {
	job.CurrentOperation = "archiving static files"
	result, err := media.Archive(o.cfg.StaticRoot, staticDir)
	if err != nil {
		o.appendLog(job.ID, "warning", "static", "static archiving failed", err.Error())
		return
	}
	for _, w := range result.Warnings {
		o.appendLog(job.ID, "warning", "static", w, "")
	}
	for _, entry := range result.Entries {
		o.repo.AddFileEntry(&catalog.BackupFileEntry{
			BackupJobID:  job.ID,
			FileName:     filepath.Base(entry.RelativePath),
			SourcePath:   entry.OriginalPath,
			RelativePath: "static/" + entry.RelativePath,
			FileType:     catalog.FileTypeStaticFile,
			Size:         entry.Size,
			SHA256:       entry.SHA256,
		})
	}
}

func (o *Orchestrator) finalizeStage(job *catalog.BackupJob, workDir, timestamp string) (string, error) {
	if err := os.MkdirAll(o.cfg.BackupDir, 0755); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}

	baseName := fmt.Sprintf("%s_%s", sanitizeName(job.Name), timestamp)

	if !job.Compress {
		dest := filepath.Join(o.cfg.BackupDir, baseName)
		if err := os.Rename(workDir, dest); err != nil {
			return "", fmt.Errorf("move backup into place: %w", err)
		}
		size, err := utils.DirSize(dest)
		if err != nil {
			return "", fmt.Errorf("measure backup: %w", err)
		}
		job.OriginalSize = size
		return dest, nil
	}

	job.CurrentOperation = "compressing archive"
	if err := o.repo.SaveBackupJob(job); err != nil {
		return "", fmt.Errorf("persist compression progress: %w", err)
	}

	artifactPath := filepath.Join(o.cfg.BackupDir, baseName+".tar.gz")
	result, err := archive.Compress(workDir, artifactPath)
	if err != nil {
		return "", err
	}
	job.OriginalSize = result.OriginalSize
	job.CompressedSize = result.CompressedSize

	if err := os.RemoveAll(workDir); err != nil {
		o.appendLog(job.ID, "warning", "compress",
			"failed to remove working directory", err.Error())
	}
	return artifactPath, nil
}

func (o *Orchestrator) uploadArtifact(ctx context.Context, job *catalog.BackupJob) {
	if o.uploader == nil || job.ArtifactPath == "" {
		return
	}
	info, err := os.Stat(job.ArtifactPath)
	if err != nil || info.IsDir() {
		// Uncompressed directory artifacts stay local.
		return
	}

	file, err := os.Open(job.ArtifactPath)
	if err != nil {
		o.appendLog(job.ID, "warning", "upload", "failed to open artifact for upload", err.Error())
		return
	}
	defer file.Close()

	if err := o.uploader.Upload(ctx, filepath.Base(job.ArtifactPath), file); err != nil {
		o.appendLog(job.ID, "warning", "upload", "offsite upload failed", err.Error())
		return
	}
	if err := o.uploader.EnforceRetention(ctx, o.cfg.R2.Hours); err != nil {
		o.appendLog(job.ID, "warning", "upload", "offsite retention failed", err.Error())
	}
}

func (o *Orchestrator) notifyBackup(job *catalog.BackupJob) {
	if o.notifier == nil {
		return
	}
	msg := fmt.Sprintf("Backup %s [%s]\nTables: %d, Records: %d, Files: %d\nArtifact: %s (%s)",
		job.Name, job.Status, job.TableCount, job.RecordCount, job.FileCount,
		job.ArtifactPath, utils.HumanizeSize(job.OriginalSize))
	if err := o.notifier.Send(msg); err != nil {
		o.log.Warn().Err(err).Msg("failed to send telegram notification")
	}
}

func (o *Orchestrator) failBackup(job *catalog.BackupJob, operation string, cause error) error {
	job.MarkFailed(cause.Error())
	if err := o.repo.SaveBackupJob(job); err != nil {
		o.log.Error().Err(err).Str("job", job.ID.String()).Msg("failed to persist job failure")
	}
	o.appendLog(job.ID, "error", operation, "backup failed", cause.Error())
	o.log.Error().Err(cause).Str("job", job.ID.String()).Str("operation", operation).
		Msg("backup failed")
	return fmt.Errorf("%s: %w", operation, cause)
}

func (o *Orchestrator) appendLog(jobID uuid.UUID, level, operation, message, exception string) {
	if err := o.repo.AppendLog(jobID, level, operation, message, exception); err != nil {
		o.log.Warn().Err(err).Str("job", jobID.String()).Msg("failed to append job log")
	}
}

func (o *Orchestrator) addFileEntry(job *catalog.BackupJob, root, relative string, ft catalog.FileType, table string, records int) {
	sum, size, err := checksum.FileSHA256(filepath.Join(root, relative))
	if err != nil {
		o.appendLog(job.ID, "warning", "checksum",
			fmt.Sprintf("failed to checksum %s", relative), err.Error())
		return
	}
	if err := o.repo.AddFileEntry(&catalog.BackupFileEntry{
		BackupJobID:  job.ID,
		FileName:     filepath.Base(relative),
		RelativePath: relative,
		FileType:     ft,
		Size:         size,
		SHA256:       sum,
		TableName_:   table,
		RecordCount:  records,
	}); err != nil {
		o.appendLog(job.ID, "warning", "checksum",
			fmt.Sprintf("failed to record %s", relative), err.Error())
	}
}

func sanitizeName(name string) string {
	replacer := strings.NewReplacer(" ", "_", "/", "_", "\\", "_", ":", "-")
	cleaned := replacer.Replace(strings.TrimSpace(name))
	if cleaned == "" {
		cleaned = "backup"
	}
	return cleaned
}
