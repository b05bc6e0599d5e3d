package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/avdeyev/shopvault/internal/archive"
	"github.com/avdeyev/shopvault/internal/catalog"
	"github.com/avdeyev/shopvault/internal/dump"
	"github.com/avdeyev/shopvault/internal/media"
	"github.com/avdeyev/shopvault/internal/schema"
)

// RestoreOptions tunes one restore run.
type RestoreOptions struct {
	// Verify checks every recorded checksum before any data is touched.
	Verify bool
	// SkipPreBackup disables the safety snapshot taken before the store is
	// modified. The snapshot is mandatory otherwise: if it cannot be taken
	// the restore aborts without touching the store.
	SkipPreBackup bool
	// NativeLoad replays the engine-native dump shipped with the backup
	// instead of loading the per-table fixtures. Requires the source backup
	// to carry a native dump entry and the engine's client tooling on PATH.
	NativeLoad bool
}

// RunRestore executes a restore run from a completed backup. The store is
// only modified after extraction, optional verification and the safety
// snapshot have all succeeded.
func (o *Orchestrator) RunRestore(ctx context.Context, rj *catalog.RestoreJob, opts RestoreOptions) error {
	source, err := o.repo.FindBackupJob(rj.BackupJobID)
	if err != nil {
		return o.failRestore(rj, fmt.Errorf("load source backup: %w", err))
	}
	if source.Status != catalog.StatusCompleted {
		return o.failRestore(rj, fmt.Errorf("source backup %s is %s, not completed", source.ID, source.Status))
	}
	if _, err := os.Stat(source.ArtifactPath); err != nil {
		return o.failRestore(rj, fmt.Errorf("source artifact missing: %w", err))
	}

	rj.MarkInProgress()
	rj.CurrentOperation = "preparing restore"
	if err := o.repo.SaveRestoreJob(rj); err != nil {
		return fmt.Errorf("persist restore start: %w", err)
	}
	o.appendLog(source.ID, "info", "restore",
		fmt.Sprintf("restore %s started (mode %s)", rj.ID, rj.Mode), "")

	contentRoot, cleanup, err := o.stageArtifact(rj, source)
	if err != nil {
		return o.failRestore(rj, err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	if opts.Verify {
		if err := o.verifyStage(rj, source, contentRoot); err != nil {
			return o.failRestore(rj, err)
		}
	}

	if !opts.SkipPreBackup {
		if err := o.preBackupStage(ctx, rj, source); err != nil {
			return o.failRestore(rj, fmt.Errorf("safety snapshot: %w", err))
		}
	}

	failures := 0
	warnings := []string{}

	if rj.RestoreDatabase {
		if opts.NativeLoad {
			if err := o.restoreDatabaseNative(ctx, rj, source, contentRoot); err != nil {
				return o.failRestore(rj, fmt.Errorf("native restore: %w", err))
			}
		} else {
			result, err := o.restoreDatabase(ctx, rj, source, filepath.Join(contentRoot, "database"))
			if err != nil {
				return o.failRestore(rj, fmt.Errorf("restore database: %w", err))
			}
			rj.RestoredRecords = result.RestoredRecords
			rj.SkippedTables = result.SkippedTables
			warnings = append(warnings, result.Warnings...)
		}
	}

	if rj.RestoreMedia {
		result, err := o.restoreMedia(rj, filepath.Join(contentRoot, "media"))
		if err != nil {
			return o.failRestore(rj, fmt.Errorf("restore media: %w", err))
		}
		rj.RestoredFiles = result.Restored
		rj.FailedFiles = result.Failed
		failures += result.Failed
		warnings = append(warnings, result.Warnings...)
	}

	if rj.RestoreStatic && o.cfg.StaticRoot != "" {
		result, err := media.Restore(filepath.Join(contentRoot, "static"), o.cfg.StaticRoot)
		if err != nil {
			return o.failRestore(rj, fmt.Errorf("restore static files: %w", err))
		}
		rj.RestoredFiles += result.Restored
		rj.FailedFiles += result.Failed
		failures += result.Failed
		warnings = append(warnings, result.Warnings...)
	}

	for _, w := range warnings {
		o.appendLog(source.ID, "warning", "restore", w, "")
	}

	status := catalog.StatusCompleted
	message := ""
	if failures > 0 {
		status = catalog.StatusPartial
		message = fmt.Sprintf("%d files failed to restore", failures)
	}
	rj.MarkTerminal(status, message)
	if err := o.repo.SaveRestoreJob(rj); err != nil {
		return fmt.Errorf("persist restore completion: %w", err)
	}
	o.appendLog(source.ID, "info", "restore",
		fmt.Sprintf("restore %s finished with status %s", rj.ID, status), "")
	o.notifyRestore(rj, source)

	o.log.Info().
		Str("restore", rj.ID.String()).
		Str("backup", source.ID.String()).
		Str("status", string(status)).
		Int("records", rj.RestoredRecords).
		Int("files", rj.RestoredFiles).
		Msg("restore finished")
	return nil
}

// stageArtifact makes the backup content available as a directory tree. A
// compressed artifact is extracted into a scratch directory which the
// returned cleanup removes; an uncompressed artifact is used in place.
func (o *Orchestrator) stageArtifact(rj *catalog.RestoreJob, source *catalog.BackupJob) (string, func(), error) {
	info, err := os.Stat(source.ArtifactPath)
	if err != nil {
		return "", nil, fmt.Errorf("stat artifact: %w", err)
	}
	if info.IsDir() {
		return source.ArtifactPath, nil, nil
	}

	rj.CurrentOperation = "extracting archive"
	rj.Progress = 5
	if err := o.repo.SaveRestoreJob(rj); err != nil {
		return "", nil, fmt.Errorf("persist restore progress: %w", err)
	}

	if err := os.MkdirAll(o.cfg.TempDir, 0755); err != nil {
		return "", nil, fmt.Errorf("create temp directory: %w", err)
	}
	scratch, err := os.MkdirTemp(o.cfg.TempDir, "restore_"+rj.ID.String()[:8]+"_*")
	if err != nil {
		return "", nil, fmt.Errorf("create scratch directory: %w", err)
	}
	cleanup := func() { os.RemoveAll(scratch) }

	if err := archive.Extract(source.ArtifactPath, scratch); err != nil {
		cleanup()
		return "", nil, err
	}
	root, err := archive.ExtractionRoot(scratch)
	if err != nil {
		cleanup()
		return "", nil, err
	}

	rj.Progress = 10
	if err := o.repo.SaveRestoreJob(rj); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("persist restore progress: %w", err)
	}
	return root, cleanup, nil
}

// verifyStage fails fast on the first checksum mismatch.
func (o *Orchestrator) verifyStage(rj *catalog.RestoreJob, source *catalog.BackupJob, contentRoot string) error {
	rj.CurrentOperation = "verifying checksums"
	rj.Progress = 15
	if err := o.repo.SaveRestoreJob(rj); err != nil {
		return fmt.Errorf("persist restore progress: %w", err)
	}

	result, err := o.verifyTree(source, contentRoot, false)
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("integrity check failed for %s", result.FailedFiles[0])
	}

	rj.Progress = 20
	return o.repo.SaveRestoreJob(rj)
}

// preBackupStage snapshots the current store state before it is replaced.
func (o *Orchestrator) preBackupStage(ctx context.Context, rj *catalog.RestoreJob, source *catalog.BackupJob) error {
	rj.CurrentOperation = "taking safety snapshot"
	rj.Progress = 25
	if err := o.repo.SaveRestoreJob(rj); err != nil {
		return fmt.Errorf("persist restore progress: %w", err)
	}

	snapshot := &catalog.BackupJob{
		Name:          fmt.Sprintf("pre_restore_%s", rj.ID.String()[:8]),
		Kind:          catalog.KindFull,
		IncludeMedia:  rj.RestoreMedia,
		Compress:      true,
		PreserveOrder: true,
	}
	if err := o.repo.CreateBackupJob(snapshot); err != nil {
		return fmt.Errorf("create snapshot job: %w", err)
	}
	if err := o.RunBackup(ctx, snapshot); err != nil {
		return err
	}

	rj.PreBackupID = &snapshot.ID
	rj.Progress = 40
	if err := o.repo.SaveRestoreJob(rj); err != nil {
		return fmt.Errorf("persist restore progress: %w", err)
	}
	o.appendLog(source.ID, "info", "restore",
		fmt.Sprintf("safety snapshot %s taken", snapshot.ID), "")
	return nil
}

func (o *Orchestrator) restoreDatabase(ctx context.Context, rj *catalog.RestoreJob, source *catalog.BackupJob, dbDir string) (*dump.LoadResult, error) {
	rj.CurrentOperation = "restoring database"
	rj.Progress = 45
	if err := o.repo.SaveRestoreJob(rj); err != nil {
		return nil, fmt.Errorf("persist restore progress: %w", err)
	}

	order, err := o.restoreOrder(source)
	if err != nil {
		return nil, err
	}
	include, err := rj.IncludeTableList()
	if err != nil {
		return nil, err
	}
	exclude, err := rj.ExcludeTableList()
	if err != nil {
		return nil, err
	}

	loader := dump.NewLoader(o.store, o.log)
	result, err := loader.LoadAll(ctx, order, dbDir, dump.LoadOptions{
		ClearExisting: rj.Mode == catalog.ModeFullReplace,
		Include:       include,
		Exclude:       exclude,
	})
	if err != nil {
		return nil, err
	}

	rj.Progress = 80
	if err := o.repo.SaveRestoreJob(rj); err != nil {
		return nil, fmt.Errorf("persist restore progress: %w", err)
	}
	return result, nil
}

// restoreDatabaseNative feeds the backup's native dump back through the
// engine's own client tool.
func (o *Orchestrator) restoreDatabaseNative(ctx context.Context, rj *catalog.RestoreJob, source *catalog.BackupJob, contentRoot string) error {
	rj.CurrentOperation = "replaying native dump"
	rj.Progress = 45
	if err := o.repo.SaveRestoreJob(rj); err != nil {
		return fmt.Errorf("persist restore progress: %w", err)
	}

	tools := dump.NativeTools(o.cfg.Store.Engine)
	if tools == nil {
		return fmt.Errorf("store engine %q has no native restore tool", o.cfg.Store.Engine)
	}
	if err := dump.CheckTools(tools[1]); err != nil {
		return err
	}

	var dumpPath string
	for _, entry := range source.Files {
		if entry.FileType == catalog.FileTypeDatabaseDump {
			dumpPath = filepath.Join(contentRoot, filepath.FromSlash(entry.RelativePath))
			break
		}
	}
	if dumpPath == "" {
		return fmt.Errorf("backup %s carries no native dump", source.ID)
	}
	if err := dump.NativeRestore(ctx, o.cfg.Store, dumpPath); err != nil {
		return err
	}

	o.appendLog(source.ID, "info", "restore", "native dump replayed into store", "")
	rj.Progress = 80
	return o.repo.SaveRestoreJob(rj)
}

// restoreOrder reverses the dump order persisted on the source job so that
// dependent tables load before the tables they reference are cleared. When
// the source predates order tracking the registry order is used instead.
func (o *Orchestrator) restoreOrder(source *catalog.BackupJob) ([]schema.Descriptor, error) {
	names, err := source.TableOrderList()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		ordered, _ := schema.Order(o.registry.Tables())
		return schema.Reverse(ordered), nil
	}

	descriptors := make([]schema.Descriptor, 0, len(names))
	for _, name := range names {
		desc, ok := o.registry.Lookup(name)
		if !ok {
			o.log.Warn().Str("table", name).Msg("table from backup unknown to current schema, skipping")
			continue
		}
		descriptors = append(descriptors, desc)
	}
	return schema.Reverse(descriptors), nil
}

func (o *Orchestrator) restoreMedia(rj *catalog.RestoreJob, mediaDir string) (*media.RestoreResult, error) {
	rj.CurrentOperation = "restoring media files"
	rj.Progress = 85
	if err := o.repo.SaveRestoreJob(rj); err != nil {
		return nil, fmt.Errorf("persist restore progress: %w", err)
	}

	result, err := media.Restore(mediaDir, o.cfg.MediaRoot)
	if err != nil {
		return nil, err
	}

	rj.Progress = 95
	if err := o.repo.SaveRestoreJob(rj); err != nil {
		return nil, fmt.Errorf("persist restore progress: %w", err)
	}
	return result, nil
}

func (o *Orchestrator) notifyRestore(rj *catalog.RestoreJob, source *catalog.BackupJob) {
	if o.notifier == nil {
		return
	}
	msg := fmt.Sprintf("Restore from %s [%s]\nRecords: %d, Files: %d, Failed: %d",
		source.Name, rj.Status, rj.RestoredRecords, rj.RestoredFiles, rj.FailedFiles)
	if err := o.notifier.Send(msg); err != nil {
		o.log.Warn().Err(err).Msg("failed to send telegram notification")
	}
}

func (o *Orchestrator) failRestore(rj *catalog.RestoreJob, cause error) error {
	rj.MarkTerminal(catalog.StatusFailed, cause.Error())
	if err := o.repo.SaveRestoreJob(rj); err != nil {
		o.log.Error().Err(err).Str("restore", rj.ID.String()).Msg("failed to persist restore failure")
	}
	o.log.Error().Err(cause).Str("restore", rj.ID.String()).Msg("restore failed")
	return cause
}
