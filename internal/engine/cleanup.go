package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/avdeyev/shopvault/internal/catalog"
)

// CleanupResult reports one retention pass.
type CleanupResult struct {
	Examined  int
	Removed   int
	FreedSize int64
	Warnings  []string
}

// CleanupOldBackups removes completed backups older than retentionDays along
// with their artifacts and catalog rows. With dryRun the candidates are
// reported but nothing is deleted. Offsite retention is enforced in the same
// pass when an uploader is configured.
func (o *Orchestrator) CleanupOldBackups(ctx context.Context, retentionDays int, dryRun bool) (*CleanupResult, error) {
	if retentionDays <= 0 {
		retentionDays = o.cfg.Retention.Days
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	expired, err := o.repo.FindExpiredBackupJobs(cutoff)
	if err != nil {
		return nil, fmt.Errorf("find expired backups: %w", err)
	}

	result := &CleanupResult{Examined: len(expired)}
	for i := range expired {
		job := &expired[i]
		size := job.CompressedSize
		if size == 0 {
			size = job.OriginalSize
		}

		if dryRun {
			o.log.Info().
				Str("job", job.ID.String()).
				Str("artifact", job.ArtifactPath).
				Msg("would remove expired backup")
			continue
		}

		if err := o.removeArtifact(job); err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("failed to remove artifact for %s: %v", job.ID, err))
			continue
		}
		if err := o.repo.DeleteBackupJob(job.ID); err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("failed to delete catalog rows for %s: %v", job.ID, err))
			continue
		}

		result.Removed++
		result.FreedSize += size
		o.log.Info().Str("job", job.ID.String()).Msg("removed expired backup")
	}

	if o.uploader != nil && !dryRun {
		if err := o.uploader.EnforceRetention(ctx, o.cfg.R2.Hours); err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("offsite retention failed: %v", err))
		}
	}
	return result, nil
}

// RemoveBackup deletes one backup's artifact and catalog rows.
func (o *Orchestrator) RemoveBackup(job *catalog.BackupJob) error {
	if err := o.removeArtifact(job); err != nil {
		return fmt.Errorf("remove artifact: %w", err)
	}
	if err := o.repo.DeleteBackupJob(job.ID); err != nil {
		return fmt.Errorf("delete catalog rows: %w", err)
	}
	return nil
}

func (o *Orchestrator) removeArtifact(job *catalog.BackupJob) error {
	if job.ArtifactPath == "" {
		return nil
	}
	info, err := os.Stat(job.ArtifactPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return os.RemoveAll(job.ArtifactPath)
	}
	return os.Remove(job.ArtifactPath)
}
