package watchdog

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/avdeyev/shopvault/internal/catalog"
	"github.com/avdeyev/shopvault/internal/notify"
)

// Watchdog resolves jobs abandoned in the in_progress state, typically after
// a crash or an unclean shutdown mid-run.
type Watchdog struct {
	repo           *catalog.Repository
	backupTimeout  time.Duration
	restoreTimeout time.Duration
	notifier       *notify.TelegramSender
	log            zerolog.Logger
}

func New(repo *catalog.Repository, backupTimeout, restoreTimeout time.Duration, log zerolog.Logger) *Watchdog {
	return &Watchdog{
		repo:           repo,
		backupTimeout:  backupTimeout,
		restoreTimeout: restoreTimeout,
		log:            log,
	}
}

// WithNotifier enables sweep summaries via Telegram.
func (w *Watchdog) WithNotifier(n *notify.TelegramSender) *Watchdog {
	w.notifier = n
	return w
}

// SweepResult reports one pass over stuck jobs.
type SweepResult struct {
	BackupsCompleted int
	BackupsFailed    int
	RestoresFailed   int
}

// Sweep resolves every stuck job once. A stuck backup whose artifact exists
// on disk finished its work before the process died and is marked completed;
// one without an artifact is marked failed. Stuck restores are always marked
// failed since a half-applied restore cannot be trusted. With dryRun the
// result reports what would be resolved without touching any record.
func (w *Watchdog) Sweep(dryRun bool) (*SweepResult, error) {
	result := &SweepResult{}
	now := time.Now().UTC()

	backups, err := w.repo.FindStuckBackupJobs(now.Add(-w.backupTimeout))
	if err != nil {
		return nil, fmt.Errorf("find stuck backups: %w", err)
	}
	for i := range backups {
		job := &backups[i]
		if w.artifactExists(job.ArtifactPath) {
			result.BackupsCompleted++
			if dryRun {
				w.log.Info().Str("job", job.ID.String()).Msg("dry run, stuck backup would resolve to completed")
				continue
			}
			job.MarkCompleted()
			w.log.Info().Str("job", job.ID.String()).Msg("stuck backup resolved to completed, artifact present")
		} else {
			result.BackupsFailed++
			if dryRun {
				w.log.Info().Str("job", job.ID.String()).Msg("dry run, stuck backup would resolve to failed")
				continue
			}
			job.MarkFailed(fmt.Sprintf("timed out after %s in progress", w.backupTimeout))
			w.log.Warn().Str("job", job.ID.String()).Msg("stuck backup resolved to failed")
		}
		if err := w.repo.SaveBackupJob(job); err != nil {
			return nil, fmt.Errorf("resolve backup %s: %w", job.ID, err)
		}
		w.appendLog(job.ID, job.Status)
	}

	restores, err := w.repo.FindStuckRestoreJobs(now.Add(-w.restoreTimeout))
	if err != nil {
		return nil, fmt.Errorf("find stuck restores: %w", err)
	}
	for i := range restores {
		rj := &restores[i]
		result.RestoresFailed++
		if dryRun {
			w.log.Info().Str("restore", rj.ID.String()).Msg("dry run, stuck restore would resolve to failed")
			continue
		}
		rj.MarkTerminal(catalog.StatusFailed,
			fmt.Sprintf("timed out after %s in progress", w.restoreTimeout))
		if err := w.repo.SaveRestoreJob(rj); err != nil {
			return nil, fmt.Errorf("resolve restore %s: %w", rj.ID, err)
		}
		w.log.Warn().Str("restore", rj.ID.String()).Msg("stuck restore resolved to failed")
	}

	if !dryRun && w.notifier != nil && result.BackupsCompleted+result.BackupsFailed+result.RestoresFailed > 0 {
		msg := fmt.Sprintf("Watchdog sweep: %d backups completed, %d backups failed, %d restores failed",
			result.BackupsCompleted, result.BackupsFailed, result.RestoresFailed)
		if err := w.notifier.Send(msg); err != nil {
			w.log.Warn().Err(err).Msg("failed to send telegram notification")
		}
	}
	return result, nil
}

// Run sweeps on the given interval until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.log.Info().Dur("interval", interval).Msg("watchdog started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("watchdog stopped")
			return
		case <-ticker.C:
			if _, err := w.Sweep(false); err != nil {
				w.log.Error().Err(err).Msg("watchdog sweep failed")
			}
		}
	}
}

func (w *Watchdog) artifactExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func (w *Watchdog) appendLog(jobID uuid.UUID, status catalog.JobStatus) {
	msg := "stuck job resolved to " + string(status)
	if err := w.repo.AppendLog(jobID, "warning", "watchdog", msg, ""); err != nil {
		w.log.Warn().Err(err).Msg("failed to append watchdog log")
	}
}
