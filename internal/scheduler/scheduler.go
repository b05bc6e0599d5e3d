package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/avdeyev/shopvault/internal/catalog"
	"github.com/avdeyev/shopvault/internal/engine"
)

// Scheduler runs recurring backups defined in the catalog on their cron
// expressions and prunes old runs per schedule.
type Scheduler struct {
	orch *engine.Orchestrator
	repo *catalog.Repository
	cron *cron.Cron
	log  zerolog.Logger
}

func New(orch *engine.Orchestrator, repo *catalog.Repository, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		orch: orch,
		repo: repo,
		cron: cron.New(),
		log:  log,
	}
}

// Load registers every enabled schedule with the cron runner. Schedules with
// invalid expressions are skipped with a warning rather than failing the
// whole load.
func (s *Scheduler) Load(ctx context.Context) (int, error) {
	schedules, err := s.repo.ListEnabledSchedules()
	if err != nil {
		return 0, fmt.Errorf("list schedules: %w", err)
	}

	loaded := 0
	for i := range schedules {
		def := schedules[i]
		_, err := s.cron.AddFunc(def.CronExpr, func() { s.execute(ctx, def) })
		if err != nil {
			s.log.Warn().Err(err).
				Str("schedule", def.Name).
				Str("expr", def.CronExpr).
				Msg("skipping schedule with invalid cron expression")
			continue
		}
		loaded++
		s.log.Info().Str("schedule", def.Name).Str("expr", def.CronExpr).Msg("schedule loaded")
	}
	return loaded, nil
}

// Start begins dispatching jobs. Stop blocks until running jobs finish.
func (s *Scheduler) Start() { s.cron.Start() }
func (s *Scheduler) Stop()  { <-s.cron.Stop().Done() }

// RunOnce executes every enabled schedule immediately, ignoring the cron
// expressions. Used by the CLI to trigger a scheduled pass by hand.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	schedules, err := s.repo.ListEnabledSchedules()
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	for i := range schedules {
		s.execute(ctx, schedules[i])
	}
	return nil
}

func (s *Scheduler) execute(ctx context.Context, def catalog.ScheduleDefinition) {
	job := &catalog.BackupJob{
		Name:          fmt.Sprintf("%s_%s", def.Name, time.Now().Format("20060102")),
		Kind:          def.Kind,
		IncludeMedia:  def.IncludeMedia,
		Compress:      def.Compress,
		PreserveOrder: true,
	}
	if err := s.orch.Repository().CreateBackupJob(job); err != nil {
		s.log.Error().Err(err).Str("schedule", def.Name).Msg("failed to create scheduled job")
		return
	}

	if err := s.orch.RunBackup(ctx, job); err != nil {
		s.log.Error().Err(err).Str("schedule", def.Name).Msg("scheduled backup failed")
	}

	now := time.Now().UTC()
	def.LastRunAt = &now
	if err := s.repo.SaveSchedule(&def); err != nil {
		s.log.Warn().Err(err).Str("schedule", def.Name).Msg("failed to record schedule run")
	}

	if def.RetentionCount > 0 {
		if err := s.prune(def); err != nil {
			s.log.Warn().Err(err).Str("schedule", def.Name).Msg("schedule pruning failed")
		}
	}
}

// prune keeps the newest RetentionCount completed backups of this schedule
// and removes the rest, artifacts included.
func (s *Scheduler) prune(def catalog.ScheduleDefinition) error {
	jobs, err := s.repo.FindBackupJobsByName(def.Name + "_")
	if err != nil {
		return err
	}
	if len(jobs) <= def.RetentionCount {
		return nil
	}

	for i := range jobs[def.RetentionCount:] {
		job := &jobs[def.RetentionCount+i]
		if err := s.orch.RemoveBackup(job); err != nil {
			s.log.Warn().Err(err).Str("job", job.ID.String()).Msg("failed to prune backup")
			continue
		}
		s.log.Info().Str("job", job.ID.String()).Str("schedule", def.Name).Msg("pruned old backup")
	}
	return nil
}
