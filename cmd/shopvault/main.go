package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/avdeyev/shopvault/internal/api"
	"github.com/avdeyev/shopvault/internal/archive"
	"github.com/avdeyev/shopvault/internal/catalog"
	"github.com/avdeyev/shopvault/internal/config"
	"github.com/avdeyev/shopvault/internal/dump"
	"github.com/avdeyev/shopvault/internal/engine"
	"github.com/avdeyev/shopvault/internal/logging"
	"github.com/avdeyev/shopvault/internal/notify"
	"github.com/avdeyev/shopvault/internal/scheduler"
	"github.com/avdeyev/shopvault/internal/storage"
	"github.com/avdeyev/shopvault/internal/utils"
	"github.com/avdeyev/shopvault/internal/watchdog"
)

func main() {
	app := &cli.App{
		Name:  "shopvault",
		Usage: "Backup and restore engine for the shop database and its media files",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Only log warnings and errors",
			},
		},
		Commands: []*cli.Command{
			backupCommand(),
			cleanupCommand(),
			serveCommand(),
			scheduleCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// deps holds everything a command needs after prepare.
type deps struct {
	cfg      *config.Config
	repo     *catalog.Repository
	orch     *engine.Orchestrator
	notifier *notify.TelegramSender
	log      zerolog.Logger
	unlock   func()
}

// prepare loads config, takes the run lock and wires the orchestrator. Every
// mutating command goes through here so concurrent invocations on one host
// are serialized by the flock.
func prepare(c *cli.Context) (*deps, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.LogLevel
	if c.Bool("quiet") {
		level = "warn"
	}
	log := logging.NewLogger(level)

	unlock, err := utils.AcquireLock(cfg.LockFile)
	if err != nil {
		return nil, fmt.Errorf("could not acquire lock: %w", err)
	}

	catalogDB, err := catalog.Open(cfg.Catalog)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	repo := catalog.NewRepository(catalogDB)
	if err := repo.Migrate(); err != nil {
		unlock()
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}

	store, err := dump.OpenStore(cfg.Store)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("open store database: %w", err)
	}

	registry, err := cfg.Registry()
	if err != nil {
		unlock()
		return nil, fmt.Errorf("build table registry: %w", err)
	}

	orch := engine.NewOrchestrator(cfg, repo, registry, store, log)

	if cfg.R2.Enabled {
		uploader, err := storage.NewStorage(cfg.R2, log)
		if err != nil {
			unlock()
			return nil, fmt.Errorf("init offsite storage: %w", err)
		}
		orch.WithUploader(uploader)
	}
	var notifier *notify.TelegramSender
	if cfg.Telegram.BotToken != "" {
		notifier = notify.NewTelegramSender(cfg.Telegram.BotToken, cfg.Telegram.ChatID, log)
		orch.WithNotifier(notifier)
	}

	return &deps{cfg: cfg, repo: repo, orch: orch, notifier: notifier, log: log, unlock: unlock}, nil
}

func backupCommand() *cli.Command {
	return &cli.Command{
		Name:  "backup",
		Usage: "Create, restore, verify and list backups",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Run a backup now",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Value: "manual", Usage: "Backup name"},
					&cli.StringFlag{Name: "type", Value: "full", Usage: "Backup type: full, database or media"},
					&cli.BoolFlag{Name: "no-media", Usage: "Skip media files"},
					&cli.BoolFlag{Name: "no-compress", Usage: "Leave the backup as a directory"},
					&cli.BoolFlag{Name: "no-verify", Usage: "Skip the checksum verification after the backup"},
					&cli.StringFlag{Name: "output-dir", Usage: "Write the artifact under `DIR` instead of the configured backup directory"},
				},
				Action: runBackupCreate,
			},
			{
				Name:      "restore",
				Usage:     "Restore from a backup",
				ArgsUsage: "<job-id | artifact-path>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "no-database", Usage: "Skip database records"},
					&cli.BoolFlag{Name: "no-media", Usage: "Skip media files"},
					&cli.BoolFlag{Name: "no-pre-backup", Usage: "Skip the safety snapshot taken before restoring"},
					&cli.BoolFlag{Name: "verify", Usage: "Verify checksums before restoring"},
					&cli.BoolFlag{Name: "native", Usage: "Replay the engine-native dump instead of the per-table fixtures"},
					&cli.BoolFlag{Name: "force", Usage: "Proceed without confirmation"},
					&cli.BoolFlag{Name: "dry-run", Usage: "Show what would be restored without changing anything"},
					&cli.StringSliceFlag{Name: "table", Usage: "Restore only this qualified table (repeatable)"},
				},
				Action: runBackupRestore,
			},
			{
				Name:      "verify",
				Usage:     "Verify a backup's checksums",
				ArgsUsage: "<job-id>",
				Action:    runBackupVerify,
			},
			{
				Name:  "list",
				Usage: "List backups in the catalog",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 20, Usage: "Maximum rows to show"},
				},
				Action: runBackupList,
			},
		},
	}
}

func runBackupCreate(c *cli.Context) error {
	d, err := prepare(c)
	if err != nil {
		return err
	}
	defer d.unlock()

	kind := catalog.BackupKind(c.String("type"))
	switch kind {
	case catalog.KindFull, catalog.KindDatabase, catalog.KindMedia:
	default:
		return fmt.Errorf("unknown backup type: %s", c.String("type"))
	}
	if dir := c.String("output-dir"); dir != "" {
		d.cfg.BackupDir = dir
	}

	job := &catalog.BackupJob{
		Name:          c.String("name"),
		Kind:          kind,
		IncludeMedia:  !c.Bool("no-media") && kind != catalog.KindDatabase,
		Compress:      !c.Bool("no-compress"),
		PreserveOrder: true,
	}
	if err := d.repo.CreateBackupJob(job); err != nil {
		return fmt.Errorf("create backup job: %w", err)
	}

	if err := d.orch.RunBackup(c.Context, job); err != nil {
		return err
	}

	fmt.Printf("Backup %s completed: %s\n", job.ID, job.ArtifactPath)
	fmt.Printf("  %d tables, %d records, %d media files, %s\n",
		job.TableCount, job.RecordCount, job.FileCount, utils.HumanizeSize(job.OriginalSize))

	if !c.Bool("no-verify") {
		result, err := d.orch.VerifyBackup(job)
		if err != nil {
			return fmt.Errorf("verify backup: %w", err)
		}
		if !result.Success {
			return fmt.Errorf("%d of %d files failed verification", result.Failed, result.Total)
		}
		fmt.Printf("  %d files verified\n", result.Total)
	}
	return nil
}

func runBackupRestore(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expected exactly one backup id or artifact path")
	}

	d, err := prepare(c)
	if err != nil {
		return err
	}
	defer d.unlock()

	source, err := resolveBackup(d.repo, c.Args().First())
	if err != nil {
		return err
	}

	include := c.StringSlice("table")
	mode := catalog.ModeFullReplace
	if len(include) > 0 {
		mode = catalog.ModeSelective
	}

	if c.Bool("dry-run") {
		return printRestorePlan(d, source, mode, include, c)
	}

	if mode == catalog.ModeFullReplace && !c.Bool("force") {
		return errors.New("a full replace restore overwrites the current database, re-run with --force to proceed")
	}

	rj, err := catalog.NewRestoreJob(source.ID, mode,
		!c.Bool("no-database"), !c.Bool("no-media"), false, include, nil)
	if err != nil {
		return err
	}
	if err := d.repo.CreateRestoreJob(rj); err != nil {
		return fmt.Errorf("create restore job: %w", err)
	}

	err = d.orch.RunRestore(c.Context, rj, engine.RestoreOptions{
		Verify:        c.Bool("verify"),
		SkipPreBackup: c.Bool("no-pre-backup"),
		NativeLoad:    c.Bool("native"),
	})
	if err != nil {
		return err
	}

	fmt.Printf("Restore %s finished with status %s\n", rj.ID, rj.Status)
	fmt.Printf("  %d records, %d media files restored", rj.RestoredRecords, rj.RestoredFiles)
	if rj.FailedFiles > 0 {
		fmt.Printf(", %d files failed", rj.FailedFiles)
	}
	fmt.Println()
	if rj.PreBackupID != nil {
		fmt.Printf("  safety snapshot: %s\n", rj.PreBackupID)
	}
	return nil
}

func printRestorePlan(d *deps, source *catalog.BackupJob, mode catalog.RestoreMode, include []string, c *cli.Context) error {
	fmt.Printf("Would restore from backup %s (%s, created %s)\n",
		source.ID, source.Name, source.CreatedAt.Format(time.RFC3339))
	fmt.Printf("  mode: %s\n", mode)
	fmt.Printf("  database: %t, media: %t, pre-backup: %t\n",
		!c.Bool("no-database"), !c.Bool("no-media"), !c.Bool("no-pre-backup"))

	order, err := source.TableOrderList()
	if err != nil {
		return err
	}
	if len(include) > 0 {
		order = include
	} else {
		// Tables load in reverse dump order.
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
	}
	fmt.Printf("  tables (%d): %s\n", len(order), strings.Join(order, ", "))
	return nil
}

func runBackupVerify(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expected exactly one backup id")
	}
	d, err := prepare(c)
	if err != nil {
		return err
	}
	defer d.unlock()

	source, err := resolveBackup(d.repo, c.Args().First())
	if err != nil {
		return err
	}

	result, err := d.orch.VerifyBackup(source)
	if err != nil {
		return err
	}
	if !result.Success {
		for _, file := range result.FailedFiles {
			fmt.Fprintf(os.Stderr, "  checksum mismatch: %s\n", file)
		}
		return fmt.Errorf("%d of %d files failed verification", result.Failed, result.Total)
	}

	fmt.Printf("All %d files verified\n", result.Total)
	return nil
}

func runBackupList(c *cli.Context) error {
	d, err := prepare(c)
	if err != nil {
		return err
	}
	defer d.unlock()

	jobs, err := d.repo.ListBackupJobs(c.Int("limit"), 0)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No backups in catalog")
		return nil
	}

	for _, job := range jobs {
		size := job.CompressedSize
		if size == 0 {
			size = job.OriginalSize
		}
		fmt.Printf("%s  %-12s %-10s %-11s %8s  %s\n",
			job.ID, job.Name, job.Kind, job.Status,
			utils.HumanizeSize(size), job.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func cleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "Remove expired backups and resolve stuck jobs",
		Subcommands: []*cli.Command{
			{
				Name:  "old",
				Usage: "Delete backups past the retention window",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "retention-days", Usage: "Override the configured retention window"},
					&cli.BoolFlag{Name: "dry-run", Usage: "Report candidates without deleting"},
				},
				Action: func(c *cli.Context) error {
					d, err := prepare(c)
					if err != nil {
						return err
					}
					defer d.unlock()

					result, err := d.orch.CleanupOldBackups(c.Context,
						c.Int("retention-days"), c.Bool("dry-run"))
					if err != nil {
						return err
					}
					for _, w := range result.Warnings {
						fmt.Fprintln(os.Stderr, "Warning:", w)
					}
					fmt.Printf("%d expired, %d removed, %s freed\n",
						result.Examined, result.Removed, utils.HumanizeSize(result.FreedSize))
					return nil
				},
			},
			{
				Name:  "stuck",
				Usage: "Resolve jobs abandoned in progress",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "backup-timeout", Usage: "Backup timeout in minutes, overrides config"},
					&cli.IntFlag{Name: "restore-timeout", Usage: "Restore timeout in minutes, overrides config"},
					&cli.BoolFlag{Name: "dry-run", Usage: "Report stuck jobs without resolving them"},
				},
				Action: func(c *cli.Context) error {
					d, err := prepare(c)
					if err != nil {
						return err
					}
					defer d.unlock()

					backupTimeout := time.Duration(d.cfg.Watchdog.BackupTimeoutMinutes) * time.Minute
					restoreTimeout := time.Duration(d.cfg.Watchdog.RestoreTimeoutMinutes) * time.Minute
					if m := c.Int("backup-timeout"); m > 0 {
						backupTimeout = time.Duration(m) * time.Minute
					}
					if m := c.Int("restore-timeout"); m > 0 {
						restoreTimeout = time.Duration(m) * time.Minute
					}

					w := watchdog.New(d.repo, backupTimeout, restoreTimeout, d.log).WithNotifier(d.notifier)
					result, err := w.Sweep(c.Bool("dry-run"))
					if err != nil {
						return err
					}
					verb := "resolved"
					if c.Bool("dry-run") {
						verb = "would resolve"
					}
					fmt.Printf("%s: %d backups completed, %d backups failed, %d restores failed\n",
						verb, result.BackupsCompleted, result.BackupsFailed, result.RestoresFailed)
					return nil
				},
			},
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the progress-polling HTTP API with the background watchdog",
		Action: func(c *cli.Context) error {
			d, err := prepare(c)
			if err != nil {
				return err
			}
			defer d.unlock()

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			w := watchdog.New(d.repo,
				time.Duration(d.cfg.Watchdog.BackupTimeoutMinutes)*time.Minute,
				time.Duration(d.cfg.Watchdog.RestoreTimeoutMinutes)*time.Minute,
				d.log).WithNotifier(d.notifier)
			go w.Run(ctx, time.Duration(d.cfg.Watchdog.SweepIntervalMinutes)*time.Minute)

			server := &http.Server{
				Addr:    d.cfg.HTTPListenAddr,
				Handler: api.NewServer(d.orch, d.log),
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				server.Shutdown(shutdownCtx)
			}()

			d.log.Info().Str("addr", d.cfg.HTTPListenAddr).Msg("http server listening")
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}

func scheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "schedule",
		Usage: "Run recurring backups",
		Subcommands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run the cron scheduler until interrupted",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "once", Usage: "Execute every enabled schedule immediately and exit"},
				},
				Action: func(c *cli.Context) error {
					d, err := prepare(c)
					if err != nil {
						return err
					}
					defer d.unlock()

					ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
					defer stop()

					sched := scheduler.New(d.orch, d.repo, d.log)
					if c.Bool("once") {
						return sched.RunOnce(ctx)
					}

					loaded, err := sched.Load(ctx)
					if err != nil {
						return err
					}
					if loaded == 0 {
						return errors.New("no enabled schedules in catalog")
					}

					sched.Start()
					d.log.Info().Int("schedules", loaded).Msg("scheduler running")
					<-ctx.Done()
					sched.Stop()
					return nil
				},
			},
		},
	}
}

// resolveBackup accepts either a catalog job id or the path of an artifact
// already tracked by the catalog. A directory artifact that moved since the
// backup ran is resolved through the manifest it carries.
func resolveBackup(repo *catalog.Repository, arg string) (*catalog.BackupJob, error) {
	if id, err := uuid.Parse(arg); err == nil {
		job, err := repo.FindBackupJob(id)
		if err != nil {
			return nil, fmt.Errorf("backup %s not found in catalog: %w", id, err)
		}
		return job, nil
	}

	info, err := os.Stat(arg)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", arg, err)
	}
	if !info.IsDir() && !archive.IsSupported(arg) {
		return nil, fmt.Errorf("artifact %s is not a supported archive format", arg)
	}

	job, err := repo.FindBackupJobByArtifact(arg)
	if err == nil {
		return job, nil
	}
	if info.IsDir() {
		if meta, metaErr := engine.ReadMetadata(arg); metaErr == nil {
			if id, idErr := uuid.Parse(meta.JobID); idErr == nil {
				if job, findErr := repo.FindBackupJob(id); findErr == nil {
					return job, nil
				}
			}
		}
	}
	return nil, fmt.Errorf("no catalog entry for artifact %s: %w", arg, err)
}
