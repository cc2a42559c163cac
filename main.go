package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var ErrAlreadyRunning = errors.New("another bucketmirror process holds the lock")

// app is the state shared by the subcommands of one invocation.
type app struct {
	configFile string
	appConfig  AppConfig
	closers    []io.Closer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := (&app{}).execute(ctx, os.Args[1:]); err != nil {
		log.WithError(err).Error("bucketmirror failed")
		stop()
		os.Exit(1)
	}
}

// execute runs one command line. Resources opened while loading are closed
// even when the command fails.
func (a *app) execute(ctx context.Context, args []string) error {
	defer a.close()
	rootCmd := newRootCmd(a)
	rootCmd.SetArgs(args)

	return rootCmd.ExecuteContext(ctx)
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "bucketmirror",
		Short:         "Mirror local folders into object storage buckets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	rootCmd.PersistentFlags().StringVar(&a.configFile, "configfile", "", "Configuration File Path")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "sync",
			Short: "Run every configured sync once",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withLock(func() error { return a.syncOnce(cmd.Context()) })
			},
		},
		&cobra.Command{
			Use:   "clean",
			Short: "Cancel unfinished uploads and prune prior versions in every configured bucket",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withLock(func() error { return a.clean(cmd.Context()) })
			},
		},
		&cobra.Command{
			Use:   "daemon",
			Short: "Run every configured sync on its interval until interrupted",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withLock(func() error { return a.daemon(cmd.Context()) })
			},
		},
		&cobra.Command{
			Use:   "config",
			Short: "Print the effective configuration",
			RunE: func(cmd *cobra.Command, args []string) error {
				for _, line := range a.appConfig.ConfigStringArray() {
					if _, err := fmt.Fprintln(cmd.OutOrStdout(), line); err != nil {
						return err
					}
				}
				return nil
			},
		},
	)

	return rootCmd
}

func (a *app) load() error {
	appConfig, configErr := LoadConfig(a.configFile)
	if configErr != nil {
		return configErr
	}
	a.appConfig = appConfig

	logCloser, logErr := ConfigureLogging(appConfig, time.Now())
	if logErr != nil {
		return fmt.Errorf("Error configuring logging: %w", logErr)
	}
	if logCloser != nil {
		a.closers = append(a.closers, logCloser)
	}

	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			log.WithError(err).Warn("Error closing resource")
		}
	}
	a.closers = nil
}

// withLock keeps two processes from syncing the same configuration.
func (a *app) withLock(fn func() error) error {
	lockFile := a.appConfig.LockFile
	if lockFile == "" {
		return fn()
	}
	if mkdirErr := os.MkdirAll(filepath.Dir(lockFile), 0o755); mkdirErr != nil {
		return mkdirErr
	}

	fileLock := flock.New(lockFile)
	locked, lockErr := fileLock.TryLock()
	if lockErr != nil {
		return fmt.Errorf("Error acquiring lock %s: %w", lockFile, lockErr)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, lockFile)
	}
	defer fileLock.Unlock()

	return fn()
}

// syncers builds one Syncer per configured folder sharing a client, ledger
// and notifier.
func (a *app) syncers(ctx context.Context) ([]*Syncer, error) {
	log.Info("Using configuration:")
	for _, line := range a.appConfig.ConfigStringArray() {
		log.Info(line)
	}

	client, clientErr := a.appConfig.ClientFromConfig(ctx)
	if clientErr != nil {
		return nil, clientErr
	}

	var ledger *HashLedger
	if a.appConfig.StateFile != "" {
		opened, ledgerErr := OpenHashLedger(a.appConfig.StateFile)
		if ledgerErr != nil {
			return nil, fmt.Errorf("Error opening state file: %w", ledgerErr)
		}
		a.closers = append(a.closers, opened)
		ledger = opened
	}

	var notifier Notifier
	if a.appConfig.Notify.Topic != "" {
		snsNotifier, notifyErr := NewSNSNotifier(ctx, a.appConfig)
		if notifyErr != nil {
			return nil, fmt.Errorf("Error creating notifier: %w", notifyErr)
		}
		notifier = snsNotifier
	}

	syncers := make([]*Syncer, 0, len(a.appConfig.Sync))
	for _, sc := range a.appConfig.Sync {
		syncers = append(syncers, NewSyncer(client, a.appConfig, sc, ledger, notifier))
	}

	return syncers, nil
}

func (a *app) syncOnce(ctx context.Context) error {
	syncers, setupErr := a.syncers(ctx)
	if setupErr != nil {
		return setupErr
	}

	return runAll(ctx, syncers)
}

// runAll runs each syncer in turn. A fatal error in one folder does not
// stop the others; the joined errors are returned.
func runAll(ctx context.Context, syncers []*Syncer) error {
	var errs []error
	for _, syncer := range syncers {
		if ctxErr := ctx.Err(); ctxErr != nil {
			errs = append(errs, ctxErr)
			break
		}
		results, runErr := syncer.Run(ctx)
		if runErr != nil {
			errs = append(errs, fmt.Errorf("sync of %s: %w", syncer.Config.SourceFolder, runErr))
			continue
		}
		if len(results.PermanentFailures) > 0 {
			log.Warn(fmt.Sprintf("%d operations for %s failed permanently", len(results.PermanentFailures), syncer.Config.SourceFolder))
		}
	}

	return errors.Join(errs...)
}

func (a *app) clean(ctx context.Context) error {
	syncers, setupErr := a.syncers(ctx)
	if setupErr != nil {
		return setupErr
	}

	var errs []error
	for _, syncer := range syncers {
		uploads, versions, cleanErr := syncer.Clean(ctx)
		if cleanErr != nil {
			errs = append(errs, fmt.Errorf("clean of %s: %w", syncer.Config.DestinationBucket, cleanErr))
			continue
		}
		log.Info(fmt.Sprintf("Cleaned %s: %d unfinished uploads cancelled, %d prior versions deleted",
			syncer.Config.DestinationBucket, uploads.Deleted, versions.Deleted))
	}

	return errors.Join(errs...)
}

func (a *app) daemon(ctx context.Context) error {
	syncers, setupErr := a.syncers(ctx)
	if setupErr != nil {
		return setupErr
	}

	return RunScheduled(ctx, syncers)
}
