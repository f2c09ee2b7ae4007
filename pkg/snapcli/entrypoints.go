// Command line interface for taking, restoring and managing snapshots
package snapcli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/function61/docsnap/pkg/snapconfig"
	"github.com/function61/docsnap/pkg/snapengine"
	"github.com/function61/docsnap/pkg/snapmetrics"
	"github.com/function61/docsnap/pkg/snapscheduler"
	"github.com/function61/docsnap/pkg/snaptypes"
	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/httputils"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/osutil"
	"github.com/function61/gokit/taskrunner"
	"github.com/spf13/cobra"
)

func Entrypoints() []*cobra.Command {
	return []*cobra.Command{
		backupEntrypoint(),
		restoreEntrypoint(),
		listEntrypoint(),
		rmEntrypoint(),
		rmAllEntrypoint(),
		emptyTrashEntrypoint(),
		scheduleEntrypoint(),
		configPrintEntrypoint(),
	}
}

func backupEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "backup [name]",
		Short: "Snapshots every collection into one archive",
		Long:  `Without name, the backup is named "<timestamp>-backup.json".`,
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			name := ""
			if len(args) > 0 {
				name = args[0]
			}

			osutil.ExitIfError(withEngine(func(ctx context.Context, engine *snapengine.Engine) error {
				handle, err := engine.Backup(ctx, name)
				if err != nil {
					return err
				}

				printHandle(os.Stdout, handle)

				return nil
			}))
		},
	}
}

func restoreEntrypoint() *cobra.Command {
	plan := snaptypes.RestorePlan{}

	cmd := &cobra.Command{
		Use:   "restore [id]",
		Short: "Restores an archive into the database",
		Long: `Without flags, documents are inserted into existing collections (which fails on
conflicting IDs). Use --reset to replace the archived collections.`,
		Args: cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withEngine(func(ctx context.Context, engine *snapengine.Engine) error {
				report, err := engine.Restore(ctx, args[0], plan)

				printRestoreReport(os.Stdout, report)

				return err
			}))
		},
	}

	cmd.Flags().BoolVarP(&plan.ResetFirst, "reset", "", plan.ResetFirst, "Drop each archived collection before restoring it")
	cmd.Flags().BoolVarP(&plan.DropAllFirst, "drop-all", "", plan.DropAllFirst, "Drop every collection in the database before restoring")

	return cmd
}

func listEntrypoint() *cobra.Command {
	includeFolders := false

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Lists backups",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withEngine(func(ctx context.Context, engine *snapengine.Engine) error {
				objects, err := engine.List(ctx, includeFolders)
				if err != nil {
					return err
				}

				printListing(os.Stdout, objects, time.Now(), stdoutIsTerminal())

				return nil
			}))
		},
	}

	cmd.Flags().BoolVarP(&includeFolders, "folders", "", includeFolders, "Include folders")

	return cmd
}

func rmEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "rm [id]",
		Short: "Deletes a backup (local filesystem store keeps it in trash until empty-trash)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withEngine(func(ctx context.Context, engine *snapengine.Engine) error {
				return engine.Delete(ctx, args[0])
			}))
		},
	}
}

func rmAllEntrypoint() *cobra.Command {
	includeFolders := false
	confirmed := false

	cmd := &cobra.Command{
		Use:   "rm-all",
		Short: "Deletes every listed backup and empties trash",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if !confirmed {
				osutil.ExitIfError(errors.New("irreversible. confirm with --yes"))
			}

			osutil.ExitIfError(withEngine(func(ctx context.Context, engine *snapengine.Engine) error {
				deleted, err := engine.DeleteAll(ctx, includeFolders)

				fmt.Printf("deleted %d object(s)\n", deleted)

				return err
			}))
		},
	}

	cmd.Flags().BoolVarP(&includeFolders, "folders", "", includeFolders, "Delete folders too")
	cmd.Flags().BoolVarP(&confirmed, "yes", "", confirmed, "Confirm")

	return cmd
}

func emptyTrashEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "empty-trash",
		Short: "Permanently purges deleted backups",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withEngine(func(ctx context.Context, engine *snapengine.Engine) error {
				return engine.EmptyTrash(ctx)
			}))
		},
	}
}

func scheduleEntrypoint() *cobra.Command {
	keepLast := 0
	metricsAddr := ""

	cmd := &cobra.Command{
		Use:   "schedule [spec]",
		Short: "Takes backups on a cron schedule (spec from config if not given)",
		Long: `Spec examples: "@daily", "@every 6h", "0 30 3 * * *" (seconds are optional).
Only backups with default names are pruned by --keep-last.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			conf, err := snapconfig.ReadConfig()
			osutil.ExitIfError(err)

			schedule := snapconfig.ScheduleConfig{}
			if conf.Schedule != nil {
				schedule = *conf.Schedule
			}

			// command line wins
			if len(args) > 0 {
				schedule.Spec = args[0]
			}
			if cmd.Flags().Changed("keep-last") {
				schedule.KeepLast = keepLast
			}
			if cmd.Flags().Changed("metrics-addr") {
				schedule.MetricsAddr = metricsAddr
			}

			if schedule.Spec == "" {
				osutil.ExitIfError(errors.New("no schedule spec given"))
			}

			rootLogger := logex.StandardLogger()

			osutil.ExitIfError(runScheduler(
				osutil.CancelOnInterruptOrTerminate(rootLogger),
				conf,
				schedule,
				rootLogger))
		},
	}

	cmd.Flags().IntVarP(&keepLast, "keep-last", "", keepLast, "Delete older scheduled backups beyond this count (0 = keep all)")
	cmd.Flags().StringVarP(&metricsAddr, "metrics-addr", "", metricsAddr, "Serve Prometheus metrics at this address, like :9090")

	return cmd
}

func runScheduler(
	ctx context.Context,
	conf *snapconfig.Config,
	schedule snapconfig.ScheduleConfig,
	rootLogger *log.Logger,
) error {
	metrics := snapmetrics.New()

	engine, closeEngine, err := conf.Engine(ctx, metrics, rootLogger)
	if err != nil {
		return err
	}
	defer closeEngine()

	scheduler, err := snapscheduler.New(schedule.Spec, engine, snapscheduler.Options{
		KeepLast: schedule.KeepLast,
	}, logex.Prefix("scheduler", rootLogger))
	if err != nil {
		return err
	}

	tasks := taskrunner.New(ctx, rootLogger)

	tasks.Start("scheduler", scheduler.Run)

	if schedule.MetricsAddr != "" {
		srv := &http.Server{
			Addr:    schedule.MetricsAddr,
			Handler: metrics.WrapHTTPServer(metricsRoutes(metrics, scheduler)),
		}

		tasks.Start("listener "+srv.Addr, func(ctx context.Context) error {
			return httputils.RemoveGracefulServerClosedError(srv.ListenAndServe())
		})

		tasks.Start("listenershutdowner", httputils.ServerShutdownTask(srv))
	}

	return tasks.Wait()
}

func metricsRoutes(metrics *snapmetrics.Controller, scheduler *snapscheduler.Controller) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", metrics.MetricsHTTPHandler())

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		printSchedulerStatus(w, scheduler.Status())
	})

	return mux
}

func configPrintEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "config-print",
		Short: "Prints path to config file & its contents (secrets redacted)",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			confPath, err := snapconfig.ConfigFilePath()
			osutil.ExitIfError(err)

			fmt.Printf("file: %s\n", confPath)

			exists, err := fileexists.Exists(confPath)
			osutil.ExitIfError(err)

			if !exists {
				fmt.Printf(".. does not exist. Set %s or write the file.\n", snapconfig.EnvConfigPath)
				return
			}

			conf, err := snapconfig.ReadConfigForDisplay(confPath)
			osutil.ExitIfError(err)

			osutil.ExitIfError(printConfig(os.Stdout, conf, os.Getenv))
		},
	}
}

// builds engine from config and gives a context that is cancelled on SIGINT / SIGTERM
func withEngine(fn func(ctx context.Context, engine *snapengine.Engine) error) error {
	rootLogger := logex.StandardLogger()

	ctx := osutil.CancelOnInterruptOrTerminate(rootLogger)

	conf, err := snapconfig.ReadConfig()
	if err != nil {
		return err
	}

	engine, closeEngine, err := conf.Engine(ctx, nil, rootLogger)
	if err != nil {
		return err
	}
	defer closeEngine()

	return fn(ctx, engine)
}
