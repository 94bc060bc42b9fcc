package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fenilsonani/list-server/internal/audit"
	"github.com/fenilsonani/list-server/internal/config"
	"github.com/fenilsonani/list-server/internal/list"
	"github.com/fenilsonani/list-server/internal/lmtp"
	"github.com/fenilsonani/list-server/internal/logging"
	"github.com/fenilsonani/list-server/internal/master"
	"github.com/fenilsonani/list-server/internal/metrics"
	"github.com/fenilsonani/list-server/internal/runner"
	"github.com/fenilsonani/list-server/internal/tasks"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *logging.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode distinguishes the failures operators script against: 2 for
// a lock that could not be taken, 3 for a privilege check failure, 1
// for everything else.
func exitCode(err error) int {
	switch {
	case errors.Is(err, master.ErrLockFailure):
		return 2
	case errors.Is(err, master.ErrPrivilege):
		return 3
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "listserver",
	Short: "Mailing list server",
	Long: `A mailing list server with durable on-disk queues:
- LMTP ingress from the local MTA
- moderated posting, digests, and USENET gating
- bounce scoring with automatic disable and removal
- a master supervisor over sliced queue runners`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log, err = logging.New(logging.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		})
		if err != nil {
			return fmt.Errorf("failed to set up logging: %w", err)
		}
		return nil
	},
}

// openStore builds the list store from the loaded configuration.
func openStore() *list.Store {
	return list.NewStore(cfg.Paths.ListsDir, cfg.Paths.DataDir, cfg.Paths.LocksDir,
		cfg.LockLifetime(), cfg.ListLockTimeout())
}

// openJournal opens the audit journal, or returns nil when disabled.
// A nil journal is safe to record against.
func openJournal() (*audit.Journal, error) {
	if !cfg.Audit.Enabled {
		return nil, nil
	}
	return audit.Open(cfg.Audit.DatabasePath)
}

var ctlCmd = &cobra.Command{
	Use:   "ctl",
	Short: "Control the master runner supervisor",
}

var ctlStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the master supervisor and its queue runners",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if err := cfg.EnsureDirectories(); err != nil {
			return fmt.Errorf("failed to create required directories: %w", err)
		}
		store := openStore()
		if !store.Exists(cfg.Server.SiteList) {
			return fmt.Errorf("site list %q does not exist; run 'listserver create %s' first",
				cfg.Server.SiteList, cfg.Server.SiteList)
		}

		ctx := context.Background()
		if cfg.Metrics.Enabled {
			srv := metrics.NewServer(cfg.Metrics.Listen)
			srv.Start()
			defer srv.Stop(ctx)
		}

		force, _ := cmd.Flags().GetBool("stale-lock-cleanup")
		return master.New(cfg, log).Run(ctx, force)
	},
}

var ctlStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running master and its runners",
	RunE: func(cmd *cobra.Command, args []string) error {
		return master.SignalMaster(cfg, syscall.SIGTERM)
	},
}

var ctlRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Ask the master to restart all queue runners",
	RunE: func(cmd *cobra.Command, args []string) error {
		return master.SignalMaster(cfg, syscall.SIGINT)
	},
}

var ctlReopenCmd = &cobra.Command{
	Use:   "reopen",
	Short: "Ask the master and runners to reopen their log files",
	RunE: func(cmd *cobra.Command, args []string) error {
		return master.SignalMaster(cfg, syscall.SIGHUP)
	},
}

var runnerCmd = &cobra.Command{
	Use:   "runner",
	Short: "Run one queue runner slice",
	Long: `Runs a single queue runner. Normally spawned by the master with
--subproc; run by hand with --once to drain a queue slice for debugging.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, _ := cmd.Flags().GetString("spec")
		once, _ := cmd.Flags().GetBool("once")
		slot, err := master.ParseSlot(spec)
		if err != nil {
			return err
		}
		if err := cfg.EnsureDirectories(); err != nil {
			return err
		}
		journal, err := openJournal()
		if err != nil {
			return fmt.Errorf("open audit journal: %w", err)
		}
		defer journal.Close()

		deps := runner.Deps{
			Config:  cfg,
			Logger:  log,
			Store:   openStore(),
			Journal: journal,
		}
		r, err := runner.New(slot.Name, slot.Slice, slot.NumSlices, deps, once)
		if err != nil {
			return err
		}

		// SIGTERM drains and exits cleanly; SIGINT is left at its default
		// disposition so the master sees a signal death and re-forks.
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
		defer stop()
		return r.Run(ctx)
	},
}

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Run one periodic maintenance job",
}

// cronJob wires one tasks method into a cobra subcommand.
func cronJob(use, short string, job func(*tasks.Tasks, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}
			journal, err := openJournal()
			if err != nil {
				return fmt.Errorf("open audit journal: %w", err)
			}
			defer journal.Close()
			return job(tasks.New(cfg, log, openStore(), journal), context.Background())
		},
	}
}

var injectCmd = &cobra.Command{
	Use:   "inject <message-file>",
	Short: "Spool a raw message file onto a queue",
	Long:  `Reads an RFC 5322 message from the file (or stdin with "-") and enqueues it.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		listname, _ := cmd.Flags().GetString("listname")
		queueName, _ := cmd.Flags().GetString("queue")
		if listname == "" {
			return fmt.Errorf("--listname is required")
		}

		var raw []byte
		var err error
		if args[0] == "-" {
			raw, err = io.ReadAll(os.Stdin)
		} else {
			raw, err = os.ReadFile(args[0])
		}
		if err != nil {
			return err
		}

		filebase, err := tasks.Inject(cfg, listname, queueName, raw)
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s on %s\n", filebase, queueName)
		return nil
	},
}

var unshuntCmd = &cobra.Command{
	Use:   "unshunt [queue]",
	Short: "Move shunted entries back to their original queues",
	Long:  `Replays shunted entries onto the queues they were shunted from. With a queue name, only entries shunted from that queue are replayed.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		which := ""
		if len(args) == 1 {
			which = args[0]
		}
		journal, err := openJournal()
		if err != nil {
			return fmt.Errorf("open audit journal: %w", err)
		}
		defer journal.Close()

		restored, err := runner.Unshunt(cfg, log, journal, which)
		if err != nil {
			return err
		}
		fmt.Printf("restored %d entries\n", restored)
		return nil
	},
}

var lmtpCmd = &cobra.Command{
	Use:   "lmtp",
	Short: "Serve LMTP ingress for the local MTA",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.LMTP.Enabled {
			return fmt.Errorf("lmtp is disabled in the configuration")
		}
		if err := cfg.EnsureDirectories(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		if cfg.Metrics.Enabled {
			srv := metrics.NewServer(cfg.Metrics.Listen)
			srv.Start()
			defer srv.Stop(context.Background())
		}

		srv := lmtp.NewServer(cfg, openStore(), log)
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		select {
		case <-ctx.Done():
			return srv.Close()
		case err := <-errCh:
			return err
		}
	},
}

var createCmd = &cobra.Command{
	Use:   "create <listname>",
	Short: "Create a new mailing list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.EnsureDirectories(); err != nil {
			return err
		}
		name := args[0]
		store := openStore()
		if _, err := store.Create(name, cfg.Server.Domain); err != nil {
			return err
		}

		owner, _ := cmd.Flags().GetString("owner")
		password, _ := cmd.Flags().GetString("password")
		if owner != "" || password != "" {
			ml, err := store.Lock(name)
			if err != nil {
				return err
			}
			defer store.Unlock(ml)
			if owner != "" {
				ml.Owners = append(ml.Owners, owner)
			}
			if password != "" {
				if err := ml.SetAdminPassword(password); err != nil {
					return err
				}
			}
			if err := store.Save(ml); err != nil {
				return err
			}
		}

		journal, err := openJournal()
		if err == nil {
			journal.Record(audit.EventListCreated, name, owner, "created from the command line")
			journal.Close()
		}
		fmt.Printf("created list %s@%s\n", name, cfg.Server.Domain)
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Dump the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		os.Stdout.Write(out)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "/etc/listserver/config.yaml", "config file path")

	ctlStartCmd.Flags().BoolP("stale-lock-cleanup", "s", false, "break a stale master lock left by a dead master on this host")
	ctlCmd.AddCommand(ctlStartCmd, ctlStopCmd, ctlRestartCmd, ctlReopenCmd)

	runnerCmd.Flags().String("spec", "", "runner spec as name:slice:range")
	runnerCmd.Flags().Bool("once", false, "stop after one pass over the queue")
	runnerCmd.Flags().Bool("subproc", false, "set when spawned by the master")
	runnerCmd.MarkFlagRequired("spec")

	cronCmd.AddCommand(
		cronJob("checkdbs", "Discard expired held requests and summarize pending ones", (*tasks.Tasks).CheckDBs),
		cronJob("disabled", "Warn and cull members disabled by bounces", (*tasks.Tasks).Disabled),
		cronJob("digests", "Send pending digests regardless of size", (*tasks.Tasks).Digests),
		cronJob("reminders", "Mail monthly membership reminders", (*tasks.Tasks).Reminders),
		cronJob("gatenews", "Poll gatewayed newsgroups and inject new articles", (*tasks.Tasks).GateNews),
		cronJob("bumpdigests", "Advance digest volume numbers", (*tasks.Tasks).BumpDigests),
	)

	injectCmd.Flags().StringP("listname", "l", "", "list the message belongs to")
	injectCmd.Flags().StringP("queue", "q", "incoming", "queue to spool onto")

	createCmd.Flags().String("owner", "", "initial owner address")
	createCmd.Flags().String("password", "", "list administrator password")

	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(ctlCmd, runnerCmd, cronCmd, injectCmd, unshuntCmd, lmtpCmd, createCmd, configCmd)
}
