package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hsvp/farmacontrol/backend/internal/config"
	"github.com/hsvp/farmacontrol/backend/internal/export"
	exportscheduler "github.com/hsvp/farmacontrol/backend/internal/export/scheduler"
	"github.com/hsvp/farmacontrol/backend/internal/logging"
	"github.com/hsvp/farmacontrol/backend/internal/rollover"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	Account    string

	// newApp builds the App for a command. Tests replace it.
	newApp func(ctx context.Context, cfg *config.Config, opts appOptions) (*App, error)
}

// NewRootCommand creates the root command for the farmacontrol CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{newApp: NewApp})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "farmacontrol",
		Short: "Offline-first controlled substance ledger",
		Long: `farmacontrol keeps the hospital pharmacy kardex for narcotics and
psychotropics. Every change is saved locally first and replayed to the
remote document store when it is reachable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.Account, "account", "", "account to sign in as (overrides config)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewFlushCommand(opts))
	cmd.AddCommand(NewExportCommand(opts))
	cmd.AddCommand(NewVerifyBackupCommand(opts))
	cmd.AddCommand(NewBackupsCommand(opts))
	cmd.AddCommand(NewRolloverCommand(opts))
	cmd.AddCommand(NewResumeRolloverCommand(opts))

	return cmd
}

// loadConfig reads the config file and applies flag overrides.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.Account != "" {
		cfg.Account = o.Account
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// open loads the config and builds the App.
func (o *RootOptions) open(ctx context.Context, aopts appOptions) (*App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return o.newApp(ctx, cfg, aopts)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the background sync loop and the local HTTP/WebSocket API",
		Long: `Start the long-running process: restore the local snapshot, sign in,
resume an unfinished rollover, then flush pending writes in the background
while serving the local API.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	hub := NewWSHub()
	app, err := opts.open(ctx, appOptions{hub: hub})
	if err != nil {
		hub.Close()
		return err
	}
	defer app.Close(context.Background())

	if app.Config.Account != "" {
		if err := app.SignIn(ctx); err != nil {
			return err
		}
		if res, err := app.ResumePending(ctx); err != nil {
			logging.Error("Rollover resume failed", err, nil)
		} else if res != nil {
			hub.OnRollover(res, nil)
		}
	} else {
		logging.Warn("No account configured; serving the local snapshot only", nil)
	}

	app.Syncer.Start(ctx)
	app.Syncer.SetOnlineStatus(ctx, true)
	if err := app.Backups.Start(ctx); err != nil {
		return err
	}
	return Serve(ctx, app.Config.Server.Addr, NewRouter(app))
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the local queue and sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := opts.open(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer app.Close(context.Background())
			return printJSON(cmd.OutOrStdout(), app.Session.Status())
		},
	}
}

// NewFlushCommand creates the flush command.
func NewFlushCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Sign in and replay pending writes once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := opts.open(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			if err := app.SignIn(ctx); err != nil {
				return err
			}
			result, err := app.Session.Flush(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"status":    result.Status,
				"applied":   result.Applied,
				"failed":    result.Failed,
				"remaining": result.Remaining,
				"skipped":   result.Skipped,
				"error":     result.Error,
			}); err != nil {
				return err
			}
			if result.Remaining > 0 {
				return fmt.Errorf("%d writes still pending", result.Remaining)
			}
			return nil
		},
	}
}

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Output   string
	Password string
	Online   bool
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a backup of the ledger",
		Long: `Write a backup file of the current ledger. Without --online the local
snapshot is exported as is, including writes not yet replayed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := opts.open(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			if opts.Online {
				if err := app.SignIn(ctx); err != nil {
					return err
				}
			}
			password := opts.Password
			if password == "" {
				password = app.Config.Export.Password
			}
			result, err := app.Export.Export(ctx, &export.ExportConfig{
				Snapshot:   app.Session.Snapshot(),
				OutputPath: opts.Output,
				Password:   password,
				Reason:     "manual",
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"path":       result.FilePath,
				"manifest":   result.ManifestPath,
				"items":      result.ItemCount,
				"size_bytes": result.SizeBytes,
				"checksum":   result.Checksum,
				"encrypted":  result.Encrypted,
				"upload_key": result.UploadKey,
			})
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "out", "o", "", "output file (default: export dir)")
	cmd.Flags().StringVar(&opts.Password, "password", "", "encrypt the backup with this password")
	cmd.Flags().BoolVar(&opts.Online, "online", false, "sign in and load the remote state first")

	return cmd
}

// NewVerifyBackupCommand creates the verify-backup command.
func NewVerifyBackupCommand(opts *RootOptions) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "verify-backup <file>",
		Short: "Check that a backup file can be read back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := opts.loadConfig(); err != nil {
				return err
			}
			backup, err := export.ReadBackup(args[0], password)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"date":         backup.Date,
				"transactions": len(backup.Transactions),
				"expedientes":  len(backup.Expedientes),
				"bitacora":     len(backup.Bitacora),
				"medications":  len(backup.Medications),
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password of an encrypted backup")
	return cmd
}

// NewBackupsCommand creates the backups command.
func NewBackupsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backups",
		Short: "List backup files in the export directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			archives, err := exportscheduler.ListArchives(cfg.Export.Dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, a := range archives {
				fmt.Fprintf(out, "%s\t%s\t%d\t%s\n", a.CreatedAt.Format("2006-01-02 15:04"), a.Reason, a.SizeBytes, a.Path)
			}
			return nil
		},
	}
}

// promptConfirmer asks on in and reads a y/N answer.
func promptConfirmer(in io.Reader, out io.Writer) rollover.Confirmer {
	reader := bufio.NewReader(in)
	return rollover.ConfirmFunc(func(ctx context.Context, prompt string) (bool, error) {
		fmt.Fprintf(out, "%s [y/N]: ", prompt)
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes", "s", "si":
			return true, nil
		}
		return false, nil
	})
}

// NewRolloverCommand creates the rollover command.
func NewRolloverCommand(opts *RootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "rollover",
		Short: "Close the period: back up, delete remote records and carry stock over",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			confirmer := rollover.AlwaysConfirm
			if !yes {
				confirmer = promptConfirmer(cmd.InOrStdin(), cmd.OutOrStdout())
			}
			app, err := opts.open(ctx, appOptions{confirmer: confirmer})
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			if err := app.SignIn(ctx); err != nil {
				return err
			}
			res, err := app.Session.Rollover(ctx)
			if err != nil {
				return err
			}
			return printRollover(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

// NewResumeRolloverCommand creates the resume-rollover command.
func NewResumeRolloverCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume-rollover",
		Short: "Finish a rollover interrupted by a failure or a restart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := opts.open(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			if err := app.SignIn(ctx); err != nil {
				return err
			}
			res, err := app.ResumePending(ctx)
			if err != nil {
				return err
			}
			if res == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no unfinished rollover")
				return nil
			}
			return printRollover(cmd.OutOrStdout(), res)
		},
	}
}

func printRollover(w io.Writer, res *rollover.Result) error {
	return printJSON(w, map[string]interface{}{
		"backup_path": res.BackupPath,
		"carry_over":  len(res.CarryOver),
		"deleted":     res.Deleted,
		"purged":      res.Purged,
		"resumed":     res.Resumed,
		"duration":    res.Duration.String(),
	})
}
