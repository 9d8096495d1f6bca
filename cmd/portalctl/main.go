// Package main is the entrypoint for portalctl, the operator CLI for the Quake III portal.
// It drives the same services as the HTTP server directly against the local data directory.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/isdelr/q3-portal-be/internal/backup"
	"github.com/isdelr/q3-portal-be/internal/config"
	"github.com/isdelr/q3-portal-be/internal/database"
	"github.com/isdelr/q3-portal-be/internal/logger"
	"github.com/isdelr/q3-portal-be/internal/models"
	"github.com/isdelr/q3-portal-be/internal/quake"
	"github.com/isdelr/q3-portal-be/internal/services"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd(loadApp).Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the services a command runs against.
type app struct {
	status    services.StatusServiceProvider
	backups   services.BackupServiceProvider
	uploadDir string
	db        *sql.DB
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
}

func loadApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.LogLevel, cfg.LogJSON)

	db, err := database.New(cfg.EventsDBPath)
	if err != nil {
		return nil, fmt.Errorf("open events database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate events database: %w", err)
	}
	events := services.NewEventService(db)

	runner := backup.ExecRunner{}
	return &app{
		status: services.NewStatusService(quake.NewClient(), services.StatusServiceConfig{
			Host:         cfg.QuakeHost,
			Port:         cfg.QuakePort,
			RconPassword: cfg.RconPassword,
			Timeout:      cfg.QuakeQueryTimeout,
		}, events, nil),
		backups: services.NewBackupService(
			services.BackupPaths{DataDir: cfg.DataDir(), EnvFile: cfg.EnvFile()},
			backup.NewArchiver(cfg.Archiver, runner, backup.ExtractLimits{MaxBytes: cfg.MaxExtractBytes}),
			backup.NewPostgresDumper(cfg.DatabaseURL, runner),
			events,
			nil,
		),
		uploadDir: cfg.UploadTempDir(),
		db:        db,
	}, nil
}

func newRootCmd(load func() (*app, error)) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "portalctl",
		Short:        "Operate the Quake III portal from the command line",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newStatusCmd(load),
		newRconCmd(load),
		newBackupCmd(load),
	)
	return rootCmd
}

func withApp(load func() (*app, error), fn func(ctx context.Context, a *app, out io.Writer) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		a, err := load()
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a, cmd.OutOrStdout())
	}
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult prints a run result and turns a failed one into a non-zero exit.
func printResult(out io.Writer, result models.BackupRunResult) error {
	if err := printJSON(out, result); err != nil {
		return err
	}
	if !result.OK {
		return errors.New(result.Error)
	}
	return nil
}

func newStatusCmd(load func() (*app, error)) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query the game server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(load, func(ctx context.Context, a *app, out io.Writer) error {
				if refresh {
					return printJSON(out, a.status.RefreshServerStatus(ctx))
				}
				return printJSON(out, a.status.GetServerStatus(ctx))
			})(cmd, args)
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "Bypass the status cache")
	return cmd
}

func newRconCmd(load func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "rcon <command...>",
		Short: "Send a console command to the game server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args, " ")
			return withApp(load, func(ctx context.Context, a *app, out io.Writer) error {
				output, err := a.status.SendConfiguredRcon(ctx, command)
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(out, output)
				return err
			})(cmd, args)
		},
	}
}

func newBackupCmd(load func() (*app, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage data directory backups",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show backup settings and state",
			RunE: withApp(load, func(ctx context.Context, a *app, out io.Writer) error {
				status, err := a.backups.GetBackupStatus(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, status)
			}),
		},
		&cobra.Command{
			Use:   "list",
			Short: "List archives in both scopes, newest first",
			RunE: withApp(load, func(ctx context.Context, a *app, out io.Writer) error {
				backups, err := a.backups.ListBackups(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, backups)
			}),
		},
		&cobra.Command{
			Use:   "run",
			Short: "Create a backup now",
			RunE: withApp(load, func(ctx context.Context, a *app, out io.Writer) error {
				return printResult(out, a.backups.CreateBackupNow(ctx))
			}),
		},
		newBackupVerifyCmd(load),
		newBackupRestoreCmd(load),
		newBackupUploadCmd(load),
		newBackupSettingsCmd(load),
	)
	return cmd
}

func newBackupVerifyCmd(load func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <zip>",
		Short: "Check an archive against its manifest without restoring it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(load, func(ctx context.Context, a *app, out io.Writer) error {
				if err := a.backups.VerifyArchive(ctx, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(out, "%s: OK\n", args[0])
				return err
			})(cmd, args)
		},
	}
}

func newBackupRestoreCmd(load func() (*app, error)) *cobra.Command {
	var (
		scope   string
		confirm bool
	)

	cmd := &cobra.Command{
		Use:   "restore <filename>",
		Short: "Replace live data with the contents of an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if scope != string(models.ScopeDefault) && scope != string(models.ScopeManual) {
				return fmt.Errorf("invalid scope %q: must be default or manual", scope)
			}
			return withApp(load, func(ctx context.Context, a *app, out io.Writer) error {
				return printResult(out, a.backups.RestoreBackupFromScope(ctx, models.BackupScope(scope), args[0], confirm))
			})(cmd, args)
		},
	}

	cmd.Flags().StringVar(&scope, "scope", string(models.ScopeDefault), "Archive scope: default or manual")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "Confirm that live data will be overwritten")
	return cmd
}

func newBackupUploadCmd(load func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <zip>",
		Short: "Register an archive as a manual backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := args[0]
			if !strings.EqualFold(filepath.Ext(src), ".zip") {
				return errors.New("Solo se permite archivo .zip")
			}
			return withApp(load, func(ctx context.Context, a *app, out io.Writer) error {
				// The engine takes ownership of the file it registers, so hand it a copy.
				if err := os.MkdirAll(a.uploadDir, 0o755); err != nil {
					return err
				}
				tmp, err := os.CreateTemp(a.uploadDir, "upload-*.tmp")
				if err != nil {
					return err
				}
				tmp.Close()
				if err := backup.CopyFile(src, tmp.Name()); err != nil {
					os.Remove(tmp.Name())
					return err
				}
				return printResult(out, a.backups.RegisterUploadedManualBackup(ctx, tmp.Name(), filepath.Base(src)))
			})(cmd, args)
		},
	}
}

func newBackupSettingsCmd(load func() (*app, error)) *cobra.Command {
	var (
		enabled      bool
		maxCopies    int
		intervalDays int
	)

	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Update backup settings; values out of range are clamped",
		RunE: func(cmd *cobra.Command, args []string) error {
			var update models.BackupSettingsUpdate
			flags := cmd.Flags()
			if flags.Changed("enabled") {
				update.Enabled = &enabled
			}
			if flags.Changed("max-copies") {
				update.MaxCopies = &maxCopies
			}
			if flags.Changed("interval-days") {
				update.IntervalDays = &intervalDays
			}

			return withApp(load, func(ctx context.Context, a *app, out io.Writer) error {
				status, err := a.backups.UpdateBackupSettings(ctx, update)
				if err != nil {
					return err
				}
				return printJSON(out, status)
			})(cmd, args)
		},
	}

	cmd.Flags().BoolVar(&enabled, "enabled", true, "Enable scheduled backups")
	cmd.Flags().IntVar(&maxCopies, "max-copies", backup.DefaultSettings().MaxCopies, "Number of scheduled archives to keep")
	cmd.Flags().IntVar(&intervalDays, "interval-days", backup.DefaultSettings().IntervalDays, "Days between scheduled backups")
	return cmd
}
