package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	pgDumpBinary  = "pg_dump"
	psqlBinary    = "psql"
	pgConnTimeout = 10 * time.Second
)

// Dumper exports and replays the application database.
type Dumper interface {
	// Configured reports whether a database is available to dump at all.
	Configured() bool
	Dump(ctx context.Context, outPath string) error
	Restore(ctx context.Context, sqlPath string) error
}

// PostgresDumper dumps with pg_dump and replays with psql.
type PostgresDumper struct {
	databaseURL string
	runner      Runner

	// connect is swapped in tests.
	connect func(ctx context.Context, url string) error
}

// NewPostgresDumper creates a PostgresDumper. An empty URL yields an unconfigured dumper.
func NewPostgresDumper(databaseURL string, runner Runner) *PostgresDumper {
	return &PostgresDumper{databaseURL: databaseURL, runner: runner, connect: ping}
}

// Configured reports whether DATABASE_URL was set.
func (d *PostgresDumper) Configured() bool {
	return d.databaseURL != ""
}

// Dump writes a plain SQL dump to outPath.
func (d *PostgresDumper) Dump(ctx context.Context, outPath string) error {
	if err := d.preflight(ctx); err != nil {
		return err
	}
	return d.runner.Run(ctx, "", pgDumpBinary,
		"--dbname", d.databaseURL, "--no-owner", "--no-privileges", "--file", outPath)
}

// Restore replays sqlPath through psql.
func (d *PostgresDumper) Restore(ctx context.Context, sqlPath string) error {
	if err := d.preflight(ctx); err != nil {
		return err
	}
	return d.runner.Run(ctx, "", psqlBinary, "--dbname", d.databaseURL, "-f", sqlPath)
}

func (d *PostgresDumper) preflight(ctx context.Context) error {
	if err := d.connect(ctx, d.databaseURL); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}

func ping(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, pgConnTimeout)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	return conn.Ping(ctx)
}
