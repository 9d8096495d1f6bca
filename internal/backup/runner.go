// Package backup holds the building blocks of the backup engine: archive codecs, the
// integrity manifest, the persisted settings document and the external command boundary.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner runs an external program to completion.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) error
}

// ExecRunner runs programs with os/exec. Stdout is discarded and stderr becomes the error text.
type ExecRunner struct{}

// Run executes name with args in dir and fails on a non-zero exit.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return errors.New(msg)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited with code %d", name, exitErr.ExitCode())
		}
		return err
	}
	return nil
}
