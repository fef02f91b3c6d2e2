// Package shell runs harness commands either on the local machine or on a
// remote login node.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"
)

// Command is one shell command line
type Command struct {
	// Working directory; empty keeps the runner's default
	Dir string
	// Shell command line, already quoted
	Line string
	// Extra KEY=value pairs
	Env []string
	// When set, combined output is streamed here instead of returned
	Output io.Writer
}

// Runner executes shell command lines.
type Runner interface {
	Run(ctx context.Context, cmd Command) (string, error)
}

// Quote joins args into a shell-safe command line.
func Quote(args ...string) string {
	return shellescape.QuoteCommand(args)
}

// ExitCode returns the process exit code carried by err, 0 for a nil error
// and -1 when err is not an exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr interface{ ExitCode() int }
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Local runs commands through sh -c on this machine.
type Local struct {
	logger zerolog.Logger
}

// NewLocal creates a local runner.
func NewLocal(logger zerolog.Logger) *Local {
	return &Local{logger: logger}
}

// Run executes cmd and returns its stdout.
func (l *Local) Run(ctx context.Context, cmd Command) (string, error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd.Line)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}

	var stdout, stderr bytes.Buffer
	if cmd.Output != nil {
		c.Stdout = cmd.Output
		c.Stderr = cmd.Output
	} else {
		c.Stdout = &stdout
		c.Stderr = &stderr
	}

	l.logger.Debug().
		Str("dir", cmd.Dir).
		Str("command", cmd.Line).
		Msg("Running command")

	if err := c.Run(); err != nil {
		if stderr.Len() > 0 {
			return stdout.String(), fmt.Errorf("command failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), fmt.Errorf("command failed: %w", err)
	}
	return stdout.String(), nil
}

// Script renders cmd as a single line suitable for a remote shell.
func Script(cmd Command) string {
	var b strings.Builder
	if cmd.Dir != "" {
		b.WriteString("cd ")
		b.WriteString(shellescape.Quote(cmd.Dir))
		b.WriteString(" && ")
	}
	if len(cmd.Env) > 0 {
		b.WriteString("env ")
		for _, kv := range cmd.Env {
			b.WriteString(shellescape.Quote(kv))
			b.WriteByte(' ')
		}
		// run the line through a shell so env applies to the whole pipeline
		b.WriteString("sh -c ")
		b.WriteString(shellescape.Quote(cmd.Line))
		return b.String()
	}
	b.WriteString(cmd.Line)
	return b.String()
}
