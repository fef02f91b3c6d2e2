// Package shelltest provides a scripted shell.Runner for tests.
package shelltest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rgt-harness/rgt/shell"
)

// Response is the scripted result of a command whose line starts with
// Prefix.
type Response struct {
	Prefix string
	Stdout string
	Err    error
	// Run is called instead of returning Stdout when set
	Run func(cmd shell.Command) (string, error)
}

// Recorder records every command and answers from its script. Commands
// with no matching response succeed with empty output.
type Recorder struct {
	mu        sync.Mutex
	responses []Response
	commands  []shell.Command
}

var _ shell.Runner = (*Recorder)(nil)

// New creates a recorder answering with responses, first match wins.
func New(responses ...Response) *Recorder {
	return &Recorder{responses: responses}
}

// On adds a response.
func (r *Recorder) On(prefix, stdout string, err error) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, Response{Prefix: prefix, Stdout: stdout, Err: err})
	return r
}

func (r *Recorder) Run(ctx context.Context, cmd shell.Command) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	var match *Response
	for i := range r.responses {
		if strings.HasPrefix(cmd.Line, r.responses[i].Prefix) {
			match = &r.responses[i]
			break
		}
	}
	r.mu.Unlock()

	if match == nil {
		return "", nil
	}
	if match.Run != nil {
		return match.Run(cmd)
	}
	if cmd.Output != nil && match.Stdout != "" {
		_, _ = io.WriteString(cmd.Output, match.Stdout)
		return "", match.Err
	}
	return match.Stdout, match.Err
}

// Lines returns the command lines run so far.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := make([]string, len(r.commands))
	for i, c := range r.commands {
		lines[i] = c.Line
	}
	return lines
}

// Commands returns the commands run so far.
func (r *Recorder) Commands() []shell.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]shell.Command(nil), r.commands...)
}

// ExitError is an error carrying an exit code, for scripting failures.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) ExitCode() int { return e.Code }
