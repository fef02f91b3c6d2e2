// Package scheduler submits, polls and cancels batch jobs on SLURM, PBS
// and LSF clusters. Batch commands run through a shell.Runner, locally or
// on a login node.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rgt-harness/rgt/config"
	"github.com/rgt-harness/rgt/shell"
)

// Kind identifies a batch system.
type Kind uint8

const (
	KindSLURM Kind = iota + 1
	KindPBS
	KindLSF
)

var kindNames = map[Kind]string{
	KindSLURM: "slurm",
	KindPBS:   "pbs",
	KindLSF:   "lsf",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

var (
	ErrUnknownKind = errors.New("unknown scheduler type")
	ErrNoJobID     = errors.New("no job id in submit output")
)

// ParseKind resolves a scheduler_type value.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// JobState is the coarse state of a batch job.
type JobState string

const (
	StatePending JobState = "pending"
	StateRunning JobState = "running"
	StateDone    JobState = "done"
	StateFailed  JobState = "failed"
)

// Terminal reports whether the job will not change state again.
func (s JobState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Job is a batch script to submit.
type Job struct {
	// Path of the batch script
	Script string
	// Directory the submit command runs in
	Dir     string
	Queue   string
	Account string
	// Extra submit arguments, already shell quoted
	ExtraArgs string
}

// Client talks to one batch system.
type Client interface {
	Submit(ctx context.Context, job Job) (string, error)
	Poll(ctx context.Context, id string) (JobState, error)
	Cancel(ctx context.Context, id string) error
	Kind() Kind
}

// commands describes the command line surface of a batch system.
type commands struct {
	submit      string
	scriptStdin bool
	status      []string
	cancel      string
	queueFlag   string
	accountFlag string
	// environment variable holding the job id inside a running job
	jobIDEnv string
	// parses status output; ok is false when the job is no longer listed
	parseState func(out string) (state JobState, ok bool)
	// what the status command prints for an id it no longer knows
	unknownJob []string
}

var registry = map[Kind]commands{
	KindSLURM: {
		submit:      "sbatch",
		status:      []string{"squeue", "-h", "-o", "%T", "-j"},
		cancel:      "scancel",
		queueFlag:   "-p",
		accountFlag: "-A",
		jobIDEnv:    "SLURM_JOB_ID",
		parseState:  parseSLURMState,
		unknownJob:  []string{"invalid job id specified"},
	},
	KindPBS: {
		submit:      "qsub",
		status:      []string{"qstat"},
		cancel:      "qdel",
		queueFlag:   "-q",
		accountFlag: "-A",
		jobIDEnv:    "PBS_JOBID",
		parseState:  parsePBSState,
		unknownJob:  []string{"unknown job id", "job has finished"},
	},
	KindLSF: {
		submit:      "bsub",
		scriptStdin: true,
		status:      []string{"bjobs", "-noheader", "-o", "stat"},
		cancel:      "bkill",
		queueFlag:   "-q",
		accountFlag: "-P",
		jobIDEnv:    "LSB_JOBID",
		parseState:  parseLSFState,
		unknownJob:  []string{"is not found"},
	},
}

type batchClient struct {
	kind   Kind
	cmds   commands
	runner shell.Runner
	logger zerolog.Logger
}

// New creates a client for kind running commands through runner.
func New(kind Kind, runner shell.Runner, logger zerolog.Logger) (Client, error) {
	cmds, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if runner == nil {
		runner = shell.NewLocal(logger)
	}
	return &batchClient{
		kind:   kind,
		cmds:   cmds,
		runner: runner,
		logger: logger.With().Str("scheduler", kind.String()).Logger(),
	}, nil
}

// FromConfig creates the client named by MachineDetails.scheduler_type.
func FromConfig(machine config.MachineDetails, runner shell.Runner, logger zerolog.Logger) (Client, error) {
	kind, err := ParseKind(machine.SchedulerType)
	if err != nil {
		return nil, err
	}
	return New(kind, runner, logger)
}

func (c *batchClient) Kind() Kind { return c.kind }

// SubmitLine renders the submit command for job.
func (c *batchClient) SubmitLine(job Job) string {
	args := []string{c.cmds.submit}
	if job.Queue != "" {
		args = append(args, c.cmds.queueFlag, job.Queue)
	}
	if job.Account != "" {
		args = append(args, c.cmds.accountFlag, job.Account)
	}
	line := shell.Quote(args...)
	if job.ExtraArgs != "" {
		line += " " + job.ExtraArgs
	}
	if c.cmds.scriptStdin {
		return line + " < " + shell.Quote(job.Script)
	}
	return line + " " + shell.Quote(job.Script)
}

func (c *batchClient) Submit(ctx context.Context, job Job) (string, error) {
	line := c.SubmitLine(job)
	c.logger.Info().Str("script", job.Script).Str("command", line).Msg("Submitting batch job")

	out, err := c.runner.Run(ctx, shell.Command{Dir: job.Dir, Line: line})
	if err != nil {
		return "", fmt.Errorf("failed to submit %s: %w", job.Script, err)
	}

	id, err := ParseJobID(out)
	if err != nil {
		return "", err
	}
	c.logger.Info().Str("job_id", id).Msg("Batch job queued")
	return id, nil
}

func (c *batchClient) Poll(ctx context.Context, id string) (JobState, error) {
	args := append(append([]string{}, c.cmds.status...), id)
	out, err := c.runner.Run(ctx, shell.Command{Line: shell.Quote(args...)})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}

	if err != nil {
		// batch systems fail the status command once a finished job is
		// purged; any other failure says nothing about the job
		if c.jobUnknown(out, err) {
			c.logger.Debug().Err(err).Str("job_id", id).Msg("Job no longer known")
			return StateDone, nil
		}
		return "", fmt.Errorf("failed to poll job %s: %w", id, err)
	}

	state, ok := c.cmds.parseState(out)
	if !ok {
		c.logger.Debug().Str("job_id", id).Msg("Job no longer listed")
		return StateDone, nil
	}
	return state, nil
}

func (c *batchClient) jobUnknown(out string, err error) bool {
	text := strings.ToLower(out + "\n" + err.Error())
	for _, marker := range c.cmds.unknownJob {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func (c *batchClient) Cancel(ctx context.Context, id string) error {
	c.logger.Info().Str("job_id", id).Msg("Cancelling batch job")
	if _, err := c.runner.Run(ctx, shell.Command{Line: shell.Quote(c.cmds.cancel, id)}); err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", id, err)
	}
	return nil
}

var jobIDPattern = regexp.MustCompile(`\d+`)

// ParseJobID extracts the first run of digits from submit output.
func ParseJobID(out string) (string, error) {
	id := jobIDPattern.FindString(out)
	if id == "" {
		return "", fmt.Errorf("%w: %q", ErrNoJobID, strings.TrimSpace(out))
	}
	return id, nil
}

// JobIDFromEnv returns the id of the batch job this process runs in, or
// the empty string outside a job.
func JobIDFromEnv(kind Kind) string {
	cmds, ok := registry[kind]
	if !ok {
		return ""
	}
	return os.Getenv(cmds.jobIDEnv)
}

// WaitFor polls the job every interval until it reaches a terminal state
// or ctx ends.
func WaitFor(ctx context.Context, c Client, id string, interval time.Duration) (JobState, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		state, err := c.Poll(ctx, id)
		if err != nil {
			return "", err
		}
		if state.Terminal() {
			return state, nil
		}

		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-ticker.C:
		}
	}
}
