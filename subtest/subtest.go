// Package subtest drives one run instance of an application test through
// its lifecycle: checkout, build, submit, execute, check and report.
//
// Every phase is recorded in the instance's status file. A failing
// collaborator still gets its END event written before the error is
// returned as a *PhaseError.
package subtest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/rgt-harness/rgt/config"
	"github.com/rgt-harness/rgt/layout"
	"github.com/rgt-harness/rgt/model"
	"github.com/rgt-harness/rgt/repository"
	"github.com/rgt-harness/rgt/scheduler"
	"github.com/rgt-harness/rgt/shell"
	"github.com/rgt-harness/rgt/status"
)

// PhaseError is a collaborator failure inside a lifecycle phase.
type PhaseError struct {
	Phase model.Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// ErrKilled is returned when a submission is refused because the test's
// kill file exists.
var ErrKilled = errors.New("kill file present")

// Subtest is one (application, test, unique id) triple.
type Subtest struct {
	layout   layout.Layout
	cfg      *config.Config
	uniqueID string
	logger   zerolog.Logger

	repo    repository.Repository
	sched   scheduler.Client
	runner  shell.Runner
	strict  bool
	workDir string

	// command line of the harness binary, embedded in batch scripts
	harnessCmd string
	// total submissions allowed, -1 for no limit
	iterations int
	// 1-based submission number of this instance
	submission int
	// how long Run waits for the submitter to release the record
	lockWait time.Duration
}

// Option configures a Subtest.
type Option func(*Subtest)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Subtest) {
		s.logger = logger
	}
}

func WithRepository(repo repository.Repository) Option {
	return func(s *Subtest) {
		s.repo = repo
	}
}

func WithScheduler(c scheduler.Client) Option {
	return func(s *Subtest) {
		s.sched = c
	}
}

// WithRunner sets the runner used for build, execute, check and report
// commands.
func WithRunner(r shell.Runner) Option {
	return func(s *Subtest) {
		s.runner = r
	}
}

// WithUniqueID reuses an existing run instance instead of generating one.
func WithUniqueID(id string) Option {
	return func(s *Subtest) {
		s.uniqueID = id
	}
}

// WithStrict rejects status events that break the lifecycle ordering.
func WithStrict(strict bool) Option {
	return func(s *Subtest) {
		s.strict = strict
	}
}

// WithWorkDir sets where test_status.txt and failed_jobs.txt are written.
func WithWorkDir(dir string) Option {
	return func(s *Subtest) {
		s.workDir = dir
	}
}

// WithIterations sets the number of submissions (-1 for no limit) and the
// position of this instance in the sequence.
func WithIterations(iterations, submission int) Option {
	return func(s *Subtest) {
		s.iterations = iterations
		s.submission = submission
	}
}

// WithHarnessCommand sets the harness command line batch scripts call
// back into.
func WithHarnessCommand(cmd string) Option {
	return func(s *Subtest) {
		s.harnessCmd = cmd
	}
}

// WithLockWait bounds how long Run waits for a busy status record.
func WithLockWait(d time.Duration) Option {
	return func(s *Subtest) {
		s.lockWait = d
	}
}

// New creates a subtest of app/test below root.
func New(root, app, test string, cfg *config.Config, opts ...Option) (*Subtest, error) {
	if cfg == nil {
		return nil, fmt.Errorf("subtest %s/%s: config is required", app, test)
	}

	s := &Subtest{
		layout:     layout.New(root, app, test),
		cfg:        cfg,
		logger:     zerolog.Nop(),
		iterations: -1,
		submission: 1,
		lockWait:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.uniqueID == "" {
		id, err := status.NewUniqueID()
		if err != nil {
			return nil, err
		}
		s.uniqueID = id
	}
	if s.runner == nil {
		s.runner = shell.NewLocal(s.logger)
	}
	if s.workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		s.workDir = wd
	}
	if s.harnessCmd == "" {
		exe, err := os.Executable()
		if err != nil {
			exe = "rgt"
		}
		s.harnessCmd = shell.Quote(exe)
		if cfg.Path != "" {
			s.harnessCmd += " --config " + shell.Quote(cfg.Path)
		}
	}

	s.logger = s.logger.With().
		Str("app", app).
		Str("test", test).
		Str("id", s.uniqueID).
		Logger()

	return s, nil
}

// Application returns the application name.
func (s *Subtest) Application() string { return s.layout.Application }

// Name returns the test name.
func (s *Subtest) Name() string { return s.layout.Test }

// UniqueID returns the run instance id.
func (s *Subtest) UniqueID() string { return s.uniqueID }

// Layout returns the directory layout of the test.
func (s *Subtest) Layout() layout.Layout { return s.layout }

// withID returns a copy of s bound to another run instance.
func (s *Subtest) withID(id string) *Subtest {
	c := *s
	c.uniqueID = id
	c.logger = s.logger.With().Str("id", id).Logger()
	return &c
}

// Do runs one harness task.
func (s *Subtest) Do(ctx context.Context, task model.TaskSpec) error {
	s.logger.Info().Str("task", task.Task.Short()).Msg("Running harness task")

	switch task.Task {
	case model.TaskCheckout:
		return s.CheckOut(ctx)
	case model.TaskStart:
		return s.Start(ctx)
	case model.TaskStop:
		return s.Stop(ctx)
	case model.TaskStatus:
		_, err := s.DisplayStatus(ctx, task.Args...)
		return err
	case model.TaskReport:
		return s.GenerateReport(ctx)
	default:
		return fmt.Errorf("unknown harness task %q", task.Task)
	}
}

func (s *Subtest) statusOptions() []status.Option {
	opts := []status.Option{
		status.WithLogger(s.logger),
		status.WithSummary(status.NewSummary(s.layout.SummaryFile())),
	}
	if s.strict {
		opts = append(opts, status.WithStrict())
	}
	return opts
}

// openRecord opens the instance's status file, creating it when absent.
func (s *Subtest) openRecord() (*status.File, error) {
	path := s.layout.InstanceStatusFile(s.uniqueID)
	sf, err := status.Open(path, status.ModeNew, s.statusOptions()...)
	if errors.Is(err, status.ErrAlreadyExists) {
		sf, err = status.Open(path, status.ModeOld, s.statusOptions()...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open status file: %w", err)
	}
	return sf, nil
}

// openExisting opens an existing record, waiting up to lockWait while
// another writer holds it.
func (s *Subtest) openExisting(ctx context.Context) (*status.File, error) {
	path := s.layout.InstanceStatusFile(s.uniqueID)
	deadline := time.Now().Add(s.lockWait)
	backoff := 100 * time.Millisecond

	for {
		sf, err := status.Open(path, status.ModeOld, s.statusOptions()...)
		if err == nil {
			return sf, nil
		}
		if !errors.Is(err, status.ErrLocked) || time.Now().After(deadline) {
			return nil, fmt.Errorf("failed to open status file: %w", err)
		}

		s.logger.Debug().Dur("backoff", backoff).Msg("Status record busy, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
}

// logEvent appends an event, logging rather than failing when the record
// rejects it after the phase already ran.
func (s *Subtest) logEvent(sf *status.File, kind model.EventKind, payload string) error {
	if _, err := sf.LogEvent(kind, payload); err != nil {
		s.logger.Error().Err(err).Str("kind", string(kind)).Msg("Failed to record status event")
		return err
	}
	return nil
}

func (s *Subtest) environ(in *config.TestInput) []string {
	env := []string{
		"APP_SOURCE_DIR=" + s.layout.SourceDir(),
		"TEST_SCRIPTS_DIR=" + s.layout.ScriptsDir(),
		"TEST_STATUS_DIR=" + s.layout.InstanceStatusDir(s.uniqueID),
		"TEST_RUNARCHIVE_DIR=" + s.layout.InstanceArchiveDir(s.uniqueID),
		"TEST_CORRECT_RESULTS_DIR=" + s.layout.CorrectResultsDir(),
		"RGT_UNIQUE_ID=" + s.uniqueID,
		"RGT_MACHINE_NAME=" + s.cfg.Machine.Name,
	}
	if in != nil {
		env = append(env, in.Environ()...)
	}
	return env
}

// harnessValues are the template values the harness provides to every
// batch script and command line.
func (s *Subtest) harnessValues() map[string]string {
	return map[string]string{
		"unique_id":                s.uniqueID,
		"app_name":                 s.layout.Application,
		"test_name":                s.layout.Test,
		"app_source_dir":           s.layout.SourceDir(),
		"test_scripts_dir":         s.layout.ScriptsDir(),
		"test_status_dir":          s.layout.InstanceStatusDir(s.uniqueID),
		"test_runarchive_dir":      s.layout.InstanceArchiveDir(s.uniqueID),
		"test_correct_results_dir": s.layout.CorrectResultsDir(),
		"machine_name":             s.cfg.Machine.Name,
		"joblauncher":              s.cfg.Machine.JobLauncher,
		"cpus_per_node":            fmt.Sprint(s.cfg.Machine.CPUsPerNode),
		"rgt_run":                  s.runCommand(),
	}
}

// runCommand is the in-job command a batch script calls.
func (s *Subtest) runCommand() string {
	return fmt.Sprintf("%s run --path %s --app %s --test %s --id %s --iterations %d --submission %d",
		s.harnessCmd,
		shell.Quote(s.layout.Root),
		shell.Quote(s.layout.Application),
		shell.Quote(s.layout.Test),
		s.uniqueID,
		s.iterations,
		s.submission,
	)
}

// runLogged runs line with combined output going to logPath. It returns
// the exit code (-1 when the command could not run) and the run error.
func (s *Subtest) runLogged(ctx context.Context, dir, line string, env []string, logPath string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return -1, fmt.Errorf("failed to create log directory: %w", err)
	}
	out, err := os.Create(logPath)
	if err != nil {
		return -1, fmt.Errorf("failed to create log file: %w", err)
	}
	defer out.Close()

	s.logger.Debug().Str("dir", dir).Str("command", line).Str("log", logPath).Msg("Running test command")

	_, err = s.runner.Run(ctx, shell.Command{Dir: dir, Line: line, Env: env, Output: out})
	return shell.ExitCode(err), err
}

func (s *Subtest) loadTestInput() (*config.TestInput, error) {
	in, err := config.LoadTestInput(s.layout.TestInputFile())
	if err != nil {
		return nil, err
	}
	return in, nil
}

func (s *Subtest) repository() (repository.Repository, error) {
	if s.repo != nil {
		return s.repo, nil
	}
	repo, err := repository.FromConfig(s.cfg.Repo, s.layout.Application, nil, s.logger)
	if err != nil {
		return nil, err
	}
	s.repo = repo
	return repo, nil
}

func (s *Subtest) scheduler() (scheduler.Client, error) {
	if s.sched != nil {
		return s.sched, nil
	}
	c, err := scheduler.FromConfig(s.cfg.Machine, nil, s.logger)
	if err != nil {
		return nil, err
	}
	s.sched = c
	return c, nil
}
