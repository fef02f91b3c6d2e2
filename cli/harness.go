package cli

// This file contains the default action: run the input file's tasks over
// every listed test and record the launch.

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/rgt-harness/rgt/cli/ssh"
	"github.com/rgt-harness/rgt/config"
	"github.com/rgt-harness/rgt/harness"
	"github.com/rgt-harness/rgt/history"
	"github.com/rgt-harness/rgt/inputfile"
	"github.com/rgt-harness/rgt/model"
	"github.com/rgt-harness/rgt/repository"
	"github.com/rgt-harness/rgt/scheduler"
	"github.com/rgt-harness/rgt/shell"
	"github.com/rgt-harness/rgt/subtest"
)

func (a *App) runHarness(ctx *cli.Context) error {
	startTime := time.Now()

	mode, err := harness.ParseConcurrency(ctx.String("concurrency"))
	if err != nil {
		return err
	}
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return err
	}
	inputPath := ctx.String("inputfile")
	in, err := inputfile.ParseFile(inputPath)
	if err != nil {
		return err
	}
	if err := in.OverrideTasks(ctx.StringSlice("mode")); err != nil {
		return err
	}
	if err := in.Validate(); err != nil {
		return err
	}
	if err := resolveCollaborators(cfg, in.Tasks); err != nil {
		return err
	}
	testsRoot, err := filepath.Abs(in.PathToTests)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", in.PathToTests, err)
	}

	workers := ctx.Int("workers")
	if workers <= 0 {
		workers = cfg.Workers()
	}

	launch := newLaunch(startTime)
	launch.Args = os.Args
	launch.InputFile = inputPath
	launch.Concurrency = string(mode)
	launch.Workers = workers
	launch.Target = &model.Target{
		Machine:    cfg.Machine.Name,
		Scheduler:  cfg.Machine.SchedulerType,
		SubmitHost: cfg.Machine.SubmitHost,
	}
	for _, t := range model.OrderTasks(in.Tasks) {
		launch.Tasks = append(launch.Tasks, t.Task.Short())
	}
	if cwd, err := os.Getwd(); err == nil {
		launch.WorkDir = cwd
	}

	root, err := a.logRoot(ctx)
	if err != nil {
		return err
	}
	runDir, err := history.Prepare(root, startTime)
	if err != nil {
		return err
	}
	logFile, err := os.OpenFile(filepath.Join(runDir, history.LogFile), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create harness log: %w", err)
	}
	defer logFile.Close()

	logger := a.launchLogger(logFile).With().Str("launch_id", launch.LaunchID).Logger()
	logger.Info().
		Str("inputfile", inputPath).
		Str("tests_root", testsRoot).
		Str("log_dir", runDir).
		Msg("Harness launch")

	runner, closeRunner, err := a.schedulerRunner(ctx.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRunner()

	sched, err := scheduler.FromConfig(cfg.Machine, runner, logger)
	if err != nil {
		return err
	}

	strict := ctx.Bool("strict")
	h := harness.New(harness.Options{
		Workers:     workers,
		Logger:      logger,
		MetricsPath: filepath.Join(runDir, history.MetricsFile),
		Factory: func(t harness.Test) (harness.Runner, error) {
			return subtest.New(testsRoot, t.Application, t.Subtest, cfg,
				subtest.WithLogger(logger),
				subtest.WithScheduler(sched),
				subtest.WithStrict(strict),
				subtest.WithWorkDir(launch.WorkDir),
				subtest.WithIterations(t.Iterations, 1),
			)
		},
	})

	tests := make([]harness.Test, len(in.Tests))
	for i, t := range in.Tests {
		tests[i] = harness.Test{Application: t.Application, Subtest: t.Subtest, Iterations: t.Iterations}
	}

	res := h.Run(ctx.Context, tests, in.Tasks, mode)

	launch.Duration = time.Since(startTime)
	launch.State = res.State
	launch.ExitCode = res.ExitCode()
	for _, o := range res.Outcomes {
		g := model.GroupOutcome{Application: o.Application, State: o.State, Tests: o.Tests}
		if o.Err != nil {
			g.Error = o.Err.Error()
		}
		launch.Groups = append(launch.Groups, g)
	}
	if err := history.Record(runDir, launch); err != nil {
		logger.Warn().Err(err).Msg("Failed to record launch")
	}

	renderOutcomes(a.stdout, launch)

	if !res.Completed() {
		return cli.Exit(fmt.Sprintf("%s: %v", res.State, res.Err()), res.ExitCode())
	}
	return nil
}

// resolveCollaborators fails on unknown scheduler or repository types
// before any test is touched.
func resolveCollaborators(cfg *config.Config, tasks []model.TaskSpec) error {
	if _, err := scheduler.ParseKind(cfg.Machine.SchedulerType); err != nil {
		return &config.ConfigError{Path: cfg.Path, Section: config.SectionMachine, Key: "scheduler_type", Msg: err.Error()}
	}
	for _, t := range tasks {
		if t.Task != model.TaskCheckout {
			continue
		}
		if _, err := repository.ParseKind(cfg.Repo.Type); err != nil {
			return &config.ConfigError{Path: cfg.Path, Section: config.SectionRepo, Key: "repository_type", Msg: err.Error()}
		}
	}
	return nil
}

// newLaunch creates the launch record with its tag and launch id.
func newLaunch(ts time.Time) *model.Launch {
	tag := uuid.NewString()
	return &model.Launch{
		Tag:       tag,
		LaunchID:  fmt.Sprintf("%s/%s@%s", tag, currentUser(), ts.Format(time.RFC3339)),
		Timestamp: ts,
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}

// launchLogger writes to the console and to the launch's harness.log.
func (a *App) launchLogger(logFile io.Writer) zerolog.Logger {
	console := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339Nano,
	}
	return zerolog.New(zerolog.MultiLevelWriter(console, logFile)).With().Timestamp().Logger()
}

// schedulerRunner returns where batch commands run: the configured login
// host over ssh, or the local machine.
func (a *App) schedulerRunner(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (shell.Runner, func(), error) {
	host := cfg.Machine.SubmitHost
	if host == "" {
		return shell.NewLocal(logger), func() {}, nil
	}

	logger.Info().Str("host", host).Msg("Connecting to submit host")
	client, err := ssh.New(ctx, logger, host, ssh.FromMachine(cfg.Machine)...)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to setup SSH connection")
		return nil, nil, err
	}
	logger.Debug().Str("host", client.Host()).Msg("Submit host connected")
	return client, client.Close, nil
}

func renderOutcomes(w io.Writer, launch *model.Launch) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("%s (%s)", launch.LaunchID, launch.State))
	t.AppendHeader(table.Row{"Application", "State", "Subtests", "Error"})
	for _, g := range launch.Groups {
		t.AppendRow(table.Row{g.Application, g.State, len(g.Tests), g.Error})
	}
	t.AppendFooter(table.Row{"", "", "exit code", launch.ExitCode})
	t.SetStyle(table.StyleLight)
	t.Render()
}
