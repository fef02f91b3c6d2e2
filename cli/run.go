package cli

// This file contains the commands that act on a single test: the in-job
// run and recheck.

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"

	"github.com/rgt-harness/rgt/config"
	"github.com/rgt-harness/rgt/scheduler"
	"github.com/rgt-harness/rgt/subtest"
)

// loadSubtest builds the subtest selected by --path/--app/--test.
func (a *App) loadSubtest(ctx *cli.Context, extra ...subtest.Option) (*subtest.Subtest, *config.Config, error) {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return nil, nil, err
	}
	root, err := filepath.Abs(ctx.String("path"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve %s: %w", ctx.String("path"), err)
	}

	opts := append([]subtest.Option{
		subtest.WithLogger(a.logger),
		subtest.WithStrict(ctx.Bool("strict")),
	}, extra...)
	s, err := subtest.New(root, ctx.String("app"), ctx.String("test"), cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	return s, cfg, nil
}

func (a *App) run(ctx *cli.Context) error {
	s, cfg, err := a.loadSubtest(ctx,
		subtest.WithUniqueID(ctx.String("id")),
		subtest.WithIterations(ctx.Int("iterations"), ctx.Int("submission")),
	)
	if err != nil {
		return err
	}

	logger := a.logger.With().
		Str("app", s.Application()).
		Str("test", s.Name()).
		Str("id", s.UniqueID()).
		Logger()
	if kind, err := scheduler.ParseKind(cfg.Machine.SchedulerType); err == nil {
		if jobID := scheduler.JobIDFromEnv(kind); jobID != "" {
			logger = logger.With().Str("job_id", jobID).Logger()
		}
	}
	logger.Info().Int("submission", ctx.Int("submission")).Msg("Running test instance")

	if err := s.Run(ctx.Context); err != nil {
		logger.Error().Err(err).Msg("Test instance failed")
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

func (a *App) recheck(ctx *cli.Context) error {
	s, _, err := a.loadSubtest(ctx)
	if err != nil {
		return err
	}

	verdicts, recheckErr := s.Recheck(ctx.Context)

	ids := make([]string, 0, len(verdicts))
	for id := range verdicts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	t := table.NewWriter()
	t.SetOutputMirror(a.stdout)
	t.SetTitle(fmt.Sprintf("%s/%s recheck", s.Application(), s.Name()))
	t.AppendHeader(table.Row{"Unique ID", "Verdict"})
	for _, id := range ids {
		t.AppendRow(table.Row{id, verdicts[id]})
	}
	t.SetStyle(table.StyleLight)
	t.Render()

	if recheckErr != nil {
		return cli.Exit(recheckErr.Error(), 1)
	}
	return nil
}
