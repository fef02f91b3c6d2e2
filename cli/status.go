package cli

// This file contains the status command.

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"

	"github.com/rgt-harness/rgt/config"
	"github.com/rgt-harness/rgt/layout"
	"github.com/rgt-harness/rgt/model"
	"github.com/rgt-harness/rgt/scheduler"
	"github.com/rgt-harness/rgt/status"
)

// instanceStatus is one row of the status table.
type instanceStatus struct {
	model.Instance
	Phase   model.EventKind
	Verdict model.Verdict
}

func (a *App) status(ctx *cli.Context) error {
	root, err := filepath.Abs(ctx.String("path"))
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", ctx.String("path"), err)
	}
	l := layout.New(root, ctx.String("app"), ctx.String("test"))

	if ctx.Bool("wait") {
		cfg, err := config.Load(ctx.String("config"))
		if err != nil {
			return err
		}
		if err := a.waitLatest(ctx, cfg, l); err != nil {
			return err
		}
	}

	rows, err := loadInstanceStatus(l)
	if err != nil {
		return err
	}
	renderInstanceStatus(a.stdout, l, rows)
	return nil
}

// waitLatest blocks until the batch job of the newest instance leaves the
// queue.
func (a *App) waitLatest(ctx *cli.Context, cfg *config.Config, l layout.Layout) error {
	ids, err := l.InstanceIDs()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	latest := ids[len(ids)-1]
	jobID, err := l.ReadJobID(latest)
	if err != nil {
		return err
	}
	if jobID == "0" {
		return nil
	}

	runner, closeRunner, err := a.schedulerRunner(ctx.Context, cfg, a.logger)
	if err != nil {
		return err
	}
	defer closeRunner()
	sched, err := scheduler.FromConfig(cfg.Machine, runner, a.logger)
	if err != nil {
		return err
	}

	a.logger.Info().Str("id", latest).Str("job_id", jobID).Msg("Waiting for batch job")
	state, err := scheduler.WaitFor(ctx.Context, sched, jobID, ctx.Duration("interval"))
	if err != nil {
		return err
	}
	a.logger.Info().Str("job_id", jobID).Str("state", string(state)).Msg("Batch job finished")
	return nil
}

// loadInstanceStatus joins the summary table with each instance's record.
func loadInstanceStatus(l layout.Layout) ([]instanceStatus, error) {
	rows, err := status.ReadSummary(l.SummaryFile())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	out := make([]instanceStatus, 0, len(rows))
	for _, r := range rows {
		st := instanceStatus{Instance: r, Verdict: model.VerdictNotYetDetermined}
		events, err := status.LoadEvents(l.InstanceStatusFile(r.UniqueID))
		if err == nil {
			st.Phase = status.CurrentPhase(events)
			st.Verdict = status.FinalVerdict(events)
		}
		out = append(out, st)
	}
	return out, nil
}

func renderInstanceStatus(w io.Writer, l layout.Layout, rows []instanceStatus) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("%s/%s", l.Application, l.Test))
	t.AppendHeader(table.Row{"Start Time", "Unique ID", "Batch ID", "Build", "Submit", "Correct", "Phase", "Verdict"})
	instances := make([]model.Instance, len(rows))
	for i, r := range rows {
		instances[i] = r.Instance
		phase := string(r.Phase)
		if phase == "" {
			phase = model.Unset
		}
		t.AppendRow(table.Row{r.StartTime, r.UniqueID, r.BatchID, r.BuildStatus, r.SubmitStatus, r.CorrectResults, phase, r.Verdict})
	}

	totals := status.Tally(instances)
	t.AppendFooter(table.Row{"total", totals.Total, "passed", totals.Passed, "failed", totals.Failed, "inconclusive", totals.Inconclusive})
	t.SetStyle(table.StyleLight)
	t.Render()
}
