package cli

// This file contains the events command for dumping one status record.

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"

	"github.com/rgt-harness/rgt/layout"
	"github.com/rgt-harness/rgt/status"
)

func (a *App) events(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected the path of one status file, got %d arguments", ctx.NArg())
	}
	path := ctx.Args().First()

	l, id, err := layout.FromStatusFile(path)
	if err != nil {
		return err
	}
	events, err := status.LoadEvents(path)
	if err != nil {
		return err
	}
	jobID, err := l.ReadJobID(id)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(a.stdout)
	t.SetTitle(fmt.Sprintf("%s/%s %s (job %s)", l.Application, l.Test, id, jobID))
	t.AppendHeader(table.Row{"Time", "Event", "Payload"})
	for _, ev := range events {
		t.AppendRow(table.Row{ev.Time.Format(time.RFC3339), ev.Kind, ev.Payload})
	}
	t.AppendFooter(table.Row{"", status.CurrentPhase(events), status.FinalVerdict(events)})
	t.SetStyle(table.StyleLight)
	t.Render()

	if ctx.Bool("strict") {
		if err := status.Validate(events); err != nil {
			return cli.Exit(err, 1)
		}
	}
	return nil
}
