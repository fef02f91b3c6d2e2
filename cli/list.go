package cli

// This file contains the list command for displaying previous launches.

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/rgt-harness/rgt/history"
	"github.com/rgt-harness/rgt/model"
)

func (a *App) list(ctx *cli.Context) error {
	limit := ctx.Int("limit")

	root, err := a.logRoot(ctx)
	if err != nil {
		return err
	}

	entries, err := history.LoadEntries(a.logger, root)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	if len(entries) == 0 {
		fmt.Fprintln(a.stdout, "No launches found")
		return nil
	}

	// Apply limit
	displayRuns := entries
	if limit > 0 && limit < len(displayRuns) {
		displayRuns = displayRuns[:limit]
	}

	fmt.Fprintf(a.stdout, "\n=== Launches (%d total) ===\n\n", len(entries))

	for _, entry := range displayRuns {
		l := entry.Launch
		timestamp := l.Timestamp.Format("2006-01-02 15:04:05")
		duration := l.Duration.Round(time.Millisecond)

		mark := "✓"
		if l.State != model.AllTasksCompleted {
			mark = "✗"
		}

		shortTag := l.Tag
		if len(shortTag) > 8 {
			shortTag = shortTag[:8]
		}

		fmt.Fprintf(a.stdout, "%s  %s  [%s]  %s  tag=%s\n", mark, timestamp, duration, l.State, shortTag)
		if len(l.Tasks) > 0 {
			fmt.Fprintf(a.stdout, "   Tasks: %s (%s, %d workers)\n", strings.Join(l.Tasks, ","), l.Concurrency, l.Workers)
		}
		if l.Target != nil && l.Target.Machine != "" {
			fmt.Fprintf(a.stdout, "   Machine: %s (%s)", l.Target.Machine, l.Target.Scheduler)
			if l.Target.SubmitHost != "" {
				fmt.Fprintf(a.stdout, " via %s", l.Target.SubmitHost)
			}
			fmt.Fprintln(a.stdout)
		}
		var failed []string
		for _, g := range l.Groups {
			if g.State != model.GroupCompleted {
				failed = append(failed, g.Application)
			}
		}
		fmt.Fprintf(a.stdout, "   Applications: %d", len(l.Groups))
		if len(failed) > 0 {
			fmt.Fprintf(a.stdout, " (raised: %s)", strings.Join(failed, ", "))
		}
		fmt.Fprintln(a.stdout)
		fmt.Fprintf(a.stdout, "   %s\n\n", entry.FullPath)
	}

	fmt.Fprintf(a.stdout, "View a launch: %s view <TAG>\n", AppName)
	return nil
}
