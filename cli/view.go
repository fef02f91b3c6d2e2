package cli

// This file contains the view command for displaying one launch from history.

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"

	"github.com/rgt-harness/rgt/history"
)

// parseViewArgs splits raw arguments into the launch selector and an
// optional --log-root value. Flag parsing is skipped so "-1" reaches us as
// an index.
func parseViewArgs(in []string) (selector, root string, err error) {
	selector = "0"
	for i := 0; i < len(in); i++ {
		arg := in[i]
		switch {
		case arg == "--":
			continue
		case arg == "--log-root" || arg == "-log-root":
			if i+1 >= len(in) {
				return "", "", fmt.Errorf("%s requires a value", arg)
			}
			root = in[i+1]
			i++
		case strings.HasPrefix(arg, "--log-root="):
			root = strings.TrimPrefix(arg, "--log-root=")
		default:
			selector = arg
		}
	}
	return selector, root, nil
}

func (a *App) view(ctx *cli.Context) error {
	selector, root, err := parseViewArgs(ctx.Args().Slice())
	if err != nil {
		return err
	}
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	entries, err := history.LoadEntries(a.logger, root)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	entry, err := history.Select(entries, selector)
	if err != nil {
		return err
	}

	l := entry.Launch
	fmt.Fprintf(a.stdout, "Launch:   %s\n", l.LaunchID)
	fmt.Fprintf(a.stdout, "Started:  %s\n", l.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(a.stdout, "Duration: %s\n", l.Duration)
	fmt.Fprintf(a.stdout, "Tasks:    %s\n", strings.Join(l.Tasks, ","))
	if l.InputFile != "" {
		fmt.Fprintf(a.stdout, "Input:    %s\n", l.InputFile)
	}

	t := table.NewWriter()
	t.SetOutputMirror(a.stdout)
	t.SetTitle(string(l.State))
	t.AppendHeader(table.Row{"Application", "Subtest", "Unique ID", "State", "Error"})
	for _, g := range l.Groups {
		if len(g.Tests) == 0 {
			t.AppendRow(table.Row{g.Application, "", "", g.State, g.Error})
			continue
		}
		for i, tr := range g.Tests {
			errText := ""
			if i == len(g.Tests)-1 {
				errText = g.Error
			}
			t.AppendRow(table.Row{g.Application, tr.Subtest, tr.UniqueID, g.State, errText})
		}
	}
	t.SetStyle(table.StyleLight)
	t.Render()

	fmt.Fprintf(a.stdout, "\nHarness log: %s\n", filepath.Join(entry.FullPath, history.LogFile))
	return nil
}
