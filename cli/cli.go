package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

const AppName = "rgt"

type App struct {
	logger zerolog.Logger
	stdout io.Writer
	cli    *cli.App
}

func New() *App {

	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger :=
		log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339Nano,
		})

	app := &App{
		logger: logger,
		stdout: os.Stdout,
	}
	app.cli = &cli.App{
		Name:  AppName,
		Usage: "Regression test harness for batch-scheduled HPC applications",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable verbose (debug) logging",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Harness configuration file (INI)",
				EnvVars: []string{"RGT_CONFIG"},
				Value:   "rgt.ini",
			},
			&cli.BoolFlag{
				Name:  "strict",
				Usage: "Reject out-of-order lifecycle events instead of recording them",
			},
		},
		Before: func(ctx *cli.Context) error {
			if ctx.Bool("verbose") {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			return nil
		},
		Action: app.runHarness,
	}
	app.cli.Flags = append(app.cli.Flags, harnessFlags()...)

	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "run",
		Usage:  "Execute and check one test instance (called from the batch script)",
		Action: app.run,
		Flags: append(testFlags(),
			&cli.StringFlag{
				Name:     "id",
				Usage:    "Unique id of the instance",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "iterations",
				Usage: "Total number of submissions, -1 for no limit",
				Value: -1,
			},
			&cli.IntFlag{
				Name:  "submission",
				Usage: "Submission count of this instance",
				Value: 1,
			},
		),
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "recheck",
		Usage:  "Re-run the check command of every archived instance of a test",
		Action: app.recheck,
		Flags:  testFlags(),
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "status",
		Usage:  "Show the instances of a test and their verdicts",
		Action: app.status,
		Flags: append(testFlags(),
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Wait for the latest instance's batch job to finish first",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Poll interval used with --wait",
				Value: 30 * time.Second,
			},
		),
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "events",
		Usage:     "Print the event record of one instance",
		ArgsUsage: "<Status/ID/status.txt>",
		Action:    app.events,
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "list",
		Usage:  "List previous harness launches",
		Action: app.list,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of results (default: 20)",
				Value:   20,
			},
			rootFlag(),
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:            "view",
		Usage:           "View the outcome of a previous harness launch",
		ArgsUsage:       "[INDEX|TAG]",
		Action:          app.view,
		SkipFlagParsing: true,
		Description: `View the outcome of a previous harness launch.

Arguments:
  0           View the last launch (default)
  -1          View the 2nd last launch
  <tag>       View the launch whose tag starts with <tag>

Examples:
  rgt view           # View the last launch
  rgt view -1        # View the 2nd last launch
  rgt view 3f2a      # View the launch with tag starting with 3f2a`,
	})

	return app
}

func (a *App) Run(args []string) error {
	return a.cli.Run(args)
}

// SetVersion sets the version information for the CLI application
func (a *App) SetVersion(version, commit, date string) {
	a.cli.Version = version
	if commit != "none" && len(commit) >= 8 {
		a.cli.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit[:8], date)
	}
}

func harnessFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "inputfile",
			Aliases: []string{"i"},
			Usage:   "Harness input file listing tests and tasks",
			EnvVars: []string{"RGT_INPUTFILE"},
			Value:   "rgt.input",
		},
		&cli.StringFlag{
			Name:  "concurrency",
			Usage: "How application groups are scheduled (serial or parallel)",
			Value: "serial",
		},
		&cli.IntFlag{
			Name:  "workers",
			Usage: "Worker pool size in parallel mode (default: machine workers or CPU count)",
		},
		&cli.StringSliceFlag{
			Name:  "mode",
			Usage: "Harness task to apply (checkout, start, stop, status, report); replaces the input file's tasks",
		},
		rootFlag(),
	}
}

// testFlags select one test below a tests root.
func testFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "path",
			Usage: "Tests root directory",
			Value: ".",
		},
		&cli.StringFlag{
			Name:     "app",
			Usage:    "Application name",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "test",
			Usage:    "Subtest name",
			Required: true,
		},
	}
}

func rootFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "log-root",
		Usage: "Directory holding the harness_log_files.* launch directories (default: working directory)",
	}
}

func (a *App) logRoot(ctx *cli.Context) (string, error) {
	if root := ctx.String("log-root"); root != "" {
		return root, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	return wd, nil
}
