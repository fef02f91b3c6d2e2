// Package harness drives many application tests through their lifecycle
// tasks on a bounded worker pool.
//
// All subtests of one application form a group that runs as a single pool
// task, sequentially and in input order. Distinct applications run
// concurrently up to the pool size. A failing group is recorded as an
// exception and never cancels its siblings.
package harness

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rgt-harness/rgt/model"
)

// Concurrency selects how application groups are scheduled.
type Concurrency string

const (
	Serial   Concurrency = "serial"
	Parallel Concurrency = "parallel"
)

// ParseConcurrency resolves a --concurrency value.
func ParseConcurrency(s string) (Concurrency, error) {
	switch Concurrency(strings.ToLower(s)) {
	case Serial:
		return Serial, nil
	case Parallel:
		return Parallel, nil
	default:
		return "", fmt.Errorf("unknown concurrency mode %q (want serial or parallel)", s)
	}
}

// Test is one requested (application, subtest) pair.
type Test struct {
	Application string
	Subtest     string
	// Number of submissions, -1 for no limit
	Iterations int
}

// Runner executes harness tasks for one subtest.
type Runner interface {
	Do(ctx context.Context, task model.TaskSpec) error
	UniqueID() string
}

// Factory creates the runner of a test.
type Factory func(test Test) (Runner, error)

// Group is the ordered list of subtests of one application.
type Group struct {
	Application string
	Tests       []Test
}

// GroupTests groups tests by application, keeping the first-appearance
// order of applications and the input order within each group.
func GroupTests(tests []Test) []Group {
	index := make(map[string]int)
	var groups []Group
	for _, t := range tests {
		i, ok := index[t.Application]
		if !ok {
			i = len(groups)
			index[t.Application] = i
			groups = append(groups, Group{Application: t.Application})
		}
		groups[i].Tests = append(groups[i].Tests, t)
	}
	return groups
}

// Options configures a Harness.
type Options struct {
	// Pool size in parallel mode; defaults to the number of CPUs
	Workers int
	Logger  zerolog.Logger
	Factory Factory
	// Where to write the run's metrics in Prometheus text format; empty
	// disables the file
	MetricsPath string
}

// Harness runs application groups on a worker pool.
type Harness struct {
	workers     int
	logger      zerolog.Logger
	factory     Factory
	metricsPath string
}

// New creates a harness.
func New(opts Options) *Harness {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Harness{
		workers:     workers,
		logger:      opts.Logger,
		factory:     opts.Factory,
		metricsPath: opts.MetricsPath,
	}
}

// Run executes tasks for every test and returns once every group has
// completed or raised.
func (h *Harness) Run(ctx context.Context, tests []Test, tasks []model.TaskSpec, mode Concurrency) *Result {
	start := time.Now()
	groups := GroupTests(tests)
	tasks = model.OrderTasks(tasks)

	poolSize := h.workers
	if mode == Serial {
		poolSize = 1
	}

	taskNames := make([]string, len(tasks))
	for i, t := range tasks {
		taskNames[i] = t.Task.Short()
	}
	h.logger.Info().
		Int("groups", len(groups)).
		Int("tests", len(tests)).
		Strs("tasks", taskNames).
		Str("concurrency", string(mode)).
		Int("pool", poolSize).
		Msg("Starting harness run")

	m := newMetrics()
	results := make(chan Outcome, len(groups))

	var g errgroup.Group
	g.SetLimit(poolSize)
	for _, group := range groups {
		g.Go(func() error {
			m.inFlight.Inc()
			defer m.inFlight.Dec()

			outcome := h.runGroup(ctx, group, tasks)
			m.observe(outcome)
			results <- outcome
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	byApp := make(map[string]Outcome, len(groups))
	for o := range results {
		byApp[o.Application] = o
	}

	res := &Result{
		Tasks:    tasks,
		Duration: time.Since(start),
		State:    model.AllTasksCompleted,
	}
	for _, group := range groups {
		o := byApp[group.Application]
		res.Outcomes = append(res.Outcomes, o)
		if o.State != model.GroupCompleted {
			res.State = model.AllTasksNotCompleted
		}
	}

	if h.metricsPath != "" {
		if err := m.write(h.metricsPath); err != nil {
			h.logger.Warn().Err(err).Str("path", h.metricsPath).Msg("Failed to write harness metrics")
		}
	}

	if failed := res.FailedApplications(); len(failed) > 0 {
		h.logger.Error().
			Strs("applications", failed).
			Str("state", string(res.State)).
			Msg("Application groups raised")
	} else {
		h.logger.Info().
			Str("state", string(res.State)).
			Dur("duration", res.Duration).
			Msg("Harness run complete")
	}
	return res
}

// runGroup runs every task of every subtest of one application. The first
// error ends the group.
func (h *Harness) runGroup(ctx context.Context, group Group, tasks []model.TaskSpec) (outcome Outcome) {
	logger := h.logger.With().Str("app", group.Application).Logger()
	start := time.Now()
	outcome = Outcome{Application: group.Application, State: model.GroupCompleted}

	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Application group panicked")
			outcome.State = model.GroupException
			outcome.Err = fmt.Errorf("panic: %v", r)
		}
		outcome.Duration = time.Since(start)
	}()

	logger.Debug().Int("subtests", len(group.Tests)).Msg("Starting application group")

	for _, test := range group.Tests {
		runner, err := h.factory(test)
		if err != nil {
			outcome.State = model.GroupException
			outcome.Err = fmt.Errorf("subtest %s: %w", test.Subtest, err)
			logger.Error().Err(err).Str("test", test.Subtest).Msg("Failed to create subtest")
			return outcome
		}
		outcome.Tests = append(outcome.Tests, model.TestRef{Subtest: test.Subtest, UniqueID: runner.UniqueID()})

		for _, task := range tasks {
			if err := runner.Do(ctx, task); err != nil {
				outcome.State = model.GroupException
				outcome.Err = fmt.Errorf("subtest %s: %s: %w", test.Subtest, task.Task.Short(), err)
				logger.Error().
					Err(err).
					Str("test", test.Subtest).
					Str("task", task.Task.Short()).
					Msg("Harness task failed")
				return outcome
			}
		}
	}

	logger.Info().Msg("Application group completed")
	return outcome
}

// Outcome is the result of one application group.
type Outcome struct {
	Application string
	State       model.GroupState
	Err         error
	Tests       []model.TestRef
	Duration    time.Duration
}

// Result aggregates the outcomes of a run.
type Result struct {
	Tasks    []model.TaskSpec
	Outcomes []Outcome
	State    model.HarnessState
	Duration time.Duration
}

// Completed reports whether every group finished without raising.
func (r *Result) Completed() bool {
	return r.State == model.AllTasksCompleted
}

// ExitCode is 0 when every group completed and 1 otherwise.
func (r *Result) ExitCode() int {
	if r.Completed() {
		return 0
	}
	return 1
}

// Outcome returns the outcome of app.
func (r *Result) Outcome(app string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Application == app {
			return o, true
		}
	}
	return Outcome{}, false
}

// FailedApplications lists the applications whose group raised.
func (r *Result) FailedApplications() []string {
	var apps []string
	for _, o := range r.Outcomes {
		if o.State != model.GroupCompleted {
			apps = append(apps, o.Application)
		}
	}
	return apps
}

// Err joins the errors of every failed group, or returns nil.
func (r *Result) Err() error {
	var result *multierror.Error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", o.Application, o.Err))
		}
	}
	return result.ErrorOrNil()
}
