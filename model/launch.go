package model

import "time"

// GroupState is the outcome of one application group
type GroupState string

const (
	GroupCompleted GroupState = "completed"
	GroupException GroupState = "exception"
)

// HarnessState is the aggregate outcome of a harness invocation
type HarnessState string

const (
	AllTasksCompleted    HarnessState = "ALL_TASKS_COMPLETED"
	AllTasksNotCompleted HarnessState = "ALL_TASKS_NOT_COMPLETED"
)

// Launch records a single harness invocation.
// It is written to launch.yaml inside the launch's log directory.
type Launch struct {
	// Random tag for this launch (uuid)
	Tag string `yaml:"tag"`
	// Launch id in the form <tag>/<user>@<timestamp>
	LaunchID string `yaml:"launch_id"`
	// Timestamp when the launch started
	Timestamp time.Time `yaml:"timestamp"`
	// Command-line arguments (including command name)
	Args []string `yaml:"args"`
	// Working directory where the harness was started
	WorkDir string `yaml:"workdir"`
	// Input file the tests were read from
	InputFile string `yaml:"inputfile,omitempty"`
	// Concurrency mode (serial or parallel)
	Concurrency string `yaml:"concurrency"`
	// Worker pool size
	Workers int `yaml:"workers"`
	// Harness tasks in execution order
	Tasks []string `yaml:"tasks"`
	// Exit code of the invocation
	ExitCode int `yaml:"exit_code"`
	// Duration of the invocation
	Duration time.Duration `yaml:"duration"`
	// Aggregate harness state
	State HarnessState `yaml:"state"`
	// Target machine details
	Target *Target `yaml:"target,omitempty"`
	// Per-application outcomes
	Groups []GroupOutcome `yaml:"groups,omitempty"`
}

// Target describes where the tests were scheduled
type Target struct {
	// Machine name from the harness config
	Machine string `yaml:"machine,omitempty"`
	// Batch scheduler type (slurm, pbs, lsf)
	Scheduler string `yaml:"scheduler,omitempty"`
	// Login host jobs were submitted through, empty for local submission
	SubmitHost string `yaml:"submit_host,omitempty"`
}

// GroupOutcome is the recorded result of one application group
type GroupOutcome struct {
	Application string     `yaml:"application"`
	State       GroupState `yaml:"state"`
	Error       string     `yaml:"error,omitempty"`
	Tests       []TestRef  `yaml:"tests,omitempty"`
}

// TestRef names one subtest instance touched by a launch
type TestRef struct {
	Subtest  string `yaml:"subtest"`
	UniqueID string `yaml:"unique_id,omitempty"`
}
