// Package config loads the harness configuration and the per-test input
// files. Configuration is read once and passed explicitly to every
// component; nothing below the command line consults the environment.
package config

import (
	"errors"
	"fmt"
	"runtime"

	"gopkg.in/ini.v1"
)

const (
	SectionMachine  = "MachineDetails"
	SectionRepo     = "RepoDetails"
	SectionTestshot = "TestshotDefaults"
)

var ErrConfig = errors.New("invalid configuration")

// ConfigError reports a missing or invalid configuration value.
type ConfigError struct {
	Path    string
	Section string
	Key     string
	Msg     string
}

func (e *ConfigError) Error() string {
	loc := e.Section
	if e.Key != "" {
		loc = fmt.Sprintf("%s.%s", e.Section, e.Key)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Path, loc, e.Msg)
	}
	return fmt.Sprintf("%s: %s", loc, e.Msg)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// MachineDetails describes the machine tests are scheduled on.
type MachineDetails struct {
	Name          string `ini:"machine_name"`
	SchedulerType string `ini:"scheduler_type"`
	JobLauncher   string `ini:"joblauncher"`
	// Login host batch commands run on; empty submits locally
	SubmitHost string `ini:"submit_host"`
	// ssh settings used to reach SubmitHost
	SSHIdentityFile   string   `ini:"ssh_identity_file"`
	SSHKnownHostsFile string   `ini:"ssh_known_hosts_file"`
	SSHProxyCommand   string   `ini:"ssh_proxy_command"`
	SSHOptions        []string `ini:"ssh_options" delim:","`
	// Extra arguments appended to every submit command
	SubmitArgs  string `ini:"submit_args"`
	CPUsPerNode int    `ini:"cpus_per_node"`
	// Parallel worker pool size; defaults to the number of CPUs
	Workers int `ini:"workers"`
}

// RepoDetails describes where application sources are checked out from.
type RepoDetails struct {
	Type string `ini:"repository_type"`
	// ssh or https
	Protocol       string `ini:"git_data_transfer_protocol"`
	SSHServerURL   string `ini:"git_ssh_server_url"`
	HTTPSServerURL string `ini:"git_https_server_url"`
	ParentDir      string `ini:"git_server_application_parent_dir"`
	MachineName    string `ini:"git_machine_name"`
	Branch         string `ini:"git_reps_branch"`
	SVNRoot        string `ini:"svn_root"`
}

// TestshotDefaults holds defaults applied to every test's batch script.
type TestshotDefaults struct {
	ProjectID    string `ini:"project_id"`
	Queue        string `ini:"queue"`
	PathToSspace string `ini:"path_to_sspace"`
}

// Config is the harness configuration.
type Config struct {
	Path     string
	Machine  MachineDetails
	Repo     RepoDetails
	Testshot TestshotDefaults
}

// Load reads the harness configuration from an INI file.
func Load(path string) (*Config, error) {
	file, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment: true,
	}, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return parse(file, path)
}

// LoadBytes reads the harness configuration from INI data.
func LoadBytes(data []byte) (*Config, error) {
	file, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return parse(file, "")
}

func parse(file *ini.File, path string) (*Config, error) {
	cfg := &Config{Path: path}

	machine, err := file.GetSection(SectionMachine)
	if err != nil {
		return nil, &ConfigError{Path: path, Section: SectionMachine, Msg: "section is missing"}
	}
	if err := machine.MapTo(&cfg.Machine); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", SectionMachine, err)
	}
	if err := file.Section(SectionRepo).MapTo(&cfg.Repo); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", SectionRepo, err)
	}
	if err := file.Section(SectionTestshot).MapTo(&cfg.Testshot); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", SectionTestshot, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the keys every harness task depends on.
func (c *Config) Validate() error {
	if c.Machine.Name == "" {
		return &ConfigError{Path: c.Path, Section: SectionMachine, Key: "machine_name", Msg: "is required"}
	}
	if c.Machine.SchedulerType == "" {
		return &ConfigError{Path: c.Path, Section: SectionMachine, Key: "scheduler_type", Msg: "is required"}
	}
	if c.Machine.Workers < 0 {
		return &ConfigError{Path: c.Path, Section: SectionMachine, Key: "workers", Msg: "must not be negative"}
	}
	return nil
}

// Workers returns the parallel pool size.
func (c *Config) Workers() int {
	if c.Machine.Workers > 0 {
		return c.Machine.Workers
	}
	return runtime.NumCPU()
}
