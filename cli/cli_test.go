package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgt-harness/rgt/history"
	"github.com/rgt-harness/rgt/layout"
	"github.com/rgt-harness/rgt/model"
	"github.com/rgt-harness/rgt/status"
)

const testConfig = `
[MachineDetails]
machine_name = frontier
scheduler_type = slurm
joblauncher = srun
cpus_per_node = 56

[RepoDetails]
repository_type = git
git_data_transfer_protocol = ssh
git_ssh_server_url = git@github.com
git_server_application_parent_dir = olcf-apps

[TestshotDefaults]
project_id = stf006
`

func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	a := New()
	a.stdout = &out
	return a, &out
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

// seedInstance writes a finished, passing instance of hello/t1.
func seedInstance(t *testing.T, root, id string) layout.Layout {
	t.Helper()
	l := layout.New(root, "hello", "t1")
	sf, err := status.Open(l.InstanceStatusFile(id), status.ModeNew, status.WithSummary(status.NewSummary(l.SummaryFile())))
	require.NoError(t, err)
	for _, ev := range []struct {
		kind    model.EventKind
		payload string
	}{
		{model.EventLoggingStart, ""},
		{model.EventBuildStart, ""},
		{model.EventBuildEnd, "0"},
		{model.EventSubmitStart, "1/1"},
		{model.EventSubmitEnd, "0"},
		{model.EventJobQueued, "4242"},
		{model.EventBinaryExecuteStart, ""},
		{model.EventBinaryExecuteEnd, "0"},
		{model.EventCheckStart, ""},
		{model.EventCheckEnd, string(model.VerdictPass)},
	} {
		_, err := sf.LogEvent(ev.kind, ev.payload)
		require.NoError(t, err)
	}
	require.NoError(t, sf.Close())
	return l
}

func TestNewLaunch(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l := newLaunch(ts)
	assert.Len(t, l.Tag, 36)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f-]{36}/[^@]+@2026-03-01T10:00:00Z$`), l.LaunchID)
	assert.Equal(t, ts, l.Timestamp)
}

func TestParseViewArgs(t *testing.T) {
	tests := []struct {
		name     string
		in       []string
		selector string
		root     string
		wantErr  bool
	}{
		{name: "empty", in: nil, selector: "0"},
		{name: "negative index", in: []string{"-1"}, selector: "-1"},
		{name: "tag with root", in: []string{"abc", "--log-root", "/tmp/x"}, selector: "abc", root: "/tmp/x"},
		{name: "root equals", in: []string{"--log-root=/tmp/y", "--", "-2"}, selector: "-2", root: "/tmp/y"},
		{name: "missing root value", in: []string{"--log-root"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			selector, root, err := parseViewArgs(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.selector, selector)
			assert.Equal(t, tt.root, root)
		})
	}
}

func TestHarness_StatusTask(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	testsRoot := filepath.Join(dir, "tests")
	seedInstance(t, testsRoot, "aaaa")

	cfgPath := filepath.Join(dir, "rgt.ini")
	writeFile(t, cfgPath, testConfig)
	inputPath := filepath.Join(dir, "rgt.input")
	writeFile(t, inputPath, "path_to_tests = "+testsRoot+"\ntest = hello t1\nharness_task = display_status\n")

	a, out := newTestApp(t)
	err := a.Run([]string{AppName, "--config", cfgPath, "--inputfile", inputPath, "--concurrency", "parallel", "--workers", "2"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), string(model.AllTasksCompleted))

	report, err := os.ReadFile(filepath.Join(dir, "test_status.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(report), "hello, t1")

	entries, err := history.LoadEntries(a.logger, dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	l := entries[0].Launch
	assert.Equal(t, model.AllTasksCompleted, l.State)
	assert.Equal(t, 0, l.ExitCode)
	assert.Equal(t, []string{"status"}, l.Tasks)
	assert.Equal(t, "parallel", l.Concurrency)
	assert.Equal(t, 2, l.Workers)
	require.Len(t, l.Groups, 1)
	assert.Equal(t, "hello", l.Groups[0].Application)

	assert.FileExists(t, filepath.Join(entries[0].FullPath, history.LogFile))
	assert.FileExists(t, filepath.Join(entries[0].FullPath, history.MetricsFile))
}

func TestHarness_InvalidConcurrency(t *testing.T) {
	a, _ := newTestApp(t)
	err := a.Run([]string{AppName, "--concurrency", "threads"})
	assert.ErrorContains(t, err, "unknown concurrency mode")
}

func TestHarness_UnknownMode(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "rgt.ini")
	writeFile(t, cfgPath, testConfig)
	inputPath := filepath.Join(dir, "rgt.input")
	writeFile(t, inputPath, "path_to_tests = "+dir+"\ntest = hello t1\n")

	a, _ := newTestApp(t)
	err := a.Run([]string{AppName, "--config", cfgPath, "--inputfile", inputPath, "--mode", "explode", "--log-root", dir})
	assert.ErrorContains(t, err, "unknown harness task")

	// nothing was launched
	entries, err := history.LoadEntries(a.logger, dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStatusCommand(t *testing.T) {
	root := t.TempDir()
	seedInstance(t, root, "aaaa")

	a, out := newTestApp(t)
	require.NoError(t, a.Run([]string{AppName, "status", "--path", root, "--app", "hello", "--test", "t1"}))

	text := out.String()
	assert.Contains(t, text, "hello/t1")
	assert.Contains(t, text, "aaaa")
	assert.Contains(t, text, "4242")
	assert.Contains(t, text, string(model.VerdictPass))
	assert.Contains(t, text, string(model.EventCheckEnd))
}

func TestStatusCommand_NoInstances(t *testing.T) {
	root := t.TempDir()
	a, out := newTestApp(t)
	require.NoError(t, a.Run([]string{AppName, "status", "--path", root, "--app", "hello", "--test", "t1"}))
	assert.Contains(t, out.String(), "hello/t1")
}

func TestEventsCommand(t *testing.T) {
	root := t.TempDir()
	l := seedInstance(t, root, "aaaa")
	writeFile(t, l.JobIDFile("aaaa"), "4242\n")

	a, out := newTestApp(t)
	require.NoError(t, a.Run([]string{AppName, "--strict", "events", l.InstanceStatusFile("aaaa")}))
	text := out.String()
	assert.Contains(t, text, "hello/t1 aaaa (job 4242)")
	assert.Contains(t, text, string(model.EventJobQueued))
	assert.Contains(t, text, string(model.VerdictPass))

	err := a.Run([]string{AppName, "events", filepath.Join(root, "elsewhere", "status.txt")})
	assert.ErrorContains(t, err, "not inside a Status directory")
}

func TestListAndView(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, tag := range []string{"aaaa1111-0000", "bbbb2222-0000"} {
		ts := base.Add(time.Duration(i) * time.Hour)
		dir, err := history.Prepare(root, ts)
		require.NoError(t, err)
		state := model.AllTasksCompleted
		groups := []model.GroupOutcome{{Application: "hello", State: model.GroupCompleted, Tests: []model.TestRef{{Subtest: "t1", UniqueID: "u1"}}}}
		if i == 1 {
			state = model.AllTasksNotCompleted
			groups = append(groups, model.GroupOutcome{Application: "lammps", State: model.GroupException, Error: "build failed"})
		}
		require.NoError(t, history.Record(dir, &model.Launch{
			Tag:       tag,
			LaunchID:  tag + "/alice@" + ts.Format(time.RFC3339),
			Timestamp: ts,
			Tasks:     []string{"start"},
			State:     state,
			Groups:    groups,
		}))
	}

	a, out := newTestApp(t)
	require.NoError(t, a.Run([]string{AppName, "list", "--log-root", root}))
	text := out.String()
	assert.Contains(t, text, "Launches (2 total)")
	assert.Contains(t, text, "tag=bbbb2222")
	assert.Contains(t, text, "raised: lammps")

	out.Reset()
	require.NoError(t, a.Run([]string{AppName, "view", "-1", "--log-root", root}))
	assert.Contains(t, out.String(), "aaaa1111-0000/alice@")

	out.Reset()
	require.NoError(t, a.Run([]string{AppName, "view", "bbbb", "--log-root", root}))
	assert.Contains(t, out.String(), "build failed")

	out.Reset()
	require.NoError(t, a.Run([]string{AppName, "list", "--log-root", t.TempDir()}))
	assert.Contains(t, out.String(), "No launches found")
}
