// Package layout describes where an application test keeps its scripts,
// status records and run archives.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rgt-harness/rgt/status"
)

const (
	ScriptsDir        = "Scripts"
	StatusDir         = "Status"
	RunArchiveDir     = "Run_Archive"
	CorrectResultsDir = "Correct_Results"
	SourceDir         = "Source"

	StatusFileName    = "status.txt"
	SummaryFileName   = "rgt_status.txt"
	KillFileName      = ".kill_test"
	JobIDFileName     = "job_id.txt"
	JobStatusFileName = "job_status.txt"
	TestInputFileName = "rgt_test_input.ini"
	BuildLogFileName  = "output_build.txt"
	RunLogFileName    = "output_run.txt"
	CheckLogFileName  = "output_check.txt"
	ReportLogFileName = "output_report.txt"
)

// Layout resolves the directory structure of one (application, test) pair
// below a tests root.
type Layout struct {
	Root        string
	Application string
	Test        string
}

// New returns the layout of app/test under root.
func New(root, app, test string) Layout {
	return Layout{Root: root, Application: app, Test: test}
}

// FromStatusFile recovers the layout and unique id from a path of the form
// <root>/<app>/<test>/Status/<id>/status.txt.
func FromStatusFile(path string) (Layout, string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Layout{}, "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	idDir := filepath.Dir(abs)
	statusDir := filepath.Dir(idDir)
	if filepath.Base(statusDir) != StatusDir {
		return Layout{}, "", fmt.Errorf("%s is not inside a %s directory", path, StatusDir)
	}
	testDir := filepath.Dir(statusDir)
	appDir := filepath.Dir(testDir)
	return New(filepath.Dir(appDir), filepath.Base(appDir), filepath.Base(testDir)), filepath.Base(idDir), nil
}

func (l Layout) ApplicationDir() string {
	return filepath.Join(l.Root, l.Application)
}

func (l Layout) TestDir() string {
	return filepath.Join(l.Root, l.Application, l.Test)
}

func (l Layout) SourceDir() string {
	return filepath.Join(l.ApplicationDir(), SourceDir)
}

func (l Layout) ScriptsDir() string {
	return filepath.Join(l.TestDir(), ScriptsDir)
}

func (l Layout) StatusDir() string {
	return filepath.Join(l.TestDir(), StatusDir)
}

func (l Layout) RunArchiveDir() string {
	return filepath.Join(l.TestDir(), RunArchiveDir)
}

func (l Layout) CorrectResultsDir() string {
	return filepath.Join(l.TestDir(), CorrectResultsDir)
}

func (l Layout) KillFile() string {
	return filepath.Join(l.ScriptsDir(), KillFileName)
}

func (l Layout) TestInputFile() string {
	return filepath.Join(l.ScriptsDir(), TestInputFileName)
}

func (l Layout) SummaryFile() string {
	return filepath.Join(l.StatusDir(), SummaryFileName)
}

// InstanceStatusDir is Status/<id>.
func (l Layout) InstanceStatusDir(id string) string {
	return filepath.Join(l.StatusDir(), id)
}

// InstanceStatusFile is Status/<id>/status.txt.
func (l Layout) InstanceStatusFile(id string) string {
	return filepath.Join(l.InstanceStatusDir(id), StatusFileName)
}

// InstanceArchiveDir is Run_Archive/<id>.
func (l Layout) InstanceArchiveDir(id string) string {
	return filepath.Join(l.RunArchiveDir(), id)
}

func (l Layout) JobIDFile(id string) string {
	return filepath.Join(l.InstanceStatusDir(id), JobIDFileName)
}

func (l Layout) JobStatusFile(id string) string {
	return filepath.Join(l.InstanceStatusDir(id), JobStatusFileName)
}

// CreateInstanceDirs creates the status and archive directories of a run
// instance.
func (l Layout) CreateInstanceDirs(id string) error {
	for _, dir := range []string{l.InstanceStatusDir(id), l.InstanceArchiveDir(id)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// InstanceIDs lists the unique ids that have a run archive, oldest first.
// An instance is dated by the first event of its status record; the archive
// directory's modification time only stands in when there is no record,
// since later writes into the archive move it.
func (l Layout) InstanceIDs() ([]string, error) {
	entries, err := os.ReadDir(l.RunArchiveDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read run archive: %w", err)
	}

	type idWithTime struct {
		id      string
		created time.Time
	}
	var ids []idWithTime
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		created, ok := l.createdAt(e.Name())
		if !ok {
			info, err := e.Info()
			if err != nil {
				continue
			}
			created = info.ModTime()
		}
		ids = append(ids, idWithTime{id: e.Name(), created: created})
	}

	sort.SliceStable(ids, func(i, j int) bool {
		if ids[i].created.Equal(ids[j].created) {
			return ids[i].id < ids[j].id
		}
		return ids[i].created.Before(ids[j].created)
	})

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.id)
	}
	return out, nil
}

// ReadJobID returns the contents of Status/<id>/job_id.txt, or "0" when the
// instance has no queued job.
func (l Layout) ReadJobID(id string) (string, error) {
	data, err := os.ReadFile(l.JobIDFile(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "0", nil
		}
		return "", fmt.Errorf("failed to read job id: %w", err)
	}
	jobID := strings.TrimSpace(string(data))
	if jobID == "" {
		return "0", nil
	}
	return jobID, nil
}

// createdAt returns the time of the first event in the instance's status
// record.
func (l Layout) createdAt(id string) (time.Time, bool) {
	for ev, err := range status.ReadEvents(l.InstanceStatusFile(id)) {
		if err != nil || ev.Time.IsZero() {
			return time.Time{}, false
		}
		return ev.Time, true
	}
	return time.Time{}, false
}
