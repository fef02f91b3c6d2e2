package status

// This file contains the per-test summary table (rgt_status.txt), a
// fixed-width, one-row-per-instance view derived from the event logs.

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/rgt-harness/rgt/model"
)

const (
	summaryLineFormat = "%-30s %-21s %-20s %-15s %-15s %-15s\n"
	summaryComment    = "#"
)

var summaryHeader = func() string {
	blank := fmt.Sprintf(summaryLineFormat, " ", " ", " ", " ", " ", " ")
	rule := strings.ReplaceAll(blank, " ", "#")
	columns := fmt.Sprintf(summaryLineFormat,
		"#Start Time", "Unique ID", "Batch ID", "Build Status", "Submit Status", "Correct Results")
	return rule + blank + columns + blank + rule
}()

// Summary maintains the rgt_status.txt table of one application test.
// Every instance of the test shares the table, so updates are serialized
// through an exclusive file lock.
type Summary struct {
	path string
}

// NewSummary returns the summary table stored at path.
func NewSummary(path string) *Summary {
	return &Summary{path: path}
}

// Path returns the location of the table.
func (s *Summary) Path() string {
	return s.path
}

// Apply folds one event of instance id into its row.
func (s *Summary) Apply(id string, ev model.Event) error {
	switch ev.Kind {
	case model.EventLoggingStart:
		return s.update(func(rows []model.Instance) []model.Instance {
			for _, r := range rows {
				if r.UniqueID == id {
					return rows
				}
			}
			return append(rows, model.NewInstance(ev.Time.Format(time.RFC3339), id))
		})
	case model.EventBuildEnd:
		return s.setColumn(id, func(r *model.Instance) { r.BuildStatus = exitValue(ev.Payload) })
	case model.EventSubmitEnd:
		return s.setColumn(id, func(r *model.Instance) { r.SubmitStatus = exitValue(ev.Payload) })
	case model.EventJobQueued:
		return s.setColumn(id, func(r *model.Instance) {
			r.BatchID = exitValue(ev.Payload)
			r.CorrectResults = "-1"
		})
	case model.EventBinaryExecuteStart:
		return s.setColumn(id, func(r *model.Instance) { r.CorrectResults = "-1" })
	case model.EventCheckEnd:
		return s.setColumn(id, func(r *model.Instance) {
			r.CorrectResults = model.ParseVerdict(ev.Payload).Code()
		})
	}
	return nil
}

func exitValue(payload string) string {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "0"
	}
	return strings.Join(strings.Fields(payload), "_")
}

func (s *Summary) setColumn(id string, set func(*model.Instance)) error {
	return s.update(func(rows []model.Instance) []model.Instance {
		for i := range rows {
			if rows[i].UniqueID == id {
				set(&rows[i])
			}
		}
		return rows
	})
}

// update rewrites the table under the file lock. The new table replaces the
// old one through a rename, so readers never see a half-written table.
func (s *Summary) update(fn func([]model.Instance) []model.Instance) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return errors.Wrap(err, "failed to create summary directory")
	}

	lock := flock.New(s.path + ".lock")
	if err := lock.Lock(); err != nil {
		return errors.Wrapf(err, "failed to lock %s", s.path)
	}
	defer func() { _ = lock.Unlock() }()

	rows, err := ReadSummary(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	rows = fn(rows)

	var buf bytes.Buffer
	buf.WriteString(summaryHeader)
	for _, r := range rows {
		fmt.Fprintf(&buf, summaryLineFormat,
			r.StartTime, r.UniqueID, r.BatchID, r.BuildStatus, r.SubmitStatus, r.CorrectResults)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".rgt_status-*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary summary")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "failed to write temporary summary")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "failed to sync temporary summary")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "failed to close temporary summary")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(err, "failed to replace %s", s.path)
	}
	return nil
}

// ReadSummary parses a rgt_status.txt table. Comment lines and lines with
// fewer than six columns are skipped.
func ReadSummary(path string) ([]model.Instance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}

	var rows []model.Instance
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, summaryComment) {
			continue
		}
		words := strings.Fields(line)
		if len(words) < 6 {
			continue
		}
		rows = append(rows, model.Instance{
			StartTime:      words[0],
			UniqueID:       words[1],
			BatchID:        words[2],
			BuildStatus:    words[3],
			SubmitStatus:   words[4],
			CorrectResults: words[5],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to scan %s", path)
	}
	return rows, nil
}

// Totals counts the instances of a summary table by verdict.
type Totals struct {
	Total        int
	Passed       int
	Failed       int
	Inconclusive int
	// Rows that did not pass
	FailedInstances []model.Instance
}

// Tally counts rows the way the status report presents them.
func Tally(rows []model.Instance) Totals {
	var t Totals
	for _, r := range rows {
		t.Total++
		switch r.Verdict() {
		case model.VerdictPass:
			t.Passed++
		case model.VerdictFail:
			t.Failed++
			t.FailedInstances = append(t.FailedInstances, r)
		default:
			t.Inconclusive++
			t.FailedInstances = append(t.FailedInstances, r)
		}
	}
	return t
}
