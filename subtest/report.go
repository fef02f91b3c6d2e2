package subtest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rgt-harness/rgt/config"
	"github.com/rgt-harness/rgt/layout"
	"github.com/rgt-harness/rgt/model"
	"github.com/rgt-harness/rgt/status"
)

const (
	StatusReportFile = "test_status.txt"
	FailedJobsFile   = "failed_jobs.txt"

	// layout of the optional status window arguments
	windowLayout = "2006_01_02_15_04"
)

// DisplayStatus tallies the test's summary table, optionally restricted to
// instances started inside [start, end], and appends the result to
// test_status.txt and failed_jobs.txt in the working directory.
func (s *Subtest) DisplayStatus(ctx context.Context, window ...string) (status.Totals, error) {
	rows, err := status.ReadSummary(s.layout.SummaryFile())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return status.Totals{}, err
	}

	if len(window) == 2 {
		rows, err = filterWindow(rows, window[0], window[1])
		if err != nil {
			return status.Totals{}, err
		}
	}

	totals := status.Tally(rows)

	now := time.Now().Format("2006 Jan 02 15:04:05")
	header := fmt.Sprintf("\n--------------------\n%s\n%s, %s\n", now, s.layout.Application, s.layout.Test)
	footer := "\n====================\n"

	var report strings.Builder
	report.WriteString(header)
	fmt.Fprintf(&report, "%20s %20s %20s %20s\n", "Total tests", "Test passed", "Test failed", "Test inconclusive")
	fmt.Fprintf(&report, "%20d %20d %20d %20d\n", totals.Total, totals.Passed, totals.Failed, totals.Inconclusive)
	report.WriteString(footer)

	var failed strings.Builder
	failed.WriteString(header)
	for _, r := range totals.FailedInstances {
		fmt.Fprintf(&failed, "%20s %20s %20s\n", r.StartTime, r.UniqueID, r.BatchID)
	}
	failed.WriteString(footer)

	if err := appendFile(filepath.Join(s.workDir, StatusReportFile), report.String()); err != nil {
		return totals, err
	}
	if err := appendFile(filepath.Join(s.workDir, FailedJobsFile), failed.String()); err != nil {
		return totals, err
	}

	s.logger.Info().
		Int("total", totals.Total).
		Int("passed", totals.Passed).
		Int("failed", totals.Failed).
		Int("inconclusive", totals.Inconclusive).
		Msg("Test status")
	return totals, nil
}

func filterWindow(rows []model.Instance, from, to string) ([]model.Instance, error) {
	start, err := time.ParseInLocation(windowLayout, from, time.Local)
	if err != nil {
		return nil, fmt.Errorf("invalid status window start %q: %w", from, err)
	}
	end, err := time.ParseInLocation(windowLayout, to, time.Local)
	if err != nil {
		return nil, fmt.Errorf("invalid status window end %q: %w", to, err)
	}

	var out []model.Instance
	for _, r := range rows {
		t, err := time.Parse(time.RFC3339, r.StartTime)
		if err != nil {
			continue
		}
		if !t.Before(start) && !t.After(end) {
			out = append(out, r)
		}
	}
	return out, nil
}

func appendFile(path, text string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// GenerateReport runs the test's report command against its latest
// instance.
func (s *Subtest) GenerateReport(ctx context.Context) error {
	inst := s
	if _, err := os.Stat(s.layout.InstanceStatusFile(s.uniqueID)); err != nil {
		ids, err := s.layout.InstanceIDs()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			s.logger.Info().Msg("No instances to report on")
			return nil
		}
		inst = s.withID(ids[len(ids)-1])
	}

	in, err := inst.loadTestInput()
	if err != nil {
		return err
	}

	sf, err := inst.openExisting(ctx)
	if err != nil {
		return err
	}
	defer sf.Close()

	if err := inst.logEvent(sf, model.EventReportStart, ""); err != nil {
		return err
	}

	code := 0
	var runErr error
	if line := in.Get(config.KeyReportCommand); line != "" {
		line = config.ExpandTemplate(line, in.Values(inst.cfg, inst.harnessValues()))
		archive := inst.layout.InstanceArchiveDir(inst.uniqueID)
		code, runErr = inst.runLogged(ctx, archive, line, inst.environ(in), filepath.Join(archive, layout.ReportLogFileName))
	}

	if err := inst.logEvent(sf, model.EventReportEnd, strconv.Itoa(code)); err != nil && runErr == nil {
		return err
	}
	if runErr != nil {
		return &PhaseError{Phase: model.PhaseReport, Err: runErr}
	}
	return nil
}
