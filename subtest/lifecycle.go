package subtest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rgt-harness/rgt/config"
	"github.com/rgt-harness/rgt/layout"
	"github.com/rgt-harness/rgt/model"
	"github.com/rgt-harness/rgt/scheduler"
	"github.com/rgt-harness/rgt/status"
)

// CheckOut checks the application's sources out into its directory.
func (s *Subtest) CheckOut(ctx context.Context) error {
	repo, err := s.repository()
	if err != nil {
		return &PhaseError{Phase: model.PhaseCheckout, Err: err}
	}

	sf, err := s.openRecord()
	if err != nil {
		return err
	}
	defer sf.Close()

	if err := s.logEvent(sf, model.EventCheckoutStart, repo.URL()); err != nil {
		return err
	}

	dest := s.layout.ApplicationDir()
	s.logger.Info().Str("url", repo.URL()).Str("kind", repo.Kind().String()).Str("dest", dest).Msg("Checking out")
	checkoutErr := repo.Checkout(ctx, dest)

	payload := "0"
	if checkoutErr != nil {
		payload = checkoutErr.Error()
	}
	if err := s.logEvent(sf, model.EventCheckoutEnd, payload); err != nil && checkoutErr == nil {
		return err
	}

	if checkoutErr != nil {
		s.logger.Error().Err(checkoutErr).Str("dest", dest).Msg("Checkout failed")
		return &PhaseError{Phase: model.PhaseCheckout, Err: checkoutErr}
	}
	s.logger.Info().Str("dest", dest).Msg("Checkout complete")
	return nil
}

// Start removes the kill file, then builds the test and submits its batch
// job.
func (s *Subtest) Start(ctx context.Context) error {
	if err := os.Remove(s.layout.KillFile()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove kill file: %w", err)
	}
	return s.launch(ctx)
}

// launch builds and submits this instance. It refuses to run while the
// kill file exists.
func (s *Subtest) launch(ctx context.Context) error {
	if s.isKilled() {
		s.logger.Info().Str("kill_file", s.layout.KillFile()).Msg("Kill file present, not submitting")
		return ErrKilled
	}

	in, err := s.loadTestInput()
	if err != nil {
		return err
	}

	if err := s.layout.CreateInstanceDirs(s.uniqueID); err != nil {
		return err
	}

	sf, err := s.openRecord()
	if err != nil {
		return err
	}
	defer sf.Close()

	if err := s.logEvent(sf, model.EventLoggingStart, ""); err != nil {
		return err
	}

	if err := s.build(ctx, sf, in); err != nil {
		return err
	}
	return s.submit(ctx, sf, in)
}

func (s *Subtest) build(ctx context.Context, sf *status.File, in *config.TestInput) error {
	line := in.Get(config.KeyBuildCommand)
	if line == "" {
		s.logger.Debug().Msg("No build command, skipping build")
		return nil
	}
	line = config.ExpandTemplate(line, in.Values(s.cfg, s.harnessValues()))

	if err := s.logEvent(sf, model.EventBuildStart, ""); err != nil {
		return err
	}

	logPath := filepath.Join(s.layout.InstanceArchiveDir(s.uniqueID), layout.BuildLogFileName)
	code, runErr := s.runLogged(ctx, s.layout.ScriptsDir(), line, s.environ(in), logPath)

	if err := s.logEvent(sf, model.EventBuildEnd, strconv.Itoa(code)); err != nil && runErr == nil {
		return err
	}
	if runErr != nil {
		s.logger.Error().Err(runErr).Int("exit_code", code).Str("log", logPath).Msg("Build failed")
		return &PhaseError{Phase: model.PhaseBuild, Err: fmt.Errorf("build command: %w", runErr)}
	}

	s.logger.Info().Msg("Build complete")
	return nil
}

func (s *Subtest) submit(ctx context.Context, sf *status.File, in *config.TestInput) error {
	sched, err := s.scheduler()
	if err != nil {
		return &PhaseError{Phase: model.PhaseSubmit, Err: err}
	}

	values := in.Values(s.cfg, s.harnessValues())
	if in.Get(config.KeyJobName) == "" {
		values[config.KeyJobName] = s.layout.Application + "_" + s.layout.Test
	}

	batchFile := in.Get(config.KeyBatchFile)
	script := filepath.Join(s.layout.InstanceArchiveDir(s.uniqueID), batchFile)
	if err := config.WriteBatchScript(filepath.Join(s.layout.ScriptsDir(), batchFile), script, values); err != nil {
		return &PhaseError{Phase: model.PhaseSubmit, Err: err}
	}

	if err := s.logEvent(sf, model.EventSubmitStart, s.submissionCount()); err != nil {
		return err
	}

	jobID, submitErr := sched.Submit(ctx, scheduler.Job{
		Script:    script,
		Dir:       s.layout.InstanceArchiveDir(s.uniqueID),
		Queue:     values[config.KeyBatchQueue],
		Account:   values[config.KeyProjectID],
		ExtraArgs: s.cfg.Machine.SubmitArgs,
	})

	exitValue := "0"
	if submitErr != nil {
		exitValue = "1"
	}
	if err := s.logEvent(sf, model.EventSubmitEnd, exitValue); err != nil && submitErr == nil {
		return err
	}
	if submitErr != nil {
		s.logger.Error().Err(submitErr).Msg("Submit failed")
		return &PhaseError{Phase: model.PhaseSubmit, Err: submitErr}
	}

	if err := writeValue(s.layout.JobIDFile(s.uniqueID), fmt.Sprintf("%20s\n", jobID)); err != nil {
		return err
	}
	if err := writeValue(s.layout.JobStatusFile(s.uniqueID), "-1\n"); err != nil {
		return err
	}
	if err := s.logEvent(sf, model.EventJobQueued, jobID); err != nil {
		return err
	}

	s.logger.Info().Str("job_id", jobID).Str("script", script).Msg("Test submitted")
	return nil
}

func (s *Subtest) submissionCount() string {
	if s.iterations < 0 {
		return fmt.Sprintf("%d/unlimited", s.submission)
	}
	return fmt.Sprintf("%d/%d", s.submission, s.iterations)
}

// Stop writes the kill file so no further submissions happen, and cancels
// the latest instance's job if it is still queued or running.
func (s *Subtest) Stop(ctx context.Context) error {
	if err := os.MkdirAll(s.layout.ScriptsDir(), 0755); err != nil {
		return fmt.Errorf("failed to create scripts directory: %w", err)
	}
	if err := writeValue(s.layout.KillFile(), "kill\n"); err != nil {
		return err
	}
	s.logger.Info().Str("kill_file", s.layout.KillFile()).Msg("Kill file written")

	ids, err := s.layout.InstanceIDs()
	if err != nil || len(ids) == 0 {
		return err
	}
	latest := ids[len(ids)-1]

	jobID, err := s.layout.ReadJobID(latest)
	if err != nil || jobID == "0" {
		return err
	}

	sched, err := s.scheduler()
	if err != nil {
		return err
	}
	state, err := sched.Poll(ctx, jobID)
	if err != nil {
		return err
	}
	if state.Terminal() {
		return nil
	}
	return sched.Cancel(ctx, jobID)
}

func writeValue(path, value string) error {
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// isKilled reports whether the test's kill file exists.
func (s *Subtest) isKilled() bool {
	_, err := os.Stat(s.layout.KillFile())
	return err == nil || !errors.Is(err, os.ErrNotExist)
}
