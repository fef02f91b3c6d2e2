package subtest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/hashicorp/go-multierror"

	"github.com/rgt-harness/rgt/config"
	"github.com/rgt-harness/rgt/layout"
	"github.com/rgt-harness/rgt/model"
	"github.com/rgt-harness/rgt/status"
)

// Run is the in-job entry point: it executes the test binary, checks the
// results and resubmits the next instance when iterations remain.
func (s *Subtest) Run(ctx context.Context) error {
	in, err := s.loadTestInput()
	if err != nil {
		return err
	}

	sf, err := s.openExisting(ctx)
	if err != nil {
		return err
	}

	execErr := s.execute(ctx, sf, in)
	_, checkErr := s.check(ctx, sf, in)
	if err := sf.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close status file")
	}

	var result error
	if execErr != nil {
		result = multierror.Append(result, execErr)
	}
	if checkErr != nil {
		result = multierror.Append(result, checkErr)
	}

	if err := s.resubmit(ctx); err != nil && !errors.Is(err, ErrKilled) {
		result = multierror.Append(result, err)
	}
	return result
}

func (s *Subtest) execute(ctx context.Context, sf *status.File, in *config.TestInput) error {
	line := in.Get(config.KeyExecutablePath)
	if line == "" {
		return &PhaseError{Phase: model.PhaseBinaryExecute, Err: fmt.Errorf("%s is not set", config.KeyExecutablePath)}
	}
	line = config.ExpandTemplate(line, in.Values(s.cfg, s.harnessValues()))

	if err := s.logEvent(sf, model.EventBinaryExecuteStart, ""); err != nil {
		return err
	}

	archive := s.layout.InstanceArchiveDir(s.uniqueID)
	logPath := filepath.Join(archive, layout.RunLogFileName)
	code, runErr := s.runLogged(ctx, archive, line, s.environ(in), logPath)

	if err := s.logEvent(sf, model.EventBinaryExecuteEnd, strconv.Itoa(code)); err != nil && runErr == nil {
		return err
	}
	if runErr != nil {
		s.logger.Error().Err(runErr).Int("exit_code", code).Str("log", logPath).Msg("Test execution failed")
		return &PhaseError{Phase: model.PhaseBinaryExecute, Err: runErr}
	}
	return nil
}

// Check verifies the results of this instance and records the verdict.
func (s *Subtest) Check(ctx context.Context) (model.Verdict, error) {
	in, err := s.loadTestInput()
	if err != nil {
		return model.VerdictNotYetDetermined, err
	}

	sf, err := s.openExisting(ctx)
	if err != nil {
		return model.VerdictNotYetDetermined, err
	}
	defer sf.Close()

	return s.check(ctx, sf, in)
}

func (s *Subtest) check(ctx context.Context, sf *status.File, in *config.TestInput) (model.Verdict, error) {
	if err := s.logEvent(sf, model.EventCheckStart, ""); err != nil {
		return model.VerdictNotYetDetermined, err
	}

	verdict := model.VerdictInconclusive
	var checkErr error

	line := in.Get(config.KeyCheckCommand)
	if line == "" {
		checkErr = fmt.Errorf("%s is not set", config.KeyCheckCommand)
	} else {
		line = config.ExpandTemplate(line, in.Values(s.cfg, s.harnessValues()))
		archive := s.layout.InstanceArchiveDir(s.uniqueID)
		code, err := s.runLogged(ctx, archive, line, s.environ(in), filepath.Join(archive, layout.CheckLogFileName))
		if code < 0 {
			// the check could not run at all
			checkErr = err
		} else {
			verdict = model.VerdictFromExitCode(code)
		}
	}

	if err := writeValue(s.layout.JobStatusFile(s.uniqueID), verdict.Code()+"\n"); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write job status")
	}
	if err := s.logEvent(sf, model.EventCheckEnd, string(verdict)); err != nil && checkErr == nil {
		return verdict, err
	}

	s.logger.Info().Str("verdict", string(verdict)).Msg("Check complete")
	if checkErr != nil {
		return verdict, &PhaseError{Phase: model.PhaseCheck, Err: checkErr}
	}
	return verdict, nil
}

// Recheck appends a fresh check to every archived instance of the test.
func (s *Subtest) Recheck(ctx context.Context) (map[string]model.Verdict, error) {
	ids, err := s.layout.InstanceIDs()
	if err != nil {
		return nil, err
	}

	verdicts := make(map[string]model.Verdict, len(ids))
	var result error
	for _, id := range ids {
		inst := s.withID(id)
		verdict, err := inst.Check(ctx)
		if errors.Is(err, status.ErrNotFound) {
			inst.logger.Warn().Msg("Archived instance has no status record, skipping")
			continue
		}
		verdicts[id] = verdict
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("instance %s: %w", id, err))
		}
	}
	return verdicts, result
}

// resubmit launches the next instance of the test when iterations remain.
func (s *Subtest) resubmit(ctx context.Context) error {
	if s.iterations >= 0 && s.submission >= s.iterations {
		s.logger.Info().Int("submissions", s.submission).Msg("Submission limit reached")
		return nil
	}

	id, err := status.NewUniqueID()
	if err != nil {
		return err
	}
	next := s.withID(id)
	next.submission = s.submission + 1

	s.logger.Info().Str("next_id", id).Int("submission", next.submission).Msg("Resubmitting test")
	return next.launch(ctx)
}
