package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rgt-harness/rgt/shell"
)

// SVN checks an application out of a subversion root.
type SVN struct {
	logger zerolog.Logger
	runner shell.Runner
	url    string
}

func newSVN(opts Options) (Repository, error) {
	if opts.Details.SVNRoot == "" {
		return nil, fmt.Errorf("svn_root is required for svn repositories")
	}
	url := strings.TrimSuffix(opts.Details.SVNRoot, "/") + "/" + opts.Application
	if opts.Details.Branch != "" {
		url += "/" + opts.Details.Branch
	}
	return &SVN{logger: opts.Logger, runner: opts.Runner, url: url}, nil
}

func (s *SVN) Kind() Kind { return KindSVN }

// URL returns the checkout URL.
func (s *SVN) URL() string { return s.url }

// Checkout runs svn checkout into dest. An existing working copy is kept.
func (s *SVN) Checkout(ctx context.Context, dest string) error {
	if checkedOut(dest, ".svn") {
		s.logger.Info().Str("dest", dest).Msg("Working copy already present")
		return nil
	}

	s.logger.Info().Str("url", s.url).Str("dest", dest).Msg("Checking out repository")

	args := []string{"svn", "checkout", "--non-interactive"}
	if populated(dest) {
		// keep the harness files already below dest
		args = append(args, "--force")
	}
	line := shell.Quote(append(args, s.url, dest)...)
	if _, err := s.runner.Run(ctx, shell.Command{Dir: filepath.Dir(dest), Line: line}); err != nil {
		return fmt.Errorf("failed to check out %s: %w", s.url, err)
	}
	return nil
}
