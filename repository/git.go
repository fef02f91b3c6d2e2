package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rgt-harness/rgt/shell"
)

const defaultBranch = "master"

// Git clones an application from a git server.
type Git struct {
	logger zerolog.Logger
	runner shell.Runner
	url    string
	branch string
}

func newGit(opts Options) (Repository, error) {
	url, err := GitURL(opts.Details.Protocol, opts.Details.SSHServerURL, opts.Details.HTTPSServerURL,
		opts.Details.ParentDir, opts.Application)
	if err != nil {
		return nil, err
	}

	branch := opts.Details.Branch
	if branch == "" {
		branch = defaultBranch
	}

	return &Git{
		logger: opts.Logger,
		runner: opts.Runner,
		url:    url,
		branch: branch,
	}, nil
}

// GitURL builds the remote URL of an application repository.
func GitURL(protocol, sshServer, httpsServer, parentDir, app string) (string, error) {
	switch protocol {
	case "ssh":
		if sshServer == "" {
			return "", fmt.Errorf("git_ssh_server_url is required for ssh transfers")
		}
		return fmt.Sprintf("%s:%s/%s.git", sshServer, parentDir, app), nil
	case "https":
		if httpsServer == "" {
			return "", fmt.Errorf("git_https_server_url is required for https transfers")
		}
		return fmt.Sprintf("%s/%s/%s.git", strings.TrimSuffix(httpsServer, "/"), parentDir, app), nil
	default:
		return "", fmt.Errorf("unsupported git data transfer protocol %q", protocol)
	}
}

func (g *Git) Kind() Kind { return KindGit }

// URL returns the remote repository URL.
func (g *Git) URL() string { return g.url }

// Checkout clones the repository into dest. An existing clone is kept.
// When dest already holds harness files, the repository is fetched into it
// in place.
func (g *Git) Checkout(ctx context.Context, dest string) error {
	if checkedOut(dest, ".git") {
		g.logger.Info().Str("dest", dest).Msg("Repository already checked out")
		return nil
	}

	g.logger.Info().
		Str("url", g.url).
		Str("branch", g.branch).
		Str("dest", dest).
		Msg("Cloning repository")

	if populated(dest) {
		if err := g.fetchInto(ctx, dest); err != nil {
			return err
		}
	} else {
		line := shell.Quote("git", "clone", "--branch", g.branch, "--recurse-submodules", g.url, dest)
		if _, err := g.runner.Run(ctx, shell.Command{Dir: filepath.Dir(dest), Line: line}); err != nil {
			return fmt.Errorf("failed to clone %s: %w", g.url, err)
		}
	}

	commit, err := g.runner.Run(ctx, shell.Command{Dir: dest, Line: "git rev-parse HEAD"})
	if err != nil {
		g.logger.Warn().Err(err).Msg("Failed to read checked out commit")
		return nil
	}
	g.logger.Info().Str("commit", strings.TrimSpace(commit)).Msg("Repository cloned")
	return nil
}

// fetchInto checks the branch out into a non-empty directory.
func (g *Git) fetchInto(ctx context.Context, dest string) error {
	steps := [][]string{
		{"git", "init", "--quiet"},
		{"git", "remote", "add", "origin", g.url},
		{"git", "fetch", "origin", g.branch},
		{"git", "checkout", "-B", g.branch, "FETCH_HEAD"},
		{"git", "submodule", "update", "--init", "--recursive"},
	}
	for _, step := range steps {
		if _, err := g.runner.Run(ctx, shell.Command{Dir: dest, Line: shell.Quote(step...)}); err != nil {
			return fmt.Errorf("failed to clone %s: %w", g.url, err)
		}
	}
	return nil
}

func populated(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}
