package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgt-harness/rgt/config"
	"github.com/rgt-harness/rgt/shell/shelltest"
)

func TestParseKind(t *testing.T) {
	k, err := ParseKind("git")
	require.NoError(t, err)
	assert.Equal(t, KindGit, k)

	k, err = ParseKind("SVN")
	require.NoError(t, err)
	assert.Equal(t, KindSVN, k)

	_, err = ParseKind("mercurial")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := New(Kind(42), Options{})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestGitURL(t *testing.T) {
	tests := []struct {
		name     string
		protocol string
		want     string
		wantErr  bool
	}{
		{name: "ssh", protocol: "ssh", want: "git@gitlab.ccs.ornl.gov:olcf-apps/hello_mpi.git"},
		{name: "https", protocol: "https", want: "https://gitlab.ccs.ornl.gov/olcf-apps/hello_mpi.git"},
		{name: "unknown", protocol: "ftp", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := GitURL(tt.protocol, "git@gitlab.ccs.ornl.gov", "https://gitlab.ccs.ornl.gov/",
				"olcf-apps", "hello_mpi")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGitCheckout(t *testing.T) {
	runner := shelltest.New()
	repo, err := FromConfig(config.RepoDetails{
		Type:         "git",
		Protocol:     "ssh",
		SSHServerURL: "git@server",
		ParentDir:    "apps",
		Branch:       "develop",
	}, "hello_mpi", runner, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, KindGit, repo.Kind())
	assert.Equal(t, "git@server:apps/hello_mpi.git", repo.URL())

	dest := filepath.Join(t.TempDir(), "hello_mpi")
	require.NoError(t, repo.Checkout(context.Background(), dest))

	lines := runner.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "git clone --branch develop --recurse-submodules git@server:apps/hello_mpi.git "+dest, lines[0])
	assert.Equal(t, "git rev-parse HEAD", lines[1])
}

func TestGitCheckout_Existing(t *testing.T) {
	runner := shelltest.New()
	repo, err := New(KindGit, Options{
		Application: "hello_mpi",
		Details:     config.RepoDetails{Protocol: "https", HTTPSServerURL: "https://server", ParentDir: "apps"},
		Runner:      runner,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dest, ".git"), 0755))

	require.NoError(t, repo.Checkout(context.Background(), dest))
	assert.Empty(t, runner.Lines())
}

func TestGitCheckout_IntoPopulatedDir(t *testing.T) {
	runner := shelltest.New()
	repo, err := New(KindGit, Options{
		Application: "hello_mpi",
		Details:     config.RepoDetails{Protocol: "ssh", SSHServerURL: "git@server", ParentDir: "apps", Branch: "develop"},
		Runner:      runner,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dest, "c_n001", "Status"), 0755))

	require.NoError(t, repo.Checkout(context.Background(), dest))
	assert.Equal(t, []string{
		"git init --quiet",
		"git remote add origin git@server:apps/hello_mpi.git",
		"git fetch origin develop",
		"git checkout -B develop FETCH_HEAD",
		"git submodule update --init --recursive",
		"git rev-parse HEAD",
	}, runner.Lines())
	for _, cmd := range runner.Commands() {
		assert.Equal(t, dest, cmd.Dir)
	}
}

func TestGitCheckout_Failure(t *testing.T) {
	runner := shelltest.New().On("git clone", "", errors.New("exit status 128"))
	repo, err := New(KindGit, Options{
		Application: "hello_mpi",
		Details:     config.RepoDetails{Protocol: "ssh", SSHServerURL: "git@server", ParentDir: "apps"},
		Runner:      runner,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)

	err = repo.Checkout(context.Background(), filepath.Join(t.TempDir(), "hello_mpi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "git@server:apps/hello_mpi.git")
	assert.Len(t, runner.Lines(), 1)
}

func TestSVNCheckout(t *testing.T) {
	runner := shelltest.New()
	repo, err := New(KindSVN, Options{
		Application: "laghos",
		Details:     config.RepoDetails{SVNRoot: "svn://svn.server/apps/", Branch: "trunk"},
		Runner:      runner,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	assert.Equal(t, KindSVN, repo.Kind())
	assert.Equal(t, "svn://svn.server/apps/laghos/trunk", repo.URL())

	dest := filepath.Join(t.TempDir(), "laghos")
	require.NoError(t, repo.Checkout(context.Background(), dest))
	assert.Equal(t, []string{"svn checkout --non-interactive svn://svn.server/apps/laghos/trunk " + dest}, runner.Lines())

	// a directory holding harness files is checked out over
	populatedDest := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(populatedDest, "c_n001"), 0755))
	require.NoError(t, repo.Checkout(context.Background(), populatedDest))
	assert.Equal(t, "svn checkout --non-interactive --force svn://svn.server/apps/laghos/trunk "+populatedDest, runner.Lines()[1])
}

func TestSVN_RequiresRoot(t *testing.T) {
	_, err := New(KindSVN, Options{Application: "laghos"})
	assert.Error(t, err)
}
