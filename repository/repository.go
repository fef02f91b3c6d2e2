// Package repository checks application sources out of version control.
package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rgt-harness/rgt/config"
	"github.com/rgt-harness/rgt/shell"
)

// Kind identifies a version control system.
type Kind uint8

const (
	KindGit Kind = iota + 1
	KindSVN
)

var ErrUnknownKind = errors.New("unknown repository type")

var kindNames = map[Kind]string{
	KindGit: "git",
	KindSVN: "svn",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind resolves a repository_type value.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Repository checks one application out into a local directory.
type Repository interface {
	Checkout(ctx context.Context, dest string) error
	Kind() Kind
	// URL is where the sources are checked out from
	URL() string
}

// Options configures a repository.
type Options struct {
	Application string
	Details     config.RepoDetails
	Runner      shell.Runner
	Logger      zerolog.Logger
}

type constructor func(Options) (Repository, error)

var registry = map[Kind]constructor{
	KindGit: newGit,
	KindSVN: newSVN,
}

// New creates a repository of the given kind.
func New(kind Kind, opts Options) (Repository, error) {
	ctor, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if opts.Runner == nil {
		opts.Runner = shell.NewLocal(opts.Logger)
	}
	opts.Logger = opts.Logger.With().
		Str("repository", kind.String()).
		Str("app", opts.Application).
		Logger()
	return ctor(opts)
}

// FromConfig creates the repository configured in RepoDetails for app.
func FromConfig(details config.RepoDetails, app string, runner shell.Runner, logger zerolog.Logger) (Repository, error) {
	kind, err := ParseKind(details.Type)
	if err != nil {
		return nil, err
	}
	return New(kind, Options{
		Application: app,
		Details:     details,
		Runner:      runner,
		Logger:      logger,
	})
}

// checkedOut reports whether dest already holds a working copy with the
// given metadata directory.
func checkedOut(dest, metaDir string) bool {
	info, err := os.Stat(filepath.Join(dest, metaDir))
	return err == nil && info.IsDir()
}
