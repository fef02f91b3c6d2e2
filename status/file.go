// Package status implements the append-only event log that records the
// lifecycle of one test instance, along with the per-test summary table.
package status

import (
	"crypto/rand"
	"encoding/hex"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/rgt-harness/rgt/model"
)

// Mode selects how Open treats an existing file.
type Mode uint8

const (
	// ModeNew creates a fresh record and fails if one already exists.
	ModeNew Mode = iota
	// ModeOld appends to an existing record and fails if none exists.
	ModeOld
)

func (m Mode) String() string {
	switch m {
	case ModeNew:
		return "new"
	case ModeOld:
		return "old"
	default:
		return "unknown"
	}
}

// File is the single writer of one status record.
type File struct {
	mu sync.Mutex

	path     string
	uniqueID string
	f        *os.File
	lock     *flock.Flock

	strict  bool
	clock   func() time.Time
	logger  zerolog.Logger
	summary *Summary
	machine *machine
}

// Option configures a File.
type Option func(*File)

// WithStrict rejects appends that break the lifecycle ordering.
func WithStrict() Option {
	return func(f *File) {
		f.strict = true
	}
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(f *File) {
		f.logger = logger
	}
}

// WithClock overrides the event timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(f *File) {
		f.clock = clock
	}
}

// WithSummary keeps the instance's row in a summary table up to date.
func WithSummary(s *Summary) Option {
	return func(f *File) {
		f.summary = s
	}
}

// NewUniqueID generates a run instance id (16 random bytes, hex encoded).
func NewUniqueID() (string, error) {
	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return "", errors.Wrap(err, "failed to generate unique id")
	}
	return hex.EncodeToString(idBytes), nil
}

// Open opens the status record at path. ModeNew creates the file and
// records CREATED. The returned File holds an exclusive lock on the record
// until Close.
func Open(path string, mode Mode, opts ...Option) (*File, error) {
	sf := &File{
		path:     path,
		uniqueID: filepath.Base(filepath.Dir(path)),
		clock:    time.Now,
		logger:   zerolog.Nop(),
		machine:  newMachine(),
	}
	for _, opt := range opts {
		opt(sf)
	}

	var err error
	switch mode {
	case ModeNew:
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create status directory for %s", path)
		}
		sf.f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0644)
		if err != nil {
			if os.IsExist(err) {
				return nil, &AlreadyExistsError{Path: path}
			}
			return nil, errors.Wrapf(err, "failed to create %s", path)
		}
	case ModeOld:
		sf.f, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, &NotFoundError{Path: path}
			}
			return nil, errors.Wrapf(err, "failed to open %s", path)
		}
	default:
		return nil, errors.Errorf("unknown open mode %d", mode)
	}

	sf.lock = flock.New(path + ".lock")
	locked, err := sf.lock.TryLock()
	if err != nil {
		_ = sf.f.Close()
		return nil, errors.Wrapf(err, "failed to lock %s", path)
	}
	if !locked {
		_ = sf.f.Close()
		return nil, errors.Wrap(ErrLocked, path)
	}

	if mode == ModeOld {
		if err := sf.dropTornTail(); err != nil {
			sf.release()
			return nil, err
		}
		if err := sf.replay(); err != nil {
			sf.release()
			return nil, err
		}
	} else {
		if _, err := sf.LogEvent(model.EventCreated, ""); err != nil {
			sf.release()
			return nil, err
		}
	}

	sf.logger.Debug().
		Str("path", path).
		Stringer("mode", mode).
		Bool("strict", sf.strict).
		Msg("Opened status file")

	return sf, nil
}

// dropTornTail cuts the record back to its last complete event so the next
// append starts on a delimiter line. Must hold the lock.
func (sf *File) dropTornTail() error {
	r, err := os.Open(sf.path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", sf.path)
	}
	defer r.Close()

	info, err := r.Stat()
	if err != nil {
		return errors.Wrapf(err, "failed to stat %s", sf.path)
	}
	keep, err := completeLength(r)
	if err != nil {
		return err
	}
	if keep == info.Size() {
		return nil
	}

	sf.logger.Warn().
		Str("path", sf.path).
		Int64("size", info.Size()).
		Int64("keep", keep).
		Msg("Dropping incomplete trailing status record")
	if err := sf.f.Truncate(keep); err != nil {
		return errors.Wrapf(err, "failed to truncate %s", sf.path)
	}
	if err := sf.f.Sync(); err != nil {
		return errors.Wrapf(err, "failed to sync %s", sf.path)
	}
	return nil
}

// replay feeds the existing records into the lifecycle tracker.
func (sf *File) replay() error {
	events, err := LoadEvents(sf.path)
	if err != nil {
		return err
	}
	for i, ev := range events {
		if reason := sf.machine.check(ev.Kind); reason != "" {
			if sf.strict {
				return &TransitionError{Index: i, Kind: ev.Kind, Reason: reason}
			}
			sf.logger.Warn().
				Str("path", sf.path).
				Int("index", i).
				Str("kind", string(ev.Kind)).
				Str("reason", reason).
				Msg("Status record breaks the lifecycle ordering")
		}
		sf.machine.apply(ev.Kind)
	}
	return nil
}

// Path returns the location of the record on disk.
func (sf *File) Path() string {
	return sf.path
}

// UniqueID returns the id of the run instance the record belongs to.
func (sf *File) UniqueID() string {
	return sf.uniqueID
}

// LogEvent appends one event stamped with the current time. Each record is
// written with a single append followed by a sync.
func (sf *File) LogEvent(kind model.EventKind, payload string) (model.Event, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.f == nil {
		return model.Event{}, ErrClosed
	}

	if reason := sf.machine.check(kind); reason != "" {
		if sf.strict {
			return model.Event{}, &TransitionError{Index: -1, Kind: kind, Reason: reason}
		}
		sf.logger.Warn().
			Str("path", sf.path).
			Str("kind", string(kind)).
			Str("reason", reason).
			Msg("Appending out-of-order status event")
	}

	ev := model.Event{
		Kind:    kind,
		Time:    sf.clock(),
		Payload: payload,
	}

	if _, err := sf.f.Write(encodeEvent(ev)); err != nil {
		return model.Event{}, errors.Wrapf(err, "failed to append %s to %s", kind, sf.path)
	}
	if err := sf.f.Sync(); err != nil {
		return model.Event{}, errors.Wrapf(err, "failed to sync %s", sf.path)
	}
	sf.machine.apply(kind)

	sf.logger.Debug().
		Str("id", sf.uniqueID).
		Str("kind", string(kind)).
		Str("payload", payload).
		Msg("Logged status event")

	if sf.summary != nil {
		if err := sf.summary.Apply(sf.uniqueID, ev); err != nil {
			sf.logger.Warn().Err(err).Str("summary", sf.summary.Path()).Msg("Failed to update summary table")
		}
	}

	return ev, nil
}

// Events returns a lazy sequence over every record in append order.
func (sf *File) Events() iter.Seq2[model.Event, error] {
	return ReadEvents(sf.path)
}

// CurrentPhase returns the furthest-progressed event kind of the record.
func (sf *File) CurrentPhase() (model.EventKind, error) {
	events, err := LoadEvents(sf.path)
	if err != nil {
		return "", err
	}
	return CurrentPhase(events), nil
}

// FinalVerdict returns the verdict derived from the record.
func (sf *File) FinalVerdict() (model.Verdict, error) {
	events, err := LoadEvents(sf.path)
	if err != nil {
		return "", err
	}
	return FinalVerdict(events), nil
}

// Close releases the record.
func (sf *File) Close() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.f == nil {
		return nil
	}
	err := sf.f.Close()
	sf.f = nil
	if uerr := sf.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	if err != nil {
		return errors.Wrapf(err, "failed to close %s", sf.path)
	}
	return nil
}

func (sf *File) release() {
	_ = sf.f.Close()
	sf.f = nil
	_ = sf.lock.Unlock()
}
