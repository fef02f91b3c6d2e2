// Package history stores and loads the per-launch records written by each
// harness invocation.
package history

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/rgt-harness/rgt/model"
)

const (
	// DirPrefix starts the name of every launch log directory.
	DirPrefix = "harness_log_files."
	// LaunchFile is the record written into each launch directory.
	LaunchFile = "launch.yaml"
	// LogFile receives the launch's log output.
	LogFile = "harness.log"
	// MetricsFile receives the launch's metrics in Prometheus text format.
	MetricsFile = "harness_metrics.prom"

	dirTimeLayout = "20060102_150405.000000"
)

type Entry struct {
	Launch   model.Launch
	FullPath string
}

// LaunchDir returns the preferred log directory of a launch started at ts.
func LaunchDir(root string, ts time.Time) string {
	return filepath.Join(root, DirPrefix+ts.Format(dirTimeLayout))
}

// Prepare creates a log directory no other launch owns. A launch started
// at the same instant as an existing one gets a numbered suffix.
func Prepare(root string, ts time.Time) (string, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("failed to create log root: %w", err)
	}
	base := LaunchDir(root, ts)
	dir := base
	for n := 1; ; n++ {
		err := os.Mkdir(dir, 0755)
		if err == nil {
			return dir, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("failed to create launch directory: %w", err)
		}
		dir = base + "-" + strconv.Itoa(n)
	}
}

// Record writes launch to dir/launch.yaml.
func Record(dir string, launch *model.Launch) error {
	data, err := yaml.Marshal(launch)
	if err != nil {
		return fmt.Errorf("failed to marshal launch: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, LaunchFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write launch record: %w", err)
	}
	return nil
}

// LoadEntries loads every launch record below root, newest first.
// Unparseable records are skipped with a warning.
func LoadEntries(logger zerolog.Logger, root string) ([]Entry, error) {
	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", root, err)
	}

	var entries []Entry
	for _, d := range dirs {
		if !d.IsDir() || !strings.HasPrefix(d.Name(), DirPrefix) {
			continue
		}
		path := filepath.Join(root, d.Name())
		launch, err := parseLaunch(filepath.Join(path, LaunchFile))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("Failed to parse launch.yaml")
			continue
		}
		entries = append(entries, Entry{Launch: launch, FullPath: path})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Launch.Timestamp.After(entries[j].Launch.Timestamp)
	})
	return entries, nil
}

func parseLaunch(path string) (model.Launch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Launch{}, err
	}
	var launch model.Launch
	if err := yaml.Unmarshal(data, &launch); err != nil {
		return model.Launch{}, err
	}
	return launch, nil
}

// Select picks an entry from a newest-first list. arg is either an index
// ("0" is the newest, "-1" the one before) or a prefix of the launch tag.
func Select(entries []Entry, arg string) (*Entry, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("no launches found")
	}
	if arg == "" {
		arg = "0"
	}

	if n, err := strconv.Atoi(arg); err == nil {
		if n > 0 {
			return nil, fmt.Errorf("invalid index %d: use 0 for the latest launch or a negative offset", n)
		}
		idx := -n
		if idx >= len(entries) {
			return nil, fmt.Errorf("index %d out of range (%d launches)", n, len(entries))
		}
		return &entries[idx], nil
	}

	var match *Entry
	for i := range entries {
		if !strings.HasPrefix(entries[i].Launch.Tag, arg) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("ambiguous launch prefix %q", arg)
		}
		match = &entries[i]
	}
	if match == nil {
		return nil, fmt.Errorf("no launch matching %q", arg)
	}
	return match, nil
}
