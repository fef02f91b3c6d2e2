// Package inputfile parses harness input files.
//
// An input file names the tests root, the tests to run and the harness
// tasks to apply:
//
//	# comment
//	path_to_tests = /lustre/apps
//	test = hello_mpi c_n001 [iterations]
//	harness_task = start_tests
//	harness_task = display_status 2024_03_01_00_00 2024_03_02_00_00
package inputfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rgt-harness/rgt/model"
)

const (
	entryTest        = "test"
	entryPathToTests = "path_to_tests"
	entryHarnessTask = "harness_task"
	commentPrefix    = "#"
)

// Test is one requested (application, subtest) pair
type Test struct {
	Application string
	Subtest     string
	// Number of submissions; -1 means no limit
	Iterations int
}

// InputFile is the parsed content of a harness input file
type InputFile struct {
	PathToTests string
	Tests       []Test
	Tasks       []model.TaskSpec
}

// ParseError reports a malformed input line
type ParseError struct {
	Line int
	Text string
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Msg, e.Text)
}

// ParseFile reads and parses the input file at path.
func ParseFile(path string) (*InputFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()

	in, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return in, nil
}

// Parse parses an input file from an io.Reader.
func Parse(reader io.Reader) (*InputFile, error) {
	in := &InputFile{}
	scanner := bufio.NewScanner(reader)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, commentPrefix) {
			continue
		}

		words := strings.Fields(trimmed)
		if len(words) < 2 || words[1] != "=" {
			return nil, &ParseError{Line: lineNo, Text: line, Msg: "expected <entry> = <value>"}
		}

		switch strings.ToLower(words[0]) {
		case entryTest:
			// test = app subtest [iterations]
			if len(words) != 4 && len(words) != 5 {
				return nil, &ParseError{Line: lineNo, Text: line, Msg: "invalid number of words in test line"}
			}
			test := Test{Application: words[2], Subtest: words[3], Iterations: -1}
			if len(words) == 5 {
				n, err := strconv.Atoi(words[4])
				if err != nil || n < 1 {
					return nil, &ParseError{Line: lineNo, Text: line, Msg: "iterations must be a positive integer"}
				}
				test.Iterations = n
			}
			in.Tests = append(in.Tests, test)

		case entryPathToTests:
			if len(words) != 3 {
				return nil, &ParseError{Line: lineNo, Text: line, Msg: "invalid number of words in path line"}
			}
			in.PathToTests = words[2]

		case entryHarnessTask:
			if len(words) != 3 && len(words) != 5 {
				return nil, &ParseError{Line: lineNo, Text: line, Msg: "invalid number of words in task line"}
			}
			task, err := model.ParseTask(words[2])
			if err != nil {
				return nil, &ParseError{Line: lineNo, Text: line, Msg: err.Error()}
			}
			spec := model.TaskSpec{Task: task}
			if len(words) == 5 {
				spec.Args = []string{words[3], words[4]}
			}
			in.Tasks = append(in.Tasks, spec)

		default:
			return nil, &ParseError{Line: lineNo, Text: line, Msg: "invalid line"}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading input: %w", err)
	}

	return in, nil
}

// OverrideTasks replaces the file's tasks with --mode values.
func (in *InputFile) OverrideTasks(modes []string) error {
	if len(modes) == 0 {
		return nil
	}
	tasks := make([]model.TaskSpec, 0, len(modes))
	for _, m := range modes {
		task, err := model.ParseTask(m)
		if err != nil {
			return err
		}
		tasks = append(tasks, model.TaskSpec{Task: task})
	}
	in.Tasks = tasks
	return nil
}

// Validate checks that the file names something to do.
func (in *InputFile) Validate() error {
	if in.PathToTests == "" {
		return fmt.Errorf("input file does not set %s", entryPathToTests)
	}
	if len(in.Tests) == 0 {
		return fmt.Errorf("input file lists no tests")
	}
	if len(in.Tasks) == 0 {
		return fmt.Errorf("no valid tasks found in the input file or on the command line")
	}
	return nil
}
