package model

import "fmt"

// Task is a harness task applied to every requested subtest
type Task string

const (
	TaskCheckout Task = "check_out_tests"
	TaskStart    Task = "start_tests"
	TaskStop     Task = "stop_tests"
	TaskStatus   Task = "display_status"
	TaskReport   Task = "summarize_results"
)

// canonical execution order of tasks
var taskOrder = []Task{TaskCheckout, TaskStart, TaskStop, TaskStatus, TaskReport}

var taskAliases = map[string]Task{
	"check_out_tests":   TaskCheckout,
	"checkout":          TaskCheckout,
	"start_tests":       TaskStart,
	"start":             TaskStart,
	"stop_tests":        TaskStop,
	"stop":              TaskStop,
	"display_status":    TaskStatus,
	"display_tests":     TaskStatus,
	"status":            TaskStatus,
	"summarize_results": TaskReport,
	"report":            TaskReport,
}

// ParseTask resolves a task name from an input file or a --mode value.
func ParseTask(name string) (Task, error) {
	if t, ok := taskAliases[name]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown harness task %q", name)
}

// Short returns the --mode spelling of the task.
func (t Task) Short() string {
	switch t {
	case TaskCheckout:
		return "checkout"
	case TaskStart:
		return "start"
	case TaskStop:
		return "stop"
	case TaskStatus:
		return "status"
	case TaskReport:
		return "report"
	default:
		return string(t)
	}
}

// TaskSpec is a task with its optional arguments
type TaskSpec struct {
	Task Task
	// Extra words from the input file, e.g. a status time window
	Args []string
}

// OrderTasks returns the tasks in canonical order (checkout, start, stop,
// status, report). Duplicates keep their first occurrence.
func OrderTasks(tasks []TaskSpec) []TaskSpec {
	byTask := make(map[Task]TaskSpec, len(tasks))
	for _, ts := range tasks {
		if _, ok := byTask[ts.Task]; !ok {
			byTask[ts.Task] = ts
		}
	}

	ordered := make([]TaskSpec, 0, len(byTask))
	for _, t := range taskOrder {
		if ts, ok := byTask[t]; ok {
			ordered = append(ordered, ts)
		}
	}
	return ordered
}
