package scheduler

import "strings"

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func parseSLURMState(out string) (JobState, bool) {
	state := lastLine(out)
	switch state {
	case "":
		return "", false
	case "PENDING", "CONFIGURING", "REQUEUED", "SUSPENDED":
		return StatePending, true
	case "RUNNING", "COMPLETING":
		return StateRunning, true
	case "COMPLETED":
		return StateDone, true
	default:
		// FAILED, CANCELLED, TIMEOUT, NODE_FAIL, OUT_OF_MEMORY, ...
		return StateFailed, true
	}
}

// qstat prints a header then "id name user time S queue".
func parsePBSState(out string) (JobState, bool) {
	fields := strings.Fields(lastLine(out))
	if len(fields) < 5 || strings.HasPrefix(fields[0], "-") || fields[0] == "Job" {
		return "", false
	}
	switch fields[4] {
	case "Q", "H", "W", "T", "S":
		return StatePending, true
	case "R", "E", "B":
		return StateRunning, true
	case "C", "F", "X":
		return StateDone, true
	default:
		return "", false
	}
}

func parseLSFState(out string) (JobState, bool) {
	switch lastLine(out) {
	case "PEND", "PSUSP", "USUSP", "SSUSP", "WAIT":
		return StatePending, true
	case "RUN":
		return StateRunning, true
	case "DONE":
		return StateDone, true
	case "EXIT", "ZOMBI":
		return StateFailed, true
	default:
		return "", false
	}
}
