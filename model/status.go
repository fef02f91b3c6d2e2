package model

import (
	"strconv"
	"strings"
	"time"
)

// EventKind identifies a lifecycle event recorded in a status file
type EventKind string

const (
	EventCreated            EventKind = "CREATED"
	EventLoggingStart       EventKind = "LOGGING_START"
	EventCheckoutStart      EventKind = "CHECKOUT_START"
	EventCheckoutEnd        EventKind = "CHECKOUT_END"
	EventBuildStart         EventKind = "BUILD_START"
	EventBuildEnd           EventKind = "BUILD_END"
	EventSubmitStart        EventKind = "SUBMIT_START"
	EventSubmitEnd          EventKind = "SUBMIT_END"
	EventJobQueued          EventKind = "JOB_QUEUED"
	EventBinaryExecuteStart EventKind = "BINARY_EXECUTE_START"
	EventBinaryExecuteEnd   EventKind = "BINARY_EXECUTE_END"
	EventCheckStart         EventKind = "CHECK_START"
	EventCheckEnd           EventKind = "CHECK_END"
	EventReportStart        EventKind = "REPORT_START"
	EventReportEnd          EventKind = "REPORT_END"
)

// Phase is one stage of the test lifecycle. Phases are ordered; the zero
// value is PhaseNone.
type Phase uint8

const (
	PhaseNone Phase = iota
	PhaseCheckout
	PhaseBuild
	PhaseSubmit
	PhaseBinaryExecute
	PhaseCheck
	PhaseReport
)

var phaseNames = map[Phase]string{
	PhaseNone:          "NONE",
	PhaseCheckout:      "CHECKOUT",
	PhaseBuild:         "BUILD",
	PhaseSubmit:        "SUBMIT",
	PhaseBinaryExecute: "BINARY_EXECUTE",
	PhaseCheck:         "CHECK",
	PhaseReport:        "REPORT",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "UNKNOWN"
}

// Boundary tells whether an event opens or closes its phase
type Boundary uint8

const (
	BoundaryPoint Boundary = iota
	BoundaryStart
	BoundaryEnd
)

type kindInfo struct {
	phase    Phase
	boundary Boundary
}

var kinds = map[EventKind]kindInfo{
	EventCreated:            {PhaseNone, BoundaryPoint},
	EventLoggingStart:       {PhaseNone, BoundaryPoint},
	EventCheckoutStart:      {PhaseCheckout, BoundaryStart},
	EventCheckoutEnd:        {PhaseCheckout, BoundaryEnd},
	EventBuildStart:         {PhaseBuild, BoundaryStart},
	EventBuildEnd:           {PhaseBuild, BoundaryEnd},
	EventSubmitStart:        {PhaseSubmit, BoundaryStart},
	EventSubmitEnd:          {PhaseSubmit, BoundaryEnd},
	EventJobQueued:          {PhaseSubmit, BoundaryPoint},
	EventBinaryExecuteStart: {PhaseBinaryExecute, BoundaryStart},
	EventBinaryExecuteEnd:   {PhaseBinaryExecute, BoundaryEnd},
	EventCheckStart:         {PhaseCheck, BoundaryStart},
	EventCheckEnd:           {PhaseCheck, BoundaryEnd},
	EventReportStart:        {PhaseReport, BoundaryStart},
	EventReportEnd:          {PhaseReport, BoundaryEnd},
}

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Phase returns the lifecycle phase the event belongs to.
func (k EventKind) Phase() Phase {
	return kinds[k].phase
}

// Boundary returns whether the event starts or ends its phase.
func (k EventKind) Boundary() Boundary {
	return kinds[k].boundary
}

// StartOf returns the START kind of a phase.
func StartOf(p Phase) EventKind {
	return EventKind(p.String() + "_START")
}

// EndOf returns the END kind of a phase.
func EndOf(p Phase) EventKind {
	return EventKind(p.String() + "_END")
}

// Event is a single immutable status record
type Event struct {
	// Kind of the event
	Kind EventKind `json:"kind" yaml:"kind"`
	// Time the event was appended
	Time time.Time `json:"time" yaml:"time"`
	// Free-form payload (job id, exit value, verdict); empty when absent
	Payload string `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Verdict is the outcome of the check phase
type Verdict string

const (
	VerdictNotYetDetermined Verdict = "NotYetDetermined"
	VerdictPass             Verdict = "Pass"
	VerdictFail             Verdict = "Fail"
	VerdictInconclusive     Verdict = "Inconclusive"
)

// ParseVerdict decodes a CHECK_END payload. Check scripts report 0 for a
// pass, 1 for a failure and anything else for an inconclusive result.
func ParseVerdict(payload string) Verdict {
	payload = strings.TrimSpace(payload)
	switch strings.ToLower(payload) {
	case "pass":
		return VerdictPass
	case "fail":
		return VerdictFail
	case "inconclusive":
		return VerdictInconclusive
	}

	code, err := strconv.Atoi(payload)
	if err != nil {
		return VerdictInconclusive
	}
	switch code {
	case 0:
		return VerdictPass
	case 1:
		return VerdictFail
	default:
		return VerdictInconclusive
	}
}

// VerdictFromExitCode maps a check command exit code to a verdict.
func VerdictFromExitCode(code int) Verdict {
	return ParseVerdict(strconv.Itoa(code))
}

// Code returns the numeric result code recorded in summary tables.
func (v Verdict) Code() string {
	switch v {
	case VerdictPass:
		return "0"
	case VerdictFail:
		return "1"
	case VerdictInconclusive:
		return "2"
	default:
		return Unset
	}
}
