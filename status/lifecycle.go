package status

import (
	"fmt"
	"strings"

	"github.com/rgt-harness/rgt/model"
)

// lifecycleOrder ranks event kinds by how far they carry a record.
var lifecycleOrder = []model.EventKind{
	model.EventCreated,
	model.EventLoggingStart,
	model.EventCheckoutStart,
	model.EventCheckoutEnd,
	model.EventBuildStart,
	model.EventBuildEnd,
	model.EventSubmitStart,
	model.EventSubmitEnd,
	model.EventJobQueued,
	model.EventBinaryExecuteStart,
	model.EventBinaryExecuteEnd,
	model.EventCheckStart,
	model.EventCheckEnd,
	model.EventReportStart,
	model.EventReportEnd,
}

var rank = func() map[model.EventKind]int {
	m := make(map[model.EventKind]int, len(lifecycleOrder))
	for i, k := range lifecycleOrder {
		m[k] = i
	}
	return m
}()

// machine tracks the lifecycle state of a record one event at a time.
type machine struct {
	created     bool
	open        map[model.Phase]bool
	furthest    model.Phase
	submitEnded bool
}

func newMachine() *machine {
	return &machine{open: make(map[model.Phase]bool)}
}

// check returns a reason when kind cannot follow the events applied so far.
func (m *machine) check(kind model.EventKind) string {
	if !kind.Valid() {
		return "unknown event kind"
	}
	if kind == model.EventCreated {
		if m.created {
			return "record was already created"
		}
		return ""
	}
	if !m.created {
		return "record has no CREATED event"
	}

	phase := kind.Phase()
	switch kind.Boundary() {
	case model.BoundaryPoint:
		if kind == model.EventJobQueued && !m.submitEnded {
			return "job queued before submit finished"
		}
	case model.BoundaryStart:
		if m.open[phase] {
			return fmt.Sprintf("%s already started", phase)
		}
		for p, isOpen := range m.open {
			if isOpen && p != phase {
				return fmt.Sprintf("%s is still open", p)
			}
		}
		if phase < m.furthest && phase != model.PhaseCheck && phase != model.PhaseReport {
			return fmt.Sprintf("%s cannot start after %s", phase, m.furthest)
		}
	case model.BoundaryEnd:
		if !m.open[phase] {
			return fmt.Sprintf("%s was not started", phase)
		}
	}
	return ""
}

func (m *machine) apply(kind model.EventKind) {
	if kind == model.EventCreated {
		m.created = true
		return
	}
	phase := kind.Phase()
	switch kind.Boundary() {
	case model.BoundaryStart:
		m.open[phase] = true
		if phase > m.furthest {
			m.furthest = phase
		}
	case model.BoundaryEnd:
		m.open[phase] = false
		if kind == model.EventSubmitEnd {
			m.submitEnded = true
		}
	}
}

// Validate checks that events follow the lifecycle ordering and returns the
// first violation as a *TransitionError.
func Validate(events []model.Event) error {
	m := newMachine()
	for i, ev := range events {
		if reason := m.check(ev.Kind); reason != "" {
			return &TransitionError{Index: i, Kind: ev.Kind, Reason: reason}
		}
		m.apply(ev.Kind)
	}
	return nil
}

// CurrentPhase returns the furthest-progressed event kind in events, or the
// empty kind when there are none.
func CurrentPhase(events []model.Event) model.EventKind {
	var (
		current model.EventKind
		best    = -1
	)
	for _, ev := range events {
		r, ok := rank[ev.Kind]
		if !ok {
			continue
		}
		if r > best {
			best = r
			current = ev.Kind
		}
	}
	return current
}

// FinalVerdict derives the verdict of a record. The last CHECK_END decides.
// Without one, a record whose checkout, build, submit or execution never
// finished, or finished with a failure, is Inconclusive.
func FinalVerdict(events []model.Event) model.Verdict {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == model.EventCheckEnd {
			return model.ParseVerdict(events[i].Payload)
		}
	}

	open := make(map[model.Phase]bool)
	for _, ev := range events {
		phase := ev.Kind.Phase()
		if phase == model.PhaseNone || phase >= model.PhaseCheck {
			continue
		}
		switch ev.Kind.Boundary() {
		case model.BoundaryStart:
			open[phase] = true
		case model.BoundaryEnd:
			open[phase] = false
			if failedPayload(ev.Payload) {
				return model.VerdictInconclusive
			}
		}
	}
	for _, isOpen := range open {
		if isOpen {
			return model.VerdictInconclusive
		}
	}
	return model.VerdictNotYetDetermined
}

// failedPayload reports whether an END payload records a failure. Empty and
// zero exit values are successes.
func failedPayload(payload string) bool {
	payload = strings.TrimSpace(payload)
	return payload != "" && payload != "0"
}
