package status

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rgt-harness/rgt/model"
)

func events(pairs ...string) []model.Event {
	var out []model.Event
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, model.Event{Kind: model.EventKind(pairs[i]), Payload: pairs[i+1]})
	}
	return out
}

func TestCurrentPhase(t *testing.T) {
	tests := []struct {
		name   string
		events []model.Event
		want   model.EventKind
	}{
		{
			name: "empty",
			want: "",
		},
		{
			name:   "created only",
			events: events("CREATED", ""),
			want:   model.EventCreated,
		},
		{
			name:   "skipped build",
			events: events("CREATED", "", "CHECKOUT_START", "", "CHECKOUT_END", "0", "CHECK_START", "", "CHECK_END", "Pass"),
			want:   model.EventCheckEnd,
		},
		{
			name:   "queued job",
			events: events("CREATED", "", "LOGGING_START", "", "BUILD_START", "", "BUILD_END", "0", "SUBMIT_START", "1/1", "SUBMIT_END", "0", "JOB_QUEUED", "12"),
			want:   model.EventJobQueued,
		},
		{
			name:   "recheck after report keeps furthest",
			events: events("CREATED", "", "CHECK_START", "", "CHECK_END", "1", "REPORT_START", "", "REPORT_END", "", "CHECK_START", "", "CHECK_END", "0"),
			want:   model.EventReportEnd,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CurrentPhase(tt.events))
		})
	}
}

func TestFinalVerdict(t *testing.T) {
	tests := []struct {
		name   string
		events []model.Event
		want   model.Verdict
	}{
		{
			name:   "no check yet",
			events: events("CREATED", "", "CHECKOUT_START", "", "CHECKOUT_END", "0"),
			want:   model.VerdictNotYetDetermined,
		},
		{
			name:   "job queued and waiting",
			events: events("CREATED", "", "SUBMIT_START", "1/1", "SUBMIT_END", "0", "JOB_QUEUED", "99"),
			want:   model.VerdictNotYetDetermined,
		},
		{
			name:   "build never finished",
			events: events("CREATED", "", "BUILD_START", ""),
			want:   model.VerdictInconclusive,
		},
		{
			name:   "job killed while executing",
			events: events("CREATED", "", "SUBMIT_START", "1/1", "SUBMIT_END", "0", "JOB_QUEUED", "99", "BINARY_EXECUTE_START", ""),
			want:   model.VerdictInconclusive,
		},
		{
			name:   "failed build",
			events: events("CREATED", "", "BUILD_START", "", "BUILD_END", "2"),
			want:   model.VerdictInconclusive,
		},
		{
			name:   "numeric pass",
			events: events("CREATED", "", "CHECK_START", "", "CHECK_END", "0"),
			want:   model.VerdictPass,
		},
		{
			name:   "numeric fail",
			events: events("CREATED", "", "CHECK_START", "", "CHECK_END", "1"),
			want:   model.VerdictFail,
		},
		{
			name:   "check code above one",
			events: events("CREATED", "", "CHECK_START", "", "CHECK_END", "5"),
			want:   model.VerdictInconclusive,
		},
		{
			name:   "latest check wins",
			events: events("CREATED", "", "CHECK_START", "", "CHECK_END", "Fail", "CHECK_START", "", "CHECK_END", "Pass"),
			want:   model.VerdictPass,
		},
		{
			name:   "report does not change verdict",
			events: events("CREATED", "", "CHECK_START", "", "CHECK_END", "Fail", "REPORT_START", "", "REPORT_END", "0"),
			want:   model.VerdictFail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FinalVerdict(tt.events))
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		events    []model.Event
		wantIndex int
	}{
		{
			name:      "full lifecycle",
			events:    events("CREATED", "", "LOGGING_START", "", "CHECKOUT_START", "", "CHECKOUT_END", "0", "BUILD_START", "", "BUILD_END", "0", "SUBMIT_START", "1/1", "SUBMIT_END", "0", "JOB_QUEUED", "1", "BINARY_EXECUTE_START", "", "BINARY_EXECUTE_END", "0", "CHECK_START", "", "CHECK_END", "Pass", "REPORT_START", "", "REPORT_END", ""),
			wantIndex: -1,
		},
		{
			name:      "missing created",
			events:    events("CHECKOUT_START", ""),
			wantIndex: 0,
		},
		{
			name:      "unknown kind",
			events:    events("CREATED", "", "DANCE_START", ""),
			wantIndex: 1,
		},
		{
			name:      "double check start",
			events:    events("CREATED", "", "CHECK_START", "", "CHECK_START", ""),
			wantIndex: 2,
		},
		{
			name:      "end of a different phase",
			events:    events("CREATED", "", "BUILD_START", "", "CHECK_END", "Pass"),
			wantIndex: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.events)
			if tt.wantIndex < 0 {
				assert.NoError(t, err)
				return
			}
			var transitionErr *TransitionError
			if assert.ErrorAs(t, err, &transitionErr) {
				assert.Equal(t, tt.wantIndex, transitionErr.Index)
			}
		})
	}
}
