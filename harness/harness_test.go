package harness

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgt-harness/rgt/model"
)

// fakeRunner records every task it runs on a shared journal.
type fakeRunner struct {
	test    Test
	journal *journal
	fail    map[model.Task]error
	panicOn model.Task
	delay   time.Duration
	meet    *rendezvous
}

func (r *fakeRunner) UniqueID() string { return "id-" + r.test.Subtest }

func (r *fakeRunner) Do(ctx context.Context, task model.TaskSpec) error {
	r.journal.begin(r.test)
	defer r.journal.end(r.test)
	r.journal.record(r.test.Application + "/" + r.test.Subtest + ":" + task.Task.Short())

	if task.Task == r.panicOn {
		panic("boom")
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.meet != nil {
		if err := r.meet.wait(); err != nil {
			return err
		}
	}
	return r.fail[task.Task]
}

// rendezvous releases its parties only once all of them are inside Do at
// the same time.
type rendezvous struct {
	arrived sync.WaitGroup
	all     chan struct{}
	timeout time.Duration
}

func newRendezvous(parties int, timeout time.Duration) *rendezvous {
	r := &rendezvous{all: make(chan struct{}), timeout: timeout}
	r.arrived.Add(parties)
	go func() {
		r.arrived.Wait()
		close(r.all)
	}()
	return r
}

func (r *rendezvous) wait() error {
	r.arrived.Done()
	select {
	case <-r.all:
		return nil
	case <-time.After(r.timeout):
		return errors.New("groups never ran side by side")
	}
}

type journal struct {
	mu          sync.Mutex
	entries     []string
	running     map[string]int
	overlapped  map[string]bool
	concurrent  int
	maxParallel int
}

func newJournal() *journal {
	return &journal{running: map[string]int{}, overlapped: map[string]bool{}}
}

func (j *journal) begin(t Test) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.running[t.Application]++
	if j.running[t.Application] > 1 {
		j.overlapped[t.Application] = true
	}
	j.concurrent++
	if j.concurrent > j.maxParallel {
		j.maxParallel = j.concurrent
	}
}

func (j *journal) end(t Test) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.running[t.Application]--
	j.concurrent--
}

func (j *journal) record(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

var startTasks = []model.TaskSpec{{Task: model.TaskStart}, {Task: model.TaskCheckout}}

func TestParseConcurrency(t *testing.T) {
	tests := []struct {
		in      string
		want    Concurrency
		wantErr bool
	}{
		{in: "serial", want: Serial},
		{in: "Parallel", want: Parallel},
		{in: "threaded", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseConcurrency(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGroupTests(t *testing.T) {
	groups := GroupTests([]Test{
		{Application: "b", Subtest: "b1"},
		{Application: "a", Subtest: "a1"},
		{Application: "b", Subtest: "b2"},
	})
	require.Len(t, groups, 2)
	assert.Equal(t, "b", groups[0].Application)
	assert.Equal(t, []Test{{Application: "b", Subtest: "b1"}, {Application: "b", Subtest: "b2"}}, groups[0].Tests)
	assert.Equal(t, "a", groups[1].Application)
}

func TestRun_OneGroupFails(t *testing.T) {
	j := newJournal()
	collaborator := errors.New("scheduler unreachable")
	h := New(Options{
		Workers: 2,
		Logger:  zerolog.Nop(),
		Factory: func(test Test) (Runner, error) {
			r := &fakeRunner{test: test, journal: j, delay: 5 * time.Millisecond}
			if test.Application == "beta" {
				r.fail = map[model.Task]error{model.TaskStart: collaborator}
			}
			return r, nil
		},
	})

	res := h.Run(context.Background(), []Test{
		{Application: "alpha", Subtest: "t1"},
		{Application: "beta", Subtest: "t1"},
		{Application: "gamma", Subtest: "t1"},
	}, startTasks, Parallel)

	assert.Equal(t, model.AllTasksNotCompleted, res.State)
	assert.Equal(t, 1, res.ExitCode())
	require.Len(t, res.Outcomes, 3)

	for _, app := range []string{"alpha", "gamma"} {
		o, ok := res.Outcome(app)
		require.True(t, ok)
		assert.Equal(t, model.GroupCompleted, o.State, app)
		assert.NoError(t, o.Err)
	}
	beta, ok := res.Outcome("beta")
	require.True(t, ok)
	assert.Equal(t, model.GroupException, beta.State)
	assert.ErrorIs(t, beta.Err, collaborator)

	assert.Equal(t, []string{"beta"}, res.FailedApplications())
	require.Error(t, res.Err())
	assert.Contains(t, res.Err().Error(), "beta")
	assert.LessOrEqual(t, j.maxParallel, 2)
}

func TestRun_AllCompleted(t *testing.T) {
	j := newJournal()
	h := New(Options{
		Workers: 4,
		Logger:  zerolog.Nop(),
		Factory: func(test Test) (Runner, error) {
			return &fakeRunner{test: test, journal: j}, nil
		},
	})

	res := h.Run(context.Background(), []Test{
		{Application: "alpha", Subtest: "t1"},
		{Application: "beta", Subtest: "t1"},
	}, startTasks, Parallel)

	assert.Equal(t, model.AllTasksCompleted, res.State)
	assert.Equal(t, 0, res.ExitCode())
	assert.NoError(t, res.Err())

	alpha, _ := res.Outcome("alpha")
	assert.Equal(t, []model.TestRef{{Subtest: "t1", UniqueID: "id-t1"}}, alpha.Tests)
}

func TestRun_SameApplicationNeverOverlaps(t *testing.T) {
	j := newJournal()
	h := New(Options{
		Workers: 8,
		Logger:  zerolog.Nop(),
		Factory: func(test Test) (Runner, error) {
			return &fakeRunner{test: test, journal: j, delay: 2 * time.Millisecond}, nil
		},
	})

	var tests []Test
	for _, app := range []string{"alpha", "beta", "gamma"} {
		for _, sub := range []string{"s1", "s2", "s3"} {
			tests = append(tests, Test{Application: app, Subtest: sub})
		}
	}
	res := h.Run(context.Background(), tests, startTasks, Parallel)
	require.True(t, res.Completed())

	assert.Empty(t, j.overlapped)

	// input order is kept within each application
	var alpha []string
	for _, e := range j.snapshot() {
		if strings.HasPrefix(e, "alpha/") {
			alpha = append(alpha, e)
		}
	}
	assert.Equal(t, []string{
		"alpha/s1:checkout", "alpha/s1:start",
		"alpha/s2:checkout", "alpha/s2:start",
		"alpha/s3:checkout", "alpha/s3:start",
	}, alpha)
}

func TestRun_DifferentApplicationsOverlap(t *testing.T) {
	j := newJournal()
	meet := newRendezvous(2, 5*time.Second)
	h := New(Options{
		Workers: 2,
		Logger:  zerolog.Nop(),
		Factory: func(test Test) (Runner, error) {
			return &fakeRunner{test: test, journal: j, meet: meet}, nil
		},
	})

	res := h.Run(context.Background(), []Test{
		{Application: "alpha", Subtest: "a1"},
		{Application: "beta", Subtest: "b1"},
	}, []model.TaskSpec{{Task: model.TaskStart}}, Parallel)

	assert.Equal(t, model.AllTasksCompleted, res.State)
	assert.NoError(t, res.Err())
	assert.Equal(t, 2, j.maxParallel)
}

func TestRun_SerialKeepsInputOrder(t *testing.T) {
	j := newJournal()
	h := New(Options{
		Workers: 8,
		Logger:  zerolog.Nop(),
		Factory: func(test Test) (Runner, error) {
			return &fakeRunner{test: test, journal: j}, nil
		},
	})

	res := h.Run(context.Background(), []Test{
		{Application: "gamma", Subtest: "g1"},
		{Application: "alpha", Subtest: "a1"},
		{Application: "gamma", Subtest: "g2"},
	}, []model.TaskSpec{{Task: model.TaskStart}}, Serial)

	require.True(t, res.Completed())
	assert.Equal(t, []string{"gamma/g1:start", "gamma/g2:start", "alpha/a1:start"}, j.snapshot())
	assert.Equal(t, 1, j.maxParallel)
}

func TestRun_FirstErrorEndsGroup(t *testing.T) {
	j := newJournal()
	h := New(Options{
		Workers: 1,
		Logger:  zerolog.Nop(),
		Factory: func(test Test) (Runner, error) {
			r := &fakeRunner{test: test, journal: j}
			if test.Subtest == "s1" {
				r.fail = map[model.Task]error{model.TaskCheckout: errors.New("clone failed")}
			}
			return r, nil
		},
	})

	res := h.Run(context.Background(), []Test{
		{Application: "alpha", Subtest: "s1"},
		{Application: "alpha", Subtest: "s2"},
	}, startTasks, Serial)

	assert.False(t, res.Completed())
	assert.Equal(t, []string{"alpha/s1:checkout"}, j.snapshot())
}

func TestRun_PanicIsRecorded(t *testing.T) {
	j := newJournal()
	h := New(Options{
		Workers: 2,
		Logger:  zerolog.Nop(),
		Factory: func(test Test) (Runner, error) {
			r := &fakeRunner{test: test, journal: j}
			if test.Application == "alpha" {
				r.panicOn = model.TaskStart
			}
			return r, nil
		},
	})

	res := h.Run(context.Background(), []Test{
		{Application: "alpha", Subtest: "t1"},
		{Application: "beta", Subtest: "t1"},
	}, startTasks, Parallel)

	alpha, _ := res.Outcome("alpha")
	assert.Equal(t, model.GroupException, alpha.State)
	assert.ErrorContains(t, alpha.Err, "boom")
	beta, _ := res.Outcome("beta")
	assert.Equal(t, model.GroupCompleted, beta.State)
	assert.Equal(t, model.AllTasksNotCompleted, res.State)
}

func TestRun_FactoryError(t *testing.T) {
	h := New(Options{
		Workers: 1,
		Logger:  zerolog.Nop(),
		Factory: func(test Test) (Runner, error) {
			return nil, errors.New("missing test input")
		},
	})

	res := h.Run(context.Background(), []Test{{Application: "alpha", Subtest: "t1"}}, startTasks, Serial)
	alpha, _ := res.Outcome("alpha")
	assert.Equal(t, model.GroupException, alpha.State)
	assert.ErrorContains(t, alpha.Err, "missing test input")
}

func TestRun_WritesMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.prom")
	j := newJournal()
	h := New(Options{
		Workers:     2,
		Logger:      zerolog.Nop(),
		MetricsPath: path,
		Factory: func(test Test) (Runner, error) {
			r := &fakeRunner{test: test, journal: j}
			if test.Application == "beta" {
				r.fail = map[model.Task]error{model.TaskStart: errors.New("nope")}
			}
			return r, nil
		},
	})

	h.Run(context.Background(), []Test{
		{Application: "alpha", Subtest: "t1"},
		{Application: "beta", Subtest: "t1"},
	}, startTasks, Parallel)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `rgt_harness_groups_total{state="completed"} 1`)
	assert.Contains(t, text, `rgt_harness_groups_total{state="exception"} 1`)
	assert.Contains(t, text, "rgt_harness_group_duration_seconds_count 2")
	assert.Contains(t, text, "rgt_harness_groups_in_flight 0")
}

func TestMetrics_GroupsFinished(t *testing.T) {
	m := newMetrics()
	m.observe(Outcome{State: model.GroupCompleted})
	m.observe(Outcome{State: model.GroupCompleted})
	m.observe(Outcome{State: model.GroupException})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.groups.WithLabelValues(string(model.GroupCompleted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.groups.WithLabelValues(string(model.GroupException))))
	assert.Equal(t, 3, testutil.CollectAndCount(m.duration))
}
