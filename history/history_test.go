package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rgt-harness/rgt/model"
)

func writeLaunch(t *testing.T, root string, ts time.Time, tag string) {
	t.Helper()
	dir, err := Prepare(root, ts)
	require.NoError(t, err)
	require.NoError(t, Record(dir, &model.Launch{
		Tag:       tag,
		LaunchID:  tag + "/alice@" + ts.Format(time.RFC3339),
		Timestamp: ts,
		State:     model.AllTasksCompleted,
		Tasks:     []string{"start"},
		Groups: []model.GroupOutcome{
			{Application: "hello", State: model.GroupCompleted, Tests: []model.TestRef{{Subtest: "t1", UniqueID: "abc"}}},
		},
	}))
}

func TestLoadEntries(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	writeLaunch(t, root, base, "aaaa1111")
	writeLaunch(t, root, base.Add(time.Hour), "bbbb2222")

	// ignored: unrelated dir, launch dir without record, broken record
	require.NoError(t, os.Mkdir(filepath.Join(root, "other"), 0755))
	require.NoError(t, os.Mkdir(filepath.Join(root, DirPrefix+"empty"), 0755))
	broken := filepath.Join(root, DirPrefix+"broken")
	require.NoError(t, os.Mkdir(broken, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(broken, LaunchFile), []byte("tag: [oops"), 0644))

	entries, err := LoadEntries(zerolog.Nop(), root)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "bbbb2222", entries[0].Launch.Tag)
	assert.Equal(t, "aaaa1111", entries[1].Launch.Tag)
	assert.Equal(t, model.AllTasksCompleted, entries[0].Launch.State)
	assert.Equal(t, "abc", entries[0].Launch.Groups[0].Tests[0].UniqueID)
	assert.Equal(t, LaunchDir(root, base.Add(time.Hour)), entries[0].FullPath)
}

func TestPrepare_SameInstant(t *testing.T) {
	root := filepath.Join(t.TempDir(), "logs")
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first, err := Prepare(root, ts)
	require.NoError(t, err)
	second, err := Prepare(root, ts)
	require.NoError(t, err)
	third, err := Prepare(root, ts.Add(500*time.Millisecond))
	require.NoError(t, err)

	assert.Equal(t, LaunchDir(root, ts), first)
	assert.NotEqual(t, first, second)
	assert.NotEqual(t, first, third)
	assert.DirExists(t, second)

	require.NoError(t, os.WriteFile(filepath.Join(first, LogFile), []byte("first launch\n"), 0644))
	require.NoFileExists(t, filepath.Join(second, LogFile))
}

func TestSelect(t *testing.T) {
	entries := []Entry{
		{Launch: model.Launch{Tag: "bbbb2222"}},
		{Launch: model.Launch{Tag: "aaaa1111"}},
		{Launch: model.Launch{Tag: "aaab3333"}},
	}

	tests := []struct {
		arg     string
		want    string
		wantErr string
	}{
		{arg: "", want: "bbbb2222"},
		{arg: "0", want: "bbbb2222"},
		{arg: "-1", want: "aaaa1111"},
		{arg: "-3", wantErr: "out of range"},
		{arg: "2", wantErr: "invalid index"},
		{arg: "bb", want: "bbbb2222"},
		{arg: "aaa", wantErr: "ambiguous"},
		{arg: "zz", wantErr: "no launch matching"},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got, err := Select(entries, tt.arg)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Launch.Tag)
		})
	}

	_, err := Select(nil, "0")
	assert.Error(t, err)
}
