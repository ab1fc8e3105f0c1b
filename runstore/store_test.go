package runstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mykhaliev/tool-conformance/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func run(id string, started time.Time, passed int) report.RunReport {
	return report.RunReport{
		RunID:     id,
		Outcome:   "completed",
		StartedAt: started,
		Summary:   report.Summary{Total: 2, Passed: passed, Failed: 2 - passed},
		Tests:     []report.TestResult{{ID: "t1", Status: report.StatusPassed}},
	}
}

func TestStore_SaveGet(t *testing.T) {
	s := openStore(t)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(run("a", base, 1)))

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.RunID)
	assert.Equal(t, 1, got.Summary.Passed)
	assert.True(t, got.StartedAt.Equal(base))
	require.Len(t, got.Tests, 1)
	assert.Equal(t, report.StatusPassed, got.Tests[0].Status)

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SaveRequiresRunID(t *testing.T) {
	s := openStore(t)
	assert.Error(t, s.Save(report.RunReport{}))
}

func TestStore_ListAndPrevious(t *testing.T) {
	s := openStore(t)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(run("c", base.Add(2*time.Hour), 2)))
	require.NoError(t, s.Save(run("a", base, 0)))
	require.NoError(t, s.Save(run("b", base.Add(time.Hour), 1)))

	runs, err := s.List()
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{runs[0].RunID, runs[1].RunID, runs[2].RunID})

	prev, ok, err := s.Previous(runs[2])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", prev.RunID)

	_, ok, err = s.Previous(runs[0])
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(run("persisted", time.Now().UTC(), 2)))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get("persisted")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Summary.Passed)
}
