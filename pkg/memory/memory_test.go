package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/flakeguard/flakeguard/pkg/config"
	"github.com/flakeguard/flakeguard/pkg/junit"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s, ok := NewStore(log, &config.MemoryConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{
			Path: filepath.Join(t.TempDir(), "memory", "history.db"),
		},
	}).(*store)
	require.True(t, ok)

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func TestStore_StartUnsupportedDriver(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := NewStore(log, &config.MemoryConfig{Driver: "mysql"})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestStore_SaveRunAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	results := []junit.TestCase{
		{Name: "pays with card", Suite: "checkout", Status: junit.StatusPassed, Attempt: 1},
		{Name: "shows receipt", Suite: "checkout", Status: junit.StatusFailed,
			Message: "Timeout waiting", Details: "trace", Attempt: 1},
		{Name: "shows receipt", Suite: "checkout", Status: junit.StatusPassed, Attempt: 2},
	}

	run, err := s.SaveRun(ctx, "ui", junit.Summary{Total: 2, Passed: 2},
		results, "one transient timeout")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.NotEmpty(t, run.UID)

	runs, err := s.ListRuns(ctx, "ui", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.UID, runs[0].UID)
	assert.Equal(t, 2, runs[0].Passed)
	assert.Equal(t, "one transient timeout", runs[0].ClassifierSummary)

	rows, err := s.ListResults(ctx, run.UID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "pays with card", rows[0].Name)
	assert.Equal(t, string(junit.StatusFailed), rows[1].Status)
	assert.Equal(t, 2, rows[2].Attempt)
}

func TestStore_ListRunsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.SaveRun(ctx, "ui", junit.Summary{Total: 1, Passed: 1}, nil, "")
	require.NoError(t, err)
	_, err = s.SaveRun(ctx, "api", junit.Summary{Total: 1, Passed: 1}, nil, "")
	require.NoError(t, err)

	runs, err := s.ListRuns(ctx, "ui", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "ui", runs[0].Project)

	all, err := s.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	limited, err := s.ListRuns(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_ListResultsUnknownRun(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ListResults(context.Background(), "no-such-uid")
	require.Error(t, err)
}

func TestStore_FindRecurrences(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	failure := junit.TestCase{
		Name:    "shows receipt",
		Status:  junit.StatusFailed,
		Message: "Timeout waiting",
		Attempt: 1,
	}

	count, err := s.FindRecurrences(ctx, failure.Name, failure.Message, RecurrenceDays)
	require.NoError(t, err)
	assert.Zero(t, count)

	// A run's own rows count once saved.
	_, err = s.SaveRun(ctx, "ui", junit.Summary{Total: 1, Failed: 1},
		[]junit.TestCase{failure}, "")
	require.NoError(t, err)

	count, err = s.FindRecurrences(ctx, failure.Name, failure.Message, RecurrenceDays)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	_, err = s.SaveRun(ctx, "ui", junit.Summary{Total: 1, Failed: 1},
		[]junit.TestCase{failure}, "")
	require.NoError(t, err)

	count, err = s.FindRecurrences(ctx, failure.Name, failure.Message, RecurrenceDays)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	// Exact match only: different message, different name, passed rows.
	count, err = s.FindRecurrences(ctx, failure.Name, "other message", RecurrenceDays)
	require.NoError(t, err)
	assert.Zero(t, count)

	count, err = s.FindRecurrences(ctx, "other test", failure.Message, RecurrenceDays)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStore_FindRecurrencesWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	failure := junit.TestCase{
		Name:    "shows receipt",
		Status:  junit.StatusFailed,
		Message: "Timeout waiting",
		Attempt: 1,
	}

	// One old run outside the window, one recent run inside it.
	base := time.Now().UTC()

	s.now = func() time.Time { return base.AddDate(0, 0, -30) }
	_, err := s.SaveRun(ctx, "ui", junit.Summary{Total: 1, Failed: 1},
		[]junit.TestCase{failure}, "")
	require.NoError(t, err)

	s.now = func() time.Time { return base }
	_, err = s.SaveRun(ctx, "ui", junit.Summary{Total: 1, Failed: 1},
		[]junit.TestCase{failure}, "")
	require.NoError(t, err)

	count, err := s.FindRecurrences(ctx, failure.Name, failure.Message, RecurrenceDays)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	// Disabled window counts everything.
	count, err = s.FindRecurrences(ctx, failure.Name, failure.Message, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

// fixedFinder scripts recurrence counts for note rendering.
type fixedFinder struct {
	counts map[string]int64
	err    error
}

func (f *fixedFinder) FindRecurrences(
	_ context.Context, name, _ string, _ int,
) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}

	return f.counts[name], nil
}

func TestRecurrenceNotes(t *testing.T) {
	finder := &fixedFinder{counts: map[string]int64{"checkout": 4, "login": 1}}

	results := []junit.TestCase{
		{Name: "checkout", Status: junit.StatusFailed, Message: "m"},
		{Name: "login", Status: junit.StatusFailed, Message: "m"},
		{Name: "search", Status: junit.StatusPassed},
	}

	notes := RecurrenceNotes(context.Background(), finder, results)
	require.Len(t, notes, 2)
	assert.Equal(t, "checkout: seen 4 times in last 7 days", notes[0])
	assert.Equal(t, "login: NEW failure", notes[1])
}

func TestRecurrenceNotesLookupError(t *testing.T) {
	finder := &fixedFinder{err: errors.New("db closed")}

	results := []junit.TestCase{
		{Name: "checkout", Status: junit.StatusFailed, Message: "m"},
	}

	notes := RecurrenceNotes(context.Background(), finder, results)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "memory lookup error")
}
