package core_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/core/coretest"
	"github.com/dkeye/groupcall/internal/domain"
)

type spokeCall struct {
	source    domain.Source
	when, now time.Time
}

type recordingSink struct {
	calls []spokeCall
}

func (s *recordingSink) ApplyLastSpoke(source domain.Source, when, now time.Time) {
	s.calls = append(s.calls, spokeCall{source, when, now})
}

func newTracker(t *testing.T) (*core.ActivityTracker, *recordingSink, *coretest.Scheduler) {
	t.Helper()
	sched := coretest.New(t0)
	sink := &recordingSink{}
	tr := core.NewActivityTracker(core.ActivityParams{
		Scheduler: sched,
		Sink:      func() core.LastSpokeSink { return sink },
		Self:      func() domain.Source { return 5 },
	})
	return tr, sink, sched
}

func TestActivityFirstLoudSampleChecksImmediately(t *testing.T) {
	tr, sink, _ := newTracker(t)

	tr.HandleLevelsUpdated([]domain.LevelSample{{Source: 10, Level: 0.5}})

	require.Len(t, sink.calls, 1)
	assert.Equal(t, spokeCall{10, t0, t0}, sink.calls[0])
	period, running := tr.TimerPeriod()
	assert.True(t, running)
	assert.Equal(t, time.Second, period)
}

func TestActivityThresholdIsStrict(t *testing.T) {
	tr, sink, _ := newTracker(t)
	var levels []domain.LevelUpdate
	tr.OnLevel(func(u domain.LevelUpdate) { levels = append(levels, u) })

	tr.HandleLevelsUpdated([]domain.LevelSample{{Source: 10, Level: 0.2}, {Source: 5, Level: 0.1}})

	assert.Empty(t, sink.calls)
	assert.Empty(t, tr.Tracked())
	_, running := tr.TimerPeriod()
	assert.False(t, running)
	assert.Equal(t, []domain.LevelUpdate{
		{Source: 10, Level: 0.2},
		{Source: 5, Level: 0.1, Self: true},
	}, levels)
}

func TestActivityZeroThreshold(t *testing.T) {
	sched := coretest.New(t0)
	sink := &recordingSink{}
	zero := float32(0)
	tr := core.NewActivityTracker(core.ActivityParams{
		Scheduler: sched,
		Threshold: &zero,
		Sink:      func() core.LastSpokeSink { return sink },
	})

	tr.HandleLevelsUpdated([]domain.LevelSample{{Source: 10, Level: 0.05}, {Source: 11, Level: 0}})

	require.Len(t, sink.calls, 1)
	assert.Equal(t, domain.Source(10), sink.calls[0].source)
	assert.Contains(t, tr.Tracked(), domain.Source(10))
	assert.NotContains(t, tr.Tracked(), domain.Source(11))
}

func TestActivityRepeatedSampleWaitsForTimer(t *testing.T) {
	tr, sink, sched := newTracker(t)
	tr.HandleLevelsUpdated([]domain.LevelSample{{Source: 10, Level: 0.5}})

	sched.Advance(500 * time.Millisecond)
	tr.HandleLevelsUpdated([]domain.LevelSample{{Source: 10, Level: 0.6}})
	assert.Len(t, sink.calls, 1, "within a third of the interval no immediate check")
	assert.Equal(t, t0.Add(500*time.Millisecond), tr.Tracked()[10])

	sched.Advance(500 * time.Millisecond)
	require.Len(t, sink.calls, 2)
	assert.Equal(t, t0.Add(time.Second), sink.calls[1].now)
	assert.Equal(t, 1, sched.Pending())
}

func TestActivitySilentSourceExpires(t *testing.T) {
	tr, _, sched := newTracker(t)
	tr.HandleLevelsUpdated([]domain.LevelSample{{Source: 10, Level: 0.9}})

	// Exactly one interval after the last sample the source is still kept.
	sched.Advance(3 * time.Second)
	assert.Contains(t, tr.Tracked(), domain.Source(10))
	_, running := tr.TimerPeriod()
	assert.True(t, running)

	sched.Advance(time.Second)
	assert.Empty(t, tr.Tracked())
	_, running = tr.TimerPeriod()
	assert.False(t, running)
	assert.Equal(t, 0, sched.Pending())
}

func TestActivityTrackedMatchesRecentSources(t *testing.T) {
	tr, _, sched := newTracker(t)
	tr.HandleLevelsUpdated([]domain.LevelSample{{Source: 1, Level: 0.9}})
	sched.Advance(2 * time.Second)
	tr.HandleLevelsUpdated([]domain.LevelSample{{Source: 2, Level: 0.9}})
	sched.Advance(2 * time.Second)

	now := sched.Now()
	for source, when := range tr.Tracked() {
		assert.False(t, when.Add(3*time.Second).Before(now), "source %d is stale", source)
	}
	assert.Equal(t, map[domain.Source]time.Time{2: t0.Add(2 * time.Second)}, tr.Tracked())
}

func TestActivityWithoutRosterStops(t *testing.T) {
	sched := coretest.New(t0)
	tr := core.NewActivityTracker(core.ActivityParams{
		Scheduler: sched,
		Sink:      func() core.LastSpokeSink { return nil },
	})
	tr.HandleLevelsUpdated([]domain.LevelSample{{Source: 10, Level: 0.9}})

	assert.Empty(t, tr.Tracked())
	_, running := tr.TimerPeriod()
	assert.False(t, running)
}

func TestActivityLocalLevel(t *testing.T) {
	tr, sink, _ := newTracker(t)
	var levels []domain.LevelUpdate
	tr.OnLevel(func(u domain.LevelUpdate) { levels = append(levels, u) })

	tr.HandleLocalLevel(5, 0.7)

	require.Len(t, levels, 1)
	assert.True(t, levels[0].Self)
	require.Len(t, sink.calls, 1)
	assert.Equal(t, domain.Source(5), sink.calls[0].source)
}
