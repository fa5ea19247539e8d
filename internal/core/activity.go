package core

import (
	"time"

	"github.com/dkeye/groupcall/internal/domain"
)

const (
	DefaultCheckLastSpokeInterval = 3 * time.Second
	DefaultSpeakLevelThreshold    = 0.2
)

// LastSpokeSink receives last-spoke times; the roster implements it.
type LastSpokeSink interface {
	ApplyLastSpoke(source domain.Source, when, now time.Time)
}

type ActivityParams struct {
	Scheduler Scheduler
	// Interval is the stale-check interval; a source silent for longer is dropped.
	Interval time.Duration
	// Threshold is the level a sample must exceed; nil means DefaultSpeakLevelThreshold.
	Threshold *float32
	// Sink returns the roster of the current call, nil when there is none.
	Sink func() LastSpokeSink
	// Self returns the local media source, 0 when not joined.
	Self func() domain.Source
}

// ActivityTracker turns audio level samples into "last spoke" times and keeps
// the roster's speaking flags fresh with a low-frequency recheck timer.
type ActivityTracker struct {
	sched     Scheduler
	interval  time.Duration
	threshold float32
	sink      func() LastSpokeSink
	self      func() domain.Source

	lastSpoke map[domain.Source]time.Time
	timer     Timer
	period    time.Duration

	onLevel []func(domain.LevelUpdate)
}

func NewActivityTracker(p ActivityParams) *ActivityTracker {
	if p.Interval <= 0 {
		p.Interval = DefaultCheckLastSpokeInterval
	}
	threshold := float32(DefaultSpeakLevelThreshold)
	if p.Threshold != nil {
		threshold = *p.Threshold
	}
	if p.Self == nil {
		p.Self = func() domain.Source { return 0 }
	}
	return &ActivityTracker{
		sched:     p.Scheduler,
		interval:  p.Interval,
		threshold: threshold,
		sink:      p.Sink,
		self:      p.Self,
		lastSpoke: make(map[domain.Source]time.Time),
	}
}

func (t *ActivityTracker) OnLevel(fn func(domain.LevelUpdate)) { t.onLevel = append(t.onLevel, fn) }

func (t *ActivityTracker) HandleLevelsUpdated(samples []domain.LevelSample) {
	if len(samples) == 0 {
		return
	}
	check, checkNow := false, false
	now := t.sched.Now()
	self := t.self()
	for _, s := range samples {
		upd := domain.LevelUpdate{Source: s.Source, Level: s.Level, Self: s.Source == self}
		for _, fn := range t.onLevel {
			fn(upd)
		}
		if s.Level <= t.threshold {
			continue
		}
		check = true
		prev, ok := t.lastSpoke[s.Source]
		if !ok || !prev.Add(t.interval/3).After(now) {
			checkNow = true
		}
		t.lastSpoke[s.Source] = now
	}
	if checkNow {
		t.CheckLastSpoke()
	} else if check && t.timer == nil {
		t.arm(t.interval / 2)
	}
}

// HandleLocalLevel folds the local microphone level through the same path.
func (t *ActivityTracker) HandleLocalLevel(source domain.Source, level float32) {
	t.HandleLevelsUpdated([]domain.LevelSample{{Source: source, Level: level}})
}

// CheckLastSpoke expires stale sources and republishes the rest to the roster.
func (t *ActivityTracker) CheckLastSpoke() {
	var sink LastSpokeSink
	if t.sink != nil {
		sink = t.sink()
	}
	if sink == nil {
		t.Stop()
		return
	}
	now := t.sched.Now()
	hasRecent := false
	for source, when := range t.lastSpoke {
		if !when.Add(t.interval).Before(now) {
			hasRecent = true
		} else {
			delete(t.lastSpoke, source)
		}
		sink.ApplyLastSpoke(source, when, now)
	}
	if !hasRecent {
		t.cancel()
	} else if t.timer == nil {
		t.arm(t.interval / 3)
	}
}

// Tracked returns a copy of the tracked sources.
func (t *ActivityTracker) Tracked() map[domain.Source]time.Time {
	out := make(map[domain.Source]time.Time, len(t.lastSpoke))
	for k, v := range t.lastSpoke {
		out[k] = v
	}
	return out
}

// TimerPeriod reports the recheck period and whether the timer runs.
func (t *ActivityTracker) TimerPeriod() (time.Duration, bool) {
	if t.timer == nil {
		return 0, false
	}
	return t.period, true
}

// Stop cancels the timer and forgets every source.
func (t *ActivityTracker) Stop() {
	t.cancel()
	clear(t.lastSpoke)
}

func (t *ActivityTracker) arm(period time.Duration) {
	t.period = period
	t.timer = t.sched.AfterFunc(period, t.tick)
}

func (t *ActivityTracker) tick() {
	t.timer = t.sched.AfterFunc(t.period, t.tick)
	t.CheckLastSpoke()
}

func (t *ActivityTracker) cancel() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
