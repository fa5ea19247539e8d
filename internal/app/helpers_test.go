package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/core/coretest"
	"github.com/dkeye/groupcall/internal/domain"
)

const me domain.UserID = "me"

var (
	testCall = domain.CallRef{ID: 7, AccessHash: 99}
	t0       = time.Unix(1_700_000_000, 0)
)

type fakeEngine struct {
	cb      core.EngineCallbacks
	sources []domain.Source
	emits   int
	answers []domain.TransportAnswer
	muted   []bool
	removed []domain.Source
	inputs  []string
	outputs []string
	closed  bool
}

func (e *fakeEngine) EmitJoinPayload(fn func(domain.TransportOffer)) {
	source := domain.Source(42)
	if e.emits < len(e.sources) {
		source = e.sources[e.emits]
	}
	e.emits++
	fn(domain.TransportOffer{
		Ufrag:        "ufrag",
		Pwd:          "pwd",
		Fingerprints: []domain.Fingerprint{{Hash: "sha-256", Setup: "active", Fingerprint: "AA:BB"}},
		Source:       source,
	})
}

func (e *fakeEngine) SetJoinResponsePayload(a domain.TransportAnswer) { e.answers = append(e.answers, a) }
func (e *fakeEngine) SetIsMuted(muted bool)                         { e.muted = append(e.muted, muted) }
func (e *fakeEngine) SetAudioInputDevice(id string)                 { e.inputs = append(e.inputs, id) }
func (e *fakeEngine) SetAudioOutputDevice(id string)                { e.outputs = append(e.outputs, id) }
func (e *fakeEngine) RemoveSources(s []domain.Source)               { e.removed = append(e.removed, s...) }
func (e *fakeEngine) Close()                                        { e.closed = true }

type fakeFactory struct {
	sources []domain.Source
	err     error
	engines []*fakeEngine
	configs []core.EngineConfig
}

func (f *fakeFactory) CreateInstance(cfg core.EngineConfig, cb core.EngineCallbacks) (core.Engine, error) {
	f.configs = append(f.configs, cfg)
	if f.err != nil {
		return nil, f.err
	}
	e := &fakeEngine{cb: cb, sources: f.sources}
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *fakeFactory) last() *fakeEngine {
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

type ended struct {
	state        domain.State
	engineClosed bool
}

type recordingDelegate struct {
	factory *fakeFactory
	ended   []ended
	errs    []error
}

func (d *recordingDelegate) CallEnded(_ Handle, final domain.State) {
	e := ended{state: final}
	if eng := d.factory.last(); eng != nil {
		e.engineClosed = eng.closed
	}
	d.ended = append(d.ended, e)
}

func (d *recordingDelegate) CallError(_ Handle, err error) { d.errs = append(d.errs, err) }

type harness struct {
	t       *testing.T
	sched   *coretest.Scheduler
	tr      *coretest.Transport
	factory *fakeFactory
	del     *recordingDelegate
	reg     *Registry
	s       *Session
	states  []domain.State
}

func newHarness(t *testing.T, tweak func(*SessionParams)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		sched:   coretest.New(t0),
		tr:      new(coretest.Transport),
		factory: &fakeFactory{},
		reg:     NewRegistry(),
	}
	h.del = &recordingDelegate{factory: h.factory}
	p := SessionParams{
		Scheduler: h.sched,
		Registry:  h.reg,
		Transport: h.tr,
		Engines:   h.factory,
		Delegate:  h.del,
		Self:      me,
		Call:      testCall,
		Context:   context.Background(),
		Spawn:     coretest.Inline,
	}
	if tweak != nil {
		tweak(&p)
	}
	h.tr.On("GetParticipants", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&domain.ParticipantsPage{}, nil).Maybe()
	h.s = NewSession(p)
	h.s.OnStateChanged(func(st domain.State) { h.states = append(h.states, st) })
	return h
}

func (h *harness) expectJoin(times int) *mock.Call {
	return h.tr.On("JoinCall", mock.Anything, mock.Anything).Return(nil, nil).Times(times)
}

// joined drives the session into Connecting with the engine's first source.
func (h *harness) joined() {
	h.t.Helper()
	h.expectJoin(1)
	h.s.Start()
	h.sched.Drain()
	if h.s.State() != domain.StateConnecting {
		h.t.Fatalf("state = %s, want connecting", h.s.State())
	}
}

func (h *harness) engine() *fakeEngine { return h.factory.last() }

func (h *harness) push(updates ...domain.Update) {
	h.s.HandleUpdates(updates)
	h.sched.Drain()
}

func selfEntry(source domain.Source, version int) domain.ParticipantEntry {
	return domain.ParticipantEntry{User: me, Date: t0, Source: source, CanSelfUnmute: true, Version: version}
}

func participants(version int, entries ...domain.ParticipantEntry) domain.Update {
	return domain.Update{Participants: &domain.ParticipantsUpdate{Call: testCall, Participants: entries, Version: version}}
}

var errOffline = errors.New("offline")

func forbidden() error {
	return &core.RequestFailure{Code: core.CodeCallForbidden}
}
