package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
)

type ClientParams struct {
	Scheduler core.Scheduler
	Transport core.Transport
	Engines   core.EngineFactory
	Settings  Settings
	Rejoins   *RejoinPolicy
	Self      domain.UserID

	PageLimit        int
	InviteSliceSize  int
	ActivityInterval time.Duration
	SpeakThreshold   *float32

	Context context.Context
	Spawn   func(func())
}

// StartOptions selects between creating a call in Chat and joining Call.
type StartOptions struct {
	Chat        string
	Call        domain.CallRef
	JoinMuted   bool
	CanManage   bool
	StartActive bool
}

// Client owns the sessions of one account and routes server pushes to them.
// Except for HandlePush, its methods must run on the scheduler.
type Client struct {
	p        ClientParams
	registry *Registry
	active   Handle
	onEnded  []func(Handle, domain.State)
}

func NewClient(p ClientParams) *Client {
	if p.Context == nil {
		p.Context = context.Background()
	}
	return &Client{p: p, registry: NewRegistry()}
}

func (c *Client) Registry() *Registry { return c.registry }

func (c *Client) OnCallEnded(fn func(Handle, domain.State)) { c.onEnded = append(c.onEnded, fn) }

// StartCall hangs up the active call, if any, and starts a new session.
func (c *Client) StartCall(opts StartOptions) *Session {
	if cur, ok := c.Active(); ok {
		log.Info().Str("module", "app.client").Uint64("call", uint64(cur.Call().ID)).Msg("hanging up previous call")
		cur.Hangup()
	}
	s := NewSession(SessionParams{
		Scheduler:        c.p.Scheduler,
		Registry:         c.registry,
		Transport:        c.p.Transport,
		Engines:          c.p.Engines,
		Settings:         c.p.Settings,
		Delegate:         c,
		Rejoins:          c.p.Rejoins,
		Self:             c.p.Self,
		Chat:             opts.Chat,
		Call:             opts.Call,
		JoinMuted:        opts.JoinMuted,
		CanManage:        opts.CanManage,
		StartActive:      opts.StartActive,
		PageLimit:        c.p.PageLimit,
		InviteSliceSize:  c.p.InviteSliceSize,
		ActivityInterval: c.p.ActivityInterval,
		SpeakThreshold:   c.p.SpeakThreshold,
		Context:          c.p.Context,
		Spawn:            c.p.Spawn,
	})
	c.active = s.Handle()
	log.Info().Str("module", "app.client").Uint64("call", uint64(opts.Call.ID)).Str("chat", opts.Chat).Msg("starting call")
	s.Start()
	return s
}

// Active returns the current session, if it is still alive.
func (c *Client) Active() (*Session, bool) {
	return c.registry.Get(c.active)
}

// HandlePush routes a server batch to the sessions of its calls. Safe from any goroutine.
func (c *Client) HandlePush(updates domain.Updates) {
	if len(updates) == 0 {
		return
	}
	c.p.Scheduler.Post(func() { c.route(updates) })
}

func (c *Client) route(updates domain.Updates) {
	for _, u := range updates {
		s, ok := c.registry.ByCall(u.CallID())
		if !ok {
			log.Debug().Str("module", "app.client").Uint64("call", uint64(u.CallID())).Msg("push for unknown call")
			continue
		}
		s.HandleUpdates(domain.Updates{u})
	}
}

// SetAudioDevices updates settings for future engines and switches live ones.
func (c *Client) SetAudioDevices(input, output string) {
	if input != "" && input != c.p.Settings.InputDeviceID {
		c.p.Settings.InputDeviceID = input
		c.registry.Each(func(_ Handle, s *Session) { s.SetCurrentAudioDevice(true, input) })
	}
	if output != "" && output != c.p.Settings.OutputDeviceID {
		c.p.Settings.OutputDeviceID = output
		c.registry.Each(func(_ Handle, s *Session) { s.SetCurrentAudioDevice(false, output) })
	}
}

// Shutdown hangs up every session.
func (c *Client) Shutdown() {
	c.registry.Each(func(_ Handle, s *Session) { s.Hangup() })
}

// Runner runs fn on the scheduler and waits for it.
type Runner interface {
	Do(ctx context.Context, fn func()) error
}

const drainPoll = 20 * time.Millisecond

// Drain hangs up every session through r and waits until all of them ended.
// It is called off the scheduler. The transport must stay up until it returns.
func (c *Client) Drain(ctx context.Context, r Runner) error {
	if err := r.Do(ctx, c.Shutdown); err != nil {
		return err
	}
	tick := time.NewTicker(drainPoll)
	defer tick.Stop()
	for {
		idle := false
		if err := r.Do(ctx, func() { idle = c.registry.Len() == 0 }); err != nil {
			return err
		}
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

func (c *Client) CallEnded(h Handle, final domain.State) {
	s, ok := c.registry.Get(h)
	if !ok {
		return
	}
	c.p.Rejoins.Forget(s.Call().ID)
	c.registry.Remove(h)
	if c.active == h {
		c.active = Handle{}
	}
	log.Info().Str("module", "app.client").Uint64("call", uint64(s.Call().ID)).Str("state", final.String()).Msg("call ended")
	for _, fn := range c.onEnded {
		fn(h, final)
	}
}

// CallError finishes the session on engine failures; other errors are only reported.
func (c *Client) CallError(h Handle, err error) {
	log.Warn().Str("module", "app.client").Err(err).Msg("call error")
	if !errors.Is(err, core.ErrEngineFailure) {
		return
	}
	if s, ok := c.registry.Get(h); ok {
		s.Finish(FinishFailed)
	}
}
