package core

import (
	"context"
)

// RequestKind groups requests that supersede or suppress each other.
type RequestKind string

const (
	RequestCreate       RequestKind = "create"
	RequestJoin         RequestKind = "join"
	RequestLeave        RequestKind = "leave"
	RequestDiscard      RequestKind = "discard"
	RequestMute         RequestKind = "mute"
	RequestMember       RequestKind = "member"
	RequestInvite       RequestKind = "invite"
	RequestParticipants RequestKind = "participants"
	RequestReload       RequestKind = "reload"
)

// Request is a handle to one in-flight transport call. Loop-owned.
type Request struct {
	kind     RequestKind
	cancel   context.CancelFunc
	finished bool
}

// Cancel drops the completion; the transport call sees its ctx cancelled.
func (r *Request) Cancel() {
	if r == nil || r.finished {
		return
	}
	r.finished = true
	r.cancel()
}

func (r *Request) Pending() bool { return r != nil && !r.finished }

// Requests owns the lifecycle of every transport call issued for one session.
// Calls run off the scheduler; completions are posted back to it.
type Requests struct {
	sched    Scheduler
	ctx      context.Context
	cancel   context.CancelFunc
	spawn    func(func())
	alive    func() bool
	inflight map[RequestKind]*Request
	closed   bool
}

// NewRequests binds request lifetimes to parent. spawn runs a transport call;
// nil means a new goroutine per call.
func NewRequests(parent context.Context, sched Scheduler, spawn func(func())) *Requests {
	if spawn == nil {
		spawn = func(fn func()) { go fn() }
	}
	ctx, cancel := context.WithCancel(parent)
	return &Requests{
		sched:    sched,
		ctx:      ctx,
		cancel:   cancel,
		spawn:    spawn,
		inflight: make(map[RequestKind]*Request),
	}
}

// SetAlive installs the liveness check run before every completion.
func (r *Requests) SetAlive(fn func() bool) { r.alive = fn }

func (r *Requests) Pending(kind RequestKind) bool { return r.inflight[kind].Pending() }

func (r *Requests) Cancel(kind RequestKind) {
	if req, ok := r.inflight[kind]; ok {
		req.Cancel()
		delete(r.inflight, kind)
	}
}

// Close cancels everything; later completions are dropped.
func (r *Requests) Close() {
	if r.closed {
		return
	}
	r.closed = true
	for kind, req := range r.inflight {
		req.Cancel()
		delete(r.inflight, kind)
	}
	r.cancel()
}

func (r *Requests) Closed() bool { return r.closed }

// Issue starts call and delivers its result to done on the scheduler.
// The latest request of a kind is tracked for Pending/Cancel.
func Issue[T any](r *Requests, kind RequestKind, call func(ctx context.Context) (T, error), done func(T, error)) *Request {
	if r.closed {
		return nil
	}
	ctx, cancel := context.WithCancel(r.ctx)
	req := &Request{kind: kind, cancel: cancel}
	r.inflight[kind] = req
	r.spawn(func() {
		res, err := call(ctx)
		r.sched.Post(func() {
			if req.finished {
				return
			}
			req.finished = true
			cancel()
			if r.inflight[kind] == req {
				delete(r.inflight, kind)
			}
			if r.closed || (r.alive != nil && !r.alive()) {
				return
			}
			if done != nil {
				done(res, err)
			}
		})
	})
	return req
}

// Supersede cancels the previous request of kind before issuing a new one.
func Supersede[T any](r *Requests, kind RequestKind, call func(ctx context.Context) (T, error), done func(T, error)) *Request {
	r.Cancel(kind)
	return Issue(r, kind, call, done)
}
