package core_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/core/coretest"
)

// deferred collects spawned calls so a test can run them in any order.
type deferred struct {
	fns []func()
}

func (d *deferred) spawn(fn func()) { d.fns = append(d.fns, fn) }

func (d *deferred) runAll() {
	fns := d.fns
	d.fns = nil
	for _, fn := range fns {
		fn()
	}
}

func TestSupersedeDropsPreviousCompletion(t *testing.T) {
	sched := coretest.New(t0)
	d := &deferred{}
	reqs := core.NewRequests(context.Background(), sched, d.spawn)

	var ctxs []context.Context
	var got []int
	for i := 1; i <= 3; i++ {
		core.Supersede(reqs, core.RequestMute, func(ctx context.Context) (int, error) {
			ctxs = append(ctxs, ctx)
			return i, nil
		}, func(v int, err error) {
			require.NoError(t, err)
			got = append(got, v)
		})
	}
	assert.True(t, reqs.Pending(core.RequestMute))

	d.runAll()
	require.Len(t, ctxs, 3)
	assert.Error(t, ctxs[0].Err())
	assert.Error(t, ctxs[1].Err())
	assert.NoError(t, ctxs[2].Err())

	sched.Drain()
	assert.Equal(t, []int{3}, got)
	assert.False(t, reqs.Pending(core.RequestMute))
}

func TestIssueKindsAreIndependent(t *testing.T) {
	sched := coretest.New(t0)
	reqs := core.NewRequests(context.Background(), sched, coretest.Inline)

	var got []string
	core.Issue(reqs, core.RequestJoin, func(context.Context) (string, error) { return "join", nil },
		func(v string, _ error) { got = append(got, v) })
	core.Supersede(reqs, core.RequestMute, func(context.Context) (string, error) { return "mute", nil },
		func(v string, _ error) { got = append(got, v) })

	sched.Drain()
	assert.Equal(t, []string{"join", "mute"}, got)
}

func TestCloseDropsCompletions(t *testing.T) {
	sched := coretest.New(t0)
	reqs := core.NewRequests(context.Background(), sched, coretest.Inline)

	called := false
	core.Issue(reqs, core.RequestLeave, func(context.Context) (struct{}, error) { return struct{}{}, nil },
		func(struct{}, error) { called = true })
	reqs.Close()
	sched.Drain()

	assert.False(t, called)
	assert.True(t, reqs.Closed())
	assert.Nil(t, core.Issue(reqs, core.RequestLeave, func(context.Context) (int, error) { return 0, nil }, nil))
}

func TestAliveGuardsCompletions(t *testing.T) {
	sched := coretest.New(t0)
	reqs := core.NewRequests(context.Background(), sched, coretest.Inline)
	alive := true
	reqs.SetAlive(func() bool { return alive })

	calls := 0
	done := func(int, error) { calls++ }
	core.Issue(reqs, core.RequestInvite, func(context.Context) (int, error) { return 1, nil }, done)
	sched.Drain()
	alive = false
	core.Issue(reqs, core.RequestInvite, func(context.Context) (int, error) { return 2, nil }, done)
	sched.Drain()

	assert.Equal(t, 1, calls)
}

func TestCancelByKind(t *testing.T) {
	sched := coretest.New(t0)
	d := &deferred{}
	reqs := core.NewRequests(context.Background(), sched, d.spawn)

	called := false
	core.Issue(reqs, core.RequestCreate, func(context.Context) (int, error) { return 0, nil },
		func(int, error) { called = true })
	reqs.Cancel(core.RequestCreate)
	assert.False(t, reqs.Pending(core.RequestCreate))

	d.runAll()
	sched.Drain()
	assert.False(t, called)
}
