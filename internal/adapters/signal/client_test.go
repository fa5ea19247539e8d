package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
)

var testCall = domain.CallRef{ID: 7, AccessHash: 99}

type serverMsg struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// fakeServer answers requests with reply and records every frame it receives.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	reply    func(msg serverMsg) any
	onAccept func(ws *websocket.Conn)

	mu       sync.Mutex
	received []serverMsg
	auth     string
}

func newFakeServer(t *testing.T, reply func(serverMsg) any, onAccept func(*websocket.Conn)) *fakeServer {
	t.Helper()
	fs := &fakeServer{t: t, reply: reply, onAccept: onAccept}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.auth = r.Header.Get("Authorization")
		fs.mu.Unlock()
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		if fs.onAccept != nil {
			fs.onAccept(ws)
		}
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg serverMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			fs.mu.Lock()
			fs.received = append(fs.received, msg)
			fs.mu.Unlock()
			if msg.Type != typeRequest || fs.reply == nil {
				continue
			}
			resp := fs.reply(msg)
			if resp == nil {
				continue
			}
			if err := ws.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string { return "ws" + strings.TrimPrefix(fs.srv.URL, "http") }

func (fs *fakeServer) messages() []serverMsg {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]serverMsg(nil), fs.received...)
}

func result(id string, v any) map[string]any {
	return map[string]any{"type": typeResponse, "id": id, "result": v}
}

func failure(id, code string) map[string]any {
	return map[string]any{"type": typeResponse, "id": id, "error": map[string]string{"code": code, "message": "nope"}}
}

func connect(t *testing.T, fs *fakeServer, opts Options) *Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c, err := Dial(ctx, fs.url(), "secret", opts)
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func TestJoinCallRoundTrip(t *testing.T) {
	fs := newFakeServer(t, func(msg serverMsg) any {
		return result(msg.ID, map[string]any{"updates": []any{
			map[string]any{
				"type":    "participants",
				"call":    map[string]any{"id": 7, "access_hash": 99},
				"version": 3,
				"participants": []any{
					map[string]any{"user": "me", "date": 1700000000, "source": 42, "can_self_unmute": true},
				},
			},
			map[string]any{"type": "something_new"},
		}})
	}, nil)
	c := connect(t, fs, Options{})

	updates, err := c.JoinCall(context.Background(), core.JoinRequest{Call: testCall, Muted: true, Params: []byte(`{"ssrc":42}`)})
	require.NoError(t, err)

	require.Len(t, updates, 1, "unknown update types are skipped")
	p := updates[0].Participants
	require.NotNil(t, p)
	assert.Equal(t, testCall, p.Call)
	assert.Equal(t, 3, p.Version)
	require.Len(t, p.Participants, 1)
	assert.Equal(t, domain.ParticipantEntry{
		User:          "me",
		Date:          time.Unix(1700000000, 0),
		Source:        42,
		CanSelfUnmute: true,
	}, p.Participants[0])

	msgs := fs.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, methodJoinCall, msgs[0].Method)
	assert.NotEmpty(t, msgs[0].ID)
	assert.JSONEq(t, `{"call":{"id":7,"access_hash":99},"muted":true,"params":"{\"ssrc\":42}"}`, string(msgs[0].Params))
	fs.mu.Lock()
	assert.Equal(t, "Bearer secret", fs.auth)
	fs.mu.Unlock()
}

func TestRequestFailureKeepsServerCode(t *testing.T) {
	fs := newFakeServer(t, func(msg serverMsg) any { return failure(msg.ID, core.CodeCallForbidden) }, nil)
	c := connect(t, fs, Options{})

	_, err := c.EditMember(context.Background(), testCall, "me", true)
	require.Error(t, err)
	assert.True(t, core.IsForbidden(err))
	var rf *core.RequestFailure
	require.ErrorAs(t, err, &rf)
	assert.Equal(t, "nope", rf.Message)
}

func TestGetParticipantsPage(t *testing.T) {
	fs := newFakeServer(t, func(msg serverMsg) any {
		return result(msg.ID, map[string]any{
			"participants": []any{map[string]any{"user": "a", "date": 1, "source": 5, "version": 2}},
			"next_offset":  "n1",
			"count":        10,
			"version":      2,
		})
	}, nil)
	c := connect(t, fs, Options{})

	page, err := c.GetParticipants(context.Background(), testCall, "", 50)
	require.NoError(t, err)
	assert.Equal(t, "n1", page.NextOffset)
	assert.Equal(t, 10, page.Count)
	require.Len(t, page.Participants, 1)
	assert.Equal(t, domain.Source(5), page.Participants[0].Source)
	assert.JSONEq(t, `{"call":{"id":7,"access_hash":99},"offset":"","limit":50}`, string(fs.messages()[0].Params))
}

func TestGetCallState(t *testing.T) {
	fs := newFakeServer(t, func(msg serverMsg) any {
		return result(msg.ID, map[string]any{
			"call":         map[string]any{"type": "call", "call": map[string]any{"id": 7, "access_hash": 99}, "join_muted": true, "participants_count": 4},
			"participants": []any{},
			"version":      9,
		})
	}, nil)
	c := connect(t, fs, Options{})

	state, err := c.GetCall(context.Background(), testCall)
	require.NoError(t, err)
	assert.Equal(t, 9, state.Version)
	assert.True(t, state.Call.JoinMuted)
	assert.Equal(t, 4, state.Call.ParticipantsCount)
	assert.Nil(t, state.Call.Params)
}

func TestPushedUpdatesReachHandler(t *testing.T) {
	fs := newFakeServer(t, nil, func(ws *websocket.Conn) {
		time.Sleep(20 * time.Millisecond)
		_ = ws.WriteJSON(map[string]any{"type": typeUpdates, "updates": []any{
			map[string]any{"type": "call", "call": map[string]any{"id": 7, "access_hash": 99}, "params": `{"transport":{}}`},
			map[string]any{"type": "discarded", "call": map[string]any{"id": 8}},
		}})
	})
	got := make(chan domain.Updates, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := Dial(ctx, fs.url(), "", Options{})
	require.NoError(t, err)
	c.OnUpdates(func(u domain.Updates) { got <- u })
	go func() { _ = c.Run(ctx) }()

	select {
	case updates := <-got:
		require.Len(t, updates, 2)
		require.NotNil(t, updates[0].Call)
		assert.Equal(t, []byte(`{"transport":{}}`), updates[0].Call.Params)
		require.NotNil(t, updates[1].Discarded)
		assert.Equal(t, domain.CallID(8), updates[1].Discarded.Call)
	case <-time.After(2 * time.Second):
		t.Fatal("no push delivered")
	}
}

func TestServerPingGetsPong(t *testing.T) {
	fs := newFakeServer(t, nil, func(ws *websocket.Conn) {
		_ = ws.WriteJSON(map[string]string{"type": typePing})
	})
	connect(t, fs, Options{})

	assert.Eventually(t, func() bool {
		for _, m := range fs.messages() {
			if m.Type == typePong {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestKeepalivePings(t *testing.T) {
	fs := newFakeServer(t, nil, nil)
	connect(t, fs, Options{PingPeriod: 20 * time.Millisecond})

	assert.Eventually(t, func() bool {
		n := 0
		for _, m := range fs.messages() {
			if m.Type == typePing {
				n++
			}
		}
		return n >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPendingCallHonorsContext(t *testing.T) {
	fs := newFakeServer(t, func(serverMsg) any { return nil }, nil)
	c := connect(t, fs, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.LeaveCall(ctx, testCall, 42)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseFailsPendingCalls(t *testing.T) {
	fs := newFakeServer(t, func(serverMsg) any { return nil }, nil)
	c := connect(t, fs, Options{})

	errc := make(chan error, 1)
	go func() {
		_, err := c.DiscardCall(context.Background(), testCall)
		errc <- err
	}()
	require.Eventually(t, func() bool { return len(fs.messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	c.Close()

	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrClosed))
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not released")
	}
	_, err := c.DiscardCall(context.Background(), testCall)
	assert.ErrorIs(t, err, ErrClosed)
}
