package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("signaling connection closed")
)

// Conn is the part of *websocket.Conn the client uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

type Options struct {
	// PingPeriod is the keepalive interval; zero disables keepalive pings.
	PingPeriod time.Duration
	ReadLimit  int64
	SendBuffer int
	WriteWait  time.Duration
}

// Client is a JSON-RPC signaling transport over one websocket.
type Client struct {
	conn Conn
	send chan []byte
	opts Options

	mu        sync.Mutex
	pending   map[string]chan envelope
	closed    bool
	onUpdates func(domain.Updates)
}

var _ core.Transport = (*Client)(nil)

func NewClient(conn Conn, opts Options) *Client {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 32
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 5 * time.Second
	}
	if opts.ReadLimit > 0 {
		conn.SetReadLimit(opts.ReadLimit)
	}
	return &Client{
		conn:    conn,
		send:    make(chan []byte, opts.SendBuffer),
		opts:    opts,
		pending: make(map[string]chan envelope),
	}
}

// Dial connects to the signaling endpoint, authenticating with token if set.
func Dial(ctx context.Context, url, token string, opts Options) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial signaling %s: %w", url, err)
	}
	log.Info().Str("module", "signal").Str("url", url).Msg("connected")
	return NewClient(ws, opts), nil
}

// OnUpdates installs the push handler. It runs on the read goroutine.
func (c *Client) OnUpdates(fn func(domain.Updates)) {
	c.mu.Lock()
	c.onUpdates = fn
	c.mu.Unlock()
}

// Run pumps the connection until ctx is done or the connection breaks.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.writePump(ctx) })
	g.Go(func() error { return c.readPump(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		c.Close()
		return nil
	})
	err := g.Wait()
	if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Client) TrySend(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

// Close fails every pending call and closes the socket.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	pending := c.pending
	c.pending = make(map[string]chan envelope)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	_ = c.conn.Close()
	log.Info().Str("module", "signal").Msg("connection closed")
}

// call sends one request and decodes its result into out.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	id := uuid.NewString()
	b, err := json.Marshal(envelope{Type: typeRequest, ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", method, err)
	}
	ch := make(chan envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.TrySend(b); err != nil {
		c.forget(id)
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: %w", method, ErrClosed)
		}
		if resp.Error != nil {
			return &core.RequestFailure{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
		return nil
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) resolve(resp envelope) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()
	if !ok {
		log.Debug().Str("module", "signal").Str("id", resp.ID).Msg("response for unknown request")
		return
	}
	ch <- resp
}

func (c *Client) dispatchUpdates(list []wireUpdate) {
	c.mu.Lock()
	fn := c.onUpdates
	c.mu.Unlock()
	if fn == nil {
		return
	}
	if updates := toDomain(list); len(updates) > 0 {
		fn(updates)
	}
}
