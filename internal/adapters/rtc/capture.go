package rtc

import (
	"context"
	"errors"
	"sync"
	"time"
)

const frameDuration = 20 * time.Millisecond

// opusSilence is a single Opus frame that decodes to 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Capture produces encoded Opus frames for the local track, one per frameDuration.
type Capture interface {
	ReadFrame(ctx context.Context) (frame []byte, level float32, err error)
	Close() error
}

var errCaptureClosed = errors.New("capture closed")

// silence paces silent frames. It stands in when no capture device is wired.
type silence struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func newSilence(string) (Capture, error) {
	return &silence{ticker: time.NewTicker(frameDuration), done: make(chan struct{})}, nil
}

func (s *silence) ReadFrame(ctx context.Context) ([]byte, float32, error) {
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case <-s.done:
		return nil, 0, errCaptureClosed
	case <-s.ticker.C:
		return opusSilence, 0, nil
	}
}

func (s *silence) Close() error {
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.done)
	})
	return nil
}
