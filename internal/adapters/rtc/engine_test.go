package rtc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
)

type recorder struct {
	mu     sync.Mutex
	failed []string
	mine   []float32
}

func (r *recorder) callbacks() core.EngineCallbacks {
	return core.EngineCallbacks{
		Failed: func(code string) {
			r.mu.Lock()
			r.failed = append(r.failed, code)
			r.mu.Unlock()
		},
		MyAudioLevelUpdated: func(level float32) {
			r.mu.Lock()
			r.mine = append(r.mine, level)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) failures() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.failed...)
}

func (r *recorder) levels() []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float32(nil), r.mine...)
}

// loud reports a constant level until closed.
type loud struct{ level float32 }

func (l loud) ReadFrame(ctx context.Context) ([]byte, float32, error) {
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case <-time.After(frameDuration):
		return opusSilence, l.level, nil
	}
}

func (loud) Close() error { return nil }

func newTestEngine(t *testing.T, f *Factory, rec *recorder) *Engine {
	t.Helper()
	if f.ICEServers == nil {
		f.ICEServers = []string{}
	}
	eng, err := f.CreateInstance(core.EngineConfig{}, rec.callbacks())
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return eng.(*Engine)
}

func TestEmitJoinPayloadProducesOffer(t *testing.T) {
	rec := &recorder{}
	eng := newTestEngine(t, &Factory{}, rec)

	got := make(chan domain.TransportOffer, 1)
	eng.EmitJoinPayload(func(o domain.TransportOffer) { got <- o })

	select {
	case offer := <-got:
		assert.NotEmpty(t, offer.Ufrag)
		assert.NotEmpty(t, offer.Pwd)
		require.Len(t, offer.Fingerprints, 1)
		assert.Equal(t, "actpass", offer.Fingerprints[0].Setup)
		assert.NotZero(t, offer.Source)
		assert.Equal(t, domain.Source(eng.sender.GetParameters().Encodings[0].SSRC), offer.Source)
	case <-time.After(gatherTimeout + 5*time.Second):
		t.Fatal("no offer")
	}
	assert.Empty(t, rec.failures())
}

func TestAnswerBeforeOfferIsIgnored(t *testing.T) {
	rec := &recorder{}
	eng := newTestEngine(t, &Factory{}, rec)

	eng.SetJoinResponsePayload(domain.TransportAnswer{Ufrag: "u", Pwd: "p"})
	assert.Empty(t, rec.failures())
}

func TestMutedEngineReportsSilence(t *testing.T) {
	rec := &recorder{}
	f := &Factory{NewCapture: func(string) (Capture, error) { return loud{level: 0.7}, nil }}
	eng := newTestEngine(t, f, rec)

	require.Eventually(t, func() bool {
		for _, l := range rec.levels() {
			if l == 0.7 {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	eng.SetIsMuted(true)
	require.Eventually(t, func() bool {
		ls := rec.levels()
		return len(ls) > 0 && ls[len(ls)-1] == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCaptureOpenFailure(t *testing.T) {
	f := &Factory{
		ICEServers: []string{},
		NewCapture: func(string) (Capture, error) { return nil, errors.New("no mic") },
	}
	_, err := f.CreateInstance(core.EngineConfig{}, core.EngineCallbacks{})
	assert.ErrorIs(t, err, core.ErrEngineAudioIO)
}

func TestSwitchInputDeviceFailure(t *testing.T) {
	rec := &recorder{}
	opened := 0
	f := &Factory{NewCapture: func(id string) (Capture, error) {
		opened++
		if id == "broken" {
			return nil, errors.New("busy")
		}
		return newSilence(id)
	}}
	eng := newTestEngine(t, f, rec)

	eng.SetAudioInputDevice("usb")
	eng.SetAudioInputDevice("broken")
	assert.Equal(t, 3, opened)
	assert.Equal(t, []string{core.EngineErrorAudioIO}, rec.failures())
}

func TestRemovedSourceStopsReporting(t *testing.T) {
	rec := &recorder{}
	eng := newTestEngine(t, &Factory{}, rec)

	assert.True(t, eng.recordLevel(5, 0.3))
	assert.True(t, eng.recordLevel(5, 0.1))
	assert.True(t, eng.recordLevel(6, 0.5))
	eng.RemoveSources([]domain.Source{6})
	assert.False(t, eng.recordLevel(6, 0.9))

	levels := eng.drainLevels()
	assert.Equal(t, []domain.LevelSample{{Source: 5, Level: 0.3}}, levels)
	assert.Nil(t, eng.drainLevels())
}

func TestDebugLogWrittenToFs(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/logs", 0o755))
	f := &Factory{Fs: fs, ICEServers: []string{}}
	eng, err := f.CreateInstance(core.EngineConfig{LogPath: "/logs/engine.txt"}, core.EngineCallbacks{})
	require.NoError(t, err)
	eng.SetAudioOutputDevice("speakers")
	eng.Close()

	data, err := afero.ReadFile(fs, "/logs/engine.txt")
	require.NoError(t, err)
	assert.Contains(t, string(data), "output device changed")
}
