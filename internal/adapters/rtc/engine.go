package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"

	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
)

// ErrorNegotiation is reported when the local offer cannot be produced or the
// server answer cannot be applied.
const ErrorNegotiation = "ERROR_NEGOTIATION"

const (
	levelPeriod   = 100 * time.Millisecond
	gatherTimeout = 10 * time.Second
)

// Factory builds pion-backed engines.
type Factory struct {
	Fs         afero.Fs
	ICEServers []string
	// NewCapture opens the input device; nil sends silence.
	NewCapture func(deviceID string) (Capture, error)
}

var _ core.EngineFactory = (*Factory)(nil)

func DefaultICEServers() []string {
	return []string{"stun:stun.l.google.com:19302"}
}

func (f *Factory) CreateInstance(cfg core.EngineConfig, cb core.EngineCallbacks) (core.Engine, error) {
	logger := log.With().Str("module", "rtc").Logger()
	var logFile io.Closer
	if cfg.LogPath != "" {
		fs := f.Fs
		if fs == nil {
			fs = afero.NewOsFs()
		}
		file, err := fs.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open engine log: %w", err)
		}
		logFile = file
		logger = zerolog.New(file).With().Timestamp().Str("module", "rtc").Logger()
	}
	closeLog := func() {
		if logFile != nil {
			_ = logFile.Close()
		}
	}

	api, err := newAPI(logger)
	if err != nil {
		closeLog()
		return nil, err
	}
	servers := f.ICEServers
	if servers == nil {
		servers = DefaultICEServers()
	}
	var rtcCfg webrtc.Configuration
	if len(servers) > 0 {
		rtcCfg.ICEServers = []webrtc.ICEServer{{URLs: servers}}
	}
	pc, err := api.NewPeerConnection(rtcCfg)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "groupcall",
	)
	if err != nil {
		_ = pc.Close()
		closeLog()
		return nil, fmt.Errorf("new local track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		closeLog()
		return nil, fmt.Errorf("add local track: %w", err)
	}

	openCapture := f.NewCapture
	if openCapture == nil {
		openCapture = newSilence
	}
	capture, err := openCapture(cfg.InputDeviceID)
	if err != nil {
		_ = pc.Close()
		closeLog()
		return nil, fmt.Errorf("%w: open capture: %v", core.ErrEngineAudioIO, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		pc:          pc,
		track:       track,
		sender:      sender,
		cb:          cb,
		log:         logger,
		logFile:     logFile,
		ctx:         ctx,
		cancel:      cancel,
		openCapture: openCapture,
		capture:     capture,
		output:      cfg.OutputDeviceID,
		levels:      make(map[domain.Source]float32),
		removed:     make(map[domain.Source]struct{}),
	}
	e.start()
	return e, nil
}

func newAPI(logger zerolog.Logger) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: sdp.AudioLevelURI}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register audio level extension: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	se := webrtc.SettingEngine{LoggerFactory: loggerFactory{logger: logger}}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

// Engine sends the local microphone and reports levels of remote streams.
// Callbacks fire on engine goroutines.
type Engine struct {
	pc      *webrtc.PeerConnection
	track   *webrtc.TrackLocalStaticSample
	sender  *webrtc.RTPSender
	cb      core.EngineCallbacks
	log     zerolog.Logger
	logFile io.Closer

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	muted     atomic.Bool
	connected atomic.Bool
	myLevel   atomic.Uint32

	mu          sync.Mutex
	openCapture func(string) (Capture, error)
	capture     Capture
	output      string
	offer       *sdp.SessionDescription
	levels      map[domain.Source]float32
	removed     map[domain.Source]struct{}
}

var _ core.Engine = (*Engine)(nil)

func (e *Engine) start() {
	e.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		e.log.Info().Str("ice_state", s.String()).Msg("ICE state")
		switch s {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			e.setConnected(true)
		case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
			e.setConnected(false)
		}
	})
	e.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if e.ctx.Err() != nil || track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		var extID uint8
		for _, h := range receiver.GetParameters().HeaderExtensions {
			if h.URI == sdp.AudioLevelURI {
				extID = uint8(h.ID)
			}
		}
		e.log.Info().Uint32("ssrc", uint32(track.SSRC())).Msg("remote audio track")
		e.wg.Go(func() { e.readRemote(track, extID) })
	})
	e.wg.Go(e.pumpCapture)
	e.wg.Go(e.reportLevels)
}

func (e *Engine) setConnected(connected bool) {
	if e.connected.Swap(connected) != connected && e.cb.NetworkStateUpdated != nil {
		e.cb.NetworkStateUpdated(connected)
	}
}

func (e *Engine) fail(code string, err error) {
	e.log.Error().Err(err).Str("code", code).Msg("engine failure")
	if e.cb.Failed != nil && e.ctx.Err() == nil {
		e.cb.Failed(code)
	}
}

// EmitJoinPayload creates the offer, waits for gathering and hands the result to fn.
func (e *Engine) EmitJoinPayload(fn func(domain.TransportOffer)) {
	e.wg.Go(func() {
		offer, err := e.gatherOffer()
		if err != nil {
			e.fail(ErrorNegotiation, err)
			return
		}
		fn(offer)
	})
}

func (e *Engine) gatherOffer() (domain.TransportOffer, error) {
	desc, err := e.pc.CreateOffer(nil)
	if err != nil {
		return domain.TransportOffer{}, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(e.pc)
	if err := e.pc.SetLocalDescription(desc); err != nil {
		return domain.TransportOffer{}, fmt.Errorf("set local description: %w", err)
	}
	timer := time.NewTimer(gatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		e.log.Warn().Msg("ICE gathering timed out, using partial candidates")
	case <-e.ctx.Done():
		return domain.TransportOffer{}, e.ctx.Err()
	}

	var source domain.Source
	if enc := e.sender.GetParameters().Encodings; len(enc) > 0 {
		source = domain.Source(enc[0].SSRC)
	}
	offer, parsed, err := offerFromSDP(e.pc.LocalDescription().SDP, source)
	if err != nil {
		return domain.TransportOffer{}, err
	}
	e.mu.Lock()
	e.offer = parsed
	e.mu.Unlock()
	return offer, nil
}

func (e *Engine) SetJoinResponsePayload(answer domain.TransportAnswer) {
	e.mu.Lock()
	offer := e.offer
	e.mu.Unlock()
	if offer == nil {
		e.log.Warn().Msg("join response before local offer")
		return
	}
	raw, err := answerSDP(offer, answer)
	if err != nil {
		e.fail(ErrorNegotiation, err)
		return
	}
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: raw}); err != nil {
		e.fail(core.EngineErrorIncompatible, err)
		return
	}
	e.log.Info().Int("candidates", len(answer.Candidates)).Msg("remote description applied")
}

func (e *Engine) SetIsMuted(muted bool) {
	if e.muted.Swap(muted) != muted {
		e.log.Info().Bool("muted", muted).Msg("mute changed")
	}
}

func (e *Engine) SetAudioInputDevice(id string) {
	capture, err := e.openCapture(id)
	if err != nil {
		e.fail(core.EngineErrorAudioIO, err)
		return
	}
	e.mu.Lock()
	old := e.capture
	e.capture = capture
	e.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	e.log.Info().Str("input", id).Msg("input device changed")
}

// SetAudioOutputDevice records the playback device. Remote audio is not rendered.
func (e *Engine) SetAudioOutputDevice(id string) {
	e.mu.Lock()
	e.output = id
	e.mu.Unlock()
	e.log.Info().Str("output", id).Msg("output device changed")
}

func (e *Engine) RemoveSources(sources []domain.Source) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range sources {
		e.removed[s] = struct{}{}
		delete(e.levels, s)
	}
}

func (e *Engine) Close() {
	e.cancel()
	if err := e.pc.Close(); err != nil {
		e.log.Error().Err(err).Msg("close error")
	}
	e.wg.Wait()
	e.mu.Lock()
	if e.capture != nil {
		_ = e.capture.Close()
		e.capture = nil
	}
	e.mu.Unlock()
	e.log.Info().Msg("closed")
	if e.logFile != nil {
		_ = e.logFile.Close()
	}
}

func (e *Engine) currentCapture() Capture {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.capture
}

// pumpCapture writes one frame per tick, substituting silence while muted.
func (e *Engine) pumpCapture() {
	for e.ctx.Err() == nil {
		capture := e.currentCapture()
		if capture == nil {
			return
		}
		frame, level, err := capture.ReadFrame(e.ctx)
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			if capture != e.currentCapture() {
				continue
			}
			e.fail(core.EngineErrorAudioIO, err)
			return
		}
		if e.muted.Load() {
			frame, level = opusSilence, 0
		}
		e.myLevel.Store(math.Float32bits(level))
		if err := e.track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			e.log.Debug().Err(err).Msg("write sample")
		}
	}
}

func (e *Engine) readRemote(track *webrtc.TrackRemote, extID uint8) {
	source := domain.Source(track.SSRC())
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if e.ctx.Err() == nil {
				e.log.Debug().Err(err).Uint32("ssrc", uint32(source)).Msg("remote track ended")
			}
			return
		}
		if extID == 0 {
			continue
		}
		raw := pkt.GetExtension(extID)
		if raw == nil {
			continue
		}
		var ext rtp.AudioLevelExtension
		if err := ext.Unmarshal(raw); err != nil {
			e.log.Debug().Err(err).Msg("bad audio level extension")
			continue
		}
		if !e.recordLevel(source, levelFromDBov(ext.Level)) {
			return
		}
	}
}

// recordLevel keeps the loudest reading per period; false once source was removed.
func (e *Engine) recordLevel(source domain.Source, level float32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, gone := e.removed[source]; gone {
		return false
	}
	if cur, ok := e.levels[source]; !ok || level > cur {
		e.levels[source] = level
	}
	return true
}

func (e *Engine) drainLevels() []domain.LevelSample {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.levels) == 0 {
		return nil
	}
	out := make([]domain.LevelSample, 0, len(e.levels))
	for s, l := range e.levels {
		out = append(out, domain.LevelSample{Source: s, Level: l})
	}
	clear(e.levels)
	return out
}

func (e *Engine) reportLevels() {
	ticker := time.NewTicker(levelPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if e.cb.MyAudioLevelUpdated != nil {
				e.cb.MyAudioLevelUpdated(math.Float32frombits(e.myLevel.Load()))
			}
			if e.cb.AudioLevelsUpdated == nil {
				continue
			}
			if levels := e.drainLevels(); len(levels) > 0 {
				e.cb.AudioLevelsUpdated(levels)
			}
		}
	}
}
