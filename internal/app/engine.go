package app

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
)

const (
	debugLogFolder = "DebugLogs"
	debugLogName   = "last_group_call_log.txt"
)

// Settings is the device and debug-log configuration read when an engine starts.
type Settings struct {
	Fs             afero.Fs
	DebugLogDir    string
	InputDeviceID  string
	OutputDeviceID string
}

// EngineConfig prepares the debug log file, if enabled, and returns the engine config.
func (s Settings) EngineConfig() (core.EngineConfig, error) {
	cfg := core.EngineConfig{
		InputDeviceID:  s.InputDeviceID,
		OutputDeviceID: s.OutputDeviceID,
	}
	if s.DebugLogDir == "" {
		return cfg, nil
	}
	fs := s.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	folder := filepath.Join(s.DebugLogDir, debugLogFolder)
	path := filepath.Join(folder, debugLogName)
	if err := fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("remove engine log: %w", err)
	}
	if err := fs.MkdirAll(folder, 0o755); err != nil {
		return cfg, fmt.Errorf("create engine log dir: %w", err)
	}
	cfg.LogPath = path
	return cfg, nil
}

// EngineAdapter owns one engine handle and turns its callbacks into session
// calls on the scheduler. Everything except the callbacks runs on the scheduler.
type EngineAdapter struct {
	factory   core.EngineFactory
	dispatch  func(func(*Session))
	engine    core.Engine
	connected bool
	myLevel   atomic.Uint32
	log       zerolog.Logger
}

func newEngineAdapter(factory core.EngineFactory, dispatch func(func(*Session)), logger zerolog.Logger) *EngineAdapter {
	return &EngineAdapter{factory: factory, dispatch: dispatch, log: logger}
}

func (a *EngineAdapter) Start(cfg core.EngineConfig) error {
	if a.engine != nil {
		return nil
	}
	if a.factory == nil {
		return fmt.Errorf("%w: no engine factory", core.ErrEngineFailure)
	}
	a.myLevel.Store(0)
	cb := core.EngineCallbacks{
		NetworkStateUpdated: func(connected bool) {
			a.dispatch(func(s *Session) { s.handleNetworkState(connected) })
		},
		AudioLevelsUpdated: func(levels []domain.LevelSample) {
			if len(levels) == 0 {
				return
			}
			levels = slices.Clone(levels)
			a.dispatch(func(s *Session) { s.activity.HandleLevelsUpdated(levels) })
		},
		MyAudioLevelUpdated: func(level float32) {
			// Muted microphones report a stream of zeros.
			bits := math.Float32bits(level)
			if a.myLevel.Swap(bits) == bits {
				return
			}
			a.dispatch(func(s *Session) { s.activity.HandleLocalLevel(s.mySource, level) })
		},
		Failed: func(code string) {
			a.dispatch(func(s *Session) { s.handleEngineFailure(code) })
		},
	}
	log.Info().Str("module", "app.engine").Str("input", cfg.InputDeviceID).Str("output", cfg.OutputDeviceID).Msg("creating engine instance")
	eng, err := a.factory.CreateInstance(cfg, cb)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	a.engine = eng
	a.connected = false
	return nil
}

func (a *EngineAdapter) Active() bool    { return a.engine != nil }
func (a *EngineAdapter) Connected() bool { return a.connected }

// setConnected reports whether the flag changed.
func (a *EngineAdapter) setConnected(connected bool) bool {
	if a.engine == nil || a.connected == connected {
		return false
	}
	a.connected = connected
	return true
}

// EmitJoinPayload delivers the local offer to fn on the scheduler.
func (a *EngineAdapter) EmitJoinPayload(fn func(*Session, domain.TransportOffer)) bool {
	if a.engine == nil {
		return false
	}
	a.engine.EmitJoinPayload(func(offer domain.TransportOffer) {
		a.dispatch(func(s *Session) { fn(s, offer) })
	})
	return true
}

func (a *EngineAdapter) SetJoinResponsePayload(answer domain.TransportAnswer) {
	if a.engine != nil {
		a.engine.SetJoinResponsePayload(answer)
	}
}

func (a *EngineAdapter) SetIsMuted(muted bool) {
	if a.engine != nil {
		a.engine.SetIsMuted(muted)
	}
}

func (a *EngineAdapter) SetAudioDevice(input bool, id string) {
	if a.engine == nil {
		return
	}
	if input {
		a.engine.SetAudioInputDevice(id)
	} else {
		a.engine.SetAudioOutputDevice(id)
	}
}

func (a *EngineAdapter) RemoveSources(sources []domain.Source) {
	if a.engine != nil && len(sources) > 0 {
		a.engine.RemoveSources(sources)
	}
}

func (a *EngineAdapter) Close() {
	if a.engine == nil {
		return
	}
	a.log.Debug().Msg("destroying engine instance")
	a.engine.Close()
	a.engine = nil
	a.connected = false
	a.log.Debug().Msg("engine instance destroyed")
}
