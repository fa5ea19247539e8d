package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/groupcall/internal/adapters/http"
	"github.com/dkeye/groupcall/internal/adapters/rtc"
	sig "github.com/dkeye/groupcall/internal/adapters/signal"
	"github.com/dkeye/groupcall/internal/app"
	"github.com/dkeye/groupcall/internal/config"
	"github.com/dkeye/groupcall/internal/core"
	"github.com/dkeye/groupcall/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	self, err := domain.ParseUserID(cfg.Server.Self)
	if err != nil {
		log.Fatal().Err(err).Msg("server.self must name the local user")
	}

	transport, err := sig.Dial(ctx, cfg.Server.URL, cfg.Server.Token, sig.Options{
		PingPeriod: cfg.Server.PingPeriod,
		ReadLimit:  cfg.Server.ReadLimit,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("signaling unavailable")
	}

	// Sessions and the loop outlive ctx so calls can hang up during shutdown.
	lifetime, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	connCtx, closeConn := context.WithCancel(lifetime)
	defer closeConn()

	threshold := cfg.Call.SpeakThreshold
	fs := afero.NewOsFs()
	loop := core.NewLoop()
	client := app.NewClient(app.ClientParams{
		Scheduler: loop,
		Transport: transport,
		Engines:   &rtc.Factory{Fs: fs, ICEServers: cfg.Audio.ICEServers},
		Settings: app.Settings{
			Fs:             fs,
			DebugLogDir:    cfg.Audio.DebugLogDir,
			InputDeviceID:  cfg.Audio.InputDevice,
			OutputDeviceID: cfg.Audio.OutputDevice,
		},
		Rejoins:          app.NewRejoinPolicy(cfg.Call.RejoinLimit, cfg.Call.RejoinWindow),
		Self:             self,
		PageLimit:        cfg.Call.PageLimit,
		InviteSliceSize:  cfg.Call.InviteSliceSize,
		ActivityInterval: cfg.Call.ActivityInterval,
		SpeakThreshold:   &threshold,
		Context:          lifetime,
	})
	transport.OnUpdates(client.HandlePush)
	client.OnCallEnded(func(_ app.Handle, final domain.State) {
		log.Info().Str("state", final.String()).Msg("call finished")
	})

	if err := config.Watch(config.FileName(), func(a config.Audio) {
		loop.Post(func() { client.SetAudioDevices(a.InputDevice, a.OutputDevice) })
	}); err != nil {
		log.Warn().Err(err).Msg("config watch disabled")
	}

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: router.SetupRouter(cfg, loop, client),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(lifetime) })
	g.Go(func() error { return transport.Run(connCtx) })
	g.Go(func() error {
		log.Info().Str("addr", cfg.Listen).Msg("call client started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := client.Drain(shutdownCtx, loop); err != nil {
			log.Error().Err(err).Msg("hangup on shutdown")
		}
		closeConn()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		stopLoop()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("exited with error")
		os.Exit(1)
	}
	log.Info().Msg("Client exited gracefully")
}
