package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/camslot/internal/adapters/control"
	router "github.com/dkeye/camslot/internal/adapters/http"
	"github.com/dkeye/camslot/internal/adapters/janus"
	"github.com/dkeye/camslot/internal/adapters/notify"
	"github.com/dkeye/camslot/internal/app"
	"github.com/dkeye/camslot/internal/app/orch"
	"github.com/dkeye/camslot/internal/config"
	"github.com/dkeye/camslot/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	room := janus.NewRoom(
		janus.NewClient(janus.ClientConfig{
			URL:            cfg.Janus.URL,
			ControlTimeout: cfg.Janus.ControlTimeout,
			PollTimeout:    cfg.Janus.PollTimeout,
			MaxEvents:      cfg.Janus.MaxEvents,
		}),
		janus.RoomConfig{
			Room:           cfg.Janus.Room,
			Publishers:     cfg.CameraSlots,
			Bitrate:        cfg.Janus.Bitrate,
			Secret:         cfg.Janus.Secret,
			Pin:            cfg.Janus.Pin,
			ControlTimeout: cfg.Janus.ControlTimeout,
		},
	)
	if err := room.Start(ctx); err != nil {
		log.Fatal().Err(err).Str("janus", cfg.Janus.URL).Msg("failed to set up janus room")
	}

	sink, closeSink := newSink(ctx, cfg.Notify)
	defer closeSink()
	tracker := notify.NewTracker(sink, cfg.Notify.WriteTimeout)

	o := &orch.Orchestrator{
		Slots:           core.NewSlotStore(cfg.CameraSlots, cfg.Janus.Bitrate),
		Registry:        app.NewRegistry(),
		Policy:          app.SimplePolicy{},
		Room:            room,
		Notifier:        tracker,
		RoomCallTimeout: cfg.Janus.ControlTimeout,
	}

	// Sockets outlive the signal until remove_all_feeds went out.
	connCtx, closeConns := context.WithCancel(context.Background())
	defer closeConns()

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.SetupRouter(connCtx, cfg, o),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Int("camera_slots", cfg.CameraSlots).Msg("camslot server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return control.Run(gctx, os.Stdin, o)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Notify.ShutdownWait)
		defer shutdownCancel()

		err := o.Shutdown(shutdownCtx, room, tracker)
		closeConns()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			log.Error().Err(serr).Msg("Server forced to shutdown")
		}
		tracker.Close()
		if werr := tracker.Wait(shutdownCtx); werr != nil {
			err = errors.Join(err, werr)
		}
		return err
	})

	if err := g.Wait(); err != nil {
		// a pending notification must not look like a clean exit
		log.Fatal().Err(err).Msg("camslot aborted")
	}
	log.Info().Msg("Server exited gracefully")
}

func newSink(ctx context.Context, cfg config.NotifyConfig) (notify.Sink, func()) {
	switch cfg.Kind {
	case "file":
		log.Info().Str("path", cfg.Path).Msg("notifying controller through file")
		return notify.NewFileSink(afero.NewOsFs(), cfg.Path), func() {}
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis not reachable yet, notifications may fail")
		}
		log.Info().Str("addr", cfg.RedisAddr).Str("channel", cfg.RedisChannel).Msg("notifying controller through redis")
		return notify.NewRedisSink(client, cfg.RedisChannel), func() { _ = client.Close() }
	default:
		log.Info().Msg("controller notifications disabled")
		return notify.NopSink{}, func() {}
	}
}
