package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mconf/mcs-core/internal/adapters"
	"github.com/mconf/mcs-core/internal/adapters/freeswitch"
	router "github.com/mconf/mcs-core/internal/adapters/http"
	"github.com/mconf/mcs-core/internal/adapters/kurento"
	"github.com/mconf/mcs-core/internal/adapters/loopback"
	mediasignal "github.com/mconf/mcs-core/internal/adapters/signal"
	"github.com/mconf/mcs-core/internal/adapters/soup"
	"github.com/mconf/mcs-core/internal/app"
	"github.com/mconf/mcs-core/internal/app/balancer"
	"github.com/mconf/mcs-core/internal/app/strategy"
	"github.com/mconf/mcs-core/internal/config"
	"github.com/mconf/mcs-core/internal/core"
	"github.com/mconf/mcs-core/internal/domain"
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

	bus := core.NewEventBus()
	factory := adapters.NewFactory()
	factory.Register(loopback.New(bus))

	if cfg.Kurento.Enabled {
		setupKurento(ctx, bus, factory, cfg)
	}
	if cfg.Freeswitch.Enabled {
		if err := setupFreeswitch(ctx, bus, factory, cfg); err != nil {
			log.Fatal().Err(err).Msg("freeswitch adapter init failed")
		}
	}
	if cfg.Mediasoup.Enabled {
		if err := setupMediasoup(ctx, bus, factory, cfg); err != nil {
			log.Fatal().Err(err).Msg("mediasoup adapter init failed")
		}
	}

	mediaFactory := core.NewMediaFactory(factory, bus, cfg.MediaSpecs)
	ctrl := app.NewMediaController(bus, mediaFactory, factory, app.Options{
		MaxMediasPerRoom:         cfg.Thresholds.MaxMediasPerRoom,
		MaxSessionsPerUser:       cfg.Thresholds.MaxSessionsPerUser,
		EjectGrace:               cfg.Thresholds.EjectGrace,
		DefaultAdapter:           cfg.DefaultAdapter,
		RecordingFormats:         cfg.Recording.Formats,
		HeaderExtensionAllowlist: cfg.HeaderExtensionAllowlist,
	})
	ctrl.Start()

	strategies := strategy.NewManager(bus, ctrl, cfg.Strategies)
	strategies.Start()

	msgRouter := mediasignal.NewMessageRouter(ctrl, bus, cfg.RateLimit.Limit, cfg.RateLimit.Interval)
	msgRouter.Start()

	r := router.SetupRouter(ctx, cfg, msgRouter)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Strs("adapters", factory.Names()).Msg("mcs server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	strategies.Stop()
	ctrl.Stop(shutdownCtx)
	log.Info().Msg("Server exited gracefully")
}

func balancerOptions(cfg config.BalancerConfig) balancer.Options {
	opts := balancer.Options{
		Strategy:          cfg.Strategy,
		Retries:           cfg.Retries,
		RetryDelay:        cfg.RetryDelay,
		FailoverTimeout:   cfg.FailoverTimeout,
		ReconnectInterval: cfg.ReconnectInterval,
		AllowMixing:       cfg.AllowMixing,
	}
	if len(cfg.Ceilings) > 0 {
		opts.Ceilings = make(map[domain.MediaType]int, len(cfg.Ceilings))
		for kind, n := range cfg.Ceilings {
			opts.Ceilings[domain.MediaType(kind)] = n
		}
	}
	return opts
}

func hostEntries(hosts []config.HostEntry) []balancer.HostEntry {
	out := make([]balancer.HostEntry, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, balancer.HostEntry{
			URL:       h.URL,
			IP:        h.IP,
			MediaType: domain.MediaType(h.MediaType),
		})
	}
	return out
}

func setupKurento(ctx context.Context, bus *core.EventBus, factory *adapters.Factory, cfg *config.Config) {
	// The adapter needs the balancer and the balancer needs the adapter's
	// dialer; the indirection breaks the cycle.
	var dial balancer.ConnectFunc
	opts := balancerOptions(cfg.Balancer)
	opts.Label = kurento.AdapterName
	pool := balancer.New(bus, func(c context.Context, url, ip string) (balancer.Client, error) {
		return dial(c, url, ip)
	}, opts)
	adapter := kurento.New(bus, pool)
	dial = adapter.Dialer(ctx)
	pool.UpstartHosts(ctx, hostEntries(cfg.Kurento.Hosts))
	factory.Register(adapter)
}

func setupFreeswitch(ctx context.Context, bus *core.EventBus, factory *adapters.Factory, cfg *config.Config) error {
	var dial balancer.ConnectFunc
	opts := balancerOptions(cfg.Balancer)
	opts.Label = freeswitch.AdapterName
	pool := balancer.New(bus, func(c context.Context, url, ip string) (balancer.Client, error) {
		return dial(c, url, ip)
	}, opts)
	adapter, err := freeswitch.New(bus, pool, freeswitch.Options{
		Password:      cfg.Freeswitch.Password,
		SIPPort:       cfg.Freeswitch.SIPPort,
		Hostname:      cfg.Freeswitch.Hostname,
		UserAgent:     cfg.Freeswitch.UserAgent,
		ProbeInterval: cfg.Freeswitch.ProbeInterval,
	})
	if err != nil {
		return err
	}
	dial = adapter.Dialer(ctx)
	pool.UpstartHosts(ctx, hostEntries(cfg.Freeswitch.Hosts))
	adapter.StartProbe(ctx)
	factory.Register(adapter)
	return nil
}

func setupMediasoup(ctx context.Context, bus *core.EventBus, factory *adapters.Factory, cfg *config.Config) error {
	adapter, err := soup.New(ctx, bus, soup.Options{
		WorkerBin:   cfg.Mediasoup.WorkerBin,
		WorkerCount: cfg.Mediasoup.WorkerCount,
		LogLevel:    cfg.Mediasoup.LogLevel,
		ListenIP:    cfg.Mediasoup.ListenIP,
		AnnouncedIP: cfg.Mediasoup.AnnouncedIP,
		RTPPortMin:  cfg.Mediasoup.RTPPortMin,
		RTPPortMax:  cfg.Mediasoup.RTPPortMax,
		Recorder: soup.RecorderOptions{
			BinPath:                   cfg.Mediasoup.RecorderBin,
			ListenIP:                  cfg.Mediasoup.RecorderListenIP,
			PostStartKeyframeInterval: cfg.Mediasoup.KeyframeInterval,
		},
	})
	if err != nil {
		return err
	}
	factory.Register(adapter)
	return nil
}
