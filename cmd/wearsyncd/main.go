package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openscore/wearsync/internal/game"
	"github.com/openscore/wearsync/internal/link"
	"github.com/openscore/wearsync/internal/roster"
	"github.com/openscore/wearsync/internal/sync"
	"github.com/openscore/wearsync/internal/transport"
	"github.com/openscore/wearsync/internal/transport/natsbridge"
	"github.com/openscore/wearsync/internal/transport/wsbridge"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("device_id", cfg.DeviceID).
		Str("pair_id", cfg.PairID).
		Str("transport", cfg.Transport).
		Msg("starting wearsync daemon")

	tr := buildTransport(cfg)

	live := sync.NewMemoryLiveStore()
	ros := roster.New()
	counters := link.NewFileCounterStore(cfg.CounterFile)

	coord := sync.New(tr, counters, live, ros,
		sync.WithHandlers(sync.Handlers{
			LiveState: func(s game.Snapshot) {
				log.Info().
					Int("home", s.HomeScore).
					Int("away", s.AwayScore).
					Str("phase", string(s.Phase)).
					Msg("live state updated from peer")
			},
			RosterChanged: func(s roster.Snapshot) {
				log.Info().Int("players", len(s.Players)).Msg("roster updated from peer")
			},
			StatusChanged: func(status link.Status) {
				log.Info().Str("status", status.String()).Msg("reachability changed")
			},
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := coord.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("sync unavailable on this device")
	}

	// Ask the peer for its state so a freshly started daemon converges.
	if err := coord.RequestLiveStatus(); err != nil {
		log.Warn().Err(err).Msg("live status request failed")
	}
	if err := coord.RequestRoster(); err != nil {
		log.Warn().Err(err).Msg("roster request failed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	coord.Stop()
}

func buildTransport(cfg *Config) transport.Transport {
	switch cfg.Transport {
	case "nats":
		return natsbridge.New(natsbridge.Config{
			URL:     cfg.NATS.URL,
			PairID:  cfg.PairID,
			LocalID: cfg.DeviceID,
			PeerID:  cfg.NATS.PeerID,
		})
	default:
		wsCfg := wsbridge.DefaultConfig()
		wsCfg.ListenAddr = cfg.WS.ListenAddr
		wsCfg.DialURL = cfg.WS.DialURL
		return wsbridge.New(wsCfg)
	}
}
