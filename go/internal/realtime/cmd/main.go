package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/mcdev12/tablesync/go/clients/game_client"
	"github.com/mcdev12/tablesync/go/clients/realtime_client"
	"github.com/mcdev12/tablesync/go/internal/config"
	"github.com/mcdev12/tablesync/go/internal/realtime/engine"
	"github.com/mcdev12/tablesync/go/internal/realtime/statusapi"
	"github.com/mcdev12/tablesync/go/internal/realtime/store"
	"github.com/mcdev12/tablesync/go/internal/realtime/supervisor"
	"github.com/mcdev12/tablesync/go/internal/realtime/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.LogLevel)

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.New().String()[:8]
	}

	log.Info().
		Str("api_url", cfg.APIBaseURL).
		Str("client_id", cfg.ClientID).
		Str("status_port", cfg.StatusPort).
		Int("followed_games", len(cfg.File.Follow.Games)).
		Msg("starting tablesync")

	realtimeClient, err := realtime_client.NewRealtimeClient(cfg.APIBaseURL, cfg.SessionToken, realtime_client.DefaultConnectionConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create realtime client")
	}
	gameClient := game_client.NewGameClient(cfg.APIBaseURL, cfg.SessionToken)

	clock := clockwork.NewRealClock()
	reporter := telemetry.Fanout{telemetry.LogReporter{}}
	if cfg.NATSURL != "" {
		natsCfg := telemetry.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		natsCfg.ClientID = cfg.ClientID
		natsReporter, err := telemetry.NewNATSReporter(natsCfg, clock)
		if err != nil {
			log.Warn().Err(err).Msg("sync errors will only be logged")
		} else {
			defer natsReporter.Close()
			reporter = append(reporter, natsReporter)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics, err := telemetry.NewPrometheusMetrics(registry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register metrics")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := engine.New(ctx, engine.Deps{
		Tokens:    realtimeClient,
		Dialer:    realtimeClient,
		Snapshots: gameClient,
		Submitter: gameClient,
		Waiting:   gameClient,
		Reporter:  reporter,
		Metrics:   metrics,
	}, engine.Options{
		Clock:          clock,
		QueueSize:      cfg.LoopQueueSize,
		Supervisor:     cfg.Supervisor(),
		EvictOnRelease: cfg.File.Cache.EvictOnRelease,
	})

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- eng.Run(ctx)
	}()

	if err := registerListeners(eng); err != nil {
		log.Fatal().Err(err).Msg("failed to register engine listeners")
	}

	followed, err := cfg.FollowedTopics()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid followed topics")
	}
	for _, topic := range followed {
		if _, err := eng.Subscribe(topic); err != nil {
			log.Fatal().Err(err).Str("topic", topic.String()).Msg("failed to follow topic")
		}
	}
	if err := eng.Connect(); err != nil {
		log.Fatal().Err(err).Msg("failed to start connection")
	}

	server := statusapi.NewServer(eng, statusapi.Config{
		Port:           cfg.StatusPort,
		ClientID:       cfg.ClientID,
		AllowedOrigins: cfg.File.Status.AllowedOrigins,
		Gatherer:       registry,
	})
	go func() {
		if err := server.ListenAndServe(); err != nil {
			log.Fatal().Err(err).Msg("status API failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-engineDone:
		log.Error().Err(err).Msg("engine stopped unexpectedly")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("status API shutdown failed")
	}

	_ = eng.Disconnect()
	eng.Close()
	cancel()

	log.Info().Msg("tablesync shutdown complete")
}

func registerListeners(eng *engine.Engine) error {
	if err := eng.OnStatus(func(status supervisor.Status) {
		var event *zerolog.Event
		if status.Terminal == nil {
			event = log.Info()
		} else {
			event = log.Error().
				Err(status.Terminal).
				Str("remediation", supervisor.Remediation(status.Terminal))
			if errors.Is(status.Terminal, supervisor.ErrAuthRequired) {
				// cached state belongs to the signed-out user
				go func() { _ = eng.ClearCache() }()
			}
		}
		event = event.
			Str("state", status.State.String()).
			Uint64("generation", status.Generation).
			Int("attempt", status.Attempt)
		if status.RetryIn > 0 {
			event = event.Dur("retry_in", status.RetryIn)
		}
		event.Msg("connection status changed")
	}); err != nil {
		return err
	}

	if err := eng.OnChange(func(state store.VersionedState[json.RawMessage]) {
		log.Debug().
			Str("topic", state.Topic.String()).
			Str("version", state.Version.String()).
			Str("provenance", state.Provenance.String()).
			Msg("state updated")
	}); err != nil {
		return err
	}

	return eng.OnYourTurn(func(gameID, version int64) {
		log.Info().
			Int64("game_id", gameID).
			Int64("version", version).
			Msg("your turn")
	})
}
