package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/fleetpanel/fleet-server/internal/api"
	"github.com/fleetpanel/fleet-server/internal/auth"
	"github.com/fleetpanel/fleet-server/internal/bus"
	"github.com/fleetpanel/fleet-server/internal/config"
	"github.com/fleetpanel/fleet-server/internal/conversation"
	"github.com/fleetpanel/fleet-server/internal/dispatcher"
	"github.com/fleetpanel/fleet-server/internal/integration"
	"github.com/fleetpanel/fleet-server/internal/notify"
	"github.com/fleetpanel/fleet-server/internal/queue"
	"github.com/fleetpanel/fleet-server/internal/registry"
	"github.com/fleetpanel/fleet-server/internal/storage"
	"github.com/fleetpanel/fleet-server/internal/telegram"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Command line flags
	configFile := pflag.StringP("config", "c", config.DefaultPath, "Configuration file path")
	pflag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration. The default path is optional.
	path := *configFile
	if !pflag.CommandLine.Changed("config") {
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(cfg.Log)

	// Open storage
	store, err := storage.Open(storage.Options{
		Driver:          cfg.Storage.Driver,
		DSN:             cfg.Storage.DSN,
		Path:            cfg.Storage.Path,
		MaxOpenConns:    cfg.Storage.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MaxIdleConns,
		ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("Failed to open storage")
	}
	defer store.Close()

	log.Info().Str("driver", cfg.Storage.Driver).Msg("Storage ready")

	operators := auth.NewAllowList(cfg.Telegram.AdminIDs)
	if operators.Len() == 0 {
		log.Warn().Msg("No admin ids configured, every operator action will be denied")
	}

	// Notification sinks
	var sinks []notify.Sink

	var bot *telegram.Bot
	if cfg.Telegram.Token != "" {
		bot, err = telegram.New(cfg.Telegram)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start Telegram bot")
		}
		sinks = append(sinks, notify.NewOperatorSink(bot, operators.IDs()))
	} else {
		log.Warn().Msg("Telegram token not configured, running devices-only")
	}

	if cfg.NATS.URL != "" {
		pub, err := bus.Connect(cfg.NATS.URL, cfg.NATS.ClientName, cfg.NATS.SubjectPrefix)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS support")
		} else {
			defer pub.Close()
			log.Info().Str("url", cfg.NATS.URL).Msg("Connected to NATS")
			sinks = append(sinks, pub)
		}
	}

	forwarder := integration.NewForwarder(cfg.Integrations.HTTP, cfg.Integrations.MQTT)
	if forwarder.Enabled() {
		defer forwarder.Close()
		sinks = append(sinks, forwarder)
	}

	notifier := notify.New(cfg.Notify.Timeout, sinks...)
	log.Info().Strs("sinks", notifier.Sinks()).Msg("Notifier ready")

	// Core
	clk := clockwork.NewRealClock()
	d := dispatcher.New(dispatcher.Deps{
		Registry:  registry.New(clk, cfg.Device.OnlineWindow),
		Queue:     queue.New(store),
		Store:     store,
		Sessions:  conversation.NewManager(),
		Notifier:  notifier,
		Operators: operators,
		Clock:     clk,
	}, dispatcher.Options{
		SMSLogLimit: cfg.Device.SMSLogLimit,
		SMSLogPage:  cfg.Device.SMSLogPage,
	})

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// WaitGroup for services
	var wg sync.WaitGroup

	// Start HTTP server
	apiServer := api.NewRESTServer(cfg.API, d)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.ListenAndServe(cfg.API.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start operator bot
	if bot != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bot.Run(ctx, d); err != nil {
				log.Error().Err(err).Msg("Telegram bot stopped")
			}
		}()
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	// Cancel context
	cancel()

	// Shutdown HTTP server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown HTTP server gracefully")
	}

	// Wait for all services, then for in-flight notifications
	wg.Wait()
	notifier.Wait()

	log.Info().Msg("Fleet server stopped")
}

// setupLogging applies the configured level and output format.
func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}
