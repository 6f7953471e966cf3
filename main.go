package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/beergame/beer/internal/feed"
	"github.com/beergame/beer/internal/game"
	"github.com/beergame/beer/internal/limits"
	"github.com/beergame/beer/internal/monitoring"
	"github.com/beergame/beer/internal/server"
	"github.com/beergame/beer/internal/wire"
)

const version = "1.0.0"

func main() {
	app := cli.NewApp()
	app.Name = "beer-server"
	app.Usage = "networked turn-based battleship match server"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "host",
			Usage:  "listen host (overrides HOST)",
			EnvVar: "HOST",
		},
		cli.IntFlag{
			Name:   "port",
			Usage:  "listen port (overrides PORT)",
			EnvVar: "PORT",
		},
		cli.BoolFlag{
			Name:  "secure",
			Usage: "enable AES-CTR payload encryption (key from --key, --pass, or KEY)",
		},
		cli.StringFlag{
			Name:   "key",
			Usage:  "hex-encoded 16/24/32-byte encryption key",
			EnvVar: "KEY",
		},
		cli.StringFlag{
			Name:  "pass",
			Usage: "derive the encryption key from a passphrase",
		},
		cli.BoolFlag{
			Name:  "one-ship",
			Usage: "single-ship fleet (fast integration runs)",
		},
		cli.BoolFlag{
			Name:   "debug",
			Usage:  "debug logging",
			EnvVar: "DEBUG",
		},
		cli.BoolFlag{
			Name:  "silent, q",
			Usage: "errors only",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := LoadConfig(nil)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	if c.IsSet("host") {
		cfg.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}

	level := zerolog.InfoLevel
	switch {
	case c.Bool("silent"):
		level = zerolog.ErrorLevel
	case c.Bool("debug") || cfg.Debug:
		level = zerolog.DebugLevel
	}
	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  level,
		Format: monitoring.LogFormat(cfg.LogFormat),
	})
	cfg.LogConfig(logger)

	cipher, err := buildCipher(c, cfg)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}

	fleet := game.Fleet
	if c.Bool("one-ship") {
		fleet = game.SoloFleet
		logger.Info().Msg("single-ship fleet enabled")
	}

	bus := feed.NewBus(logger)
	if cfg.NATSURL != "" {
		sink, err := feed.NewNATSSink(cfg.NATSURL, "", logger)
		if err != nil {
			// The feed is best-effort; a missing broker must not stop games.
			logger.Warn().Err(err).Str("url", cfg.NATSURL).Msg("nats sink unavailable")
		} else {
			bus.AddSink(sink)
			defer sink.Close()
		}
	}

	limiter := limits.NewConnRateLimiter(limits.ConnRateLimiterConfig{
		GlobalRate: cfg.ConnRate,
		Logger:     logger,
	})
	defer limiter.Stop()
	guard := limits.NewResourceGuard(limits.ResourceGuardConfig{
		CPUThreshold: cfg.CPUThreshold,
		MemThreshold: cfg.MemThreshold,
		Logger:       logger,
	})
	defer guard.Stop()

	registry := server.NewRegistry(logger)
	hub := server.NewHub(logger)
	lobby := server.NewLobby(server.LobbyConfig{
		Addr:             cfg.Addr(),
		HandshakeTimeout: cfg.HandshakeTimeout,
		MaxMatches:       cfg.MaxMatches,
		Cipher:           cipher,
		RateLimiter:      limiter,
		ResourceGuard:    guard,
		Session: server.SessionConfig{
			TurnTimeout:      cfg.TurnTimeout,
			PlaceTimeout:     cfg.PlaceTimeout,
			ReconnectTimeout: cfg.ReconnectTimeout,
			BoardSize:        cfg.BoardSize,
			Fleet:            fleet,
		},
	}, registry, hub, bus, logger)
	admin := server.NewAdmin(cfg.AdminAddr, lobby, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sawInterrupt atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		if sig == syscall.SIGINT {
			sawInterrupt.Store(true)
		}
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return lobby.Run(gctx) })
	g.Go(func() error { return admin.Run(gctx) })

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server failed")
		return cli.NewExitError(err.Error(), 1)
	}
	logger.Info().Msg("shutdown complete")
	if sawInterrupt.Load() {
		return cli.NewExitError("", 130)
	}
	return nil
}

// buildCipher resolves the encryption key. --secure demands a key from
// --pass, --key, or KEY; without --secure any configured key is ignored and
// traffic stays plaintext.
func buildCipher(c *cli.Context, cfg *Config) (*wire.Cipher, error) {
	if !c.Bool("secure") {
		return nil, nil
	}
	var key []byte
	switch {
	case c.String("pass") != "":
		key = wire.DeriveKey(c.String("pass"))
	case c.String("key") != "":
		k, err := wire.ParseKeyHex(c.String("key"))
		if err != nil {
			return nil, err
		}
		key = k
	case cfg.Key != "":
		k, err := wire.ParseKeyHex(cfg.Key)
		if err != nil {
			return nil, err
		}
		key = k
	default:
		return nil, fmt.Errorf("--secure requires a key via --key, --pass, or KEY")
	}
	return wire.NewCipher(key)
}
