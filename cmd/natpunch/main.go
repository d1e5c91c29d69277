// Command natpunch runs one traversal session: classify the local NAT,
// exchange findings with the peer over the signaling relay, and punch
// a direct UDP path.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"natpunch/internal/config"
	"natpunch/internal/logging"
	"natpunch/pkg/probe"
	"natpunch/pkg/punch"
	"natpunch/pkg/signal"
)

const (
	appName    = "natpunch"
	appVersion = "1.0.0"

	keepaliveEvery = 15 * time.Second
)

func main() {
	var (
		configPath = flag.String("config", "config.yml", "path to configuration file")
		role       = flag.String("role", "", "override role: initiator or responder")
		room       = flag.String("room", "", "override signaling room")
		retries    = flag.Int("retry", 0, "extra punch attempts with widened fan-out")
		version    = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", appName, appVersion)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
	if *role != "" {
		cfg.Role = *role
	}
	if *room != "" {
		cfg.Room = *room
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *retries, log); err != nil {
		log.Error("session failed", zap.Error(err))
		os.Exit(2)
	}
}

func run(ctx context.Context, cfg *config.Config, retries int, log *zap.Logger) error {
	ch, err := signal.Dial(ctx, cfg.SignalingURL, cfg.Room)
	if err != nil {
		return fmt.Errorf("dial signaling relay: %w", err)
	}
	defer ch.Close()

	pool := probe.NewPool(cfg.MaxSockets, probe.WithLogger(log.Named("pool")))
	defer pool.Close()

	opts := punch.Options{
		Binder:        pool,
		Endpoints:     cfg.EndpointAddrs(),
		Channel:       ch,
		Initiator:     cfg.Role == "initiator",
		PeerHint:      cfg.PeerHintAddr(),
		FanOut:        cfg.FanOut,
		HistoryFlows:  cfg.HistoryFlows,
		ProbeTimeout:  cfg.ProbeTimeout.Std(),
		PunchWindow:   cfg.PunchWindow.Std(),
		SignalTimeout: cfg.SignalTimeout.Std(),
		Logger:        log.Named("punch"),
	}

	var path *punch.Path
	for attempt := 0; ; attempt++ {
		path, err = punch.Begin(ctx, opts)
		if err == nil {
			break
		}
		if attempt >= retries || ctx.Err() != nil {
			return err
		}
		if !errors.Is(err, punch.ErrCandidateExhausted) && !errors.Is(err, punch.ErrNoResponse) {
			return err
		}
		// Widen the search on retry. Everything else stays put: the
		// peer drives its own retry from its side of the channel.
		opts.FanOut *= 2
		log.Warn("punch attempt failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Int("fanOut", opts.FanOut),
			zap.Error(err))
	}
	defer path.Socket.Close()

	log.Info("path established",
		zap.Stringer("local", path.Socket.LocalAddr()),
		zap.Stringer("remote", path.Remote))

	return keepalive(ctx, path, log)
}

// keepalive refreshes the NAT mappings on both ends until the process
// is told to stop.
func keepalive(ctx context.Context, path *punch.Path, log *zap.Logger) error {
	ticker := time.NewTicker(keepaliveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case <-ticker.C:
			if _, err := path.Socket.WriteTo([]byte{0}, path.Remote); err != nil {
				return fmt.Errorf("keepalive: %w", err)
			}
		}
	}
}
