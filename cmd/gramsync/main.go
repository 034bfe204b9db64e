package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mtarnawa/gramsync/internal/config"
	"github.com/mtarnawa/gramsync/internal/logging"
	"github.com/mtarnawa/gramsync/internal/session"
	"github.com/mtarnawa/gramsync/internal/transport"
	"github.com/mtarnawa/gramsync/updates"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("gramsync starting",
		slog.String("version", Version),
		slog.String("host", cfg.Host),
		slog.Bool("catch_up", cfg.CatchUp),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionPath := cfg.SessionPath
	if sessionPath == "" {
		sessionPath, err = session.DefaultPath()
		if err != nil {
			return err
		}
	}

	store, err := session.Open(sessionPath)
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}
	defer store.Close()

	instanceID, err := store.InstanceID()
	if err != nil {
		return err
	}

	tc := transport.New(transport.Config{
		Host:   cfg.Host,
		Token:  cfg.Token,
		Device: cfg.Device + "/" + instanceID,
	}, logger)

	client, err := updates.New(updates.Config{
		RPC:    tc,
		Conn:   tc,
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	tc.SetEnvelopeHandler(client.HandleEnvelope)

	// Keep the daemon observable out of the box: every update is logged
	// at debug level through the catch-all matcher.
	client.AddEventHandler(func(ctx context.Context, ev updates.Event) error {
		raw, ok := ev.(*updates.RawEvent)
		if !ok {
			return nil
		}
		logger.Debug("update", slog.String("kind", raw.Update.Kind))

		return nil
	}, nil)

	if err := tc.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer tc.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return tc.Run(gctx)
	})

	if cfg.CatchUp {
		if err := client.CatchUp(gctx); err != nil {
			if errors.Is(err, updates.ErrDifferenceTooLong) {
				logger.Warn("catch-up gap too large, continuing with live updates only")
			} else {
				stop()
				_ = g.Wait()

				return fmt.Errorf("catching up: %w", err)
			}
		}
	}

	g.Go(func() error {
		return client.KeepAlive(gctx)
	})

	err = g.Wait()

	if cerr := client.Close(); cerr != nil {
		logger.Warn("closing update client", slog.String("error", cerr.Error()))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("gramsync stopped")

	return nil
}
