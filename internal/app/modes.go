package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/alanyoungcy/triarb/internal/server"
	"github.com/alanyoungcy/triarb/internal/server/handler"
)

// lockKey names the single-engine lease. One engine per account may trade.
const lockKey = "engine"

// EngineMode runs the streams, the analysis cycle, the coordinator's
// maintenance loop and the API server. In scan mode the engine validates
// chosen opportunities with test orders instead of trading them.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	if deps.Lock != nil {
		unlock, err := deps.Lock.Acquire(ctx, lockKey, a.cfg.Engine.LockTTL.Duration)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return fmt.Errorf("app: another engine holds the lease: %w", err)
			}
			return fmt.Errorf("app: engine lease: %w", err)
		}
		a.closers = append(a.closers, unlock)
	}

	deps.Client.Probe(ctx)
	if err := deps.Client.SyncTime(ctx); err != nil {
		a.logger.WarnContext(ctx, "initial time sync failed", slog.String("error", err.Error()))
	}

	// Recorded before the stream connects and sent on every (re)connect.
	if err := deps.Market.SubscribeTickers(ctx); err != nil {
		return fmt.Errorf("app: subscribe tickers: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(deps.Market.Run(gctx)) })
	if deps.User != nil {
		g.Go(func() error { return ignoreCancel(deps.User.Run(gctx)) })
	}
	g.Go(func() error { return ignoreCancel(deps.Hub.Run(gctx)) })
	g.Go(func() error {
		return ignoreCancel(deps.Coordinator.Run(gctx, a.cfg.Engine.ShutdownGrace.Duration))
	})
	g.Go(func() error { return ignoreCancel(deps.Engine.Run(gctx)) })

	a.startServer(gctx, g, deps)
	return g.Wait()
}

// MonitorMode runs the public streams and the API server without the
// analysis cycle or any signed calls.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	deps.Client.Probe(ctx)

	if err := deps.Market.SubscribeTickers(ctx); err != nil {
		return fmt.Errorf("app: subscribe tickers: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(deps.Market.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(deps.Hub.Run(gctx)) })
	a.startServer(gctx, g, deps)
	return g.Wait()
}

// startServer adds the API server to g when enabled. It shuts down when ctx
// is cancelled.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		return
	}

	status := handler.NewStatusHandler(a.cfg.Mode, deps.Engine)
	status.Section("endpoints", func() any { return deps.Client.Endpoints() })
	status.Section("used_weight", func() any { return deps.Client.UsedWeight() })
	status.Section("subscriptions", func() any { return deps.Books.Subscribed() })
	status.Section("reserved_assets", func() any { return deps.Coordinator.Reservations().Held() })
	status.Section("market", func() any { return deps.Risk.Stats() })
	status.Section("tickers", func() any { return deps.Tickers.Len() })
	status.Section("stream_dropped", func() any { return deps.Market.Dropped() })

	checks := map[string]handler.Check{
		"market_stream": func(context.Context) error {
			if !deps.Market.Alive() {
				return errors.New("market stream disconnected")
			}
			return nil
		},
	}
	if deps.User != nil {
		checks["user_stream"] = func(context.Context) error {
			if !deps.User.Alive() {
				return errors.New("user stream disconnected")
			}
			return nil
		}
	}
	if deps.Redis != nil {
		checks["redis"] = deps.Redis.Ping
	}

	var history handler.History = deps.Hub
	if deps.Bus != nil {
		history = deps.Bus.History(a.cfg.Redis.SummaryStream)
	}

	h := server.Handlers{
		Health: handler.NewHealthHandler(checks),
		Status: status,
		Cycles: handler.NewCyclesHandler(history, a.logger),
		Hub:    deps.Hub,
	}
	if deps.Metrics != nil {
		h.Metrics = deps.Metrics.Handler()
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, h, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
