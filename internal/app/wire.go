package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/triarb/internal/book"
	"github.com/alanyoungcy/triarb/internal/cache/redis"
	"github.com/alanyoungcy/triarb/internal/config"
	"github.com/alanyoungcy/triarb/internal/crypto"
	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/alanyoungcy/triarb/internal/engine"
	"github.com/alanyoungcy/triarb/internal/executor"
	"github.com/alanyoungcy/triarb/internal/graph"
	"github.com/alanyoungcy/triarb/internal/metrics"
	"github.com/alanyoungcy/triarb/internal/notify"
	"github.com/alanyoungcy/triarb/internal/platform/binance"
	"github.com/alanyoungcy/triarb/internal/risk"
	"github.com/alanyoungcy/triarb/internal/search"
	"github.com/alanyoungcy/triarb/internal/server/ws"
)

// Dependencies bundles everything the modes start. Wire builds it; the
// returned cleanup releases it.
type Dependencies struct {
	Client      *binance.Client
	Market      *binance.MarketStream
	User        *binance.UserStream // nil without credentials
	Books       *book.Cache
	Tickers     *book.TickerBoard
	Risk        *risk.Manager
	Coordinator *executor.Coordinator
	Engine      *engine.Engine

	Metrics  *metrics.Metrics // nil when disabled
	Hub      *ws.Hub
	Redis    *redis.Client // nil when disabled
	Bus      *redis.SummaryBus
	Lock     domain.LockManager
	Notifier *notify.Notifier
}

// Wire builds the dependency graph for cfg.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	deps := &Dependencies{}
	ex := cfg.Exchange

	// --- Exchange ---
	secret := ""
	if cfg.NeedsCredentials() {
		s, err := crypto.LoadSecret(crypto.SecretConfig{
			RawSecret:           ex.APISecret,
			EncryptedSecretPath: ex.EncryptedSecretPath,
			Password:            ex.SecretPassword,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("wire: %w: %w", domain.ErrFatalConfiguration, err)
		}
		secret = s
	}
	backoff := binance.Backoff{
		Base:   ex.BackoffBase.Duration,
		Max:    ex.BackoffMax.Duration,
		Factor: 2,
		Jitter: 0.2,
	}
	client, err := binance.NewClient(binance.Config{
		Endpoints:           ex.Endpoints,
		APIKey:              ex.APIKey,
		Secret:              secret,
		RecvWindow:          ex.RecvWindow.Duration,
		RequestTimeout:      ex.RequestTimeout.Duration,
		SlowCallThreshold:   ex.SlowCallThreshold.Duration,
		MaxEndpointSwitches: ex.MaxEndpointSwitches,
		EndpointCooldown:    ex.EndpointCooldown.Duration,
		WeightLimit:         ex.WeightLimit,
		WeightSoftLimit:     ex.WeightSoftLimit,
		MaxRateLimitRetries: ex.MaxRateLimitRetries,
		Backoff:             backoff,
		OrdersPerSecond:     ex.OrdersPerSecond,
		OrderBurst:          ex.OrderBurst,
		DefaultTakerFee:     ex.DefaultTakerFee,
		FeeOverrides:        ex.FeeOverrides,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: exchange client: %w", err)
	}
	deps.Client = client

	deps.Market = binance.NewMarketStream(binance.StreamConfig{
		URL:       ex.StreamURL,
		QueueSize: ex.StreamQueueSize,
		Backoff:   backoff,
	}, ex.DepthLevel, ex.DepthSpeed.Duration, logger)
	if cfg.NeedsCredentials() {
		deps.User = binance.NewUserStream(binance.StreamConfig{
			URL:       ex.WSAPIURL,
			QueueSize: ex.StreamQueueSize,
			Backoff:   backoff,
		}, client.Signer(), client.Now, logger)
	}

	// --- Observability ---
	if cfg.Server.Metrics {
		deps.Metrics = metrics.New()
		client.SetObserver(deps.Metrics)
		deps.Market.SetObserver(deps.Metrics)
		if deps.User != nil {
			deps.User.SetObserver(deps.Metrics)
		}
	}
	deps.Hub = ws.NewHub(200, logger)

	// --- Redis ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = rc.Close() })
		deps.Redis = rc
		deps.Bus = redis.NewSummaryBus(rc, cfg.Redis.StreamMaxLen)
		deps.Lock = redis.NewLockManager(rc, logger)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Engine ---
	deps.Books = book.NewCache(deps.Market, cfg.Engine.EvictionWindow.Duration, logger)
	deps.Tickers = book.NewTickerBoard()
	deps.Risk = risk.NewManager(risk.Config{
		HalfLife:          cfg.Risk.HalfLife.Duration,
		VolatilityAnchor:  cfg.Risk.VolatilityAnchor,
		VolumeAnchor:      cfg.Risk.VolumeAnchor,
		MaxSpread:         cfg.Risk.MaxSpread,
		MaxMultiplier:     cfg.Risk.MaxMultiplier,
		MinProfit:         cfg.Search.MinProfit,
		MaxProfit:         cfg.Search.MaxProfit,
		MinDepth:          cfg.Search.MinDepth,
		MaxDepth:          cfg.Search.MaxDepth,
		SlippageBufferBps: cfg.Search.SlippageBufferBps,
	}, logger)

	var liveness domain.StreamLiveness
	if deps.User != nil {
		liveness = deps.User
	}
	deps.Coordinator = executor.NewCoordinator(client, liveness, executor.Config{
		FillTimeout:    cfg.Execution.FillTimeout.Duration,
		PollInterval:   cfg.Execution.PollInterval.Duration,
		StalenessBound: cfg.Engine.StalenessBound.Duration,
		DedupTTL:       cfg.Execution.DedupTTL.Duration,
	}, logger)
	if deps.Metrics != nil {
		deps.Coordinator.OnTransition(deps.Metrics.Transition)
	}

	sinks := []engine.Sink{deps.Hub, notify.NewCycleAlerts(deps.Notifier)}
	if deps.Metrics != nil {
		sinks = append(sinks, deps.Metrics)
	}
	if deps.Bus != nil {
		sinks = append(sinks, redis.NewSummarySink(deps.Bus, cfg.Redis.SummaryChannel, cfg.Redis.SummaryStream))
	}

	deps.Engine = engine.New(engine.Config{
		CycleInterval:           cfg.Engine.CycleInterval.Duration,
		GraphRebuildInterval:    cfg.Engine.GraphRebuildInterval.Duration,
		MaxDepthSubscriptions:   cfg.Engine.MaxDepthSubscriptions,
		MaxConcurrentExecutions: cfg.Engine.MaxConcurrentExecutions,
		TopVolumeAssets:         cfg.Engine.TopVolumeAssets,
		ReferenceAsset:          domain.Asset(strings.ToUpper(cfg.Engine.ReferenceAsset)),
		MaxTradeNotional:        cfg.Engine.MaxTradeNotional,
		MinTradeNotional:        cfg.Engine.MinTradeNotional,
		MinDepth:                cfg.Search.MinDepth,
		MaxResults:              cfg.Search.MaxResults,
		DiscoveryMargin:         cfg.Search.DiscoveryMargin,
		DryRun:                  strings.EqualFold(cfg.Mode, "scan"),
	}, engine.Deps{
		Exchange:      client,
		Books:         deps.Books,
		Tickers:       deps.Tickers,
		Graphs:        graph.NewHolder(),
		Searcher:      search.New(logger),
		Risk:          deps.Risk,
		Coordinator:   deps.Coordinator,
		BalanceStream: liveness,
		Sinks:         sinks,
	}, logger)

	// Stream callbacks: depth and tickers feed the caches; execution reports
	// feed the coordinator and account updates the balance view.
	deps.Market.OnDepth(func(s domain.OrderBookSnapshot) { deps.Books.Update(s) })
	deps.Market.OnTickers(deps.Tickers.Update)
	if deps.User != nil {
		deps.User.OnOrder(deps.Coordinator.Tracker().Deliver)
		deps.User.OnAccount(deps.Engine.Balances().Apply)
	}

	return deps, cleanup, nil
}
