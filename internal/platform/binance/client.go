// Package binance implements the exchange adapter for Binance spot: a REST
// client with endpoint failover, weight governance and rate-limit backoff,
// plus the market-data and user-data websocket streams.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/alanyoungcy/triarb/internal/crypto"
	"github.com/alanyoungcy/triarb/internal/domain"
)

const (
	headerAPIKey     = "X-MBX-APIKEY"
	headerUsedWeight = "X-MBX-USED-WEIGHT-1M"
	headerRetryAfter = "Retry-After"

	// defaultRecvWindow is what the exchange applies when none is sent.
	defaultRecvWindow = 5 * time.Second
	reconcilePoll     = 250 * time.Millisecond
	reconcileMargin   = 100 * time.Millisecond
)

// Config holds the REST client settings.
type Config struct {
	Endpoints           []string
	APIKey              string
	Secret              string
	RecvWindow          time.Duration
	RequestTimeout      time.Duration
	SlowCallThreshold   time.Duration
	MaxEndpointSwitches int
	EndpointCooldown    time.Duration
	WeightLimit         int
	WeightSoftLimit     float64
	MaxRateLimitRetries int
	Backoff             Backoff
	OrdersPerSecond     float64
	OrderBurst          int
	DefaultTakerFee     float64
	FeeOverrides        map[string]float64
}

// Observer receives connectivity events, typically to feed metrics.
type Observer interface {
	RequestDone(endpoint, path string, status int, d time.Duration)
	Failover(from string)
	RateLimited(delay time.Duration)
	WeightUsed(used int)
	StreamReconnect(stream string)
}

type nopObserver struct{}

func (nopObserver) RequestDone(string, string, int, time.Duration) {}
func (nopObserver) Failover(string)                                {}
func (nopObserver) RateLimited(time.Duration)                      {}
func (nopObserver) WeightUsed(int)                                 {}
func (nopObserver) StreamReconnect(string)                         {}

// Client is the resilient Binance REST client. It is safe for concurrent
// use and implements domain.Exchange.
type Client struct {
	cfg      Config
	http     *resty.Client
	signer   *crypto.Signer
	pool     *EndpointPool
	governor *WeightGovernor
	backoff  Backoff
	logger   *slog.Logger
	observer Observer

	// offset is server time minus local time, in milliseconds.
	offset atomic.Int64

	sleep func(context.Context, time.Duration) error
}

// NewClient builds a client. The endpoint list must not be empty.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("binance: %w: no REST endpoints configured", domain.ErrFatalConfiguration)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.MaxEndpointSwitches < 0 {
		cfg.MaxEndpointSwitches = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := resty.New().
		SetTimeout(cfg.RequestTimeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/x-www-form-urlencoded")

	return &Client{
		cfg:      cfg,
		http:     httpClient,
		signer:   crypto.NewSigner(cfg.APIKey, cfg.Secret),
		pool:     NewEndpointPool(cfg.Endpoints, cfg.EndpointCooldown),
		governor: NewWeightGovernor(cfg.WeightLimit, cfg.WeightSoftLimit, cfg.OrdersPerSecond, cfg.OrderBurst),
		backoff:  cfg.Backoff,
		logger:   logger.With(slog.String("component", "binance")),
		observer: nopObserver{},
		sleep:    sleepCtx,
	}, nil
}

// SetObserver installs an event observer. It must be called before use.
func (c *Client) SetObserver(o Observer) {
	if o != nil {
		c.observer = o
	}
}

// Endpoints returns the current endpoint health table.
func (c *Client) Endpoints() []EndpointStat { return c.pool.Stats() }

// UsedWeight returns the request weight spent in the current minute.
func (c *Client) UsedWeight() int { return c.governor.Used() }

// Now returns local time corrected by the measured server offset.
func (c *Client) Now() time.Time {
	return time.Now().Add(time.Duration(c.offset.Load()) * time.Millisecond)
}

// Signer exposes the request signer for the user-data stream.
func (c *Client) Signer() *crypto.Signer { return c.signer }

// request describes one REST call.
type request struct {
	method string
	path   string
	params url.Values
	weight int
	signed bool
	// critical calls may use the whole weight budget.
	critical bool
	// idempotent calls are retried on another endpoint after a
	// connectivity failure.
	idempotent bool
	// primaryOnly calls are only served by the first configured endpoint.
	primaryOnly bool
}

// do executes req with endpoint failover, weight governance, rate-limit
// backoff and one timestamp resync. On success the body is decoded into out
// when out is non-nil.
func (c *Client) do(ctx context.Context, req request, out any) error {
	tried := make(map[string]bool)
	switches := 0
	rateLimited := 0
	resynced := false

	for {
		endpoint := c.pick(req, tried)
		if err := c.governor.Wait(ctx, req.weight, req.critical); err != nil {
			return fmt.Errorf("binance: %s %s: %w", req.method, req.path, err)
		}

		start := time.Now()
		resp, err := c.send(ctx, endpoint, req)
		elapsed := time.Since(start)

		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("binance: %s %s: %w", req.method, req.path, ctx.Err())
			}
			c.pool.ReportFailure(endpoint, elapsed)
			c.observer.RequestDone(endpoint, req.path, 0, elapsed)
			cerr := fmt.Errorf("binance: %s %s via %s: %w: %v", req.method, req.path, endpoint, domain.ErrConnectivity, err)
			if !c.canSwitch(req, switches) {
				return cerr
			}
			switches++
			tried[endpoint] = true
			c.observer.Failover(endpoint)
			c.logger.Warn("endpoint failed, switching",
				slog.String("endpoint", endpoint),
				slog.String("path", req.path),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
			continue
		}

		status := resp.StatusCode()
		c.observer.RequestDone(endpoint, req.path, status, elapsed)
		if used := resp.Header().Get(headerUsedWeight); used != "" {
			c.governor.Observe(used)
			c.observer.WeightUsed(c.governor.Used())
		}

		switch {
		case status == http.StatusTooManyRequests || status == http.StatusTeapot:
			c.pool.ReportSuccess(endpoint, elapsed)
			rateLimited++
			apiErr := c.apiError(resp)
			if rateLimited > c.cfg.MaxRateLimitRetries {
				return fmt.Errorf("binance: %s %s after %d rate-limited attempts: %w: %w",
					req.method, req.path, rateLimited, domain.ErrPermanentlyUnavailable, apiErr)
			}
			delay := c.rateLimitDelay(rateLimited, resp.Header().Get(headerRetryAfter))
			c.governor.Penalize(time.Now().Add(delay))
			c.observer.RateLimited(delay)
			c.logger.Warn("rate limited, backing off",
				slog.Int("status", status),
				slog.Int("attempt", rateLimited),
				slog.Duration("delay", delay),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return fmt.Errorf("binance: %s %s: %w", req.method, req.path, err)
			}

		case status >= http.StatusInternalServerError:
			c.pool.ReportFailure(endpoint, elapsed)
			apiErr := c.apiError(resp)
			if !c.canSwitch(req, switches) {
				return fmt.Errorf("binance: %s %s via %s: %w", req.method, req.path, endpoint, apiErr)
			}
			switches++
			tried[endpoint] = true
			c.observer.Failover(endpoint)
			c.logger.Warn("endpoint returned server error, switching",
				slog.String("endpoint", endpoint),
				slog.Int("status", status),
			)

		case status >= http.StatusBadRequest:
			c.pool.ReportSuccess(endpoint, elapsed)
			apiErr := c.apiError(resp)
			if errors.Is(apiErr, domain.ErrTimestampDrift) && req.signed && !resynced {
				resynced = true
				if err := c.SyncTime(ctx); err != nil {
					return fmt.Errorf("binance: %s %s: resync: %w", req.method, req.path, err)
				}
				continue
			}
			return fmt.Errorf("binance: %s %s: %w", req.method, req.path, apiErr)

		default:
			if c.cfg.SlowCallThreshold > 0 && elapsed > c.cfg.SlowCallThreshold {
				c.pool.ReportSlow(endpoint, elapsed)
			} else {
				c.pool.ReportSuccess(endpoint, elapsed)
			}
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("binance: decode %s: %w", req.path, err)
			}
			return nil
		}
	}
}

func (c *Client) canSwitch(req request, switches int) bool {
	return req.idempotent && !req.primaryOnly && switches < c.cfg.MaxEndpointSwitches
}

// pick returns the best endpoint not yet tried for this call. When every
// endpoint was tried the overall best is reused.
func (c *Client) pick(req request, tried map[string]bool) string {
	if req.primaryOnly {
		return c.cfg.Endpoints[0]
	}
	candidates := c.pool.Candidates()
	for _, u := range candidates {
		if !tried[u] {
			return u
		}
	}
	return candidates[0]
}

func (c *Client) send(ctx context.Context, endpoint string, req request) (*resty.Response, error) {
	params := url.Values{}
	for k, v := range req.params {
		params[k] = v
	}

	var query string
	if req.signed {
		query = c.signer.SignQuery(params, c.Now(), c.cfg.RecvWindow)
	} else {
		query = params.Encode()
	}

	target := endpoint + req.path
	if query != "" {
		target += "?" + query
	}

	r := c.http.R().SetContext(ctx)
	if c.cfg.APIKey != "" {
		r.SetHeader(headerAPIKey, c.cfg.APIKey)
	}
	return r.Execute(req.method, target)
}

func (c *Client) apiError(resp *resty.Response) *domain.ExchangeError {
	var body APIError
	_ = json.Unmarshal(resp.Body(), &body)
	if body.Msg == "" {
		body.Msg = http.StatusText(resp.StatusCode())
	}
	return &domain.ExchangeError{Status: resp.StatusCode(), Code: body.Code, Msg: body.Msg}
}

// rateLimitDelay is the backoff for the given attempt. A Retry-After hint
// is the floor the exponential term is added to, so delays keep growing
// when the server repeats the same hint. The result never exceeds the cap.
func (c *Client) rateLimitDelay(attempt int, retryAfter string) time.Duration {
	b := c.backoff.normalized()
	delay := b.Next(attempt)
	if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
		delay += time.Duration(secs) * time.Second
	}
	if delay > b.Max {
		delay = b.Max
	}
	return delay
}

// SyncTime measures the offset between local and server clocks.
func (c *Client) SyncTime(ctx context.Context) error {
	before := time.Now()
	var out serverTimeResponse
	err := c.do(ctx, request{
		method: http.MethodGet, path: "/api/v3/time",
		weight: 1, critical: true, idempotent: true,
	}, &out)
	if err != nil {
		return err
	}
	after := time.Now()
	local := before.Add(after.Sub(before) / 2)
	offset := out.ServerTime - local.UnixMilli()
	c.offset.Store(offset)
	c.logger.Debug("server time synced", slog.Int64("offset_ms", offset))
	return nil
}

// Probe pings every endpoint once and seeds the pool with the measured
// latencies, so the first real call goes to the fastest host.
func (c *Client) Probe(ctx context.Context) {
	for _, endpoint := range c.cfg.Endpoints {
		start := time.Now()
		resp, err := c.http.R().SetContext(ctx).Get(endpoint + "/api/v3/ping")
		elapsed := time.Since(start)
		ok := err == nil && resp.IsSuccess()
		c.pool.Seed(endpoint, elapsed, ok)
		c.logger.Debug("endpoint probed",
			slog.String("endpoint", endpoint),
			slog.Duration("latency", elapsed),
			slog.Bool("ok", ok),
		)
	}
	c.logger.Info("endpoint ranking", slog.Any("endpoints", c.pool.Candidates()))
}
