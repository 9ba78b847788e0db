package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/triarb/internal/crypto"
	"github.com/alanyoungcy/triarb/internal/domain"
)

// OrderHandler receives execution reports.
type OrderHandler func(domain.OrderReport)

// AccountHandler receives the free balances of assets whose balance changed.
type AccountHandler func(map[domain.Asset]decimal.Decimal)

// UserStream is the account event stream on the websocket API. It signs a
// subscription request on every connect, so there is no listen key to keep
// alive.
type UserStream struct {
	conn   *conn
	signer *crypto.Signer
	now    func() time.Time

	pendingID  atomic.Value // string
	subscribed atomic.Bool

	onOrder   OrderHandler
	onAccount AccountHandler
}

// NewUserStream returns a user-data stream. now should be the REST client's
// server-corrected clock.
func NewUserStream(cfg StreamConfig, signer *crypto.Signer, now func() time.Time, logger *slog.Logger) *UserStream {
	cfg.DropWhenFull = false
	if now == nil {
		now = time.Now
	}
	u := &UserStream{
		conn:   newConn("user", cfg, logger),
		signer: signer,
		now:    now,
	}
	u.pendingID.Store("")
	u.conn.onConnect = u.subscribe
	return u
}

// SetObserver installs an event observer. It must be called before Run.
func (u *UserStream) SetObserver(o Observer) {
	if o != nil {
		u.conn.observer = o
	}
}

// OnOrder registers the execution report handler. It must be called before Run.
func (u *UserStream) OnOrder(h OrderHandler) { u.onOrder = h }

// OnAccount registers the balance handler. It must be called before Run.
func (u *UserStream) OnAccount(h AccountHandler) { u.onAccount = h }

// Alive reports whether the connection is up and the subscription was
// acknowledged.
func (u *UserStream) Alive() bool { return u.conn.Alive() && u.subscribed.Load() }

func (u *UserStream) subscribe(ctx context.Context) error {
	u.subscribed.Store(false)
	id := uuid.NewString()
	u.pendingID.Store(id)

	params := map[string]any{}
	u.signer.SignParams(params, u.now())
	return u.conn.writeJSON(map[string]any{
		"id":     id,
		"method": "userDataStream.subscribe.signature",
		"params": params,
	})
}

// Run connects and dispatches events until ctx is cancelled.
func (u *UserStream) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return u.conn.run(ctx) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg := <-u.conn.queue:
				if err := u.dispatch(ctx, msg); err != nil {
					u.conn.logger.Warn("user stream message", slog.String("error", err.Error()))
				}
			}
		}
	})
	return g.Wait()
}

func (u *UserStream) dispatch(ctx context.Context, raw []byte) error {
	var env userEventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Event) == 0 {
		return u.handleResponse(raw)
	}

	var head userEventHeader
	if err := json.Unmarshal(env.Event, &head); err != nil {
		return fmt.Errorf("decode event header: %w", err)
	}

	switch head.Type {
	case "executionReport":
		var ev executionReport
		if err := json.Unmarshal(env.Event, &ev); err != nil {
			return fmt.Errorf("decode execution report: %w", err)
		}
		if u.onOrder != nil {
			u.onOrder(ev.toDomain())
		}
	case "outboundAccountPosition":
		var ev accountPosition
		if err := json.Unmarshal(env.Event, &ev); err != nil {
			return fmt.Errorf("decode account position: %w", err)
		}
		if u.onAccount != nil {
			balances := make(map[domain.Asset]decimal.Decimal, len(ev.Balances))
			for _, b := range ev.Balances {
				balances[domain.Asset(b.Asset)] = b.Free
			}
			u.onAccount(balances)
		}
	case "eventStreamTerminated":
		u.conn.logger.Warn("user stream terminated by server, resubscribing")
		return u.subscribe(ctx)
	}
	return nil
}

func (u *UserStream) handleResponse(raw []byte) error {
	var resp wsAPIResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.ID == "" || resp.ID != u.pendingID.Load().(string) {
		return nil
	}
	if resp.Status != 200 {
		err := &domain.ExchangeError{Status: resp.Status}
		if resp.Error != nil {
			err.Code, err.Msg = resp.Error.Code, resp.Error.Msg
		}
		return fmt.Errorf("user stream subscribe: %w", err)
	}
	u.subscribed.Store(true)
	u.conn.logger.Info("user stream subscribed")
	return nil
}
