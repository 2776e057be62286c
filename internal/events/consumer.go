package events

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/parcelchain/custodia/internal/config"
	"github.com/parcelchain/custodia/internal/ledger"
	"github.com/parcelchain/custodia/internal/middleware"
)

// Consumer subscribes to committed chaincode events under the service
// identity and pushes decoded notifications into the hub. It reconnects
// with exponential backoff when the event stream drops.
type Consumer struct {
	client  ledger.Client
	hub     *Hub
	cfg     config.EventsConfig
	log     *slog.Logger
	healthy atomic.Bool
}

// NewConsumer creates the event consumer. The client must be connected as
// the service identity; ordinary user identities only see the events their
// own transactions emit.
func NewConsumer(client ledger.Client, hub *Hub, cfg config.EventsConfig, log *slog.Logger) *Consumer {
	return &Consumer{client: client, hub: hub, cfg: cfg, log: log}
}

// Healthy reports whether the consumer currently holds a live event
// subscription. Wired into the readiness probe.
func (c *Consumer) Healthy() bool {
	return c.healthy.Load()
}

// Run consumes events until ctx is cancelled or the reconnect budget is
// exhausted. Blocks; callers run it in a goroutine.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectBackoff
	attempts := 0

	for {
		events, err := c.client.SubscribeEvents(ctx)
		if err != nil {
			c.setHealthy(false)
			attempts++
			if c.cfg.MaxReconnects > 0 && attempts > c.cfg.MaxReconnects {
				c.log.Error("event subscription reconnect budget exhausted", "attempts", attempts-1)
				return err
			}
			c.log.Warn("event subscription failed, retrying",
				"attempt", attempts, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.cfg.MaxBackoff {
				backoff = c.cfg.MaxBackoff
			}
			continue
		}

		c.setHealthy(true)
		attempts = 0
		backoff = c.cfg.ReconnectBackoff
		c.log.Info("chaincode event subscription established")

		if err := c.pump(ctx, events); err != nil {
			c.setHealthy(false)
			return err
		}
		c.setHealthy(false)
		c.log.Warn("chaincode event stream closed, resubscribing")
	}
}

// pump drains one subscription. Returns non-nil only on ctx cancellation;
// a closed channel means the stream dropped and the caller resubscribes.
func (c *Consumer) pump(ctx context.Context, events <-chan ledger.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			n, err := Decode(ev)
			if err != nil {
				c.log.Warn("skipping undecodable chaincode event",
					"event", ev.Name, "tx_id", ev.TxID, "error", err)
				continue
			}
			c.log.Debug("broadcasting chaincode event",
				"type", n.Type, "delivery_id", n.DeliveryID, "block", ev.BlockNumber)
			c.hub.Broadcast(n)
		}
	}
}

func (c *Consumer) setHealthy(up bool) {
	c.healthy.Store(up)
	if up {
		middleware.EventConsumerUp.Set(1)
	} else {
		middleware.EventConsumerUp.Set(0)
	}
}
