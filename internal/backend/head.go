package backend

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-go-utils/retry"
)

// LatestHeader returns the most recently polled header, or nil before the
// first poll.
func (c *Client) LatestHeader() (*types.Header, time.Time) {
	h := c.latestHeader.Load()
	at := c.timeReceivedLatestHeader.Load()
	if h == nil || at == nil {
		return nil, time.Time{}
	}
	return h, *at
}

// TrackHead fetches the latest header once, then keeps refreshing it every
// interval until ctx is done.
func (c *Client) TrackHead(ctx context.Context, interval time.Duration) error {
	if err := c.getLatestHeaderFromChain(ctx); err != nil {
		return err
	}
	go c.maintainLatestHeaderFromChain(ctx, interval)
	return nil
}

func (c *Client) maintainLatestHeaderFromChain(ctx context.Context, interval time.Duration) {
	cfg := retry.DefaultConfig()
	cfg.MaxDelayBeforeRetrying = interval
	cfg.InitialDelayBeforeRetrying = interval / 10

	timer := time.NewTimer(interval)
	defer timer.Stop()
	polls := 0
	for {
		timer.Reset(interval)
		select {
		case <-ctx.Done():
			log.Info("head tracker exiting", "polls", polls)
			return
		case <-timer.C:
			_, _ = retry.Retry(ctx, cfg,
				func(ctx context.Context) ([]interface{}, error) {
					polls++
					return nil, c.getLatestHeaderFromChain(ctx)
				},
				nil,
				"get latest header from chain")
		}
	}
}

func (c *Client) getLatestHeaderFromChain(ctx context.Context) error {
	header, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "Failed to get latest HeaderByNumber from chain")
	}
	now := time.Now().UTC()
	c.latestHeader.Store(header)
	c.timeReceivedLatestHeader.Store(&now)
	return nil
}
