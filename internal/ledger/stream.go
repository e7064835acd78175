package ledger

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/mutua/hourledger/internal/domain"
	"github.com/mutua/hourledger/internal/horizon"
)

var (
	// Minimum spacing between stream attempts, measured from the start
	// of the previous attempt.
	streamRetrySpacing = 5 * time.Second
	// A connection is proactively recycled after this long, bounding how
	// long a single stream is trusted.
	streamRecycleAfter = 5 * time.Minute
)

// StartStream opens the currency's trade-event stream and keeps it
// alive until StopStream or ctx cancellation. At most one stream runs
// per currency.
func (c *Currency) StartStream(ctx context.Context) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if c.streamCancel != nil {
		return
	}
	streamCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.streamCancel = cancel
	c.streamDone = done
	go func() {
		defer close(done)
		c.runTradeStream(streamCtx)
	}()
}

// StopStream closes the trade stream and waits for it to wind down.
// Idempotent.
func (c *Currency) StopStream() {
	c.streamMu.Lock()
	cancel, done := c.streamCancel, c.streamDone
	c.streamCancel, c.streamDone = nil, nil
	c.streamMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Currency) runTradeStream(ctx context.Context) {
	for {
		start := time.Now()
		if err := c.streamAttempt(ctx); err != nil {
			c.ledger.bus.emitError(errors.Wrapf(err, "trade stream for currency %s", c.config.Code))
		}
		if ctx.Err() != nil {
			return
		}
		if wait := streamRetrySpacing - time.Since(start); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}

// streamAttempt runs one connection: open from the last cursor, deliver
// trades until an error or the recycle timeout. The cursor is advanced
// and persisted after every trade whether or not its handler succeeded;
// re-delivery after a crash in between is tolerated by the handlers.
func (c *Currency) streamAttempt(ctx context.Context) error {
	attemptCtx, cancel := context.WithTimeout(ctx, streamRecycleAfter)
	defer cancel()

	stream, err := c.ledger.backend.OpenTradeStream(attemptCtx, c.data.ExternalTraderPublicKey, c.cursor())
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		trade, err := stream.Recv()
		if err != nil {
			if attemptCtx.Err() != nil {
				// Shutdown or planned recycle, not a stream failure.
				return nil
			}
			return err
		}
		if err := c.handleTrade(attemptCtx, trade); err != nil {
			c.ledger.bus.emitError(errors.Wrapf(err, "handling trade %s for currency %s", trade.ID, c.config.Code))
		}
		c.setCursor(trade.PagingToken)
	}
}

func (c *Currency) cursor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.ExternalTradesStreamCursor
}

// setCursor checkpoints the stream position and hands the new state to
// the persistence callback.
func (c *Currency) setCursor(token string) {
	c.mu.Lock()
	c.state.ExternalTradesStreamCursor = token
	state := c.state
	c.mu.Unlock()
	c.ledger.bus.emitStateUpdated(c, state)
}

// handleTrade classifies a trade on the bridge trader account. Every
// trade involves either the local asset, this currency's own hours or a
// foreign currency's hours; any other pairing violates the bridge
// protocol and is an internal error.
func (c *Currency) handleTrade(ctx context.Context, trade *horizon.Trade) error {
	base := trade.BaseAsset()
	counter := trade.CounterAsset()
	hour := c.Hour()
	local := c.Asset()

	switch {
	case trade.BaseIsSeller && base.Equals(hour) && counter.IsHour():
		// Sold own hours for foreign hours: the trader's foreign-hour
		// balance grew and its offer must be re-sized.
		c.ledger.bus.emitIncomingHourTrade(c, counter)
	case !trade.BaseIsSeller && base.IsHour() && counter.Equals(hour):
		c.ledger.bus.emitIncomingHourTrade(c, base)
	case base.Equals(local) && counter.Equals(hour):
		transfer, err := c.tradeTransfer(ctx, trade)
		if err != nil {
			return err
		}
		if trade.BaseIsSeller {
			// Local asset sold for own hours: someone outside paid in.
			c.ledger.bus.emitTransfer("incomingTransfer", c, transfer)
		} else {
			c.ledger.bus.emitTransfer("outgoingTransfer", c, transfer)
		}
	case base.Equals(hour) && counter.Equals(local):
		transfer, err := c.tradeTransfer(ctx, trade)
		if err != nil {
			return err
		}
		if trade.BaseIsSeller {
			c.ledger.bus.emitTransfer("outgoingTransfer", c, transfer)
		} else {
			c.ledger.bus.emitTransfer("incomingTransfer", c, transfer)
		}
	default:
		return domain.Internalf("unexpected trade %s between %s and %s", trade.ID, base.String(), counter.String())
	}
	return nil
}

// tradeTransfer resolves the path payment behind a trade into a
// transfer record.
func (c *Currency) tradeTransfer(ctx context.Context, trade *horizon.Trade) (domain.Transfer, error) {
	op, err := c.ledger.backend.Operation(ctx, trade.OperationID)
	if err != nil {
		return domain.Transfer{}, err
	}
	if op.Type == horizon.OpRecordPathPayment {
		return pathPaymentTransfer(op).Transfer, nil
	}
	return paymentTransfer(op), nil
}
