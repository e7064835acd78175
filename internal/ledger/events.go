package ledger

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mutua/hourledger/internal/domain"
	"github.com/mutua/hourledger/pkg/logger"
)

// Handler signatures for the ledger event bus. Handlers run on their
// own goroutine; an error (or panic) in a handler is routed to the
// error handlers instead of crashing the process.
type (
	TransferHandler     func(c *Currency, t domain.Transfer) error
	HourTradeHandler    func(c *Currency, externalHour domain.Asset) error
	OfferUpdateHandler  func(c *Currency, o OfferUpdate) error
	StateHandler        func(c *Currency, s domain.CurrencyState) error
	ErrorHandler        func(err error)
)

// OfferUpdate describes a created or resized external offer.
type OfferUpdate struct {
	Selling domain.Asset
	Buying  domain.Asset
	Amount  string
	Created bool
}

// Bus is the process-wide event bus of a ledger facade.
type Bus struct {
	mu sync.RWMutex
	wg sync.WaitGroup

	closed bool

	transfer     []TransferHandler
	incoming     []TransferHandler
	outgoing     []TransferHandler
	hourTrade    []HourTradeHandler
	offerUpdated []OfferUpdateHandler
	state        []StateHandler
	errs         []ErrorHandler

	log *logrus.Entry
}

func newBus() *Bus {
	return &Bus{log: logger.WithField("component", "events")}
}

// OnTransfer registers a handler for local payments made through this
// engine.
func (b *Bus) OnTransfer(h TransferHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transfer = append(b.transfer, h)
}

// OnIncomingTransfer registers a handler for external payments received
// by the currency.
func (b *Bus) OnIncomingTransfer(h TransferHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.incoming = append(b.incoming, h)
}

// OnOutgoingTransfer registers a handler for external payments sent
// from the currency.
func (b *Bus) OnOutgoingTransfer(h TransferHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outgoing = append(b.outgoing, h)
}

// OnIncomingHourTrade registers the handler that keeps bridge offers
// funded. Exactly one such handler is expected;
// DefaultIncomingHourTradeHandler is a reusable implementation.
func (b *Bus) OnIncomingHourTrade(h HourTradeHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hourTrade = append(b.hourTrade, h)
}

// OnExternalOfferUpdated registers a handler called after an external
// offer is created or resized.
func (b *Bus) OnExternalOfferUpdated(h OfferUpdateHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offerUpdated = append(b.offerUpdated, h)
}

// OnStateUpdated registers the persistence callback for currency state
// checkpoints. The caller must store the state durably before the next
// restart.
func (b *Bus) OnStateUpdated(h StateHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = append(b.state, h)
}

// OnError registers a handler for errors raised by other handlers or by
// the trade streams.
func (b *Bus) OnError(h ErrorHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs = append(b.errs, h)
}

// close detaches all handlers and waits for in-flight dispatches.
func (b *Bus) close() {
	b.mu.Lock()
	b.closed = true
	b.transfer, b.incoming, b.outgoing = nil, nil, nil
	b.hourTrade, b.offerUpdated, b.state, b.errs = nil, nil, nil, nil
	b.mu.Unlock()
	b.wg.Wait()
}

// dispatch runs fn asynchronously, converting errors and panics into
// error events. The wg.Add happens under the lock close() takes to
// flip closed, so an Add either precedes close's Wait or observes
// closed and is skipped.
func (b *Bus) dispatch(event string, fn func() error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	id := uuid.NewString()
	b.wg.Add(1)
	b.mu.RUnlock()
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.emitError(errors.Errorf("panic in %s handler (event %s): %v", event, id, r))
			}
		}()
		if err := fn(); err != nil {
			b.emitError(errors.Wrapf(err, "%s handler failed (event %s)", event, id))
		}
	}()
}

func (b *Bus) emitTransfer(kind string, c *Currency, t domain.Transfer) {
	b.mu.RLock()
	var handlers []TransferHandler
	switch kind {
	case "transfer":
		handlers = append(handlers, b.transfer...)
	case "incomingTransfer":
		handlers = append(handlers, b.incoming...)
	case "outgoingTransfer":
		handlers = append(handlers, b.outgoing...)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h := h
		b.dispatch(kind, func() error { return h(c, t) })
	}
}

func (b *Bus) emitIncomingHourTrade(c *Currency, externalHour domain.Asset) {
	b.mu.RLock()
	handlers := append([]HourTradeHandler(nil), b.hourTrade...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h := h
		b.dispatch("incomingHourTrade", func() error { return h(c, externalHour) })
	}
}

func (b *Bus) emitExternalOfferUpdated(c *Currency, o OfferUpdate) {
	b.mu.RLock()
	handlers := append([]OfferUpdateHandler(nil), b.offerUpdated...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h := h
		b.dispatch("externalOfferUpdated", func() error { return h(c, o) })
	}
}

func (b *Bus) emitStateUpdated(c *Currency, s domain.CurrencyState) {
	b.mu.RLock()
	handlers := append([]StateHandler(nil), b.state...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h := h
		b.dispatch("stateUpdated", func() error { return h(c, s) })
	}
}

func (b *Bus) emitError(err error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := append([]ErrorHandler(nil), b.errs...)
	b.wg.Add(len(handlers))
	b.mu.RUnlock()
	if len(handlers) == 0 {
		b.log.WithError(err).Error("unhandled ledger error")
		return
	}
	for _, h := range handlers {
		h := h
		go func() {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.log.WithField("panic", r).Error("panic in error handler")
				}
			}()
			h(err)
		}()
	}
}
