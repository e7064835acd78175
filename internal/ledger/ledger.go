// Package ledger is the orchestration engine: it turns currency,
// account and payment operations into signed multi-operation
// transactions on a distributed ledger network, keeps the bridge
// accounts that make cross-currency settlement possible funded, and
// classifies streamed trade events into business events.
//
// No type in this package stores a private key beyond the lifetime of a
// single call; keys are passed per operation and dropped.
package ledger

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mutua/hourledger/internal/domain"
	"github.com/mutua/hourledger/internal/horizon"
	"github.com/mutua/hourledger/pkg/keypair"
	"github.com/mutua/hourledger/pkg/logger"
)

// Backend is the slice of the network API the engine consumes. It is
// implemented by *horizon.Client; tests substitute a mock.
type Backend interface {
	LoadAccount(ctx context.Context, id string) (*horizon.Account, error)
	SubmitTransaction(ctx context.Context, tx *horizon.Transaction) (*horizon.TxResult, error)
	Offers(ctx context.Context, seller string, selling, buying *domain.Asset, limit int) ([]horizon.Offer, error)
	StrictReceivePaths(ctx context.Context, source, dest domain.Asset, destAmount string) ([]horizon.Path, error)
	TransactionOperations(ctx context.Context, hash string) ([]horizon.OperationRecord, error)
	Operation(ctx context.Context, id string) (*horizon.OperationRecord, error)
	Payments(ctx context.Context, account, cursor string, limit int) ([]horizon.OperationRecord, string, error)
	AccountsForAsset(ctx context.Context, asset domain.Asset, limit int) ([]horizon.Account, error)
	OpenTradeStream(ctx context.Context, account, cursor string) (horizon.StreamReader, error)
}

// Ledger is the top-level entry point. It creates and retrieves
// currency orchestrators and owns the process-wide event bus.
type Ledger struct {
	backend    Backend
	bus        *Bus
	homeDomain string

	mu         sync.Mutex
	currencies map[string]*Currency

	log *logrus.Entry
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithHomeDomain sets the home domain recorded on issuer accounts.
func WithHomeDomain(d string) Option {
	return func(l *Ledger) { l.homeDomain = d }
}

// New builds a ledger facade over the given network backend.
func New(backend Backend, opts ...Option) *Ledger {
	l := &Ledger{
		backend:    backend,
		bus:        newBus(),
		currencies: make(map[string]*Currency),
		log:        logger.WithField("component", "ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Events returns the event bus for handler registration.
func (l *Ledger) Events() *Bus { return l.bus }

// CreateCurrency generates the five currency keypairs, installs the
// currency's on-ledger infrastructure and returns the keys for the
// caller to persist. The engine keeps no copy of the private halves.
func (l *Ledger) CreateCurrency(ctx context.Context, config domain.CurrencyConfig, sponsor *keypair.Full) (*domain.CurrencyKeys, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	keys := &domain.CurrencyKeys{}
	for _, k := range []**keypair.Full{&keys.Issuer, &keys.Credit, &keys.Admin, &keys.ExternalIssuer, &keys.ExternalTrader} {
		kp, err := keypair.Random()
		if err != nil {
			return nil, err
		}
		*k = kp
	}

	currency, err := l.GetCurrency(config, keys.Data(), nil)
	if err != nil {
		return nil, err
	}
	if err := currency.Enable(ctx, EnableKeys{
		Sponsor:        sponsor,
		Issuer:         keys.Issuer,
		Credit:         keys.Credit,
		Admin:          keys.Admin,
		ExternalIssuer: keys.ExternalIssuer,
		ExternalTrader: keys.ExternalTrader,
	}); err != nil {
		return nil, err
	}
	l.log.WithFields(logrus.Fields{
		"code":   config.Code,
		"issuer": keys.Issuer.Address(),
	}).Info("created currency")
	return keys, nil
}

// GetCurrency constructs an orchestrator bound to existing on-ledger
// identities. It is pure: no network access. At most one orchestrator
// exists per issuer within a facade, so each account has a single
// sequence-number source of truth.
func (l *Ledger) GetCurrency(config domain.CurrencyConfig, data domain.CurrencyData, state *domain.CurrencyState) (*Currency, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.currencies[data.IssuerPublicKey]; ok {
		return c, nil
	}
	c := newCurrency(l, config, data, state)
	l.currencies[data.IssuerPublicKey] = c
	return c, nil
}

// Stop closes every currency's trade stream and detaches all event
// handlers. It is idempotent.
func (l *Ledger) Stop() {
	l.mu.Lock()
	currencies := make([]*Currency, 0, len(l.currencies))
	for _, c := range l.currencies {
		currencies = append(currencies, c)
	}
	l.mu.Unlock()
	for _, c := range currencies {
		c.StopStream()
	}
	l.bus.close()
}

// LoadAccount is the low-level account fetch primitive.
func (l *Ledger) LoadAccount(ctx context.Context, publicKey string) (*horizon.Account, error) {
	return l.backend.LoadAccount(ctx, publicKey)
}

// SubmitTransaction signs the built envelope with the given keys plus
// the sponsor (the fee source) and submits it in one network round
// trip. Multi-step business operations always arrive here as a single
// envelope so they apply atomically.
func (l *Ledger) SubmitTransaction(ctx context.Context, b *horizon.TxBuilder, signers []*keypair.Full, sponsor *keypair.Full) (*horizon.TxResult, error) {
	tx, err := b.Build(sponsor.Address())
	if err != nil {
		return nil, err
	}
	if err := tx.Sign(append(signers, sponsor)...); err != nil {
		return nil, err
	}
	result, err := l.backend.SubmitTransaction(ctx, tx)
	if err != nil {
		return nil, errors.Wrap(err, "submitting transaction")
	}
	return result, nil
}

// TraderKeyFunc resolves the sponsor and bridge trader keys of a
// currency when the default hour-trade handler needs to rebalance its
// offers. The engine never retains the returned keys.
type TraderKeyFunc func(c *Currency) (sponsor, externalTrader *keypair.Full, err error)

// DefaultIncomingHourTradeHandler returns the standard incomingHourTrade
// handler: after the bridge trader sells local hours for a foreign
// bridge asset, re-size the trader's offer selling that foreign asset
// so the order book matches actual liquidity.
func DefaultIncomingHourTradeHandler(keys TraderKeyFunc) HourTradeHandler {
	return func(c *Currency, externalHour domain.Asset) error {
		sponsor, trader, err := keys(c)
		if err != nil {
			return err
		}
		return c.UpdateExternalOffer(context.Background(), externalHour, OfferKeys{
			Sponsor:        sponsor,
			ExternalTrader: trader,
		}, "")
	}
}

// signerSet collects the exact keypairs a transaction variant needs,
// deduplicated by address, preserving insertion order.
type signerSet struct {
	order []*keypair.Full
	seen  map[string]struct{}
}

func newSignerSet() *signerSet {
	return &signerSet{seen: make(map[string]struct{})}
}

func (s *signerSet) add(k *keypair.Full) {
	if k == nil {
		return
	}
	addr := k.Address()
	if _, ok := s.seen[addr]; ok {
		return
	}
	s.seen[addr] = struct{}{}
	s.order = append(s.order, k)
}

func (s *signerSet) list() []*keypair.Full { return s.order }
