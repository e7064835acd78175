package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mutua/hourledger/internal/domain"
	"github.com/mutua/hourledger/internal/horizon"
	"github.com/mutua/hourledger/pkg/keypair"
	"github.com/mutua/hourledger/pkg/logger"
)

// creditStartingHours is the balance the credit account is funded to,
// in hours. Funding happens in multiples of this so sustained demand
// does not translate into one funding transaction per credit.
const creditStartingHours = "1000"

// Currency orchestrates one community currency: its on-ledger
// infrastructure, its member accounts and the bridge pair that makes
// cross-currency settlement possible.
type Currency struct {
	ledger *Ledger
	config domain.CurrencyConfig
	data   domain.CurrencyData

	mu       sync.Mutex
	state    domain.CurrencyState
	accounts map[string]*Account

	streamMu     sync.Mutex
	streamCancel context.CancelFunc
	streamDone   chan struct{}

	log *logrus.Entry
}

func newCurrency(l *Ledger, config domain.CurrencyConfig, data domain.CurrencyData, state *domain.CurrencyState) *Currency {
	s := domain.CurrencyState{ExternalTradesStreamCursor: "0"}
	if state != nil {
		s = *state
	}
	return &Currency{
		ledger:   l,
		config:   config,
		data:     data,
		state:    s,
		accounts: make(map[string]*Account),
		log:      logger.WithField("currency", config.Code),
	}
}

// Code returns the currency code.
func (c *Currency) Code() string { return c.config.Code }

// Config returns the immutable currency configuration.
func (c *Currency) Config() domain.CurrencyConfig { return c.config }

// Data returns the currency's on-ledger identities.
func (c *Currency) Data() domain.CurrencyData { return c.data }

// State returns the current mutable checkpoint.
func (c *Currency) State() domain.CurrencyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Asset returns the currency's local asset.
func (c *Currency) Asset() domain.Asset {
	return domain.NewAsset(c.config.Code, c.data.IssuerPublicKey)
}

// Hour returns the currency's bridge asset.
func (c *Currency) Hour() domain.Asset {
	return domain.NewAsset(domain.GlobalHourCode, c.data.ExternalIssuerPublicKey)
}

// FromLocalToHour converts a local amount to hours, rounding up to 7
// decimals so a bridge offer backed by the result is never short.
func (c *Currency) FromLocalToHour(amount string) (string, error) {
	return c.config.Rate.MulCeil(amount)
}

// FromHourToLocal converts an hour amount to local units, rounding down
// to 7 decimals so a recipient is never over-credited.
func (c *Currency) FromHourToLocal(amount string) (string, error) {
	return c.config.Rate.DivFloor(amount)
}

func (c *Currency) creditStartingBalance() (string, error) {
	return c.FromHourToLocal(creditStartingHours)
}

// startingHoursBalance sizes the bridge trader's initial hour balance
// to back outgoing payments up to the configured maximum balance. With
// an unbounded maximum no sensible size exists, so it is zero. Note
// this does not yet account for several simultaneously trusted foreign
// currencies sharing the balance.
func (c *Currency) startingHoursBalance() (string, error) {
	if c.config.ExternalTraderMaximumBalance == "" {
		return "0", nil
	}
	max, err := parseAmount(c.config.ExternalTraderMaximumBalance)
	if err != nil {
		return "", err
	}
	initial, err := parseAmount(c.config.InitialCredit())
	if err != nil {
		return "", err
	}
	return c.FromLocalToHour(max.Sub(initial).String())
}

// account returns the registry entry for the public key, creating it on
// first use. One entry per key keeps a single sequence-number source of
// truth per account.
func (c *Currency) account(publicKey string) *Account {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.accounts[publicKey]; ok {
		return a
	}
	a := newAccount(c, publicKey)
	c.accounts[publicKey] = a
	return a
}

// GetAccount returns the account orchestrator for the public key with a
// fresh state snapshot.
func (c *Currency) GetAccount(ctx context.Context, publicKey string) (*Account, error) {
	a := c.account(publicKey)
	if err := a.Update(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// FindAccount is GetAccount returning nil instead of a not-found error
// when the account does not exist on the network.
func (c *Currency) FindAccount(ctx context.Context, publicKey string) (*Account, error) {
	a, err := c.GetAccount(ctx, publicKey)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

// IssuerAccount loads the currency's issuer account.
func (c *Currency) IssuerAccount(ctx context.Context) (*Account, error) {
	return c.GetAccount(ctx, c.data.IssuerPublicKey)
}

// CreditAccount loads the currency's credit account.
func (c *Currency) CreditAccount(ctx context.Context) (*Account, error) {
	return c.GetAccount(ctx, c.data.CreditPublicKey)
}

// ExternalTraderAccount loads the bridge trader account.
func (c *Currency) ExternalTraderAccount(ctx context.Context) (*Account, error) {
	return c.GetAccount(ctx, c.data.ExternalTraderPublicKey)
}

// ExternalIssuerAccount loads the bridge issuer account.
func (c *Currency) ExternalIssuerAccount(ctx context.Context) (*Account, error) {
	return c.GetAccount(ctx, c.data.ExternalIssuerPublicKey)
}

// EnableKeys are the signers of a currency installation.
type EnableKeys struct {
	Sponsor        *keypair.Full
	Issuer         *keypair.Full
	Credit         *keypair.Full
	Admin          *keypair.Full
	ExternalIssuer *keypair.Full
	ExternalTrader *keypair.Full
}

// Enable creates the currency's accounts, trustlines and bridge offers
// on the network in a single transaction. The bridge issuer survives a
// previous Disable when foreign balances kept it alive, so it is only
// created when missing.
func (c *Currency) Enable(ctx context.Context, keys EnableKeys) error {
	sponsorAccount, err := c.ledger.backend.LoadAccount(ctx, keys.Sponsor.Address())
	if err != nil {
		return err
	}
	b := horizon.NewTxBuilder(keys.Sponsor.Address(), sponsorAccount.Sequence+1)
	signers := newSignerSet()

	if err := c.installCurrencyOps(b, keys, signers); err != nil {
		return err
	}
	existingIssuer, err := c.FindAccount(ctx, c.data.ExternalIssuerPublicKey)
	if err != nil {
		return err
	}
	if existingIssuer == nil {
		c.installExternalIssuerOps(b, keys, signers)
	}
	if err := c.installExternalTraderOps(b, keys, signers); err != nil {
		return err
	}

	if _, err := c.ledger.SubmitTransaction(ctx, b, signers.list(), keys.Sponsor); err != nil {
		return err
	}
	c.log.Info("currency enabled")
	return nil
}

// installCurrencyOps appends the local model: the issuer with its
// asset-control flags, the funded credit account and the admin account.
func (c *Currency) installCurrencyOps(b *horizon.TxBuilder, keys EnableKeys, s *signerSet) error {
	sponsorAddr := keys.Sponsor.Address()
	b.AddOperation(horizon.Operation{
		Type:        horizon.OpBeginSponsoringReserves,
		Source:      sponsorAddr,
		SponsoredID: c.data.IssuerPublicKey,
	}).AddOperation(horizon.Operation{
		Type:            horizon.OpCreateAccount,
		Destination:     c.data.IssuerPublicKey,
		StartingBalance: "0",
	}).AddOperation(horizon.Operation{
		// Trustlines to the local asset need explicit authorization and
		// stay revocable and clawback-enabled by the issuer.
		Type:       horizon.OpSetOptions,
		Source:     c.data.IssuerPublicKey,
		SetFlags:   horizon.AuthRequiredFlag | horizon.AuthRevocableFlag | horizon.AuthClawbackEnabledFlag,
		HomeDomain: c.ledger.homeDomain,
	}).AddOperation(horizon.Operation{
		Type:   horizon.OpEndSponsoringReserves,
		Source: c.data.IssuerPublicKey,
	})
	s.add(keys.Sponsor)
	s.add(keys.Issuer)

	c.createAccountOps(b, accountSpec{publicKey: c.data.CreditPublicKey},
		keys.Sponsor, keys.Issuer, keys.Credit, s)
	starting, err := c.creditStartingBalance()
	if err != nil {
		return err
	}
	b.AddOperation(horizon.Operation{
		Type:        horizon.OpPayment,
		Source:      c.data.IssuerPublicKey,
		Destination: c.data.CreditPublicKey,
		Asset:       refOf(c.Asset()),
		Amount:      starting,
	})

	c.createAccountOps(b, accountSpec{publicKey: c.data.AdminPublicKey},
		keys.Sponsor, keys.Issuer, keys.Admin, s)
	return nil
}

// installExternalIssuerOps appends the bridge issuer account. It holds
// no local currency, only the authority to mint this currency's hours.
func (c *Currency) installExternalIssuerOps(b *horizon.TxBuilder, keys EnableKeys, s *signerSet) {
	b.AddOperation(horizon.Operation{
		Type:        horizon.OpBeginSponsoringReserves,
		Source:      keys.Sponsor.Address(),
		SponsoredID: c.data.ExternalIssuerPublicKey,
	}).AddOperation(horizon.Operation{
		Type:            horizon.OpCreateAccount,
		Source:          c.data.IssuerPublicKey,
		Destination:     c.data.ExternalIssuerPublicKey,
		StartingBalance: "0",
	}).AddOperation(horizon.Operation{
		Type:       horizon.OpSetOptions,
		Source:     c.data.ExternalIssuerPublicKey,
		HomeDomain: c.ledger.homeDomain,
	}).AddOperation(horizon.Operation{
		Type:   horizon.OpEndSponsoringReserves,
		Source: c.data.ExternalIssuerPublicKey,
	})
	s.add(keys.Sponsor)
	s.add(keys.ExternalIssuer)
}

// installExternalTraderOps appends the bridge trader account with its
// hour trustline, starting balances and the two passive offers that
// back both trading directions.
func (c *Currency) installExternalTraderOps(b *horizon.TxBuilder, keys EnableKeys, s *signerSet) error {
	var maxBalance *string
	if c.config.ExternalTraderMaximumBalance != "" {
		maxBalance = &c.config.ExternalTraderMaximumBalance
	}
	c.createAccountOps(b, accountSpec{
		publicKey:      c.data.ExternalTraderPublicKey,
		maximumBalance: maxBalance,
	}, keys.Sponsor, keys.Issuer, keys.ExternalTrader, s)

	initialCredit, err := parseAmount(c.config.InitialCredit())
	if err != nil {
		return err
	}
	starting, err := c.creditStartingBalance()
	if err != nil {
		return err
	}
	if initialCredit.IsPositive() {
		if err := c.addCreditOps(b, c.data.ExternalTraderPublicKey, c.config.InitialCredit(), starting,
			fundingKeys{Credit: keys.Credit, Issuer: keys.Issuer}, s); err != nil {
			return err
		}
	}

	b.AddOperation(horizon.Operation{
		Type:        horizon.OpBeginSponsoringReserves,
		Source:      keys.Sponsor.Address(),
		SponsoredID: c.data.ExternalTraderPublicKey,
	}).AddOperation(horizon.Operation{
		// Unlimited trustline to the currency's own hours.
		Type:   horizon.OpChangeTrust,
		Source: c.data.ExternalTraderPublicKey,
		Asset:  refOf(c.Hour()),
	})

	hoursBalance, err := c.startingHoursBalance()
	if err != nil {
		return err
	}
	hours, err := parseAmount(hoursBalance)
	if err != nil {
		return err
	}
	if hours.IsPositive() {
		b.AddOperation(horizon.Operation{
			Type:        horizon.OpPayment,
			Source:      c.data.ExternalIssuerPublicKey,
			Destination: c.data.ExternalTraderPublicKey,
			Asset:       refOf(c.Hour()),
			Amount:      hoursBalance,
		})
		s.add(keys.ExternalIssuer)
	}
	// Passive offer backing incoming payments (hours bought with local).
	if initialCredit.IsPositive() {
		b.AddOperation(horizon.Operation{
			Type:    horizon.OpCreatePassiveSellOffer,
			Source:  c.data.ExternalTraderPublicKey,
			Selling: refOf(c.Asset()),
			Buying:  refOf(c.Hour()),
			Amount:  c.config.InitialCredit(),
			Price:   pricePtr(horizon.PriceFromRate(c.config.Rate)),
		})
	}
	// Passive offer backing outgoing payments (local bought with hours).
	if hours.IsPositive() {
		b.AddOperation(horizon.Operation{
			Type:    horizon.OpCreatePassiveSellOffer,
			Source:  c.data.ExternalTraderPublicKey,
			Selling: refOf(c.Hour()),
			Buying:  refOf(c.Asset()),
			Amount:  hoursBalance,
			Price:   pricePtr(horizon.PriceFromRate(c.config.Rate.Inverse())),
		})
	}
	b.AddOperation(horizon.Operation{
		Type:   horizon.OpEndSponsoringReserves,
		Source: c.data.ExternalTraderPublicKey,
	})
	return nil
}

// accountSpec parameterises createAccountOps.
type accountSpec struct {
	publicKey      string
	maximumBalance *string
	adminSigner    string
}

// createAccountOps appends the operations creating a sponsored account
// with an authorized trustline to the local asset. With an adminSigner,
// account and admin can both sign payments but only the admin reaches
// the high threshold for administrative changes.
func (c *Currency) createAccountOps(b *horizon.TxBuilder, spec accountSpec, sponsor, issuer, account *keypair.Full, s *signerSet) {
	asset := c.Asset()
	authorized := true
	b.AddOperation(horizon.Operation{
		Type:        horizon.OpBeginSponsoringReserves,
		Source:      sponsor.Address(),
		SponsoredID: spec.publicKey,
	}).AddOperation(horizon.Operation{
		Type:            horizon.OpCreateAccount,
		Destination:     spec.publicKey,
		StartingBalance: "0",
	}).AddOperation(horizon.Operation{
		Type:   horizon.OpChangeTrust,
		Source: spec.publicKey,
		Asset:  refOf(asset),
		Limit:  spec.maximumBalance,
	}).AddOperation(horizon.Operation{
		Type:       horizon.OpSetTrustLineFlags,
		Source:     c.data.IssuerPublicKey,
		Asset:      refOf(asset),
		Trustor:    spec.publicKey,
		Authorized: &authorized,
	})
	s.add(sponsor)
	s.add(issuer)
	s.add(account)

	if spec.adminSigner != "" {
		one, two := 1, 2
		b.AddOperation(horizon.Operation{
			Type:   horizon.OpSetOptions,
			Source: spec.publicKey,
			Signer: &horizon.SignerOptions{PublicKey: spec.adminSigner, Weight: 2},
		}).AddOperation(horizon.Operation{
			Type:          horizon.OpSetOptions,
			Source:        spec.publicKey,
			MasterWeight:  &one,
			LowThreshold:  &one,
			MedThreshold:  &one,
			HighThreshold: &two,
		})
	}
	b.AddOperation(horizon.Operation{
		Type:   horizon.OpEndSponsoringReserves,
		Source: spec.publicKey,
	})
}

// fundingKeys sign the credit-side of a funded payment.
type fundingKeys struct {
	Credit *keypair.Full
	Issuer *keypair.Full
}

// fundCreditOps tops up the credit account from the issuer when its
// balance cannot cover minAmount. The top-up is the smallest multiple
// of the starting balance covering the shortfall, so funding batches
// under sustained demand.
func (c *Currency) fundCreditOps(b *horizon.TxBuilder, creditBalance, minAmount string, issuer *keypair.Full, s *signerSet) error {
	balance, err := parseAmount(creditBalance)
	if err != nil {
		return err
	}
	startingBalance, err := c.creditStartingBalance()
	if err != nil {
		return err
	}
	starting, err := parseAmount(startingBalance)
	if err != nil {
		return err
	}
	min := starting
	if minAmount != "" {
		if min, err = parseAmount(minAmount); err != nil {
			return err
		}
	}
	diff := min.Sub(balance)
	if !diff.IsPositive() {
		return nil
	}
	if issuer == nil {
		return domain.Validationf("issuer key required to fund the credit account")
	}
	amount := diff.Div(starting).Ceil().Mul(starting).String()
	b.AddOperation(horizon.Operation{
		Type:        horizon.OpPayment,
		Source:      c.data.IssuerPublicKey,
		Destination: c.data.CreditPublicKey,
		Asset:       refOf(c.Asset()),
		Amount:      amount,
	})
	s.add(issuer)
	c.log.Infof("funding the credit account with %s %s", c.config.Code, amount)
	return nil
}

// addCreditOps appends a credit payment to destination, first making
// sure the credit account can cover it.
func (c *Currency) addCreditOps(b *horizon.TxBuilder, destination, amount, creditBalance string, keys fundingKeys, s *signerSet) error {
	credit, err := parseAmount(amount)
	if err != nil {
		return err
	}
	if !credit.IsPositive() {
		return nil
	}
	if err := c.fundCreditOps(b, creditBalance, amount, keys.Issuer, s); err != nil {
		return err
	}
	b.AddOperation(horizon.Operation{
		Type:        horizon.OpPayment,
		Source:      c.data.CreditPublicKey,
		Destination: destination,
		Asset:       refOf(c.Asset()),
		Amount:      amount,
	})
	s.add(keys.Credit)
	return nil
}

// CreateAccountOptions configure a new member account. A nil Account
// keypair means a fresh one is generated.
type CreateAccountOptions struct {
	InitialCredit  string
	MaximumBalance *string
	Account        *keypair.Full
}

// CreateAccountKeys sign a member-account creation. Credit is required
// exactly when the initial credit is positive.
type CreateAccountKeys struct {
	Sponsor *keypair.Full
	Issuer  *keypair.Full
	Credit  *keypair.Full
}

// CreateAccount provisions a member account with an authorized, admin
// co-signed trustline and its initial credit, and returns the account
// keypair for the caller to hand over.
func (c *Currency) CreateAccount(ctx context.Context, options CreateAccountOptions, keys CreateAccountKeys) (*keypair.Full, error) {
	credit := options.InitialCredit
	if credit == "" {
		credit = "0"
	}
	initialCredit, err := parseAmount(credit)
	if err != nil {
		return nil, err
	}
	if initialCredit.IsNegative() {
		return nil, domain.Validationf("negative initial credit %q", credit)
	}
	if keys.Credit != nil && initialCredit.IsZero() {
		return nil, domain.Validationf("credit key not allowed when the initial credit is 0")
	}
	if keys.Credit == nil && initialCredit.IsPositive() {
		return nil, domain.Validationf("credit key required when the initial credit is positive")
	}

	account := options.Account
	if account == nil {
		if account, err = keypair.Random(); err != nil {
			return nil, err
		}
	}
	issuerAccount, err := c.IssuerAccount(ctx)
	if err != nil {
		return nil, err
	}
	seq, err := issuerAccount.nextSequence()
	if err != nil {
		return nil, err
	}
	b := horizon.NewTxBuilder(issuerAccount.id, seq)
	signers := newSignerSet()

	c.createAccountOps(b, accountSpec{
		publicKey:      account.Address(),
		maximumBalance: options.MaximumBalance,
		adminSigner:    c.data.AdminPublicKey,
	}, keys.Sponsor, keys.Issuer, account, signers)

	creditAccount, err := c.CreditAccount(ctx)
	if err != nil {
		return nil, err
	}
	creditBalance, err := creditAccount.Balance()
	if err != nil {
		return nil, err
	}
	if err := c.addCreditOps(b, account.Address(), credit, creditBalance,
		fundingKeys{Credit: keys.Credit, Issuer: keys.Issuer}, signers); err != nil {
		return nil, err
	}

	if _, err := c.ledger.SubmitTransaction(ctx, b, signers.list(), keys.Sponsor); err != nil {
		return nil, err
	}
	c.log.WithField("account", account.Address()).Info("created new account")
	return account, nil
}

// EnableAccountOptions restore a previously disabled member account.
type EnableAccountOptions struct {
	Balance        string
	MaximumBalance *string
}

// EnableAccountKeys sign the re-creation of a disabled account.
type EnableAccountKeys struct {
	Sponsor              *keypair.Full
	Issuer               *keypair.Full
	Account              *keypair.Full
	DisabledAccountsPool *keypair.Full
}

// EnableAccount re-creates a disabled member account, restoring its
// parked balance from the disabled-accounts pool.
func (c *Currency) EnableAccount(ctx context.Context, options EnableAccountOptions, keys EnableAccountKeys) error {
	issuerAccount, err := c.IssuerAccount(ctx)
	if err != nil {
		return err
	}
	seq, err := issuerAccount.nextSequence()
	if err != nil {
		return err
	}
	b := horizon.NewTxBuilder(issuerAccount.id, seq)
	signers := newSignerSet()

	accountAddr := keys.Account.Address()
	c.createAccountOps(b, accountSpec{
		publicKey:      accountAddr,
		maximumBalance: options.MaximumBalance,
		adminSigner:    c.data.AdminPublicKey,
	}, keys.Sponsor, keys.Issuer, keys.Account, signers)

	balance, err := parseAmount(options.Balance)
	if err != nil {
		return err
	}
	if balance.IsPositive() {
		b.AddOperation(horizon.Operation{
			Type:        horizon.OpPayment,
			Source:      keys.DisabledAccountsPool.Address(),
			Destination: accountAddr,
			Asset:       refOf(c.Asset()),
			Amount:      options.Balance,
		})
		signers.add(keys.DisabledAccountsPool)
	}

	result, err := c.ledger.SubmitTransaction(ctx, b, signers.list(), keys.Sponsor)
	if err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{"hash": result.Hash, "account": accountAddr}).Info("enabled account")
	return nil
}

// OfferKeys sign bridge-offer maintenance.
type OfferKeys struct {
	Sponsor        *keypair.Full
	ExternalTrader *keypair.Full
}

// fetchExternalOffer returns the trader's offer selling the given asset
// for the given one, or nil.
func (c *Currency) fetchExternalOffer(ctx context.Context, selling, buying domain.Asset) (*horizon.Offer, error) {
	offers, err := c.ledger.backend.Offers(ctx, c.data.ExternalTraderPublicKey, &selling, &buying, 1)
	if err != nil {
		return nil, err
	}
	if len(offers) == 0 {
		return nil, nil
	}
	return &offers[0], nil
}

// sellOfferOps appends a create-or-update of a trader sell offer. A new
// offer is passive and sponsored; an existing one is resized in place.
func (c *Currency) sellOfferOps(b *horizon.TxBuilder, offer *horizon.Offer, selling, buying domain.Asset, amount string, price horizon.Price, keys OfferKeys, s *signerSet) {
	op := horizon.Operation{
		Source:  c.data.ExternalTraderPublicKey,
		Selling: refOf(selling),
		Buying:  refOf(buying),
		Amount:  amount,
		Price:   pricePtr(price),
	}
	s.add(keys.ExternalTrader)
	if offer != nil {
		op.Type = horizon.OpManageSellOffer
		op.OfferID = offer.ID
		b.AddOperation(op)
		return
	}
	op.Type = horizon.OpCreatePassiveSellOffer
	b.AddOperation(horizon.Operation{
		Type:        horizon.OpBeginSponsoringReserves,
		Source:      keys.Sponsor.Address(),
		SponsoredID: c.data.ExternalTraderPublicKey,
	}).AddOperation(op).AddOperation(horizon.Operation{
		Type:   horizon.OpEndSponsoringReserves,
		Source: c.data.ExternalTraderPublicKey,
	})
	s.add(keys.Sponsor)
}

// UpdateExternalOffer sizes the trader's offer selling the given asset
// for hours to the trader's current balance of that asset (or to an
// explicit amount). Call it after anything that changes the trader's
// balance so the order book matches actual liquidity. Idempotent.
func (c *Currency) UpdateExternalOffer(ctx context.Context, asset domain.Asset, keys OfferKeys, amount string) error {
	offer, err := c.fetchExternalOffer(ctx, asset, c.Hour())
	if err != nil {
		return err
	}
	trader, err := c.ExternalTraderAccount(ctx)
	if err != nil {
		return err
	}
	newAmount := amount
	if newAmount == "" {
		if newAmount, err = trader.AssetBalance(asset); err != nil {
			return err
		}
	}
	existingAmount := "0"
	if offer != nil {
		existingAmount = offer.Amount
	}
	existing, err := parseAmount(existingAmount)
	if err != nil {
		return err
	}
	target, err := parseAmount(newAmount)
	if err != nil {
		return err
	}
	if existing.Equal(target) {
		c.log.WithField("asset", asset.Code).Debug("external offer already up to date")
		return nil
	}

	price := horizon.Price{N: 1, D: 1}
	if asset.Equals(c.Asset()) {
		price = horizon.PriceFromRate(c.config.Rate)
	}
	seq, err := trader.nextSequence()
	if err != nil {
		return err
	}
	b := horizon.NewTxBuilder(trader.id, seq)
	signers := newSignerSet()
	c.sellOfferOps(b, offer, asset, c.Hour(), newAmount, price, keys, signers)

	if _, err := c.ledger.SubmitTransaction(ctx, b, signers.list(), keys.Sponsor); err != nil {
		return err
	}
	c.log.WithField("asset", asset.Code).Info("updated external offer")
	c.ledger.bus.emitExternalOfferUpdated(c, OfferUpdate{
		Selling: asset,
		Buying:  c.Hour(),
		Amount:  newAmount,
		Created: offer == nil,
	})
	return nil
}

// QuoteRequest asks for a conversion path delivering Amount of the
// destination asset, paid in this currency's local asset. Retry keeps
// polling for a bounded time, for callers expecting eventual
// consistency right after establishing a trustline.
type QuoteRequest struct {
	DestCode   string
	DestIssuer string
	Amount     string
	Retry      bool
}

const (
	quoteRetryWindow   = 30 * time.Second
	quoteRetryInterval = time.Second
)

// QuotePath finds the cheapest-source path delivering at least the
// requested amount. A nil quote with a nil error means no viable path
// exists, which is an expected outcome, not a failure.
func (c *Currency) QuotePath(ctx context.Context, req QuoteRequest) (*domain.PathQuote, error) {
	deadline := time.Now().Add(quoteRetryWindow)
	for {
		quote, err := c.quoteOnce(ctx, req)
		if err != nil {
			return nil, err
		}
		if quote != nil {
			return quote, nil
		}
		if !req.Retry || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(quoteRetryInterval):
		}
	}
}

func (c *Currency) quoteOnce(ctx context.Context, req QuoteRequest) (*domain.PathQuote, error) {
	dest := domain.NewAsset(req.DestCode, req.DestIssuer)
	requested, err := parseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	c.log.Debugf("finding path from %s to %s for amount %s", c.config.Code, dest.Code, req.Amount)

	paths, err := c.ledger.backend.StrictReceivePaths(ctx, c.Asset(), dest, req.Amount)
	if err != nil {
		return nil, err
	}
	var best *horizon.Path
	var bestSource decimal.Decimal
	for i := range paths {
		p := &paths[i]
		delivered, err := parseAmount(p.DestinationAmount)
		if err != nil {
			return nil, err
		}
		if delivered.LessThan(requested) {
			continue
		}
		source, err := parseAmount(p.SourceAmount)
		if err != nil {
			return nil, err
		}
		if best == nil || source.LessThan(bestSource) {
			best, bestSource = p, source
		}
	}
	if best == nil {
		return nil, nil
	}
	hops := make([]domain.Asset, len(best.Path))
	for i, a := range best.Path {
		hops[i] = a.Asset()
	}
	return &domain.PathQuote{
		SourceAmount: best.SourceAmount,
		SourceAsset:  c.Asset(),
		DestAmount:   best.DestinationAmount,
		DestAsset:    dest,
		Path:         hops,
	}, nil
}

// GetTransfer reconstructs the transfer settled by the transaction with
// the given hash from its payment or path-payment operation.
func (c *Currency) GetTransfer(ctx context.Context, hash string) (domain.AnyTransfer, error) {
	operations, err := c.ledger.backend.TransactionOperations(ctx, hash)
	if err != nil {
		return nil, err
	}
	for i := range operations {
		op := &operations[i]
		switch op.Type {
		case horizon.OpRecordPayment:
			return paymentTransfer(op), nil
		case horizon.OpRecordPathPayment:
			return pathPaymentTransfer(op), nil
		}
	}
	return nil, domain.NotFoundf("no payment operation found in transaction %s", hash)
}

func paymentTransfer(op *horizon.OperationRecord) domain.Transfer {
	return domain.Transfer{
		Payer:  op.From,
		Payee:  op.To,
		Amount: op.Amount,
		Asset:  op.Asset(),
		Hash:   op.TransactionHash,
	}
}

func pathPaymentTransfer(op *horizon.OperationRecord) domain.ExternalTransfer {
	return domain.ExternalTransfer{
		Transfer:     paymentTransfer(op),
		SourceAsset:  domain.NewAsset(op.SourceAssetCode, op.SourceAssetIssuer),
		SourceAmount: op.SourceAmount,
	}
}

// TrustLine expresses one-way trust towards another currency's bridge
// asset, with the limit in local units.
type TrustLine struct {
	TrustedPublicKey string
	Limit            string
}

// TrustKeys sign trustline maintenance on the bridge pair.
type TrustKeys struct {
	Sponsor        *keypair.Full
	ExternalTrader *keypair.Full
	ExternalIssuer *keypair.Full
}

// TrustCurrency establishes or resizes the bridge trader's trustline to
// a foreign bridge asset, keeping the hour backing and the standing
// offer consistent with the limit. The operation order avoids transient
// states that would violate offer liabilities or trustline limits.
func (c *Currency) TrustCurrency(ctx context.Context, line TrustLine, keys TrustKeys) error {
	foreignHour := domain.NewAsset(domain.GlobalHourCode, line.TrustedPublicKey)
	limitHours, err := c.FromLocalToHour(line.Limit)
	if err != nil {
		return err
	}
	limit, err := parseAmount(limitHours)
	if err != nil {
		return err
	}

	trader, err := c.ExternalTraderAccount(ctx)
	if err != nil {
		return err
	}
	lines, err := trader.Lines()
	if err != nil {
		return err
	}
	var existing *horizon.Balance
	for i := range lines {
		if lines[i].Asset().Equals(foreignHour) {
			existing = &lines[i]
			break
		}
	}

	used := decimal.Zero
	existingLimit := decimal.Zero
	if existing != nil {
		if used, err = parseAmount(existing.Balance); err != nil {
			return err
		}
		if existingLimit, err = parseAmount(existing.Limit); err != nil {
			return err
		}
	}
	if limit.LessThan(used) {
		return domain.Validationf("trust limit %s is below the used balance %s of %s",
			limitHours, existing.Balance, foreignHour.String())
	}
	if existing != nil && limit.Equal(existingLimit) {
		return nil
	}

	offer, err := c.fetchExternalOffer(ctx, c.Hour(), foreignHour)
	if err != nil {
		return err
	}
	// The offer sells this currency's hours for the foreign ones, sized
	// to the unused room on the trustline.
	offerAmount := limit.Sub(used).StringFixed(domain.Precision)
	price := horizon.Price{N: 1, D: 1}

	seq, err := trader.nextSequence()
	if err != nil {
		return err
	}
	b := horizon.NewTxBuilder(trader.id, seq)
	signers := newSignerSet()
	offerKeys := OfferKeys{Sponsor: keys.Sponsor, ExternalTrader: keys.ExternalTrader}
	hourPayment := func(from, to string, amount string) {
		b.AddOperation(horizon.Operation{
			Type:        horizon.OpPayment,
			Source:      from,
			Destination: to,
			Asset:       refOf(c.Hour()),
			Amount:      amount,
		})
	}

	switch {
	case existing == nil:
		b.AddOperation(horizon.Operation{
			Type:        horizon.OpBeginSponsoringReserves,
			Source:      keys.Sponsor.Address(),
			SponsoredID: c.data.ExternalTraderPublicKey,
		}).AddOperation(horizon.Operation{
			Type:   horizon.OpChangeTrust,
			Source: c.data.ExternalTraderPublicKey,
			Asset:  refOf(foreignHour),
			Limit:  &limitHours,
		}).AddOperation(horizon.Operation{
			Type:   horizon.OpEndSponsoringReserves,
			Source: c.data.ExternalTraderPublicKey,
		})
		signers.add(keys.Sponsor)
		signers.add(keys.ExternalTrader)
		hourPayment(c.data.ExternalIssuerPublicKey, c.data.ExternalTraderPublicKey, limitHours)
		signers.add(keys.ExternalIssuer)
		c.sellOfferOps(b, nil, c.Hour(), foreignHour, offerAmount, price, offerKeys, signers)

	case limit.GreaterThan(existingLimit):
		delta := limit.Sub(existingLimit).StringFixed(domain.Precision)
		b.AddOperation(horizon.Operation{
			Type:   horizon.OpChangeTrust,
			Source: c.data.ExternalTraderPublicKey,
			Asset:  refOf(foreignHour),
			Limit:  &limitHours,
		})
		signers.add(keys.ExternalTrader)
		hourPayment(c.data.ExternalIssuerPublicKey, c.data.ExternalTraderPublicKey, delta)
		signers.add(keys.ExternalIssuer)
		c.sellOfferOps(b, offer, c.Hour(), foreignHour, offerAmount, price, offerKeys, signers)

	default: // decreasing
		delta := existingLimit.Sub(limit).StringFixed(domain.Precision)
		c.sellOfferOps(b, offer, c.Hour(), foreignHour, offerAmount, price, offerKeys, signers)
		hourPayment(c.data.ExternalTraderPublicKey, c.data.ExternalIssuerPublicKey, delta)
		b.AddOperation(horizon.Operation{
			Type:   horizon.OpChangeTrust,
			Source: c.data.ExternalTraderPublicKey,
			Asset:  refOf(foreignHour),
			Limit:  &limitHours,
		})
		signers.add(keys.ExternalTrader)
	}

	if _, err := c.ledger.SubmitTransaction(ctx, b, signers.list(), keys.Sponsor); err != nil {
		return err
	}
	c.log.WithField("trusted", line.TrustedPublicKey).Infof("trustline set to %s hours", limitHours)
	return nil
}

// DisableTrustline removes the relationship with one foreign bridge
// asset: the standing offer, the held balance (handed to the bridge
// issuer) and the trustline, in one transaction.
func (c *Currency) DisableTrustline(ctx context.Context, line TrustLine, keys TrustKeys) error {
	foreignHour := domain.NewAsset(domain.GlobalHourCode, line.TrustedPublicKey)
	trader, err := c.ExternalTraderAccount(ctx)
	if err != nil {
		return err
	}
	lines, err := trader.Lines()
	if err != nil {
		return err
	}
	var existing *horizon.Balance
	for i := range lines {
		if lines[i].Asset().Equals(foreignHour) {
			existing = &lines[i]
			break
		}
	}
	if existing == nil {
		c.log.WithField("trusted", line.TrustedPublicKey).Info("no trustline to disable")
		return nil
	}

	seq, err := trader.nextSequence()
	if err != nil {
		return err
	}
	b := horizon.NewTxBuilder(trader.id, seq)
	signers := newSignerSet()
	signers.add(keys.ExternalTrader)

	offer, err := c.fetchExternalOffer(ctx, c.Hour(), foreignHour)
	if err != nil {
		return err
	}
	if offer != nil {
		b.AddOperation(horizon.Operation{
			Type:    horizon.OpManageSellOffer,
			Source:  c.data.ExternalTraderPublicKey,
			OfferID: offer.ID,
			Selling: refOf(c.Hour()),
			Buying:  refOf(foreignHour),
			Amount:  "0",
			Price:   pricePtr(offer.Price),
		})
	}
	held, err := parseAmount(existing.Balance)
	if err != nil {
		return err
	}
	if held.IsPositive() {
		// Park the balance on the bridge issuer so it survives until the
		// relationship is re-established.
		b.AddOperation(horizon.Operation{
			Type:   horizon.OpChangeTrust,
			Source: c.data.ExternalIssuerPublicKey,
			Asset:  refOf(foreignHour),
			Limit:  &existing.Balance,
		}).AddOperation(horizon.Operation{
			Type:        horizon.OpPayment,
			Source:      c.data.ExternalTraderPublicKey,
			Destination: c.data.ExternalIssuerPublicKey,
			Asset:       refOf(foreignHour),
			Amount:      existing.Balance,
		})
		signers.add(keys.ExternalIssuer)
	}
	zero := "0"
	b.AddOperation(horizon.Operation{
		Type:   horizon.OpChangeTrust,
		Source: c.data.ExternalTraderPublicKey,
		Asset:  refOf(foreignHour),
		Limit:  &zero,
	})

	if _, err := c.ledger.SubmitTransaction(ctx, b, signers.list(), keys.Sponsor); err != nil {
		return err
	}
	c.log.WithField("trusted", line.TrustedPublicKey).Info("disabled trustline")
	return nil
}

// DisableKeys sign a currency teardown.
type DisableKeys struct {
	Sponsor        *keypair.Full
	Issuer         *keypair.Full
	Credit         *keypair.Full
	Admin          *keypair.Full
	ExternalIssuer *keypair.Full
	ExternalTrader *keypair.Full
}

// Disable tears the currency down: foreign trustlines first (one
// transaction each, to stay under the per-transaction operation limit),
// then local offers, bridge trader, pool, admin, credit and issuer in a
// final transaction. The bridge issuer is only deleted when it holds no
// balances and no foreign account still trusts its hours.
func (c *Currency) Disable(ctx context.Context, keys DisableKeys) error {
	trustKeys := TrustKeys{
		Sponsor:        keys.Sponsor,
		ExternalTrader: keys.ExternalTrader,
		ExternalIssuer: keys.ExternalIssuer,
	}
	trader, err := c.ExternalTraderAccount(ctx)
	if err != nil {
		return err
	}
	lines, err := trader.Lines()
	if err != nil {
		return err
	}
	for _, line := range lines {
		asset := line.Asset()
		if asset.Equals(c.Hour()) || asset.Equals(c.Asset()) {
			continue
		}
		if err := c.DisableTrustline(ctx, TrustLine{TrustedPublicKey: asset.Issuer}, trustKeys); err != nil {
			return err
		}
	}

	issuerAccount, err := c.IssuerAccount(ctx)
	if err != nil {
		return err
	}
	seq, err := issuerAccount.nextSequence()
	if err != nil {
		return err
	}
	b := horizon.NewTxBuilder(issuerAccount.id, seq)
	signers := newSignerSet()
	sponsorAddr := keys.Sponsor.Address()

	// Cancel the local offer pair and burn the remaining hour balance.
	for _, pair := range [][2]domain.Asset{{c.Asset(), c.Hour()}, {c.Hour(), c.Asset()}} {
		offer, err := c.fetchExternalOffer(ctx, pair[0], pair[1])
		if err != nil {
			return err
		}
		if offer != nil {
			b.AddOperation(horizon.Operation{
				Type:    horizon.OpManageSellOffer,
				Source:  c.data.ExternalTraderPublicKey,
				OfferID: offer.ID,
				Selling: refOf(pair[0]),
				Buying:  refOf(pair[1]),
				Amount:  "0",
				Price:   pricePtr(offer.Price),
			})
		}
	}
	trader, err = c.ExternalTraderAccount(ctx)
	if err != nil {
		return err
	}
	hourBalance, err := trader.AssetBalance(c.Hour())
	if err != nil && !domain.IsNotFound(err) {
		return err
	}
	if err == nil {
		held, err := parseAmount(hourBalance)
		if err != nil {
			return err
		}
		if held.IsPositive() {
			b.AddOperation(horizon.Operation{
				Type:        horizon.OpPayment,
				Source:      c.data.ExternalTraderPublicKey,
				Destination: c.data.ExternalIssuerPublicKey,
				Asset:       refOf(c.Hour()),
				Amount:      hourBalance,
			})
		}
		zero := "0"
		b.AddOperation(horizon.Operation{
			Type:   horizon.OpChangeTrust,
			Source: c.data.ExternalTraderPublicKey,
			Asset:  refOf(c.Hour()),
			Limit:  &zero,
		})
	}
	if err := trader.moveBalanceAndDeleteOps(b, c.data.IssuerPublicKey, sponsorAddr); err != nil {
		return err
	}
	signers.add(keys.ExternalTrader)

	if c.data.DisabledAccountsPoolPublicKey != "" {
		pool, err := c.GetAccount(ctx, c.data.DisabledAccountsPoolPublicKey)
		if err != nil {
			return err
		}
		if err := pool.moveBalanceAndDeleteOps(b, c.data.IssuerPublicKey, sponsorAddr); err != nil {
			return err
		}
		// The admin co-signs the pool and is added below.
	}

	externalIssuer, err := c.ExternalIssuerAccount(ctx)
	if err != nil {
		return err
	}
	issuerLines, err := externalIssuer.Lines()
	if err != nil {
		return err
	}
	keepExternalIssuer := true
	if len(issuerLines) == 0 {
		holders, err := c.ledger.backend.AccountsForAsset(ctx, c.Hour(), 2)
		if err != nil {
			return err
		}
		foreign := 0
		for _, h := range holders {
			if h.ID != c.data.ExternalTraderPublicKey {
				foreign++
			}
		}
		if foreign == 0 {
			keepExternalIssuer = false
			b.AddOperation(horizon.Operation{
				Type:        horizon.OpAccountMerge,
				Source:      c.data.ExternalIssuerPublicKey,
				Destination: sponsorAddr,
			})
			signers.add(keys.ExternalIssuer)
		}
	}

	adminAccount, err := c.GetAccount(ctx, c.data.AdminPublicKey)
	if err != nil {
		return err
	}
	if err := adminAccount.moveBalanceAndDeleteOps(b, c.data.IssuerPublicKey, sponsorAddr); err != nil {
		return err
	}
	signers.add(keys.Admin)

	creditAccount, err := c.CreditAccount(ctx)
	if err != nil {
		return err
	}
	if err := creditAccount.moveBalanceAndDeleteOps(b, c.data.IssuerPublicKey, sponsorAddr); err != nil {
		return err
	}
	signers.add(keys.Credit)

	b.AddOperation(horizon.Operation{
		Type:        horizon.OpAccountMerge,
		Source:      c.data.IssuerPublicKey,
		Destination: sponsorAddr,
	})
	signers.add(keys.Issuer)

	if _, err := c.ledger.SubmitTransaction(ctx, b, signers.list(), keys.Sponsor); err != nil {
		return err
	}
	for _, a := range []*Account{trader, adminAccount, creditAccount, issuerAccount} {
		a.invalidate()
	}
	if !keepExternalIssuer {
		externalIssuer.invalidate()
	}
	c.log.Info("currency disabled")
	if keepExternalIssuer {
		c.log.Info("bridge issuer kept alive by external balances or trustlines")
	}
	return nil
}

func pricePtr(p horizon.Price) *horizon.Price { return &p }
