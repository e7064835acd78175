package ledger

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mutua/hourledger/internal/domain"
	"github.com/mutua/hourledger/internal/horizon"
	"github.com/mutua/hourledger/pkg/keypair"
)

// unboundedBalance is the limit the network reports for a trustline
// created without an explicit limit (the int64 cap at 7 decimals). It
// is also the balance reported for issuers, which are not
// balance-constrained.
const unboundedBalance = "922337203685.4775807"

const paymentsPageSize = 20

// Account wraps one ledger-native account of a currency. It caches the
// last-known network state, collapses concurrent refreshes into one
// fetch and builds signed transactions for the account's operations.
type Account struct {
	currency *Currency
	id       string

	mu     sync.Mutex
	state  *horizon.Account
	flight loadFlight

	log *logrus.Entry
}

func newAccount(c *Currency, publicKey string) *Account {
	return &Account{
		currency: c,
		id:       publicKey,
		log:      c.log.WithField("account", publicKey),
	}
}

// Address returns the account's public key.
func (a *Account) Address() string { return a.id }

// Payment describes a local-asset payment from this account.
type Payment struct {
	Payee  string
	Amount string
}

// ExternalPayment describes a cross-currency payment settled through a
// previously quoted conversion path.
type ExternalPayment struct {
	Payee  string
	Amount string
	Quote  domain.PathQuote
}

// PayKeys signs a payment: the account key (or the admin key, which is
// a co-signer of member accounts) plus the fee-paying sponsor.
type PayKeys struct {
	Account *keypair.Full
	Sponsor *keypair.Full
}

// CreditKeys signs a credit update. Account is needed when reducing
// credit, Credit when increasing it, Issuer only when the credit
// account must be topped up from the issuer first.
type CreditKeys struct {
	Account *keypair.Full
	Credit  *keypair.Full
	Issuer  *keypair.Full
	Sponsor *keypair.Full
}

// AdminKeys signs administrative account operations (delete, disable).
type AdminKeys struct {
	Admin   *keypair.Full
	Sponsor *keypair.Full
}

// Update refreshes the cached state from the network. Concurrent calls
// share one fetch. If the cached sequence number is higher than the
// fetched one (a race with a very recent local submission), the higher
// one wins: the locally known sequence never regresses.
func (a *Account) Update(ctx context.Context) error {
	call := a.flight.do(
		func() (*horizon.Account, error) {
			// The fetch is shared by every concurrent waiter, so it must
			// not die with the first caller's context.
			return a.currency.ledger.backend.LoadAccount(context.Background(), a.id)
		},
		func(c *loadCall) {
			if c.err != nil {
				return
			}
			a.mu.Lock()
			if a.state != nil && a.state.Sequence > c.acc.Sequence {
				c.acc.Sequence = a.state.Sequence
			}
			a.state = c.acc
			a.mu.Unlock()
		},
	)
	return call.wait(ctx)
}

// invalidate drops the cached state after the account was removed from
// the network.
func (a *Account) invalidate() {
	a.mu.Lock()
	a.state = nil
	a.mu.Unlock()
}

// nextSequence consumes the next sequence number. Incrementing eagerly
// lets consecutive submissions from the same account proceed without a
// refresh in between.
func (a *Account) nextSequence() (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == nil {
		return 0, domain.Internalf("account %s not loaded", a.id)
	}
	a.state.Sequence++
	return a.state.Sequence, nil
}

// Balance returns the cached local-asset balance.
func (a *Account) Balance() (string, error) {
	return a.AssetBalance(a.currency.Asset())
}

// AssetBalance returns the cached balance of the given asset. The
// asset's own issuer is reported as unbounded.
func (a *Account) AssetBalance(asset domain.Asset) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == nil {
		return "", domain.Internalf("account %s not loaded", a.id)
	}
	if line := a.state.Find(asset); line != nil {
		return line.Balance, nil
	}
	if asset.Issuer == a.id {
		return unboundedBalance, nil
	}
	return "", domain.NotFoundf("account %s holds no trustline to %s", a.id, asset.Code)
}

// MaximumBalance returns the cached local-asset trustline limit.
func (a *Account) MaximumBalance() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == nil {
		return "", domain.Internalf("account %s not loaded", a.id)
	}
	line := a.state.Find(a.currency.Asset())
	if line == nil {
		return "", domain.NotFoundf("account %s holds no trustline to %s", a.id, a.currency.config.Code)
	}
	return line.Limit, nil
}

// Lines returns a copy of the cached trustline entries.
func (a *Account) Lines() ([]horizon.Balance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == nil {
		return nil, domain.Internalf("account %s not loaded", a.id)
	}
	lines := make([]horizon.Balance, len(a.state.Balances))
	copy(lines, a.state.Balances)
	return lines, nil
}

// debit reduces the cached balance of the asset after a successful
// local submission, so back-to-back payments see the spent funds
// without a network refresh.
func (a *Account) debit(asset domain.Asset, amount decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == nil {
		return
	}
	line := a.state.Find(asset)
	if line == nil {
		return
	}
	if held, err := decimal.NewFromString(line.Balance); err == nil {
		line.Balance = held.Sub(amount).StringFixed(domain.Precision)
	}
}

// Pay sends a local-asset payment and emits a transfer event.
func (a *Account) Pay(ctx context.Context, payment Payment, keys PayKeys) (domain.Transfer, error) {
	amount, err := parsePositiveAmount(payment.Amount)
	if err != nil {
		return domain.Transfer{}, err
	}
	balance, err := a.Balance()
	if err != nil {
		return domain.Transfer{}, err
	}
	held, err := parseAmount(balance)
	if err != nil {
		return domain.Transfer{}, err
	}
	if held.LessThan(amount) {
		return domain.Transfer{}, domain.InsufficientBalancef(
			"balance %s is not sufficient for a payment of %s", balance, payment.Amount)
	}

	seq, err := a.nextSequence()
	if err != nil {
		return domain.Transfer{}, err
	}
	asset := a.currency.Asset()
	b := horizon.NewTxBuilder(a.id, seq).AddOperation(horizon.Operation{
		Type:        horizon.OpPayment,
		Source:      a.id,
		Destination: payment.Payee,
		Asset:       refOf(asset),
		Amount:      payment.Amount,
	})
	result, err := a.currency.ledger.SubmitTransaction(ctx, b, []*keypair.Full{keys.Account}, keys.Sponsor)
	if err != nil {
		return domain.Transfer{}, err
	}
	a.debit(asset, amount)

	transfer := domain.Transfer{
		Payer:  a.id,
		Payee:  payment.Payee,
		Amount: payment.Amount,
		Asset:  asset,
		Hash:   result.Hash,
	}
	a.currency.ledger.bus.emitTransfer("transfer", a.currency, transfer)
	a.log.WithFields(logrus.Fields{"hash": result.Hash, "payee": payment.Payee}).
		Infof("paid %s %s", payment.Amount, asset.Code)
	return transfer, nil
}

// ExternalPay sends a strict-receive path payment so the payee receives
// exactly payment.Amount of the quoted destination asset.
func (a *Account) ExternalPay(ctx context.Context, payment ExternalPayment, keys PayKeys) (domain.ExternalTransfer, error) {
	if _, err := parsePositiveAmount(payment.Amount); err != nil {
		return domain.ExternalTransfer{}, err
	}
	sourceAmount, err := parsePositiveAmount(payment.Quote.SourceAmount)
	if err != nil {
		return domain.ExternalTransfer{}, err
	}
	balance, err := a.Balance()
	if err != nil {
		return domain.ExternalTransfer{}, err
	}
	held, err := parseAmount(balance)
	if err != nil {
		return domain.ExternalTransfer{}, err
	}
	if held.LessThan(sourceAmount) {
		return domain.ExternalTransfer{}, domain.InsufficientBalancef(
			"balance %s is not sufficient for a path payment of up to %s", balance, payment.Quote.SourceAmount)
	}

	seq, err := a.nextSequence()
	if err != nil {
		return domain.ExternalTransfer{}, err
	}
	path := make([]horizon.AssetRef, len(payment.Quote.Path))
	for i, asset := range payment.Quote.Path {
		path[i] = horizon.Ref(asset)
	}
	b := horizon.NewTxBuilder(a.id, seq).AddOperation(horizon.Operation{
		Type:        horizon.OpPathPaymentStrictReceive,
		Source:      a.id,
		SendAsset:   refOf(payment.Quote.SourceAsset),
		SendMax:     payment.Quote.SourceAmount,
		Destination: payment.Payee,
		DestAsset:   refOf(payment.Quote.DestAsset),
		DestAmount:  payment.Amount,
		Path:        path,
	})
	result, err := a.currency.ledger.SubmitTransaction(ctx, b, []*keypair.Full{keys.Account}, keys.Sponsor)
	if err != nil {
		return domain.ExternalTransfer{}, err
	}
	a.debit(payment.Quote.SourceAsset, sourceAmount)

	transfer := domain.ExternalTransfer{
		Transfer: domain.Transfer{
			Payer:  a.id,
			Payee:  payment.Payee,
			Amount: payment.Amount,
			Asset:  payment.Quote.DestAsset,
			Hash:   result.Hash,
		},
		SourceAsset: payment.Quote.SourceAsset,
		// With 1:1 HOUR legs the quoted source amount is exact; a
		// cheaper fill would only lower it.
		SourceAmount: payment.Quote.SourceAmount,
	}
	a.log.WithFields(logrus.Fields{"hash": result.Hash, "payee": payment.Payee}).
		Infof("paid %s %s through path", payment.Amount, payment.Quote.DestAsset.Code)
	return transfer, nil
}

// Transfers returns every local-asset payment made from or to this
// account, paging through the full payment history.
func (a *Account) Transfers(ctx context.Context) ([]domain.Transfer, error) {
	local := a.currency.Asset()
	var transfers []domain.Transfer
	cursor := ""
	for {
		records, next, err := a.currency.ledger.backend.Payments(ctx, a.id, cursor, paymentsPageSize)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if r.Type != horizon.OpRecordPayment || !r.Asset().Equals(local) {
				continue
			}
			transfers = append(transfers, domain.Transfer{
				Payer:  r.From,
				Payee:  r.To,
				Amount: r.Amount,
				Asset:  local,
				Hash:   r.TransactionHash,
			})
		}
		if len(records) == 0 || next == "" || next == cursor {
			break
		}
		cursor = next
	}
	return transfers, nil
}

// Credit reconstructs the net credit extended to this account by the
// currency's credit account: payments received from it minus payments
// returned to it. Derived from payment history, never stored.
func (a *Account) Credit(ctx context.Context) (string, error) {
	transfers, err := a.Transfers(ctx)
	if err != nil {
		return "", err
	}
	creditAccount := a.currency.data.CreditPublicKey
	total := decimal.Zero
	for _, t := range transfers {
		amount, err := parseAmount(t.Amount)
		if err != nil {
			return "", err
		}
		switch {
		case t.Payer == creditAccount:
			total = total.Add(amount)
		case t.Payee == creditAccount:
			total = total.Sub(amount)
		}
	}
	return total.String(), nil
}

// UpdateCredit moves the account's credit to the target amount and
// returns the signed difference, or "0" when already at the target
// (in which case no transaction is issued).
func (a *Account) UpdateCredit(ctx context.Context, amount string, keys CreditKeys) (string, error) {
	target, err := parseAmount(amount)
	if err != nil {
		return "", err
	}
	if target.IsNegative() {
		return "", domain.Validationf("credit target %q is negative", amount)
	}
	current, err := a.Credit(ctx)
	if err != nil {
		return "", err
	}
	currentCredit, err := parseAmount(current)
	if err != nil {
		return "", err
	}
	diff := target.Sub(currentCredit)
	if diff.IsZero() {
		return "0", nil
	}

	if diff.IsNegative() {
		if keys.Account == nil {
			return "", domain.Validationf("account key required to reduce credit")
		}
		_, err := a.Pay(ctx, Payment{
			Payee:  a.currency.data.CreditPublicKey,
			Amount: diff.Abs().String(),
		}, PayKeys{Account: keys.Account, Sponsor: keys.Sponsor})
		if err != nil {
			return "", err
		}
	} else {
		if keys.Credit == nil {
			return "", domain.Validationf("credit key required to increase credit")
		}
		creditAccount, err := a.currency.CreditAccount(ctx)
		if err != nil {
			return "", err
		}
		creditBalance, err := creditAccount.Balance()
		if err != nil {
			return "", err
		}
		seq, err := creditAccount.nextSequence()
		if err != nil {
			return "", err
		}
		b := horizon.NewTxBuilder(creditAccount.id, seq)
		signers := newSignerSet()
		if err := a.currency.addCreditOps(b, a.id, diff.String(), creditBalance, fundingKeys{
			Credit: keys.Credit,
			Issuer: keys.Issuer,
		}, signers); err != nil {
			return "", err
		}
		if _, err := a.currency.ledger.SubmitTransaction(ctx, b, signers.list(), keys.Sponsor); err != nil {
			return "", err
		}
	}
	a.log.Infof("credit updated from %s to %s", current, amount)
	return diff.String(), nil
}

// UpdateMaximumBalance sets the local-asset trustline limit. A nil
// limit means unlimited. It is a no-op when the requested limit already
// matches; the issuer does not co-sign a limit change.
func (a *Account) UpdateMaximumBalance(ctx context.Context, limit *string, keys PayKeys) error {
	if limit != nil {
		current, err := a.MaximumBalance()
		if err != nil {
			return err
		}
		want, err := parseAmount(*limit)
		if err != nil {
			return err
		}
		have, err := parseAmount(current)
		if err != nil {
			return err
		}
		if want.Equal(have) {
			return nil
		}
	}
	seq, err := a.nextSequence()
	if err != nil {
		return err
	}
	b := horizon.NewTxBuilder(a.id, seq).AddOperation(horizon.Operation{
		Type:   horizon.OpChangeTrust,
		Source: a.id,
		Asset:  refOf(a.currency.Asset()),
		Limit:  limit,
	})
	if _, err := a.currency.ledger.SubmitTransaction(ctx, b, []*keypair.Full{keys.Account}, keys.Sponsor); err != nil {
		return err
	}
	a.log.Info("maximum balance updated")
	return nil
}

// moveBalanceAndDeleteOps appends the operations that empty the
// account's local-asset balance to destination, drop the trustline and
// merge the remaining reserve into mergeInto.
func (a *Account) moveBalanceAndDeleteOps(b *horizon.TxBuilder, destination, mergeInto string) error {
	balance, err := a.Balance()
	if err != nil {
		return err
	}
	held, err := parseAmount(balance)
	if err != nil {
		return err
	}
	asset := a.currency.Asset()
	if held.IsPositive() {
		b.AddOperation(horizon.Operation{
			Type:        horizon.OpPayment,
			Source:      a.id,
			Destination: destination,
			Asset:       refOf(asset),
			Amount:      balance,
		})
	}
	zero := "0"
	b.AddOperation(horizon.Operation{
		Type:   horizon.OpChangeTrust,
		Source: a.id,
		Asset:  refOf(asset),
		Limit:  &zero,
	}).AddOperation(horizon.Operation{
		Type:        horizon.OpAccountMerge,
		Source:      a.id,
		Destination: mergeInto,
	})
	return nil
}

func (a *Account) moveBalanceAndDelete(ctx context.Context, destination string, keys AdminKeys) error {
	seq, err := a.nextSequence()
	if err != nil {
		return err
	}
	b := horizon.NewTxBuilder(a.id, seq)
	if err := a.moveBalanceAndDeleteOps(b, destination, keys.Sponsor.Address()); err != nil {
		return err
	}
	if _, err := a.currency.ledger.SubmitTransaction(ctx, b, []*keypair.Full{keys.Admin}, keys.Sponsor); err != nil {
		return err
	}
	a.invalidate()
	return nil
}

// Delete removes the account from the network, returning its remaining
// balance to the credit account.
func (a *Account) Delete(ctx context.Context, keys AdminKeys) error {
	if err := a.moveBalanceAndDelete(ctx, a.currency.data.CreditPublicKey, keys); err != nil {
		return err
	}
	a.log.Info("account deleted")
	return nil
}

// Disable removes the account from the network, parking its balance in
// the currency's disabled-accounts pool so it can be restored later.
func (a *Account) Disable(ctx context.Context, keys AdminKeys) error {
	pool := a.currency.data.DisabledAccountsPoolPublicKey
	if pool == "" {
		return domain.Internalf("currency %s has no disabled accounts pool", a.currency.config.Code)
	}
	if err := a.moveBalanceAndDelete(ctx, pool, keys); err != nil {
		return err
	}
	a.log.Info("account disabled")
	return nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, domain.Validationf("invalid amount %q", s)
	}
	return d, nil
}

// parsePositiveAmount guards every payment path: a zero or negative
// amount must fail before any transaction is built.
func parsePositiveAmount(s string) (decimal.Decimal, error) {
	d, err := parseAmount(s)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, domain.Validationf("amount %q is not positive", s)
	}
	return d, nil
}

func refOf(a domain.Asset) *horizon.AssetRef {
	r := horizon.Ref(a)
	return &r
}
