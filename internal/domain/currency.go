package domain

import (
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/mutua/hourledger/pkg/keypair"
)

var currencyCodeRe = regexp.MustCompile(`^[A-Z0-9]{4}$`)

// CurrencyConfig is the immutable configuration of a currency. Amounts
// are decimal strings in local currency units.
type CurrencyConfig struct {
	// Code is the 4-character currency code.
	Code string
	// Rate values the currency in HOURs.
	Rate Rate
	// ExternalTraderInitialCredit is the starting local balance of the
	// bridge trader account, i.e. the total local currency that incoming
	// external payments may create. Empty means "0".
	ExternalTraderInitialCredit string
	// ExternalTraderMaximumBalance caps the bridge trader's local
	// balance. This minus the initial credit bounds outgoing external
	// payments. Empty means unbounded.
	ExternalTraderMaximumBalance string
}

func (c CurrencyConfig) Validate() error {
	if !currencyCodeRe.MatchString(c.Code) {
		return Validationf("invalid currency code %q", c.Code)
	}
	if err := c.Rate.Validate(); err != nil {
		return err
	}
	for _, amt := range []string{c.ExternalTraderInitialCredit, c.ExternalTraderMaximumBalance} {
		if amt == "" {
			continue
		}
		d, err := decimal.NewFromString(amt)
		if err != nil || d.IsNegative() {
			return Validationf("invalid amount %q", amt)
		}
	}
	return nil
}

// InitialCredit returns the configured initial credit, defaulting to "0".
func (c CurrencyConfig) InitialCredit() string {
	if c.ExternalTraderInitialCredit == "" {
		return "0"
	}
	return c.ExternalTraderInitialCredit
}

// CurrencyKeys are the five signing identities a currency needs. They
// are returned once at creation for the caller to persist; the engine
// keeps no copy.
type CurrencyKeys struct {
	Issuer         *keypair.Full
	Credit         *keypair.Full
	Admin          *keypair.Full
	ExternalIssuer *keypair.Full
	ExternalTrader *keypair.Full
}

// Data returns the public-key-only, persistable counterpart of the keys.
func (k CurrencyKeys) Data() CurrencyData {
	return CurrencyData{
		IssuerPublicKey:         k.Issuer.Address(),
		CreditPublicKey:         k.Credit.Address(),
		AdminPublicKey:          k.Admin.Address(),
		ExternalIssuerPublicKey: k.ExternalIssuer.Address(),
		ExternalTraderPublicKey: k.ExternalTrader.Address(),
	}
}

// CurrencyData holds the on-ledger identities of a currency.
type CurrencyData struct {
	IssuerPublicKey         string `json:"issuerPublicKey" yaml:"issuerPublicKey"`
	CreditPublicKey         string `json:"creditPublicKey" yaml:"creditPublicKey"`
	AdminPublicKey          string `json:"adminPublicKey" yaml:"adminPublicKey"`
	ExternalIssuerPublicKey string `json:"externalIssuerPublicKey" yaml:"externalIssuerPublicKey"`
	ExternalTraderPublicKey string `json:"externalTraderPublicKey" yaml:"externalTraderPublicKey"`
	// DisabledAccountsPoolPublicKey is the shared settlement account
	// holding the balances of disabled members, if the currency has one.
	DisabledAccountsPoolPublicKey string `json:"disabledAccountsPoolPublicKey,omitempty" yaml:"disabledAccountsPoolPublicKey,omitempty"`
}

// CurrencyState is the mutable checkpoint the caller must persist
// between runs. Resuming from an older cursor re-delivers trades, which
// the engine tolerates.
type CurrencyState struct {
	ExternalTradesStreamCursor string `json:"externalTradesStreamCursor"`
}
