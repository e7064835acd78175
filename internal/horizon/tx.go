package horizon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/mutua/hourledger/pkg/keypair"
)

// Operation types accepted in a transaction envelope.
type OpType string

const (
	OpCreateAccount            OpType = "create_account"
	OpPayment                  OpType = "payment"
	OpChangeTrust              OpType = "change_trust"
	OpSetOptions               OpType = "set_options"
	OpSetTrustLineFlags        OpType = "set_trust_line_flags"
	OpManageSellOffer          OpType = "manage_sell_offer"
	OpCreatePassiveSellOffer   OpType = "create_passive_sell_offer"
	OpPathPaymentStrictReceive OpType = "path_payment_strict_receive"
	OpBeginSponsoringReserves  OpType = "begin_sponsoring_future_reserves"
	OpEndSponsoringReserves    OpType = "end_sponsoring_future_reserves"
	OpAccountMerge             OpType = "account_merge"
)

// Asset-control flags on an issuer account.
const (
	AuthRequiredFlag        uint32 = 1 << 0
	AuthRevocableFlag       uint32 = 1 << 1
	AuthClawbackEnabledFlag uint32 = 1 << 2
)

// SignerOptions adds a co-signer with a weight to an account.
type SignerOptions struct {
	PublicKey string `json:"public_key"`
	Weight    int    `json:"weight"`
}

// Operation is one step of a transaction. Only the fields relevant to
// its Type are set; the zero value of the rest is omitted on the wire.
type Operation struct {
	Type   OpType `json:"type"`
	Source string `json:"source,omitempty"`

	// create_account, payment, account_merge
	Destination     string `json:"destination,omitempty"`
	StartingBalance string `json:"starting_balance,omitempty"`

	// payment, change_trust, set_trust_line_flags
	Asset  *AssetRef `json:"asset,omitempty"`
	Amount string    `json:"amount,omitempty"`
	// Limit of a trustline; nil means unlimited.
	Limit *string `json:"limit,omitempty"`

	// set_options
	SetFlags      uint32         `json:"set_flags,omitempty"`
	HomeDomain    string         `json:"home_domain,omitempty"`
	Signer        *SignerOptions `json:"signer,omitempty"`
	MasterWeight  *int           `json:"master_weight,omitempty"`
	LowThreshold  *int           `json:"low_threshold,omitempty"`
	MedThreshold  *int           `json:"med_threshold,omitempty"`
	HighThreshold *int           `json:"high_threshold,omitempty"`

	// set_trust_line_flags
	Trustor    string `json:"trustor,omitempty"`
	Authorized *bool  `json:"authorized,omitempty"`

	// offers
	OfferID string    `json:"offer_id,omitempty"`
	Selling *AssetRef `json:"selling,omitempty"`
	Buying  *AssetRef `json:"buying,omitempty"`
	Price   *Price    `json:"price,omitempty"`

	// path_payment_strict_receive
	SendAsset  *AssetRef  `json:"send_asset,omitempty"`
	SendMax    string     `json:"send_max,omitempty"`
	DestAsset  *AssetRef  `json:"dest_asset,omitempty"`
	DestAmount string     `json:"dest_amount,omitempty"`
	Path       []AssetRef `json:"path,omitempty"`

	// begin_sponsoring_future_reserves
	SponsoredID string `json:"sponsored_id,omitempty"`
}

// Signature is one signer's signature over the transaction hash.
type Signature struct {
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

// Transaction is a signed multi-operation envelope. The fee source pays
// the network fee (the sponsor in every flow of this engine) and must
// be among the signers.
type Transaction struct {
	Source     string      `json:"source"`
	Sequence   int64       `json:"sequence,string"`
	FeeSource  string      `json:"fee_source"`
	BaseFee    int64       `json:"base_fee"`
	Operations []Operation `json:"operations"`
	Signatures []Signature `json:"signatures,omitempty"`
}

// DefaultBaseFee is the per-operation fee bid.
const DefaultBaseFee = 100

// Hash returns the sha256 of the canonical unsigned envelope.
func (t *Transaction) Hash() ([32]byte, error) {
	unsigned := *t
	unsigned.Signatures = nil
	raw, err := json.Marshal(&unsigned)
	if err != nil {
		return [32]byte{}, errors.Wrap(err, "encoding transaction")
	}
	return sha256.Sum256(raw), nil
}

// HashHex returns the transaction hash in hex.
func (t *Transaction) HashHex() (string, error) {
	h, err := t.Hash()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h[:]), nil
}

// Sign appends signatures from the given keys, skipping keys that have
// already signed.
func (t *Transaction) Sign(keys ...*keypair.Full) error {
	h, err := t.Hash()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k == nil {
			continue
		}
		addr := k.Address()
		if t.signedBy(addr) {
			continue
		}
		t.Signatures = append(t.Signatures, Signature{
			PublicKey: addr,
			Signature: hex.EncodeToString(k.Sign(h[:])),
		})
	}
	return nil
}

func (t *Transaction) signedBy(address string) bool {
	for _, s := range t.Signatures {
		if s.PublicKey == address {
			return true
		}
	}
	return false
}

// TxBuilder accumulates operations for a source account. The sequence
// number must already be the next one to consume.
type TxBuilder struct {
	source   string
	sequence int64
	ops      []Operation
}

func NewTxBuilder(sourceAccount string, sequence int64) *TxBuilder {
	return &TxBuilder{source: sourceAccount, sequence: sequence}
}

func (b *TxBuilder) AddOperation(op Operation) *TxBuilder {
	b.ops = append(b.ops, op)
	return b
}

// Len returns the number of operations added so far.
func (b *TxBuilder) Len() int { return len(b.ops) }

// Build assembles the unsigned envelope with the given fee source.
func (b *TxBuilder) Build(feeSource string) (*Transaction, error) {
	if len(b.ops) == 0 {
		return nil, errors.New("transaction has no operations")
	}
	return &Transaction{
		Source:     b.source,
		Sequence:   b.sequence,
		FeeSource:  feeSource,
		BaseFee:    DefaultBaseFee,
		Operations: b.ops,
	}, nil
}
