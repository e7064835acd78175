// Package horizon talks to the public API of the distributed ledger
// network: account state, offers, trades, conversion paths, transaction
// submission and the trade-event stream.
package horizon

import (
	"github.com/mutua/hourledger/internal/domain"
)

// Account is the network's view of an account.
type Account struct {
	ID       string    `json:"id"`
	Sequence int64     `json:"sequence,string"`
	Balances []Balance `json:"balances"`
}

// Balance is one trustline entry of an account.
type Balance struct {
	AssetCode   string `json:"asset_code"`
	AssetIssuer string `json:"asset_issuer"`
	Balance     string `json:"balance"`
	Limit       string `json:"limit"`
}

func (b Balance) Asset() domain.Asset {
	return domain.NewAsset(b.AssetCode, b.AssetIssuer)
}

// Find returns the balance line for the given asset, or nil.
func (a *Account) Find(asset domain.Asset) *Balance {
	for i := range a.Balances {
		if a.Balances[i].Asset().Equals(asset) {
			return &a.Balances[i]
		}
	}
	return nil
}

// AssetRef is the wire form of an asset in offers and operations.
type AssetRef struct {
	Code   string `json:"asset_code"`
	Issuer string `json:"asset_issuer"`
}

func Ref(a domain.Asset) AssetRef {
	return AssetRef{Code: a.Code, Issuer: a.Issuer}
}

func (r AssetRef) Asset() domain.Asset {
	return domain.NewAsset(r.Code, r.Issuer)
}

// Price is an exact fractional offer price.
type Price struct {
	N int64 `json:"n"`
	D int64 `json:"d"`
}

func PriceFromRate(r domain.Rate) Price { return Price{N: r.N, D: r.D} }

func (p Price) Equals(o Price) bool { return p.N == o.N && p.D == o.D }

// Offer is a standing sell offer on the order book.
type Offer struct {
	ID      string   `json:"id"`
	Seller  string   `json:"seller"`
	Selling AssetRef `json:"selling"`
	Buying  AssetRef `json:"buying"`
	Amount  string   `json:"amount"`
	Price   Price    `json:"price_r"`
}

// Trade is one executed trade, as delivered by the trade stream. The
// paging token is the stream cursor position of the record.
type Trade struct {
	ID                 string `json:"id"`
	PagingToken        string `json:"paging_token"`
	OperationID        string `json:"operation_id"`
	BaseAccount        string `json:"base_account"`
	BaseAssetCode      string `json:"base_asset_code"`
	BaseAssetIssuer    string `json:"base_asset_issuer"`
	BaseAmount         string `json:"base_amount"`
	CounterAccount     string `json:"counter_account"`
	CounterAssetCode   string `json:"counter_asset_code"`
	CounterAssetIssuer string `json:"counter_asset_issuer"`
	CounterAmount      string `json:"counter_amount"`
	BaseIsSeller       bool   `json:"base_is_seller"`
}

func (t *Trade) BaseAsset() domain.Asset {
	return domain.NewAsset(t.BaseAssetCode, t.BaseAssetIssuer)
}

func (t *Trade) CounterAsset() domain.Asset {
	return domain.NewAsset(t.CounterAssetCode, t.CounterAssetIssuer)
}

// OperationRecord is one applied operation of a submitted transaction.
type OperationRecord struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	TransactionHash string `json:"transaction_hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	Amount          string `json:"amount"`
	AssetCode       string `json:"asset_code"`
	AssetIssuer     string `json:"asset_issuer"`
	// Path payments additionally record the source leg.
	SourceAmount      string `json:"source_amount,omitempty"`
	SourceAssetCode   string `json:"source_asset_code,omitempty"`
	SourceAssetIssuer string `json:"source_asset_issuer,omitempty"`
}

// Operation types as reported by the network.
const (
	OpRecordPayment     = "payment"
	OpRecordPathPayment = "path_payment_strict_receive"
)

func (o *OperationRecord) Asset() domain.Asset {
	return domain.NewAsset(o.AssetCode, o.AssetIssuer)
}

// Path is one candidate conversion path from a strict-receive search.
type Path struct {
	SourceAmount      string     `json:"source_amount"`
	DestinationAmount string     `json:"destination_amount"`
	Path              []AssetRef `json:"path"`
}

// TxResult is the network's acknowledgement of a submitted transaction.
type TxResult struct {
	Hash       string `json:"hash"`
	Ledger     int64  `json:"ledger"`
	Successful bool   `json:"successful"`
}

// page is the generic embedded-records envelope of list endpoints.
type page[T any] struct {
	Embedded struct {
		Records []T `json:"records"`
	} `json:"_embedded"`
	// Cursor of the last record, for resuming paged reads.
	NextCursor string `json:"next_cursor"`
}
