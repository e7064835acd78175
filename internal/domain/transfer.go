package domain

// Transfer is the read-only record of a completed payment,
// reconstructed from ledger transaction data.
type Transfer struct {
	Payer  string
	Payee  string
	Amount string
	Asset  Asset
	// Hash of the ledger transaction that settled the payment.
	Hash string
}

// ExternalTransfer is a transfer settled across currencies through a
// conversion path. Amount/Asset describe what the payee received,
// SourceAmount/SourceAsset what the payer spent.
type ExternalTransfer struct {
	Transfer
	SourceAsset  Asset
	SourceAmount string
}

// AnyTransfer is either a Transfer or an ExternalTransfer. Callers
// type-switch when they care about the source leg.
type AnyTransfer interface {
	TransferRecord() Transfer
}

func (t Transfer) TransferRecord() Transfer { return t }

// PathQuote describes a viable conversion path found on the network.
// It is consumed immediately by an external payment, never persisted.
type PathQuote struct {
	SourceAmount string
	SourceAsset  Asset
	DestAmount   string
	DestAsset    Asset
	// Path lists the intermediate assets, in order.
	Path []Asset
}
