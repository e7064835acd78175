package horizon

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/mutua/hourledger/internal/domain"
)

// Client is the REST client for the ledger network API.
type Client struct {
	base      string
	streamURL string
	rc        *resty.Client
}

// Option customises a Client.
type Option func(*Client)

// WithStreamURL overrides the websocket endpoint derived from the base
// URL.
func WithStreamURL(u string) Option {
	return func(c *Client) { c.streamURL = strings.TrimSuffix(u, "/") }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.rc.SetTimeout(d) }
}

// NewClient builds a client for the network API at base.
func NewClient(base string, opts ...Option) *Client {
	base = strings.TrimSuffix(base, "/")

	rc := resty.New().
		SetBaseURL(base).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests ||
				r.StatusCode() >= http.StatusInternalServerError
		})

	c := &Client{base: base, rc: rc, streamURL: deriveStreamURL(base)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func deriveStreamURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

func (c *Client) get(ctx context.Context, path string, params map[string]string, out any) error {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(out).
		Get(path)
	if err != nil {
		return errors.Wrapf(err, "GET %s", path)
	}
	return c.checkStatus(resp, path)
}

func (c *Client) checkStatus(resp *resty.Response, path string) error {
	switch {
	case resp.IsSuccess():
		return nil
	case resp.StatusCode() == http.StatusNotFound:
		return domain.WrapNotFound(errors.Errorf("%s: %s", path, resp.Status()), "resource not found")
	default:
		body := string(resp.Body())
		if len(body) > 512 {
			body = body[:512]
		}
		return errors.Errorf("%s: %s: %s", path, resp.Status(), body)
	}
}

// LoadAccount fetches the current state of an account.
func (c *Client) LoadAccount(ctx context.Context, id string) (*Account, error) {
	var acc Account
	if err := c.get(ctx, "/accounts/"+id, nil, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// SubmitTransaction posts a signed envelope and waits for the network's
// acknowledgement.
func (c *Client) SubmitTransaction(ctx context.Context, tx *Transaction) (*TxResult, error) {
	var result TxResult
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(tx).
		SetResult(&result).
		Post("/transactions")
	if err != nil {
		return nil, errors.Wrap(err, "submitting transaction")
	}
	if err := c.checkStatus(resp, "/transactions"); err != nil {
		return nil, err
	}
	return &result, nil
}

// Offers lists the seller's open offers, optionally filtered by the
// selling and buying assets.
func (c *Client) Offers(ctx context.Context, seller string, selling, buying *domain.Asset, limit int) ([]Offer, error) {
	params := map[string]string{
		"seller": seller,
		"limit":  strconv.Itoa(limit),
	}
	if selling != nil {
		params["selling"] = selling.String()
	}
	if buying != nil {
		params["buying"] = buying.String()
	}
	var p page[Offer]
	if err := c.get(ctx, "/offers", params, &p); err != nil {
		return nil, err
	}
	return p.Embedded.Records, nil
}

// StrictReceivePaths searches conversion paths delivering destAmount of
// dest starting from source.
func (c *Client) StrictReceivePaths(ctx context.Context, source, dest domain.Asset, destAmount string) ([]Path, error) {
	params := map[string]string{
		"source_asset":       source.String(),
		"destination_asset":  dest.String(),
		"destination_amount": destAmount,
	}
	var p page[Path]
	if err := c.get(ctx, "/paths/strict-receive", params, &p); err != nil {
		return nil, err
	}
	return p.Embedded.Records, nil
}

// TransactionOperations lists the operations of a submitted transaction.
func (c *Client) TransactionOperations(ctx context.Context, hash string) ([]OperationRecord, error) {
	var p page[OperationRecord]
	if err := c.get(ctx, "/transactions/"+hash+"/operations", map[string]string{"limit": "100"}, &p); err != nil {
		return nil, err
	}
	return p.Embedded.Records, nil
}

// Operation fetches one operation record by id.
func (c *Client) Operation(ctx context.Context, id string) (*OperationRecord, error) {
	var op OperationRecord
	if err := c.get(ctx, "/operations/"+id, nil, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// Payments returns one page of payment operations involving the
// account, plus the cursor to resume from.
func (c *Client) Payments(ctx context.Context, account, cursor string, limit int) ([]OperationRecord, string, error) {
	params := map[string]string{"limit": strconv.Itoa(limit)}
	if cursor != "" {
		params["cursor"] = cursor
	}
	var p page[OperationRecord]
	if err := c.get(ctx, "/accounts/"+account+"/payments", params, &p); err != nil {
		return nil, "", err
	}
	return p.Embedded.Records, p.NextCursor, nil
}

// AccountsForAsset lists accounts holding a trustline to the asset.
func (c *Client) AccountsForAsset(ctx context.Context, asset domain.Asset, limit int) ([]Account, error) {
	params := map[string]string{
		"asset": asset.String(),
		"limit": strconv.Itoa(limit),
	}
	var p page[Account]
	if err := c.get(ctx, "/accounts", params, &p); err != nil {
		return nil, err
	}
	return p.Embedded.Records, nil
}
