package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mutua/hourledger/internal/domain"
	"github.com/mutua/hourledger/internal/horizon"
	"github.com/mutua/hourledger/pkg/keypair"
)

// mockBackend is an in-memory Backend with call tracking and error
// injection.
type mockBackend struct {
	mu sync.Mutex

	// Response data
	accounts   map[string]*horizon.Account
	offers     []horizon.Offer
	paths      []horizon.Path
	txOps      map[string][]horizon.OperationRecord
	operations map[string]*horizon.OperationRecord
	payments   []horizon.OperationRecord
	holders    []horizon.Account
	stream     horizon.StreamReader

	loadDelay     time.Duration
	submitted     []*horizon.Transaction
	streamCursors []string

	// Call tracking
	calls map[string]int

	// Error injection
	errOnNext map[string]error
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		accounts:   make(map[string]*horizon.Account),
		txOps:      make(map[string][]horizon.OperationRecord),
		operations: make(map[string]*horizon.OperationRecord),
		calls:      make(map[string]int),
		errOnNext:  make(map[string]error),
	}
}

func (m *mockBackend) trackCall(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[name]++
	if err, ok := m.errOnNext[name]; ok {
		delete(m.errOnNext, name)
		return err
	}
	return nil
}

func (m *mockBackend) callCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

func (m *mockBackend) failNext(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errOnNext[name] = err
}

func (m *mockBackend) setAccount(acc *horizon.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acc.ID] = acc
}

func (m *mockBackend) submittedTxs() []*horizon.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*horizon.Transaction(nil), m.submitted...)
}

func (m *mockBackend) LoadAccount(ctx context.Context, id string) (*horizon.Account, error) {
	if err := m.trackCall("LoadAccount"); err != nil {
		return nil, err
	}
	if m.loadDelay > 0 {
		time.Sleep(m.loadDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return nil, domain.NotFoundf("account %s not found", id)
	}
	// Return a fresh copy: the engine mutates what it caches.
	clone := *acc
	clone.Balances = append([]horizon.Balance(nil), acc.Balances...)
	return &clone, nil
}

func (m *mockBackend) SubmitTransaction(ctx context.Context, tx *horizon.Transaction) (*horizon.TxResult, error) {
	if err := m.trackCall("SubmitTransaction"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, tx)
	return &horizon.TxResult{
		Hash:       fmt.Sprintf("hash-%d", len(m.submitted)),
		Ledger:     int64(len(m.submitted)),
		Successful: true,
	}, nil
}

func (m *mockBackend) Offers(ctx context.Context, seller string, selling, buying *domain.Asset, limit int) ([]horizon.Offer, error) {
	if err := m.trackCall("Offers"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []horizon.Offer
	for _, o := range m.offers {
		if o.Seller != seller {
			continue
		}
		if selling != nil && !o.Selling.Asset().Equals(*selling) {
			continue
		}
		if buying != nil && !o.Buying.Asset().Equals(*buying) {
			continue
		}
		out = append(out, o)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockBackend) StrictReceivePaths(ctx context.Context, source, dest domain.Asset, destAmount string) ([]horizon.Path, error) {
	if err := m.trackCall("StrictReceivePaths"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]horizon.Path(nil), m.paths...), nil
}

func (m *mockBackend) TransactionOperations(ctx context.Context, hash string) ([]horizon.OperationRecord, error) {
	if err := m.trackCall("TransactionOperations"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ops, ok := m.txOps[hash]
	if !ok {
		return nil, domain.NotFoundf("transaction %s not found", hash)
	}
	return ops, nil
}

func (m *mockBackend) Operation(ctx context.Context, id string) (*horizon.OperationRecord, error) {
	if err := m.trackCall("Operation"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[id]
	if !ok {
		return nil, domain.NotFoundf("operation %s not found", id)
	}
	return op, nil
}

func (m *mockBackend) Payments(ctx context.Context, account, cursor string, limit int) ([]horizon.OperationRecord, string, error) {
	if err := m.trackCall("Payments"); err != nil {
		return nil, "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cursor != "" {
		return nil, "", nil
	}
	return append([]horizon.OperationRecord(nil), m.payments...), "end", nil
}

func (m *mockBackend) AccountsForAsset(ctx context.Context, asset domain.Asset, limit int) ([]horizon.Account, error) {
	if err := m.trackCall("AccountsForAsset"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]horizon.Account(nil), m.holders...), nil
}

func (m *mockBackend) OpenTradeStream(ctx context.Context, account, cursor string) (horizon.StreamReader, error) {
	if err := m.trackCall("OpenTradeStream"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamCursors = append(m.streamCursors, cursor)
	if m.stream == nil {
		return nil, domain.Internalf("no stream configured")
	}
	return m.stream, nil
}

func (m *mockBackend) streamCursorArgs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.streamCursors...)
}

// fixture wires a ledger, one currency and a mock backend.
type fixture struct {
	t        *testing.T
	backend  *mockBackend
	ledger   *Ledger
	currency *Currency

	sponsor *keypair.Full
	keys    *domain.CurrencyKeys
}

func mustKey(t *testing.T) *keypair.Full {
	t.Helper()
	k, err := keypair.Random()
	if err != nil {
		t.Fatalf("generating keypair: %v", err)
	}
	return k
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	keys := &domain.CurrencyKeys{
		Issuer:         mustKey(t),
		Credit:         mustKey(t),
		Admin:          mustKey(t),
		ExternalIssuer: mustKey(t),
		ExternalTrader: mustKey(t),
	}
	backend := newMockBackend()
	l := New(backend, WithHomeDomain("example.com"))
	t.Cleanup(l.Stop)

	config := domain.CurrencyConfig{
		Code: "TEST",
		Rate: domain.NewRate(1, 10),
	}
	currency, err := l.GetCurrency(config, keys.Data(), nil)
	if err != nil {
		t.Fatalf("getting currency: %v", err)
	}
	return &fixture{
		t:        t,
		backend:  backend,
		ledger:   l,
		currency: currency,
		sponsor:  mustKey(t),
		keys:     keys,
	}
}

func (f *fixture) local() domain.Asset { return f.currency.Asset() }
func (f *fixture) hour() domain.Asset  { return f.currency.Hour() }

func line(asset domain.Asset, balance, limit string) horizon.Balance {
	return horizon.Balance{
		AssetCode:   asset.Code,
		AssetIssuer: asset.Issuer,
		Balance:     balance,
		Limit:       limit,
	}
}

func mockAccount(id string, seq int64, lines ...horizon.Balance) *horizon.Account {
	return &horizon.Account{ID: id, Sequence: seq, Balances: lines}
}

// loadedAccount registers the account on the backend and returns its
// refreshed orchestrator.
func (f *fixture) loadedAccount(acc *horizon.Account) *Account {
	f.t.Helper()
	f.backend.setAccount(acc)
	a, err := f.currency.GetAccount(context.Background(), acc.ID)
	if err != nil {
		f.t.Fatalf("loading account %s: %v", acc.ID, err)
	}
	return a
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}
