package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/mutua/hourledger/internal/domain"
	"github.com/mutua/hourledger/internal/horizon"
)

// fakeStream delivers queued trades then fails like a dropped
// connection.
type fakeStream struct {
	mu     sync.Mutex
	trades []*horizon.Trade
	idx    int
}

func (s *fakeStream) Recv() (*horizon.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx >= len(s.trades) {
		return nil, errors.New("stream disconnected")
	}
	t := s.trades[s.idx]
	s.idx++
	return t, nil
}

func (s *fakeStream) Close() error { return nil }

func TestStreamAdvancesCursorPastFailedTrades(t *testing.T) {
	f := newFixture(t)
	hour := f.hour()
	foreignIssuer := mustKey(t).Address()

	f.backend.stream = &fakeStream{trades: []*horizon.Trade{
		{
			ID: "t1", PagingToken: "101",
			BaseAssetCode: hour.Code, BaseAssetIssuer: hour.Issuer,
			CounterAssetCode: domain.GlobalHourCode, CounterAssetIssuer: foreignIssuer,
			BaseIsSeller: true,
		},
		// A pairing the bridge protocol never produces; its handler fails
		// but the cursor still moves past it.
		{
			ID: "t2", PagingToken: "102",
			BaseAssetCode: "EURX", BaseAssetIssuer: foreignIssuer,
			CounterAssetCode: "USDX", CounterAssetIssuer: foreignIssuer,
			BaseIsSeller: true,
		},
	}}

	states := make(chan domain.CurrencyState, 8)
	errs := make(chan error, 16)
	hourTrades := make(chan domain.Asset, 8)
	f.ledger.Events().OnStateUpdated(func(c *Currency, s domain.CurrencyState) error {
		states <- s
		return nil
	})
	f.ledger.Events().OnError(func(err error) { errs <- err })
	f.ledger.Events().OnIncomingHourTrade(func(c *Currency, a domain.Asset) error {
		hourTrades <- a
		return nil
	})

	f.currency.StartStream(context.Background())
	defer f.currency.StopStream()

	if got := waitFor(t, hourTrades, "hour trade"); got.Issuer != foreignIssuer {
		t.Fatalf("unexpected hour trade asset %s", got.String())
	}
	for {
		s := waitFor(t, states, "state checkpoint")
		if s.ExternalTradesStreamCursor == "102" {
			break
		}
		if s.ExternalTradesStreamCursor != "101" {
			t.Fatalf("unexpected cursor %s", s.ExternalTradesStreamCursor)
		}
	}
	waitFor(t, errs, "trade handling error")

	f.currency.StopStream()
	if got := f.currency.State().ExternalTradesStreamCursor; got != "102" {
		t.Fatalf("cursor %s after stop, want 102", got)
	}
}

func TestStreamReconnectsFromLastCursor(t *testing.T) {
	f := newFixture(t)
	hour := f.hour()
	foreignIssuer := mustKey(t).Address()

	prev := streamRetrySpacing
	streamRetrySpacing = 10 * time.Millisecond
	t.Cleanup(func() { streamRetrySpacing = prev })

	f.backend.stream = &fakeStream{trades: []*horizon.Trade{
		{
			ID: "t1", PagingToken: "101",
			BaseAssetCode: hour.Code, BaseAssetIssuer: hour.Issuer,
			CounterAssetCode: domain.GlobalHourCode, CounterAssetIssuer: foreignIssuer,
			BaseIsSeller: true,
		},
		{
			ID: "t2", PagingToken: "102",
			BaseAssetCode: hour.Code, BaseAssetIssuer: hour.Issuer,
			CounterAssetCode: domain.GlobalHourCode, CounterAssetIssuer: foreignIssuer,
			BaseIsSeller: true,
		},
	}}
	errs := make(chan error, 16)
	hourTrades := make(chan domain.Asset, 8)
	f.ledger.Events().OnError(func(err error) { errs <- err })
	f.ledger.Events().OnIncomingHourTrade(func(c *Currency, a domain.Asset) error {
		hourTrades <- a
		return nil
	})

	f.currency.StartStream(context.Background())
	defer f.currency.StopStream()

	// After the fake connection drops, the loop must come back for more.
	deadline := time.Now().Add(2 * time.Second)
	for f.backend.callCount("OpenTradeStream") < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never reconnected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.currency.StopStream()

	cursors := f.backend.streamCursorArgs()
	if cursors[0] != "0" {
		t.Fatalf("first connection started from cursor %s, want 0", cursors[0])
	}
	if cursors[1] != "102" {
		t.Fatalf("reconnection resumed from cursor %s, want 102", cursors[1])
	}
}

func TestStopStreamIdempotent(t *testing.T) {
	f := newFixture(t)
	f.backend.stream = &fakeStream{}

	f.currency.StartStream(context.Background())
	f.currency.StopStream()
	f.currency.StopStream()

	// A stopped stream can be started again.
	f.currency.StartStream(context.Background())
	f.currency.StopStream()
}

func TestStartStreamSingleton(t *testing.T) {
	f := newFixture(t)
	f.backend.stream = &fakeStream{}

	f.currency.StartStream(context.Background())
	f.currency.StartStream(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for f.backend.callCount("OpenTradeStream") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never opened")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.currency.StopStream()

	// Only the first call opened a connection.
	if got := f.backend.callCount("OpenTradeStream"); got != 1 {
		t.Fatalf("expected 1 stream, got %d", got)
	}
}
