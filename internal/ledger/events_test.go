package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/mutua/hourledger/internal/domain"
)

func TestBusSilentAfterStop(t *testing.T) {
	f := newFixture(t)

	transfers := make(chan domain.Transfer, 1)
	f.ledger.Events().OnTransfer(func(c *Currency, tr domain.Transfer) error {
		transfers <- tr
		return nil
	})
	f.ledger.Stop()

	// Nothing registered before Stop may fire after it returns.
	f.ledger.bus.emitTransfer("transfer", f.currency, domain.Transfer{Hash: "late"})
	f.ledger.bus.emitError(errors.New("late"))
	select {
	case tr := <-transfers:
		t.Fatalf("handler fired after stop: %+v", tr)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusCloseConcurrentWithEmits(t *testing.T) {
	bus := newBus()
	events := make(chan domain.Transfer, 1024)
	bus.OnTransfer(func(c *Currency, tr domain.Transfer) error {
		events <- tr
		return nil
	})
	bus.OnError(func(err error) {})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.emitTransfer("transfer", nil, domain.Transfer{})
				bus.emitError(errors.New("boom"))
			}
		}()
	}
	// Closing while emits are in flight must neither panic nor let a
	// handler run after close returns.
	bus.close()
	wg.Wait()

	delivered := len(events)
	time.Sleep(20 * time.Millisecond)
	if len(events) != delivered {
		t.Fatalf("handler fired after close: %d -> %d", delivered, len(events))
	}
}
