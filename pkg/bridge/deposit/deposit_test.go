package deposit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wattexchange/wattex/pkg/exchange/balance"
	"github.com/wattexchange/wattex/pkg/exchange/demand"
	"github.com/wattexchange/wattex/pkg/exchange/engine"
	"github.com/wattexchange/wattex/pkg/exchange/product"
	"github.com/wattexchange/wattex/pkg/storage"
	"github.com/wattexchange/wattex/pkg/util"
)

var (
	alice = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	txA   = common.HexToHash("0x01")
	txB   = common.HexToHash("0x02")
)

func TestLedgerStateMachine(t *testing.T) {
	l, err := NewLedger(nil)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}

	r, err := l.Observe(txA, alice, "EUR", 1_000, 2, 100)
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if r.Status != Pending || r.Confirmations != 2 {
		t.Fatalf("first observation: %+v", r)
	}

	// Re-observation only raises the confirmation count.
	r, _ = l.Observe(txA, alice, "EUR", 1_000, 6, 200)
	if r.Status != Pending || r.Confirmations != 6 {
		t.Fatalf("re-observation: %+v", r)
	}
	// A stale poll cannot lower it.
	r, _ = l.Observe(txA, alice, "EUR", 1_000, 4, 300)
	if r.Confirmations != 6 {
		t.Fatalf("confirmations regressed: %+v", r)
	}

	if err := l.MarkConfirmed(txA); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if l.Credited(txA) {
		t.Fatal("confirmed record reported as credited")
	}

	if err := l.MarkCredited(txA); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if !l.Credited(txA) {
		t.Fatal("credited record not reported")
	}
	// Terminal: marking again is a no-op.
	if err := l.MarkCredited(txA); err != nil {
		t.Fatalf("re-credit: %v", err)
	}

	if err := l.MarkConfirmed(txB); err == nil {
		t.Fatal("confirming an unknown record should fail")
	}
}

func TestLedgerByAccount(t *testing.T) {
	l, err := NewLedger(nil)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}

	l.Observe(txB, alice, "GO-SOLAR-DE", 50, 1, 200)
	l.Observe(txA, alice, "EUR", 1_000, 6, 100)

	got := l.ByAccount(alice)
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	// Oldest first.
	if got[0].TxRef != txA || got[1].TxRef != txB {
		t.Fatalf("wrong order: %v, %v", got[0].TxRef, got[1].TxRef)
	}

	other := common.HexToAddress("0x0000000000000000000000000000000000000099")
	if rs := l.ByAccount(other); len(rs) != 0 {
		t.Fatalf("expected no records for other account, got %d", len(rs))
	}
}

func TestLedgerPersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "deposits")
	store, err := storage.NewStore(dir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	l, err := NewLedger(store)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	l.Observe(txA, alice, "EUR", 1_000, 6, 100)
	l.MarkConfirmed(txA)
	l.Observe(txB, alice, "GO-SOLAR-DE", 50, 1, 100)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store2, err := storage.NewStore(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { store2.Close() })

	l2, err := NewLedger(store2)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if r, ok := l2.Get(txA); !ok || r.Status != Confirmed {
		t.Fatalf("txA after reload: %+v ok=%v", r, ok)
	}
	if r, ok := l2.Get(txB); !ok || r.Status != Pending || r.Confirmations != 1 {
		t.Fatalf("txB after reload: %+v ok=%v", r, ok)
	}

	uncredited := l2.ConfirmedUncredited()
	if len(uncredited) != 1 || uncredited[0].TxRef != txA {
		t.Fatalf("uncredited after reload: %+v", uncredited)
	}
}

type fakeSource struct {
	obs []Observation
}

func (f *fakeSource) Poll(ctx context.Context) ([]Observation, error) {
	return f.obs, nil
}

func newBridgeEnv(t *testing.T) (*engine.Engine, *engine.Runner, *balance.Ledger, *Ledger) {
	t.Helper()

	products := product.NewRegistry()
	balances := balance.NewMemLedger()
	ledger, err := NewLedger(nil)
	if err != nil {
		t.Fatalf("deposit ledger: %v", err)
	}

	eng := engine.New(engine.Config{
		Products: products,
		Balances: balances,
		Demands:  demand.NewRegistry(),
		Deposits: ledger,
	})
	r := engine.NewRunner(eng, time.Hour, time.Hour)
	r.Start()
	t.Cleanup(r.Stop)

	return eng, r, balances, ledger
}

func TestWatcherCreditsOnceAtThreshold(t *testing.T) {
	eng, _, balances, ledger := newBridgeEnv(t)

	src := &fakeSource{obs: []Observation{
		{TxRef: txA, Account: alice, Asset: "EUR", Amount: 1_000, Confirmations: 2},
	}}
	w := NewWatcher(nil, src, ledger, eng, 6, time.Minute, util.RealClock{})

	ctx := context.Background()

	// Below threshold: observed but not credited.
	w.poll(ctx)
	if b := balances.Get(alice, "EUR"); b.Available != 0 {
		t.Fatalf("credited below threshold: %+v", b)
	}

	// Threshold reached: credited exactly once, repeat polls are no-ops.
	src.obs[0].Confirmations = 6
	w.poll(ctx)
	w.poll(ctx)
	w.poll(ctx)

	if b := balances.Get(alice, "EUR"); b.Available != 1_000 {
		t.Fatalf("balance after replayed polls: %+v", b)
	}
	if !ledger.Credited(txA) {
		t.Fatal("record not marked credited")
	}
}

func TestWatcherRedrivesConfirmedOnStartup(t *testing.T) {
	eng, _, balances, ledger := newBridgeEnv(t)

	// Simulate a crash after confirmation but before crediting.
	ledger.Observe(txA, alice, "EUR", 500, 8, 100)
	ledger.MarkConfirmed(txA)

	w := NewWatcher(nil, NopSource{}, ledger, eng, 6, time.Minute, util.RealClock{})

	for _, r := range ledger.ConfirmedUncredited() {
		w.submitCredit(context.Background(), r)
	}

	if b := balances.Get(alice, "EUR"); b.Available != 500 {
		t.Fatalf("re-driven credit missing: %+v", b)
	}
	if !ledger.Credited(txA) {
		t.Fatal("record not credited after re-drive")
	}
}
