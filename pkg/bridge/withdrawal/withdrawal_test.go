package withdrawal

import (
	"context"
	"errors"
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
	dest  = common.HexToAddress("0xdddd000000000000000000000000000000000009")
)

func TestLedgerPersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "withdrawals")
	store, err := storage.NewStore(dir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	l, err := NewLedger(store)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	r := &Request{ID: "wd1", Account: alice, Asset: "EUR", Amount: 500, State: Reserved, CreatedAt: 100}
	if err := l.Create(r); err != nil {
		t.Fatalf("create: %v", err)
	}
	l.Update("wd1", func(req *Request) { req.State = Submitted; req.TxRef = common.HexToHash("0xbeef") })
	store.Close()

	store2, err := storage.NewStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { store2.Close() })

	l2, err := NewLedger(store2)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := l2.Get("wd1")
	if !ok || got.State != Submitted || got.TxRef != common.HexToHash("0xbeef") {
		t.Fatalf("after reload: %+v ok=%v", got, ok)
	}
	if inflight := l2.InState(Submitted); len(inflight) != 1 {
		t.Fatalf("in-state scan after reload: %+v", inflight)
	}
}

type wEnv struct {
	eng      *engine.Engine
	balances *balance.Ledger
	ledger   *Ledger
	clock    *util.ManualClock
}

func newWEnv(t *testing.T) *wEnv {
	t.Helper()

	balances := balance.NewMemLedger()
	eng := engine.New(engine.Config{
		Products: product.NewRegistry(),
		Balances: balances,
		Demands:  demand.NewRegistry(),
	})
	r := engine.NewRunner(eng, time.Hour, time.Hour)
	r.Start()
	t.Cleanup(r.Stop)

	ledger, err := NewLedger(nil)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	return &wEnv{
		eng:      eng,
		balances: balances,
		ledger:   ledger,
		clock:    util.NewManualClock(time.UnixMilli(1_700_000_000_000)),
	}
}

func (env *wEnv) processor(t *testing.T, custody CustodyClient, maxAttempts int) *Processor {
	t.Helper()
	return NewProcessor(nil, env.ledger, env.eng, custody, nil, env.clock, ProcessorConfig{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
	})
}

func TestHappyPathConfirmDestroysFunds(t *testing.T) {
	env := newWEnv(t)
	env.balances.Credit(alice, "EUR", 1_000)

	p := env.processor(t, InstantCustody{}, 3)
	ctx := context.Background()

	r, err := p.Request(ctx, alice, "EUR", 600, dest)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if r.State != Reserved {
		t.Fatalf("state after request = %s, want Reserved", r.State)
	}
	if b := env.balances.Get(alice, "EUR"); b.Available != 400 || b.Reserved != 600 {
		t.Fatalf("after request: %+v", b)
	}

	p.tick(ctx) // Reserved -> Submitted
	p.tick(ctx) // Submitted -> Confirmed

	got, _ := env.ledger.Get(r.ID)
	if got.State != Confirmed {
		t.Fatalf("final state = %s, want Confirmed", got.State)
	}
	if b := env.balances.Get(alice, "EUR"); b.Available != 400 || b.Reserved != 0 {
		t.Fatalf("after confirm: %+v", b)
	}
}

func TestRequestRejectedWithoutFunds(t *testing.T) {
	env := newWEnv(t)

	p := env.processor(t, InstantCustody{}, 3)
	if _, err := p.Request(context.Background(), alice, "EUR", 600, dest); !errors.Is(err, engine.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// The record stays Requested with the cause stamped; nothing is held
	// and nothing was submitted to custody.
	reqs := env.ledger.ByAccount(alice)
	if len(reqs) != 1 || reqs[0].State != Requested {
		t.Fatalf("requests: %+v", reqs)
	}
	if reqs[0].LastError == "" {
		t.Fatal("reserve failure not recorded on the request")
	}
	if b := env.balances.Get(alice, "EUR"); b.Reserved != 0 {
		t.Fatalf("funds held by rejected request: %+v", b)
	}

	// A Requested record is not eligible for custody submission.
	p.tick(context.Background())
	got, _ := env.ledger.Get(reqs[0].ID)
	if got.State != Requested || got.TxRef != (common.Hash{}) {
		t.Fatalf("rejected request progressed: %+v", got)
	}
}

type failingCustody struct {
	failures int // submissions to fail before succeeding
	submits  int
}

func (c *failingCustody) Submit(ctx context.Context, req Request) (common.Hash, error) {
	c.submits++
	if c.submits <= c.failures {
		return common.Hash{}, errors.New("custody unavailable")
	}
	return common.BytesToHash([]byte(req.ID)), nil
}

func (c *failingCustody) Confirmed(ctx context.Context, txRef common.Hash) (bool, error) {
	return true, nil
}

func TestRetryWithBackoffEventuallySubmits(t *testing.T) {
	env := newWEnv(t)
	env.balances.Credit(alice, "EUR", 1_000)

	custody := &failingCustody{failures: 2}
	p := env.processor(t, custody, 5)
	ctx := context.Background()

	r, err := p.Request(ctx, alice, "EUR", 600, dest)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	p.tick(ctx) // attempt 1 fails
	got, _ := env.ledger.Get(r.ID)
	if got.State != Reserved || got.Attempts != 1 || got.NextAttemptAt == 0 {
		t.Fatalf("after first failure: %+v", got)
	}

	// Backoff gate: ticking before the deadline does not retry.
	p.tick(ctx)
	if got, _ = env.ledger.Get(r.ID); got.Attempts != 1 {
		t.Fatalf("retried inside backoff window: %+v", got)
	}

	env.clock.Advance(2 * time.Second)
	p.tick(ctx) // attempt 2 fails
	env.clock.Advance(5 * time.Second)
	p.tick(ctx) // attempt 3 succeeds

	got, _ = env.ledger.Get(r.ID)
	if got.State != Submitted {
		t.Fatalf("state after retries = %s, want Submitted", got.State)
	}
	if custody.submits != 3 {
		t.Fatalf("custody submissions = %d, want 3", custody.submits)
	}
}

func TestExhaustedRetriesFailAndRelease(t *testing.T) {
	env := newWEnv(t)
	env.balances.Credit(alice, "EUR", 1_000)

	custody := &failingCustody{failures: 100}
	p := env.processor(t, custody, 2)
	ctx := context.Background()

	r, err := p.Request(ctx, alice, "EUR", 600, dest)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	p.tick(ctx) // attempt 1 fails, schedules retry
	env.clock.Advance(time.Minute)
	p.tick(ctx) // attempt 2 hits the cap: Failed + release

	got, _ := env.ledger.Get(r.ID)
	if got.State != Failed {
		t.Fatalf("state = %s, want Failed", got.State)
	}
	if b := env.balances.Get(alice, "EUR"); b.Available != 1_000 || b.Reserved != 0 {
		t.Fatalf("reservation not released: %+v", b)
	}
}

func TestBackoffCaps(t *testing.T) {
	env := newWEnv(t)
	p := env.processor(t, InstantCustody{}, 10)

	if d := p.backoff(1); d != time.Second {
		t.Errorf("backoff(1) = %s, want 1s", d)
	}
	if d := p.backoff(3); d != 4*time.Second {
		t.Errorf("backoff(3) = %s, want 4s", d)
	}
	if d := p.backoff(20); d != time.Minute {
		t.Errorf("backoff(20) = %s, want cap 1m", d)
	}
}
