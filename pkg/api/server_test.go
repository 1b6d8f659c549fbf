package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wattexchange/wattex/pkg/bridge/deposit"
	"github.com/wattexchange/wattex/pkg/bridge/withdrawal"
	"github.com/wattexchange/wattex/pkg/exchange/balance"
	"github.com/wattexchange/wattex/pkg/exchange/demand"
	"github.com/wattexchange/wattex/pkg/exchange/engine"
	"github.com/wattexchange/wattex/pkg/exchange/product"
)

const (
	buyerHex  = "0xA11ce00000000000000000000000000000000001"
	sellerHex = "0xB0b0000000000000000000000000000000000002"
)

type apiEnv struct {
	srv      *Server
	balances *balance.Ledger
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	products := product.NewRegistry()
	p, err := product.New("GO-SOLAR-DE-2026Q3", "GO-SOLAR-DE", "EUR", 1_000, 2_000)
	if err != nil {
		t.Fatalf("product: %v", err)
	}
	products.Register(p)

	balances := balance.NewMemLedger()
	demands := demand.NewRegistry()

	eng := engine.New(engine.Config{
		Products: products,
		Balances: balances,
		Demands:  demands,
	})
	r := engine.NewRunner(eng, time.Hour, time.Hour)
	r.Start()
	t.Cleanup(r.Stop)

	wledger, err := withdrawal.NewLedger(nil)
	if err != nil {
		t.Fatalf("withdrawal ledger: %v", err)
	}
	processor := withdrawal.NewProcessor(nil, wledger, eng, withdrawal.InstantCustody{}, nil, nil, withdrawal.ProcessorConfig{})

	dledger, err := deposit.NewLedger(nil)
	if err != nil {
		t.Fatalf("deposit ledger: %v", err)
	}

	return &apiEnv{
		srv:      NewServer(eng, products, balances, demands, processor, wledger, dledger, nil),
		balances: balances,
	}
}

func (env *apiEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	env.srv.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestSubmitOrderAndBookSnapshot(t *testing.T) {
	env := newAPIEnv(t)
	env.balances.Credit(common.HexToAddress(buyerHex), "EUR", 10_000)

	rec := env.do(t, "POST", "/api/v1/orders", OrderRequest{
		Account:   buyerHex,
		ProductID: "GO-SOLAR-DE-2026Q3",
		Side:      "bid",
		Price:     50,
		Volume:    100,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	placed := decode[OrderResponse](t, rec)
	if placed.OrderID == "" || placed.Status != "Open" {
		t.Fatalf("order response: %+v", placed)
	}

	rec = env.do(t, "GET", "/api/v1/products/GO-SOLAR-DE-2026Q3/book", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("book status = %d", rec.Code)
	}
	snap := decode[BookSnapshot](t, rec)
	if len(snap.Bids) != 1 || snap.Bids[0].Price != 50 || snap.Bids[0].Volume != 100 {
		t.Fatalf("book snapshot: %+v", snap)
	}

	// Cancel it and check the archive lookup answers 404 for unknowns.
	rec = env.do(t, "POST", "/api/v1/orders/cancel", CancelOrderRequest{OrderID: placed.OrderID})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d, body = %s", rec.Code, rec.Body)
	}
	rec = env.do(t, "GET", "/api/v1/orders/unknown-id", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown order status = %d", rec.Code)
	}
}

func TestOrderErrorMapping(t *testing.T) {
	env := newAPIEnv(t)

	// No balance: engine rejection surfaces as 422.
	rec := env.do(t, "POST", "/api/v1/orders", OrderRequest{
		Account:   buyerHex,
		ProductID: "GO-SOLAR-DE-2026Q3",
		Side:      "bid",
		Price:     50,
		Volume:    100,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("insufficient balance status = %d", rec.Code)
	}

	// Unknown product: 404.
	rec = env.do(t, "POST", "/api/v1/orders", OrderRequest{
		Account:   buyerHex,
		ProductID: "NOPE",
		Side:      "bid",
		Price:     50,
		Volume:    100,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown product status = %d", rec.Code)
	}

	// Bad address: 400 before anything is enqueued.
	rec = env.do(t, "POST", "/api/v1/orders", OrderRequest{
		Account:   "not-an-address",
		ProductID: "GO-SOLAR-DE-2026Q3",
		Side:      "bid",
		Price:     50,
		Volume:    100,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad address status = %d", rec.Code)
	}

	// Unknown side: 400.
	rec = env.do(t, "POST", "/api/v1/orders", OrderRequest{
		Account:   buyerHex,
		ProductID: "GO-SOLAR-DE-2026Q3",
		Side:      "sideways",
		Price:     50,
		Volume:    100,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad side status = %d", rec.Code)
	}
}

func TestBundleEndpointAllOrNone(t *testing.T) {
	env := newAPIEnv(t)
	env.balances.Credit(common.HexToAddress(buyerHex), "EUR", 100_000)

	// Empty book: bundle rejected with 422, not partially applied.
	rec := env.do(t, "POST", "/api/v1/bundles", BundleRequest{
		Account: buyerHex,
		Legs: []BundleLegRequest{
			{ProductID: "GO-SOLAR-DE-2026Q3", Side: "bid", Price: 50, Volume: 10},
		},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bundle status = %d, body = %s", rec.Code, rec.Body)
	}

	// Seed liquidity, then the same bundle executes.
	env.balances.Credit(common.HexToAddress(sellerHex), "GO-SOLAR-DE", 10)
	rec = env.do(t, "POST", "/api/v1/orders", OrderRequest{
		Account:   sellerHex,
		ProductID: "GO-SOLAR-DE-2026Q3",
		Side:      "ask",
		Price:     50,
		Volume:    10,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("seed ask status = %d", rec.Code)
	}

	rec = env.do(t, "POST", "/api/v1/bundles", BundleRequest{
		Account: buyerHex,
		Legs: []BundleLegRequest{
			{ProductID: "GO-SOLAR-DE-2026Q3", Side: "bid", Price: 50, Volume: 10},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("bundle status = %d, body = %s", rec.Code, rec.Body)
	}
	resp := decode[BundleResponse](t, rec)
	if len(resp.Trades) != 1 || resp.Trades[0].Volume != 10 {
		t.Fatalf("bundle trades: %+v", resp.Trades)
	}
}

func TestBalancesAndWithdrawalEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	env.balances.Credit(common.HexToAddress(buyerHex), "EUR", 1_000)

	rec := env.do(t, "GET", "/api/v1/accounts/"+buyerHex+"/balances", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balances status = %d", rec.Code)
	}
	balances := decode[[]BalanceInfo](t, rec)
	if len(balances) != 1 || balances[0].Asset != "EUR" || balances[0].Available != 1_000 {
		t.Fatalf("balances: %+v", balances)
	}

	rec = env.do(t, "POST", "/api/v1/withdrawals", WithdrawalRequest{
		Account:     buyerHex,
		Asset:       "EUR",
		Amount:      400,
		Destination: sellerHex,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("withdrawal status = %d, body = %s", rec.Code, rec.Body)
	}

	rec = env.do(t, "GET", "/api/v1/accounts/"+buyerHex+"/withdrawals", nil)
	list := decode[[]withdrawal.Request](t, rec)
	if len(list) != 1 || list[0].State != withdrawal.Reserved || list[0].Amount != 400 {
		t.Fatalf("withdrawal list: %+v", list)
	}

	// Over-withdrawing maps to 422.
	rec = env.do(t, "POST", "/api/v1/withdrawals", WithdrawalRequest{
		Account:     buyerHex,
		Asset:       "EUR",
		Amount:      5_000,
		Destination: sellerHex,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("over-withdrawal status = %d", rec.Code)
	}
}

func TestProductRegistrationEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, "POST", "/api/v1/products", ProductRequest{
		ID:            "GO-WIND-DK-2026Q3",
		Asset:         "GO-WIND-DK",
		Currency:      "EUR",
		DeliveryStart: 1_000,
		DeliveryEnd:   2_000,
		Region:        "DK1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body)
	}

	// Duplicate registration conflicts.
	rec = env.do(t, "POST", "/api/v1/products", ProductRequest{
		ID:            "GO-WIND-DK-2026Q3",
		Asset:         "GO-WIND-DK",
		Currency:      "EUR",
		DeliveryStart: 1_000,
		DeliveryEnd:   2_000,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d", rec.Code)
	}

	// Pause then retire; retired is terminal.
	rec = env.do(t, "POST", "/api/v1/products/GO-WIND-DK-2026Q3/status", ProductStatusRequest{Status: "retired"})
	if rec.Code != http.StatusOK {
		t.Fatalf("retire status = %d", rec.Code)
	}
	rec = env.do(t, "POST", "/api/v1/products/GO-WIND-DK-2026Q3/status", ProductStatusRequest{Status: "active"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("reactivate status = %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	rec := env.do(t, "GET", "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}
