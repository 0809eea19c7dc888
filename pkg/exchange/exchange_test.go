package exchange

import (
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/flamingrickpat/kektrade/pkg/feed"
)

var t0 = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

// bar builds a candle without funding; series assigns hourly timestamps.
func bar(open, high, low, close float64) feed.Candle {
	return feed.Candle{Open: open, High: high, Low: low, Close: close, Volume: 1}
}

func series(bars ...feed.Candle) feed.Series {
	out := make(feed.Series, len(bars))
	for i, b := range bars {
		b.Timestamp = t0.Add(time.Duration(i) * time.Hour)
		out[i] = b
	}
	return out
}

func flat(n int, price float64) feed.Series {
	bars := make([]feed.Candle, n)
	for i := range bars {
		bars[i] = bar(price, price+1, price-1, price)
	}
	return series(bars...)
}

func linearParams(deposit float64, leverage int) Params {
	p := DefaultParams()
	p.Contract = ContractLinear
	p.Symbol = "BTCUSDT"
	p.InitialDeposit = deposit
	p.Leverage = leverage
	return p
}

type recordingSink struct {
	orders     []Order
	executions []Execution
	wallets    []Wallet
	positions  []Position
}

func (s *recordingSink) AppendOrder(_ string, _ time.Time, o Order, _ bool) error {
	s.orders = append(s.orders, o)
	return nil
}

func (s *recordingSink) AppendExecution(_ string, x Execution) error {
	s.executions = append(s.executions, x)
	return nil
}

func (s *recordingSink) AppendPosition(_ string, _ time.Time, p Position) error {
	s.positions = append(s.positions, p)
	return nil
}

func (s *recordingSink) AppendWallet(_ string, _ time.Time, w Wallet) error {
	s.wallets = append(s.wallets, w)
	return nil
}

func newTestExchange(t *testing.T, p Params, s feed.Series) (*Exchange, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	e, err := New(Config{Subaccount: "test", Params: p, Feed: s, Sink: sink})
	if err != nil {
		t.Fatalf("new exchange: %v", err)
	}
	return e, sink
}

// step runs one driver iteration: before tick, the intents, after tick.
func step(t *testing.T, e *Exchange, intents func()) {
	t.Helper()
	i := e.Index()
	if err := e.BeforeTick(i); err != nil {
		t.Fatalf("before tick %d: %v", i, err)
	}
	if intents != nil {
		intents()
	}
	if err := e.AfterTick(i); err != nil {
		t.Fatalf("after tick %d: %v", i, err)
	}
}

func mustOpen(t *testing.T, e *Exchange, req OrderRequest) *Order {
	t.Helper()
	o, err := e.OpenOrder(req)
	if err != nil {
		t.Fatalf("open order: %v", err)
	}
	return o
}

func TestNewRejectsShortFeed(t *testing.T) {
	_, err := New(Config{Params: DefaultParams(), Feed: flat(1, 100)})
	if !errors.Is(err, ErrFeedTooShort) {
		t.Fatalf("err = %v, want ErrFeedTooShort", err)
	}
	_, err = New(Config{Params: DefaultParams()})
	if !errors.Is(err, ErrFeedTooShort) {
		t.Fatalf("nil feed err = %v, want ErrFeedTooShort", err)
	}
}

func TestNewRejectsBadParams(t *testing.T) {
	p := DefaultParams()
	p.Leverage = 0
	if _, err := New(Config{Params: p, Feed: flat(3, 100)}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("leverage 0 err = %v, want ErrInvalidConfig", err)
	}
	p = DefaultParams()
	p.Contract = Contract(7)
	if _, err := New(Config{Params: p, Feed: flat(3, 100)}); !errors.Is(err, ErrUnknownContract) {
		t.Errorf("contract 7 err = %v, want ErrUnknownContract", err)
	}
}

func TestOpenOrderValidation(t *testing.T) {
	tests := []struct {
		name      string
		hedgeMode int
		req       OrderRequest
		wantErr   error
	}{
		{"zero contracts", 0, OrderRequest{Type: OrderMarket}, ErrZeroContracts},
		{"limit without price", 0, OrderRequest{Type: OrderLimit, Contracts: 1}, ErrMissingPrice},
		{"stop without price", 0, OrderRequest{Type: OrderStopMarket, Contracts: -1}, ErrMissingPrice},
		{"long hedge opens short", 1, OrderRequest{Type: OrderMarket, Contracts: -1}, ErrHedgeMode},
		{"long hedge reduce-only buy", 1, OrderRequest{Type: OrderMarket, Contracts: 1, ReduceOnly: true}, ErrHedgeMode},
		{"long hedge opens long", 1, OrderRequest{Type: OrderMarket, Contracts: 1}, nil},
		{"long hedge reduce-only sell", 1, OrderRequest{Type: OrderMarket, Contracts: -1, ReduceOnly: true}, nil},
		{"short hedge opens long", -1, OrderRequest{Type: OrderMarket, Contracts: 1}, ErrHedgeMode},
		{"short hedge opens short", -1, OrderRequest{Type: OrderMarket, Contracts: -1}, nil},
		{"short hedge reduce-only buy", -1, OrderRequest{Type: OrderMarket, Contracts: 1, ReduceOnly: true}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := linearParams(1000, 1)
			p.HedgeMode = tt.hedgeMode
			e, _ := newTestExchange(t, p, flat(3, 100))
			_, err := e.OpenOrder(tt.req)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTakerMakerClassification(t *testing.T) {
	p := linearParams(100000, 1)
	e, _ := newTestExchange(t, p, flat(3, 100))

	tests := []struct {
		name  string
		req   OrderRequest
		taker bool
	}{
		{"market", OrderRequest{Type: OrderMarket, Contracts: 1}, true},
		{"stop market", OrderRequest{Type: OrderStopMarket, Contracts: 1, Price: 95}, true},
		{"crossing limit buy", OrderRequest{Type: OrderLimit, Contracts: 1, Price: 101}, true},
		{"resting limit buy", OrderRequest{Type: OrderLimit, Contracts: 1, Price: 99}, false},
		{"crossing limit sell", OrderRequest{Type: OrderLimit, Contracts: -1, Price: 99}, true},
		{"resting limit sell", OrderRequest{Type: OrderLimit, Contracts: -1, Price: 101}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := mustOpen(t, e, tt.req)
			if o == nil {
				t.Fatal("order was not admitted")
			}
			if o.Taker != tt.taker {
				t.Errorf("taker = %v, want %v", o.Taker, tt.taker)
			}
			wantFee := p.MakerFee
			if tt.taker {
				wantFee = p.TakerFee
			}
			if o.FeeRate != wantFee {
				t.Errorf("fee rate = %v, want %v", o.FeeRate, wantFee)
			}
		})
	}
}

func TestPostOnlyCancelsMarketableOrder(t *testing.T) {
	e, sink := newTestExchange(t, linearParams(100000, 1), flat(3, 100))

	o := mustOpen(t, e, OrderRequest{Type: OrderLimit, Contracts: 1, Price: 101, PostOnly: true})
	if o != nil {
		t.Fatalf("post-only crossing order admitted: %+v", o)
	}
	if len(e.canceled) != 1 || e.canceled[0].Status != StatusCanceled {
		t.Fatalf("canceled set = %+v, want one canceled order", e.canceled)
	}
	if len(sink.orders) != 1 || sink.orders[0].Status != StatusCanceled {
		t.Errorf("persisted orders = %+v, want one canceled order", sink.orders)
	}

	o = mustOpen(t, e, OrderRequest{Type: OrderLimit, Contracts: 1, Price: 99, PostOnly: true})
	if o == nil {
		t.Fatal("post-only resting order was canceled")
	}

	// A market order always takes liquidity.
	if o := mustOpen(t, e, OrderRequest{Type: OrderMarket, Contracts: 1, PostOnly: true}); o != nil {
		t.Errorf("post-only market order admitted: %+v", o)
	}
	if len(e.canceled) != 2 {
		t.Errorf("canceled orders = %d, want 2", len(e.canceled))
	}
}

func TestInsufficientBalanceScenario(t *testing.T) {
	// Available 5, initial margin 10*5/1 = 50.
	e, _ := newTestExchange(t, linearParams(5, 1), flat(3, 5))

	o, err := e.OpenOrder(OrderRequest{Type: OrderMarket, Contracts: 10})
	if err != nil {
		t.Fatalf("insufficient balance must not be an error: %v", err)
	}
	if o != nil {
		t.Fatalf("order admitted: %+v", o)
	}
	if len(e.canceled) != 1 {
		t.Fatalf("canceled orders = %d, want 1", len(e.canceled))
	}
	if got := e.canceled[0].Cost; !almostEqual(got, 50) {
		t.Errorf("order initial margin = %v, want 50", got)
	}
	if len(e.open) != 0 {
		t.Errorf("open orders = %d, want 0", len(e.open))
	}
}

func TestUnlimitedFundsSkipsBalanceCheck(t *testing.T) {
	p := linearParams(5, 1)
	p.UnlimitedFunds = true
	e, _ := newTestExchange(t, p, flat(3, 5))

	if o := mustOpen(t, e, OrderRequest{Type: OrderMarket, Contracts: 10}); o == nil {
		t.Fatal("order canceled in unlimited funds mode")
	}
	step(t, e, nil)
	w := e.Wallet()
	if w.AccountBalance != 5 || w.MarginBalance != 5 || w.AvailableBalance != 5 {
		t.Errorf("wallet = %+v, want balances pinned to deposit", w)
	}
}

func TestSimpleLongFillScenario(t *testing.T) {
	s := series(
		bar(100, 101, 99, 100),
		bar(100, 105, 99, 104),
		bar(104, 106, 103, 105),
	)
	e, _ := newTestExchange(t, linearParams(1000, 1), s)

	step(t, e, func() {
		if o := mustOpen(t, e, OrderRequest{Type: OrderMarket, Contracts: 10}); o == nil {
			t.Fatal("market order canceled")
		}
		if got := e.orderMargin(0); !almostEqual(got, 1000) {
			t.Errorf("order margin before fill = %v, want 1000", got)
		}
	})

	execs := e.Executions()
	if len(execs) != 1 {
		t.Fatalf("executions = %d, want 1", len(execs))
	}
	if execs[0].Direction != Expand || execs[0].Contracts != 10 || execs[0].Price != 100 {
		t.Errorf("execution = %+v, want expand 10 @ 100", execs[0])
	}

	pos := e.Position()
	if pos.Contracts != 10 || pos.Price != 100 {
		t.Errorf("position = %v @ %v, want 10 @ 100", pos.Contracts, pos.Price)
	}

	fee := 10 * 100 * DefaultParams().TakerFee
	w := e.Wallet()
	if w.OrderMargin != 0 {
		t.Errorf("order margin = %v, want 0", w.OrderMargin)
	}
	if !almostEqual(w.AccountBalance, 1000-fee) {
		t.Errorf("account balance = %v, want %v", w.AccountBalance, 1000-fee)
	}
	// Marked at the settled candle's close of 104.
	if !almostEqual(w.MarginBalance, 1000-fee+40) {
		t.Errorf("margin balance = %v, want %v", w.MarginBalance, 1000-fee+40)
	}
}

func TestLiquidationScenario(t *testing.T) {
	s := series(
		bar(100, 101, 99, 100),
		bar(100, 101, 99, 100),
		bar(100, 100, 90, 92),
		bar(92, 93, 91, 92),
	)
	e, _ := newTestExchange(t, linearParams(1000, 10), s)

	step(t, e, func() { mustOpen(t, e, OrderRequest{Type: OrderMarket, Contracts: 10}) })
	pos := e.Position()
	if !almostEqual(pos.LiquidationPrice, 90.5) {
		t.Fatalf("liquidation price = %v, want 90.5", pos.LiquidationPrice)
	}
	margin := pos.Collateral
	rpnlBefore := e.Wallet().TotalRealizedPnL

	step(t, e, nil)

	var liqs []Execution
	for _, x := range e.Executions() {
		if x.Type == ExecLiquidation {
			liqs = append(liqs, x)
		}
	}
	if len(liqs) != 1 {
		t.Fatalf("liquidations = %d, want 1", len(liqs))
	}
	if !almostEqual(liqs[0].Price, 90.5) || liqs[0].Contracts != -10 {
		t.Errorf("liquidation = %+v, want -10 @ 90.5", liqs[0])
	}
	pos = e.Position()
	if pos.Contracts != 0 || pos.Price != 0 || pos.LiquidationPrice != 0 || pos.BankruptcyPrice != 0 {
		t.Errorf("position after liquidation = %+v, want flat", pos)
	}
	if got := e.Wallet().TotalRealizedPnL; !almostEqual(got, rpnlBefore-margin) {
		t.Errorf("total rpnl = %v, want %v", got, rpnlBefore-margin)
	}
}

func TestShortLiquidatesOnHigh(t *testing.T) {
	s := series(
		bar(100, 101, 99, 100),
		bar(100, 101, 99, 100),
		bar(100, 110, 99, 108),
	)
	e, _ := newTestExchange(t, linearParams(1000, 10), s)
	step(t, e, func() { mustOpen(t, e, OrderRequest{Type: OrderMarket, Contracts: -10}) })
	step(t, e, nil)

	if e.Position().Open() {
		t.Fatalf("short survived high of 110 with liquidation at %v", 109.5)
	}
	last := e.Executions()[len(e.Executions())-1]
	if last.Type != ExecLiquidation || !almostEqual(last.Price, 109.5) {
		t.Errorf("last execution = %+v, want liquidation @ 109.5", last)
	}
}

func TestSideFlipDecomposition(t *testing.T) {
	e, _ := newTestExchange(t, linearParams(10000, 1), flat(4, 100))

	step(t, e, func() { mustOpen(t, e, OrderRequest{Type: OrderMarket, Contracts: 10}) })
	step(t, e, func() { mustOpen(t, e, OrderRequest{Type: OrderMarket, Contracts: -15}) })

	execs := e.Executions()
	if len(execs) != 3 {
		t.Fatalf("executions = %d, want 3", len(execs))
	}
	reduce, expand := execs[1], execs[2]
	if reduce.Direction != Reduce || reduce.Contracts != -10 {
		t.Errorf("first leg = %+v, want reduce -10", reduce)
	}
	if expand.Direction != Expand || expand.Contracts != -5 {
		t.Errorf("second leg = %+v, want expand -5", expand)
	}
	if sum := reduce.Contracts + expand.Contracts; sum != -15 {
		t.Errorf("leg sum = %v, want -15", sum)
	}
	if pos := e.Position(); pos.Contracts != -5 || pos.Price != 100 {
		t.Errorf("position = %v @ %v, want -5 @ 100", pos.Contracts, pos.Price)
	}
}

func TestReduceRealizesPnL(t *testing.T) {
	s := series(
		bar(10000, 10001, 9999, 10000),
		bar(10000, 10001, 9999, 10000),
		bar(10500, 11500, 10400, 11200),
		bar(11200, 11300, 11100, 11200),
	)
	p := DefaultParams()
	p.InitialDeposit = 1
	e, _ := newTestExchange(t, p, s)

	step(t, e, func() { mustOpen(t, e, OrderRequest{Type: OrderMarket, Contracts: 1000}) })
	step(t, e, func() { mustOpen(t, e, OrderRequest{Type: OrderLimit, Contracts: -1000, Price: 11000}) })

	execs := e.Executions()
	last := execs[len(execs)-1]
	wantPnL := 1000 * (1.0/10000 - 1.0/11000)
	if last.Direction != Reduce || !almostEqual(last.Cost, wantPnL) {
		t.Errorf("reduce execution = %+v, want pnl %v", last, wantPnL)
	}
	if e.Position().Open() {
		t.Errorf("position still open: %+v", e.Position())
	}

	// total rpnl is the sum of costs minus fees.
	sum := 0.0
	for _, x := range execs {
		sum += x.Cost - x.FeeCost
	}
	if got := e.Wallet().TotalRealizedPnL; !almostEqual(got, sum) {
		t.Errorf("total rpnl = %v, want %v", got, sum)
	}
}

func TestFundingSettlement(t *testing.T) {
	tests := []struct {
		name      string
		contracts float64
		rate      float64
		want      float64
	}{
		{"long pays positive", 10, 0.0001, -0.1},
		{"long receives negative", 10, -0.0001, 0.1},
		{"short receives positive", -10, 0.0001, 0.1},
		{"short pays negative", -10, -0.0001, -0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := flat(4, 100)
			s[2].FundingRate = tt.rate
			e, _ := newTestExchange(t, linearParams(10000, 1), s)

			step(t, e, func() { mustOpen(t, e, OrderRequest{Type: OrderMarket, Contracts: tt.contracts}) })
			before := e.Wallet().TotalRealizedPnL
			step(t, e, nil)

			execs := e.Executions()
			last := execs[len(execs)-1]
			if last.Type != ExecFunding || last.OrderID != 0 || last.Contracts != 0 {
				t.Fatalf("last execution = %+v, want funding", last)
			}
			if !almostEqual(last.Cost, tt.want) {
				t.Errorf("funding = %v, want %v", last.Cost, tt.want)
			}
			if got := e.Wallet().TotalRealizedPnL - before; !almostEqual(got, tt.want) {
				t.Errorf("rpnl delta = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNoFundingWhenFlat(t *testing.T) {
	s := flat(3, 100)
	s[1].FundingRate = 0.01
	e, _ := newTestExchange(t, linearParams(1000, 1), s)
	step(t, e, nil)
	if n := len(e.Executions()); n != 0 {
		t.Errorf("executions = %d, want 0", n)
	}
}

func TestLimitFillsOnlyInsideRange(t *testing.T) {
	s := series(
		bar(100, 101, 99, 100),
		bar(100, 101, 96, 97),
		bar(97, 98, 94, 95),
		bar(95, 96, 94, 95),
	)
	e, _ := newTestExchange(t, linearParams(10000, 1), s)

	var id int64
	step(t, e, func() {
		id = mustOpen(t, e, OrderRequest{Type: OrderLimit, Contracts: 1, Price: 95}).ID
	})
	if len(e.Executions()) != 0 {
		t.Fatal("limit at 95 filled on a candle with low 96")
	}
	if len(e.OpenOrders()) != 1 {
		t.Fatalf("open orders = %d, want 1", len(e.OpenOrders()))
	}

	step(t, e, nil)
	execs := e.Executions()
	if len(execs) != 1 || execs[0].OrderID != id || execs[0].Price != 95 {
		t.Fatalf("executions = %+v, want fill of %d @ 95", execs, id)
	}
	if execs[0].FeeRate != DefaultParams().MakerFee {
		t.Errorf("fee rate = %v, want maker", execs[0].FeeRate)
	}
}

func TestStopMarketSlippage(t *testing.T) {
	tests := []struct {
		name      string
		contracts float64
		price     float64
		next      feed.Candle
		want      float64
	}{
		{"buy stop touched", 1, 102, bar(100, 103, 99, 102), 102 * (1 + DefaultParams().StopMarketSlippage)},
		{"sell stop touched", -1, 98, bar(100, 101, 97, 98), 98 * (1 - DefaultParams().StopMarketSlippage)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := series(bar(100, 101, 99, 100), tt.next, bar(100, 101, 99, 100))
			e, _ := newTestExchange(t, linearParams(10000, 1), s)
			step(t, e, func() {
				mustOpen(t, e, OrderRequest{Type: OrderStopMarket, Contracts: tt.contracts, Price: tt.price})
			})
			execs := e.Executions()
			if len(execs) != 1 {
				t.Fatalf("executions = %d, want 1", len(execs))
			}
			if !almostEqual(execs[0].Price, tt.want) {
				t.Errorf("fill price = %v, want %v", execs[0].Price, tt.want)
			}
		})
	}
}

func TestStopMarketWaitsForTrigger(t *testing.T) {
	for _, contracts := range []float64{1, -1} {
		price := 100 + 50*contracts
		e, _ := newTestExchange(t, linearParams(100000, 1), flat(3, 100))
		var id int64
		step(t, e, func() {
			id = mustOpen(t, e, OrderRequest{Type: OrderStopMarket, Contracts: contracts, Price: price}).ID
		})
		step(t, e, nil)
		if n := len(e.Executions()); n != 0 {
			t.Errorf("stop %v @ %v: executions = %d, want 0", contracts, price, n)
		}
		if open := e.OpenOrders(); len(open) != 1 || open[0].ID != id {
			t.Errorf("stop %v @ %v: open orders = %+v, want %d resting", contracts, price, open, id)
		}
		if e.Position().Open() {
			t.Errorf("stop %v @ %v: position opened without a trigger", contracts, price)
		}
	}
}

func TestOrdersProcessedByDistanceFromOpen(t *testing.T) {
	s := series(
		bar(100, 101, 99, 100),
		bar(100, 110, 90, 100),
		bar(100, 101, 99, 100),
	)
	e, _ := newTestExchange(t, linearParams(100000, 1), s)

	var far, near, market int64
	step(t, e, func() {
		far = mustOpen(t, e, OrderRequest{Type: OrderLimit, Contracts: 1, Price: 92}).ID
		near = mustOpen(t, e, OrderRequest{Type: OrderLimit, Contracts: 1, Price: 98}).ID
		market = mustOpen(t, e, OrderRequest{Type: OrderMarket, Contracts: 1}).ID
	})

	var got []int64
	for _, x := range e.Executions() {
		got = append(got, x.OrderID)
	}
	want := []int64{market, near, far}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("fill order = %v, want %v", got, want)
	}
}

func TestReduceOnly(t *testing.T) {
	t.Run("canceled when flat", func(t *testing.T) {
		e, _ := newTestExchange(t, linearParams(10000, 1), flat(3, 100))
		step(t, e, func() {
			mustOpen(t, e, OrderRequest{Type: OrderMarket, Contracts: -1, ReduceOnly: true})
		})
		if n := len(e.Executions()); n != 0 {
			t.Errorf("executions = %d, want 0", n)
		}
		if n := len(e.OpenOrders()); n != 0 {
			t.Errorf("open orders = %d, want 0", n)
		}
	})

	t.Run("clamped to position", func(t *testing.T) {
		e, _ := newTestExchange(t, linearParams(10000, 1), flat(4, 100))
		step(t, e, func() { mustOpen(t, e, OrderRequest{Type: OrderMarket, Contracts: 10}) })
		step(t, e, func() {
			mustOpen(t, e, OrderRequest{Type: OrderMarket, Contracts: -25, ReduceOnly: true})
		})
		execs := e.Executions()
		if len(execs) != 2 {
			t.Fatalf("executions = %d, want 2", len(execs))
		}
		if execs[1].Contracts != -10 || execs[1].Direction != Reduce {
			t.Errorf("reduce leg = %+v, want reduce -10", execs[1])
		}
		if e.Position().Open() {
			t.Errorf("position = %+v, want flat", e.Position())
		}
	})
}

func TestCancelOrder(t *testing.T) {
	e, sink := newTestExchange(t, linearParams(10000, 1), flat(4, 100))

	var id int64
	step(t, e, func() {
		id = mustOpen(t, e, OrderRequest{Type: OrderLimit, Contracts: 1, Price: 50}).ID
	})
	if got := e.Wallet().OrderMargin; !almostEqual(got, 50) {
		t.Fatalf("order margin = %v, want 50", got)
	}

	step(t, e, func() {
		if err := e.CancelOrder(id); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if err := e.CancelOrder(999); !errors.Is(err, ErrOrderNotFound) {
			t.Errorf("cancel unknown err = %v, want ErrOrderNotFound", err)
		}
	})
	if n := len(e.OpenOrders()); n != 0 {
		t.Errorf("open orders = %d, want 0", n)
	}
	if got := e.Wallet().OrderMargin; got != 0 {
		t.Errorf("order margin = %v, want 0", got)
	}

	var canceled bool
	for _, o := range sink.orders {
		if o.ID == id && o.Status == StatusCanceled {
			canceled = true
		}
	}
	if !canceled {
		t.Error("cancellation was not persisted")
	}
}

func TestSetOrderPrice(t *testing.T) {
	e, _ := newTestExchange(t, linearParams(10000, 1), flat(3, 100))
	o := mustOpen(t, e, OrderRequest{Type: OrderLimit, Contracts: 2, Price: 50})

	if err := e.SetOrderPrice(o.ID, 80); err != nil {
		t.Fatalf("set price: %v", err)
	}
	got := e.OpenOrders()[0]
	if got.Price != 80 || !almostEqual(got.Cost, 160) {
		t.Errorf("order = %+v, want price 80 cost 160", got)
	}
	if err := e.SetOrderPrice(o.ID, 0); !errors.Is(err, ErrMissingPrice) {
		t.Errorf("zero price err = %v, want ErrMissingPrice", err)
	}
	if err := e.SetOrderPrice(42, 90); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("unknown order err = %v, want ErrOrderNotFound", err)
	}
}

func TestSetLeverageIgnoredWithOpenPosition(t *testing.T) {
	e, _ := newTestExchange(t, linearParams(10000, 2), flat(4, 100))
	if err := e.SetLeverage(5); err != nil {
		t.Fatalf("set leverage: %v", err)
	}
	if e.Leverage() != 5 {
		t.Fatalf("leverage = %d, want 5", e.Leverage())
	}

	step(t, e, func() { mustOpen(t, e, OrderRequest{Type: OrderMarket, Contracts: 1}) })
	if err := e.SetLeverage(10); err != nil {
		t.Fatalf("set leverage: %v", err)
	}
	if e.Leverage() != 5 {
		t.Errorf("leverage = %d, want 5 while position is open", e.Leverage())
	}
	if err := e.SetLeverage(0); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("leverage 0 err = %v, want ErrInvalidConfig", err)
	}
}

func TestContractsPercentage(t *testing.T) {
	e, _ := newTestExchange(t, linearParams(1000, 2), flat(3, 100))

	got, err := e.ContractsPercentage(100)
	if err != nil {
		t.Fatal(err)
	}
	// 1000 available / (100/2 per contract)
	if !almostEqual(got, 20) {
		t.Errorf("contracts = %v, want 20", got)
	}
	got, _ = e.ContractsPercentage(25)
	if !almostEqual(got, 5) {
		t.Errorf("contracts at 25%% = %v, want 5", got)
	}
}

func TestClosePosition(t *testing.T) {
	e, _ := newTestExchange(t, linearParams(10000, 1), flat(4, 100))

	o, err := e.ClosePosition()
	if err != nil || o != nil {
		t.Fatalf("close when flat = %v, %v; want nil, nil", o, err)
	}

	step(t, e, func() { mustOpen(t, e, OrderRequest{Type: OrderMarket, Contracts: 7}) })
	step(t, e, func() {
		o, err := e.ClosePosition()
		if err != nil || o == nil {
			t.Fatalf("close = %v, %v", o, err)
		}
		if o.Contracts != -7 || !o.ReduceOnly {
			t.Errorf("close order = %+v, want reduce-only -7", o)
		}
	})
	if e.Position().Open() {
		t.Errorf("position = %+v, want flat", e.Position())
	}
}

func TestTickMismatch(t *testing.T) {
	e, _ := newTestExchange(t, linearParams(1000, 1), flat(3, 100))
	if err := e.AfterTick(1); !errors.Is(err, ErrTickMismatch) {
		t.Errorf("after tick err = %v, want ErrTickMismatch", err)
	}
	if err := e.BeforeTick(2); !errors.Is(err, ErrTickMismatch) {
		t.Errorf("before tick err = %v, want ErrTickMismatch", err)
	}
}

func TestFinishesAtEndOfFeed(t *testing.T) {
	e, sink := newTestExchange(t, linearParams(1000, 1), flat(3, 100))
	for i := 0; i < 3; i++ {
		step(t, e, nil)
	}
	if !e.Finished() {
		t.Fatal("exchange not finished after consuming the feed")
	}
	// Candles 1 and 2 are settled, candle 0 is only the starting point.
	if n := len(sink.wallets); n != 2 {
		t.Errorf("wallet snapshots = %d, want 2", n)
	}
	if _, err := e.OpenOrder(OrderRequest{Type: OrderMarket, Contracts: 1}); !errors.Is(err, ErrFinished) {
		t.Errorf("open after finish err = %v, want ErrFinished", err)
	}
}

func TestCrossMarginFailsWithOpenPosition(t *testing.T) {
	p := linearParams(10000, 1)
	p.CrossMargin = true
	e, _ := newTestExchange(t, p, flat(4, 100))

	// Flat: admission works.
	mustOpen(t, e, OrderRequest{Type: OrderMarket, Contracts: 1})
	if err := e.AfterTick(0); !errors.Is(err, ErrCrossMargin) {
		t.Fatalf("after tick err = %v, want ErrCrossMargin", err)
	}
	if _, err := e.OpenOrder(OrderRequest{Type: OrderMarket, Contracts: 1}); !errors.Is(err, ErrCrossMargin) {
		t.Errorf("open order err = %v, want ErrCrossMargin", err)
	}
	if _, err := e.OrderCost(1, 100); !errors.Is(err, ErrCrossMargin) {
		t.Errorf("order cost err = %v, want ErrCrossMargin", err)
	}
	if _, err := e.ContractsPercentage(10); !errors.Is(err, ErrCrossMargin) {
		t.Errorf("contracts percentage err = %v, want ErrCrossMargin", err)
	}
}

// wave is a deterministic candle series with funding every 8th candle.
func wave(n int) feed.Series {
	bars := make([]feed.Candle, n)
	for i := range bars {
		mid := 100 + 10*math.Sin(float64(i)/5)
		b := bar(mid, mid+2, mid-2, mid+0.5*math.Cos(float64(i)))
		if i%8 == 0 {
			b.FundingRate = 0.0001 * math.Sin(float64(i))
		}
		bars[i] = b
	}
	return series(bars...)
}

// scripted drives a fixed set of intents over s and returns the exchange.
func scripted(t *testing.T, p Params, s feed.Series, check func(*Exchange)) *Exchange {
	t.Helper()
	e, _ := newTestExchange(t, p, s)
	for i := 0; i < s.Len(); i++ {
		step(t, e, func() {
			switch {
			case i%13 == 0:
				e.CancelAllOrders()
			case i%7 == 0:
				mustOpen(t, e, OrderRequest{Type: OrderMarket, Contracts: 5})
			case i%11 == 0:
				mustOpen(t, e, OrderRequest{Type: OrderMarket, Contracts: -8})
			case i%5 == 0:
				mustOpen(t, e, OrderRequest{Type: OrderLimit, Contracts: 3, Price: e.Close() * 0.99})
			case i%3 == 0:
				mustOpen(t, e, OrderRequest{Type: OrderStopMarket, Contracts: -2, Price: e.Close() * 1.01})
			}
		})
		if check != nil {
			check(e)
		}
	}
	return e
}

func TestLedgerInvariants(t *testing.T) {
	for _, contract := range []Contract{ContractLinear, ContractInverse} {
		t.Run(contract.String(), func(t *testing.T) {
			p := linearParams(10000, 3)
			p.Contract = contract
			if contract == ContractInverse {
				p.InitialDeposit = 5
			}
			scripted(t, p, wave(120), func(e *Exchange) {
				pos, w := e.Position(), e.Wallet()
				if !pos.Open() && (pos.Price != 0 || pos.LiquidationPrice != 0 || pos.BankruptcyPrice != 0) {
					t.Fatalf("flat position with prices: %+v", pos)
				}
				if w.PositionMargin < 0 || w.OrderMargin < 0 || pos.Collateral < 0 {
					t.Fatalf("negative margin: %+v %+v", w, pos)
				}
				if !almostEqual(w.MarginBalance, w.AccountBalance+pos.UnrealizedPnL) {
					t.Fatalf("margin balance %v != account %v + upnl %v", w.MarginBalance, w.AccountBalance, pos.UnrealizedPnL)
				}
				if !almostEqual(w.AvailableBalance, w.MarginBalance-w.PositionMargin-w.OrderMargin) {
					t.Fatalf("available %v != margin %v - pm %v - om %v", w.AvailableBalance, w.MarginBalance, w.PositionMargin, w.OrderMargin)
				}
			})
		})
	}
}

func TestIdempotentReplay(t *testing.T) {
	p := linearParams(10000, 3)
	a := scripted(t, p, wave(120), nil)
	b := scripted(t, p, wave(120), nil)

	if len(a.Executions()) == 0 {
		t.Fatal("script produced no executions")
	}
	if !reflect.DeepEqual(a.Executions(), b.Executions()) {
		t.Error("execution logs differ between identical runs")
	}
	if a.Wallet() != b.Wallet() || a.Position() != b.Position() {
		t.Error("final state differs between identical runs")
	}
	if a.Digest() != b.Digest() {
		t.Errorf("digest %s != %s", a.Digest(), b.Digest())
	}

	p.TakerFee = 0.001
	c := scripted(t, p, wave(120), nil)
	if c.Digest() == a.Digest() {
		t.Error("digest ignores a different fee schedule")
	}
}
