package exchange

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/flamingrickpat/kektrade/pkg/feed"
)

// Config wires one Exchange instance.
type Config struct {
	Subaccount string
	Params     Params
	Feed       feed.Feed
	Sink       Sink
	Logger     *zap.SugaredLogger
}

// Exchange simulates one account against a candle feed. It is not safe for
// concurrent use; every optimizer trial owns its own instance.
type Exchange struct {
	subaccount string
	params     Params
	math       ContractMath
	feed       feed.Feed
	sink       Sink
	logger     *zap.SugaredLogger

	index    int
	finished bool
	seq      int64 // shared by orders and executions
	leverage int

	position Position
	wallet   Wallet

	open     []*Order
	closed   []*Order
	canceled []*Order
	expired  []*Order

	executions []Execution
	history    []Snapshot
}

// New validates cfg and returns an exchange positioned on the first candle.
func New(cfg Config) (*Exchange, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.Feed == nil || cfg.Feed.Len() < 2 {
		n := 0
		if cfg.Feed != nil {
			n = cfg.Feed.Len()
		}
		return nil, fmt.Errorf("%w: %d candles, need at least 2", ErrFeedTooShort, n)
	}
	m, err := MathFor(cfg.Params.Contract)
	if err != nil {
		return nil, err
	}
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	e := &Exchange{
		subaccount: cfg.Subaccount,
		params:     cfg.Params,
		math:       m,
		feed:       cfg.Feed,
		sink:       cfg.Sink,
		logger:     cfg.Logger,
		leverage:   cfg.Params.Leverage,
		position: Position{
			Leverage: cfg.Params.Leverage,
			Isolated: !cfg.Params.CrossMargin,
			Hedged:   cfg.Params.HedgeMode != 0,
		},
		wallet: Wallet{Deposit: cfg.Params.InitialDeposit},
	}
	e.updateWallet()
	return e, nil
}

func (e *Exchange) Subaccount() string { return e.subaccount }
func (e *Exchange) Params() Params     { return e.params }
func (e *Exchange) Index() int         { return e.index }
func (e *Exchange) Finished() bool     { return e.finished }

func (e *Exchange) candle() feed.Candle { return e.feed.At(e.index) }

// Current candle accessors.
func (e *Exchange) Timestamp() time.Time { return e.candle().Timestamp }
func (e *Exchange) Open() float64        { return e.candle().Open }
func (e *Exchange) High() float64        { return e.candle().High }
func (e *Exchange) Low() float64         { return e.candle().Low }
func (e *Exchange) Close() float64       { return e.candle().Close }

func (e *Exchange) Position() Position { return e.position }
func (e *Exchange) Wallet() Wallet     { return e.wallet }
func (e *Exchange) Leverage() int      { return e.leverage }

// OpenOrders returns copies of the orders still waiting for a fill.
func (e *Exchange) OpenOrders() []Order {
	out := make([]Order, 0, len(e.open))
	for _, o := range e.open {
		out = append(out, *o)
	}
	return out
}

// Executions returns the full execution log.
func (e *Exchange) Executions() []Execution {
	out := make([]Execution, len(e.executions))
	copy(out, e.executions)
	return out
}

// History returns every snapshot appended so far.
func (e *Exchange) History() []Snapshot {
	out := make([]Snapshot, len(e.history))
	copy(out, e.history)
	return out
}

func (e *Exchange) nextID() int64 {
	e.seq++
	return e.seq
}

// requireIsolated fails when a cross-margin formula would be needed.
func (e *Exchange) requireIsolated() error {
	if e.params.CrossMargin && e.position.Open() {
		return fmt.Errorf("%w: subaccount %s", ErrCrossMargin, e.subaccount)
	}
	return nil
}

// OpenOrder validates and admits an order. It returns (nil, nil) when the
// order was canceled by the post-only or balance check; those are market
// outcomes, not failures.
func (e *Exchange) OpenOrder(req OrderRequest) (*Order, error) {
	if e.finished {
		return nil, ErrFinished
	}
	if req.Contracts == 0 {
		return nil, ErrZeroContracts
	}
	if err := e.checkHedgeMode(req.Contracts, req.ReduceOnly); err != nil {
		return nil, err
	}
	if req.Type.HasPrice() && req.Price <= 0 {
		return nil, fmt.Errorf("%w: %s order", ErrMissingPrice, req.Type)
	}
	if err := e.requireIsolated(); err != nil {
		return nil, err
	}

	c := e.candle()
	o := &Order{
		ID:         e.nextID(),
		Symbol:     req.Symbol,
		Timestamp:  c.Timestamp,
		Type:       req.Type,
		Contracts:  req.Contracts,
		ReduceOnly: req.ReduceOnly,
		PostOnly:   req.PostOnly,
		Status:     StatusOpen,
	}
	if o.Symbol == "" {
		o.Symbol = e.params.Symbol
	}
	if req.Type.HasPrice() {
		o.Price = req.Price
	}
	o.Taker = isTaker(o, c.Close)
	o.FeeRate = e.params.MakerFee
	if o.Taker {
		o.FeeRate = e.params.TakerFee
	}
	o.Cost = e.orderInitialMargin(o)

	reason := ""
	switch {
	case o.PostOnly && executesImmediately(o, c.Open):
		reason = "post_only"
	case !e.hasBalanceFor(o):
		reason = "insufficient_balance"
	}
	if reason != "" {
		o.Status = StatusCanceled
		e.canceled = append(e.canceled, o)
		e.logger.Debugw("order_rejected", "subaccount", e.subaccount, "order_id", o.ID, "reason", reason)
		if err := e.sink.AppendOrder(e.subaccount, c.Timestamp, *o, false); err != nil {
			return nil, fmt.Errorf("persist order: %w", err)
		}
		return nil, nil
	}

	e.open = append(e.open, o)
	if err := e.sink.AppendOrder(e.subaccount, c.Timestamp, *o, false); err != nil {
		return nil, fmt.Errorf("persist order: %w", err)
	}
	out := *o
	return &out, nil
}

// checkHedgeMode enforces the one-sided hedge modes: only the allowed side
// may open, the other side may only reduce.
func (e *Exchange) checkHedgeMode(contracts float64, reduceOnly bool) error {
	switch e.params.HedgeMode {
	case 1:
		if (contracts > 0 && !reduceOnly) || (contracts < 0 && reduceOnly) {
			return nil
		}
		return fmt.Errorf("%w: can't open short in long hedge mode", ErrHedgeMode)
	case -1:
		if (contracts < 0 && !reduceOnly) || (contracts > 0 && reduceOnly) {
			return nil
		}
		return fmt.Errorf("%w: can't open long in short hedge mode", ErrHedgeMode)
	}
	return nil
}

// isTaker: market and stop orders take liquidity; a limit takes only when
// its price is already through the close.
func isTaker(o *Order, closePrice float64) bool {
	switch o.Type {
	case OrderMarket, OrderStopMarket:
		return true
	case OrderLimit:
		return (o.Buy() && o.Price > closePrice) || (!o.Buy() && o.Price < closePrice)
	}
	return true
}

// executesImmediately is the post-only predicate against the candle open.
func executesImmediately(o *Order, open float64) bool {
	switch o.Type {
	case OrderLimit:
		return (o.Buy() && o.Price > open) || (!o.Buy() && o.Price < open)
	case OrderStopMarket:
		return (o.Buy() && o.Price < open) || (!o.Buy() && o.Price > open)
	}
	return true
}

func (e *Exchange) orderInitialMargin(o *Order) float64 {
	price := o.Price
	if price <= 0 {
		price = e.Close()
	}
	return e.math.InitialMargin(o.Contracts, price, e.leverage)
}

// reduces reports whether filling o would shrink the current position.
func (e *Exchange) reduces(o *Order) bool {
	pc := e.position.Contracts
	return math.Abs(pc+o.Contracts) < math.Abs(pc)
}

// hasBalanceFor is the balance admission check. The order's own margin is
// never counted against itself.
func (e *Exchange) hasBalanceFor(o *Order) bool {
	if o.ReduceOnly || e.reduces(o) || e.params.UnlimitedFunds {
		return true
	}
	return o.Cost <= e.availableBalance(o.ID)
}

// reduceOnlyValid: a reduce-only order must oppose an open position.
func (e *Exchange) reduceOnlyValid(o *Order) bool {
	if !o.ReduceOnly {
		return true
	}
	pc := e.position.Contracts
	return pc != 0 && (pc > 0) != (o.Contracts > 0)
}

// withinLifetime is the expiry predicate. Orders are good till canceled.
func (e *Exchange) withinLifetime(*Order) bool { return true }

// CancelOrder marks an open order canceled. It leaves the open set on the
// next settlement.
func (e *Exchange) CancelOrder(id int64) error {
	for _, o := range e.open {
		if o.ID == id && o.Status == StatusOpen {
			o.Status = StatusCanceled
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrOrderNotFound, id)
}

func (e *Exchange) CancelAllOrders() {
	for _, o := range e.open {
		if o.Status == StatusOpen {
			o.Status = StatusCanceled
		}
	}
}

// SetOrderPrice moves the limit/trigger price of an open order and
// re-reserves its margin at the new price.
func (e *Exchange) SetOrderPrice(id int64, price float64) error {
	if price <= 0 {
		return fmt.Errorf("%w: order %d", ErrMissingPrice, id)
	}
	for _, o := range e.open {
		if o.ID != id || o.Status != StatusOpen {
			continue
		}
		if !o.Type.HasPrice() {
			return nil
		}
		o.Price = price
		o.Cost = e.orderInitialMargin(o)
		return nil
	}
	return fmt.Errorf("%w: %d", ErrOrderNotFound, id)
}

// SetLeverage changes leverage for future orders. It is ignored while a
// position is open.
func (e *Exchange) SetLeverage(leverage int) error {
	if leverage < 1 {
		return fmt.Errorf("%w: leverage %d < 1", ErrInvalidConfig, leverage)
	}
	if e.position.Open() {
		e.logger.Warnw("set_leverage_ignored", "subaccount", e.subaccount, "reason", "position_open", "leverage", leverage)
		return nil
	}
	e.leverage = leverage
	e.position.Leverage = leverage
	return nil
}

// ContractsPercentage returns how many contracts at the current close would
// consume pct percent of the available balance.
func (e *Exchange) ContractsPercentage(pct float64) (float64, error) {
	if err := e.requireIsolated(); err != nil {
		return 0, err
	}
	perContract := e.math.InitialMargin(1, e.Close(), e.leverage)
	if perContract == 0 {
		return 0, nil
	}
	return e.availableBalance(0) * pct / 100 / perContract, nil
}

// OrderCost estimates initial margin plus taker fees in and out for an
// order of contracts at price (the current close if price <= 0).
func (e *Exchange) OrderCost(contracts, price float64) (float64, error) {
	if err := e.requireIsolated(); err != nil {
		return 0, err
	}
	if price <= 0 {
		price = e.Close()
	}
	return OrderCost(e.math, contracts, price, e.leverage, e.params.MaintenanceMarginRate, e.params.TakerFee), nil
}

// ClosePosition submits a reduce-only market order for the full position.
// It is a no-op when flat.
func (e *Exchange) ClosePosition() (*Order, error) {
	if !e.position.Open() {
		return nil, nil
	}
	return e.OpenOrder(OrderRequest{
		Symbol:     e.params.Symbol,
		Type:       OrderMarket,
		Contracts:  -e.position.Contracts,
		ReduceOnly: true,
	})
}

// Balance figures computed live from the current state. Valid only in
// isolated mode.

func (e *Exchange) accountBalance() float64 {
	if e.params.UnlimitedFunds {
		return e.wallet.Deposit
	}
	return e.wallet.Deposit + e.wallet.TotalRealizedPnL
}

func (e *Exchange) unrealizedPnL() float64 {
	if !e.position.Open() {
		return 0
	}
	return e.math.UnrealizedPnL(e.position.Contracts, e.position.Price, e.Close())
}

func (e *Exchange) marginBalance() float64 {
	if e.params.UnlimitedFunds {
		return e.wallet.Deposit
	}
	return e.accountBalance() + e.unrealizedPnL()
}

func (e *Exchange) positionMargin() float64 {
	p := e.position
	return PositionMargin(e.math, p.Contracts, p.Price, e.leverage, e.params.MaintenanceMarginRate, e.params.TakerFee)
}

// orderMargin sums the reserved margin of open orders, skipping exclude.
func (e *Exchange) orderMargin(exclude int64) float64 {
	total := 0.0
	for _, o := range e.open {
		if o.ID == exclude || o.Status != StatusOpen {
			continue
		}
		total += o.Cost
	}
	return total
}

func (e *Exchange) availableBalance(exclude int64) float64 {
	if e.params.UnlimitedFunds {
		return e.wallet.Deposit
	}
	return e.marginBalance() - e.positionMargin() - e.orderMargin(exclude)
}
