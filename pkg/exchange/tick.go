package exchange

import (
	"fmt"
	"math"
	"sort"

	"github.com/flamingrickpat/kektrade/pkg/feed"
)

// BeforeTick is called by the driver before the strategy acts on candle i.
func (e *Exchange) BeforeTick(i int) error {
	if i != e.index {
		return fmt.Errorf("%w: driver at %d, exchange at %d", ErrTickMismatch, i, e.index)
	}
	return nil
}

// AfterTick advances to candle i+1 and settles it: funding, liquidation,
// order processing, then recompute and snapshot. The phases never reorder.
// Once the feed is exhausted the exchange is finished and further calls are
// no-ops.
func (e *Exchange) AfterTick(i int) error {
	if i != e.index {
		return fmt.Errorf("%w: driver at %d, exchange at %d", ErrTickMismatch, i, e.index)
	}
	if e.finished {
		return nil
	}
	if e.index+1 >= e.feed.Len() {
		e.finished = true
		return nil
	}
	e.index++

	c := e.candle()
	if err := e.settleFunding(c); err != nil {
		return fmt.Errorf("funding at %d: %w", e.index, err)
	}
	if err := e.checkLiquidation(c); err != nil {
		return fmt.Errorf("liquidation at %d: %w", e.index, err)
	}
	if err := e.processOrders(c); err != nil {
		return fmt.Errorf("orders at %d: %w", e.index, err)
	}
	if err := e.requireIsolated(); err != nil {
		return err
	}
	e.updatePosition()
	e.updateWallet()
	if err := e.snapshot(c); err != nil {
		return fmt.Errorf("snapshot at %d: %w", e.index, err)
	}
	return nil
}

// settleFunding pays or receives the candle's funding on the open position.
// Longs pay a positive rate and shorts pay a negative one.
func (e *Exchange) settleFunding(c feed.Candle) error {
	rate := c.FundingRate
	if !e.position.Open() || rate == 0 || math.IsNaN(rate) {
		return nil
	}
	fee := math.Abs(e.math.Value(e.position.Contracts, c.Close) * rate)
	if (e.position.Long() && rate > 0) || (e.position.Short() && rate < 0) {
		fee = -fee
	}

	e.wallet.TotalRealizedPnL += fee
	e.logger.Debugw("funding_settled", "subaccount", e.subaccount, "rate", rate, "amount", fee)
	return e.record(Execution{
		Type:      ExecFunding,
		Timestamp: c.Timestamp,
		Price:     c.Close,
		Cost:      fee,
		Direction: Reduce,
	})
}

// checkLiquidation closes the whole position at the liquidation price when
// the candle range breaches it. The full position margin is lost.
func (e *Exchange) checkLiquidation(c feed.Candle) error {
	if !e.position.Open() {
		return nil
	}
	if err := e.requireIsolated(); err != nil {
		return err
	}

	p := e.position
	liq := e.math.LiquidationPrice(p.Contracts, p.Price, e.leverage, e.params.MaintenanceMarginRate)
	if !(p.Long() && c.Low < liq) && !(p.Short() && c.High > liq) {
		return nil
	}

	margin := e.positionMargin()
	e.wallet.TotalRealizedPnL -= margin
	e.position.reset()
	e.logger.Debugw("position_liquidated",
		"subaccount", e.subaccount,
		"contracts", p.Contracts,
		"entry", p.Price,
		"liquidation_price", liq,
		"margin_lost", margin)
	return e.record(Execution{
		Type:      ExecLiquidation,
		Timestamp: c.Timestamp,
		Price:     liq,
		Contracts: -p.Contracts,
		Cost:      -margin,
		Direction: Reduce,
	})
}

// processOrders walks the open orders closest to the open price first
// (market orders lead) and fills, cancels, or keeps each one.
func (e *Exchange) processOrders(c feed.Candle) error {
	sort.SliceStable(e.open, func(a, b int) bool {
		return distanceFromOpen(e.open[a], c.Open) < distanceFromOpen(e.open[b], c.Open)
	})

	pending := make([]*Order, len(e.open))
	copy(pending, e.open)
	for _, o := range pending {
		if o.Status == StatusCanceled {
			if err := e.moveCanceled(o, "canceled", c); err != nil {
				return err
			}
			continue
		}
		if err := e.requireIsolated(); err != nil {
			return err
		}

		switch {
		case !e.hasBalanceFor(o):
			o.Status = StatusCanceled
			if err := e.moveCanceled(o, "insufficient_balance", c); err != nil {
				return err
			}
			continue
		case !e.reduceOnlyValid(o):
			o.Status = StatusCanceled
			if err := e.moveCanceled(o, "reduce_only", c); err != nil {
				return err
			}
			continue
		case !e.withinLifetime(o):
			o.Status = StatusExpired
			e.removeOpen(o.ID)
			e.expired = append(e.expired, o)
			if err := e.sink.AppendOrder(e.subaccount, c.Timestamp, *o, false); err != nil {
				return fmt.Errorf("persist order: %w", err)
			}
			continue
		}

		price, ok := e.fillPrice(o, c)
		if !ok {
			continue
		}
		if err := e.execute(o, price, c); err != nil {
			return err
		}
	}
	return nil
}

func distanceFromOpen(o *Order, open float64) float64 {
	if o.Type == OrderMarket || o.Price <= 0 {
		return -1
	}
	return math.Abs(o.Price - open)
}

// fillPrice returns the execution price of o on candle c, if it fills. A
// stop triggers once the candle trades through its price.
func (e *Exchange) fillPrice(o *Order, c feed.Candle) (float64, bool) {
	switch o.Type {
	case OrderMarket:
		return c.Open, true
	case OrderStopMarket:
		slip := math.Abs(o.Price * e.params.StopMarketSlippage)
		switch {
		case o.Buy() && c.High >= o.Price:
			return o.Price + slip, true
		case !o.Buy() && c.Low <= o.Price:
			return o.Price - slip, true
		}
	case OrderLimit:
		if c.Low < o.Price && o.Price < c.High {
			return o.Price, true
		}
	}
	return 0, false
}

func (e *Exchange) moveCanceled(o *Order, reason string, c feed.Candle) error {
	e.removeOpen(o.ID)
	e.canceled = append(e.canceled, o)
	e.logger.Debugw("order_canceled", "subaccount", e.subaccount, "order_id", o.ID, "reason", reason)
	if err := e.sink.AppendOrder(e.subaccount, c.Timestamp, *o, false); err != nil {
		return fmt.Errorf("persist order: %w", err)
	}
	return nil
}

func (e *Exchange) removeOpen(id int64) {
	for i, o := range e.open {
		if o.ID == id {
			e.open = append(e.open[:i], e.open[i+1:]...)
			return
		}
	}
}

// execute fills o at price. A fill that crosses zero is split into a
// reducing leg that flattens the position and an expanding leg with the
// residual contracts.
func (e *Exchange) execute(o *Order, price float64, c feed.Candle) error {
	e.removeOpen(o.ID)
	o.Status = StatusClosed
	o.Price = price
	o.LastTradeTimestamp = c.Timestamp

	pc := e.position.Contracts
	if o.ReduceOnly && pc != 0 && (pc > 0) != (o.Contracts > 0) && math.Abs(o.Contracts) > math.Abs(pc) {
		o.Contracts = -pc
	}

	if (pc > 0 && pc+o.Contracts < 0) || (pc < 0 && pc+o.Contracts > 0) {
		flatten := *o
		flatten.ID = e.nextID()
		flatten.Contracts = -pc
		o.Contracts += pc
		e.closed = append(e.closed, &flatten)
		if err := e.sink.AppendOrder(e.subaccount, c.Timestamp, flatten, false); err != nil {
			return fmt.Errorf("persist order: %w", err)
		}
		if err := e.reduce(&flatten, c); err != nil {
			return err
		}
		pc = 0
	}

	e.closed = append(e.closed, o)
	if err := e.sink.AppendOrder(e.subaccount, c.Timestamp, *o, false); err != nil {
		return fmt.Errorf("persist order: %w", err)
	}

	switch next := math.Abs(pc + o.Contracts); {
	case next > math.Abs(pc):
		return e.expand(o, c)
	case next < math.Abs(pc):
		return e.reduce(o, c)
	}
	return nil
}

func (e *Exchange) expand(o *Order, c feed.Candle) error {
	fee := e.math.Value(o.Contracts, o.Price) * o.FeeRate
	p := &e.position
	if p.Open() {
		p.Price = e.math.AverageEntryPrice(p.Contracts, p.Price, o.Contracts, o.Price)
	} else {
		p.Price = o.Price
	}
	p.Contracts += o.Contracts
	e.wallet.TotalRealizedPnL -= fee

	e.logger.Debugw("order_filled",
		"subaccount", e.subaccount,
		"order_id", o.ID,
		"direction", "expand",
		"contracts", o.Contracts,
		"price", o.Price,
		"fee", fee)
	return e.record(Execution{
		OrderID:   o.ID,
		Type:      ExecTrade,
		Timestamp: c.Timestamp,
		Price:     o.Price,
		Contracts: o.Contracts,
		FeeRate:   o.FeeRate,
		FeeCost:   fee,
		Direction: Expand,
	})
}

func (e *Exchange) reduce(o *Order, c feed.Candle) error {
	fee := e.math.Value(o.Contracts, o.Price) * o.FeeRate
	p := &e.position
	pnl := e.math.RealizedPnL(-o.Contracts, p.Price, o.Price)
	p.Contracts += o.Contracts
	if p.Contracts == 0 {
		p.reset()
	}
	e.wallet.TotalRealizedPnL += pnl - fee

	e.logger.Debugw("order_filled",
		"subaccount", e.subaccount,
		"order_id", o.ID,
		"direction", "reduce",
		"contracts", o.Contracts,
		"price", o.Price,
		"pnl", pnl,
		"fee", fee)
	return e.record(Execution{
		OrderID:   o.ID,
		Type:      ExecTrade,
		Timestamp: c.Timestamp,
		Price:     o.Price,
		Contracts: o.Contracts,
		Cost:      pnl,
		FeeRate:   o.FeeRate,
		FeeCost:   fee,
		Direction: Reduce,
	})
}

func (e *Exchange) record(x Execution) error {
	x.ID = e.nextID()
	e.executions = append(e.executions, x)
	if err := e.sink.AppendExecution(e.subaccount, x); err != nil {
		return fmt.Errorf("persist execution: %w", err)
	}
	return nil
}

// updatePosition refreshes the derived position fields. A flat position has
// every price field at 0.
func (e *Exchange) updatePosition() {
	p := &e.position
	p.Leverage = e.leverage
	if !p.Open() {
		p.reset()
		return
	}

	mmr := e.params.MaintenanceMarginRate
	p.Collateral = e.positionMargin()
	p.InitialMargin = e.math.InitialMargin(p.Contracts, p.Price, e.leverage)
	p.InitialMarginPct = p.InitialMargin / e.math.Value(p.Contracts, p.Price)
	p.MaintenanceMargin = e.math.MaintenanceMargin(p.Contracts, p.Price, mmr)
	p.MaintenanceMarginPct = mmr
	p.UnrealizedPnL = e.unrealizedPnL()
	p.UnrealizedPnLPct = 0
	if p.Collateral > 0 {
		p.UnrealizedPnLPct = p.UnrealizedPnL / p.Collateral
	}
	p.LiquidationPrice = e.math.LiquidationPrice(p.Contracts, p.Price, e.leverage, mmr)
	p.BankruptcyPrice = e.math.BankruptcyPrice(p.Contracts, p.Price, e.leverage, mmr)
}

func (e *Exchange) updateWallet() {
	w := &e.wallet
	w.AccountBalance = e.accountBalance()
	w.MarginBalance = e.marginBalance()
	w.PositionMargin = e.positionMargin()
	w.OrderMargin = e.orderMargin(0)
	w.AvailableBalance = e.availableBalance(0)
}

// snapshot appends wallet, position and open orders to history, then drops
// the terminal orders collected during this tick.
func (e *Exchange) snapshot(c feed.Candle) error {
	s := Snapshot{
		Timestamp: c.Timestamp,
		Wallet:    e.wallet,
		Position:  e.position,
		Orders:    e.OpenOrders(),
	}
	e.history = append(e.history, s)

	if err := e.sink.AppendWallet(e.subaccount, s.Timestamp, s.Wallet); err != nil {
		return fmt.Errorf("persist wallet: %w", err)
	}
	if err := e.sink.AppendPosition(e.subaccount, s.Timestamp, s.Position); err != nil {
		return fmt.Errorf("persist position: %w", err)
	}
	for _, o := range s.Orders {
		if err := e.sink.AppendOrder(e.subaccount, s.Timestamp, o, true); err != nil {
			return fmt.Errorf("persist order: %w", err)
		}
	}

	e.closed = e.closed[:0]
	e.canceled = e.canceled[:0]
	e.expired = e.expired[:0]
	return nil
}
