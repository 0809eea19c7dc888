package exchange

import "time"

// OrderType selects how an order is matched against a candle.
type OrderType int8

const (
	OrderMarket OrderType = iota
	OrderLimit
	OrderStopMarket
)

func (t OrderType) String() string {
	switch t {
	case OrderMarket:
		return "Market"
	case OrderLimit:
		return "Limit"
	case OrderStopMarket:
		return "StopMarket"
	default:
		return "Unknown"
	}
}

// HasPrice reports whether orders of this type need a limit/trigger price.
func (t OrderType) HasPrice() bool {
	return t == OrderLimit || t == OrderStopMarket
}

type OrderStatus int8

const (
	StatusOpen OrderStatus = iota
	StatusClosed
	StatusCanceled
	StatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusClosed:
		return "Closed"
	case StatusCanceled:
		return "Canceled"
	case StatusExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// ExecutionType classifies ledger events.
type ExecutionType int8

const (
	ExecTrade ExecutionType = iota
	ExecLiquidation
	ExecFunding
)

func (t ExecutionType) String() string {
	switch t {
	case ExecTrade:
		return "Trade"
	case ExecLiquidation:
		return "Liquidation"
	case ExecFunding:
		return "Funding"
	default:
		return "Unknown"
	}
}

// Direction tells whether an execution grew or shrank |position|.
type Direction int8

const (
	Expand Direction = iota
	Reduce
)

func (d Direction) String() string {
	switch d {
	case Expand:
		return "Expand"
	case Reduce:
		return "Reduce"
	default:
		return "Unknown"
	}
}

// OrderRequest is what a strategy submits to OpenOrder.
// Positive Contracts buy, negative Contracts sell. Price is ignored for
// market orders.
type OrderRequest struct {
	Symbol     string
	Type       OrderType
	Contracts  float64
	Price      float64
	ReduceOnly bool
	PostOnly   bool
}

// Order is an intent to trade tracked by the exchange.
type Order struct {
	ID                 int64       `json:"id"`
	Symbol             string      `json:"symbol"`
	Timestamp          time.Time   `json:"timestamp"`
	LastTradeTimestamp time.Time   `json:"last_trade_timestamp"`
	Type               OrderType   `json:"type"`
	Contracts          float64     `json:"contracts"`
	Price              float64     `json:"price"`
	ReduceOnly         bool        `json:"reduce_only"`
	PostOnly           bool        `json:"post_only"`
	FeeRate            float64     `json:"fee_rate"`
	Taker              bool        `json:"taker"`
	Cost               float64     `json:"cost"` // initial margin reserved while open
	Status             OrderStatus `json:"status"`
}

// Buy reports whether the order increases the long side.
func (o *Order) Buy() bool { return o.Contracts > 0 }

// Position is the single net exposure of a simulated account.
type Position struct {
	Contracts            float64 `json:"contracts"`
	Price                float64 `json:"price"`
	Leverage             int     `json:"leverage"`
	Collateral           float64 `json:"collateral"`
	InitialMargin        float64 `json:"initial_margin"`
	InitialMarginPct     float64 `json:"initial_margin_pct"`
	MaintenanceMargin    float64 `json:"maintenance_margin"`
	MaintenanceMarginPct float64 `json:"maintenance_margin_pct"`
	UnrealizedPnL        float64 `json:"unrealized_pnl"`
	UnrealizedPnLPct     float64 `json:"unrealized_pnl_pct"`
	LiquidationPrice     float64 `json:"liquidation_price"`
	BankruptcyPrice      float64 `json:"bankruptcy_price"`
	Isolated             bool    `json:"isolated"`
	Hedged               bool    `json:"hedged"`
}

func (p Position) Open() bool  { return p.Contracts != 0 }
func (p Position) Long() bool  { return p.Contracts > 0 }
func (p Position) Short() bool { return p.Contracts < 0 }

// reset flattens the position while keeping its account settings.
func (p *Position) reset() {
	*p = Position{Leverage: p.Leverage, Isolated: p.Isolated, Hedged: p.Hedged}
}

// Wallet holds account level balances, recomputed once per tick.
type Wallet struct {
	Deposit          float64 `json:"deposit"`
	TotalRealizedPnL float64 `json:"total_rpnl"`
	AccountBalance   float64 `json:"account_balance"`
	MarginBalance    float64 `json:"margin_balance"`
	AvailableBalance float64 `json:"available_balance"`
	OrderMargin      float64 `json:"order_margin"`
	PositionMargin   float64 `json:"position_margin"`
}

// Execution is an immutable ledger event. Cost is the realized PnL delta
// excluding fees, so total_rpnl == sum(Cost) - sum(FeeCost).
type Execution struct {
	ID        int64         `json:"id"`
	OrderID   int64         `json:"order_id"`
	Type      ExecutionType `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Price     float64       `json:"price"`
	Contracts float64       `json:"contracts"`
	Cost      float64       `json:"cost"`
	FeeRate   float64       `json:"fee_rate"`
	FeeCost   float64       `json:"fee_cost"`
	Direction Direction     `json:"direction"`
}

// Snapshot is the point-in-time copy appended after every settled tick.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Wallet    Wallet    `json:"wallet"`
	Position  Position  `json:"position"`
	Orders    []Order   `json:"orders"`
}

// Sink receives the append-only history of one or more subaccounts.
// The exchange never reads it back.
type Sink interface {
	AppendOrder(subaccount string, ts time.Time, o Order, snapshot bool) error
	AppendExecution(subaccount string, e Execution) error
	AppendPosition(subaccount string, ts time.Time, p Position) error
	AppendWallet(subaccount string, ts time.Time, w Wallet) error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) AppendOrder(string, time.Time, Order, bool) error { return nil }
func (NopSink) AppendExecution(string, Execution) error          { return nil }
func (NopSink) AppendPosition(string, time.Time, Position) error { return nil }
func (NopSink) AppendWallet(string, time.Time, Wallet) error     { return nil }

