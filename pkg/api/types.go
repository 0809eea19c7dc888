package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/flamingrickpat/kektrade/pkg/exchange"
	"github.com/flamingrickpat/kektrade/pkg/storage"
)

// API response types for REST endpoints and WebSocket messages. Money and
// prices are rendered as fixed-scale decimal strings.

const moneyScale = 8

func money(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(moneyScale)
}

// ==============================
// REST Response Types
// ==============================

type SubaccountInfo struct {
	ID           string             `json:"id"`
	Parent       string             `json:"parent,omitempty"`
	Strategy     string             `json:"strategy"`
	Symbol       string             `json:"symbol"`
	Parameters   map[string]float64 `json:"parameters"`
	Start        time.Time          `json:"start"`
	End          time.Time          `json:"end"`
	Trial        bool               `json:"trial"`
	FinalBalance string             `json:"finalBalance"`
	Digest       string             `json:"digest,omitempty"`
}

type WalletInfo struct {
	Timestamp        time.Time `json:"timestamp"`
	Deposit          string    `json:"deposit"`
	TotalRealizedPnL string    `json:"totalRealizedPnL"`
	AccountBalance   string    `json:"accountBalance"`
	MarginBalance    string    `json:"marginBalance"`
	AvailableBalance string    `json:"availableBalance"`
	OrderMargin      string    `json:"orderMargin"`
	PositionMargin   string    `json:"positionMargin"`
}

type PositionInfo struct {
	Timestamp         time.Time `json:"timestamp"`
	Contracts         string    `json:"contracts"`
	Price             string    `json:"price"`
	Leverage          int       `json:"leverage"`
	InitialMargin     string    `json:"initialMargin"`
	MaintenanceMargin string    `json:"maintenanceMargin"`
	UnrealizedPnL     string    `json:"unrealizedPnL"`
	LiquidationPrice  string    `json:"liquidationPrice"`
	BankruptcyPrice   string    `json:"bankruptcyPrice"`
}

type OrderInfo struct {
	Timestamp  time.Time `json:"timestamp"`
	Snapshot   bool      `json:"snapshot"`
	ID         int64     `json:"id"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Contracts  string    `json:"contracts"`
	Price      string    `json:"price"`
	ReduceOnly bool      `json:"reduceOnly"`
	PostOnly   bool      `json:"postOnly"`
	Taker      bool      `json:"taker"`
}

type ExecutionInfo struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"orderId,omitempty"`
	Type      string    `json:"type"`
	Direction string    `json:"direction"`
	Timestamp time.Time `json:"timestamp"`
	Price     string    `json:"price"`
	Contracts string    `json:"contracts"`
	Cost      string    `json:"cost"`
	FeeCost   string    `json:"feeCost"`
}

// Summary condenses a subaccount's history.
type Summary struct {
	Subaccount     string         `json:"subaccount"`
	InitialBalance string         `json:"initialBalance"`
	FinalBalance   string         `json:"finalBalance"`
	RealizedPnL    string         `json:"realizedPnL"`
	Fees           string         `json:"fees"`
	MaxDrawdown    string         `json:"maxDrawdown"` // fraction of the running margin balance peak
	Executions     map[string]int `json:"executions"`
	Snapshots      int            `json:"snapshots"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest: {"op": "subscribe", "channels": ["wallet:main"]}
type WSSubscribeRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

type WalletUpdate struct {
	Type       string     `json:"type"` // "wallet"
	Subaccount string     `json:"subaccount"`
	Wallet     WalletInfo `json:"wallet"`
}

type PositionUpdate struct {
	Type       string       `json:"type"` // "position"
	Subaccount string       `json:"subaccount"`
	Position   PositionInfo `json:"position"`
}

// ==============================
// Conversions
// ==============================

func toSubaccountInfo(s storage.Subaccount) SubaccountInfo {
	return SubaccountInfo{
		ID:           s.ID,
		Parent:       s.Parent,
		Strategy:     s.Strategy,
		Symbol:       s.Symbol,
		Parameters:   s.Parameters,
		Start:        s.Start,
		End:          s.End,
		Trial:        s.Trial,
		FinalBalance: money(s.FinalBalance),
		Digest:       s.Digest,
	}
}

func toWalletInfo(ts time.Time, w exchange.Wallet) WalletInfo {
	return WalletInfo{
		Timestamp:        ts,
		Deposit:          money(w.Deposit),
		TotalRealizedPnL: money(w.TotalRealizedPnL),
		AccountBalance:   money(w.AccountBalance),
		MarginBalance:    money(w.MarginBalance),
		AvailableBalance: money(w.AvailableBalance),
		OrderMargin:      money(w.OrderMargin),
		PositionMargin:   money(w.PositionMargin),
	}
}

func toPositionInfo(ts time.Time, p exchange.Position) PositionInfo {
	return PositionInfo{
		Timestamp:         ts,
		Contracts:         money(p.Contracts),
		Price:             money(p.Price),
		Leverage:          p.Leverage,
		InitialMargin:     money(p.InitialMargin),
		MaintenanceMargin: money(p.MaintenanceMargin),
		UnrealizedPnL:     money(p.UnrealizedPnL),
		LiquidationPrice:  money(p.LiquidationPrice),
		BankruptcyPrice:   money(p.BankruptcyPrice),
	}
}

func toOrderInfo(r storage.OrderRecord) OrderInfo {
	o := r.Order
	return OrderInfo{
		Timestamp:  r.Timestamp,
		Snapshot:   r.Snapshot,
		ID:         o.ID,
		Type:       o.Type.String(),
		Status:     o.Status.String(),
		Contracts:  money(o.Contracts),
		Price:      money(o.Price),
		ReduceOnly: o.ReduceOnly,
		PostOnly:   o.PostOnly,
		Taker:      o.Taker,
	}
}

func toExecutionInfo(x exchange.Execution) ExecutionInfo {
	return ExecutionInfo{
		ID:        x.ID,
		OrderID:   x.OrderID,
		Type:      x.Type.String(),
		Direction: x.Direction.String(),
		Timestamp: x.Timestamp,
		Price:     money(x.Price),
		Contracts: money(x.Contracts),
		Cost:      money(x.Cost),
		FeeCost:   money(x.FeeCost),
	}
}
