package storage

import (
	"time"

	"github.com/flamingrickpat/kektrade/pkg/exchange"
)

// Subaccount describes one simulated account of a run. Optimizer trials are
// subaccounts too, linked to the account they optimize through Parent.
type Subaccount struct {
	ID           string             `json:"id"`
	Parent       string             `json:"parent,omitempty"`
	Strategy     string             `json:"strategy"`
	Symbol       string             `json:"symbol"`
	Parameters   map[string]float64 `json:"parameters"`
	Start        time.Time          `json:"start"`
	End          time.Time          `json:"end"`
	Trial        bool               `json:"trial"`
	FinalBalance float64            `json:"final_balance"`
	Digest       string             `json:"digest,omitempty"`
}

// OrderRecord is an order event. Snapshot marks the per-tick copies of still
// open orders, as opposed to admission and closure events.
type OrderRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Snapshot  bool           `json:"snapshot"`
	Order     exchange.Order `json:"order"`
}

type PositionRecord struct {
	Timestamp time.Time         `json:"timestamp"`
	Position  exchange.Position `json:"position"`
}

type WalletRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	Wallet    exchange.Wallet `json:"wallet"`
}

// Sink is the history store used by a run: the exchange's append-only
// surface plus subaccount bookkeeping.
type Sink interface {
	exchange.Sink
	SaveSubaccount(s Subaccount) error
	Flush() error
}

// Reader is the read side used for reporting.
type Reader interface {
	Subaccounts() ([]Subaccount, error)
	Orders(subaccount string) ([]OrderRecord, error)
	Positions(subaccount string) ([]PositionRecord, error)
	Wallets(subaccount string) ([]WalletRecord, error)
	Executions(subaccount string) ([]exchange.Execution, error)
}
