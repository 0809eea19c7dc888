package strategy

import (
	"sort"
	"time"

	"github.com/flamingrickpat/kektrade/pkg/exchange"
)

// Exchange is the order API a strategy drives during Tick.
type Exchange interface {
	OpenOrder(req exchange.OrderRequest) (*exchange.Order, error)
	CancelOrder(id int64) error
	CancelAllOrders()
	SetOrderPrice(id int64, price float64) error
	SetLeverage(leverage int) error
	Position() exchange.Position
	Wallet() exchange.Wallet
	ContractsPercentage(pct float64) (float64, error)
	OrderCost(contracts, price float64) (float64, error)
	ClosePosition() (*exchange.Order, error)

	// Current candle.
	Timestamp() time.Time
	Open() float64
	High() float64
	Low() float64
	Close() float64
}

// Strategy is a trading plug-in. A fresh instance is created for every
// simulated account, so per-run state may live on the instance.
type Strategy interface {
	Name() string

	// StartupCandleCount is the number of candles indicators need before
	// their first valid value.
	StartupCandleCount() int

	// PopulateParameters declares the optimizable parameter grid.
	PopulateParameters() Grid

	// PopulateIndicators writes indicator columns for params into f.
	PopulateIndicators(f *Frame, params Parameters) error

	// Tick is called once per candle index i.
	Tick(f *Frame, i int, params Parameters, ex Exchange) error

	// Indicators lists the columns worth plotting.
	Indicators() []IndicatorSpec
}

// IndicatorSpec describes how a column is plotted.
type IndicatorSpec struct {
	Plot    bool   `json:"plot"`
	Name    string `json:"name"`
	Overlay bool   `json:"overlay"`
	Scatter bool   `json:"scatter"`
	Color   string `json:"color"`
}

// Parameters is one concrete point of a Grid.
type Parameters map[string]float64

func (p Parameters) Clone() Parameters {
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Get returns the named value or def when missing.
func (p Parameters) Get(name string, def float64) float64 {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}

// Int returns the named value truncated to int.
func (p Parameters) Int(name string, def int) int {
	if v, ok := p[name]; ok {
		return int(v)
	}
	return def
}

// Keys returns the parameter names in sorted order.
func (p Parameters) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Dimension is one named axis of a parameter grid.
type Dimension struct {
	Name   string
	Values []float64
}

// Grid is an ordered list of dimensions. Order matters: it fixes the
// enumeration order of the Cartesian product.
type Grid []Dimension

// Without drops the dimensions named in fixed.
func (g Grid) Without(fixed Parameters) Grid {
	out := make(Grid, 0, len(g))
	for _, d := range g {
		if _, ok := fixed[d.Name]; ok {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Defaults returns fixed completed with the first value of every dimension
// it does not set.
func (g Grid) Defaults(fixed Parameters) Parameters {
	out := fixed.Clone()
	for _, d := range g {
		if _, ok := out[d.Name]; ok || len(d.Values) == 0 {
			continue
		}
		out[d.Name] = d.Values[0]
	}
	return out
}

// Product enumerates the Cartesian product of g with the last dimension
// varying fastest, merging fixed into every combination. An empty grid
// yields exactly one combination.
func (g Grid) Product(fixed Parameters) []Parameters {
	total := 1
	for _, d := range g {
		total *= len(d.Values)
	}
	out := make([]Parameters, 0, total)
	if total == 0 {
		return out
	}

	idx := make([]int, len(g))
	for {
		p := fixed.Clone()
		for i, d := range g {
			p[d.Name] = d.Values[idx[i]]
		}
		out = append(out, p)

		k := len(g) - 1
		for ; k >= 0; k-- {
			idx[k]++
			if idx[k] < len(g[k].Values) {
				break
			}
			idx[k] = 0
		}
		if k < 0 {
			return out
		}
	}
}
