package strategy

import (
	"fmt"
	"math"

	"github.com/flamingrickpat/kektrade/pkg/exchange"
)

// Sma follows the slope of a single moving average, buying while it
// rises and selling while it falls. An optional "leverage" parameter is
// applied the first time the account is flat.
type Sma struct {
	leverage int // last leverage applied to the account
}

func (*Sma) Name() string { return "sma" }

func (*Sma) StartupCandleCount() int { return 100 }

func (*Sma) PopulateParameters() Grid {
	return Grid{
		{Name: "period", Values: []float64{10, 20, 50, 100}},
		{Name: "size", Values: []float64{1}},
	}
}

func (*Sma) PopulateIndicators(f *Frame, params Parameters) error {
	period := params.Int("period", 10)
	if period < 1 {
		return fmt.Errorf("sma period %d < 1", period)
	}
	return f.Set("sma", SMA(f.Closes(), period))
}

func (s *Sma) Tick(f *Frame, i int, params Parameters, ex Exchange) error {
	if l := params.Int("leverage", 0); l > 0 && l != s.leverage && !ex.Position().Open() {
		if err := ex.SetLeverage(l); err != nil {
			return err
		}
		s.leverage = l
	}
	if i < 1 {
		return nil
	}
	cur, prev := f.Value("sma", i), f.Value("sma", i-1)
	if math.IsNaN(cur) || math.IsNaN(prev) {
		return nil
	}

	size := params.Get("size", 1)
	var contracts float64
	switch {
	case cur > prev:
		contracts = size
	case cur < prev:
		contracts = -size
	default:
		return nil
	}
	_, err := ex.OpenOrder(exchange.OrderRequest{Type: exchange.OrderMarket, Contracts: contracts})
	return err
}

func (*Sma) Indicators() []IndicatorSpec {
	return []IndicatorSpec{
		{Plot: true, Name: "sma", Overlay: true, Color: "red"},
	}
}
