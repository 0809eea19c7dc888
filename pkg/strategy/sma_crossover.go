package strategy

import (
	"fmt"
	"math"

	"github.com/flamingrickpat/kektrade/pkg/exchange"
)

// SmaCrossover holds +size contracts while the fast average is above the
// slow one and -size while it is below, flipping on each cross. Each cross
// is acted on once, even if the position is closed elsewhere afterwards.
type SmaCrossover struct {
	side float64 // +1 after a cross up, -1 after a cross down
}

func (*SmaCrossover) Name() string { return "sma_crossover" }

func (*SmaCrossover) StartupCandleCount() int { return 100 }

func (*SmaCrossover) PopulateParameters() Grid {
	return Grid{
		{Name: "fast", Values: []float64{10, 20}},
		{Name: "slow", Values: []float64{50, 100}},
		{Name: "size", Values: []float64{1}},
	}
}

func (*SmaCrossover) PopulateIndicators(f *Frame, params Parameters) error {
	fast, slow := params.Int("fast", 20), params.Int("slow", 100)
	if fast < 1 || slow < 1 {
		return fmt.Errorf("sma_crossover periods must be positive: fast=%d slow=%d", fast, slow)
	}
	closes := f.Closes()
	if err := f.Set("sma_fast", SMA(closes, fast)); err != nil {
		return err
	}
	if err := f.Set("sma_slow", SMA(closes, slow)); err != nil {
		return err
	}
	return f.Set("rsi", RSI(closes, slow))
}

func (s *SmaCrossover) Tick(f *Frame, i int, params Parameters, ex Exchange) error {
	if i < 1 {
		return nil
	}
	fast, slow := f.Value("sma_fast", i), f.Value("sma_slow", i)
	pfast, pslow := f.Value("sma_fast", i-1), f.Value("sma_slow", i-1)
	if math.IsNaN(fast) || math.IsNaN(slow) || math.IsNaN(pfast) || math.IsNaN(pslow) {
		return nil
	}

	var side float64
	switch {
	case fast > slow && pfast < pslow:
		side = 1
	case fast < slow && pfast > pslow:
		side = -1
	default:
		return nil
	}
	if side == s.side {
		return nil
	}
	s.side = side

	contracts := side*params.Get("size", 1) - ex.Position().Contracts
	if contracts == 0 {
		return nil
	}
	_, err := ex.OpenOrder(exchange.OrderRequest{Type: exchange.OrderMarket, Contracts: contracts})
	return err
}

func (*SmaCrossover) Indicators() []IndicatorSpec {
	return []IndicatorSpec{
		{Plot: true, Name: "sma_fast", Overlay: true, Color: "blue"},
		{Plot: true, Name: "sma_slow", Overlay: true, Color: "red"},
		{Plot: true, Name: "rsi", Color: "violet"},
	}
}
