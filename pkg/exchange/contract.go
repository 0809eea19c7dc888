package exchange

import (
	"fmt"
	"math"
)

// ContractMath is the formula set of one contract family. All functions are
// pure. Contract counts are signed (long > 0), prices are positive and
// leverage is at least 1. Isolated margin is assumed; the exchange refuses
// to reach these formulas in cross-margin mode.
type ContractMath interface {
	// Value is the absolute notional of contracts at price, expressed in the
	// margin currency.
	Value(contracts, price float64) float64

	// InitialMargin is the collateral reserved for contracts at price.
	InitialMargin(contracts, price float64, leverage int) float64

	MaintenanceMargin(contracts, entry, mmr float64) float64
	BankruptcyPrice(contracts, entry float64, leverage int, mmr float64) float64
	LiquidationPrice(contracts, entry float64, leverage int, mmr float64) float64
	UnrealizedPnL(contracts, entry, mark float64) float64

	// RealizedPnL is the PnL of closing contracts (signed like the position
	// they are taken from) opened at entry and closed at exit.
	RealizedPnL(contracts, entry, exit float64) float64

	// AverageEntryPrice folds a fill of contracts at price into a position
	// of posContracts at posPrice. Both legs have the same sign.
	AverageEntryPrice(posContracts, posPrice, contracts, price float64) float64
}

// MathFor returns the formula set for c.
func MathFor(c Contract) (ContractMath, error) {
	switch c {
	case ContractInverse:
		return Inverse{}, nil
	case ContractLinear:
		return Linear{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownContract, c)
	}
}

// PositionMargin is the collateral of an isolated position: initial margin
// plus the taker fee of closing at the bankruptcy price. Never negative.
func PositionMargin(m ContractMath, contracts, entry float64, leverage int, mmr, takerFee float64) float64 {
	if contracts == 0 {
		return 0
	}
	im := m.InitialMargin(contracts, entry, leverage)
	bp := m.BankruptcyPrice(contracts, entry, leverage, mmr)
	closeFee := 0.0
	if bp > 0 {
		closeFee = m.Value(contracts, bp) * takerFee
	}
	return math.Max(0, im+closeFee)
}

// OrderCost estimates the full cost of an order: initial margin, the taker
// fee to open, and the taker fee to close at the bankruptcy price.
func OrderCost(m ContractMath, contracts, price float64, leverage int, mmr, takerFee float64) float64 {
	if contracts == 0 {
		return 0
	}
	im := m.InitialMargin(contracts, price, leverage)
	bp := m.BankruptcyPrice(contracts, price, leverage, mmr)
	closeFee := 0.0
	if bp > 0 {
		closeFee = m.Value(contracts, bp) * takerFee
	}
	return math.Max(0, im+im*takerFee+closeFee)
}

// Inverse contracts are margined in the base coin; notional = contracts/price.
type Inverse struct{}

func (Inverse) Value(contracts, price float64) float64 {
	return math.Abs(contracts / price)
}

func (Inverse) InitialMargin(contracts, price float64, leverage int) float64 {
	return math.Abs(contracts) / (float64(leverage) * price)
}

func (Inverse) MaintenanceMargin(contracts, entry, mmr float64) float64 {
	return math.Abs(contracts) / entry * mmr
}

// BankruptcyPrice: long entry*L/(L+1), short entry*L/(L-1). At leverage 1
// the short formula diverges, so the liquidation price is used instead.
func (m Inverse) BankruptcyPrice(contracts, entry float64, leverage int, mmr float64) float64 {
	if contracts == 0 {
		return 0
	}
	if leverage == 1 {
		return m.LiquidationPrice(contracts, entry, leverage, mmr)
	}
	l := float64(leverage)
	if contracts > 0 {
		return entry * l / (l + 1)
	}
	return entry * l / (l - 1)
}

// LiquidationPrice: long entry*L/(L+1-mmr*L), short entry*L/(L-1+mmr*L).
func (Inverse) LiquidationPrice(contracts, entry float64, leverage int, mmr float64) float64 {
	if contracts == 0 {
		return 0
	}
	l := float64(leverage)
	if contracts > 0 {
		return entry * l / (l + 1 - mmr*l)
	}
	return entry * l / (l - 1 + mmr*l)
}

func (Inverse) UnrealizedPnL(contracts, entry, mark float64) float64 {
	if contracts == 0 {
		return 0
	}
	return contracts * (1/entry - 1/mark)
}

func (Inverse) RealizedPnL(contracts, entry, exit float64) float64 {
	return contracts * (1/entry - 1/exit)
}

func (Inverse) AverageEntryPrice(posContracts, posPrice, contracts, price float64) float64 {
	return (posContracts + contracts) / (posContracts/posPrice + contracts/price)
}

// Linear contracts are margined in the quote currency; notional = contracts*price.
type Linear struct{}

func (Linear) Value(contracts, price float64) float64 {
	return math.Abs(contracts * price)
}

func (Linear) InitialMargin(contracts, price float64, leverage int) float64 {
	return math.Abs(contracts*price) / float64(leverage)
}

func (Linear) MaintenanceMargin(contracts, entry, mmr float64) float64 {
	return math.Abs(contracts) * entry * mmr
}

// BankruptcyPrice: long entry*(1-1/L), short entry*(1+1/L).
func (Linear) BankruptcyPrice(contracts, entry float64, leverage int, _ float64) float64 {
	if contracts == 0 {
		return 0
	}
	l := float64(leverage)
	if contracts > 0 {
		return entry * (1 - 1/l)
	}
	return entry * (1 + 1/l)
}

// LiquidationPrice: long entry*(1-1/L+mmr), short entry*(1+1/L-mmr).
func (Linear) LiquidationPrice(contracts, entry float64, leverage int, mmr float64) float64 {
	if contracts == 0 {
		return 0
	}
	l := float64(leverage)
	if contracts > 0 {
		return entry * (1 - 1/l + mmr)
	}
	return entry * (1 + 1/l - mmr)
}

func (Linear) UnrealizedPnL(contracts, entry, mark float64) float64 {
	switch {
	case contracts > 0:
		return math.Abs(contracts) * (mark - entry)
	case contracts < 0:
		return math.Abs(contracts) * (entry - mark)
	default:
		return 0
	}
}

func (Linear) RealizedPnL(contracts, entry, exit float64) float64 {
	return contracts * (exit - entry)
}

func (Linear) AverageEntryPrice(posContracts, posPrice, contracts, price float64) float64 {
	return (posContracts*posPrice + contracts*price) / (posContracts + contracts)
}
