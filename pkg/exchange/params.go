package exchange

import (
	"fmt"
	"strings"
)

// Contract selects the margin/settlement family of a simulated account.
type Contract int8

const (
	ContractInverse Contract = iota
	ContractLinear
)

func (c Contract) String() string {
	switch c {
	case ContractInverse:
		return "inverse"
	case ContractLinear:
		return "linear"
	default:
		return "unknown"
	}
}

// ParseContract accepts "inverse" or "linear" (case-insensitive).
func ParseContract(s string) (Contract, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inverse":
		return ContractInverse, nil
	case "linear":
		return ContractLinear, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownContract, s)
	}
}

// Params is the configuration surface consumed by one exchange instance.
// Fee rates are charges when positive and rebates when negative.
type Params struct {
	Symbol                string
	Contract              Contract
	InitialDeposit        float64
	UnlimitedFunds        bool // skips balance checks, balances stay at the deposit
	Leverage              int
	CrossMargin           bool
	MaintenanceMarginRate float64
	StopMarketSlippage    float64
	MakerFee              float64
	TakerFee              float64
	HedgeMode             int // 0 disabled, +1 long only, -1 short only
}

func DefaultParams() Params {
	return Params{
		Symbol:                "BTCUSD",
		Contract:              ContractInverse,
		InitialDeposit:        1,
		Leverage:              1,
		MaintenanceMarginRate: 0.005,
		StopMarketSlippage:    0.00025,
		MakerFee:              -0.00025,
		TakerFee:              0.00075,
	}
}

func (p Params) Validate() error {
	if p.Leverage < 1 {
		return fmt.Errorf("%w: leverage %d < 1", ErrInvalidConfig, p.Leverage)
	}
	if p.HedgeMode < -1 || p.HedgeMode > 1 {
		return fmt.Errorf("%w: hedge mode %d not in {-1,0,1}", ErrInvalidConfig, p.HedgeMode)
	}
	if p.InitialDeposit < 0 {
		return fmt.Errorf("%w: negative initial deposit %g", ErrInvalidConfig, p.InitialDeposit)
	}
	if p.MaintenanceMarginRate < 0 || p.MaintenanceMarginRate >= 1 {
		return fmt.Errorf("%w: maintenance margin rate %g", ErrInvalidConfig, p.MaintenanceMarginRate)
	}
	if p.StopMarketSlippage < 0 {
		return fmt.Errorf("%w: negative stop market slippage %g", ErrInvalidConfig, p.StopMarketSlippage)
	}
	if _, err := MathFor(p.Contract); err != nil {
		return err
	}
	return nil
}
