package strategy

// Default never trades. It is the template for new strategies.
type Default struct{}

func (*Default) Name() string                                 { return "default" }
func (*Default) StartupCandleCount() int                      { return 0 }
func (*Default) PopulateParameters() Grid                     { return nil }
func (*Default) PopulateIndicators(*Frame, Parameters) error  { return nil }
func (*Default) Tick(*Frame, int, Parameters, Exchange) error { return nil }
func (*Default) Indicators() []IndicatorSpec                  { return nil }
