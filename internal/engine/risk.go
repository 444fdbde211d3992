package engine

import "github.com/shopspring/decimal"

var (
	hundred = decimal.NewFromInt(100)

	// marginLevelNoExposure is reported when an account uses no margin.
	marginLevelNoExposure = decimal.NewFromInt(1000)
)

type RiskConfig struct {
	StopOutLossPercent  decimal.Decimal `yaml:"stop_out_loss_percent"`
	WarningLossPercent  decimal.Decimal `yaml:"warning_loss_percent"`
	WarningResetPercent decimal.Decimal `yaml:"warning_reset_percent"`
	MaxOpenPositions    int             `yaml:"max_open_positions"`
}

var DefaultRiskConfig = RiskConfig{
	StopOutLossPercent:  decimal.NewFromInt(90),
	WarningLossPercent:  decimal.NewFromInt(70),
	WarningResetPercent: decimal.NewFromInt(50),
}

func (c RiskConfig) withDefaults() RiskConfig {
	if !c.StopOutLossPercent.IsPositive() {
		c.StopOutLossPercent = DefaultRiskConfig.StopOutLossPercent
	}
	if !c.WarningLossPercent.IsPositive() {
		c.WarningLossPercent = DefaultRiskConfig.WarningLossPercent
	}
	if !c.WarningResetPercent.IsPositive() {
		c.WarningResetPercent = DefaultRiskConfig.WarningResetPercent
	}
	return c
}

// RiskManager evaluates account health. Stop-out and warnings key off the
// share of balance lost, not margin level.
type RiskManager struct {
	cfg RiskConfig
}

func NewRiskManager(cfg RiskConfig) *RiskManager {
	return &RiskManager{cfg: cfg.withDefaults()}
}

func (r *RiskManager) Config() RiskConfig { return r.cfg }

func (r *RiskManager) MarginLevel(a *AccountState) decimal.Decimal {
	if !a.UsedMargin.IsPositive() {
		return marginLevelNoExposure
	}
	return a.Equity.Div(a.UsedMargin).Mul(hundred)
}

func (r *RiskManager) LossPercent(a *AccountState) decimal.Decimal {
	if !a.Balance.IsPositive() {
		return hundred
	}
	loss := a.Balance.Sub(a.Equity).Div(a.Balance).Mul(hundred)
	if loss.IsNegative() {
		return decimal.Zero
	}
	return loss
}

func (r *RiskManager) ShouldStopOut(a *AccountState) bool {
	return r.LossPercent(a).GreaterThanOrEqual(r.cfg.StopOutLossPercent)
}

// CheckWarning reports whether a margin warning should be raised now.
// It fires once per excursion into the warning band and re-arms when the
// loss falls back below the reset level.
func (r *RiskManager) CheckWarning(a *AccountState) bool {
	loss := r.LossPercent(a)
	if loss.LessThan(r.cfg.WarningResetPercent) {
		a.warned = false
		return false
	}
	if a.warned {
		return false
	}
	if loss.GreaterThanOrEqual(r.cfg.WarningLossPercent) && loss.LessThan(r.cfg.StopOutLossPercent) {
		a.warned = true
		return true
	}
	return false
}
