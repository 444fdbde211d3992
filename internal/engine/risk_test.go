package engine

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestMarginLevel(t *testing.T) {
	r := NewRiskManager(RiskConfig{})

	a := &AccountState{Equity: dec("1000")}
	assert.True(t, r.MarginLevel(a).Equal(dec("1000")))

	a.UsedMargin = dec("500")
	assert.True(t, r.MarginLevel(a).Equal(dec("200")))
}

func TestLossPercent(t *testing.T) {
	r := NewRiskManager(RiskConfig{})

	assert.True(t, r.LossPercent(&AccountState{Balance: decimal.Zero}).Equal(dec("100")))
	assert.True(t, r.LossPercent(&AccountState{Balance: dec("-5")}).Equal(dec("100")))
	assert.True(t, r.LossPercent(&AccountState{Balance: dec("1000"), Equity: dec("1200")}).IsZero())
	assert.True(t, r.LossPercent(&AccountState{Balance: dec("1000"), Equity: dec("250")}).Equal(dec("75")))
}

func TestShouldStopOut(t *testing.T) {
	r := NewRiskManager(RiskConfig{})

	assert.False(t, r.ShouldStopOut(&AccountState{Balance: dec("1000"), Equity: dec("101")}))
	assert.True(t, r.ShouldStopOut(&AccountState{Balance: dec("1000"), Equity: dec("100")}))
}

func TestCheckWarningLatch(t *testing.T) {
	r := NewRiskManager(RiskConfig{})
	a := &AccountState{Balance: dec("1000")}

	a.Equity = dec("400")
	assert.False(t, r.CheckWarning(a), "60 percent loss is below the warning band")

	a.Equity = dec("300")
	assert.True(t, r.CheckWarning(a))
	a.Equity = dec("250")
	assert.False(t, r.CheckWarning(a), "latched")

	a.Equity = dec("450")
	assert.False(t, r.CheckWarning(a), "55 percent does not re-arm")
	a.Equity = dec("280")
	assert.False(t, r.CheckWarning(a))

	a.Equity = dec("600")
	assert.False(t, r.CheckWarning(a))
	a.Equity = dec("300")
	assert.True(t, r.CheckWarning(a), "re-armed below reset level")
}

func TestCheckWarningSkipsStopOutBand(t *testing.T) {
	r := NewRiskManager(RiskConfig{})
	a := &AccountState{Balance: dec("1000"), Equity: dec("50")}
	assert.False(t, r.CheckWarning(a))
}

func TestEffectiveLeverage(t *testing.T) {
	assert.True(t, effectiveLeverage(100, 500).Equal(dec("100")))
	assert.True(t, effectiveLeverage(1000, 500).Equal(dec("500")))
	assert.True(t, effectiveLeverage(0, 200).Equal(dec("200")))
	assert.True(t, effectiveLeverage(50, 0).Equal(dec("50")))
	assert.True(t, effectiveLeverage(0, 0).Equal(dec("1")))
}
