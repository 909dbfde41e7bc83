package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSettingDefaults_BrokerCredentialsAreEmptyStrings(t *testing.T) {
	for _, key := range []string{"broker_api_key", "broker_api_secret"} {
		val, exists := SettingDefaults[key]
		assert.True(t, exists, "%s must exist in defaults", key)
		assert.Equal(t, "", val, "%s should default to empty, env/DB supplies the real value", key)
		assert.True(t, StringSettings[key], "%s must be marked as a string setting", key)
	}
}

func TestSettingDefaults_PaperTradingModeDefaultsOn(t *testing.T) {
	val, exists := SettingDefaults["paper_trading_mode"]
	assert.True(t, exists)
	assert.Equal(t, 1.0, val)
}

func TestSettingDefaults_RiskLimitsArePositive(t *testing.T) {
	riskKeys := []string{
		"max_notional_per_order",
		"max_account_leverage",
		"max_position_notional_per_symbol",
		"max_derivative_notional",
		"min_margin_buffer_ratio",
	}

	for _, key := range riskKeys {
		val, exists := SettingDefaults[key]
		assert.True(t, exists, "%s must exist in defaults", key)

		floatVal, ok := val.(float64)
		assert.True(t, ok, "%s must be float64", key)
		assert.Greater(t, floatVal, 0.0, "%s must be positive", key)
		assert.False(t, StringSettings[key], "%s must not be marked as a string setting", key)
	}
}

func TestSettingDefaults_ConcentrationCapIsAFraction(t *testing.T) {
	val, exists := SettingDefaults["max_single_instrument_concentration"]
	assert.True(t, exists)

	floatVal, ok := val.(float64)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, floatVal, 0.0)
	assert.LessOrEqual(t, floatVal, 1.0)
}

func TestSettingDefaults_FillSlippageWithinBrokerBounds(t *testing.T) {
	// Mirrors the 5-15bps clamp the Fill Engine's config loader applies.
	slippageKeys := []string{
		"fill_slippage_bps_equity",
		"fill_slippage_bps_futures",
		"fill_slippage_bps_options",
	}

	for _, key := range slippageKeys {
		val, exists := SettingDefaults[key]
		assert.True(t, exists, "%s must exist in defaults", key)

		floatVal, ok := val.(float64)
		assert.True(t, ok, "%s must be float64", key)
		assert.GreaterOrEqual(t, floatVal, 5.0)
		assert.LessOrEqual(t, floatVal, 15.0)
	}
}

func TestSettingDefaults_WalletBalancesArePositive(t *testing.T) {
	for _, key := range []string{"default_wallet_balance", "reset_balance"} {
		val, exists := SettingDefaults[key]
		assert.True(t, exists, "%s must exist in defaults", key)

		floatVal, ok := val.(float64)
		assert.True(t, ok, "%s must be float64", key)
		assert.Greater(t, floatVal, 0.0, "%s must be positive", key)
	}
}

func TestSettingDefaults_IndexInstrumentKeysIsCSVString(t *testing.T) {
	val, exists := SettingDefaults["index_instrument_keys"]
	assert.True(t, exists)
	assert.True(t, StringSettings["index_instrument_keys"])

	strVal, ok := val.(string)
	assert.True(t, ok)
	assert.Contains(t, strVal, "NSE_INDEX|Nifty 50")
}

func TestSettingDescriptions_OnlyCoverNonObviousKeys(t *testing.T) {
	// Every description must point at a real default; no orphaned entries.
	for key, desc := range SettingDescriptions {
		_, exists := SettingDefaults[key]
		assert.True(t, exists, "description for %s has no matching default", key)
		assert.NotEmpty(t, desc)
	}
}
