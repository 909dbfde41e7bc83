package settings

// SettingDefaults holds the default value for every runtime-overridable
// setting. A key with no row in the settings table falls back to this value;
// Service.Set rejects any key not listed here.
var SettingDefaults = map[string]interface{}{
	// Broker credentials; a stored value is applied at the next startup.
	"broker_api_key":    "",
	"broker_api_secret": "",

	// Price Oracle / paper-trading mode
	"paper_trading_mode": 1.0, // 1.0 = simulate fills with no live broker feed, 0.0 = require a live tick

	// Pre-Trade Risk limits
	"max_notional_per_order":             500000.0,
	"max_notional_per_order_enabled":     1.0,
	"max_account_leverage":               5.0,
	"max_position_notional_per_symbol":   2000000.0,
	"max_derivative_notional":            3000000.0,
	"max_single_instrument_concentration": 0.4,
	"min_margin_buffer_ratio":            1.2,

	// Fill Engine slippage and fees, in basis points
	"fill_slippage_bps_equity":  5.0,
	"fill_slippage_bps_futures": 10.0,
	"fill_slippage_bps_options": 15.0,
	"fill_fee_bps":              2.0,

	// Wallet bootstrap/reset balances
	"default_wallet_balance": 1000000.0,
	"reset_balance":          1000000.0,

	// Subscription Broker bootstrap set, comma-separated instrument keys
	"index_instrument_keys": "NSE_INDEX|Nifty 50,NSE_INDEX|Nifty Bank,BSE_INDEX|SENSEX",
}

// StringSettings marks which defaults are strings rather than floats; every
// other key in SettingDefaults is treated as a float64.
var StringSettings = map[string]bool{
	"broker_api_key":        true,
	"broker_api_secret":     true,
	"index_instrument_keys": true,
}

// SettingDescriptions holds human-readable descriptions for settings whose
// name alone doesn't explain their effect.
var SettingDescriptions = map[string]string{
	"paper_trading_mode":              "When enabled, the Price Oracle simulates a price for instruments with no live tick instead of rejecting the order",
	"max_single_instrument_concentration": "Maximum share of account equity (0-1) a single instrument's notional may represent",
	"min_margin_buffer_ratio":         "Minimum ratio of equity to blocked margin Pre-Trade Risk requires before accepting a new order",
}

// SettingUpdate is the JSON body of a setting update request.
type SettingUpdate struct {
	Value interface{} `json:"value"`
}
