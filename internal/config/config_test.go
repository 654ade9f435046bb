package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validModeConfig() *ModeConfig {
	return &ModeConfig{
		Mode:             "basis",
		ShareClass:       "USDT",
		Asset:            "ETH",
		DataRequirements: []string{"spot_price_eth", "funding_rate_binance"},
		Venues: map[string]VenueConfig{
			"binance": {Kind: "perp", Operations: []string{"spot_trade", "perp_trade"}, FeeRate: 0.001},
			"wallet":  {Kind: "wallet", Operations: []string{"transfer"}},
		},
		ComponentConfig: ComponentConfig{
			RiskMonitor: RiskMonitorConfig{
				EnabledRiskTypes: []string{"cex_margin_ratio", "delta_drift"},
				RiskLimits:       map[string]float64{"margin_warn": 0.15, "delta_drift_warn": 0.02},
			},
			ExposureMonitor: ExposureMonitorConfig{
				TrackAssets:       []string{"ETH", "USDT"},
				ConversionMethods: map[string]string{"ETH": "usd_price", "USDT": "direct"},
			},
			PnLCalculator: PnLCalculatorConfig{
				AttributionTypes:        []string{"funding_pnl", "delta_pnl"},
				ReconciliationTolerance: 0.001,
			},
			StrategyManager: StrategyManagerConfig{
				Actions:         []string{"entry_full", "exit_full"},
				TargetLTV:       0.7,
				HedgeVenues:     []string{"binance"},
				HedgeAllocation: map[string]float64{"binance": 1.0},
			},
			ExecutionManager: ExecutionManagerConfig{
				SupportedOperations: []string{"spot_trade", "perp_trade", "transfer"},
				RetryBackoffSeconds: []int{1, 2, 4},
				TotalTimeoutSeconds: 120,
			},
			PositionMonitor: PositionMonitorConfig{
				Subscriptions: []string{"binance:Perp:ETH", "binance:Spot:USDT"},
			},
		},
	}
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	assert.NoError(t, validModeConfig().Validate())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ModeConfig)
		want   string
	}{
		{"missing mode", func(c *ModeConfig) { c.Mode = "" }, "mode is required"},
		{"bad share class", func(c *ModeConfig) { c.ShareClass = "BTC" }, "must be USDT or ETH"},
		{"no data requirements", func(c *ModeConfig) { c.DataRequirements = nil }, "at least one data kind"},
		{"no venues", func(c *ModeConfig) { c.Venues = nil }, "at least one venue"},
		{"unknown venue operation", func(c *ModeConfig) {
			c.Venues["binance"] = VenueConfig{Kind: "perp", Operations: []string{"liquidate"}}
		}, "unknown operation"},
		{"unknown risk type", func(c *ModeConfig) {
			c.ComponentConfig.RiskMonitor.EnabledRiskTypes = []string{"var_95"}
		}, "unknown risk type"},
		{"tracked asset without conversion", func(c *ModeConfig) {
			delete(c.ComponentConfig.ExposureMonitor.ConversionMethods, "ETH")
		}, "no conversion method"},
		{"invalid conversion method", func(c *ModeConfig) {
			c.ComponentConfig.ExposureMonitor.ConversionMethods["ETH"] = "chainlink"
		}, "must be one of"},
		{"tolerance out of range", func(c *ModeConfig) {
			c.ComponentConfig.PnLCalculator.ReconciliationTolerance = 1.5
		}, "must be in [0, 1]"},
		{"unknown attribution type", func(c *ModeConfig) {
			c.ComponentConfig.PnLCalculator.AttributionTypes = []string{"alpha"}
		}, "unknown attribution type"},
		{"unknown strategy action", func(c *ModeConfig) {
			c.ComponentConfig.StrategyManager.Actions = []string{"rebalance"}
		}, "unknown strategy action"},
		{"ltv at 1", func(c *ModeConfig) {
			c.ComponentConfig.StrategyManager.TargetLTV = 1.0
		}, "must be in [0, 1)"},
		{"hedge venue without allocation", func(c *ModeConfig) {
			delete(c.ComponentConfig.StrategyManager.HedgeAllocation, "binance")
		}, "missing allocation"},
		{"hedge allocations not summing to 1", func(c *ModeConfig) {
			c.ComponentConfig.StrategyManager.HedgeAllocation["binance"] = 0.9
		}, "sum to 1"},
		{"no supported operations", func(c *ModeConfig) {
			c.ComponentConfig.ExecutionManager.SupportedOperations = nil
		}, "at least one operation"},
		{"negative backoff", func(c *ModeConfig) {
			c.ComponentConfig.ExecutionManager.RetryBackoffSeconds = []int{1, -1}
		}, "must be non-negative"},
		{"no subscriptions", func(c *ModeConfig) {
			c.ComponentConfig.PositionMonitor.Subscriptions = nil
		}, "at least one subscription"},
		{"malformed subscription key", func(c *ModeConfig) {
			c.ComponentConfig.PositionMonitor.Subscriptions = []string{"binance/Perp/ETH"}
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validModeConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			if tt.want != "" {
				assert.Contains(t, err.Error(), tt.want)
			}
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validModeConfig()
	cfg.Mode = ""
	cfg.ShareClass = "BTC"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mode is required")
	assert.Contains(t, err.Error(), "must be USDT or ETH")
}

func TestLoadModeConfigExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_TARGET_LTV", "0.65")
	dir := t.TempDir()
	path := filepath.Join(dir, "mode.yaml")
	body := `mode: basis
share_class: USDT
asset: ETH
data_requirements: [spot_price_eth]
venues:
  binance:
    kind: perp
    operations: [perp_trade]
component_config:
  exposure_monitor:
    track_assets: [ETH]
    conversion_methods:
      ETH: usd_price
  strategy_manager:
    target_ltv: ${TEST_TARGET_LTV}
  execution_manager:
    supported_operations: [perp_trade]
  position_monitor:
    subscriptions: ["binance:Perp:ETH"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadModeConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 0.65, cfg.ComponentConfig.StrategyManager.TargetLTV)
}

func TestLoadModeConfigFailsValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: basis\nshare_class: BTC\n"), 0o644))

	_, err := LoadModeConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestCopyIsDeep(t *testing.T) {
	cfg := validModeConfig()
	cp, err := cfg.Copy()
	require.NoError(t, err)

	cp.ComponentConfig.RiskMonitor.RiskLimits["margin_warn"] = 0.5
	cp.Venues["binance"] = VenueConfig{Kind: "perp", Operations: []string{"perp_trade"}}

	assert.Equal(t, 0.15, cfg.ComponentConfig.RiskMonitor.RiskLimits["margin_warn"])
	assert.Len(t, cfg.Venues["binance"].Operations, 2)
}

func TestPositionDeviationThresholdDefault(t *testing.T) {
	cfg := validModeConfig()
	assert.Equal(t, "0.02", cfg.PositionDeviationThresholdOrDefault().String())

	cfg.ComponentConfig.StrategyManager.PositionDeviationThreshold = 0.05
	assert.Equal(t, "0.05", cfg.PositionDeviationThresholdOrDefault().String())
}
