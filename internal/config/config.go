// Package config handles mode configuration loading with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"basis_engine/internal/core"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ModeConfig is the validated configuration of one strategy mode. The global
// set of mode configs is loaded once at process startup and never mutated;
// each request receives a deep copy with overrides applied.
type ModeConfig struct {
	Mode        string `yaml:"mode"`
	ShareClass  string `yaml:"share_class"`
	Asset       string `yaml:"asset"`
	LSTType     string `yaml:"lst_type"`
	RewardsMode string `yaml:"rewards_mode"`

	LendingEnabled    bool `yaml:"lending_enabled"`
	StakingEnabled    bool `yaml:"staking_enabled"`
	BorrowingEnabled  bool `yaml:"borrowing_enabled"`
	BasisTradeEnabled bool `yaml:"basis_trade_enabled"`

	DataRequirements []string `yaml:"data_requirements"`

	Venues map[string]VenueConfig `yaml:"venues"`

	ComponentConfig ComponentConfig `yaml:"component_config"`
}

// VenueConfig declares one enabled venue and the operations it serves.
type VenueConfig struct {
	Kind           string   `yaml:"kind"` // lending, perp, staking, wallet, spot
	Operations     []string `yaml:"operations"`
	FeeRate        float64  `yaml:"fee_rate"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
}

// ComponentConfig groups the per-component configuration sections.
type ComponentConfig struct {
	RiskMonitor      RiskMonitorConfig      `yaml:"risk_monitor"`
	ExposureMonitor  ExposureMonitorConfig  `yaml:"exposure_monitor"`
	PnLCalculator    PnLCalculatorConfig    `yaml:"pnl_calculator"`
	StrategyManager  StrategyManagerConfig  `yaml:"strategy_manager"`
	ExecutionManager ExecutionManagerConfig `yaml:"execution_manager"`
	PositionMonitor  PositionMonitorConfig  `yaml:"position_monitor"`
}

// RiskMonitorConfig enables risk types and sets their limits.
type RiskMonitorConfig struct {
	EnabledRiskTypes []string           `yaml:"enabled_risk_types"`
	RiskLimits       map[string]float64 `yaml:"risk_limits"`
}

// ExposureMonitorConfig selects tracked assets and conversion methods.
type ExposureMonitorConfig struct {
	TrackAssets       []string          `yaml:"track_assets"`
	ConversionMethods map[string]string `yaml:"conversion_methods"`
	OnChainAssets     []string          `yaml:"onchain_assets"`
}

// PnLCalculatorConfig selects attribution components and the reconciliation
// tolerance as a fraction of initial capital.
type PnLCalculatorConfig struct {
	AttributionTypes        []string `yaml:"attribution_types"`
	ReconciliationTolerance float64  `yaml:"reconciliation_tolerance"`
}

// StrategyManagerConfig carries the mode's target model parameters.
type StrategyManagerConfig struct {
	Actions                    []string           `yaml:"actions"`
	TargetLTV                  float64            `yaml:"target_ltv"`
	StakeAllocationETH         float64            `yaml:"stake_allocation_eth"`
	HedgeVenues                []string           `yaml:"hedge_venues"`
	HedgeAllocation            map[string]float64 `yaml:"hedge_allocation"`
	PositionDeviationThreshold float64            `yaml:"position_deviation_threshold"`
	DustDelta                  float64            `yaml:"dust_delta"`
	UseFlashLoan               bool               `yaml:"use_flash_loan"`
	MaxLeverageIterations      int                `yaml:"max_leverage_iterations"`
	ReserveRatio               float64            `yaml:"reserve_ratio"`
}

// ExecutionManagerConfig bounds the operations the tight loop will dispatch
// and carries the retry schedule as data.
type ExecutionManagerConfig struct {
	SupportedOperations []string `yaml:"supported_operations"`
	RetryBackoffSeconds []int    `yaml:"retry_backoff_seconds"`
	TotalTimeoutSeconds int      `yaml:"total_timeout_seconds"`
}

// PositionMonitorConfig lists subscriptions and per-type reconciliation
// tolerances.
type PositionMonitorConfig struct {
	Subscriptions        []string           `yaml:"subscriptions"`
	Tolerances           map[string]float64 `yaml:"tolerances"`
	ProhibitNegativeKeys []string           `yaml:"prohibit_negative_keys"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadModeConfig loads one mode file with environment variable expansion and
// validates it.
func LoadModeConfig(filename string) (*ModeConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	var cfg ModeConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate performs comprehensive validation of a mode configuration.
func (c *ModeConfig) Validate() error {
	var errs []string

	if c.Mode == "" {
		errs = append(errs, ValidationError{Field: "mode", Message: "mode is required"}.Error())
	}
	if c.ShareClass != "USDT" && c.ShareClass != "ETH" {
		errs = append(errs, ValidationError{Field: "share_class", Value: c.ShareClass, Message: "must be USDT or ETH"}.Error())
	}
	if len(c.DataRequirements) == 0 {
		errs = append(errs, ValidationError{Field: "data_requirements", Message: "at least one data kind is required"}.Error())
	}
	if len(c.Venues) == 0 {
		errs = append(errs, ValidationError{Field: "venues", Message: "at least one venue must be configured"}.Error())
	}

	for name, v := range c.Venues {
		if len(v.Operations) == 0 {
			errs = append(errs, ValidationError{Field: "venues." + name + ".operations", Message: "at least one operation required"}.Error())
		}
		for _, op := range v.Operations {
			if !validOperation(op) {
				errs = append(errs, ValidationError{Field: "venues." + name + ".operations", Value: op, Message: "unknown operation"}.Error())
			}
		}
	}

	if err := c.validateRiskMonitor(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExposureMonitor(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validatePnLCalculator(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateStrategyManager(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExecutionManager(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validatePositionMonitor(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *ModeConfig) validateRiskMonitor() error {
	for _, rt := range c.ComponentConfig.RiskMonitor.EnabledRiskTypes {
		known := false
		for _, k := range core.AllRiskTypes {
			if string(k) == rt {
				known = true
				break
			}
		}
		if !known {
			return ValidationError{Field: "component_config.risk_monitor.enabled_risk_types", Value: rt, Message: "unknown risk type"}
		}
	}
	return nil
}

func (c *ModeConfig) validateExposureMonitor() error {
	em := c.ComponentConfig.ExposureMonitor
	if len(em.TrackAssets) == 0 {
		return ValidationError{Field: "component_config.exposure_monitor.track_assets", Message: "at least one tracked asset required"}
	}
	validMethods := []string{"direct", "usd_price", "aave_liquidity_index", "aave_borrow_index", "lst_oracle"}
	for _, asset := range em.TrackAssets {
		method, ok := em.ConversionMethods[asset]
		if !ok {
			return ValidationError{Field: "component_config.exposure_monitor.conversion_methods", Value: asset, Message: "no conversion method for tracked asset"}
		}
		if !contains(validMethods, method) {
			return ValidationError{Field: "component_config.exposure_monitor.conversion_methods", Value: method,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(validMethods, ", "))}
		}
	}
	return nil
}

func (c *ModeConfig) validatePnLCalculator() error {
	pc := c.ComponentConfig.PnLCalculator
	if pc.ReconciliationTolerance < 0 || pc.ReconciliationTolerance > 1 {
		return ValidationError{Field: "component_config.pnl_calculator.reconciliation_tolerance", Value: pc.ReconciliationTolerance, Message: "must be in [0, 1]"}
	}
	for _, at := range pc.AttributionTypes {
		known := false
		for _, k := range core.AllAttributionTypes {
			if string(k) == at {
				known = true
				break
			}
		}
		if !known {
			return ValidationError{Field: "component_config.pnl_calculator.attribution_types", Value: at, Message: "unknown attribution type"}
		}
	}
	return nil
}

func (c *ModeConfig) validateStrategyManager() error {
	sm := c.ComponentConfig.StrategyManager
	for _, a := range sm.Actions {
		known := false
		for _, k := range core.AllStrategyActions {
			if string(k) == a {
				known = true
				break
			}
		}
		if !known {
			return ValidationError{Field: "component_config.strategy_manager.actions", Value: a, Message: "unknown strategy action"}
		}
	}
	if sm.TargetLTV < 0 || sm.TargetLTV >= 1 {
		return ValidationError{Field: "component_config.strategy_manager.target_ltv", Value: sm.TargetLTV, Message: "must be in [0, 1)"}
	}
	if sm.PositionDeviationThreshold < 0 || sm.PositionDeviationThreshold > 1 {
		return ValidationError{Field: "component_config.strategy_manager.position_deviation_threshold", Value: sm.PositionDeviationThreshold, Message: "must be in [0, 1]"}
	}
	if len(sm.HedgeVenues) > 0 {
		sum := decimal.Zero
		for _, v := range sm.HedgeVenues {
			frac, ok := sm.HedgeAllocation[v]
			if !ok {
				return ValidationError{Field: "component_config.strategy_manager.hedge_allocation", Value: v, Message: "missing allocation for hedge venue"}
			}
			sum = sum.Add(decimal.NewFromFloat(frac))
		}
		if !sum.Equal(decimal.NewFromInt(1)) {
			return ValidationError{Field: "component_config.strategy_manager.hedge_allocation", Value: sum.String(), Message: "allocations must sum to 1"}
		}
	}
	return nil
}

func (c *ModeConfig) validateExecutionManager() error {
	em := c.ComponentConfig.ExecutionManager
	if len(em.SupportedOperations) == 0 {
		return ValidationError{Field: "component_config.execution_manager.supported_operations", Message: "at least one operation required"}
	}
	for _, op := range em.SupportedOperations {
		if !validOperation(op) {
			return ValidationError{Field: "component_config.execution_manager.supported_operations", Value: op, Message: "unknown operation"}
		}
	}
	for _, b := range em.RetryBackoffSeconds {
		if b < 0 {
			return ValidationError{Field: "component_config.execution_manager.retry_backoff_seconds", Value: b, Message: "backoff must be non-negative"}
		}
	}
	return nil
}

func (c *ModeConfig) validatePositionMonitor() error {
	pm := c.ComponentConfig.PositionMonitor
	if len(pm.Subscriptions) == 0 {
		return ValidationError{Field: "component_config.position_monitor.subscriptions", Message: "at least one subscription required"}
	}
	for _, s := range pm.Subscriptions {
		if _, err := core.ParsePositionKey(s); err != nil {
			return ValidationError{Field: "component_config.position_monitor.subscriptions", Value: s, Message: err.Error()}
		}
	}
	return nil
}

// PositionDeviationThresholdOrDefault returns the configured rebalance
// trigger, defaulting to 2%.
func (c *ModeConfig) PositionDeviationThresholdOrDefault() decimal.Decimal {
	if c.ComponentConfig.StrategyManager.PositionDeviationThreshold > 0 {
		return decimal.NewFromFloat(c.ComponentConfig.StrategyManager.PositionDeviationThreshold)
	}
	return decimal.NewFromFloat(0.02)
}

// Copy returns a deep copy via yaml round-trip. The global config object is
// never handed to a request directly.
func (c *ModeConfig) Copy() (*ModeConfig, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, err
	}
	var out ModeConfig
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func validOperation(op string) bool {
	for _, k := range core.AllOperations {
		if string(k) == op {
			return true
		}
	}
	return false
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
