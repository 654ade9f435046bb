package config

import (
	"fmt"
	"time"

	apperrors "basis_engine/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Request is the engine's invocation object for both run_backtest and
// start_live.
type Request struct {
	ID              string
	StrategyName    string
	InitialCapital  decimal.Decimal
	ShareClass      string
	ConfigOverrides map[string]interface{}
	StartDate       time.Time
	EndDate         time.Time
}

// NewRequest assigns a fresh request ID.
func NewRequest(strategyName string, initialCapital decimal.Decimal, shareClass string) *Request {
	return &Request{
		ID:             uuid.NewString(),
		StrategyName:   strategyName,
		InitialCapital: initialCapital,
		ShareClass:     shareClass,
	}
}

// Validate checks the request-level fields.
func (r *Request) Validate() error {
	if r.StrategyName == "" {
		return fmt.Errorf("%w: strategy_name is required", apperrors.ErrConfiguration)
	}
	if r.InitialCapital.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: initial_capital must be positive", apperrors.ErrConfiguration)
	}
	if r.ShareClass != "USDT" && r.ShareClass != "ETH" {
		return fmt.Errorf("%w: share_class must be USDT or ETH", apperrors.ErrConfiguration)
	}
	return nil
}

// Resolve produces the request's private mode config: a deep copy of the
// global slice with overrides merged. Any override key not defined in the
// mode config is rejected.
func (r *Request) Resolve(global *ModeConfig) (*ModeConfig, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if global.ShareClass != r.ShareClass {
		return nil, fmt.Errorf("%w: request share_class %s does not match mode share_class %s",
			apperrors.ErrConfiguration, r.ShareClass, global.ShareClass)
	}

	cp, err := global.Copy()
	if err != nil {
		return nil, fmt.Errorf("copying mode config: %w", err)
	}
	if len(r.ConfigOverrides) == 0 {
		return cp, nil
	}

	// Merge via the yaml representation so override keys address the same
	// names the mode files use.
	base := make(map[string]interface{})
	data, err := yaml.Marshal(cp)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &base); err != nil {
		return nil, err
	}

	if err := deepMerge(base, r.ConfigOverrides, ""); err != nil {
		return nil, err
	}

	merged, err := yaml.Marshal(base)
	if err != nil {
		return nil, err
	}
	var out ModeConfig
	if err := yaml.Unmarshal(merged, &out); err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed after overrides: %w", err)
	}
	return &out, nil
}

func deepMerge(base map[string]interface{}, overrides map[string]interface{}, path string) error {
	for k, v := range overrides {
		full := k
		if path != "" {
			full = path + "." + k
		}
		cur, exists := base[k]
		if !exists {
			return fmt.Errorf("%w: unknown key %q", apperrors.ErrInvalidConfigOverride, full)
		}
		subOverride, overrideIsMap := v.(map[string]interface{})
		subBase, baseIsMap := cur.(map[string]interface{})
		if overrideIsMap && baseIsMap {
			if err := deepMerge(subBase, subOverride, full); err != nil {
				return err
			}
			continue
		}
		if overrideIsMap != baseIsMap {
			return fmt.Errorf("%w: key %q shape mismatch", apperrors.ErrInvalidConfigOverride, full)
		}
		base[k] = v
	}
	return nil
}
