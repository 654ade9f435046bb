package data

import (
	"fmt"
	"time"

	"basis_engine/internal/config"
	"basis_engine/internal/core"
)

// compile-time interface checks
var (
	_ core.IDataProvider = (*CSVProvider)(nil)
	_ core.IDataProvider = (*LiveProvider)(nil)
)

// NewProvider picks the concrete provider by execution mode and data mode.
// Backtest requests always read historical tables; a live request reads the
// cached-sample provider regardless of data mode.
func NewProvider(env *config.Env, mode *config.ModeConfig, clock core.Clock, logger core.ILogger) (core.IDataProvider, error) {
	switch env.ExecutionMode {
	case core.ModeBacktest:
		switch env.DataMode {
		case "csv":
			return NewCSVProvider(env.DataDir, mode.DataRequirements, logger)
		default:
			return nil, fmt.Errorf("data mode %q is not supported in backtest", env.DataMode)
		}
	case core.ModeLive:
		return NewLiveProvider(LiveProviderConfig{
			RequiredKinds: mode.DataRequirements,
			MaxDataAge:    120 * time.Second,
		}, clock, logger), nil
	}
	return nil, fmt.Errorf("unknown execution mode %q", env.ExecutionMode)
}
