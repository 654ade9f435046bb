package engine

import (
	"fmt"
	"path/filepath"

	"basis_engine/internal/alert"
	"basis_engine/internal/config"
	"basis_engine/internal/core"
	"basis_engine/internal/data"
	"basis_engine/internal/events"
	"basis_engine/internal/exposure"
	"basis_engine/internal/health"
	"basis_engine/internal/pnl"
	"basis_engine/internal/position"
	"basis_engine/internal/results"
	"basis_engine/internal/risk"
	"basis_engine/internal/strategy"
	"basis_engine/internal/venue"
	apperrors "basis_engine/pkg/errors"

	execmgr "basis_engine/internal/execution"

	"github.com/shopspring/decimal"
)

// Build assembles a fresh engine for one request. Every component instance
// is request-private; only the immutable global config and the process
// logging sink are shared.
func Build(env *config.Env, global *config.ModeConfig, request *config.Request, logger core.ILogger) (*Engine, error) {
	mode, err := request.Resolve(global)
	if err != nil {
		return nil, err
	}
	execMode := env.ExecutionMode
	clock := core.SystemClock{}

	provider, err := data.NewProvider(env, mode, clock, logger)
	if err != nil {
		return nil, err
	}
	if err := provider.ValidateRequirements(mode.DataRequirements); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrConfiguration, err)
	}

	requestDir := filepath.Join(env.ResultsDir, request.ID)

	jsonl, err := events.NewJSONLSink(requestDir)
	if err != nil {
		return nil, err
	}
	sqlite, err := events.NewSQLiteSink(requestDir)
	if err != nil {
		jsonl.Close()
		return nil, err
	}
	var eventLog core.IEventLogger = events.NewLogger(events.MultiSink{jsonl, sqlite}, 0, logger)
	if execMode == core.ModeLive {
		if notifier := alert.FromEnv(env, logger); notifier != nil {
			eventLog = alert.NewWatcher(eventLog, notifier)
		}
	}

	store, err := results.NewStore(requestDir, logger)
	if err != nil {
		eventLog.Close()
		return nil, err
	}

	venues, err := venue.Build(mode, execMode, env, provider, logger)
	if err != nil {
		return nil, err
	}
	venueMgr, err := venue.NewManager(mode, venues)
	if err != nil {
		return nil, err
	}

	subs, err := parseKeys(mode.ComponentConfig.PositionMonitor.Subscriptions)
	if err != nil {
		return nil, fmt.Errorf("%w: subscriptions: %v", apperrors.ErrConfiguration, err)
	}
	prohibit, err := parseKeys(mode.ComponentConfig.PositionMonitor.ProhibitNegativeKeys)
	if err != nil {
		return nil, fmt.Errorf("%w: prohibit_negative_keys: %v", apperrors.ErrConfiguration, err)
	}

	// Perp funding settles in the CEX quote currency regardless of the
	// share class.
	settle := position.NewSettlementEngine(provider, mode.LSTType, "USDT", logger)
	monitor := position.NewMonitor(position.MonitorConfig{
		Mode:             execMode,
		Subscriptions:    subs,
		ProhibitNegative: prohibit,
	}, settle, venueMgr, eventLog, logger)

	exposureMon := exposure.NewMonitor(exposure.Config{
		ShareClass:        mode.ShareClass,
		TrackAssets:       mode.ComponentConfig.ExposureMonitor.TrackAssets,
		ConversionMethods: conversionMethods(mode),
		OnChainAssets:     mode.ComponentConfig.ExposureMonitor.OnChainAssets,
		LSTType:           mode.LSTType,
		Mode:              execMode,
	}, monitor, provider, eventLog, logger)

	riskMon := risk.NewMonitor(risk.Config{
		EnabledRiskTypes: riskTypes(mode),
		Limits:           riskLimits(mode),
		ShareClass:       mode.ShareClass,
		HedgeVenues:      mode.ComponentConfig.StrategyManager.HedgeVenues,
	}, monitor, provider, eventLog, logger)

	pnlCalc := pnl.NewCalculator(pnl.Config{
		ShareClass:              mode.ShareClass,
		LSTType:                 mode.LSTType,
		AttributionTypes:        attributionTypes(mode),
		ReconciliationTolerance: decimal.NewFromFloat(mode.ComponentConfig.PnLCalculator.ReconciliationTolerance),
		InitialCapital:          request.InitialCapital,
		ConversionMethods:       conversionMethods(mode),
	}, provider, monitor, exposureMon, eventLog, logger)

	handler := position.NewUpdateHandler(
		execMode, monitor, exposureMon, riskMon, pnlCalc, eventLog,
		tolerances(mode), logger)

	strat, err := strategy.New(strategy.ParamsFromConfig(mode), monitor, provider, eventLog, logger)
	if err != nil {
		return nil, err
	}

	healthMon := health.NewMonitor(logger)
	healthMon.Register("event_logger", func() error { return nil })

	execMan := execmgr.NewManager(execMode, mode.ComponentConfig.ExecutionManager,
		venueMgr, handler, eventLog, healthMon, logger)

	walletVenue := ""
	for name, vc := range mode.Venues {
		if vc.Kind == "wallet" {
			walletVenue = name
		}
	}
	var initialDeltas []core.Delta
	if execMode == core.ModeBacktest && request.InitialCapital.IsPositive() {
		initialDeltas = append(initialDeltas, core.Delta{
			Key:    core.PositionKey{Venue: walletVenue, Type: core.PosBaseToken, Symbol: mode.ShareClass},
			Amount: request.InitialCapital,
			Source: core.SourceInitial,
		})
	}

	return New(Components{
		RequestID:      request.ID,
		Mode:           execMode,
		ShareClass:     mode.ShareClass,
		InitialCapital: request.InitialCapital,
		InitialDeltas:  initialDeltas,
		StartDate:      request.StartDate,
		EndDate:        request.EndDate,
		Clock:          clock,
		Provider:       provider,
		Positions:      monitor,
		Exposure:       exposureMon,
		Risk:           riskMon,
		PnL:            pnlCalc,
		Strategy:       strat,
		Execution:      execMan,
		Events:         eventLog,
		Results:        store,
		Health:         healthMon,
		Attribute:      pnlCalc.CumulativeAttribution,
	}, logger), nil
}

func parseKeys(specs []string) ([]core.PositionKey, error) {
	out := make([]core.PositionKey, 0, len(specs))
	for _, s := range specs {
		k, err := core.ParsePositionKey(s)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func conversionMethods(mode *config.ModeConfig) map[string]exposure.ConversionMethod {
	out := make(map[string]exposure.ConversionMethod, len(mode.ComponentConfig.ExposureMonitor.ConversionMethods))
	for asset, method := range mode.ComponentConfig.ExposureMonitor.ConversionMethods {
		out[asset] = exposure.ConversionMethod(method)
	}
	return out
}

func riskTypes(mode *config.ModeConfig) []core.RiskType {
	out := make([]core.RiskType, 0, len(mode.ComponentConfig.RiskMonitor.EnabledRiskTypes))
	for _, rt := range mode.ComponentConfig.RiskMonitor.EnabledRiskTypes {
		out = append(out, core.RiskType(rt))
	}
	return out
}

func riskLimits(mode *config.ModeConfig) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(mode.ComponentConfig.RiskMonitor.RiskLimits))
	for k, v := range mode.ComponentConfig.RiskMonitor.RiskLimits {
		out[k] = decimal.NewFromFloat(v)
	}
	return out
}

func attributionTypes(mode *config.ModeConfig) []core.AttributionType {
	out := make([]core.AttributionType, 0, len(mode.ComponentConfig.PnLCalculator.AttributionTypes))
	for _, at := range mode.ComponentConfig.PnLCalculator.AttributionTypes {
		out = append(out, core.AttributionType(at))
	}
	return out
}

func tolerances(mode *config.ModeConfig) map[core.PositionType]decimal.Decimal {
	out := make(map[core.PositionType]decimal.Decimal, len(mode.ComponentConfig.PositionMonitor.Tolerances))
	for pt, tol := range mode.ComponentConfig.PositionMonitor.Tolerances {
		out[core.PositionType(pt)] = decimal.NewFromFloat(tol)
	}
	return out
}
