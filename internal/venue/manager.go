package venue

import (
	"fmt"
	"sort"

	"basis_engine/internal/config"
	"basis_engine/internal/core"
	apperrors "basis_engine/pkg/errors"

	"github.com/shopspring/decimal"
)

// routeKey is one (venue, operation) entry of the static routing table.
type routeKey struct {
	venue string
	op    core.OrderOperation
}

// Manager is a pure router: the table is built once from the mode's enabled
// venues and never changes.
type Manager struct {
	venues map[string]core.IVenueInterface
	routes map[routeKey]core.IVenueInterface
}

// NewManager builds the routing table over the given venue interfaces.
// Operations come from the mode config venue declarations.
func NewManager(mode *config.ModeConfig, venues []core.IVenueInterface) (*Manager, error) {
	m := &Manager{
		venues: make(map[string]core.IVenueInterface, len(venues)),
		routes: make(map[routeKey]core.IVenueInterface),
	}
	for _, v := range venues {
		m.venues[v.Name()] = v
	}
	for name, vc := range mode.Venues {
		vi, ok := m.venues[name]
		if !ok {
			return nil, fmt.Errorf("venue %q declared in config but not constructed", name)
		}
		for _, op := range vc.Operations {
			m.routes[routeKey{venue: name, op: core.OrderOperation(op)}] = vi
		}
		// Atomic bundles dispatch to the venue that anchors the sequence.
		m.routes[routeKey{venue: name, op: core.OpFlashAtomic}] = vi
	}
	return m, nil
}

// Route selects the venue interface for an order. A miss is a configuration
// bug and fatal in both modes.
func (m *Manager) Route(order core.Order) (core.IVenueInterface, error) {
	vi, ok := m.routes[routeKey{venue: order.Venue, op: order.Operation}]
	if !ok {
		return nil, &apperrors.NoVenueConfiguredError{Venue: order.Venue, Operation: string(order.Operation)}
	}
	return vi, nil
}

// Venue returns one venue interface by name.
func (m *Manager) Venue(name string) (core.IVenueInterface, bool) {
	vi, ok := m.venues[name]
	return vi, ok
}

// Venues lists the managed interfaces in stable name order.
func (m *Manager) Venues() []core.IVenueInterface {
	names := make([]string, 0, len(m.venues))
	for name := range m.venues {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]core.IVenueInterface, 0, len(names))
	for _, name := range names {
		out = append(out, m.venues[name])
	}
	return out
}

// Build constructs the venue interfaces for a request. Backtest simulates
// every declared venue; live builds real clients for CEX venues and rejects
// modes whose on-chain venues have no live client.
func Build(mode *config.ModeConfig, execMode core.ExecutionMode, env *config.Env, provider core.IDataProvider, logger core.ILogger) ([]core.IVenueInterface, error) {
	walletVenue := ""
	for name, vc := range mode.Venues {
		if vc.Kind == "wallet" {
			walletVenue = name
		}
	}

	var out []core.IVenueInterface
	for name, vc := range mode.Venues {
		switch execMode {
		case core.ModeBacktest:
			out = append(out, NewSimulated(SimulatedConfig{
				Name:        name,
				Kind:        vc.Kind,
				FeeRate:     decimal.NewFromFloat(vc.FeeRate),
				WalletVenue: walletVenue,
				Operations:  vc.Operations,
			}, provider, logger))
		case core.ModeLive:
			switch vc.Kind {
			case "perp", "spot":
				creds := env.Credentials[name]
				if creds.APIKey == "" || creds.SecretKey == "" {
					return nil, fmt.Errorf("%w: missing credentials for live venue %s", apperrors.ErrConfiguration, name)
				}
				out = append(out, NewBinance(BinanceConfig{
					Name:         name,
					APIKey:       creds.APIKey,
					SecretKey:    creds.SecretKey,
					TimeoutSecs:  vc.TimeoutSeconds,
					RateLimitRPS: vc.RateLimitRPS,
					Operations:   vc.Operations,
				}, logger))
			default:
				return nil, fmt.Errorf("%w: no live client for venue kind %q (venue %s)", apperrors.ErrConfiguration, vc.Kind, name)
			}
		}
	}
	return out, nil
}

var _ core.IVenueManager = (*Manager)(nil)
