package data

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"basis_engine/internal/core"
	apperrors "basis_engine/pkg/errors"

	"github.com/shopspring/decimal"
)

// sample is one timestamped observation of a data kind.
type sample struct {
	at    time.Time
	value decimal.Decimal
}

// CSVProvider serves backtest data from per-kind CSV files loaded into
// in-memory sorted tables. Get performs a per-kind search for the last
// observation at or before the requested timestamp
// (last-observation-carried-forward).
type CSVProvider struct {
	tables map[string][]sample
	kinds  []string
	logger core.ILogger
}

// NewCSVProvider loads `<kind>.csv` for every required kind from dataDir.
// Each file has a `timestamp,value` header; timestamps are RFC3339 or unix
// seconds. Missing files fail construction with DataUnavailable.
func NewCSVProvider(dataDir string, requiredKinds []string, logger core.ILogger) (*CSVProvider, error) {
	p := &CSVProvider{
		tables: make(map[string][]sample, len(requiredKinds)),
		kinds:  append([]string(nil), requiredKinds...),
		logger: logger.WithField("component", "data_provider"),
	}

	for _, kind := range requiredKinds {
		path := filepath.Join(dataDir, kind+".csv")
		rows, err := loadCSVTable(path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		if len(rows) == 0 {
			return nil, &apperrors.DataUnavailableError{Kind: kind}
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].at.Before(rows[j].at) })
		p.tables[kind] = rows
	}

	p.logger.Info("Loaded backtest data tables", "kinds", len(p.tables))
	return p, nil
}

func loadCSVTable(path string) ([]sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	rows := make([]sample, 0, len(records)-1)
	for i, rec := range records {
		if i == 0 && rec[0] == "timestamp" {
			continue
		}
		if len(rec) < 2 {
			return nil, fmt.Errorf("row %d: want timestamp,value", i)
		}
		at, err := parseTimestamp(rec[0])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		v, err := decimal.NewFromString(rec[1])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		rows = append(rows, sample{at: at, value: v})
	}
	return rows, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	var unix int64
	if _, err := fmt.Sscanf(s, "%d", &unix); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// Get returns the snapshot of every kind at the greatest observation
// timestamp <= t. Pure for a fixed t.
func (p *CSVProvider) Get(t time.Time) (*core.MarketSnapshot, error) {
	snap := &core.MarketSnapshot{
		At:         t,
		Values:     make(map[string]decimal.Decimal, len(p.tables)),
		ObservedAt: make(map[string]time.Time, len(p.tables)),
	}
	for kind, rows := range p.tables {
		idx := searchAtOrBefore(rows, t)
		if idx < 0 {
			return nil, &apperrors.DataUnavailableError{Kind: kind, At: t}
		}
		snap.Values[kind] = rows[idx].value
		snap.ObservedAt[kind] = rows[idx].at
	}
	return snap, nil
}

// searchAtOrBefore returns the index of the last sample with at <= t, or -1.
func searchAtOrBefore(rows []sample, t time.Time) int {
	lo, hi := 0, len(rows)
	for lo < hi {
		mid := (lo + hi) / 2
		if rows[mid].at.After(t) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo - 1
}

// Timestamps returns the sorted unique observation timestamps in
// [start, end] for which every required kind has coverage.
func (p *CSVProvider) Timestamps(start, end time.Time) ([]time.Time, error) {
	seen := make(map[time.Time]struct{})
	for _, rows := range p.tables {
		for _, r := range rows {
			if r.at.Before(start) || r.at.After(end) {
				continue
			}
			seen[r.at] = struct{}{}
		}
	}

	out := make([]time.Time, 0, len(seen))
	for t := range seen {
		covered := true
		for _, rows := range p.tables {
			if searchAtOrBefore(rows, t) < 0 {
				covered = false
				break
			}
		}
		if covered {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no covered timestamps in [%s, %s]",
			apperrors.ErrDataUnavailable, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return out, nil
}

// ValidateRequirements fails if any kind is unsupplied.
func (p *CSVProvider) ValidateRequirements(kinds []string) error {
	for _, k := range kinds {
		if _, ok := p.tables[k]; !ok {
			return &apperrors.DataUnavailableError{Kind: k}
		}
	}
	return nil
}

// Distributions returns the discrete observations of a kind within
// (after, until]; the settlement engine uses this for reward distributions
// on their exact dates.
func (p *CSVProvider) Distributions(kind string, after, until time.Time) []core.Observation {
	rows, ok := p.tables[kind]
	if !ok {
		return nil
	}
	var out []core.Observation
	for _, r := range rows {
		if r.at.After(after) && !r.at.After(until) {
			out = append(out, core.Observation{At: r.at, Value: r.value})
		}
	}
	return out
}
