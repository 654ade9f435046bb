// Package results persists per-timestep result rows and the final run
// summary for one request.
package results

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"basis_engine/internal/core"

	"github.com/alitto/pond"
)

const defaultQueueSize = 10000

// Store appends rows to results.csv through a single background writer and
// writes summary.json on Finalize. One store per request; no cross-request
// interleaving.
type Store struct {
	dir    string
	f      *os.File
	w      *csv.Writer
	pool   *pond.WorkerPool
	logger core.ILogger
	closed bool
}

var csvHeader = []string{
	"timestamp",
	"equity_share_class",
	"balance_pnl_period",
	"balance_pnl_cumulative",
	"attribution_cumulative",
	"reconciliation_diff",
	"overall_risk_status",
	"net_delta",
}

// NewStore creates the request's results directory and opens results.csv.
func NewStore(dir string, logger core.ILogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating results dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, "results.csv"))
	if err != nil {
		return nil, fmt.Errorf("creating results.csv: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing results header: %w", err)
	}
	return &Store{
		dir:    dir,
		f:      f,
		w:      w,
		pool:   pond.New(1, defaultQueueSize),
		logger: logger.WithField("component", "results_store"),
	}, nil
}

// Append enqueues one row; the caller returns immediately.
func (s *Store) Append(row core.ResultRow) {
	if !s.pool.TrySubmit(func() {
		record := []string{
			row.Timestamp.UTC().Format(time.RFC3339),
			row.EquityShareClass.String(),
			row.BalancePnLPeriod.String(),
			row.BalancePnLCumulative.String(),
			row.AttributionCumulative.String(),
			row.ReconciliationDiff.String(),
			string(row.OverallRiskStatus),
			row.NetDelta.String(),
		}
		if err := s.w.Write(record); err != nil {
			s.logger.Error("Results row write failed", "error", err)
		}
	}) {
		s.logger.Error("Results queue full, dropping row", "timestamp", row.Timestamp)
	}
}

// Finalize drains pending rows and writes summary.json. The store stays
// open for Close.
func (s *Store) Finalize(summary core.Summary) error {
	s.pool.StopAndWait()
	s.closed = true
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("flushing results.csv: %w", err)
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, "summary.json"), data, 0o644); err != nil {
		return fmt.Errorf("writing summary.json: %w", err)
	}
	return nil
}

// Close flushes and closes the CSV file. Safe after Finalize.
func (s *Store) Close() error {
	if !s.closed {
		s.pool.StopAndWait()
		s.closed = true
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

var _ core.IResultsStore = (*Store)(nil)
