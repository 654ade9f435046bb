package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"basis_engine/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLSinkWritesOneObjectPerLine(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewJSONLSink(dir)
	require.NoError(t, err)

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Write(core.Event{
		Timestamp:    t0,
		OrderWithinT: 1,
		Type:         "ORDER_EXECUTED",
		Venue:        "binance",
		Token:        "ETH",
		Amount:       decimal.NewFromFloat(1.5),
		Status:       "executed",
	}))
	require.NoError(t, sink.Write(core.Event{
		Timestamp:    t0,
		OrderWithinT: 2,
		Type:         "FUNDING_SETTLEMENT",
	}))
	require.NoError(t, sink.Close())

	f, err := os.Open(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var lines []core.Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e core.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		lines = append(lines, e)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "ORDER_EXECUTED", lines[0].Type)
	assert.Equal(t, 1, lines[0].OrderWithinT)
	assert.True(t, decimal.NewFromFloat(1.5).Equal(lines[0].Amount))
	assert.Equal(t, "FUNDING_SETTLEMENT", lines[1].Type)
}

func TestSQLiteSinkPersistsEvents(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewSQLiteSink(dir)
	require.NoError(t, err)

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		require.NoError(t, sink.Write(core.Event{
			Timestamp:    t0,
			OrderWithinT: i,
			Type:         "ORDER_SUBMITTED",
			Venue:        "aave",
			Fields:       map[string]string{"iteration": "1"},
		}))
	}

	var count int
	require.NoError(t, sink.db.QueryRow("SELECT COUNT(*) FROM events").Scan(&count))
	assert.Equal(t, 3, count)

	var orderWithinT int
	var eventType string
	require.NoError(t, sink.db.QueryRow(
		"SELECT order_within_t, event_type FROM events ORDER BY order_within_t DESC LIMIT 1").
		Scan(&orderWithinT, &eventType))
	assert.Equal(t, 3, orderWithinT)
	assert.Equal(t, "ORDER_SUBMITTED", eventType)

	require.NoError(t, sink.Close())
}

func TestMultiSinkFansOut(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	multi := MultiSink{a, b}

	require.NoError(t, multi.Write(core.Event{Type: "RISK_CRITICAL"}))
	require.NoError(t, multi.Close())

	assert.Len(t, a.all(), 1)
	assert.Len(t, b.all(), 1)
}
