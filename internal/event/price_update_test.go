package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_PriceUpdateShape(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	ev := NewPriceUpdate("bitcoin", decimal.RequireFromString("150.25"), decimal.RequireFromString("1.234567"), at)

	b, err := Encode(ev)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))

	assert.Equal(t, "price_update", raw["type"])
	assert.Equal(t, "bitcoin", raw["instrumentId"])
	assert.Equal(t, 150.25, raw["price"])
	assert.Equal(t, 1.2346, raw["percentChange"])
	assert.Equal(t, "2026-03-02T10:00:00Z", raw["timestamp"])
	assert.NotEqual(t, byte('\n'), b[len(b)-1])
}

func TestEncode_ReturnsIndependentSlices(t *testing.T) {
	first, err := Encode(NewPriceUpdate("a", decimal.NewFromInt(1), decimal.Zero, time.Unix(0, 0)))
	require.NoError(t, err)
	snapshot := string(first)

	_, err = Encode(NewPriceUpdate("bbbbbbbbbbbbbbbb", decimal.NewFromInt(2), decimal.Zero, time.Unix(0, 0)))
	require.NoError(t, err)

	assert.Equal(t, snapshot, string(first), "pooled buffer must not alias returned bytes")
}
