package event

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// TypePriceUpdate is the wire type of a price tick broadcast to viewers
const TypePriceUpdate = "price_update"

// PriceUpdateEvent is the payload fanned out to every connected viewer.
type PriceUpdateEvent struct {
	Type          string    `json:"type"`
	InstrumentID  string    `json:"instrumentId"`
	Price         float64   `json:"price"`
	PercentChange float64   `json:"percentChange"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewPriceUpdate builds a price_update event from decimal values.
func NewPriceUpdate(instrumentID string, price, percentChange decimal.Decimal, at time.Time) *PriceUpdateEvent {
	return &PriceUpdateEvent{
		Type:          TypePriceUpdate,
		InstrumentID:  instrumentID,
		Price:         price.InexactFloat64(),
		PercentChange: percentChange.Round(4).InexactFloat64(),
		Timestamp:     at.UTC(),
	}
}

// bufferPool recycles encode buffers on the broadcast hotpath.
//
// Usage:
//
//	b, err := Encode(ev)
//	// ... send b ...
var bufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// Encode serializes an event once into a fresh byte slice.
// The slice is safe to share between all receivers.
func Encode(ev any) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(ev); err != nil {
		return nil, err
	}

	// Drop the trailing newline added by Encoder
	out := bytes.TrimRight(buf.Bytes(), "\n")
	return append([]byte(nil), out...), nil
}
