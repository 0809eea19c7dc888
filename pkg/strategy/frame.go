package strategy

import (
	"fmt"
	"math"

	"github.com/flamingrickpat/kektrade/pkg/feed"
)

// Frame pairs a candle feed with named indicator columns of equal length.
type Frame struct {
	feed    feed.Feed
	columns map[string][]float64
}

func NewFrame(f feed.Feed) *Frame {
	return &Frame{feed: f, columns: make(map[string][]float64)}
}

func (f *Frame) Feed() feed.Feed          { return f.feed }
func (f *Frame) Len() int                 { return f.feed.Len() }
func (f *Frame) Candle(i int) feed.Candle { return f.feed.At(i) }

// Closes returns the close column.
func (f *Frame) Closes() []float64 {
	out := make([]float64, f.feed.Len())
	for i := range out {
		out[i] = f.feed.At(i).Close
	}
	return out
}

// Set stores an indicator column, replacing any previous one.
func (f *Frame) Set(name string, values []float64) error {
	if len(values) != f.feed.Len() {
		return fmt.Errorf("column %s has %d values, feed has %d", name, len(values), f.feed.Len())
	}
	f.columns[name] = values
	return nil
}

func (f *Frame) Column(name string) ([]float64, bool) {
	c, ok := f.columns[name]
	return c, ok
}

// Value returns column name at i, or NaN when the column or index is missing.
func (f *Frame) Value(name string, i int) float64 {
	c, ok := f.columns[name]
	if !ok || i < 0 || i >= len(c) {
		return math.NaN()
	}
	return c[i]
}

// Reset drops every indicator column.
func (f *Frame) Reset() {
	f.columns = make(map[string][]float64)
}
