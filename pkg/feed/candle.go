package feed

import (
	"sort"
	"time"
)

// Candle is one fixed-interval OHLCV record plus the funding rate settled
// during that interval.
type Candle struct {
	Timestamp   time.Time `json:"date"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
	FundingRate float64   `json:"funding_rate"`
}

// Feed is a randomly addressable candle sequence ordered by time.
type Feed interface {
	Len() int
	At(i int) Candle
}

// Series is the in-memory Feed implementation.
type Series []Candle

// NewSeries copies candles, sorts them by timestamp and drops duplicate
// timestamps (first occurrence wins).
func NewSeries(candles []Candle) Series {
	out := make(Series, len(candles))
	copy(out, candles)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	deduped := out[:0]
	for i, c := range out {
		if i > 0 && c.Timestamp.Equal(deduped[len(deduped)-1].Timestamp) {
			continue
		}
		deduped = append(deduped, c)
	}
	return deduped
}

func (s Series) Len() int        { return len(s) }
func (s Series) At(i int) Candle { return s[i] }

// Between returns the candles with start <= timestamp <= end, preceded by up
// to startup earlier candles for indicator warmup. The result shares no
// memory with s.
func (s Series) Between(start, end time.Time, startup int) Series {
	lo := sort.Search(len(s), func(i int) bool { return !s[i].Timestamp.Before(start) })
	hi := sort.Search(len(s), func(i int) bool { return s[i].Timestamp.After(end) })
	if lo >= hi {
		return Series{}
	}
	lo -= startup
	if lo < 0 {
		lo = 0
	}
	out := make(Series, hi-lo)
	copy(out, s[lo:hi])
	return out
}

// Interval returns the spacing between the first two candles, or 0 if the
// series is too short to tell.
func (s Series) Interval() time.Duration {
	if len(s) < 2 {
		return 0
	}
	return s[1].Timestamp.Sub(s[0].Timestamp)
}
