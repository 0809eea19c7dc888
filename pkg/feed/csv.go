package feed

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Columns expected in a candle cache file. funding_rate may be empty.
var csvColumns = []string{"date", "open", "high", "low", "close", "volume", "funding_rate"}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ReadCSV parses a candle cache with a header row. Columns may appear in any
// order; unknown columns are ignored.
func ReadCSV(r io.Reader) (Series, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range csvColumns[:6] {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}

	var candles []Candle
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		c, err := parseRow(row, index)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		candles = append(candles, c)
	}
	return NewSeries(candles), nil
}

func parseRow(row []string, index map[string]int) (Candle, error) {
	field := func(name string) string {
		i, ok := index[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	ts, err := parseDate(field("date"))
	if err != nil {
		return Candle{}, err
	}
	c := Candle{Timestamp: ts}
	targets := []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.FundingRate}
	for i, name := range csvColumns[1:] {
		raw := field(name)
		if raw == "" {
			if name == "funding_rate" {
				continue
			}
			return Candle{}, fmt.Errorf("empty %s", name)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Candle{}, fmt.Errorf("parse %s: %w", name, err)
		}
		*targets[i] = v
	}
	return c, nil
}

func parseDate(raw string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}

// WriteCSV writes s in the cache file format.
func WriteCSV(w io.Writer, s Series) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvColumns); err != nil {
		return err
	}
	for _, c := range s {
		row := []string{
			c.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatFloat(c.Open, 'f', -1, 64),
			strconv.FormatFloat(c.High, 'f', -1, 64),
			strconv.FormatFloat(c.Low, 'f', -1, 64),
			strconv.FormatFloat(c.Close, 'f', -1, 64),
			strconv.FormatFloat(c.Volume, 'f', -1, 64),
			strconv.FormatFloat(c.FundingRate, 'f', -1, 64),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// Cache hands out parsed candle files. Concurrent subaccounts share one
// Cache; the mutex is held only while a file is read and parsed, never while
// a simulation consumes the returned Series.
type Cache struct {
	mu     sync.Mutex
	series map[string]Series
}

func NewCache() *Cache {
	return &Cache{series: make(map[string]Series)}
}

// Load returns the candles stored at path, restricted to [start, end] when
// either bound is non-zero.
func (c *Cache) Load(path string, start, end time.Time) (Series, error) {
	s, err := c.load(path)
	if err != nil {
		return nil, err
	}
	if start.IsZero() && end.IsZero() {
		out := make(Series, len(s))
		copy(out, s)
		return out, nil
	}
	if end.IsZero() {
		end = s[len(s)-1].Timestamp
	}
	return s.Between(start, end, 0), nil
}

func (c *Cache) load(path string) (Series, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.series[path]; ok {
		return s, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open candle file: %w", err)
	}
	defer f.Close()

	s, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(s) == 0 {
		return nil, fmt.Errorf("candle file %s is empty", path)
	}
	c.series[path] = s
	return s, nil
}
