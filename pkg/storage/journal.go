package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/flamingrickpat/kektrade/pkg/exchange"
)

// Journal writes order and execution events as JSON lines, one object per
// event. Snapshots are not journaled.
type Journal struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

type journalEntry struct {
	Event      string `json:"event"`
	Subaccount string `json:"subaccount"`
	Timestamp  string `json:"timestamp"`
	Data       any    `json:"data"`
}

func NewJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Journal{f: f, w: bufio.NewWriter(f)}, nil
}

func (j *Journal) write(event, subaccount string, ts time.Time, data any) error {
	line, err := json.Marshal(journalEntry{
		Event:      event,
		Subaccount: subaccount,
		Timestamp:  ts.UTC().Format(time.RFC3339),
		Data:       data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.w.Write(line); err != nil {
		return err
	}
	return j.w.WriteByte('\n')
}

func (j *Journal) AppendOrder(subaccount string, ts time.Time, o exchange.Order, snapshot bool) error {
	if snapshot {
		return nil
	}
	return j.write("order", subaccount, ts, o)
}

func (j *Journal) AppendExecution(subaccount string, x exchange.Execution) error {
	return j.write("execution", subaccount, x.Timestamp, x)
}

func (j *Journal) AppendPosition(string, time.Time, exchange.Position) error { return nil }
func (j *Journal) AppendWallet(string, time.Time, exchange.Wallet) error     { return nil }

func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.w.Flush()
}

func (j *Journal) Close() error {
	if err := j.Flush(); err != nil {
		return err
	}
	return j.f.Close()
}
