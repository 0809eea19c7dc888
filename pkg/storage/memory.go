package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/flamingrickpat/kektrade/pkg/exchange"
)

// MemoryStore keeps history in process. Optimizer trials use one each.
type MemoryStore struct {
	mu          sync.Mutex
	subaccounts map[string]Subaccount
	orders      map[string][]OrderRecord
	positions   map[string][]PositionRecord
	wallets     map[string][]WalletRecord
	executions  map[string][]exchange.Execution
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subaccounts: make(map[string]Subaccount),
		orders:      make(map[string][]OrderRecord),
		positions:   make(map[string][]PositionRecord),
		wallets:     make(map[string][]WalletRecord),
		executions:  make(map[string][]exchange.Execution),
	}
}

func (s *MemoryStore) SaveSubaccount(sub Subaccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subaccounts[sub.ID] = sub
	return nil
}

func (s *MemoryStore) Flush() error { return nil }

func (s *MemoryStore) AppendOrder(subaccount string, ts time.Time, o exchange.Order, snapshot bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[subaccount] = append(s.orders[subaccount], OrderRecord{Timestamp: ts, Snapshot: snapshot, Order: o})
	return nil
}

func (s *MemoryStore) AppendExecution(subaccount string, x exchange.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[subaccount] = append(s.executions[subaccount], x)
	return nil
}

func (s *MemoryStore) AppendPosition(subaccount string, ts time.Time, p exchange.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[subaccount] = append(s.positions[subaccount], PositionRecord{Timestamp: ts, Position: p})
	return nil
}

func (s *MemoryStore) AppendWallet(subaccount string, ts time.Time, w exchange.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[subaccount] = append(s.wallets[subaccount], WalletRecord{Timestamp: ts, Wallet: w})
	return nil
}

func (s *MemoryStore) Subaccounts() ([]Subaccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subaccount, 0, len(s.subaccounts))
	for _, sub := range s.subaccounts {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Orders(subaccount string) ([]OrderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]OrderRecord(nil), s.orders[subaccount]...), nil
}

func (s *MemoryStore) Positions(subaccount string) ([]PositionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PositionRecord(nil), s.positions[subaccount]...), nil
}

func (s *MemoryStore) Wallets(subaccount string) ([]WalletRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WalletRecord(nil), s.wallets[subaccount]...), nil
}

func (s *MemoryStore) Executions(subaccount string) ([]exchange.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]exchange.Execution(nil), s.executions[subaccount]...), nil
}

var (
	_ Sink   = (*MemoryStore)(nil)
	_ Reader = (*MemoryStore)(nil)
)
