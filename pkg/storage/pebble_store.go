package storage

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/flamingrickpat/kektrade/pkg/exchange"
)

// PebbleStore persists run history. Appends are staged in a batch and become
// visible to readers after Flush. Safe for concurrent subaccounts.
type PebbleStore struct {
	mu    sync.Mutex
	db    *pebble.DB
	batch *pebble.Batch
	seq   map[string]uint64 // next sequence per record prefix
}

// NewPebbleStore opens (or creates) a Pebble database at path.
func NewPebbleStore(path string) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:             32 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		MaxOpenFiles:             500,
		BytesPerSync:             512 << 10,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{
		db:    db,
		batch: db.NewBatch(),
		seq:   make(map[string]uint64),
	}, nil
}

// Close commits pending writes and closes the database.
func (s *PebbleStore) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.batch.Close(); err != nil {
		return err
	}
	return s.db.Close()
}

// Flush commits the staged batch.
func (s *PebbleStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch.Empty() {
		return nil
	}
	if err := s.batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	if err := s.batch.Close(); err != nil {
		return err
	}
	s.batch = s.db.NewBatch()
	return nil
}

func (s *PebbleStore) SaveSubaccount(sub Subaccount) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subaccount: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batch.Set(subaccountKey(sub.ID), data, nil)
}

func (s *PebbleStore) AppendOrder(subaccount string, ts time.Time, o exchange.Order, snapshot bool) error {
	return s.append(prefixOrder, subaccount, OrderRecord{Timestamp: ts, Snapshot: snapshot, Order: o})
}

func (s *PebbleStore) AppendExecution(subaccount string, x exchange.Execution) error {
	return s.append(prefixExecution, subaccount, x)
}

func (s *PebbleStore) AppendPosition(subaccount string, ts time.Time, p exchange.Position) error {
	return s.append(prefixPosition, subaccount, PositionRecord{Timestamp: ts, Position: p})
}

func (s *PebbleStore) AppendWallet(subaccount string, ts time.Time, w exchange.Wallet) error {
	return s.append(prefixWallet, subaccount, WalletRecord{Timestamp: ts, Wallet: w})
}

func (s *PebbleStore) append(prefix, subaccount string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", prefix, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	seq, err := s.nextSeqLocked(prefix, subaccount)
	if err != nil {
		return err
	}
	return s.batch.Set(recordKey(prefix, subaccount, seq), data, nil)
}

// nextSeqLocked continues after the last committed record so a reopened
// database is appended to, not overwritten.
func (s *PebbleStore) nextSeqLocked(prefix, subaccount string) (uint64, error) {
	p := string(recordPrefix(prefix, subaccount))
	if seq, ok := s.seq[p]; ok {
		s.seq[p] = seq + 1
		return seq, nil
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(p),
		UpperBound: keyUpperBound([]byte(p)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var seq uint64
	if iter.Last() {
		last, err := seqFromKey(iter.Key())
		if err != nil {
			return 0, err
		}
		seq = last + 1
	}
	s.seq[p] = seq + 1
	return seq, nil
}

// Subaccounts returns every committed subaccount record ordered by id.
func (s *PebbleStore) Subaccounts() ([]Subaccount, error) {
	return scan[Subaccount](s.db, []byte(prefixSubaccount))
}

func (s *PebbleStore) Orders(subaccount string) ([]OrderRecord, error) {
	return scan[OrderRecord](s.db, recordPrefix(prefixOrder, subaccount))
}

func (s *PebbleStore) Positions(subaccount string) ([]PositionRecord, error) {
	return scan[PositionRecord](s.db, recordPrefix(prefixPosition, subaccount))
}

func (s *PebbleStore) Wallets(subaccount string) ([]WalletRecord, error) {
	return scan[WalletRecord](s.db, recordPrefix(prefixWallet, subaccount))
}

func (s *PebbleStore) Executions(subaccount string) ([]exchange.Execution, error) {
	return scan[exchange.Execution](s.db, recordPrefix(prefixExecution, subaccount))
}

// scan decodes every value under prefix in key order.
func scan[T any](db *pebble.DB, prefix []byte) ([]T, error) {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var out []T
	for iter.First(); iter.Valid(); iter.Next() {
		var v T
		if err := json.Unmarshal(iter.Value(), &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", iter.Key(), err)
		}
		out = append(out, v)
	}
	return out, iter.Error()
}

var (
	_ Sink   = (*PebbleStore)(nil)
	_ Reader = (*PebbleStore)(nil)
)
