package storage

import (
	"errors"
	"time"

	"github.com/flamingrickpat/kektrade/pkg/exchange"
)

// Fanout duplicates every write to each member. Members that only implement
// exchange.Sink (such as a live broadcaster) are skipped for subaccount
// records and flushes.
type Fanout []exchange.Sink

func NewFanout(sinks ...exchange.Sink) Fanout { return Fanout(sinks) }

func (f Fanout) AppendOrder(subaccount string, ts time.Time, o exchange.Order, snapshot bool) error {
	var errs []error
	for _, s := range f {
		errs = append(errs, s.AppendOrder(subaccount, ts, o, snapshot))
	}
	return errors.Join(errs...)
}

func (f Fanout) AppendExecution(subaccount string, x exchange.Execution) error {
	var errs []error
	for _, s := range f {
		errs = append(errs, s.AppendExecution(subaccount, x))
	}
	return errors.Join(errs...)
}

func (f Fanout) AppendPosition(subaccount string, ts time.Time, p exchange.Position) error {
	var errs []error
	for _, s := range f {
		errs = append(errs, s.AppendPosition(subaccount, ts, p))
	}
	return errors.Join(errs...)
}

func (f Fanout) AppendWallet(subaccount string, ts time.Time, w exchange.Wallet) error {
	var errs []error
	for _, s := range f {
		errs = append(errs, s.AppendWallet(subaccount, ts, w))
	}
	return errors.Join(errs...)
}

func (f Fanout) SaveSubaccount(sub Subaccount) error {
	var errs []error
	for _, s := range f {
		if saver, ok := s.(interface{ SaveSubaccount(Subaccount) error }); ok {
			errs = append(errs, saver.SaveSubaccount(sub))
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Flush() error {
	var errs []error
	for _, s := range f {
		if flusher, ok := s.(interface{ Flush() error }); ok {
			errs = append(errs, flusher.Flush())
		}
	}
	return errors.Join(errs...)
}

var _ Sink = Fanout(nil)
