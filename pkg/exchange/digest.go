package exchange

import (
	"encoding/binary"
	"encoding/hex"
	"hash"
	"math"

	"golang.org/x/crypto/sha3"
)

// Digest fingerprints the execution log together with the current wallet
// and position. Two runs over the same candles with the same order intents
// produce the same digest.
func (e *Exchange) Digest() string {
	h := sha3.NewLegacyKeccak256()
	for _, x := range e.executions {
		writeInt(h, x.ID)
		writeInt(h, x.OrderID)
		writeInt(h, int64(x.Type))
		writeInt(h, x.Timestamp.UnixNano())
		writeFloats(h, x.Price, x.Contracts, x.Cost, x.FeeRate, x.FeeCost)
		writeInt(h, int64(x.Direction))
	}

	w := e.wallet
	writeFloats(h, w.Deposit, w.TotalRealizedPnL, w.AccountBalance, w.MarginBalance,
		w.AvailableBalance, w.OrderMargin, w.PositionMargin)

	p := e.position
	writeFloats(h, p.Contracts, p.Price, p.Collateral, p.UnrealizedPnL, p.LiquidationPrice, p.BankruptcyPrice)
	writeInt(h, int64(p.Leverage))

	return hex.EncodeToString(h.Sum(nil))
}

func writeInt(h hash.Hash, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	h.Write(b[:])
}

func writeFloats(h hash.Hash, vs ...float64) {
	var b [8]byte
	for _, v := range vs {
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
		h.Write(b[:])
	}
}
