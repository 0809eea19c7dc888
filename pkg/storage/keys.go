package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// Pebble key schema. Every history record is appended under its subaccount
// with a zero-padded sequence number so prefix scans return insertion order.
//
//	sub:{subaccount}              → Subaccount
//	ord:{subaccount}:{seq}        → OrderRecord
//	pos:{subaccount}:{seq}        → PositionRecord
//	wal:{subaccount}:{seq}        → WalletRecord
//	exe:{subaccount}:{seq}        → exchange.Execution
const (
	prefixSubaccount = "sub:"
	prefixOrder      = "ord:"
	prefixPosition   = "pos:"
	prefixWallet     = "wal:"
	prefixExecution  = "exe:"
)

// subaccountKey returns the key for a subaccount record
// Format: "sub:{id}"
func subaccountKey(id string) []byte {
	return []byte(prefixSubaccount + id)
}

// recordKey returns the key of the seq-th record of kind prefix
// Format: "{prefix}{subaccount}:{seq}"
// Example: "wal:main:00000000000000000042"
func recordKey(prefix, subaccount string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefix, subaccount, seq))
}

// recordPrefix returns the scan prefix for all records of one subaccount
// Format: "{prefix}{subaccount}:"
func recordPrefix(prefix, subaccount string) []byte {
	return []byte(prefix + subaccount + ":")
}

// seqFromKey parses the trailing sequence number of a record key.
func seqFromKey(key []byte) (uint64, error) {
	s := string(key)
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return 0, fmt.Errorf("invalid record key %q", s)
	}
	return strconv.ParseUint(s[i+1:], 10, 64)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// Example: prefix "wal:main:" -> upper bound "wal:main;"
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
