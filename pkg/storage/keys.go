package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema for the archive.
// Prefix-based for range scans, zero-padded timestamps for lexicographic
// time ordering.
const (
	prefixOrder      = "ord:"   // terminal order archive
	prefixTrade      = "trade:" // trade ledger
	prefixDeposit    = "dep:"   // deposit records
	prefixWithdrawal = "wd:"    // withdrawal requests
)

// OrderKey format: "ord:{orderID}"
func OrderKey(orderID string) []byte {
	return []byte(prefixOrder + orderID)
}

// TradeKey format: "trade:{productID}:{timestamp}:{tradeID}"
// Timestamp is zero-padded (20 digits) for lexicographic sorting.
func TradeKey(productID string, timestamp int64, tradeID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixTrade, productID, timestamp, tradeID))
}

// TradePrefix returns the prefix for all trades of a product.
func TradePrefix(productID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, productID))
}

// DepositKey format: "dep:{txHash}"
func DepositKey(txRef common.Hash) []byte {
	return []byte(prefixDeposit + txRef.Hex())
}

// DepositPrefix returns the prefix for all deposit records.
func DepositPrefix() []byte {
	return []byte(prefixDeposit)
}

// WithdrawalKey format: "wd:{requestID}"
func WithdrawalKey(id string) []byte {
	return []byte(prefixWithdrawal + id)
}

// WithdrawalPrefix returns the prefix for all withdrawal requests.
func WithdrawalPrefix() []byte {
	return []byte(prefixWithdrawal)
}

// KeyUpperBound returns the exclusive upper bound for a prefix scan.
func KeyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
