// Package shard decides which engine instance owns an account.
package shard

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Ring assigns accounts to Count instances by hashing the account id.
type Ring struct {
	Index int
	Count int
}

func New(index, count int) (Ring, error) {
	if count < 1 {
		return Ring{}, fmt.Errorf("shard count must be at least 1, got %d", count)
	}
	if index < 0 || index >= count {
		return Ring{}, fmt.Errorf("shard index %d out of range [0, %d)", index, count)
	}
	return Ring{Index: index, Count: count}, nil
}

// Of returns the shard index that owns accountID.
func (r Ring) Of(accountID string) int {
	if r.Count <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(accountID) % uint64(r.Count))
}

// Owns reports whether this instance is responsible for accountID.
func (r Ring) Owns(accountID string) bool {
	return r.Of(accountID) == r.Index
}
