// Package dedup implements the Bloom-filter-backed title dedup the
// generator pipeline uses to skip re-inserting titles it has already
// seen, without keeping every normalized title string in memory.
package dedup

import (
	"crypto/sha256"
	"encoding/binary"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// numHashes is how many independent bit positions each item sets,
// trading a small false-positive rate for a fixed, small footprint.
const numHashes = 4

// Filter is a thread-safe Bloom filter over normalized title text.
type Filter struct {
	mu   sync.Mutex
	bits *bitset.BitSet
	size uint
}

// New returns a Filter sized for roughly expectedItems entries at a low
// false-positive rate.
func New(expectedItems uint) *Filter {
	size := expectedItems * 10 // ~10 bits/item with 4 hashes gives about 1.2% false positives
	if size < 1<<16 {
		size = 1 << 16
	}
	return &Filter{bits: bitset.New(size), size: size}
}

// SeenOrAdd normalizes title, checks whether it was already added, and
// if not, adds it. Returns true when title is (probably) a duplicate.
func (f *Filter) SeenOrAdd(title string) bool {
	norm := normalize(title)
	positions := f.positions(norm)

	f.mu.Lock()
	defer f.mu.Unlock()

	duplicate := true
	for _, p := range positions {
		if !f.bits.Test(p) {
			duplicate = false
		}
	}
	if duplicate {
		return true
	}
	for _, p := range positions {
		f.bits.Set(p)
	}
	return false
}

func (f *Filter) positions(s string) []uint {
	h := sha256.Sum256([]byte(s))
	positions := make([]uint, numHashes)
	for i := 0; i < numHashes; i++ {
		v := binary.BigEndian.Uint64(h[i*8 : i*8+8])
		positions[i] = uint(v % uint64(f.size))
	}
	return positions
}

func normalize(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}
