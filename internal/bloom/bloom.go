// Package bloom implements a fixed-size Bloom filter over field-ids, shared
// by the TSM column file footer and the tombstone store's optional
// add-filter. Hashing uses xxhash so the same primitive used for TSM block
// checksums also backs filter membership, keeping the
// column file's only non-CRC hash dependency to a single library.
package bloom

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Filter is a Bloom filter. Add is only valid on a filter under construction
// (i.e. before the owning file's footer has been written); the type itself
// does not enforce this.
type Filter struct {
	bits []byte
	k    uint32
}

// New allocates a filter sized for expectedN items at the given false
// positive rate fpRate, using the standard m = -n*ln(p)/ln(2)^2 and
// k = (m/n)*ln(2) formulas, rounded to at least one byte and one hash.
func New(expectedN int, fpRate float64) *Filter {
	if expectedN < 1 {
		expectedN = 1
	}
	m := bitsForFilter(expectedN, fpRate)
	k := kForFilter(m, expectedN)
	return &Filter{bits: make([]byte, (m+7)/8), k: k}
}

func bitsForFilter(n int, p float64) int {
	// m = ceil(-n*ln(p) / ln(2)^2)
	const ln2sq = 0.4804530139182014 // ln(2)^2
	m := -float64(n) * lnApprox(p) / ln2sq
	if m < 8 {
		m = 8
	}
	return int(m) + 1
}

func kForFilter(m, n int) uint32 {
	k := uint32(float64(m) / float64(n) * 0.6931471805599453)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return k
}

// lnApprox avoids pulling in math for a single call site in a hot
// constructor path; accuracy is irrelevant to correctness (only to filter
// sizing), so a truncated series for the natural log suffices.
func lnApprox(x float64) float64 {
	// ln(x) via ln(x) = 2*atanh((x-1)/(x+1)) series, adequate for 0<x<1.
	y := (x - 1) / (x + 1)
	y2 := y * y
	sum := 0.0
	term := y
	for i := 0; i < 20; i++ {
		sum += term / float64(2*i+1)
		term *= y2
	}
	return 2 * sum
}

func (f *Filter) hashes(key []byte) (h1, h2 uint64) {
	h1 = xxhash.Sum64(key)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], h1)
	h2 = xxhash.Sum64(buf[:])
	return h1, h2
}

// Add inserts key (typically a big-endian encoded field-id) into the filter.
func (f *Filter) Add(key []byte) {
	h1, h2 := f.hashes(key)
	nbits := uint64(len(f.bits)) * 8
	for i := uint32(0); i < f.k; i++ {
		bit := (h1 + uint64(i)*h2) % nbits
		f.bits[bit/8] |= 1 << (bit % 8)
	}
}

// Contains reports whether key may have been added. False positives are
// possible; false negatives are not: bloom(file).Contains(id) == false
// implies no block for id exists in the file.
func (f *Filter) Contains(key []byte) bool {
	h1, h2 := f.hashes(key)
	nbits := uint64(len(f.bits)) * 8
	for i := uint32(0); i < f.k; i++ {
		bit := (h1 + uint64(i)*h2) % nbits
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// Bytes returns the raw filter bitmap for serialization into a footer.
func (f *Filter) Bytes() []byte { return f.bits }

// K returns the number of hash functions used, needed to reconstruct the
// filter on load.
func (f *Filter) K() uint32 { return f.k }

// Load reconstructs a Filter from previously serialized bits and k.
func Load(bits []byte, k uint32) *Filter {
	return &Filter{bits: bits, k: k}
}
