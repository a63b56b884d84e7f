package vnode

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/tskvdb/tskv/compaction"
	"github.com/tskvdb/tskv/internal/manifest"
	"github.com/tskvdb/tskv/tsm"
)

// Leaf is one (field-id, checksum) pair contributing to a HashTree, the
// checksum of every decoded sample belonging to that field across the
// TsFamily's current file set.
type Leaf struct {
	FieldID  uint64
	Checksum uint64
}

// HashTree is a Merkle-style digest for replica integrity checks: leaves
// keyed by field-id, combined pairwise up to a single root so two replicas
// can bisect a mismatch down to the offending field without transferring
// full file contents.
type HashTree struct {
	Leaves []Leaf
	levels [][]uint64
}

// Root returns the combined digest of every leaf, or 0 for an empty tree.
func (h *HashTree) Root() uint64 {
	if len(h.levels) == 0 {
		return 0
	}
	top := h.levels[len(h.levels)-1]
	if len(top) == 0 {
		return 0
	}
	return top[0]
}

func buildHashTree(leaves []Leaf) *HashTree {
	sort.Slice(leaves, func(i, j int) bool { return leaves[i].FieldID < leaves[j].FieldID })
	h := &HashTree{Leaves: leaves}
	if len(leaves) == 0 {
		return h
	}
	level := make([]uint64, len(leaves))
	for i, l := range leaves {
		level[i] = l.Checksum
	}
	h.levels = append(h.levels, level)
	for len(level) > 1 {
		var next []uint64
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, combine(level[i], level[i+1]))
		}
		h.levels = append(h.levels, next)
		level = next
	}
	return h
}

func combine(a, b uint64) uint64 {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], a)
	binary.BigEndian.PutUint64(buf[8:16], b)
	return xxhash.Sum64(buf[:])
}

// GetVnodeHashTree computes a HashTree over every field-id present in tf's
// current Version: each leaf's checksum is the xxhash of every decoded
// (timestamp, value) sample for that field, sorted by timestamp and hashed
// in a fixed-width canonical encoding. Two replicas holding the same
// logical data converge on the same checksum even with different physical
// layouts (different compaction history, different block batching, or a
// different codec per file), because the leaf is computed from decoded
// sample content, never from a file's raw block bytes or block boundaries.
func GetVnodeHashTree(dir string, tf *manifest.TsFamily) (*HashTree, error) {
	v := tf.Current()
	defer v.UnrefAll()

	fieldValues := make(map[uint64][]tsm.Value)
	files := append([]*manifest.ColumnFile(nil), v.AllFiles()...)
	sort.Slice(files, func(i, j int) bool { return files[i].Meta.ID < files[j].Meta.ID })

	for _, f := range files {
		r, err := tsm.Open(compaction.FileNamer(dir, f.Meta.ID))
		if err != nil {
			return nil, err
		}
		for _, e := range r.AllIndexEntries() {
			block, err := r.ReadBlock(e)
			if err != nil {
				_ = r.Close()
				return nil, err
			}
			fieldValues[e.FieldID] = append(fieldValues[e.FieldID], block.Values...)
		}
		_ = r.Close()
	}

	leaves := make([]Leaf, 0, len(fieldValues))
	for fieldID, values := range fieldValues {
		sort.Slice(values, func(i, j int) bool { return values[i].Timestamp < values[j].Timestamp })
		d := xxhash.New()
		for _, val := range values {
			_, _ = d.Write(canonicalValueBytes(val))
		}
		leaves = append(leaves, Leaf{FieldID: fieldID, Checksum: d.Sum64()})
	}
	return buildHashTree(leaves), nil
}

// canonicalValueBytes encodes one sample independently of how it was
// batched into blocks or which codec compressed it, so two files holding
// the same logical samples under different physical layouts hash identically.
func canonicalValueBytes(v tsm.Value) []byte {
	buf := make([]byte, 9, 17)
	binary.BigEndian.PutUint64(buf[0:8], uint64(v.Timestamp))
	buf[8] = byte(v.Type)

	switch v.Type {
	case tsm.ValueFloat:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.Float))
		buf = append(buf, b[:]...)
	case tsm.ValueInteger:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Integer))
		buf = append(buf, b[:]...)
	case tsm.ValueUnsigned:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v.Unsigned)
		buf = append(buf, b[:]...)
	case tsm.ValueBoolean:
		if v.Boolean {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case tsm.ValueString:
		buf = append(buf, v.String...)
	}
	return buf
}
