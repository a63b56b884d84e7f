// Package index implements the persistent series key <-> series-id mapping
// and tag predicate index, backed by an embedded go.etcd.io/bbolt store.
package index

import (
	"bytes"
	"encoding/binary"
	"sort"

	"go.etcd.io/bbolt"

	tkerrors "github.com/tskvdb/tskv/errors"
)

var (
	bucketForward = []byte("series_key_to_id")
	bucketReverse = []byte("series_id_to_key")
	bucketTagPrefix = []byte("tag:")
	sequenceBucket = []byte("meta")
)

// Index owns the on-disk series key <-> series-id mapping for one vnode's
// tsfamily and the per-tag-key predicate index used by update_tags_value and
// simple equality lookups.
type Index struct {
	db *bbolt.DB
}

// Open opens (creating if needed) the bbolt file at path.
func Open(path string) (*Index, error) {
	db, err := bbolt.Open(path, 0644, nil)
	if err != nil {
		return nil, tkerrors.Wrap(tkerrors.KindIO, err, "index: open %s", path)
	}
	idx := &Index{db: db}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketForward, bucketReverse, sequenceBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, tkerrors.Wrap(tkerrors.KindIO, err, "index: init buckets")
	}
	return idx, nil
}

// Close releases the underlying bbolt file handle.
func (idx *Index) Close() error { return idx.db.Close() }

// Tag is a single key/value pair of a series key.
type Tag struct {
	Key   string
	Value string
}

// SeriesKey is a measurement name plus its sorted tag set, matching the
// canonical form used for hashing and storage.
type SeriesKey struct {
	Measurement string
	Tags        []Tag
}

// Encode returns the canonical byte form used as the bbolt key: measurement,
// then tags sorted by key, each length-prefixed.
func (k SeriesKey) Encode() []byte {
	sorted := append([]Tag(nil), k.Tags...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	var buf bytes.Buffer
	writeLP(&buf, []byte(k.Measurement))
	for _, t := range sorted {
		writeLP(&buf, []byte(t.Key))
		writeLP(&buf, []byte(t.Value))
	}
	return buf.Bytes()
}

func writeLP(buf *bytes.Buffer, data []byte) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(data)))
	buf.Write(l[:])
	buf.Write(data)
}

// GetOrCreate returns the series-id for key, allocating a fresh, never
// reused id (a monotonic bbolt sequence) if key is new.
func (idx *Index) GetOrCreate(key SeriesKey) (uint64, error) {
	enc := key.Encode()
	var id uint64
	err := idx.db.Update(func(tx *bbolt.Tx) error {
		fwd := tx.Bucket(bucketForward)
		if v := fwd.Get(enc); v != nil {
			id = binary.BigEndian.Uint64(v)
			return nil
		}
		seq, err := fwd.NextSequence()
		if err != nil {
			return err
		}
		id = seq
		var idBuf [8]byte
		binary.BigEndian.PutUint64(idBuf[:], id)
		if err := fwd.Put(enc, idBuf[:]); err != nil {
			return err
		}
		rev := tx.Bucket(bucketReverse)
		if err := rev.Put(idBuf[:], enc); err != nil {
			return err
		}
		return idx.indexTagsLocked(tx, key, id)
	})
	if err != nil {
		return 0, tkerrors.Wrap(tkerrors.KindIO, err, "index: get-or-create")
	}
	return id, nil
}

func (idx *Index) indexTagsLocked(tx *bbolt.Tx, key SeriesKey, id uint64) error {
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], id)
	for _, t := range key.Tags {
		bname := append(append([]byte{}, bucketTagPrefix...), t.Key...)
		b, err := tx.CreateBucketIfNotExists(bname)
		if err != nil {
			return err
		}
		valBucket, err := b.CreateBucketIfNotExists([]byte(t.Value))
		if err != nil {
			return err
		}
		if err := valBucket.Put(idBuf[:], nil); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the series-id for key, if it has been created.
func (idx *Index) Lookup(key SeriesKey) (uint64, bool, error) {
	enc := key.Encode()
	var id uint64
	var ok bool
	err := idx.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketForward).Get(enc)
		if v == nil {
			return nil
		}
		id = binary.BigEndian.Uint64(v)
		ok = true
		return nil
	})
	if err != nil {
		return 0, false, tkerrors.Wrap(tkerrors.KindIO, err, "index: lookup")
	}
	return id, ok, nil
}

// MatchTag returns every series-id whose key carries tag=value.
func (idx *Index) MatchTag(tag, value string) ([]uint64, error) {
	var out []uint64
	err := idx.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(append(append([]byte{}, bucketTagPrefix...), tag...))
		if b == nil {
			return nil
		}
		valBucket := b.Bucket([]byte(value))
		if valBucket == nil {
			return nil
		}
		return valBucket.ForEach(func(k, _ []byte) error {
			out = append(out, binary.BigEndian.Uint64(k))
			return nil
		})
	})
	if err != nil {
		return nil, tkerrors.Wrap(tkerrors.KindIO, err, "index: match tag")
	}
	return out, nil
}

// ReverseLookup returns the SeriesKey for a series-id, if present. Only the
// raw encoded bytes are returned; decoding is lossy (tag order is
// canonicalized), so callers needing the original key should keep it
// separately if exact round-trip matters.
func (idx *Index) ReverseLookup(id uint64) ([]byte, bool, error) {
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], id)
	var enc []byte
	err := idx.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketReverse).Get(idBuf[:])
		if v != nil {
			enc = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, tkerrors.Wrap(tkerrors.KindIO, err, "index: reverse lookup")
	}
	return enc, enc != nil, nil
}

// UpdateTagsValue rewrites the series key for matchedSeries to carry
// newTags, validating first that the rewrite doesn't collide with an
// existing series. When dryRun is true, only the validation runs; no bucket
// is mutated.
func (idx *Index) UpdateTagsValue(newTags []Tag, matchedSeries []uint64, dryRun bool) error {
	return idx.db.Update(func(tx *bbolt.Tx) error {
		fwd := tx.Bucket(bucketForward)
		rev := tx.Bucket(bucketReverse)

		for _, id := range matchedSeries {
			var idBuf [8]byte
			binary.BigEndian.PutUint64(idBuf[:], id)
			oldEnc := rev.Get(idBuf[:])
			if oldEnc == nil {
				return tkerrors.New(tkerrors.KindInvalidArgument, "index: series %d not found", id)
			}
			measurement, _, err := readMeasurement(oldEnc)
			if err != nil {
				return err
			}
			newKey := SeriesKey{Measurement: measurement, Tags: newTags}
			newEnc := newKey.Encode()
			if existing := fwd.Get(newEnc); existing != nil && !bytes.Equal(existing, idBuf[:]) {
				return tkerrors.New(tkerrors.KindInvalidArgument,
					"index: rewriting series %d to new tags collides with series %d", id,
					binary.BigEndian.Uint64(existing))
			}
			if dryRun {
				continue
			}
			if err := fwd.Delete(oldEnc); err != nil {
				return err
			}
			if err := fwd.Put(newEnc, idBuf[:]); err != nil {
				return err
			}
			if err := rev.Put(idBuf[:], newEnc); err != nil {
				return err
			}
			if err := idx.indexTagsLocked(tx, newKey, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func readMeasurement(enc []byte) (string, int, error) {
	if len(enc) < 4 {
		return "", 0, tkerrors.New(tkerrors.KindCorruption, "index: truncated series key")
	}
	n := binary.BigEndian.Uint32(enc[0:4])
	if len(enc) < 4+int(n) {
		return "", 0, tkerrors.New(tkerrors.KindCorruption, "index: truncated measurement")
	}
	return string(enc[4 : 4+n]), 4 + int(n), nil
}
