// Package tsm implements the immutable columnar TSM file format: a sequence
// of per-field data blocks, an index of block (offset, time-range) per
// field-id, a bloom filter over the field-ids present, and a footer.
package tsm

import (
	ddzstd "github.com/DataDog/zstd"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	tkerrors "github.com/tskvdb/tskv/errors"
)

// Codec identifies the compressor applied to one block's value payload. The
// tag is preserved bitwise on disk so decompression is always unambiguous
// and lossless, independent of the writer's current default.
type Codec uint8

const (
	// CodecNone stores values uncompressed.
	CodecNone Codec = 0
	// CodecSnappy uses golang/snappy, the default for freshly flushed
	// (level 0) blocks where encode speed matters more than ratio.
	CodecSnappy Codec = 1
	// CodecZstdDataDog uses the cgo DataDog/zstd binding at its default
	// level, used for manually recompressed blocks.
	CodecZstdDataDog Codec = 2
	// CodecZstdKlauspost uses the pure-Go klauspost/compress/zstd encoder at
	// its best-compression level, applied by compaction when a block is
	// being rewritten into a deep (level >= 2) file where read-amplification
	// no longer dominates and ratio is worth the extra CPU.
	CodecZstdKlauspost Codec = 3
)

var klauspostEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
var klauspostDecoder, _ = zstd.NewReader(nil)

// Compress encodes src with the given codec, appending to dst.
func Compress(codec Codec, dst, src []byte) ([]byte, error) {
	switch codec {
	case CodecNone:
		return append(dst, src...), nil
	case CodecSnappy:
		return snappy.Encode(nil, src), nil
	case CodecZstdDataDog:
		out, err := ddzstd.Compress(dst, src)
		if err != nil {
			return nil, tkerrors.Wrap(tkerrors.KindIO, err, "tsm: zstd(datadog) compress")
		}
		return out, nil
	case CodecZstdKlauspost:
		return klauspostEncoder.EncodeAll(src, dst), nil
	default:
		return nil, tkerrors.New(tkerrors.KindCorruption, "tsm: unknown codec tag %d", codec)
	}
}

// Decompress decodes src, previously produced by Compress with codec, into a
// freshly allocated buffer sized hintLen.
func Decompress(codec Codec, src []byte, hintLen int) ([]byte, error) {
	switch codec {
	case CodecNone:
		return append([]byte(nil), src...), nil
	case CodecSnappy:
		out, err := snappy.Decode(make([]byte, 0, hintLen), src)
		if err != nil {
			return nil, tkerrors.Wrap(tkerrors.KindCorruption, err, "tsm: snappy decompress")
		}
		return out, nil
	case CodecZstdDataDog:
		out, err := ddzstd.Decompress(make([]byte, 0, hintLen), src)
		if err != nil {
			return nil, tkerrors.Wrap(tkerrors.KindCorruption, err, "tsm: zstd(datadog) decompress")
		}
		return out, nil
	case CodecZstdKlauspost:
		out, err := klauspostDecoder.DecodeAll(src, make([]byte, 0, hintLen))
		if err != nil {
			return nil, tkerrors.Wrap(tkerrors.KindCorruption, err, "tsm: zstd(klauspost) decompress")
		}
		return out, nil
	default:
		return nil, tkerrors.New(tkerrors.KindCorruption, "tsm: unknown codec tag %d", codec)
	}
}
