// Package record implements the length-prefixed, CRC-checked append-only log
// format shared by the WAL, the tombstone sidecar, and the summary edit log.
//
// Record layout:
//
//	magic(4) | version(1) | type(1) | payload_len(4) | payload | crc32(4)
//
// Readers validate the CRC; on mismatch the record is skipped and scanning
// continues so that corruption of one record cannot poison the records that
// follow it. A distinct footer magic (per file type) closes out files that
// carry an index (summary checkpoints, TSM files) so the footer can be told
// apart from an ordinary record.
package record

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	tkerrors "github.com/tskvdb/tskv/errors"
)

// Magic identifies the record stream format. It is written at the start of
// every record, independent of the per-file footer magic.
var Magic = [4]byte{'T', 'K', 'R', 'F'}

const (
	headerLen = 4 + 1 + 1 + 4 // magic + version + type + payload_len
	crcLen    = 4
)

// Version is the on-disk encoding version of a single record.
type Version uint8

// V1 is the only record encoding version defined so far.
const V1 Version = 1

// Type discriminates the payload carried by a record within one stream.
// Each component (WAL, tombstone, summary) defines its own Type constants in
// its own small range; the codec itself is agnostic to their meaning.
type Type uint8

// Record is a single decoded record.
type Record struct {
	Version Version
	Type    Type
	Data    []byte
}

func crcOf(version Version, typ Type, payloadLen uint32, payload []byte) uint32 {
	c := crc32.NewIEEE()
	var hdr [6]byte
	hdr[0] = byte(version)
	hdr[1] = byte(typ)
	binary.BigEndian.PutUint32(hdr[2:6], payloadLen)
	_, _ = c.Write(hdr[:])
	_, _ = c.Write(payload)
	return c.Sum32()
}

// Encode serializes a single record into buf, returning the full encoded
// record (magic through trailing crc32) ready to be appended to a stream.
// pieces are concatenated to form the payload, so callers can assemble a
// record out of several already-encoded fields without an intermediate copy.
func Encode(version Version, typ Type, pieces ...[]byte) []byte {
	payloadLen := 0
	for _, p := range pieces {
		payloadLen += len(p)
	}
	buf := make([]byte, headerLen+payloadLen+crcLen)
	copy(buf[0:4], Magic[:])
	buf[4] = byte(version)
	buf[5] = byte(typ)
	binary.BigEndian.PutUint32(buf[6:10], uint32(payloadLen))
	off := headerLen
	for _, p := range pieces {
		off += copy(buf[off:], p)
	}
	payload := buf[headerLen : headerLen+payloadLen]
	crc := crcOf(version, typ, uint32(payloadLen), payload)
	binary.BigEndian.PutUint32(buf[off:], crc)
	return buf
}

// Decode reads exactly one record starting at the head of r. It returns
// tkerrors.ErrEOF (KindEOF) when the stream ends cleanly between
// records. A CRC mismatch is reported as a KindCorruption error; callers
// performing recovery should skip the record and keep scanning rather than
// aborting.
func Decode(r io.Reader) (Record, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return Record{}, tkerrors.ErrEOF
		}
		return Record{}, tkerrors.Wrap(tkerrors.KindIO, err, "record: read header")
	}
	if hdr[0] != Magic[0] || hdr[1] != Magic[1] || hdr[2] != Magic[2] || hdr[3] != Magic[3] {
		return Record{}, tkerrors.New(tkerrors.KindCorruption, "record: bad magic %x", hdr[0:4])
	}
	version := Version(hdr[4])
	typ := Type(hdr[5])
	payloadLen := binary.BigEndian.Uint32(hdr[6:10])

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Record{}, tkerrors.New(tkerrors.KindCorruption, "record: truncated payload")
		}
		return Record{}, tkerrors.Wrap(tkerrors.KindIO, err, "record: read payload")
	}

	var crcBuf [crcLen]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return Record{}, tkerrors.New(tkerrors.KindCorruption, "record: truncated crc")
	}
	wantCRC := binary.BigEndian.Uint32(crcBuf[:])
	gotCRC := crcOf(version, typ, payloadLen, payload)
	if wantCRC != gotCRC {
		return Record{}, tkerrors.New(tkerrors.KindCorruption,
			"record: crc mismatch, want %x got %x", wantCRC, gotCRC)
	}
	return Record{Version: version, Type: typ, Data: payload}, nil
}

// EncodedLen returns the on-disk size of a record carrying payloadLen bytes.
func EncodedLen(payloadLen int) int {
	return headerLen + payloadLen + crcLen
}
