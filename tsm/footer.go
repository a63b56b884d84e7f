package tsm

import "encoding/binary"

// FooterMagic closes out a TSM file: "TSM1" in big-endian bytes.
var FooterMagic = [4]byte{'T', 'S', 'M', '1'}

// FooterLen is the fixed trailing footer size: index offset, bloom offset,
// magic.
const FooterLen = 8 + 8 + 4

// footer is the fixed-size trailer pointing at the index and bloom filter
// sections, so a reader can open a file by seeking to the end first.
type footer struct {
	indexOffset int64
	bloomOffset int64
}

func encodeFooter(f footer) []byte {
	buf := make([]byte, FooterLen)
	binary.BigEndian.PutUint64(buf[0:8], uint64(f.indexOffset))
	binary.BigEndian.PutUint64(buf[8:16], uint64(f.bloomOffset))
	copy(buf[16:20], FooterMagic[:])
	return buf
}

func decodeFooter(buf []byte) (footer, bool) {
	if len(buf) != FooterLen {
		return footer{}, false
	}
	if buf[16] != FooterMagic[0] || buf[17] != FooterMagic[1] || buf[18] != FooterMagic[2] || buf[19] != FooterMagic[3] {
		return footer{}, false
	}
	return footer{
		indexOffset: int64(binary.BigEndian.Uint64(buf[0:8])),
		bloomOffset: int64(binary.BigEndian.Uint64(buf[8:16])),
	}, true
}
