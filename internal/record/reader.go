package record

import (
	"bufio"
	"os"

	tkerrors "github.com/tskvdb/tskv/errors"
)

// Reader sequentially decodes records from a file, skipping over corrupt
// ones so that a single damaged record can never poison recovery of the
// rest of the file.
type Reader struct {
	f   *os.File
	buf *bufio.Reader
}

// Open opens path for sequential record reads.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, tkerrors.Wrap(tkerrors.KindIO, err, "record: open %s", path)
	}
	return &Reader{f: f, buf: bufio.NewReader(f)}, nil
}

// Next decodes and returns the next record. It returns an error with
// KindEOF when the stream is exhausted cleanly. On a KindCorruption error
// the caller should call Next again to resume scanning after the damaged
// record; Next itself does not silently retry because callers (e.g. the
// tombstone loader) want to observe and log the corruption.
func (r *Reader) Next() (Record, error) {
	return Decode(r.buf)
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	if err := r.f.Close(); err != nil {
		return tkerrors.Wrap(tkerrors.KindIO, err, "record: close")
	}
	return nil
}

// ReadAll decodes every record in the file, invoking fn for each one that
// passes CRC validation and silently skipping (but counting) the ones that
// don't. It returns the count of skipped/corrupt records.
func ReadAll(path string, fn func(Record) error) (skipped int, err error) {
	r, err := Open(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	for {
		rec, err := r.Next()
		if err != nil {
			if tkerrors.IsEOF(err) {
				return skipped, nil
			}
			if tkerrors.GetKind(err) == tkerrors.KindCorruption {
				skipped++
				continue
			}
			return skipped, err
		}
		if err := fn(rec); err != nil {
			return skipped, err
		}
	}
}
