package record

import (
	"bufio"
	"os"

	tkerrors "github.com/tskvdb/tskv/errors"
)

// Writer appends records to a single on-disk file. It is not safe for
// concurrent use; callers needing concurrent append must serialize at a
// higher layer (the tombstone store and the summary log each hold their own
// mutex around their Writer).
type Writer struct {
	f   *os.File
	buf *bufio.Writer
	off int64
}

// Create opens path for append, creating it empty if it does not already
// exist. Nothing is written on open; each appended record carries its own
// Magic.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, tkerrors.Wrap(tkerrors.KindIO, err, "record: create %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, tkerrors.Wrap(tkerrors.KindIO, err, "record: stat %s", path)
	}
	w := &Writer{f: f, buf: bufio.NewWriter(f), off: info.Size()}
	return w, nil
}

// Append writes one record built from version, typ and pieces, returning the
// byte offset it was written at. The record is buffered; call Sync to make
// it durable.
func (w *Writer) Append(version Version, typ Type, pieces ...[]byte) (int64, error) {
	off := w.off
	buf := Encode(version, typ, pieces...)
	n, err := w.buf.Write(buf)
	w.off += int64(n)
	if err != nil {
		return off, tkerrors.Wrap(tkerrors.KindIO, err, "record: append")
	}
	return off, nil
}

// Offset returns the current write offset, i.e. the size the file would have
// if flushed now.
func (w *Writer) Offset() int64 { return w.off }

// Sync flushes buffered data and issues a filesystem durability barrier
// (fsync) before returning success, as required of every record-file writer.
func (w *Writer) Sync() error {
	if err := w.buf.Flush(); err != nil {
		return tkerrors.Wrap(tkerrors.KindIO, err, "record: flush")
	}
	if err := w.f.Sync(); err != nil {
		return tkerrors.Wrap(tkerrors.KindIO, err, "record: fsync")
	}
	return nil
}

// Close flushes, syncs and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.Sync(); err != nil {
		_ = w.f.Close()
		return err
	}
	if err := w.f.Close(); err != nil {
		return tkerrors.Wrap(tkerrors.KindIO, err, "record: close")
	}
	return nil
}
