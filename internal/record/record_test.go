package record

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	tkerrors "github.com/tskvdb/tskv/errors"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	buf := Encode(V1, Type(7), []byte("hello, "), []byte("world"))
	rec, err := Decode(bytes.NewReader(buf))
	require.NoError(t, err)
	require.Equal(t, V1, rec.Version)
	require.Equal(t, Type(7), rec.Type)
	require.Equal(t, []byte("hello, world"), rec.Data)
}

func TestDecodeDetectsCorruption(t *testing.T) {
	buf := Encode(V1, Type(1), []byte("payload"))
	buf[len(buf)-1] ^= 0xff // flip a bit in the trailing crc32
	_, err := Decode(bytes.NewReader(buf))
	require.Error(t, err)
	require.Equal(t, tkerrors.KindCorruption, tkerrors.GetKind(err))
}

func TestDecodeEOF(t *testing.T) {
	_, err := Decode(bytes.NewReader(nil))
	require.True(t, tkerrors.IsEOF(err))
}

func TestWriterReaderSkipsCorruptRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	w, err := Create(path)
	require.NoError(t, err)
	_, err = w.Append(V1, Type(1), []byte("good-1"))
	require.NoError(t, err)
	require.NoError(t, w.Sync())

	// Append a second, good record, then corrupt it in place on disk.
	badOff, err := w.Append(V1, Type(1), []byte("bad"))
	require.NoError(t, err)
	require.NoError(t, w.Sync())

	_, err = w.Append(V1, Type(1), []byte("good-2"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff}, badOff+int64(headerLen))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var seen [][]byte
	skipped, err := ReadAll(path, func(rec Record) error {
		seen = append(seen, append([]byte(nil), rec.Data...))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, skipped)
	require.Equal(t, [][]byte{[]byte("good-1"), []byte("good-2")}, seen)
}
