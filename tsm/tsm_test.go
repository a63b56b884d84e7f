package tsm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "_000001.tsm")

	w, err := Create(path, 4, CodecSnappy)
	require.NoError(t, err)
	require.NoError(t, w.WriteBlock(100, []Value{
		{Timestamp: 1, Type: ValueFloat, Float: 1.5},
		{Timestamp: 5, Type: ValueFloat, Float: 2.5},
		{Timestamp: 9, Type: ValueFloat, Float: 3.5},
	}))
	require.NoError(t, w.WriteBlock(200, []Value{
		{Timestamp: 2, Type: ValueInteger, Integer: -7},
	}))
	minTS, maxTS, err := w.Close()
	require.NoError(t, err)
	require.Equal(t, int64(1), minTS)
	require.Equal(t, int64(9), maxTS)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	require.True(t, r.ContainsField(100))
	require.True(t, r.ContainsField(200))
	require.False(t, r.ContainsField(999))

	blocks := r.BlocksForField(100, 0, 100)
	require.Len(t, blocks, 1)
	block, err := r.ReadBlock(blocks[0])
	require.NoError(t, err)
	require.Equal(t, uint64(100), block.FieldID)
	require.Len(t, block.Values, 3)
	require.Equal(t, 2.5, block.Values[1].Float)

	require.ElementsMatch(t, []uint64{100, 200}, r.FieldIDs())
}

func TestWriterRejectsUnsortedBlock(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(filepath.Join(dir, "_000002.tsm"), 1, CodecSnappy)
	require.NoError(t, err)
	err = w.WriteBlock(1, []Value{
		{Timestamp: 9, Type: ValueFloat, Float: 1},
		{Timestamp: 1, Type: ValueFloat, Float: 2},
	})
	require.Error(t, err)
}

func TestSortAndDedupLastWriterWins(t *testing.T) {
	values := []Value{
		{Timestamp: 5, Integer: 1, Type: ValueInteger},
		{Timestamp: 1, Integer: 2, Type: ValueInteger},
		{Timestamp: 5, Integer: 3, Type: ValueInteger},
	}
	out := SortAndDedup(values)
	require.Len(t, out, 2)
	require.Equal(t, int64(1), out[0].Timestamp)
	require.Equal(t, int64(5), out[1].Timestamp)
	require.Equal(t, int64(3), out[1].Integer)
}

func TestCodecRoundTrip(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecSnappy, CodecZstdDataDog, CodecZstdKlauspost} {
		src := []byte("the quick brown fox jumps over the lazy dog, repeatedly, for compression to matter")
		compressed, err := Compress(codec, nil, src)
		require.NoError(t, err)
		out, err := Decompress(codec, compressed, len(src))
		require.NoError(t, err)
		require.Equal(t, src, out)
	}
}
