package wal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAllocatesGapFreeSeq(t *testing.T) {
	dir := t.TempDir()
	w, lastSeq, err := Open(dir, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), lastSeq)

	seq1, err := w.Append("t1", "db1", PrecisionNanosecond, []byte("p1"))
	require.NoError(t, err)
	seq2, err := w.Append("t1", "db1", PrecisionNanosecond, []byte("p2"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq1)
	require.Equal(t, uint64(2), seq2)
	require.NoError(t, w.Close())
}

func TestReopenResumesSeqMonotonically(t *testing.T) {
	dir := t.TempDir()
	w, _, err := Open(dir, 0)
	require.NoError(t, err)
	_, err = w.Append("t1", "db1", PrecisionNanosecond, []byte("p1"))
	require.NoError(t, err)
	_, err = w.Append("t1", "db1", PrecisionNanosecond, []byte("p2"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w2, lastSeq, err := Open(dir, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(2), lastSeq)
	seq3, err := w2.Append("t1", "db1", PrecisionNanosecond, []byte("p3"))
	require.NoError(t, err)
	require.Equal(t, uint64(3), seq3)
	require.NoError(t, w2.Close())
}

func TestReplayAllSkipsAlreadyFlushed(t *testing.T) {
	dir := t.TempDir()
	w, _, err := Open(dir, 0)
	require.NoError(t, err)
	_, err = w.Append("t1", "db1", PrecisionNanosecond, []byte("p1"))
	require.NoError(t, err)
	_, err = w.Append("t1", "db1", PrecisionNanosecond, []byte("p2"))
	require.NoError(t, err)
	_, err = w.Append("t1", "db1", PrecisionNanosecond, []byte("p3"))
	require.NoError(t, err)

	var seen []uint64
	require.NoError(t, w.ReplayAll(1, func(b Batch) error {
		seen = append(seen, b.Seq)
		return nil
	}))
	require.Equal(t, []uint64{2, 3}, seen)
	require.NoError(t, w.Close())
}

func TestTruncateDropsFlushedSegmentsOnly(t *testing.T) {
	dir := t.TempDir()
	// Force a new segment per append so Truncate has more than one segment
	// to reason about.
	w, _, err := Open(dir, 1)
	require.NoError(t, err)
	_, err = w.Append("t1", "db1", PrecisionNanosecond, []byte("p1"))
	require.NoError(t, err)
	_, err = w.Append("t1", "db1", PrecisionNanosecond, []byte("p2"))
	require.NoError(t, err)
	_, err = w.Append("t1", "db1", PrecisionNanosecond, []byte("p3"))
	require.NoError(t, err)

	require.NoError(t, w.Truncate(2))
	require.NoError(t, w.Close())

	w2, lastSeq, err := Open(dir, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(3), lastSeq)

	var seen []uint64
	require.NoError(t, w2.ReplayAll(0, func(b Batch) error {
		seen = append(seen, b.Seq)
		return nil
	}))
	require.Equal(t, []uint64{3}, seen)
	require.NoError(t, w2.Close())
}
