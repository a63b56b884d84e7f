package replication

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	env := envelope{Group: "vnode-7", Kind: rpcAppendEntries}
	require.NoError(t, writeFrame(&buf, env))

	var got envelope
	require.NoError(t, readFrame(&buf, &got))
	require.Equal(t, env, got)
}

func TestReadFrameOnTruncatedStreamErrors(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, envelope{Group: "v", Kind: rpcRequestVote}))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-1])

	var got envelope
	require.Error(t, readFrame(truncated, &got))
}

func TestRPCKindStrings(t *testing.T) {
	cases := map[rpcKind]string{
		rpcRequestVote:     "vote",
		rpcAppendEntries:   "append_entries",
		rpcInstallSnapshot: "install_snapshot",
		rpcTimeoutNow:      "timeout_now",
		rpcCopySnapshot:    "copy_snapshot",
	}
	for kind, want := range cases {
		require.Equal(t, want, kind.String())
	}
}
