package replication

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	tkerrors "github.com/tskvdb/tskv/errors"
	"github.com/tskvdb/tskv/metrics"
)

// rpcKind tags the payload that follows an envelope on the wire.
type rpcKind byte

const (
	rpcRequestVote rpcKind = iota + 1
	rpcAppendEntries
	rpcInstallSnapshot
	rpcTimeoutNow
	rpcCopySnapshot
)

func (k rpcKind) String() string {
	switch k {
	case rpcRequestVote:
		return "vote"
	case rpcAppendEntries:
		return "append_entries"
	case rpcInstallSnapshot:
		return "install_snapshot"
	case rpcTimeoutNow:
		return "timeout_now"
	case rpcCopySnapshot:
		return "copy_snapshot"
	default:
		return "unknown"
	}
}

// envelope tags every RPC frame with the replica group (or, for
// rpcCopySnapshot, the vnode id) it belongs to, so one pooled TCP connection
// can carry traffic for every raft group and every non-raft copy the
// process hosts instead of opening one connection per group.
type envelope struct {
	Group string
	Kind  rpcKind
}

// writeFrame/readFrame length-prefix every gob value crossing the wire.
// gob's Decoder is free to read ahead of what one Decode call consumes, so
// two gob values written back-to-back and decoded with independent
// Decoders risk the second decode silently reading bytes the first one
// already buffered; length-prefixing removes that hazard and also gives
// InstallSnapshot's body stream an unambiguous starting offset on conn.
func writeFrame(w io.Writer, v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return tkerrors.Wrap(tkerrors.KindReplication, err, "replication: encode frame")
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(buf.Len()))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return tkerrors.Wrap(tkerrors.KindReplication, err, "replication: write frame length")
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return tkerrors.Wrap(tkerrors.KindReplication, err, "replication: write frame body")
	}
	return nil
}

func readFrame(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return tkerrors.Wrap(tkerrors.KindReplication, err, "replication: read frame body")
	}
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// Hub owns one listener and one lazily-dialled, address-keyed connection
// pool shared by every replica group registered on it, generalizing
// hashicorp/raft's own per-pair NetworkTransport to a process hosting many
// raft groups at once.
type Hub struct {
	localAddr raft.ServerAddress
	timeout   time.Duration
	metrics   *metrics.Registry

	mu        sync.Mutex
	idle      map[raft.ServerAddress][]net.Conn
	groups    map[string]*GroupTransport
	receivers map[string]*Receiver
	closed    bool

	ln net.Listener
}

// NewHub listens on localAddr and starts accepting RPCs for whatever groups
// and receivers get registered on it afterward.
func NewHub(localAddr string, timeout time.Duration, reg *metrics.Registry) (*Hub, error) {
	ln, err := net.Listen("tcp", localAddr)
	if err != nil {
		return nil, tkerrors.Wrap(tkerrors.KindIO, err, "replication: listen %s", localAddr)
	}
	h := &Hub{
		localAddr: raft.ServerAddress(ln.Addr().String()),
		timeout:   timeout,
		metrics:   reg,
		idle:      make(map[raft.ServerAddress][]net.Conn),
		groups:    make(map[string]*GroupTransport),
		receivers: make(map[string]*Receiver),
		ln:        ln,
	}
	go h.acceptLoop()
	return h, nil
}

func (h *Hub) acceptLoop() {
	for {
		conn, err := h.ln.Accept()
		if err != nil {
			return
		}
		go h.serve(conn)
	}
}

// serve handles every envelope arriving on one inbound connection until the
// connection closes or a frame fails to decode. The remote side always
// waits for a response before sending its next frame on this connection, so
// there is at most one in-flight request per conn.
func (h *Hub) serve(conn net.Conn) {
	defer conn.Close()
	for {
		var env envelope
		if err := readFrame(conn, &env); err != nil {
			return
		}
		if env.Kind == rpcCopySnapshot {
			h.mu.Lock()
			recv := h.receivers[env.Group]
			h.mu.Unlock()
			if recv == nil {
				return
			}
			if err := recv.serve(conn); err != nil {
				return
			}
			continue
		}
		h.mu.Lock()
		gt := h.groups[env.Group]
		h.mu.Unlock()
		if gt == nil {
			return // RPC for an unregistered group: nothing can answer it
		}
		if err := gt.serveOne(env.Kind, conn); err != nil {
			return
		}
	}
}

// acquire returns a pooled connection to target, dialling a fresh one if
// the pool is empty.
func (h *Hub) acquire(target raft.ServerAddress) (net.Conn, error) {
	h.mu.Lock()
	if pool := h.idle[target]; len(pool) > 0 {
		conn := pool[len(pool)-1]
		h.idle[target] = pool[:len(pool)-1]
		h.mu.Unlock()
		return conn, nil
	}
	h.mu.Unlock()

	conn, err := net.DialTimeout("tcp", string(target), h.timeout)
	if err != nil {
		return nil, tkerrors.Wrap(tkerrors.KindReplication, err, "replication: dial %s", target)
	}
	return conn, nil
}

// release returns conn to the idle pool for target, or closes it if ok is
// false (the RPC on it failed and the connection's framing can no longer be
// trusted).
func (h *Hub) release(target raft.ServerAddress, conn net.Conn, ok bool) {
	if !ok {
		_ = conn.Close()
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		_ = conn.Close()
		return
	}
	h.idle[target] = append(h.idle[target], conn)
}

func (h *Hub) observeRPC(kind rpcKind, start time.Time, err error) {
	if h.metrics == nil {
		return
	}
	h.metrics.ObserveReplicationRPC(kind.String(), time.Since(start), err)
}

// RegisterReceiver binds vnodeID's non-raft Copy traffic to recv.
func (h *Hub) RegisterReceiver(vnodeID string, recv *Receiver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.receivers[vnodeID] = recv
}

func (h *Hub) UnregisterReceiver(vnodeID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.receivers, vnodeID)
}

// Close closes the listener and every pooled connection.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	for _, pool := range h.idle {
		for _, conn := range pool {
			_ = conn.Close()
		}
	}
	h.idle = nil
	h.mu.Unlock()
	return h.ln.Close()
}

// roundTrip sends kind's envelope plus req to target, reads a response of
// the same shape back, and decodes it into resp.
func (h *Hub) roundTrip(group string, kind rpcKind, target raft.ServerAddress, req, resp interface{}) error {
	start := time.Now()
	conn, err := h.acquire(target)
	if err != nil {
		h.observeRPC(kind, start, err)
		return err
	}

	ok := false
	defer func() { h.release(target, conn, ok) }()

	if err := writeFrame(conn, envelope{Group: group, Kind: kind}); err != nil {
		h.observeRPC(kind, start, err)
		return err
	}
	if err := writeFrame(conn, req); err != nil {
		h.observeRPC(kind, start, err)
		return err
	}

	var rpcErr rpcError
	if err := readFrame(conn, &rpcErr); err != nil {
		err = tkerrors.Wrap(tkerrors.KindReplication, err, "replication: read response header")
		h.observeRPC(kind, start, err)
		return err
	}
	if rpcErr.Message != "" {
		err := tkerrors.New(tkerrors.KindReplication, "replication: remote %s: %s", kind, rpcErr.Message)
		h.observeRPC(kind, start, err)
		return err
	}
	if err := readFrame(conn, resp); err != nil {
		err = tkerrors.Wrap(tkerrors.KindReplication, err, "replication: read response body")
		h.observeRPC(kind, start, err)
		return err
	}
	ok = true
	h.observeRPC(kind, start, nil)
	return nil
}

// rpcError is the length-framed response header every RPC sends ahead of
// its typed response, carrying a remote-side error (if any) as a plain
// string since arbitrary error types don't round-trip through gob.
type rpcError struct {
	Message string
}

func sendError(conn net.Conn, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return writeFrame(conn, rpcError{Message: msg})
}

// GroupTransport implements raft.Transport for exactly one replica group,
// forwarding every outbound RPC through the group's shared Hub and
// receiving inbound RPCs the Hub routes to it by group id.
type GroupTransport struct {
	group string
	hub   *Hub

	consumer    chan raft.RPC
	heartbeat   func(raft.RPC)
	heartbeatMu sync.Mutex
}

// NewGroupTransport returns a raft.Transport for groupID, registering it on
// hub so inbound RPCs addressed to this group are routed here.
func NewGroupTransport(groupID string, hub *Hub) *GroupTransport {
	gt := &GroupTransport{group: groupID, hub: hub, consumer: make(chan raft.RPC, 64)}
	hub.mu.Lock()
	hub.groups[groupID] = gt
	hub.mu.Unlock()
	return gt
}

func (gt *GroupTransport) Consumer() <-chan raft.RPC { return gt.consumer }

func (gt *GroupTransport) LocalAddr() raft.ServerAddress { return gt.hub.localAddr }

func (gt *GroupTransport) AppendEntries(id raft.ServerID, target raft.ServerAddress, args *raft.AppendEntriesRequest, resp *raft.AppendEntriesResponse) error {
	return gt.hub.roundTrip(gt.group, rpcAppendEntries, target, args, resp)
}

func (gt *GroupTransport) RequestVote(id raft.ServerID, target raft.ServerAddress, args *raft.RequestVoteRequest, resp *raft.RequestVoteResponse) error {
	return gt.hub.roundTrip(gt.group, rpcRequestVote, target, args, resp)
}

func (gt *GroupTransport) TimeoutNow(id raft.ServerID, target raft.ServerAddress, args *raft.TimeoutNowRequest, resp *raft.TimeoutNowResponse) error {
	return gt.hub.roundTrip(gt.group, rpcTimeoutNow, target, args, resp)
}

// InstallSnapshot sends args followed by the full contents of data,
// length-prefixed so the receiver's FSM.Restore reads back exactly that
// many bytes and no more.
func (gt *GroupTransport) InstallSnapshot(id raft.ServerID, target raft.ServerAddress, args *raft.InstallSnapshotRequest, resp *raft.InstallSnapshotResponse, data io.Reader) (err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			gt.hub.observeRPC(rpcInstallSnapshot, start, err)
		}
	}()
	conn, err := gt.hub.acquire(target)
	if err != nil {
		return err
	}
	ok := false
	defer func() { gt.hub.release(target, conn, ok) }()

	if err := writeFrame(conn, envelope{Group: gt.group, Kind: rpcInstallSnapshot}); err != nil {
		return err
	}
	if err := writeFrame(conn, args); err != nil {
		return err
	}

	body, err := io.ReadAll(data)
	if err != nil {
		return tkerrors.Wrap(tkerrors.KindReplication, err, "replication: read snapshot body")
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return tkerrors.Wrap(tkerrors.KindReplication, err, "replication: write snapshot body length")
	}
	if _, err := conn.Write(body); err != nil {
		return tkerrors.Wrap(tkerrors.KindReplication, err, "replication: write snapshot body")
	}

	var rpcErr rpcError
	if err := readFrame(conn, &rpcErr); err != nil {
		return tkerrors.Wrap(tkerrors.KindReplication, err, "replication: read snapshot response header")
	}
	if rpcErr.Message != "" {
		return tkerrors.New(tkerrors.KindReplication, "replication: remote install_snapshot: %s", rpcErr.Message)
	}
	if err := readFrame(conn, resp); err != nil {
		return tkerrors.Wrap(tkerrors.KindReplication, err, "replication: read snapshot response body")
	}
	ok = true
	gt.hub.observeRPC(rpcInstallSnapshot, start, nil)
	return nil
}

func (gt *GroupTransport) EncodePeer(id raft.ServerID, addr raft.ServerAddress) []byte {
	return []byte(addr)
}

func (gt *GroupTransport) DecodePeer(buf []byte) raft.ServerAddress { return raft.ServerAddress(buf) }

func (gt *GroupTransport) SetHeartbeatHandler(cb func(rpc raft.RPC)) {
	gt.heartbeatMu.Lock()
	defer gt.heartbeatMu.Unlock()
	gt.heartbeat = cb
}

// AppendEntriesPipeline degrades to one synchronous AppendEntries per
// pipelined call: correct, just without the batching hashicorp/raft's own
// NetworkTransport does. Nothing in the replica group's correctness
// depends on pipelining; it only affects throughput under high write load.
func (gt *GroupTransport) AppendEntriesPipeline(id raft.ServerID, target raft.ServerAddress) (raft.AppendPipeline, error) {
	return &syncPipeline{gt: gt, id: id, target: target, done: make(chan raft.AppendFuture, 16)}, nil
}

// serveOne handles a single decoded-envelope request on conn: it reads the
// length-framed request body, dispatches to the consumer (or heartbeat
// handler), waits for raft's response, and writes it back.
func (gt *GroupTransport) serveOne(kind rpcKind, conn net.Conn) error {
	var cmd interface{}
	var snapshotBody io.Reader
	switch kind {
	case rpcAppendEntries:
		var req raft.AppendEntriesRequest
		if err := readFrame(conn, &req); err != nil {
			return err
		}
		cmd = &req
	case rpcRequestVote:
		var req raft.RequestVoteRequest
		if err := readFrame(conn, &req); err != nil {
			return err
		}
		cmd = &req
	case rpcTimeoutNow:
		var req raft.TimeoutNowRequest
		if err := readFrame(conn, &req); err != nil {
			return err
		}
		cmd = &req
	case rpcInstallSnapshot:
		var req raft.InstallSnapshotRequest
		if err := readFrame(conn, &req); err != nil {
			return err
		}
		cmd = &req
		var lenBuf [4]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		body := make([]byte, n)
		if _, err := io.ReadFull(conn, body); err != nil {
			return err
		}
		snapshotBody = bytes.NewReader(body)
	default:
		return tkerrors.New(tkerrors.KindReplication, "replication: unknown rpc kind %d", kind)
	}

	respChan := make(chan raft.RPCResponse, 1)
	rpc := raft.RPC{Command: cmd, RespChan: respChan, Reader: snapshotBody}

	gt.heartbeatMu.Lock()
	hb := gt.heartbeat
	gt.heartbeatMu.Unlock()
	if hb != nil && kind == rpcAppendEntries {
		hb(rpc)
	} else {
		select {
		case gt.consumer <- rpc:
		default:
			return tkerrors.New(tkerrors.KindResourceExhausted, "replication: consumer channel full for group %s", gt.group)
		}
	}

	rr := <-respChan
	if err := sendError(conn, rr.Error); err != nil {
		return err
	}
	if rr.Error != nil {
		return nil // error already reported to the caller; conn stays open for the next frame
	}
	return writeFrame(conn, rr.Response)
}

// syncPipeline is the degenerate AppendEntriesPipeline described on
// GroupTransport.AppendEntriesPipeline.
type syncPipeline struct {
	gt     *GroupTransport
	id     raft.ServerID
	target raft.ServerAddress
	done   chan raft.AppendFuture
}

func (p *syncPipeline) AppendEntries(args *raft.AppendEntriesRequest, resp *raft.AppendEntriesResponse) (raft.AppendFuture, error) {
	start := time.Now()
	err := p.gt.AppendEntries(p.id, p.target, args, resp)
	fut := &syncAppendFuture{start: start, args: args, resp: resp, err: err}
	select {
	case p.done <- fut:
	default:
	}
	return fut, err
}

func (p *syncPipeline) Consumer() <-chan raft.AppendFuture { return p.done }

func (p *syncPipeline) Close() error { close(p.done); return nil }

type syncAppendFuture struct {
	start time.Time
	args  *raft.AppendEntriesRequest
	resp  *raft.AppendEntriesResponse
	err   error
}

func (f *syncAppendFuture) Error() error                         { return f.err }
func (f *syncAppendFuture) Start() time.Time                     { return f.start }
func (f *syncAppendFuture) Request() *raft.AppendEntriesRequest   { return f.args }
func (f *syncAppendFuture) Response() *raft.AppendEntriesResponse { return f.resp }
