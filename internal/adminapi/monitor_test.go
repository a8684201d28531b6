package adminapi

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/yggdrasil-jumperd/internal/types"
)

// scriptedRouter serves a sequence of get_sessions/get_peers snapshots, one
// per poll cycle, so tests can assert the Monitor republishes only on change.
type scriptedRouter struct {
	ln        net.Listener
	sessions  [][]types.SessionEntry
	peers     [][]types.PeerEntry
}

func newScriptedRouter(t *testing.T, sessions [][]types.SessionEntry, peers [][]types.PeerEntry) *scriptedRouter {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	r := &scriptedRouter{ln: ln, sessions: sessions, peers: peers}
	go r.serve()
	t.Cleanup(func() { ln.Close() })
	return r
}

func (r *scriptedRouter) serve() {
	conn, err := r.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	pollIdx := 0
	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			return
		}
		switch req.Request {
		case "getsessions":
			idx := pollIdx
			if idx >= len(r.sessions) {
				idx = len(r.sessions) - 1
			}
			raw, _ := json.Marshal(wireSessions(r.sessions[idx]))
			enc.Encode(response{Status: "success", Response: raw})
		case "getpeers":
			idx := pollIdx
			if idx >= len(r.peers) {
				idx = len(r.peers) - 1
			}
			raw, _ := json.Marshal(wirePeers(r.peers[idx]))
			enc.Encode(response{Status: "success", Response: raw})
			pollIdx++
		default:
			enc.Encode(response{Status: "error", Error: "unexpected " + req.Request})
		}
	}
}

func wireSessions(in []types.SessionEntry) []wireSessionEntry {
	out := make([]wireSessionEntry, len(in))
	for i, s := range in {
		out[i] = wireSessionEntry{Address: s.Address.String(), Key: s.Key, Uptime: s.Uptime}
	}
	return out
}

func wirePeers(in []types.PeerEntry) []wirePeerEntry {
	out := make([]wirePeerEntry, len(in))
	for i, p := range in {
		addr := ""
		if p.Address != nil {
			addr = p.Address.String()
		}
		out[i] = wirePeerEntry{Address: addr, Remote: p.Remote, Up: p.Up}
	}
	return out
}

func dialScripted(r *scriptedRouter) func(ctx context.Context) (*Endpoint, error) {
	return func(ctx context.Context) (*Endpoint, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", r.ln.Addr().String())
		if err != nil {
			return nil, err
		}
		return newEndpoint(conn), nil
	}
}

func TestMonitorPublishesSnapshotOnChange(t *testing.T) {
	sessionsA := []types.SessionEntry{{Address: net.ParseIP("200::1"), Key: "a", Uptime: 1}}
	sessionsB := []types.SessionEntry{{Address: net.ParseIP("200::1"), Key: "a", Uptime: 1}, {Address: net.ParseIP("200::2"), Key: "b", Uptime: 2}}
	r := newScriptedRouter(t, [][]types.SessionEntry{sessionsA, sessionsB, sessionsB}, [][]types.PeerEntry{{}, {}, {}})

	dial := dialScripted(r)
	ep, err := dial(context.Background())
	require.NoError(t, err)

	m := NewMonitor(ep, dial, 10*time.Millisecond, false, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go m.Run(ctx)

	changed := m.Changed()
	select {
	case <-changed:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected sessions snapshot to change")
	}
	assert.Len(t, m.Snapshot(), 1)
}

func TestMonitorPeersViewSatisfiesDistinctChannel(t *testing.T) {
	peersA := []types.PeerEntry{{Address: net.ParseIP("200::3"), Remote: "tcp://1.2.3.4:1", Up: true}}
	r := newScriptedRouter(t, [][]types.SessionEntry{{}, {}}, [][]types.PeerEntry{{}, peersA})

	dial := dialScripted(r)
	ep, err := dial(context.Background())
	require.NoError(t, err)

	m := NewMonitor(ep, dial, 10*time.Millisecond, false, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go m.Run(ctx)

	view := m.Peers()
	select {
	case <-view.Changed():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected peers snapshot to change")
	}
	require.Len(t, view.Snapshot(), 1)
	assert.True(t, view.Snapshot()[0].Up)
}

func TestMonitorGetNodeInfoDelegatesToEndpoint(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		dec := json.NewDecoder(conn)
		enc := json.NewEncoder(conn)
		var req request
		if err := dec.Decode(&req); err != nil {
			return
		}
		enc.Encode(response{Status: "success", Response: json.RawMessage(`{"jumper":"1"}`)})
	}()

	var d net.Dialer
	conn, err := d.DialContext(context.Background(), "tcp", ln.Addr().String())
	require.NoError(t, err)
	ep := newEndpoint(conn)

	m := NewMonitor(ep, nil, time.Second, false, nil)
	info, err := m.GetNodeInfo(context.Background(), "200::2")
	require.NoError(t, err)
	assert.Equal(t, "1", info["jumper"])
}
