package adminapi

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRouter serves the admin-socket JSON envelope protocol over a single
// accepted connection, answering each request from a caller-provided table.
type fakeRouter struct {
	ln   net.Listener
	resp map[string]response
}

func newFakeRouter(t *testing.T, resp map[string]response) *fakeRouter {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	r := &fakeRouter{ln: ln, resp: resp}
	go r.serve()
	t.Cleanup(func() { ln.Close() })
	return r
}

func (r *fakeRouter) serve() {
	conn, err := r.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp, ok := r.resp[req.Request]
		if !ok {
			resp = response{Status: "error", Error: "unknown request " + req.Request}
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (r *fakeRouter) uri() string {
	return "tcp://" + r.ln.Addr().String()
}

func TestConnectReturnsRouterStateFromGetSelf(t *testing.T) {
	r := newFakeRouter(t, map[string]response{
		"getself": {Status: "success", Response: json.RawMessage(`{"build_version":"0.5.1","address":"200::1"}`)},
	})

	state, err := Connect(context.Background(), []string{r.uri()}, nil, nil, time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, "0.5.1", state.BuildVersion)
	assert.Equal(t, "200::1", state.Address.String())
}

func TestConnectTriesNextURIOnFailure(t *testing.T) {
	good := newFakeRouter(t, map[string]response{
		"getself": {Status: "success", Response: json.RawMessage(`{"build_version":"0.5.1","address":"200::1"}`)},
	})

	state, err := Connect(context.Background(), []string{"tcp://127.0.0.1:1", good.uri()}, nil, nil, 200*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, "200::1", state.Address.String())
}

func TestConnectReturnsErrorWhenNoURIAnswers(t *testing.T) {
	_, err := Connect(context.Background(), []string{"tcp://127.0.0.1:1"}, nil, nil, 200*time.Millisecond, nil)
	assert.Error(t, err)
}

func TestEndpointGetSessionsAndPeers(t *testing.T) {
	r := newFakeRouter(t, map[string]response{
		"getself":      {Status: "success", Response: json.RawMessage(`{"build_version":"0.5.1","address":"200::1"}`)},
		"getsessions":  {Status: "success", Response: json.RawMessage(`[{"address":"200::2","key":"abc","uptime":5}]`)},
		"getpeers":     {Status: "success", Response: json.RawMessage(`[{"address":"200::3","remote":"tcp://1.2.3.4:1","up":true}]`)},
		"getnodeinfo":  {Status: "success", Response: json.RawMessage(`{"jumper":"1"}`)},
	})

	state, err := Connect(context.Background(), []string{r.uri()}, nil, nil, time.Second, nil)
	require.NoError(t, err)

	sessions, err := state.Endpoint.GetSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "abc", sessions[0].Key)
	assert.Equal(t, uint64(5), sessions[0].Uptime)

	peers, err := state.Endpoint.GetPeers(context.Background())
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.True(t, peers[0].Up)

	info, err := state.Endpoint.GetNodeInfo(context.Background(), "200::2")
	require.NoError(t, err)
	assert.Equal(t, "1", info["jumper"])
}

func TestEndpointCallSurfacesErrorStatus(t *testing.T) {
	r := newFakeRouter(t, map[string]response{
		"getself": {Status: "success", Response: json.RawMessage(`{"build_version":"0.5.1","address":"200::1"}`)},
		"addpeer": {Status: "error", Error: "already peered"},
	})

	state, err := Connect(context.Background(), []string{r.uri()}, nil, nil, time.Second, nil)
	require.NoError(t, err)

	err = state.Endpoint.AddPeer(context.Background(), "tcp://1.2.3.4:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already peered")
}

func TestPreAddPeerVersionBoundary(t *testing.T) {
	assert.True(t, preAddPeer("0.3.9"))
	assert.True(t, preAddPeer("0.4.4"))
	assert.False(t, preAddPeer("0.4.5"))
	assert.False(t, preAddPeer("0.5.0"))
}

func TestPreQUICVersionBoundary(t *testing.T) {
	assert.True(t, preQUIC("0.4.5"))
	assert.True(t, preQUIC("0.3.0"))
	assert.False(t, preQUIC("0.5.0"))
	assert.False(t, preQUIC("0.6.0"))
}
