package session

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/yggdrasil-jumperd/internal/stunengine"
	"github.com/malbeclabs/yggdrasil-jumperd/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePeersWatch struct {
	changed chan struct{}
	peers   []types.PeerEntry
}

func (f *fakePeersWatch) Changed() <-chan struct{}    { return f.changed }
func (f *fakePeersWatch) Snapshot() []types.PeerEntry { return f.peers }

type fakeSessionsWatch struct {
	changed  chan struct{}
	sessions []types.SessionEntry
}

func (f *fakeSessionsWatch) Changed() <-chan struct{}       { return f.changed }
func (f *fakeSessionsWatch) Snapshot() []types.SessionEntry { return f.sessions }

func monitorWithMapping() *stunengine.Monitor {
	m := stunengine.NewMonitor(nil, nil, false, time.Hour, nil, discardLogger())
	return m
}

func addrA() net.IP { return net.ParseIP("200::1") }
func addrB() net.IP { return net.ParseIP("200::2") }

func newTestManager(t *testing.T, rendezvous RendezvousFunc, opts ...Option) (*Manager, *fakeSessionsWatch) {
	t.Helper()
	peers := &fakePeersWatch{changed: make(chan struct{})}
	sessions := &fakeSessionsWatch{changed: make(chan struct{})}
	active := NewActiveSessions()
	cache := NewCache()
	m := NewManager(peers, sessions, monitorWithMapping(), active, cache, rendezvous, append([]Option{WithLogger(discardLogger())}, opts...)...)
	return m, sessions
}

func TestManagerSkipsWhenNoExternalMapping(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	m, sessions := newTestManager(t, func(ctx context.Context, c types.SessionEntry) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	sessions.sessions = []types.SessionEntry{{Address: addrA(), Key: "k1"}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	m.Run(ctx, func() {})

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestManagerWhitelistFiltersCandidate(t *testing.T) {
	m, sessions := newTestManager(t, func(ctx context.Context, c types.SessionEntry) {
		t.Fatal("rendezvous should not run for a non-whitelisted candidate")
	}, WithWhitelist(NewWhitelist([]net.IP{addrB()})))
	sessions.sessions = []types.SessionEntry{{Address: addrA(), Key: "k1"}}

	m.spawnEligible(context.Background(), func() {})
}

func TestManagerSpawnsEligibleCandidateOnce(t *testing.T) {
	spawned := make(chan types.SessionEntry, 2)
	block := make(chan struct{})
	m, sessions := newTestManager(t, func(ctx context.Context, c types.SessionEntry) {
		spawned <- c
		<-block
	})
	sessions.sessions = []types.SessionEntry{{Address: addrA(), Key: "k1"}}

	m.spawnEligible(context.Background(), func() {})
	m.spawnEligible(context.Background(), func() {}) // duplicate insert must be refused

	select {
	case c := <-spawned:
		assert.Equal(t, "k1", c.Key)
	case <-time.After(time.Second):
		t.Fatal("expected a rendezvous spawn")
	}

	select {
	case <-spawned:
		t.Fatal("candidate should only be spawned once while active")
	case <-time.After(20 * time.Millisecond):
	}
	close(block)
}

func TestManagerDropsCandidateAlreadyUpPeerWhenAvoidingRedundantPeering(t *testing.T) {
	m, sessions := newTestManager(t, func(ctx context.Context, c types.SessionEntry) {
		t.Fatal("rendezvous should not run for an already-up peer")
	}, WithAvoidRedundantPeering(true))
	m.peers = &fakePeersWatch{changed: make(chan struct{}), peers: []types.PeerEntry{{Address: addrA(), Up: true}}}
	sessions.sessions = []types.SessionEntry{{Address: addrA(), Key: "k1"}}

	m.spawnEligible(context.Background(), func() {})
}

func TestManagerDropsCandidateMarkedJumperUnsupported(t *testing.T) {
	m, sessions := newTestManager(t, func(ctx context.Context, c types.SessionEntry) {
		t.Fatal("rendezvous should not run once marked jumper-unsupported")
	})
	m.cache.SetJumperSupported(addrA(), false)
	sessions.sessions = []types.SessionEntry{{Address: addrA(), Key: "k1"}}

	m.spawnEligible(context.Background(), func() {})
}

func TestManagerDropsCandidateAtFailureLimit(t *testing.T) {
	m, sessions := newTestManager(t, func(ctx context.Context, c types.SessionEntry) {
		t.Fatal("rendezvous should not run once the failure limit is reached")
	}, WithFailedTraversalLimit(2))
	m.cache.RecordTraversalFailure(addrA())
	m.cache.RecordTraversalFailure(addrA())
	sessions.sessions = []types.SessionEntry{{Address: addrA(), Key: "k1"}}

	m.spawnEligible(context.Background(), func() {})
}

type fakeNodeInfo struct {
	info map[string]map[string]string
}

func (f *fakeNodeInfo) GetNodeInfo(ctx context.Context, key string) (map[string]string, error) {
	return f.info[key], nil
}

func TestManagerOnlyPeersAdvertisingJumperGate(t *testing.T) {
	info := &fakeNodeInfo{info: map[string]map[string]string{
		"k1": {"jumper": ProtocolVersion},
		"k2": {},
	}}
	var spawnedKeys []string
	var mu sync.Mutex
	block := make(chan struct{})
	m, sessions := newTestManager(t, func(ctx context.Context, c types.SessionEntry) {
		mu.Lock()
		spawnedKeys = append(spawnedKeys, c.Key)
		mu.Unlock()
		<-block
	}, WithOnlyPeersAdvertisingJumper(true), WithNodeInfo(info))
	sessions.sessions = []types.SessionEntry{
		{Address: addrA(), Key: "k1"},
		{Address: addrB(), Key: "k2"},
	}

	m.spawnEligible(context.Background(), func() {})
	time.Sleep(20 * time.Millisecond)
	close(block)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, spawnedKeys, 1)
	assert.Equal(t, "k1", spawnedKeys[0])
}

func TestInactivityWindowDetectsIdlePeriod(t *testing.T) {
	assert.False(t, inactivityWindow(5*time.Second, time.Minute, 10*time.Second))
	assert.True(t, inactivityWindow(time.Minute+2*time.Second, time.Minute, 10*time.Second))
	assert.False(t, inactivityWindow(time.Minute+30*time.Second, time.Minute, 10*time.Second))
}

func TestAlignmentDelayWrapsToNextBoundary(t *testing.T) {
	d := alignmentDelay(90*time.Second, true, time.Minute)
	assert.Equal(t, 30*time.Second, d)
}
