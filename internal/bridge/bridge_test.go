package bridge

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKcpConvDeterministicNonZero(t *testing.T) {
	a := kcpConv(5, 9)
	b := kcpConv(9, 5)
	assert.Equal(t, a, b)
	assert.NotZero(t, a)

	assert.Equal(t, uint32(1), kcpConv(7, 7))
}

func TestSchemeHostParsesMatchingScheme(t *testing.T) {
	host, err := schemeHost("tcp://127.0.0.1:4000", "tcp")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4000", host)

	_, err = schemeHost("tls://127.0.0.1:4000", "tcp")
	assert.Error(t, err)

	_, err = schemeHost("not-a-uri", "tcp")
	assert.Error(t, err)
}

func TestRelayTCPForwardsBothDirections(t *testing.T) {
	aIn, aOut := net.Pipe()
	bIn, bOut := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- relayTCP(ctx, aOut, bOut, discardLogger()) }()

	go func() { _, _ = aIn.Write([]byte("hello")) }()
	buf := make([]byte, 5)
	_, err := io.ReadFull(bIn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	go func() { _, _ = bIn.Write([]byte("world")) }()
	buf2 := make([]byte, 5)
	_, err = io.ReadFull(aIn, buf2)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf2))

	aIn.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relayTCP did not observe closed connection")
	}
}

type fakeActiveSessions struct {
	bridged map[string]bool
}

func newFakeActiveSessions() *fakeActiveSessions {
	return &fakeActiveSessions{bridged: map[string]bool{}}
}

func (f *fakeActiveSessions) TryInsertBridge(addr net.IP) bool {
	key := addr.String()
	if f.bridged[key] {
		return false
	}
	f.bridged[key] = true
	return true
}

func (f *fakeActiveSessions) Remove(addr net.IP) { delete(f.bridged, addr.String()) }

func TestActiveSessionsRefusesDuplicateBridge(t *testing.T) {
	s := newFakeActiveSessions()
	addr := net.ParseIP("200::1")
	assert.True(t, s.TryInsertBridge(addr))
	assert.False(t, s.TryInsertBridge(addr))
	s.Remove(addr)
	assert.True(t, s.TryInsertBridge(addr))
}
