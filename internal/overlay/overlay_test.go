package overlay

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp6", "[::]:0")
	require.NoError(t, err)
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func TestListenerAcceptsAndInvokesHandler(t *testing.T) {
	port := freePort(t)

	accepted := make(chan netip.AddrPort, 1)
	l := &Listener{
		ListenPort: port,
		Handler: func(ctx context.Context, conn net.Conn, remote netip.AddrPort) {
			defer conn.Close()
			accepted <- remote
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		close(ready)
		errc <- l.Run(ctx)
	}()
	<-ready
	time.Sleep(20 * time.Millisecond) // let the listener bind

	var d net.Dialer
	d.LocalAddr = &net.TCPAddr{Port: int(port)}
	conn, err := d.DialContext(context.Background(), "tcp6", net.JoinHostPort("::1", strconv.Itoa(int(port))))
	require.NoError(t, err)
	defer conn.Close()

	select {
	case remote := <-accepted:
		assert.Equal(t, int(port), int(remote.Port()))
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	cancel()
	<-errc
}

func TestListenerDropsConnectionFromUnexpectedPort(t *testing.T) {
	port := freePort(t)

	var calls int
	var mu sync.Mutex
	l := &Listener{
		ListenPort: port,
		Handler: func(ctx context.Context, conn net.Conn, remote netip.AddrPort) {
			mu.Lock()
			calls++
			mu.Unlock()
			conn.Close()
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	// Dial from an ephemeral local port, which will not match ListenPort.
	conn, err := net.Dial("tcp6", net.JoinHostPort("::1", strconv.Itoa(int(port))))
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	got := calls
	mu.Unlock()
	assert.Equal(t, 0, got, "handler must not run for a connection whose remote port does not match ListenPort")

	cancel()
	<-errc
}

func TestListenerDropsConnectionFailingWhitelist(t *testing.T) {
	port := freePort(t)

	var calls int
	var mu sync.Mutex
	l := &Listener{
		ListenPort: port,
		Whitelist:  func(ip net.IP) bool { return false },
		Handler: func(ctx context.Context, conn net.Conn, remote netip.AddrPort) {
			mu.Lock()
			calls++
			mu.Unlock()
			conn.Close()
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	var d net.Dialer
	d.LocalAddr = &net.TCPAddr{Port: int(port)}
	conn, err := d.DialContext(context.Background(), "tcp6", net.JoinHostPort("::1", strconv.Itoa(int(port))))
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	got := calls
	mu.Unlock()
	assert.Equal(t, 0, got, "handler must not run for a non-whitelisted remote")

	cancel()
	<-errc
}
