package traversal

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDispatchAndUnregister(t *testing.T) {
	r := NewRegistry()
	ch, unregister := r.Register(42)

	assert.True(t, r.Dispatch(42, Packet{Data: []byte("hi")}))
	select {
	case pkt := <-ch:
		assert.Equal(t, []byte("hi"), pkt.Data)
	case <-time.After(time.Second):
		t.Fatal("packet not delivered")
	}

	assert.False(t, r.Dispatch(7, Packet{Data: []byte("nope")}))

	unregister()
	assert.False(t, r.Dispatch(42, Packet{Data: []byte("late")}))
}

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func pump(t *testing.T, conn *net.UDPConn, ch chan<- Packet) {
	t.Helper()
	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			select {
			case ch <- Packet{Data: append([]byte(nil), buf[:n]...), From: from.String()}:
			default:
			}
		}
	}()
}

func TestTraverseSTUNSymmetricSuccess(t *testing.T) {
	connA := listenLoopback(t)
	connB := listenLoopback(t)

	chA := make(chan Packet, 8)
	chB := make(chan Packet, 8)
	pump(t, connA, chA)
	pump(t, connB, chB)

	addrA := connA.LocalAddr().(*net.UDPAddr).AddrPort()
	addrB := connB.LocalAddr().(*net.UDPAddr).AddrPort()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultA := make(chan error, 1)
	resultB := make(chan error, 1)

	go func() {
		_, err := TraverseSTUN(ctx, Params{
			Conn: connA, Remote: addrB, SessionID: 1, SharedSecret: "deadbeefdeadbeef",
			RetryCount: 20, Cycle: 50 * time.Millisecond, Inbound: chA,
		})
		resultA <- err
	}()
	go func() {
		_, err := TraverseSTUN(ctx, Params{
			Conn: connB, Remote: addrA, SessionID: 1, SharedSecret: "deadbeefdeadbeef",
			RetryCount: 20, Cycle: 50 * time.Millisecond, Inbound: chB,
		})
		resultB <- err
	}()

	require.NoError(t, <-resultA)
	require.NoError(t, <-resultB)
}
