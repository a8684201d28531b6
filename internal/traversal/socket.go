package traversal

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// DialReusable opens a UDP socket bound to local's port with SO_REUSEADDR
// and SO_REUSEPORT set, then connects it to remote. Binding with port reuse
// lets a dedicated per-session data socket share the local port the shared
// STUN probing listener is already bound to: once mode 2 traversal has
// punched the NAT, Linux routes subsequent datagrams from that specific
// remote peer to the more specific connected 4-tuple rather than to the
// listener's wildcard-remote socket (spec §4.4's traversal hand-off to the
// Bridge Supervisor's relay).
func DialReusable(ctx context.Context, local netip.AddrPort, remote net.Addr) (*net.UDPConn, error) {
	d := net.Dialer{
		LocalAddr: net.UDPAddrFromAddrPort(local),
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	conn, err := d.DialContext(ctx, "udp", remote.String())
	if err != nil {
		return nil, err
	}
	return conn.(*net.UDPConn), nil
}

// ListenReusable opens the shared per-family STUN probing socket on port
// with SO_REUSEADDR/SO_REUSEPORT set, so per-session DialReusable sockets
// on the same port can later be opened alongside it.
func ListenReusable(network string, port uint16) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	addr := ":" + strconv.Itoa(int(port))
	if network == "udp6" {
		addr = "[::]:" + strconv.Itoa(int(port))
	}
	conn, err := lc.ListenPacket(context.Background(), network, addr)
	if err != nil {
		return nil, err
	}
	return conn.(*net.UDPConn), nil
}
