package wire

import (
	"net"
	"time"
)

// RWSocket is the capability trait implemented by both concrete traversed
// socket kinds: write the whole buffer, read into a buffer, and report
// whether the underlying transport is unreliable (spec §9 design note on
// dynamic dispatch over sockets — a tagged union plus a shared capability
// interface rather than a single dynamic-dispatch value).
type RWSocket interface {
	io_ReadWriter
	// IsUnreliable reports whether datagrams on this socket may be lost or
	// reordered (true for UDP, false for TCP/TLS streams).
	IsUnreliable() bool
	SetDeadline(t time.Time) error
	Close() error
}

type io_ReadWriter interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// TCPSocket adapts a *net.TCPConn to RWSocket.
type TCPSocket struct{ Conn *net.TCPConn }

func (s TCPSocket) Read(p []byte) (int, error)  { return s.Conn.Read(p) }
func (s TCPSocket) Write(p []byte) (int, error) { return s.Conn.Write(p) }
func (s TCPSocket) IsUnreliable() bool          { return false }
func (s TCPSocket) SetDeadline(t time.Time) error { return s.Conn.SetDeadline(t) }
func (s TCPSocket) Close() error                { return s.Conn.Close() }

// UDPSocket adapts a connected *net.UDPConn to RWSocket.
type UDPSocket struct{ Conn *net.UDPConn }

func (s UDPSocket) Read(p []byte) (int, error)  { return s.Conn.Read(p) }
func (s UDPSocket) Write(p []byte) (int, error) { return s.Conn.Write(p) }
func (s UDPSocket) IsUnreliable() bool          { return true }
func (s UDPSocket) SetDeadline(t time.Time) error { return s.Conn.SetDeadline(t) }
func (s UDPSocket) Close() error                { return s.Conn.Close() }

// RouterStream is the tagged union the NAT Traversal Engine hands to the
// Bridge Supervisor: either a connected TCP stream or a connected UDP
// socket, carrying the traversed remote address alongside.
type RouterStream struct {
	Socket RWSocket
	Remote net.Addr
}
