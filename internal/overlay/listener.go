// Package overlay implements the Overlay Listener: the inbound side of the
// handshake, accepting router-to-router connections on the shared overlay
// port and handing each one to the negotiation state machine (spec §4.2
// "Listener accepts inbound connections").
package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/malbeclabs/yggdrasil-jumperd/internal/handshake"
	"github.com/malbeclabs/yggdrasil-jumperd/internal/types"
)

// Handler is invoked once per accepted, whitelisted connection; it owns
// conn and must close it before returning.
type Handler func(ctx context.Context, conn net.Conn, remote netip.AddrPort)

// Listener accepts inbound overlay connections on ListenPort (spec §4.2,
// grounded on original_source/src/overlay.rs's `listen`).
type Listener struct {
	ListenPort uint16
	Whitelist  func(net.IP) bool // nil means accept everyone
	Handler    Handler
	Log        *slog.Logger
}

// Run binds an IPv6 listener on ListenPort and accepts connections until
// ctx is cancelled, dropping any connection whose remote port doesn't match
// ListenPort or that fails the whitelist (spec §4.2 steps: port match, then
// whitelist).
func (l *Listener) Run(ctx context.Context) error {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}

	lc := net.ListenConfig{
		// SO_REUSEADDR/SO_REUSEPORT let the listener rebind immediately
		// across a daemon restart without waiting out a lingering
		// TIME_WAIT socket on the shared overlay port.
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
	ln, err := lc.Listen(ctx, "tcp6", fmt.Sprintf("[::]:%d", l.ListenPort))
	if err != nil {
		return fmt.Errorf("overlay: listen on port %d: %w", l.ListenPort, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("overlay: accept: %w", err)
			}
		}

		remoteAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
		if !ok {
			conn.Close()
			continue
		}
		if remoteAddr.Port != int(l.ListenPort) {
			log.Debug("overlay: dropping connection from unexpected remote port", "remote", remoteAddr)
			conn.Close()
			continue
		}
		remoteIP, ok := netip.AddrFromSlice(remoteAddr.IP.To16())
		if !ok {
			conn.Close()
			continue
		}
		if l.Whitelist != nil && !l.Whitelist(remoteAddr.IP) {
			log.Debug("overlay: dropping connection from non-whitelisted remote", "remote", remoteAddr)
			conn.Close()
			continue
		}

		remote := netip.AddrPortFrom(remoteIP, uint16(remoteAddr.Port))
		go l.Handler(ctx, conn, remote)
	}
}

// NegotiatingHandler adapts handshake.Negotiate into a Handler, invoking
// onResult with the outcome so the caller can hand a successful result to
// the Bridge Supervisor (spec §4.2's listener-to-negotiation handoff).
func NegotiatingHandler(self func() handshake.Self, externalMappings func() []types.Mapping, traverse handshake.TraverseFunc, onResult func(remote netip.AddrPort, result *handshake.Result, err error), log *slog.Logger) Handler {
	return func(ctx context.Context, conn net.Conn, remote netip.AddrPort) {
		defer conn.Close()
		result, err := handshake.Negotiate(ctx, conn, self(), remote.Addr(), externalMappings, traverse)
		if err != nil && log != nil {
			log.Info("overlay: inbound handshake failed", "remote", remote, "err", err)
		}
		onResult(remote, result, err)
	}
}
