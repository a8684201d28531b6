// Package bridge implements the Bridge Supervisor: once a session has a
// traversed transport-layer connection, it relays bytes between that
// connection and the local Yggdrasil router socket until either side closes
// or the session's peer/session watch state says to stop (spec §4.5).
package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
)

const udpProxyBufSize = 1500

const tcpRelayBufSize = 1 << 16

// relayTCP implements the buffered bidirectional stream relay used for
// Tcp/Tls candidates (spec §4.5's plain TCP bridge), grounded on the
// fill_buf/consume loop of the original bridge task.
func relayTCP(ctx context.Context, a, b io.ReadWriter, log *slog.Logger) error {
	errc := make(chan error, 2)
	copyOne := func(dst io.Writer, src io.Reader, label string) {
		buf := make([]byte, tcpRelayBufSize)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					errc <- werr
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					log.Debug("relay: peer closed connection", "direction", label)
				}
				errc <- err
				return
			}
		}
	}
	go copyOne(b, a, "ygg->peer")
	go copyOne(a, b, "peer->ygg")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

// relayUDP implements the pure two-goroutine fixed-buffer datagram forwarder
// used for quic candidates (spec §4.5, proxy_udp.rs).
func relayUDP(ctx context.Context, a, b *net.UDPConn, log *slog.Logger) error {
	errc := make(chan error, 2)
	forward := func(from, to *net.UDPConn, label string) {
		buf := make([]byte, udpProxyBufSize)
		for {
			n, err := from.Read(buf)
			if err != nil {
				errc <- err
				return
			}
			if _, err := to.Write(buf[:n]); err != nil {
				errc <- err
				return
			}
			log.Debug("relay: forwarded datagram", "direction", label, "bytes", n)
		}
	}
	go forward(a, b, "peer->ygg")
	go forward(b, a, "ygg->peer")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		return err
	}
}
