package traversal

import (
	"context"
	"log/slog"
	"net"

	"github.com/pion/stun/v3"

	"github.com/malbeclabs/yggdrasil-jumperd/internal/stunengine"
)

// Listener owns one shared local UDP socket (per IP family) and dispatches
// any inbound jmpr-tagged STUN packet to the session registered for it
// (spec §4.4: "parallel listeners... deliver any matching packets into a
// per-session inbound channel registered in active_inet_traversal").
type Listener struct {
	conn     *net.UDPConn
	registry *Registry
	log      *slog.Logger
}

// NewListener wraps conn, dispatching into registry.
func NewListener(conn *net.UDPConn, registry *Registry, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{conn: conn, registry: registry, log: log}
}

// Run reads datagrams off the socket until ctx is cancelled, dispatching
// any that carry a registered session's transaction-id prefix.
func (l *Listener) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()

	buf := make([]byte, 1500)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Debug("traversal listener read error", "err", err)
			continue
		}
		if n < 20 {
			continue
		}
		raw := append([]byte(nil), buf[:n]...)
		m := &stun.Message{Raw: raw}
		if err := m.Decode(); err != nil {
			continue
		}
		sessionID, ok := stunengine.HasSessionPrefix(m.TransactionID)
		if !ok {
			continue
		}
		l.registry.Dispatch(sessionID, Packet{Data: raw, From: from.String()})
	}
}
