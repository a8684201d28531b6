package traversal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/pion/stun/v3"

	"github.com/malbeclabs/yggdrasil-jumperd/internal/stunengine"
)

// ErrTraversalTimeout is returned when a traversal attempt exhausts its
// retry budget without receiving a remote acknowledgement.
var ErrTraversalTimeout = errors.New("traversal: timed out")

// FirewallWarmup is NAT Traversal Engine mode 1: seeds the local router's
// connection-tracking state by repeatedly invoking probe, spaced cycle
// apart, up to retryCount times (spec §4.4 mode 1).
func FirewallWarmup(ctx context.Context, retryCount int, cycle time.Duration, probe func(ctx context.Context) error, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	for i := 0; i < retryCount; i++ {
		if err := probe(ctx); err != nil {
			log.Debug("firewall warmup probe failed", "attempt", i, "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cycle):
		}
	}
	return nil
}

// Params configures a mode-2 Internet STUN ping-pong traversal.
type Params struct {
	Conn         *net.UDPConn
	Remote       netip.AddrPort
	SessionID    uint64
	SharedSecret string
	RetryCount   int
	Cycle        time.Duration
	Inbound      <-chan Packet

	// OnLocalSuccess is invoked once, the first time a valid authenticated
	// request or success response arrives, so the handshake layer can relay a "traversal-succeed"
	// status frame to the peer over the overlay (spec §4.2).
	OnLocalSuccess func()
	// RemoteSucceeded, if non-nil, is closed when the peer's overlay
	// channel reports its own traversal success, letting this side accept
	// early termination.
	RemoteSucceeded <-chan struct{}

	Log *slog.Logger
}

// TraverseSTUN runs NAT Traversal Engine mode 2 (spec §4.4): a symmetric
// four-way handshake carried inside STUN BINDING messages, authenticated by
// a short-term MessageIntegrity credential derived from SharedSecret.
func TraverseSTUN(ctx context.Context, p Params) (net.Addr, error) {
	log := p.Log
	if log == nil {
		log = slog.Default()
	}

	remote := net.UDPAddrFromAddrPort(p.Remote)
	txID := stunengine.SessionTransactionID(p.SessionID)
	integrity := stun.NewShortTermIntegrity(p.SharedSecret)

	ackMode := false
	remoteAckReceived := false
	localSuccessFired := false
	retriesLeft := p.RetryCount
	initialRetries := p.RetryCount

	var lastErr error = ErrTraversalTimeout

	send := func(class stun.MessageClass) error {
		m := &stun.Message{TransactionID: txID, Type: stun.NewType(stun.MethodBinding, class)}
		m.WriteHeader()
		if class == stun.ClassSuccessResponse {
			xor := stun.XORMappedAddress{IP: remote.IP, Port: remote.Port}
			if err := xor.AddTo(m); err != nil {
				return err
			}
		}
		if err := integrity.AddTo(m); err != nil {
			return err
		}
		_, err := p.Conn.WriteToUDP(m.Raw, remote)
		return err
	}

	for retriesLeft > 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if !ackMode {
			if err := send(stun.ClassRequest); err != nil {
				lastErr = fmt.Errorf("traversal: send request: %w", err)
			}
		} else {
			if err := send(stun.ClassSuccessResponse); err != nil {
				lastErr = fmt.Errorf("traversal: send success response: %w", err)
			}
		}
		retriesLeft--

		cycle := time.NewTimer(p.Cycle)
		var pkt Packet
		var from *net.UDPAddr
		var gotPacket bool

		select {
		case <-ctx.Done():
			cycle.Stop()
			return nil, ctx.Err()
		case pkt = <-p.Inbound:
			cycle.Stop()
			gotPacket = true
		case <-p.RemoteSucceededOrNever():
			cycle.Stop()
			if remoteAckReceived {
				return remote, nil
			}
		case <-cycle.C:
		}

		if !gotPacket {
			continue
		}

		addr, err := net.ResolveUDPAddr("udp", pkt.From)
		if err == nil {
			from = addr
		}
		if from != nil && from.String() != remote.String() {
			log.Debug("traversal: remote source changed, re-pointing socket", "old", remote, "new", from)
			remote = from
		}

		m := &stun.Message{Raw: pkt.Data}
		if err := m.Decode(); err != nil {
			continue
		}
		if err := integrity.Check(m); err != nil {
			log.Debug("traversal: dropping packet with invalid integrity", "err", err)
			continue
		}
		gotID, ok := stunengine.HasSessionPrefix(m.TransactionID)
		if !ok || gotID != p.SessionID {
			continue
		}

		switch {
		case m.Type.Class == stun.ClassRequest:
			if !ackMode {
				ackMode = true
				retriesLeft += initialRetries / 2
			}
			if !localSuccessFired {
				localSuccessFired = true
				if p.OnLocalSuccess != nil {
					p.OnLocalSuccess()
				}
			}
		case m.Type.Class == stun.ClassSuccessResponse:
			remoteAckReceived = true
			retriesLeft = 2
			ackMode = true
			if !localSuccessFired {
				localSuccessFired = true
				if p.OnLocalSuccess != nil {
					p.OnLocalSuccess()
				}
			}
		case m.Type.Class == stun.ClassIndication:
			return remote, nil
		}
	}

	if remoteAckReceived {
		return remote, nil
	}
	return nil, lastErr
}

// RemoteSucceededOrNever returns p.RemoteSucceeded, or a channel that never
// fires if none was supplied, so the select above has a uniform shape.
func (p Params) RemoteSucceededOrNever() <-chan struct{} {
	if p.RemoteSucceeded != nil {
		return p.RemoteSucceeded
	}
	return nil
}
