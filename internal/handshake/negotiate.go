package handshake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/malbeclabs/yggdrasil-jumperd/internal/types"
	"github.com/malbeclabs/yggdrasil-jumperd/internal/wire"
)

// HeaderExchangeTimeout is the global cap on the version/capability header
// exchange (spec §4.2, §5).
const HeaderExchangeTimeout = 10 * time.Second

// relayPollInterval bounds how long relayEarlySuccess's status-frame read
// blocks before it re-checks whether the candidate's traversal attempt has
// ended, since deadlineConn only exposes a combined read/write deadline.
const relayPollInterval = 200 * time.Millisecond

// Self describes this side's identity and capabilities for the handshake.
type Self struct {
	OverlayAddress netip.Addr
	Protocols      []types.HeaderRouterProtocol
	IPv4, IPv6     bool
	Rand           uint32
	SecretRand     uint32
	Nonce          *string
}

// deadlineConn is the minimal socket capability the handshake needs: a
// byte stream plus a deadline, matching wire.RWSocket.
type deadlineConn interface {
	io.ReadWriter
	SetDeadline(t time.Time) error
}

// TraverseFunc runs NAT Traversal Engine mode 2 for one negotiated
// candidate and returns the traversed RouterStream on success.
type TraverseFunc func(ctx context.Context, protocol types.PeeringProtocol, local types.Mapping, remoteExternal netip.AddrPort, sessionID uint64, sharedSecret string, onLocalSuccess func(), remoteSucceeded <-chan struct{}) (wire.RouterStream, error)

// Result is what the rendezvous task passes on to the Bridge Supervisor.
type Result struct {
	Protocol   types.PeeringProtocol
	Mode       types.ConnectionMode
	Stream     wire.RouterStream
	Password   string
	HasPassword bool
	// RemoteRand is the peer's Header.Rand, carried through so the Bridge
	// Supervisor can derive a symmetric KCP conversation id without an
	// extra round trip (spec §4.5).
	RemoteRand uint32
}

// Negotiate runs the full handshake state machine over conn (spec §4.2).
// externalMappings returns the current Vec<Mapping> snapshot; remoteOverlay
// is this session's remote overlay address, used for the connection-mode
// tie-break.
func Negotiate(ctx context.Context, conn deadlineConn, self Self, remoteOverlay netip.Addr, externalMappings func() []types.Mapping, traverse TraverseFunc) (*Result, error) {
	if err := conn.SetDeadline(time.Now().Add(HeaderExchangeTimeout)); err != nil {
		return nil, fmt.Errorf("handshake: set deadline: %w", err)
	}

	selfHeader := types.Header{
		Version:    types.VersionPrefix + "0.1",
		Rand:       self.Rand,
		SecretRand: self.SecretRand,
		IPv4:       self.IPv4,
		IPv6:       self.IPv6,
		Protocols:  self.Protocols,
		Nonce:      self.Nonce,
	}
	if err := wire.WriteFrame(conn, selfHeader); err != nil {
		return nil, fmt.Errorf("handshake: send header: %w", err)
	}

	var remoteHeader types.Header
	if err := wire.ReadFrame(conn, &remoteHeader); err != nil {
		return nil, fmt.Errorf("handshake: receive header: %w", err)
	}
	if !types.CompatibleVersion(remoteHeader.Version) {
		return nil, &ErrVersionMismatch{Remote: remoteHeader.Version}
	}

	candidates := candidateOrder(self.Protocols, remoteHeader.Protocols)
	if len(candidates) == 0 {
		return nil, ErrNoCommonProtocol
	}

	// Clear the header-exchange deadline; per-candidate timeouts are
	// controlled by the traversal engine itself (spec §4.2, §5).
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("handshake: clear deadline: %w", err)
	}

	var lastErr error = ErrNoCommonProtocol
	for _, cand := range candidates {
		local, remoteExternal, err := exchangeCandidateAddresses(conn, cand.Self.Protocol, self, remoteHeader, externalMappings)
		if err != nil {
			lastErr = err
			continue
		}

		mode, err := DeriveConnectionMode(cand.Self.Protocol, cand.Self.ServerAvailable, cand.Remote.ServerAvailable, self.OverlayAddress, remoteOverlay)
		if err != nil {
			lastErr = err
			continue
		}

		sessionID := DeriveSessionID(self.Rand, remoteHeader.Rand)
		sharedSecret := DeriveSharedSecret(self.SecretRand, remoteHeader.SecretRand)

		localSuccess := make(chan struct{})
		remoteSucceeded := make(chan struct{})
		relayDone := make(chan struct{})
		relayCtx, cancelRelay := context.WithCancel(ctx)
		go relayEarlySuccess(relayCtx, conn, localSuccess, remoteSucceeded, relayDone)

		stream, err := traverse(ctx, cand.Self.Protocol, local, remoteExternal, sessionID, sharedSecret,
			func() { close(localSuccess) }, remoteSucceeded)
		cancelRelay()
		<-relayDone
		if err != nil {
			lastErr = fmt.Errorf("handshake: traversal for %s failed: %w", cand.Self.Protocol, err)
			continue
		}

		password, hasPassword := DeriveNoncePassword(self.Nonce, remoteHeader.Nonce)
		return &Result{Protocol: cand.Self.Protocol, Mode: mode, Stream: stream, Password: password, HasPassword: hasPassword && mode == types.ModeAny, RemoteRand: remoteHeader.Rand}, nil
	}

	return nil, lastErr
}

// exchangeCandidateAddresses implements spec §4.2 steps 4a-4c: pick a local
// Mapping for protocol (preferring IPv6), exchange external addresses, and
// validate they share an address family.
func exchangeCandidateAddresses(conn deadlineConn, protocol types.PeeringProtocol, self Self, remoteHeader types.Header, externalMappings func() []types.Mapping) (types.Mapping, netip.AddrPort, error) {
	transport := transportFor(protocol)
	var best *types.Mapping
	for _, m := range externalMappings() {
		if m.Transport != transport {
			continue
		}
		if m.External.Addr().Is6() && remoteHeader.IPv6 && self.IPv6 {
			best = &m
			break
		}
		if m.External.Addr().Is4() && remoteHeader.IPv4 && self.IPv4 {
			if best == nil {
				mCopy := m
				best = &mCopy
			}
		}
	}
	if best == nil {
		return types.Mapping{}, netip.AddrPort{}, ErrNoCommonAddressFamily
	}

	if err := wire.WriteFrame(conn, best.External.String()); err != nil {
		return types.Mapping{}, netip.AddrPort{}, fmt.Errorf("handshake: send external address: %w", err)
	}

	remoteExternal, err := readCandidateFrame(conn)
	if err != nil {
		return types.Mapping{}, netip.AddrPort{}, err
	}

	if best.External.Addr().Is4() != remoteExternal.Addr().Is4() {
		return types.Mapping{}, netip.AddrPort{}, ErrIncompatibleFamilies
	}

	return *best, remoteExternal, nil
}

// readCandidateFrame reads frames until one parses as a candidate address,
// discarding stray status frames that arrived early (buffered for the
// relay goroutine to consume is not needed here: a status frame received
// before the address can only be this candidate's own early success, which
// cannot legitimately arrive before the address exchange completes, so it
// is skipped).
func readCandidateFrame(conn deadlineConn) (netip.AddrPort, error) {
	var s string
	for {
		if err := wire.ReadFrame(conn, &s); err != nil {
			return netip.AddrPort{}, fmt.Errorf("handshake: receive external address: %w", err)
		}
		if s != StatusTraversalSucceed {
			break
		}
	}
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("handshake: malformed external address %q: %w", s, err)
	}
	return addr, nil
}

// relayEarlySuccess forwards the local traversal's success signal as a
// status frame to the peer, and concurrently reads status frames off conn,
// closing remoteSucceeded once the peer's own traversal-succeed frame
// arrives, so each side can accept the other's traversal success and stop
// early (spec §4.2). ctx bounds the read loop to this candidate's traversal
// attempt: the caller cancels it once traverse returns, win or lose, so the
// loop doesn't hold conn's read side past this candidate's window.
func relayEarlySuccess(ctx context.Context, conn deadlineConn, localSuccess <-chan struct{}, remoteSucceeded chan<- struct{}, done chan<- struct{}) {
	defer close(done)
	// Restore "no deadline" once this candidate's traversal window ends, so
	// the next candidate's address exchange (or a winning candidate's own
	// caller) isn't handed a conn with a stale, already-expired deadline.
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	var wg sync.WaitGroup
	wg.Add(1)
	// Waiting for this goroutine before returning keeps its WriteFrame call
	// from racing the next candidate's own frame writes on the same conn.
	defer wg.Wait()
	go func() {
		defer wg.Done()
		select {
		case <-localSuccess:
			_ = wire.WriteFrame(conn, StatusTraversalSucceed)
		case <-ctx.Done():
		}
	}()

	for ctx.Err() == nil {
		if err := conn.SetDeadline(time.Now().Add(relayPollInterval)); err != nil {
			return
		}
		var status string
		err := wire.ReadFrame(conn, &status)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}
		if status == StatusTraversalSucceed {
			close(remoteSucceeded)
		}
		return
	}
}

func transportFor(p types.PeeringProtocol) types.Transport {
	if p == types.ProtocolQUIC {
		return types.TransportUDP
	}
	return types.TransportTCP
}
