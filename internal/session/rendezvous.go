package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/malbeclabs/yggdrasil-jumperd/internal/bridge"
	"github.com/malbeclabs/yggdrasil-jumperd/internal/cancel"
	"github.com/malbeclabs/yggdrasil-jumperd/internal/handshake"
	"github.com/malbeclabs/yggdrasil-jumperd/internal/stunengine"
	"github.com/malbeclabs/yggdrasil-jumperd/internal/traversal"
	"github.com/malbeclabs/yggdrasil-jumperd/internal/types"
	"github.com/malbeclabs/yggdrasil-jumperd/internal/wire"
)

// RendezvousParams configures one Rendezvous Task run, everything it needs
// to carry a single candidate from "eligible" through traversal and into
// the Bridge Supervisor (spec §4.1 steps 1-6, §4.4 mode 1/2, §4.5).
type RendezvousParams struct {
	Self       handshake.Self
	External   *stunengine.Monitor
	Registry   *traversal.Registry
	ListenUDP4 *net.UDPConn
	ListenUDP6 *net.UDPConn

	FirewallRetryCount int
	FirewallCycle      time.Duration
	TraversalRetryCount int
	TraversalCycle      time.Duration

	InactivityDelayPeriod time.Duration
	InactivityDelay       time.Duration
	AlignUptimeTimeout    time.Duration

	DialOverlay func(ctx context.Context, addr net.IP) (net.Conn, error)

	Cache *Cache

	YggdrasilListen      []string
	LossyShortcut        bool
	UDPMTU               int
	FallbackToReliable   bool
	PeerUnconnectedCheckDelay time.Duration
	Whitelist            func(net.IP) bool

	Admin    bridge.AdminClient
	Peers    bridge.PeersWatch
	Sessions bridge.SessionsWatch
	BridgeSessions bridge.ActiveSessions

	// Root issues a fresh Active token per bridge, held for that bridge's
	// lifetime so Root.Cancel() waits for its teardown (e.g. remove_peer)
	// rather than for the whole daemon's concurrent bridge set at once.
	Root *cancel.Root

	Log *slog.Logger
}

// Run executes the full per-candidate sequence: the inactivity/alignment
// wait, firewall warmup, handshake negotiation (which drives NAT traversal
// internally), and handoff to the Bridge Supervisor (spec §4.1 "Per-session
// timing").
func (p RendezvousParams) Run(ctx context.Context, candidate types.SessionEntry) {
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("peer", candidate.Address.String())

	if p.shouldDeferForInactivity(candidate) {
		log.Debug("rendezvous: deferring, peer inside its inactivity window")
		return
	}

	if wait := p.alignmentWait(candidate); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}

	conn, err := p.DialOverlay(ctx, candidate.Address)
	if err != nil {
		log.Debug("rendezvous: overlay dial failed", "err", err)
		return
	}
	defer conn.Close()

	if err := traversal.FirewallWarmup(ctx, p.FirewallRetryCount, p.FirewallCycle, func(ctx context.Context) error {
		return p.probeOverlay(ctx, candidate.Address)
	}, log); err != nil {
		log.Debug("rendezvous: firewall warmup aborted", "err", err)
		return
	}

	remoteOverlay, ok := overlayAddr(candidate.Address)
	if !ok {
		log.Warn("rendezvous: candidate address is not a valid overlay address")
		return
	}

	result, err := handshake.Negotiate(ctx, conn, p.Self, remoteOverlay, p.External.Snapshot, p.TraverseFor())
	if err != nil {
		log.Info("rendezvous: handshake failed", "err", err)
		p.Cache.RecordTraversalFailure(candidate.Address)
		return
	}
	p.Cache.RecordTraversalSuccess(candidate.Address)

	active := p.Root.Active()
	defer active.Release()
	err = bridge.Run(ctx, result.Stream, bridge.Params{
		Mode:                      result.Mode,
		Protocol:                  result.Protocol,
		MonitorAddress:            candidate.Address,
		Whitelist:                 p.Whitelist,
		YggdrasilListen:           p.YggdrasilListen,
		LossyShortcut:             p.LossyShortcut,
		UDPMTU:                    p.UDPMTU,
		FallbackToReliable:        p.FallbackToReliable,
		SelfRand:                  p.Self.Rand,
		RemoteRand:                result.RemoteRand,
		PeerUnconnectedCheckDelay: p.PeerUnconnectedCheckDelay,
		Admin:                     p.Admin,
		Sessions:                  p.BridgeSessions,
		Peers:                     p.Peers,
		SessionsWatch:             p.Sessions,
		Root:                      active,
		Log:                       log,
	})
	if err != nil {
		log.Info("rendezvous: bridge ended", "err", err)
	}
}

// shouldDeferForInactivity implements spec §4.1 step 1: skip a candidate
// whose advertised uptime currently falls inside a periodic idle window,
// since both sides are expected to be quiet then and a rendezvous attempt
// would likely race a real inactivity-triggered reconnect.
func (p RendezvousParams) shouldDeferForInactivity(candidate types.SessionEntry) bool {
	return inactivityWindow(time.Duration(candidate.Uptime)*time.Second, p.InactivityDelayPeriod, p.InactivityDelay)
}

// alignmentWait implements spec §4.1 step 2: sleep until both sides'
// clocks land on the same uptime-aligned boundary before attempting
// traversal, so mode 2's simultaneous-open ping-pong actually overlaps.
func (p RendezvousParams) alignmentWait(candidate types.SessionEntry) time.Duration {
	if p.AlignUptimeTimeout <= 0 {
		return 0
	}
	return alignmentDelay(time.Duration(candidate.Uptime)*time.Second, true, p.AlignUptimeTimeout)
}

func (p RendezvousParams) probeOverlay(ctx context.Context, addr net.IP) error {
	conn, err := p.DialOverlay(ctx, addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// TraverseFor builds a handshake.TraverseFunc bound to these params' UDP
// listener/registry pair, picking the listener by the negotiated
// candidate's address family and handing off from the shared probing
// socket to a dedicated per-session socket once traversal succeeds (spec
// §4.4 mode 2's socket hand-off to the Bridge Supervisor). Exported so the
// Overlay Listener's inbound handshake (which has no SessionEntry to build
// a full Rendezvous Task from) can share the same traversal wiring.
func (p RendezvousParams) TraverseFor() handshake.TraverseFunc {
	return func(ctx context.Context, protocol types.PeeringProtocol, local types.Mapping, remoteExternal netip.AddrPort, sessionID uint64, sharedSecret string, onLocalSuccess func(), remoteSucceeded <-chan struct{}) (wire.RouterStream, error) {
		listener := p.ListenUDP4
		if local.External.Addr().Is6() {
			listener = p.ListenUDP6
		}
		if listener == nil {
			return wire.RouterStream{}, fmt.Errorf("rendezvous: no listener for address family of %s", local.External)
		}

		inbound, unregister := p.Registry.Register(sessionID)
		defer unregister()

		remoteAddr, err := traversal.TraverseSTUN(ctx, traversal.Params{
			Conn:            listener,
			Remote:          remoteExternal,
			SessionID:       sessionID,
			SharedSecret:    sharedSecret,
			RetryCount:      p.TraversalRetryCount,
			Cycle:           p.TraversalCycle,
			Inbound:         inbound,
			OnLocalSuccess:  onLocalSuccess,
			RemoteSucceeded: remoteSucceeded,
			Log:             p.Log,
		})
		if err != nil {
			return wire.RouterStream{}, err
		}

		dataConn, err := traversal.DialReusable(ctx, local.Local, remoteAddr)
		if err != nil {
			return wire.RouterStream{}, fmt.Errorf("rendezvous: socket hand-off: %w", err)
		}

		return wire.RouterStream{Socket: wire.UDPSocket{Conn: dataConn}, Remote: remoteAddr}, nil
	}
}

// overlayAddr converts a monitor-address net.IP (as reported by the admin
// API's session snapshot) into the netip.Addr form the handshake's
// connection-mode tie-break compares against.
func overlayAddr(ip net.IP) (netip.Addr, bool) {
	addr, ok := netip.AddrFromSlice(ip.To16())
	if !ok {
		return netip.Addr{}, false
	}
	return addr, true
}
