// Package runtime wires every component into a running daemon: admin-API
// connect, the STUN/external-address monitor, the overlay listener, the
// session manager's rendezvous loop, and the bridge supervisor they spawn
// (spec §2, grounded on the teacher's cmd/doublezerod/main.go dependency-
// construction block and its own internal/runtime package).
package runtime

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/malbeclabs/yggdrasil-jumperd/internal/adminapi"
	"github.com/malbeclabs/yggdrasil-jumperd/internal/bridge"
	"github.com/malbeclabs/yggdrasil-jumperd/internal/cancel"
	"github.com/malbeclabs/yggdrasil-jumperd/internal/config"
	"github.com/malbeclabs/yggdrasil-jumperd/internal/handshake"
	"github.com/malbeclabs/yggdrasil-jumperd/internal/overlay"
	"github.com/malbeclabs/yggdrasil-jumperd/internal/session"
	"github.com/malbeclabs/yggdrasil-jumperd/internal/stunengine"
	"github.com/malbeclabs/yggdrasil-jumperd/internal/traversal"
	"github.com/malbeclabs/yggdrasil-jumperd/internal/types"
)

// Run constructs the daemon from cfg and runs it until ctx is cancelled,
// returning the first fatal component error (spec §2's component list,
// §7's "first fatal error" shutdown policy).
func Run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	root := cancel.NewRoot(ctx)
	defer root.Cancel()

	dial := func(ctx context.Context) (*adminapi.Endpoint, error) {
		state, err := adminapi.Connect(ctx, cfg.YggdrasilAdminListen, cfg.YggdrasilProtocols, cfg.YggdrasilListen, cfg.ConnectAsClientTimeout, log)
		if err != nil {
			return nil, err
		}
		return state.Endpoint, nil
	}

	state, err := adminapi.Connect(root.Context(), cfg.YggdrasilAdminListen, cfg.YggdrasilProtocols, cfg.YggdrasilListen, cfg.ConnectAsClientTimeout, log)
	if err != nil {
		return fmt.Errorf("runtime: admin-socket connect: %w", err)
	}
	log.Info("admin-socket connected", "build_version", state.BuildVersion, "address", state.Address)

	monitor := adminapi.NewMonitor(state.Endpoint, dial, cfg.YggdrasilctlQueryDelay, cfg.YggdrasilAdminReconnect, log)

	selfAddr, ok := netip.AddrFromSlice(state.Address.To16())
	if !ok {
		return fmt.Errorf("runtime: router reported an unparseable overlay address %q", state.Address)
	}

	whitelist := buildWhitelist(cfg.Whitelist)

	active := session.NewActiveSessions()
	cache := session.NewCache()
	if cfg.SessionCacheInvalidationTimeout > 0 {
		go cache.Sweep(root.Context(), cfg.SessionCacheInvalidationTimeout)
	}
	registry := traversal.NewRegistry()

	var listenUDP4, listenUDP6 *net.UDPConn
	if cfg.AllowIPv4 {
		listenUDP4, err = traversal.ListenReusable("udp4", cfg.ListenPort)
		if err != nil {
			return fmt.Errorf("runtime: listen udp4 on port %d: %w", cfg.ListenPort, err)
		}
	}
	if cfg.AllowIPv6 {
		listenUDP6, err = traversal.ListenReusable("udp6", cfg.ListenPort)
		if err != nil {
			return fmt.Errorf("runtime: listen udp6 on port %d: %w", cfg.ListenPort, err)
		}
	}

	external := stunengine.NewMonitor(localSockets(cfg, listenUDP4, listenUDP6), cfg.StunServers, cfg.StunRandomize, cfg.ResolveExternalAddressDelay, active.AnyBridge, log)

	self := handshake.Self{
		OverlayAddress: selfAddr,
		Protocols:      headerProtocols(cfg.Protocols(), state),
		IPv4:           cfg.AllowIPv4,
		IPv6:           cfg.AllowIPv6,
		Rand:           randUint32(),
		SecretRand:     randUint32(),
	}

	rendezvous := session.RendezvousParams{
		Self:                      self,
		External:                  external,
		Registry:                  registry,
		ListenUDP4:                listenUDP4,
		ListenUDP6:                listenUDP6,
		FirewallRetryCount:        cfg.FirewallTraversalUDPRetryCount,
		FirewallCycle:             cfg.FirewallTraversalUDPCycle,
		TraversalRetryCount:       cfg.NatTraversalUDPRetryCount,
		TraversalCycle:            cfg.NatTraversalUDPCycle,
		InactivityDelayPeriod:     cfg.InactivityDelayPeriod,
		InactivityDelay:           cfg.InactivityDelay,
		AlignUptimeTimeout:        cfg.AlignUptimeTimeout,
		DialOverlay:               dialOverlay(cfg.ListenPort),
		Cache:                     cache,
		YggdrasilListen:           cfg.YggdrasilListen,
		LossyShortcut:             cfg.YggdrasilDPI,
		UDPMTU:                    cfg.YggdrasilDPIUDPMTU,
		FallbackToReliable:        cfg.YggdrasilDPIFallbackToReliable,
		PeerUnconnectedCheckDelay: cfg.PeerUnconnectedCheckDelay,
		Whitelist:                 whitelistFunc(whitelist),
		Admin:                     monitor,
		Peers:                     monitor.Peers(),
		Sessions:                  monitor,
		BridgeSessions:            active,
		Root:                      root,
		Log:                       log,
	}

	manager := session.NewManager(monitor.Peers(), monitor, external, active, cache, rendezvous.Run,
		session.WithWhitelist(whitelist),
		session.WithAvoidRedundantPeering(cfg.AvoidRedundantPeering),
		session.WithOnlyPeersAdvertisingJumper(cfg.OnlyPeersAdvertisingJumper),
		session.WithFailedTraversalLimit(cfg.FailedYggdrasilTraversalLimit),
		session.WithNodeInfo(monitor),
		session.WithLogger(log),
	)

	listener := &overlay.Listener{
		ListenPort: cfg.ListenPort,
		Whitelist:  whitelistFunc(whitelist),
		Log:        log,
		Handler: overlay.NegotiatingHandler(
			func() handshake.Self { return self },
			external.Snapshot,
			rendezvous.TraverseFor(),
			func(remote netip.AddrPort, result *handshake.Result, err error) {
				if err != nil || result == nil {
					return
				}
				handleInboundBridge(root.Context(), remote, result, rendezvous, log)
			},
			log,
		),
	}

	errc := make(chan error, 8)
	go func() { errc <- wrap("admin-socket monitor", monitor.Run(root.Context())) }()
	go func() { errc <- wrap("external-address monitor", external.Run(root.Context())) }()
	go func() { errc <- wrap("overlay listener", listener.Run(root.Context())) }()
	go func() { errc <- wrap("session manager", manager.Run(root.Context(), external.RequireUpdate)) }()
	if listenUDP4 != nil {
		l := traversal.NewListener(listenUDP4, registry, log)
		go func() { errc <- wrap("traversal listener (ipv4)", l.Run(root.Context())) }()
	}
	if listenUDP6 != nil {
		l := traversal.NewListener(listenUDP6, registry, log)
		go func() { errc <- wrap("traversal listener (ipv6)", l.Run(root.Context())) }()
	}

	select {
	case <-ctx.Done():
		log.Info("runtime: shutting down")
		return nil
	case err := <-errc:
		return err
	}
}

func wrap(component string, err error) error {
	if err == nil || err == context.Canceled {
		return nil
	}
	return fmt.Errorf("runtime: %s: %w", component, err)
}

// handleInboundBridge is the inbound counterpart of RendezvousParams.Run's
// tail: an accepted overlay connection that completed negotiation hands
// straight to the Bridge Supervisor, skipping the outbound-only
// inactivity/alignment/firewall-warmup steps that only make sense when
// this side initiates (spec §4.2's listener path joins the handshake
// after step 3, unlike the Rendezvous Task's step 1-3 lead-in).
func handleInboundBridge(ctx context.Context, remote netip.AddrPort, result *handshake.Result, p session.RendezvousParams, log *slog.Logger) {
	monitorAddr := net.IP(remote.Addr().AsSlice())
	active := p.Root.Active()
	defer active.Release()
	err := bridge.Run(ctx, result.Stream, bridge.Params{
		Mode:                      result.Mode,
		Protocol:                  result.Protocol,
		MonitorAddress:            monitorAddr,
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
		log.Info("runtime: inbound bridge ended", "remote", remote, "err", err)
	}
}

func dialOverlay(listenPort uint16) func(ctx context.Context, addr net.IP) (net.Conn, error) {
	return func(ctx context.Context, addr net.IP) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp6", fmt.Sprintf("[%s]:%d", addr.String(), listenPort))
	}
}

func buildWhitelist(entries []string) *session.Whitelist {
	if len(entries) == 0 {
		return nil
	}
	ips := make([]net.IP, 0, len(entries))
	for _, e := range entries {
		if ip := net.ParseIP(e); ip != nil {
			ips = append(ips, ip)
		}
	}
	return session.NewWhitelist(ips)
}

func whitelistFunc(w *session.Whitelist) func(net.IP) bool {
	if w == nil {
		return nil
	}
	return w.Contains
}

func headerProtocols(protocols []types.PeeringProtocol, state *adminapi.RouterState) []types.HeaderRouterProtocol {
	out := make([]types.HeaderRouterProtocol, 0, len(protocols))
	for _, p := range protocols {
		available := state.SupportsAddPeer()
		if p == types.ProtocolQUIC {
			available = available && state.SupportsQUIC()
		}
		out = append(out, types.HeaderRouterProtocol{Protocol: p, ServerAvailable: available})
	}
	return out
}

func localSockets(cfg *config.Config, udp4, udp6 *net.UDPConn) []stunengine.LocalSocket {
	var out []stunengine.LocalSocket
	if udp4 != nil {
		out = append(out, udpLocalSocket(udp4, cfg))
	}
	if udp6 != nil {
		out = append(out, udpLocalSocket(udp6, cfg))
	}
	return out
}

func udpLocalSocket(conn *net.UDPConn, cfg *config.Config) stunengine.LocalSocket {
	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return stunengine.LocalSocket{
		Addr:      local,
		Transport: types.TransportUDP,
		Probe: func(ctx context.Context, server string) (netip.AddrPort, error) {
			serverAddr, err := net.ResolveUDPAddr("udp", server)
			if err != nil {
				return netip.AddrPort{}, fmt.Errorf("runtime: resolve stun server %s: %w", server, err)
			}
			return stunengine.LookupExternalUDP(ctx, conn, serverAddr, cfg.StunUDPResponseTimeout, cfg.StunUDPRetryCount, cfg.StunUDPExponentialTimeout)
		},
	}
}

func randUint32() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing means the system RNG is broken; a
		// predictable fallback is still safe here since Rand only needs
		// to be unpredictable enough to make DeriveSessionID collisions
		// unlikely, not cryptographically secure.
		return 0x9e3779b9
	}
	return binary.BigEndian.Uint32(buf[:])
}
