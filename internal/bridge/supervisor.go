package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/malbeclabs/yggdrasil-jumperd/internal/cancel"
	"github.com/malbeclabs/yggdrasil-jumperd/internal/types"
	"github.com/malbeclabs/yggdrasil-jumperd/internal/wire"
)

// ErrDuplicateBridge is returned when monitorAddress already has a Bridge
// recorded in the active-sessions table; the OS would reject the duplicate
// listener/peer anyway, so this is treated as an implementation bug rather
// than a retryable condition.
var ErrDuplicateBridge = errors.New("bridge: monitor address already has an active bridge")

// AdminClient is the subset of the router admin API the supervisor needs to
// materialise an AsEndpoint peering.
type AdminClient interface {
	AddPeer(ctx context.Context, uri string) error
	RemovePeer(ctx context.Context, uri string) error
}

// PeersWatch observes the router's live peer table.
type PeersWatch interface {
	Changed() <-chan struct{}
	Snapshot() []types.PeerEntry
}

// SessionsWatch observes the router's live session table.
type SessionsWatch interface {
	Changed() <-chan struct{}
	Snapshot() []types.SessionEntry
}

// ActiveSessions is the shared (monitor address -> stage) record the
// Session Manager and Bridge Supervisor both touch, guarding duplicate
// bridges for the same peer (spec §4.5 "Record-keeping").
type ActiveSessions interface {
	// TryInsertBridge records monitorAddress as Bridge unless it already
	// holds that stage, in which case it returns false.
	TryInsertBridge(monitorAddress net.IP) bool
	Remove(monitorAddress net.IP)
}

// Params configures one Bridge Supervisor invocation for a single peer.
type Params struct {
	Mode           types.ConnectionMode
	Protocol       types.PeeringProtocol
	MonitorAddress net.IP // nil if not yet known (AsEndpoint, address learned later)
	Whitelist      func(net.IP) bool

	YggdrasilListen []string // scheme://host:port candidates for ToEndpoint
	LossyShortcut   bool
	UDPMTU          int
	FallbackToReliable bool

	SelfRand, RemoteRand uint32

	PeerUnconnectedCheckDelay time.Duration

	Admin    AdminClient
	Sessions ActiveSessions
	Peers    PeersWatch
	SessionsWatch SessionsWatch

	Root *cancel.Active

	Log *slog.Logger
}

// Run materialises the negotiated peering and supervises it until failure
// or cancellation (spec §4.5).
func Run(ctx context.Context, traversed wire.RouterStream, params Params) error {
	log := params.Log
	if log == nil {
		log = slog.Default()
	}

	ygg, peerURI, asEndpointCleanup, err := connectRouterSide(ctx, params, log)
	if err != nil {
		return err
	}
	defer ygg.Close()
	if asEndpointCleanup != nil {
		defer asEndpointCleanup()
	}

	metricBridgesActive.Inc()
	defer metricBridgesActive.Dec()
	defer func() { metricBridgeEndedTotal.WithLabelValues(params.Protocol.String(), params.Mode.String()).Inc() }()

	recorded := false
	monitorAddress := params.MonitorAddress
	if monitorAddress != nil {
		if !params.Sessions.TryInsertBridge(monitorAddress) {
			return ErrDuplicateBridge
		}
		recorded = true
		defer params.Sessions.Remove(monitorAddress)
	}

	relayCtx, cancelRelay := context.WithCancel(ctx)
	defer cancelRelay()
	relayErrc := make(chan error, 1)
	go func() { relayErrc <- runRelay(relayCtx, traversed, ygg, params, log) }()

	delayDeadline := time.Now().Add(params.PeerUnconnectedCheckDelay)

	for {
		select {
		case err := <-relayErrc:
			return fmt.Errorf("bridge: relay ended: %w", err)

		case <-params.Peers.Changed():
			peers := params.Peers.Snapshot()
			var matched *types.PeerEntry
			for i := range peers {
				if peers[i].Remote == peerURI {
					matched = &peers[i]
					break
				}
			}
			if matched == nil {
				if time.Now().After(delayDeadline) {
					return fmt.Errorf("bridge: %s is no longer a connected peer", peerURI)
				}
				continue
			}
			if !matched.Up && time.Now().After(delayDeadline) {
				return fmt.Errorf("bridge: %s is not up", peerURI)
			}
			if !recorded && matched.Address != nil {
				if params.Whitelist != nil && !params.Whitelist(matched.Address) {
					log.Info("bridge: peer address instantiated but misses whitelist", "uri", peerURI, "address", matched.Address)
					return nil
				}
				if params.Sessions.TryInsertBridge(matched.Address) {
					recorded = true
					monitorAddress = matched.Address
					defer params.Sessions.Remove(monitorAddress)
				} else {
					return ErrDuplicateBridge
				}
			}
			if recorded && monitorAddress != nil && !monitorAddress.Equal(matched.Address) {
				log.Warn("bridge: router peered the wrong address", "uri", peerURI, "expected", monitorAddress, "got", matched.Address)
				return fmt.Errorf("bridge: wrong router peered in for %s", peerURI)
			}

		case <-watchOrNever(params.SessionsWatch, monitorAddress):
			sessions := params.SessionsWatch.Snapshot()
			found := false
			for _, s := range sessions {
				if s.Address.Equal(monitorAddress) {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("bridge: session for %s closed", monitorAddress)
			}

		case <-params.Root.Context().Done():
			return nil
		}
	}
}

func watchOrNever(w SessionsWatch, monitorAddress net.IP) <-chan struct{} {
	if monitorAddress == nil {
		return nil
	}
	return w.Changed()
}

// connectRouterSide implements ToEndpoint/AsEndpoint/Any dispatch (spec
// §4.5), returning the router-side socket, the peer URI the relay will be
// matched against in the router's peer table, and (for AsEndpoint) a
// cleanup func that must run on every exit path.
func connectRouterSide(ctx context.Context, params Params, log *slog.Logger) (net.Conn, string, func(), error) {
	switch params.Mode {
	case types.ModeToEndpoint, types.ModeAny:
		ygg, uri, err := dialToEndpoint(ctx, params)
		if err == nil {
			return ygg, uri, nil, nil
		}
		if params.Mode == types.ModeToEndpoint {
			return nil, "", nil, fmt.Errorf("bridge: ToEndpoint dial failed: %w", err)
		}
		log.Debug("bridge: ToEndpoint dial failed, falling back to AsEndpoint", "err", err)
		fallthrough
	case types.ModeAsEndpoint:
		return listenAsEndpoint(ctx, params, log)
	default:
		return nil, "", nil, fmt.Errorf("bridge: unknown connection mode %v", params.Mode)
	}
}

func dialToEndpoint(ctx context.Context, params Params) (net.Conn, string, error) {
	scheme := params.Protocol.String()
	var lastErr error = fmt.Errorf("bridge: no yggdrasil listen address for scheme %s", scheme)
	for _, listen := range params.YggdrasilListen {
		host, err := schemeHost(listen, scheme)
		if err != nil {
			lastErr = err
			continue
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", host)
		if err != nil {
			lastErr = err
			continue
		}
		local := conn.LocalAddr().(*net.TCPAddr)
		uri := fmt.Sprintf("%s://127.0.0.1:%d", scheme, local.Port)
		return conn, uri, nil
	}
	return nil, "", lastErr
}

func listenAsEndpoint(ctx context.Context, params Params, log *slog.Logger) (net.Conn, string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", nil, fmt.Errorf("bridge: listen for AsEndpoint: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	uri := fmt.Sprintf("%s://127.0.0.1:%d", params.Protocol, port)

	if err := params.Admin.AddPeer(ctx, uri); err != nil {
		ln.Close()
		return nil, "", nil, fmt.Errorf("bridge: add_peer(%s): %w", uri, err)
	}

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			removeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := params.Admin.RemovePeer(removeCtx, uri); err != nil {
				log.Warn("bridge: failed to remove peer on exit", "uri", uri, "err", err)
			}
		})
	}

	accepted := make(chan net.Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- conn
	}()

	select {
	case conn := <-accepted:
		ln.Close()
		return conn, uri, cleanup, nil
	case err := <-acceptErr:
		ln.Close()
		cleanup()
		return nil, "", nil, fmt.Errorf("bridge: accept router connection: %w", err)
	case <-ctx.Done():
		ln.Close()
		cleanup()
		return nil, "", nil, ctx.Err()
	}
}

func schemeHost(uri, wantScheme string) (string, error) {
	sep := "://"
	idx := indexOf(uri, sep)
	if idx < 0 {
		return "", fmt.Errorf("bridge: malformed listen URI %q", uri)
	}
	scheme, host := uri[:idx], uri[idx+len(sep):]
	if scheme != wantScheme {
		return "", fmt.Errorf("bridge: listen URI %q does not match scheme %s", uri, wantScheme)
	}
	return host, nil
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// runRelay picks and runs the relay flavour for the negotiated protocol
// (spec §4.5's three relay flavours).
func runRelay(ctx context.Context, traversed wire.RouterStream, ygg net.Conn, params Params, log *slog.Logger) error {
	switch params.Protocol {
	case types.ProtocolQUIC:
		udpSocket, ok := traversed.Socket.(wire.UDPSocket)
		if !ok {
			return fmt.Errorf("bridge: quic relay requires a UDP-traversed socket, got %T", traversed.Socket)
		}
		udpYgg, ok := ygg.(*net.UDPConn)
		if !ok {
			return fmt.Errorf("bridge: quic relay requires a UDP router-side socket, got %T", ygg)
		}
		return relayUDP(ctx, udpSocket.Conn, udpYgg, log)

	case types.ProtocolTCP, types.ProtocolTLS:
		udpSocket, ok := traversed.Socket.(wire.UDPSocket)
		if !ok {
			// The traversed socket is already a reliable stream (e.g. a
			// loopback test double); relay it directly without KCP.
			return relayTCP(ctx, ygg, traversed.Socket, log)
		}
		conv := kcpConv(params.SelfRand, params.RemoteRand)
		return relayKCP(ctx, ygg, udpSocket.Conn, conv, params.LossyShortcut, params.UDPMTU, params.FallbackToReliable, log)

	default:
		return fmt.Errorf("bridge: unknown protocol %v", params.Protocol)
	}
}
