package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/malbeclabs/yggdrasil-jumperd/internal/bridge"
	"github.com/malbeclabs/yggdrasil-jumperd/internal/stunengine"
	"github.com/malbeclabs/yggdrasil-jumperd/internal/types"
)

// noExternalRetryDelay bounds how long the manager waits before re-checking
// for a published external-address mapping while suspended.
const noExternalRetryDelay = 5 * time.Second

// NodeInfoClient looks up a remote overlay node's self-reported info
// (spec §2 "get_node_info(key)"), used to honour only_peers_advertising_jumper.
type NodeInfoClient interface {
	GetNodeInfo(ctx context.Context, key string) (map[string]string, error)
}

// ProtocolVersion is the jumper-version string get_node_info's "jumper"
// entry is compared against.
const ProtocolVersion = "0.1"

// Option configures a Manager.
type Option func(*Manager)

// WithWhitelist installs the address/subnet whitelist filter.
func WithWhitelist(w *Whitelist) Option {
	return func(m *Manager) { m.whitelist = w }
}

// WithAvoidRedundantPeering toggles the "already an up peer" filter.
func WithAvoidRedundantPeering(enabled bool) Option {
	return func(m *Manager) { m.avoidRedundantPeering = enabled }
}

// WithOnlyPeersAdvertisingJumper toggles the get_node_info gate.
func WithOnlyPeersAdvertisingJumper(enabled bool) Option {
	return func(m *Manager) { m.onlyPeersAdvertisingJumper = enabled }
}

// WithFailedTraversalLimit sets how many consecutive traversal failures
// permanently drop a candidate from future attempts.
func WithFailedTraversalLimit(limit uint32) Option {
	return func(m *Manager) { m.failedTraversalLimit = limit }
}

// WithNodeInfo sets the get_node_info client.
func WithNodeInfo(c NodeInfoClient) Option {
	return func(m *Manager) { m.nodeInfo = c }
}

// WithLogger sets the manager's logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// Manager implements the Session Manager (spec §4.1): it consumes the
// sessions/peers/external-address watches, filters candidates, and spawns
// one Rendezvous Task per newly eligible session.
type Manager struct {
	whitelist                  *Whitelist
	avoidRedundantPeering      bool
	onlyPeersAdvertisingJumper bool
	failedTraversalLimit       uint32
	nodeInfo                   NodeInfoClient
	log                        *slog.Logger

	active *ActiveSessions
	cache  *Cache

	peers    bridge.PeersWatch
	sessions bridge.SessionsWatch
	external *stunengine.Monitor

	rendezvous RendezvousFunc
}

// RendezvousFunc runs one Rendezvous Task to completion; injected so the
// manager's spawn loop stays testable without a full handshake stack.
type RendezvousFunc func(ctx context.Context, candidate types.SessionEntry)

// NewManager constructs a Manager around its live watch sources.
func NewManager(peers bridge.PeersWatch, sessions bridge.SessionsWatch, external *stunengine.Monitor, active *ActiveSessions, cache *Cache, rendezvous RendezvousFunc, opts ...Option) *Manager {
	m := &Manager{
		active:     active,
		cache:      cache,
		peers:      peers,
		sessions:   sessions,
		external:   external,
		rendezvous: rendezvous,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run drives the spawn loop until ctx is cancelled (spec §4.1 `run`).
func (m *Manager) Run(ctx context.Context, externalRequired func()) error {
	for {
		if len(m.external.Snapshot()) == 0 {
			m.log.Warn("no external address found, suspending session manager")
			select {
			case <-time.After(noExternalRetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		m.spawnEligible(ctx, externalRequired)

		select {
		case <-m.sessions.Changed():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) spawnEligible(ctx context.Context, externalRequired func()) {
	sessions := m.sessions.Snapshot()
	var peers []types.PeerEntry
	if m.avoidRedundantPeering {
		peers = m.peers.Snapshot()
	}

	reloadExternal := false
	for _, candidate := range sessions {
		if !m.eligible(ctx, candidate, peers) {
			continue
		}
		if !reloadExternal {
			externalRequired()
			reloadExternal = true
		}
		if !m.active.TryInsertSession(candidate.Address) {
			metricCandidatesFiltered.WithLabelValues(reasonAlreadyActive).Inc()
			continue
		}
		metricRendezvousSpawned.Inc()
		metricActiveSessions.Inc()
		addr := candidate.Address
		go func(c types.SessionEntry) {
			defer metricActiveSessions.Dec()
			defer m.active.RemoveIfSession(addr)
			m.rendezvous(ctx, c)
		}(candidate)
	}
}

// eligible implements spec §4.1's ordered filter pipeline.
func (m *Manager) eligible(ctx context.Context, candidate types.SessionEntry, peers []types.PeerEntry) bool {
	if m.whitelist != nil && !m.whitelist.Contains(candidate.Address) {
		metricCandidatesFiltered.WithLabelValues(reasonWhitelist).Inc()
		return false
	}
	if m.avoidRedundantPeering {
		for _, p := range peers {
			if p.Address != nil && p.Address.Equal(candidate.Address) && p.Up {
				metricCandidatesFiltered.WithLabelValues(reasonRedundantPeer).Inc()
				return false
			}
		}
	}
	if m.active.Contains(candidate.Address) {
		metricCandidatesFiltered.WithLabelValues(reasonAlreadyActive).Inc()
		return false
	}
	cache := m.cache.Get(candidate.Address)
	if cache.JumperSupported != nil && !*cache.JumperSupported {
		metricCandidatesFiltered.WithLabelValues(reasonJumperUnsupported).Inc()
		return false
	}
	if m.failedTraversalLimit > 0 && cache.FailedTraversals >= m.failedTraversalLimit {
		metricCandidatesFiltered.WithLabelValues(reasonFailureLimit).Inc()
		return false
	}
	if m.onlyPeersAdvertisingJumper && m.nodeInfo != nil {
		info, err := m.nodeInfo.GetNodeInfo(ctx, candidate.Key)
		if err != nil {
			metricCandidatesFiltered.WithLabelValues(reasonNoJumperAdvertised).Inc()
			return false
		}
		version, ok := info["jumper"]
		if !ok || version != ProtocolVersion {
			metricCandidatesFiltered.WithLabelValues(reasonNoJumperAdvertised).Inc()
			return false
		}
	}
	return true
}

// inactivityWindow reports whether uptime falls inside a
// [k*period, k*period+delay] idle window for some k >= 1 (spec §4.1 step 1).
func inactivityWindow(uptime time.Duration, period, delay time.Duration) bool {
	if period <= 0 || uptime < period {
		return false
	}
	mod := uptime % period
	return mod <= delay
}

// alignmentDelay computes how long to sleep so both sides of a rendezvous
// wake on the same uptime-aligned boundary (spec §4.1 step 2).
func alignmentDelay(uptime time.Duration, known bool, align time.Duration) time.Duration {
	if !known {
		return align
	}
	mod := uptime % align
	return align - mod
}
