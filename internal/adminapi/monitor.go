package adminapi

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/malbeclabs/yggdrasil-jumperd/internal/types"
)

// Monitor polls the admin socket on a fixed delay and republishes the
// sessions/peers snapshots, reconnecting with backoff on failure (spec §6
// admin-API watcher). It satisfies bridge.SessionsWatch and
// session.NodeInfoClient; its Peers view satisfies bridge.PeersWatch.
type Monitor struct {
	dial        func(ctx context.Context) (*Endpoint, error)
	queryDelay  time.Duration
	reconnect   bool
	log         *slog.Logger

	mu            sync.RWMutex
	endpoint      *Endpoint
	sessions      []types.SessionEntry
	peers         []types.PeerEntry
	sessionsChanged chan struct{}
	peersChanged    chan struct{}

	nodeInfoGroup singleflight.Group
}

// NewMonitor constructs a Monitor around an already-connected Endpoint.
// dial is used to re-establish the connection after a failure, when
// reconnect is true.
func NewMonitor(endpoint *Endpoint, dial func(ctx context.Context) (*Endpoint, error), queryDelay time.Duration, reconnect bool, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		dial:            dial,
		queryDelay:      queryDelay,
		reconnect:       reconnect,
		log:             log,
		endpoint:        endpoint,
		sessionsChanged: make(chan struct{}),
		peersChanged:    make(chan struct{}),
	}
}

// Changed satisfies bridge.SessionsWatch.
func (m *Monitor) Changed() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionsChanged
}

// Snapshot satisfies bridge.SessionsWatch.
func (m *Monitor) Snapshot() []types.SessionEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.SessionEntry(nil), m.sessions...)
}

// Peers returns a view of this Monitor scoped to bridge.PeersWatch, since
// both watches share one Changed-channel naming collision otherwise.
func (m *Monitor) Peers() PeersView { return PeersView{m} }

// PeersView adapts Monitor to bridge.PeersWatch without colliding with its
// SessionsWatch method names.
type PeersView struct{ m *Monitor }

func (v PeersView) Changed() <-chan struct{} {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	return v.m.peersChanged
}

func (v PeersView) Snapshot() []types.PeerEntry {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	return append([]types.PeerEntry(nil), v.m.peers...)
}

// AddPeer/RemovePeer satisfy bridge.AdminClient by delegating to the
// current endpoint (the one the poll loop last connected).
func (m *Monitor) AddPeer(ctx context.Context, uri string) error {
	ep, err := m.currentEndpoint(ctx)
	if err != nil {
		return err
	}
	return ep.AddPeer(ctx, uri)
}

func (m *Monitor) RemovePeer(ctx context.Context, uri string) error {
	ep, err := m.currentEndpoint(ctx)
	if err != nil {
		return err
	}
	return ep.RemovePeer(ctx, uri)
}

// GetNodeInfo satisfies session.NodeInfoClient, deduplicating concurrent
// lookups for the same key during a Session Manager filtering burst.
func (m *Monitor) GetNodeInfo(ctx context.Context, key string) (map[string]string, error) {
	v, err, _ := m.nodeInfoGroup.Do(key, func() (any, error) {
		ep, err := m.currentEndpoint(ctx)
		if err != nil {
			return nil, err
		}
		return ep.GetNodeInfo(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]string), nil
}

func (m *Monitor) currentEndpoint(ctx context.Context) (*Endpoint, error) {
	m.mu.RLock()
	ep := m.endpoint
	m.mu.RUnlock()
	return ep, nil
}

// Run polls get_sessions/get_peers every queryDelay, republishing snapshots
// and closing+replacing the changed channels whenever they differ, until
// ctx is cancelled (spec §6 admin-API watcher loop).
func (m *Monitor) Run(ctx context.Context) error {
	for {
		if err := m.poll(ctx); err != nil {
			if !m.reconnect {
				return err
			}
			m.log.Warn("adminapi: poll failed, reconnecting", "err", err)
			if err := m.reconnectWithBackoff(ctx); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.queryDelay):
		}
	}
}

func (m *Monitor) poll(ctx context.Context) error {
	m.mu.RLock()
	ep := m.endpoint
	m.mu.RUnlock()

	sessions, err := ep.GetSessions(ctx)
	if err != nil {
		metricPollsTotal.WithLabelValues("error").Inc()
		return err
	}
	peers, err := ep.GetPeers(ctx)
	if err != nil {
		metricPollsTotal.WithLabelValues("error").Inc()
		return err
	}
	metricPollsTotal.WithLabelValues("success").Inc()

	m.mu.Lock()
	if !equalSessions(m.sessions, sessions) {
		m.sessions = sessions
		close(m.sessionsChanged)
		m.sessionsChanged = make(chan struct{})
	}
	if !equalPeers(m.peers, peers) {
		m.peers = peers
		close(m.peersChanged)
		m.peersChanged = make(chan struct{})
	}
	m.mu.Unlock()
	return nil
}

func (m *Monitor) reconnectWithBackoff(ctx context.Context) error {
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(func() error {
		ep, err := m.dial(ctx)
		if err != nil {
			return err
		}
		m.mu.Lock()
		old := m.endpoint
		m.endpoint = ep
		m.mu.Unlock()
		if old != nil {
			old.Close()
		}
		metricReconnectsTotal.Inc()
		return nil
	}, b)
}

func equalSessions(a, b []types.SessionEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key != b[i].Key || a[i].Uptime != b[i].Uptime || !a[i].Address.Equal(b[i].Address) {
			return false
		}
	}
	return true
}

func equalPeers(a, b []types.PeerEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Remote != b[i].Remote || a[i].Up != b[i].Up || !a[i].Address.Equal(b[i].Address) {
			return false
		}
	}
	return true
}
