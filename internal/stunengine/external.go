package stunengine

import (
	"context"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/malbeclabs/yggdrasil-jumperd/internal/types"
)

// LocalSocket is one (IP family, transport) local endpoint the Monitor
// probes STUN servers from.
type LocalSocket struct {
	Addr      netip.AddrPort
	Transport types.Transport
	// Probe issues one STUN lookup against server and returns the external
	// address it maps to.
	Probe func(ctx context.Context, server string) (netip.AddrPort, error)
}

// ActiveBridges reports whether at least one bridge is currently active,
// used for the Monitor's suspend policy (spec §4.3 step 3).
type ActiveBridges func() bool

// Monitor publishes the current Vec<Mapping> to the rest of the system,
// probing STUN servers for each configured local socket (spec §4.3).
type Monitor struct {
	sockets   []LocalSocket
	servers   []string
	randomize bool
	delay     time.Duration
	active    ActiveBridges

	mu        sync.RWMutex
	published []types.Mapping

	required chan struct{}
	log      *slog.Logger

	availability map[string]bool // server -> available
}

// NewMonitor constructs a Monitor over the given local sockets and STUN
// server pool.
func NewMonitor(sockets []LocalSocket, servers []string, randomize bool, delay time.Duration, active ActiveBridges, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	avail := make(map[string]bool, len(servers))
	for _, s := range servers {
		avail[s] = true
	}
	return &Monitor{
		sockets:      sockets,
		servers:      append([]string(nil), servers...),
		randomize:    randomize,
		delay:        delay,
		active:       active,
		required:     make(chan struct{}, 1),
		log:          log,
		availability: avail,
	}
}

// RequireUpdate wakes the Monitor out of suspend (called by the Session
// Manager whenever a new session becomes eligible).
func (m *Monitor) RequireUpdate() {
	select {
	case m.required <- struct{}{}:
	default:
	}
}

// Snapshot returns the most recently published Mapping set.
func (m *Monitor) Snapshot() []types.Mapping {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.Mapping(nil), m.published...)
}

// Run executes the Monitor loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		fresh := m.resolveAll(ctx)

		m.mu.Lock()
		changed := !equalMappings(m.published, fresh)
		if changed {
			m.published = fresh
		}
		m.mu.Unlock()

		if changed {
			m.log.Info("external address mapping updated", "mappings", len(fresh))
		}

		if err := m.suspend(ctx); err != nil {
			return err
		}
	}
}

func (m *Monitor) resolveAll(ctx context.Context) []types.Mapping {
	var out []types.Mapping
	for _, sock := range m.sockets {
		servers := append([]string(nil), m.servers...)
		if m.randomize {
			rand.Shuffle(len(servers), func(i, j int) { servers[i], servers[j] = servers[j], servers[i] })
		}

		if m.allUnavailable() {
			m.resetAvailability()
		}

		ext, ok := m.resolveOne(ctx, sock, servers)
		if ok {
			out = append(out, types.Mapping{Local: sock.Addr, External: ext, Transport: sock.Transport})
		}
	}
	return out
}

func (m *Monitor) resolveOne(ctx context.Context, sock LocalSocket, servers []string) (netip.AddrPort, bool) {
	for _, server := range servers {
		if !m.isAvailable(server) {
			continue
		}
		ext, err := sock.Probe(ctx, server)
		if err != nil {
			m.log.Debug("stun probe failed", "server", server, "err", err)
			m.setAvailable(server, false)
			continue
		}
		return ext, true
	}
	return netip.AddrPort{}, false
}

func (m *Monitor) allUnavailable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.servers {
		if m.availability[s] {
			return false
		}
	}
	return len(m.servers) > 0
}

func (m *Monitor) resetAvailability() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.servers {
		m.availability[s] = true
	}
}

func (m *Monitor) isAvailable(server string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.availability[server]
}

func (m *Monitor) setAvailable(server string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.availability[server] = ok
}

// suspend implements spec §4.3 step 3: re-poll on delay while a bridge is
// active, otherwise wait on either the required signal or delay elapsing.
func (m *Monitor) suspend(ctx context.Context) error {
	if m.active != nil && m.active() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
			return nil
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.required:
		return nil
	case <-time.After(m.delay):
		return nil
	}
}

func equalMappings(a, b []types.Mapping) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
