package session

import (
	"net"
	"sync"

	"github.com/malbeclabs/yggdrasil-jumperd/internal/types"
)

// ActiveSessions is the shared (monitor address -> stage) record threaded
// between the Session Manager and the Bridge Supervisor (spec §4.1, §4.5).
// It satisfies bridge.ActiveSessions.
type ActiveSessions struct {
	mu     sync.Mutex
	stages map[[16]byte]types.SessionStage
}

// NewActiveSessions returns an empty table.
func NewActiveSessions() *ActiveSessions {
	return &ActiveSessions{stages: map[[16]byte]types.SessionStage{}}
}

func key(addr net.IP) [16]byte {
	var k [16]byte
	copy(k[:], addr.To16())
	return k
}

// Contains reports whether addr has any active entry, regardless of stage.
func (a *ActiveSessions) Contains(addr net.IP) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.stages[key(addr)]
	return ok
}

// TryInsertSession records addr as a fresh Rendezvous Task, failing if any
// entry (Session or Bridge) already exists for it.
func (a *ActiveSessions) TryInsertSession(addr net.IP) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := key(addr)
	if _, exists := a.stages[k]; exists {
		return false
	}
	a.stages[k] = types.StageSession
	return true
}

// RemoveIfSession removes addr's entry only if it is still in the Session
// stage, so a task that has since been upgraded to Bridge is left alone
// (spec §4.1's spawn-loop cleanup).
func (a *ActiveSessions) RemoveIfSession(addr net.IP) {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := key(addr)
	if a.stages[k] == types.StageSession {
		delete(a.stages, k)
	}
}

// TryInsertBridge upgrades (or inserts) addr to the Bridge stage, refusing
// only when an entry already holds that stage (spec §4.5 "Record-keeping").
func (a *ActiveSessions) TryInsertBridge(addr net.IP) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := key(addr)
	if a.stages[k] == types.StageBridge {
		return false
	}
	a.stages[k] = types.StageBridge
	return true
}

// Remove unconditionally clears addr's entry (spec §4.5 bridge exit).
func (a *ActiveSessions) Remove(addr net.IP) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.stages, key(addr))
}

// AnyBridge reports whether at least one entry currently holds the Bridge
// stage, satisfying stunengine.ActiveBridges (spec §4.3 step 3's suspend
// policy: keep re-polling STUN on a fixed delay while any bridge is up).
func (a *ActiveSessions) AnyBridge() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, stage := range a.stages {
		if stage == types.StageBridge {
			return true
		}
	}
	return false
}
