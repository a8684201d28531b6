package session

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActiveSessionsSessionLifecycle(t *testing.T) {
	a := NewActiveSessions()
	addr := net.ParseIP("200::1")

	assert.True(t, a.TryInsertSession(addr))
	assert.False(t, a.TryInsertSession(addr))
	assert.True(t, a.Contains(addr))

	a.RemoveIfSession(addr)
	assert.False(t, a.Contains(addr))
}

func TestActiveSessionsUpgradeToBridgeSurvivesRemoveIfSession(t *testing.T) {
	a := NewActiveSessions()
	addr := net.ParseIP("200::2")

	assert.True(t, a.TryInsertSession(addr))
	assert.True(t, a.TryInsertBridge(addr))
	assert.False(t, a.TryInsertBridge(addr))

	// A stale cleanup from the spawn loop must not evict an entry that has
	// since been upgraded to the Bridge stage.
	a.RemoveIfSession(addr)
	assert.True(t, a.Contains(addr))

	a.Remove(addr)
	assert.False(t, a.Contains(addr))
}

func TestActiveSessionsAnyBridge(t *testing.T) {
	a := NewActiveSessions()
	assert.False(t, a.AnyBridge())

	addr := net.ParseIP("200::3")
	a.TryInsertSession(addr)
	assert.False(t, a.AnyBridge())

	a.TryInsertBridge(addr)
	assert.True(t, a.AnyBridge())

	a.Remove(addr)
	assert.False(t, a.AnyBridge())
}
