package session

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWhitelistMatchesLiteralAddress(t *testing.T) {
	addr := net.ParseIP("200::1")
	w := NewWhitelist([]net.IP{addr})
	assert.True(t, w.Contains(addr))
	assert.False(t, w.Contains(net.ParseIP("200::2")))
}

func TestWhitelistMatchesSubnet(t *testing.T) {
	subnet := net.ParseIP("300:aabb:ccdd:eeff::")
	w := NewWhitelist([]net.IP{subnet})

	member := net.ParseIP("200:aabb:ccdd:eeff::1234")
	assert.True(t, w.Contains(member))

	notMember := net.ParseIP("200:1111:2222:3333::1")
	assert.False(t, w.Contains(notMember))
}

func TestWhitelistRejectsUnrelatedAddress(t *testing.T) {
	w := NewWhitelist([]net.IP{net.ParseIP("200::1")})
	assert.False(t, w.Contains(net.ParseIP("201::1")))
}
