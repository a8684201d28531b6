// Package session implements the Session Manager: it turns the router's
// session snapshots into Rendezvous Tasks, each running the handshake,
// NAT traversal, and bridge sequence for one candidate peer (spec §4.1).
package session

import (
	"encoding/binary"
	"net"
)

const (
	addressPrefix = 0x02
	subnetPrefix  = 0x03
	subnetBytes   = 8
)

// Whitelist matches candidate overlay addresses against two derived sets:
// address literals, and 64-bit subnet identifiers recovered from any
// configured entry whose first octet carries the subnet prefix (spec §4.1
// "Whitelist structure").
type Whitelist struct {
	addresses map[[16]byte]struct{}
	subnets   map[uint64]struct{}
}

// NewWhitelist builds a Whitelist from the configured Ipv6 address list. A
// nil/empty entries slice yields a Whitelist whose Contains always reports
// false; callers that want "no whitelist configured => allow everything"
// must check that case themselves before constructing one.
func NewWhitelist(entries []net.IP) *Whitelist {
	w := &Whitelist{addresses: map[[16]byte]struct{}{}, subnets: map[uint64]struct{}{}}
	for _, ip := range entries {
		ip16 := ip.To16()
		if ip16 == nil {
			continue
		}
		var key [16]byte
		copy(key[:], ip16)

		if key[0] == subnetPrefix {
			rewritten := key
			rewritten[0] = addressPrefix
			w.subnets[subnetID(rewritten)] = struct{}{}
			continue
		}
		w.addresses[key] = struct{}{}
	}
	return w
}

// subnetID packs a 16-byte address's first 8 octets into a uint64 using
// the host's native byte order, so the rewrite below is endianness-neutral.
func subnetID(addr [16]byte) uint64 {
	return binary.NativeEndian.Uint64(addr[:subnetBytes])
}

// Contains reports whether addr matches the literal set or, after
// rewriting its prefix from the 0x03 subnet form to an 0x02-prefixed
// lookup key, the subnet set.
func (w *Whitelist) Contains(addr net.IP) bool {
	ip16 := addr.To16()
	if ip16 == nil {
		return false
	}
	var key [16]byte
	copy(key[:], ip16)

	if _, ok := w.addresses[key]; ok {
		return true
	}
	if key[0] == subnetPrefix {
		key[0] = addressPrefix
	}
	_, ok := w.subnets[subnetID(key)]
	return ok
}
