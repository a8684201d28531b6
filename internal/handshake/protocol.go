// Package handshake implements the Overlay Handshake Protocol: length-
// delimited JSON frames exchanging version/capabilities, candidate external
// addresses, and connection-status notifications (spec §4.2).
package handshake

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/malbeclabs/yggdrasil-jumperd/internal/types"
)

// StatusTraversalSucceed is the status frame sent when the local prober's
// oneshot fires on first valid authenticated reply (spec §4.2).
const StatusTraversalSucceed = "traversal-succeed"

// ErrVersionMismatch indicates the remote's Header.Version lacks the
// expected prefix (scenario C).
type ErrVersionMismatch struct{ Remote string }

func (e *ErrVersionMismatch) Error() string {
	return fmt.Sprintf("handshake: protocol version mismatch: remote sent %q", e.Remote)
}

// ErrNoCommonProtocol indicates no compatible peering scheme was found.
var ErrNoCommonProtocol = fmt.Errorf("handshake: no common router transport protocol with remote")

// ErrNoCommonAddressFamily indicates neither side shares an enabled address
// family.
var ErrNoCommonAddressFamily = fmt.Errorf("handshake: no common address family with remote")

// ErrIncompatibleFamilies indicates the two sides' external addresses are
// of different IP versions.
var ErrIncompatibleFamilies = fmt.Errorf("handshake: external addresses have incompatible address families")

// ErrDegenerateTieBreak is returned when both sides' overlay addresses are
// equal; spec §9's open question resolves this case as a rejection rather
// than picking an arbitrary winner.
var ErrDegenerateTieBreak = fmt.Errorf("handshake: overlay addresses compare equal, refusing to pick a connection mode")

// compatible reports whether two HeaderRouterProtocol entries may be paired:
// same base scheme, and at least one side can accept an inbound connection
// for it.
func compatible(a, b types.HeaderRouterProtocol) bool {
	return a.Protocol == b.Protocol && (a.ServerAvailable || b.ServerAvailable)
}

// candidateOrder sorts compatible candidate pairs into the ascending
// priority order spec §4.2 step 4 iterates in (Tcp, Quic, Tls), lowest
// priority first so the "for each candidate protocol, in priority order"
// loop tries Tcp before falling back to Quic/Tls.
func candidateOrder(self, remote []types.HeaderRouterProtocol) []struct {
	Self, Remote types.HeaderRouterProtocol
} {
	type pair = struct {
		Self, Remote types.HeaderRouterProtocol
	}
	var out []pair
	for _, s := range self {
		for _, r := range remote {
			if compatible(s, r) {
				out = append(out, pair{s, r})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return types.Less(out[i].Self.Protocol, out[j].Self.Protocol)
	})
	return out
}

// DeriveConnectionMode implements spec §4.2 step 4d and the resolved open
// question (strict `<`, reject on `==`).
func DeriveConnectionMode(protocol types.PeeringProtocol, selfServerAvailable, remoteServerAvailable bool, selfAddr, remoteAddr netip.Addr) (types.ConnectionMode, error) {
	if protocol == types.ProtocolTCP {
		return types.ModeAny, nil
	}

	if selfServerAvailable == remoteServerAvailable {
		cmp := selfAddr.Compare(remoteAddr)
		switch {
		case cmp < 0:
			return types.ModeToEndpoint, nil
		case cmp > 0:
			return types.ModeAsEndpoint, nil
		default:
			return 0, ErrDegenerateTieBreak
		}
	}
	if selfServerAvailable {
		return types.ModeToEndpoint, nil
	}
	return types.ModeAsEndpoint, nil
}

// DeriveSessionID implements spec §3/§8 property #8/scenario E: sort the
// two rand fields ascending and pack them as (higher<<32 | lower).
func DeriveSessionID(selfRand, remoteRand uint32) uint64 {
	lo, hi := selfRand, remoteRand
	if lo > hi {
		lo, hi = hi, lo
	}
	return uint64(hi)<<32 | uint64(lo)
}

// DeriveSharedSecret implements spec §3/§8 property #9: sort the two
// secret_rand fields ascending and concatenate their 8-hex-digit
// representations into a 16-lowercase-hex-character string.
func DeriveSharedSecret(selfSecretRand, remoteSecretRand uint32) string {
	lo, hi := selfSecretRand, remoteSecretRand
	if lo > hi {
		lo, hi = hi, lo
	}
	return fmt.Sprintf("%08x%08x", lo, hi)
}

// DeriveNoncePassword implements spec §4.2's optional password: when either
// side emits a nonce, both are concatenated in sorted (larger-lexical-first)
// order.
func DeriveNoncePassword(selfNonce, remoteNonce *string) (string, bool) {
	if selfNonce == nil && remoteNonce == nil {
		return "", false
	}
	a, b := "", ""
	if selfNonce != nil {
		a = *selfNonce
	}
	if remoteNonce != nil {
		b = *remoteNonce
	}
	if a < b {
		a, b = b, a
	}
	return a + b, true
}
