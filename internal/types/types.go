// Package types holds the value types shared across the daemon: the wire
// handshake Header, the negotiated PeeringProtocol and ConnectionMode, and
// the Mapping/SessionStage/SessionCache entities the Session Manager and
// External-Address Monitor track.
package types

import (
	"net"
	"net/netip"
)

// Transport distinguishes TCP from UDP local sockets.
type Transport int

const (
	TransportTCP Transport = iota
	TransportUDP
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// Mapping is a (local, external, transport) triple learned from STUN.
type Mapping struct {
	Local     netip.AddrPort
	External  netip.AddrPort
	Transport Transport
}

// SessionStage tracks what a remote overlay address is currently doing.
type SessionStage int

const (
	StageSession SessionStage = iota
	StageBridge
)

func (s SessionStage) String() string {
	switch s {
	case StageSession:
		return "session"
	case StageBridge:
		return "bridge"
	default:
		return "unknown"
	}
}

// SessionCache holds per-peer capability learned across rendezvous attempts.
type SessionCache struct {
	JumperSupported *bool
	FailedTraversals uint32
}

// PeeringProtocol is one of the router peering transport schemes.
type PeeringProtocol int

const (
	ProtocolTCP PeeringProtocol = iota
	ProtocolTLS
	ProtocolQUIC
)

func (p PeeringProtocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolTLS:
		return "tls"
	case ProtocolQUIC:
		return "quic"
	default:
		return "unknown"
	}
}

// ParsePeeringProtocol parses a URI scheme into a PeeringProtocol.
func ParsePeeringProtocol(scheme string) (PeeringProtocol, bool) {
	switch scheme {
	case "tcp":
		return ProtocolTCP, true
	case "tls":
		return ProtocolTLS, true
	case "quic":
		return ProtocolQUIC, true
	default:
		return 0, false
	}
}

// priority defines the ascending candidate order from spec §4.2: Tcp, Quic, Tls.
func (p PeeringProtocol) priority() int {
	switch p {
	case ProtocolTCP:
		return 0
	case ProtocolQUIC:
		return 1
	case ProtocolTLS:
		return 2
	default:
		return 99
	}
}

// Less orders protocols by ascending negotiation priority (Tcp, Quic, Tls).
func Less(a, b PeeringProtocol) bool { return a.priority() < b.priority() }

// ConnectionMode decides who initiates the router-side peer connection.
type ConnectionMode int

const (
	ModeAny ConnectionMode = iota
	ModeToEndpoint
	ModeAsEndpoint
)

func (m ConnectionMode) String() string {
	switch m {
	case ModeAny:
		return "any"
	case ModeToEndpoint:
		return "to-endpoint"
	case ModeAsEndpoint:
		return "as-endpoint"
	default:
		return "unknown"
	}
}

// HeaderRouterProtocol is one entry of Header.Protocols: a peering scheme
// plus, for server-capable schemes, whether this side can accept inbound
// connections for it.
type HeaderRouterProtocol struct {
	Protocol        PeeringProtocol `json:"protocol"`
	ServerAvailable bool            `json:"server_available,omitempty"`
}

// Header is exchanged once per handshake (spec §3, §4.2).
type Header struct {
	Version   string                 `json:"version"`
	Rand      uint32                 `json:"rand"`
	SecretRand uint32                `json:"secret_rand"`
	IPv4      bool                   `json:"ipv4"`
	IPv6      bool                   `json:"ipv6"`
	Protocols []HeaderRouterProtocol `json:"protocols"`
	Nonce     *string                `json:"nonce,omitempty"`
}

// VersionPrefix is the stable, enforced prefix of Header.Version; the
// numeric suffix is informational only (spec §9).
const VersionPrefix = "yggdrasil-jumper-v"

// CompatibleVersion reports whether v carries the expected version prefix.
func CompatibleVersion(v string) bool {
	return len(v) >= len(VersionPrefix) && v[:len(VersionPrefix)] == VersionPrefix
}

// SessionEntry mirrors the admin API's session snapshot entry.
type SessionEntry struct {
	Address net.IP
	Key     string
	Uptime  uint64 // seconds
}

// PeerEntry mirrors the admin API's peer-table snapshot entry.
type PeerEntry struct {
	Address net.IP
	Remote  string
	Up      bool
}
