// Package stunengine implements the STUN Engine (binding request/response
// codec, UDP retry / TCP single-shot lookups) and the External-Address
// Monitor that publishes the daemon's current Mapping set.
package stunengine

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/pion/stun/v3"

	"github.com/malbeclabs/yggdrasil-jumperd/internal/retry"
)

// jmprPrefix tags STUN transaction ids used by the NAT Traversal Engine's
// authenticated ping-pong (spec §4.4, §6); plain external-address lookups
// use a zeroed transaction id instead.
var jmprPrefix = [4]byte{'j', 'm', 'p', 'r'}

// SessionTransactionID builds the 12-byte transaction id
// "jmpr" ++ little-endian session id used by mode-2 traversal.
func SessionTransactionID(sessionID uint64) stun.TransactionID {
	var id stun.TransactionID
	copy(id[:4], jmprPrefix[:])
	for i := 0; i < 8; i++ {
		id[4+i] = byte(sessionID >> (8 * uint(i)))
	}
	return id
}

// HasSessionPrefix reports whether txID carries the jmpr session prefix,
// and if so extracts the session id.
func HasSessionPrefix(txID stun.TransactionID) (uint64, bool) {
	if [4]byte(txID[:4]) != jmprPrefix {
		return 0, false
	}
	var sessionID uint64
	for i := 0; i < 8; i++ {
		sessionID |= uint64(txID[4+i]) << (8 * uint(i))
	}
	return sessionID, true
}

// buildBindingRequest constructs a zeroed-transaction-id BINDING request
// used for plain external-address lookups (spec §4.3).
func buildBindingRequest() (*stun.Message, error) {
	m := new(stun.Message)
	m.Type = stun.BindingRequest
	if err := m.Build(stun.BindingRequest); err != nil {
		return nil, fmt.Errorf("build stun request: %w", err)
	}
	// Zero the random transaction id Build() assigned; external-address
	// lookups use a fixed, all-zero id.
	m.TransactionID = stun.TransactionID{}
	m.WriteTransactionID()
	return m, nil
}

// ExtractMappedAddress extracts the external address from a STUN response
// using the priority XorMappedAddress > XorMappedAddress2 > MappedAddress
// (spec §4.3, scenario B).
func ExtractMappedAddress(m *stun.Message) (netip.AddrPort, error) {
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(m); err == nil {
		return addrPortFrom(xor.IP, xor.Port), nil
	}

	var xor2 stun.XORMappedAddress
	if err := xor2.GetFromAs(m, stun.AttrXORMappedAddressExp2); err == nil {
		return addrPortFrom(xor2.IP, xor2.Port), nil
	}

	var mapped stun.MappedAddress
	if err := mapped.GetFrom(m); err == nil {
		return addrPortFrom(mapped.IP, mapped.Port), nil
	}

	return netip.AddrPort{}, fmt.Errorf("stun: no mapped-address attribute present")
}

func addrPortFrom(ip net.IP, port int) netip.AddrPort {
	addr, _ := netip.AddrFromSlice(ip)
	return netip.AddrPortFrom(addr.Unmap(), uint16(port))
}

// LookupExternalUDP issues a BINDING request over conn to server, retrying
// per config with either exponential or linear backoff, and returns the
// resolved external address of the first successful reply.
func LookupExternalUDP(ctx context.Context, conn *net.UDPConn, server *net.UDPAddr, retryTime time.Duration, retries int, exponential bool) (netip.AddrPort, error) {
	req, err := buildBindingRequest()
	if err != nil {
		return netip.AddrPort{}, err
	}

	timeouts := retry.Timeouts(retryTime, retries, exponential)
	buf := make([]byte, 1500)

	var lastErr error = fmt.Errorf("stun: no reply from %s", server)
	for _, timeout := range timeouts {
		if ctx.Err() != nil {
			return netip.AddrPort{}, ctx.Err()
		}
		if _, err := conn.WriteToUDP(req.Raw, server); err != nil {
			lastErr = fmt.Errorf("stun: send to %s: %w", server, err)
			continue
		}
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return netip.AddrPort{}, fmt.Errorf("stun: set read deadline: %w", err)
		}
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			lastErr = fmt.Errorf("stun: read from %s: %w", server, err)
			continue
		}
		if from.String() != server.String() {
			continue
		}
		resp := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := resp.Decode(); err != nil {
			lastErr = fmt.Errorf("stun: decode reply from %s: %w", server, err)
			continue
		}
		return ExtractMappedAddress(resp)
	}
	return netip.AddrPort{}, lastErr
}

// LookupExternalTCP connects to server, sends a single BINDING request, and
// reads a single reply within timeout.
func LookupExternalTCP(ctx context.Context, server string, timeout time.Duration) (netip.AddrPort, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("stun: dial %s: %w", server, err)
	}
	defer conn.Close()

	req, err := buildBindingRequest()
	if err != nil {
		return netip.AddrPort{}, err
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return netip.AddrPort{}, fmt.Errorf("stun: set deadline: %w", err)
	}
	if _, err := conn.Write(req.Raw); err != nil {
		return netip.AddrPort{}, fmt.Errorf("stun: send to %s: %w", server, err)
	}

	dec := newStreamDecoder(conn)
	resp, err := dec.next()
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("stun: read reply from %s: %w", server, err)
	}
	return ExtractMappedAddress(resp)
}
