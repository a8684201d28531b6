package lossy

import (
	"io"
	"log/slog"
)

// PacketWriter sends a single UDP datagram directly to the bridged peer,
// bypassing the reliable KCP stream.
type PacketWriter interface {
	WritePacket(p []byte) error
}

// Sender implements the SendLossy state machine (spec §4.6): it consumes
// bytes read from the router-side TCP stream and routes each dissected
// packet either straight over UDP (traffic, within the MTU) or into the
// reliable KCP writer (control, unparseable data, and oversize traffic when
// FallbackToReliable is set; without it, oversize traffic is dropped).
type Sender struct {
	Skip                int
	UDPMTU              int
	FallbackToReliable  bool
	PermanentFallback   bool

	log *slog.Logger
}

// NewSender returns a Sender configured per the bridge's lossy-shortcut
// settings.
func NewSender(udpMTU int, fallbackToReliable bool, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}
	return &Sender{UDPMTU: udpMTU, FallbackToReliable: fallbackToReliable, log: log}
}

// Send consumes buf, writing traffic packets to peer and everything else to
// kcp. It returns the number of trailing bytes (a truncated packet header)
// that must be preserved at the start of buf for the next call, copied into
// buf[:n] by the caller's convention mirrored here: Send itself performs
// that copy and returns the count.
func (s *Sender) Send(buf []byte, peer PacketWriter, kcp io.Writer) (int, error) {
	if s.PermanentFallback {
		return s.recover(buf, kcp)
	}

	toWrite := buf
	for len(toWrite) > 0 {
		if s.Skip != 0 {
			toSkip := s.Skip
			if toSkip > len(toWrite) {
				toSkip = len(toWrite)
			}
			s.Skip -= toSkip
			if _, err := kcp.Write(toWrite[:toSkip]); err != nil {
				return 0, err
			}
			toWrite = toWrite[toSkip:]
		}

		for len(toWrite) > 0 && s.Skip == 0 {
			pkt := parseYggdrasilPacket(toWrite)
			switch pkt.kind {
			case packetInvalid:
				return s.recover(toWrite, kcp)
			case packetTruncatedHeader:
				n := copy(buf, toWrite)
				return n, nil
			case packetTraffic:
				if pkt.len <= s.UDPMTU {
					if err := peer.WritePacket(toWrite[:pkt.len]); err != nil {
						return 0, err
					}
					toWrite = toWrite[pkt.len:]
					continue
				}
				if !s.FallbackToReliable {
					// IP spec mandates a destination-unreachable ICMP reply; this
					// daemon does not emit one.
					toWrite = toWrite[pkt.len:]
					continue
				}
				if _, err := kcp.Write(toWrite[:pkt.len]); err != nil {
					return 0, err
				}
				toWrite = toWrite[pkt.len:]
			case packetMeta:
				if _, err := kcp.Write(toWrite[:pkt.len]); err != nil {
					return 0, err
				}
				toWrite = toWrite[pkt.len:]
			case packetTruncated:
				s.Skip += pkt.len
			}
		}
	}

	return 0, nil
}

// recover permanently disables the shortcut and routes everything, now and
// forever, through kcp.
func (s *Sender) recover(buf []byte, kcp io.Writer) (int, error) {
	if !s.PermanentFallback {
		s.PermanentFallback = true
		s.log.Warn("failed to interpret yggdrasil packets, falling back to reliable channel")
	}
	if _, err := kcp.Write(buf); err != nil {
		return 0, err
	}
	return 0, nil
}
