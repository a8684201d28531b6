package lossy

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
)

// RouterWriter is the router-side TCP stream the receiver writes
// reassembled packets to.
type RouterWriter interface {
	io.Writer
	// WriteVectored writes a packet immediately followed by any queued
	// backlog in a single call where the transport supports it (vectored
	// write); a plain two-call Write/Write is an equally correct fallback.
	WriteVectored(parts ...[]byte) error
}

// Receiver implements the ReceiveLossy state machine (spec §4.6).
type Receiver struct {
	PeerConv          uint32
	Skip              int
	PermanentFallback bool
	backlog           []byte

	log *slog.Logger
}

// NewReceiver returns a Receiver for a bridge whose KCP conversation id is
// peerConv; direct-UDP datagrams carrying that id as their first 4 bytes are
// KCP's own segments, not shortcut traffic, and are ignored here.
func NewReceiver(peerConv uint32, log *slog.Logger) *Receiver {
	if log == nil {
		log = slog.Default()
	}
	return &Receiver{PeerConv: peerConv, log: log}
}

// RecvLossy is called for every UDP datagram arriving from the peer. It
// returns whether the datagram was accepted as a shortcut traffic packet
// (and thus should not be handed to KCP).
func (r *Receiver) RecvLossy(datagram []byte, ygg io.Writer) (bool, error) {
	if r.PermanentFallback {
		return false, nil
	}

	var convHdr [4]byte
	binary.LittleEndian.PutUint32(convHdr[:], r.PeerConv)
	if bytes.HasPrefix(datagram, convHdr[:]) {
		return false, nil
	}
	if !parseYggdrasilPacket(datagram).isTraffic() {
		return false, nil
	}

	if r.Skip == 0 {
		if _, err := ygg.Write(datagram); err != nil {
			return true, err
		}
	} else {
		r.backlog = append(r.backlog, datagram...)
	}
	return true, nil
}

// ReadReliable processes bytes read out of the KCP stream, reassembling
// complete packets and writing them (plus any queued backlog, flushed
// immediately after to preserve cross-channel ordering) to ygg. It returns
// the number of trailing bytes that must be preserved at the start of buf
// for the next call.
func (r *Receiver) ReadReliable(buf []byte, ygg RouterWriter) (int, error) {
	if r.PermanentFallback {
		return r.recover(buf, ygg)
	}

	toWrite := buf
	toFlush := 0

	for toFlush != len(toWrite) {
		if r.Skip != 0 {
			toSkip := r.Skip
			if rem := len(toWrite) - toFlush; toSkip > rem {
				toSkip = rem
			}
			r.Skip -= toSkip
			toFlush += toSkip
		}

		for toFlush != len(toWrite) && r.Skip == 0 {
			pkt := parseYggdrasilPacket(toWrite[toFlush:])
			switch pkt.kind {
			case packetInvalid:
				return r.recover(toWrite, ygg)
			case packetTruncatedHeader:
				if _, err := ygg.Write(toWrite[:toFlush]); err != nil {
					return 0, err
				}
				n := copy(buf, toWrite[toFlush:])
				return n, nil
			case packetTraffic, packetMeta:
				toFlush += pkt.len
				if len(r.backlog) > 0 {
					if err := ygg.WriteVectored(toWrite[:toFlush], r.backlog); err != nil {
						return 0, err
					}
					toWrite = toWrite[toFlush:]
					toFlush = 0
					r.backlog = r.backlog[:0]
				}
			case packetTruncated:
				r.Skip += pkt.len
			}
		}
	}

	if _, err := ygg.Write(toWrite[:toFlush]); err != nil {
		return 0, err
	}
	return 0, nil
}

func (r *Receiver) recover(buf []byte, ygg io.Writer) (int, error) {
	if !r.PermanentFallback {
		r.PermanentFallback = true
		r.log.Warn("failed to interpret yggdrasil packets, falling back to reliable channel")
		r.backlog = r.backlog[:0]
	}
	if _, err := ygg.Write(buf); err != nil {
		return 0, err
	}
	return 0, nil
}
