package bridge

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"

	"github.com/malbeclabs/yggdrasil-jumperd/internal/lossy"
)

// kcpConv derives the KCP conversation id the two sides of a bridge agree
// on without any extra handshake round trip: selfRand XOR remoteRand,
// replaced by 1 when the XOR is zero, so both ends compute the same non-zero
// id (spec §4.5).
func kcpConv(selfRand, remoteRand uint32) uint32 {
	c := selfRand ^ remoteRand
	if c == 0 {
		return 1
	}
	return c
}

// vectoredWriter adapts an io.Writer to lossy.RouterWriter; most transports
// have no true vectored write, so two sequential writes is a correct, if
// non-atomic, fallback.
type vectoredWriter struct{ w io.Writer }

func (v vectoredWriter) Write(p []byte) (int, error) { return v.w.Write(p) }

func (v vectoredWriter) WriteVectored(parts ...[]byte) error {
	for _, p := range parts {
		if len(p) == 0 {
			continue
		}
		if _, err := v.w.Write(p); err != nil {
			return err
		}
	}
	return nil
}

// kcpUpdateInterval is the maximum interval at which the KCP state machine
// is polled; KCP uses it to compute flush timing, so it can't be made much
// larger without hurting latency (proxy_tcp.rs).
const kcpUpdateInterval = 100 * time.Millisecond

// kcpRelayBufSize matches the reliable stream's read buffer; large enough
// to amortise syscalls without holding excessive unflushed KCP segments.
const kcpRelayBufSize = 1 << 14

// kcpOutput owns the single UDP socket to the traversed peer, funnelling
// both KCP protocol segments (from kcp.KCP's output callback) and, when the
// lossy shortcut is enabled, raw traffic-class datagrams that bypass KCP
// entirely.
type kcpOutput struct {
	mu   sync.Mutex
	conn *net.UDPConn
}

func (o *kcpOutput) write(buf []byte, size int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, _ = o.conn.Write(buf[:size])
}

func (o *kcpOutput) WritePacket(p []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.conn.Write(p)
	return err
}

// relayKCP bridges ygg (a TCP stream to the local router) over peer (a
// connected UDP socket to the traversed remote) using a KCP stream for
// reliability, optionally shunting traffic-class Yggdrasil packets around
// KCP entirely via the lossy shortcut (spec §4.5, §4.6). The relay owns
// peer outright: one goroutine demuxes every inbound datagram between the
// shortcut receiver and the KCP state machine, since both share the socket.
func relayKCP(ctx context.Context, ygg net.Conn, peer *net.UDPConn, conv uint32, lossyShortcut bool, udpMTU int, fallbackToReliable bool, log *slog.Logger) error {
	out := &kcpOutput{conn: peer}
	k := kcp.NewKCP(conv, out.write)
	k.NoDelay(1, int(kcpUpdateInterval/time.Millisecond), 0, 1)

	var kmu sync.Mutex
	errc := make(chan error, 3)

	// receiver is shared between the peer-read and kcp-recv goroutines below:
	// RecvLossy's Skip/backlog bookkeeping is only meaningful if the same
	// instance also drives ReadReliable, since a truncated packet observed on
	// one channel must suppress and then flush against the other (spec §4.6).
	receiver := lossy.NewReceiver(conv, log)
	var rmu sync.Mutex

	// ygg -> kcp/peer
	go func() {
		sender := lossy.NewSender(udpMTU, fallbackToReliable, log)
		buf := make([]byte, kcpRelayBufSize)
		leftover := 0
		for {
			n, err := ygg.Read(buf[leftover:])
			if err != nil {
				errc <- err
				return
			}
			total := leftover + n

			kmu.Lock()
			if lossyShortcut {
				leftover, err = sender.Send(buf[:total], out, kcpWriter{k: k})
			} else {
				_ = k.Send(buf[:total])
				leftover = 0
			}
			kmu.Unlock()
			if err != nil {
				errc <- err
				return
			}
		}
	}()

	// peer -> kcp/ygg demux: every inbound datagram is first offered to the
	// shortcut receiver (if enabled); anything it declines is a genuine KCP
	// segment and is fed to k.Input.
	go func() {
		rw := vectoredWriter{w: ygg}
		buf := make([]byte, udpProxyBufSize)
		for {
			n, err := peer.Read(buf)
			if err != nil {
				errc <- err
				return
			}
			datagram := buf[:n]
			if lossyShortcut {
				rmu.Lock()
				accepted, err := receiver.RecvLossy(datagram, rw)
				rmu.Unlock()
				if err != nil {
					errc <- err
					return
				}
				if accepted {
					continue
				}
			}
			kmu.Lock()
			_ = k.Input(datagram, true, true)
			kmu.Unlock()
		}
	}()

	// kcp -> ygg: drain whatever k.Recv reassembles, through the shortcut
	// receiver's reliable-channel path so backlogged traffic packets stay
	// correctly ordered against it.
	go func() {
		rw := vectoredWriter{w: ygg}
		buf := make([]byte, kcpRelayBufSize)
		leftover := 0
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case <-ticker.C:
			}
			kmu.Lock()
			n, _ := k.Recv(buf[leftover:])
			kmu.Unlock()
			if n <= 0 {
				continue
			}
			total := leftover + n
			var err error
			if lossyShortcut {
				rmu.Lock()
				leftover, err = receiver.ReadReliable(buf[:total], rw)
				rmu.Unlock()
			} else {
				_, err = ygg.Write(buf[:total])
				leftover = 0
			}
			if err != nil {
				errc <- err
				return
			}
		}
	}()

	// kcp housekeeping: flush retransmit/ack timers on its own cadence.
	go func() {
		ticker := time.NewTicker(kcpUpdateInterval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				kmu.Lock()
				k.Update()
				k.Flush(false)
				kmu.Unlock()
			}
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

// kcpWriter adapts kcp.KCP's Send to an io.Writer so lossy.Sender can write
// control/meta packets through the same interface it uses for a plain
// reliable stream.
type kcpWriter struct{ k *kcp.KCP }

func (w kcpWriter) Write(p []byte) (int, error) {
	if w.k.Send(p) < 0 {
		return 0, io.ErrShortWrite
	}
	return len(p), nil
}
