package lossy

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeVarintScenarioA(t *testing.T) {
	value, length, result := decodeVarint([]byte{0x96, 0x01})
	require.Equal(t, varintOK, result)
	assert.Equal(t, uint64(150), value)
	assert.Equal(t, 2, length)

	_, _, result = decodeVarint([]byte{0x80})
	assert.Equal(t, varintTruncated, result)
}

// encodeVarint is a minimal LEB128 encoder used only to build test fixtures.
func encodeVarint(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

type fakePeer struct{ sent [][]byte }

func (f *fakePeer) WritePacket(p []byte) error {
	cp := append([]byte(nil), p...)
	f.sent = append(f.sent, cp)
	return nil
}

func TestSenderScenarioF(t *testing.T) {
	var kcp bytes.Buffer
	peer := &fakePeer{}

	traffic := append(encodeVarint(6), append([]byte{9}, []byte("hello")...)...)
	control := append(encodeVarint(3), append([]byte{1}, []byte("xy")...)...)
	input := append(append([]byte{}, traffic...), control...)

	s := NewSender(16, true, nil)
	left, err := s.Send(input, peer, &kcp)
	require.NoError(t, err)
	assert.Equal(t, 0, left)

	require.Len(t, peer.sent, 1)
	assert.Equal(t, traffic, peer.sent[0])
	assert.Equal(t, control, kcp.Bytes())
}

type fakeRouterWriter struct{ bytes.Buffer }

func (f *fakeRouterWriter) WriteVectored(parts ...[]byte) error {
	for _, p := range parts {
		if _, err := f.Write(p); err != nil {
			return err
		}
	}
	return nil
}

func TestReceiverScenarioF(t *testing.T) {
	traffic := append(encodeVarint(6), append([]byte{9}, []byte("hello")...)...)
	control := append(encodeVarint(3), append([]byte{1}, []byte("xy")...)...)

	r := NewReceiver(0xdeadbeef, nil)
	ygg := &fakeRouterWriter{}

	accepted, err := r.RecvLossy(traffic, ygg)
	require.NoError(t, err)
	assert.True(t, accepted)

	left, err := r.ReadReliable(append([]byte(nil), control...), ygg)
	require.NoError(t, err)
	assert.Equal(t, 0, left)

	want := append(append([]byte{}, traffic...), control...)
	assert.Equal(t, want, ygg.Bytes())
}

func TestReceiverIgnoresOwnKCPConversationPrefix(t *testing.T) {
	r := NewReceiver(0x01020304, nil)
	datagram := []byte{0x04, 0x03, 0x02, 0x01, 0xff, 0xff}
	ygg := &fakeRouterWriter{}
	accepted, err := r.RecvLossy(datagram, ygg)
	require.NoError(t, err)
	assert.False(t, accepted)
}

func TestParserRoundTripsPacketBoundaries(t *testing.T) {
	pkt1 := append(encodeVarint(3), []byte{9, 'a', 'b'}...)
	pkt2 := append(encodeVarint(2), []byte{2, 'c'}...)
	stream := append(append([]byte{}, pkt1...), pkt2...)

	off := 0
	var got [][]byte
	for off < len(stream) {
		p := parseYggdrasilPacket(stream[off:])
		require.Equal(t, packetTraffic == p.kind || packetMeta == p.kind, true)
		got = append(got, stream[off:off+p.len])
		off += p.len
	}
	assert.Equal(t, [][]byte{pkt1, pkt2}, got)
}

func TestSenderPermanentFallbackOnInvalid(t *testing.T) {
	var kcp bytes.Buffer
	peer := &fakePeer{}
	s := NewSender(1500, true, nil)

	// 9 continuation bytes all with high bit set is an invalid varint.
	bad := bytes.Repeat([]byte{0xff}, 9)
	_, err := s.Send(bad, peer, &kcp)
	require.NoError(t, err)
	assert.True(t, s.PermanentFallback)
	assert.Equal(t, bad, kcp.Bytes())
}
