package stunengine

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pion/stun/v3"
)

// streamDecoder reassembles STUN messages out of a TCP byte stream, which
// carries no inherent framing of its own beyond the STUN header's length
// field.
type streamDecoder struct {
	r   io.Reader
	buf []byte
}

func newStreamDecoder(r io.Reader) *streamDecoder {
	return &streamDecoder{r: r}
}

// next reads until one complete STUN message has arrived and returns it.
func (d *streamDecoder) next() (*stun.Message, error) {
	const headerSize = 20
	for {
		if len(d.buf) >= headerSize {
			bodyLen := binary.BigEndian.Uint16(d.buf[2:4])
			total := headerSize + int(bodyLen)
			if len(d.buf) >= total {
				raw := append([]byte(nil), d.buf[:total]...)
				d.buf = d.buf[total:]
				m := &stun.Message{Raw: raw}
				if err := m.Decode(); err != nil {
					return nil, fmt.Errorf("decode stun message: %w", err)
				}
				return m, nil
			}
		}

		chunk := make([]byte, 1500)
		n, err := d.r.Read(chunk)
		if n > 0 {
			d.buf = append(d.buf, chunk[:n]...)
		}
		if err != nil {
			return nil, err
		}
	}
}
