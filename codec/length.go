package codec

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Length framing solves the stream boundary problem with a fixed 8-byte header followed
// by a variable-length body. The receiver reads the header first to learn the body
// length, then waits for exactly that many bytes.
//
//	0      3  4         8
//	┌──────┬──┬─────────┬───────────────┐
//	│magic │v │ bodyLen │    body ...    │
//	│ srp  │01│ uint32  │ bodyLen bytes  │
//	└──────┴──┴─────────┴───────────────┘
//
// A zero-length body is a keepalive and is never surfaced as a message.
const (
	MagicNumber byte = 0x73 // 's'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 8 // 3 (magic) + 1 (version) + 4 (bodyLen)
)

func newLengthFramer(conn net.Conn, opts Options) *streamFramer {
	return &streamFramer{
		conn: conn,
		opts: opts,
		buf:  make([]byte, opts.ChunkSize),
		split: func(data []byte, atEOF bool) (int, []byte, error) {
			return splitFrame(data, opts.MaxMessageSize)
		},
		encode: func(msg []byte) ([]byte, error) {
			if len(msg) > opts.MaxMessageSize {
				return nil, ErrMessageTooLarge
			}
			return EncodeFrame(msg), nil
		},
	}
}

// EncodeFrame returns header + body.
func EncodeFrame(body []byte) []byte {
	buf := make([]byte, HeaderSize+len(body))
	buf[0], buf[1], buf[2] = MagicNumber, MagicByte2, MagicByte3
	buf[3] = Version
	// Body length: 4 bytes, big-endian (network byte order)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(body)))
	copy(buf[HeaderSize:], body)
	return buf
}

func splitFrame(data []byte, maxSize int) (int, []byte, error) {
	if len(data) < HeaderSize {
		return 0, nil, nil
	}

	// Reject non-protocol peers early, e.g. a line-framed client on the wrong port.
	if data[0] != MagicNumber || data[1] != MagicByte2 || data[2] != MagicByte3 {
		return 0, nil, fmt.Errorf("%w: invalid magic number: %x", ErrInvalidMessage, data[0:3])
	}
	if data[3] != Version {
		return 0, nil, fmt.Errorf("%w: unsupported version: %d", ErrInvalidMessage, data[3])
	}

	bodyLen := int(binary.BigEndian.Uint32(data[4:8]))
	if bodyLen > maxSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, bodyLen)
	}
	if len(data) < HeaderSize+bodyLen {
		return 0, nil, nil
	}
	return HeaderSize + bodyLen, data[HeaderSize : HeaderSize+bodyLen], nil
}
