// Package codec delimits logical messages on a raw byte stream.
//
// A Framer owns one connection's read side state. Three framing schemes are provided:
//
//   - Line:   one message per '\n'-terminated line (the Stratum convention).
//   - Length: a fixed 8-byte header carrying the body length.
//   - Chunk:  no framing bytes at all; a read shorter than the chunk size ends a message.
//     Kept for peers that flush one message per write and nothing else.
//
// Framers never add protocol bytes of their own beyond the scheme's delimiter or header.
package codec

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

type CodecType byte

const (
	CodecTypeLine   CodecType = 0
	CodecTypeChunk  CodecType = 1
	CodecTypeLength CodecType = 2
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeLine:
		return "line"
	case CodecTypeChunk:
		return "chunk"
	case CodecTypeLength:
		return "length"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// ParseCodecType maps a config name to a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "line":
		return CodecTypeLine, nil
	case "chunk":
		return CodecTypeChunk, nil
	case "length":
		return CodecTypeLength, nil
	default:
		return 0, fmt.Errorf("unknown framing %q", name)
	}
}

// Read outcomes other than a message. They are distinct so callers can tell "nothing
// yet" from "peer went away" from "socket broke".
var (
	ErrTimeout         = errors.New("codec: read timed out")
	ErrClosed          = errors.New("codec: connection closed by peer")
	ErrConnection      = errors.New("codec: connection error")
	ErrInvalidMessage  = errors.New("codec: invalid message")
	ErrMessageTooLarge = errors.New("codec: message too large")
)

type Options struct {
	ChunkSize      int           // Bytes requested per read
	ReadTimeout    time.Duration // Armed before every read; 0 disables
	WriteTimeout   time.Duration // Armed before every write; 0 disables
	MaxMessageSize int           // Upper bound on one reassembled message
}

func DefaultOptions() Options {
	return Options{
		ChunkSize:      4096,
		ReadTimeout:    5 * time.Second,
		MaxMessageSize: 1 << 20,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ChunkSize <= 0 {
		o.ChunkSize = def.ChunkSize
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = def.MaxMessageSize
	}
	return o
}

// Framer reads and writes whole messages on one connection. It is not safe for
// concurrent use by multiple readers or multiple writers.
type Framer interface {
	// ReadMessage returns the next complete message, or ErrTimeout, ErrClosed,
	// ErrConnection (wrapping the cause), ErrInvalidMessage or ErrMessageTooLarge.
	ReadMessage() ([]byte, error)
	// WriteMessage writes msg with the scheme's framing in a single write call.
	WriteMessage(msg []byte) error
}

// NewFramer returns a Framer of the given type over conn.
func NewFramer(codecType CodecType, conn net.Conn, opts Options) Framer {
	opts = opts.withDefaults()
	switch codecType {
	case CodecTypeChunk:
		return newChunkFramer(conn, opts)
	case CodecTypeLength:
		return newLengthFramer(conn, opts)
	default:
		return newLineFramer(conn, opts)
	}
}

// read performs one deadline-bounded read and classifies its error.
func read(conn net.Conn, buf []byte, timeout time.Duration) (int, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	// A closed connection also rejects the deadline; Read then tells a peer close from a
	// broken socket.
	_ = conn.SetReadDeadline(deadline)
	n, err := conn.Read(buf)
	return n, classify(err)
}

func write(conn net.Conn, data []byte, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	_ = conn.SetWriteDeadline(deadline)
	if _, err := conn.Write(data); err != nil {
		return classify(err)
	}
	return nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) {
		return ErrClosed
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return fmt.Errorf("%w: %w", ErrConnection, err)
}

// IsFatal reports whether err means the connection can no longer be used.
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrTimeout)
}
