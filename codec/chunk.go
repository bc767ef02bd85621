package codec

import (
	"errors"
	"net"
)

// chunkFramer implements the length-agnostic heuristic: keep reading ChunkSize bytes and
// stop at the first short read. It is correct only when the peer writes each message in
// one flush whose length is not a multiple of ChunkSize.
//
// A message whose length is an exact multiple of ChunkSize fills every read, so the
// framer keeps reading until either the peer closes (zero-byte read) or the read timeout
// expires with data already accumulated; both end the message. Such messages are
// therefore delivered one ReadTimeout late when the peer keeps the connection open.
type chunkFramer struct {
	conn net.Conn
	opts Options
	buf  []byte
}

func newChunkFramer(conn net.Conn, opts Options) *chunkFramer {
	return &chunkFramer{
		conn: conn,
		opts: opts,
		buf:  make([]byte, opts.ChunkSize),
	}
}

func (f *chunkFramer) ReadMessage() ([]byte, error) {
	var msg []byte
	for {
		n, err := read(f.conn, f.buf, f.opts.ReadTimeout)
		if n > 0 {
			msg = append(msg, f.buf[:n]...)
			if len(msg) > f.opts.MaxMessageSize {
				return nil, ErrMessageTooLarge
			}
		}

		if err != nil {
			switch {
			case errors.Is(err, ErrClosed), errors.Is(err, ErrTimeout):
				if len(msg) == 0 {
					return nil, err
				}
				return msg, nil
			default:
				// Hard socket error: the partial message is abandoned.
				return nil, err
			}
		}

		if n == 0 {
			if len(msg) == 0 {
				continue
			}
			return msg, nil
		}
		if n < f.opts.ChunkSize {
			return msg, nil
		}
	}
}

func (f *chunkFramer) WriteMessage(msg []byte) error {
	return write(f.conn, msg, f.opts.WriteTimeout)
}
