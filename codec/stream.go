package codec

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
)

// streamFramer reassembles messages with an explicit boundary. Bytes read past the end
// of one message stay buffered for the next call, and a timeout in the middle of a
// message keeps what has arrived so far.
type streamFramer struct {
	conn    net.Conn
	opts    Options
	buf     []byte
	pending []byte
	split   bufio.SplitFunc
	encode  func(msg []byte) ([]byte, error)
}

func (f *streamFramer) ReadMessage() ([]byte, error) {
	for {
		msg, ok, err := f.next(false)
		if err != nil {
			return nil, err
		}
		if ok {
			return msg, nil
		}

		if len(f.pending) > f.opts.MaxMessageSize {
			return nil, ErrMessageTooLarge
		}

		n, err := read(f.conn, f.buf, f.opts.ReadTimeout)
		f.pending = append(f.pending, f.buf[:n]...)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrClosed) {
			return nil, err
		}

		// Peer closed: whatever is buffered must form a final message.
		msg, ok, splitErr := f.next(true)
		if splitErr != nil {
			return nil, splitErr
		}
		if ok {
			return msg, nil
		}
		if len(f.pending) > 0 {
			f.pending = nil
			return nil, fmt.Errorf("%w: %w", ErrConnection, io.ErrUnexpectedEOF)
		}
		return nil, ErrClosed
	}
}

// next pops the first complete non-empty message off the buffer. Empty messages are
// keepalives and are dropped.
func (f *streamFramer) next(atEOF bool) ([]byte, bool, error) {
	for len(f.pending) > 0 {
		advance, token, err := f.split(f.pending, atEOF)
		if err != nil {
			return nil, false, err
		}
		if advance == 0 && token == nil {
			return nil, false, nil
		}
		msg := append([]byte(nil), token...)
		f.pending = f.pending[advance:]
		if len(f.pending) == 0 {
			f.pending = nil
		}
		if len(msg) > 0 {
			return msg, true, nil
		}
	}
	return nil, false, nil
}

func (f *streamFramer) WriteMessage(msg []byte) error {
	data, err := f.encode(msg)
	if err != nil {
		return err
	}
	return write(f.conn, data, f.opts.WriteTimeout)
}
