package codec

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
)

func newLineFramer(conn net.Conn, opts Options) *streamFramer {
	return &streamFramer{
		conn:  conn,
		opts:  opts,
		buf:   make([]byte, opts.ChunkSize),
		split: bufio.ScanLines,
		encode: func(msg []byte) ([]byte, error) {
			if bytes.IndexByte(msg, '\n') >= 0 {
				return nil, fmt.Errorf("%w: message contains a newline", ErrInvalidMessage)
			}
			data := make([]byte, len(msg)+1)
			copy(data, msg)
			data[len(msg)] = '\n'
			return data, nil
		},
	}
}
