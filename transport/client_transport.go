package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"stratum-rpc/codec"
)

var ErrTransportBroken = errors.New("transport: connection is no longer usable")

// ClientTransport sends one message at a time over a single connection and reads the
// reply off the same connection. Concurrent callers are serialized; use a Pool for
// parallel calls.
//
// A read timeout with nothing received is terminal for the call: there is no accept
// loop to retry against, and a late reply would otherwise be taken for the answer to
// the next call. The transport is marked broken and must be discarded.
type ClientTransport struct {
	conn   net.Conn
	framer codec.Framer
	mu     sync.Mutex // One call in flight; also orders writes on the conn
	broken atomic.Bool
}

func NewClientTransport(conn net.Conn, codecType codec.CodecType, opts codec.Options) *ClientTransport {
	return &ClientTransport{
		conn:   conn,
		framer: codec.NewFramer(codecType, conn, opts),
	}
}

// Dial connects to addr and wraps the connection.
func Dial(ctx context.Context, network, addr string, codecType codec.CodecType, opts codec.Options) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return NewClientTransport(conn, codecType, opts), nil
}

// SendMessage writes msg and, when expectReply is set, returns the next message read
// from the connection. Cancelling ctx closes the connection to abort blocked I/O.
func (t *ClientTransport) SendMessage(ctx context.Context, msg []byte, expectReply bool) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.broken.Load() {
		return nil, ErrTransportBroken
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		t.broken.Store(true)
		t.conn.Close()
	})
	defer stop()

	if err := t.framer.WriteMessage(msg); err != nil {
		return nil, t.fail(ctx, fmt.Errorf("send message: %w", err))
	}
	if !expectReply {
		return nil, nil
	}

	reply, err := t.framer.ReadMessage()
	if err != nil {
		return nil, t.fail(ctx, fmt.Errorf("receive reply: %w", err))
	}
	return reply, nil
}

func (t *ClientTransport) fail(ctx context.Context, err error) error {
	t.broken.Store(true)
	t.conn.Close()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// Broken reports whether a previous call left the connection unusable.
func (t *ClientTransport) Broken() bool {
	return t.broken.Load()
}

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

func (t *ClientTransport) Close() error {
	t.broken.Store(true)
	return t.conn.Close()
}
