// Package transport moves raw messages between peers and routes every reply back to
// the connection that produced the request.
//
// The server side decouples I/O from dispatch. Each accepted connection runs Handle in
// its own goroutine; every message it reads is published, together with a private
// single-use reply slot (a Context), onto one shared queue. Any number of dispatch
// goroutines compete on ReceiveMessage and answer through SendReply:
//
//	conn-1 ──Handle──┐                         ┌── ReceiveMessage ── worker-1
//	conn-2 ──Handle──┼──→ (Context, msg) queue ┼── ReceiveMessage ── worker-2
//	conn-3 ──Handle──┘                         └── ReceiveMessage ── worker-3
//
//	worker-2: SendReply(ctx-of-conn-1, reply) → only conn-1's Handle wakes up
//
// A handler reads its next message only after the reply to the previous one has been
// written, so each connection has at most one request in flight.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"stratum-rpc/codec"
	"stratum-rpc/metrics"
)

var (
	ErrTransportClosed = errors.New("transport: closed")
	ErrReplySent       = errors.New("transport: reply already sent for this context")
	ErrNilContext      = errors.New("transport: nil context")
)

// Context is the reply slot of one inbound message. It is created by the connection
// handler, filled once by a dispatch consumer and read once by that same handler.
type Context struct {
	reply  chan []byte
	sent   atomic.Bool
	remote string
}

func newContext(remote string) *Context {
	// Buffered so SendReply never blocks, even when the handler has gone away.
	return &Context{reply: make(chan []byte, 1), remote: remote}
}

// RemoteAddr is the address of the peer that sent the message.
func (c *Context) RemoteAddr() string {
	return c.remote
}

type inbound struct {
	ctx *Context
	msg []byte
}

// ServerTransport is safe for concurrent use by many handlers and many consumers.
type ServerTransport struct {
	messages    chan inbound
	codecType   codec.CodecType
	codecOpts   codec.Options
	idleTimeout time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	conns    map[*connState]struct{}
	draining bool

	done      chan struct{}
	closeOnce sync.Once
}

// connState tracks whether a handler is between reading a request and writing its reply.
type connState struct {
	conn   net.Conn
	busy   bool
	closed bool // Closed by Drain while idle
}

type ServerOption func(*ServerTransport)

// WithCodec selects the framing scheme and its read options.
func WithCodec(codecType codec.CodecType, opts codec.Options) ServerOption {
	return func(t *ServerTransport) {
		t.codecType = codecType
		t.codecOpts = opts
	}
}

// WithQueueSize sets the capacity of the shared inbound queue. 0 makes every enqueue a
// direct handoff to a waiting consumer.
func WithQueueSize(n int) ServerOption {
	return func(t *ServerTransport) {
		t.messages = make(chan inbound, n)
	}
}

// WithIdleTimeout closes a connection that has produced no message for d. 0 keeps idle
// connections open forever.
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(t *ServerTransport) {
		t.idleTimeout = d
	}
}

func WithLogger(logger *zap.Logger) ServerOption {
	return func(t *ServerTransport) {
		t.logger = logger
	}
}

func NewServerTransport(opts ...ServerOption) *ServerTransport {
	t := &ServerTransport{
		messages:  make(chan inbound, 64),
		codecType: codec.CodecTypeLine,
		codecOpts: codec.DefaultOptions(),
		logger:    zap.NewNop(),
		conns:     make(map[*connState]struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ReceiveMessage blocks until a handler has queued a message. Each message goes to
// exactly one caller.
func (t *ServerTransport) ReceiveMessage(ctx context.Context) (*Context, []byte, error) {
	select {
	case in := <-t.messages:
		return in.ctx, in.msg, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-t.done:
		return nil, nil, ErrTransportClosed
	}
}

// SendReply delivers reply into c. An empty reply is the no-op acknowledgement for a
// request that gets no answer (one-way calls, or failures with nobody to tell): the
// handler wakes up and writes nothing. Delivering twice returns ErrReplySent.
func (t *ServerTransport) SendReply(c *Context, reply []byte) error {
	if c == nil {
		return ErrNilContext
	}
	if !c.sent.CompareAndSwap(false, true) {
		return ErrReplySent
	}
	c.reply <- reply
	if len(reply) == 0 {
		metrics.RecordReply("noop")
	} else {
		metrics.RecordReply("reply")
	}
	return nil
}

// Handle serves one connection until the peer closes it, a socket error occurs, ctx is
// cancelled, or the transport is drained or closed. The connection is always closed on
// return.
func (t *ServerTransport) Handle(ctx context.Context, conn net.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	// Cancellation must also interrupt a blocked read.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()

	st := &connState{conn: conn}
	if !t.track(st) {
		return nil
	}
	defer t.untrack(st)

	remote := conn.RemoteAddr().String()
	log := t.logger.With(zap.String("remote", remote))
	log.Debug("connection accepted")

	framer := codec.NewFramer(t.codecType, conn, t.codecOpts)
	lastActive := time.Now()
	for {
		msg, err := framer.ReadMessage()
		if ctx.Err() != nil {
			return t.closedErr(ctx)
		}
		if err != nil && t.isDraining() {
			return nil
		}

		switch {
		case errors.Is(err, codec.ErrTimeout):
			metrics.RecordReadError("timeout")
			if t.idleTimeout > 0 && time.Since(lastActive) >= t.idleTimeout {
				log.Debug("closing idle connection", zap.Duration("idle", time.Since(lastActive)))
				return nil
			}
			continue
		case errors.Is(err, codec.ErrClosed):
			log.Debug("connection closed by peer")
			return nil
		case err != nil:
			metrics.RecordReadError("connection")
			log.Warn("read failed, closing connection", zap.Error(err))
			return err
		}

		metrics.RecordMessage(t.codecType.String())
		if !t.begin(st) {
			// Drain closed the connection as the message arrived; nobody can get a reply.
			log.Debug("dropping message read during drain")
			return nil
		}
		reply, err := t.roundTrip(ctx, remote, msg)
		if err != nil {
			return err
		}
		if len(reply) > 0 {
			if err := framer.WriteMessage(reply); err != nil {
				log.Warn("write failed, closing connection", zap.Error(err))
				return err
			}
		}
		lastActive = time.Now()
		if draining := t.finish(st); draining {
			log.Debug("connection drained")
			return nil
		}
	}
}

func (t *ServerTransport) track(st *connState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining {
		return false
	}
	t.conns[st] = struct{}{}
	return true
}

func (t *ServerTransport) untrack(st *connState) {
	t.mu.Lock()
	delete(t.conns, st)
	t.mu.Unlock()
}

// begin marks st busy once a message is in hand. It reports false when Drain has already
// closed the connection, in which case the message must not be dispatched.
func (t *ServerTransport) begin(st *connState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st.closed {
		return false
	}
	st.busy = true
	return true
}

// finish marks st idle after its reply and reports whether the transport is draining.
func (t *ServerTransport) finish(st *connState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st.busy = false
	return t.draining
}

func (t *ServerTransport) isDraining() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.draining
}

// Drain stops intake without dropping replies: idle connections are closed at once, and
// a connection with a request in flight is closed right after its reply is written. New
// connections passed to Handle are closed immediately. Consumers keep running and must
// still answer whatever is queued.
func (t *ServerTransport) Drain() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.draining = true
	for st := range t.conns {
		if !st.busy {
			st.closed = true
			st.conn.Close()
		}
	}
}

// roundTrip queues msg with a fresh Context and waits for its reply.
func (t *ServerTransport) roundTrip(ctx context.Context, remote string, msg []byte) ([]byte, error) {
	c := newContext(remote)
	select {
	case t.messages <- inbound{ctx: c, msg: msg}:
	case <-ctx.Done():
		return nil, t.closedErr(ctx)
	}

	select {
	case reply := <-c.reply:
		return reply, nil
	case <-ctx.Done():
		return nil, t.closedErr(ctx)
	}
}

func (t *ServerTransport) closedErr(ctx context.Context) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
		return ctx.Err()
	}
}

// Close wakes every blocked handler and consumer. Handlers close their connections.
func (t *ServerTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	return nil
}
