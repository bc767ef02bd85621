// Package server serves Stratum JSON-RPC methods over stream connections.
//
// Request processing pipeline:
//
//	Accept conn → transport.Handle (one goroutine per connection, one request in flight)
//	  → shared queue → worker (M goroutines compete for messages)
//	    → ParseRequest → middleware chain → Dispatcher.Call → Respond/ErrorRespond
//	    → SerializeResponse → SendReply → Handle writes the reply on its own connection
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"stratum-rpc/codec"
	"stratum-rpc/message"
	"stratum-rpc/middleware"
	"stratum-rpc/protocol"
	"stratum-rpc/registry"
	"stratum-rpc/transport"
)

var ErrServerClosed = errors.New("rpc: server closed")

// Server is the RPC server. Methods are added with Register before Serve is called.
type Server struct {
	dispatcher  *Dispatcher
	protocol    *protocol.Stratum
	transport   *transport.ServerTransport
	middlewares []middleware.Middleware // Applied in the order they were added
	handler     middleware.HandlerFunc  // middleware(middleware(...(dispatch)))
	logger      *zap.Logger

	workers     int
	queueSize   int
	codecType   codec.CodecType
	codecOpts   codec.Options
	idleTimeout time.Duration

	registry      registry.Registry // nil when not using discovery
	serviceName   string
	advertiseAddr string // Routable address put in the registry, unlike a ":3333" listen address
	ttl           int64

	mu         sync.Mutex
	listener   net.Listener
	shutdown   atomic.Bool
	conns      sync.WaitGroup     // Connection handlers
	stopWork   context.CancelFunc // Stops workers from taking new messages
	cancelBase context.CancelFunc // Cancels in-flight method calls and connections
}

type Option func(*Server)

// WithWorkers sets how many goroutines dispatch requests. Defaults to 4.
func WithWorkers(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithQueueSize sets the capacity of the queue between connections and workers.
func WithQueueSize(n int) Option {
	return func(s *Server) {
		s.queueSize = n
	}
}

// WithCodec selects the framing scheme. Defaults to line-delimited messages.
func WithCodec(codecType codec.CodecType, opts codec.Options) Option {
	return func(s *Server) {
		s.codecType = codecType
		s.codecOpts = opts
	}
}

func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.idleTimeout = d
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRegistry announces the server as serviceName at advertiseAddr while it serves,
// with a lease of ttl seconds kept alive in the background.
func WithRegistry(reg registry.Registry, serviceName, advertiseAddr string, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.serviceName = serviceName
		s.advertiseAddr = advertiseAddr
		s.ttl = ttl
	}
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		dispatcher: NewDispatcher(),
		protocol:   protocol.NewStratum(),
		logger:     zap.NewNop(),
		workers:    4,
		queueSize:  64,
		codecType:  codec.CodecTypeLine,
		codecOpts:  codec.DefaultOptions(),
		ttl:        10,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.transport = transport.NewServerTransport(
		transport.WithCodec(s.codecType, s.codecOpts),
		transport.WithQueueSize(s.queueSize),
		transport.WithIdleTimeout(s.idleTimeout),
		transport.WithLogger(s.logger),
	)
	return s
}

// Register makes fn callable as method. See Dispatcher for the accepted shapes.
func (s *Server) Register(method string, fn any) error {
	return s.dispatcher.Register(method, fn)
}

// RegisterReceiver registers the exported methods of rcvr under namespace.
func (s *Server) RegisterReceiver(namespace string, rcvr any) error {
	return s.dispatcher.RegisterReceiver(namespace, rcvr)
}

// Dispatcher exposes the method table.
func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Serve listens on address and serves until Shutdown.
func (s *Server) Serve(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(l)
}

// ServeListener serves connections accepted from l until Shutdown, which makes it return
// nil. Any other accept failure is returned.
func (s *Server) ServeListener(l net.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	if s.listener != nil {
		s.mu.Unlock()
		return errors.New("rpc: server already serving")
	}
	s.listener = l

	// Chain(A, B, C)(h) → A(B(C(h)))
	s.handler = middleware.Chain(s.middlewares...)(s.invoke)

	baseCtx, cancelBase := context.WithCancel(context.Background())
	workCtx, stopWork := context.WithCancel(baseCtx)
	s.cancelBase, s.stopWork = cancelBase, stopWork
	for i := 0; i < s.workers; i++ {
		go s.worker(workCtx, baseCtx)
	}
	s.mu.Unlock()

	s.logger.Info("serving",
		zap.String("addr", l.Addr().String()),
		zap.Stringer("framing", s.codecType),
		zap.Int("workers", s.workers),
		zap.Strings("methods", s.dispatcher.Methods()))

	if s.registry != nil {
		err := s.registry.Register(baseCtx, s.serviceName, registry.ServiceInstance{
			Addr:    s.advertiseAddr,
			Weight:  1,
			Framing: s.codecType.String(),
		}, s.ttl)
		if err != nil {
			s.logger.Warn("service registration failed", zap.String("service", s.serviceName), zap.Error(err))
		}
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			// Shutdown closes the listener, which is not a failure.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}

		s.mu.Lock()
		if s.shutdown.Load() {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.conns.Done()
			s.transport.Handle(baseCtx, conn)
		}()
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// worker takes messages off the shared queue until workCtx is cancelled. Method calls run
// under callCtx so that stopping intake does not cancel a call already in progress.
func (s *Server) worker(workCtx, callCtx context.Context) {
	for {
		c, msg, err := s.transport.ReceiveMessage(workCtx)
		if err != nil {
			return
		}
		s.dispatch(callCtx, c, msg)
	}
}

// dispatch answers one message. Every path ends in exactly one SendReply.
func (s *Server) dispatch(ctx context.Context, c *transport.Context, msg []byte) {
	req, err := s.protocol.ParseRequest(msg)
	if err != nil {
		if req == nil || req.IsOneWay() {
			// Nobody to address a reply to.
			s.logger.Warn("dropping malformed message",
				zap.String("remote", c.RemoteAddr()), zap.ByteString("message", msg), zap.Error(err))
			s.ack(c)
			return
		}
		s.reply(c, s.protocol.ErrorRespond(req, err))
		return
	}

	resp, err := s.handler(ctx, req)
	if req.IsOneWay() {
		if err != nil {
			s.logger.Warn("one-way request failed", zap.String("method", req.Method), zap.Error(err))
		}
		s.ack(c)
		return
	}
	switch {
	case err != nil:
		resp = s.protocol.ErrorRespond(req, err)
	case resp == nil:
		resp = s.protocol.Respond(req, nil)
	}
	s.reply(c, resp)
}

// invoke is the innermost handler: it runs the registered method.
func (s *Server) invoke(ctx context.Context, req *message.Request) (*message.Response, error) {
	result, err := s.dispatcher.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.IsOneWay() {
		return nil, nil
	}
	return s.protocol.Respond(req, result), nil
}

func (s *Server) reply(c *transport.Context, resp *message.Response) {
	data, err := s.protocol.SerializeResponse(resp)
	if err != nil {
		// The result could not be encoded; tell the caller rather than leave it waiting.
		s.logger.Warn("encoding response failed", zap.Stringer("id", resp.ID), zap.Error(err))
		data, err = s.protocol.SerializeResponse(&message.Response{
			ID:    resp.ID,
			Error: message.NewError(message.CodeServerError, err.Error()),
		})
		if err != nil {
			s.ack(c)
			return
		}
	}
	if err := s.transport.SendReply(c, data); err != nil {
		s.logger.Warn("send reply failed", zap.Error(err))
	}
}

func (s *Server) ack(c *transport.Context) {
	if err := s.transport.SendReply(c, nil); err != nil {
		s.logger.Warn("send ack failed", zap.Error(err))
	}
}

// Shutdown stops the server gracefully:
//  1. Deregister from the registry, so clients stop routing here
//  2. Close the listener
//  3. Drain connections: idle ones close now, busy ones after writing their reply
//  4. Wait up to timeout for the drain, then stop workers and close what is left
//
// Errors from each step are combined.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if s.shutdown.Swap(true) {
		s.mu.Unlock()
		return ErrServerClosed
	}
	l := s.listener
	s.mu.Unlock()

	var err error
	if s.registry != nil && l != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err = multierr.Append(err, s.registry.Deregister(ctx, s.serviceName, s.advertiseAddr))
		cancel()
	}
	if l != nil {
		if cerr := l.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}

	s.transport.Drain()
	drained := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(timeout):
		err = multierr.Append(err, fmt.Errorf("timeout waiting for ongoing requests to finish"))
	}

	if s.stopWork != nil {
		s.stopWork()
		s.cancelBase()
	}
	err = multierr.Append(err, s.transport.Close())
	<-drained
	s.logger.Info("server stopped")
	return err
}
