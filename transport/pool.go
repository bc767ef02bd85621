package transport

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"
)

var ErrPoolClosed = errors.New("transport: pool closed")

// Pool hands out ClientTransports for exclusive use, one call at a time per transport.
//
// Pool design: a buffered channel holds idle transports as a FIFO queue. Transports are
// created lazily by the factory up to maxConns; broken ones are closed and replaced.
type Pool struct {
	mu       sync.Mutex
	idle     chan *ClientTransport
	maxConns int
	curConns int
	closed   bool
	factory  func(ctx context.Context) (*ClientTransport, error)
}

func NewPool(maxConns int, factory func(ctx context.Context) (*ClientTransport, error)) *Pool {
	if maxConns <= 0 {
		maxConns = 1
	}
	return &Pool{
		idle:     make(chan *ClientTransport, maxConns),
		maxConns: maxConns,
		factory:  factory,
	}
}

// Get returns an idle transport, dials a new one while under the limit, or waits for
// one to be returned.
func (p *Pool) Get(ctx context.Context) (*ClientTransport, error) {
	for {
		select {
		case t := <-p.idle:
			if t.Broken() {
				p.discard(t)
				continue
			}
			return t, nil
		default:
		}

		if t, ok, err := p.tryCreate(ctx); ok || err != nil {
			return t, err
		}

		select {
		case t := <-p.idle:
			if t.Broken() {
				p.discard(t)
				continue
			}
			return t, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// tryCreate dials a new transport if the pool has room. ok is false when it is full.
func (p *Pool) tryCreate(ctx context.Context) (*ClientTransport, bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, ErrPoolClosed
	}
	if p.curConns >= p.maxConns {
		p.mu.Unlock()
		return nil, false, nil
	}
	p.curConns++
	p.mu.Unlock()

	t, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.curConns--
		p.mu.Unlock()
		return nil, false, err
	}
	return t, true, nil
}

// Put returns a transport to the pool. Broken transports are closed and dropped.
func (p *Pool) Put(t *ClientTransport) {
	p.mu.Lock()
	if !p.closed && !t.Broken() {
		// Never blocks: idle holds maxConns and at most maxConns transports exist. The
		// send happens under mu so Close cannot finish draining in between.
		p.idle <- t
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.discard(t)
}

func (p *Pool) discard(t *ClientTransport) {
	t.Close()
	p.mu.Lock()
	p.curConns--
	p.mu.Unlock()
}

// Close closes every idle transport. Transports still checked out are closed when
// they are returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var err error
	for {
		select {
		case t := <-p.idle:
			err = multierr.Append(err, t.Close())
			p.mu.Lock()
			p.curConns--
			p.mu.Unlock()
		default:
			return err
		}
	}
}
