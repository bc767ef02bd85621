// Package middleware wraps request handlers on both ends of a connection. On the server a
// chain runs around method dispatch; on the client it runs around the network round trip.
package middleware

import (
	"context"
	"errors"

	"stratum-rpc/message"
)

// HandlerFunc answers one request. A returned error is turned into an error reply by the
// server, or surfaced to the caller by the client; a Response carrying Error is a reply
// the peer sent.
type HandlerFunc func(ctx context.Context, req *message.Request) (*message.Response, error)

type Middleware func(next HandlerFunc) HandlerFunc

var (
	ErrRequestTimeout = errors.New("request timed out")
	ErrRateLimited    = errors.New("rate limit exceeded")
)

// Chain composes middlewares so that the first one listed is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// outcome labels a handler result for logs and metrics.
func outcome(resp *message.Response, err error) string {
	switch {
	case err != nil:
		return "error"
	case resp != nil && resp.Error != nil:
		return "error_reply"
	default:
		return "ok"
	}
}
