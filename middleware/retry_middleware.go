package middleware

import (
	"context"
	"errors"
	"syscall"
	"time"

	"go.uber.org/zap"

	"stratum-rpc/codec"
	"stratum-rpc/message"
	"stratum-rpc/transport"
)

// RetryMiddleware re-sends a request that failed in transit, waiting baseDelay, then
// twice that, and so on. Error replies from the peer are never retried. It belongs on
// the client, where each attempt takes a fresh connection.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			resp, err := next(ctx, req)
			for i := 0; i < maxRetries && err != nil && Retryable(err); i++ {
				delay := baseDelay * time.Duration(1<<i)
				logger.Info("retrying request",
					zap.String("method", req.Method),
					zap.Int("attempt", i+1),
					zap.Duration("backoff", delay),
					zap.Error(err))

				timer := time.NewTimer(delay)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				}
				resp, err = next(ctx, req)
			}
			return resp, err
		}
	}
}

// Retryable reports whether err is a transport failure worth another attempt.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, codec.ErrTimeout) ||
		errors.Is(err, codec.ErrClosed) ||
		errors.Is(err, codec.ErrConnection) ||
		errors.Is(err, transport.ErrTransportBroken) ||
		errors.Is(err, syscall.ECONNREFUSED)
}
