package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"stratum-rpc/message"
)

// RateLimitMiddleware rejects requests beyond r per second, with bursts up to burst,
// using a token bucket shared by every request through this middleware.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
