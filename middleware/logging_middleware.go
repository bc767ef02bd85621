package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"stratum-rpc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.Stringer("id", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			switch {
			case err != nil:
				logger.Info("request failed", append(fields, zap.Error(err))...)
			case resp != nil && resp.Error != nil:
				logger.Info("request answered with error",
					append(fields, zap.Int("code", resp.Error.Code), zap.String("message", resp.Error.Message))...)
			default:
				logger.Debug("request handled", fields...)
			}
			return resp, err
		}
	}
}
