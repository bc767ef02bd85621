package middleware

import (
	"context"
	"time"

	"stratum-rpc/message"
	"stratum-rpc/metrics"
)

// UnknownMethod is the metric label for every method that known rejects.
const UnknownMethod = "unknown"

// MetricsMiddleware counts requests per method and outcome and observes their latency.
// Method names come from the peer, so only those accepted by known get their own label;
// the rest share UnknownMethod. A nil known labels every method as is, which suits a
// client whose method names are its own.
func MetricsMiddleware(known func(method string) bool) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			method := req.Method
			if known != nil && !known(method) {
				method = UnknownMethod
			}
			metrics.RecordRequest(method, outcome(resp, err), time.Since(start))
			return resp, err
		}
	}
}
