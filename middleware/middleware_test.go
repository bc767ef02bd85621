package middleware

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"stratum-rpc/codec"
	"stratum-rpc/message"
	"stratum-rpc/metrics"
	"stratum-rpc/transport"
)

func echoHandler(ctx context.Context, req *message.Request) (*message.Response, error) {
	return &message.Response{ID: req.ID, Result: req.Method}, nil
}

func slowHandler(ctx context.Context, req *message.Request) (*message.Response, error) {
	time.Sleep(200 * time.Millisecond)
	return echoHandler(ctx, req)
}

func newRequest(method string) *message.Request {
	return &message.Request{ID: message.IntID(1), Method: method}
}

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware(zap.NewNop())(echoHandler)

	resp, err := handler(context.Background(), newRequest("mining.subscribe"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Result != "mining.subscribe" {
		t.Fatalf("expect result 'mining.subscribe', got %v", resp.Result)
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeoutMiddleware(500 * time.Millisecond)(echoHandler)

	if _, err := handler(context.Background(), newRequest("mining.subscribe")); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeoutMiddleware(50 * time.Millisecond)(slowHandler)

	_, err := handler(context.Background(), newRequest("mining.subscribe"))
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expect ErrRequestTimeout, got %v", err)
	}
	// On the wire this is a generic server error carrying the message.
	if code, msg := message.Resolve(err); code != message.CodeServerError || msg != "request timed out" {
		t.Fatalf("resolved to (%d, %q)", code, msg)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	req := newRequest("mining.submit")

	for i := 0; i < 2; i++ {
		if _, err := handler(context.Background(), req); err != nil {
			t.Fatalf("request %d should pass, got %v", i, err)
		}
	}
	if _, err := handler(context.Background(), req); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("request 3 should be rate limited, got %v", err)
	}
}

func TestRetryTransientErrors(t *testing.T) {
	attempts := 0
	flaky := func(ctx context.Context, req *message.Request) (*message.Response, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("receive reply: %w", codec.ErrTimeout)
		}
		return echoHandler(ctx, req)
	}

	handler := RetryMiddleware(3, time.Millisecond, nil)(flaky)
	resp, err := handler(context.Background(), newRequest("mining.authorize"))
	if err != nil {
		t.Fatalf("expect success after retries, got %v", err)
	}
	if attempts != 3 || resp.Result != "mining.authorize" {
		t.Fatalf("attempts = %d, result = %v", attempts, resp.Result)
	}
}

func TestRetryGivesUp(t *testing.T) {
	attempts := 0
	broken := func(ctx context.Context, req *message.Request) (*message.Response, error) {
		attempts++
		return nil, transport.ErrTransportBroken
	}

	_, err := RetryMiddleware(2, time.Millisecond, nil)(broken)(context.Background(), newRequest("x"))
	if !errors.Is(err, transport.ErrTransportBroken) {
		t.Fatalf("expect last error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 1 + 2 retries", attempts)
	}
}

func TestRetrySkipsErrorReplies(t *testing.T) {
	attempts := 0
	rejecting := func(ctx context.Context, req *message.Request) (*message.Response, error) {
		attempts++
		return &message.Response{ID: req.ID, Error: message.ErrDuplicateShare}, nil
	}
	plain := errors.New("boom")
	failing := func(ctx context.Context, req *message.Request) (*message.Response, error) {
		attempts++
		return nil, plain
	}

	RetryMiddleware(3, time.Millisecond, nil)(rejecting)(context.Background(), newRequest("mining.submit"))
	RetryMiddleware(3, time.Millisecond, nil)(failing)(context.Background(), newRequest("mining.submit"))
	if attempts != 2 {
		t.Fatalf("attempts = %d, want one each", attempts)
	}
}

func TestRetryHonoursContext(t *testing.T) {
	failing := func(ctx context.Context, req *message.Request) (*message.Response, error) {
		return nil, codec.ErrConnection
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := RetryMiddleware(5, time.Second, nil)(failing)(ctx, newRequest("x"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect DeadlineExceeded, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("backoff ignored the context")
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{codec.ErrTimeout, true},
		{fmt.Errorf("send message: %w", codec.ErrClosed), true},
		{transport.ErrTransportBroken, true},
		{context.Canceled, false},
		{message.ErrInvalidParams, false},
		{errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestMetrics(t *testing.T) {
	metrics.RegisterMetrics()
	handler := MetricsMiddleware(nil)(echoHandler)
	if _, err := handler(context.Background(), newRequest("middleware.metrics")); err != nil {
		t.Fatal(err)
	}

	n, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "stratum_rpc_dispatch_requests_total")
	if err != nil {
		t.Fatal(err)
	}
	if n < 1 {
		t.Fatalf("expect at least one requests_total series, got %d", n)
	}
}

func TestMetricsBoundsMethodLabels(t *testing.T) {
	metrics.RegisterMetrics()
	known := func(method string) bool { return method == "mining.bounded_labels" }
	handler := MetricsMiddleware(known)(echoHandler)

	count := func() int {
		t.Helper()
		n, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "stratum_rpc_dispatch_requests_total")
		if err != nil {
			t.Fatal(err)
		}
		return n
	}

	before := count()
	for i := 0; i < 500; i++ {
		handler(context.Background(), newRequest(fmt.Sprintf("junk.%d", i)))
	}
	// Every unregistered name lands in the single unknown series.
	if grown := count() - before; grown > 1 {
		t.Fatalf("unknown methods added %d series, want at most 1", grown)
	}

	before = count()
	handler(context.Background(), newRequest("mining.bounded_labels"))
	if grown := count() - before; grown != 1 {
		t.Fatalf("registered method added %d series, want 1", grown)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) (*message.Response, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	chained := Chain(mark("outer"), LoggingMiddleware(nil), TimeoutMiddleware(500*time.Millisecond), mark("inner"))
	resp, err := chained(echoHandler)(context.Background(), newRequest("mining.subscribe"))
	if err != nil || resp == nil {
		t.Fatalf("expect a response, got (%v, %v)", resp, err)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("unexpected order %v", order)
	}
}
