package client

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stratum-rpc/loadbalance"
	"stratum-rpc/message"
	"stratum-rpc/middleware"
	"stratum-rpc/registry"
	"stratum-rpc/server"
)

func reverseString(s string) (string, error) {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes), nil
}

func startServer(t testing.TB, register func(*server.Server)) string {
	t.Helper()
	svr := server.NewServer()
	register(svr)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeListener(l)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return l.Addr().String()
}

func reverseServer(t testing.TB) string {
	return startServer(t, func(s *server.Server) {
		s.Register("reverse_string", reverseString)
	})
}

// fakeServer answers each accepted connection with serve.
func fakeServer(t *testing.T, serve func(n int, conn net.Conn)) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for n := 0; ; n++ {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go serve(n, conn)
		}
	}()
	return l.Addr().String()
}

func TestClientCall(t *testing.T) {
	cli, err := Dial(context.Background(), reverseServer(t))
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	for _, tt := range []struct{ in, want string }{
		{"Hello, World!", "!dlroW ,olleH"},
		{"Goodbye, World!", "!dlroW ,eybdooG"},
	} {
		resp, err := cli.Call(context.Background(), "reverse_string", tt.in)
		if err != nil {
			t.Fatal(err)
		}
		var got string
		if err := resp.DecodeResult(&got); err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Fatalf("reverse_string(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestClientErrorReply(t *testing.T) {
	cli, err := Dial(context.Background(), reverseServer(t))
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	resp, err := cli.Call(context.Background(), "mining.unknown")
	if !errors.Is(err, message.ErrMethodNotFound) {
		t.Fatalf("expect method not found, got %v", err)
	}
	var rpcErr *message.Error
	if !errors.As(err, &rpcErr) || rpcErr.Message != "Method not found" {
		t.Fatalf("unexpected error %#v", err)
	}
	if resp == nil || resp.Error == nil {
		t.Fatal("expect the error reply to be returned too")
	}

	// A bad call does not spoil the connection.
	if _, err := cli.Call(context.Background(), "reverse_string", "ok"); err != nil {
		t.Fatal(err)
	}
}

func TestClientCallKwAndNotify(t *testing.T) {
	type authorize struct {
		User string `json:"user"`
	}
	notified := make(chan string, 1)
	addr := startServer(t, func(s *server.Server) {
		s.Register("mining.authorize", func(a authorize) (bool, error) { return a.User == "w1", nil })
		s.Register("client.show_message", func(msg string) error {
			notified <- msg
			return nil
		})
	})

	cli, err := Dial(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	resp, err := cli.CallKw(context.Background(), "mining.authorize", map[string]any{"user": "w1"})
	if err != nil {
		t.Fatal(err)
	}
	var ok bool
	if err := resp.DecodeResult(&ok); err != nil || !ok {
		t.Fatalf("authorize = %v, %v", ok, err)
	}

	if err := cli.Notify(context.Background(), "client.show_message", "hi"); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-notified:
		if msg != "hi" {
			t.Fatalf("notified %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestClientConcurrentCalls(t *testing.T) {
	cli, err := Dial(context.Background(), reverseServer(t), WithPoolSize(3))
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := string(rune('a'+i%26)) + "xyz"
			resp, err := cli.Call(context.Background(), "reverse_string", in)
			if err != nil {
				t.Error(err)
				return
			}
			var got string
			resp.DecodeResult(&got)
			if want, _ := reverseString(in); got != want {
				t.Errorf("reverse_string(%q) = %q, want %q", in, got, want)
			}
		}(i)
	}
	wg.Wait()
}

func TestClientIDMismatch(t *testing.T) {
	addr := fakeServer(t, func(_ int, conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			if _, err := r.ReadBytes('\n'); err != nil {
				return
			}
			conn.Write([]byte(`{"id":999,"result":"x","error":null}` + "\n"))
		}
	})

	cli, err := Dial(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	if _, err := cli.Call(context.Background(), "reverse_string", "a"); !errors.Is(err, ErrIDMismatch) {
		t.Fatalf("expect ErrIDMismatch, got %v", err)
	}
}

func TestClientRetry(t *testing.T) {
	addr := fakeServer(t, func(n int, conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		if _, err := r.ReadBytes('\n'); err != nil {
			return
		}
		if n == 0 {
			return // drop the first connection without answering
		}
		conn.Write([]byte(`{"id":1,"result":"second try","error":null}` + "\n"))
	})

	var attempts atomic.Int32
	count := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			attempts.Add(1)
			return next(ctx, req)
		}
	}

	// Dial opens connection 0 up front; pool size 1 makes the call use it.
	cli, err := Dial(context.Background(), addr,
		WithPoolSize(1),
		WithMiddleware(middleware.RetryMiddleware(2, time.Millisecond, nil), count))
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	resp, err := cli.Call(context.Background(), "anything")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Result == nil || attempts.Load() != 2 {
		t.Fatalf("result %v after %d attempts", resp.Result, attempts.Load())
	}
}

func TestDialUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	if _, err := Dial(context.Background(), addr); err == nil {
		t.Fatal("expect dial to fail")
	}
}

func TestClientClose(t *testing.T) {
	cli, err := Dial(context.Background(), reverseServer(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := cli.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := cli.Call(context.Background(), "reverse_string", "a"); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expect ErrClientClosed, got %v", err)
	}
}

func TestDiscoveryClient(t *testing.T) {
	named := func(name string) string {
		return startServer(t, func(s *server.Server) {
			s.Register("whoami", func() (string, error) { return name, nil })
		})
	}
	addrA, addrB := named("a"), named("b")

	reg := registry.NewMemoryRegistry()
	ctx := context.Background()
	reg.Register(ctx, "stratum", registry.ServiceInstance{Addr: addrA, Weight: 1}, 0)
	reg.Register(ctx, "stratum", registry.ServiceInstance{Addr: addrB, Weight: 1, Framing: "line"}, 0)

	cli, err := NewDiscoveryClient(ctx, reg, &loadbalance.RoundRobinBalancer{}, "stratum")
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	whoami := func() string {
		t.Helper()
		resp, err := cli.Call(ctx, "whoami")
		if err != nil {
			t.Fatal(err)
		}
		var name string
		resp.DecodeResult(&name)
		return name
	}

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		seen[whoami()]++
	}
	if seen["a"] != 2 || seen["b"] != 2 {
		t.Fatalf("round robin spread %v", seen)
	}

	reg.Deregister(ctx, "stratum", addrA)
	deadline := time.Now().Add(2 * time.Second)
	for {
		cli.instancesMu.RLock()
		n := len(cli.instances)
		cli.instancesMu.RUnlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client never saw the deregistration")
		}
		time.Sleep(5 * time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		if name := whoami(); name != "b" {
			t.Fatalf("call went to %s after a left", name)
		}
	}
}

func TestDiscoveryClientStickyRouting(t *testing.T) {
	named := func(name string) string {
		return startServer(t, func(s *server.Server) {
			s.Register("whoami", func() (string, error) { return name, nil })
		})
	}
	reg := registry.NewMemoryRegistry()
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		reg.Register(ctx, "stratum", registry.ServiceInstance{Addr: named(name)}, 0)
	}

	cli, err := NewDiscoveryClient(ctx, reg, loadbalance.NewConsistentHashBalancer(), "stratum", WithRoutingKey("worker-42"))
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	first := ""
	for i := 0; i < 5; i++ {
		resp, err := cli.Call(ctx, "whoami")
		if err != nil {
			t.Fatal(err)
		}
		var name string
		resp.DecodeResult(&name)
		if first == "" {
			first = name
		} else if name != first {
			t.Fatalf("worker moved from %s to %s", first, name)
		}
	}
}

func BenchmarkSerialCall(b *testing.B) {
	cli, err := Dial(context.Background(), reverseServer(b))
	if err != nil {
		b.Fatal(err)
	}
	defer cli.Close()
	ctx := context.Background()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := cli.Call(ctx, "reverse_string", "Hello, World!"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkParallelCall(b *testing.B) {
	cli, err := Dial(context.Background(), reverseServer(b), WithPoolSize(8))
	if err != nil {
		b.Fatal(err)
	}
	defer cli.Close()
	ctx := context.Background()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := cli.Call(ctx, "reverse_string", "Hello, World!"); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
