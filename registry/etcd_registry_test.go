package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

// Runs against a live etcd only: STRATUM_RPC_ETCD=localhost:2379 go test ./registry
func newTestEtcd(t *testing.T) *EtcdRegistry {
	t.Helper()
	endpoints := os.Getenv("STRATUM_RPC_ETCD")
	if endpoints == "" {
		t.Skip("STRATUM_RPC_ETCD not set")
	}
	reg, err := NewEtcdRegistry(strings.Split(endpoints, ","), WithPrefix("/stratum-rpc-test/"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := newTestEtcd(t)
	ctx := context.Background()

	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0", Framing: "length"}

	if err := reg.Register(ctx, "stratum", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "stratum", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover(ctx, "stratum")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := reg.Deregister(ctx, "stratum", inst1.Addr); err != nil {
		t.Fatal(err)
	}

	instances, err = reg.Discover(ctx, "stratum")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after deregister, got %d", len(instances))
	}
	if instances[0] != inst2 {
		t.Fatalf("expect %+v, got %+v", inst2, instances[0])
	}

	reg.Deregister(ctx, "stratum", inst2.Addr)
}

func TestEtcdWatch(t *testing.T) {
	reg := newTestEtcd(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := reg.Watch(ctx, "watched")
	if err := reg.Register(ctx, "watched", ServiceInstance{Addr: "127.0.0.1:9001", Weight: 1}, 10); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister(context.Background(), "watched", "127.0.0.1:9001")

	select {
	case instances := <-updates:
		if len(instances) != 1 || instances[0].Addr != "127.0.0.1:9001" {
			t.Fatalf("unexpected update %+v", instances)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no watch update")
	}
}
