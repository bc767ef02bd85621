// Command stratum-client calls reverse_string on a stratum-server, either at a fixed
// address or on an instance discovered through etcd.
//
//	stratum-client -config stratum.toml Hello Goodbye
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"stratum-rpc/client"
	"stratum-rpc/config"
	"stratum-rpc/loadbalance"
	"stratum-rpc/logging"
	"stratum-rpc/middleware"
	"stratum-rpc/registry"
)

func main() {
	path := flag.String("config", "", "path to a TOML config file (defaults apply when empty)")
	flag.Parse()

	inputs := flag.Args()
	if len(inputs) == 0 {
		inputs = []string{"Hello, World!", "Goodbye, World!"}
	}
	if err := run(*path, inputs); err != nil {
		fmt.Fprintln(os.Stderr, "stratum-client:", err)
		os.Exit(1)
	}
}

func run(path string, inputs []string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cc := cfg.Client
	opts := []client.Option{
		client.WithCodec(cc.Framing, cc.Codec),
		client.WithPoolSize(cc.PoolSize),
		client.WithLogger(logger),
		client.WithRoutingKey(cc.RoutingKey),
		client.WithMiddleware(
			middleware.LoggingMiddleware(logger),
			middleware.RetryMiddleware(cc.Retries, cc.RetryDelay, logger),
		),
	}

	ctx := context.Background()
	cli, closeAll, err := dial(ctx, cfg, logger, opts)
	if err != nil {
		return err
	}
	defer closeAll()

	for _, in := range inputs {
		callCtx, cancel := context.WithTimeout(ctx, cc.CallTimeout)
		resp, err := cli.Call(callCtx, "reverse_string", in)
		cancel()
		if err != nil {
			return fmt.Errorf("reverse_string(%q): %w", in, err)
		}
		var out string
		if err := resp.DecodeResult(&out); err != nil {
			return err
		}
		fmt.Printf("%s -> %s\n", in, out)
	}
	return nil
}

// dial prefers discovery when registry endpoints are configured. closeAll releases the
// client and then the registry.
func dial(ctx context.Context, cfg config.Config, logger *zap.Logger, opts []client.Option) (*client.Client, func(), error) {
	if len(cfg.Registry.Endpoints) == 0 {
		cli, err := client.Dial(ctx, cfg.Client.Addr, opts...)
		if err != nil {
			return nil, nil, err
		}
		return cli, func() { cli.Close() }, nil
	}

	reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints,
		registry.WithPrefix(cfg.Registry.Prefix),
		registry.WithDialTimeout(cfg.Registry.DialTimeout),
		registry.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("connect registry: %w", err)
	}
	bal, err := loadbalance.New(cfg.Client.Balancer)
	if err != nil {
		reg.Close()
		return nil, nil, err
	}
	cli, err := client.NewDiscoveryClient(ctx, reg, bal, cfg.Client.Service, opts...)
	if err != nil {
		reg.Close()
		return nil, nil, err
	}
	return cli, func() {
		cli.Close()
		reg.Close()
	}, nil
}
