// Command randomnumber posts a random number onto a bus at a fixed interval
// and prints every number it receives. Callbacks run on an executor.Loop
// driven by the main goroutine.
//
// Optional monitoring:
//
//	RANDOMNUMBER_MONITOR_ADDR=:8080  serves /v1/monitor/snapshot and /v1/monitor/entries
//	RANDOMNUMBER_GRPC_ADDR=:9090     serves grpc.health.v1.Health
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/rbaliyan/channelbus"
	"github.com/rbaliyan/channelbus/executor"
	"github.com/rbaliyan/channelbus/monitor"
	monitorgrpc "github.com/rbaliyan/channelbus/monitor/grpc"
	monitorhttp "github.com/rbaliyan/channelbus/monitor/http"
	"github.com/rbaliyan/channelbus/monitor/stream"
	"google.golang.org/grpc"
)

// RandomNumber is the only event type of the sample
type RandomNumber struct {
	Number int
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	bus := channelbus.NewBus("randomnumber", channelbus.WithBusLogger(logger))
	defer bus.Close(context.Background())

	mainLoop := executor.NewLoop(executor.WithLogger(logger.With("component", "main-loop")))
	defer mainLoop.Stop()

	store := monitor.NewMemoryStore(monitor.WithMaxEntries(1000))
	defer store.Close()

	r := channelbus.NewReceiver(bus, channelbus.WithExecutor(mainLoop))
	defer r.Close()

	onNumber := func(ctx context.Context, n RandomNumber) error {
		fmt.Println("New random number:", n.Number)
		return nil
	}
	_, err := channelbus.Subscribe(r, channelbus.Chain(onNumber,
		monitor.Middleware[RandomNumber](store),
		channelbus.Distinct[RandomNumber]()))
	if err != nil {
		return err
	}

	if cfg.MonitorAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MonitorAddr,
			Handler:           monitorhttp.New(bus, store),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("monitor listening", "addr", cfg.MonitorAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("monitor server failed", "error", err)
			}
		}()
		defer srv.Shutdown(context.Background())
	}

	if cfg.GRPCAddr != "" {
		stopHealth, err := serveHealth(ctx, cfg.GRPCAddr, bus, logger)
		if err != nil {
			return err
		}
		defer stopHealth()
	}

	go produce(ctx, bus, cfg, logger)

	// Callbacks run here until the signal arrives
	mainLoop.Run(ctx)
	return nil
}

// produce posts a random number every interval and clears the retained value
// every ClearEvery posts
func produce(ctx context.Context, bus *channelbus.Bus, cfg *Config, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for i := 1; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if cfg.ClearEvery > 0 && i%cfg.ClearEvery == 0 {
			if err := channelbus.Clear[RandomNumber](ctx, bus); err != nil {
				logger.Warn("clear failed", "error", err)
			}
			continue
		}
		if err := channelbus.Post(ctx, bus, RandomNumber{Number: rand.IntN(cfg.Max)}); err != nil {
			logger.Warn("post failed", "error", err)
			return
		}
	}
}

// serveHealth starts a gRPC health server fed by periodic bus snapshots
func serveHealth(ctx context.Context, addr string, bus *channelbus.Bus, logger *slog.Logger) (func(), error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	svc := monitorgrpc.New(monitorgrpc.WithLogger(logger))
	server := grpc.NewServer()
	svc.Register(server)

	ops := channelbus.NewReceiver(bus)
	if _, err := svc.Watch(ops); err != nil {
		lis.Close()
		return nil, err
	}

	broadcaster := stream.NewBroadcaster(bus, stream.WithInterval(5*time.Second))
	broadcaster.Start(ctx)

	go func() {
		logger.Info("health service listening", "addr", addr)
		if err := server.Serve(lis); err != nil {
			logger.Error("grpc server failed", "error", err)
		}
	}()

	return func() {
		broadcaster.Stop()
		ops.Close()
		svc.Shutdown()
		server.GracefulStop()
	}, nil
}
