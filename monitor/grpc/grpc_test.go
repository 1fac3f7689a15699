package grpc

import (
	"context"
	"testing"
	"time"

	"github.com/rbaliyan/channelbus"
	"github.com/rbaliyan/channelbus/monitor"
	"github.com/rbaliyan/channelbus/monitor/stream"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func servingStatus(t *testing.T, svc *Service, name string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := svc.HealthServer().Check(context.Background(), &healthpb.HealthCheckRequest{Service: name})
	if err != nil {
		t.Fatalf("Check(%q) failed: %v", name, err)
	}
	return resp.GetStatus()
}

func TestServiceNew(t *testing.T) {
	svc := New()
	if svc == nil {
		t.Fatal("expected service, got nil")
	}
	if st := servingStatus(t, svc, ""); st != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("expected NOT_SERVING before first snapshot, got %s", st)
	}
}

func TestServiceUpdate(t *testing.T) {
	svc := New()

	svc.Update(monitor.Snapshot{Bus: "a", Status: channelbus.StatusHealthy})
	svc.Update(monitor.Snapshot{Bus: "b", Status: channelbus.StatusHealthy})
	if st := servingStatus(t, svc, ""); st != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("expected overall SERVING, got %s", st)
	}

	svc.Update(monitor.Snapshot{Bus: "b", Status: channelbus.StatusUnhealthy})
	if st := servingStatus(t, svc, "a"); st != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("expected a SERVING, got %s", st)
	}
	if st := servingStatus(t, svc, "b"); st != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("expected b NOT_SERVING, got %s", st)
	}
	if st := servingStatus(t, svc, ""); st != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("expected overall NOT_SERVING, got %s", st)
	}

	t.Run("unknown service", func(t *testing.T) {
		_, err := svc.HealthServer().Check(context.Background(), &healthpb.HealthCheckRequest{Service: "missing"})
		if err == nil {
			t.Error("expected error for unknown service")
		}
	})
}

func TestServiceCheck(t *testing.T) {
	ctx := context.Background()
	bus := channelbus.NewBus("orders", channelbus.WithBusTracing(false), channelbus.WithBusMetrics(false))
	svc := New()

	svc.Check(ctx, bus)
	if st := servingStatus(t, svc, "orders"); st != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("expected SERVING, got %s", st)
	}

	bus.Close(ctx)
	svc.Check(ctx, bus)
	if st := servingStatus(t, svc, "orders"); st != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("expected NOT_SERVING after close, got %s", st)
	}
}

func TestServiceWatch(t *testing.T) {
	ctx := context.Background()
	bus := channelbus.TestBus()
	svc := New()

	r := channelbus.NewReceiver(bus)
	defer r.Close()
	if _, err := svc.Watch(r); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	b := stream.NewBroadcaster(bus)
	if err := b.Publish(ctx); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor := func(want healthpb.HealthCheckResponse_ServingStatus) bool {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			resp, err := svc.HealthServer().Check(ctx, &healthpb.HealthCheckRequest{Service: "test-bus"})
			if err == nil && resp.GetStatus() == want {
				return true
			}
			time.Sleep(5 * time.Millisecond)
		}
		return false
	}

	if !waitFor(healthpb.HealthCheckResponse_SERVING) {
		t.Fatal("watched snapshot not applied")
	}

	bus.Close(ctx)
	if !waitFor(healthpb.HealthCheckResponse_NOT_SERVING) {
		t.Error("expected NOT_SERVING once the watched bus closed")
	}
}
