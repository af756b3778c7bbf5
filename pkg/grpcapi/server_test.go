package grpcapi

import (
	"context"
	"net/netip"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/psaab/lowpand/pkg/link/channel"
	"github.com/psaab/lowpand/pkg/nd"
	"github.com/psaab/lowpand/pkg/ndp"
	"github.com/psaab/lowpand/pkg/stack"
)

func newStack(t *testing.T, mode nd.Mode) *stack.Stack {
	t.Helper()
	cfg := stack.DefaultConfig()
	cfg.Tick = time.Millisecond
	st := stack.New(cfg)
	ic := stack.IfaceConfig{
		Name: "wpan0",
		Link: channel.NewHub().Endpoint(ndp.LinkAddrFrom([]byte{2, 0, 0, 0, 0, 0, 0, 1}), 8),
		ND:   nd.IfConfig{IfID: 1, Mode: mode, AcceptRA: mode == nd.ModeHost, LinkMTU: 1280},
	}
	if mode == nd.ModeBorderRouter {
		ic.BorderRouter = &nd.BRConfig{Address: netip.MustParseAddr("2001:db8::1"), ABROVersion: 1}
	}
	if err := st.AddInterface(ic); err != nil {
		t.Fatal(err)
	}
	return st
}

func run(t *testing.T, st *stack.Stack) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		st.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	deadline := time.Now().Add(5 * time.Second)
	for !st.Running() {
		if time.Now().After(deadline) {
			t.Fatal("stack did not start")
		}
		time.Sleep(time.Millisecond)
	}
	return ctx
}

func check(t *testing.T, s *Server, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := s.Health().Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("check %q: %v", service, err)
	}
	return resp.Status
}

func TestNotRunning(t *testing.T) {
	s := NewServer("", Config{Stack: newStack(t, nd.ModeBorderRouter)})
	s.Refresh(context.Background())
	if st := check(t, s, ""); st != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("overall = %v", st)
	}
}

func TestBorderRouterServing(t *testing.T) {
	st := newStack(t, nd.ModeBorderRouter)
	ctx := run(t, st)
	s := NewServer("", Config{Stack: st})
	s.Refresh(ctx)
	if got := check(t, s, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("overall = %v", got)
	}
	if got := check(t, s, ServicePrefix+"wpan0"); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("interface = %v", got)
	}
}

func TestHostBootstrapping(t *testing.T) {
	st := newStack(t, nd.ModeHost)
	ctx := run(t, st)
	s := NewServer("", Config{Stack: st})
	s.Refresh(ctx)
	if got := check(t, s, ""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("overall = %v", got)
	}
	if got := check(t, s, ServicePrefix+"wpan0"); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("interface = %v", got)
	}

	if err := st.Do(ctx, func() { st.RemoveInterface(1) }); err != nil {
		t.Fatal(err)
	}
	s.Refresh(ctx)
	if got := check(t, s, ServicePrefix+"wpan0"); got != healthpb.HealthCheckResponse_SERVICE_UNKNOWN {
		t.Errorf("removed interface = %v", got)
	}
	if got := check(t, s, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("overall with no interfaces = %v", got)
	}
}
