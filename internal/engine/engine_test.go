package engine

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"UDPulse/internal/config"
	"UDPulse/internal/engine/flow"
	"UDPulse/internal/model"
)

func TestNewRejectsUnknownRole(t *testing.T) {
	_, err := New(&config.Config{Role: "observer"}, Options{})
	if err == nil {
		t.Fatal("expected an error for an unknown role")
	}
}

func TestRunOriginatorAgainstResponder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loopback timing test in short mode")
	}

	// Stand-alone responder the engine under test will target.
	respEvents := make(chan model.Event, 4096)
	var respWG sync.WaitGroup
	respWG.Add(1)
	go func() {
		defer respWG.Done()
		for range respEvents {
		}
	}()

	resp, err := flow.NewResponder(flow.Config{
		Spec:      model.FlowSpec{ID: 0, Role: model.RoleResponder},
		LocalAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0},
		Events:    respEvents,
	})
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}
	respCtx, respCancel := context.WithCancel(context.Background())
	var runWG sync.WaitGroup
	runWG.Add(1)
	go func() {
		defer runWG.Done()
		resp.Run(respCtx)
	}()
	defer func() {
		respCancel()
		runWG.Wait()
		close(respEvents)
		respWG.Wait()
	}()

	cfg := &config.Config{
		Role: string(model.RoleOriginator),
		Originator: config.OriginatorConfig{
			ServerAddr:           resp.LocalAddr().String(),
			Flows:                2,
			BitrateMbps:          0.256,
			PacketSize:           64,
			Duration:             "250ms",
			ParsedDuration:       250 * time.Millisecond,
			ParsedEvictionWindow: 500 * time.Millisecond,
		},
		Stats: config.StatsConfig{ParsedInterval: 100 * time.Millisecond},
	}

	eng, err := New(cfg, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	final, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final == nil {
		t.Fatal("Run returned no final snapshot")
	}

	tot := final.Totals
	if tot.Sent == 0 {
		t.Fatal("engine sent nothing")
	}
	if tot.Matched == 0 {
		t.Fatal("engine matched no responses")
	}
	if got := tot.Matched + tot.Evicted + tot.InFlight(); got != tot.Sent {
		t.Errorf("accounting identity broken: matched %d + evicted %d + in-flight %d = %d, want sent %d",
			tot.Matched, tot.Evicted, tot.InFlight(), got, tot.Sent)
	}
	if len(final.PerFlow) != 2 {
		t.Errorf("per-flow breakdown has %d flows, want 2", len(final.PerFlow))
	}
	for id, fc := range final.PerFlow {
		if fc.Sent == 0 {
			t.Errorf("flow %d sent nothing", id)
		}
	}
}

func TestRunRespectsCancellation(t *testing.T) {
	cfg := &config.Config{
		Role: string(model.RoleResponder),
		Responder: config.ResponderConfig{
			ListenAddr: "127.0.0.1:0",
		},
		Stats: config.StatsConfig{ParsedInterval: time.Second},
	}

	eng, err := New(cfg, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := eng.Run(ctx)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop after cancellation")
	}
}
