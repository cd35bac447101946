package flow

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"UDPulse/internal/model"
	"UDPulse/internal/protocol"
)

// eventCollector drains a flow's event channel so blocking sends in the flow
// never deadlock the test, and tallies the events by kind.
type eventCollector struct {
	ch chan model.Event
	wg sync.WaitGroup

	mu      sync.Mutex
	byKind  map[model.EventKind]int
	samples []*model.Sample
}

func newEventCollector() *eventCollector {
	c := &eventCollector{
		ch:     make(chan model.Event, 1024),
		byKind: make(map[model.EventKind]int),
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for ev := range c.ch {
			c.mu.Lock()
			c.byKind[ev.Kind]++
			if ev.Sample != nil {
				c.samples = append(c.samples, ev.Sample)
			}
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *eventCollector) stop() {
	close(c.ch)
	c.wg.Wait()
}

func (c *eventCollector) count(kind model.EventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byKind[kind]
}

func startResponder(t *testing.T, events chan<- model.Event) (*Responder, *net.UDPAddr, context.CancelFunc, *sync.WaitGroup) {
	t.Helper()
	resp, err := NewResponder(Config{
		Spec:      model.FlowSpec{ID: 0, Role: model.RoleResponder},
		LocalAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0},
		Events:    events,
	})
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		resp.Run(ctx)
	}()
	return resp, resp.LocalAddr().(*net.UDPAddr), cancel, &wg
}

func TestLoopbackRequestResponse(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loopback timing test in short mode")
	}

	collector := newEventCollector()
	_, addr, cancel, wg := startResponder(t, collector.ch)
	defer func() {
		cancel()
		wg.Wait()
		collector.stop()
	}()

	// 64-byte packets every 2ms for 300ms, responses expected well within
	// the 500ms window on loopback.
	orig, err := NewOriginator(Config{
		Spec: model.FlowSpec{
			ID:         1,
			Role:       model.RoleOriginator,
			BitrateBps: 64 * 8 / 0.002,
			PacketSize: 64,
			Duration:   300 * time.Millisecond,
		},
		RemoteAddr:     addr,
		EvictionWindow: 500 * time.Millisecond,
		Events:         collector.ch,
	})
	if err != nil {
		t.Fatalf("NewOriginator: %v", err)
	}

	if err := orig.Run(context.Background()); err != nil {
		t.Fatalf("originator run: %v", err)
	}

	sent := collector.count(model.EventSent)
	matched := collector.count(model.EventSample)
	if sent < 50 {
		t.Fatalf("sent only %d packets, expected at least 50", sent)
	}
	if matched == 0 {
		t.Fatal("no responses were matched")
	}
	if matched > sent {
		t.Errorf("matched %d exceeds sent %d", matched, sent)
	}
	// Loopback should deliver nearly everything.
	if float64(matched) < 0.8*float64(sent) {
		t.Errorf("matched %d of %d sent, expected at least 80%%", matched, sent)
	}

	collector.mu.Lock()
	defer collector.mu.Unlock()
	for _, s := range collector.samples {
		if s.RTT < 0 || s.RTT > time.Second {
			t.Fatalf("implausible loopback RTT %s for seq %d", s.RTT, s.Sequence)
		}
		if s.ResponderTime < s.SendTime {
			t.Fatalf("responder timestamp %f precedes send timestamp %f", s.ResponderTime, s.SendTime)
		}
	}
}

func TestResponderCountsGarbageAsDecodeError(t *testing.T) {
	collector := newEventCollector()
	_, addr, cancel, wg := startResponder(t, collector.ch)
	defer func() {
		cancel()
		wg.Wait()
		collector.stop()
	}()

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for collector.count(model.EventDecodeError) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("responder never reported a decode error for a 3-byte datagram")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A well-formed request from the same socket must still be echoed.
	req, err := protocol.EncodeRequest(&protocol.Request{Sequence: 7, SendTimestamp: 123.456}, 64)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	resp, err := protocol.DecodeResponse(buf[:n])
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Sequence != 7 {
		t.Errorf("echoed sequence = %d, want 7", resp.Sequence)
	}
	if resp.SendTimestamp != 123.456 {
		t.Errorf("echoed send timestamp = %f, want 123.456", resp.SendTimestamp)
	}
}

func TestOriginatorEvictsWithoutResponder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping loopback timing test in short mode")
	}

	// A black-hole peer: bound but never responds. Every pending request
	// must age out of the correlation table as a loss.
	hole, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer hole.Close()

	collector := newEventCollector()

	orig, err := NewOriginator(Config{
		Spec: model.FlowSpec{
			ID:         2,
			Role:       model.RoleOriginator,
			BitrateBps: 64 * 8 / 0.005,
			PacketSize: 64,
			Duration:   200 * time.Millisecond,
		},
		RemoteAddr:     hole.LocalAddr().(*net.UDPAddr),
		EvictionWindow: 100 * time.Millisecond,
		Events:         collector.ch,
	})
	if err != nil {
		t.Fatalf("NewOriginator: %v", err)
	}

	if err := orig.Run(context.Background()); err != nil {
		t.Fatalf("originator run: %v", err)
	}
	collector.stop()

	sent := collector.count(model.EventSent)
	lost := collector.count(model.EventLoss)
	if sent == 0 {
		t.Fatal("nothing was sent")
	}
	if lost == 0 {
		t.Fatalf("sent %d packets into a black hole but reported no losses", sent)
	}
	if collector.count(model.EventSample) != 0 {
		t.Error("matched a response from a peer that never responds")
	}
}

func TestNewOriginatorRejectsBadSpec(t *testing.T) {
	events := make(chan model.Event, 1)
	cases := []struct {
		name string
		spec model.FlowSpec
	}{
		{"zero bitrate", model.FlowSpec{Role: model.RoleOriginator, PacketSize: 64, Duration: time.Second}},
		{"zero duration", model.FlowSpec{Role: model.RoleOriginator, BitrateBps: 1e6, PacketSize: 64}},
		{"tiny packet", model.FlowSpec{Role: model.RoleOriginator, BitrateBps: 1e6, PacketSize: 8, Duration: time.Second}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewOriginator(Config{
				Spec:       tc.spec,
				RemoteAddr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9},
				Events:     events,
			})
			if err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestNewResponderRequiresListenAddr(t *testing.T) {
	_, err := NewResponder(Config{
		Spec:   model.FlowSpec{Role: model.RoleResponder},
		Events: make(chan model.Event, 1),
	})
	if err == nil {
		t.Fatal("expected an error for a responder without a listen address")
	}
}
