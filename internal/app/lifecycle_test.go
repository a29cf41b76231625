package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openrelay/signaling/internal/core"
	"github.com/openrelay/signaling/internal/domain"
)

func TestDisconnectCleanup(t *testing.T) {
	reg, _ := newTestRegistry()
	lc := NewLifecycle(reg, 10*time.Millisecond)

	reg.AddClient("a")
	tid := mustCreateConnected(t, reg, "a")
	if _, err := reg.Produce(context.Background(), "a", tid, domain.KindVideo, testRTPParams); err != nil {
		t.Fatalf("Produce: %v", err)
	}

	lc.OnDisconnect("a")

	clients, transports, producers, _ := reg.Counts()
	if clients != 0 || transports != 0 || producers != 0 {
		t.Fatalf("cleanup left %d clients, %d transports, %d producers", clients, transports, producers)
	}
	if _, ok := reg.TransportHandle(tid); ok {
		t.Fatal("former transport id still resolves after disconnect")
	}
}

// A produce request in flight when its client disconnects must end in one
// of two consistent states: fully registered then cleaned up, or never
// registered. Never a half-registered producer.
func TestProduceRacesDisconnect(t *testing.T) {
	reg, eng := newTestRegistry()
	lc := NewLifecycle(reg, 10*time.Millisecond)

	reg.AddClient("a")
	tid := mustCreateConnected(t, reg, "a")

	gate := make(chan struct{})
	tr := eng.Created()[0]
	tr.SetProduceGate(gate)

	var wg sync.WaitGroup
	wg.Add(1)
	var produceErr error
	go func() {
		defer wg.Done()
		_, produceErr = reg.Produce(context.Background(), "a", tid, domain.KindAudio, testRTPParams)
	}()

	// Disconnect while Produce is parked inside the facade call.
	done := make(chan struct{})
	go func() {
		lc.OnDisconnect("a")
		close(done)
	}()
	<-done
	close(gate)
	wg.Wait()

	if produceErr == nil {
		t.Fatal("produce against a torn-down transport must fail")
	}
	if !errors.Is(produceErr, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", produceErr)
	}
	_, transports, producers, _ := reg.Counts()
	if transports != 0 || producers != 0 {
		t.Fatalf("race left %d transports, %d producers", transports, producers)
	}
	// The facade-created producer must have been released, not leaked.
	for _, p := range tr.Producers() {
		if p.CloseCalls() != 1 {
			t.Fatalf("orphaned producer handle: release count %d", p.CloseCalls())
		}
	}
}

// A createTransport in flight at disconnect time must not register a
// transport owned by a dead client.
func TestCreateRacesDisconnect(t *testing.T) {
	reg, eng := newTestRegistry()
	lc := NewLifecycle(reg, 10*time.Millisecond)

	reg.AddClient("a")
	gate := make(chan struct{})
	eng.SetCreateGate(gate)

	var wg sync.WaitGroup
	wg.Add(1)
	var createErr error
	go func() {
		defer wg.Done()
		_, _, createErr = reg.CreateTransport(context.Background(), "a")
	}()
	// Give the goroutine time to pass the client check and park in the gate.
	time.Sleep(20 * time.Millisecond)

	lc.OnDisconnect("a")
	close(gate)
	wg.Wait()

	if !errors.Is(createErr, core.ErrClientNotFound) {
		t.Fatalf("expected ErrClientNotFound, got %v", createErr)
	}
	_, transports, _, _ := reg.Counts()
	if transports != 0 {
		t.Fatalf("race left %d transports", transports)
	}
	for _, tr := range eng.Created() {
		if tr.CloseCalls() != 1 {
			t.Fatalf("orphaned transport handle: release count %d", tr.CloseCalls())
		}
	}
}

func TestDisconnectDuringExplicitClose(t *testing.T) {
	reg, eng := newTestRegistry()
	lc := NewLifecycle(reg, 10*time.Millisecond)

	reg.AddClient("a")
	tid := mustCreateConnected(t, reg, "a")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = reg.CloseTransport("a", tid)
	}()
	go func() {
		defer wg.Done()
		lc.OnDisconnect("a")
	}()
	wg.Wait()

	if got := eng.Created()[0].CloseCalls(); got != 1 {
		t.Fatalf("duplicate facade release: %d calls", got)
	}
	clients, transports, _, _ := reg.Counts()
	if clients != 0 || transports != 0 {
		t.Fatalf("leftovers: %d clients, %d transports", clients, transports)
	}
}
