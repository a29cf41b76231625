// Package enginetest provides an in-memory media engine double. It counts
// every facade call so tests can assert exactly-once release semantics, and
// its gates let tests park a facade call mid-flight to stage races.
package enginetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/openrelay/signaling/internal/core"
	"github.com/openrelay/signaling/internal/domain"
)

type Engine struct {
	mu         sync.Mutex
	created    []*Transport
	failCreate bool
	createGate chan struct{}
	done       chan struct{}
}

func New() *Engine {
	return &Engine{done: make(chan struct{})}
}

// SetFailCreate makes subsequent CreateTransport calls fail.
func (e *Engine) SetFailCreate(fail bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failCreate = fail
}

// SetCreateGate parks the next CreateTransport calls until gate is closed.
func (e *Engine) SetCreateGate(gate chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.createGate = gate
}

func (e *Engine) CreateTransport(ctx context.Context) (core.TransportHandle, core.TransportParams, error) {
	e.mu.Lock()
	gate := e.createGate
	fail := e.failCreate
	e.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if fail {
		return nil, core.TransportParams{}, errors.New("allocation refused")
	}
	t := &Transport{}
	e.mu.Lock()
	e.created = append(e.created, t)
	e.mu.Unlock()
	params := core.TransportParams{
		ICEParameters:  map[string]string{"usernameFragment": "uf", "password": "pw"},
		ICECandidates:  []map[string]any{},
		DTLSParameters: map[string]any{"role": "auto"},
	}
	return t, params, nil
}

func (e *Engine) RouterRTPCapabilities() json.RawMessage {
	return json.RawMessage(`[{"kind":"audio","mimeType":"audio/opus"}]`)
}

func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) Close() error { return nil }

// Created returns every transport the engine allocated, in order.
func (e *Engine) Created() []*Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Transport, len(e.created))
	copy(out, e.created)
	return out
}

type Transport struct {
	mu          sync.Mutex
	closeCalls  int
	connects    int
	failConnect bool
	bitrate     int
	produceGate chan struct{}
	producers   []*Producer
	consumers   []*Consumer
}

func (t *Transport) SetFailConnect(fail bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failConnect = fail
}

// SetProduceGate parks the next Produce calls until gate is closed.
func (t *Transport) SetProduceGate(gate chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.produceGate = gate
}

func (t *Transport) Connect(ctx context.Context, params core.ConnectParams) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failConnect {
		return errors.New("dtls refused")
	}
	t.connects++
	return nil
}

func (t *Transport) Produce(ctx context.Context, kind domain.Kind, rtpParameters json.RawMessage) (core.ProducerHandle, error) {
	t.mu.Lock()
	gate := t.produceGate
	t.mu.Unlock()
	if gate != nil {
		<-gate
	}
	p := &Producer{kind: kind, params: rtpParameters}
	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, producer core.ProducerHandle) (core.ConsumerHandle, error) {
	c := &Consumer{kind: producer.Kind(), params: producer.RTPParameters()}
	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

func (t *Transport) SetMaxIncomingBitrate(bps int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bitrate = bps
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCalls++
	return nil
}

func (t *Transport) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *Transport) MaxBitrate() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bitrate
}

func (t *Transport) Producers() []*Producer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Producer, len(t.producers))
	copy(out, t.producers)
	return out
}

func (t *Transport) Consumers() []*Consumer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Consumer, len(t.consumers))
	copy(out, t.consumers)
	return out
}

type Producer struct {
	kind   domain.Kind
	params json.RawMessage

	mu         sync.Mutex
	closeCalls int
}

func (p *Producer) Kind() domain.Kind              { return p.kind }
func (p *Producer) RTPParameters() json.RawMessage { return p.params }

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCalls++
	return nil
}

func (p *Producer) CloseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls
}

type Consumer struct {
	kind   domain.Kind
	params json.RawMessage

	mu         sync.Mutex
	closeCalls int
	resumed    bool
}

func (c *Consumer) Kind() domain.Kind              { return c.kind }
func (c *Consumer) RTPParameters() json.RawMessage { return c.params }

func (c *Consumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumed = true
	return nil
}

func (c *Consumer) Resumed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumed
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	return nil
}

func (c *Consumer) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

var (
	_ core.MediaEngine     = (*Engine)(nil)
	_ core.TransportHandle = (*Transport)(nil)
	_ core.ProducerHandle  = (*Producer)(nil)
	_ core.ConsumerHandle  = (*Consumer)(nil)
)
