package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openrelay/signaling/internal/core"
	"github.com/openrelay/signaling/internal/domain"
)

type clientSession struct {
	id    domain.ClientID
	owned map[domain.TransportID]struct{}
	// draining is set when teardown starts; registrations that lose the
	// race against disconnect observe it and fail with ErrClientNotFound.
	draining bool
}

type transportRecord struct {
	id     domain.TransportID
	owner  domain.ClientID
	state  domain.TransportState
	handle core.TransportHandle
	// connecting guards against interleaved state transitions on one id.
	connecting bool
	producers  map[domain.ProducerID]struct{}
	consumers  map[domain.ConsumerID]struct{}
}

type producerRecord struct {
	id        domain.ProducerID
	transport domain.TransportID
	kind      domain.Kind
	handle    core.ProducerHandle
}

type consumerRecord struct {
	id        domain.ConsumerID
	transport domain.TransportID
	producer  domain.ProducerID
	handle    core.ConsumerHandle
}

// ConsumerDescriptor is what a consume request returns to the client.
type ConsumerDescriptor struct {
	ID            domain.ConsumerID `json:"consumerId"`
	ProducerID    domain.ProducerID `json:"producerId"`
	Kind          domain.Kind       `json:"kind"`
	RTPParameters json.RawMessage   `json:"rtpParameters"`
}

// Registry is the single source of truth for resource ownership. Every
// read-modify-write goes through its mutex; calls into the media engine
// happen with the lock released and are re-validated afterwards, so a
// creation that loses a race against teardown never leaves a record behind.
type Registry struct {
	mu         sync.Mutex
	engine     core.MediaEngine
	clients    map[domain.ClientID]*clientSession
	transports map[domain.TransportID]*transportRecord
	producers  map[domain.ProducerID]*producerRecord
	consumers  map[domain.ConsumerID]*consumerRecord

	// closeTimeout bounds each facade release during transport closure.
	closeTimeout time.Duration
}

func NewRegistry(engine core.MediaEngine, closeTimeout time.Duration) *Registry {
	if closeTimeout <= 0 {
		closeTimeout = 5 * time.Second
	}
	return &Registry{
		engine:       engine,
		clients:      make(map[domain.ClientID]*clientSession),
		transports:   make(map[domain.TransportID]*transportRecord),
		producers:    make(map[domain.ProducerID]*producerRecord),
		consumers:    make(map[domain.ConsumerID]*consumerRecord),
		closeTimeout: closeTimeout,
	}
}

func (r *Registry) Engine() core.MediaEngine { return r.engine }

// AddClient registers a freshly accepted connection.
func (r *Registry) AddClient(cid domain.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[cid]; ok {
		return
	}
	r.clients[cid] = &clientSession{id: cid, owned: make(map[domain.TransportID]struct{})}
	log.Info().Str("module", "app.registry").Str("client", string(cid)).Msg("client registered")
}

// RemoveClient drops the session entry. Callers must have closed the
// client's resources first (see CloseAllForClient).
func (r *Registry) RemoveClient(cid domain.ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, cid)
	log.Info().Str("module", "app.registry").Str("client", string(cid)).Msg("client removed")
}

// CreateTransport allocates a transport through the engine and records it
// in state Created, owned by cid. If the client disconnected while the
// engine call was in flight the fresh handle is released and
// ErrClientNotFound is returned.
func (r *Registry) CreateTransport(ctx context.Context, cid domain.ClientID) (domain.TransportID, core.TransportParams, error) {
	r.mu.Lock()
	sess, ok := r.clients[cid]
	if !ok || sess.draining {
		r.mu.Unlock()
		return "", core.TransportParams{}, core.ErrClientNotFound
	}
	r.mu.Unlock()

	handle, params, err := r.engine.CreateTransport(ctx)
	if err != nil {
		return "", core.TransportParams{}, fmt.Errorf("%w: %v", core.ErrResourceCreationFailed, err)
	}

	r.mu.Lock()
	sess, ok = r.clients[cid]
	if !ok || sess.draining {
		r.mu.Unlock()
		r.release("transport", "unregistered", handle)
		return "", core.TransportParams{}, core.ErrClientNotFound
	}
	tid := domain.NewTransportID()
	r.transports[tid] = &transportRecord{
		id:        tid,
		owner:     cid,
		state:     domain.TransportCreated,
		handle:    handle,
		producers: make(map[domain.ProducerID]struct{}),
		consumers: make(map[domain.ConsumerID]struct{}),
	}
	sess.owned[tid] = struct{}{}
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").
		Str("client", string(cid)).Str("transport", string(tid)).
		Msg("transport created")
	return tid, params, nil
}

// Connect transitions a transport Created -> Connected, delegating the
// handshake to the engine. On engine failure the record stays Created.
func (r *Registry) Connect(ctx context.Context, cid domain.ClientID, tid domain.TransportID, params core.ConnectParams) error {
	r.mu.Lock()
	rec, ok := r.transports[tid]
	if !ok {
		r.mu.Unlock()
		return core.ErrNotFound
	}
	if rec.owner != cid {
		r.mu.Unlock()
		return core.ErrUnauthorized
	}
	if rec.state != domain.TransportCreated || rec.connecting {
		r.mu.Unlock()
		return core.ErrInvalidStateTransition
	}
	rec.connecting = true
	handle := rec.handle
	r.mu.Unlock()

	err := handle.Connect(ctx, params)

	r.mu.Lock()
	rec, ok = r.transports[tid]
	if !ok {
		// Closed while connecting; the cascade already released the handle.
		r.mu.Unlock()
		return core.ErrNotFound
	}
	rec.connecting = false
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", core.ErrResourceCreationFailed, err)
	}
	rec.state = domain.TransportConnected
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("transport", string(tid)).Msg("transport connected")
	return nil
}

// Produce creates a producer on a Connected transport owned by cid.
func (r *Registry) Produce(ctx context.Context, cid domain.ClientID, tid domain.TransportID, kind domain.Kind, rtpParameters json.RawMessage) (domain.ProducerID, error) {
	r.mu.Lock()
	rec, ok := r.transports[tid]
	if !ok {
		r.mu.Unlock()
		return "", core.ErrNotFound
	}
	if rec.owner != cid {
		r.mu.Unlock()
		return "", core.ErrUnauthorized
	}
	if rec.state != domain.TransportConnected {
		r.mu.Unlock()
		return "", core.ErrTransportNotReady
	}
	handle := rec.handle
	r.mu.Unlock()

	ph, err := handle.Produce(ctx, kind, rtpParameters)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrResourceCreationFailed, err)
	}

	r.mu.Lock()
	rec, ok = r.transports[tid]
	if !ok || rec.state != domain.TransportConnected {
		r.mu.Unlock()
		r.release("producer", string(tid), ph)
		return "", core.ErrNotFound
	}
	pid := domain.NewProducerID()
	r.producers[pid] = &producerRecord{id: pid, transport: tid, kind: kind, handle: ph}
	rec.producers[pid] = struct{}{}
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").
		Str("transport", string(tid)).Str("producer", string(pid)).Str("kind", kind.String()).
		Msg("producer registered")
	return pid, nil
}

// Consume creates a consumer for pid on a transport owned by cid. The
// producer may belong to another client; the relay is cross-client by
// design and the producer is only read, never mutated.
func (r *Registry) Consume(ctx context.Context, cid domain.ClientID, tid domain.TransportID, pid domain.ProducerID) (ConsumerDescriptor, error) {
	r.mu.Lock()
	rec, ok := r.transports[tid]
	if !ok {
		r.mu.Unlock()
		return ConsumerDescriptor{}, core.ErrNotFound
	}
	if rec.owner != cid {
		r.mu.Unlock()
		return ConsumerDescriptor{}, core.ErrUnauthorized
	}
	prod, ok := r.producers[pid]
	if !ok {
		r.mu.Unlock()
		return ConsumerDescriptor{}, core.ErrNotFound
	}
	handle := rec.handle
	producerHandle := prod.handle
	r.mu.Unlock()

	ch, err := handle.Consume(ctx, producerHandle)
	if err != nil {
		return ConsumerDescriptor{}, fmt.Errorf("%w: %v", core.ErrResourceCreationFailed, err)
	}

	r.mu.Lock()
	rec, tok := r.transports[tid]
	_, pok := r.producers[pid]
	if !tok || !pok {
		r.mu.Unlock()
		r.release("consumer", string(tid), ch)
		return ConsumerDescriptor{}, core.ErrNotFound
	}
	kid := domain.NewConsumerID()
	r.consumers[kid] = &consumerRecord{id: kid, transport: tid, producer: pid, handle: ch}
	rec.consumers[kid] = struct{}{}
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").
		Str("transport", string(tid)).Str("producer", string(pid)).Str("consumer", string(kid)).
		Msg("consumer registered")
	return ConsumerDescriptor{
		ID:            kid,
		ProducerID:    pid,
		Kind:          ch.Kind(),
		RTPParameters: ch.RTPParameters(),
	}, nil
}

// ResumeConsumer unpauses a consumer previously returned by Consume.
func (r *Registry) ResumeConsumer(cid domain.ClientID, kid domain.ConsumerID) error {
	r.mu.Lock()
	rec, ok := r.consumers[kid]
	if !ok {
		r.mu.Unlock()
		return core.ErrNotFound
	}
	tr, ok := r.transports[rec.transport]
	if !ok {
		r.mu.Unlock()
		return core.ErrNotFound
	}
	if tr.owner != cid {
		r.mu.Unlock()
		return core.ErrUnauthorized
	}
	handle := rec.handle
	r.mu.Unlock()
	return handle.Resume()
}

// CloseTransport closes a transport owned by cid. Closing an unknown or
// already-closed id is a no-op: duplicate closes from a racing disconnect
// and an explicit close request must both succeed.
func (r *Registry) CloseTransport(cid domain.ClientID, tid domain.TransportID) error {
	r.mu.Lock()
	rec, ok := r.transports[tid]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if rec.owner != cid {
		r.mu.Unlock()
		return core.ErrUnauthorized
	}
	r.closeLocked(rec)
	return nil
}

// closeLocked cascades closure of rec and everything under it. It must be
// entered with the lock held; records are removed from the maps before any
// engine call so every facade release happens exactly once, and the lock is
// released before the (long-latency) engine calls run.
func (r *Registry) closeLocked(rec *transportRecord) {
	rec.state = domain.TransportClosed

	type released struct {
		what   string
		id     string
		handle interface{ Close() error }
	}
	var handles []released
	for kid := range rec.consumers {
		if c, ok := r.consumers[kid]; ok {
			handles = append(handles, released{"consumer", string(kid), c.handle})
			delete(r.consumers, kid)
		}
	}
	for pid := range rec.producers {
		if p, ok := r.producers[pid]; ok {
			handles = append(handles, released{"producer", string(pid), p.handle})
			delete(r.producers, pid)
		}
	}
	handles = append(handles, released{"transport", string(rec.id), rec.handle})
	delete(r.transports, rec.id)
	if sess, ok := r.clients[rec.owner]; ok {
		delete(sess.owned, rec.id)
	}
	r.mu.Unlock()

	for _, h := range handles {
		r.release(h.what, h.id, h.handle)
	}
	log.Info().Str("module", "app.registry").
		Str("transport", string(rec.id)).Str("client", string(rec.owner)).
		Int("released", len(handles)).
		Msg("transport closed")
}

// release calls Close with a bounded wait. The registry record is already
// gone at this point, so a release that exceeds the timeout only leaks the
// goroutine until the engine returns; it never keeps a session alive.
func (r *Registry) release(what, id string, h interface{ Close() error }) {
	done := make(chan error, 1)
	go func() { done <- h.Close() }()
	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Str("module", "app.registry").
				Str(what, id).Msg("facade release failed")
		}
	case <-time.After(r.closeTimeout):
		log.Error().Str("module", "app.registry").
			Str(what, id).Dur("timeout", r.closeTimeout).
			Msg("facade release timed out, record force-dropped")
	}
}

// CloseAllForClient snapshots cid's owned set and closes every transport in
// it. The snapshot tolerates concurrent mutation of the owned set; the
// draining mark makes registrations racing this walk fail instead of
// slipping in behind it.
func (r *Registry) CloseAllForClient(cid domain.ClientID) []domain.TransportID {
	r.mu.Lock()
	sess, ok := r.clients[cid]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	sess.draining = true
	snapshot := make([]domain.TransportID, 0, len(sess.owned))
	for tid := range sess.owned {
		snapshot = append(snapshot, tid)
	}
	r.mu.Unlock()

	closed := make([]domain.TransportID, 0, len(snapshot))
	for _, tid := range snapshot {
		r.mu.Lock()
		rec, ok := r.transports[tid]
		if !ok {
			r.mu.Unlock()
			continue
		}
		r.closeLocked(rec)
		closed = append(closed, tid)
	}
	return closed
}

// TransportHandle looks up the engine handle for tid. Used by the settings
// update path, which mutates runtime parameters without touching lifecycle
// state.
func (r *Registry) TransportHandle(tid domain.TransportID) (core.TransportHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.transports[tid]
	if !ok {
		return nil, false
	}
	return rec.handle, true
}

// Counts reports live record totals.
func (r *Registry) Counts() (clients, transports, producers, consumers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients), len(r.transports), len(r.producers), len(r.consumers)
}

// OwnedTransports returns the ids currently owned by cid.
func (r *Registry) OwnedTransports(cid domain.ClientID) []domain.TransportID {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.clients[cid]
	if !ok {
		return nil
	}
	out := make([]domain.TransportID, 0, len(sess.owned))
	for tid := range sess.owned {
		out = append(out, tid)
	}
	return out
}
