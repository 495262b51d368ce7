package ca

import (
	"sync"

	"go.uber.org/zap"
)

// operation is one running account operation. Operations are keyed by the
// client's allocated channel; a client runs at most one at a time.
type operation interface {
	Start()
	Name() string
}

// OperationManager tracks the running operation of every client on this
// agent. Clients call in from their own event loops, so the map is
// mutex-guarded; the lock is never held across Start.
type OperationManager struct {
	metrics *Metrics
	log     *zap.Logger

	mu        sync.Mutex
	byChannel map[uint64]operation
}

func newOperationManager(metrics *Metrics, log *zap.Logger) *OperationManager {
	return &OperationManager{
		metrics:   metrics,
		log:       log.Named("operations"),
		byChannel: make(map[uint64]operation),
	}
}

// Run starts op for the client owning channel. A client with an operation
// already in flight is refused.
func (m *OperationManager) Run(channel uint64, op operation) bool {
	m.mu.Lock()
	if _, busy := m.byChannel[channel]; busy {
		m.mu.Unlock()
		m.log.Warn("operation refused, another is running",
			zap.Uint64("channel", channel), zap.String("operation", op.Name()))
		return false
	}
	m.byChannel[channel] = op
	m.mu.Unlock()

	m.metrics.Operations.Inc()
	op.Start()
	return true
}

// Finish removes the operation bound to channel.
func (m *OperationManager) Finish(channel uint64) {
	m.mu.Lock()
	_, ok := m.byChannel[channel]
	if ok {
		delete(m.byChannel, channel)
	}
	m.mu.Unlock()
	if ok {
		m.metrics.Operations.Dec()
	}
}

func (m *OperationManager) Has(channel uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byChannel[channel]
	return ok
}

// operationBase carries the bookkeeping every operation shares. finish
// reports true exactly once; concrete operations invoke their success
// callback only inside that window and only when success is true.
type operationBase struct {
	client *Client
	name   string
	done   bool
}

func (o *operationBase) Name() string {
	return o.name
}

func (o *operationBase) finish(success bool) bool {
	if o.done {
		return false
	}
	o.done = true
	o.client.agent.operations.Finish(o.client.allocated)
	if !success {
		o.client.log.Warn("operation failed", zap.String("operation", o.name))
	}
	return true
}
