package converse

import (
	"sync"
	"sync/atomic"
	"time"
)

// legalTransitions maps each state kind to the kinds it may move to. Anything
// not listed here is rejected by TransitionTo.
var legalTransitions = map[StateKind][]StateKind{
	StateIdle:          {StateConnecting},
	StateConnecting:    {StateConnected, StateFailed, StateDisconnecting},
	StateConnected:     {StateDisconnecting, StateReconnecting},
	StateReconnecting:  {StateConnected, StateFailed, StateDisconnected},
	StateDisconnecting: {StateDisconnected},
	StateDisconnected:  {StateConnecting, StateIdle},
	StateFailed:        {StateConnecting, StateIdle},
}

func transitionAllowed(from, to StateKind) bool {
	for _, k := range legalTransitions[from] {
		if k == to {
			return true
		}
	}
	return false
}

// eventBufferSize bounds the dispatch queue. Listeners that cannot keep up
// cause events to be dropped with a warning rather than blocking transitions.
const eventBufferSize = 128

type stateListener struct {
	id uint64
	fn ConnectionHandler
}

type eventListener struct {
	id uint64
	fn EventHandler
}

// ConnectionMetrics is a point-in-time snapshot of the traffic counters.
type ConnectionMetrics struct {
	LatencyMs        int64
	MessagesSent     int64
	MessagesReceived int64
	BytesTransferred int64
	ConnectedAt      time.Time
	Quality          ConnectionQuality
}

// ConnectionStateMachine owns the authoritative connection state. All
// transitions pass through TransitionTo under a mutex, and all events are
// delivered from a single dispatcher goroutine so listeners observe them in
// emission order: StateChanged first, then the state-specific events of the
// same transition.
type ConnectionStateMachine struct {
	mu     sync.Mutex
	state  ConnectionState
	closed bool

	eventCh chan ConnectionEvent
	done    chan struct{}

	listenerSeq    uint64
	stateListeners []stateListener
	eventListeners []eventListener

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	bytesTransferred atomic.Int64
	latencyMs        atomic.Int64

	tracking    bool
	connectedAt time.Time
	lastQuality ConnectionQuality

	log *Logger
}

// NewConnectionStateMachine creates a machine in the Idle state and starts
// its event dispatcher.
func NewConnectionStateMachine() *ConnectionStateMachine {
	m := &ConnectionStateMachine{
		state:       Idle{},
		eventCh:     make(chan ConnectionEvent, eventBufferSize),
		done:        make(chan struct{}),
		lastQuality: QualityOffline,
		log:         GetGlobalLogger().WithComponent("state-machine"),
	}
	go m.dispatch()
	return m
}

// CurrentState returns the state held right now.
func (m *ConnectionStateMachine) CurrentState() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the machine holds the Connected state.
func (m *ConnectionStateMachine) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Kind() == StateConnected
}

// IsTransitioning reports whether the machine holds one of the transient
// states (Connecting, Reconnecting, Disconnecting).
func (m *ConnectionStateMachine) IsTransitioning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state.Kind() {
	case StateConnecting, StateReconnecting, StateDisconnecting:
		return true
	default:
		return false
	}
}

// TransitionTo commits the transition iff it is legal, returning true on
// commit. An illegal request leaves the state unchanged, logs a warning and
// returns false; callers must treat that as a no-op and decide their own
// recovery path.
func (m *ConnectionStateMachine) TransitionTo(next ConnectionState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	if !transitionAllowed(from.Kind(), next.Kind()) {
		m.log.Warnf("rejected transition %s -> %s", from, next)
		return false
	}

	m.state = next
	m.log.Debugf("transition %s -> %s", from, next)
	m.enqueueLocked(StateChangedEvent{From: from, To: next})

	switch next.Kind() {
	case StateConnected:
		m.resetMetricsLocked()
		m.tracking = true
		if c, ok := next.(Connected); ok && !c.ConnectedAt.IsZero() {
			m.connectedAt = c.ConnectedAt
		} else {
			m.connectedAt = time.Now()
		}
		m.lastQuality = QualityGood
		m.enqueueLocked(QualityChangedEvent{Quality: QualityGood})
	case StateDisconnected:
		m.lastQuality = QualityOffline
		m.enqueueLocked(QualityChangedEvent{Quality: QualityOffline})
		if m.tracking {
			m.enqueueLocked(m.metricsEventLocked())
			m.tracking = false
		}
	}
	return true
}

// RecordMessageSent bumps the sent counter and the byte counter.
func (m *ConnectionStateMachine) RecordMessageSent(bytes int64) {
	m.messagesSent.Add(1)
	m.bytesTransferred.Add(bytes)
}

// RecordMessageReceived bumps the received counter and the byte counter.
func (m *ConnectionStateMachine) RecordMessageReceived(bytes int64) {
	m.messagesReceived.Add(1)
	m.bytesTransferred.Add(bytes)
}

// RecordLatency stores a round-trip latency sample and emits QualityChanged
// with the band the sample falls in. Every sample emits, not only band
// changes, so listeners can treat the event as a heartbeat.
func (m *ConnectionStateMachine) RecordLatency(latencyMs int64) {
	m.latencyMs.Store(latencyMs)
	quality := QualityForLatency(latencyMs)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastQuality = quality
	m.enqueueLocked(QualityChangedEvent{Quality: quality})
}

// PublishMetrics emits a MetricsUpdate event with the current counters.
func (m *ConnectionStateMachine) PublishMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueueLocked(m.metricsEventLocked())
}

// Metrics returns a snapshot of the counters and the current quality.
func (m *ConnectionStateMachine) Metrics() ConnectionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnectionMetrics{
		LatencyMs:        m.latencyMs.Load(),
		MessagesSent:     m.messagesSent.Load(),
		MessagesReceived: m.messagesReceived.Load(),
		BytesTransferred: m.bytesTransferred.Load(),
		ConnectedAt:      m.connectedAt,
		Quality:          m.lastQuality,
	}
}

// ConnectionDuration returns how long the current connection has been up, or
// zero when not connected.
func (m *ConnectionStateMachine) ConnectionDuration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Kind() != StateConnected {
		return 0
	}
	return time.Since(m.connectedAt)
}

// AddStateListener registers a handler for committed state changes and
// returns an unsubscribe function.
func (m *ConnectionStateMachine) AddStateListener(handler ConnectionHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listenerSeq++
	id := m.listenerSeq
	m.stateListeners = append(m.stateListeners, stateListener{id: id, fn: handler})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.stateListeners {
			if l.id == id {
				m.stateListeners = append(m.stateListeners[:i], m.stateListeners[i+1:]...)
				return
			}
		}
	}
}

// AddEventListener registers a handler for all connection events and returns
// an unsubscribe function.
func (m *ConnectionStateMachine) AddEventListener(handler EventHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listenerSeq++
	id := m.listenerSeq
	m.eventListeners = append(m.eventListeners, eventListener{id: id, fn: handler})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.eventListeners {
			if l.id == id {
				m.eventListeners = append(m.eventListeners[:i], m.eventListeners[i+1:]...)
				return
			}
		}
	}
}

// Close stops the dispatcher after draining queued events. The machine
// accepts no transitions or events afterwards.
func (m *ConnectionStateMachine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.eventCh)
	m.mu.Unlock()
	<-m.done
}

// enqueueLocked queues an event for dispatch. Callers must hold m.mu, which
// is what makes the emission order of a transition atomic.
func (m *ConnectionStateMachine) enqueueLocked(ev ConnectionEvent) {
	if m.closed {
		return
	}
	select {
	case m.eventCh <- ev:
	default:
		m.log.Warnf("event queue full, dropping %T", ev)
	}
}

func (m *ConnectionStateMachine) resetMetricsLocked() {
	m.messagesSent.Store(0)
	m.messagesReceived.Store(0)
	m.bytesTransferred.Store(0)
	m.latencyMs.Store(0)
}

func (m *ConnectionStateMachine) metricsEventLocked() MetricsUpdateEvent {
	return MetricsUpdateEvent{
		LatencyMs:        m.latencyMs.Load(),
		MessagesSent:     m.messagesSent.Load(),
		MessagesReceived: m.messagesReceived.Load(),
		BytesTransferred: m.bytesTransferred.Load(),
	}
}

func (m *ConnectionStateMachine) dispatch() {
	defer close(m.done)
	for ev := range m.eventCh {
		m.mu.Lock()
		stateHandlers := make([]stateListener, len(m.stateListeners))
		copy(stateHandlers, m.stateListeners)
		eventHandlers := make([]eventListener, len(m.eventListeners))
		copy(eventHandlers, m.eventListeners)
		m.mu.Unlock()

		if sc, ok := ev.(StateChangedEvent); ok {
			for _, l := range stateHandlers {
				l.fn(sc.To)
			}
		}
		for _, l := range eventHandlers {
			l.fn(ev)
		}
	}
}
