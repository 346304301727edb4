package converse

// ConnectionEvent is a closed set of events emitted by the state machine and
// the session. Events are delivered to listeners in emission order.
type ConnectionEvent interface {
	isConnectionEvent()
}

// StateChangedEvent records a committed transition. It is always emitted
// before any state-specific event of the same transition.
type StateChangedEvent struct {
	From ConnectionState
	To   ConnectionState
}

// MetricsUpdateEvent is a snapshot of the traffic counters.
type MetricsUpdateEvent struct {
	LatencyMs        int64
	MessagesSent     int64
	MessagesReceived int64
	BytesTransferred int64
}

// QualityChangedEvent reports a new quality estimate for the link.
type QualityChangedEvent struct {
	Quality ConnectionQuality
}

func (StateChangedEvent) isConnectionEvent()  {}
func (MetricsUpdateEvent) isConnectionEvent() {}
func (QualityChangedEvent) isConnectionEvent() {}

// EventHandler receives connection events.
type EventHandler func(ConnectionEvent)

// ConnectionHandler receives connection state changes.
type ConnectionHandler func(ConnectionState)
