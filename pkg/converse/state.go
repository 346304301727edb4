package converse

import (
	"fmt"
	"time"
)

// StateKind identifies which ConnectionState variant is held.
type StateKind int

const (
	StateIdle StateKind = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnecting
	StateDisconnected
	StateFailed
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DisconnectReason explains why a connection ended.
type DisconnectReason string

const (
	ReasonUserInitiated   DisconnectReason = "user_initiated"
	ReasonServerInitiated DisconnectReason = "server_initiated"
	ReasonNetworkError    DisconnectReason = "network_error"
	ReasonAuthFailed      DisconnectReason = "auth_failed"
	ReasonTimeout         DisconnectReason = "timeout"
	ReasonUnknown         DisconnectReason = "unknown"
)

// ConnectionState is a closed set of connection lifecycle states. Exactly one
// value is held by the state machine at any instant; the only implementations
// are the variants in this file.
type ConnectionState interface {
	Kind() StateKind
	String() string
	isConnectionState()
}

// Idle is the initial state before any connection attempt.
type Idle struct{}

// Connecting is the transient state while an attempt is in flight.
type Connecting struct {
	Attempt   int
	StartedAt time.Time
}

// Connected holds the identity of the live session. SessionID is assigned by
// the session orchestrator, not the state machine, and is unique per
// successful handshake.
type Connected struct {
	SessionID   string
	ConnectedAt time.Time
}

// Reconnecting is held while a retry is pending or in flight after a drop.
type Reconnecting struct {
	Attempt     int
	NextRetryIn time.Duration
	Reason      string
}

// Disconnecting is the transient teardown state.
type Disconnecting struct {
	Reason DisconnectReason
}

// Disconnected is a settled state. CanReconnect reports whether a later
// reconnect attempt is sensible for this reason.
type Disconnected struct {
	Reason       DisconnectReason
	CanReconnect bool
}

// Failed is the settled terminal-failure state of an attempt.
type Failed struct {
	Err      error
	CanRetry bool
}

func (Idle) Kind() StateKind          { return StateIdle }
func (Connecting) Kind() StateKind    { return StateConnecting }
func (Connected) Kind() StateKind     { return StateConnected }
func (Reconnecting) Kind() StateKind  { return StateReconnecting }
func (Disconnecting) Kind() StateKind { return StateDisconnecting }
func (Disconnected) Kind() StateKind  { return StateDisconnected }
func (Failed) Kind() StateKind        { return StateFailed }

func (Idle) String() string { return "idle" }

func (s Connecting) String() string {
	return fmt.Sprintf("connecting(attempt=%d)", s.Attempt)
}

func (s Connected) String() string {
	return fmt.Sprintf("connected(session=%s)", s.SessionID)
}

func (s Reconnecting) String() string {
	return fmt.Sprintf("reconnecting(attempt=%d, next=%s)", s.Attempt, s.NextRetryIn)
}

func (s Disconnecting) String() string {
	return fmt.Sprintf("disconnecting(%s)", s.Reason)
}

func (s Disconnected) String() string {
	return fmt.Sprintf("disconnected(%s, can_reconnect=%t)", s.Reason, s.CanReconnect)
}

func (s Failed) String() string {
	if s.Err != nil {
		return fmt.Sprintf("failed(%v, can_retry=%t)", s.Err, s.CanRetry)
	}
	return fmt.Sprintf("failed(can_retry=%t)", s.CanRetry)
}

func (Idle) isConnectionState()          {}
func (Connecting) isConnectionState()    {}
func (Connected) isConnectionState()     {}
func (Reconnecting) isConnectionState()  {}
func (Disconnecting) isConnectionState() {}
func (Disconnected) isConnectionState()  {}
func (Failed) isConnectionState()        {}

// ConnectionQuality grades the link from latency samples.
type ConnectionQuality string

const (
	QualityExcellent ConnectionQuality = "excellent"
	QualityGood      ConnectionQuality = "good"
	QualityFair      ConnectionQuality = "fair"
	QualityPoor      ConnectionQuality = "poor"
	QualityOffline   ConnectionQuality = "offline"
)

// QualityForLatency maps a round-trip latency sample in milliseconds to a
// quality band. Bands are inclusive on their lower edge.
func QualityForLatency(latencyMs int64) ConnectionQuality {
	switch {
	case latencyMs < 50:
		return QualityExcellent
	case latencyMs < 150:
		return QualityGood
	case latencyMs < 300:
		return QualityFair
	default:
		return QualityPoor
	}
}
