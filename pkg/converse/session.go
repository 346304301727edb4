package converse

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrConversationActive is returned by StartConversation while another
	// conversation is running. Calls are rejected, not queued.
	ErrConversationActive = errors.New("conversation already active")

	// ErrNotConnected is returned by send operations without a live
	// connection.
	ErrNotConnected = errors.New("not connected")
)

type errorListener struct {
	id uint64
	fn func(error)
}

type transcriptListener struct {
	id uint64
	fn func(Transcript)
}

type responseListener struct {
	id uint64
	fn func(string)
}

type audioListener struct {
	id uint64
	fn func(AudioChunk)
}

// terminalEvent records how a connection ended: a clean close or a failure.
type terminalEvent struct {
	isClose bool
	code    int
	reason  string
	err     error
}

// AgentSession owns the single outward-facing connection to an agent. It
// translates transport callbacks into state machine transitions, hands
// failures to the reconnection scheduler, and fans decoded frames out to the
// application and the audio sink.
//
// A session holds at most one live connection and one active conversation;
// StartConversation while active is rejected with ErrConversationActive.
type AgentSession struct {
	config    *Config
	machine   *ConnectionStateMachine
	scheduler *ReconnectionScheduler
	strategy  RetryStrategy
	transport Transport
	urls      SignedURLProvider
	sink      AudioSink
	monitor   NetworkMonitor

	mu              sync.Mutex
	active          bool
	released        bool
	conn            TransportConn
	connSeq         uint64
	sessionID       string
	pendingTerminal *terminalEvent
	cancelStart     context.CancelFunc
	unsubscribeNet  func()

	handlerSeq          uint64
	errorListeners      []errorListener
	transcriptListeners []transcriptListener
	responseListeners   []responseListener
	audioListeners      []audioListener

	log *Logger
}

// NewAgentSession wires a session with the production collaborators: gorilla
// transport, the signed URL provider (or dev token minting when configured),
// exponential connect backoff and a silent audio sink. Swap any of them with
// the setters before starting.
func NewAgentSession(config *Config) *AgentSession {
	if config == nil {
		config = NewConfig()
	}

	var urls SignedURLProvider
	if config.UseSignedURL {
		urls = NewHTTPSignedURLProvider(config.SignedURLEndpoint, config.APIKey, config.Headers, config.TokenRefreshBuffer)
	} else {
		urls = NewDevSignedURLProvider(config.WsEndpoint)
	}

	s := &AgentSession{
		config:    config,
		machine:   NewConnectionStateMachine(),
		scheduler: NewReconnectionScheduler(config.Reconnection),
		strategy:  config.ConnectRetryStrategy(),
		transport: NewWebSocketTransport(),
		urls:      urls,
		sink:      NewNullAudioSink(),
		log:       GetGlobalLogger().WithComponent("session"),
	}
	s.scheduler.AddStateListener(s.onSchedulerState)
	return s
}

// SetTransport replaces the transport. Must be called before starting.
func (s *AgentSession) SetTransport(t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.log.Warn("ignoring SetTransport on active session")
		return
	}
	s.transport = t
}

// SetSignedURLProvider replaces the credential source. Must be called before
// starting.
func (s *AgentSession) SetSignedURLProvider(p SignedURLProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.log.Warn("ignoring SetSignedURLProvider on active session")
		return
	}
	s.urls = p
}

// SetAudioSink replaces the audio sink. Must be called before starting.
func (s *AgentSession) SetAudioSink(sink AudioSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.log.Warn("ignoring SetAudioSink on active session")
		return
	}
	s.sink = sink
}

// SetRetryStrategy replaces the initial-connect backoff policy. Must be
// called before starting.
func (s *AgentSession) SetRetryStrategy(strategy RetryStrategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.log.Warn("ignoring SetRetryStrategy on active session")
		return
	}
	s.strategy = strategy
}

// SetNetworkMonitor attaches a network observer. The session subscribes for
// the lifetime of each conversation and routes availability changes to the
// reconnection scheduler.
func (s *AgentSession) SetNetworkMonitor(m NetworkMonitor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.log.Warn("ignoring SetNetworkMonitor on active session")
		return
	}
	s.monitor = m
}

// StartConversation connects to the agent, retrying per the retry strategy,
// and returns once connected or once the strategy gives up. A second call
// while a conversation is active returns ErrConversationActive.
func (s *AgentSession) StartConversation(ctx context.Context) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return NewConverseError("session released", ErrCodeConnectionFailed)
	}
	if s.active {
		s.mu.Unlock()
		return ErrConversationActive
	}
	s.active = true
	startCtx, cancel := context.WithCancel(ctx)
	s.cancelStart = cancel
	monitor := s.monitor
	s.mu.Unlock()

	s.scheduler.Reset()
	if monitor != nil {
		unsub := monitor.Subscribe(s.onNetworkUpdate)
		s.mu.Lock()
		s.unsubscribeNet = unsub
		s.mu.Unlock()
	}

	attempt := 1
	for {
		s.machine.TransitionTo(Connecting{Attempt: attempt, StartedAt: time.Now()})

		err := s.connectOnce(startCtx)
		if err == nil {
			s.log.Infof("conversation started (session %s)", s.SessionID())
			return nil
		}
		if startCtx.Err() != nil {
			// Stopped or cancelled mid-connect; state was already settled
			// by StopConversation or will stay wherever the caller left it.
			s.endSession()
			return WrapError(startCtx.Err(), ErrCodeConnectionFailed)
		}

		s.emitError(err)
		if IsCriticalError(err) {
			s.machine.TransitionTo(Failed{Err: err, CanRetry: false})
			s.endSession()
			return err
		}

		s.machine.TransitionTo(Failed{Err: err, CanRetry: true})
		if !s.strategy.ShouldRetry(startCtx, err, attempt) {
			s.endSession()
			return err
		}

		delay := s.strategy.RetryDelay(attempt)
		s.log.WithError(err).Warnf("connect attempt %d failed, retrying in %s", attempt, delay)
		if !sleepContext(startCtx, delay) {
			s.endSession()
			return WrapError(startCtx.Err(), ErrCodeConnectionFailed)
		}
		attempt++
	}
}

// StopConversation tears the session down: it cancels any in-flight connect
// or scheduled retry and transitions to Disconnected(user initiated).
// Calling it again is a no-op.
func (s *AgentSession) StopConversation() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	conn := s.conn
	s.conn = nil
	s.connSeq++
	s.pendingTerminal = nil
	cancel := s.cancelStart
	s.cancelStart = nil
	unsub := s.unsubscribeNet
	s.unsubscribeNet = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.scheduler.Cancel()

	switch s.machine.CurrentState().Kind() {
	case StateConnected, StateConnecting:
		s.machine.TransitionTo(Disconnecting{Reason: ReasonUserInitiated})
		s.machine.TransitionTo(Disconnected{Reason: ReasonUserInitiated, CanReconnect: true})
	case StateReconnecting:
		s.machine.TransitionTo(Disconnected{Reason: ReasonUserInitiated, CanReconnect: true})
	case StateFailed:
		s.machine.TransitionTo(Idle{})
	}

	if conn != nil {
		conn.Close(CloseCodeNormal, "client closing")
	}
	if err := s.sink.Stop(); err != nil {
		s.log.WithError(err).Warn("audio sink stop failed")
	}
	if unsub != nil {
		unsub()
	}
	s.log.Info("conversation stopped")
}

// SendMessage sends a user text frame.
func (s *AgentSession) SendMessage(text string) error {
	data, err := EncodeEvent(NewUserMessage(text))
	if err != nil {
		return err
	}
	return s.send(data)
}

// SendAudioChunk sends captured user audio.
func (s *AgentSession) SendAudioChunk(chunk AudioChunk) error {
	data, err := EncodeEvent(NewAudioChunkEvent(chunk.Data, chunk.Format, chunk.SampleRate))
	if err != nil {
		return err
	}
	return s.send(data)
}

func (s *AgentSession) send(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil || !s.machine.IsConnected() {
		return ErrNotConnected
	}
	if err := conn.Send(data); err != nil {
		return err
	}
	s.machine.RecordMessageSent(int64(len(data)))
	return nil
}

// OnStateChange registers a state listener and replays the current state to
// it immediately. Returns an unsubscribe function.
func (s *AgentSession) OnStateChange(handler ConnectionHandler) func() {
	handler(s.machine.CurrentState())
	return s.machine.AddStateListener(handler)
}

// OnEvent registers a listener for connection events. No replay.
func (s *AgentSession) OnEvent(handler EventHandler) func() {
	return s.machine.AddEventListener(handler)
}

// OnError registers a listener for surfaced errors: frame parse failures,
// dropped connections, exhausted reconnection.
func (s *AgentSession) OnError(handler func(error)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlerSeq++
	id := s.handlerSeq
	s.errorListeners = append(s.errorListeners, errorListener{id: id, fn: handler})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.errorListeners {
			if l.id == id {
				s.errorListeners = append(s.errorListeners[:i], s.errorListeners[i+1:]...)
				return
			}
		}
	}
}

// OnTranscript registers a listener for user speech transcripts.
func (s *AgentSession) OnTranscript(handler func(Transcript)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlerSeq++
	id := s.handlerSeq
	s.transcriptListeners = append(s.transcriptListeners, transcriptListener{id: id, fn: handler})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.transcriptListeners {
			if l.id == id {
				s.transcriptListeners = append(s.transcriptListeners[:i], s.transcriptListeners[i+1:]...)
				return
			}
		}
	}
}

// OnAgentResponse registers a listener for agent text responses.
func (s *AgentSession) OnAgentResponse(handler func(string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlerSeq++
	id := s.handlerSeq
	s.responseListeners = append(s.responseListeners, responseListener{id: id, fn: handler})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.responseListeners {
			if l.id == id {
				s.responseListeners = append(s.responseListeners[:i], s.responseListeners[i+1:]...)
				return
			}
		}
	}
}

// OnAgentAudio registers a listener for decoded agent audio chunks. The
// chunks also go to the audio sink regardless of listeners.
func (s *AgentSession) OnAgentAudio(handler func(AudioChunk)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlerSeq++
	id := s.handlerSeq
	s.audioListeners = append(s.audioListeners, audioListener{id: id, fn: handler})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.audioListeners {
			if l.id == id {
				s.audioListeners = append(s.audioListeners[:i], s.audioListeners[i+1:]...)
				return
			}
		}
	}
}

// CurrentState returns the connection state.
func (s *AgentSession) CurrentState() ConnectionState {
	return s.machine.CurrentState()
}

// IsConnected reports whether the session holds a live connection.
func (s *AgentSession) IsConnected() bool {
	return s.machine.IsConnected()
}

// SessionID returns the identifier of the current (or last) connection,
// empty before the first successful handshake.
func (s *AgentSession) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Metrics returns a snapshot of the connection counters.
func (s *AgentSession) Metrics() ConnectionMetrics {
	return s.machine.Metrics()
}

// ConnectionDuration returns how long the current connection has been up.
func (s *AgentSession) ConnectionDuration() time.Duration {
	return s.machine.ConnectionDuration()
}

// RecoveryState exposes the reconnection scheduler's lifecycle state.
func (s *AgentSession) RecoveryState() ReconnectionState {
	return s.scheduler.State()
}

// Scheduler exposes the reconnection scheduler for advanced tuning and
// inspection.
func (s *AgentSession) Scheduler() *ReconnectionScheduler {
	return s.scheduler
}

// Release stops the conversation and frees the session's resources: the
// event dispatcher and the audio sink. The session cannot be started again
// afterwards.
func (s *AgentSession) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.StopConversation()

	s.mu.Lock()
	s.released = true
	s.mu.Unlock()

	s.sink.Release()
	s.machine.Close()
	s.log.Info("session released")
}

// connectOnce runs one full connect sequence: credential fetch, transport
// open, Connected transition. Transport callbacks are bound to a connection
// sequence number so a stale connection's callbacks are ignored.
func (s *AgentSession) connectOnce(ctx context.Context) error {
	endpoint, err := s.urls.FetchConnectionURL(ctx, s.config.AgentID)
	if err != nil {
		return err
	}

	header := make(http.Header)
	for k, v := range s.config.Headers {
		header.Set(k, v)
	}

	s.mu.Lock()
	s.connSeq++
	seq := s.connSeq
	s.pendingTerminal = nil
	s.mu.Unlock()

	handler := TransportHandler{
		OnOpen: func() {
			s.log.Debug("transport open")
		},
		OnMessage: func(data []byte) { s.onMessage(seq, data) },
		OnClosing: func(code int, reason string) {
			s.log.Debugf("peer closing: %d %s", code, reason)
		},
		OnClosed:  func(code int, reason string) { s.onClosed(seq, code, reason) },
		OnFailure: func(err error) { s.onFailure(seq, err) },
	}

	conn, err := s.transport.Open(ctx, endpoint, header, handler)
	if err != nil {
		return err
	}

	sessionID := uuid.NewString()
	s.mu.Lock()
	if seq != s.connSeq {
		// Stopped while the handshake was in flight.
		s.mu.Unlock()
		conn.Close(CloseCodeGoingAway, "superseded")
		return NewConnectionError("connection superseded", false)
	}
	s.conn = conn
	s.sessionID = sessionID
	s.mu.Unlock()

	if !s.machine.TransitionTo(Connected{SessionID: sessionID, ConnectedAt: time.Now()}) {
		s.mu.Lock()
		if seq == s.connSeq {
			s.conn = nil
			s.connSeq++
			s.pendingTerminal = nil
		}
		s.mu.Unlock()
		conn.Close(CloseCodeNormal, "aborted")
		return NewConnectionError("connection aborted", false)
	}

	// A terminal callback may have outrun establishment. Replay it now that
	// the connection is recorded, so the drop follows the normal outage path.
	s.mu.Lock()
	pending := s.pendingTerminal
	s.pendingTerminal = nil
	if pending != nil && seq == s.connSeq {
		s.connSeq++
		s.conn = nil
	}
	s.mu.Unlock()
	if pending != nil {
		if pending.isClose {
			s.handleClosed(pending.code, pending.reason)
		} else {
			s.handleFailure(pending.err)
		}
		return nil
	}

	if err := s.sink.Start(); err != nil {
		s.log.WithError(err).Warn("audio sink start failed, continuing without playback")
	}
	go s.pingLoop(seq)
	return nil
}

// reconnect is the closure handed to the scheduler: a full connect sequence
// reported back as success or failure.
func (s *AgentSession) reconnect(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !s.isActive() {
		return NewConnectionError("session no longer active", false)
	}
	if err := s.connectOnce(ctx); err != nil {
		s.emitError(err)
		return err
	}
	s.log.Infof("reconnected (session %s)", s.SessionID())
	return nil
}

func (s *AgentSession) onMessage(seq uint64, data []byte) {
	if !s.isCurrentConn(seq) {
		return
	}
	s.machine.RecordMessageReceived(int64(len(data)))

	ev, err := ParseInboundEvent(data)
	if err != nil {
		// A malformed frame does not imply a bad connection.
		s.emitError(err)
		return
	}

	switch ev.Type {
	case EventTypePong:
		if ev.Timestamp > 0 {
			latency := time.Now().UnixMilli() - ev.Timestamp
			if latency >= 0 {
				s.machine.RecordLatency(latency)
				s.machine.PublishMetrics()
			}
		}
	case EventTypeTranscript:
		s.emitTranscript(Transcript{Text: ev.Text, IsFinal: ev.IsFinal})
	case EventTypeAgentResponse:
		s.emitResponse(ev.Text)
	case EventTypeAgentAudio:
		pcm, err := DecodeAudioData(ev.Audio)
		if err != nil {
			s.emitError(err)
			return
		}
		chunk := AudioChunk{
			SegmentID:  ev.SegmentID,
			Seq:        ev.Seq,
			Format:     ev.Format,
			SampleRate: ev.SampleRate,
			Data:       pcm,
		}
		s.sink.Enqueue(chunk)
		s.emitAudio(chunk)
	case EventTypeInterruption:
		s.log.Info("agent speech interrupted")
		s.sink.Clear()
	case EventTypeError:
		code := ev.Code
		if code == "" {
			code = ErrCodeUnknown
		}
		s.emitError(NewConverseError(ev.Message, code))
	default:
		s.log.Debugf("unhandled event type %q", ev.Type)
	}
}

func (s *AgentSession) onFailure(seq uint64, err error) {
	if !s.claimDisconnect(seq, terminalEvent{err: err}) {
		return
	}
	s.handleFailure(err)
}

func (s *AgentSession) onClosed(seq uint64, code int, reason string) {
	if !s.claimDisconnect(seq, terminalEvent{isClose: true, code: code, reason: reason}) {
		return
	}
	s.handleClosed(code, reason)
}

// handleFailure reacts to a dropped connection: reflect it on the state
// machine, then hand the retry decision to the scheduler. Critical errors go
// straight to Failed; with auto-reconnect disabled the session simply
// disconnects.
func (s *AgentSession) handleFailure(err error) {
	s.emitError(err)

	if !s.config.Reconnection.Enabled && !IsCriticalError(err) {
		reason := disconnectReasonForError(err)
		s.machine.TransitionTo(Disconnecting{Reason: reason})
		s.machine.TransitionTo(Disconnected{Reason: reason, CanReconnect: true})
		s.endSession()
		return
	}

	attempt := s.scheduler.Attempts() + 1
	s.machine.TransitionTo(Reconnecting{
		Attempt:     attempt,
		NextRetryIn: s.scheduler.EstimateNextDelay(1.0),
		Reason:      reasonFromError(err),
	})

	if IsCriticalError(err) {
		s.machine.TransitionTo(Failed{Err: err, CanRetry: false})
		s.endSession()
		return
	}
	s.scheduler.ScheduleReconnection(1.0, s.reconnect)
}

// handleClosed reacts to a clean close from the peer. A deliberate goodbye
// is not an outage, so the conversation ends instead of reconnecting.
func (s *AgentSession) handleClosed(code int, reason string) {
	s.log.Infof("connection closed by server: %d %s", code, reason)

	s.machine.TransitionTo(Disconnecting{Reason: ReasonServerInitiated})
	s.machine.TransitionTo(Disconnected{Reason: ReasonServerInitiated, CanReconnect: true})
	s.endSession()
}

func (s *AgentSession) onSchedulerState(state ReconnectionState) {
	switch state {
	case ReconnectionFailed:
		err := NewConnectionError("reconnection attempts exhausted", false)
		if s.machine.TransitionTo(Failed{Err: err, CanRetry: false}) {
			s.emitError(err)
		}
		s.endSession()
	case ReconnectionCircuitOpen:
		err := NewConnectionError("reconnection suspended: circuit breaker open", false)
		if s.machine.TransitionTo(Failed{Err: err, CanRetry: false}) {
			s.emitError(err)
		}
		s.endSession()
	}
}

func (s *AgentSession) onNetworkUpdate(network NetworkState) {
	if !s.isActive() {
		return
	}
	if s.machine.CurrentState().Kind() != StateReconnecting {
		return
	}
	if network.IsConnected {
		s.scheduler.HandleNetworkAvailable(network, s.reconnect)
	} else {
		s.scheduler.HandleNetworkLost()
	}
}

func (s *AgentSession) pingLoop(seq uint64) {
	interval := s.config.PingInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		current := seq == s.connSeq
		conn := s.conn
		s.mu.Unlock()
		if !current || conn == nil {
			return
		}

		data, err := EncodeEvent(NewPing())
		if err != nil {
			continue
		}
		if err := conn.Send(data); err != nil {
			// The read loop surfaces the failure; the ping loop just ends.
			return
		}
		s.machine.RecordMessageSent(int64(len(data)))
	}
}

// claimDisconnect marks the connection gone exactly once. Callbacks from a
// superseded connection return false and are ignored. A terminal callback
// that arrives before connectOnce has recorded the connection is stashed for
// replay instead of claimed here.
func (s *AgentSession) claimDisconnect(seq uint64, ev terminalEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.connSeq {
		return false
	}
	if s.conn == nil {
		s.pendingTerminal = &ev
		return false
	}
	s.connSeq++
	s.conn = nil
	return true
}

func (s *AgentSession) isCurrentConn(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return seq == s.connSeq
}

func (s *AgentSession) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// endSession clears the active flag after a terminal outcome so the
// application can start a fresh conversation.
func (s *AgentSession) endSession() {
	s.mu.Lock()
	s.active = false
	cancel := s.cancelStart
	s.cancelStart = nil
	unsub := s.unsubscribeNet
	s.unsubscribeNet = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsub != nil {
		unsub()
	}
}

func (s *AgentSession) emitError(err error) {
	s.log.WithError(err).Debug("error surfaced")
	s.mu.Lock()
	listeners := make([]errorListener, len(s.errorListeners))
	copy(listeners, s.errorListeners)
	s.mu.Unlock()
	for _, l := range listeners {
		l.fn(err)
	}
}

func (s *AgentSession) emitTranscript(t Transcript) {
	s.mu.Lock()
	listeners := make([]transcriptListener, len(s.transcriptListeners))
	copy(listeners, s.transcriptListeners)
	s.mu.Unlock()
	for _, l := range listeners {
		l.fn(t)
	}
}

func (s *AgentSession) emitResponse(text string) {
	s.mu.Lock()
	listeners := make([]responseListener, len(s.responseListeners))
	copy(listeners, s.responseListeners)
	s.mu.Unlock()
	for _, l := range listeners {
		l.fn(text)
	}
}

func (s *AgentSession) emitAudio(chunk AudioChunk) {
	s.mu.Lock()
	listeners := make([]audioListener, len(s.audioListeners))
	copy(listeners, s.audioListeners)
	s.mu.Unlock()
	for _, l := range listeners {
		l.fn(chunk)
	}
}

func reasonFromError(err error) string {
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	if err != nil {
		return err.Error()
	}
	return "unknown"
}

func disconnectReasonForError(err error) DisconnectReason {
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return ReasonAuthFailed
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return ReasonTimeout
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return ReasonNetworkError
	}
	return ReasonUnknown
}
