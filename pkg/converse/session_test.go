package converse

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu        sync.Mutex
	sent      [][]byte
	closed    bool
	closeCode int
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	return nil
}

func (c *fakeConn) sentFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := make([]string, len(c.sent))
	for i, f := range c.sent {
		frames[i] = string(f)
	}
	return frames
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeTransport hands out in-memory connections and records the handler of
// each so tests can drive transport callbacks directly.
type fakeTransport struct {
	mu       sync.Mutex
	conns    []*fakeConn
	handlers []TransportHandler
	failures int
	failWith error
	opens    int
}

func (tr *fakeTransport) Open(ctx context.Context, endpoint string, header http.Header, handler TransportHandler) (TransportConn, error) {
	tr.mu.Lock()
	tr.opens++
	if tr.failures != 0 {
		if tr.failures > 0 {
			tr.failures--
		}
		err := tr.failWith
		tr.mu.Unlock()
		if err == nil {
			err = NewConnectionError("dial failed", true)
		}
		return nil, err
	}
	conn := &fakeConn{}
	tr.conns = append(tr.conns, conn)
	tr.handlers = append(tr.handlers, handler)
	tr.mu.Unlock()

	if handler.OnOpen != nil {
		handler.OnOpen()
	}
	return conn, nil
}

// failNext makes the next n Open calls fail; n < 0 fails every call.
func (tr *fakeTransport) failNext(n int, err error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.failures = n
	tr.failWith = err
}

func (tr *fakeTransport) openCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.opens
}

func (tr *fakeTransport) conn(i int) *fakeConn {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.conns[i]
}

func (tr *fakeTransport) handler(i int) TransportHandler {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.handlers[i]
}

type fakeURLProvider struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *fakeURLProvider) FetchConnectionURL(ctx context.Context, agentID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return fmt.Sprintf("wss://example.test/stream?agent_id=%s", agentID), nil
}

func (p *fakeURLProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func testSessionConfig() *Config {
	return &Config{
		AgentID:            "agent-test",
		WsEndpoint:         "wss://example.test/stream",
		UseSignedURL:       false,
		MaxConnectAttempts: 3,
		ConnectBaseDelay:   time.Millisecond,
		ConnectMaxDelay:    5 * time.Millisecond,
		ConnectJitter:      0,
		PingInterval:       0,
		Reconnection:       fastReconnectionConfig(),
		DebugLevel:         "ERROR",
	}
}

func newTestSession(t *testing.T, cfg *Config) (*AgentSession, *fakeTransport, *fakeURLProvider) {
	t.Helper()
	if cfg == nil {
		cfg = testSessionConfig()
	}
	s := NewAgentSession(cfg)
	tr := &fakeTransport{}
	urls := &fakeURLProvider{}
	s.SetTransport(tr)
	s.SetSignedURLProvider(urls)
	t.Cleanup(s.Release)
	return s, tr, urls
}

type stateRecorder struct {
	mu     sync.Mutex
	states []StateKind
}

func (r *stateRecorder) record(state ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state.Kind())
}

func (r *stateRecorder) snapshot() []StateKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StateKind, len(r.states))
	copy(out, r.states)
	return out
}

func (r *stateRecorder) waitFor(t *testing.T, n int) []StateKind {
	t.Helper()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.states) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return r.snapshot()
}

type errorCollector struct {
	mu   sync.Mutex
	errs []error
}

func (c *errorCollector) record(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *errorCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errs)
}

func (c *errorCollector) snapshot() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]error, len(c.errs))
	copy(out, c.errs)
	return out
}

func TestAgentSession_StartConversation(t *testing.T) {
	s, tr, urls := newTestSession(t, nil)

	rec := &stateRecorder{}
	s.OnStateChange(rec.record)

	require.NoError(t, s.StartConversation(context.Background()))

	assert.True(t, s.IsConnected())
	assert.NotEmpty(t, s.SessionID())
	assert.Equal(t, 1, tr.openCount())
	assert.Equal(t, 1, urls.callCount())

	states := rec.waitFor(t, 3)
	assert.Equal(t, []StateKind{StateIdle, StateConnecting, StateConnected}, states[:3])
}

func TestAgentSession_SecondStartRejected(t *testing.T) {
	s, _, _ := newTestSession(t, nil)

	require.NoError(t, s.StartConversation(context.Background()))
	err := s.StartConversation(context.Background())
	assert.ErrorIs(t, err, ErrConversationActive)
}

func TestAgentSession_StartRetriesThenSucceeds(t *testing.T) {
	s, tr, _ := newTestSession(t, nil)
	tr.failNext(2, NewConnectionError("dial failed", true))

	errs := &errorCollector{}
	s.OnError(errs.record)

	require.NoError(t, s.StartConversation(context.Background()))
	assert.Equal(t, 3, tr.openCount())
	assert.Equal(t, 2, errs.count())
	assert.True(t, s.IsConnected())
}

func TestAgentSession_StartGivesUpAfterMaxAttempts(t *testing.T) {
	cfg := testSessionConfig()
	cfg.MaxConnectAttempts = 2
	s, tr, _ := newTestSession(t, cfg)
	tr.failNext(-1, NewConnectionError("dial failed", true))

	err := s.StartConversation(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, tr.openCount())
	assert.Equal(t, StateFailed, s.CurrentState().Kind())

	failed, ok := s.CurrentState().(Failed)
	require.True(t, ok)
	assert.True(t, failed.CanRetry)
}

func TestAgentSession_StartStopsOnCriticalError(t *testing.T) {
	s, tr, _ := newTestSession(t, nil)
	tr.failNext(-1, NewAuthError("api key rejected"))

	err := s.StartConversation(context.Background())
	require.Error(t, err)
	assert.True(t, IsCriticalError(err))
	assert.Equal(t, 1, tr.openCount(), "auth failures must not be retried")

	failed, ok := s.CurrentState().(Failed)
	require.True(t, ok)
	assert.False(t, failed.CanRetry)
}

func TestAgentSession_StartHonorsContextCancel(t *testing.T) {
	s, tr, _ := newTestSession(t, nil)
	tr.failNext(-1, NewConnectionError("dial failed", true))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.StartConversation(ctx)
	require.Error(t, err)
	assert.False(t, s.IsConnected())

	// The session is free for another attempt afterwards.
	tr.failNext(0, nil)
	require.NoError(t, s.StartConversation(context.Background()))
}

func TestAgentSession_SendMessage(t *testing.T) {
	s, tr, _ := newTestSession(t, nil)

	assert.ErrorIs(t, s.SendMessage("too early"), ErrNotConnected)

	require.NoError(t, s.StartConversation(context.Background()))
	require.NoError(t, s.SendMessage("hello there"))

	frames := tr.conn(0).sentFrames()
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0], `"type":"user_message"`)
	assert.Contains(t, frames[0], `"text":"hello there"`)
	assert.Equal(t, int64(1), s.Metrics().MessagesSent)
}

func TestAgentSession_SendAudioChunk(t *testing.T) {
	s, tr, _ := newTestSession(t, nil)
	require.NoError(t, s.StartConversation(context.Background()))

	chunk := AudioChunk{Format: FormatPCMS16LE, SampleRate: 24000, Data: []byte{0x01, 0x02, 0x03, 0x04}}
	require.NoError(t, s.SendAudioChunk(chunk))

	frames := tr.conn(0).sentFrames()
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0], `"type":"audio_chunk"`)
	assert.Contains(t, frames[0], `"sample_rate":24000`)
}

func TestAgentSession_InboundFrames(t *testing.T) {
	s, tr, _ := newTestSession(t, nil)
	require.NoError(t, s.StartConversation(context.Background()))
	h := tr.handler(0)

	var mu sync.Mutex
	var transcripts []Transcript
	var responses []string
	var chunks []AudioChunk
	s.OnTranscript(func(ts Transcript) {
		mu.Lock()
		defer mu.Unlock()
		transcripts = append(transcripts, ts)
	})
	s.OnAgentResponse(func(text string) {
		mu.Lock()
		defer mu.Unlock()
		responses = append(responses, text)
	})
	s.OnAgentAudio(func(c AudioChunk) {
		mu.Lock()
		defer mu.Unlock()
		chunks = append(chunks, c)
	})

	h.OnMessage([]byte(`{"type":"transcript","text":"partial hel","is_final":false}`))
	h.OnMessage([]byte(`{"type":"transcript","text":"hello","is_final":true}`))
	h.OnMessage([]byte(`{"type":"agent_response","text":"hi, how can I help?"}`))
	h.OnMessage([]byte(`{"type":"agent_audio","audio":"AAAAAA==","format":"pcm_f32le","sample_rate":24000,"segment_id":"seg-1","seq":0}`))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transcripts, 2)
	assert.Equal(t, Transcript{Text: "partial hel", IsFinal: false}, transcripts[0])
	assert.Equal(t, Transcript{Text: "hello", IsFinal: true}, transcripts[1])
	require.Len(t, responses, 1)
	assert.Equal(t, "hi, how can I help?", responses[0])
	require.Len(t, chunks, 1)
	assert.Equal(t, "seg-1", chunks[0].SegmentID)
	assert.Equal(t, []byte{0, 0, 0, 0}, chunks[0].Data)
	assert.Equal(t, int64(4), s.Metrics().MessagesReceived)
}

func TestAgentSession_MalformedFrameDoesNotDropConnection(t *testing.T) {
	s, tr, _ := newTestSession(t, nil)
	require.NoError(t, s.StartConversation(context.Background()))
	h := tr.handler(0)

	errs := &errorCollector{}
	s.OnError(errs.record)

	h.OnMessage([]byte(`{not json`))

	require.Equal(t, 1, errs.count())
	assert.True(t, IsErrorCode(errs.snapshot()[0], ErrCodeMessageParse))
	assert.True(t, s.IsConnected(), "a bad frame is not an outage")
	assert.Equal(t, 1, tr.openCount())

	// Later frames still flow.
	var got string
	var mu sync.Mutex
	s.OnAgentResponse(func(text string) {
		mu.Lock()
		defer mu.Unlock()
		got = text
	})
	h.OnMessage([]byte(`{"type":"agent_response","text":"still here"}`))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "still here", got)
}

func TestAgentSession_ErrorFrameSurfaced(t *testing.T) {
	s, tr, _ := newTestSession(t, nil)
	require.NoError(t, s.StartConversation(context.Background()))

	errs := &errorCollector{}
	s.OnError(errs.record)

	tr.handler(0).OnMessage([]byte(`{"type":"error","message":"agent overloaded","code":"AGENT_BUSY"}`))

	require.Equal(t, 1, errs.count())
	assert.True(t, IsErrorCode(errs.snapshot()[0], "AGENT_BUSY"))
	assert.True(t, s.IsConnected())
}

func TestAgentSession_PongUpdatesLatency(t *testing.T) {
	s, tr, _ := newTestSession(t, nil)
	require.NoError(t, s.StartConversation(context.Background()))

	sent := time.Now().Add(-40 * time.Millisecond).UnixMilli()
	tr.handler(0).OnMessage([]byte(fmt.Sprintf(`{"type":"pong","timestamp":%d}`, sent)))

	latency := s.Metrics().LatencyMs
	assert.GreaterOrEqual(t, latency, int64(40))
	assert.Less(t, latency, int64(500))
}

func TestAgentSession_InterruptionClearsAudioQueue(t *testing.T) {
	s, tr, _ := newTestSession(t, nil)
	sink := NewNullAudioSink()
	s.SetAudioSink(sink)
	require.NoError(t, s.StartConversation(context.Background()))
	h := tr.handler(0)

	h.OnMessage([]byte(`{"type":"agent_audio","audio":"AAAAAA==","segment_id":"seg-1","seq":0}`))
	h.OnMessage([]byte(`{"type":"agent_audio","audio":"AAAAAA==","segment_id":"seg-1","seq":1}`))
	require.Equal(t, 2, sink.Pending())

	h.OnMessage([]byte(`{"type":"interruption"}`))
	assert.Zero(t, sink.Pending(), "barge-in must drop queued agent audio")
}

func TestAgentSession_DropSchedulesReconnect(t *testing.T) {
	s, tr, _ := newTestSession(t, nil)

	rec := &stateRecorder{}
	s.OnStateChange(rec.record)

	require.NoError(t, s.StartConversation(context.Background()))
	firstID := s.SessionID()

	tr.handler(0).OnFailure(NewConnectionError("connection reset", true))

	require.Eventually(t, func() bool {
		return s.IsConnected() && tr.openCount() == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.NotEqual(t, firstID, s.SessionID(), "a reconnect is a new session")

	states := rec.waitFor(t, 5)
	assert.Equal(t, []StateKind{StateIdle, StateConnecting, StateConnected, StateReconnecting, StateConnected}, states[:5])
}

func TestAgentSession_ReconnectExhaustionFails(t *testing.T) {
	cfg := testSessionConfig()
	cfg.Reconnection.MaxAttempts = 2
	s, tr, _ := newTestSession(t, cfg)

	errs := &errorCollector{}
	s.OnError(errs.record)

	require.NoError(t, s.StartConversation(context.Background()))
	tr.failNext(-1, NewConnectionError("still down", true))
	tr.handler(0).OnFailure(NewConnectionError("connection reset", true))

	sawExhaustion := func() bool {
		for _, err := range errs.snapshot() {
			if err.Error() == "[CONNECTION_FAILED] reconnection attempts exhausted" {
				return true
			}
		}
		return false
	}
	require.Eventually(t, func() bool {
		return s.CurrentState().Kind() == StateFailed && sawExhaustion()
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 3, tr.openCount(), "initial connect plus two reconnect attempts")
	assert.Equal(t, ReconnectionFailed, s.RecoveryState())
}

func TestAgentSession_CleanServerCloseEndsConversation(t *testing.T) {
	s, tr, _ := newTestSession(t, nil)

	rec := &stateRecorder{}
	s.OnStateChange(rec.record)

	require.NoError(t, s.StartConversation(context.Background()))
	tr.handler(0).OnClosed(CloseCodeNormal, "conversation complete")

	require.Eventually(t, func() bool {
		return s.CurrentState().Kind() == StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)

	disconnected, ok := s.CurrentState().(Disconnected)
	require.True(t, ok)
	assert.Equal(t, ReasonServerInitiated, disconnected.Reason)
	assert.True(t, disconnected.CanReconnect)

	states := rec.waitFor(t, 5)
	assert.Equal(t, []StateKind{StateIdle, StateConnecting, StateConnected, StateDisconnecting, StateDisconnected}, states[:5])

	// A goodbye is not an outage: no reconnect attempt may follow.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, tr.openCount())

	// The session is reusable afterwards.
	require.NoError(t, s.StartConversation(context.Background()))
	assert.Equal(t, 2, tr.openCount())
}

func TestAgentSession_StopConversation(t *testing.T) {
	s, tr, _ := newTestSession(t, nil)
	require.NoError(t, s.StartConversation(context.Background()))

	s.StopConversation()

	assert.False(t, s.IsConnected())
	disconnected, ok := s.CurrentState().(Disconnected)
	require.True(t, ok)
	assert.Equal(t, ReasonUserInitiated, disconnected.Reason)

	conn := tr.conn(0)
	assert.True(t, conn.isClosed())
	assert.Equal(t, CloseCodeNormal, conn.closeCode)

	// Stop again is a no-op.
	s.StopConversation()

	// Stale transport callbacks are ignored after teardown.
	tr.handler(0).OnFailure(NewConnectionError("late failure", true))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateDisconnected, s.CurrentState().Kind())
	assert.Equal(t, 1, tr.openCount())

	// And the session can start a fresh conversation.
	require.NoError(t, s.StartConversation(context.Background()))
	assert.True(t, s.IsConnected())
}

func TestAgentSession_NetworkLossPausesRecovery(t *testing.T) {
	cfg := testSessionConfig()
	cfg.Reconnection.BaseDelay = 50 * time.Millisecond
	cfg.Reconnection.MaxDelay = 100 * time.Millisecond
	cfg.Reconnection.MaxAttempts = 50
	s, tr, _ := newTestSession(t, cfg)

	monitor := NewManualNetworkMonitor(NetworkState{IsConnected: true, Type: NetworkWifi})
	s.SetNetworkMonitor(monitor)

	require.NoError(t, s.StartConversation(context.Background()))

	// Drop the connection with the endpoint unreachable, then lose the
	// network entirely.
	tr.failNext(-1, NewConnectionError("still down", true))
	tr.handler(0).OnFailure(NewConnectionError("connection reset", true))

	require.Eventually(t, func() bool {
		return s.CurrentState().Kind() == StateReconnecting
	}, 2*time.Second, 5*time.Millisecond)

	monitor.SetState(NetworkState{IsConnected: false, Type: NetworkNone})
	require.Eventually(t, func() bool {
		return s.RecoveryState() == ReconnectionWaiting
	}, 2*time.Second, 5*time.Millisecond)

	opensWhileOffline := tr.openCount()
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, opensWhileOffline, tr.openCount(), "no attempts while the network is down")

	// Network back: recovery resumes and succeeds.
	tr.failNext(0, nil)
	monitor.SetState(NetworkState{IsConnected: true, Type: NetworkWifi})

	require.Eventually(t, func() bool { return s.IsConnected() }, 2*time.Second, 5*time.Millisecond)
}

func TestAgentSession_SettersRejectedWhileActive(t *testing.T) {
	s, tr, _ := newTestSession(t, nil)
	require.NoError(t, s.StartConversation(context.Background()))

	other := &fakeTransport{}
	s.SetTransport(other)
	s.SetAudioSink(NewNullAudioSink())
	s.SetRetryStrategy(NewNoRetryStrategy())

	s.mu.Lock()
	assert.Same(t, tr, s.transport.(*fakeTransport), "transport must not change mid-conversation")
	s.mu.Unlock()
}

func TestAgentSession_ReleaseIsTerminal(t *testing.T) {
	s, _, _ := newTestSession(t, nil)
	require.NoError(t, s.StartConversation(context.Background()))

	s.Release()
	s.Release()

	err := s.StartConversation(context.Background())
	require.Error(t, err)
	assert.True(t, IsErrorCode(err, ErrCodeConnectionFailed))
}

func TestAgentSession_UnsubscribeHandlers(t *testing.T) {
	s, tr, _ := newTestSession(t, nil)
	require.NoError(t, s.StartConversation(context.Background()))

	var mu sync.Mutex
	calls := 0
	unsub := s.OnAgentResponse(func(string) {
		mu.Lock()
		defer mu.Unlock()
		calls++
	})

	h := tr.handler(0)
	h.OnMessage([]byte(`{"type":"agent_response","text":"one"}`))
	unsub()
	h.OnMessage([]byte(`{"type":"agent_response","text":"two"}`))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}