// Package converse provides a Go SDK for real-time voice and text
// conversations with Converse agents over a persistent WebSocket connection.
//
// # Overview
//
// The Converse SDK Go provides a complete solution for:
//   - A supervised connection state machine with a strict transition table
//   - Automatic reconnection with exponential backoff and a circuit breaker
//   - Pluggable retry strategies for the initial connect
//   - Network-aware recovery (metered networks, preferred network types)
//   - Signed URL authentication with caching and dev token minting
//   - Agent audio playback through PortAudio with barge-in support
//   - Structured logging with Zerolog
//
// # Quick Start
//
// Basic usage example:
//
//	config := converse.NewConfig()
//	config.AgentID = "agent_123"
//	session := converse.NewAgentSession(config)
//	defer session.Release()
//
//	session.OnTranscript(func(t converse.Transcript) {
//		fmt.Printf("You said: %s (final: %v)\n", t.Text, t.IsFinal)
//	})
//	session.OnAgentResponse(func(text string) {
//		fmt.Printf("Agent: %s\n", text)
//	})
//	session.OnError(converse.CreateErrorLoggingHandler("Session"))
//
//	if err := session.StartConversation(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//
//	session.SendMessage("Hello!")
//	// ...
//	session.StopConversation()
//
// # Configuration
//
// Config carries connection, authentication and reconnection settings and is
// populated from CONVERSE_* environment variables (a .env file is honored):
//
//	config := converse.NewConfig()
//	config.AgentID = "agent_123"
//	config.MaxConnectAttempts = 5
//	config.Reconnection.MaxAttempts = 10
//	config.Reconnection.BaseDelay = 2 * time.Second
//
//	if problems := config.Validate(); len(problems) > 0 {
//		log.Fatalf("invalid config: %v", problems)
//	}
//
// # Connection Lifecycle
//
// Every session moves through a fixed set of states: idle, connecting,
// connected, reconnecting, disconnecting, disconnected and failed. Illegal
// transitions are rejected, so observers always see a coherent sequence.
// Subscribe with OnStateChange, which replays the current state immediately:
//
//	session.OnStateChange(func(state converse.ConnectionState) {
//		fmt.Printf("state: %s\n", state)
//	})
//
// State values carry context: Connecting has the attempt number,
// Reconnecting the next retry delay, Failed the terminal error.
//
// # Reconnection
//
// When an established connection drops unexpectedly, the session enters
// reconnecting and hands recovery to the scheduler. Delays grow
// exponentially with jitter, a rolling failure window feeds a circuit
// breaker, and network changes reshape the schedule: losing the network
// pauses retries, regaining it triggers an immediate attempt. A clean close
// by the server ends the conversation instead of reconnecting.
//
// The initial connect is governed separately by a RetryStrategy:
//
//	session.SetRetryStrategy(converse.NewNoRetryStrategy())
//
// # Event Handlers
//
// Built-in factories cover common cases:
//
//	session.OnEvent(converse.CreateLoggingEventHandler(true))
//	session.OnEvent(converse.CreateQualityAlertHandler(converse.QualityPoor, func(q converse.ConnectionQuality) {
//		fmt.Printf("quality degraded to %s\n", q)
//	}))
//	session.OnAgentAudio(converse.CreateAudioVisualizerHandler(nil))
//
// # Audio Playback
//
// Agent audio plays through an AudioSink. The default sink discards audio;
// attach the PortAudio sink for speaker output:
//
//	sink := converse.NewPortAudioSink(converse.NewAudioConfig())
//	session.SetAudioSink(sink)
//	defer sink.Release()
//
// Interruption events clear the sink queue so the agent stops speaking
// immediately when barged in.
//
// # Structured Logging
//
// The SDK uses structured logging throughout:
//
//	converse.Info("Application started")
//
//	logConfig := converse.DefaultLogConfig()
//	logConfig.Level = converse.DebugLevel
//	converse.SetGlobalLogger(converse.NewLogger(logConfig))
//
// # Error Handling
//
// Errors carry a machine-readable code and structured details:
//
//	err := converse.NewConnectionError("connection refused", true)
//	err.AddDetail("endpoint", "wss://api.converse.dev")
//
//	if converse.IsRetryableError(err) {
//		// Retry the operation
//	}
//	if converse.IsCriticalError(err) {
//		// Authentication or configuration problem, do not retry
//	}
//
// # CLI Tool
//
// The SDK ships a CLI for quick experiments:
//
//	# Talk to an agent from the terminal
//	./converse chat --agent agent_123
//
//	# List playback devices
//	./converse devices list
//
//	# Check configuration and environment
//	./converse setup check
//
// # Thread Safety
//
// Sessions are safe for concurrent use:
//   - All session operations are protected by mutexes
//   - State and event listeners run on a single dispatcher goroutine
//   - The reconnection scheduler keeps at most one pending attempt
//   - Audio playback uses its own lock so the stream callback never blocks
//
// # Dependencies
//
// The SDK depends on:
//   - github.com/gorilla/websocket: WebSocket client
//   - github.com/gordonklaus/portaudio: Audio playback
//   - github.com/rs/zerolog: Structured logging
//   - github.com/spf13/cobra: CLI framework
//   - github.com/golang-jwt/jwt/v4: Dev token minting
//   - github.com/joho/godotenv: Environment variables
package converse
