package converse

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries SDK configuration. NewConfig fills it from environment
// variables (a .env file is honored), so most applications only override the
// odd field.
type Config struct {
	AgentID           string            `json:"agent_id,omitempty"`
	APIKey            string            `json:"-"`
	SignedURLEndpoint string            `json:"signed_url_endpoint,omitempty"`
	WsEndpoint        string            `json:"ws_endpoint,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`

	// UseSignedURL selects the production credential path. When false the
	// SDK mints dev tokens locally from CONVERSE_DEV_API_KEY instead.
	UseSignedURL       bool          `json:"use_signed_url"`
	TokenRefreshBuffer time.Duration `json:"token_refresh_buffer"`

	MaxConnectAttempts int           `json:"max_connect_attempts"`
	ConnectBaseDelay   time.Duration `json:"connect_base_delay"`
	ConnectMaxDelay    time.Duration `json:"connect_max_delay"`
	ConnectJitter      float64       `json:"connect_jitter"`

	PingInterval time.Duration `json:"ping_interval"`

	Reconnection ReconnectionConfig `json:"reconnection"`

	DebugLevel    string `json:"debug_level"`
	AudioDeviceID *int   `json:"audio_device_id,omitempty"`
}

func NewConfig() *Config {
	c := &Config{
		SignedURLEndpoint:  "https://api.converse.dev/v1/agents/signed-url",
		WsEndpoint:         "wss://api.converse.dev/v1/stream/conversation",
		Headers:            make(map[string]string),
		UseSignedURL:       true,
		TokenRefreshBuffer: 60 * time.Second,
		MaxConnectAttempts: 3,
		ConnectBaseDelay:   time.Second,
		ConnectMaxDelay:    10 * time.Second,
		ConnectJitter:      0.2,
		PingInterval:       10 * time.Second,
		Reconnection:       DefaultReconnectionConfig(),
		DebugLevel:         "INFO",
	}

	c.loadFromEnv()
	return c
}

func (c *Config) loadFromEnv() {
	// Load .env if exists
	_ = godotenv.Load()

	if agentID := os.Getenv("CONVERSE_AGENT_ID"); agentID != "" {
		c.AgentID = agentID
	}
	if apiKey := os.Getenv("CONVERSE_API_KEY"); apiKey != "" {
		c.APIKey = apiKey
	}
	if endpoint := os.Getenv("CONVERSE_SIGNED_URL_ENDPOINT"); endpoint != "" {
		c.SignedURLEndpoint = endpoint
	}
	if wsEndpoint := os.Getenv("CONVERSE_WS_ENDPOINT"); wsEndpoint != "" {
		c.WsEndpoint = wsEndpoint
	}

	c.UseSignedURL = os.Getenv("CONVERSE_USE_SIGNED_URL") != "false"

	if buffer := os.Getenv("CONVERSE_TOKEN_REFRESH_BUFFER"); buffer != "" {
		if val, err := strconv.ParseFloat(buffer, 64); err == nil && val >= 0 {
			c.TokenRefreshBuffer = time.Duration(val * float64(time.Second))
		}
	}

	if attempts := os.Getenv("CONVERSE_MAX_CONNECT_ATTEMPTS"); attempts != "" {
		if val, err := strconv.Atoi(attempts); err == nil && val > 0 {
			c.MaxConnectAttempts = val
		}
	}
	if delay := os.Getenv("CONVERSE_CONNECT_BASE_DELAY"); delay != "" {
		if val, err := strconv.ParseFloat(delay, 64); err == nil && val > 0 {
			c.ConnectBaseDelay = time.Duration(val * float64(time.Second))
		}
	}
	if delay := os.Getenv("CONVERSE_CONNECT_MAX_DELAY"); delay != "" {
		if val, err := strconv.ParseFloat(delay, 64); err == nil && val > 0 {
			c.ConnectMaxDelay = time.Duration(val * float64(time.Second))
		}
	}
	if jitter := os.Getenv("CONVERSE_CONNECT_JITTER"); jitter != "" {
		if val, err := strconv.ParseFloat(jitter, 64); err == nil && val >= 0 && val <= 1 {
			c.ConnectJitter = val
		}
	}

	if interval := os.Getenv("CONVERSE_PING_INTERVAL"); interval != "" {
		if val, err := strconv.ParseFloat(interval, 64); err == nil && val > 0 {
			c.PingInterval = time.Duration(val * float64(time.Second))
		}
	}

	c.Reconnection.Enabled = os.Getenv("CONVERSE_AUTO_RECONNECT") != "false"

	if attempts := os.Getenv("CONVERSE_MAX_RECONNECT_ATTEMPTS"); attempts != "" {
		if val, err := strconv.Atoi(attempts); err == nil && val > 0 {
			c.Reconnection.MaxAttempts = val
		}
	}
	if delay := os.Getenv("CONVERSE_RECONNECT_BASE_DELAY"); delay != "" {
		if val, err := strconv.ParseFloat(delay, 64); err == nil && val > 0 {
			c.Reconnection.BaseDelay = time.Duration(val * float64(time.Second))
		}
	}
	if delay := os.Getenv("CONVERSE_RECONNECT_MAX_DELAY"); delay != "" {
		if val, err := strconv.ParseFloat(delay, 64); err == nil && val > 0 {
			c.Reconnection.MaxDelay = time.Duration(val * float64(time.Second))
		}
	}
	if jitter := os.Getenv("CONVERSE_RECONNECT_JITTER"); jitter != "" {
		if val, err := strconv.ParseFloat(jitter, 64); err == nil && val >= 0 && val <= 1 {
			c.Reconnection.JitterFactor = val
		}
	}
	if threshold := os.Getenv("CONVERSE_CIRCUIT_BREAKER_THRESHOLD"); threshold != "" {
		if val, err := strconv.Atoi(threshold); err == nil && val > 0 {
			c.Reconnection.CircuitBreakerThreshold = val
		}
	}
	if window := os.Getenv("CONVERSE_CIRCUIT_BREAKER_WINDOW"); window != "" {
		if val, err := strconv.ParseFloat(window, 64); err == nil && val > 0 {
			c.Reconnection.CircuitBreakerWindow = time.Duration(val * float64(time.Second))
		}
	}
	c.Reconnection.AvoidMeteredNetworks = os.Getenv("CONVERSE_AVOID_METERED") == "true"
	if preferred := os.Getenv("CONVERSE_PREFERRED_NETWORK"); preferred != "" {
		c.Reconnection.PreferredNetwork = NetworkType(preferred)
	}

	if level := os.Getenv("CONVERSE_DEBUG_LEVEL"); level != "" {
		c.DebugLevel = level
	}

	if deviceIDStr := os.Getenv("CONVERSE_AUDIO_DEVICE_ID"); deviceIDStr != "" {
		if deviceID, err := strconv.Atoi(deviceIDStr); err == nil {
			c.AudioDeviceID = &deviceID
		}
	}
}

// Validate returns list of issues
func (c *Config) Validate() []string {
	issues := []string{}

	if c.UseSignedURL {
		if c.APIKey == "" {
			issues = append(issues, "CONVERSE_API_KEY environment variable not set")
		}
		if c.AgentID == "" {
			issues = append(issues, "CONVERSE_AGENT_ID environment variable not set")
		}
		if !strings.HasPrefix(c.SignedURLEndpoint, "http") {
			issues = append(issues, "Invalid signed URL endpoint format")
		}
	} else {
		devKey := os.Getenv("CONVERSE_DEV_API_KEY")
		if devKey == "" {
			issues = append(issues, "CONVERSE_DEV_API_KEY environment variable not set")
		} else if !strings.HasPrefix(devKey, DevKeyPrefix) {
			issues = append(issues, fmt.Sprintf("Invalid API key format (should start with '%s')", DevKeyPrefix))
		}
	}

	if !strings.HasPrefix(c.WsEndpoint, "ws") {
		issues = append(issues, "Invalid WebSocket endpoint format")
	}

	validLevels := []string{"DEBUG", "INFO", "WARNING", "ERROR"}
	found := false
	for _, level := range validLevels {
		if level == c.DebugLevel {
			found = true
			break
		}
	}
	if !found {
		issues = append(issues, fmt.Sprintf("Invalid debug level: %s", c.DebugLevel))
	}

	if c.ConnectMaxDelay < c.ConnectBaseDelay {
		issues = append(issues, "Connect max delay is below the base delay")
	}

	return issues
}

// ConnectRetryStrategy builds the initial-connect backoff from the config,
// falling back to the stock curve if the values do not combine.
func (c *Config) ConnectRetryStrategy() RetryStrategy {
	strategy, err := NewExponentialBackoffStrategy(c.MaxConnectAttempts, c.ConnectBaseDelay, c.ConnectMaxDelay, c.ConnectJitter)
	if err != nil {
		GetGlobalLogger().WithComponent("config").WithError(err).Warn("invalid connect backoff settings, using defaults")
		strategy, _ = NewExponentialBackoffStrategy(3, time.Second, 10*time.Second, 0.2)
	}
	return strategy
}

func (c *Config) PrintConfig() {
	fmt.Println("🗣  Converse SDK Configuration")
	fmt.Println("==================================================")

	if c.APIKey != "" && len(c.APIKey) > 10 {
		fmt.Printf("API Key: %s...\n", c.APIKey[:10])
	} else if c.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: NOT SET")
	}

	fmt.Printf("Agent ID: %s\n", c.AgentID)
	fmt.Printf("Signed URL Endpoint: %s\n", c.SignedURLEndpoint)
	fmt.Printf("WebSocket Endpoint: %s\n", c.WsEndpoint)
	fmt.Printf("Use Signed URL: %t\n", c.UseSignedURL)
	fmt.Printf("Token Refresh Buffer: %s\n", c.TokenRefreshBuffer)
	fmt.Printf("Max Connect Attempts: %d\n", c.MaxConnectAttempts)
	fmt.Printf("Ping Interval: %s\n", c.PingInterval)
	fmt.Printf("Auto Reconnect: %t\n", c.Reconnection.Enabled)
	fmt.Printf("Max Reconnect Attempts: %d\n", c.Reconnection.MaxAttempts)
	fmt.Printf("Reconnect Base Delay: %s\n", c.Reconnection.BaseDelay)
	fmt.Printf("Circuit Breaker: %d failures in %s\n", c.Reconnection.CircuitBreakerThreshold, c.Reconnection.CircuitBreakerWindow)
	fmt.Printf("Debug Level: %s\n", c.DebugLevel)

	if c.AudioDeviceID != nil {
		fmt.Printf("Audio Device ID: %d\n", *c.AudioDeviceID)
	} else {
		fmt.Println("Audio Device: Default")
	}
}
