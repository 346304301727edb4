package converse

import (
	"net"
	"sync"
	"time"
)

// NetworkType classifies the active network interface.
type NetworkType string

const (
	NetworkNone     NetworkType = "none"
	NetworkWifi     NetworkType = "wifi"
	NetworkCellular NetworkType = "cellular"
	NetworkEthernet NetworkType = "ethernet"
	NetworkVPN      NetworkType = "vpn"
	NetworkOther    NetworkType = "other"
)

// SignalStrength is the platform's coarse signal estimate.
type SignalStrength string

const (
	SignalExcellent SignalStrength = "excellent"
	SignalGood      SignalStrength = "good"
	SignalFair      SignalStrength = "fair"
	SignalPoor      SignalStrength = "poor"
	SignalUnknown   SignalStrength = "unknown"
)

// NetworkState is a snapshot of platform connectivity. It is produced by a
// NetworkMonitor and consumed read-only by the reconnection scheduler.
type NetworkState struct {
	IsConnected            bool
	Type                   NetworkType
	IsMetered              bool
	SignalStrength         SignalStrength
	EstimatedBandwidthKbps int
	HasInternetCapability  bool
}

// BandwidthQuality is an advisory grade of the link's estimated bandwidth.
type BandwidthQuality string

const (
	BandwidthOffline BandwidthQuality = "offline"
	BandwidthLow     BandwidthQuality = "low"
	BandwidthMedium  BandwidthQuality = "medium"
	BandwidthHigh    BandwidthQuality = "high"
	BandwidthUltra   BandwidthQuality = "ultra"
)

// BandwidthQuality maps the estimated bandwidth to a band: <64 kbps low,
// <256 medium, <1024 high, else ultra. Disconnected or unestimated links are
// offline.
func (s NetworkState) BandwidthQuality() BandwidthQuality {
	if !s.IsConnected || s.EstimatedBandwidthKbps <= 0 {
		return BandwidthOffline
	}
	switch {
	case s.EstimatedBandwidthKbps < 64:
		return BandwidthLow
	case s.EstimatedBandwidthKbps < 256:
		return BandwidthMedium
	case s.EstimatedBandwidthKbps < 1024:
		return BandwidthHigh
	default:
		return BandwidthUltra
	}
}

// NetworkHandler receives network state updates.
type NetworkHandler func(NetworkState)

// NetworkMonitor observes platform connectivity. Updates are emitted on
// availability, loss and capability changes; ordering follows the causal
// order of the underlying notifications, nothing stronger.
type NetworkMonitor interface {
	Subscribe(handler NetworkHandler) func()
	Current() NetworkState
}

type networkSubscriber struct {
	id uint64
	fn NetworkHandler
}

// ManualNetworkMonitor is a NetworkMonitor fed by the embedding application,
// which usually has better platform signals than this library can probe for.
type ManualNetworkMonitor struct {
	mu          sync.Mutex
	state       NetworkState
	seq         uint64
	subscribers []networkSubscriber
}

func NewManualNetworkMonitor(initial NetworkState) *ManualNetworkMonitor {
	return &ManualNetworkMonitor{state: initial}
}

// SetState records the new state and fans it out to subscribers.
func (m *ManualNetworkMonitor) SetState(state NetworkState) {
	m.mu.Lock()
	m.state = state
	subs := make([]networkSubscriber, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	for _, s := range subs {
		s.fn(state)
	}
}

func (m *ManualNetworkMonitor) Subscribe(handler NetworkHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := m.seq
	m.subscribers = append(m.subscribers, networkSubscriber{id: id, fn: handler})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subscribers {
			if s.id == id {
				m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
				return
			}
		}
	}
}

func (m *ManualNetworkMonitor) Current() NetworkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ProbeNetworkMonitor derives availability by periodically dialing a probe
// address. It reports availability flips only; network type, metering and
// bandwidth are not probed and stay at their zero values.
type ProbeNetworkMonitor struct {
	mu          sync.Mutex
	state       NetworkState
	seq         uint64
	subscribers []networkSubscriber

	probeAddr string
	interval  time.Duration
	timeout   time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	log *Logger
}

// NewProbeNetworkMonitor starts probing immediately. probeAddr is a host:port
// reachable only when the network is up, e.g. a DNS resolver on port 53.
func NewProbeNetworkMonitor(probeAddr string, interval time.Duration) *ProbeNetworkMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m := &ProbeNetworkMonitor{
		probeAddr: probeAddr,
		interval:  interval,
		timeout:   2 * time.Second,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		log:       GetGlobalLogger().WithComponent("network-probe"),
	}
	m.state = m.probe()
	go m.run()
	return m
}

func (m *ProbeNetworkMonitor) Subscribe(handler NetworkHandler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := m.seq
	m.subscribers = append(m.subscribers, networkSubscriber{id: id, fn: handler})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subscribers {
			if s.id == id {
				m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
				return
			}
		}
	}
}

func (m *ProbeNetworkMonitor) Current() NetworkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stop terminates the probe loop. Idempotent.
func (m *ProbeNetworkMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	<-m.doneCh
}

func (m *ProbeNetworkMonitor) run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			next := m.probe()

			m.mu.Lock()
			changed := next.IsConnected != m.state.IsConnected
			m.state = next
			subs := make([]networkSubscriber, len(m.subscribers))
			copy(subs, m.subscribers)
			m.mu.Unlock()

			if !changed {
				continue
			}
			if next.IsConnected {
				m.log.Info("network available")
			} else {
				m.log.Warn("network lost")
			}
			for _, s := range subs {
				s.fn(next)
			}
		}
	}
}

func (m *ProbeNetworkMonitor) probe() NetworkState {
	conn, err := net.DialTimeout("tcp", m.probeAddr, m.timeout)
	if err != nil {
		return NetworkState{
			IsConnected:    false,
			Type:           NetworkNone,
			SignalStrength: SignalUnknown,
		}
	}
	conn.Close()
	return NetworkState{
		IsConnected:           true,
		Type:                  NetworkOther,
		SignalStrength:        SignalUnknown,
		HasInternetCapability: true,
	}
}
