package converse

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// Audio formats accepted from the backend.
const (
	FormatPCMF32LE = "pcm_f32le"
	FormatPCMS16LE = "pcm_s16le"
)

// AudioConfig represents playback configuration.
type AudioConfig struct {
	SampleRate int
	Channels   int
	Format     string
	BufferSize int
	DeviceID   *int
}

func NewAudioConfig() *AudioConfig {
	return &AudioConfig{
		SampleRate: 24000,
		Channels:   1,
		Format:     FormatPCMF32LE,
		BufferSize: 1024,
	}
}

// AudioChunk is one decoded agent audio segment. Seq orders the chunks of a
// segment; SegmentID plus Seq identifies a chunk for deduplication.
type AudioChunk struct {
	SegmentID  string
	Seq        int
	Format     string
	SampleRate int
	Data       []byte
}

// AudioSink consumes agent audio. Every method is idempotent: a second Start
// or Stop is a no-op, Enqueue drops chunks it has already queued.
type AudioSink interface {
	Enqueue(chunk AudioChunk)
	Start() error
	Stop() error
	Clear()
	Release()
}

// QueueStats counts queue traffic.
type QueueStats struct {
	Enqueued   int64
	Duplicates int64
	Played     int64
}

type playbackQueue struct {
	mu     sync.Mutex
	chunks []AudioChunk
	stats  QueueStats
}

func newPlaybackQueue() *playbackQueue {
	return &playbackQueue{}
}

// add appends the chunk unless an identical SegmentID and Seq is already
// pending, reporting whether the chunk was accepted.
func (q *playbackQueue) add(chunk AudioChunk) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range q.chunks {
		if c.SegmentID == chunk.SegmentID && c.Seq == chunk.Seq {
			q.stats.Duplicates++
			return false
		}
	}
	q.chunks = append(q.chunks, chunk)
	q.stats.Enqueued++
	return true
}

func (q *playbackQueue) next() (AudioChunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.chunks) == 0 {
		return AudioChunk{}, false
	}
	chunk := q.chunks[0]
	q.chunks = q.chunks[1:]
	q.stats.Played++
	return chunk, true
}

func (q *playbackQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.chunks = nil
}

func (q *playbackQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}

func (q *playbackQueue) snapshot() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// PortAudioSink plays queued agent audio through a single persistent output
// stream. The stream callback pulls samples from the queue, so enqueueing is
// never blocked on the audio device.
type PortAudioSink struct {
	config *AudioConfig
	queue  *playbackQueue

	mu          sync.Mutex
	stream      *portaudio.Stream
	started     bool
	released    bool
	initialized bool

	// bufMu guards the sample buffer fed to the portaudio callback. It is
	// separate from mu so the callback never contends with Start/Stop.
	bufMu   sync.Mutex
	samples []float32
	offset  int

	log *Logger
}

func NewPortAudioSink(config *AudioConfig) *PortAudioSink {
	if config == nil {
		config = NewAudioConfig()
	}
	return &PortAudioSink{
		config: config,
		queue:  newPlaybackQueue(),
		log:    GetGlobalLogger().WithComponent("audio-sink"),
	}
}

func (s *PortAudioSink) Enqueue(chunk AudioChunk) {
	if s.queue.add(chunk) {
		s.log.Debugf("queued audio segment %s-%d", chunk.SegmentID, chunk.Seq)
	} else {
		s.log.Debugf("duplicate audio segment %s-%d, skipping", chunk.SegmentID, chunk.Seq)
	}
}

func (s *PortAudioSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return NewConverseError("audio sink released", ErrCodePlayback)
	}
	if s.started {
		return nil
	}

	if s.stream == nil {
		if err := portaudio.Initialize(); err != nil {
			return WrapError(err, ErrCodeAudioDevice)
		}
		s.initialized = true

		stream, err := portaudio.OpenDefaultStream(0, s.config.Channels, float64(s.config.SampleRate), s.config.BufferSize, s.fill)
		if err != nil {
			portaudio.Terminate()
			s.initialized = false
			return WrapError(err, ErrCodeAudioDevice)
		}
		s.stream = stream
	}

	if err := s.stream.Start(); err != nil {
		return WrapError(err, ErrCodePlayback)
	}
	s.started = true
	s.log.Debug("playback started")
	return nil
}

func (s *PortAudioSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false
	if err := s.stream.Stop(); err != nil {
		return WrapError(err, ErrCodePlayback)
	}
	s.log.Debug("playback stopped")
	return nil
}

// Clear drops all pending audio, including the partially played segment.
// This is the barge-in path: the server announced an interruption and stale
// agent speech must not keep playing.
func (s *PortAudioSink) Clear() {
	s.queue.clear()
	s.bufMu.Lock()
	s.samples = nil
	s.offset = 0
	s.bufMu.Unlock()
	s.log.Debug("playback queue cleared")
}

func (s *PortAudioSink) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return
	}
	s.released = true

	if s.stream != nil {
		if s.started {
			s.stream.Stop()
			s.started = false
		}
		s.stream.Close()
		s.stream = nil
	}
	if s.initialized {
		portaudio.Terminate()
		s.initialized = false
	}
	s.queue.clear()
	s.log.Debug("audio sink released")
}

func (s *PortAudioSink) Stats() QueueStats {
	return s.queue.snapshot()
}

func (s *PortAudioSink) Pending() int {
	return s.queue.pending()
}

func (s *PortAudioSink) fill(out []float32) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()

	for i := range out {
		if s.offset >= len(s.samples) {
			chunk, ok := s.queue.next()
			if !ok {
				out[i] = 0
				continue
			}
			samples, err := DecodePCM(chunk.Data, chunk.Format)
			if err != nil {
				s.log.WithError(err).Warnf("dropping undecodable segment %s-%d", chunk.SegmentID, chunk.Seq)
				out[i] = 0
				continue
			}
			s.samples = samples
			s.offset = 0
		}
		if s.offset < len(s.samples) {
			out[i] = s.samples[s.offset]
			s.offset++
		} else {
			out[i] = 0
		}
	}
}

// NullAudioSink queues and counts chunks without touching any audio device.
// It serves headless deployments and tests.
type NullAudioSink struct {
	queue *playbackQueue
}

func NewNullAudioSink() *NullAudioSink {
	return &NullAudioSink{queue: newPlaybackQueue()}
}

func (s *NullAudioSink) Enqueue(chunk AudioChunk) { s.queue.add(chunk) }
func (s *NullAudioSink) Start() error             { return nil }
func (s *NullAudioSink) Stop() error              { return nil }
func (s *NullAudioSink) Clear()                   { s.queue.clear() }
func (s *NullAudioSink) Release()                 { s.queue.clear() }
func (s *NullAudioSink) Stats() QueueStats        { return s.queue.snapshot() }
func (s *NullAudioSink) Pending() int             { return s.queue.pending() }

// DecodePCM converts raw little-endian PCM bytes into float32 samples.
// Trailing partial samples are dropped.
func DecodePCM(data []byte, format string) ([]float32, error) {
	switch format {
	case FormatPCMF32LE, "":
		samples := make([]float32, len(data)/4)
		for i := range samples {
			bits := binary.LittleEndian.Uint32(data[i*4 : (i+1)*4])
			samples[i] = math.Float32frombits(bits)
		}
		return samples, nil
	case FormatPCMS16LE:
		samples := make([]float32, len(data)/2)
		for i := range samples {
			v := int16(binary.LittleEndian.Uint16(data[i*2 : (i+1)*2]))
			samples[i] = float32(v) / 32768.0
		}
		return samples, nil
	default:
		return nil, NewConverseError(fmt.Sprintf("unsupported audio format: %s", format), ErrCodePlayback)
	}
}

// AudioDevice describes one platform audio device.
type AudioDevice struct {
	ID                int
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	IsDefault         bool
	IsInput           bool
	IsOutput          bool
	HostAPI           string
}

// ListAudioDevices enumerates the platform's audio devices. It initializes
// and terminates portaudio around the enumeration, so do not call it while a
// sink is running.
func ListAudioDevices() ([]AudioDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, WrapError(err, ErrCodeAudioDevice)
	}
	defer portaudio.Terminate()

	defaultOutput, err := portaudio.DefaultOutputDevice()
	if err != nil {
		defaultOutput = nil
	}

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, WrapError(err, ErrCodeAudioDevice)
	}

	devices := make([]AudioDevice, 0, len(infos))
	for i, dev := range infos {
		hostAPI := "Unknown"
		if dev.HostApi != nil {
			hostAPI = dev.HostApi.Name
		}
		devices = append(devices, AudioDevice{
			ID:                i,
			Name:              dev.Name,
			MaxInputChannels:  dev.MaxInputChannels,
			MaxOutputChannels: dev.MaxOutputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
			IsDefault:         defaultOutput != nil && dev == defaultOutput,
			IsInput:           dev.MaxInputChannels > 0,
			IsOutput:          dev.MaxOutputChannels > 0,
			HostAPI:           hostAPI,
		})
	}
	return devices, nil
}
