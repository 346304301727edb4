package converse

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// Wire event types shared with the backend.
const (
	EventTypeUserMessage   = "user_message"
	EventTypeAudioChunk    = "audio_chunk"
	EventTypePing          = "ping"
	EventTypePong          = "pong"
	EventTypeTranscript    = "transcript"
	EventTypeAgentResponse = "agent_response"
	EventTypeAgentAudio    = "agent_audio"
	EventTypeInterruption  = "interruption"
	EventTypeError         = "error"
)

// OutboundEvent is the envelope for client to server frames. Only the fields
// relevant to the event type are set.
type OutboundEvent struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Audio      string `json:"audio,omitempty"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

// InboundEvent is the envelope for server to client frames.
type InboundEvent struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	IsFinal    bool   `json:"is_final,omitempty"`
	Audio      string `json:"audio,omitempty"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	SegmentID  string `json:"segment_id,omitempty"`
	Seq        int    `json:"seq,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	Message    string `json:"message,omitempty"`
	Code       string `json:"code,omitempty"`
}

// Transcript is the application-facing view of a transcript frame.
type Transcript struct {
	Text    string
	IsFinal bool
}

// NewUserMessage builds a text frame.
func NewUserMessage(text string) OutboundEvent {
	return OutboundEvent{
		Type:      EventTypeUserMessage,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewAudioChunkEvent builds an audio frame from raw PCM bytes.
func NewAudioChunkEvent(pcm []byte, format string, sampleRate int) OutboundEvent {
	return OutboundEvent{
		Type:       EventTypeAudioChunk,
		Audio:      EncodeAudioData(pcm),
		Format:     format,
		SampleRate: sampleRate,
		Timestamp:  time.Now().UnixMilli(),
	}
}

// NewPing builds a ping frame carrying the send time; the server echoes the
// timestamp back in its pong, which is how latency is measured.
func NewPing() OutboundEvent {
	return OutboundEvent{
		Type:      EventTypePing,
		Timestamp: time.Now().UnixMilli(),
	}
}

// EncodeEvent marshals an outbound frame for the wire.
func EncodeEvent(ev OutboundEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, NewMessageError("failed to encode event").AddDetail("event_type", ev.Type)
	}
	return data, nil
}

// ParseInboundEvent unmarshals a raw frame. A frame that is not JSON or has
// no type yields a MessageError; the connection itself is fine.
func ParseInboundEvent(data []byte) (InboundEvent, error) {
	var ev InboundEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		parseErr := NewMessageError("malformed frame")
		parseErr.err = err
		return InboundEvent{}, parseErr
	}
	if ev.Type == "" {
		return InboundEvent{}, NewMessageError("frame missing type")
	}
	return ev, nil
}

// EncodeAudioData encodes raw PCM bytes for transport.
func EncodeAudioData(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeAudioData decodes transported audio back to raw PCM bytes.
func DecodeAudioData(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		decodeErr := NewMessageError("audio payload is not valid base64")
		decodeErr.err = err
		return nil, decodeErr
	}
	return data, nil
}
