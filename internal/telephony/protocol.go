// Package telephony bridges the telephony provider to the call pipeline:
// a media-stream WebSocket endpoint carrying bidirectional audio and an
// HTTP webhook answering inbound calls with stream-connect instructions.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Media-stream event names as sent by the provider.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
)

// Custom stream parameters set by the webhook and echoed back in the start
// event.
const (
	paramCallerNumber = "caller_number"
	paramDialedNumber = "dialed_number"
)

// Envelope is one media-stream WebSocket message. Exactly one of the
// payload pointers is set, matching Event.
type Envelope struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
}

// StartPayload describes the stream being opened.
type StartPayload struct {
	AccountSID       string            `json:"accountSid"`
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

// MediaFormat describes the audio encoding of a stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries one frame of base64 mu-law audio.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StopPayload identifies the call whose stream is ending.
type StopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// MarkPayload is a playback checkpoint. The provider echoes a mark back
// once all audio queued before it has been played to the caller.
type MarkPayload struct {
	Name string `json:"name"`
}

// ParseEnvelope decodes one inbound stream message.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("telephony: parse stream message: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("telephony: stream message without event")
	}
	return &env, nil
}

// DecodeAudio returns the frame's mu-law bytes.
func (m *MediaPayload) DecodeAudio() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("telephony: decode media payload: %w", err)
	}
	return raw, nil
}

// MarshalMedia builds an outbound media message carrying mulaw audio.
func MarshalMedia(streamSID string, mulaw []byte) ([]byte, error) {
	env := Envelope{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &MediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	}
	return json.Marshal(env)
}

// MarshalMark builds an outbound mark message.
func MarshalMark(streamSID, name string) ([]byte, error) {
	env := Envelope{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      &MarkPayload{Name: name},
	}
	return json.Marshal(env)
}
