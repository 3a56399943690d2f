package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// TwilioEvent identifies media-stream payload variants on the telephony socket.
type TwilioEvent string

const (
	TwilioEventConnected TwilioEvent = "connected"
	TwilioEventStart     TwilioEvent = "start"
	TwilioEventMedia     TwilioEvent = "media"
	TwilioEventStop      TwilioEvent = "stop"
	TwilioEventMark      TwilioEvent = "mark"
	TwilioEventClear     TwilioEvent = "clear"
)

var ErrUnsupportedTwilioEvent = errors.New("unsupported telephony event")

type twilioEnvelope struct {
	Event TwilioEvent `json:"event"`
}

// StreamConnected is the first frame the provider sends after the upgrade.
type StreamConnected struct {
	Event    TwilioEvent `json:"event"`
	Protocol string      `json:"protocol"`
	Version  string      `json:"version"`
}

// StreamStart announces the media stream and carries its identifier.
type StreamStart struct {
	Event     TwilioEvent `json:"event"`
	StreamSID string      `json:"streamSid"`
	Start     struct {
		AccountSID       string            `json:"accountSid"`
		CallSID          string            `json:"callSid"`
		StreamSID        string            `json:"streamSid"`
		Tracks           []string          `json:"tracks"`
		CustomParameters map[string]string `json:"customParameters"`
		MediaFormat      struct {
			Encoding   string `json:"encoding"`
			SampleRate int    `json:"sampleRate"`
			Channels   int    `json:"channels"`
		} `json:"mediaFormat"`
	} `json:"start"`
}

// MediaFrame is one inbound audio chunk with its media-clock timestamp.
type MediaFrame struct {
	Event       TwilioEvent
	StreamSID   string
	Track       string
	Payload     string
	TimestampMS int64
}

type mediaFrameWire struct {
	Event     TwilioEvent `json:"event"`
	StreamSID string      `json:"streamSid"`
	Media     struct {
		Track     string `json:"track"`
		Chunk     string `json:"chunk"`
		Timestamp string `json:"timestamp"`
		Payload   string `json:"payload"`
	} `json:"media"`
}

// StreamStop ends the media stream.
type StreamStop struct {
	Event     TwilioEvent `json:"event"`
	StreamSID string      `json:"streamSid"`
}

// MarkAck is the provider confirming playback reached a previously sent mark.
type MarkAck struct {
	Event     TwilioEvent `json:"event"`
	StreamSID string      `json:"streamSid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

// OutboundMedia wraps assistant audio for the telephony socket.
type OutboundMedia struct {
	Event     TwilioEvent `json:"event"`
	StreamSID string      `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// OutboundClear flushes audio the provider has queued but not yet played.
type OutboundClear struct {
	Event     TwilioEvent `json:"event"`
	StreamSID string      `json:"streamSid"`
}

// OutboundMark asks the provider to echo a marker when playback reaches it.
type OutboundMark struct {
	Event     TwilioEvent `json:"event"`
	StreamSID string      `json:"streamSid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

func NewOutboundMedia(streamSID, payload string) OutboundMedia {
	m := OutboundMedia{Event: TwilioEventMedia, StreamSID: streamSID}
	m.Media.Payload = payload
	return m
}

func NewOutboundClear(streamSID string) OutboundClear {
	return OutboundClear{Event: TwilioEventClear, StreamSID: streamSID}
}

func NewOutboundMark(streamSID, name string) OutboundMark {
	m := OutboundMark{Event: TwilioEventMark, StreamSID: streamSID}
	m.Mark.Name = name
	return m
}

// ParseTwilioEvent decodes one telephony frame into its typed variant.
func ParseTwilioEvent(raw []byte) (any, error) {
	var env twilioEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid telephony envelope: %w", err)
	}

	switch env.Event {
	case TwilioEventConnected:
		var msg StreamConnected
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TwilioEventStart:
		var msg StreamStart
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.StreamSID == "" {
			msg.StreamSID = msg.Start.StreamSID
		}
		if msg.StreamSID == "" {
			return nil, errors.New("start event missing streamSid")
		}
		return msg, nil
	case TwilioEventMedia:
		var wire mediaFrameWire
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, err
		}
		if wire.Media.Payload == "" {
			return nil, errors.New("media event missing payload")
		}
		// The provider sends the media clock as a decimal string.
		ts, err := strconv.ParseInt(wire.Media.Timestamp, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("media event timestamp %q: %w", wire.Media.Timestamp, err)
		}
		return MediaFrame{
			Event:       TwilioEventMedia,
			StreamSID:   wire.StreamSID,
			Track:       wire.Media.Track,
			Payload:     wire.Media.Payload,
			TimestampMS: ts,
		}, nil
	case TwilioEventStop:
		var msg StreamStop
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TwilioEventMark:
		var msg MarkAck
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTwilioEvent, env.Event)
	}
}
