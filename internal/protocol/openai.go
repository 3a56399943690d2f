package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ModelEvent identifies realtime-model payload variants we consume or produce.
type ModelEvent string

const (
	ModelEventSessionUpdate ModelEvent = "session.update"
	ModelEventAudioAppend   ModelEvent = "input_audio_buffer.append"
	ModelEventItemTruncate  ModelEvent = "conversation.item.truncate"

	ModelEventAudioDelta    ModelEvent = "response.audio.delta"
	ModelEventResponseDone  ModelEvent = "response.done"
	ModelEventSpeechStarted ModelEvent = "input_audio_buffer.speech_started"
	ModelEventError         ModelEvent = "error"
)

type modelEnvelope struct {
	Type ModelEvent `json:"type"`
}

// SessionUpdate carries the session configuration blob verbatim.
type SessionUpdate struct {
	Type    ModelEvent      `json:"type"`
	Session json.RawMessage `json:"session"`
}

// AudioAppend forwards one inbound telephony chunk to the model.
type AudioAppend struct {
	Type  ModelEvent `json:"type"`
	Audio string     `json:"audio"`
}

// ItemTruncate tells the model how much of a response the caller heard.
type ItemTruncate struct {
	Type         ModelEvent `json:"type"`
	ItemID       string     `json:"item_id"`
	ContentIndex int        `json:"content_index"`
	AudioEndMS   int64      `json:"audio_end_ms"`
}

// AudioDelta is one chunk of assistant audio for the current response item.
type AudioDelta struct {
	Type   ModelEvent `json:"type"`
	ItemID string     `json:"item_id"`
	Delta  string     `json:"delta"`
}

// ResponseDone marks the current response as fully generated.
type ResponseDone struct {
	Type ModelEvent `json:"type"`
}

// SpeechStarted is the model's server-VAD report that the caller began
// speaking on the telephony media.
type SpeechStarted struct {
	Type ModelEvent `json:"type"`
}

// ModelError is an error event from the model socket.
type ModelError struct {
	Type  ModelEvent `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// UnhandledModelEvent is a well-formed event of a type the relay does not
// act on. It is mirrored to the monitor and otherwise ignored.
type UnhandledModelEvent struct {
	Type ModelEvent
}

func NewSessionUpdate(session json.RawMessage) SessionUpdate {
	return SessionUpdate{Type: ModelEventSessionUpdate, Session: session}
}

func NewAudioAppend(audio string) AudioAppend {
	return AudioAppend{Type: ModelEventAudioAppend, Audio: audio}
}

func NewItemTruncate(itemID string, audioEndMS int64) ItemTruncate {
	return ItemTruncate{Type: ModelEventItemTruncate, ItemID: itemID, AudioEndMS: audioEndMS}
}

// ParseModelEvent decodes one model frame into its typed variant.
func ParseModelEvent(raw []byte) (any, error) {
	var env modelEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid model envelope: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("model event missing type")
	}

	switch env.Type {
	case ModelEventAudioDelta:
		var msg AudioDelta
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ItemID == "" || msg.Delta == "" {
			return nil, errors.New("invalid response.audio.delta")
		}
		return msg, nil
	case ModelEventResponseDone:
		var msg ResponseDone
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case ModelEventSpeechStarted:
		var msg SpeechStarted
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case ModelEventError:
		var msg ModelError
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		// The model emits many lifecycle events the bridge does not consume
		// (session.created, response.created, rate limit updates, ...).
		return UnhandledModelEvent{Type: env.Type}, nil
	}
}
