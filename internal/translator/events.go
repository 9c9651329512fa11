package translator

import (
	"encoding/base64"
	"fmt"
)

// Realtime API message types we send and receive. The backend speaks a typed
// JSON protocol over the websocket; everything else it sends is ignored.
const (
	typeSessionUpdate  = "session.update"
	typeAudioAppend    = "input_audio_buffer.append"
	typeAudioCommit    = "input_audio_buffer.commit"
	typeResponseCancel = "response.cancel"

	typeAudioDelta      = "response.audio.delta"
	typeSpeechStarted   = "input_audio_buffer.speech_started"
	typeTranscriptDelta = "response.audio_transcript.delta"
	typeTranscriptDone  = "response.audio_transcript.done"
	typeInputTranscript = "conversation.item.input_audio_transcription.completed"
	typeResponseDone    = "response.done"
	typeServerError     = "error"
)

// EventType identifies what a backend session event carries.
type EventType int

const (
	// EventAudio carries a chunk of translated speech as PCM16 at the
	// backend sample rate.
	EventAudio EventType = iota
	// EventInterrupted signals that the caller started speaking while the
	// backend was still producing audio.
	EventInterrupted
	// EventTranscriptDelta carries an incremental piece of the translation
	// transcript.
	EventTranscriptDelta
	// EventTranscriptDone carries the full transcript of one translated turn.
	EventTranscriptDone
	// EventInputTranscript carries the recognized text of what the caller said.
	EventInputTranscript
	// EventTurnComplete signals that the backend finished the current response.
	EventTurnComplete
	// EventError carries a backend-reported or transport error.
	EventError
)

// String returns a short name for logging.
func (t EventType) String() string {
	switch t {
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventTranscriptDelta:
		return "transcript_delta"
	case EventTranscriptDone:
		return "transcript_done"
	case EventInputTranscript:
		return "input_transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a single message from the translation backend, already decoded
// into the form the rest of the gateway consumes.
type Event struct {
	Type  EventType
	Audio []byte // EventAudio: raw PCM16 payload
	Text  string // transcript events
	Err   error  // EventError
}

// sessionUpdateMessage configures voice, instructions and audio formats.
type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string       `json:"modalities,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat string         `json:"output_audio_format,omitempty"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

// turnDetection selects how the backend decides a caller turn has ended.
type turnDetection struct {
	Type string `json:"type"`
}

// audioAppendMessage carries one chunk of caller audio, base64 encoded.
type audioAppendMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// simpleMessage is a client event that consists of a type and nothing else.
type simpleMessage struct {
	Type string `json:"type"`
}

// serverEvent is the envelope for everything the backend sends. Only the
// fields we consume are declared; unknown fields are dropped by the decoder.
type serverEvent struct {
	Type       string             `json:"type"`
	Delta      string             `json:"delta,omitempty"`
	Transcript string             `json:"transcript,omitempty"`
	Error      *serverErrorDetail `json:"error,omitempty"`
}

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// mapServerEvent translates a decoded backend event into an Event. The second
// return value is false for event types the gateway does not consume. A
// non-nil error means the event was recognized but could not be decoded and
// should be skipped.
func mapServerEvent(evt serverEvent) (Event, bool, error) {
	switch evt.Type {
	case typeAudioDelta:
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			return Event{}, false, fmt.Errorf("decode audio delta: %w", err)
		}
		if len(pcm) == 0 {
			return Event{}, false, nil
		}
		return Event{Type: EventAudio, Audio: pcm}, true, nil

	case typeSpeechStarted:
		return Event{Type: EventInterrupted}, true, nil

	case typeTranscriptDelta:
		return Event{Type: EventTranscriptDelta, Text: evt.Delta}, true, nil

	case typeTranscriptDone:
		return Event{Type: EventTranscriptDone, Text: evt.Transcript}, true, nil

	case typeInputTranscript:
		return Event{Type: EventInputTranscript, Text: evt.Transcript}, true, nil

	case typeResponseDone:
		return Event{Type: EventTurnComplete}, true, nil

	case typeServerError:
		if evt.Error != nil {
			return Event{
				Type: EventError,
				Err:  fmt.Errorf("backend error: %s (code %s)", evt.Error.Message, evt.Error.Code),
			}, true, nil
		}
		return Event{Type: EventError, Err: fmt.Errorf("backend error without detail")}, true, nil

	default:
		return Event{}, false, nil
	}
}
