package protocol

import "encoding/json"

// Outbound message types sent to the remote orchestrator.
const (
	TypeRoleSelected     = "user_role_selected"
	TypeStartRecording   = "user_start_recording"
	TypeStopRecording    = "user_stop_recording"
	TypePlaybackComplete = "tts_playback_complete"
)

// Inbound message types received from the remote orchestrator.
const (
	TypeSTTReady          = "stt_ready"
	TypeAgentThinking     = "agent_thinking"
	TypeUserTurn          = "user_turn"
	TypeImmediatePlayback = "start_immediate_playback"
	TypeTranscript        = "transcript"
	TypeUserSpeechFinal   = "user_speech_final"
	TypeDebateEnd         = "debate_end"
)

// RoleSelected announces the human's seat, sent once when the connection
// opens.
type RoleSelected struct {
	Type     string `json:"type"`
	Role     string `json:"role"`
	Topic    string `json:"topic"`
	Level    string `json:"level"`
	ClientID string `json:"clientId"`
}

// RecordingControl marks the start or end of the human's capture stream.
type RecordingControl struct {
	Type string `json:"type"`
}

// PlaybackComplete acknowledges one playback attempt for an utterance. Sent
// exactly once per attempt, success or failure.
type PlaybackComplete struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Assistant string `json:"assistant"`
}

// Inbound is the envelope for every structured message from the remote
// orchestrator. Fields are populated per Type; consumers treat unknown types
// as a no-op.
type Inbound struct {
	Type       string           `json:"type"`
	Assistant  string           `json:"assistant,omitempty"`
	SessionID  string           `json:"sessionId,omitempty"`
	Response   string           `json:"response,omitempty"`
	Transcript string           `json:"transcript,omitempty"`
	Speaker    string           `json:"speaker,omitempty"`
	Data       *RecognitionData `json:"data,omitempty"`
}

// RecognitionData carries one live recognition result.
type RecognitionData struct {
	IsFinal bool               `json:"is_final"`
	Channel RecognitionChannel `json:"channel"`
}

type RecognitionChannel struct {
	Alternatives []RecognitionAlternative `json:"alternatives"`
}

type RecognitionAlternative struct {
	Transcript string `json:"transcript"`
}

// LiveText returns the best recognition alternative, or "".
func (d *RecognitionData) LiveText() string {
	if d == nil || len(d.Channel.Alternatives) == 0 {
		return ""
	}
	return d.Channel.Alternatives[0].Transcript
}

// Internal bus subjects. Audio chunks are published as raw, unexamined
// bytes; everything else is JSON.
const (
	SubjectInboundEvent  = "podium.gateway.inbound"
	SubjectGatewayClosed = "podium.gateway.closed"
	SubjectAudioChunk    = "podium.capture.chunk"
	SubjectCaption       = "podium.playback.caption"
	SubjectPlaybackDone  = "podium.playback.finished"
)

// CaptionUpdate replaces the current caption wholesale. An empty Text clears
// the caption.
type CaptionUpdate struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// PlaybackFinished signals that one playback attempt ended, normally or not.
type PlaybackFinished struct {
	SessionID string `json:"session_id"`
	Assistant string `json:"assistant"`
	Error     string `json:"error,omitempty"`
}

// Encode marshals v for bus publication. Payload structs here contain no
// unmarshalable fields, so failures are programming errors; callers treat a
// nil result as "do not publish".
func Encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
