package session

// Message type discriminators shared with the upstream server.
const (
	MsgText     = "text"
	MsgAudio    = "audio"
	MsgStatus   = "status"
	MsgStats    = "stats"
	MsgError    = "error"
	MsgIdentity = "identity"
	MsgPing     = "ping"
	MsgPong     = "pong"
)

// Status values carried by MsgStatus.
const (
	StatusGenerating = "generating"
	StatusDone       = "done"
)

// Stat values carried by MsgStats.
const (
	StatFirstToken = "first_token"
	StatComplete   = "complete"
)

// Profile is the per-identity metadata attached to identity messages.
type Profile struct {
	IdentityID     string `json:"identity_id"`
	Name           string `json:"name,omitempty"`
	IsFirstMeeting bool   `json:"is_first_meeting,omitempty"`
}

// ServerMessage is the envelope for every inbound control message. Fields are
// populated according to Type; unknown combinations are ignored.
type ServerMessage struct {
	Type        string    `json:"type"`
	Status      string    `json:"status,omitempty"`
	Text        string    `json:"text,omitempty"`
	Stat        string    `json:"stat,omitempty"`
	Tokens      int       `json:"tokens,omitempty"`
	Time        float64   `json:"time,omitempty"`
	TokPerSec   float64   `json:"tok_per_sec,omitempty"`
	Error       string    `json:"error,omitempty"`
	IdentityIDs []string  `json:"identity_ids,omitempty"`
	Profiles    []Profile `json:"profiles,omitempty"`
}

// TextMessage is the outbound user-utterance message.
type TextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// AudioMessage ships one captured utterance upstream, with sampled video
// frames and any identities detected alongside it.
type AudioMessage struct {
	Type           string   `json:"type"`
	AudioBase64    string   `json:"audio_base64"`
	AudioFormat    string   `json:"audio_format"`
	SessionName    string   `json:"session_name"`
	IdentityIDs    []string `json:"identity_ids"`
	NewIdentityIDs []string `json:"new_identity_ids,omitempty"`
	VideoFrames    []string `json:"video_frames,omitempty"`
}
