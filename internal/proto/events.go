package proto

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Event names carried on the signaling channel.
const (
	EventCallOffer       = "call-offer"
	EventCallAnswer      = "call-answer"
	EventICECandidate    = "ice-candidate"
	EventCallEnd         = "call-end"
	EventNewNotification = "new-notification"
	EventNewMessage      = "new-message"
)

// Envelope wraps every message on the channel. Data stays raw until the
// subscriber decodes it against the event name.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	TS    string          `json:"ts,omitempty"`
}

// CallKind distinguishes audio-only from audio+video sessions.
type CallKind string

const (
	CallKindVoice CallKind = "voice"
	CallKindVideo CallKind = "video"
)

// CallOffer is published by the caller to open a session.
type CallOffer struct {
	To     string                    `json:"to"`
	From   string                    `json:"from"`
	Offer  webrtc.SessionDescription `json:"offer"`
	ChatID string                    `json:"chatId"`
	Type   CallKind                  `json:"type"`
}

// CallAnswer is the callee's response to a CallOffer.
type CallAnswer struct {
	To     string                    `json:"to"`
	Answer webrtc.SessionDescription `json:"answer"`
	ChatID string                    `json:"chatId"`
}

// ICECandidate carries one network candidate discovered during negotiation.
type ICECandidate struct {
	To        string                  `json:"to"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	ChatID    string                  `json:"chatId"`
}

// CallEnd is published by either party to hang up.
type CallEnd struct {
	To     string `json:"to"`
	ChatID string `json:"chatId"`
}

// NewNotification is delivered when the backend pushes a notification.
// The payload is not guaranteed to carry the full notification record,
// so consumers refetch instead of merging it.
type NewNotification struct {
	Content string `json:"content"`
	UserID  string `json:"userId,omitempty"`
	Title   string `json:"title,omitempty"`
}

// NewMessage is an inbound chat message.
type NewMessage struct {
	Content   string `json:"content"`
	SenderID  string `json:"senderId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Decode maps an envelope's raw data to the typed payload for its event
// name. Unknown event names are an error so handlers never have to
// shape-guess.
func Decode(event string, data json.RawMessage) (any, error) {
	var dst any
	switch event {
	case EventCallOffer:
		dst = &CallOffer{}
	case EventCallAnswer:
		dst = &CallAnswer{}
	case EventICECandidate:
		dst = &ICECandidate{}
	case EventCallEnd:
		dst = &CallEnd{}
	case EventNewNotification:
		dst = &NewNotification{}
	case EventNewMessage:
		dst = &NewMessage{}
	default:
		return nil, fmt.Errorf("unknown event %q", event)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return nil, fmt.Errorf("decode %s: %w", event, err)
	}
	return dst, nil
}
