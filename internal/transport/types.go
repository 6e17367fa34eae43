package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformDiscord  Platform = "discord"
)

func (p Platform) Valid() bool { return strings.TrimSpace(string(p)) != "" }

// Credentials are the decrypted secrets an adapter needs to open a session.
type Credentials struct {
	AccountID string
	Platform  Platform
	Token     string
	Extra     map[string]string
}

func (c Credentials) Empty() bool { return strings.TrimSpace(c.Token) == "" }

// Address is a platform-local destination: a chat or channel plus an
// optional sub-address (forum topic, thread).
type Address struct {
	Recipient string `json:"recipient"`
	Thread    string `json:"thread,omitempty"`
}

// Key identifies the conversation for echo correlation.
func (a Address) Key() string {
	if a.Thread == "" {
		return a.Recipient
	}
	return a.Recipient + "/" + a.Thread
}

func (a Address) Validate() error {
	if strings.TrimSpace(a.Recipient) == "" {
		return errors.New("address: recipient is required")
	}
	return nil
}

// MessageKind is decided once when a payload is built; adapters switch on it.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindPhoto    MessageKind = "photo"
	KindVideo    MessageKind = "video"
	KindDocument MessageKind = "document"
	KindAudio    MessageKind = "audio"
)

func ParseMessageKind(s string) (MessageKind, error) {
	switch k := MessageKind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindText, nil
	case KindText, KindPhoto, KindVideo, KindDocument, KindAudio:
		return k, nil
	default:
		return "", fmt.Errorf("unknown message kind %q", s)
	}
}

func (k MessageKind) IsMedia() bool { return k != KindText }

type Media struct {
	URL      string `json:"url"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Payload is the content of an outgoing message. Text doubles as the
// caption for media kinds.
type Payload struct {
	Kind  MessageKind `json:"kind"`
	Text  string      `json:"text,omitempty"`
	Media *Media      `json:"media,omitempty"`
}

func TextPayload(text string) Payload { return Payload{Kind: KindText, Text: text} }

func MediaPayload(kind MessageKind, m Media, caption string) Payload {
	return Payload{Kind: kind, Text: caption, Media: &m}
}

func (p Payload) Validate() error {
	switch p.Kind {
	case KindText:
		if strings.TrimSpace(p.Text) == "" {
			return errors.New("payload: text is required")
		}
	case KindPhoto, KindVideo, KindDocument, KindAudio:
		if p.Media == nil || strings.TrimSpace(p.Media.URL) == "" {
			return fmt.Errorf("payload: %s requires a media url", p.Kind)
		}
	default:
		return fmt.Errorf("payload: unknown kind %q", p.Kind)
	}
	return nil
}

type SentMessage struct {
	ID string
	At time.Time
}

type EventKind string

const (
	// EventMessage is a new message in a conversation the account can see,
	// including messages the account itself sent.
	EventMessage EventKind = "message"
	// EventDisconnected reports that the session dropped.
	EventDisconnected EventKind = "disconnected"
)

type Event struct {
	Kind      EventKind
	AccountID string
	Target    Address
	MessageID string
	Outgoing  bool
	Text      string
	At        time.Time
	Err       error
}

// Adapter opens sessions against one platform.
type Adapter interface {
	Platform() Platform
	Connect(ctx context.Context, creds Credentials) (Conn, error)
}

// Conn is one live platform session.
type Conn interface {
	Send(ctx context.Context, to Address, p Payload) (SentMessage, error)
	// Subscribe registers fn for inbound events and returns its cancel func.
	Subscribe(fn func(Event)) func()
	// Probe performs a cheap authenticated round-trip.
	Probe(ctx context.Context) error
	Live() bool
	Close(ctx context.Context) error
}
