// Package transport holds the message shapes shared by the messaging bridge
// and its consumers.
package transport

import (
	"context"
	"time"
)

// InboundMessage is a message received from a customer.
type InboundMessage struct {
	From       string    `json:"from"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

type ReplyKind string

const (
	ReplyText  ReplyKind = "text"
	ReplyAudio ReplyKind = "audio"
)

const AudioMimeType = "audio/ogg; codecs=opus"

// Reply answers an inbound message. For audio replies Text is the caption.
type Reply struct {
	To        string    `json:"to"`
	Kind      ReplyKind `json:"kind"`
	Text      string    `json:"text,omitempty"`
	AudioPath string    `json:"audio_path,omitempty"`
}

// Outbound delivers a single text message to an address.
type Outbound interface {
	Deliver(ctx context.Context, address, text string) error
}

type Replier interface {
	Reply(ctx context.Context, r Reply) error
}
