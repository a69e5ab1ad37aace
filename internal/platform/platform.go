// Package platform describes the messaging platform the vault talks to:
// the inbound message shape, the outbound calls, and the error taxonomy
// every outbound call reports.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MediaKind is the attachment type of a stored file. Each kind is sent with
// its own platform call; they are not interchangeable.
type MediaKind string

const (
	KindPhoto    MediaKind = "photo"
	KindVideo    MediaKind = "video"
	KindDocument MediaKind = "document"
	KindAudio    MediaKind = "audio"
)

// Valid reports whether k is one of the known media kinds.
func (k MediaKind) Valid() bool {
	switch k {
	case KindPhoto, KindVideo, KindDocument, KindAudio:
		return true
	}
	return false
}

// Action is a chat progress indicator ("uploading a document…").
type Action string

const (
	ActionTyping         Action = "typing"
	ActionUploadDocument Action = "upload_document"
)

var (
	// ErrBadRequest means the referenced content is gone or invalid, or the
	// recipient no longer exists.
	ErrBadRequest = errors.New("platform: bad request")
	// ErrForbidden means the recipient blocked the sender.
	ErrForbidden = errors.New("platform: forbidden")
)

// RateLimitError is returned when the platform throttles a call. The call
// may be repeated after RetryAfter.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("platform: rate limited, retry after %s", e.RetryAfter)
}

// IsPermanent reports whether err means the recipient can never be reached
// with this message again.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrForbidden) || errors.Is(err, ErrBadRequest)
}

// MessageRef identifies a message already sent in a chat.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Media is an attachment on an inbound message.
type Media struct {
	ProviderRef string
	Fingerprint string
	Kind        MediaKind
	Name        string
	Caption     string
}

// Message is one inbound message, already classified by the adapter.
type Message struct {
	ID         int
	ChatID     int64
	SenderID   int64
	SenderName string

	// Command is the bot command without the leading slash, empty for
	// plain text and attachments. Args holds everything after it.
	Command string
	Args    string
	Text    string

	Media   *Media
	ReplyTo *MessageRef
}

// Ref returns a reference to m.
func (m *Message) Ref() MessageRef {
	return MessageRef{ChatID: m.ChatID, MessageID: m.ID}
}

// Sender is the set of outbound calls the vault makes. Every method fails
// with ErrBadRequest, ErrForbidden, *RateLimitError, or a transport error.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string) error
	SendMedia(ctx context.Context, chatID int64, kind MediaKind, providerRef, caption string) error
	CopyMessage(ctx context.Context, chatID int64, src MessageRef) error
	SendAction(ctx context.Context, chatID int64, action Action) error
}
