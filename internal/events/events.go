package events

import (
	"context"
	"time"
)

// Event types
const (
	EventDocumentChanged = "document_changed"
	EventWelcomeUser     = "welcome_user"
)

// ChangeEvent is the wire form of one audit-worthy change, fanned out to
// downstream consumers (mail, chat webhooks). It is emitted synchronously
// before the originating operation claims success.
type ChangeEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	OID       int64     `json:"oid,omitempty"`
	Table     string    `json:"table,omitempty"`
	User      string    `json:"user"`
	Property  string    `json:"property,omitempty"`
	From      any       `json:"from,omitempty"`
	To        any       `json:"to,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Publisher interface {
	Publish(ctx context.Context, event ChangeEvent) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, handler func(ChangeEvent)) error
}
