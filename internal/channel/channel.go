// Package channel defines the contract between the relays and the chat channel adapters.
package channel

import (
	"context"
	"errors"

	"github.com/BTreeMap/OpenChannel/internal/models"
	"github.com/BTreeMap/OpenChannel/internal/transfer"
)

var (
	// ErrAttachmentsUnsupported is returned by channels that can only deliver text.
	ErrAttachmentsUnsupported = errors.New("attachments are not supported on this channel")
	// ErrUnknownChannel is returned when no sender is registered for an address.
	ErrUnknownChannel = errors.New("no channel registered for address")
)

// Sender delivers replies to a conversation address.
type Sender interface {
	// ID returns the channel identifier the sender is registered under.
	ID() string
	// Send pushes reply to the conversation identified by address.
	Send(ctx context.Context, address models.ConversationAddress, reply models.Reply) error
}

// AttachmentSender is implemented by senders that can report attachment support.
type AttachmentSender interface {
	SupportsAttachments() bool
}

// SupportsAttachments reports whether s can deliver a reply attachment.
// Senders that do not implement AttachmentSender are treated as text-only.
func SupportsAttachments(s Sender) bool {
	if as, ok := s.(AttachmentSender); ok {
		return as.SupportsAttachments()
	}
	return false
}

// AttachmentSourcer is implemented by channels whose attachment URLs need credentials.
type AttachmentSourcer interface {
	AttachmentSource(event models.InboundEvent) transfer.Source
}

// AttachmentSource describes where to download the attachment of event from.
// Channels that are not AttachmentSourcers get an unauthenticated source.
func AttachmentSource(s Sender, event models.InboundEvent) transfer.Source {
	if event.Attachment == nil {
		return transfer.Source{}
	}
	if as, ok := s.(AttachmentSourcer); ok {
		return as.AttachmentSource(event)
	}
	return transfer.Source{URL: event.Attachment.URL, Filename: event.Attachment.Name}
}

// InboundDispatcher accepts normalized events from channel webhooks and event loops.
// Dispatch must return quickly; the event is processed in the background.
type InboundDispatcher interface {
	Dispatch(event models.InboundEvent)
}

// DispatcherFunc adapts a function to InboundDispatcher.
type DispatcherFunc func(event models.InboundEvent)

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(event models.InboundEvent) {
	f(event)
}
