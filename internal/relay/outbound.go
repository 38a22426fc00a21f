package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OpenChannel/internal/channel"
	"github.com/BTreeMap/OpenChannel/internal/models"
	"github.com/BTreeMap/OpenChannel/internal/store"
)

// DefaultOutboundTimeout bounds one /sendMessage relay, attachment download included.
const DefaultOutboundTimeout = 3 * time.Minute

// Outbound relay errors. Callers map them to HTTP statuses with errors.Is.
var (
	ErrInvalidRequest       = errors.New("invalid reply request")
	ErrConversationNotFound = errors.New("conversation not found or closed")
	ErrFetchFailed          = errors.New("failed to fetch reply attachment")
	ErrDispatchFailed       = errors.New("failed to deliver reply")
)

// OutboundState is a step of the outbound relay.
type OutboundState string

// Outbound relay states.
const (
	OutboundReceived        OutboundState = "received"
	OutboundAddressResolved OutboundState = "address_resolved"
	OutboundNotFound        OutboundState = "not_found"
	OutboundPlainSend       OutboundState = "plain_send"
	OutboundAttachmentFetch OutboundState = "attachment_fetch"
	OutboundAttachmentSend  OutboundState = "attachment_send"
	OutboundAcknowledged    OutboundState = "acknowledged"
	OutboundFailed          OutboundState = "failed"
)

// OutboundOpts holds configuration options for the outbound relay.
type OutboundOpts struct {
	Timeout time.Duration
}

// OutboundOption defines a configuration option for the outbound relay.
type OutboundOption func(*OutboundOpts)

// WithOutboundTimeout bounds each outbound relay.
func WithOutboundTimeout(d time.Duration) OutboundOption {
	return func(o *OutboundOpts) { o.Timeout = d }
}

// Outbound relays helpdesk replies to chat channels.
type Outbound struct {
	store    store.AddressStore
	helpdesk Helpdesk
	transfer Transferer
	channels Channels
	timeout  time.Duration
}

// NewOutbound creates an outbound relay.
func NewOutbound(st store.AddressStore, hd Helpdesk, tr Transferer, ch Channels, opts ...OutboundOption) *Outbound {
	cfg := OutboundOpts{Timeout: DefaultOutboundTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultOutboundTimeout
	}
	return &Outbound{store: st, helpdesk: hd, transfer: tr, channels: ch, timeout: cfg.Timeout}
}

// Send delivers a helpdesk reply and reports the final state.
// Validation runs before any I/O. Unknown conversations are rejected without a dispatch attempt.
func (o *Outbound) Send(ctx context.Context, req models.SendMessageRequest) (OutboundState, error) {
	if err := req.Validate(); err != nil {
		return OutboundFailed, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	msg := req.Normalized()
	log := slog.With("conversation_id", msg.ConversationID, "has_attachment", msg.HasAttachment())

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	address, err := o.store.Lookup(ctx, msg.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("Outbound.Send: reply for unknown conversation rejected")
		return OutboundNotFound, fmt.Errorf("%w: %s", ErrConversationNotFound, msg.ConversationID)
	}
	if err != nil {
		log.Error("Outbound.Send: address lookup failed", "error", err)
		return OutboundFailed, fmt.Errorf("look up conversation %s: %w", msg.ConversationID, err)
	}

	sender, err := o.channels.Resolve(address)
	if err != nil {
		log.Error("Outbound.Send: no channel for address", "error", err)
		return OutboundFailed, fmt.Errorf("%w: %w", ErrDispatchFailed, err)
	}
	log = log.With("channel", sender.ID())

	state := OutboundPlainSend
	reply := models.Reply{Text: msg.Text}
	if msg.HasAttachment() {
		if !channel.SupportsAttachments(sender) {
			log.Warn("Outbound.Send: channel cannot deliver attachments")
			return OutboundFailed, channel.ErrAttachmentsUnsupported
		}
		att, err := o.transfer.FetchAttachment(ctx, o.helpdesk.DownloadSource(msg.AttachmentID, msg.Text))
		if err != nil {
			log.Error("Outbound.Send: attachment download failed", "attachment_id", msg.AttachmentID, "error", err)
			return OutboundFailed, fmt.Errorf("%w: %w", ErrFetchFailed, err)
		}
		state = OutboundAttachmentSend
		reply = models.Reply{Attachment: att}
	}

	if err := sender.Send(ctx, address, reply); err != nil {
		log.Error("Outbound.Send: dispatch failed", "state", state, "error", err)
		if errors.Is(err, channel.ErrAttachmentsUnsupported) {
			return OutboundFailed, err
		}
		return OutboundFailed, fmt.Errorf("%w: %w", ErrDispatchFailed, err)
	}
	log.Info("Outbound.Send: reply delivered", "state", state)
	return OutboundAcknowledged, nil
}
