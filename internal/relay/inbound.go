package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/BTreeMap/OpenChannel/internal/channel"
	"github.com/BTreeMap/OpenChannel/internal/models"
	"github.com/BTreeMap/OpenChannel/internal/store"
)

// DefaultInboundTimeout bounds the background processing of one inbound event.
const DefaultInboundTimeout = 5 * time.Minute

// InboundState is a step of the inbound relay.
type InboundState string

// Inbound relay states.
const (
	InboundReceived          InboundState = "received"
	InboundAddressRecorded   InboundState = "address_recorded"
	InboundPlainForward      InboundState = "plain_forward"
	InboundAttachmentFetch   InboundState = "attachment_fetch"
	InboundAttachmentForward InboundState = "attachment_forward"
	InboundDone              InboundState = "done"
	InboundFailed            InboundState = "failed"
)

// InboundResult describes how an inbound event was handled.
type InboundResult struct {
	State          InboundState
	AddressCreated bool
	Forwarded      models.HelpdeskMessage
	TransferError  error
}

// InboundOpts holds configuration options for the inbound relay.
type InboundOpts struct {
	Timeout time.Duration
}

// InboundOption defines a configuration option for the inbound relay.
type InboundOption func(*InboundOpts)

// WithInboundTimeout bounds the background processing of each dispatched event.
func WithInboundTimeout(d time.Duration) InboundOption {
	return func(o *InboundOpts) { o.Timeout = d }
}

// Inbound relays chat messages to the helpdesk.
type Inbound struct {
	store    store.AddressStore
	helpdesk Helpdesk
	transfer Transferer
	channels Channels
	timeout  time.Duration

	mu       sync.RWMutex
	draining bool
	wg       conc.WaitGroup
}

// NewInbound creates an inbound relay.
func NewInbound(st store.AddressStore, hd Helpdesk, tr Transferer, ch Channels, opts ...InboundOption) *Inbound {
	cfg := InboundOpts{Timeout: DefaultInboundTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultInboundTimeout
	}
	return &Inbound{store: st, helpdesk: hd, transfer: tr, channels: ch, timeout: cfg.Timeout}
}

// Dispatch handles event in the background so webhooks can acknowledge immediately.
// The work runs under its own deadline and is not cancelled with the webhook request.
// Events arriving after Wait has started are dropped.
func (i *Inbound) Dispatch(event models.InboundEvent) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.draining {
		slog.Warn("Inbound.Dispatch: shutting down, dropping event", "event_id", event.EventID, "channel_id", event.ChannelID, "conversation_id", event.ConversationID)
		return
	}
	i.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), i.timeout)
		defer cancel()
		if _, err := i.Handle(ctx, event); err != nil {
			slog.Error("Inbound.Dispatch: relay failed", "event_id", event.EventID, "conversation_id", event.ConversationID, "error", err)
		}
	})
}

// Wait stops accepting new events and blocks until every dispatched event has
// been handled or ctx is done.
func (i *Inbound) Wait(ctx context.Context) error {
	i.mu.Lock()
	i.draining = true
	i.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if r := i.wg.WaitAndRecover(); r != nil {
			slog.Error("Inbound.Wait: relay goroutine panicked", "panic", r.Value, "stack", string(r.Stack))
		}
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for inbound relays: %w", ctx.Err())
	}
}

// Handle runs the inbound relay for one event.
// A store failure does not stop the forward; a failed attachment transfer is
// reported to the helpdesk as a text message instead of the file.
func (i *Inbound) Handle(ctx context.Context, event models.InboundEvent) (InboundResult, error) {
	res := InboundResult{State: InboundReceived}
	log := slog.With("event_id", event.EventID, "conversation_id", event.ConversationID, "channel", event.ChannelID)

	if strings.TrimSpace(event.ConversationID) == "" {
		res.State = InboundFailed
		return res, fmt.Errorf("inbound event has no conversation id")
	}

	created, err := i.store.Upsert(ctx, event.ConversationID, event.Address)
	if err != nil {
		log.Error("Inbound.Handle: failed to record conversation address", "error", err)
	} else {
		res.AddressCreated = created
		log.Debug("Inbound.Handle: conversation address recorded", "created", created)
	}
	res.State = InboundAddressRecorded

	mapKey := event.MapKey
	if mapKey == "" {
		mapKey = models.DefaultMapKey
	}
	msg := models.HelpdeskMessage{
		From:      models.SenderKey(event.SenderID),
		FirstName: event.SenderName,
		MapKey:    mapKey,
		ThreadID:  event.ConversationID,
	}

	if event.IsAttachment() {
		res.State = InboundAttachmentFetch
		name := attachmentName(event.Attachment)
		var sender channel.Sender
		if s, ok := i.channels.Get(event.ChannelID); ok {
			sender = s
		}
		src := channel.AttachmentSource(sender, event)
		id, err := i.transfer.Transfer(ctx, src, i.helpdesk.UploadDestination())
		if err != nil {
			log.Error("Inbound.Handle: attachment transfer failed", "filename", name, "error", err)
			res.TransferError = err
			msg.Body = fmt.Sprintf("Failed to relay attachment %s: %v", name, err)
		} else {
			msg.Body = name
			msg.AttachmentID = id
		}
		res.State = InboundAttachmentForward
	} else {
		res.State = InboundPlainForward
		msg.Body = event.Text
	}

	res.Forwarded = msg
	if err := i.helpdesk.Forward(ctx, msg); err != nil {
		res.State = InboundFailed
		return res, fmt.Errorf("forward to helpdesk: %w", err)
	}
	res.State = InboundDone
	log.Info("Inbound.Handle: message forwarded", "has_attachment", msg.AttachmentID != "", "address_created", res.AddressCreated)
	return res, nil
}

func attachmentName(att *models.InboundAttachment) string {
	if name := strings.TrimSpace(att.Name); name != "" {
		return name
	}
	return "attachment"
}
