package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/OpenChannel/internal/channel"
	"github.com/BTreeMap/OpenChannel/internal/models"
	"github.com/BTreeMap/OpenChannel/internal/util"
)

// ChannelID is the channel id stored in whatsmeow addresses.
const ChannelID = "whatsapp"

// MapKey is the helpdesk mapping key for WhatsApp conversations.
const MapKey = "whatsapp"

// IncomingMessage is the part of a whatsmeow message event the relay needs.
type IncomingMessage struct {
	ChatJID   string
	SenderJID string
	PushName  string
	Text      string
	FromMe    bool
}

// messageFromEvent extracts a text message. ok is false for non-text content.
func messageFromEvent(evt *events.Message) (IncomingMessage, bool) {
	if evt == nil || evt.Message == nil {
		return IncomingMessage{}, false
	}
	text := evt.Message.GetConversation()
	if text == "" {
		text = evt.Message.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		return IncomingMessage{}, false
	}
	return IncomingMessage{
		ChatJID:   evt.Info.Chat.ToNonAD().String(),
		SenderJID: evt.Info.Sender.ToNonAD().String(),
		PushName:  evt.Info.PushName,
		Text:      text,
		FromMe:    evt.Info.IsFromMe,
	}, true
}

// Adapter is the whatsmeow channel. It only relays text.
type Adapter struct {
	sender     WhatsAppSender
	dispatcher channel.InboundDispatcher
	ownJID     string
	mapKey     string
}

// NewAdapter creates the whatsmeow channel adapter. ownJID is used in stored addresses.
func NewAdapter(sender WhatsAppSender, dispatcher channel.InboundDispatcher, ownJID, mapKey string) (*Adapter, error) {
	if sender == nil || dispatcher == nil {
		return nil, fmt.Errorf("whatsapp: sender and dispatcher are required")
	}
	if mapKey == "" {
		mapKey = MapKey
	}
	return &Adapter{sender: sender, dispatcher: dispatcher, ownJID: ownJID, mapKey: mapKey}, nil
}

// Listen subscribes the adapter to the client's message events until the
// returned func is called.
func (a *Adapter) Listen(c *Client) (stop func()) {
	return c.OnMessage(func(evt *events.Message) {
		msg, ok := messageFromEvent(evt)
		if !ok {
			slog.Debug("Adapter.Listen: ignoring non-text message", "chat", evt.Info.Chat.String())
			return
		}
		a.HandleMessage(msg)
	})
}

// ID returns the channel id.
func (a *Adapter) ID() string { return ChannelID }

// SupportsAttachments reports that replies are text-only.
func (a *Adapter) SupportsAttachments() bool { return false }

// HandleMessage turns an incoming message into an inbound event and dispatches it.
func (a *Adapter) HandleMessage(msg IncomingMessage) {
	if msg.FromMe {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if msg.ChatJID == "" || text == "" {
		return
	}
	address, err := models.AddressEnvelope{
		ChannelID:    ChannelID,
		User:         models.Identity{ID: msg.SenderJID, Name: msg.PushName},
		Conversation: models.ConversationRef{ID: msg.ChatJID, IsGroup: strings.HasSuffix(msg.ChatJID, "@g.us")},
		Bot:          models.Identity{ID: a.ownJID},
	}.Encode()
	if err != nil {
		slog.Warn("Adapter.HandleMessage: failed to build address", "chat", msg.ChatJID, "error", err)
		return
	}
	a.dispatcher.Dispatch(models.InboundEvent{
		EventID:        util.GenerateEventID(),
		ChannelID:      ChannelID,
		MapKey:         a.mapKey,
		ConversationID: msg.ChatJID,
		SenderID:       strings.SplitN(msg.SenderJID, "@", 2)[0],
		SenderName:     msg.PushName,
		Text:           text,
		Address:        address,
	})
}

// Send delivers a text reply to the chat in address.
func (a *Adapter) Send(ctx context.Context, address models.ConversationAddress, reply models.Reply) error {
	if reply.Attachment != nil {
		return channel.ErrAttachmentsUnsupported
	}
	env, err := models.ParseAddress(address)
	if err != nil {
		return err
	}
	return a.sender.SendMessage(ctx, env.Conversation.ID, reply.Text)
}

// Close disconnects the underlying client when it supports closing.
func (a *Adapter) Close() error {
	if c, ok := a.sender.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
