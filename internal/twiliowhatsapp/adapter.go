package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/twilio/twilio-go/client"

	"github.com/BTreeMap/OpenChannel/internal/channel"
	"github.com/BTreeMap/OpenChannel/internal/models"
	"github.com/BTreeMap/OpenChannel/internal/transfer"
	"github.com/BTreeMap/OpenChannel/internal/util"
)

// ChannelID is the channel id stored in Twilio WhatsApp addresses.
const ChannelID = "twilio-whatsapp"

// MapKey is the helpdesk mapping key for WhatsApp conversations.
const MapKey = "whatsapp"

// emptyTwiML acknowledges a webhook without sending an automatic reply.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// AdapterOpts holds configuration options for the Twilio channel adapter.
type AdapterOpts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
	WebhookURL string
	MapKey     string
}

// AdapterOption defines a configuration option for the Twilio channel adapter.
type AdapterOption func(*AdapterOpts)

// WithAdapterCredentials sets the account SID and auth token used for media downloads and signatures.
func WithAdapterCredentials(accountSID, authToken string) AdapterOption {
	return func(o *AdapterOpts) {
		o.AccountSID = accountSID
		o.AuthToken = authToken
	}
}

// WithBotNumber sets the WhatsApp number the bot sends from; messages from it are ignored.
func WithBotNumber(from string) AdapterOption {
	return func(o *AdapterOpts) { o.FromWhats = from }
}

// WithWebhookURL sets the public webhook URL Twilio signs requests against.
// Without it the URL is rebuilt from the request, which breaks behind rewriting proxies.
func WithWebhookURL(u string) AdapterOption {
	return func(o *AdapterOpts) { o.WebhookURL = u }
}

// WithAdapterMapKey overrides the helpdesk mapping key.
func WithAdapterMapKey(key string) AdapterOption {
	return func(o *AdapterOpts) { o.MapKey = key }
}

// Adapter is the Twilio WhatsApp channel. It only relays text replies.
type Adapter struct {
	sender     MessageSender
	dispatcher channel.InboundDispatcher
	validator  *client.RequestValidator
	accountSID string
	authToken  string
	botNumber  string
	webhookURL string
	mapKey     string
}

// NewAdapter creates the Twilio channel adapter. Signature checks are enabled when an auth token is set.
func NewAdapter(sender MessageSender, dispatcher channel.InboundDispatcher, opts ...AdapterOption) (*Adapter, error) {
	if sender == nil || dispatcher == nil {
		return nil, fmt.Errorf("twiliowhatsapp: sender and dispatcher are required")
	}
	var cfg AdapterOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MapKey == "" {
		cfg.MapKey = MapKey
	}
	a := &Adapter{
		sender:     sender,
		dispatcher: dispatcher,
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		botNumber:  whatsappAddress(cfg.FromWhats),
		webhookURL: cfg.WebhookURL,
		mapKey:     cfg.MapKey,
	}
	if cfg.AuthToken != "" {
		v := client.NewRequestValidator(cfg.AuthToken)
		a.validator = &v
	} else {
		slog.Warn("twiliowhatsapp.NewAdapter: no auth token, webhook signatures are not verified")
	}
	return a, nil
}

// ID returns the channel id.
func (a *Adapter) ID() string { return ChannelID }

// SupportsAttachments reports that replies are text-only.
func (a *Adapter) SupportsAttachments() bool { return false }

// Send delivers a text reply to the WhatsApp number in address.
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

// AttachmentSource authenticates media downloads with the account credentials.
func (a *Adapter) AttachmentSource(event models.InboundEvent) transfer.Source {
	src := transfer.Source{URL: event.Attachment.URL, Filename: event.Attachment.Name}
	if a.accountSID != "" {
		src.Auth = transfer.BasicAuth{Username: a.accountSID, Password: a.authToken}
	}
	return src
}

// ServeHTTP handles POST /twilio/webhook.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Error("Adapter.ServeHTTP: failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if a.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		if !a.validator.Validate(a.requestURL(r), params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("Adapter.ServeHTTP: invalid Twilio signature", "remote_addr", r.RemoteAddr)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	events, err := a.Events(r.PostForm.Get("From"), r.PostForm.Get("ProfileName"), r.PostForm.Get("To"),
		r.PostForm.Get("Body"), mediaFromForm(r))
	if err != nil {
		slog.Warn("Adapter.ServeHTTP: Twilio webhook missing fields", "error", err)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	for _, ev := range events {
		a.dispatcher.Dispatch(ev)
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, emptyTwiML)
}

// Events converts a Twilio inbound message into inbound events.
func (a *Adapter) Events(from, profileName, to, body string, media *models.InboundAttachment) ([]models.InboundEvent, error) {
	from = strings.TrimSpace(from)
	if from == "" {
		return nil, fmt.Errorf("missing From")
	}
	if a.botNumber != "" && strings.EqualFold(from, a.botNumber) {
		slog.Debug("Adapter.Events: ignoring own message", "from", from)
		return nil, nil
	}
	body = strings.TrimSpace(body)
	if body == "" && media == nil {
		return nil, fmt.Errorf("missing Body and media")
	}

	address, err := models.AddressEnvelope{
		ChannelID:    ChannelID,
		User:         models.Identity{ID: from, Name: profileName},
		Conversation: models.ConversationRef{ID: from},
		Bot:          models.Identity{ID: to},
	}.Encode()
	if err != nil {
		return nil, err
	}
	base := models.InboundEvent{
		ChannelID:      ChannelID,
		MapKey:         a.mapKey,
		ConversationID: from,
		SenderID:       strings.TrimPrefix(from, "whatsapp:"),
		SenderName:     profileName,
		Address:        address,
	}

	var events []models.InboundEvent
	if body != "" {
		ev := base
		ev.EventID = util.GenerateEventID()
		ev.Text = body
		events = append(events, ev)
	}
	if media != nil {
		ev := base
		ev.EventID = util.GenerateEventID()
		ev.Attachment = media
		events = append(events, ev)
	}
	return events, nil
}

// mediaFromForm returns the first media item of a webhook, if any.
func mediaFromForm(r *http.Request) *models.InboundAttachment {
	n, _ := strconv.Atoi(r.PostForm.Get("NumMedia"))
	mediaURL := strings.TrimSpace(r.PostForm.Get("MediaUrl0"))
	if n <= 0 || mediaURL == "" {
		return nil
	}
	if n > 1 {
		slog.Warn("mediaFromForm: only the first media item is relayed", "num_media", n)
	}
	contentType := r.PostForm.Get("MediaContentType0")
	return &models.InboundAttachment{
		URL:         mediaURL,
		Name:        mediaFilename(mediaURL, contentType),
		ContentType: contentType,
	}
}

// mediaFilename names Twilio media, whose URLs end in an extension-less media SID.
func mediaFilename(mediaURL, contentType string) string {
	name := mediaURL[strings.LastIndex(mediaURL, "/")+1:]
	if name == "" {
		name = "media"
	}
	if ext := util.ExtensionForContentType(contentType); ext != "" {
		name += ext
	}
	return name
}

func (a *Adapter) requestURL(r *http.Request) string {
	if a.webhookURL != "" {
		return a.webhookURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
