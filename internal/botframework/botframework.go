// Package botframework connects Skype and other Bot Framework channels to the relays.
//
// Inbound activities arrive on the messaging endpoint webhook; replies are posted
// to the Bot Connector REST API at the service URL recorded in the conversation address.
package botframework

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/OpenChannel/internal/channel"
	"github.com/BTreeMap/OpenChannel/internal/models"
	"github.com/BTreeMap/OpenChannel/internal/transfer"
	"github.com/BTreeMap/OpenChannel/internal/util"
)

// ChannelID is the id the adapter registers under.
const ChannelID = "botframework"

// Aliases are the Bot Framework channel ids routed to this adapter.
var Aliases = []string{"skype", "msteams", "emulator", "webchat"}

const (
	// DefaultTimeout bounds a Bot Connector call.
	DefaultTimeout = 30 * time.Second
	// webhookMaxBodyBytes caps an inbound activity.
	webhookMaxBodyBytes int64 = 1 << 20
)

// Opts holds configuration options for the Bot Framework adapter.
type Opts struct {
	AppID       string
	AppPassword string
	TokenURL    string
	MapKey      string
	IgnoreFrom  []string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Option defines a configuration option for the Bot Framework adapter.
type Option func(*Opts)

// WithAppCredentials sets the Microsoft app id and password of the bot registration.
func WithAppCredentials(appID, appPassword string) Option {
	return func(o *Opts) {
		o.AppID = appID
		o.AppPassword = appPassword
	}
}

// WithTokenURL overrides the token endpoint.
func WithTokenURL(u string) Option {
	return func(o *Opts) { o.TokenURL = u }
}

// WithMapKey sets the helpdesk mapping key stamped on inbound events.
func WithMapKey(key string) Option {
	return func(o *Opts) { o.MapKey = key }
}

// WithIgnoreFrom drops inbound messages from these sender ids, compared by models.SenderKey.
func WithIgnoreFrom(ids ...string) Option {
	return func(o *Opts) { o.IgnoreFrom = append(o.IgnoreFrom, ids...) }
}

// WithTimeout sets the HTTP timeout for Bot Connector calls.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithHTTPClient injects the HTTP client used for Bot Connector and token calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Adapter is the Bot Framework channel: a webhook handler and a reply sender.
type Adapter struct {
	dispatcher channel.InboundDispatcher
	creds      *credentials
	mapKey     string
	ignore     map[string]bool
	client     *http.Client
}

// New creates a Bot Framework adapter that hands inbound events to dispatcher.
// Without app credentials, requests are sent unauthenticated, which only the emulator accepts.
func New(dispatcher channel.InboundDispatcher, opts ...Option) (*Adapter, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("botframework: dispatcher is required")
	}
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AppID != "" && cfg.AppPassword == "" {
		return nil, fmt.Errorf("botframework: app password is required when app id is set")
	}
	if cfg.MapKey == "" {
		cfg.MapKey = models.DefaultMapKey
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	a := &Adapter{
		dispatcher: dispatcher,
		creds:      newCredentials(cfg.AppID, cfg.AppPassword, cfg.TokenURL, cfg.HTTPClient),
		mapKey:     cfg.MapKey,
		ignore:     map[string]bool{},
		client:     client,
	}
	for _, id := range append(cfg.IgnoreFrom, cfg.AppID) {
		if key := models.SenderKey(strings.TrimSpace(id)); key != "" {
			a.ignore[strings.ToLower(key)] = true
		}
	}
	slog.Debug("botframework.New: adapter configured", "app_id_set", cfg.AppID != "", "map_key", cfg.MapKey, "ignored_senders", len(a.ignore))
	return a, nil
}

// ID returns the channel id.
func (a *Adapter) ID() string { return ChannelID }

// SupportsAttachments reports that replies may carry a file.
func (a *Adapter) SupportsAttachments() bool { return true }

// ServeHTTP handles POST /api/messages. It acknowledges right away and relays in the background.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, webhookMaxBodyBytes+1))
	if err != nil {
		slog.Warn("Adapter.ServeHTTP: failed to read activity", "error", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if int64(len(payload)) > webhookMaxBodyBytes {
		http.Error(w, "activity too large", http.StatusRequestEntityTooLarge)
		return
	}
	var activity Activity
	if err := json.Unmarshal(payload, &activity); err != nil {
		slog.Warn("Adapter.ServeHTTP: invalid activity JSON", "error", err)
		http.Error(w, "invalid activity", http.StatusBadRequest)
		return
	}

	events := a.Events(activity)
	for _, event := range events {
		a.dispatcher.Dispatch(event)
	}
	slog.Debug("Adapter.ServeHTTP: activity acknowledged", "type", activity.Type, "conversation_id", activity.Conversation.ID, "events", len(events))
	w.WriteHeader(http.StatusOK)
}

// Events converts an activity into zero or more inbound events.
// Non-message activities, the bot's own messages and file-transfer artifacts yield nothing.
// A message with text and a file yields a text event followed by an attachment event.
func (a *Adapter) Events(activity Activity) []models.InboundEvent {
	if !strings.EqualFold(activity.Type, ActivityTypeMessage) {
		return nil
	}
	if strings.TrimSpace(activity.Conversation.ID) == "" {
		slog.Warn("Adapter.Events: message without conversation id dropped", "activity_id", activity.ID)
		return nil
	}
	if a.isSelf(activity) {
		slog.Debug("Adapter.Events: ignoring own message", "conversation_id", activity.Conversation.ID)
		return nil
	}
	address, err := activity.Address()
	if err != nil {
		slog.Warn("Adapter.Events: failed to build address", "conversation_id", activity.Conversation.ID, "error", err)
		return nil
	}

	base := models.InboundEvent{
		ChannelID:      activity.ChannelID,
		MapKey:         a.mapKey,
		ConversationID: activity.Conversation.ID,
		SenderID:       activity.From.ID,
		SenderName:     activity.From.Name,
		Address:        address,
	}

	var events []models.InboundEvent
	text := strings.TrimSpace(activity.Text)
	if text != "" && !isFileTransferArtifact(text) {
		ev := base
		ev.EventID = util.GenerateEventID()
		ev.Text = text
		events = append(events, ev)
	}

	files := genuineAttachments(activity.Attachments)
	if len(files) > 1 {
		slog.Warn("Adapter.Events: only the first attachment is relayed", "conversation_id", activity.Conversation.ID, "dropped", len(files)-1)
	}
	if len(files) > 0 {
		ev := base
		ev.EventID = util.GenerateEventID()
		ev.Attachment = &models.InboundAttachment{
			URL:         files[0].ContentURL,
			Name:        files[0].Name,
			ContentType: files[0].ContentType,
		}
		events = append(events, ev)
	}
	return events
}

func (a *Adapter) isSelf(activity Activity) bool {
	if activity.From.ID != "" && activity.From.ID == activity.Recipient.ID {
		return true
	}
	return a.ignore[strings.ToLower(models.SenderKey(activity.From.ID))]
}

// AttachmentSource adds a per-transfer bearer token for attachment URLs hosted by the Bot Framework.
func (a *Adapter) AttachmentSource(event models.InboundEvent) transfer.Source {
	src := transfer.Source{URL: event.Attachment.URL, Filename: event.Attachment.Name}
	if a.creds == nil {
		return src
	}
	var serviceURL string
	if env, err := models.ParseAddress(event.Address); err == nil {
		serviceURL = env.ServiceURL
	}
	if trustedAttachmentHost(src.URL, serviceURL) {
		src.Auth = transfer.BearerAuth{Provider: a.creds}
	}
	return src
}

// Send posts reply as a message activity to the conversation in address.
func (a *Adapter) Send(ctx context.Context, address models.ConversationAddress, reply models.Reply) error {
	env, err := models.ParseAddress(address)
	if err != nil {
		return err
	}
	if strings.TrimSpace(env.ServiceURL) == "" {
		return fmt.Errorf("address for conversation %s has no serviceUrl", env.Conversation.ID)
	}

	activity := Activity{
		Type:         ActivityTypeMessage,
		From:         ChannelAccount{ID: env.Bot.ID, Name: env.Bot.Name},
		Recipient:    ChannelAccount{ID: env.User.ID, Name: env.User.Name},
		Conversation: ConversationAccount{ID: env.Conversation.ID, Name: env.Conversation.Name, IsGroup: env.Conversation.IsGroup},
		ReplyToID:    env.ID,
		Text:         reply.Text,
		TextFormat:   "plain",
	}
	if att := reply.Attachment; att != nil {
		contentType := att.ContentType
		if contentType == "" {
			contentType = transfer.ContentTypeFor(att.Name)
		}
		activity.Attachments = []Attachment{{
			ContentType: contentType,
			ContentURL:  "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(att.Data),
			Name:        att.Name,
		}}
	}

	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to encode activity: %w", err)
	}
	endpoint := strings.TrimRight(env.ServiceURL, "/") + "/v3/conversations/" + url.PathEscape(env.Conversation.ID) + "/activities"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build activity request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.creds != nil {
		token, err := a.creds.dispatchToken()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("bot connector request failed: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("bot connector returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	slog.Info("Adapter.Send: reply delivered", "conversation_id", env.Conversation.ID, "has_attachment", reply.Attachment != nil)
	return nil
}
