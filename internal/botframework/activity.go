package botframework

import (
	"log/slog"
	"strings"

	"github.com/BTreeMap/OpenChannel/internal/models"
)

// Activity types handled by the adapter.
const (
	ActivityTypeMessage = "message"
)

// ChannelAccount is a user or bot account on a Bot Framework channel.
type ChannelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ConversationAccount identifies a Bot Framework conversation.
type ConversationAccount struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	IsGroup bool   `json:"isGroup,omitempty"`
}

// Attachment is a file or card carried by an activity.
type Attachment struct {
	ContentType string `json:"contentType"`
	ContentURL  string `json:"contentUrl,omitempty"`
	Name        string `json:"name,omitempty"`
}

// Activity is the subset of the Bot Framework activity schema the bridge reads and writes.
type Activity struct {
	Type         string              `json:"type"`
	ID           string              `json:"id,omitempty"`
	ChannelID    string              `json:"channelId,omitempty"`
	ServiceURL   string              `json:"serviceUrl,omitempty"`
	From         ChannelAccount      `json:"from"`
	Recipient    ChannelAccount      `json:"recipient"`
	Conversation ConversationAccount `json:"conversation"`
	Text         string              `json:"text,omitempty"`
	TextFormat   string              `json:"textFormat,omitempty"`
	ReplyToID    string              `json:"replyToId,omitempty"`
	Attachments  []Attachment        `json:"attachments,omitempty"`
}

// Address converts the routing fields of an activity into a conversation address.
func (a Activity) Address() (models.ConversationAddress, error) {
	return models.AddressEnvelope{
		ID:        a.ID,
		ChannelID: a.ChannelID,
		User:      models.Identity{ID: a.From.ID, Name: a.From.Name},
		Conversation: models.ConversationRef{
			ID:      a.Conversation.ID,
			Name:    a.Conversation.Name,
			IsGroup: a.Conversation.IsGroup,
		},
		Bot:        models.Identity{ID: a.Recipient.ID, Name: a.Recipient.Name},
		ServiceURL: a.ServiceURL,
	}.Encode()
}

// isFileTransferArtifact reports whether text is Skype file-transfer markup rather than user text.
func isFileTransferArtifact(text string) bool {
	return strings.Contains(text, "<URIObject")
}

// isCardAttachment reports whether an attachment is a card or file descriptor rather than a file.
func isCardAttachment(att Attachment) bool {
	return strings.HasPrefix(strings.ToLower(att.ContentType), "application/vnd.microsoft.")
}

// genuineAttachments drops protocol artifacts and attachments without a download URL.
func genuineAttachments(atts []Attachment) []Attachment {
	var out []Attachment
	for _, att := range atts {
		if isCardAttachment(att) || strings.TrimSpace(att.ContentURL) == "" {
			slog.Debug("botframework: skipping non-file attachment", "content_type", att.ContentType)
			continue
		}
		out = append(out, att)
	}
	return out
}
