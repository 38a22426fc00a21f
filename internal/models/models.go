// Package models defines the core data structures for OpenChannel.
//
// It includes the normalized message shapes exchanged with the helpdesk, the
// inbound events handed over by chat channels and the API response envelope.
package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// DefaultMapKey is the helpdesk channel mapping key for the Bot Framework (Skype) channel.
const DefaultMapKey = "skype"

// MaxMessageBodyLength bounds message bodies accepted on /sendMessage.
// Keep in sync with the max tag on SendMessageRequest.Body.
const MaxMessageBodyLength = 16384

var validate = validator.New(validator.WithRequiredStructEnabled())

// Error variables for request validation
var (
	ErrEmptyThreadID   = errors.New("Interaction.threadId is required")
	ErrEmptyBody       = errors.New("body is required")
	ErrBodyTooLong     = errors.New("body exceeds maximum length")
	ErrMissingFilename = errors.New("body must carry the attachment filename")
)

// NormalizedMessage is the common payload shape exchanged with the helpdesk in both directions.
type NormalizedMessage struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName"`
	Text           string `json:"text"`
	AttachmentID   string `json:"attachmentId,omitempty"`
}

// HasAttachment reports whether the message references a helpdesk attachment.
func (m NormalizedMessage) HasAttachment() bool {
	return strings.TrimSpace(m.AttachmentID) != ""
}

// InboundAttachment describes a file announced by a chat channel.
type InboundAttachment struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
}

// InboundEvent is a chat message normalized by a channel adapter before relaying.
type InboundEvent struct {
	EventID        string              `json:"eventId"`
	ChannelID      string              `json:"channelId"`
	MapKey         string              `json:"mapKey"`
	ConversationID string              `json:"conversationId"`
	SenderID       string              `json:"senderId"`
	SenderName     string              `json:"senderName"`
	Text           string              `json:"text"`
	Address        ConversationAddress `json:"address"`
	Attachment     *InboundAttachment  `json:"attachment,omitempty"`
}

// IsAttachment reports whether the event carries a file rather than plain text.
func (e InboundEvent) IsAttachment() bool {
	return e.Attachment != nil && e.Attachment.URL != ""
}

// HelpdeskMessage is the JSON body forwarded to the helpdesk for every inbound message.
type HelpdeskMessage struct {
	From         string `json:"from"`
	FirstName    string `json:"firstName"`
	Body         string `json:"body"`
	MapKey       string `json:"mapKey"`
	AttachmentID string `json:"AttachmentId,omitempty"`
	ThreadID     string `json:"threadId,omitempty"`
}

// Interaction identifies the conversation a helpdesk reply belongs to.
type Interaction struct {
	ThreadID string `json:"threadId" validate:"required"`
}

// SendMessageRequest is the payload the helpdesk posts to /sendMessage.
type SendMessageRequest struct {
	Interaction  Interaction `json:"Interaction"`
	Body         string      `json:"body" validate:"required,max=16384"`
	AttachmentID string      `json:"AttachmentId,omitempty"`
}

// Validate checks the request without touching the network.
func (r *SendMessageRequest) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	// Report the first violation only; it is all the helpdesk needs to fix the call.
	fe := fieldErrs[0]
	switch fe.StructNamespace() {
	case "SendMessageRequest.Interaction.ThreadID":
		return ErrEmptyThreadID
	case "SendMessageRequest.Body":
		if fe.Tag() == "max" {
			return ErrBodyTooLong
		}
		if r.AttachmentID != "" {
			return ErrMissingFilename
		}
		return ErrEmptyBody
	}
	return fmt.Errorf("invalid %s: %s", fe.Field(), fe.Tag())
}

// Normalized converts the request into the shared message shape.
func (r SendMessageRequest) Normalized() NormalizedMessage {
	return NormalizedMessage{
		ConversationID: r.Interaction.ThreadID,
		Text:           r.Body,
		AttachmentID:   strings.TrimSpace(r.AttachmentID),
	}
}

// ReplyAttachment is a fully fetched file to deliver with a reply.
type ReplyAttachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Reply is a channel-agnostic outbound message.
type Reply struct {
	Text       string
	Attachment *ReplyAttachment
}

// API Response types for consistent JSON responses

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
