package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrAddressMissingConversation is returned when an address carries no conversation id.
var ErrAddressMissingConversation = errors.New("address has no conversation.id")

// ConversationAddress is the opaque routing record a channel needs to deliver a reply.
// Stores keep it byte-for-byte; only channel adapters look inside.
type ConversationAddress = json.RawMessage

// ConversationRecord pairs a conversation id with its stored address.
type ConversationRecord struct {
	ConversationID string              `json:"conversationId"`
	Address        ConversationAddress `json:"address"`
}

// Identity is a channel account (user or bot) as it appears inside an address.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ConversationRef identifies the conversation inside an address.
type ConversationRef struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	IsGroup bool   `json:"isGroup,omitempty"`
}

// AddressEnvelope is the decoded view of a ConversationAddress shared by all adapters.
// It follows the Bot Framework address layout; other channels fill the subset they have.
type AddressEnvelope struct {
	ID           string          `json:"id,omitempty"`
	ChannelID    string          `json:"channelId"`
	User         Identity        `json:"user"`
	Conversation ConversationRef `json:"conversation"`
	Bot          Identity        `json:"bot,omitempty"`
	ServiceURL   string          `json:"serviceUrl,omitempty"`
}

// Encode marshals the envelope into an opaque address.
func (a AddressEnvelope) Encode() (ConversationAddress, error) {
	if strings.TrimSpace(a.Conversation.ID) == "" {
		return nil, ErrAddressMissingConversation
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode address: %w", err)
	}
	return raw, nil
}

// ParseAddress decodes the routing fields of an opaque address.
func ParseAddress(raw ConversationAddress) (AddressEnvelope, error) {
	var env AddressEnvelope
	if len(raw) == 0 {
		return env, ErrAddressMissingConversation
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("failed to decode address: %w", err)
	}
	if strings.TrimSpace(env.Conversation.ID) == "" {
		return env, ErrAddressMissingConversation
	}
	return env, nil
}

// SenderKey reduces a channel user id to the short form the helpdesk keys contacts on,
// e.g. "29:1abc" -> "1abc" and "skype/live:john" -> "john".
func SenderKey(value string) string {
	if i := strings.LastIndex(value, "/"); i >= 0 {
		value = value[i+1:]
	}
	if i := strings.LastIndex(value, ":"); i >= 0 {
		value = value[i+1:]
	}
	return value
}
