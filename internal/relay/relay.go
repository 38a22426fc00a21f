// Package relay moves messages between chat channels and the helpdesk.
//
// Inbound relays record the conversation address, move attachments to the
// helpdesk and forward a normalized message. Outbound relays resolve the stored
// address and deliver the helpdesk's reply through the owning channel.
package relay

import (
	"context"

	"github.com/BTreeMap/OpenChannel/internal/channel"
	"github.com/BTreeMap/OpenChannel/internal/models"
	"github.com/BTreeMap/OpenChannel/internal/transfer"
)

// Helpdesk is the part of the helpdesk client the relays use.
type Helpdesk interface {
	Forward(ctx context.Context, msg models.HelpdeskMessage) error
	UploadDestination() transfer.Destination
	DownloadSource(id, filename string) transfer.Source
}

// Transferer moves attachments between HTTP endpoints.
type Transferer interface {
	Transfer(ctx context.Context, src transfer.Source, dst transfer.Destination) (string, error)
	FetchAttachment(ctx context.Context, src transfer.Source) (*models.ReplyAttachment, error)
}

// Channels finds the sender for a channel id or a stored address.
type Channels interface {
	Get(id string) (channel.Sender, bool)
	Resolve(address models.ConversationAddress) (channel.Sender, error)
}
