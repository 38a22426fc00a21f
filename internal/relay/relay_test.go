package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/OpenChannel/internal/channel"
	"github.com/BTreeMap/OpenChannel/internal/helpdesk"
	"github.com/BTreeMap/OpenChannel/internal/models"
	"github.com/BTreeMap/OpenChannel/internal/store"
	"github.com/BTreeMap/OpenChannel/internal/testutil"
	"github.com/BTreeMap/OpenChannel/internal/transfer"
)

type harness struct {
	hd         *testutil.FakeHelpdesk
	store      store.AddressStore
	skype      *testutil.RecordingSender
	textOnly   *testutil.RecordingSender
	stagingDir string
	inbound    *Inbound
	outbound   *Outbound
}

func newHarness(t *testing.T, st store.AddressStore) *harness {
	t.Helper()
	hd := testutil.NewFakeHelpdesk(t)
	client, err := helpdesk.NewClient(
		helpdesk.WithForwardURL(hd.ForwardURL()),
		helpdesk.WithDomain(hd.URL()),
		helpdesk.WithCredentials(testutil.HelpdeskUsername, testutil.HelpdeskPassword),
	)
	require.NoError(t, err)

	dir := t.TempDir()
	tr, err := transfer.New(transfer.WithStagingDir(dir), transfer.WithTimeout(5*time.Second))
	require.NoError(t, err)

	reg := channel.NewRegistry()
	skype := testutil.NewRecordingSender("botframework", true)
	textOnly := testutil.NewRecordingSender("twilio-whatsapp", false)
	reg.MustRegister(skype, "skype")
	reg.MustRegister(textOnly)
	require.NoError(t, reg.SetDefault("botframework"))

	if st == nil {
		st = store.NewInMemoryStore()
	}
	return &harness{
		hd:         hd,
		store:      st,
		skype:      skype,
		textOnly:   textOnly,
		stagingDir: dir,
		inbound:    NewInbound(st, client, tr, reg),
		outbound:   NewOutbound(st, client, tr, reg),
	}
}

func skypeEvent(t *testing.T, conversationID, text string) models.InboundEvent {
	t.Helper()
	address, err := models.AddressEnvelope{
		ChannelID:    "skype",
		User:         models.Identity{ID: "29:1abc", Name: "Ann"},
		Conversation: models.ConversationRef{ID: conversationID},
		Bot:          models.Identity{ID: "28:bot"},
		ServiceURL:   "https://smba.trafficmanager.net/apis/",
	}.Encode()
	require.NoError(t, err)
	return models.InboundEvent{
		EventID:        "evt_test",
		ChannelID:      "skype",
		MapKey:         models.DefaultMapKey,
		ConversationID: conversationID,
		SenderID:       "29:1abc",
		SenderName:     "Ann",
		Text:           text,
		Address:        address,
	}
}

func sendRequest(threadID, body, attachmentID string) models.SendMessageRequest {
	return models.SendMessageRequest{Interaction: models.Interaction{ThreadID: threadID}, Body: body, AttachmentID: attachmentID}
}

func assertStagingEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInboundPlainTextThenReply(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.inbound.Handle(ctx, skypeEvent(t, "c1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, InboundDone, res.State)
	assert.True(t, res.AddressCreated)

	msgs := h.hd.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.HelpdeskMessage{From: "1abc", FirstName: "Ann", Body: "hello", MapKey: "skype", ThreadID: "c1"}, msgs[0])

	_, err = h.store.Lookup(ctx, "c1")
	require.NoError(t, err)

	state, err := h.outbound.Send(ctx, sendRequest("c1", "hello-reply", ""))
	require.NoError(t, err)
	assert.Equal(t, OutboundAcknowledged, state)

	replies := h.skype.Replies()
	require.Len(t, replies, 1)
	assert.Equal(t, "hello-reply", replies[0].Reply.Text)
	assert.Nil(t, replies[0].Reply.Attachment)
	env, err := models.ParseAddress(replies[0].Address)
	require.NoError(t, err)
	assert.Equal(t, "c1", env.Conversation.ID)
}

func TestOutboundUnknownConversation(t *testing.T) {
	h := newHarness(t, nil)

	state, err := h.outbound.Send(context.Background(), sendRequest("zzz", "hello-reply", ""))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConversationNotFound)
	assert.Equal(t, OutboundNotFound, state)
	assert.Contains(t, err.Error(), "zzz")
	assert.Empty(t, h.skype.Replies())
	assert.Empty(t, h.textOnly.Replies())
}

func TestInboundFirstWriteWins(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first := skypeEvent(t, "c1", "one")
	second := skypeEvent(t, "c1", "two")
	second.Address = models.ConversationAddress(`{"channelId":"skype","conversation":{"id":"c1"},"serviceUrl":"https://other.example/"}`)

	res, err := h.inbound.Handle(ctx, first)
	require.NoError(t, err)
	assert.True(t, res.AddressCreated)
	res, err = h.inbound.Handle(ctx, second)
	require.NoError(t, err)
	assert.False(t, res.AddressCreated)
	assert.Len(t, h.hd.Messages(), 2, "both messages are forwarded")

	_, err = h.outbound.Send(ctx, sendRequest("c1", "reply", ""))
	require.NoError(t, err)
	env, err := models.ParseAddress(h.skype.Replies()[0].Address)
	require.NoError(t, err)
	assert.Equal(t, "https://smba.trafficmanager.net/apis/", env.ServiceURL)
}

func TestInboundAttachmentRelayed(t *testing.T) {
	h := newHarness(t, nil)
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "png-bytes")
	}))
	defer source.Close()

	ev := skypeEvent(t, "c1", "")
	ev.Attachment = &models.InboundAttachment{URL: source.URL + "/v3/attachments/a1", Name: "shot.png", ContentType: "image/png"}

	res, err := h.inbound.Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, InboundDone, res.State)
	assert.NoError(t, res.TransferError)

	msgs := h.hd.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "shot.png", msgs[0].Body)
	assert.Equal(t, "101", msgs[0].AttachmentID)
	assert.Equal(t, []byte("png-bytes"), h.hd.Uploads()["101/shot.png"])
	assertStagingEmpty(t, h.stagingDir)
}

func TestInboundAttachmentDownloadFailureForwardsError(t *testing.T) {
	h := newHarness(t, nil)
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer source.Close()

	ev := skypeEvent(t, "c1", "")
	ev.Attachment = &models.InboundAttachment{URL: source.URL + "/v3/attachments/a1", Name: "shot.png"}

	res, err := h.inbound.Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, InboundDone, res.State)
	assert.ErrorIs(t, res.TransferError, transfer.ErrFetchFailed)

	msgs := h.hd.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, strings.HasPrefix(msgs[0].Body, "Failed to relay attachment shot.png: "), msgs[0].Body)
	assert.Empty(t, msgs[0].AttachmentID)
	assert.Empty(t, h.hd.Uploads())
	assertStagingEmpty(t, h.stagingDir)
}

type failingStore struct {
	store.AddressStore
}

func (failingStore) Upsert(ctx context.Context, id string, address models.ConversationAddress) (bool, error) {
	return false, store.ErrStoreIO
}

func TestInboundStoreFailureStillForwards(t *testing.T) {
	h := newHarness(t, failingStore{store.NewInMemoryStore()})

	res, err := h.inbound.Handle(context.Background(), skypeEvent(t, "c1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, InboundDone, res.State)
	assert.False(t, res.AddressCreated)
	assert.Len(t, h.hd.Messages(), 1)
}

func TestInboundForwardFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.hd.SetForwardOK(false)

	res, err := h.inbound.Handle(context.Background(), skypeEvent(t, "c1", "hello"))
	require.Error(t, err)
	assert.ErrorIs(t, err, helpdesk.ErrForwardFailed)
	assert.Equal(t, InboundFailed, res.State)
	_, err = h.store.Lookup(context.Background(), "c1")
	assert.NoError(t, err, "the address is recorded even when the forward fails")
}

func TestInboundRejectsEventWithoutConversation(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.inbound.Handle(context.Background(), models.InboundEvent{Text: "x"})
	assert.Error(t, err)
	assert.Equal(t, InboundFailed, res.State)
	assert.Empty(t, h.hd.Messages())
}

func TestInboundDispatchAndWait(t *testing.T) {
	h := newHarness(t, nil)
	const n = 20
	for i := 0; i < n; i++ {
		h.inbound.Dispatch(skypeEvent(t, fmt.Sprintf("conv-%d", i), "hi"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.inbound.Wait(ctx))

	assert.Len(t, h.hd.Messages(), n)
	count, err := h.store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, n, count)
}

func TestInboundDispatchAfterWaitIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	h.inbound.Dispatch(skypeEvent(t, "before", "hi"))
	require.NoError(t, h.inbound.Wait(context.Background()))

	h.inbound.Dispatch(skypeEvent(t, "after", "hi"))
	require.NoError(t, h.inbound.Wait(context.Background()))

	msgs := h.hd.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "before", msgs[0].ThreadID)
	_, err := h.store.Lookup(context.Background(), "after")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInboundDispatchDuringWait(t *testing.T) {
	h := newHarness(t, nil)
	batches := make([][]models.InboundEvent, 8)
	for i := range batches {
		for j := 0; j < 10; j++ {
			batches[i] = append(batches[i], skypeEvent(t, fmt.Sprintf("conv-%d-%d", i, j), "hi"))
		}
	}
	var wg sync.WaitGroup
	for _, batch := range batches {
		wg.Add(1)
		go func(batch []models.InboundEvent) {
			defer wg.Done()
			for _, ev := range batch {
				h.inbound.Dispatch(ev)
			}
		}(batch)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.inbound.Wait(ctx))
	handled := len(h.hd.Messages())
	wg.Wait()

	// Nothing starts once the drain has begun.
	require.NoError(t, h.inbound.Wait(ctx))
	assert.Len(t, h.hd.Messages(), handled)
	count, err := h.store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, handled, count)
}

func TestInboundAttachmentWithoutHelpdeskDomain(t *testing.T) {
	h := newHarness(t, nil)
	client, err := helpdesk.NewClient(
		helpdesk.WithForwardURL(h.hd.ForwardURL()),
		helpdesk.WithCredentials(testutil.HelpdeskUsername, testutil.HelpdeskPassword),
	)
	require.NoError(t, err)
	tr, err := transfer.New(transfer.WithStagingDir(h.stagingDir), transfer.WithTimeout(5*time.Second))
	require.NoError(t, err)
	reg := channel.NewRegistry()
	reg.MustRegister(h.skype, "skype")
	inbound := NewInbound(h.store, client, tr, reg)

	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "pdf-bytes")
	}))
	defer source.Close()

	ev := skypeEvent(t, "c1", "")
	ev.Attachment = &models.InboundAttachment{URL: source.URL + "/v3/attachments/a1", Name: "doc.pdf", ContentType: "application/pdf"}

	res, err := inbound.Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.NoError(t, res.TransferError)
	msgs := h.hd.Messages()
	require.Len(t, msgs, 1)
	assert.NotEmpty(t, msgs[0].AttachmentID)
	assert.Equal(t, []byte("pdf-bytes"), h.hd.Uploads()[msgs[0].AttachmentID+"/doc.pdf"])
}

func TestOutboundAttachmentReply(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.inbound.Handle(ctx, skypeEvent(t, "c1", "hello"))
	require.NoError(t, err)

	state, err := h.outbound.Send(ctx, sendRequest("c1", "invoice.pdf", "42"))
	require.NoError(t, err)
	assert.Equal(t, OutboundAcknowledged, state)

	replies := h.skype.Replies()
	require.Len(t, replies, 1)
	att := replies[0].Reply.Attachment
	require.NotNil(t, att)
	assert.Equal(t, "invoice.pdf", att.Name)
	assert.Equal(t, "application/pdf", att.ContentType)
	assert.Equal(t, []byte("bytes-of-42"), att.Data)
	assertStagingEmpty(t, h.stagingDir)
}

func TestOutboundAttachmentOnTextOnlyChannel(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	address := models.ConversationAddress(`{"channelId":"twilio-whatsapp","conversation":{"id":"whatsapp:+1555"}}`)
	_, err := h.store.Upsert(ctx, "whatsapp:+1555", address)
	require.NoError(t, err)

	_, err = h.outbound.Send(ctx, sendRequest("whatsapp:+1555", "a.pdf", "42"))
	assert.ErrorIs(t, err, channel.ErrAttachmentsUnsupported)
	assert.Zero(t, h.hd.Downloads(), "no download is attempted for text-only channels")
	assert.Empty(t, h.textOnly.Replies())

	_, err = h.outbound.Send(ctx, sendRequest("whatsapp:+1555", "plain text", ""))
	require.NoError(t, err)
	assert.Len(t, h.textOnly.Replies(), 1)
}

func TestOutboundAttachmentFetchFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.inbound.Handle(ctx, skypeEvent(t, "c1", "hello"))
	require.NoError(t, err)

	_, err = h.outbound.Send(ctx, sendRequest("c1", "lost.pdf", "missing"))
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.ErrorIs(t, err, transfer.ErrFetchFailed)
	assert.Empty(t, h.skype.Replies())
	assertStagingEmpty(t, h.stagingDir)
}

func TestOutboundDispatchFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.inbound.Handle(ctx, skypeEvent(t, "c1", "hello"))
	require.NoError(t, err)
	h.skype.FailWith(errors.New("bot connector returned HTTP 403"))

	state, err := h.outbound.Send(ctx, sendRequest("c1", "hello-reply", ""))
	assert.ErrorIs(t, err, ErrDispatchFailed)
	assert.Equal(t, OutboundFailed, state)
}

type countingStore struct {
	store.AddressStore
	lookups atomic.Int32
}

func (s *countingStore) Lookup(ctx context.Context, id string) (models.ConversationAddress, error) {
	s.lookups.Add(1)
	return s.AddressStore.Lookup(ctx, id)
}

func TestOutboundValidationBeforeIO(t *testing.T) {
	st := &countingStore{AddressStore: store.NewInMemoryStore()}
	h := newHarness(t, st)
	ctx := context.Background()

	tests := []struct {
		name string
		req  models.SendMessageRequest
		want error
	}{
		{"missing thread", sendRequest("", "hi", ""), models.ErrEmptyThreadID},
		{"missing body", sendRequest("c1", "", ""), models.ErrEmptyBody},
		{"attachment without filename", sendRequest("c1", "", "42"), models.ErrMissingFilename},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.outbound.Send(ctx, tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.ErrorContains(t, err, tt.want.Error())
		})
	}
	assert.Zero(t, st.lookups.Load())
	assert.Zero(t, h.hd.Downloads())
}

func TestOutboundStoreFailure(t *testing.T) {
	h := newHarness(t, brokenLookupStore{store.NewInMemoryStore()})
	_, err := h.outbound.Send(context.Background(), sendRequest("c1", "hi", ""))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrStoreIO)
	assert.NotErrorIs(t, err, ErrConversationNotFound)
}

type brokenLookupStore struct {
	store.AddressStore
}

func (brokenLookupStore) Lookup(ctx context.Context, id string) (models.ConversationAddress, error) {
	return nil, fmt.Errorf("%w: disk unreadable", store.ErrStoreIO)
}
