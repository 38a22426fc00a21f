// Package testutil provides test doubles shared by OpenChannel package tests.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/BTreeMap/OpenChannel/internal/models"
)

// Credentials the fake helpdesk accepts on its attachment endpoints.
const (
	HelpdeskUsername = "svc"
	HelpdeskPassword = "pw"
)

// FakeHelpdesk emulates the helpdesk forward hook and attachment endpoints:
//
//	POST /hook                          forwarded messages
//	POST /api/attachments               multipart upload, answers {"id":N}
//	GET  /api/attachments/{id}/download "bytes-of-<id>", 404 for id "missing"
type FakeHelpdesk struct {
	mu        sync.Mutex
	forwarded []models.HelpdeskMessage
	uploads   map[string][]byte
	nextID    int
	forwardOK bool
	downloads atomic.Int32
	srv       *httptest.Server
}

// NewFakeHelpdesk starts a fake helpdesk that is shut down with the test.
func NewFakeHelpdesk(t *testing.T) *FakeHelpdesk {
	t.Helper()
	f := &FakeHelpdesk{uploads: map[string][]byte{}, nextID: 100, forwardOK: true}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hook", f.handleForward)
	mux.HandleFunc("POST /api/attachments", f.handleUpload)
	mux.HandleFunc("GET /api/attachments/{id}/download", f.handleDownload)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// URL returns the helpdesk base URL, suitable as the attachment domain.
func (f *FakeHelpdesk) URL() string { return f.srv.URL }

// ForwardURL returns the URL inbound messages are forwarded to.
func (f *FakeHelpdesk) ForwardURL() string { return f.srv.URL + "/hook" }

// SetForwardOK makes the forward hook succeed or answer 503.
func (f *FakeHelpdesk) SetForwardOK(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwardOK = ok
}

// Messages returns every message received on the forward hook, failed ones included.
func (f *FakeHelpdesk) Messages() []models.HelpdeskMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.HelpdeskMessage(nil), f.forwarded...)
}

// Uploads returns stored uploads keyed by "<id>/<filename>".
func (f *FakeHelpdesk) Uploads() map[string][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte, len(f.uploads))
	for k, v := range f.uploads {
		out[k] = v
	}
	return out
}

// Downloads returns how many download requests were received.
func (f *FakeHelpdesk) Downloads() int {
	return int(f.downloads.Load())
}

func (f *FakeHelpdesk) handleForward(w http.ResponseWriter, r *http.Request) {
	var msg models.HelpdeskMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.forwarded = append(f.forwarded, msg)
	ok := f.forwardOK
	f.mu.Unlock()
	if !ok {
		http.Error(w, "helpdesk down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (f *FakeHelpdesk) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, _ := io.ReadAll(file)
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprint(f.nextID)
	f.uploads[id+"/"+header.Filename] = data
	f.mu.Unlock()
	fmt.Fprintf(w, `{"id":%s}`, id)
}

func (f *FakeHelpdesk) handleDownload(w http.ResponseWriter, r *http.Request) {
	f.downloads.Add(1)
	if !authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if r.PathValue("id") == "missing" {
		http.NotFound(w, r)
		return
	}
	fmt.Fprintf(w, "bytes-of-%s", r.PathValue("id"))
}

func authorized(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	return ok && user == HelpdeskUsername && pass == HelpdeskPassword
}

// SentReply is one reply captured by a RecordingSender.
type SentReply struct {
	Address models.ConversationAddress
	Reply   models.Reply
}

// RecordingSender is a channel sender that records replies instead of delivering them.
type RecordingSender struct {
	Name        string
	Attachments bool

	mu   sync.Mutex
	err  error
	sent []SentReply
}

// NewRecordingSender creates a sender registered under id.
func NewRecordingSender(id string, attachments bool) *RecordingSender {
	return &RecordingSender{Name: id, Attachments: attachments}
}

// ID returns the channel id.
func (s *RecordingSender) ID() string { return s.Name }

// SupportsAttachments reports whether attachments were enabled.
func (s *RecordingSender) SupportsAttachments() bool { return s.Attachments }

// FailWith makes every following Send return err. A nil err restores delivery.
func (s *RecordingSender) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Send records the reply.
func (s *RecordingSender) Send(ctx context.Context, address models.ConversationAddress, reply models.Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, SentReply{Address: address, Reply: reply})
	return nil
}

// Replies returns the recorded replies.
func (s *RecordingSender) Replies() []SentReply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentReply(nil), s.sent...)
}
