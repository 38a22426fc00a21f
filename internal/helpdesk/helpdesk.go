// Package helpdesk talks to the Motion helpdesk HTTP API.
package helpdesk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/OpenChannel/internal/models"
	"github.com/BTreeMap/OpenChannel/internal/transfer"
)

// DefaultTimeout bounds a single forward call.
const DefaultTimeout = 30 * time.Second

// ErrForwardFailed is returned when the helpdesk did not accept a forwarded message.
var ErrForwardFailed = errors.New("helpdesk forward failed")

// Opts holds configuration options for the helpdesk Client.
type Opts struct {
	ForwardURL string
	Domain     string
	Username   string
	Password   string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Option defines a configuration option for the helpdesk Client.
type Option func(*Opts)

// WithForwardURL sets the URL inbound messages are posted to.
func WithForwardURL(u string) Option {
	return func(o *Opts) { o.ForwardURL = u }
}

// WithDomain sets the helpdesk base URL used for the attachment endpoints.
func WithDomain(domain string) Option {
	return func(o *Opts) { o.Domain = domain }
}

// WithCredentials sets the basic-auth credentials for the helpdesk API.
func WithCredentials(username, password string) Option {
	return func(o *Opts) {
		o.Username = username
		o.Password = password
	}
}

// WithTimeout sets the HTTP timeout for forward calls.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithHTTPClient injects the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client posts messages to the helpdesk and builds its attachment endpoints.
type Client struct {
	forwardURL string
	domain     string
	username   string
	password   string
	client     *http.Client
}

// NewClient creates a helpdesk client. The forward URL is required and must be absolute.
// Without a domain the attachment endpoints live on the forward URL's origin.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if strings.TrimSpace(cfg.ForwardURL) == "" {
		return nil, fmt.Errorf("helpdesk forward URL is required")
	}
	origin, err := Origin(cfg.ForwardURL)
	if err != nil {
		return nil, fmt.Errorf("invalid helpdesk forward URL: %w", err)
	}
	domain := strings.TrimRight(strings.TrimSpace(cfg.Domain), "/")
	if domain == "" {
		domain = origin
		slog.Debug("NewClient: no helpdesk domain, using forward URL origin", "domain", domain)
	} else if _, err := Origin(domain); err != nil {
		return nil, fmt.Errorf("invalid helpdesk domain: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := &Client{
		forwardURL: cfg.ForwardURL,
		domain:     domain,
		username:   cfg.Username,
		password:   cfg.Password,
		client:     cfg.HTTPClient,
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: cfg.Timeout}
	}
	return c, nil
}

// Origin returns the scheme and host of an absolute http(s) URL.
func Origin(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%q is not an absolute http(s) URL", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%q has no host", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Forward posts an inbound message to the helpdesk.
func (c *Client) Forward(ctx context.Context, msg models.HelpdeskMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: encode message: %v", ErrForwardFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.forwardURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrForwardFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.hasCredentials() {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrForwardFailed, err)
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: helpdesk returned HTTP %d: %s", ErrForwardFailed, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	slog.Debug("Client.Forward: helpdesk accepted message", "status", resp.StatusCode, "thread_id", msg.ThreadID, "has_attachment", msg.AttachmentID != "")
	return nil
}

// AttachmentUploadURL is the multipart upload endpoint.
func (c *Client) AttachmentUploadURL() string {
	return c.domain + "/api/attachments"
}

// AttachmentDownloadURL is the download endpoint for a helpdesk attachment.
func (c *Client) AttachmentDownloadURL(id string) string {
	return c.domain + "/api/attachments/" + url.PathEscape(id) + "/download"
}

// UploadDestination describes the attachment upload endpoint with service credentials.
func (c *Client) UploadDestination() transfer.Destination {
	return transfer.Destination{
		URL:       c.AttachmentUploadURL(),
		Username:  c.username,
		Password:  c.password,
		FieldName: transfer.DefaultFieldName,
	}
}

// DownloadSource describes a helpdesk attachment as a transfer source.
func (c *Client) DownloadSource(id, filename string) transfer.Source {
	src := transfer.Source{URL: c.AttachmentDownloadURL(id), Filename: filename}
	if c.hasCredentials() {
		src.Auth = transfer.BasicAuth{Username: c.username, Password: c.password}
	}
	return src
}

func (c *Client) hasCredentials() bool {
	return c.username != "" || c.password != ""
}
