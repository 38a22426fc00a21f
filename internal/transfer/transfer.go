// Package transfer relays binary attachments between HTTP endpoints.
//
// A transfer downloads the source into a staging file owned exclusively by that
// transfer and then streams it to the destination as a multipart upload. The
// staging file never outlives the transfer: it is removed on success and on
// every failure path.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BTreeMap/OpenChannel/internal/models"
)

// Defaults for the Transferer.
const (
	// DefaultTimeout bounds each fetch and each upload.
	DefaultTimeout = 2 * time.Minute
	// DefaultMaxBytes caps the size of a single attachment.
	DefaultMaxBytes = 50 << 20
	// DefaultFieldName is the multipart form field carrying the file.
	DefaultFieldName = "file"
	// DefaultStagingDirName is created under the OS temp dir when no staging dir is configured.
	DefaultStagingDirName = "openchannel-staging"
)

var (
	// ErrFetchFailed means the source could not be downloaded.
	ErrFetchFailed = errors.New("attachment fetch failed")
	// ErrUploadFailed means the staged file could not be delivered to the destination.
	ErrUploadFailed = errors.New("attachment upload failed")
)

// Source describes where an attachment is downloaded from.
type Source struct {
	URL      string
	Filename string // original name; derived from the response or URL when empty
	Auth     Auth
}

// Destination describes the multipart upload endpoint.
type Destination struct {
	URL       string
	Username  string
	Password  string
	FieldName string
}

// Opts holds configuration options for the Transferer.
type Opts struct {
	StagingDir string
	Timeout    time.Duration
	MaxBytes   int64
	ProxyURL   string
	ProxyToken string
	HTTPClient *http.Client
}

// Option defines a configuration option for the Transferer.
type Option func(*Opts)

// WithStagingDir sets the directory staging files are written to.
func WithStagingDir(dir string) Option {
	return func(o *Opts) { o.StagingDir = dir }
}

// WithTimeout bounds each fetch and upload leg.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithMaxBytes caps the attachment size accepted from a source.
func WithMaxBytes(n int64) Option {
	return func(o *Opts) { o.MaxBytes = n }
}

// WithProxy routes attachment traffic through an HTTP proxy, authenticating with token when set.
func WithProxy(proxyURL, token string) Option {
	return func(o *Opts) {
		o.ProxyURL = proxyURL
		o.ProxyToken = token
	}
}

// WithHTTPClient injects the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Transferer downloads and uploads attachments.
type Transferer struct {
	stagingDir string
	timeout    time.Duration
	maxBytes   int64
	proxyToken string
	proxied    bool
	client     *http.Client
}

// New creates a Transferer and makes sure its staging directory exists.
func New(opts ...Option) (*Transferer, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = filepath.Join(os.TempDir(), DefaultStagingDirName)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(cfg.StagingDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory %s: %w", cfg.StagingDir, err)
	}

	t := &Transferer{
		stagingDir: cfg.StagingDir,
		timeout:    cfg.Timeout,
		maxBytes:   cfg.MaxBytes,
		proxyToken: cfg.ProxyToken,
		client:     cfg.HTTPClient,
	}
	if t.client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.ProxyURL != "" {
			proxy, err := url.Parse(cfg.ProxyURL)
			if err != nil {
				return nil, fmt.Errorf("invalid attachment proxy URL: %w", err)
			}
			transport.Proxy = http.ProxyURL(proxy)
			if cfg.ProxyToken != "" {
				transport.ProxyConnectHeader = http.Header{"Proxy-Authorization": {"Bearer " + cfg.ProxyToken}}
			}
			t.proxied = true
		}
		// The per-leg context deadline is the real bound; this only catches stuck connections.
		t.client = &http.Client{Transport: transport, Timeout: cfg.Timeout + 10*time.Second}
	}
	slog.Debug("transfer.New: transferer ready", "staging_dir", cfg.StagingDir, "timeout", cfg.Timeout, "proxy_set", t.proxied)
	return t, nil
}

// StagingDir returns the directory staging files are written to.
func (t *Transferer) StagingDir() string {
	return t.stagingDir
}

// Transfer downloads src and uploads it to dst, returning the id the destination assigned.
// The staging file is removed whatever the outcome.
func (t *Transferer) Transfer(ctx context.Context, src Source, dst Destination) (string, error) {
	staged, err := t.Fetch(ctx, src)
	if err != nil {
		return "", err
	}
	defer staged.Remove()

	id, err := t.Upload(ctx, staged, dst)
	if err != nil {
		return "", err
	}
	slog.Info("Transferer.Transfer: attachment relayed", "filename", staged.Filename, "size", staged.Size, "remote_id", id)
	return id, nil
}

// FetchAttachment downloads src fully into memory for delivery as a reply attachment.
func (t *Transferer) FetchAttachment(ctx context.Context, src Source) (*models.ReplyAttachment, error) {
	staged, err := t.Fetch(ctx, src)
	if err != nil {
		return nil, err
	}
	defer staged.Remove()

	data, err := staged.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: read staged file: %v", ErrFetchFailed, err)
	}
	return &models.ReplyAttachment{
		Name:        staged.Filename,
		ContentType: staged.ContentType(),
		Data:        data,
	}, nil
}
