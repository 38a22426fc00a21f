package botframework

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/BTreeMap/OpenChannel/internal/transfer"
)

// Bot Framework token endpoint defaults.
const (
	DefaultTokenURL = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"
	DefaultScope    = "https://api.botframework.com/.default"
)

// credentials issues Bot Framework access tokens for the app registration.
type credentials struct {
	config     *clientcredentials.Config
	httpClient *http.Client
	cached     oauth2.TokenSource
}

func newCredentials(appID, appPassword, tokenURL string, httpClient *http.Client) *credentials {
	if appID == "" {
		return nil
	}
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	c := &credentials{
		config: &clientcredentials.Config{
			ClientID:     appID,
			ClientSecret: appPassword,
			TokenURL:     tokenURL,
			Scopes:       []string{DefaultScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		httpClient: httpClient,
	}
	// TokenSource wraps the config in a ReuseTokenSource, so dispatch reuses tokens until expiry.
	c.cached = c.config.TokenSource(c.context(context.Background()))
	return c
}

func (c *credentials) context(ctx context.Context) context.Context {
	if c.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// dispatchToken returns a cached token for outgoing activities.
func (c *credentials) dispatchToken() (string, error) {
	tok, err := c.cached.Token()
	if err != nil {
		return "", fmt.Errorf("failed to obtain Bot Framework token: %w", err)
	}
	return tok.AccessToken, nil
}

// AccessToken requests a fresh token; attachment fetches call it once per transfer.
func (c *credentials) AccessToken(ctx context.Context) (string, error) {
	tok, err := c.config.Token(c.context(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to obtain Bot Framework token: %w", err)
	}
	return tok.AccessToken, nil
}

var _ transfer.TokenProvider = (*credentials)(nil)

// trustedAttachmentHost reports whether a bearer token may be sent to contentURL.
// Tokens only go to the conversation's service host and Microsoft's attachment hosts.
func trustedAttachmentHost(contentURL, serviceURL string) bool {
	u, err := url.Parse(contentURL)
	if err != nil || u.Scheme != "https" && u.Scheme != "http" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if s, err := url.Parse(serviceURL); err == nil && s.Hostname() != "" && strings.EqualFold(s.Hostname(), host) {
		return true
	}
	for _, suffix := range []string{".botframework.com", ".skype.com", ".trafficmanager.net"} {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}
