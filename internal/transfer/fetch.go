package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BTreeMap/OpenChannel/internal/util"
)

// DefaultContentType is used when the file extension maps to no known type.
const DefaultContentType = "application/octet-stream"

// Staged is an attachment held in a transfer-owned staging file.
type Staged struct {
	Path     string
	Filename string
	Size     int64

	removeOnce sync.Once
}

// ContentType infers the MIME type from the original filename's extension.
func (s *Staged) ContentType() string {
	return ContentTypeFor(s.Filename)
}

// Open opens the staging file for reading.
func (s *Staged) Open() (*os.File, error) {
	return os.Open(s.Path)
}

// ReadAll returns the staged bytes.
func (s *Staged) ReadAll() ([]byte, error) {
	return os.ReadFile(s.Path)
}

// Remove deletes the staging file. Safe to call more than once.
func (s *Staged) Remove() {
	s.removeOnce.Do(func() {
		if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Staged.Remove: failed to remove staging file", "path", s.Path, "error", err)
		}
	})
}

// ContentTypeFor maps a filename to a MIME type by extension.
func ContentTypeFor(filename string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); ct != "" {
		return ct
	}
	return DefaultContentType
}

// Fetch downloads src into a new staging file.
// On any failure the partial staging file is removed and the error wraps ErrFetchFailed.
func (t *Transferer) Fetch(ctx context.Context, src Source) (*Staged, error) {
	if strings.TrimSpace(src.URL) == "" {
		return nil, fmt.Errorf("%w: source URL is empty", ErrFetchFailed)
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrFetchFailed, err)
	}
	if src.Auth != nil {
		if err := src.Auth.Apply(ctx, req); err != nil {
			slog.Warn("Transferer.Fetch: authentication failed", "url", redactURL(src.URL), "error", err)
			return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
	}
	if t.proxied && t.proxyToken != "" {
		req.Header.Set("Proxy-Authorization", "Bearer "+t.proxyToken)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		slog.Warn("Transferer.Fetch: request failed", "url", redactURL(src.URL), "error", err)
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Warn("Transferer.Fetch: source returned error status", "url", redactURL(src.URL), "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: source returned HTTP %d: %s", ErrFetchFailed, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	filename := resolveFilename(src, resp)
	stagingPath := filepath.Join(t.stagingDir, util.GenerateStagingName(filepath.Ext(filename)))
	f, err := os.OpenFile(stagingPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: create staging file: %v", ErrFetchFailed, err)
	}

	n, copyErr := io.Copy(f, io.LimitReader(resp.Body, t.maxBytes+1))
	closeErr := f.Close()
	switch {
	case copyErr != nil:
		err = fmt.Errorf("download interrupted: %v", copyErr)
	case n > t.maxBytes:
		err = fmt.Errorf("attachment exceeds %d bytes", t.maxBytes)
	case closeErr != nil:
		err = fmt.Errorf("close staging file: %v", closeErr)
	}
	if err != nil {
		if rmErr := os.Remove(stagingPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			slog.Warn("Transferer.Fetch: failed to remove partial staging file", "path", stagingPath, "error", rmErr)
		}
		slog.Warn("Transferer.Fetch: download failed", "url", redactURL(src.URL), "error", err)
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	slog.Debug("Transferer.Fetch: attachment staged", "filename", filename, "size", n, "path", stagingPath)
	return &Staged{Path: stagingPath, Filename: filename, Size: n}, nil
}

// resolveFilename picks the original filename from the source, the response or the URL.
func resolveFilename(src Source, resp *http.Response) string {
	if name := sanitizeFilename(src.Filename); name != "" {
		return name
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := sanitizeFilename(params["filename"]); name != "" {
				return name
			}
		}
	}
	if u, err := url.Parse(src.URL); err == nil {
		if name := sanitizeFilename(path.Base(u.Path)); name != "" && name != "." && name != "/" {
			return name
		}
	}
	if exts, _ := mime.ExtensionsByType(resp.Header.Get("Content-Type")); len(exts) > 0 {
		return "attachment" + exts[0]
	}
	return "attachment"
}

// sanitizeFilename strips directories and control characters from a filename.
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	if name == "." || name == "/" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
}

// redactURL drops the query string, which often carries tokens.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	u.User = nil
	return u.String()
}
