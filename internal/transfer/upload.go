package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
)

// uploadResponse is the destination's reply; the id may be a string or a number.
type uploadResponse struct {
	ID json.RawMessage `json:"id"`
}

func (r uploadResponse) id() string {
	raw := bytes.TrimSpace(r.ID)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return string(raw)
}

// Upload streams a staged file to dst as multipart/form-data and returns the assigned id.
// Errors wrap ErrUploadFailed. The staged file is left for the caller to remove.
func (t *Transferer) Upload(ctx context.Context, staged *Staged, dst Destination) (string, error) {
	if strings.TrimSpace(dst.URL) == "" {
		return "", fmt.Errorf("%w: destination URL is empty", ErrUploadFailed)
	}
	field := dst.FieldName
	if field == "" {
		field = DefaultFieldName
	}

	f, err := staged.Open()
	if err != nil {
		return "", fmt.Errorf("%w: open staging file: %v", ErrUploadFailed, err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	pr, pw := io.Pipe()
	// Closing the read side unblocks the writer goroutine if the request ends early.
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		defer pw.Close()

		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			escapeQuotes(field), escapeQuotes(staged.Filename)))
		header.Set("Content-Type", staged.ContentType())
		part, err := mw.CreatePart(header)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if err := mw.Close(); err != nil {
			_ = pw.CloseWithError(err)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dst.URL, pr)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrUploadFailed, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	if dst.Username != "" || dst.Password != "" {
		req.SetBasicAuth(dst.Username, dst.Password)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		slog.Warn("Transferer.Upload: request failed", "url", redactURL(dst.URL), "error", err)
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", ErrUploadFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("Transferer.Upload: destination returned error status", "url", redactURL(dst.URL), "status", resp.StatusCode)
		return "", fmt.Errorf("%w: destination returned HTTP %d: %s", ErrUploadFailed, resp.StatusCode, truncate(string(raw), 512))
	}

	var out uploadResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUploadFailed, err)
	}
	id := out.id()
	if id == "" {
		return "", fmt.Errorf("%w: destination response carried no id", ErrUploadFailed)
	}
	slog.Debug("Transferer.Upload: attachment uploaded", "filename", staged.Filename, "remote_id", id)
	return id, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
