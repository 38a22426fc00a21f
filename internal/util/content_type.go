package util

import (
	"mime"
	"strings"
)

// preferredExtensions pins the extension for types where mime.ExtensionsByType
// returns several candidates in an order that depends on the host's mime tables.
var preferredExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"audio/ogg":       ".ogg",
	"audio/mpeg":      ".mp3",
	"audio/amr":       ".amr",
	"video/mp4":       ".mp4",
	"application/pdf": ".pdf",
	"text/plain":      ".txt",
	"text/vcard":      ".vcf",
}

// ExtensionForContentType returns a file extension, including the dot, for a MIME type.
// It returns "" for unknown or empty types.
func ExtensionForContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	if ext, ok := preferredExtensions[mediaType]; ok {
		return ext
	}
	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return strings.ToLower(exts[0])
}
