package util

import "testing"

func TestExtensionForContentType(t *testing.T) {
	tests := map[string]string{
		"image/jpeg":                ".jpg",
		"image/png":                 ".png",
		"audio/ogg; codecs=opus":    ".ogg",
		"application/pdf":           ".pdf",
		"":                          "",
		"not a type":                "",
		"application/x-openchannel": "",
	}
	for in, want := range tests {
		if got := ExtensionForContentType(in); got != want {
			t.Errorf("ExtensionForContentType(%q) = %q, want %q", in, got, want)
		}
	}
}
