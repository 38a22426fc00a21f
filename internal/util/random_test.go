package util

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateRandomHex(t *testing.T) {
	for _, n := range []int{-1, 0, 1, 8, 32} {
		got := GenerateRandomHex(n)
		want := n
		if want < 0 {
			want = 0
		}
		if len(got) != want {
			t.Errorf("GenerateRandomHex(%d) length = %d, want %d", n, len(got), want)
		}
		if !isValidHex(got) {
			t.Errorf("GenerateRandomHex(%d) = %q is not valid hex", n, got)
		}
	}
}

func TestGenerateStagingName(t *testing.T) {
	tests := []struct {
		ext     string
		wantExt string
	}{
		{ext: ".pdf", wantExt: ".pdf"},
		{ext: "PNG", wantExt: ".png"},
		{ext: "", wantExt: ""},
	}
	for _, tt := range tests {
		got := GenerateStagingName(tt.ext)
		if filepath.Ext(got) != tt.wantExt {
			t.Errorf("GenerateStagingName(%q) = %q, want extension %q", tt.ext, got, tt.wantExt)
		}
		if !strings.Contains(got, "-") {
			t.Errorf("GenerateStagingName(%q) = %q, want timestamp-random form", tt.ext, got)
		}
	}
}

func TestGenerateStagingNameUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		name := GenerateStagingName(".bin")
		if seen[name] {
			t.Fatalf("duplicate staging name generated: %s", name)
		}
		seen[name] = true
	}
}

func TestGenerateEventID(t *testing.T) {
	a, b := GenerateEventID(), GenerateEventID()
	if !strings.HasPrefix(a, "evt_") {
		t.Errorf("GenerateEventID() = %q, want evt_ prefix", a)
	}
	if a == b {
		t.Errorf("GenerateEventID() returned the same id twice: %q", a)
	}
}

func isValidHex(s string) bool {
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}
	return true
}
