// Package util provides small helpers shared across OpenChannel components.
package util

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateStagingName returns a collision-resistant file name for a staged attachment.
// It combines a nanosecond timestamp with random hex and keeps the given extension,
// e.g. "1718000000000000000-3fa9c2d1.pdf".
func GenerateStagingName(ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%d-%s%s", time.Now().UnixNano(), GenerateRandomHex(8), strings.ToLower(ext))
}

// GenerateEventID returns a correlation id for one relayed event.
func GenerateEventID() string {
	return "evt_" + uuid.NewString()
}
