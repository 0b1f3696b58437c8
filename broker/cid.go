// broker/cid.go
//
// Correlation tokens survive back-ends that echo comments but not
// custom fields: REST back-ends carry the token in a dedicated field,
// the file-IPC back-end embeds it in the order comment as cid:<token>.
package broker

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
)

var cidRe = regexp.MustCompile(`(?i)cid[:=]\s*([a-f0-9]{8,})`)

// NewCID returns a short random hex correlation token.
func NewCID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return hex.EncodeToString(b)
}

// AppendCID embeds a token into an order comment unless one is
// already present.
func AppendCID(comment, cid string) string {
	c := strings.TrimSpace(comment)
	if strings.Contains(c, "cid:") {
		return c
	}
	if c == "" {
		return "cid:" + cid
	}
	return c + " | cid:" + cid
}

// ExtractCID pulls a correlation token out of free text, or returns
// "" when none is embedded.
func ExtractCID(s string) string {
	m := cidRe.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}
