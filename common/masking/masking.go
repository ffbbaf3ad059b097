package masking

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// PII kinds detected by the masker
const (
	KindEmail = "email"
	KindPhone = "phone"
	KindSSN   = "ssn"
	KindCard  = "card"
	KindIP    = "ip"
)

type pattern struct {
	kind string
	re   *regexp.Regexp
}

// Order matters: cards before phones, or a 16-digit card number gets
// carved up as phone fragments.
var patterns = []pattern{
	{KindEmail, regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{KindSSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{KindCard, regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`)},
	{KindPhone, regexp.MustCompile(`\b(?:\+?1[ \-.]?)?\(?\d{3}\)?[ \-.]\d{3}[ \-.]\d{4}\b`)},
	{KindIP, regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
}

// Match is one detected PII occurrence
type Match struct {
	Kind  string
	Value string
	Token string
}

// Mask replaces detected PII in free text with hashed tokens. The hash
// keeps tokens stable, so the same value masks identically across log
// lines and repeated occurrences stay correlatable.
func Mask(text string) string {
	masked, _ := MaskAndReport(text)
	return masked
}

// MaskAndReport masks PII and returns the matches found. The governance
// retroactive-PII guardrail uses the report to score violations.
func MaskAndReport(text string) (string, []Match) {
	var found []Match
	out := text
	for _, p := range patterns {
		out = p.re.ReplaceAllStringFunc(out, func(v string) string {
			if p.kind == KindIP && isPrivateIP(v) {
				return v
			}
			token := maskToken(p.kind, v)
			found = append(found, Match{Kind: p.kind, Value: v, Token: token})
			return token
		})
	}
	return out, found
}

// maskToken builds the replacement token from a short stable hash
func maskToken(kind, value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("[%s:%s]", strings.ToUpper(kind), hex.EncodeToString(sum[:])[:8])
}

// isPrivateIP reports whether the address is private, loopback, or
// otherwise non-routable; those stay unmasked
func isPrivateIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return true
	}
	return parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsUnspecified() || parsed.IsLinkLocalUnicast()
}
