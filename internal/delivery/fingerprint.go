package delivery

import (
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
)

const fingerprintMaxRunes = 512

// Fingerprint hashes normalized title+body so the same opportunity reposted
// under a different identity is still recognized as duplicate content.
//
// Normalization: lowercase, strip punctuation, collapse whitespace, truncate.
func Fingerprint(title, body string) string {
	norm := normalizeContent(title + " " + body)
	if norm == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(norm))
	return fmt.Sprintf("%016x", h.Sum64())
}

func normalizeContent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	runes := 0
	for _, r := range s {
		if runes >= fingerprintMaxRunes {
			break
		}
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			lastSpace = false
			runes++
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
				runes++
			}
		}
	}
	return strings.TrimSpace(b.String())
}
