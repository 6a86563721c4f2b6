// Package fingerprint turns raw opportunity text into a stable exact-match
// key. Two texts that normalize identically always fingerprint identically,
// across processes and restarts.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NoFingerprint is the sentinel key for text whose normalization is empty.
// Sentinel records are never matched against each other or any concept; the
// caller treats them as always-unique.
const NoFingerprint = "no-fingerprint"

// ErrNoFingerprint marks unusable text. Non-fatal: the record proceeds as
// always-unique, and the condition is logged as a data-quality event.
var ErrNoFingerprint = eris.New("fingerprint: normalized text is empty")

// boilerplatePrefixes are lead-ins that carry no semantic content and are
// stripped repeatedly from the front of the text before hashing.
var boilerplatePrefixes = []string{
	"idea:",
	"business idea:",
	"opportunity:",
	"startup idea:",
	"someone should build",
	"somebody should build",
	"i wish there was",
	"i wish someone would make",
	"why is there no",
}

// Generator normalizes and hashes opportunity text. Safe for concurrent use
// once constructed; the synonym table is read-only after New.
type Generator struct {
	synonyms map[string]string
	fold     transform.Transformer
}

// New creates a Generator with the given synonym table merged over the
// built-in defaults. Keys and values are single lowercase tokens.
func New(synonyms map[string]string) *Generator {
	merged := make(map[string]string, len(defaultSynonyms)+len(synonyms))
	for k, v := range defaultSynonyms {
		merged[k] = v
	}
	for k, v := range synonyms {
		merged[strings.ToLower(k)] = strings.ToLower(v)
	}
	return &Generator{
		synonyms: merged,
		// NFKD fold + combining-mark strip, so "café" and "cafe" agree.
		fold: transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC),
	}
}

// Normalize lowercases, strips boilerplate prefixes, folds Unicode, replaces
// punctuation with spaces, collapses whitespace, and maps synonym tokens to
// their canonical form.
func (g *Generator) Normalize(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))

	for stripped := true; stripped; {
		stripped = false
		for _, prefix := range boilerplatePrefixes {
			if strings.HasPrefix(s, prefix) {
				s = strings.TrimSpace(s[len(prefix):])
				stripped = true
			}
		}
	}

	if folded, _, err := transform.String(g.fold, s); err == nil {
		s = folded
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}

	tokens := strings.Fields(b.String())
	for i, tok := range tokens {
		if canonical, ok := g.synonyms[tok]; ok {
			tokens[i] = canonical
		}
	}

	return strings.Join(tokens, " ")
}

// Fingerprint returns the deterministic exact-match key for text: a SHA-256
// digest of the normalized form, hex-encoded. If normalization yields an
// empty string it returns the NoFingerprint sentinel and ErrNoFingerprint.
func (g *Generator) Fingerprint(text string) (string, error) {
	normalized := g.Normalize(text)
	if normalized == "" {
		zap.L().Warn("unfingerprintable text",
			zap.Int("raw_len", len(text)),
		)
		return NoFingerprint, ErrNoFingerprint
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:]), nil
}
