package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Hash domains carry a version suffix so the algorithm can change without
// colliding with digests already stored.
const (
	DomainChunk  = "regaudit/chunk/v1"
	DomainSource = "regaudit/source/v1"
)

func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize returns the canonical form hashed for a chunk: NFC, LF line
// endings, no trailing whitespace per line, no leading or trailing blank lines.
func Normalize(text string) string {
	s := norm.NFC.String(text)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\f\v")
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}

// Hash returns the content digest of a chunk's text
func Hash(text string) string {
	return hashWithDomain(DomainChunk, []byte(Normalize(text)))
}

// SourceHash returns the digest of a whole source revision
func SourceHash(text string) string {
	return hashWithDomain(DomainSource, []byte(Normalize(text)))
}
