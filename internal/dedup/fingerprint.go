// Package dedup computes content fingerprints and keeps the ledger of what
// has already been mirrored.
package dedup

import (
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/dmitrijs2005/crosspost/internal/models"
	"github.com/zeebo/blake3"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// fingerprintContext separates fingerprint digests from any other use of
// blake3. Changing it invalidates every stored record.
const fingerprintContext = "crosspost 2024-06 content fingerprint v1"

// Fingerprint returns the digest of the normalized text and the sorted set
// of media identifiers of item. Items that differ only in surrounding or
// repeated whitespace, Unicode composition or letter case share a
// fingerprint.
func Fingerprint(item models.ContentItem) models.Fingerprint {
	h := blake3.NewDeriveKey(fingerprintContext)
	writePart(h, NormalizeText(item.Text))

	keys := make([]string, 0, len(item.Media))
	for _, m := range item.Media {
		keys = append(keys, m.Key())
	}
	sort.Strings(keys)
	for _, k := range keys {
		writePart(h, k)
	}

	return models.Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// NormalizeText applies NFC, case folding and whitespace collapsing. Both
// supported platforms treat text case-insensitively for matching.
func NormalizeText(s string) string {
	s = norm.NFC.String(s)
	// cases.Caser is stateful, so one per call
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

func writePart(h *blake3.Hasher, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	_, _ = h.Write(n[:])
	_, _ = h.Write([]byte(s))
}
