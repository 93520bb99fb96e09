package consent

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// HashLocalizations computes the deterministic content hash for one version.
// Localizations are sorted by language before hashing so row storage order
// never affects the result; any content change produces a different hash.
func HashLocalizations(contentType ContentType, locs []Localization) string {
	sorted := make([]Localization, len(locs))
	copy(sorted, locs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Language < sorted[j].Language
	})

	var b strings.Builder
	for _, loc := range sorted {
		value := loc.InlineContent
		if contentType == ContentTypeURL {
			value = loc.DocumentURL
		}
		b.WriteString(loc.Language)
		b.WriteString(":")
		b.WriteString(value)
		b.WriteString("\n")
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// HashIP produces the salted IP digest stored as decision evidence. The raw
// address never reaches storage.
func HashIP(salt, ip string) string {
	sum := sha256.Sum256([]byte(salt + ":" + ip))
	return hex.EncodeToString(sum[:])
}
