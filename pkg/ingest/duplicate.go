package ingest

import (
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/crypto/blake2b"

	"github.com/crocodilestick/cwa-core/pkg/librarygateway"
	"github.com/crocodilestick/cwa-core/pkg/models"
)

// leadingArticles are stripped during title normalization, per §4.E's
// "strip leading articles in the library language set". English-only:
// the library-language set itself is out of scope here (it lives in
// the inherited UI's locale config), so this core normalizes against
// the common-case set rather than guessing at a dynamic list.
var leadingArticles = []string{"the ", "a ", "an "}

// normalizeTitle lowercases, strips a leading article, collapses
// whitespace, and removes punctuation, so "The Hobbit" and "hobbit!"
// both fingerprint identically.
func normalizeTitle(title string) string {
	t := strings.ToLower(strings.TrimSpace(title))
	for _, article := range leadingArticles {
		if strings.HasPrefix(t, article) {
			t = t[len(article):]
			break
		}
	}

	var b strings.Builder
	lastWasSpace := false
	for _, r := range t {
		switch {
		case unicode.IsPunct(r):
			continue
		case unicode.IsSpace(r):
			if !lastWasSpace {
				b.WriteRune(' ')
			}
			lastWasSpace = true
		default:
			b.WriteRune(r)
			lastWasSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

// normalizeAuthorSurname takes the primary (first-listed) author's
// normalized surname — the last whitespace-separated token of the
// author string, lowercased.
func normalizeAuthorSurname(authors []string) string {
	if len(authors) == 0 {
		return ""
	}
	fields := strings.Fields(authors[0])
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

// fingerprint assembles the duplicate-detection key from whichever
// Settings.DuplicateDetection* keys are enabled, per §4.E. Two records
// with an identical, non-empty fingerprint are considered potential
// duplicates.
func fingerprint(s *models.Settings, rec librarygateway.BookRecord) string {
	var parts []string
	if s.DuplicateDetectionTitle {
		parts = append(parts, "t:"+normalizeTitle(rec.Title))
	}
	if s.DuplicateDetectionAuthor {
		parts = append(parts, "a:"+normalizeAuthorSurname(rec.Authors))
	}
	if s.DuplicateDetectionLanguage {
		parts = append(parts, "l:"+strings.Join(rec.Languages, ","))
	}
	if s.DuplicateDetectionSeries {
		parts = append(parts, "s:"+strings.ToLower(rec.Series))
	}
	if s.DuplicateDetectionPublisher {
		parts = append(parts, "p:"+strings.ToLower(rec.Publisher))
	}
	if s.DuplicateDetectionFormat {
		parts = append(parts, "f:"+strings.Join(rec.Formats, ","))
	}
	if len(parts) == 0 {
		return ""
	}

	// Hash the joined key material rather than comparing it directly:
	// a fixed-size digest keeps the comparison (and any future
	// persistence of the fingerprint) independent of how many
	// detection keys are enabled or how long any one of them is.
	sum := blake2b.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// findPotentialDuplicate reports whether any record in existing other
// than excludeID shares bookFingerprint, which fingerprint already
// reduced to "" if no keys are enabled (never a match).
func findPotentialDuplicate(bookFingerprint string, excludeID int, existing []librarygateway.BookRecord, s *models.Settings) bool {
	if bookFingerprint == "" {
		return false
	}
	for _, rec := range existing {
		if rec.ID == excludeID {
			continue
		}
		if fingerprint(s, rec) == bookFingerprint {
			return true
		}
	}
	return false
}
