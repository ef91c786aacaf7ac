// Text normalization helpers shared by keyword (substring) rules and content fingerprinting.
package keyword

import (
	"log/slog"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Canonical form of free-form text: unicode NFC, surrounding whitespace trimmed, and internal whitespace runs collapsed to a single space. Case is preserved.
func Canonicalize(text string) string {
	return strings.Join(strings.Fields(norm.NFC.String(text)), " ")
}

// Case-folded NFC form, for case-insensitive containment. Handles non-ASCII case pairs (eg, "ß" and "SS") which strings.ToLower does not. Whitespace is left exactly as given, so a pattern like " ass " only matches the standalone word.
//
// A cases.Caser is stateful, so one is created per call.
func Fold(text string) string {
	nfc := norm.NFC.String(text)
	folded, _, err := transform.String(cases.Fold(), nfc)
	if err != nil {
		slog.Warn("unicode case folding error", "err", err)
		return strings.ToLower(nfc)
	}
	return norm.NFC.String(folded)
}
