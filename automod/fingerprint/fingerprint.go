// Stable content fingerprints, used as dedupe keys and decision cache keys.
//
// A fingerprint is the hex-encoded SHA-256 digest of the canonicalized content and canonicalized URL, joined with a NUL separator. Canonicalization makes trivially different copies of the same item (whitespace, unicode composition, tracking query params) share a fingerprint. Title is intentionally not part of the fingerprint: feeds frequently rewrite titles for the same item.
package fingerprint

import (
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/veritas-labs/veritas/automod/keyword"

	"github.com/PuerkitoBio/purell"
	"github.com/minio/sha256-simd"
)

// Length of a fingerprint string, in hex characters.
const Size = sha256.Size * 2

var trackingParams = []string{
	"__s",
	"_ga",
	"campaign_id",
	"ceid",
	"fbclid",
	"gclid",
	"mc_eid",
	"mkt_tok",
	"msclkid",
	"utm_campaign",
	"utm_content",
	"utm_id",
	"utm_medium",
	"utm_source",
	"utm_term",
}

// Compute returns the fingerprint for a (content, url) pair. Never fails; empty content and empty URL are both valid inputs.
func Compute(content, rawURL string) string {
	h := sha256.New()
	h.Write([]byte(keyword.Canonicalize(content)))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeURL(rawURL)))
	return hex.EncodeToString(h.Sum(nil))
}

// aggressively normalizes URL, for dedupe and matching. it is possible the URL won't be directly functional after this normalization
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	clean, err := purell.NormalizeURLString(raw, purell.FlagsUsuallySafeGreedy|purell.FlagRemoveFragment|purell.FlagRemoveDuplicateSlashes|purell.FlagSortQuery)
	if err != nil {
		return raw
	}

	u, err := url.Parse(clean)
	if err != nil || u.RawQuery == "" {
		return clean
	}
	params := u.Query()
	for _, p := range trackingParams {
		params.Del(p)
	}
	u.RawQuery = params.Encode()
	return u.String()
}

// Reports whether the string has the shape of a fingerprint (lower-case hex of the right length).
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
