package classifier

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/veritas-labs/veritas/models"
)

var KnownCategories = []string{"sexual", "violent", "criminal", "hate", "other"}

const promptTemplate = `You are a strict content moderation agent. Analyze the text and determine whether it is allowed.
Return ONLY a valid JSON object with keys:
- allowed: boolean
- categories: array of strings (possible values: %s)
- reason: short string
- confidence: number between 0.0 and 1.0, how certain you are of the verdict

TITLE: %s
URL: %s
CONTENT: %s
Rules:
1) Output only JSON.
2) If unsure, block conservatively and report a low confidence.
`

// Truncates s to at most n runes.
func Excerpt(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func BuildPrompt(req Request, titleChars, contentChars int) string {
	cats := make([]string, len(KnownCategories))
	for i, c := range KnownCategories {
		cats[i] = quote(c)
	}
	return fmt.Sprintf(promptTemplate,
		strings.Join(cats, ","),
		quote(Excerpt(req.Title, titleChars)),
		quote(req.URL),
		quote(Excerpt(req.Content, contentChars)),
	)
}

type verdictJSON struct {
	Allowed    *bool    `json:"allowed"`
	Categories []string `json:"categories"`
	Reason     string   `json:"reason"`
	Confidence *float64 `json:"confidence"`
}

// Parses model output text into a Verdict. Tolerates markdown code fences and prose around the JSON object. The returned Verdict always carries the raw text, even on error.
func ParseVerdict(raw string) (*Verdict, error) {
	v := &Verdict{RawResponse: raw}
	obj := extractObject(raw)
	if obj == "" {
		return v, fmt.Errorf("%w: no JSON object found", ErrMalformed)
	}
	var out verdictJSON
	if err := json.Unmarshal([]byte(obj), &out); err != nil {
		return v, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if out.Allowed == nil {
		return v, fmt.Errorf("%w: missing 'allowed'", ErrMalformed)
	}
	if out.Confidence != nil && (*out.Confidence < 0 || *out.Confidence > 1) {
		return v, fmt.Errorf("%w: confidence out of range: %v", ErrMalformed, *out.Confidence)
	}
	v.Allowed = *out.Allowed
	v.Categories = models.NewCategories(out.Categories...)
	v.Reason = strings.TrimSpace(out.Reason)
	v.Confidence = out.Confidence
	return v, nil
}

// Returns the first balanced {...} span of s, respecting JSON string quoting, or "".
func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
