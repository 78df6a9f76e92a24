package anonymize

import (
	"regexp"
	"strings"
)

var (
	anySpace   = regexp.MustCompile(`\s+`)
	phoneSep   = regexp.MustCompile(`[-—–()]`)
	digitGroup = regexp.MustCompile(`[-—–\s]`)
)

// NormalizeValue strips formatting variations from a PII value so
// equivalent spellings share one replacement: "138-0013-8000" and
// "138 0013 8000" normalize to the same key.
func NormalizeValue(value, entityType string) string {
	t := strings.ToUpper(entityType)
	normalized := anySpace.ReplaceAllString(value, "")

	if strings.Contains(t, "PHONE") {
		normalized = phoneSep.ReplaceAllString(normalized, "")
	}
	if strings.Contains(t, "ID_CARD") || strings.Contains(t, "IDCARD") ||
		strings.Contains(t, "CREDIT_CARD") {
		normalized = digitGroup.ReplaceAllString(normalized, "")
	}
	if strings.Contains(t, "EMAIL") {
		normalized = strings.ToLower(normalized)
	}
	return normalized
}
