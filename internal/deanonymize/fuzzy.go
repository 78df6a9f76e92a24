package deanonymize

import (
	"regexp"
	"sort"
	"strings"

	"pii-gateway/internal/mapping"
)

type fuzzyKind int

const (
	kindCase fuzzyKind = iota
	kindWhitespace
	kindBracket
	kindSeparator
	kindBare
)

type fuzzyPattern struct {
	re   *regexp.Regexp
	kind fuzzyKind
	base float64
}

// fuzzyPatterns lists the placeholder variants models produce. The
// bare form carries the lowest base confidence and is the only one
// gated by the configured threshold.
var fuzzyPatterns = []fuzzyPattern{
	// mixed and lower case: <Person_1>, <person_1>
	{regexp.MustCompile(`(?i)<([a-z][a-z0-9_]*)_(\d+)>`), kindCase, 0.95},
	// stray spaces: < PERSON_1 >, <PERSON _1>, <PERSON_ 1>
	{regexp.MustCompile(`(?i)<\s*([A-Za-z][A-Za-z0-9_]*)\s*_\s*(\d+)\s*>`), kindWhitespace, 0.90},
	// space instead of underscore: <PERSON 1>
	{regexp.MustCompile(`(?i)<([A-Za-z][A-Za-z0-9_]*)\s+(\d+)>`), kindWhitespace, 0.90},
	// doubled braces before single ones: {{PERSON_1}}
	{regexp.MustCompile(`(?i)\{\{\s*([A-Za-z][A-Za-z0-9_]*)\s*[_\s]\s*(\d+)\s*\}\}`), kindBracket, 0.85},
	// square, curly, and round brackets
	{regexp.MustCompile(`(?i)\[\s*([A-Za-z][A-Za-z0-9_]*)\s*[_\s]\s*(\d+)\s*\]`), kindBracket, 0.85},
	{regexp.MustCompile(`(?i)\{\s*([A-Za-z][A-Za-z0-9_]*)\s*[_\s]\s*(\d+)\s*\}`), kindBracket, 0.85},
	{regexp.MustCompile(`(?i)\(\s*([A-Za-z][A-Za-z0-9_]*)\s*[_\s]\s*(\d+)\s*\)`), kindBracket, 0.85},
	// hyphen, colon, or hash instead of underscore
	{regexp.MustCompile(`(?i)<([A-Za-z][A-Za-z0-9_]*)[-:#](\d+)>`), kindSeparator, 0.90},
	// bare form with word boundaries: PERSON_1
	{regexp.MustCompile(`\b([A-Z][A-Z0-9_]*)_([1-9][0-9]*)\b`), kindBare, 0.85},
}

var entityTypeRE = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

type fuzzyMatch struct {
	start, end int
	original   string
	kind       fuzzyKind
}

// restoreFuzzy resolves placeholder variants against the mapping.
// Overlapping candidates are resolved longest-match-first; only the
// bare form is subject to the confidence threshold.
func (d *Deanonymizer) restoreFuzzy(text string, m *mapping.Mapping) (string, int) {
	var candidates []fuzzyMatch
	for _, p := range fuzzyPatterns {
		for _, loc := range p.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[0], loc[1]
			raw := text[start:end]
			entityType := strings.ToUpper(text[loc[2]:loc[3]])
			if !entityTypeRE.MatchString(entityType) {
				continue
			}
			token := "<" + entityType + "_" + text[loc[4]:loc[5]] + ">"
			entry, ok := m.Original(token)
			if !ok {
				continue
			}
			if p.kind == kindBare &&
				fuzzyConfidence(raw, token, p.base, p.kind) < d.threshold {
				continue
			}
			candidates = append(candidates, fuzzyMatch{
				start: start, end: end, original: entry.Original, kind: p.kind,
			})
		}
	}
	if len(candidates) == 0 {
		return text, 0
	}

	// longest wins on overlap; ties go to the earlier span
	sort.Slice(candidates, func(i, j int) bool {
		li, lj := candidates[i].end-candidates[i].start, candidates[j].end-candidates[j].start
		if li != lj {
			return li > lj
		}
		return candidates[i].start < candidates[j].start
	})
	var accepted []fuzzyMatch
	overlaps := func(a, b fuzzyMatch) bool { return a.start < b.end && b.start < a.end }
	for _, c := range candidates {
		clear := true
		for _, a := range accepted {
			if overlaps(c, a) {
				clear = false
				break
			}
		}
		if clear {
			accepted = append(accepted, c)
		}
	}

	sort.Slice(accepted, func(i, j int) bool { return accepted[i].start > accepted[j].start })
	out := text
	for _, fm := range accepted {
		out = out[:fm.start] + fm.original + out[fm.end:]
	}
	return out, len(accepted)
}

// fuzzyConfidence scores one variant against the canonical token.
// Penalties accumulate for deviations beyond what the pattern kind
// already accounts for.
func fuzzyConfidence(raw, normalized string, base float64, kind fuzzyKind) float64 {
	c := base

	if kind != kindCase && raw != strings.ToUpper(raw) && raw != strings.ToLower(raw) {
		c -= 0.05
	}
	if strings.Contains(raw, " ") && !strings.Contains(raw, "< ") {
		c -= 0.05
	}
	if extra := len(raw) - len(normalized); extra > 0 {
		penalty := float64(extra) * 0.02
		if penalty > 0.1 {
			penalty = 0.1
		}
		c -= penalty
	}
	if strings.HasPrefix(raw, "[") || strings.HasPrefix(raw, "{") {
		c -= 0.05
	}

	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
