// Package deanonymize restores original PII values into upstream
// responses: an exact pass for well-formed wire tokens, an optional
// fuzzy pass for placeholder variants the model mangled, and a stream
// buffer that keeps placeholders intact across chunk boundaries.
package deanonymize

import (
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"pii-gateway/internal/mapping"
)

// placeholderRE is the wire placeholder grammar: an upper-case type
// name, an underscore, and a number without leading zeros.
var placeholderRE = regexp.MustCompile(`<([A-Z][A-Z0-9_]*)_([1-9][0-9]*)>`)

// Result reports one restoration pass.
type Result struct {
	Text string
	// Replaced counts all substitutions, exact and fuzzy.
	Replaced int
	// Unresolved lists well-formed placeholders with no mapping entry.
	Unresolved []string
}

// Deanonymizer restores wire tokens back to their originals.
type Deanonymizer struct {
	fuzzyEnabled bool
	threshold    float64
	log          *zap.Logger
}

// New builds a deanonymizer. threshold gates fuzzy matches; exact
// matches always apply.
func New(fuzzyEnabled bool, threshold float64, log *zap.Logger) *Deanonymizer {
	return &Deanonymizer{fuzzyEnabled: fuzzyEnabled, threshold: threshold, log: log}
}

// Deanonymize restores every token from m found in text. The exact
// pass runs first; the fuzzy pass only sees what the exact pass left
// behind.
func (d *Deanonymizer) Deanonymize(text string, m *mapping.Mapping) Result {
	out, replaced, unresolved := d.restoreExact(text, m)

	if d.fuzzyEnabled {
		var fuzzy int
		out, fuzzy = d.restoreFuzzy(out, m)
		replaced += fuzzy
		if fuzzy > 0 {
			// a fuzzy hit may have resolved a variant of a placeholder
			// the exact pass reported as unresolved
			unresolved = filterResolved(unresolved, out)
		}
	}

	if len(unresolved) > 0 {
		d.log.Warn("unresolved placeholders in response",
			zap.Strings("placeholders", unresolved))
	}
	return Result{Text: out, Replaced: replaced, Unresolved: unresolved}
}

// restoreExact replaces grammar-conformant placeholders, then the
// remaining reversible tokens (synthetic values, hash digests) longest
// first so no token is clobbered by a substring of itself.
func (d *Deanonymizer) restoreExact(text string, m *mapping.Mapping) (string, int, []string) {
	replaced := 0
	var unresolved []string
	seen := make(map[string]struct{})

	out := placeholderRE.ReplaceAllStringFunc(text, func(token string) string {
		if e, ok := m.Original(token); ok {
			replaced++
			return e.Original
		}
		if _, dup := seen[token]; !dup {
			seen[token] = struct{}{}
			unresolved = append(unresolved, token)
		}
		return token
	})

	var plain []string
	for _, token := range m.Tokens() {
		if !isPlaceholder(token) {
			plain = append(plain, token)
		}
	}
	sort.Slice(plain, func(i, j int) bool {
		if len(plain[i]) != len(plain[j]) {
			return len(plain[i]) > len(plain[j])
		}
		return plain[i] < plain[j]
	})
	for _, token := range plain {
		n := strings.Count(out, token)
		if n == 0 {
			continue
		}
		e, _ := m.Original(token)
		out = strings.ReplaceAll(out, token, e.Original)
		replaced += n
	}
	return out, replaced, unresolved
}

func isPlaceholder(token string) bool {
	loc := placeholderRE.FindStringIndex(token)
	return loc != nil && loc[0] == 0 && loc[1] == len(token)
}

func filterResolved(unresolved []string, text string) []string {
	var still []string
	for _, token := range unresolved {
		if strings.Contains(text, token) {
			still = append(still, token)
		}
	}
	return still
}
