// Package detect finds PII spans in text.
//
// Detectors are black boxes behind one interface; the Registry composes
// them, drops allowlisted terms, and resolves overlapping candidates
// into a canonical non-overlapping span list. Registries are immutable
// once built; hot reload publishes a whole new Registry via Provider.
package detect

import "sort"

// Span is a single detection: a half-open byte range [Start, End)
// tagged with an entity type and a confidence score in [0,1].
type Span struct {
	EntityType string
	Start      int
	End        int
	Score      float64
	Text       string
}

// Len returns the span length in bytes.
func (s Span) Len() int { return s.End - s.Start }

// overlaps reports whether two spans share any bytes.
func (s Span) overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Detector produces candidate spans for one entity type or pattern family.
type Detector interface {
	Name() string
	Detect(text string) []Span
}

// Registry composes detectors and allowlists into one detection pass.
// A Registry is immutable after construction and safe for concurrent use.
type Registry struct {
	detectors []Detector
	allowlist *Allowlist
}

// NewRegistry builds a registry over the given detectors. A nil
// allowlist means no exemptions.
func NewRegistry(detectors []Detector, allowlist *Allowlist) *Registry {
	if allowlist == nil {
		allowlist = NewAllowlist()
	}
	return &Registry{detectors: detectors, allowlist: allowlist}
}

// NewDefaultRegistry builds a registry with the built-in detector set
// and no allowlist entries.
func NewDefaultRegistry() *Registry {
	return NewRegistry(BuiltinDetectors(), nil)
}

// Detectors returns the registered detector names.
func (r *Registry) Detectors() []string {
	names := make([]string, 0, len(r.detectors))
	for _, d := range r.detectors {
		names = append(names, d.Name())
	}
	return names
}

// Allowlist returns the registry's allowlist.
func (r *Registry) Allowlist() *Allowlist { return r.allowlist }

// Detect runs every detector, drops allowlisted terms, resolves
// overlaps in favor of (higher score, longer span, earlier start), and
// returns the accepted spans ordered by start offset.
func (r *Registry) Detect(text string) []Span {
	if text == "" {
		return nil
	}

	var candidates []Span
	for _, d := range r.detectors {
		candidates = append(candidates, d.Detect(text)...)
	}
	if len(candidates) == 0 {
		return nil
	}

	filtered := candidates[:0]
	for _, c := range candidates {
		if r.allowlist.Contains(c.EntityType, c.Text) {
			continue
		}
		filtered = append(filtered, c)
	}

	sort.Slice(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Len() != b.Len() {
			return a.Len() > b.Len()
		}
		return a.Start < b.Start
	})

	var accepted []Span
	for _, c := range filtered {
		ok := true
		for _, a := range accepted {
			if c.overlaps(a) {
				ok = false
				break
			}
		}
		if ok {
			accepted = append(accepted, c)
		}
	}

	sort.Slice(accepted, func(i, j int) bool { return accepted[i].Start < accepted[j].Start })
	return accepted
}
