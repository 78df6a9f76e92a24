package anonymize

import (
	"strings"

	"go.uber.org/zap"

	"pii-gateway/internal/detect"
	"pii-gateway/internal/mapping"
)

// Result carries one anonymization pass over a text.
type Result struct {
	Text  string
	Spans []detect.Span
}

// Anonymizer rewrites detected PII spans according to a policy and
// records the reversible substitutions in the request mapping.
type Anonymizer struct {
	policy    *Policy
	generator *Generator
	log       *zap.Logger
}

// New builds an anonymizer. generator may be nil when the policy never
// selects the synthetic strategy.
func New(policy *Policy, generator *Generator, log *zap.Logger) *Anonymizer {
	return &Anonymizer{policy: policy, generator: generator, log: log}
}

// Anonymize replaces every span the registry detects in text, using m
// for token allocation and dedup. Spans are processed in appearance
// order so placeholder numbers follow the reading order of the text.
func (a *Anonymizer) Anonymize(text string, reg *detect.Registry, m *mapping.Mapping) Result {
	spans := reg.Detect(text)
	if len(spans) == 0 {
		return Result{Text: text}
	}

	var b strings.Builder
	last := 0
	for _, span := range spans {
		b.WriteString(text[last:span.Start])
		b.WriteString(a.replacementFor(span, m))
		last = span.End
	}
	b.WriteString(text[last:])

	a.log.Debug("anonymized text",
		zap.Int("spans", len(spans)),
		zap.Int("mapping_entries", m.Len()))
	return Result{Text: b.String(), Spans: spans}
}

// replacementFor picks the wire form for one span. Formatting variants
// of a value share a replacement through the normalized alias.
func (a *Anonymizer) replacementFor(span detect.Span, m *mapping.Mapping) string {
	value := strings.TrimSpace(span.Text)
	if value == "" {
		return span.Text
	}
	norm := NormalizeValue(value, span.EntityType)
	if token, ok := m.TokenFor(span.EntityType, norm); ok {
		return token
	}

	strategy := a.policy.StrategyFor(span.EntityType)
	var replacement string
	switch strategy {
	case StrategySynthetic:
		if a.generator == nil {
			replacement = m.NextPlaceholder(span.EntityType, value)
		} else {
			replacement = a.generator.Generate(span.EntityType, value)
			m.InsertToken(span.EntityType, value, replacement)
		}
	case StrategyHash:
		replacement = hashValue(span.EntityType, value)
		m.InsertHash(span.EntityType, value, replacement)
	case StrategyMask:
		replacement = maskValue(value, span.EntityType)
	case StrategyRedact:
		replacement = redactMarker
	default:
		replacement = m.NextPlaceholder(span.EntityType, value)
	}

	if strategy.Reversible() {
		m.RegisterAlias(span.EntityType, norm, replacement)
	}
	// keep any leading/trailing whitespace the detector captured
	if value != span.Text {
		replacement = strings.Replace(span.Text, value, replacement, 1)
	}
	return replacement
}
