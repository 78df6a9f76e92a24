package anonymize

import (
	"fmt"

	"pii-gateway/internal/detect"
)

// Policy maps entity types to strategies. The zero value is unusable;
// build one with a preset constructor or NewPolicy.
type Policy struct {
	strategies map[string]Strategy
	fallback   Strategy
}

// NewPolicy builds a policy from an explicit table. Unlisted entity
// types use the fallback strategy.
func NewPolicy(strategies map[string]Strategy, fallback Strategy) *Policy {
	table := make(map[string]Strategy, len(strategies))
	for t, s := range strategies {
		table[t] = s
	}
	return &Policy{strategies: table, fallback: fallback}
}

// StrategyFor returns the strategy applied to an entity type.
func (p *Policy) StrategyFor(entityType string) Strategy {
	if s, ok := p.strategies[entityType]; ok {
		return s
	}
	return p.fallback
}

// Override sets the strategy for one entity type, as loaded from a
// custom pattern definition.
func (p *Policy) Override(entityType string, s Strategy) {
	p.strategies[entityType] = s
}

// PresetPolicy returns the strategy table for a compliance preset.
//
//	default  keeps names, phones and emails as placeholders and masks
//	         structured identifiers.
//	gdpr     like default but card and ID numbers are redacted outright.
//	strict   hashes contact data, redacts identifiers, and redacts
//	         unknown entity types instead of tokenizing them.
func PresetPolicy(preset string) (*Policy, error) {
	switch preset {
	case "", "default":
		return NewPolicy(map[string]Strategy{
			detect.TypePerson:     StrategyPlaceholder,
			detect.TypePhone:      StrategyPlaceholder,
			detect.TypeEmail:      StrategyPlaceholder,
			detect.TypeCreditCard: StrategyMask,
			detect.TypeIDCard:     StrategyMask,
			detect.TypeIP:         StrategyMask,
		}, StrategyPlaceholder), nil
	case "gdpr":
		return NewPolicy(map[string]Strategy{
			detect.TypePerson:     StrategyPlaceholder,
			detect.TypePhone:      StrategyPlaceholder,
			detect.TypeEmail:      StrategyPlaceholder,
			detect.TypeCreditCard: StrategyRedact,
			detect.TypeIDCard:     StrategyRedact,
			detect.TypeIP:         StrategyMask,
		}, StrategyPlaceholder), nil
	case "strict":
		return NewPolicy(map[string]Strategy{
			detect.TypePerson:     StrategyPlaceholder,
			detect.TypePhone:      StrategyHash,
			detect.TypeEmail:      StrategyHash,
			detect.TypeCreditCard: StrategyRedact,
			detect.TypeIDCard:     StrategyRedact,
			detect.TypeIP:         StrategyRedact,
		}, StrategyRedact), nil
	}
	return nil, fmt.Errorf("unknown compliance preset %q", preset)
}
