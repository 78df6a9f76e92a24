// Package anonymize substitutes detected PII spans with wire-safe
// replacements and records the reversible ones in a request mapping.
package anonymize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Strategy selects how a detected value is rewritten.
type Strategy string

const (
	// StrategyPlaceholder substitutes <TYPE_N> tokens. Reversible.
	StrategyPlaceholder Strategy = "placeholder"
	// StrategySynthetic substitutes a realistic fake value. Reversible.
	StrategySynthetic Strategy = "synthetic"
	// StrategyHash substitutes a salted sha256 digest. Reversible via
	// the mapping's hash index.
	StrategyHash Strategy = "hash"
	// StrategyMask keeps the value's shape but stars the middle. Not
	// reversible.
	StrategyMask Strategy = "mask"
	// StrategyRedact substitutes a fixed marker. Not reversible.
	StrategyRedact Strategy = "redact"
)

// ParseStrategy validates a strategy name from configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(s)) {
	case StrategyPlaceholder, StrategySynthetic, StrategyHash, StrategyMask, StrategyRedact:
		return Strategy(strings.ToLower(s)), nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// Reversible reports whether the strategy's output can be restored.
func (s Strategy) Reversible() bool {
	switch s {
	case StrategyPlaceholder, StrategySynthetic, StrategyHash:
		return true
	}
	return false
}

const redactMarker = "[REDACTED]"

// hashValue returns the salted sha256 hex digest for a value. The
// salt defaults to the entity type so equal values of different types
// hash differently.
func hashValue(salt, value string) string {
	sum := sha256.Sum256([]byte(salt + ":" + value))
	return hex.EncodeToString(sum[:])
}

// maskValue stars the middle of a value with a shape chosen by entity
// type.
func maskValue(value, entityType string) string {
	t := strings.ToUpper(entityType)
	switch {
	case strings.Contains(t, "PHONE"):
		return maskPhone(value)
	case strings.Contains(t, "EMAIL"):
		return maskEmail(value)
	case strings.Contains(t, "ID_CARD") || strings.Contains(t, "IDCARD"):
		return maskIDCard(value)
	case strings.Contains(t, "CREDIT_CARD"):
		return maskCreditCard(value)
	}
	return maskGeneric(value)
}

func maskPhone(phone string) string {
	digits := onlyDigits(phone)
	if len(digits) >= 7 {
		return digits[:3] + "****" + digits[len(digits)-4:]
	}
	return strings.Repeat("*", len(phone))
}

func maskEmail(email string) string {
	at := strings.Index(email, "@")
	if at < 0 {
		return strings.Repeat("*", len(email))
	}
	local, domain := email[:at], email[at+1:]
	if len(local) <= 2 {
		return strings.Repeat("*", len(local)) + "@" + domain
	}
	return local[:1] + strings.Repeat("*", len(local)-2) + local[len(local)-1:] + "@" + domain
}

func maskIDCard(id string) string {
	var b strings.Builder
	for _, r := range id {
		if (r >= '0' && r <= '9') || r == 'X' || r == 'x' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) >= 10 {
		return digits[:6] + strings.Repeat("*", len(digits)-10) + digits[len(digits)-4:]
	}
	return strings.Repeat("*", len(id))
}

func maskCreditCard(card string) string {
	digits := onlyDigits(card)
	if len(digits) >= 8 {
		return digits[:4] + strings.Repeat("*", len(digits)-8) + digits[len(digits)-4:]
	}
	return strings.Repeat("*", len(card))
}

func maskGeneric(value string) string {
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	show := len(value) / 4
	if show < 1 {
		show = 1
	}
	return value[:show] + strings.Repeat("*", len(value)-2*show) + value[len(value)-show:]
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
