// Package secrets scans request text for credentials before it is
// anonymized or forwarded. PII can be tokenized and restored; a leaked
// API key cannot, so high-risk findings stop the request outright.
package secrets

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Action is the scanner's verdict for a text.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionWarn   Action = "warn"
	ActionRedact Action = "redact"
	ActionBlock  Action = "block"
)

// Finding is one matched secret.
type Finding struct {
	Type     string `json:"type"`
	Risk     string `json:"risk"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Redacted string `json:"redacted"`
}

// Result is the outcome of one scan. Text carries the input with
// redactions applied when Action is ActionRedact, the input verbatim
// otherwise.
type Result struct {
	Action   Action
	Findings []Finding
	Text     string
}

// Scanner checks text against the secret pattern table. The verdict
// for each risk level is fixed per compliance preset:
//
//	critical, high  block under every preset
//	medium          warn under default and gdpr, redact under strict
//	low             allow
type Scanner struct {
	enabled      bool
	mediumAction Action
	log          *zap.Logger
}

// NewScanner builds a scanner for the given compliance preset.
func NewScanner(enabled bool, preset string, log *zap.Logger) (*Scanner, error) {
	mediumAction := ActionWarn
	switch preset {
	case "", "default", "gdpr":
	case "strict":
		mediumAction = ActionRedact
	default:
		return nil, fmt.Errorf("unknown compliance preset %q", preset)
	}
	return &Scanner{enabled: enabled, mediumAction: mediumAction, log: log}, nil
}

// Scan inspects text and returns the verdict with all findings. A
// disabled scanner always allows.
func (s *Scanner) Scan(text string) Result {
	if !s.enabled || text == "" {
		return Result{Action: ActionAllow, Text: text}
	}

	type span struct {
		start, end int
		pat        pattern
	}
	var spans []span
	seen := make(map[string]struct{})
	for _, p := range patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			key := fmt.Sprintf("%d:%d:%s", loc[0], loc[1], p.name)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			spans = append(spans, span{start: loc[0], end: loc[1], pat: p})
		}
	}
	if len(spans) == 0 {
		return Result{Action: ActionAllow, Text: text}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	action := ActionAllow
	findings := make([]Finding, 0, len(spans))
	for _, sp := range spans {
		findings = append(findings, Finding{
			Type:     sp.pat.name,
			Risk:     sp.pat.risk.String(),
			Start:    sp.start,
			End:      sp.end,
			Redacted: redactSecret(text[sp.start:sp.end]),
		})
		if a := s.actionFor(sp.pat.risk); severity(a) > severity(action) {
			action = a
		}
	}

	out := text
	if action == ActionRedact {
		// back to front so earlier offsets stay valid
		for i := len(spans) - 1; i >= 0; i-- {
			sp := spans[i]
			out = out[:sp.start] + redactSecret(text[sp.start:sp.end]) + out[sp.end:]
		}
	}

	s.log.Warn("secrets detected in request",
		zap.String("action", string(action)),
		zap.Int("findings", len(findings)))
	return Result{Action: action, Findings: findings, Text: out}
}

func (s *Scanner) actionFor(r Risk) Action {
	switch r {
	case RiskCritical, RiskHigh:
		return ActionBlock
	case RiskMedium:
		return s.mediumAction
	}
	return ActionAllow
}

func severity(a Action) int {
	switch a {
	case ActionBlock:
		return 3
	case ActionRedact:
		return 2
	case ActionWarn:
		return 1
	}
	return 0
}

// redactSecret keeps the first and last four characters of a match so
// operators can recognize which credential leaked without logging it.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}
