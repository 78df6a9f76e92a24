package detect

import (
	"regexp"
	"strings"
)

// Canonical entity type names used by the built-in detectors.
const (
	TypePerson     = "PERSON"
	TypeEmail      = "EMAIL"
	TypePhone      = "PHONE"
	TypeIDCard     = "ID_CARD"
	TypeCreditCard = "CREDIT_CARD"
	TypeIP         = "IP"
)

// regexDetector matches one compiled pattern and tags spans with a
// fixed entity type and score.
type regexDetector struct {
	name       string
	entityType string
	re         *regexp.Regexp
	score      float64
	// accept, when set, vetoes individual matches (checksum filters).
	accept func(match string) bool
}

func (d *regexDetector) Name() string { return d.name }

func (d *regexDetector) Detect(text string) []Span {
	var spans []Span
	for _, loc := range d.re.FindAllStringIndex(text, -1) {
		match := text[loc[0]:loc[1]]
		if d.accept != nil && !d.accept(match) {
			continue
		}
		spans = append(spans, Span{
			EntityType: d.entityType,
			Start:      loc[0],
			End:        loc[1],
			Score:      d.score,
			Text:       match,
		})
	}
	return spans
}

// BuiltinDetectors returns the default detector set: structured
// patterns plus the dictionary-based person detector.
func BuiltinDetectors() []Detector {
	return []Detector{
		&regexDetector{
			name:       "email",
			entityType: TypeEmail,
			re:         regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
			score:      1.0,
		},
		&regexDetector{
			name:       "phone",
			entityType: TypePhone,
			re:         regexp.MustCompile(`(\+?1?[\-.\s]?)?\(?([0-9]{3})\)?[\-.\s]?([0-9]{3})[\-.\s]?([0-9]{4})\b`),
			score:      0.9,
		},
		&regexDetector{
			name:       "ssn",
			entityType: TypeIDCard,
			re:         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			score:      0.9,
		},
		&regexDetector{
			name:       "credit_card",
			entityType: TypeCreditCard,
			re:         regexp.MustCompile(`\b(?:\d{4}[\-\s]?){3}\d{4}\b`),
			score:      1.0,
			accept:     luhnValid,
		},
		&regexDetector{
			name:       "ip_address",
			entityType: TypeIP,
			re:         regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`),
			score:      0.95,
		},
		newPersonDetector(),
	}
}

// luhnValid reports whether the digits of match pass the Luhn checksum.
// Filters out sequential numbers the credit card regex would otherwise flag.
func luhnValid(match string) bool {
	var digits []int
	for _, r := range match {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// personDetector matches capitalized words against a dictionary of
// common given names, extending over an immediately following
// capitalized surname. Context-free name detection is inherently
// heuristic; the dictionary keeps precision high at the cost of recall.
type personDetector struct {
	re      *regexp.Regexp
	surname *regexp.Regexp
	names   map[string]struct{}
}

var commonGivenNames = []string{
	"james", "john", "robert", "michael", "william", "david", "richard",
	"joseph", "thomas", "charles", "daniel", "matthew", "anthony", "mark",
	"paul", "steven", "andrew", "kenneth", "george", "joshua", "kevin",
	"brian", "edward", "ronald", "timothy", "jason", "jeffrey", "ryan",
	"jacob", "peter", "henry", "jack", "tom", "sam", "alex", "max",
	"mary", "patricia", "jennifer", "linda", "elizabeth", "barbara",
	"susan", "jessica", "sarah", "karen", "nancy", "lisa", "margaret",
	"sandra", "ashley", "emily", "donna", "michelle", "carol", "amanda",
	"melissa", "deborah", "laura", "anna", "kate", "alice", "emma",
	"olivia", "grace", "sophia", "chloe", "lucy", "eve", "bob", "carlos",
	"maria", "ahmed", "wei", "yuki", "raj", "priya", "ivan", "elena",
}

func newPersonDetector() *personDetector {
	names := make(map[string]struct{}, len(commonGivenNames))
	for _, n := range commonGivenNames {
		names[n] = struct{}{}
	}
	return &personDetector{
		re:      regexp.MustCompile(`\b[A-Z][a-z]+\b`),
		surname: regexp.MustCompile(`^ [A-Z][a-z]+\b`),
		names:   names,
	}
}

func (d *personDetector) Name() string { return "person" }

func (d *personDetector) Detect(text string) []Span {
	var spans []Span
	for _, loc := range d.re.FindAllStringIndex(text, -1) {
		word := text[loc[0]:loc[1]]
		if _, ok := d.names[strings.ToLower(word)]; !ok {
			continue
		}
		end := loc[1]
		// extend over an immediately following capitalized surname
		if m := d.surname.FindStringIndex(text[end:]); m != nil {
			end += m[1]
		}
		spans = append(spans, Span{
			EntityType: TypePerson,
			Start:      loc[0],
			End:        end,
			Score:      0.85,
			Text:       text[loc[0]:end],
		})
	}
	return spans
}
