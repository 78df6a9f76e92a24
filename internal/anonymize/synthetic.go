package anonymize

import (
	"crypto/sha256"
	"encoding/binary"
	"strings"
)

// Generator produces realistic fake values for the synthetic strategy.
// Generation is deterministic per (seed, entity type, value), and a
// ValueCache keeps fakes stable across restarts.
type Generator struct {
	seed  string
	cache ValueCache
}

// NewGenerator builds a generator. The seed isolates deployments: two
// gateways with different seeds produce unrelated fakes for the same
// original. cache may not be nil; use NewValueCache("") for in-memory.
func NewGenerator(seed string, cache ValueCache) *Generator {
	return &Generator{seed: seed, cache: cache}
}

// Generate returns the synthetic replacement for an original value,
// reusing a cached fake when the (type, normalized value) pair has
// been seen before.
func (g *Generator) Generate(entityType, original string) string {
	key := entityType + ":" + NormalizeValue(original, entityType)
	if fake, ok := g.cache.Get(key); ok {
		return fake
	}

	digest := sha256.Sum256([]byte(g.seed + ":" + key))
	var fake string
	t := strings.ToUpper(entityType)
	switch {
	case strings.Contains(t, "PERSON"):
		fake = g.fakeName(digest)
	case strings.Contains(t, "PHONE"):
		fake = fakePhone(original, digest)
	case strings.Contains(t, "EMAIL"):
		fake = g.fakeEmail(digest)
	default:
		fake = fakeShape(original, digest)
	}
	g.cache.Set(key, fake)
	return fake
}

// Close releases the value cache.
func (g *Generator) Close() error { return g.cache.Close() }

var (
	fakeGivenNames = []string{
		"Avery", "Blake", "Casey", "Devon", "Ellis", "Finley", "Harper",
		"Jordan", "Kendall", "Logan", "Morgan", "Parker", "Quinn", "Reese",
		"Rowan", "Sawyer", "Skyler", "Taylor",
	}
	fakeSurnames = []string{
		"Adler", "Barrett", "Calloway", "Draper", "Everett", "Fontaine",
		"Granger", "Holloway", "Ingram", "Keaton", "Lancaster", "Mercer",
		"Norwood", "Prescott", "Sinclair", "Thatcher", "Vance", "Whitfield",
	}
	fakeDomains = []string{"example.com", "example.org", "example.net"}
)

func (g *Generator) fakeName(digest [32]byte) string {
	given := fakeGivenNames[int(digest[0])%len(fakeGivenNames)]
	surname := fakeSurnames[int(digest[1])%len(fakeSurnames)]
	return given + " " + surname
}

func (g *Generator) fakeEmail(digest [32]byte) string {
	given := strings.ToLower(fakeGivenNames[int(digest[0])%len(fakeGivenNames)])
	n := binary.BigEndian.Uint16(digest[2:4]) % 1000
	domain := fakeDomains[int(digest[4])%len(fakeDomains)]
	var b strings.Builder
	b.WriteString(given)
	b.WriteByte('.')
	b.WriteString(strings.ToLower(fakeSurnames[int(digest[1])%len(fakeSurnames)]))
	if n > 0 {
		b.WriteByte('0' + byte(n/100%10))
		b.WriteByte('0' + byte(n/10%10))
	}
	b.WriteByte('@')
	b.WriteString(domain)
	return b.String()
}

// fakePhone keeps the original's separators but rewrites the digits
// into the reserved 555-01XX exchange so the fake can never collide
// with a real number.
func fakePhone(original string, digest [32]byte) string {
	replacement := []byte{'5', '5', '5', '0', '1'}
	replacement = append(replacement, hexDigitsToDecimal(digest[:], 5)...)

	var b strings.Builder
	i := 0
	// walk backwards so trailing digits come from the replacement tail,
	// preserving any country-code prefix as literal fives
	digitsNeeded := 0
	for _, r := range original {
		if r >= '0' && r <= '9' {
			digitsNeeded++
		}
	}
	pad := digitsNeeded - len(replacement)
	for j := 0; j < pad; j++ {
		replacement = append([]byte{'5'}, replacement...)
	}
	for _, r := range original {
		if r >= '0' && r <= '9' {
			if i < len(replacement) {
				b.WriteByte(replacement[i])
			} else {
				b.WriteByte('0' + digest[i%32]%10)
			}
			i++
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// fakeShape replaces every digit and letter deterministically while
// keeping separators and case, so IDs and unknown types keep their
// format.
func fakeShape(original string, digest [32]byte) string {
	var b strings.Builder
	i := 0
	for _, r := range original {
		d := digest[i%32]
		switch {
		case r >= '0' && r <= '9':
			b.WriteByte('0' + d%10)
		case r >= 'a' && r <= 'z':
			b.WriteByte('a' + d%26)
		case r >= 'A' && r <= 'Z':
			b.WriteByte('A' + d%26)
		default:
			b.WriteRune(r)
			continue
		}
		i++
	}
	return b.String()
}

func hexDigitsToDecimal(digest []byte, n int) []byte {
	out := make([]byte, 0, n)
	for i := 0; len(out) < n && i < len(digest); i++ {
		out = append(out, '0'+digest[i]%10)
	}
	return out
}
