package deanonymize

import (
	"regexp"
	"strings"

	"pii-gateway/internal/mapping"
)

// DefaultMaxPlaceholderLen bounds how many trailing bytes a stream
// buffer may hold back while waiting for a placeholder to complete
// (long enough for <CREDIT_CARD_999>).
const DefaultMaxPlaceholderLen = 25

var (
	// completeAtStart matches a whole placeholder at the start of a
	// candidate tail.
	completeAtStart = regexp.MustCompile(`^<[A-Z_]+_[0-9]+>`)
	// potentialTail matches a tail that could still grow into a
	// placeholder: "<", "<PER", "<PERSON_", "<PERSON_1".
	potentialTail = regexp.MustCompile(`<[A-Z_]*[0-9]*$`)
)

// StreamBuffer restores placeholders in a chunked stream. Chunks may
// split a placeholder at any byte; the buffer holds back the smallest
// suffix that could still be a placeholder prefix and emits everything
// before it restored. In-stream restoration is exact-only: fuzzy
// variants are unbounded, so matching them would break the carry
// bound.
type StreamBuffer struct {
	d      *Deanonymizer
	m      *mapping.Mapping
	maxLen int
	carry  string
}

// NewStreamBuffer builds a buffer over one request's mapping. maxLen
// bounds the carry; values below the shortest possible placeholder
// fall back to DefaultMaxPlaceholderLen.
func NewStreamBuffer(d *Deanonymizer, m *mapping.Mapping, maxLen int) *StreamBuffer {
	if maxLen < len("<A_1>") {
		maxLen = DefaultMaxPlaceholderLen
	}
	return &StreamBuffer{d: d, m: m, maxLen: maxLen}
}

// Push appends a chunk and returns the restored text that is safe to
// emit. The return may be empty while a possible placeholder prefix is
// pending.
func (b *StreamBuffer) Push(chunk string) string {
	if chunk == "" {
		return ""
	}
	b.carry += chunk
	safe, remainder := b.splitSafe()
	b.carry = remainder
	return safe
}

// Flush restores and returns whatever is still buffered, verbatim for
// anything that never completed into a placeholder. Call once at
// stream end.
func (b *StreamBuffer) Flush() string {
	if b.carry == "" {
		return ""
	}
	out, _, _ := b.d.restoreExact(b.carry, b.m)
	b.carry = ""
	return out
}

// Pending returns the number of buffered bytes.
func (b *StreamBuffer) Pending() int { return len(b.carry) }

// splitSafe finds the boundary between text that can be restored and
// emitted now and a tail that must wait for more bytes.
func (b *StreamBuffer) splitSafe() (string, string) {
	if b.carry == "" {
		return "", ""
	}

	lastOpen := strings.LastIndex(b.carry, "<")
	if lastOpen == -1 {
		return b.restore(b.carry), ""
	}

	tail := b.carry[lastOpen:]

	if m := completeAtStart.FindString(tail); m != "" {
		// the final '<' opens a complete placeholder; check whether
		// text after it hides another, incomplete, opener
		endOfPlaceholder := lastOpen + len(m)
		if endOfPlaceholder < len(b.carry) {
			after := b.carry[endOfPlaceholder:]
			if nextOpen := strings.LastIndex(after, "<"); nextOpen != -1 {
				if !completeAtStart.MatchString(after[nextOpen:]) {
					cut := endOfPlaceholder + nextOpen
					return b.restore(b.carry[:cut]), b.carry[cut:]
				}
			}
		}
		return b.restore(b.carry), ""
	}

	if potentialTail.MatchString(tail) {
		if len(tail) > b.maxLen {
			// longer than any placeholder can be; emit everything
			return b.restore(b.carry), ""
		}
		if lastOpen == 0 {
			return "", b.carry
		}
		return b.restore(b.carry[:lastOpen]), tail
	}

	// the '<' is followed by something that is not placeholder shaped
	// (e.g. "<html>"); a closing '>' proves it never will be, otherwise
	// hold it only while it is short enough to still become one
	if !strings.Contains(tail, ">") && len(tail) < b.maxLen {
		if lastOpen == 0 {
			return "", b.carry
		}
		return b.restore(b.carry[:lastOpen]), tail
	}
	return b.restore(b.carry), ""
}

func (b *StreamBuffer) restore(text string) string {
	out, _, _ := b.d.restoreExact(text, b.m)
	return out
}
