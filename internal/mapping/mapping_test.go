package mapping

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNextPlaceholder_DenseNumbering(t *testing.T) {
	m := New("acme")

	if got := m.NextPlaceholder("PERSON", "John Smith"); got != "<PERSON_1>" {
		t.Errorf("first person: got %q", got)
	}
	if got := m.NextPlaceholder("EMAIL", "john@example.com"); got != "<EMAIL_1>" {
		t.Errorf("first email: got %q", got)
	}
	if got := m.NextPlaceholder("PERSON", "Jane Doe"); got != "<PERSON_2>" {
		t.Errorf("second person: got %q", got)
	}
}

func TestNextPlaceholder_IdempotentPerValue(t *testing.T) {
	m := New("acme")

	first := m.NextPlaceholder("PERSON", "John Smith")
	second := m.NextPlaceholder("PERSON", "John Smith")
	if first != second {
		t.Errorf("same value got different tokens: %q vs %q", first, second)
	}
	if m.Len() != 1 {
		t.Errorf("repeat insert grew the mapping: len=%d", m.Len())
	}
	// the repeat must not burn a number
	if got := m.NextPlaceholder("PERSON", "Jane Doe"); got != "<PERSON_2>" {
		t.Errorf("numbering not dense after repeat: got %q", got)
	}
}

func TestOriginal_ResolvesAllTokenKinds(t *testing.T) {
	m := New("acme")
	m.NextPlaceholder("PERSON", "John Smith")
	m.InsertToken("PHONE", "555-123-4567", "555-987-1122")
	m.InsertHash("EMAIL", "john@example.com", "deadbeef")

	cases := map[string]string{
		"<PERSON_1>":   "John Smith",
		"555-987-1122": "555-123-4567",
		"deadbeef":     "john@example.com",
	}
	for token, want := range cases {
		e, ok := m.Original(token)
		if !ok || e.Original != want {
			t.Errorf("Original(%q) = %+v, %v", token, e, ok)
		}
	}
	if _, ok := m.Original("<PERSON_9>"); ok {
		t.Error("unknown token resolved")
	}
}

func TestRecord_RoundTrip(t *testing.T) {
	m := New("acme")
	m.NextPlaceholder("PERSON", "John Smith")
	m.NextPlaceholder("PERSON", "Jane Doe")
	m.InsertHash("EMAIL", "john@example.com", "deadbeef")

	rec := m.Record(5 * time.Minute)
	if rec.TTLSeconds != 300 {
		t.Errorf("ttl: got %d", rec.TTLSeconds)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Record
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	restored := FromRecord(decoded)
	if restored.ID() != m.ID() || restored.Tenant() != "acme" {
		t.Errorf("identity lost: id=%q tenant=%q", restored.ID(), restored.Tenant())
	}
	if e, ok := restored.Original("<PERSON_2>"); !ok || e.Original != "Jane Doe" {
		t.Errorf("placeholder lost in round trip: %+v, %v", e, ok)
	}
	if e, ok := restored.Original("deadbeef"); !ok || e.EntityType != "EMAIL" {
		t.Errorf("hash entry lost in round trip: %+v, %v", e, ok)
	}
	// counters recovered: next person continues after 2
	if got := restored.NextPlaceholder("PERSON", "Bob Lee"); got != "<PERSON_3>" {
		t.Errorf("counter not recovered: got %q", got)
	}
}

func TestRecord_ExpiresAt(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := Record{CreatedAt: created, TTLSeconds: 300}
	if want := created.Add(5 * time.Minute); !rec.ExpiresAt().Equal(want) {
		t.Errorf("expires: got %v, want %v", rec.ExpiresAt(), want)
	}
}

func TestMapping_UniqueIDs(t *testing.T) {
	a, b := New("acme"), New("acme")
	if a.ID() == b.ID() {
		t.Error("two mappings share an ID")
	}
}
