package mapping

import (
	"regexp"
	"strconv"
	"time"
)

// Record is the persisted form of a mapping. It is what store
// backends serialize; the live Mapping is rebuilt from it on the
// response path.
type Record struct {
	ID         string           `json:"id"`
	Tenant     string           `json:"tenant"`
	CreatedAt  time.Time        `json:"created_at"`
	TTLSeconds int              `json:"ttl"`
	Entries    map[string]Entry `json:"entries"`
	Hashes     map[string]Entry `json:"hashes,omitempty"`
}

// ExpiresAt returns the moment the record leaves the store.
func (r Record) ExpiresAt() time.Time {
	return r.CreatedAt.Add(time.Duration(r.TTLSeconds) * time.Second)
}

// Record snapshots the mapping for persistence.
func (m *Mapping) Record(ttl time.Duration) Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := Record{
		ID:         m.id,
		Tenant:     m.tenant,
		CreatedAt:  m.createdAt,
		TTLSeconds: int(ttl / time.Second),
		Entries:    make(map[string]Entry, len(m.entries)),
	}
	for token, e := range m.entries {
		rec.Entries[token] = e
	}
	if len(m.hashes) > 0 {
		rec.Hashes = make(map[string]Entry, len(m.hashes))
		for digest, e := range m.hashes {
			rec.Hashes[digest] = e
		}
	}
	return rec
}

var placeholderNum = regexp.MustCompile(`^<([A-Z][A-Z0-9_]*)_([1-9][0-9]*)>$`)

// FromRecord rebuilds a live mapping from its persisted form. Counters
// are recovered from the placeholder tokens so further insertions stay
// dense.
func FromRecord(rec Record) *Mapping {
	m := &Mapping{
		id:        rec.ID,
		tenant:    rec.Tenant,
		createdAt: rec.CreatedAt,
		entries:   make(map[string]Entry, len(rec.Entries)),
		hashes:    make(map[string]Entry, len(rec.Hashes)),
		forward:   make(map[string]map[string]string),
		counters:  make(map[string]int),
	}
	for token, e := range rec.Entries {
		m.insertLocked(e.EntityType, e.Original, token, false)
		if g := placeholderNum.FindStringSubmatch(token); g != nil {
			if n, err := strconv.Atoi(g[2]); err == nil && n > m.counters[g[1]] {
				m.counters[g[1]] = n
			}
		}
	}
	for digest, e := range rec.Hashes {
		m.insertLocked(e.EntityType, e.Original, digest, true)
	}
	return m
}
