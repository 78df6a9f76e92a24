package detect

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Allowlist holds terms that must not be treated as PII, indexed
// case-insensitively per entity type. The wildcard type "*" applies to
// every entity type. An Allowlist is immutable after loading.
type Allowlist struct {
	// entity type -> lowercased term set
	entries map[string]map[string]struct{}
}

// NewAllowlist returns an empty allowlist.
func NewAllowlist() *Allowlist {
	return &Allowlist{entries: make(map[string]map[string]struct{})}
}

// Contains reports whether the term is exempt for the given entity type.
func (a *Allowlist) Contains(entityType, term string) bool {
	key := strings.ToLower(strings.TrimSpace(term))
	if set, ok := a.entries[entityType]; ok {
		if _, hit := set[key]; hit {
			return true
		}
	}
	if set, ok := a.entries["*"]; ok {
		if _, hit := set[key]; hit {
			return true
		}
	}
	return false
}

// Add inserts a term for the entity type.
func (a *Allowlist) Add(entityType, term string) {
	set, ok := a.entries[entityType]
	if !ok {
		set = make(map[string]struct{})
		a.entries[entityType] = set
	}
	set[strings.ToLower(strings.TrimSpace(term))] = struct{}{}
}

// Len returns the total number of allowlisted terms.
func (a *Allowlist) Len() int {
	n := 0
	for _, set := range a.entries {
		n += len(set)
	}
	return n
}

// Types returns the entity types with at least one entry.
func (a *Allowlist) Types() []string {
	types := make([]string, 0, len(a.entries))
	for t := range a.entries {
		types = append(types, t)
	}
	return types
}

// LoadAllowlistDir builds an allowlist from every *.txt file in dir.
// The file name (without extension) names the entity type; "#" lines
// are comments. A missing directory yields an empty allowlist.
func LoadAllowlistDir(dir string) (*Allowlist, error) {
	a := NewAllowlist()
	if dir == "" {
		return a, nil
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.txt"))
	if err != nil {
		return nil, err
	}
	for _, path := range files {
		entityType := inferEntityType(strings.TrimSuffix(filepath.Base(path), ".txt"))
		if err := loadAllowlistFile(a, entityType, path); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func loadAllowlistFile(a *Allowlist, entityType, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		a.Add(entityType, line)
	}
	return sc.Err()
}

// inferEntityType maps an allowlist file name to a canonical entity
// type. Unrecognized names apply to all types.
func inferEntityType(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "person") || strings.Contains(lower, "figure"):
		return TypePerson
	case strings.Contains(lower, "email"):
		return TypeEmail
	case strings.Contains(lower, "phone"):
		return TypePhone
	case strings.Contains(lower, "ip"):
		return TypeIP
	default:
		if isUpperSnake(name) {
			return name
		}
		return "*"
	}
}

func isUpperSnake(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
			return false
		}
	}
	return s[0] >= 'A' && s[0] <= 'Z'
}
