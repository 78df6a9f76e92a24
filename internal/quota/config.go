package quota

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type tenantsFile struct {
	Tenants []struct {
		Name   string `yaml:"name"`
		Limits Limits `yaml:",inline"`
	} `yaml:"tenants"`
}

// LoadTenants reads per-tenant limits from a YAML file:
//
//	tenants:
//	  - name: acme
//	    hourly: 100
//	    daily: 1000
//	    monthly: 10000
//
// An empty path yields no limits, which means every tenant is
// unmetered.
func LoadTenants(path string) (map[string]Limits, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenant config: %w", err)
	}
	var file tenantsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tenant config %s: %w", path, err)
	}

	limits := make(map[string]Limits, len(file.Tenants))
	for i, t := range file.Tenants {
		if t.Name == "" {
			return nil, fmt.Errorf("tenant config %s: entry %d has no name", path, i)
		}
		limits[t.Name] = t.Limits
	}
	return limits, nil
}
