package detect

import (
	"fmt"
	"os"
	"regexp"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// PatternConfig describes one custom pattern from the YAML file.
type PatternConfig struct {
	Name       string   `yaml:"name"`
	EntityType string   `yaml:"entity_type"`
	Regex      string   `yaml:"regex"`
	Score      float64  `yaml:"score"`
	Strategy   string   `yaml:"strategy"`
	Context    []string `yaml:"context"`
}

type patternFile struct {
	Patterns []PatternConfig `yaml:"patterns"`
}

// LoadCustomPatterns reads custom pattern definitions from a YAML file
// and compiles them into detectors. Invalid entries are skipped with a
// warning; only file-level failures return an error. A missing path
// yields no detectors.
func LoadCustomPatterns(path string, log *zap.Logger) ([]Detector, []PatternConfig, error) {
	if path == "" {
		return nil, nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read pattern file: %w", err)
	}

	var file patternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, nil, fmt.Errorf("parse pattern file %s: %w", path, err)
	}

	var (
		detectors []Detector
		configs   []PatternConfig
	)
	for i, p := range file.Patterns {
		if p.Name == "" || p.EntityType == "" || p.Regex == "" {
			log.Warn("skipping incomplete custom pattern",
				zap.Int("index", i), zap.String("name", p.Name))
			continue
		}
		if p.Score == 0 {
			p.Score = 0.7
		}
		if p.Score < 0 || p.Score > 1 {
			log.Warn("skipping custom pattern with out-of-range score",
				zap.String("name", p.Name), zap.Float64("score", p.Score))
			continue
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			log.Warn("skipping custom pattern with invalid regex",
				zap.String("name", p.Name), zap.Error(err))
			continue
		}
		detectors = append(detectors, &regexDetector{
			name:       p.Name,
			entityType: p.EntityType,
			re:         re,
			score:      p.Score,
		})
		configs = append(configs, p)
	}
	return detectors, configs, nil
}
