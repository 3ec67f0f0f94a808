package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// InputQA is one externally validated question/answer pair as it appears in
// the input file. Concepts name the concept texts the answer addresses; they
// are resolved to canonical node ids after expansion.
type InputQA struct {
	Question string   `yaml:"question"`
	Answer   string   `yaml:"answer"`
	Concepts []string `yaml:"concepts"`
}

// PipelineInput is the upstream payload for one run: seed concepts, facts per
// product, and validated QA items. All of it is produced by out-of-scope
// extraction stages.
type PipelineInput struct {
	Seeds []string            `yaml:"seeds"`
	Facts map[string][]string `yaml:"facts"`
	QA    []InputQA           `yaml:"qa"`
}

func LoadInput(path string) (PipelineInput, error) {
	var in PipelineInput
	raw, err := os.ReadFile(path)
	if err != nil {
		return in, fmt.Errorf("input: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &in); err != nil {
		return in, fmt.Errorf("input: parse %s: %w", path, err)
	}

	seeds := make([]string, 0, len(in.Seeds))
	seen := map[string]bool{}
	for _, s := range in.Seeds {
		s = strings.TrimSpace(s)
		if s == "" || seen[strings.ToLower(s)] {
			continue
		}
		seen[strings.ToLower(s)] = true
		seeds = append(seeds, s)
	}
	in.Seeds = seeds

	if len(in.Seeds) == 0 {
		return in, fmt.Errorf("input: %s contains no seed concepts", path)
	}
	return in, nil
}
