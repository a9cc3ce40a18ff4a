package chunker

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed chunk_sizes.yaml
var defaultSizeTable []byte

// SizeRule is one row of the chunk-size table.
type SizeRule struct {
	Provider      string `yaml:"provider"`
	LLMEnabled    bool   `yaml:"llm_enabled"`
	MaxTokens     int    `yaml:"max_tokens"`
	OverlapTokens int    `yaml:"overlap_tokens"`
}

// SizeDefault applies when no rule matches.
type SizeDefault struct {
	MaxTokens     int `yaml:"max_tokens"`
	OverlapTokens int `yaml:"overlap_tokens"`
}

// SizeTable maps {provider, llm enabled} to recommended chunk options.
type SizeTable struct {
	Default SizeDefault `yaml:"default"`
	Rules   []SizeRule  `yaml:"rules"`
}

// DefaultSizeTable returns the embedded table.
func DefaultSizeTable() (*SizeTable, error) {
	return ParseSizeTable(defaultSizeTable)
}

// LoadSizeTable reads a table from path, or the embedded table when path is
// empty.
func LoadSizeTable(path string) (*SizeTable, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultSizeTable()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	table, err := ParseSizeTable(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return table, nil
}

// ParseSizeTable decodes and validates a YAML table.
func ParseSizeTable(data []byte) (*SizeTable, error) {
	var table SizeTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, err
	}
	if table.Default.MaxTokens <= 0 {
		return nil, fmt.Errorf("default max_tokens must be positive")
	}
	if err := checkOverlap(table.Default.MaxTokens, table.Default.OverlapTokens); err != nil {
		return nil, fmt.Errorf("default: %w", err)
	}
	for i := range table.Rules {
		r := &table.Rules[i]
		r.Provider = strings.ToLower(strings.TrimSpace(r.Provider))
		if r.Provider == "" {
			return nil, fmt.Errorf("rule %d: provider is required", i)
		}
		if r.MaxTokens <= 0 {
			return nil, fmt.Errorf("rule %d (%s): max_tokens must be positive", i, r.Provider)
		}
		if err := checkOverlap(r.MaxTokens, r.OverlapTokens); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Provider, err)
		}
	}
	return &table, nil
}

func checkOverlap(maxTokens, overlap int) error {
	if overlap < 0 || overlap >= maxTokens {
		return fmt.Errorf("overlap_tokens %d must be in [0, %d)", overlap, maxTokens)
	}
	return nil
}

// Recommend returns the options for a provider. Provider names are matched
// case-insensitively.
func (t *SizeTable) Recommend(provider string, llmEnabled bool) Options {
	provider = strings.ToLower(strings.TrimSpace(provider))
	for _, r := range t.Rules {
		if r.Provider == provider && r.LLMEnabled == llmEnabled {
			return Options{MaxTokens: r.MaxTokens, OverlapTokens: r.OverlapTokens}
		}
	}
	return Options{MaxTokens: t.Default.MaxTokens, OverlapTokens: t.Default.OverlapTokens}
}
