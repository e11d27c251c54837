// Package chunking splits documents into overlapping pieces sized for
// embedding. Two strategies are available: a recursive character splitter
// for arbitrary text and a break-point scorer for markdown that prefers
// splitting at headings and fences.
package chunking

import (
	"strings"

	"github.com/thebtf/ragserve/internal/kberr"
)

// Strategy names accepted in configuration. Auto picks markdown for .md
// sources and recursive for everything else; the caller resolves it before
// splitting.
const (
	StrategyRecursive = "recursive"
	StrategyMarkdown  = "markdown"
	StrategyAuto      = "auto"
)

// Defaults for chunk sizing, in characters.
const (
	DefaultSize    = 1000
	DefaultOverlap = 200
)

// Chunk is one piece of a split document.
type Chunk struct {
	// Index is the 0-based position of the chunk within its document.
	Index int `json:"index"`
	// Name labels the chunk, e.g. the nearest markdown heading.
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
	// StartLine and EndLine are 1-based and only set by the markdown
	// strategy.
	StartLine int `json:"start_line,omitempty"`
	EndLine   int `json:"end_line,omitempty"`
}

// Config selects and parameterizes a splitting strategy.
type Config struct {
	// Size is the target chunk size in characters.
	Size int `json:"size" yaml:"size"`
	// Overlap is how many trailing characters each chunk shares with the
	// next. Must be smaller than Size.
	Overlap int `json:"overlap" yaml:"overlap"`
	// Strategy is "recursive" or "markdown".
	Strategy string `json:"strategy" yaml:"strategy"`
}

// DefaultConfig returns the standard recursive configuration.
func DefaultConfig() Config {
	return Config{Size: DefaultSize, Overlap: DefaultOverlap, Strategy: StrategyRecursive}
}

// Validate normalizes zero values and rejects impossible combinations.
func (c *Config) Validate() error {
	if c.Size == 0 {
		c.Size = DefaultSize
	}
	if c.Size < 0 {
		return kberr.New(kberr.ConfigError, "chunk size must be positive, got %d", c.Size)
	}
	if c.Overlap < 0 {
		return kberr.New(kberr.ConfigError, "chunk overlap must be non-negative, got %d", c.Overlap)
	}
	if c.Overlap >= c.Size {
		return kberr.New(kberr.ConfigError,
			"chunk overlap %d must be smaller than chunk size %d", c.Overlap, c.Size)
	}
	switch c.Strategy {
	case "":
		c.Strategy = StrategyRecursive
	case StrategyRecursive, StrategyMarkdown, StrategyAuto:
	default:
		return kberr.New(kberr.ConfigError, "unknown chunking strategy %q", c.Strategy)
	}
	return nil
}

// Resolve returns a concrete strategy for a source path: auto becomes
// markdown for .md/.mdx files and recursive otherwise.
func (c Config) Resolve(path string) Config {
	if c.Strategy != StrategyAuto {
		return c
	}
	resolved := c
	if strings.HasSuffix(path, ".md") || strings.HasSuffix(path, ".mdx") {
		resolved.Strategy = StrategyMarkdown
	} else {
		resolved.Strategy = StrategyRecursive
	}
	return resolved
}

// Split runs the configured strategy over content.
func Split(content string, cfg Config) ([]Chunk, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if content == "" {
		return []Chunk{}, nil
	}
	if cfg.Strategy == StrategyMarkdown {
		return splitMarkdown(content, cfg), nil
	}
	return splitRecursive(content, cfg), nil
}
