// Package indexer discovers knowledge files, converts them in a bounded
// worker pool, loads the result into the vector collection and repository,
// and maintains the JSON index snapshot.
package indexer

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/thebtf/ragserve/internal/kberr"
)

// Converted is the outcome of turning a source file into indexable text.
type Converted struct {
	// Name is a human-readable document title.
	Name string
	// Markdown is the extracted text content.
	Markdown string
}

// Converter turns a file path into indexable text. Implementations must be
// safe for concurrent use; conversion of independent files runs in parallel.
// I/O failures should be reported with kind IOError so the pool retries
// them; anything else is treated as a permanent parse failure.
type Converter interface {
	Convert(ctx context.Context, path string) (Converted, error)
}

// MarkdownConverter is the default converter: the file is already markdown,
// so conversion is a read plus title extraction.
type MarkdownConverter struct{}

var _ Converter = MarkdownConverter{}

// Convert reads the file and derives the name from the first ATX heading,
// falling back to the file name without extension.
func (MarkdownConverter) Convert(ctx context.Context, path string) (Converted, error) {
	if err := ctx.Err(); err != nil {
		return Converted{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Converted{}, kberr.Wrap(kberr.IOError, err, "read %s", path)
	}

	content := string(data)
	name := firstHeading(content)
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return Converted{Name: name, Markdown: content}, nil
}

func firstHeading(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
		}
	}
	return ""
}
