package chunking

import "strings"

// separators ordered from strongest to weakest. The empty string is the
// terminal fallback: split at the size boundary.
var separators = []string{"\n\n", "\n", ". ", " ", ""}

// splitRecursive splits content so every chunk is at most cfg.Size
// characters, preferring paragraph and sentence boundaries, then joins
// adjacent pieces back together with cfg.Overlap characters of overlap.
func splitRecursive(content string, cfg Config) []Chunk {
	pieces := splitBySize(content, cfg.Size, 0)
	merged := mergeWithOverlap(pieces, cfg.Size, cfg.Overlap)

	chunks := make([]Chunk, 0, len(merged))
	for _, piece := range merged {
		trimmed := strings.TrimSpace(piece)
		if trimmed == "" {
			continue
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Content: trimmed})
	}
	return chunks
}

// splitBySize recursively breaks text into pieces no longer than size,
// trying each separator in order.
func splitBySize(text string, size, sepIdx int) []string {
	if len(text) <= size {
		return []string{text}
	}
	if sepIdx >= len(separators) {
		return hardSplit(text, size)
	}
	sep := separators[sepIdx]
	if sep == "" {
		return hardSplit(text, size)
	}

	parts := strings.SplitAfter(text, sep)
	if len(parts) == 1 {
		return splitBySize(text, size, sepIdx+1)
	}

	var out []string
	for _, part := range parts {
		if len(part) <= size {
			out = append(out, part)
			continue
		}
		out = append(out, splitBySize(part, size, sepIdx+1)...)
	}
	return out
}

// hardSplit cuts text at exact size boundaries.
func hardSplit(text string, size int) []string {
	var out []string
	for len(text) > size {
		out = append(out, text[:size])
		text = text[size:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

// mergeWithOverlap packs small pieces into chunks up to size characters,
// carrying overlap characters of the previous chunk's tail into the next.
// A flushed chunk always contains at least one fresh piece, so overlap tails
// never surface as chunks of their own.
func mergeWithOverlap(pieces []string, size, overlap int) []string {
	var chunks []string
	var current string

	for _, piece := range pieces {
		if current != "" && len(current)+len(piece) > size {
			chunks = append(chunks, current)
			if overlap > 0 && len(current) > overlap {
				current = current[len(current)-overlap:] + piece
			} else {
				current = piece
			}
			continue
		}
		current += piece
	}
	if current != "" {
		chunks = append(chunks, current)
	}
	return chunks
}
