package chunking

import (
	"bufio"
	"math"
	"strings"
)

// Break-type base scores. Higher score = stronger preference for splitting
// at that line.
const (
	scoreH1        = 100
	scoreH2        = 90
	scoreH3        = 80
	scoreCodeFence = 80
	scoreHR        = 60
	scoreBlank     = 20
)

// breakPoint pairs a 0-based line index with its effective score.
type breakPoint struct {
	line  int
	score float64
}

// splitMarkdown splits content at scored break points: headings, closing
// code fences, horizontal rules, and blank lines, with scores decayed by
// distance from ideal chunk boundaries so chunks stay roughly uniform.
func splitMarkdown(content string, cfg Config) []Chunk {
	lines := splitLines(content)

	// Convert the character budget to a line budget, ~80 chars per line.
	targetLines := cfg.Size / 80
	if targetLines < 10 {
		targetLines = 10
	}

	points := scanBreakPoints(lines, targetLines)
	if len(points) == 0 {
		return []Chunk{{
			Index:     0,
			Name:      extractHeading(lines),
			Content:   content,
			StartLine: 1,
			EndLine:   len(lines),
		}}
	}

	selected := selectBreaks(points, targetLines)

	var chunks []Chunk
	start := 0
	for _, bp := range selected {
		if bp <= start {
			continue
		}
		chunks = append(chunks, buildChunk(lines, start, bp, len(chunks)))
		start = bp
	}
	if start < len(lines) {
		chunks = append(chunks, buildChunk(lines, start, len(lines), len(chunks)))
	}
	return chunks
}

// scanBreakPoints scans lines and returns candidate break points.
//
// Scoring formula (squared-distance decay):
//
//	effectiveScore = baseScore * max(1 - (dist/window)^2 * 0.7, 0.3)
//
// where dist is the distance to the nearest multiple of targetLines and
// window is targetLines/2. Lines inside code fences are never candidates;
// the closing fence line itself is.
func scanBreakPoints(lines []string, targetLines int) []breakPoint {
	window := float64(targetLines) / 2.0

	var points []breakPoint
	inCodeFence := false

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inCodeFence = !inCodeFence
			if !inCodeFence {
				// Break after the closing fence so the block stays whole.
				points = append(points, breakPoint{
					line:  i + 1,
					score: applyDecay(scoreCodeFence, i+1, targetLines, window),
				})
			}
			continue
		}
		if inCodeFence {
			continue
		}

		var baseScore float64
		switch {
		case strings.HasPrefix(trimmed, "# "):
			baseScore = scoreH1
		case strings.HasPrefix(trimmed, "## "):
			baseScore = scoreH2
		case strings.HasPrefix(trimmed, "### "),
			strings.HasPrefix(trimmed, "#### "),
			strings.HasPrefix(trimmed, "##### "),
			strings.HasPrefix(trimmed, "###### "):
			baseScore = scoreH3
		case trimmed == "---" || trimmed == "***" || trimmed == "___":
			baseScore = scoreHR
		case trimmed == "":
			baseScore = scoreBlank
		default:
			continue
		}

		points = append(points, breakPoint{
			line:  i,
			score: applyDecay(baseScore, i, targetLines, window),
		})
	}
	return points
}

// applyDecay reduces baseScore by a squared-distance factor, clamped to 30%
// so poorly positioned strong breaks keep some preference.
func applyDecay(baseScore float64, lineIdx, targetLines int, window float64) float64 {
	if window <= 0 {
		return baseScore
	}
	remainder := lineIdx % targetLines
	dist := float64(remainder)
	if remainder > targetLines/2 {
		dist = float64(targetLines - remainder)
	}
	decay := 1.0 - math.Pow(dist/window, 2)*0.7
	if decay < 0.3 {
		decay = 0.3
	}
	return baseScore * decay
}

// selectBreaks greedily picks the highest-scoring break points that are at
// least targetLines/2 apart, returned in ascending line order.
func selectBreaks(points []breakPoint, targetLines int) []int {
	minGap := targetLines / 2
	if minGap < 5 {
		minGap = 5
	}

	sorted := make([]breakPoint, len(points))
	copy(sorted, points)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j].score > sorted[i].score ||
				(sorted[j].score == sorted[i].score && sorted[j].line < sorted[i].line) {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}

	var selected []int
	for _, bp := range sorted {
		tooClose := false
		for _, s := range selected {
			if absInt(bp.line-s) < minGap {
				tooClose = true
				break
			}
		}
		if !tooClose {
			selected = append(selected, bp.line)
		}
	}

	for i := 0; i < len(selected); i++ {
		for j := i + 1; j < len(selected); j++ {
			if selected[j] < selected[i] {
				selected[i], selected[j] = selected[j], selected[i]
			}
		}
	}
	return selected
}

// buildChunk constructs a Chunk from lines[start:end) with 1-based line
// numbers.
func buildChunk(lines []string, start, end, idx int) Chunk {
	chunkLines := lines[start:end]
	return Chunk{
		Index:     idx,
		Name:      extractHeading(chunkLines),
		Content:   strings.Join(chunkLines, "\n"),
		StartLine: start + 1,
		EndLine:   end,
	}
}

// extractHeading returns the text of the first ATX heading in lines.
func extractHeading(lines []string) string {
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		for _, prefix := range []string{"# ", "## ", "### ", "#### "} {
			if strings.HasPrefix(trimmed, prefix) {
				return strings.TrimPrefix(trimmed, prefix)
			}
		}
	}
	return ""
}

// splitLines preserves empty lines; a trailing newline does not produce an
// extra element.
func splitLines(content string) []string {
	scanner := bufio.NewScanner(strings.NewReader(content))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
