// Package matcher locates a search snippet inside file content across four
// layers of tolerance — exact, whitespace-insensitive, indentation-preserving,
// fuzzy — and proposes nearby candidates when no layer succeeds (§4.3/C5).
// It generalizes the teacher's single-shot fuzzy self-repair (normalize,
// retry, fall back to a best-effort snippet) into a layered, confidence-scored
// pipeline the edit_file gadget can report structured failures from.
package matcher

import (
	"fmt"
	"strings"
)

// Strategy names which layer produced a Match.
type Strategy string

const (
	StrategyExact              Strategy = "exact"
	StrategyWhitespace         Strategy = "whitespace_insensitive"
	StrategyIndentation        Strategy = "indentation_preserving"
	StrategyFuzzy              Strategy = "fuzzy"
)

// DefaultThreshold is the minimum fuzzy similarity accepted as a match.
const DefaultThreshold = 0.8

// DefaultMaxSuggestions bounds how many candidates Suggestions returns.
const DefaultMaxSuggestions = 3

// DefaultContextLines is how many lines of context surround a failure's
// formatted context block.
const DefaultContextLines = 5

// Match is a located occurrence of a search snippet within content.
type Match struct {
	Found          bool
	Strategy       Strategy
	Confidence     float64
	MatchedContent string
	StartIndex     int // byte offset, inclusive
	EndIndex       int // byte offset, exclusive
	StartLine      int // 1-based
	EndLine        int // 1-based, inclusive
}

// Suggestion is a near-miss candidate surfaced when Locate fails.
type Suggestion struct {
	Content    string
	LineNumber int // 1-based
	Similarity float64
}

// Matcher locates search snippets inside file content.
type Matcher struct {
	Threshold    float64
	MaxSuggestions int
	ContextLines int
}

// New builds a Matcher with the spec's default thresholds.
func New() *Matcher {
	return &Matcher{
		Threshold:      DefaultThreshold,
		MaxSuggestions: DefaultMaxSuggestions,
		ContextLines:   DefaultContextLines,
	}
}

// Locate tries each layer in order and returns the first that succeeds.
func (m *Matcher) Locate(content, search string) Match {
	if search == "" {
		return Match{Found: false}
	}

	if match, ok := locateExact(content, search); ok {
		return match
	}
	if match, ok := locateWhitespaceInsensitive(content, search); ok {
		return match
	}
	if match, ok := locateIndentationPreserving(content, search); ok {
		return match
	}
	if match, ok := m.locateFuzzy(content, search); ok {
		return match
	}
	return Match{Found: false}
}

func locateExact(content, search string) (Match, bool) {
	idx := strings.Index(content, search)
	if idx == -1 {
		return Match{}, false
	}
	end := idx + len(search)
	return Match{
		Found:          true,
		Strategy:       StrategyExact,
		Confidence:     1.0,
		MatchedContent: search,
		StartIndex:     idx,
		EndIndex:       end,
		StartLine:      lineAt(content, idx),
		EndLine:        lineAt(content, end-1),
	}, true
}

// locateWhitespaceInsensitive normalizes runs of horizontal whitespace to a
// single space on both sides (preserving newlines), then maps the matched
// normalized span back to an original-content byte range.
func locateWhitespaceInsensitive(content, search string) (Match, bool) {
	normContent, offsets := normalizeHorizontalWhitespace(content)
	normSearch, _ := normalizeHorizontalWhitespace(search)
	if normSearch == "" {
		return Match{}, false
	}

	idx := strings.Index(normContent, normSearch)
	if idx == -1 {
		return Match{}, false
	}
	normEnd := idx + len(normSearch)

	start := offsets[idx]
	end := offsets[normEnd]

	return Match{
		Found:          true,
		Strategy:       StrategyWhitespace,
		Confidence:     0.95,
		MatchedContent: content[start:end],
		StartIndex:     start,
		EndIndex:       end,
		StartLine:      lineAt(content, start),
		EndLine:        lineAt(content, end-1),
	}, true
}

// normalizeHorizontalWhitespace collapses runs of space/tab into a single
// space, leaving newlines untouched. offsets[i] is the original-string byte
// offset corresponding to normalized byte i (with one extra trailing entry
// for the end of the normalized string).
func normalizeHorizontalWhitespace(s string) (string, []int) {
	var b strings.Builder
	offsets := make([]int, 0, len(s)+1)

	inRun := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '\t' {
			if inRun {
				continue
			}
			inRun = true
			b.WriteByte(' ')
			offsets = append(offsets, i)
			continue
		}
		inRun = false
		b.WriteByte(c)
		offsets = append(offsets, i)
	}
	offsets = append(offsets, len(s))
	return b.String(), offsets
}

// locateIndentationPreserving slides a window of content lines (equal in
// count to the search's lines) and compares after stripping each line's
// leading whitespace.
func locateIndentationPreserving(content, search string) (Match, bool) {
	searchLines := strings.Split(search, "\n")
	contentLines := splitLinesKeepEnds(content)
	n := len(searchLines)
	if n == 0 || n > len(contentLines) {
		return Match{}, false
	}

	target := make([]string, n)
	for i, l := range searchLines {
		target[i] = strings.TrimLeft(l, " \t")
	}

	for start := 0; start+n <= len(contentLines); start++ {
		match := true
		for i := 0; i < n; i++ {
			if strings.TrimLeft(stripEnd(contentLines[start+i]), " \t") != target[i] {
				match = false
				break
			}
		}
		if !match {
			continue
		}

		startByte, endByte := byteRange(contentLines, start, start+n)
		return Match{
			Found:          true,
			Strategy:       StrategyIndentation,
			Confidence:     0.9,
			MatchedContent: content[startByte:endByte],
			StartIndex:     startByte,
			EndIndex:       endByte,
			StartLine:      start + 1,
			EndLine:        start + n,
		}, true
	}
	return Match{}, false
}

// locateFuzzy slides a window of the same line count as search and scores
// each by length-weighted mean per-line Levenshtein similarity, accepting
// the best window at or above m.Threshold.
func (m *Matcher) locateFuzzy(content, search string) (Match, bool) {
	searchLines := strings.Split(search, "\n")
	contentLines := splitLinesKeepEnds(content)
	n := len(searchLines)
	if n == 0 || n > len(contentLines) {
		return Match{}, false
	}

	bestScore := -1.0
	bestStart := -1

	for start := 0; start+n <= len(contentLines); start++ {
		score := windowSimilarity(contentLines[start:start+n], searchLines)
		if score > bestScore {
			bestScore = score
			bestStart = start
		}
	}

	threshold := m.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	if bestStart == -1 || bestScore < threshold {
		return Match{}, false
	}

	startByte, endByte := byteRange(contentLines, bestStart, bestStart+n)
	return Match{
		Found:          true,
		Strategy:       StrategyFuzzy,
		Confidence:     bestScore,
		MatchedContent: content[startByte:endByte],
		StartIndex:     startByte,
		EndIndex:       endByte,
		StartLine:      bestStart + 1,
		EndLine:        bestStart + n,
	}, true
}

// windowSimilarity is the length-weighted mean of per-line similarities
// between a content window and the search lines.
func windowSimilarity(windowLines, searchLines []string) float64 {
	var totalWeight, weightedSum float64
	for i, sLine := range searchLines {
		cLine := ""
		if i < len(windowLines) {
			cLine = stripEnd(windowLines[i])
		}
		weight := float64(len(sLine) + 1)
		totalWeight += weight
		weightedSum += weight * lineSimilarity(cLine, sLine)
	}
	if totalWeight == 0 {
		return 0
	}
	return weightedSum / totalWeight
}

func lineSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1.0
	}
	dist := levenshtein(a, b)
	return 1.0 - float64(dist)/float64(maxLen)
}

// levenshtein computes the edit distance between two strings using a
// two-row dynamic-programming table.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = min3(del, ins, sub)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// Suggestions returns up to MaxSuggestions near-miss windows when Locate
// fails, each scored against the search text, filtered by
// max(0.5, threshold-0.2) and sorted by similarity descending.
func (m *Matcher) Suggestions(content, search string) []Suggestion {
	searchLines := strings.Split(search, "\n")
	contentLines := splitLinesKeepEnds(content)
	n := len(searchLines)
	if n == 0 || n > len(contentLines) {
		return nil
	}

	threshold := m.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	floor := threshold - 0.2
	if floor < 0.5 {
		floor = 0.5
	}

	var candidates []Suggestion
	for start := 0; start+n <= len(contentLines); start++ {
		score := windowSimilarity(contentLines[start:start+n], searchLines)
		if score < floor {
			continue
		}
		startByte, endByte := byteRange(contentLines, start, start+n)
		candidates = append(candidates, Suggestion{
			Content:    content[startByte:endByte],
			LineNumber: start + 1,
			Similarity: score,
		})
	}

	sortSuggestionsDesc(candidates)

	max := m.MaxSuggestions
	if max == 0 {
		max = DefaultMaxSuggestions
	}
	if len(candidates) > max {
		candidates = candidates[:max]
	}
	return candidates
}

func sortSuggestionsDesc(s []Suggestion) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].Similarity > s[j-1].Similarity; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// FormatFailureContext renders a ±contextLines (default m.ContextLines)
// window around the best suggestion's line, with a 1-based gutter, for
// embedding into a gadget's failure Output.
func (m *Matcher) FormatFailureContext(content string, suggestion Suggestion) string {
	ctxLines := m.ContextLines
	if ctxLines == 0 {
		ctxLines = DefaultContextLines
	}

	lines := strings.Split(content, "\n")
	center := suggestion.LineNumber - 1
	start := center - ctxLines
	if start < 0 {
		start = 0
	}
	end := center + ctxLines + 1
	if end > len(lines) {
		end = len(lines)
	}

	var b strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&b, "%4d| %s\n", i+1, lines[i])
	}
	return b.String()
}

// ApplyReplacement applies match against content, replacing the matched
// span with replacement. An empty replacement performs deletion.
func ApplyReplacement(content string, match Match, replacement string) string {
	return content[:match.StartIndex] + replacement + content[match.EndIndex:]
}

func lineAt(content string, byteIdx int) int {
	if byteIdx < 0 {
		byteIdx = 0
	}
	if byteIdx > len(content) {
		byteIdx = len(content)
	}
	return 1 + strings.Count(content[:byteIdx], "\n")
}

// splitLinesKeepEnds splits content into lines, re-attaching the trailing
// "\n" to every line but the last so byte offsets stay reconstructible.
func splitLinesKeepEnds(content string) []string {
	if content == "" {
		return []string{""}
	}
	parts := strings.SplitAfter(content, "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

func stripEnd(line string) string {
	return strings.TrimSuffix(line, "\n")
}

// byteRange returns the [start, end) byte offsets spanned by
// lines[from:to] within their concatenation.
func byteRange(lines []string, from, to int) (int, int) {
	start := 0
	for i := 0; i < from; i++ {
		start += len(lines[i])
	}
	end := start
	for i := from; i < to; i++ {
		end += len(lines[i])
	}
	return start, end
}
