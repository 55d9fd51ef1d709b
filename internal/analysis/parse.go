package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/scan-engine/internal/models"
)

// ErrNoArray is returned when the output holds no balanced JSON array
var ErrNoArray = errors.New("no JSON array in analysis output")

var trailingComma = regexp.MustCompile(`,\s*([\]}])`)

type rawFinding struct {
	SourceURL string   `json:"sourceUrl"`
	URL       string   `json:"url"`
	Title     string   `json:"title"`
	Summary   string   `json:"summary"`
	Account   string   `json:"account"`
	Tags      []string `json:"tags"`
	Score     float64  `json:"score"`
}

// ParseFindings extracts findings from raw provider output. Code fences are
// stripped and each balanced array is tried in order until one decodes as a
// list of findings; prose such as "Found [2] posts" ahead of the real array is
// passed over. A candidate that fails to decode is retried once with trailing
// commas and raw control characters inside strings repaired.
func ParseFindings(raw string) ([]models.Finding, error) {
	text := stripFences(raw)

	var (
		parsed   []rawFinding
		firstErr error
		found    bool
	)
	for from := 0; from < len(text); {
		candidate, start, ok := nextArray(text, from)
		if !ok {
			break
		}
		from = start + 1
		found = true

		p, err := decodeFindings(candidate)
		if err == nil {
			parsed = p
			firstErr = nil
			break
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if !found {
		return nil, ErrNoArray
	}
	if firstErr != nil {
		return nil, fmt.Errorf("failed to decode analysis output: %w", firstErr)
	}

	findings := make([]models.Finding, 0, len(parsed))
	for _, p := range parsed {
		url := p.SourceURL
		if url == "" {
			url = p.URL
		}
		if url == "" && p.Title == "" {
			continue
		}
		findings = append(findings, models.Finding{
			SourceURL: url,
			Title:     p.Title,
			Summary:   p.Summary,
			Account:   p.Account,
			Tags:      p.Tags,
			Score:     p.Score,
		})
	}
	return findings, nil
}

func stripFences(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func decodeFindings(candidate string) ([]rawFinding, error) {
	var parsed []rawFinding
	err := json.Unmarshal([]byte(candidate), &parsed)
	if err == nil {
		return parsed, nil
	}
	repaired := escapeControlChars(trailingComma.ReplaceAllString(candidate, "$1"))
	if err2 := json.Unmarshal([]byte(repaired), &parsed); err2 != nil {
		return nil, err
	}
	return parsed, nil
}

// nextArray returns the first '[' ... ']' span at or after from with balanced
// brackets, ignoring brackets inside string literals, along with its start.
func nextArray(s string, from int) (string, int, bool) {
	for {
		idx := strings.IndexByte(s[from:], '[')
		if idx < 0 {
			return "", 0, false
		}
		start := from + idx
		if end, ok := balancedEnd(s, start); ok {
			return s[start : end+1], start, true
		}
		from = start + 1
	}
}

func balancedEnd(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func escapeControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			case c == '\n':
				b.WriteString(`\n`)
				continue
			case c == '\r':
				b.WriteString(`\r`)
				continue
			case c == '\t':
				b.WriteString(`\t`)
				continue
			case c < 0x20:
				fmt.Fprintf(&b, `\u%04x`, c)
				continue
			}
		} else if c == '"' {
			inString = true
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Dedupe drops findings whose Key was already seen, keeping the first
func Dedupe(findings []models.Finding) []models.Finding {
	seen := make(map[string]struct{}, len(findings))
	out := make([]models.Finding, 0, len(findings))
	for _, f := range findings {
		k := f.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, f)
	}
	return out
}
