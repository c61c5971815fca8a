// Package extract implements the transcript extractor and sentence parser
// (C5): picking the best transcript string out of an arbitrary upstream
// payload, splitting it into complete sentences plus a trailing partial, and
// detecting generation-complete signals.
package extract

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxWalkDepth bounds recursion over untrusted upstream payloads.
const maxWalkDepth = 12

// terminals are the sentence-ending characters recognized by the splitter
// and the candidate scorer.
var terminals = map[rune]bool{
	'。': true, '．': true, '.': true,
	'？': true, '?': true,
	'！': true, '!': true,
	'…': true,
}

// textValueKeys are object keys whose string value is a transcript
// candidate when walking an unstructured payload.
var textValueKeys = map[string]bool{
	"text": true,
}

// Candidate is a scored transcript string surfaced by [Walk], kept for
// diagnostics via [Inspect].
type Candidate struct {
	Text  string
	Score int
}

// Direct returns serverContent.outputTranscription.text if present and
// non-empty, per the extractor's first-precedence strategy.
func Direct(payload map[string]any) (string, bool) {
	sc, ok := payload["serverContent"].(map[string]any)
	if !ok {
		return "", false
	}
	ot, ok := sc["outputTranscription"].(map[string]any)
	if !ok {
		return "", false
	}
	text, ok := ot["text"].(string)
	if !ok || text == "" {
		return "", false
	}
	return text, true
}

// Walk recursively collects transcript candidates from payload and returns
// the highest-scoring one (longer wins on a score tie). Returns ok=false if
// no candidate strings were found.
func Walk(payload any) (string, bool) {
	cands := Inspect(payload)
	if len(cands) == 0 {
		return "", false
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.Score > best.Score || (c.Score == best.Score && len(c.Text) > len(best.Text)) {
			best = c
		}
	}
	return best.Text, true
}

// Inspect returns every candidate string found while walking payload, scored
// as in [Walk], for diagnostic use.
func Inspect(payload any) []Candidate {
	seen := make(map[string]bool)
	var out []Candidate
	walk(payload, 0, func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, Candidate{Text: s, Score: score(s)})
	})
	return out
}

// score implements the candidate heuristic from the extractor design: base
// length, +10 for ending in a terminal, +2 for containing whitespace, +1 for
// containing CJK.
func score(s string) int {
	n := 0
	for range s {
		n++
	}
	sc := n
	if r, ok := lastRune(s); ok && terminals[r] {
		sc += 10
	}
	if strings.ContainsFunc(s, unicode.IsSpace) {
		sc += 2
	}
	if containsCJK(s) {
		sc += 1
	}
	return sc
}

func lastRune(s string) (rune, bool) {
	if s == "" {
		return 0, false
	}
	r, _ := utf8.DecodeLastRuneInString(s)
	return r, r != utf8.RuneError
}

func containsCJK(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			return true
		}
	}
	return false
}

// walk recurses through a JSON-decoded value tree (map[string]any, []any, or
// scalar), calling emit for every string found at a recognized text-value
// key, and recursing into every nested object and array.
// encoding/json never produces back-references, so a depth cap alone is
// sufficient to bound the walk over untrusted payloads.
func walk(v any, depth int, emit func(string)) {
	if depth > maxWalkDepth {
		return
	}
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if textValueKeys[k] {
				if s, ok := child.(string); ok {
					emit(s)
					continue
				}
			}
			switch child.(type) {
			case map[string]any, []any:
				walk(child, depth+1, emit)
			}
		}
	case []any:
		for _, child := range val {
			walk(child, depth+1, emit)
		}
	}
}

// SplitSentences splits s into complete sentences (trimmed, each ending at a
// terminal character) and a trailing partial (the remainder, untrimmed of
// internal whitespace beyond the caller's own trimming).
func SplitSentences(s string) (complete []string, partial string) {
	var buf strings.Builder
	for _, r := range s {
		buf.WriteRune(r)
		if terminals[r] {
			complete = append(complete, strings.TrimSpace(buf.String()))
			buf.Reset()
		}
	}
	partial = buf.String()
	return complete, partial
}

// GenerationComplete reports whether payload carries a generation-complete
// signal: generationComplete|turnComplete true at root or under
// serverContent, or an event name in {finish, completed, turncomplete}
// (case-insensitive).
func GenerationComplete(payload map[string]any) bool {
	if boolTrue(payload["generationComplete"]) || boolTrue(payload["turnComplete"]) {
		return true
	}
	if sc, ok := payload["serverContent"].(map[string]any); ok {
		if boolTrue(sc["generationComplete"]) || boolTrue(sc["turnComplete"]) {
			return true
		}
	}
	if ev, ok := payload["event"].(string); ok {
		switch strings.ToLower(ev) {
		case "finish", "completed", "turncomplete":
			return true
		}
	}
	return false
}

func boolTrue(v any) bool {
	b, ok := v.(bool)
	return ok && b
}
