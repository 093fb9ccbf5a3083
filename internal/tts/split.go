package tts

import (
	"strings"
	"unicode"

	"github.com/clipperhouse/uax29/v2/sentences"
)

// Splitter segments response text into sentences for synthesis.
type Splitter struct {
	// MaxRunes caps a single sentence; zero disables the cap.
	MaxRunes int
}

// SplitSentences returns the trimmed, non-empty sentences of text in order.
func (s Splitter) SplitSentences(text string) []string {
	var out []string
	segments := sentences.FromString(text)
	for segments.Next() {
		sentence := strings.TrimSpace(segments.Value())
		if sentence == "" {
			continue
		}
		out = append(out, s.cut(sentence)...)
	}
	return out
}

// cut breaks an overlong sentence at the last whitespace before MaxRunes, or
// hard at the limit when there is none.
func (s Splitter) cut(sentence string) []string {
	if s.MaxRunes <= 0 {
		return []string{sentence}
	}
	var parts []string
	runes := []rune(sentence)
	for len(runes) > s.MaxRunes {
		at := s.MaxRunes
		for i := s.MaxRunes; i > 0; i-- {
			if unicode.IsSpace(runes[i]) {
				at = i
				break
			}
		}
		if part := strings.TrimSpace(string(runes[:at])); part != "" {
			parts = append(parts, part)
		}
		runes = []rune(strings.TrimLeftFunc(string(runes[at:]), unicode.IsSpace))
	}
	if rest := strings.TrimSpace(string(runes)); rest != "" {
		parts = append(parts, rest)
	}
	return parts
}
