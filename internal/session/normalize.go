package session

import (
	"html"
	"regexp"
	"strings"
)

// Changing anything in this file changes the stored normalized text; records
// written by an older version stop matching and must be resynced.

var (
	whitespaceRe = regexp.MustCompile(`[\s\v\p{Z}\x{85}\x{1C}-\x{1F}]+`)
	emphasisRe   = regexp.MustCompile("[*_`~]")
	emojiRe      = regexp.MustCompile(`[\x{1F600}-\x{1F64F}\x{1F300}-\x{1F5FF}\x{1F680}-\x{1F6FF}\x{1F1E0}-\x{1F1FF}\x{2728}\x{1F31F}]`)
	toolUseRe    = regexp.MustCompile(`(?s)<tool_use>.*?</tool_use>`)
)

// Normalize canonicalizes assistant text for continuity matching: HTML entities
// are decoded, whitespace runs collapse to one space, emphasis markers and a
// fixed emoji set are removed. Normalize(Normalize(x)) == Normalize(x).
func Normalize(text string) string {
	// Removing a marker can expose a new entity or whitespace run, so the
	// pipeline repeats until it reaches a fixed point. A pass that changes the
	// text either drops runes or turns other whitespace into plain spaces, so
	// the loop ends.
	for {
		next := normalizeOnce(text)
		if next == text {
			return next
		}
		text = next
	}
}

func normalizeOnce(text string) string {
	if text == "" {
		return ""
	}
	text = html.UnescapeString(text)
	text = emphasisRe.ReplaceAllString(text, "")
	text = emojiRe.ReplaceAllString(text, "")
	text = whitespaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// StripToolUse removes <tool_use>...</tool_use> blocks, including multi-line ones.
func StripToolUse(text string) string {
	return toolUseRe.ReplaceAllString(text, "")
}
