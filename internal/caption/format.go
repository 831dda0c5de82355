package caption

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lexiqai/caption-gateway/internal/config"
)

// Capitalize applies a capitalization mode to the whole text
func Capitalize(text string, mode config.Capitalization) string {
	switch mode {
	case config.CapitalizationAllCaps:
		return strings.ToUpper(text)
	case config.CapitalizationAllLower:
		return strings.ToLower(text)
	default:
		return text
	}
}

// WrapLines greedily wraps text into lines of at most lineLength bytes without
// splitting words. A word longer than a line gets a line of its own.
func WrapLines(text string, lineLength int) []string {
	var lines []string
	var current strings.Builder

	for _, word := range strings.Fields(text) {
		if current.Len() == 0 {
			current.WriteString(word)
			continue
		}
		if current.Len()+1+len(word) <= lineLength {
			current.WriteByte(' ')
			current.WriteString(word)
			continue
		}
		lines = append(lines, current.String())
		current.Reset()
		current.WriteString(word)
	}

	if current.Len() > 0 {
		lines = append(lines, current.String())
	}
	return lines
}

// LastLines keeps the newest count lines
func LastLines(lines []string, count int) []string {
	if count <= 0 {
		return nil
	}
	if len(lines) <= count {
		return lines
	}
	return lines[len(lines)-count:]
}

func trimLeadingSpace(s string) string {
	return strings.TrimLeftFunc(s, unicode.IsSpace)
}

func upperFirstASCII(s string) string {
	if s == "" || s[0] >= utf8.RuneSelf {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
