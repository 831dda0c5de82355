package caption

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/samber/lo"

	"github.com/lexiqai/caption-gateway/internal/config"
	"github.com/lexiqai/caption-gateway/internal/observability"
)

// Replacement rule types
const (
	TextCaseSensitive    = "text_case_sensitive"
	TextCaseInsensitive  = "text_case_insensitive"
	RegexCaseSensitive   = "regex_case_sensitive"
	RegexCaseInsensitive = "regex_case_insensitive"
)

type rule struct {
	literal string // set for case sensitive text rules
	re      *regexp.Regexp
	to      string
	expand  bool // regex rules expand $1 style references
}

func (r rule) apply(input string) string {
	switch {
	case r.re == nil:
		return strings.ReplaceAll(input, r.literal, r.to)
	case r.expand:
		return r.re.ReplaceAllString(input, r.to)
	default:
		return r.re.ReplaceAllLiteralString(input, r.to)
	}
}

// Replacer applies an ordered list of text replacement rules
type Replacer struct {
	rules []rule
}

// NewReplacer compiles the given rules in order. Rules with an empty from are
// skipped. Invalid rules are skipped when ignoreInvalid is set, otherwise the
// first invalid rule is returned as an error.
func NewReplacer(replacements []config.Replacement, ignoreInvalid bool) (*Replacer, error) {
	logger := observability.Component("caption")
	r := &Replacer{}

	for _, rep := range replacements {
		if rep.From == "" {
			continue
		}

		compiled, err := compileRule(rep)
		if err != nil {
			if !ignoreInvalid {
				return nil, err
			}
			logger.Warn().Err(err).Str("type", rep.Type).Str("from", rep.From).Msg("Skipping invalid replacement")
			continue
		}
		r.rules = append(r.rules, compiled)
	}

	return r, nil
}

// NewDefaultReplacer builds the replacer for a caption format: banned words are
// removed first, then the user replacements run. Invalid rules are skipped.
func NewDefaultReplacer(format config.FormatSettings) *Replacer {
	banned := lo.FilterMap(format.BannedWords, func(word string, _ int) (config.Replacement, bool) {
		return config.Replacement{Type: RegexCaseInsensitive, From: word}, word != ""
	})

	// never errors with ignoreInvalid set
	r, _ := NewReplacer(append(banned, format.Replacements...), true)
	return r
}

func compileRule(rep config.Replacement) (rule, error) {
	switch rep.Type {
	case TextCaseSensitive:
		return rule{literal: rep.From, to: rep.To}, nil
	case TextCaseInsensitive:
		re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(rep.From))
		if err != nil {
			return rule{}, fmt.Errorf("invalid replacement %q: %w", rep.From, err)
		}
		return rule{re: re, to: rep.To}, nil
	case RegexCaseSensitive:
		re, err := regexp.Compile(rep.From)
		if err != nil {
			return rule{}, fmt.Errorf("invalid replacement regex %q: %w", rep.From, err)
		}
		return rule{re: re, to: rep.To, expand: true}, nil
	case RegexCaseInsensitive:
		re, err := regexp.Compile("(?i)" + rep.From)
		if err != nil {
			return rule{}, fmt.Errorf("invalid replacement regex %q: %w", rep.From, err)
		}
		return rule{re: re, to: rep.To, expand: true}, nil
	default:
		return rule{}, fmt.Errorf("invalid replacement type: %s", rep.Type)
	}
}

// HasReplacements reports whether any rule is active
func (r *Replacer) HasReplacements() bool {
	return r != nil && len(r.rules) > 0
}

// Replace runs every rule over input in order
func (r *Replacer) Replace(input string) string {
	if r == nil {
		return input
	}
	out := input
	for _, rl := range r.rules {
		out = rl.apply(out)
	}
	return out
}
