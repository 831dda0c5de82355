// Package caption turns raw recognition results into formatted caption lines.
package caption

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/caption-gateway/internal/config"
	"github.com/lexiqai/caption-gateway/internal/observability"
	"github.com/lexiqai/caption-gateway/internal/stt"
)

// ErrInvalidLayout is returned for layouts without a positive line length and count
var ErrInvalidLayout = errors.New("caption layout needs positive line length and count")

// Output is a raw result prepared for one destination layout
type Output struct {
	Result      stt.RawResult `json:"result"`
	Interrupted bool          `json:"interrupted"`
	CleanText   string        `json:"clean_text"`
	Lines       []string      `json:"lines"`
	Line        string        `json:"line"` // Lines joined
}

// Layout is the destination-specific formatting of a caption
type Layout struct {
	LineLength        int
	LineCount         int
	Capitalization    config.Capitalization
	InsertNewlines    bool
	InsertPunctuation bool
	FillWithHistory   bool
}

// MaxLength is the number of bytes the layout can show
func (l Layout) MaxLength() int {
	return l.LineLength * l.LineCount
}

// MainLayout returns the layout of the broadcast and recording captions
func MainLayout(format config.FormatSettings) Layout {
	return Layout{
		LineLength:        format.LineLength,
		LineCount:         format.LineCount,
		Capitalization:    format.Capitalization,
		InsertNewlines:    format.InsertNewlines,
		InsertPunctuation: format.InsertPunctuation,
		FillWithHistory:   true,
	}
}

// TextOutputLayout returns the layout of an on-screen text output; its lines are always newline separated
func TextOutputLayout(text config.TextOutputSettings) Layout {
	return Layout{
		LineLength:        text.LineLength,
		LineCount:         text.LineCount,
		Capitalization:    text.Capitalization,
		InsertNewlines:    true,
		InsertPunctuation: text.InsertPunctuation,
		FillWithHistory:   true,
	}
}

// Processor prepares caption outputs for one set of format settings
type Processor struct {
	replacer       *Replacer
	timeoutEnabled bool
	timeout        time.Duration
	logger         zerolog.Logger
}

// NewProcessor creates a processor for the given format settings
func NewProcessor(format config.FormatSettings) *Processor {
	return &Processor{
		replacer:       NewDefaultReplacer(format),
		timeoutEnabled: format.TimeoutEnabled,
		timeout:        format.Timeout(),
		logger:         observability.Component("caption"),
	}
}

// Prepare formats result for layout. history holds finalized captions, oldest
// first. A failure yields an error and no output; it never panics.
func (p *Processor) Prepare(result stt.RawResult, interrupted bool, layout Layout, history []*Output, now time.Time) (out *Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Str("text", result.Text).Msg("Couldn't format caption")
			out, err = nil, fmt.Errorf("format caption: %v", r)
		}
		if err != nil {
			observability.RecordFormatFailure()
		}
	}()

	if layout.LineLength <= 0 || layout.LineCount <= 0 {
		return nil, ErrInvalidLayout
	}

	cleaned := result.Text
	if p.replacer.HasReplacements() {
		if replaced := p.replacer.Replace(result.Text); replaced != result.Text {
			p.logger.Debug().Str("from", result.Text).Str("to", replaced).Msg("Modified caption text")
			cleaned = replaced
		}
	}
	cleaned = trimLeadingSpace(cleaned)

	out = &Output{
		Result:      result,
		Interrupted: interrupted,
		CleanText:   cleaned,
	}

	text := cleaned
	if layout.FillWithHistory {
		text = p.fill(cleaned, layout, history, now)
	}

	lines := LastLines(WrapLines(Capitalize(text, layout.Capitalization), layout.LineLength), layout.LineCount)
	out.Lines = lines

	sep := " "
	if layout.InsertNewlines {
		sep = "\n"
	}
	out.Line = strings.Join(lines, sep)

	return out, nil
}

// fill prepends recent finals, newest first, until the layout is full
func (p *Processor) fill(cleaned string, layout Layout, history []*Output, now time.Time) string {
	capitalize := layout.InsertPunctuation && (layout.Capitalization == config.CapitalizationNormal || layout.Capitalization == "")

	filled := cleaned
	if capitalize {
		filled = upperFirstASCII(filled)
	}

	maxLength := layout.MaxLength()
	if len(filled) >= maxLength {
		return filled
	}

	for i := len(history) - 1; i >= 0; i-- {
		prev := history[i]
		if prev == nil || !prev.Result.Final {
			break
		}
		if p.timeoutEnabled && now.Sub(prev.Result.ReceivedAt) > p.timeout {
			break
		}

		if layout.InsertPunctuation {
			filled = prev.CleanText + ". " + filled
		} else {
			filled = prev.CleanText + " " + filled
		}
		if capitalize {
			filled = upperFirstASCII(filled)
		}

		if len(filled) >= maxLength {
			break
		}
	}

	return filled
}
