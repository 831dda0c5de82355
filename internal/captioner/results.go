package captioner

import (
	"context"
	"time"

	"github.com/lexiqai/caption-gateway/internal/caption"
	"github.com/lexiqai/caption-gateway/internal/observability"
	"github.com/lexiqai/caption-gateway/internal/output"
	"github.com/lexiqai/caption-gateway/internal/stt"
)

type textUpdate struct {
	name string
	text string
}

// handleResult runs on the captioner goroutine for every result of stream gen
func (c *Captioner) handleResult(gen int, result stt.RawResult, interrupted bool) {
	if gen != c.streamGen || c.orch == nil {
		return
	}
	if c.haveLast && c.lastText == result.Text && c.lastFinal == result.Final {
		return
	}
	c.haveLast, c.lastText, c.lastFinal = true, result.Text, result.Final

	if c.processor == nil {
		c.logger.Warn().Msg("Caption result without a processor")
		return
	}

	now := c.now()
	history := c.history.Finals()
	out, err := c.processor.Prepare(result, interrupted, caption.MainLayout(c.settings.Format), history, now)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Dropping caption that could not be formatted")
		return
	}

	var texts []textUpdate
	for _, t := range c.settings.TextOutputs {
		if !t.ValidEnabled() {
			continue
		}
		textOut, err := c.processor.Prepare(result, interrupted, caption.TextOutputLayout(t), history, now)
		if err != nil {
			c.logger.Debug().Err(err).Str("text_output", t.Name).Msg("Skipping text output")
			continue
		}
		texts = append(texts, textUpdate{name: t.Name, text: textOut.Line})
	}

	c.history.Store(out)
	recent := c.history.Recent()

	c.enqueue(output.Item{Output: out})
	c.setTexts(texts)

	kind := "interim"
	if result.Final {
		kind = "final"
	}
	observability.RecordCaptionEmitted(kind)
	c.publishEvent(output.CaptionEvent{
		Line:        out.Line,
		CleanText:   out.CleanText,
		Final:       result.Final,
		Interrupted: interrupted,
		Index:       result.Index,
		Recent:      recent,
		At:          now,
	})

	c.lastCaptionAt = now
	c.cleared = false
}

// clearIfIdle blanks every destination once no caption was output for the caption timeout
func (c *Captioner) clearIfIdle(now time.Time) {
	format := c.settings.Format
	if !format.TimeoutEnabled || c.cleared {
		return
	}
	idle := now.Sub(c.lastCaptionAt)
	if idle <= format.Timeout() {
		return
	}

	c.logger.Info().Dur("idle", idle).Dur("timeout", format.Timeout()).Msg("No captions within timeout, clearing")
	c.cleared = true

	clearance := output.Item{
		Output:    &caption.Output{Result: stt.RawResult{ReceivedAt: now, FirstReceivedAt: now}},
		Clearance: true,
	}
	c.enqueue(clearance)

	var texts []textUpdate
	for _, t := range c.settings.TextOutputs {
		if t.ValidEnabled() {
			texts = append(texts, textUpdate{name: t.Name, text: " "})
		}
	}
	c.setTexts(texts)

	observability.RecordCaptionEmitted("clearance")
	c.publishEvent(output.CaptionEvent{Cleared: true, At: now})
}

// enqueue hands item to every enabled caption and transcript writer
func (c *Captioner) enqueue(item output.Item) {
	if c.settings.StreamingOutputEnabled {
		c.streamWriter.Enqueue(item)
	}
	if c.settings.RecordingOutputEnabled {
		c.recordingWriter.Enqueue(item)
	}

	tr := c.settings.Transcript
	if !tr.Enabled {
		return
	}
	for kind, w := range c.transcripts {
		if tr.SessionEnabled(kind) {
			w.Enqueue(item)
		}
	}
}

func (c *Captioner) setTexts(texts []textUpdate) {
	for _, u := range texts {
		setter := c.textSetters[u.name]
		if setter == nil {
			continue
		}
		u := u
		c.dispatch(func(ctx context.Context) {
			setter.Set(ctx, u.name, u.text)
		})
	}
}

func (c *Captioner) publishEvent(ev output.CaptionEvent) {
	pub := c.cfg.Publisher
	if pub == nil {
		return
	}
	c.dispatch(func(ctx context.Context) {
		if err := output.PublishEvent(ctx, pub, ev); err != nil {
			c.logger.Debug().Err(err).Msg("Failed publishing caption event")
		}
	})
}
