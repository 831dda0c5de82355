package output

import (
	"context"
	"sync"

	"github.com/lexiqai/caption-gateway/internal/observability"
)

// TextSetter writes on-screen text overlays, skipping a write identical to the last one
type TextSetter struct {
	sink TextSink

	mu       sync.Mutex
	lastText string
	lastName string
	written  bool
}

// NewTextSetter creates a setter writing to sink
func NewTextSetter(sink TextSink) *TextSetter {
	return &TextSetter{sink: sink}
}

// Set writes text to the named overlay and reports whether a write happened
func (t *TextSetter) Set(ctx context.Context, name, text string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.written && t.lastText == text && t.lastName == name {
		return false
	}
	if t.sink == nil {
		return false
	}

	if err := t.sink.WriteText(ctx, name, text); err != nil {
		logger := observability.Component("text_output")
		logger.Debug().Err(err).Str("target", name).Msg("Failed setting text output")
		observability.RecordSinkWrite("text", "error")
		return false
	}

	t.lastText, t.lastName, t.written = text, name, true
	observability.RecordSinkWrite("text", "ok")
	return true
}
