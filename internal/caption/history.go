package caption

import "strings"

const (
	// HistoryHighWater is the final count that triggers a trim
	HistoryHighWater = 80
	// HistoryLowWater is the final count kept after a trim
	HistoryLowWater = 40
	// MaxRecentLength bounds the recent captions view
	MaxRecentLength = 1000
)

// History keeps recently finalized captions plus the latest non-final one.
// It is not safe for concurrent use; the captioner owns it from a single goroutine.
type History struct {
	finals []*Output
	held   *Output
}

// Store records a prepared caption. Finals are appended and clear the held
// non-final; a non-final replaces the held one.
func (h *History) Store(out *Output) {
	if out == nil {
		return
	}

	if out.Result.Final {
		h.finals = append(h.finals, out)
		h.held = nil
	} else {
		h.held = out
	}

	if len(h.finals) > HistoryHighWater {
		kept := make([]*Output, HistoryLowWater)
		copy(kept, h.finals[len(h.finals)-HistoryLowWater:])
		h.finals = kept
	}
}

// Finals returns the finalized captions, oldest first
func (h *History) Finals() []*Output {
	return h.finals
}

// Held returns the latest non-final caption, if any
func (h *History) Held() *Output {
	return h.held
}

// Len returns the number of finals held
func (h *History) Len() int {
	return len(h.finals)
}

// Reset drops everything
func (h *History) Reset() {
	h.finals = nil
	h.held = nil
}

// Recent renders the newest finals as sentences, up to MaxRecentLength, followed by the held non-final
func (h *History) Recent() string {
	var parts []string
	length := 0

	for i := len(h.finals) - 1; i >= 0; i-- {
		text := h.finals[i].CleanText
		if length+len(text) >= MaxRecentLength {
			break
		}
		if text == "" {
			continue
		}
		if len(parts) == 0 {
			length += len(text) + 1
		} else {
			length += len(text) + 2
		}
		parts = append(parts, text)
	}

	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteString(parts[i])
		if i == 0 {
			b.WriteByte('.')
		} else {
			b.WriteString(". ")
		}
	}

	if h.held != nil {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("    >> ")
		b.WriteString(h.held.CleanText)
	}
	return b.String()
}
