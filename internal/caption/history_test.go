package caption

import (
	"fmt"
	"strings"
	"testing"

	"github.com/lexiqai/caption-gateway/internal/stt"
)

func final(text string) *Output {
	return &Output{Result: stt.RawResult{Final: true, Text: text}, CleanText: text}
}

func interim(text string) *Output {
	return &Output{Result: stt.RawResult{Text: text}, CleanText: text}
}

func TestHistory_TrimsToLowWater(t *testing.T) {
	var h History
	for i := 0; i < 200; i++ {
		h.Store(final(fmt.Sprintf("line %d", i)))

		if h.Len() > HistoryHighWater {
			t.Fatalf("History grew to %d after insertion %d", h.Len(), i)
		}
		if i == HistoryHighWater && h.Len() != HistoryLowWater {
			t.Fatalf("Expected trim to %d, got %d", HistoryLowWater, h.Len())
		}
	}

	finals := h.Finals()
	if last := finals[len(finals)-1].CleanText; last != "line 199" {
		t.Errorf("Expected newest entry kept, got %q", last)
	}
}

func TestHistory_HeldNonFinal(t *testing.T) {
	var h History

	h.Store(interim("hel"))
	h.Store(interim("hello"))
	if h.Held() == nil || h.Held().CleanText != "hello" {
		t.Fatalf("Expected latest non-final held, got %+v", h.Held())
	}
	if h.Len() != 0 {
		t.Error("Expected non-finals kept out of history")
	}

	h.Store(final("hello world"))
	if h.Held() != nil {
		t.Error("Expected final to clear the held non-final")
	}
	if h.Len() != 1 {
		t.Errorf("Expected one final, got %d", h.Len())
	}

	h.Store(nil)
	if h.Len() != 1 {
		t.Error("Expected nil store to be ignored")
	}
}

func TestHistory_Recent(t *testing.T) {
	var h History
	h.Store(final("first"))
	h.Store(final(""))
	h.Store(final("second"))
	h.Store(interim("third"))

	want := "first. second.     >> third"
	if got := h.Recent(); got != want {
		t.Errorf("Recent() = %q, want %q", got, want)
	}

	h.Reset()
	h.Store(interim("only"))
	if got := h.Recent(); got != "    >> only" {
		t.Errorf("Recent() = %q", got)
	}
}

func TestHistory_RecentBounded(t *testing.T) {
	var h History
	for i := 0; i < 60; i++ {
		h.Store(final(strings.Repeat("x", 48)))
	}
	if got := h.Recent(); len(got) > MaxRecentLength {
		t.Errorf("Recent view too long: %d", len(got))
	}
}
