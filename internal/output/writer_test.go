package output

import (
	"testing"
	"time"

	"github.com/lexiqai/caption-gateway/internal/caption"
	"github.com/lexiqai/caption-gateway/internal/stt"
)

func captionItem(line string) Item {
	return Item{Output: &caption.Output{
		Result: stt.RawResult{Text: line, Final: true, ReceivedAt: time.Now()},
		Line:   line,
	}}
}

func TestControl_NextReturnsQueuedItems(t *testing.T) {
	ctl := NewControl(4)
	if !ctl.enqueue(captionItem("one")) || !ctl.enqueue(captionItem("two")) {
		t.Fatal("enqueue failed on an empty queue")
	}

	for _, want := range []string{"one", "two"} {
		item, ok := ctl.Next()
		if !ok {
			t.Fatalf("Next returned stop, want %q", want)
		}
		if item.Output.Line != want {
			t.Errorf("Next = %q, want %q", item.Output.Line, want)
		}
	}
}

func TestControl_StopSoonWakesNext(t *testing.T) {
	ctl := NewControl(1)
	done := make(chan bool)
	go func() {
		_, ok := ctl.Next()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	ctl.StopSoon()
	ctl.StopSoon()

	select {
	case ok := <-done:
		if ok {
			t.Error("Next returned an item after StopSoon")
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not return after StopSoon")
	}

	if ctl.enqueue(captionItem("late")) {
		t.Error("enqueue accepted an item after StopSoon")
	}
}

func TestControl_StopDropsQueued(t *testing.T) {
	ctl := NewControl(2)
	ctl.enqueue(captionItem("queued"))
	ctl.StopSoon()
	if _, ok := ctl.Next(); ok {
		t.Error("queued item delivered after stop")
	}
}

func TestWriter_EnqueueWithoutControl(t *testing.T) {
	w := NewWriter("stream")
	if w.Enqueue(captionItem("x")) {
		t.Error("Enqueue succeeded without a control")
	}
	if w.Active() {
		t.Error("writer without a control reports active")
	}
}

func TestWriter_FullQueueRejects(t *testing.T) {
	w := NewWriter("stream")
	w.SetControl(NewControl(1))
	if !w.Enqueue(captionItem("a")) {
		t.Fatal("first enqueue failed")
	}
	if w.Enqueue(captionItem("b")) {
		t.Error("enqueue succeeded on a full queue")
	}
}

func TestWriter_SetControlStopsPrevious(t *testing.T) {
	w := NewWriter("recording")
	first := NewControl(1)
	w.SetControl(first)
	if !w.Active() {
		t.Fatal("writer not active after SetControl")
	}

	second := NewControl(1)
	w.SetControl(second)
	if !first.Stopping() {
		t.Error("previous control still running")
	}

	w.Clear()
	if !second.Stopping() {
		t.Error("Clear did not stop the control")
	}
	if w.Active() {
		t.Error("writer active after Clear")
	}
}
