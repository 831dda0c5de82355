package captioner

import "testing"

func TestMailbox_PostAndDrain(t *testing.T) {
	m := newMailbox()

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		if !m.post(func() { order = append(order, i) }) {
			t.Fatalf("post %d rejected", i)
		}
	}

	select {
	case <-m.notify:
	default:
		t.Fatal("no notification after post")
	}

	for _, fn := range m.drain() {
		fn()
	}
	if len(order) != 3 || order[0] != 0 || order[2] != 2 {
		t.Errorf("order = %v", order)
	}
	if len(m.drain()) != 0 {
		t.Error("drain returned closures twice")
	}
}

func TestMailbox_Close(t *testing.T) {
	m := newMailbox()
	m.post(func() {})
	m.close()

	if !m.isClosed() {
		t.Fatal("mailbox not closed")
	}
	if m.post(func() {}) {
		t.Error("post accepted after close")
	}
	if n := len(m.drain()); n != 1 {
		t.Errorf("queued closures after close = %d, want 1", n)
	}
}
