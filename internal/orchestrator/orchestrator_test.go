package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lexiqai/caption-gateway/internal/config"
	"github.com/lexiqai/caption-gateway/internal/stt"
)

type fakeClient struct {
	id string

	mu       sync.Mutex
	started  bool
	stopped  bool
	chunks   int
	onResult stt.ResultFunc
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	return nil
}

func (c *fakeClient) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
}

func (c *fakeClient) IsStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *fakeClient) QueueAudio(chunk []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.chunks++
	return true
}

func (c *fakeClient) SetOnResult(fn stt.ResultFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResult = fn
}

func (c *fakeClient) ClearOnResult() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResult = nil
}

func (c *fakeClient) emit(r stt.RawResult) bool {
	c.mu.Lock()
	fn := c.onResult
	c.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(r)
	return true
}

func (c *fakeClient) chunkCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chunks
}

type delivered struct {
	result      stt.RawResult
	interrupted bool
}

type harness struct {
	orch    *Orchestrator
	clock   time.Time
	clients []*fakeClient
	failNew bool

	mu      sync.Mutex
	results []delivered
}

func newHarness(overlap config.OverlapSettings) *harness {
	h := &harness{clock: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	h.orch = New(Config{
		Factory: func() (Client, error) {
			if h.failNew {
				return nil, errors.New("no recognizer")
			}
			c := &fakeClient{id: fmt.Sprintf("client-%d", len(h.clients))}
			h.clients = append(h.clients, c)
			return c, nil
		},
		Overlap: overlap,
		OnResult: func(r stt.RawResult, interrupted bool) {
			h.mu.Lock()
			h.results = append(h.results, delivered{r, interrupted})
			h.mu.Unlock()
		},
		Now: func() time.Time { return h.clock },
	})
	return h
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

func (h *harness) delivered() []delivered {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]delivered(nil), h.results...)
}

func defaultOverlap() config.OverlapSettings {
	return config.OverlapSettings{
		ConnectSecondAfter:   2 * time.Second,
		SwitchoverAfter:      280 * time.Second,
		MinReconnectInterval: 10 * time.Second,
	}
}

var chunk = []byte{1, 0, 2, 0}

func TestQueueAudio_EmptyChunk(t *testing.T) {
	h := newHarness(defaultOverlap())
	if h.orch.QueueAudio(nil) {
		t.Error("Expected empty chunk to be refused")
	}
	if len(h.clients) != 0 {
		t.Errorf("Expected no client for empty chunk, got %d", len(h.clients))
	}
}

func TestQueueAudio_FirstChunkStartsClient(t *testing.T) {
	h := newHarness(defaultOverlap())
	if !h.orch.QueueAudio(chunk) {
		t.Fatal("Expected first chunk to be accepted")
	}
	if len(h.clients) != 1 || !h.clients[0].started {
		t.Fatalf("Expected one started client, got %d", len(h.clients))
	}
	snap := h.orch.Snapshot()
	if snap.CurrentID != "client-0" || !snap.CurrentStartedAt.Equal(h.clock) || snap.PreparedID != "" {
		t.Errorf("Unexpected snapshot %+v", snap)
	}
}

func TestQueueAudio_FactoryFailure(t *testing.T) {
	h := newHarness(defaultOverlap())
	h.failNew = true
	if h.orch.QueueAudio(chunk) {
		t.Error("Expected chunk to be refused without a client")
	}
}

func TestQueueAudio_SwitchoverProperty(t *testing.T) {
	h := newHarness(defaultOverlap())
	start := h.clock

	for ms := 0; ms <= 281_000; ms += 100 {
		h.clock = start.Add(time.Duration(ms) * time.Millisecond)
		h.orch.QueueAudio(chunk)

		if ms == 279_000 {
			// mid-utterance on the first connection
			if !h.clients[0].emit(stt.RawResult{Text: "hello wor"}) {
				t.Fatal("Expected current client to have a result callback")
			}
			if h.clients[1].emit(stt.RawResult{Text: "prepared"}) {
				t.Fatal("Expected prepared client to have no result callback")
			}
		}
	}

	forced := 0
	for _, d := range h.delivered() {
		if d.interrupted {
			forced++
			if !d.result.Final || d.result.Text != "hello wor" {
				t.Errorf("Unexpected forced final %+v", d.result)
			}
		}
	}
	if forced != 1 {
		t.Errorf("Expected exactly one forced final, got %d", forced)
	}

	if len(h.clients) != 3 {
		t.Fatalf("Expected 3 clients (initial, promoted, new prepared), got %d", len(h.clients))
	}
	if !h.clients[0].IsStopped() {
		t.Error("Expected the first client to be retired")
	}

	snap := h.orch.Snapshot()
	if snap.CurrentID != "client-1" || snap.CurrentStopped {
		t.Errorf("Expected promoted client to be current, got %+v", snap)
	}
	if want := start.Add(2100 * time.Millisecond); !snap.CurrentStartedAt.Equal(want) {
		t.Errorf("Expected promoted client to keep its start time %v, got %v", want, snap.CurrentStartedAt)
	}

	active := 0
	for _, c := range h.clients {
		if !c.IsStopped() && c.id != snap.PreparedID {
			active++
		}
	}
	if active != 1 {
		t.Errorf("Expected exactly one active client, got %d", active)
	}

	if h.clients[1].chunkCount() == 0 {
		t.Error("Expected the prepared client to be fed during the overlap")
	}
	if !h.clients[1].emit(stt.RawResult{Text: "after"}) {
		t.Error("Expected promoted client to deliver results")
	}
}

func TestQueueAudio_DeadClientWaitsForMinInterval(t *testing.T) {
	h := newHarness(defaultOverlap())
	h.orch.QueueAudio(chunk)
	first := h.clients[0]

	first.emit(stt.RawResult{Text: "unfinished"})
	h.advance(time.Second)
	first.Stop()

	h.advance(4 * time.Second)
	if h.orch.QueueAudio(chunk) {
		t.Error("Expected chunk to be refused while reconnect is throttled")
	}
	if len(h.clients) != 1 {
		t.Fatalf("Expected no reconnect before the minimum interval, got %d clients", len(h.clients))
	}

	h.advance(5 * time.Second)
	if !h.orch.QueueAudio(chunk) {
		t.Error("Expected chunk to be accepted after reconnect")
	}
	if len(h.clients) != 2 {
		t.Fatalf("Expected a fresh client, got %d clients", len(h.clients))
	}

	snap := h.orch.Snapshot()
	if snap.CurrentID != "client-1" || !snap.CurrentStartedAt.Equal(h.clock) {
		t.Errorf("Expected fresh client started now, got %+v", snap)
	}

	got := h.delivered()
	if len(got) != 2 || !got[1].interrupted || !got[1].result.Final {
		t.Errorf("Expected the unfinished result to be finalized, got %+v", got)
	}
}

func TestQueueAudio_NoForcedFinalAfterFinal(t *testing.T) {
	h := newHarness(defaultOverlap())
	h.orch.QueueAudio(chunk)
	h.clients[0].emit(stt.RawResult{Text: "done", Final: true})
	h.clients[0].Stop()

	h.advance(10 * time.Second)
	h.orch.QueueAudio(chunk)

	for _, d := range h.delivered() {
		if d.interrupted {
			t.Errorf("Expected no forced final, got %+v", d.result)
		}
	}
}

func TestQueueAudio_DeadPreparedIsReplaced(t *testing.T) {
	h := newHarness(defaultOverlap())
	h.orch.QueueAudio(chunk)

	h.advance(3 * time.Second)
	h.orch.QueueAudio(chunk)
	if len(h.clients) != 2 {
		t.Fatalf("Expected prepared client, got %d clients", len(h.clients))
	}
	h.clients[1].Stop()

	h.advance(time.Second)
	h.orch.QueueAudio(chunk)
	if len(h.clients) != 3 {
		t.Fatalf("Expected dead prepared client to be replaced, got %d clients", len(h.clients))
	}
	if snap := h.orch.Snapshot(); snap.PreparedID != "client-2" || snap.CurrentID != "client-0" {
		t.Errorf("Unexpected snapshot %+v", snap)
	}

	// dead at switchover: recreate rather than promote
	h.clients[2].Stop()
	h.advance(280 * time.Second)
	h.orch.QueueAudio(chunk)
	if snap := h.orch.Snapshot(); snap.CurrentID != "client-0" || snap.PreparedID != "client-3" {
		t.Errorf("Expected current kept and prepared recreated, got %+v", snap)
	}

	h.advance(100 * time.Millisecond)
	h.orch.QueueAudio(chunk)
	if snap := h.orch.Snapshot(); snap.CurrentID != "client-3" {
		t.Errorf("Expected switchover to the recreated client, got %+v", snap)
	}
}

func TestClose(t *testing.T) {
	h := newHarness(defaultOverlap())
	h.orch.QueueAudio(chunk)
	h.advance(3 * time.Second)
	h.orch.QueueAudio(chunk)

	h.orch.Close()
	for _, c := range h.clients {
		if !c.IsStopped() {
			t.Errorf("Expected %s to be stopped", c.id)
		}
	}
	if h.clients[0].emit(stt.RawResult{Text: "late"}) {
		t.Error("Expected no callback on a closed orchestrator's client")
	}
	if h.orch.QueueAudio(chunk) {
		t.Error("Expected closed orchestrator to refuse audio")
	}
	if len(h.delivered()) != 0 {
		t.Errorf("Expected no results, got %+v", h.delivered())
	}
}
