package stt

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/lexiqai/caption-gateway/internal/config"
)

type fakeConn struct {
	mu        sync.Mutex
	sent      [][]byte
	sendErr   error
	responses chan *Response
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{responses: make(chan *Response, 16), closed: make(chan struct{})}
}

func (c *fakeConn) SendAudio(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, chunk)
	return nil
}

func (c *fakeConn) Recv() (*Response, error) {
	select {
	case resp, ok := <-c.responses:
		if !ok {
			return nil, io.EOF
		}
		return resp, nil
	case <-c.closed:
		return nil, errors.New("closed")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	conn   *fakeConn
	err    error
	block  bool
	dialed chan config.StreamSettings
}

func (d *fakeDialer) Dial(ctx context.Context, settings config.StreamSettings) (Conn, error) {
	if d.dialed != nil {
		d.dialed <- settings
	}
	if d.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func testSettings() config.StreamSettings {
	return config.StreamSettings{
		ConnectTimeout: time.Second,
		SendTimeout:    time.Second,
		RecvTimeout:    time.Second,
		MaxQueueDepth:  4,
		Language:       "en-US",
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func waitStopped(t *testing.T, c *StreamClient) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for client to stop")
	}
}

func TestNewStreamClient_Validation(t *testing.T) {
	if _, err := NewStreamClient(nil, testSettings()); !errors.Is(err, ErrNoDialer) {
		t.Errorf("Expected ErrNoDialer, got %v", err)
	}

	s := testSettings()
	s.MaxQueueDepth = 0
	if _, err := NewStreamClient(&fakeDialer{}, s); err == nil {
		t.Error("Expected error for zero queue depth")
	}
}

func TestStreamClient_QueueAudio(t *testing.T) {
	c, err := NewStreamClient(&fakeDialer{conn: newFakeConn()}, testSettings())
	if err != nil {
		t.Fatalf("NewStreamClient failed: %v", err)
	}

	if c.QueueAudio(nil) {
		t.Error("Expected empty chunk to be refused")
	}

	chunk := []byte{1, 2}
	for i := 0; i < 4; i++ {
		if !c.QueueAudio(chunk) {
			t.Fatalf("Expected chunk %d to be queued", i)
		}
	}
	if c.QueueAudio(chunk) {
		t.Error("Expected full queue to refuse without blocking")
	}

	chunk[0] = 9
	if got := <-c.queue; got[0] != 1 {
		t.Error("Expected the queued chunk to be a copy")
	}

	c.Stop()
	if c.QueueAudio([]byte{1}) {
		t.Error("Expected stopped client to refuse audio")
	}
}

func TestStreamClient_StartTwice(t *testing.T) {
	c, _ := NewStreamClient(&fakeDialer{conn: newFakeConn()}, testSettings())
	defer c.Stop()

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := c.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}
}

func TestStreamClient_SendsAudioAndDeliversResults(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conn: conn, dialed: make(chan config.StreamSettings, 1)}
	c, _ := NewStreamClient(dialer, testSettings())
	defer c.Stop()

	var mu sync.Mutex
	var results []RawResult
	c.SetOnResult(func(r RawResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})

	c.QueueAudio([]byte{1, 2, 3, 4})
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if s := <-dialer.dialed; s.Language != "en-US" {
		t.Errorf("Expected dial with language en-US, got %q", s.Language)
	}
	waitFor(t, "audio to be sent", func() bool { return conn.sentCount() == 1 })

	conn.responses <- &Response{Alternatives: []Alternative{{Transcript: "hel"}}}
	conn.responses <- &Response{} // no alternatives, skipped
	conn.responses <- &Response{Final: true, Stability: 1, Alternatives: []Alternative{{Transcript: "hello"}, {Transcript: "yellow"}}}
	conn.responses <- &Response{Alternatives: []Alternative{{Transcript: "wor"}}}

	waitFor(t, "results", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	if results[0].Text != "hel" || results[0].Final {
		t.Errorf("Unexpected first result %+v", results[0])
	}
	if results[1].Text != "hello" || !results[1].Final || results[1].Index != 0 {
		t.Errorf("Unexpected final result %+v", results[1])
	}
	if !results[1].FirstReceivedAt.Equal(results[0].FirstReceivedAt) {
		t.Error("Expected utterance to keep its first-received time")
	}
	if results[2].Index != 1 || results[2].FirstReceivedAt.Before(results[1].ReceivedAt) {
		t.Errorf("Expected a new utterance after the final, got %+v", results[2])
	}
}

func TestStreamClient_StopsOnSendTimeout(t *testing.T) {
	conn := newFakeConn()
	s := testSettings()
	s.SendTimeout = 30 * time.Millisecond
	c, _ := NewStreamClient(&fakeDialer{conn: conn}, s)

	c.Start()
	waitStopped(t, c)

	if !c.IsStopped() || !conn.isClosed() {
		t.Error("Expected idle client to stop and close its conn")
	}
}

func TestStreamClient_StopsOnWriteFailure(t *testing.T) {
	conn := newFakeConn()
	conn.sendErr = errors.New("broken pipe")
	c, _ := NewStreamClient(&fakeDialer{conn: conn}, testSettings())

	c.QueueAudio([]byte{1})
	c.Start()
	waitStopped(t, c)
}

func TestStreamClient_StopsOnDialFailure(t *testing.T) {
	c, _ := NewStreamClient(&fakeDialer{err: errors.New("connection refused")}, testSettings())
	c.Start()
	waitStopped(t, c)
}

func TestStreamClient_StopsOnConnectTimeout(t *testing.T) {
	s := testSettings()
	s.ConnectTimeout = 20 * time.Millisecond
	c, _ := NewStreamClient(&fakeDialer{block: true}, s)
	c.Start()
	waitStopped(t, c)
}

func TestStreamClient_StopsOnRecvTimeout(t *testing.T) {
	conn := newFakeConn()
	s := testSettings()
	s.RecvTimeout = 30 * time.Millisecond
	s.SendTimeout = time.Minute
	c, _ := NewStreamClient(&fakeDialer{conn: conn}, s)

	c.Start()
	waitStopped(t, c)
}

func TestStreamClient_StopsOnEOF(t *testing.T) {
	conn := newFakeConn()
	s := testSettings()
	s.SendTimeout = time.Minute
	c, _ := NewStreamClient(&fakeDialer{conn: conn}, s)

	c.Start()
	close(conn.responses)
	waitStopped(t, c)
}

func TestStreamClient_StopIdempotent(t *testing.T) {
	conn := newFakeConn()
	c, _ := NewStreamClient(&fakeDialer{conn: conn}, testSettings())
	c.Start()
	waitFor(t, "connect", func() bool {
		c.connMu.Lock()
		defer c.connMu.Unlock()
		return c.conn != nil
	})

	c.Stop()
	c.Stop()
	if !conn.isClosed() {
		t.Error("Expected Stop to close the conn")
	}
}

func TestStreamClient_NoResultsAfterClear(t *testing.T) {
	conn := newFakeConn()
	s := testSettings()
	s.SendTimeout = time.Minute
	c, _ := NewStreamClient(&fakeDialer{conn: conn}, s)
	defer c.Stop()

	called := make(chan RawResult, 4)
	c.SetOnResult(func(r RawResult) { called <- r })
	c.Start()

	conn.responses <- &Response{Alternatives: []Alternative{{Transcript: "one"}}}
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected first result")
	}

	c.ClearOnResult()
	conn.responses <- &Response{Alternatives: []Alternative{{Transcript: "two"}}}
	select {
	case r := <-called:
		t.Errorf("Expected no callback after clear, got %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}
