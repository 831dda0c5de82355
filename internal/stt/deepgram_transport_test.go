package stt

import (
	"encoding/json"
	"errors"
	"io"
	"testing"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	"github.com/rs/zerolog"
)

func TestNewDeepgramDialer_RequiresKey(t *testing.T) {
	if _, err := NewDeepgramDialer(DeepgramOptions{Model: "nova-2"}); err == nil {
		t.Error("Expected error without API key")
	}
}

func TestDeepgramConn_HandleMessage(t *testing.T) {
	conn := &deepgramConn{results: make(chan *Response, 2), done: make(chan struct{}), logger: zerolog.Nop()}

	var msg msginterfaces.MessageResponse
	payload := `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"good morning","confidence":0.97}]}}`
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	conn.handleMessage(nil)
	conn.handleMessage(&msginterfaces.MessageResponse{})
	conn.handleMessage(&msg)

	resp, err := conn.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if !resp.Final || resp.Stability != 1 {
		t.Errorf("Expected final result, got %+v", resp)
	}
	if len(resp.Alternatives) != 1 || resp.Alternatives[0].Transcript != "good morning" {
		t.Errorf("Unexpected alternatives %+v", resp.Alternatives)
	}
	if resp.Raw == "" {
		t.Error("Expected raw message")
	}
}

func TestDeepgramConn_FailEndsRecv(t *testing.T) {
	conn := &deepgramConn{results: make(chan *Response, 1), done: make(chan struct{}), logger: zerolog.Nop()}

	cause := errors.New("deepgram error")
	conn.fail(cause)
	conn.fail(io.EOF)

	if _, err := conn.Recv(); !errors.Is(err, cause) {
		t.Errorf("Expected first failure to be reported, got %v", err)
	}
	if err := conn.SendAudio([]byte{1}); !errors.Is(err, cause) {
		t.Errorf("Expected SendAudio to fail after close, got %v", err)
	}
}
