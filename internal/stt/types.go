package stt

import (
	"context"
	"errors"
	"time"

	"github.com/lexiqai/caption-gateway/internal/config"
)

// RawResult is one recognition result from the recognizer
type RawResult struct {
	// Index is the result's position within its stream
	Index int

	// Final is true once the recognizer will not revise the text again
	Final bool

	// Stability is the recognizer's estimate that an interim result will not change
	Stability float64

	Text string

	// RawMessage is the response as received, for debugging
	RawMessage string

	// FirstReceivedAt is when the first result of the current utterance arrived
	FirstReceivedAt time.Time

	// ReceivedAt is when this result arrived
	ReceivedAt time.Time
}

// Alternative is one hypothesis within a response
type Alternative struct {
	Transcript string
	Confidence float64
}

// Response is one message received on a recognition stream
type Response struct {
	Final        bool
	Stability    float64
	Alternatives []Alternative
	Raw          string
}

// Conn is an open recognition stream. SendAudio and Recv may be called
// concurrently from different goroutines.
type Conn interface {
	SendAudio(chunk []byte) error
	// Recv blocks until a response arrives; io.EOF means the stream ended
	Recv() (*Response, error)
	Close() error
}

// Dialer opens recognition streams. Dial returns once the stream is open and
// the recognition config (language, interim results, LINEAR16 at 16 kHz) has
// been sent.
type Dialer interface {
	Dial(ctx context.Context, settings config.StreamSettings) (Conn, error)
}

// ResultFunc receives results on the client's reader goroutine
type ResultFunc func(result RawResult)

var (
	ErrAlreadyStarted = errors.New("stream client already started")
	ErrNoDialer       = errors.New("stream client requires a dialer")
)
