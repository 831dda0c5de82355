package output

import (
	"context"
	"errors"
	"time"
)

// Message types sent to publishers
const (
	MessageCaption = "caption"       // a line written to a live output
	MessageText    = "text"          // an on-screen text overlay update
	MessageEvent   = "caption_event" // a processed caption or a clearance
	MessageStatus  = "status"        // a captioner status change
)

// CaptionEvent describes a processed caption, or a clearance when Cleared is set
type CaptionEvent struct {
	Cleared     bool      `json:"cleared"`
	Line        string    `json:"line,omitempty"`
	CleanText   string    `json:"clean_text,omitempty"`
	Final       bool      `json:"final,omitempty"`
	Interrupted bool      `json:"interrupted,omitempty"`
	Index       int       `json:"index,omitempty"`
	Recent      string    `json:"recent,omitempty"`
	At          time.Time `json:"at"`
}

// Message is the envelope every publisher carries
type Message struct {
	Type           string        `json:"type"`
	Output         string        `json:"output,omitempty"`
	Target         string        `json:"target,omitempty"`
	Text           string        `json:"text,omitempty"`
	DisplaySeconds float64       `json:"display_seconds,omitempty"`
	Event          *CaptionEvent `json:"event,omitempty"`
	Status         any           `json:"status,omitempty"`
	SentAt         time.Time     `json:"sent_at"`
}

// Publisher carries caption messages to subscribers
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Fanout publishes every message to all of its publishers
type Fanout []Publisher

// Publish sends msg to each publisher; one failing does not stop the others
func (f Fanout) Publish(ctx context.Context, msg Message) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type captionSink struct {
	output string
	pub    Publisher
}

// SinkFor adapts pub into the caption sink of the named live output
func SinkFor(output string, pub Publisher) CaptionSink {
	return captionSink{output: output, pub: pub}
}

func (s captionSink) WriteCaption(ctx context.Context, text string, displayDuration time.Duration) error {
	return s.pub.Publish(ctx, Message{
		Type:           MessageCaption,
		Output:         s.output,
		Text:           text,
		DisplaySeconds: displayDuration.Seconds(),
		SentAt:         time.Now().UTC(),
	})
}

type textSink struct {
	pub Publisher
}

// TextSinkFor adapts pub into a text overlay sink
func TextSinkFor(pub Publisher) TextSink {
	return textSink{pub: pub}
}

func (s textSink) WriteText(ctx context.Context, target, text string) error {
	return s.pub.Publish(ctx, Message{
		Type:   MessageText,
		Target: target,
		Text:   text,
		SentAt: time.Now().UTC(),
	})
}

// PublishEvent sends a caption event through pub
func PublishEvent(ctx context.Context, pub Publisher, ev CaptionEvent) error {
	return pub.Publish(ctx, Message{Type: MessageEvent, Event: &ev, SentAt: time.Now().UTC()})
}
