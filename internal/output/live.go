package output

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lexiqai/caption-gateway/internal/observability"
)

// sinkWriteTimeout bounds a single caption write
const sinkWriteTimeout = 5 * time.Second

// CaptionSink receives caption lines for a broadcast or recording session
type CaptionSink interface {
	WriteCaption(ctx context.Context, text string, displayDuration time.Duration) error
}

// TextSink receives the text of an on-screen text overlay
type TextSink interface {
	WriteText(ctx context.Context, target, text string) error
}

// LiveOutput is an active broadcast or recording session
type LiveOutput struct {
	Name  string
	Delay time.Duration // output delay the viewer sees; zero when undelayed
	Sinks []CaptionSink
}

// WriteCaption writes text to every sink of the session
func (l *LiveOutput) WriteCaption(ctx context.Context, text string, displayDuration time.Duration) error {
	var errs []error
	for _, sink := range l.Sinks {
		if err := sink.WriteCaption(ctx, text, displayDuration); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OutputSlot holds the current live session of one kind. Writers resolve it
// per caption, so it can change while a caption waits.
type OutputSlot struct {
	mu      sync.RWMutex
	current *LiveOutput
}

// Set installs the live session
func (s *OutputSlot) Set(out *LiveOutput) {
	s.mu.Lock()
	s.current = out
	s.mu.Unlock()
}

// Clear removes the live session
func (s *OutputSlot) Clear() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

// Current returns the live session, or nil
func (s *OutputSlot) Current() *LiveOutput {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// RunCaptionWriter drains ctl into the live session held by slot until ctl is
// stopped. Captions are delayed to line up with a delayed output.
func RunCaptionWriter(ctl *Control, name string, slot *OutputSlot) {
	logger := observability.Component("caption_writer").With().Str("output", name).Logger()
	logger.Info().Msg("Caption writer starting")
	defer logger.Info().Msg("Caption writer done")

	var (
		previousLine string
		sentAny      bool
	)
	for {
		item, ok := ctl.Next()
		if !ok {
			return
		}
		if item.Output == nil {
			logger.Debug().Msg("Ignoring item without output")
			continue
		}

		line := item.Output.Line
		out := slot.Current()
		if out == nil {
			logger.Debug().Str("line", line).Msg("No live output, not sending")
			observability.RecordSinkWrite(name, "no_output")
			continue
		}
		if !item.Clearance && line == "" {
			continue
		}
		// a first clearance goes out even though it matches the empty start line
		if sentAny && line == previousLine {
			observability.RecordSinkWrite(name, "duplicate")
			continue
		}
		previousLine = line
		sentAny = true

		if out.Delay > 0 {
			waitLeft := out.Delay - time.Since(item.Output.Result.ReceivedAt)
			if waitLeft < 0 || waitLeft > out.Delay {
				logger.Debug().Dur("wait_left", waitLeft).Dur("delay", out.Delay).Msg("Capping caption delay")
				waitLeft = out.Delay
			}

			observability.ObserveSinkDelay(name, waitLeft)
			if !sleep(ctl, waitLeft) {
				return
			}

			if out = slot.Current(); out == nil {
				logger.Debug().Str("line", line).Msg("Live output gone after delay, not sending")
				observability.RecordSinkWrite(name, "no_output")
				continue
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
		err := out.WriteCaption(ctx, line, 0)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("Failed writing caption")
			observability.RecordSinkWrite(name, "error")
			continue
		}
		logger.Debug().Str("line", line).Bool("clearance", item.Clearance).Msg("Sent caption line")
		observability.RecordSinkWrite(name, "ok")
	}
}

// sleep waits for d unless ctl is stopped first; it reports whether the full wait elapsed
func sleep(ctl *Control, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return !ctl.Stopping()
	case <-ctl.Done():
		return false
	}
}
