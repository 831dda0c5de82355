package captioner

import (
	"fmt"

	"github.com/lexiqai/caption-gateway/internal/output"
)

// OutputEvent reports a host output session starting or stopping
type OutputEvent struct {
	Kind    string // output.SessionStreaming, SessionRecording or SessionVirtualcam
	Started bool
	// Live is the session captions are written to; unused for virtualcam
	Live *output.LiveOutput
	// RecordingPath names the recording file, for transcript naming
	RecordingPath string
}

// HandleOutputEvent starts or stops the writers of an output session
func (c *Captioner) HandleOutputEvent(ev OutputEvent) error {
	switch ev.Kind {
	case output.SessionStreaming, output.SessionRecording, output.SessionVirtualcam:
	default:
		return fmt.Errorf("unknown output session %q", ev.Kind)
	}

	c.call(func() {
		if ev.Started {
			c.outputStarted(ev)
		} else {
			c.outputStopped(ev.Kind)
		}
	})
	return nil
}

func (c *Captioner) outputStarted(ev OutputEvent) {
	logger := c.logger.With().Str("output", ev.Kind).Logger()

	switch ev.Kind {
	case output.SessionStreaming:
		c.startCaptionWriter(c.streamWriter, &c.streamSlot, ev.Live)
	case output.SessionRecording:
		c.startCaptionWriter(c.recordingWriter, &c.recordingSlot, ev.Live)
	}

	tr := c.settings.Transcript
	if !tr.HasBaseSettings() || !tr.SessionEnabled(ev.Kind) {
		logger.Info().Msg("Output started")
		return
	}

	ctl := output.NewControl(output.DefaultQueueDepth)
	c.transcripts[ev.Kind].SetControl(ctl)
	target := output.TranscriptTarget{Kind: ev.Kind, RecordingPath: ev.RecordingPath, StartedAt: c.now()}
	go output.RunTranscriptWriter(ctl, target, tr)
	logger.Info().Bool("transcript", true).Msg("Output started")
}

func (c *Captioner) startCaptionWriter(w *output.Writer, slot *output.OutputSlot, live *output.LiveOutput) {
	if live == nil {
		live = &output.LiveOutput{Name: w.Name()}
	}
	slot.Set(live)

	ctl := output.NewControl(output.DefaultQueueDepth)
	w.SetControl(ctl)
	go output.RunCaptionWriter(ctl, w.Name(), slot)
}

func (c *Captioner) outputStopped(kind string) {
	switch kind {
	case output.SessionStreaming:
		c.streamWriter.Clear()
		c.streamSlot.Clear()
	case output.SessionRecording:
		c.recordingWriter.Clear()
		c.recordingSlot.Clear()
	}
	c.transcripts[kind].Clear()
	c.logger.Info().Str("output", kind).Msg("Output stopped")
}
