// Package captioner ties one audio source to the recognition stream and the
// caption outputs. All of its state is owned by a single goroutine; worker
// callbacks reach it only by posting to its mailbox.
package captioner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/caption-gateway/internal/audio"
	"github.com/lexiqai/caption-gateway/internal/caption"
	"github.com/lexiqai/caption-gateway/internal/config"
	"github.com/lexiqai/caption-gateway/internal/observability"
	"github.com/lexiqai/caption-gateway/internal/orchestrator"
	"github.com/lexiqai/caption-gateway/internal/output"
)

const (
	// DefaultTickInterval is how often the caption timeout is checked
	DefaultTickInterval = time.Second

	dispatchQueueDepth = 128
	dispatchTimeout    = 5 * time.Second
)

// ClientFactoryFunc builds recognition client factories for a set of stream settings
type ClientFactoryFunc func(settings config.StreamSettings) orchestrator.ClientFactory

// Config wires a Captioner to the host and the outputs
type Config struct {
	Host       audio.Host
	NewClients ClientFactoryFunc

	// Publisher receives caption events and status changes; optional
	Publisher output.Publisher
	// TextSink receives on-screen text output updates; optional
	TextSink output.TextSink
	// OnStatus runs on the captioner goroutine and must not call back into the captioner
	OnStatus func(StatusEvent)

	// AudioDumpDir, when set, receives a WAV file of each capture session
	AudioDumpDir string

	TickInterval time.Duration
	Now          func() time.Time
}

// capture is one running audio capture session
type capture struct {
	id       int
	pipeline interface {
		Status() audio.CaptureStatus
		Close()
	}
	recorder *audio.WavRecorder
	speech   *audio.SpeechDetector
}

// Captioner captions one audio source
type Captioner struct {
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger

	box      *mailbox
	jobs     chan func(ctx context.Context)
	loopDone chan struct{}
	jobsDone chan struct{}
	closing  sync.Once

	audioChunks atomic.Int64

	// owned by the mailbox goroutine
	settings      config.CaptionerSettings
	captureID     int
	capture       *capture
	orch          *orchestrator.Orchestrator
	streamGen     int
	processor     *caption.Processor
	history       caption.History
	haveLast      bool
	lastText      string
	lastFinal     bool
	lastCaptionAt time.Time
	cleared       bool
	lastStatus    StatusEvent
	textSetters   map[string]*output.TextSetter

	streamSlot      output.OutputSlot
	recordingSlot   output.OutputSlot
	streamWriter    *output.Writer
	recordingWriter *output.Writer
	transcripts     map[string]*output.Writer
}

// New creates a stopped captioner with the given settings and starts its goroutines
func New(cfg Config, settings config.CaptionerSettings) *Captioner {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Captioner{
		cfg:             cfg,
		now:             cfg.Now,
		logger:          observability.Component("captioner"),
		box:             newMailbox(),
		jobs:            make(chan func(ctx context.Context), dispatchQueueDepth),
		loopDone:        make(chan struct{}),
		jobsDone:        make(chan struct{}),
		settings:        settings,
		cleared:         true,
		streamWriter:    output.NewWriter(output.SessionStreaming),
		recordingWriter: output.NewWriter(output.SessionRecording),
		transcripts: map[string]*output.Writer{
			output.SessionStreaming:  output.NewWriter("transcript_" + output.SessionStreaming),
			output.SessionRecording:  output.NewWriter("transcript_" + output.SessionRecording),
			output.SessionVirtualcam: output.NewWriter("transcript_" + output.SessionVirtualcam),
		},
	}
	c.lastStatus = StatusEvent{Type: EventStopped, Settings: settings, CaptureStatus: audio.StatusNotStreamed, At: c.now()}
	c.rebuildTextSetters()

	go c.loop()
	go c.dispatchLoop()
	return c
}

func (c *Captioner) loop() {
	defer close(c.loopDone)

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.box.notify:
		case <-ticker.C:
			c.clearIfIdle(c.now())
			continue
		}

		for _, fn := range c.box.drain() {
			fn()
		}
		if c.box.isClosed() {
			// closures posted between the drain and the close check
			for _, fn := range c.box.drain() {
				fn()
			}
			return
		}
	}
}

// call runs fn on the captioner goroutine and waits for it
func (c *Captioner) call(fn func()) bool {
	done := make(chan struct{})
	if !c.box.post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	<-done
	return true
}

// dispatchLoop performs output side effects that may block on the network,
// keeping them off the captioner goroutine
func (c *Captioner) dispatchLoop() {
	defer close(c.jobsDone)
	for job := range c.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		job(ctx)
		cancel()
	}
}

// dispatch queues job; it is dropped when the queue is full
func (c *Captioner) dispatch(job func(ctx context.Context)) {
	select {
	case c.jobs <- job:
	default:
		observability.RecordSinkWrite("dispatch", "queue_rejected")
		c.logger.Warn().Msg("Output dispatch queue full, dropping update")
	}
}

// SetSettings stops captioning and replaces the settings
func (c *Captioner) SetSettings(settings config.CaptionerSettings) {
	c.call(func() {
		c.stop(false)
		settingsEqual := c.settings.Equal(settings)
		streamEqual := c.settings.StreamEqual(settings)
		c.settings = settings
		c.rebuildTextSetters()

		c.emit(StatusEvent{
			Type:                  EventNewSettingsStopped,
			SettingsChanged:       !settingsEqual,
			StreamSettingsChanged: !streamEqual,
			Settings:              settings,
			CaptureStatus:         audio.StatusNotStreamed,
		})
	})
}

// StartCaptionStream (re)starts captioning with settings and reports whether it started
func (c *Captioner) StartCaptionStream(settings config.CaptionerSettings) bool {
	started := false
	c.call(func() {
		started = c.start(settings)
	})
	return started
}

// StopCaptionStream stops captioning; signal emits a stopped event
func (c *Captioner) StopCaptionStream(signal bool) {
	c.call(func() {
		c.stop(signal)
	})
}

// Settings returns the current settings
func (c *Captioner) Settings() config.CaptionerSettings {
	var s config.CaptionerSettings
	c.call(func() {
		s = c.settings
	})
	return s
}

// Status returns the last status event, the recent captions and the stream state
func (c *Captioner) Status() Status {
	var st Status
	ok := c.call(func() {
		st = Status{
			Last:          c.lastStatus,
			Active:        c.orch != nil,
			CaptureID:     c.captureID,
			CaptureStatus: audio.StatusNotStreamed,
			Recent:        c.history.Recent(),
			Outputs:       c.activeOutputs(),
		}
		if c.capture != nil {
			st.CaptureStatus = c.capture.pipeline.Status()
		}
		if c.orch != nil {
			snap := c.orch.Snapshot()
			st.Stream = &snap
		}
	})
	if !ok {
		st.Last = StatusEvent{Type: EventStopped, CaptureStatus: audio.StatusNotStreamed}
		st.CaptureStatus = audio.StatusNotStreamed
	}
	st.AudioChunks = c.audioChunks.Load()
	return st
}

// Close stops every output and the caption stream, then stops the goroutines
func (c *Captioner) Close() {
	c.closing.Do(func() {
		c.call(func() {
			for _, kind := range []string{output.SessionStreaming, output.SessionRecording, output.SessionVirtualcam} {
				c.outputStopped(kind)
			}
			c.stop(false)
		})
		c.box.close()
		<-c.loopDone
		close(c.jobs)
		<-c.jobsDone
		c.logger.Info().Msg("Captioner closed")
	})
}

// emit records ev as the last status and reports it
func (c *Captioner) emit(ev StatusEvent) {
	ev.At = c.now()
	c.lastStatus = ev
	c.logger.Info().
		Str("event", string(ev.Type)).
		Str("capture_status", ev.CaptureStatus.String()).
		Bool("active", ev.Active).
		Bool("settings_changed", ev.SettingsChanged).
		Msg("Captioner status")

	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(ev)
	}
	if pub := c.cfg.Publisher; pub != nil {
		c.dispatch(func(ctx context.Context) {
			msg := output.Message{Type: output.MessageStatus, Status: ev, SentAt: ev.At}
			if err := pub.Publish(ctx, msg); err != nil {
				c.logger.Debug().Err(err).Msg("Failed publishing status")
			}
		})
	}
}

func (c *Captioner) activeOutputs() map[string]bool {
	active := map[string]bool{
		output.SessionStreaming: c.streamWriter.Active(),
		output.SessionRecording: c.recordingWriter.Active(),
	}
	for _, w := range c.transcripts {
		active[w.Name()] = w.Active()
	}
	return active
}

func (c *Captioner) rebuildTextSetters() {
	c.textSetters = make(map[string]*output.TextSetter)
	for _, t := range c.settings.TextOutputs {
		if t.ValidEnabled() {
			c.textSetters[t.Name] = output.NewTextSetter(c.cfg.TextSink)
		}
	}
}
