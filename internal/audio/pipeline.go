package audio

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/lexiqai/caption-gateway/internal/callback"
	"github.com/lexiqai/caption-gateway/internal/observability"
)

// CaptureStatus says whether a source's audio is currently eligible for captioning
type CaptureStatus int32

const (
	StatusCapturing CaptureStatus = iota
	StatusMuted
	StatusNotStreamed
)

func (s CaptureStatus) String() string {
	switch s {
	case StatusCapturing:
		return "capturing"
	case StatusMuted:
		return "muted"
	case StatusNotStreamed:
		return "not_streamed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// MarshalText encodes the status by name
func (s CaptureStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name
func (s *CaptureStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "capturing":
		*s = StatusCapturing
	case "muted":
		*s = StatusMuted
	case "not_streamed":
		*s = StatusNotStreamed
	default:
		return fmt.Errorf("unknown capture status %q", text)
	}
	return nil
}

// MutedPolicy decides what happens to audio while the source is not capturing
type MutedPolicy int

const (
	MutedReplaceWithZero MutedPolicy = iota // emit silence of equal length
	MutedDiscard                            // emit nothing
	MutedStillCapture                       // pass the real audio through
)

// ParseMutedPolicy parses a policy name; empty selects the default zero fill
func ParseMutedPolicy(name string) (MutedPolicy, error) {
	switch strings.ToLower(name) {
	case "", "replace_with_zero":
		return MutedReplaceWithZero, nil
	case "discard_when_muted":
		return MutedDiscard, nil
	case "still_capture":
		return MutedStillCapture, nil
	default:
		return MutedReplaceWithZero, fmt.Errorf("unknown muted policy %q", name)
	}
}

// SourceState is the host's view of a source
type SourceState struct {
	Active  bool `json:"active"`
	Showing bool `json:"showing"`
	Enabled bool `json:"enabled"`
	Muted   bool `json:"muted"`
}

// CaptureStatus derives the capture status from the source flags
func (s SourceState) CaptureStatus() CaptureStatus {
	if !s.Active || !s.Showing || !s.Enabled {
		return StatusNotStreamed
	}
	if s.Muted {
		return StatusMuted
	}
	return StatusCapturing
}

// Tap receives audio and state-change notifications from a host source
type Tap interface {
	OnAudio(data []byte, frames int, muted bool)
	OnStateChanged()
}

// Source is a host audio source
type Source interface {
	Name() string
	State() SourceState
	// Attach registers a tap until the returned detach func is called
	Attach(tap Tap) (detach func())
}

// TrackTap receives audio from a host output mix track
type TrackTap interface {
	OnTrackAudio(data []byte, frames int)
}

// Track is a host post-mix output track
type Track interface {
	Index() int
	Attach(tap TrackTap) (detach func())
}

// Host is the media application that owns sources, tracks and the audio format
type Host interface {
	AudioFormat() (Format, bool)
	LookupSource(name string) (Source, bool)
	LookupTrack(index int) (Track, bool)
}

// ChunkFunc receives canonical audio; the chunk must not be retained after return
type ChunkFunc func(id int, chunk []byte)

// StatusFunc receives capture status changes
type StatusFunc func(id int, status CaptureStatus)

var (
	ErrNoHostFormat = errors.New("host audio format unavailable")
	ErrNoSource     = errors.New("no audio capture source")
	ErrNoTrack      = errors.New("no audio output track")
)

// CaptureConfig configures a CapturePipeline
type CaptureConfig struct {
	ID            int
	HostFormat    Format
	Source        Source
	MutingSource  Source // nil means Source decides its own mute state
	Policy        MutedPolicy
	SignalOnStart bool
	OnAudio       ChunkFunc
	OnStatus      StatusFunc
}

// CapturePipeline taps one host source, tracks its capture status and
// emits canonical audio chunks
type CapturePipeline struct {
	id              int
	source          Source
	mutingSource    Source
	useCallbackMute bool
	policy          MutedPolicy
	bytesPerChannel int
	resampler       *Resampler

	status   atomic.Int32
	statusMu sync.Mutex

	onAudio  *callback.Slot[ChunkFunc]
	onStatus *callback.Slot[StatusFunc]

	detachOnce sync.Once
	detach     []func()
	logger     zerolog.Logger
}

// NewCapturePipeline attaches to the source and starts delivering audio
func NewCapturePipeline(cfg CaptureConfig) (*CapturePipeline, error) {
	if err := cfg.HostFormat.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoHostFormat, err)
	}
	if cfg.Source == nil {
		return nil, ErrNoSource
	}

	p := &CapturePipeline{
		id:              cfg.ID,
		source:          cfg.Source,
		mutingSource:    cfg.MutingSource,
		useCallbackMute: true,
		policy:          cfg.Policy,
		bytesPerChannel: Canonical.Encoding.BytesPerSample(),
		onAudio:         callback.NewSlot(cfg.OnAudio),
		onStatus:        callback.NewSlot(cfg.OnStatus),
		logger: observability.Component("capture_pipeline").With().
			Int("capture_id", cfg.ID).Str("source", cfg.Source.Name()).Logger(),
	}

	if cfg.HostFormat != Canonical {
		resampler, err := NewResampler(cfg.HostFormat, Canonical)
		if err != nil {
			return nil, fmt.Errorf("failed to create audio resampler: %w", err)
		}
		p.resampler = resampler
		p.logger.Info().Str("from", cfg.HostFormat.String()).Str("to", Canonical.String()).Msg("Created resampler")
	}

	if p.mutingSource != nil {
		// the audio callback's muted flag belongs to the caption source, not the muting source
		p.useCallbackMute = false
		p.logger.Info().Str("muting_source", p.mutingSource.Name()).Msg("Using separate muting source")
		p.detach = append(p.detach,
			p.source.Attach(audioOnlyTap{p}),
			p.mutingSource.Attach(stateOnlyTap{p}),
		)
	} else {
		p.mutingSource = p.source
		p.detach = append(p.detach, p.source.Attach(p))
	}

	p.status.Store(int32(p.mutingSource.State().CaptureStatus()))
	if cfg.SignalOnStart {
		p.stateChanged(true)
	}

	return p, nil
}

// ID returns the capture id the pipeline reports with
func (p *CapturePipeline) ID() int {
	return p.id
}

// Status returns the last computed capture status
func (p *CapturePipeline) Status() CaptureStatus {
	return CaptureStatus(p.status.Load())
}

// OnStateChanged is called by the host whenever the muting source's
// enable/mute/show/activate state changes
func (p *CapturePipeline) OnStateChanged() {
	p.stateChanged(false)
}

func (p *CapturePipeline) stateChanged(always bool) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()

	newStatus := p.mutingSource.State().CaptureStatus()
	if !always && CaptureStatus(p.status.Load()) == newStatus {
		return
	}

	p.logger.Debug().Str("status", newStatus.String()).Msg("Capture status changed")
	p.status.Store(int32(newStatus))
	observability.UpdateCaptureStatus(int(newStatus))

	p.onStatus.Do(func(fn StatusFunc) {
		if fn != nil {
			fn(p.id, newStatus)
		}
	})
}

// OnAudio is called by the host with interleaved host-format audio
func (p *CapturePipeline) OnAudio(data []byte, frames int, muted bool) {
	if len(data) == 0 || frames <= 0 {
		return
	}

	if muted && !p.useCallbackMute {
		muted = false
	}

	if muted || p.Status() != StatusCapturing {
		switch p.policy {
		case MutedDiscard:
			return
		case MutedReplaceWithZero:
			p.emit(make([]byte, frames*p.bytesPerChannel))
			return
		case MutedStillCapture:
		default:
			return
		}
	}

	if p.resampler == nil {
		size := frames * p.bytesPerChannel
		if size > len(data) {
			size = len(data)
		}
		p.emit(data[:size])
		return
	}

	out, _, err := p.resampler.Resample(data)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed resampling audio data")
		return
	}
	if len(out) == 0 {
		return
	}
	p.emit(out)
}

func (p *CapturePipeline) emit(chunk []byte) {
	p.onAudio.Do(func(fn ChunkFunc) {
		if fn == nil {
			return
		}
		observability.RecordAudioChunk("source", len(chunk))
		fn(p.id, chunk)
	})
}

// Close detaches from the host and guarantees no callback fires afterwards
func (p *CapturePipeline) Close() {
	p.onAudio.Clear()
	p.onStatus.Clear()
	p.detachOnce.Do(func() {
		for _, d := range p.detach {
			d()
		}
	})
	p.logger.Debug().Msg("Capture pipeline closed")
}

type audioOnlyTap struct{ p *CapturePipeline }

func (t audioOnlyTap) OnAudio(data []byte, frames int, muted bool) { t.p.OnAudio(data, frames, muted) }
func (t audioOnlyTap) OnStateChanged()                             {}

type stateOnlyTap struct{ p *CapturePipeline }

func (t stateOnlyTap) OnAudio([]byte, int, bool) {}
func (t stateOnlyTap) OnStateChanged()          { t.p.OnStateChanged() }
