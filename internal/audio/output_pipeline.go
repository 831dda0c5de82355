package audio

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/caption-gateway/internal/callback"
	"github.com/lexiqai/caption-gateway/internal/observability"
)

// OutputConfig configures an OutputPipeline
type OutputConfig struct {
	ID            int
	HostFormat    Format
	Track         Track
	SignalOnStart bool
	OnAudio       ChunkFunc
	OnStatus      StatusFunc
}

// OutputPipeline taps a post-mix output track. A track is always live, so
// there is no mute or activity tracking.
type OutputPipeline struct {
	id        int
	track     Track
	resampler *Resampler

	onAudio  *callback.Slot[ChunkFunc]
	onStatus *callback.Slot[StatusFunc]

	detachOnce sync.Once
	detach     func()
	logger     zerolog.Logger
}

// NewOutputPipeline attaches to the track and starts delivering audio
func NewOutputPipeline(cfg OutputConfig) (*OutputPipeline, error) {
	if err := cfg.HostFormat.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoHostFormat, err)
	}
	if cfg.Track == nil {
		return nil, ErrNoTrack
	}

	p := &OutputPipeline{
		id:       cfg.ID,
		track:    cfg.Track,
		onAudio:  callback.NewSlot(cfg.OnAudio),
		onStatus: callback.NewSlot(cfg.OnStatus),
		logger: observability.Component("output_pipeline").With().
			Int("capture_id", cfg.ID).Int("track", cfg.Track.Index()).Logger(),
	}

	if cfg.HostFormat != Canonical {
		resampler, err := NewResampler(cfg.HostFormat, Canonical)
		if err != nil {
			return nil, fmt.Errorf("failed to create audio resampler: %w", err)
		}
		p.resampler = resampler
	}

	p.detach = p.track.Attach(p)
	p.logger.Info().Msg("Attached to output track")

	if cfg.SignalOnStart {
		p.onStatus.Do(func(fn StatusFunc) {
			if fn != nil {
				fn(p.id, StatusCapturing)
			}
		})
	}

	return p, nil
}

// ID returns the capture id the pipeline reports with
func (p *OutputPipeline) ID() int {
	return p.id
}

// Status is always Capturing for an output track
func (p *OutputPipeline) Status() CaptureStatus {
	return StatusCapturing
}

// OnTrackAudio is called by the host with interleaved host-format mix audio
func (p *OutputPipeline) OnTrackAudio(data []byte, frames int) {
	if len(data) == 0 || frames <= 0 {
		return
	}

	chunk := data
	if p.resampler != nil {
		out, _, err := p.resampler.Resample(data)
		if err != nil {
			p.logger.Warn().Err(err).Msg("Failed resampling track audio")
			return
		}
		if len(out) == 0 {
			return
		}
		chunk = out
	}

	p.onAudio.Do(func(fn ChunkFunc) {
		if fn == nil {
			return
		}
		observability.RecordAudioChunk("output_track", len(chunk))
		fn(p.id, chunk)
	})
}

// Close detaches from the track; no callback fires after it returns
func (p *OutputPipeline) Close() {
	p.onAudio.Clear()
	p.onStatus.Clear()
	p.detachOnce.Do(func() {
		if p.detach != nil {
			p.detach()
		}
	})
}
