package audio

import (
	"sync"
	"sync/atomic"
)

// SpeechConfig holds configuration for speech activity detection on canonical audio
type SpeechConfig struct {
	EnergyThreshold float64 // RMS energy threshold for a speech frame
	SilenceFrames   int     // consecutive silent frames that end speech
	FrameSize       int     // samples per frame
}

// DefaultSpeechConfig returns 20 ms frames at the canonical rate and 400 ms of hangover
func DefaultSpeechConfig() SpeechConfig {
	return SpeechConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   20,
		FrameSize:       Canonical.SampleRate / 50,
	}
}

// SpeechFunc is told when speech starts (true) and ends (false)
type SpeechFunc func(speaking bool)

// SpeechDetector tracks whether the captured audio currently carries speech.
// Process is called from the audio path; Speaking may be read from anywhere.
type SpeechDetector struct {
	config   SpeechConfig
	onChange SpeechFunc

	mu             sync.Mutex
	pending        []int16
	silenceCounter int
	speaking       atomic.Bool
}

// NewSpeechDetector creates a detector; onChange may be nil
func NewSpeechDetector(config SpeechConfig, onChange SpeechFunc) *SpeechDetector {
	def := DefaultSpeechConfig()
	if config.FrameSize <= 0 {
		config.FrameSize = def.FrameSize
	}
	if config.SilenceFrames <= 0 {
		config.SilenceFrames = def.SilenceFrames
	}
	return &SpeechDetector{config: config, onChange: onChange}
}

// Process feeds a canonical S16LE chunk. Samples that do not fill a frame
// are kept for the next chunk.
func (d *SpeechDetector) Process(chunk []byte) {
	d.mu.Lock()
	d.pending = append(d.pending, BytesToSamples(chunk)...)

	var changes []bool
	size := d.config.FrameSize
	for len(d.pending) >= size {
		if changed, speaking := d.processFrame(d.pending[:size]); changed {
			changes = append(changes, speaking)
		}
		d.pending = d.pending[size:]
	}
	// keep the backing array from growing without bound
	d.pending = append([]int16(nil), d.pending...)
	d.mu.Unlock()

	if d.onChange == nil {
		return
	}
	for _, speaking := range changes {
		d.onChange(speaking)
	}
}

// processFrame is called with mu held
func (d *SpeechDetector) processFrame(samples []int16) (changed, speaking bool) {
	if CalculateRMS(samples) > d.config.EnergyThreshold {
		d.silenceCounter = 0
		if !d.speaking.Load() {
			d.speaking.Store(true)
			return true, true
		}
		return false, true
	}

	d.silenceCounter++
	if d.speaking.Load() && d.silenceCounter >= d.config.SilenceFrames {
		d.speaking.Store(false)
		d.silenceCounter = 0
		return true, false
	}
	return false, d.speaking.Load()
}

// Speaking reports whether speech is currently detected
func (d *SpeechDetector) Speaking() bool {
	return d.speaking.Load()
}

// Reset forgets buffered samples and ends any speech without notifying
func (d *SpeechDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = nil
	d.silenceCounter = 0
	d.speaking.Store(false)
}
