package audio

import (
	"fmt"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WavRecorder dumps canonical audio to a WAV file as it arrives
type WavRecorder struct {
	mu      sync.Mutex
	file    *os.File
	enc     *wav.Encoder
	samples int
	closed  bool
}

// NewWavRecorder creates the file at path and writes the WAV header on Close
func NewWavRecorder(path string) (*WavRecorder, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav dump: %w", err)
	}

	return &WavRecorder{
		file: file,
		enc:  wav.NewEncoder(file, Canonical.SampleRate, 16, Canonical.Channels, 1),
	}, nil
}

// Write appends one chunk of canonical s16le audio
func (r *WavRecorder) Write(pcm []byte) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}

	samples := make([]int, len(pcm)/2)
	for i, s := range BytesToSamples(pcm) {
		samples[i] = int(s)
	}

	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: Canonical.Channels,
			SampleRate:  Canonical.SampleRate,
		},
		Data:           samples,
		SourceBitDepth: 16,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("wav dump already closed")
	}
	if err := r.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	r.samples += len(samples)
	return nil
}

// Samples returns the number of samples written so far
func (r *WavRecorder) Samples() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.samples
}

// Close finalises the header and closes the file
func (r *WavRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	if err := r.enc.Close(); err != nil {
		r.file.Close()
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return r.file.Close()
}
