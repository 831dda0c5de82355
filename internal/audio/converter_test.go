package audio

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
)

func s16Bytes(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func f32Bytes(samples ...float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

func TestFormat_Validate(t *testing.T) {
	tests := []struct {
		name    string
		format  Format
		wantErr bool
	}{
		{"canonical", Canonical, false},
		{"host stereo float", Format{SampleRate: 48000, Channels: 2, Encoding: EncodingF32LE}, false},
		{"zero rate", Format{SampleRate: 0, Channels: 1, Encoding: EncodingS16LE}, true},
		{"zero channels", Format{SampleRate: 16000, Channels: 0, Encoding: EncodingS16LE}, true},
		{"unknown encoding", Format{SampleRate: 16000, Channels: 1, Encoding: "s24be"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.format.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidFormat) {
				t.Errorf("Expected ErrInvalidFormat, got %v", err)
			}
		})
	}
}

func TestNewResampler_RejectsNonCanonicalTarget(t *testing.T) {
	stereo := Format{SampleRate: 16000, Channels: 2, Encoding: EncodingS16LE}
	if _, err := NewResampler(Canonical, stereo); err == nil {
		t.Error("Expected error for stereo target")
	}
	if _, err := NewResampler(Format{}, Canonical); err == nil {
		t.Error("Expected error for empty source format")
	}
}

func TestResampler_Downsample(t *testing.T) {
	from := Format{SampleRate: 48000, Channels: 1, Encoding: EncodingS16LE}
	r, err := NewResampler(from, Canonical)
	if err != nil {
		t.Fatalf("NewResampler failed: %v", err)
	}

	samples := make([]int16, 4800) // 0.1 seconds at 48kHz
	for i := range samples {
		samples[i] = int16(i % 1000)
	}

	out, frames, err := r.Resample(s16Bytes(samples...))
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}

	// Should have approximately 1600 samples (0.1 seconds at 16kHz)
	if frames < 1599 || frames > 1600 {
		t.Errorf("Expected about 1600 frames, got %d", frames)
	}
	if len(out) != frames*2 {
		t.Errorf("Expected %d bytes, got %d", frames*2, len(out))
	}
}

func TestResampler_ChunkedStreamKeepsLength(t *testing.T) {
	tests := []struct {
		name   string
		rate   int
		frames int
		chunks int
	}{
		{"48kHz 1024-frame buffers", 48000, 1024, 2812},
		{"44.1kHz 1024-frame buffers", 44100, 1024, 1000},
		{"44.1kHz 441-frame buffers", 44100, 441, 500},
		{"8kHz upsample 160-frame buffers", 8000, 160, 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from := Format{SampleRate: tt.rate, Channels: 1, Encoding: EncodingS16LE}
			r, err := NewResampler(from, Canonical)
			if err != nil {
				t.Fatalf("NewResampler failed: %v", err)
			}

			chunk := s16Bytes(make([]int16, tt.frames)...)
			total := 0
			for i := 0; i < tt.chunks; i++ {
				_, frames, err := r.Resample(chunk)
				if err != nil {
					t.Fatalf("Resample chunk %d failed: %v", i, err)
				}
				total += frames
			}

			// the held-back input sample may still owe its outputs
			lag := (Canonical.SampleRate + tt.rate - 1) / tt.rate
			input := tt.frames * tt.chunks
			want := input * Canonical.SampleRate / tt.rate
			if total < want-lag || total > want+1 {
				t.Errorf("Expected %d output samples for %d input frames, got %d", want, input, total)
			}
		})
	}
}

func TestResampler_ChunkBoundariesMatchSingleBuffer(t *testing.T) {
	from := Format{SampleRate: 44100, Channels: 1, Encoding: EncodingS16LE}

	samples := make([]int16, 4410)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/44100))
	}

	whole, _ := NewResampler(from, Canonical)
	want, _, err := whole.Resample(s16Bytes(samples...))
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}

	chunked, _ := NewResampler(from, Canonical)
	var got []byte
	for _, size := range []int{1, 333, 1024, 7, 2000, 1045} {
		out, _, err := chunked.Resample(s16Bytes(samples[:size]...))
		if err != nil {
			t.Fatalf("Resample of %d frames failed: %v", size, err)
		}
		got = append(got, out...)
		samples = samples[size:]
	}

	if len(got) != len(want) {
		t.Fatalf("Expected %d bytes across chunks, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Chunked output differs from single buffer at byte %d", i)
		}
	}
}

func TestResampler_DownmixAveragesChannels(t *testing.T) {
	from := Format{SampleRate: 16000, Channels: 2, Encoding: EncodingS16LE}
	r, err := NewResampler(from, Canonical)
	if err != nil {
		t.Fatalf("NewResampler failed: %v", err)
	}

	out, frames, err := r.Resample(s16Bytes(1000, 3000, -2000, -4000))
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}
	if frames != 2 {
		t.Fatalf("Expected 2 frames, got %d", frames)
	}

	got := BytesToSamples(out)
	if got[0] != 2000 || got[1] != -3000 {
		t.Errorf("Expected [2000 -3000], got %v", got)
	}
}

func TestResampler_Float32(t *testing.T) {
	from := Format{SampleRate: 16000, Channels: 1, Encoding: EncodingF32LE}
	r, err := NewResampler(from, Canonical)
	if err != nil {
		t.Fatalf("NewResampler failed: %v", err)
	}

	out, _, err := r.Resample(f32Bytes(0, 0.5, -1, 2))
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}

	got := BytesToSamples(out)
	want := []int16{0, 16383, -32767, 32767}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, want[i], got[i])
		}
	}
}

func TestResampler_IgnoresPartialFrame(t *testing.T) {
	from := Format{SampleRate: 16000, Channels: 2, Encoding: EncodingS16LE}
	r, _ := NewResampler(from, Canonical)

	if _, _, err := r.Resample([]byte{1, 2}); err == nil {
		t.Error("Expected error for buffer smaller than one frame")
	}

	data := append(s16Bytes(10, 20), 0xFF)
	_, frames, err := r.Resample(data)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}
	if frames != 1 {
		t.Errorf("Expected trailing byte to be ignored, got %d frames", frames)
	}
}

func TestMulawToLinear(t *testing.T) {
	// 0xFF is positive zero, 0x7F negative zero
	if v := mulawToLinear(0xFF); v != 0 {
		t.Errorf("Expected 0 for 0xFF, got %d", v)
	}
	if v := mulawToLinear(0x7F); v != 0 {
		t.Errorf("Expected 0 for 0x7F, got %d", v)
	}
	if v := mulawToLinear(0x00); v >= 0 {
		t.Errorf("Expected large negative for 0x00, got %d", v)
	}
	if v := mulawToLinear(0x80); v <= 0 {
		t.Errorf("Expected large positive for 0x80, got %d", v)
	}

	// full-scale end points use the 16-bit range
	if v := mulawToLinear(0x80); v != 32124 {
		t.Errorf("Expected 32124 for 0x80, got %d", v)
	}
	if v := mulawToLinear(0x00); v != -32124 {
		t.Errorf("Expected -32124 for 0x00, got %d", v)
	}
	if v := mulawToLinear(0xFE); v != 8 {
		t.Errorf("Expected 8 for 0xFE, got %d", v)
	}
}

func TestCalculateRMS(t *testing.T) {
	if rms := CalculateRMS(nil); rms != 0 {
		t.Errorf("Expected RMS 0 for empty input, got %f", rms)
	}

	rms := CalculateRMS([]int16{1000, -1000, 1000, -1000})
	if math.Abs(rms-1000) > 0.001 {
		t.Errorf("Expected RMS 1000, got %f", rms)
	}
}
