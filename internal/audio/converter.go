package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
)

// Encoding is a PCM sample encoding
type Encoding string

const (
	EncodingS16LE Encoding = "s16le" // 16-bit signed little-endian
	EncodingF32LE Encoding = "f32le" // 32-bit float little-endian, [-1, 1]
	EncodingMuLaw Encoding = "mulaw" // G.711 μ-law
)

// BytesPerSample returns the size of one sample of one channel, or 0 if unknown
func (e Encoding) BytesPerSample() int {
	switch e {
	case EncodingS16LE:
		return 2
	case EncodingF32LE:
		return 4
	case EncodingMuLaw:
		return 1
	default:
		return 0
	}
}

// Format describes interleaved PCM audio
type Format struct {
	SampleRate int
	Channels   int
	Encoding   Encoding
}

// Canonical is the format the recognizer consumes: mono, 16 kHz, 16-bit
var Canonical = Format{SampleRate: 16000, Channels: 1, Encoding: EncodingS16LE}

// ErrInvalidFormat is returned for formats that cannot be decoded
var ErrInvalidFormat = errors.New("invalid audio format")

// Validate checks that the format can be decoded
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrInvalidFormat, f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("%w: %d channels", ErrInvalidFormat, f.Channels)
	}
	if f.Encoding.BytesPerSample() == 0 {
		return fmt.Errorf("%w: encoding %q", ErrInvalidFormat, f.Encoding)
	}
	return nil
}

// FrameSize returns the size in bytes of one frame (one sample for every channel)
func (f Format) FrameSize() int {
	return f.Channels * f.Encoding.BytesPerSample()
}

// String implements fmt.Stringer
func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%s", f.SampleRate, f.Channels, f.Encoding)
}

// Resampler converts host audio into a mono 16-bit target format.
// The source format is fixed for the resampler's lifetime. Successive calls
// are treated as one continuous stream: interpolation carries over between
// chunks, so chunk sizes that are not a multiple of the rate ratio lose nothing.
type Resampler struct {
	from Format
	to   Format

	mu sync.Mutex
	// pos is the next output position in units of 1/to.SampleRate input
	// samples, relative to last when haveLast is set
	pos      int64
	last     int16
	haveLast bool
}

// NewResampler builds a converter from one format to another
func NewResampler(from, to Format) (*Resampler, error) {
	if err := from.Validate(); err != nil {
		return nil, fmt.Errorf("resampler source: %w", err)
	}
	if err := to.Validate(); err != nil {
		return nil, fmt.Errorf("resampler target: %w", err)
	}
	if to.Channels != 1 || to.Encoding != EncodingS16LE {
		return nil, fmt.Errorf("%w: resampler only produces mono s16le, got %s", ErrInvalidFormat, to)
	}
	return &Resampler{from: from, to: to}, nil
}

// Resample converts one buffer of whole frames and returns the converted bytes and frame count.
// Trailing bytes that do not make a whole frame are ignored.
func (r *Resampler) Resample(data []byte) ([]byte, int, error) {
	frameSize := r.from.FrameSize()
	frames := len(data) / frameSize
	if frames == 0 {
		return nil, 0, fmt.Errorf("buffer of %d bytes holds no whole %s frame", len(data), r.from)
	}

	samples := decodeMono(data[:frames*frameSize], r.from)
	if r.from.SampleRate != r.to.SampleRate {
		r.mu.Lock()
		samples = r.resample(samples)
		r.mu.Unlock()
	}

	return encodeS16(samples), len(samples), nil
}

// resample linearly interpolates samples, continuing from the previous call.
// The last input sample is held back until the next chunk arrives to
// interpolate against, so output trails input by at most one sample.
func (r *Resampler) resample(samples []int16) []int16 {
	in, out := int64(r.from.SampleRate), int64(r.to.SampleRate)

	src := samples
	if r.haveLast {
		src = make([]int16, 0, len(samples)+1)
		src = append(src, r.last)
		src = append(src, samples...)
	}

	end := int64(len(src) - 1)
	output := make([]int16, 0, (end*out)/in+1)
	for {
		idx0 := r.pos / out
		if idx0 >= end {
			break
		}
		fraction := float64(r.pos%out) / float64(out)
		v := float64(src[idx0])*(1.0-fraction) + float64(src[idx0+1])*fraction
		output = append(output, int16(math.Round(v)))
		r.pos += in
	}

	// rebase onto the sample carried into the next call
	r.pos -= end * out
	r.last = src[end]
	r.haveLast = true

	return output
}

// decodeMono decodes interleaved frames and downmixes them by averaging channels
func decodeMono(data []byte, f Format) []int16 {
	bps := f.Encoding.BytesPerSample()
	frames := len(data) / f.FrameSize()
	out := make([]int16, frames)

	for i := 0; i < frames; i++ {
		sum := 0.0
		for ch := 0; ch < f.Channels; ch++ {
			off := (i*f.Channels + ch) * bps
			sum += float64(decodeSample(data[off:off+bps], f.Encoding))
		}
		out[i] = int16(math.Round(sum / float64(f.Channels)))
	}

	return out
}

func decodeSample(b []byte, enc Encoding) int16 {
	switch enc {
	case EncodingS16LE:
		return int16(binary.LittleEndian.Uint16(b))
	case EncodingF32LE:
		v := math.Float32frombits(binary.LittleEndian.Uint32(b))
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		return int16(v * math.MaxInt16)
	case EncodingMuLaw:
		return mulawToLinear(b[0])
	}
	return 0
}

func encodeS16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// mulawToLinear converts an 8-bit G.711 μ-law sample to 16-bit linear PCM
func mulawToLinear(mulawByte byte) int16 {
	// μ-law stores all bits inverted
	mulawByte = ^mulawByte

	sign := mulawByte & 0x80
	segment := int32((mulawByte >> 4) & 0x07)
	mantissa := int32(mulawByte & 0x0F)

	magnitude := ((mantissa<<3)+0x84)<<segment - 0x84

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// BytesToSamples reinterprets s16le bytes as samples
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}
