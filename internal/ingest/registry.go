// Package ingest adapts a remote host media application to audio.Host. The
// host pushes PCM and source state over websocket connections, and every
// connected source or output track is registered here for capture.
package ingest

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/caption-gateway/internal/audio"
	"github.com/lexiqai/caption-gateway/internal/observability"
)

var (
	ErrSourceExists = errors.New("source already connected")
	ErrTrackExists  = errors.New("output track already connected")
)

// Registry is the set of host sources and output tracks currently connected
type Registry struct {
	format audio.Format

	mu            sync.RWMutex
	sources       map[string]*Source
	tracks        map[int]*Track
	onSourceAdded func(name string)

	logger zerolog.Logger
}

// NewRegistry creates an empty registry for hosts sending audio in format
func NewRegistry(format audio.Format) *Registry {
	return &Registry{
		format:  format,
		sources: make(map[string]*Source),
		tracks:  make(map[int]*Track),
		logger:  observability.Component("ingest"),
	}
}

// OnSourceAdded registers fn to run after a source or track connects.
// Track connections report the caption source name of the track.
func (r *Registry) OnSourceAdded(fn func(name string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSourceAdded = fn
}

// AudioFormat implements audio.Host
func (r *Registry) AudioFormat() (audio.Format, bool) {
	if err := r.format.Validate(); err != nil {
		return audio.Format{}, false
	}
	return r.format, true
}

// LookupSource implements audio.Host
func (r *Registry) LookupSource(name string) (audio.Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[name]
	if !ok {
		return nil, false
	}
	return s, true
}

// LookupTrack implements audio.Host
func (r *Registry) LookupTrack(index int) (audio.Track, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tracks[index]
	if !ok {
		return nil, false
	}
	return t, true
}

// Sources returns the names of the connected sources, sorted
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tracks returns the indexes of the connected output tracks, sorted
func (r *Registry) Tracks() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	indexes := make([]int, 0, len(r.tracks))
	for index := range r.tracks {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	return indexes
}

// AddSource registers a new source in its initial state
func (r *Registry) AddSource(name string, state audio.SourceState) (*Source, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", audio.ErrNoSource)
	}

	r.mu.Lock()
	if _, ok := r.sources[name]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrSourceExists, name)
	}
	s := newSource(name, r.format, state)
	r.sources[name] = s
	hook := r.onSourceAdded
	r.mu.Unlock()

	r.logger.Info().Str("source", name).Msg("Source connected")
	if hook != nil {
		hook(name)
	}
	return s, nil
}

// RemoveSource unregisters s. Attached captures see it go inactive.
func (r *Registry) RemoveSource(s *Source) {
	r.mu.Lock()
	if cur, ok := r.sources[s.name]; ok && cur == s {
		delete(r.sources, s.name)
	}
	r.mu.Unlock()

	s.SetState(audio.SourceState{})
	r.logger.Info().Str("source", s.name).Msg("Source disconnected")
}

// AddTrack registers a new output track
func (r *Registry) AddTrack(index int, sourceName string) (*Track, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: index %d", audio.ErrNoTrack, index)
	}

	r.mu.Lock()
	if _, ok := r.tracks[index]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrTrackExists, index)
	}
	t := newTrack(index, r.format)
	r.tracks[index] = t
	hook := r.onSourceAdded
	r.mu.Unlock()

	r.logger.Info().Int("track", index).Msg("Output track connected")
	if hook != nil {
		hook(sourceName)
	}
	return t, nil
}

// RemoveTrack unregisters t
func (r *Registry) RemoveTrack(t *Track) {
	r.mu.Lock()
	if cur, ok := r.tracks[t.index]; ok && cur == t {
		delete(r.tracks, t.index)
	}
	r.mu.Unlock()
	r.logger.Info().Int("track", t.index).Msg("Output track disconnected")
}

// Source is one host source pushed over an ingest connection
type Source struct {
	name   string
	format audio.Format

	mu    sync.RWMutex
	state audio.SourceState
	taps  map[int]audio.Tap
	next  int
}

func newSource(name string, format audio.Format, state audio.SourceState) *Source {
	return &Source{name: name, format: format, state: state, taps: make(map[int]audio.Tap)}
}

// Name implements audio.Source
func (s *Source) Name() string {
	return s.name
}

// State implements audio.Source
func (s *Source) State() audio.SourceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Attach implements audio.Source
func (s *Source) Attach(tap audio.Tap) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.taps[id] = tap

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.taps, id)
		})
	}
}

// SetState replaces the source state and notifies attached taps when it changed
func (s *Source) SetState(state audio.SourceState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	taps := s.snapshot()
	s.mu.Unlock()

	if !changed {
		return
	}
	for _, tap := range taps {
		tap.OnStateChanged()
	}
}

// Push delivers host-format PCM to the attached taps. A trailing partial
// frame is dropped. It returns the number of whole frames delivered.
func (s *Source) Push(data []byte, muted bool) int {
	frames, data := wholeFrames(data, s.format)
	if frames == 0 {
		return 0
	}

	s.mu.RLock()
	taps := s.snapshot()
	s.mu.RUnlock()

	for _, tap := range taps {
		tap.OnAudio(data, frames, muted)
	}
	return frames
}

// snapshot is called with mu held
func (s *Source) snapshot() []audio.Tap {
	taps := make([]audio.Tap, 0, len(s.taps))
	for _, tap := range s.taps {
		taps = append(taps, tap)
	}
	return taps
}

// Track is one host output mix track pushed over an ingest connection
type Track struct {
	index  int
	format audio.Format

	mu   sync.RWMutex
	taps map[int]audio.TrackTap
	next int
}

func newTrack(index int, format audio.Format) *Track {
	return &Track{index: index, format: format, taps: make(map[int]audio.TrackTap)}
}

// Index implements audio.Track
func (t *Track) Index() int {
	return t.index
}

// Attach implements audio.Track
func (t *Track) Attach(tap audio.TrackTap) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.next
	t.next++
	t.taps[id] = tap

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.taps, id)
		})
	}
}

// Push delivers host-format mix audio to the attached taps
func (t *Track) Push(data []byte) int {
	frames, data := wholeFrames(data, t.format)
	if frames == 0 {
		return 0
	}

	t.mu.RLock()
	taps := make([]audio.TrackTap, 0, len(t.taps))
	for _, tap := range t.taps {
		taps = append(taps, tap)
	}
	t.mu.RUnlock()

	for _, tap := range taps {
		tap.OnTrackAudio(data, frames)
	}
	return frames
}

func wholeFrames(data []byte, format audio.Format) (int, []byte) {
	size := format.FrameSize()
	if size <= 0 {
		return 0, nil
	}
	frames := len(data) / size
	return frames, data[:frames*size]
}
