package captioner

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lexiqai/caption-gateway/internal/audio"
	"github.com/lexiqai/caption-gateway/internal/caption"
	"github.com/lexiqai/caption-gateway/internal/config"
	"github.com/lexiqai/caption-gateway/internal/observability"
	"github.com/lexiqai/caption-gateway/internal/orchestrator"
	"github.com/lexiqai/caption-gateway/internal/stt"
)

var (
	ErrNoSourceName = errors.New("no caption source configured")
	ErrNoClients    = errors.New("no recognition client factory configured")
)

// IsOutputTrackSource reports whether a caption source name selects a whole output track
func IsOutputTrackSource(name string) bool {
	return strings.HasPrefix(name, config.OutputTrackSourcePrefix)
}

// outputTrackIndex parses the track of an output track source name; a bad index selects track 0
func outputTrackIndex(name string) int {
	index, err := strconv.Atoi(strings.TrimPrefix(name, config.OutputTrackSourcePrefix))
	if err != nil || index < 0 {
		return 0
	}
	return index
}

// start runs on the captioner goroutine
func (c *Captioner) start(settings config.CaptionerSettings) bool {
	settingsEqual := c.settings.Equal(settings)
	streamEqual := c.settings.StreamEqual(settings)
	c.settings = settings
	c.rebuildTextSetters()

	c.closeCapture()
	c.processor = nil
	c.captureID++

	status, err := c.startCapture(!streamEqual)
	if err != nil {
		c.logger.Warn().Err(err).Str("source", settings.Source.Name).Msg("Failed to start caption stream")
		observability.RecordError("start", "captioner")
		c.stop(false)
		c.emit(StatusEvent{
			Type:                  EventStartedError,
			SettingsChanged:       !settingsEqual,
			StreamSettingsChanged: !streamEqual,
			Settings:              settings,
			CaptureStatus:         audio.StatusNotStreamed,
			Error:                 err.Error(),
		})
		return false
	}

	c.emit(StatusEvent{
		Type:                  EventStartedOK,
		SettingsChanged:       !settingsEqual,
		StreamSettingsChanged: !streamEqual,
		Settings:              settings,
		CaptureStatus:         status,
		Active:                true,
	})
	return true
}

func (c *Captioner) startCapture(restartStream bool) (audio.CaptureStatus, error) {
	src := c.settings.Source
	if src.Name == "" {
		return audio.StatusNotStreamed, ErrNoSourceName
	}
	if c.cfg.Host == nil {
		return audio.StatusNotStreamed, audio.ErrNoHostFormat
	}

	useTrack := IsOutputTrackSource(src.Name)
	var (
		track        audio.Track
		source       audio.Source
		mutingSource audio.Source
	)
	if useTrack {
		index := outputTrackIndex(src.Name)
		t, ok := c.cfg.Host.LookupTrack(index)
		if !ok {
			return audio.StatusNotStreamed, fmt.Errorf("%w: track %d", audio.ErrNoTrack, index)
		}
		track = t
	} else {
		s, ok := c.cfg.Host.LookupSource(src.Name)
		if !ok {
			return audio.StatusNotStreamed, fmt.Errorf("%w: %q", audio.ErrNoSource, src.Name)
		}
		source = s
		if src.MuteWhen == config.MuteUseOtherSource {
			m, ok := c.cfg.Host.LookupSource(src.MuteSourceName)
			if !ok {
				return audio.StatusNotStreamed, fmt.Errorf("%w: mute source %q", audio.ErrNoSource, src.MuteSourceName)
			}
			mutingSource = m
		}
	}

	if c.orch == nil || restartStream {
		if err := c.newStream(); err != nil {
			return audio.StatusNotStreamed, err
		}
	}
	c.processor = caption.NewProcessor(c.settings.Format)

	hostFormat, ok := c.cfg.Host.AudioFormat()
	if !ok {
		return audio.StatusNotStreamed, audio.ErrNoHostFormat
	}

	sess := &capture{id: c.captureID}
	sess.recorder = c.newRecorder(sess.id)
	sess.speech = audio.NewSpeechDetector(audio.DefaultSpeechConfig(), c.speechChanged(sess.id))
	onAudio := c.audioSink(c.orch, sess.recorder, sess.speech)

	if useTrack {
		p, err := audio.NewOutputPipeline(audio.OutputConfig{
			ID:         sess.id,
			HostFormat: hostFormat,
			Track:      track,
			OnAudio:    onAudio,
			OnStatus:   c.onAudioStatus,
		})
		if err != nil {
			sess.closeRecorder()
			return audio.StatusNotStreamed, err
		}
		sess.pipeline = p
	} else {
		policy, err := audio.ParseMutedPolicy(src.MutedPolicy)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Using default muted policy")
		}
		if src.MuteWhen == config.MuteAlwaysCaption {
			policy = audio.MutedStillCapture
		}

		p, err := audio.NewCapturePipeline(audio.CaptureConfig{
			ID:           sess.id,
			HostFormat:   hostFormat,
			Source:       source,
			MutingSource: mutingSource,
			Policy:       policy,
			OnAudio:      onAudio,
			OnStatus:     c.onAudioStatus,
		})
		if err != nil {
			sess.closeRecorder()
			return audio.StatusNotStreamed, err
		}
		sess.pipeline = p
	}

	c.capture = sess
	c.logger.Info().Int("capture_id", sess.id).Str("source", src.Name).Bool("output_track", useTrack).Msg("Caption stream started")
	return sess.pipeline.Status(), nil
}

// newStream replaces the orchestrator
func (c *Captioner) newStream() error {
	if c.cfg.NewClients == nil {
		return ErrNoClients
	}
	c.closeStream()

	c.streamGen++
	gen := c.streamGen
	c.orch = orchestrator.New(orchestrator.Config{
		Factory: c.cfg.NewClients(c.settings.Stream),
		Overlap: c.settings.Overlap,
		OnResult: func(result stt.RawResult, interrupted bool) {
			c.box.post(func() { c.handleResult(gen, result, interrupted) })
		},
	})
	c.haveLast = false
	return nil
}

func (c *Captioner) closeStream() {
	if c.orch != nil {
		c.orch.Close()
		c.orch = nil
	}
}

// stop runs on the captioner goroutine
func (c *Captioner) stop(signal bool) {
	c.closeCapture()
	c.closeStream()
	c.processor = nil
	c.captureID++

	if signal {
		c.emit(StatusEvent{
			Type:          EventStopped,
			Settings:      c.settings,
			CaptureStatus: audio.StatusNotStreamed,
		})
	}
}

// closeCapture detaches from the host before anything the audio callback uses goes away
func (c *Captioner) closeCapture() {
	if c.capture == nil {
		return
	}
	c.capture.pipeline.Close()
	c.capture.closeRecorder()
	if c.capture.speech.Speaking() {
		observability.UpdateSpeechActive(false)
	}
	c.capture = nil
}

func (s *capture) closeRecorder() {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Close(); err != nil {
		logger := observability.Component("captioner")
		logger.Warn().Err(err).Msg("Failed closing audio dump")
	}
	s.recorder = nil
}

func (c *Captioner) newRecorder(id int) *audio.WavRecorder {
	if c.cfg.AudioDumpDir == "" {
		return nil
	}
	name := fmt.Sprintf("capture_%d_%s.wav", id, c.now().UTC().Format("20060102T150405"))
	rec, err := audio.NewWavRecorder(filepath.Join(c.cfg.AudioDumpDir, name))
	if err != nil {
		c.logger.Warn().Err(err).Msg("Not dumping capture audio")
		return nil
	}
	return rec
}

// audioSink runs on the host audio thread. orch, rec and speech outlive the
// pipeline that calls it, so no lock is needed.
func (c *Captioner) audioSink(orch *orchestrator.Orchestrator, rec *audio.WavRecorder, speech *audio.SpeechDetector) audio.ChunkFunc {
	return func(id int, chunk []byte) {
		c.audioChunks.Add(1)
		observability.UpdateAudioLevel(audio.CalculateRMS(audio.BytesToSamples(chunk)))
		speech.Process(chunk)
		orch.QueueAudio(chunk)
		if rec != nil {
			if err := rec.Write(chunk); err != nil {
				c.logger.Debug().Err(err).Int("capture_id", id).Msg("Failed writing audio dump")
			}
		}
	}
}

func (c *Captioner) speechChanged(id int) audio.SpeechFunc {
	return func(speaking bool) {
		observability.UpdateSpeechActive(speaking)
		c.logger.Debug().Int("capture_id", id).Bool("speaking", speaking).Msg("Speech activity changed")
	}
}

// onAudioStatus runs on a host thread and only posts
func (c *Captioner) onAudioStatus(id int, status audio.CaptureStatus) {
	c.box.post(func() { c.handleAudioStatus(id, status) })
}

func (c *Captioner) handleAudioStatus(id int, status audio.CaptureStatus) {
	if id != c.captureID {
		c.logger.Debug().Int("capture_id", id).Int("current", c.captureID).Msg("Ignoring stale audio capture status")
		return
	}
	c.emit(StatusEvent{
		Type:          EventAudioCaptureStatusChange,
		Settings:      c.settings,
		CaptureStatus: status,
		Active:        c.orch != nil,
	})
}
