package output

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lexiqai/caption-gateway/internal/caption"
	"github.com/lexiqai/caption-gateway/internal/config"
	"github.com/lexiqai/caption-gateway/internal/observability"
)

// Session kinds a transcript can belong to
const (
	SessionStreaming  = "streaming"
	SessionRecording  = "recording"
	SessionVirtualcam = "virtualcam"
)

// ErrTranscriptExists is returned when the transcript file exists and the naming rule says skip
var ErrTranscriptExists = errors.New("transcript file exists")

// TranscriptTarget identifies the session a transcript is written for
type TranscriptTarget struct {
	Kind          string
	RecordingPath string // file of the recording, used by the recording naming type
	StartedAt     time.Time
}

// TranscriptPath returns the file a transcript of target is written to
func TranscriptPath(settings config.TranscriptSettings, target TranscriptTarget) (string, error) {
	if !settings.HasBaseSettings() {
		return "", errors.New("transcript output path and format are required")
	}

	ext := "." + settings.Format
	naming := settings.Naming(target.Kind)

	var name string
	switch naming.Type {
	case config.FilenameCustom:
		if naming.Custom == "" {
			return "", errors.New("custom transcript filename is empty")
		}
		name = naming.Custom
		if filepath.Ext(name) != ext {
			name += ext
		}
	case config.FilenameRecording:
		if target.RecordingPath != "" {
			base := filepath.Base(target.RecordingPath)
			name = strings.TrimSuffix(base, filepath.Ext(base)) + ext
		}
	}

	if name == "" {
		name = fmt.Sprintf("transcript_%s_%s%s", target.Kind, target.StartedAt.Format("2006-01-02_15-04-05"), ext)
	}
	return filepath.Join(settings.OutputPath, name), nil
}

func openTranscript(path, exists string) (*os.File, error) {
	flags := os.O_CREATE | os.O_WRONLY
	switch exists {
	case config.FileExistsOverwrite:
		flags |= os.O_TRUNC
	case config.FileExistsSkip:
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrTranscriptExists, path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		flags |= os.O_EXCL
	default:
		flags |= os.O_APPEND
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create transcript dir: %w", err)
	}
	return os.OpenFile(path, flags, 0o644)
}

// transcriptFormat renders finalized captions into a transcript file
type transcriptFormat interface {
	add(out *caption.Output) error
	// brk ends the current block, e.g. on a caption clearance
	brk() error
	flush() error
}

// RunTranscriptWriter appends finalized captions from ctl to the transcript
// file of target until ctl is stopped. A file that cannot be opened stops ctl.
func RunTranscriptWriter(ctl *Control, target TranscriptTarget, settings config.TranscriptSettings) {
	sink := "transcript_" + target.Kind
	logger := observability.Component("transcript_writer").With().Str("session", target.Kind).Logger()

	path, err := TranscriptPath(settings, target)
	if err != nil {
		logger.Warn().Err(err).Msg("Not writing transcript")
		ctl.StopSoon()
		return
	}

	f, err := openTranscript(path, settings.Naming(target.Kind).Exists)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Not writing transcript")
		ctl.StopSoon()
		return
	}
	defer f.Close()

	logger.Info().Str("path", path).Str("format", settings.Format).Msg("Transcript writer starting")

	format := newTranscriptFormat(f, target, settings)
	defer func() {
		if err := format.flush(); err != nil {
			logger.Warn().Err(err).Msg("Failed flushing transcript")
		}
		logger.Info().Str("path", path).Msg("Transcript writer done")
	}()

	for {
		item, ok := ctl.Next()
		if !ok {
			return
		}

		if item.Clearance {
			err = format.brk()
		} else if item.Output != nil && item.Output.Result.Final {
			err = format.add(item.Output)
		} else {
			continue
		}

		if err != nil {
			logger.Warn().Err(err).Msg("Failed writing transcript")
			observability.RecordSinkWrite(sink, "error")
			continue
		}
		observability.RecordSinkWrite(sink, "ok")
	}
}

func newTranscriptFormat(w io.Writer, target TranscriptTarget, settings config.TranscriptSettings) transcriptFormat {
	if settings.Format == "srt" {
		return &srtFormat{w: w, start: target.StartedAt, settings: settings.SRT}
	}
	return &txtFormat{w: w, start: target.StartedAt}
}

// offset returns the time of at relative to the session start, never negative
func offset(start, at time.Time) time.Duration {
	if at.IsZero() || at.Before(start) {
		return 0
	}
	return at.Sub(start)
}

type txtFormat struct {
	w     io.Writer
	start time.Time
}

func (t *txtFormat) add(out *caption.Output) error {
	if out.CleanText == "" {
		return nil
	}
	d := offset(t.start, out.Result.ReceivedAt)
	_, err := fmt.Fprintf(t.w, "[%02d:%02d:%02d] %s\n", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60, out.CleanText)
	return err
}

func (t *txtFormat) brk() error   { return nil }
func (t *txtFormat) flush() error { return nil }

type srtFormat struct {
	w        io.Writer
	start    time.Time
	settings config.SRTSettings
	index    int

	texts    []string
	cueStart time.Time
	cueEnd   time.Time
}

func (s *srtFormat) lineLength() int {
	if s.settings.TargetLineLength > 0 {
		return s.settings.TargetLineLength
	}
	return 44
}

func (s *srtFormat) add(out *caption.Output) error {
	text := strings.TrimSpace(out.CleanText)
	if text == "" {
		return nil
	}
	if s.settings.AddPunctuation {
		text = strings.ToUpper(text[:1]) + text[1:]
		if !strings.ContainsAny(text[len(text)-1:], ".?!") {
			text += "."
		}
	}

	if len(s.texts) == 0 {
		s.cueStart = out.Result.FirstReceivedAt
		if s.cueStart.IsZero() {
			s.cueStart = out.Result.ReceivedAt
		}
	}
	s.texts = append(s.texts, text)
	s.cueEnd = out.Result.ReceivedAt

	target := time.Duration(s.settings.TargetDurationSecs) * time.Second
	if (target > 0 && s.cueEnd.Sub(s.cueStart) >= target) || len(strings.Join(s.texts, " ")) >= 2*s.lineLength() {
		return s.brk()
	}
	return nil
}

func (s *srtFormat) brk() error {
	if len(s.texts) == 0 {
		return nil
	}
	text := caption.Capitalize(strings.Join(s.texts, " "), s.settings.Capitalization)
	lines := caption.WrapLines(text, s.lineLength())
	start, end := offset(s.start, s.cueStart), offset(s.start, s.cueEnd)
	s.texts = nil

	if end <= start {
		end = start + time.Second
	}

	if !s.settings.SplitSingleSentences || len(lines) <= 2 {
		return s.writeCue(start, end, lines)
	}

	// spread the cue over blocks of two lines, timed by their share of the text
	total := len(text)
	at := start
	for i := 0; i < len(lines); i += 2 {
		block := lines[i:min(i+2, len(lines))]
		share := time.Duration(int64(end-start) * int64(len(strings.Join(block, " "))) / int64(total))
		blockEnd := at + share
		if i+2 >= len(lines) {
			blockEnd = end
		}
		if err := s.writeCue(at, blockEnd, block); err != nil {
			return err
		}
		at = blockEnd
	}
	return nil
}

func (s *srtFormat) writeCue(start, end time.Duration, lines []string) error {
	s.index++
	_, err := fmt.Fprintf(s.w, "%d\n%s --> %s\n%s\n\n", s.index, srtTimestamp(start), srtTimestamp(end), strings.Join(lines, "\n"))
	return err
}

func (s *srtFormat) flush() error {
	return s.brk()
}

func srtTimestamp(d time.Duration) string {
	ms := d.Milliseconds()
	return fmt.Sprintf("%02d:%02d:%02d,%03d", ms/3_600_000, (ms/60_000)%60, (ms/1000)%60, ms%1000)
}
