package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"time"

	"gopkg.in/yaml.v3"
)

// Capitalization selects how caption text is cased
type Capitalization string

const (
	CapitalizationNormal   Capitalization = "normal"
	CapitalizationAllCaps  Capitalization = "all_caps"
	CapitalizationAllLower Capitalization = "all_lower"
)

// MuteType selects which source decides whether the caption source is muted
type MuteType string

const (
	MuteFromOwnSource  MuteType = "own_source"
	MuteAlwaysCaption  MuteType = "always_caption"
	MuteUseOtherSource MuteType = "other_mute_source"
)

// Transcript filename types and existing-file behaviours
const (
	FilenameDatetime  = "datetime"
	FilenameCustom    = "custom"
	FilenameRecording = "recording"

	FileExistsAppend    = "append"
	FileExistsOverwrite = "overwrite"
	FileExistsSkip      = "skip"
)

// OutputTrackSourcePrefix marks a caption source name that captures a whole output mix track
const OutputTrackSourcePrefix = "__output_track_"

// StreamSettings configures a single streaming recognition connection
type StreamSettings struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	SendTimeout    time.Duration `yaml:"send_timeout" json:"send_timeout"`
	RecvTimeout    time.Duration `yaml:"recv_timeout" json:"recv_timeout"`
	MaxQueueDepth  int           `yaml:"max_queue_depth" json:"max_queue_depth"`
	Language       string        `yaml:"language" json:"language"`
}

// OverlapSettings configures when a second connection is prepared and switched to
type OverlapSettings struct {
	ConnectSecondAfter   time.Duration `yaml:"connect_second_after" json:"connect_second_after"`
	SwitchoverAfter      time.Duration `yaml:"switchover_after" json:"switchover_after"`
	MinReconnectInterval time.Duration `yaml:"min_reconnect_interval" json:"min_reconnect_interval"`
}

// Replacement is a single text replacement rule
type Replacement struct {
	Type string `yaml:"type" json:"type"` // text_case_sensitive, text_case_insensitive, regex_case_sensitive, regex_case_insensitive
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// FormatSettings controls the main caption layout
type FormatSettings struct {
	LineLength        int            `yaml:"line_length" json:"line_length"`
	LineCount         int            `yaml:"line_count" json:"line_count"`
	Capitalization    Capitalization `yaml:"capitalization" json:"capitalization"`
	InsertNewlines    bool           `yaml:"insert_newlines" json:"insert_newlines"`
	InsertPunctuation bool           `yaml:"insert_punctuation" json:"insert_punctuation"`
	TimeoutEnabled    bool           `yaml:"timeout_enabled" json:"timeout_enabled"`
	TimeoutSeconds    float64        `yaml:"timeout_seconds" json:"timeout_seconds"`
	Replacements      []Replacement  `yaml:"replacements" json:"replacements"`
	BannedWords       []string       `yaml:"banned_words" json:"banned_words"`
}

// Timeout returns the caption timeout as a duration
func (f FormatSettings) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds * float64(time.Second))
}

// SourceSettings selects the audio source captions are generated from
type SourceSettings struct {
	Name           string   `yaml:"name" json:"name"`
	MuteWhen       MuteType `yaml:"mute_when" json:"mute_when"`
	MuteSourceName string   `yaml:"mute_source_name" json:"mute_source_name"`
	MutedPolicy    string   `yaml:"muted_policy" json:"muted_policy"` // discard_when_muted, replace_with_zero, still_capture
}

// ActiveMuteSourceName returns the name of the source whose mute state counts
func (s SourceSettings) ActiveMuteSourceName() string {
	if s.MuteWhen == MuteUseOtherSource {
		return s.MuteSourceName
	}
	return s.Name
}

// TextOutputSettings configures one on-screen text overlay target
type TextOutputSettings struct {
	Enabled           bool           `yaml:"enabled" json:"enabled"`
	Name              string         `yaml:"name" json:"name"`
	LineLength        int            `yaml:"line_length" json:"line_length"`
	LineCount         int            `yaml:"line_count" json:"line_count"`
	InsertPunctuation bool           `yaml:"insert_punctuation" json:"insert_punctuation"`
	Capitalization    Capitalization `yaml:"capitalization" json:"capitalization"`
}

// Valid reports whether the text output has a target and a usable layout
func (t TextOutputSettings) Valid() bool {
	return t.Name != "" && t.LineCount > 0 && t.LineLength > 0
}

// ValidEnabled reports whether the text output should receive captions
func (t TextOutputSettings) ValidEnabled() bool {
	return t.Enabled && t.Valid()
}

// FileNaming controls how a transcript file for one session kind is named
type FileNaming struct {
	Type   string `yaml:"type" json:"type"`
	Custom string `yaml:"custom" json:"custom"`
	Exists string `yaml:"exists" json:"exists"`
}

// SRTSettings controls srt transcript cue building
type SRTSettings struct {
	TargetDurationSecs   int            `yaml:"target_duration_secs" json:"target_duration_secs"`
	TargetLineLength     int            `yaml:"target_line_length" json:"target_line_length"`
	AddPunctuation       bool           `yaml:"add_punctuation" json:"add_punctuation"`
	SplitSingleSentences bool           `yaml:"split_single_sentences" json:"split_single_sentences"`
	Capitalization       Capitalization `yaml:"capitalization" json:"capitalization"`
}

// TranscriptSettings controls transcript file output
type TranscriptSettings struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	OutputPath string `yaml:"output_path" json:"output_path"`
	Format     string `yaml:"format" json:"format"` // txt, srt

	Recording  FileNaming `yaml:"recording" json:"recording"`
	Streaming  FileNaming `yaml:"streaming" json:"streaming"`
	Virtualcam FileNaming `yaml:"virtualcam" json:"virtualcam"`

	SRT SRTSettings `yaml:"srt" json:"srt"`

	StreamingEnabled  bool `yaml:"streaming_enabled" json:"streaming_enabled"`
	RecordingEnabled  bool `yaml:"recording_enabled" json:"recording_enabled"`
	VirtualcamEnabled bool `yaml:"virtualcam_enabled" json:"virtualcam_enabled"`
}

// HasBaseSettings reports whether transcripts can be written at all
func (t TranscriptSettings) HasBaseSettings() bool {
	return t.Enabled && t.OutputPath != "" && t.Format != ""
}

// Naming returns the file naming rules for a session kind
func (t TranscriptSettings) Naming(kind string) FileNaming {
	switch kind {
	case "recording":
		return t.Recording
	case "virtualcam":
		return t.Virtualcam
	default:
		return t.Streaming
	}
}

// SessionEnabled reports whether transcripts are wanted for a session kind
func (t TranscriptSettings) SessionEnabled(kind string) bool {
	switch kind {
	case "streaming":
		return t.StreamingEnabled
	case "recording":
		return t.RecordingEnabled
	case "virtualcam":
		return t.VirtualcamEnabled
	default:
		return false
	}
}

// CaptionerSettings is the full runtime settings set of the captioner
type CaptionerSettings struct {
	StreamingOutputEnabled bool                 `yaml:"streaming_output_enabled" json:"streaming_output_enabled"`
	RecordingOutputEnabled bool                 `yaml:"recording_output_enabled" json:"recording_output_enabled"`
	Source                 SourceSettings       `yaml:"source" json:"source"`
	TextOutputs            []TextOutputSettings `yaml:"text_outputs" json:"text_outputs"`
	Format                 FormatSettings       `yaml:"format" json:"format"`
	Transcript             TranscriptSettings   `yaml:"transcript" json:"transcript"`
	Stream                 StreamSettings       `yaml:"stream" json:"stream"`
	Overlap                OverlapSettings      `yaml:"overlap" json:"overlap"`
}

// Equal reports whether two settings sets are identical
func (s CaptionerSettings) Equal(other CaptionerSettings) bool {
	return reflect.DeepEqual(s, other)
}

// StreamEqual reports whether the recognition connection settings are identical
func (s CaptionerSettings) StreamEqual(other CaptionerSettings) bool {
	return s.Stream == other.Stream && s.Overlap == other.Overlap
}

// DefaultStreamSettings returns the stock recognition connection settings
func DefaultStreamSettings() StreamSettings {
	return StreamSettings{
		ConnectTimeout: 5 * time.Second,
		SendTimeout:    5 * time.Second,
		RecvTimeout:    180 * time.Second,
		MaxQueueDepth:  50,
		Language:       "en-US",
	}
}

// DefaultOverlapSettings returns the stock overlap thresholds
func DefaultOverlapSettings() OverlapSettings {
	return OverlapSettings{
		ConnectSecondAfter:   2 * time.Second,
		SwitchoverAfter:      280 * time.Second,
		MinReconnectInterval: 10 * time.Second,
	}
}

// DefaultFormatSettings returns the stock caption layout
func DefaultFormatSettings() FormatSettings {
	return FormatSettings{
		LineLength:     32,
		LineCount:      3,
		Capitalization: CapitalizationNormal,
		TimeoutEnabled: true,
		TimeoutSeconds: 15.0,
	}
}

// DefaultTranscriptSettings returns the stock transcript settings (disabled)
func DefaultTranscriptSettings() TranscriptSettings {
	return TranscriptSettings{
		Format:     "srt",
		Recording:  FileNaming{Type: FilenameRecording, Exists: FileExistsAppend},
		Streaming:  FileNaming{Type: FilenameDatetime, Exists: FileExistsAppend},
		Virtualcam: FileNaming{Type: FilenameDatetime, Exists: FileExistsAppend},
		SRT: SRTSettings{
			TargetDurationSecs: 8,
			TargetLineLength:   44,
			AddPunctuation:     true,
			Capitalization:     CapitalizationNormal,
		},
		StreamingEnabled:  true,
		RecordingEnabled:  true,
		VirtualcamEnabled: true,
	}
}

// DefaultCaptionerSettings returns the stock captioner settings
func DefaultCaptionerSettings() CaptionerSettings {
	return CaptionerSettings{
		StreamingOutputEnabled: true,
		Source:                 SourceSettings{MuteWhen: MuteFromOwnSource, MutedPolicy: "replace_with_zero"},
		Format:                 DefaultFormatSettings(),
		Transcript:             DefaultTranscriptSettings(),
		Stream:                 DefaultStreamSettings(),
		Overlap:                DefaultOverlapSettings(),
	}
}

// ParseCaptionerSettings decodes YAML (or JSON) settings on top of base
func ParseCaptionerSettings(data []byte, base CaptionerSettings) (CaptionerSettings, error) {
	settings := base
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return base, fmt.Errorf("failed to parse caption settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return base, err
	}
	return settings, nil
}

// LoadCaptionerSettings reads a settings file on top of base; a missing file yields base
func LoadCaptionerSettings(path string, base CaptionerSettings) (CaptionerSettings, error) {
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return base, nil
	}
	if err != nil {
		return base, fmt.Errorf("failed to read caption settings %s: %w", path, err)
	}
	return ParseCaptionerSettings(data, base)
}

// SaveCaptionerSettings writes settings to path as YAML, replacing the file atomically
func SaveCaptionerSettings(path string, settings CaptionerSettings) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode caption settings: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write caption settings %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace caption settings %s: %w", path, err)
	}
	return nil
}

// CaptionerSettings returns the stock settings with stream/overlap taken from the environment,
// overlaid with the settings file when one is configured
func (c *Config) CaptionerSettings() (CaptionerSettings, error) {
	base := DefaultCaptionerSettings()
	base.Stream = c.StreamSettings()
	base.Overlap = c.OverlapSettings()
	return LoadCaptionerSettings(c.CaptionSettingsFile, base)
}

// Validate checks the settings for values that cannot be captioned with
func (s CaptionerSettings) Validate() error {
	if s.Format.LineLength <= 0 || s.Format.LineCount <= 0 {
		return fmt.Errorf("format line_length and line_count must be positive")
	}
	switch s.Format.Capitalization {
	case "", CapitalizationNormal, CapitalizationAllCaps, CapitalizationAllLower:
	default:
		return fmt.Errorf("unknown capitalization %q", s.Format.Capitalization)
	}
	switch s.Source.MuteWhen {
	case "", MuteFromOwnSource, MuteAlwaysCaption, MuteUseOtherSource:
	default:
		return fmt.Errorf("unknown mute_when %q", s.Source.MuteWhen)
	}
	if s.Stream.MaxQueueDepth <= 0 {
		return fmt.Errorf("stream max_queue_depth must be positive")
	}
	return nil
}
