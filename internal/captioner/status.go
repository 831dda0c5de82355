package captioner

import (
	"time"

	"github.com/lexiqai/caption-gateway/internal/audio"
	"github.com/lexiqai/caption-gateway/internal/config"
	"github.com/lexiqai/caption-gateway/internal/orchestrator"
)

// EventType names a captioner status change
type EventType string

const (
	EventStopped                  EventType = "stopped"
	EventStartedOK                EventType = "started_ok"
	EventStartedError             EventType = "started_error"
	EventNewSettingsStopped       EventType = "new_settings_stopped"
	EventAudioCaptureStatusChange EventType = "audio_capture_status_change"
)

// StatusEvent reports a change of the captioner's state
type StatusEvent struct {
	Type                  EventType                `json:"type"`
	SettingsChanged       bool                     `json:"settings_changed"`
	StreamSettingsChanged bool                     `json:"stream_settings_changed"`
	Settings              config.CaptionerSettings `json:"settings"`
	CaptureStatus         audio.CaptureStatus      `json:"capture_status"`
	Active                bool                     `json:"active"`
	Error                 string                   `json:"error,omitempty"`
	At                    time.Time                `json:"at"`
}

// Status is a point-in-time view of the captioner
type Status struct {
	Last          StatusEvent            `json:"last"`
	Active        bool                   `json:"active"`
	CaptureID     int                    `json:"capture_id"`
	CaptureStatus audio.CaptureStatus    `json:"capture_status"`
	Speaking      bool                   `json:"speaking"`
	Recent        string                 `json:"recent"`
	Stream        *orchestrator.Snapshot `json:"stream,omitempty"`
	Outputs       map[string]bool        `json:"outputs"`
	AudioChunks   int64                  `json:"audio_chunks"`
}
