package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/lexiqai/caption-gateway/internal/captioner"
	"github.com/lexiqai/caption-gateway/internal/config"
	"github.com/lexiqai/caption-gateway/internal/observability"
)

const maxSettingsBody = 1 << 20

// captionService is the part of the captioner the HTTP API drives
type captionService interface {
	Settings() config.CaptionerSettings
	SetSettings(settings config.CaptionerSettings)
	StartCaptionStream(settings config.CaptionerSettings) bool
	Status() captioner.Status
}

// hostInventory lists what the host currently has connected
type hostInventory interface {
	Sources() []string
	Tracks() []int
}

// api serves the settings and status endpoints
type api struct {
	captions     captionService
	host         hostInventory
	overlays     func() int
	settingsFile string

	// serializes settings replacement and start retries
	mu     sync.Mutex
	logger zerolog.Logger
}

func newAPI(captions captionService, host hostInventory, overlays func() int, settingsFile string) *api {
	return &api{
		captions:     captions,
		host:         host,
		overlays:     overlays,
		settingsFile: settingsFile,
		logger:       observability.Component("api"),
	}
}

type settingsResponse struct {
	Started bool             `json:"started"`
	Status  captioner.Status `json:"status"`
}

type statusResponse struct {
	Captioner      captioner.Status `json:"captioner"`
	Sources        []string         `json:"sources"`
	Tracks         []int            `json:"tracks"`
	OverlayClients int              `json:"overlay_clients"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleSettings serves GET and PUT /settings. Bodies may be YAML or JSON;
// GET answers YAML when asked for it.
func (a *api) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings := a.captions.Settings()
		if wantsYAML(r) {
			data, err := yaml.Marshal(settings)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
				return
			}
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(data)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut:
		a.putSettings(w, r)
	default:
		w.Header().Set("Allow", "GET, PUT")
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
	}
}

func (a *api) putSettings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSettingsBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	settings, err := config.ParseCaptionerSettings(body, a.captions.Settings())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	a.captions.SetSettings(settings)
	started := a.captions.StartCaptionStream(settings)
	a.logger.Info().Str("source", settings.Source.Name).Bool("started", started).Msg("Caption settings replaced")

	if a.settingsFile != "" {
		if err := config.SaveCaptionerSettings(a.settingsFile, settings); err != nil {
			a.logger.Error().Err(err).Msg("Failed to persist caption settings")
		}
	}

	writeJSON(w, http.StatusOK, settingsResponse{Started: started, Status: a.captions.Status()})
}

// handleStatus serves GET /status
func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	resp := statusResponse{Captioner: a.captions.Status()}
	if a.host != nil {
		resp.Sources = a.host.Sources()
		resp.Tracks = a.host.Tracks()
	}
	if a.overlays != nil {
		resp.OverlayClients = a.overlays()
	}
	writeJSON(w, http.StatusOK, resp)
}

// sourceAdded (re)starts the caption stream when a source it needs connects.
// A reconnecting source is a new object, so a running capture is restarted
// too; the recognition stream survives because its settings are unchanged.
func (a *api) sourceAdded(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	settings := a.captions.Settings()
	src := settings.Source
	if src.Name == "" || (name != src.Name && name != src.ActiveMuteSourceName()) {
		return
	}

	started := a.captions.StartCaptionStream(settings)
	a.logger.Info().Str("source", name).Bool("started", started).Msg("Caption source connected, starting stream")
}

func wantsYAML(r *http.Request) bool {
	if f := r.URL.Query().Get("format"); f != "" {
		return f == "yaml"
	}
	return strings.Contains(r.Header.Get("Accept"), "yaml")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
