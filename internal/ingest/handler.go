package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/caption-gateway/internal/audio"
	"github.com/lexiqai/caption-gateway/internal/captioner"
	"github.com/lexiqai/caption-gateway/internal/config"
	"github.com/lexiqai/caption-gateway/internal/observability"
	"github.com/lexiqai/caption-gateway/internal/output"
)

const (
	// FlagMuted is bit 0 of the flags byte leading every binary audio frame
	FlagMuted byte = 1 << 0

	maxMessageSize = 1 << 20
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = 10 * time.Second
)

// Control message types sent by the host as text frames
const (
	MessageState  = "state"
	MessageOutput = "output"
)

var upgrader = websocket.Upgrader{
	// hosts connect from the local machine or a trusted network
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  16384,
	WriteBufferSize: 4096,
}

// ControlMessage is a JSON text frame from the host
type ControlMessage struct {
	Type string `json:"type"`

	// state
	audio.SourceState

	// output lifecycle, e.g. "streaming_started"
	Event         string  `json:"event,omitempty"`
	DelaySeconds  float64 `json:"delay_seconds,omitempty"`
	RecordingPath string  `json:"recording_path,omitempty"`
}

type reply struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

// OutputEventFunc receives output lifecycle events reported by the host
type OutputEventFunc func(ev captioner.OutputEvent) error

// Handler serves host ingest connections
type Handler struct {
	registry  *Registry
	outputs   OutputEventFunc
	publisher output.Publisher
	logger    zerolog.Logger
}

// NewHandler creates the ingest endpoint. Captions of host live outputs are
// sent through publisher; outputs receives their lifecycle.
func NewHandler(registry *Registry, outputs OutputEventFunc, publisher output.Publisher) *Handler {
	return &Handler{
		registry:  registry,
		outputs:   outputs,
		publisher: publisher,
		logger:    observability.Component("ingest"),
	}
}

// session is the state of one ingest connection
type session struct {
	conn    *websocket.Conn
	source  *Source
	track   *Track
	started map[string]bool
	logger  zerolog.Logger
}

// ServeHTTP upgrades the request and reads host frames until the connection closes.
// Query: source=<name> pushes a source, track=<n> an output track; neither
// gives a control-only connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	sourceName := query.Get("source")
	trackParam := query.Get("track")
	if sourceName != "" && trackParam != "" {
		http.Error(w, "source and track are exclusive", http.StatusBadRequest)
		return
	}
	trackIndex := -1
	if trackParam != "" {
		index, err := strconv.Atoi(trackParam)
		if err != nil || index < 0 {
			http.Error(w, "invalid track index", http.StatusBadRequest)
			return
		}
		trackIndex = index
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade ingest connection")
		return
	}
	defer conn.Close()

	correlationID := observability.NewCorrelationID()
	s := &session{
		conn:    conn,
		started: make(map[string]bool),
		logger:  observability.WithCorrelationID(h.logger, correlationID).With().Str("remote", r.RemoteAddr).Logger(),
	}

	switch {
	case sourceName != "":
		src, err := h.registry.AddSource(sourceName, initialState(query))
		if err != nil {
			s.closeWith(websocket.ClosePolicyViolation, err.Error())
			s.logger.Warn().Err(err).Msg("Rejected ingest source")
			return
		}
		s.source = src
		s.logger = s.logger.With().Str("source", sourceName).Logger()
		defer h.registry.RemoveSource(src)
	case trackIndex >= 0:
		track, err := h.registry.AddTrack(trackIndex, config.OutputTrackSourcePrefix+strconv.Itoa(trackIndex))
		if err != nil {
			s.closeWith(websocket.ClosePolicyViolation, err.Error())
			s.logger.Warn().Err(err).Msg("Rejected ingest track")
			return
		}
		s.track = track
		s.logger = s.logger.With().Int("track", trackIndex).Logger()
		defer h.registry.RemoveTrack(track)
	}
	defer h.stopOutputs(s)

	s.logger.Info().Msg("Ingest connection established")
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pingLoop(done)
	}()

	h.readLoop(s)
	close(done)
	wg.Wait()
	s.logger.Info().Msg("Ingest connection closed")
}

func initialState(query map[string][]string) audio.SourceState {
	flag := func(name string, def bool) bool {
		values, ok := query[name]
		if !ok || len(values) == 0 {
			return def
		}
		v, err := strconv.ParseBool(values[0])
		if err != nil {
			return def
		}
		return v
	}
	return audio.SourceState{
		Active:  flag("active", true),
		Showing: flag("showing", true),
		Enabled: flag("enabled", true),
		Muted:   flag("muted", false),
	}
}

func (h *Handler) readLoop(s *session) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("Ingest read error")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msgType {
		case websocket.BinaryMessage:
			h.handleAudio(s, data)
		case websocket.TextMessage:
			if err := h.handleControl(s, data); err != nil {
				s.logger.Warn().Err(err).Msg("Bad ingest control message")
				observability.RecordError("control", "ingest")
				s.send(reply{Type: "error", Error: err.Error()})
			}
		}
	}
}

func (h *Handler) handleAudio(s *session, data []byte) {
	if len(data) < 2 {
		observability.RecordAudioDropped("ingest_short_frame")
		return
	}
	flags, pcm := data[0], data[1:]

	var frames int
	switch {
	case s.source != nil:
		frames = s.source.Push(pcm, flags&FlagMuted != 0)
	case s.track != nil:
		frames = s.track.Push(pcm)
	default:
		observability.RecordAudioDropped("ingest_no_source")
		return
	}
	if frames == 0 {
		observability.RecordAudioDropped("ingest_partial_frame")
		return
	}
	observability.RecordAudioChunk("ingest", len(pcm))
}

func (h *Handler) handleControl(s *session, data []byte) error {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("failed to parse control message: %w", err)
	}

	switch msg.Type {
	case MessageState:
		if s.source == nil {
			return errors.New("state messages need a source connection")
		}
		s.source.SetState(msg.SourceState)
		return nil
	case MessageOutput:
		kind, started, err := ParseOutputEvent(msg.Event)
		if err != nil {
			return err
		}
		return h.outputEvent(s, kind, started, msg)
	default:
		return fmt.Errorf("unknown control message type %q", msg.Type)
	}
}

// ParseOutputEvent splits an event such as "recording_stopped" into its
// session kind and whether the session started
func ParseOutputEvent(event string) (kind string, started bool, err error) {
	kind, state, ok := strings.Cut(event, "_")
	if !ok {
		return "", false, fmt.Errorf("invalid output event %q", event)
	}
	switch kind {
	case output.SessionStreaming, output.SessionRecording, output.SessionVirtualcam:
	default:
		return "", false, fmt.Errorf("unknown output session in event %q", event)
	}
	switch state {
	case "started":
		return kind, true, nil
	case "stopped":
		return kind, false, nil
	default:
		return "", false, fmt.Errorf("invalid output event %q", event)
	}
}

func (h *Handler) outputEvent(s *session, kind string, started bool, msg ControlMessage) error {
	if h.outputs == nil {
		return errors.New("output events are not accepted")
	}

	ev := captioner.OutputEvent{Kind: kind, Started: started, RecordingPath: msg.RecordingPath}
	if started && kind != output.SessionVirtualcam {
		live := &output.LiveOutput{
			Name:  kind,
			Delay: time.Duration(msg.DelaySeconds * float64(time.Second)),
		}
		if h.publisher != nil {
			live.Sinks = []output.CaptionSink{output.SinkFor(kind, h.publisher)}
		}
		ev.Live = live
	}

	if err := h.outputs(ev); err != nil {
		return err
	}
	if started {
		s.started[kind] = true
	} else {
		delete(s.started, kind)
	}
	s.logger.Info().Str("output", kind).Bool("started", started).Dur("delay", time.Duration(msg.DelaySeconds*float64(time.Second))).Msg("Host output event")
	return nil
}

// stopOutputs ends the sessions a disconnecting host left running
func (h *Handler) stopOutputs(s *session) {
	if h.outputs == nil {
		return
	}
	for kind := range s.started {
		if err := h.outputs(captioner.OutputEvent{Kind: kind}); err != nil {
			s.logger.Warn().Err(err).Str("output", kind).Msg("Failed stopping host output")
		}
	}
}

func (s *session) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// send is only called from the read loop
func (s *session) send(r reply) {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(r); err != nil {
		s.logger.Debug().Err(err).Msg("Failed writing ingest reply")
	}
}

func (s *session) closeWith(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
