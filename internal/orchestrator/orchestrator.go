// Package orchestrator keeps a continuous recognition feed across the
// bounded lifetime of individual streaming sessions by overlapping a warm
// replacement session with the current one.
package orchestrator

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/caption-gateway/internal/callback"
	"github.com/lexiqai/caption-gateway/internal/config"
	"github.com/lexiqai/caption-gateway/internal/observability"
	"github.com/lexiqai/caption-gateway/internal/stt"
)

// Client is the part of a streaming recognition client the orchestrator drives
type Client interface {
	ID() string
	Start() error
	Stop()
	IsStopped() bool
	QueueAudio(chunk []byte) bool
	SetOnResult(fn stt.ResultFunc)
	ClearOnResult()
}

// ClientFactory creates a new, unstarted client
type ClientFactory func() (Client, error)

// StreamClientFactory returns a factory of stt.StreamClient sessions
func StreamClientFactory(dialer stt.Dialer, settings config.StreamSettings) ClientFactory {
	return func() (Client, error) {
		return stt.NewStreamClient(dialer, settings)
	}
}

// ResultFunc receives every result of the current client. interrupted is
// true for a final synthesized from a non-final cut off by a cycle.
type ResultFunc func(result stt.RawResult, interrupted bool)

// Config configures an Orchestrator
type Config struct {
	Factory  ClientFactory
	Overlap  config.OverlapSettings
	OnResult ResultFunc
	Now      func() time.Time // defaults to time.Now
}

// Snapshot is a point-in-time view of the orchestrator's clients
type Snapshot struct {
	CurrentID         string    `json:"current_id,omitempty"`
	CurrentStartedAt  time.Time `json:"current_started_at,omitempty"`
	CurrentStopped    bool      `json:"current_stopped"`
	PreparedID        string    `json:"prepared_id,omitempty"`
	PreparedStartedAt time.Time `json:"prepared_started_at,omitempty"`
	PreparedStopped   bool      `json:"prepared_stopped"`
}

// Orchestrator is driven synchronously from the audio path by QueueAudio
type Orchestrator struct {
	factory ClientFactory
	overlap config.OverlapSettings
	now     func() time.Time

	mu                sync.Mutex
	current           Client
	prepared          Client
	currentStartedAt  time.Time
	preparedStartedAt time.Time
	closed            bool

	// resultMu guards last; it is never held while mu is acquired
	resultMu sync.Mutex
	last     *stt.RawResult
	onResult *callback.Slot[ResultFunc]

	logger zerolog.Logger
}

// New creates an orchestrator; no client is started until the first audio chunk
func New(cfg Config) *Orchestrator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		factory:  cfg.Factory,
		overlap:  cfg.Overlap,
		now:      now,
		onResult: callback.NewSlot(cfg.OnResult),
		logger:   observability.Component("orchestrator"),
	}
}

// QueueAudio feeds one canonical chunk, cycling and preparing clients as the
// current session ages. It returns whether the current client accepted it.
func (o *Orchestrator) QueueAudio(chunk []byte) bool {
	if len(chunk) == 0 {
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}

	if o.current == nil {
		o.logger.Debug().Msg("No current stream, cycling")
		o.cycle()
	}
	if o.current == nil {
		o.logger.Error().Msg("No upstream recognition stream")
		return false
	}

	now := o.now()
	if o.current.IsStopped() {
		if o.overlap.MinReconnectInterval > 0 && now.Sub(o.currentStartedAt) < o.overlap.MinReconnectInterval {
			// too soon to reconnect
			observability.RecordAudioDropped("reconnect_backoff")
			return false
		}
		o.logger.Debug().Dur("since_start", now.Sub(o.currentStartedAt)).Msg("Current stream dead, cycling")
		o.cycle()
		if o.current == nil {
			return false
		}
	}

	elapsed := now.Sub(o.currentStartedAt)
	switch {
	case o.overlap.SwitchoverAfter > 0 && elapsed >= o.overlap.SwitchoverAfter:
		if o.prepared != nil && !o.prepared.IsStopped() {
			o.logger.Debug().Dur("since_start", elapsed).Msg("Switching over to prepared stream")
			o.cycle()
		} else {
			o.logger.Debug().Msg("Prepared stream missing or dead at switchover, recreating")
			o.startPrepared()
		}

	case o.overlap.ConnectSecondAfter > 0 && elapsed > o.overlap.ConnectSecondAfter:
		if o.prepared == nil || o.prepared.IsStopped() {
			o.logger.Debug().Dur("since_start", elapsed).Msg("Starting second stream")
			o.startPrepared()
		} else {
			o.prepared.QueueAudio(chunk)
		}
	}

	return o.current.QueueAudio(chunk)
}

// startPrepared replaces the prepared client with a freshly started one. Must be called with mu held.
func (o *Orchestrator) startPrepared() {
	o.clearPrepared()

	client, err := o.factory()
	if err != nil {
		o.logger.Error().Err(err).Msg("Failed creating prepared connection")
		return
	}
	if err := client.Start(); err != nil {
		o.logger.Error().Err(err).Str("stream_id", client.ID()).Msg("Failed starting prepared connection")
	}

	o.prepared = client
	o.preparedStartedAt = o.now()
	observability.RecordStreamCycle("prepare")
}

func (o *Orchestrator) clearPrepared() {
	if o.prepared == nil {
		return
	}
	o.prepared.Stop()
	o.prepared = nil
}

// cycle retires the current client and installs the prepared one, or a fresh
// client when none is usable. Must be called with mu held.
func (o *Orchestrator) cycle() {
	if o.current != nil {
		o.current.ClearOnResult()
		o.current.Stop()
		o.current = nil
	}

	if o.prepared != nil && o.prepared.IsStopped() {
		o.clearPrepared()
	}

	o.resultMu.Lock()
	last := o.last
	o.last = nil
	o.resultMu.Unlock()

	if last != nil && !last.Final {
		o.logger.Debug().Msg("Stream interrupted, sending last non-final result as final")
		last.Final = true
		observability.RecordForcedFinal()
		o.onResult.Do(func(fn ResultFunc) {
			if fn != nil {
				fn(*last, true)
			}
		})
	}

	if o.prepared != nil {
		o.current = o.prepared
		o.currentStartedAt = o.preparedStartedAt
		o.prepared = nil
		o.bind(o.current)
		observability.RecordStreamCycle("promote")
		o.logger.Debug().Str("stream_id", o.current.ID()).Msg("Cycling streams, using prepared connection")
		return
	}

	client, err := o.factory()
	if err != nil {
		o.logger.Error().Err(err).Msg("Failed creating new connection")
		return
	}
	o.bind(client)
	if err := client.Start(); err != nil {
		o.logger.Error().Err(err).Str("stream_id", client.ID()).Msg("Failed starting new connection")
	}
	o.current = client
	o.currentStartedAt = o.now()
	observability.RecordStreamCycle("fresh")
	o.logger.Debug().Str("stream_id", client.ID()).Msg("Cycling streams, created new connection")
}

func (o *Orchestrator) bind(client Client) {
	client.SetOnResult(func(result stt.RawResult) {
		o.resultMu.Lock()
		held := result
		o.last = &held
		o.resultMu.Unlock()

		o.onResult.Do(func(fn ResultFunc) {
			if fn != nil {
				fn(result, false)
			}
		})
	})
}

// Snapshot returns the current client state
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	var s Snapshot
	if o.current != nil {
		s.CurrentID = o.current.ID()
		s.CurrentStartedAt = o.currentStartedAt
		s.CurrentStopped = o.current.IsStopped()
	}
	if o.prepared != nil {
		s.PreparedID = o.prepared.ID()
		s.PreparedStartedAt = o.preparedStartedAt
		s.PreparedStopped = o.prepared.IsStopped()
	}
	return s
}

// Close stops both clients; no result is delivered after it returns
func (o *Orchestrator) Close() {
	o.onResult.Clear()

	o.mu.Lock()
	defer o.mu.Unlock()

	o.closed = true
	if o.current != nil {
		o.current.ClearOnResult()
		o.current.Stop()
		o.current = nil
	}
	o.clearPrepared()
	o.logger.Debug().Msg("Orchestrator closed")
}
