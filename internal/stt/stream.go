package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/lexiqai/caption-gateway/internal/callback"
	"github.com/lexiqai/caption-gateway/internal/config"
	"github.com/lexiqai/caption-gateway/internal/observability"
)

// StreamClient is one streaming recognition session. It never retries:
// once stopped it stays stopped and a new client must be created.
type StreamClient struct {
	id       string
	dialer   Dialer
	settings config.StreamSettings

	queue chan []byte

	started  atomic.Bool
	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	connMu sync.Mutex
	conn   Conn

	onResult *callback.Slot[ResultFunc]
	metrics  *observability.StreamMetrics
	logger   zerolog.Logger
}

// NewStreamClient creates a client in the Created state
func NewStreamClient(dialer Dialer, settings config.StreamSettings) (*StreamClient, error) {
	if dialer == nil {
		return nil, ErrNoDialer
	}
	if settings.MaxQueueDepth <= 0 {
		return nil, fmt.Errorf("invalid max queue depth %d", settings.MaxQueueDepth)
	}

	id := ulid.Make().String()
	c := &StreamClient{
		id:       id,
		dialer:   dialer,
		settings: settings,
		queue:    make(chan []byte, settings.MaxQueueDepth),
		stopCh:   make(chan struct{}),
		onResult: &callback.Slot[ResultFunc]{},
		metrics:  observability.NewStreamMetrics(id),
		logger:   observability.Component("stream_client").With().Str("stream_id", id).Logger(),
	}
	c.logger.Debug().Str("language", settings.Language).Msg("Created stream client")
	return c, nil
}

// ID returns the client's session id
func (c *StreamClient) ID() string {
	return c.id
}

// SetOnResult replaces the result callback; it returns once any in-flight
// call to the previous callback has finished
func (c *StreamClient) SetOnResult(fn ResultFunc) {
	c.onResult.Set(fn)
}

// ClearOnResult removes the result callback
func (c *StreamClient) ClearOnResult() {
	c.onResult.Clear()
}

// Start connects in the background and begins streaming queued audio.
// It does not block on the network.
func (c *StreamClient) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if c.IsStopped() {
		return fmt.Errorf("stream client %s already stopped", c.id)
	}

	go c.sendLoop()
	return nil
}

// QueueAudio enqueues a copy of chunk without blocking. It returns false if
// the chunk is empty, the client is stopped or the queue is full.
func (c *StreamClient) QueueAudio(chunk []byte) bool {
	if len(chunk) == 0 || c.IsStopped() {
		return false
	}

	buf := make([]byte, len(chunk))
	copy(buf, chunk)

	select {
	case c.queue <- buf:
		return true
	default:
		observability.RecordAudioDropped("queue_full")
		return false
	}
}

// QueueDepth returns the number of chunks waiting to be sent
func (c *StreamClient) QueueDepth() int {
	return len(c.queue)
}

// IsStopped reports whether the client has stopped
func (c *StreamClient) IsStopped() bool {
	return c.stopped.Load()
}

// Done is closed when the client stops
func (c *StreamClient) Done() <-chan struct{} {
	return c.stopCh
}

// Stop ends the session. It is idempotent and safe from any goroutine.
func (c *StreamClient) Stop() {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		close(c.stopCh)

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn != nil {
			if err := conn.Close(); err != nil {
				c.logger.Debug().Err(err).Msg("Error closing recognition stream")
			}
		}

		c.metrics.RecordEnd()
		c.logger.Debug().Msg("Stream client stopped")
	})
}

func (c *StreamClient) sendLoop() {
	defer c.Stop()

	conn, err := c.connect()
	if err != nil {
		if !c.IsStopped() {
			c.logger.Warn().Err(err).Msg("Failed to open recognition stream")
			observability.RecordError("connect_failed", "stream_client")
		}
		return
	}

	c.metrics.RecordStart()
	c.logger.Info().Msg("Recognition stream connected")

	go c.readLoop(conn)
	c.writeAudioLoop(conn)
	c.logger.Debug().Msg("Audio sender finished")
}

func (c *StreamClient) connect() (Conn, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if c.settings.ConnectTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, c.settings.ConnectTimeout)
		defer cancelTimeout()
	}

	// a Stop during the dial aborts it
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn, err := c.dialer.Dial(ctx, c.settings)
	if err != nil {
		return nil, fmt.Errorf("dial recognizer: %w", err)
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.IsStopped() {
		conn.Close()
		return nil, errors.New("stopped while connecting")
	}
	c.conn = conn
	return conn, nil
}

func (c *StreamClient) writeAudioLoop(conn Conn) {
	timeout := c.settings.SendTimeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	chunkCount := 0
	for !c.IsStopped() {
		timer.Reset(timeout)

		select {
		case <-c.stopCh:
			return

		case <-timer.C:
			c.logger.Debug().Dur("timeout", timeout).Msg("Couldn't dequeue audio chunk in time")
			return

		case chunk := <-c.queue:
			if len(chunk) == 0 {
				c.logger.Debug().Msg("Got 0 size audio chunk, ignored")
				continue
			}

			if err := conn.SendAudio(chunk); err != nil {
				if !c.IsStopped() {
					c.logger.Debug().Err(err).Msg("Audio write failed, stopping")
				}
				return
			}

			if chunkCount%20 == 0 {
				c.logger.Debug().Int("chunk", chunkCount).Int("bytes", len(chunk)).Msg("Sent audio chunk")
			}
			chunkCount++
		}
	}
}

func (c *StreamClient) readLoop(conn Conn) {
	defer c.Stop()
	c.logger.Debug().Msg("Result reader starting")

	var watchdog *time.Timer
	if c.settings.RecvTimeout > 0 {
		watchdog = time.AfterFunc(c.settings.RecvTimeout, func() {
			c.logger.Info().Dur("timeout", c.settings.RecvTimeout).Msg("No recognition response in time, stopping")
			c.Stop()
		})
		defer watchdog.Stop()
	}

	var firstReceivedAt time.Time
	index := 0

	for {
		resp, err := conn.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && !c.IsStopped() {
				c.logger.Warn().Err(err).Msg("Recognition stream read failed")
			}
			return
		}
		if c.IsStopped() {
			return
		}
		if watchdog != nil {
			watchdog.Reset(c.settings.RecvTimeout)
		}

		if resp == nil || len(resp.Alternatives) == 0 {
			continue
		}

		now := time.Now()
		if firstReceivedAt.IsZero() {
			firstReceivedAt = now
		}

		result := RawResult{
			Index:           index,
			Final:           resp.Final,
			Stability:       resp.Stability,
			Text:            resp.Alternatives[0].Transcript,
			RawMessage:      resp.Raw,
			FirstReceivedAt: firstReceivedAt,
			ReceivedAt:      now,
		}
		if resp.Final {
			index++
			firstReceivedAt = time.Time{}
		}

		c.metrics.RecordResult(result.Final)
		c.onResult.Do(func(fn ResultFunc) {
			if fn != nil {
				fn(result)
			}
		})
	}
}
