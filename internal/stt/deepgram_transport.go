package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/caption-gateway/internal/config"
	"github.com/lexiqai/caption-gateway/internal/observability"
	"github.com/lexiqai/caption-gateway/internal/resilience"
)

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler // Embed default handler for methods we don't override
	handler                                func(*msginterfaces.MessageResponse)
	errorHandler                           func(*msginterfaces.ErrorResponse)
	closeHandler                           func()
}

// Message forwards transcription results to the connection
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

// Error ends the connection with the recognizer's error
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.errorHandler(errorResponse)
	return nil
}

// Close ends the connection cleanly
func (m *messageCallbackHandler) Close(*msginterfaces.CloseResponse) error {
	m.closeHandler()
	return nil
}

// DeepgramOptions configures the hosted recognizer transport
type DeepgramOptions struct {
	APIKey  string
	Model   string
	Breaker *resilience.CircuitBreaker
}

// DeepgramDialer opens live transcription websockets on Deepgram
type DeepgramDialer struct {
	opts   DeepgramOptions
	logger zerolog.Logger
}

// NewDeepgramDialer creates a dialer; it does not connect
func NewDeepgramDialer(opts DeepgramOptions) (*DeepgramDialer, error) {
	if opts.APIKey == "" {
		return nil, errors.New("deepgram API key is required")
	}
	return &DeepgramDialer{
		opts:   opts,
		logger: observability.Component("deepgram_recognizer").With().Str("model", opts.Model).Logger(),
	}, nil
}

// Dial opens a live transcription session configured for canonical audio
func (d *DeepgramDialer) Dial(ctx context.Context, settings config.StreamSettings) (Conn, error) {
	var conn Conn
	open := func() error {
		c, err := d.open(ctx, settings)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	var err error
	if d.opts.Breaker != nil {
		err = d.opts.Breaker.Call(open)
	} else {
		err = open()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (d *DeepgramDialer) open(ctx context.Context, settings config.StreamSettings) (Conn, error) {
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.opts.Model,
		Language:       settings.Language,
		Punctuate:      true,
		InterimResults: true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     16000,
	}

	// the websocket lives until Close; ctx only bounds the connect
	sessionCtx, cancel := context.WithCancel(context.Background())
	conn := &deepgramConn{
		results: make(chan *Response, 100),
		done:    make(chan struct{}),
		cancel:  cancel,
		logger:  d.logger,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                conn.handleMessage,
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) {
			conn.fail(fmt.Errorf("deepgram error: %+v", *errorResponse))
		},
		closeHandler: func() { conn.fail(io.EOF) },
	}

	client, err := listenClient.NewWSUsingCallback(sessionCtx, d.opts.APIKey, nil, tOptions, callback)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	conn.client = client

	connected := make(chan bool, 1)
	go func() { connected <- client.Connect() }()

	select {
	case ok := <-connected:
		if !ok {
			cancel()
			return nil, errors.New("failed to connect to Deepgram")
		}
	case <-ctx.Done():
		cancel()
		return nil, fmt.Errorf("connect to Deepgram: %w", ctx.Err())
	}

	d.logger.Info().Str("language", settings.Language).Msg("Deepgram streaming session opened")
	return conn, nil
}

type deepgramConn struct {
	client  *listenClient.WSCallback
	results chan *Response
	cancel  context.CancelFunc
	logger  zerolog.Logger

	mu        sync.Mutex
	err       error
	done      chan struct{}
	closeOnce sync.Once
}

func (c *deepgramConn) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return
	}

	resp := &Response{Final: msg.IsFinal}
	if msg.IsFinal {
		resp.Stability = 1
	}
	for _, alt := range msg.Channel.Alternatives {
		resp.Alternatives = append(resp.Alternatives, Alternative{Transcript: alt.Transcript, Confidence: alt.Confidence})
	}
	if raw, err := json.Marshal(msg); err == nil {
		resp.Raw = string(raw)
	}

	select {
	case c.results <- resp:
	case <-c.done:
	default:
		c.logger.Warn().Msg("Transcript channel full, dropping transcription")
	}
}

func (c *deepgramConn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *deepgramConn) SendAudio(chunk []byte) error {
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}
	if _, err := c.client.Write(chunk); err != nil {
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

func (c *deepgramConn) Recv() (*Response, error) {
	select {
	case resp := <-c.results:
		return resp, nil
	case <-c.done:
		return nil, c.closedErr()
	}
}

func (c *deepgramConn) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return io.EOF
	}
	return c.err
}

func (c *deepgramConn) Close() error {
	c.fail(io.EOF)
	c.client.Finish()
	c.cancel()
	return nil
}
