package stt

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/caption-gateway/internal/config"
	"github.com/lexiqai/caption-gateway/internal/observability"
	"github.com/lexiqai/caption-gateway/internal/resilience"
)

// Recognizer service coordinates. Messages are google.protobuf.Struct values
// with the field layout of the recognizer's StreamingRecognize request/response.
const (
	SpeechServiceName        = "s2t.Speech"
	StreamingRecognizeMethod = "StreamingRecognize"
	streamingRecognizePath   = "/" + SpeechServiceName + "/" + StreamingRecognizeMethod
)

var streamingRecognizeDesc = &grpc.StreamDesc{
	StreamName:    StreamingRecognizeMethod,
	ServerStreams: true,
	ClientStreams: true,
}

// GRPCOptions configures the gRPC recognizer transport
type GRPCOptions struct {
	Target      string
	TLSEnabled  bool
	Breaker     *resilience.CircuitBreaker
	DialOptions []grpc.DialOption // appended after the defaults
}

// GRPCDialer opens StreamingRecognize streams over a shared client connection
type GRPCDialer struct {
	conn    *grpc.ClientConn
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

// NewGRPCDialer creates the client connection. Connecting is lazy, so this
// succeeds even while the recognizer is down.
func NewGRPCDialer(opts GRPCOptions) (*GRPCDialer, error) {
	if opts.Target == "" {
		return nil, errors.New("recognizer target is required")
	}

	creds := insecure.NewCredentials()
	if opts.TLSEnabled {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: false,
		}),
	}
	dialOpts = append(dialOpts, opts.DialOptions...)

	conn, err := grpc.NewClient(opts.Target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create recognizer client: %w", err)
	}

	return &GRPCDialer{
		conn:    conn,
		breaker: opts.Breaker,
		logger:  observability.Component("grpc_recognizer").With().Str("target", opts.Target).Logger(),
	}, nil
}

// Dial opens a stream and sends the recognition config
func (d *GRPCDialer) Dial(ctx context.Context, settings config.StreamSettings) (Conn, error) {
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
	if d.breaker != nil {
		err = d.breaker.Call(open)
	} else {
		err = open()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (d *GRPCDialer) open(ctx context.Context, settings config.StreamSettings) (Conn, error) {
	// the stream outlives ctx; ctx only bounds connection setup
	streamCtx, cancel := context.WithCancel(context.Background())
	stopWatch := context.AfterFunc(ctx, cancel)

	stream, err := d.conn.NewStream(streamCtx, streamingRecognizeDesc, streamingRecognizePath, grpc.WaitForReady(true))
	if err == nil {
		err = stream.SendMsg(configRequest(settings))
	}
	if !stopWatch() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open StreamingRecognize: %w", err)
	}

	d.logger.Debug().Str("language", settings.Language).Msg("Recognition config sent")
	return &grpcConn{stream: stream, cancel: cancel}, nil
}

// Check reports whether the recognizer connection is usable
func (d *GRPCDialer) Check(ctx context.Context) (bool, error) {
	state := d.conn.GetState()
	switch state {
	case connectivity.Idle:
		d.conn.Connect()
		return true, nil
	case connectivity.TransientFailure, connectivity.Shutdown:
		return false, fmt.Errorf("recognizer connection %s", state)
	default:
		return true, nil
	}
}

// Close closes the shared client connection
func (d *GRPCDialer) Close() error {
	return d.conn.Close()
}

type grpcConn struct {
	stream    grpc.ClientStream
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (c *grpcConn) SendAudio(chunk []byte) error {
	return c.stream.SendMsg(audioRequest(chunk))
}

func (c *grpcConn) Recv() (*Response, error) {
	msg := &structpb.Struct{}
	if err := c.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return parseResponse(msg), nil
}

func (c *grpcConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.stream.CloseSend()
		c.cancel()
	})
	return err
}

func configRequest(settings config.StreamSettings) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"streaming_config": structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"interim_results": structpb.NewBoolValue(true),
			"config": structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
				"encoding":          structpb.NewStringValue("LINEAR16"),
				"sample_rate_hertz": structpb.NewNumberValue(16000),
				"language_code":     structpb.NewStringValue(settings.Language),
			}}),
		}}),
	}}
}

func audioRequest(chunk []byte) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"audio_content": structpb.NewStringValue(base64.StdEncoding.EncodeToString(chunk)),
	}}
}

// parseResponse reads the first result of a StreamingRecognize response
func parseResponse(msg *structpb.Struct) *Response {
	resp := &Response{}
	if raw, err := protojson.Marshal(msg); err == nil {
		resp.Raw = string(raw)
	}

	results := msg.GetFields()["results"].GetListValue().GetValues()
	if len(results) == 0 {
		return resp
	}

	first := results[0].GetStructValue().GetFields()
	resp.Final = first["is_final"].GetBoolValue()
	resp.Stability = first["stability"].GetNumberValue()

	for _, v := range first["alternatives"].GetListValue().GetValues() {
		alt := v.GetStructValue().GetFields()
		resp.Alternatives = append(resp.Alternatives, Alternative{
			Transcript: alt["transcript"].GetStringValue(),
			Confidence: alt["confidence"].GetNumberValue(),
		})
	}
	return resp
}
