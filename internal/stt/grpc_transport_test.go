package stt

import (
	"context"
	"encoding/base64"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/caption-gateway/internal/resilience"
)

// echoRecognizer replies to every audio message with one result whose
// transcript is the decoded audio payload
func echoRecognizer(configs chan<- *structpb.Struct) grpc.StreamHandler {
	return func(srv any, stream grpc.ServerStream) error {
		cfg := &structpb.Struct{}
		if err := stream.RecvMsg(cfg); err != nil {
			return err
		}
		configs <- cfg

		for {
			req := &structpb.Struct{}
			if err := stream.RecvMsg(req); err != nil {
				return nil
			}
			audio, _ := base64.StdEncoding.DecodeString(req.GetFields()["audio_content"].GetStringValue())

			resp, _ := structpb.NewStruct(map[string]any{
				"results": []any{
					map[string]any{
						"is_final":  string(audio) == "final",
						"stability": 0.5,
						"alternatives": []any{
							map[string]any{"transcript": string(audio), "confidence": 0.9},
						},
					},
				},
			})
			if err := stream.SendMsg(resp); err != nil {
				return err
			}
		}
	}
}

func startRecognizer(t *testing.T) (*GRPCDialer, chan *structpb.Struct) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	configs := make(chan *structpb.Struct, 4)

	server := grpc.NewServer()
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: SpeechServiceName,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    StreamingRecognizeMethod,
			Handler:       echoRecognizer(configs),
			ServerStreams: true,
			ClientStreams: true,
		}},
	}, struct{}{})

	go server.Serve(lis)
	t.Cleanup(server.Stop)

	dialer, err := NewGRPCDialer(GRPCOptions{
		Target:  "passthrough:///bufnet",
		Breaker: resilience.NewCircuitBreaker("recognizer-test", 3, time.Second),
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
	})
	if err != nil {
		t.Fatalf("NewGRPCDialer failed: %v", err)
	}
	t.Cleanup(func() { dialer.Close() })

	return dialer, configs
}

func TestGRPCDialer_SendsConfigAndStreams(t *testing.T) {
	dialer, configs := startRecognizer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	settings := testSettings()
	settings.Language = "de-DE"
	conn, err := dialer.Dial(ctx, settings)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	// the stream must outlive the dial context
	cancel()

	cfg := <-configs
	streaming := cfg.GetFields()["streaming_config"].GetStructValue().GetFields()
	if !streaming["interim_results"].GetBoolValue() {
		t.Error("Expected interim_results=true")
	}
	rc := streaming["config"].GetStructValue().GetFields()
	if rc["encoding"].GetStringValue() != "LINEAR16" || rc["sample_rate_hertz"].GetNumberValue() != 16000 {
		t.Errorf("Unexpected recognition config %v", rc)
	}
	if rc["language_code"].GetStringValue() != "de-DE" {
		t.Errorf("Expected language de-DE, got %v", rc["language_code"])
	}

	if err := conn.SendAudio([]byte("hello")); err != nil {
		t.Fatalf("SendAudio failed: %v", err)
	}
	resp, err := conn.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if resp.Final || len(resp.Alternatives) != 1 || resp.Alternatives[0].Transcript != "hello" {
		t.Errorf("Unexpected response %+v", resp)
	}
	if resp.Stability != 0.5 || resp.Raw == "" {
		t.Errorf("Expected stability and raw message, got %+v", resp)
	}

	conn.SendAudio([]byte("final"))
	resp, err = conn.Recv()
	if err != nil || !resp.Final {
		t.Errorf("Expected final response, got %+v %v", resp, err)
	}
}

func TestGRPCDialer_StreamClientEndToEnd(t *testing.T) {
	dialer, _ := startRecognizer(t)

	c, err := NewStreamClient(dialer, testSettings())
	if err != nil {
		t.Fatalf("NewStreamClient failed: %v", err)
	}
	defer c.Stop()

	results := make(chan RawResult, 4)
	c.SetOnResult(func(r RawResult) { results <- r })
	c.QueueAudio([]byte("good evening"))
	c.Start()

	select {
	case r := <-results:
		if r.Text != "good evening" {
			t.Errorf("Expected echoed text, got %q", r.Text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for result")
	}

	c.Stop()
	waitStopped(t, c)
}

func TestGRPCDialer_Check(t *testing.T) {
	dialer, _ := startRecognizer(t)
	if ok, err := dialer.Check(context.Background()); !ok || err != nil {
		t.Errorf("Expected healthy recognizer, got %v %v", ok, err)
	}
}

func TestParseResponse_NoResults(t *testing.T) {
	msg, _ := structpb.NewStruct(map[string]any{"results": []any{}})
	resp := parseResponse(msg)
	if len(resp.Alternatives) != 0 || resp.Final {
		t.Errorf("Expected empty response, got %+v", resp)
	}
}
