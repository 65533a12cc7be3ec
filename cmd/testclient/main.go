// Command testclient runs a short synthetic session against the gRPC
// service, useful with STT_PROVIDER=mock to check wiring without a vendor key.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpcapi "speaker-transcription-service/internal/api/grpc"
	"speaker-transcription-service/internal/observability/logging"
	"speaker-transcription-service/internal/service/transcript"
)

func main() {
	serverAddr := flag.String("server", "localhost:50051", "gRPC server address")
	frames := flag.Int("frames", 12, "Number of silent 100ms frames to send")
	flag.Parse()

	logging.Init(logging.Config{Level: "info", Format: "console", TimeFormat: time.RFC3339})

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect")
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := grpcapi.Transcribe(ctx, conn, "test-client-key", "mock")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create stream")
	}

	// 100ms of 16kHz 16-bit mono silence
	frame := make([]byte, 3200)
	for i := 0; i < *frames; i++ {
		if err := client.Send(frame); err != nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	client.CloseSend()

	for {
		u, err := client.Recv()
		if errors.Is(err, io.EOF) {
			log.Info().Msg("Session finished")
			return
		}
		if err != nil {
			log.Fatal().Err(err).Msg("Session failed")
		}
		log.Info().
			Str("state", u.State).
			Bool("final", u.Final).
			Str("words", transcript.Text(u.Words, true)).
			Msg("Update")
	}
}
