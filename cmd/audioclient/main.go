// Command audioclient streams a WAV file to the transcription gRPC service
// and prints session updates as they arrive.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpcapi "speaker-transcription-service/internal/api/grpc"
	"speaker-transcription-service/internal/models"
	"speaker-transcription-service/internal/observability/logging"
	"speaker-transcription-service/internal/service/capture"
	"speaker-transcription-service/internal/service/transcript"
)

func main() {
	audioFile := flag.String("audio", "testdata/sample-16khz.wav", "Path to a PCM WAV file")
	serverAddr := flag.String("server", "localhost:50051", "gRPC server address")
	key := flag.String("key", os.Getenv("STT_API_KEY"), "Vendor API key (min 10 characters)")
	provider := flag.String("provider", "", "STT provider (empty for the server default)")
	interval := flag.Duration("interval", capture.DefaultInterval, "Chunk interval")
	flag.Parse()

	logging.Init(logging.Config{Level: "info", Format: "console", TimeFormat: time.RFC3339})

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect")
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	handle, err := capture.NewWAVFile(*audioFile, *interval).Acquire(ctx)
	if err != nil {
		log.Fatal().Err(err).Str("audio", *audioFile).Msg("Failed to open audio")
	}
	defer handle.Release()

	client, err := grpcapi.Transcribe(ctx, conn, *key, *provider)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create stream")
	}
	sessionID, err := client.SessionID()
	if err != nil {
		log.Fatal().Err(err).Msg("Stream rejected")
	}
	log.Info().Str("sessionId", sessionID).Str("server", *serverAddr).Msg("Streaming audio")

	recvDone := make(chan error, 1)
	go func() {
		recvDone <- printUpdates(client)
	}()

	var chunks, total int
	start := time.Now()
	for chunk := range handle.Chunks() {
		if err := client.Send(chunk.Bytes); err != nil {
			// the server ended the stream; Recv reports why
			break
		}
		chunks++
		total += chunk.SizeBytes
		if chunks%50 == 0 {
			log.Info().Int("chunks", chunks).Int("bytes", total).Msg("Sent audio")
		}
	}
	client.CloseSend()
	log.Info().Int("chunks", chunks).Int("bytes", total).Dur("elapsed", time.Since(start)).Msg("Finished streaming, waiting for final words")

	if err := <-recvDone; err != nil {
		log.Fatal().Err(err).Msg("Session failed")
	}
	log.Info().Str("sessionId", sessionID).Msg("Stream completed")
}

func printUpdates(client *grpcapi.TranscribeClient) error {
	var last models.SessionUpdate
	for {
		u, err := client.Recv()
		if errors.Is(err, io.EOF) {
			return transcript.Format(os.Stdout, last.Groups)
		}
		if err != nil {
			return err
		}
		if len(u.Groups) > 0 {
			last = u
		}

		switch {
		case u.Final:
			fmt.Printf("[final]   %s\n", transcript.Text(u.Words, true))
		case len(u.Words) > 0:
			fmt.Printf("[partial] %s\n", transcript.Text(u.Words, true))
		default:
			fmt.Printf("[state]   %s %s\n", u.State, u.Error)
		}
	}
}
