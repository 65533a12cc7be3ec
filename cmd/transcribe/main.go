// Command transcribe records from a WAV file as if it were a microphone,
// streams it to a transcription provider and prints the words grouped by
// speaker with fillers marked.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"speaker-transcription-service/internal/app"
	"speaker-transcription-service/internal/config"
	"speaker-transcription-service/internal/events"
	"speaker-transcription-service/internal/filler"
	"speaker-transcription-service/internal/observability/logging"
	"speaker-transcription-service/internal/service/capture"
	"speaker-transcription-service/internal/service/session"
	"speaker-transcription-service/internal/service/transcript"
)

func main() {
	cfg := config.Load()

	audioFile := flag.String("audio", "testdata/sample-16khz.wav", "Path to a PCM WAV file")
	key := flag.String("key", os.Getenv("STT_API_KEY"), "Vendor API key (min 10 characters)")
	provider := flag.String("provider", cfg.STT.Provider, "STT provider: mock, assemblyai, deepgram, deepgram-batch, google")
	realtime := flag.Bool("realtime", true, "Pace audio like a live microphone")
	markFillers := flag.Bool("mark-fillers", true, "Mark filler words ("+strings.Join(filler.Words(), ", ")+") in partial and final lines")
	flag.Parse()

	logging.Init(logging.Config{Level: cfg.Observability.LogLevel, Format: "console", TimeFormat: time.RFC3339})

	p, err := app.NewProvider(cfg.STT, *provider)
	if err != nil {
		log.Fatal().Err(err).Msg("Unknown provider")
	}

	publisher := events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		Principal:    cfg.Kafka.Principal,
	})
	defer publisher.Close()

	src := capture.NewWAVFile(*audioFile, cfg.STT.ChunkInterval)
	src.Realtime = *realtime

	ctrl := session.New(session.Config{
		Source:   src,
		Provider: p,
		Sink:     publisher,
		Limits: session.Limits{
			MaxAudioBytes: cfg.Session.MaxAudioBytes,
			MaxDuration:   cfg.Session.MaxDuration,
		},
	})

	updates, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()
	go func() {
		for u := range updates {
			switch {
			case u.Final:
				fmt.Printf("[final]   %s\n", transcript.Text(u.Words, *markFillers))
			case len(u.Words) > 0:
				fmt.Printf("[partial] %s\n", transcript.Text(u.Words, *markFillers))
			}
		}
	}()

	if err := ctrl.Start(context.Background(), *key); err != nil {
		log.Fatal().Err(err).Msg("Recording failed to start")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-ctrl.Done():
	case <-sig:
		log.Info().Msg("Stopping")
		if err := ctrl.Stop(); err != nil {
			log.Warn().Err(err).Msg("Stop")
		}
	}

	if err := ctrl.Err(); err != nil {
		log.Error().Err(err).Str("state", ctrl.State().String()).Msg("Recording failed")
	}

	fmt.Println()
	if err := transcript.Format(os.Stdout, ctrl.Groups()); err != nil {
		log.Fatal().Err(err).Msg("Write transcript")
	}
}
