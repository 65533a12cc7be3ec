// Package app wires configuration, transcription providers, the event
// publisher and the session registry into one process-wide Application.
package app

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"speaker-transcription-service/internal/config"
	"speaker-transcription-service/internal/events"
	"speaker-transcription-service/internal/observability/logging"
	"speaker-transcription-service/internal/observability/metrics"
	"speaker-transcription-service/internal/schema"
	"speaker-transcription-service/internal/service/capture"
	"speaker-transcription-service/internal/service/session"
	"speaker-transcription-service/internal/service/stt"
	"speaker-transcription-service/internal/service/stt/assemblyai"
	"speaker-transcription-service/internal/service/stt/deepgram"
	"speaker-transcription-service/internal/service/stt/google"
	"speaker-transcription-service/internal/service/stt/mock"
)

var (
	// ErrUnknownProvider is returned for a provider name with no implementation.
	ErrUnknownProvider = errors.New("unknown stt provider")
	// ErrShuttingDown rejects new sessions once Shutdown has begun.
	ErrShuttingDown = errors.New("service shutting down")
)

// Providers lists the selectable provider names.
var Providers = []string{
	mock.ProviderName,
	assemblyai.ProviderName,
	deepgram.StreamProviderName,
	deepgram.BatchProviderName,
	google.ProviderName,
}

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	Publisher *events.Publisher
	Sessions  *session.Registry
	Validator *schema.Validator
	Sequencer *session.Sequencer
	Metrics   *metrics.Metrics

	mu        sync.Mutex
	providers map[string]stt.Provider
	draining  atomic.Bool
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Config, publisher *events.Publisher) *Application {
	a := &Application{
		Cfg:       cfg,
		Logger:    logging.WithComponent("application"),
		Publisher: publisher,
		Sessions:  session.NewRegistry(),
		Validator: schema.New(),
		Sequencer: session.NewSequencer(),
		Metrics:   metrics.DefaultMetrics,
		providers: make(map[string]stt.Provider),
	}

	a.Logger.Info().
		Str("sttProvider", cfg.STT.Provider).
		Bool("kafkaEnabled", publisher != nil && publisher.Enabled()).
		Msg("Speaker transcription application created")
	return a
}

// NewProvider builds the named provider from STT configuration.
func NewProvider(cfg config.STTConfig, name string) (stt.Provider, error) {
	switch strings.ToLower(name) {
	case mock.ProviderName:
		return mock.New(), nil

	case assemblyai.ProviderName:
		ac := assemblyai.DefaultConfig()
		ac.SampleRate = cfg.SampleRateHz
		if cfg.AssemblyAIURL != "" {
			ac.URL = cfg.AssemblyAIURL
		}
		return assemblyai.New(ac), nil

	case deepgram.StreamProviderName:
		return deepgram.NewStream(deepgramConfig(cfg, deepgram.DefaultStreamURL, cfg.DeepgramURL)), nil

	case deepgram.BatchProviderName:
		return deepgram.NewBatch(deepgramConfig(cfg, deepgram.DefaultBatchURL, cfg.DeepgramBatchURL), nil), nil

	case google.ProviderName:
		gc := google.DefaultConfig()
		gc.LanguageCode = cfg.LanguageCode
		gc.SampleRateHz = int32(cfg.SampleRateHz)
		gc.InterimResults = cfg.InterimResults
		gc.AudioEncoding = cfg.AudioEncoding
		gc.Model = cfg.Model
		gc.Endpoint = cfg.GoogleEndpoint
		return google.New(gc), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
}

func deepgramConfig(cfg config.STTConfig, defaultURL, override string) deepgram.Config {
	dc := deepgram.DefaultConfig()
	dc.URL = defaultURL
	if override != "" {
		dc.URL = override
	}
	dc.Language = cfg.LanguageCode
	dc.SampleRate = cfg.SampleRateHz
	dc.BatchBytes = cfg.BatchBytes
	if cfg.Model != "" {
		dc.Model = cfg.Model
	}
	return dc
}

// Provider returns the cached provider for name, or the configured default
// when name is empty.
func (a *Application) Provider(name string) (stt.Provider, error) {
	if name == "" {
		name = a.Cfg.STT.Provider
	}
	name = strings.ToLower(name)

	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.providers[name]; ok {
		return p, nil
	}
	p, err := NewProvider(a.Cfg.STT, name)
	if err != nil {
		return nil, err
	}
	a.providers[name] = p
	return p, nil
}

// NewSession creates and registers an idle session reading from source.
func (a *Application) NewSession(source capture.Source, providerName string) (*session.Controller, error) {
	if a.draining.Load() {
		return nil, ErrShuttingDown
	}
	provider, err := a.Provider(providerName)
	if err != nil {
		return nil, err
	}

	var sink session.Sink
	if a.Publisher != nil {
		sink = a.Publisher
	}
	ctrl := session.New(session.Config{
		Source:   source,
		Provider: provider,
		Sink:     sink,
		Limits: session.Limits{
			MaxAudioBytes: a.Cfg.Session.MaxAudioBytes,
			MaxDuration:   a.Cfg.Session.MaxDuration,
		},
		Validator: a.Validator,
		Sequencer: a.Sequencer,
		Metrics:   a.Metrics,
	})
	a.Sessions.Add(ctrl)
	return ctrl, nil
}

// EndSession stops ctrl and removes it from the registry.
func (a *Application) EndSession(ctrl *session.Controller) {
	if err := ctrl.Stop(); err != nil {
		a.Logger.Warn().Err(err).Str("sessionId", ctrl.ID()).Msg("Error releasing session")
	}
	a.Sessions.Remove(ctrl.ID())
}

// Ready reports whether new sessions are accepted.
func (a *Application) Ready() bool {
	return !a.draining.Load()
}

// Start performs any startup work required before serving traffic.
func (a *Application) Start() error {
	if _, err := a.Provider(""); err != nil {
		return err
	}
	a.StartupTime = time.Now().UTC()
	a.Logger.Info().
		Time("startupTime", a.StartupTime).
		Msg("Speaker transcription service starting")
	return nil
}

// Shutdown stops accepting sessions and stops every live one.
func (a *Application) Shutdown() {
	a.draining.Store(true)
	n := a.Sessions.Len()
	a.Sessions.StopAll()
	a.Logger.Info().Int("sessions", n).Msg("Speaker transcription service shutting down")
}
