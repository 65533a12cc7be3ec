// Package google provides a Google Cloud Speech-to-Text provider with
// speaker diarization.
package google

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"speaker-transcription-service/internal/models"
	"speaker-transcription-service/internal/observability/logging"
	"speaker-transcription-service/internal/observability/metrics"
	"speaker-transcription-service/internal/service/stt"
	"speaker-transcription-service/internal/service/transcript"
)

// ProviderName is the registered name of the Google provider.
const ProviderName = "google"

// Config holds Google STT configuration.
type Config struct {
	LanguageCode   string
	SampleRateHz   int32
	InterimResults bool
	AudioEncoding  string
	Model          string
	// Endpoint overrides the API endpoint, e.g. for a regional host.
	Endpoint    string
	MinSpeakers int32
	MaxSpeakers int32
}

// DefaultConfig returns default configuration for telephony audio.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "en-US",
		SampleRateHz:   8000,
		InterimResults: true,
		AudioEncoding:  "LINEAR16",
		MinSpeakers:    1,
		MaxSpeakers:    6,
	}
}

// parseAudioEncoding converts a string to the Google audio encoding enum.
// Unknown or lowercase values fall back to LINEAR16.
func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// recognizeStream is the subset of the generated streaming client we use.
type recognizeStream interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

// dialFunc opens a streaming RPC. release frees the underlying client.
type dialFunc func(ctx context.Context, key string) (rs recognizeStream, release func() error, err error)

// Provider implements stt.Provider using Google Cloud Speech-to-Text.
type Provider struct {
	cfg     Config
	dial    dialFunc
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New creates a Google provider. The key passed to Open authenticates the
// stream as a Cloud API key.
func New(cfg Config) *Provider {
	p := &Provider{
		cfg:     cfg,
		metrics: metrics.DefaultMetrics,
		log:     logging.WithProvider(ProviderName),
	}
	p.dial = p.dialClient
	return p
}

// Name returns the provider name.
func (p *Provider) Name() string { return ProviderName }

func (p *Provider) clientOptions(key string) []option.ClientOption {
	opts := []option.ClientOption{option.WithAPIKey(key)}
	if p.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.cfg.Endpoint))
	}
	return opts
}

func (p *Provider) dialClient(ctx context.Context, key string) (recognizeStream, func() error, error) {
	c, err := speech.NewClient(ctx, p.clientOptions(key)...)
	if err != nil {
		return nil, nil, err
	}
	rs, err := c.StreamingRecognize(ctx)
	if err != nil {
		c.Close()
		return nil, nil, err
	}
	return rs, c.Close, nil
}

func (p *Provider) streamingConfig() *speechpb.StreamingRecognitionConfig {
	return &speechpb.StreamingRecognitionConfig{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   parseAudioEncoding(p.cfg.AudioEncoding),
			SampleRateHertz:            p.cfg.SampleRateHz,
			LanguageCode:               p.cfg.LanguageCode,
			Model:                      p.cfg.Model,
			EnableWordTimeOffsets:      true,
			EnableWordConfidence:       true,
			EnableAutomaticPunctuation: true,
			DiarizationConfig: &speechpb.SpeakerDiarizationConfig{
				EnableSpeakerDiarization: true,
				MinSpeakerCount:          p.cfg.MinSpeakers,
				MaxSpeakerCount:          p.cfg.MaxSpeakers,
			},
		},
		InterimResults: p.cfg.InterimResults,
	}
}

// Open starts a streaming recognition session and sends the initial config.
// The RPC outlives ctx's cancellation and ends with Finish or Close.
func (p *Provider) Open(ctx context.Context, key string, cb stt.Callback) (stt.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, stt.NewTransportError(ProviderName, "open", err)
	}
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	start := time.Now()
	rs, release, err := p.dial(streamCtx, key)
	if err != nil {
		cancel()
		p.metrics.RecordSTTError(ProviderName, "dial")
		return nil, stt.NewTransportError(ProviderName, "dial", err)
	}

	err = rs.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: p.streamingConfig(),
		},
	})
	if err != nil {
		cancel()
		release()
		p.metrics.RecordSTTError(ProviderName, "config")
		return nil, stt.NewTransportError(ProviderName, "config", err)
	}
	p.metrics.RecordSTTRequest(ProviderName, "connect", time.Since(start).Seconds())

	s := &stream{
		rs:      rs,
		release: release,
		cancel:  cancel,
		cb:      cb,
		metrics: p.metrics,
		log:     p.log,
		done:    make(chan struct{}),
	}
	go s.listen()
	return s, nil
}

type stream struct {
	rs      recognizeStream
	release func() error
	cancel  context.CancelFunc
	cb      stt.Callback
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu        sync.Mutex
	finishing bool
	done      chan struct{}
	closeOnce sync.Once
}

// SendAudio sends audio bytes to Google Speech-to-Text.
func (s *stream) SendAudio(ctx context.Context, audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishing || s.isClosed() {
		return nil
	}
	err := s.rs.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: audio,
		},
	})
	if err != nil {
		return stt.NewTransportError(ProviderName, "send", err)
	}
	return nil
}

// Finish half-closes the stream. Google answers the remaining audio and then
// ends the RPC.
func (s *stream) Finish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishing || s.isClosed() {
		return nil
	}
	s.finishing = true
	if err := s.rs.CloseSend(); err != nil {
		return stt.NewTransportError(ProviderName, "close_send", err)
	}
	return nil
}

// Close cancels the RPC and releases the client.
func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		if s.release != nil {
			err = s.release()
		}
	})
	return err
}

func (s *stream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// listen receives responses and invokes callbacks until the RPC ends.
func (s *stream) listen() {
	for {
		resp, err := s.rs.Recv()
		if s.isClosed() {
			return
		}
		if errors.Is(err, io.EOF) {
			s.cb.OnClose()
			return
		}
		if err != nil {
			s.metrics.RecordSTTError(ProviderName, "receive")
			s.cb.OnError(stt.NewTransportError(ProviderName, "receive", err))
			return
		}
		if st := resp.GetError(); st != nil && st.GetCode() != 0 {
			s.metrics.RecordSTTError(ProviderName, "vendor")
			s.cb.OnError(stt.NewTransportError(ProviderName, "receive", errors.New(st.GetMessage())))
			return
		}

		for _, r := range resp.GetResults() {
			if len(r.GetAlternatives()) == 0 {
				continue
			}
			words := wordsFromAlternative(r.GetAlternatives()[0])
			if len(words) == 0 {
				continue
			}
			if r.GetIsFinal() {
				s.cb.OnFinal(words)
			} else {
				s.cb.OnPartial(words)
			}
		}
	}
}

// wordsFromAlternative maps word info to word records. Times are in seconds.
// Speaker tags start at 1 with 0 meaning unassigned; both 0 and 1 map to
// speaker 0. Interim alternatives usually carry no word info, so their
// transcript is split into untimed words.
func wordsFromAlternative(alt *speechpb.SpeechRecognitionAlternative) []models.WordRecord {
	infos := alt.GetWords()
	if len(infos) == 0 {
		var out []models.WordRecord
		for _, token := range strings.Fields(alt.GetTranscript()) {
			if w, ok := transcript.NewWord(token, 0, 0, 0, nil); ok {
				out = append(out, w)
			}
		}
		return out
	}

	out := make([]models.WordRecord, 0, len(infos))
	for _, info := range infos {
		var conf *float64
		if c := float64(info.GetConfidence()); c > 0 {
			conf = &c
		}
		speaker := int(info.GetSpeakerTag()) - 1
		w, ok := transcript.NewWord(
			info.GetWord(),
			info.GetStartTime().AsDuration().Seconds(),
			info.GetEndTime().AsDuration().Seconds(),
			speaker,
			conf,
		)
		if ok {
			out = append(out, w)
		}
	}
	return out
}
