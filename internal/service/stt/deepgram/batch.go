package deepgram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"speaker-transcription-service/internal/models"
	"speaker-transcription-service/internal/observability/logging"
	"speaker-transcription-service/internal/observability/metrics"
	"speaker-transcription-service/internal/service/stt"
	"speaker-transcription-service/internal/service/transcript"
)

const maxErrorBody = 512

// BatchProvider implements stt.Provider by buffering audio and uploading it
// to the prerecorded listen endpoint. Each upload yields at most one final.
type BatchProvider struct {
	cfg     Config
	client  *http.Client
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewBatch creates a Deepgram batch provider. A nil client gets one bounded
// by cfg.RequestTimeout.
func NewBatch(cfg Config, client *http.Client) *BatchProvider {
	if cfg.URL == "" {
		cfg.URL = DefaultBatchURL
	}
	if cfg.BatchBytes <= 0 {
		cfg.BatchBytes = DefaultConfig().BatchBytes
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &BatchProvider{
		cfg:     cfg,
		client:  client,
		metrics: metrics.DefaultMetrics,
		log:     logging.WithProvider(BatchProviderName),
	}
}

// Name returns the provider name.
func (p *BatchProvider) Name() string { return BatchProviderName }

// Open prepares an upload sequence. No request is made until enough audio
// has been buffered, so credential problems surface through OnError.
func (p *BatchProvider) Open(ctx context.Context, key string, cb stt.Callback) (stt.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, stt.NewTransportError(BatchProviderName, "open", err)
	}
	endpoint, err := p.cfg.endpoint(DefaultBatchURL)
	if err != nil {
		return nil, stt.NewTransportError(BatchProviderName, "open", err)
	}

	uploadCtx, cancel := context.WithCancel(context.Background())
	s := &batchStream{
		p:        p,
		key:      key,
		endpoint: endpoint,
		cb:       cb,
		ctx:      uploadCtx,
		cancel:   cancel,
		uploads:  make(chan []byte, 16),
		done:     make(chan struct{}),
	}
	go s.run()
	return s, nil
}

type batchStream struct {
	p        *BatchProvider
	key      string
	endpoint string
	cb       stt.Callback
	ctx      context.Context
	cancel   context.CancelFunc

	mu        sync.Mutex
	buf       []byte
	finishing bool
	uploads   chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// offset is the audio duration already uploaded, in seconds. Only the
	// run goroutine touches it.
	offset float64
}

// SendAudio buffers the chunk and queues an upload once BatchBytes is reached.
func (s *batchStream) SendAudio(ctx context.Context, audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishing || s.isClosed() {
		return nil
	}
	s.buf = append(s.buf, audio...)
	if len(s.buf) >= s.p.cfg.BatchBytes {
		batch := s.buf
		s.buf = nil
		s.enqueue(batch)
	}
	return nil
}

// Finish uploads whatever is still buffered. OnClose follows the last upload.
func (s *batchStream) Finish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishing || s.isClosed() {
		return nil
	}
	s.finishing = true
	if len(s.buf) > 0 {
		s.enqueue(s.buf)
		s.buf = nil
	}
	close(s.uploads)
	return nil
}

// Close abandons pending uploads.
func (s *batchStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
	return nil
}

// enqueue must be called with s.mu held.
func (s *batchStream) enqueue(batch []byte) {
	select {
	case s.uploads <- batch:
	case <-s.done:
	}
}

func (s *batchStream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *batchStream) run() {
	failed := false
	for {
		select {
		case <-s.done:
			return
		case batch, ok := <-s.uploads:
			if !ok {
				if !failed && !s.isClosed() {
					s.cb.OnClose()
				}
				return
			}
			if failed {
				continue
			}
			words, err := s.upload(batch)
			if s.isClosed() {
				return
			}
			if err != nil {
				failed = true
				s.cb.OnError(err)
				continue
			}
			if len(words) > 0 {
				s.cb.OnFinal(words)
			}
		}
	}
}

// upload posts one batch and returns its words shifted by the audio already
// uploaded, so timings stay monotonic across batches.
func (s *batchStream) upload(batch []byte) ([]models.WordRecord, error) {
	cfg := s.p.cfg
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.endpoint, bytes.NewReader(batch))
	if err != nil {
		return nil, stt.NewTransportError(BatchProviderName, "upload", err)
	}
	req.Header = authHeader(s.key)
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := s.p.client.Do(req)
	if err != nil {
		s.p.metrics.RecordSTTError(BatchProviderName, "upload")
		return nil, stt.NewTransportError(BatchProviderName, "upload", err)
	}
	defer resp.Body.Close()
	s.p.metrics.RecordSTTRequest(BatchProviderName, "upload", time.Since(start).Seconds())

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		s.p.metrics.RecordSTTError(BatchProviderName, "status")
		return nil, stt.NewTransportError(BatchProviderName, "upload",
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, stt.NewTransportError(BatchProviderName, "upload", err)
	}

	offset := s.offset
	if bytesPerSecond := cfg.SampleRate * 2 * max(cfg.Channels, 1); bytesPerSecond > 0 {
		s.offset += float64(len(batch)) / float64(bytesPerSecond)
	}

	words, err := transcript.NormalizeWithError(payload)
	if err != nil {
		s.p.metrics.RecordMalformedPayload(BatchProviderName)
		s.p.log.Warn().Err(err).Int("batchBytes", len(batch)).Msg("Dropping malformed response")
		return nil, nil
	}
	for i := range words {
		words[i].StartMs += offset
		words[i].EndMs += offset
	}
	return words, nil
}
