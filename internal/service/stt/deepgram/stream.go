// Package deepgram provides the Deepgram streaming (WebSocket) and batch
// (periodic upload) transcription providers.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"speaker-transcription-service/internal/observability/logging"
	"speaker-transcription-service/internal/observability/metrics"
	"speaker-transcription-service/internal/service/stt"
	"speaker-transcription-service/internal/service/transcript"
)

// Registered provider names.
const (
	StreamProviderName = "deepgram"
	BatchProviderName  = "deepgram-batch"
)

// Default endpoints.
const (
	DefaultStreamURL = "wss://api.deepgram.com/v1/listen"
	DefaultBatchURL  = "https://api.deepgram.com/v1/listen"
)

// Config holds Deepgram request settings shared by both providers.
type Config struct {
	URL        string
	Model      string
	Language   string
	Encoding   string
	SampleRate int
	Channels   int

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// BatchBytes is the buffered audio size that triggers an upload.
	BatchBytes int
	// RequestTimeout bounds each batch upload.
	RequestTimeout time.Duration
}

// DefaultConfig returns streaming settings for 16kHz mono linear PCM.
func DefaultConfig() Config {
	return Config{
		URL:              DefaultStreamURL,
		Model:            "nova-2",
		Language:         "en-US",
		Encoding:         "linear16",
		SampleRate:       16000,
		Channels:         1,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		BatchBytes:       16000 * 2 * 5,
		RequestTimeout:   30 * time.Second,
	}
}

// query builds the listen parameters. Diarization and punctuation are always on.
func (c Config) query() url.Values {
	q := url.Values{}
	q.Set("diarize", "true")
	q.Set("punctuate", "true")
	if c.Model != "" {
		q.Set("model", c.Model)
	}
	if c.Language != "" {
		q.Set("language", c.Language)
	}
	if c.Encoding != "" {
		q.Set("encoding", c.Encoding)
	}
	if c.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(c.SampleRate))
	}
	if c.Channels > 0 {
		q.Set("channels", strconv.Itoa(c.Channels))
	}
	return q
}

func (c Config) endpoint(fallback string) (string, error) {
	raw := c.URL
	if raw == "" {
		raw = fallback
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range c.query() {
		q[k] = v
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func authHeader(key string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Token "+key)
	return h
}

// StreamProvider implements stt.Provider over the live WebSocket API.
type StreamProvider struct {
	cfg     Config
	dialer  *websocket.Dialer
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewStream creates a Deepgram streaming provider.
func NewStream(cfg Config) *StreamProvider {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	return &StreamProvider{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		metrics: metrics.DefaultMetrics,
		log:     logging.WithProvider(StreamProviderName),
	}
}

// Name returns the provider name.
func (p *StreamProvider) Name() string { return StreamProviderName }

// Open dials the listen endpoint.
func (p *StreamProvider) Open(ctx context.Context, key string, cb stt.Callback) (stt.Stream, error) {
	endpoint, err := p.cfg.endpoint(DefaultStreamURL)
	if err != nil {
		return nil, stt.NewTransportError(StreamProviderName, "dial", err)
	}

	start := time.Now()
	conn, resp, err := p.dialer.DialContext(ctx, endpoint, authHeader(key))
	if err != nil {
		p.metrics.RecordSTTError(StreamProviderName, "dial")
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, stt.NewTransportError(StreamProviderName, "dial", err)
	}
	p.metrics.RecordSTTRequest(StreamProviderName, "connect", time.Since(start).Seconds())

	s := &liveStream{
		conn:         conn,
		cb:           cb,
		writeTimeout: p.cfg.WriteTimeout,
		metrics:      p.metrics,
		log:          p.log,
		done:         make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

type controlMessage struct {
	Type string `json:"type"`
}

type liveMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

type liveStream struct {
	conn         *websocket.Conn
	cb           stt.Callback
	writeTimeout time.Duration
	metrics      *metrics.Metrics
	log          zerolog.Logger

	writeMu   sync.Mutex
	mu        sync.Mutex
	finishing bool
	done      chan struct{}
	closeOnce sync.Once
}

// SendAudio writes the chunk as a binary frame.
func (s *liveStream) SendAudio(ctx context.Context, audio []byte) error {
	if s.stopped() {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return stt.NewTransportError(StreamProviderName, "send", err)
	}
	return nil
}

// Finish sends CloseStream. Deepgram flushes its remaining results and then
// closes the socket.
func (s *liveStream) Finish(ctx context.Context) error {
	s.mu.Lock()
	if s.finishing || s.isClosed() {
		s.mu.Unlock()
		return nil
	}
	s.finishing = true
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteJSON(controlMessage{Type: "CloseStream"}); err != nil {
		return stt.NewTransportError(StreamProviderName, "close_stream", err)
	}
	return nil
}

// Close drops the connection immediately.
func (s *liveStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *liveStream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *liveStream) stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishing || s.isClosed()
}

func (s *liveStream) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.isClosed() {
				return
			}
			s.mu.Lock()
			finishing := s.finishing
			s.mu.Unlock()
			if finishing || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.cb.OnClose()
				return
			}
			s.metrics.RecordSTTError(StreamProviderName, "receive")
			s.cb.OnError(stt.NewTransportError(StreamProviderName, "receive", err))
			return
		}
		if s.isClosed() {
			return
		}
		if !s.handleMessage(data) {
			return
		}
	}
}

func (s *liveStream) handleMessage(data []byte) bool {
	var msg liveMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.metrics.RecordMalformedPayload(StreamProviderName)
		s.log.Warn().Err(err).Msg("Dropping unparseable message")
		return true
	}

	switch msg.Type {
	case "Results":
		words, err := transcript.NormalizeWithError(data)
		if err != nil {
			s.metrics.RecordMalformedPayload(StreamProviderName)
			s.log.Warn().Err(err).Msg("Dropping malformed result")
			return true
		}
		if len(words) == 0 {
			return true
		}
		if msg.IsFinal {
			s.cb.OnFinal(words)
		} else {
			s.cb.OnPartial(words)
		}
	case "Error":
		reason := msg.Description
		if reason == "" {
			reason = msg.Message
		}
		s.metrics.RecordSTTError(StreamProviderName, "vendor")
		s.cb.OnError(stt.NewTransportError(StreamProviderName, "receive", errors.New(reason)))
		return false
	default:
		// Metadata, SpeechStarted, UtteranceEnd
		s.log.Debug().Str("type", msg.Type).Msg("Ignoring message")
	}
	return true
}
