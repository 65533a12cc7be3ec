// Package assemblyai streams audio to the AssemblyAI real-time endpoint over
// a WebSocket and reports finalized transcripts with speaker labels.
package assemblyai

import (
	"context"
	"encoding/base64"
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

// ProviderName is the registered name of the AssemblyAI provider.
const ProviderName = "assemblyai"

// DefaultURL is the AssemblyAI real-time endpoint.
const DefaultURL = "wss://api.assemblyai.com/v2/realtime/ws"

// Message types sent by the real-time API.
const (
	messageSessionBegins     = "SessionBegins"
	messagePartialTranscript = "PartialTranscript"
	messageFinalTranscript   = "FinalTranscript"
	messageSessionTerminated = "SessionTerminated"
)

// Config holds AssemblyAI connection settings.
type Config struct {
	URL              string
	SampleRate       int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// DefaultConfig returns settings for 16kHz linear PCM.
func DefaultConfig() Config {
	return Config{
		URL:              DefaultURL,
		SampleRate:       16000,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// Provider implements stt.Provider for AssemblyAI.
type Provider struct {
	cfg     Config
	dialer  *websocket.Dialer
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New creates an AssemblyAI provider.
func New(cfg Config) *Provider {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultConfig().SampleRate
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	return &Provider{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		metrics: metrics.DefaultMetrics,
		log:     logging.WithProvider(ProviderName),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return ProviderName }

// Open dials the real-time endpoint with the key in the Authorization header.
func (p *Provider) Open(ctx context.Context, key string, cb stt.Callback) (stt.Stream, error) {
	u, err := url.Parse(p.cfg.URL)
	if err != nil {
		return nil, stt.NewTransportError(ProviderName, "dial", err)
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(p.cfg.SampleRate))
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", key)

	start := time.Now()
	conn, resp, err := p.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		p.metrics.RecordSTTError(ProviderName, "dial")
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, stt.NewTransportError(ProviderName, "dial", err)
	}
	p.metrics.RecordSTTRequest(ProviderName, "connect", time.Since(start).Seconds())

	s := &stream{
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

type audioMessage struct {
	AudioData string `json:"audio_data"`
}

type terminateMessage struct {
	TerminateSession bool `json:"terminate_session"`
}

type serverMessage struct {
	MessageType string `json:"message_type"`
	Error       string `json:"error"`
	SessionID   string `json:"session_id"`
}

type stream struct {
	conn         *websocket.Conn
	cb           stt.Callback
	writeTimeout time.Duration
	metrics      *metrics.Metrics
	log          zerolog.Logger

	writeMu   sync.Mutex
	mu        sync.Mutex
	finishing bool
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

// SendAudio encodes the chunk as base64 inside a JSON frame.
func (s *stream) SendAudio(ctx context.Context, audio []byte) error {
	if s.isFinishingOrClosed() {
		return nil
	}
	msg := audioMessage{AudioData: base64.StdEncoding.EncodeToString(audio)}
	if err := s.writeJSON(msg); err != nil {
		return stt.NewTransportError(ProviderName, "send", err)
	}
	return nil
}

// Finish asks the vendor to flush and terminate the session.
func (s *stream) Finish(ctx context.Context) error {
	s.mu.Lock()
	if s.finishing || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.finishing = true
	s.mu.Unlock()

	if err := s.writeJSON(terminateMessage{TerminateSession: true}); err != nil {
		return stt.NewTransportError(ProviderName, "terminate", err)
	}
	return nil
}

// Close drops the connection without waiting for outstanding results.
func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
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

func (s *stream) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *stream) isFinishingOrClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishing || s.closed
}

func (s *stream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *stream) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
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

func (s *stream) handleReadError(err error) {
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
	s.metrics.RecordSTTError(ProviderName, "receive")
	s.cb.OnError(stt.NewTransportError(ProviderName, "receive", err))
}

// handleMessage dispatches one server frame. It returns false once the
// session has ended.
func (s *stream) handleMessage(data []byte) bool {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.metrics.RecordMalformedPayload(ProviderName)
		s.log.Warn().Err(err).Msg("Dropping unparseable message")
		return true
	}

	if msg.Error != "" {
		s.metrics.RecordSTTError(ProviderName, "vendor")
		s.cb.OnError(stt.NewTransportError(ProviderName, "receive", errors.New(msg.Error)))
		return false
	}

	switch msg.MessageType {
	case messageSessionBegins:
		s.log.Debug().Str("vendorSessionId", msg.SessionID).Msg("Session began")
	case messagePartialTranscript, messageFinalTranscript:
		words, err := transcript.NormalizeWithError(data)
		if err != nil {
			s.metrics.RecordMalformedPayload(ProviderName)
			s.log.Warn().Err(err).Str("messageType", msg.MessageType).Msg("Dropping malformed transcript")
			return true
		}
		if len(words) == 0 {
			return true
		}
		if msg.MessageType == messageFinalTranscript {
			s.cb.OnFinal(words)
		} else {
			s.cb.OnPartial(words)
		}
	case messageSessionTerminated:
		s.cb.OnClose()
		return false
	default:
		s.log.Debug().Str("messageType", msg.MessageType).Msg("Ignoring message")
	}
	return true
}
