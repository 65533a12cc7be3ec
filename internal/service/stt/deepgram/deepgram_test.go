package deepgram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"speaker-transcription-service/internal/models"
	"speaker-transcription-service/internal/service/stt"
)

type testCallback struct {
	mu       sync.Mutex
	partials [][]models.WordRecord
	finals   [][]models.WordRecord
	errs     []error
	closed   int
}

func (c *testCallback) OnPartial(words []models.WordRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partials = append(c.partials, words)
}

func (c *testCallback) OnFinal(words []models.WordRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finals = append(c.finals, words)
}

func (c *testCallback) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *testCallback) OnClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
}

func (c *testCallback) counts() (partials, finals, errs, closed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.partials), len(c.finals), len(c.errs), c.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

const (
	interimResult = `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"uh","words":[{"word":"uh","start":0.1,"end":0.3,"confidence":0.7,"speaker":0}]}]}}`
	finalResult   = `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"uh hello","words":[{"word":"uh","start":0.1,"end":0.3,"confidence":0.7,"speaker":0},{"word":"hello","punctuated_word":"Hello.","start":0.4,"end":0.8,"confidence":0.99,"speaker":1}]}]}}`
	metadataFrame = `{"type":"Metadata","request_id":"r-1"}`
)

func TestConfig_Endpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "wss://example.test/v1/listen?tier=enhanced"

	endpoint, err := cfg.endpoint(DefaultStreamURL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"diarize=true", "punctuate=true", "encoding=linear16", "sample_rate=16000", "tier=enhanced"} {
		if !strings.Contains(endpoint, want) {
			t.Errorf("expected %q in %s", want, endpoint)
		}
	}
}

// liveVendor is a scripted Deepgram live endpoint.
type liveVendor struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu          sync.Mutex
	auth        string
	query       string
	binary      int
	closeStream bool

	replies []string
	drop    bool
}

func (v *liveVendor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	v.mu.Lock()
	v.auth = r.Header.Get("Authorization")
	v.query = r.URL.RawQuery
	v.mu.Unlock()

	conn, err := v.upgrader.Upgrade(w, r, nil)
	if err != nil {
		v.t.Errorf("upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	replies := append([]string{}, v.replies...)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.TextMessage && strings.Contains(string(data), "CloseStream") {
			v.mu.Lock()
			v.closeStream = true
			v.mu.Unlock()
			for _, r := range replies {
				conn.WriteMessage(websocket.TextMessage, []byte(r))
			}
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
		if mt == websocket.BinaryMessage {
			v.mu.Lock()
			v.binary++
			v.mu.Unlock()
		}
		if v.drop {
			return
		}
		if len(replies) > 0 {
			conn.WriteMessage(websocket.TextMessage, []byte(replies[0]))
			replies = replies[1:]
		}
	}
}

func newLiveProvider(t *testing.T, v *liveVendor) *StreamProvider {
	t.Helper()
	srv := httptest.NewServer(v)
	t.Cleanup(srv.Close)
	cfg := DefaultConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	return NewStream(cfg)
}

func TestStreamProvider_Name(t *testing.T) {
	if NewStream(DefaultConfig()).Name() != "deepgram" {
		t.Error("unexpected provider name")
	}
}

func TestStreamProvider_ResultsAndClose(t *testing.T) {
	v := &liveVendor{t: t, replies: []string{metadataFrame, interimResult, finalResult}}
	p := newLiveProvider(t, v)
	cb := &testCallback{}

	s, err := p.Open(context.Background(), "dg-key-123456", cb)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		if err := s.SendAudio(context.Background(), []byte{0, 1, 2, 3}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	waitFor(t, func() bool {
		_, finals, _, _ := cb.counts()
		return finals == 1
	})

	if err := s.Finish(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, func() bool {
		_, _, _, closed := cb.counts()
		return closed == 1
	})

	v.mu.Lock()
	if v.auth != "Token dg-key-123456" {
		t.Errorf("expected token auth, got %q", v.auth)
	}
	if !strings.Contains(v.query, "diarize=true") {
		t.Errorf("expected diarization requested, got %q", v.query)
	}
	if v.binary != 3 {
		t.Errorf("expected 3 binary frames, got %d", v.binary)
	}
	if !v.closeStream {
		t.Error("expected CloseStream control message")
	}
	v.mu.Unlock()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.partials) != 1 {
		t.Errorf("expected 1 partial, got %d", len(cb.partials))
	}
	final := cb.finals[0]
	if len(final) != 2 || final[1].Text != "hello" || final[1].SpeakerID != 1 {
		t.Errorf("unexpected final words: %+v", final)
	}
	if !final[0].IsFiller {
		t.Errorf("expected 'uh' to be a filler")
	}
	if len(cb.errs) != 0 {
		t.Errorf("unexpected errors: %v", cb.errs)
	}
}

func TestStreamProvider_DropIsTransportError(t *testing.T) {
	v := &liveVendor{t: t, drop: true}
	p := newLiveProvider(t, v)
	cb := &testCallback{}

	s, _ := p.Open(context.Background(), "dg-key-123456", cb)
	defer s.Close()
	s.SendAudio(context.Background(), []byte{0, 1})

	waitFor(t, func() bool {
		_, _, errs, _ := cb.counts()
		return errs == 1
	})
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !errors.Is(cb.errs[0], stt.ErrTransport) {
		t.Errorf("expected transport error, got %v", cb.errs[0])
	}
	if cb.closed != 0 {
		t.Error("OnClose must not follow OnError")
	}
}

func TestStreamProvider_RejectedKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.URL = "ws" + strings.TrimPrefix(srv.URL, "http")

	_, err := NewStream(cfg).Open(context.Background(), "dg-key-123456", &testCallback{})
	var te *stt.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %v", err)
	}
	if te.Provider != "deepgram" || te.Op != "dial" {
		t.Errorf("unexpected error fields: %+v", te)
	}
}

// batchVendor answers each upload with the next scripted response.
type batchVendor struct {
	mu        sync.Mutex
	auth      []string
	sizes     []int
	responses []string
	status    int
}

func (v *batchVendor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.auth = append(v.auth, r.Header.Get("Authorization"))
	v.sizes = append(v.sizes, len(body))

	if v.status != 0 {
		http.Error(w, `{"err_msg":"Invalid credentials."}`, v.status)
		return
	}
	resp := `{"results":{"channels":[{"alternatives":[{"words":[]}]}]}}`
	if len(v.responses) > 0 {
		resp = v.responses[0]
		v.responses = v.responses[1:]
	}
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, resp)
}

func prerecorded(word string, start, end string) string {
	return `{"metadata":{"request_id":"x"},"results":{"channels":[{"alternatives":[{"words":[{"word":"` +
		word + `","start":` + start + `,"end":` + end + `,"confidence":0.9,"speaker":0}]}]}]}}`
}

func newBatchProvider(t *testing.T, v *batchVendor, batchBytes int) *BatchProvider {
	t.Helper()
	srv := httptest.NewServer(v)
	t.Cleanup(srv.Close)
	cfg := DefaultConfig()
	cfg.URL = srv.URL
	cfg.SampleRate = 8000
	cfg.BatchBytes = batchBytes
	return NewBatch(cfg, srv.Client())
}

func TestBatchProvider_UploadsAtThresholdAndOnFinish(t *testing.T) {
	v := &batchVendor{responses: []string{
		prerecorded("hello", "0.2", "0.6"),
		prerecorded("um", "0.1", "0.3"),
	}}
	p := newBatchProvider(t, v, 16000)
	cb := &testCallback{}

	s, err := p.Open(context.Background(), "dg-key-123456", cb)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	// 1s of 8kHz 16-bit audio in ten chunks triggers one upload
	for i := 0; i < 10; i++ {
		s.SendAudio(context.Background(), make([]byte, 1600))
	}
	waitFor(t, func() bool {
		_, finals, _, _ := cb.counts()
		return finals == 1
	})

	// the tail is uploaded on finish
	s.SendAudio(context.Background(), make([]byte, 800))
	s.Finish(context.Background())

	waitFor(t, func() bool {
		_, _, _, closed := cb.counts()
		return closed == 1
	})

	v.mu.Lock()
	if len(v.sizes) != 2 || v.sizes[0] != 16000 || v.sizes[1] != 800 {
		t.Errorf("unexpected upload sizes: %v", v.sizes)
	}
	for _, a := range v.auth {
		if a != "Token dg-key-123456" {
			t.Errorf("unexpected auth header %q", a)
		}
	}
	v.mu.Unlock()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.finals) != 2 {
		t.Fatalf("expected 2 finals, got %d", len(cb.finals))
	}
	second := cb.finals[1][0]
	if second.Text != "um" || !second.IsFiller {
		t.Errorf("unexpected second batch word: %+v", second)
	}
	// second batch is offset by the first batch's 1s of audio
	if second.StartMs < 1.09 || second.StartMs > 1.11 {
		t.Errorf("expected start offset to ~1.1, got %v", second.StartMs)
	}
}

func TestBatchProvider_RejectedCredential(t *testing.T) {
	v := &batchVendor{status: http.StatusUnauthorized}
	p := newBatchProvider(t, v, 100)
	cb := &testCallback{}

	s, _ := p.Open(context.Background(), "dg-key-123456", cb)
	defer s.Close()

	s.SendAudio(context.Background(), make([]byte, 100))
	waitFor(t, func() bool {
		_, _, errs, _ := cb.counts()
		return errs == 1
	})

	// later uploads and finish stay silent
	s.SendAudio(context.Background(), make([]byte, 100))
	s.Finish(context.Background())
	time.Sleep(50 * time.Millisecond)

	_, finals, errs, closed := cb.counts()
	if finals != 0 || errs != 1 || closed != 0 {
		t.Errorf("expected a single error, got finals=%d errs=%d closed=%d", finals, errs, closed)
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !errors.Is(cb.errs[0], stt.ErrTransport) || !strings.Contains(cb.errs[0].Error(), "401") {
		t.Errorf("unexpected error: %v", cb.errs[0])
	}
}

func TestBatchProvider_MalformedResponseIsSkipped(t *testing.T) {
	v := &batchVendor{responses: []string{`{"results":"nope"}`}}
	p := newBatchProvider(t, v, 10)
	cb := &testCallback{}

	s, _ := p.Open(context.Background(), "dg-key-123456", cb)
	defer s.Close()

	s.SendAudio(context.Background(), make([]byte, 10))
	s.Finish(context.Background())

	waitFor(t, func() bool {
		_, _, _, closed := cb.counts()
		return closed == 1
	})
	_, finals, errs, _ := cb.counts()
	if finals != 0 || errs != 0 {
		t.Errorf("expected malformed payload to be dropped quietly, got finals=%d errs=%d", finals, errs)
	}
}

func TestBatchProvider_FinishWithoutAudio(t *testing.T) {
	v := &batchVendor{}
	p := newBatchProvider(t, v, 10)
	cb := &testCallback{}

	s, _ := p.Open(context.Background(), "dg-key-123456", cb)
	defer s.Close()
	s.Finish(context.Background())

	waitFor(t, func() bool {
		_, _, _, closed := cb.counts()
		return closed == 1
	})
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.sizes) != 0 {
		t.Errorf("expected no uploads, got %v", v.sizes)
	}
}

func TestBatchProvider_OpenCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewBatch(DefaultConfig(), nil).Open(ctx, "dg-key-123456", &testCallback{})
	if !errors.Is(err, stt.ErrTransport) {
		t.Errorf("expected transport error, got %v", err)
	}
}
