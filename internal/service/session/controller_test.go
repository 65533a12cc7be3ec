package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"speaker-transcription-service/internal/models"
	"speaker-transcription-service/internal/observability/metrics"
	"speaker-transcription-service/internal/service/capture"
	"speaker-transcription-service/internal/service/stt"
	"speaker-transcription-service/internal/service/stt/mock"
)

const validKey = "valid-key-123"

// fakeSource hands out a push-fed capture stream, or fails.
type fakeSource struct {
	mu      sync.Mutex
	err     error
	streams []*capture.Stream
}

func (s *fakeSource) Acquire(ctx context.Context) (capture.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	st := capture.NewStream(16)
	s.streams = append(s.streams, st)
	return st.Acquire(ctx)
}

func (s *fakeSource) last() *capture.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[len(s.streams)-1]
}

// fakeProvider keeps the callback so tests can deliver results directly.
type fakeProvider struct {
	mu      sync.Mutex
	openErr error
	cbs     []stt.Callback
	streams []*fakeStream
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Open(ctx context.Context, key string, cb stt.Callback) (stt.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openErr != nil {
		return nil, p.openErr
	}
	s := &fakeStream{}
	p.cbs = append(p.cbs, cb)
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *fakeProvider) callback(i int) stt.Callback {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cbs[i]
}

func (p *fakeProvider) stream(i int) *fakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams[i]
}

type fakeStream struct {
	mu       sync.Mutex
	audio    int
	finished bool
	closed   int
	sendErr  error
}

func (s *fakeStream) SendAudio(ctx context.Context, audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio += len(audio)
	return s.sendErr
}

func (s *fakeStream) Finish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeStream) snapshot() (audio int, finished bool, closed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audio, s.finished, s.closed
}

// fakeSink records published events.
type fakeSink struct {
	mu       sync.Mutex
	partials []models.WordsEvent
	finals   []models.WordsEvent
}

func (s *fakeSink) PublishPartial(ctx context.Context, key string, ev models.WordsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partials = append(s.partials, ev)
	return nil
}

func (s *fakeSink) PublishFinal(ctx context.Context, key string, ev models.WordsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finals = append(s.finals, ev)
	return nil
}

func newTestController(src capture.Source, p stt.Provider, sink Sink, limits Limits) *Controller {
	cfg := Config{
		ID:       "sess-1",
		Source:   src,
		Provider: p,
		Limits:   limits,
		Metrics:  metrics.NewUnregistered(),
	}
	if sink != nil {
		cfg.Sink = sink
	}
	return New(cfg)
}

func word(text string, speaker int) models.WordRecord {
	return models.WordRecord{Text: text, SpeakerID: speaker, Confidence: 1}
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

func TestController_StartAndStop(t *testing.T) {
	src := &fakeSource{}
	p := &fakeProvider{}
	c := newTestController(src, p, nil, Limits{})

	if err := c.Start(context.Background(), validKey); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.State() != StateActive {
		t.Fatalf("expected StateActive, got %v", c.State())
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.State() != StateIdle {
		t.Errorf("expected StateIdle, got %v", c.State())
	}
	if _, _, closed := p.stream(0).snapshot(); closed != 1 {
		t.Errorf("expected stream closed once, got %d", closed)
	}
	select {
	case <-c.Done():
	default:
		t.Error("expected Done to be closed after stop")
	}
}

func TestController_StopTwiceLeavesIdle(t *testing.T) {
	c := newTestController(&fakeSource{}, &fakeProvider{}, nil, Limits{})
	c.Start(context.Background(), validKey)

	if err := c.Stop(); err != nil {
		t.Fatalf("first stop: unexpected error: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("second stop: unexpected error: %v", err)
	}
	if c.State() != StateIdle {
		t.Errorf("expected StateIdle, got %v", c.State())
	}
}

func TestController_StopWhenNeverStarted(t *testing.T) {
	c := newTestController(&fakeSource{}, &fakeProvider{}, nil, Limits{})

	if err := c.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.State() != StateIdle {
		t.Errorf("expected StateIdle, got %v", c.State())
	}
}

func TestController_ResponseAfterStopIsDiscarded(t *testing.T) {
	p := &fakeProvider{}
	sink := &fakeSink{}
	c := newTestController(&fakeSource{}, p, sink, Limits{})
	c.Start(context.Background(), validKey)

	cb := p.callback(0)
	cb.OnFinal([]models.WordRecord{word("hello", 1)})
	c.Stop()
	cb.OnFinal([]models.WordRecord{word("late", 2)})

	groups := c.Groups()
	if len(groups) != 1 {
		t.Fatalf("expected only speaker 1, got %v", groups)
	}
	if _, ok := groups[2]; ok {
		t.Error("late result must not appear in the log")
	}
	if len(c.Words()) != 1 {
		t.Errorf("expected 1 word, got %d", len(c.Words()))
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.finals) != 1 {
		t.Errorf("expected 1 published final, got %d", len(sink.finals))
	}
}

func TestController_FinalsAppendInArrivalOrder(t *testing.T) {
	p := &fakeProvider{}
	sink := &fakeSink{}
	c := newTestController(&fakeSource{}, p, sink, Limits{})
	c.Start(context.Background(), validKey)
	defer c.Stop()

	cb := p.callback(0)
	cb.OnPartial([]models.WordRecord{word("hel", 1)})
	cb.OnFinal([]models.WordRecord{word("hello", 1), word("world", 1)})
	cb.OnFinal([]models.WordRecord{word("hi", 2)})

	words := c.Words()
	if len(words) != 3 {
		t.Fatalf("expected partials to stay out of the log, got %d words", len(words))
	}
	for i, want := range []string{"hello", "world", "hi"} {
		if words[i].Text != want {
			t.Errorf("word %d: expected %q, got %q", i, want, words[i].Text)
		}
	}

	groups := c.Groups()
	if groups[1].Transcript != "hello world" || groups[2].Transcript != "hi" {
		t.Errorf("unexpected groups: %+v", groups)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.partials) != 1 || len(sink.finals) != 2 {
		t.Fatalf("expected 1 partial and 2 finals published, got %d/%d", len(sink.partials), len(sink.finals))
	}
	ev := sink.finals[1]
	if ev.EventType != models.EventWordsFinal || ev.SessionID != "sess-1" || ev.Provider != "fake" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.SequenceID == sink.finals[0].SequenceID {
		t.Error("expected distinct sequence ids")
	}
}

func TestController_ReentrantStartRejected(t *testing.T) {
	c := newTestController(&fakeSource{}, &fakeProvider{}, nil, Limits{})
	c.Start(context.Background(), validKey)
	defer c.Stop()

	if err := c.Start(context.Background(), validKey); !errors.Is(err, ErrSessionActive) {
		t.Errorf("expected ErrSessionActive, got %v", err)
	}
	if c.State() != StateActive {
		t.Errorf("expected session to stay active, got %v", c.State())
	}
}

func TestController_InvalidKeyNeverStarts(t *testing.T) {
	src := &fakeSource{}
	c := newTestController(src, &fakeProvider{}, nil, Limits{})

	for _, key := range []string{"", "short", "123456789"} {
		if err := c.Start(context.Background(), key); !errors.Is(err, ErrInvalidKeyFormat) {
			t.Errorf("key %q: expected ErrInvalidKeyFormat, got %v", key, err)
		}
	}
	if c.State() != StateIdle {
		t.Errorf("expected StateIdle, got %v", c.State())
	}
	if len(src.streams) != 0 {
		t.Error("capture must not be acquired for an invalid key")
	}
}

func TestController_CaptureFailureErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"permission denied", capture.ErrPermissionDenied},
		{"device unavailable", capture.ErrDeviceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakeProvider{}
			c := newTestController(&fakeSource{err: tt.err}, p, nil, Limits{})

			err := c.Start(context.Background(), validKey)
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
			if c.State() != StateErrored {
				t.Errorf("expected StateErrored, got %v", c.State())
			}
			if !errors.Is(c.Err(), tt.err) {
				t.Errorf("expected Err to report %v, got %v", tt.err, c.Err())
			}
			if len(p.cbs) != 0 {
				t.Error("provider must not be opened after capture failure")
			}

			// stop from ERRORED is legal
			if err := c.Stop(); err != nil {
				t.Errorf("unexpected stop error: %v", err)
			}
			if c.State() != StateIdle {
				t.Errorf("expected StateIdle after stop, got %v", c.State())
			}
		})
	}
}

func TestController_TransportRejectionReleasesCapture(t *testing.T) {
	src := &fakeSource{}
	p := &fakeProvider{openErr: stt.NewTransportError("fake", "dial", errors.New("401"))}
	c := newTestController(src, p, nil, Limits{})

	err := c.Start(context.Background(), validKey)
	if !errors.Is(err, stt.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if c.State() != StateErrored {
		t.Errorf("expected StateErrored, got %v", c.State())
	}

	// capture handle was released
	if err := src.last().Push(context.Background(), []byte{1}); !errors.Is(err, capture.ErrStreamClosed) {
		t.Errorf("expected capture released, push returned %v", err)
	}
}

func TestController_TransportErrorMidSession(t *testing.T) {
	p := &fakeProvider{}
	c := newTestController(&fakeSource{}, p, nil, Limits{})
	c.Start(context.Background(), validKey)

	updates, unsubscribe := c.Subscribe()
	defer unsubscribe()

	p.callback(0).OnError(stt.NewTransportError("fake", "receive", errors.New("reset")))

	if c.State() != StateErrored {
		t.Fatalf("expected StateErrored, got %v", c.State())
	}
	if _, _, closed := p.stream(0).snapshot(); closed != 1 {
		t.Errorf("expected stream closed, got %d", closed)
	}

	select {
	case u := <-updates:
		if u.State != "ERRORED" || u.Error == "" {
			t.Errorf("unexpected update: %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an update")
	}

	// a late final from the failed stream is dropped
	p.callback(0).OnFinal([]models.WordRecord{word("late", 0)})
	if len(c.Words()) != 0 {
		t.Error("late final must not be appended after failure")
	}
}

func TestController_RestartAfterError(t *testing.T) {
	p := &fakeProvider{}
	c := newTestController(&fakeSource{}, p, nil, Limits{})
	c.Start(context.Background(), validKey)
	p.callback(0).OnFinal([]models.WordRecord{word("first", 0)})
	p.callback(0).OnError(errors.New("drop"))

	if err := c.Start(context.Background(), validKey); err != nil {
		t.Fatalf("expected restart from ERRORED, got %v", err)
	}
	defer c.Stop()

	if len(c.Words()) != 0 {
		t.Error("expected log cleared on restart")
	}
	// the old stream's callbacks belong to a stale generation
	p.callback(0).OnFinal([]models.WordRecord{word("ghost", 0)})
	p.callback(1).OnFinal([]models.WordRecord{word("second", 0)})

	words := c.Words()
	if len(words) != 1 || words[0].Text != "second" {
		t.Errorf("expected only the new session's word, got %+v", words)
	}
}

func TestController_CaptureEndFlushesAndCompletes(t *testing.T) {
	src := &fakeSource{}
	p := &fakeProvider{}
	c := newTestController(src, p, nil, Limits{})
	c.Start(context.Background(), validKey)

	st := src.last()
	st.Push(context.Background(), make([]byte, 320))
	st.Push(context.Background(), make([]byte, 320))
	st.End()

	waitFor(t, func() bool {
		_, finished, _ := p.stream(0).snapshot()
		return finished
	})
	if audio, _, _ := p.stream(0).snapshot(); audio != 640 {
		t.Errorf("expected 640 bytes forwarded, got %d", audio)
	}
	if c.State() != StateActive {
		t.Errorf("expected session active until provider closes, got %v", c.State())
	}

	p.callback(0).OnFinal([]models.WordRecord{word("tail", 0)})
	p.callback(0).OnClose()

	if c.State() != StateIdle {
		t.Errorf("expected StateIdle after provider close, got %v", c.State())
	}
	select {
	case <-c.Done():
	default:
		t.Error("expected Done closed after completion")
	}
	if len(c.Words()) != 1 {
		t.Errorf("expected tail word kept, got %d", len(c.Words()))
	}
}

func TestController_MaxAudioBytesLimit(t *testing.T) {
	src := &fakeSource{}
	p := &fakeProvider{}
	c := newTestController(src, p, nil, Limits{MaxAudioBytes: 100})
	c.Start(context.Background(), validKey)

	st := src.last()
	st.Push(context.Background(), make([]byte, 50))
	st.Push(context.Background(), make([]byte, 60))

	waitFor(t, func() bool { return c.State() == StateErrored })
	if !errors.Is(c.Err(), ErrLimitExceeded) {
		t.Errorf("expected ErrLimitExceeded, got %v", c.Err())
	}
	if audio, _, _ := p.stream(0).snapshot(); audio != 50 {
		t.Errorf("expected only the first chunk forwarded, got %d bytes", audio)
	}
}

func TestController_SendFailureErrors(t *testing.T) {
	src := &fakeSource{}
	p := &fakeProvider{}
	c := newTestController(src, p, nil, Limits{})
	c.Start(context.Background(), validKey)

	p.stream(0).mu.Lock()
	p.stream(0).sendErr = stt.NewTransportError("fake", "send", errors.New("broken pipe"))
	p.stream(0).mu.Unlock()

	src.last().Push(context.Background(), []byte{1, 2})

	waitFor(t, func() bool { return c.State() == StateErrored })
	if !errors.Is(c.Err(), stt.ErrTransport) {
		t.Errorf("expected transport error, got %v", c.Err())
	}
}

func TestController_SubscribeReceivesFinals(t *testing.T) {
	p := &fakeProvider{}
	c := newTestController(&fakeSource{}, p, nil, Limits{})
	c.Start(context.Background(), validKey)
	defer c.Stop()

	updates, unsubscribe := c.Subscribe()
	p.callback(0).OnFinal([]models.WordRecord{word("um", 0), word("yes", 1)})

	select {
	case u := <-updates:
		if !u.Final || len(u.Words) != 2 || len(u.Groups) != 2 {
			t.Errorf("unexpected update: %+v", u)
		}
		if u.SessionID != "sess-1" || u.State != "ACTIVE" {
			t.Errorf("unexpected session fields: %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an update")
	}

	unsubscribe()
	unsubscribe()
	if _, ok := <-updates; ok {
		t.Error("expected channel closed after unsubscribe")
	}
}

// A subscriber that reads nothing until the run is over still ends on the
// closing update, and that update carries every logged word.
func TestController_SlowSubscriberGetsClosingUpdate(t *testing.T) {
	src := &fakeSource{}
	p := &fakeProvider{}
	c := newTestController(src, p, nil, Limits{})

	updates, unsubscribe := c.Subscribe()
	defer unsubscribe()

	if err := c.Start(context.Background(), validKey); err != nil {
		t.Fatalf("Start: %v", err)
	}
	const finals = 40
	for i := 0; i < finals; i++ {
		p.callback(0).OnFinal([]models.WordRecord{word("word", i%3)})
	}

	src.last().End()
	waitFor(t, func() bool {
		_, finished, _ := p.stream(0).snapshot()
		return finished
	})
	p.callback(0).OnClose()

	var (
		got  []models.SessionUpdate
		last models.SessionUpdate
	)
drain:
	for {
		select {
		case u := <-updates:
			got = append(got, u)
			last = u
		default:
			break drain
		}
	}

	if len(got) != subscriberBuffer {
		t.Errorf("expected a full buffer of %d updates, got %d", subscriberBuffer, len(got))
	}
	if last.State != StateIdle.String() {
		t.Fatalf("expected last update IDLE, got %q", last.State)
	}
	total := 0
	for _, g := range last.Groups {
		total += len(g.Words)
	}
	if total != finals || total != len(c.Words()) {
		t.Errorf("expected closing update to carry all %d words, got %d", finals, total)
	}
	if len(last.Groups) != 3 {
		t.Errorf("expected 3 speaker groups, got %d", len(last.Groups))
	}
	if !got[len(got)-2].Final {
		t.Errorf("expected the newest final kept ahead of the closing update, got %+v", got[len(got)-2])
	}
}

func TestController_StopUpdateCarriesGroups(t *testing.T) {
	p := &fakeProvider{}
	c := newTestController(&fakeSource{}, p, nil, Limits{})
	c.Start(context.Background(), validKey)

	updates, unsubscribe := c.Subscribe()
	defer unsubscribe()

	p.callback(0).OnFinal([]models.WordRecord{word("hi", 0), word("there", 1)})
	c.Stop()

	<-updates
	u := <-updates
	if u.State != StateIdle.String() {
		t.Fatalf("expected IDLE update after Stop, got %q", u.State)
	}
	if len(u.Groups) != 2 || len(u.Groups[0].Words) != 1 || len(u.Groups[1].Words) != 1 {
		t.Errorf("expected both speakers in the closing update, got %+v", u.Groups)
	}
}

func TestController_WithMockProvider(t *testing.T) {
	src := &fakeSource{}
	mp := mock.New()
	mp.Delay = 0
	c := newTestController(src, mp, nil, Limits{})

	if err := c.Start(context.Background(), validKey); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st := src.last()
	for i := 0; i < 4; i++ {
		st.Push(context.Background(), make([]byte, 320))
	}
	st.End()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not complete")
	}

	if c.State() != StateIdle {
		t.Errorf("expected StateIdle, got %v", c.State())
	}
	words := c.Words()
	if len(words) == 0 {
		t.Fatal("expected finalized words")
	}
	if !words[0].IsFiller {
		t.Errorf("expected the script to open with a filler, got %+v", words[0])
	}
}

func TestController_MockRejectedKey(t *testing.T) {
	c := newTestController(&fakeSource{}, mock.New(), nil, Limits{})

	err := c.Start(context.Background(), "rejected-key-000")
	if !errors.Is(err, stt.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if c.State() != StateErrored {
		t.Errorf("expected StateErrored, got %v", c.State())
	}
}
