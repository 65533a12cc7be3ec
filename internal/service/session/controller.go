package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"speaker-transcription-service/internal/models"
	"speaker-transcription-service/internal/observability/logging"
	"speaker-transcription-service/internal/observability/metrics"
	"speaker-transcription-service/internal/schema"
	"speaker-transcription-service/internal/service/capture"
	"speaker-transcription-service/internal/service/stt"
	"speaker-transcription-service/internal/service/transcript"
)

// subscriberBuffer is how many updates queue for one subscriber.
const subscriberBuffer = 32

var (
	// ErrInvalidKeyFormat is returned by Start when the credential fails the
	// local format check. The session never starts.
	ErrInvalidKeyFormat = errors.New("invalid key format")
	// ErrLimitExceeded fails a session that outgrew its Limits.
	ErrLimitExceeded = errors.New("session limit exceeded")
	// ErrStartInterrupted is returned by Start when Stop ran while resources
	// were being acquired.
	ErrStartInterrupted = errors.New("session stopped during start")
)

// Limits defines safety guardrails for a recording session.
type Limits struct {
	MaxAudioBytes int64         // Max audio forwarded per session
	MaxDuration   time.Duration // Max time in ACTIVE
}

// DefaultLimits returns sensible default limits.
func DefaultLimits() Limits {
	return Limits{
		MaxAudioBytes: 64 * 1024 * 1024, // ~35 minutes at 16kHz 16-bit mono
		MaxDuration:   30 * time.Minute,
	}
}

// Sink receives word batches as they are produced. Implemented by
// events.Publisher.
type Sink interface {
	PublishPartial(ctx context.Context, key string, ev models.WordsEvent) error
	PublishFinal(ctx context.Context, key string, ev models.WordsEvent) error
}

// Config wires a Controller.
type Config struct {
	// ID identifies the session. A UUID is generated when empty.
	ID        string
	Source    capture.Source
	Provider  stt.Provider
	Sink      Sink // optional
	Limits    Limits
	Validator *schema.Validator
	Sequencer *Sequencer
	Metrics   *metrics.Metrics
}

// Controller owns one recording session. Start, Stop and every provider
// callback are serialized under one mutex, so exactly one of them mutates
// the session at a time. Provider callbacks are bound to the generation that
// opened the stream; once Stop (or a later Start) bumps the generation they
// are discarded.
type Controller struct {
	id        string
	source    capture.Source
	provider  stt.Provider
	sink      Sink
	limits    Limits
	validator *schema.Validator
	sequencer *Sequencer
	metrics   *metrics.Metrics
	log       zerolog.Logger

	lifecycle *Lifecycle
	words     *transcript.Log

	mu          sync.Mutex
	handle      capture.Handle
	stream      stt.Stream
	runCancel   context.CancelFunc
	activeSince time.Time
	audioBytes  int64
	ended       chan struct{}

	subMu sync.Mutex
	subs  map[chan models.SessionUpdate]struct{}
}

// New creates a controller in IDLE state.
func New(cfg Config) *Controller {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Validator == nil {
		cfg.Validator = schema.New()
	}
	if cfg.Sequencer == nil {
		cfg.Sequencer = NewSequencer()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultMetrics
	}

	ended := make(chan struct{})
	close(ended)

	c := &Controller{
		id:        cfg.ID,
		source:    cfg.Source,
		provider:  cfg.Provider,
		sink:      cfg.Sink,
		limits:    cfg.Limits,
		validator: cfg.Validator,
		sequencer: cfg.Sequencer,
		metrics:   cfg.Metrics,
		log:       logging.WithSession(cfg.ID, cfg.Provider.Name()),
		words:     transcript.NewLog(),
		ended:     ended,
		subs:      make(map[chan models.SessionUpdate]struct{}),
	}
	c.lifecycle = NewLifecycle(func(from, to State) {
		c.metrics.RecordTransition(from.String(), to.String())
	})
	return c
}

// ID returns the session id.
func (c *Controller) ID() string { return c.id }

// Provider returns the name of the transcription provider.
func (c *Controller) Provider() string { return c.provider.Name() }

// State returns the current lifecycle state.
func (c *Controller) State() State { return c.lifecycle.State() }

// Err returns the failure that moved the session to ERRORED, if any.
func (c *Controller) Err() error { return c.lifecycle.Err() }

// Words returns a snapshot of the finalized transcript log.
func (c *Controller) Words() []models.WordRecord { return c.words.Words() }

// Groups returns the speaker grouping of the finalized transcript log.
func (c *Controller) Groups() transcript.Groups { return c.words.Groups() }

// Done returns a channel closed when the current recording run leaves
// REQUESTING/ACTIVE. For an idle controller it is already closed.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// Start validates the credential, acquires the capture device, opens the
// provider stream and begins forwarding audio. Allowed from IDLE or ERRORED;
// the previous transcript is discarded.
func (c *Controller) Start(ctx context.Context, key string) error {
	if err := c.validator.ValidateKey(key); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}

	c.mu.Lock()
	gen, err := c.lifecycle.Begin()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.words.Reset()
	c.audioBytes = 0
	c.ended = make(chan struct{})
	c.mu.Unlock()

	c.log.Info().Uint64("generation", gen).Msg("Session requesting capture")
	c.notify(models.SessionUpdate{})

	handle, err := c.source.Acquire(ctx)
	if err != nil {
		c.fail(gen, err)
		return err
	}

	c.mu.Lock()
	if !c.lifecycle.IsCurrent(gen) {
		c.mu.Unlock()
		handle.Release()
		return ErrStartInterrupted
	}
	c.handle = handle
	c.mu.Unlock()

	stream, err := c.provider.Open(ctx, key, &boundCallback{c: c, gen: gen})
	if err != nil {
		c.fail(gen, err)
		return err
	}

	c.mu.Lock()
	if err := c.lifecycle.Activate(gen); err != nil {
		c.mu.Unlock()
		stream.Close()
		return ErrStartInterrupted
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.stream = stream
	c.runCancel = cancel
	c.activeSince = time.Now()
	c.mu.Unlock()

	c.metrics.RecordSessionActive(c.provider.Name())
	c.log.Info().Uint64("generation", gen).Msg("Session active")
	c.notify(models.SessionUpdate{})

	go c.pump(runCtx, gen, handle, stream)
	return nil
}

// Stop releases the capture device and the provider stream together and
// returns to IDLE. Legal from any state and idempotent. Responses still in
// flight are discarded.
func (c *Controller) Stop() error {
	c.mu.Lock()
	prev := c.lifecycle.Stop()
	err := c.releaseLocked()
	since := c.activeSince
	c.endRunLocked()
	c.mu.Unlock()

	if prev == StateActive {
		c.metrics.RecordSessionInactive(time.Since(since).Seconds())
	}
	if prev != StateIdle {
		c.log.Info().Str("previousState", prev.String()).Int("words", c.words.Len()).Msg("Session stopped")
		c.notify(models.SessionUpdate{Groups: c.words.Groups()})
	}
	return err
}

// Subscribe returns a channel of session updates and a function that ends
// the subscription. A slow subscriber loses its oldest queued updates rather
// than blocking the session; the newest update, and so the closing one that
// carries the full speaker grouping, is always queued.
func (c *Controller) Subscribe() (<-chan models.SessionUpdate, func()) {
	ch := make(chan models.SessionUpdate, subscriberBuffer)
	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, ch)
			c.subMu.Unlock()
			close(ch)
		})
	}
}

// pump forwards captured chunks until capture ends, then asks the provider
// to flush. The provider's OnClose completes the session.
func (c *Controller) pump(ctx context.Context, gen uint64, handle capture.Handle, stream stt.Stream) {
	for chunk := range handle.Chunks() {
		if !c.lifecycle.IsCurrent(gen) {
			return
		}
		if err := c.admit(gen, chunk.SizeBytes); err != nil {
			c.fail(gen, err)
			return
		}
		c.metrics.RecordAudioReceived(chunk.SizeBytes)
		if err := stream.SendAudio(ctx, chunk.Bytes); err != nil {
			c.fail(gen, err)
			return
		}
	}

	if !c.lifecycle.IsCurrent(gen) {
		return
	}
	c.log.Debug().Msg("Capture ended, flushing provider")
	if err := stream.Finish(ctx); err != nil {
		c.fail(gen, err)
	}
}

// admit accounts for n more bytes and enforces the session limits.
func (c *Controller) admit(gen uint64, n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.audioBytes += int64(n)
	if c.limits.MaxAudioBytes > 0 && c.audioBytes > c.limits.MaxAudioBytes {
		c.metrics.RecordLimitExceeded("audio_bytes")
		return fmt.Errorf("%w: max audio bytes %d > %d", ErrLimitExceeded, c.audioBytes, c.limits.MaxAudioBytes)
	}
	if elapsed := time.Since(c.activeSince); c.limits.MaxDuration > 0 && elapsed > c.limits.MaxDuration {
		c.metrics.RecordLimitExceeded("duration")
		return fmt.Errorf("%w: max duration %v > %v", ErrLimitExceeded, elapsed.Round(time.Millisecond), c.limits.MaxDuration)
	}
	return nil
}

// fail moves generation gen to ERRORED and releases its resources. Stale
// generations are ignored.
func (c *Controller) fail(gen uint64, err error) {
	c.mu.Lock()
	prev := c.lifecycle.State()
	if !c.lifecycle.Fail(gen, err) {
		c.mu.Unlock()
		return
	}
	if relErr := c.releaseLocked(); relErr != nil {
		c.log.Warn().Err(relErr).Msg("Release after failure")
	}
	since := c.activeSince
	c.endRunLocked()
	c.mu.Unlock()

	if prev == StateActive {
		c.metrics.RecordSessionInactive(time.Since(since).Seconds())
	}
	reason := failureReason(err)
	c.metrics.RecordSessionFailed(reason)
	c.log.Error().Err(err).Str("reason", reason).Str("previousState", prev.String()).Msg("Session failed")
	c.notify(models.SessionUpdate{Groups: c.words.Groups()})
}

// complete handles the provider's OnClose after Finish.
func (c *Controller) complete(gen uint64) {
	c.mu.Lock()
	if !c.lifecycle.Complete(gen) {
		c.mu.Unlock()
		return
	}
	if err := c.releaseLocked(); err != nil {
		c.log.Warn().Err(err).Msg("Release after completion")
	}
	since := c.activeSince
	c.endRunLocked()
	c.mu.Unlock()

	c.metrics.RecordSessionInactive(time.Since(since).Seconds())
	c.log.Info().Int("words", c.words.Len()).Msg("Session completed")
	c.notify(models.SessionUpdate{Groups: c.words.Groups()})
}

func (c *Controller) onPartial(gen uint64, words []models.WordRecord) {
	c.mu.Lock()
	if !c.lifecycle.IsCurrent(gen) {
		c.mu.Unlock()
		c.metrics.RecordStaleResponse()
		return
	}
	c.mu.Unlock()

	c.metrics.RecordPartialWords(len(words))
	c.publish(models.EventWordsPartial, words)
	c.notify(models.SessionUpdate{Words: words})
}

func (c *Controller) onFinal(gen uint64, words []models.WordRecord) {
	c.mu.Lock()
	if !c.lifecycle.IsCurrent(gen) {
		c.mu.Unlock()
		c.metrics.RecordStaleResponse()
		c.log.Debug().Int("words", len(words)).Msg("Discarding stale final")
		return
	}
	c.words.Append(words)
	groups := c.words.Groups()
	c.mu.Unlock()

	fillers := 0
	for _, w := range words {
		if w.IsFiller {
			fillers++
		}
	}
	c.metrics.RecordFinalWords(len(words), fillers)
	c.publish(models.EventWordsFinal, words)
	c.notify(models.SessionUpdate{Final: true, Words: words, Groups: groups})
}

// releaseLocked must be called with c.mu held.
func (c *Controller) releaseLocked() error {
	if c.runCancel != nil {
		c.runCancel()
		c.runCancel = nil
	}
	var errs []error
	if c.stream != nil {
		if err := c.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stream: %w", err))
		}
		c.stream = nil
	}
	if c.handle != nil {
		if err := c.handle.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release capture: %w", err))
		}
		c.handle = nil
	}
	return errors.Join(errs...)
}

// endRunLocked must be called with c.mu held.
func (c *Controller) endRunLocked() {
	select {
	case <-c.ended:
	default:
		close(c.ended)
	}
}

func (c *Controller) publish(eventType string, words []models.WordRecord) {
	if c.sink == nil || len(words) == 0 {
		return
	}
	ev := models.WordsEvent{
		EventType:  eventType,
		SessionID:  c.id,
		Provider:   c.provider.Name(),
		SequenceID: c.sequencer.Next(c.id),
		Timestamp:  time.Now().UnixMilli(),
		Words:      words,
	}

	ctx := context.Background()
	var err error
	if eventType == models.EventWordsFinal {
		err = c.sink.PublishFinal(ctx, c.id, ev)
	} else {
		err = c.sink.PublishPartial(ctx, c.id, ev)
	}
	if err != nil {
		c.log.Warn().Err(err).Str("eventType", eventType).Str("sequenceId", ev.SequenceID).Msg("Failed to publish words")
	}
}

// notify fills in the session fields of u and fans it out to subscribers.
func (c *Controller) notify(u models.SessionUpdate) {
	u.SessionID = c.id
	u.State = c.lifecycle.State().String()
	if err := c.lifecycle.Err(); err != nil {
		u.Error = err.Error()
	}
	u.Timestamp = time.Now().UnixMilli()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- u:
			continue
		default:
		}
		// Only notify sends on ch and it holds subMu, so once the oldest
		// entry is gone the send below cannot block.
		select {
		case old := <-ch:
			c.log.Debug().Str("state", old.State).Bool("final", old.Final).Msg("Subscriber full, dropping oldest update")
		default:
		}
		ch <- u
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, capture.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, stt.ErrTransport):
		return "transport"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "unknown"
	}
}

// boundCallback ties provider callbacks to the generation that opened the
// stream.
type boundCallback struct {
	c   *Controller
	gen uint64
}

func (b *boundCallback) OnPartial(words []models.WordRecord) { b.c.onPartial(b.gen, words) }
func (b *boundCallback) OnFinal(words []models.WordRecord)   { b.c.onFinal(b.gen, words) }
func (b *boundCallback) OnError(err error)                   { b.c.fail(b.gen, err) }
func (b *boundCallback) OnClose()                            { b.c.complete(b.gen) }
