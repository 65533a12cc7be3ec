// Package mock provides a simulated transcription provider for tests and
// keyless demos. It produces progressive partials, one final per utterance,
// alternating speakers and the occasional filler word.
package mock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"speaker-transcription-service/internal/models"
	"speaker-transcription-service/internal/service/stt"
	"speaker-transcription-service/internal/service/transcript"
)

// ProviderName is the registered name of the mock provider.
const ProviderName = "mock"

// RejectedKeyPrefix makes Open fail as if the vendor refused the credential.
const RejectedKeyPrefix = "rejected"

// wordDuration is the simulated length of every word, in seconds.
const wordDuration = 0.3

// SimulatedUtterance is one scripted speaker turn.
type SimulatedUtterance struct {
	Speaker    int
	Partials   []string // Progressive partial transcripts
	Final      string   // Final transcript text
	Confidence float64
}

// DefaultUtterances is the script used by New.
var DefaultUtterances = []SimulatedUtterance{
	{
		Speaker:    0,
		Partials:   []string{"um I", "um I want", "um I want to cancel"},
		Final:      "um I want to cancel my subscription",
		Confidence: 0.94,
	},
	{
		Speaker:    1,
		Partials:   []string{"sure", "sure I can"},
		Final:      "sure I can basically help with that",
		Confidence: 0.97,
	},
	{
		Speaker:    0,
		Partials:   []string{"it's", "it's like"},
		Final:      "it's like the third time I asked",
		Confidence: 0.89,
	},
	{
		Speaker:    1,
		Partials:   []string{"uh"},
		Final:      "uh let me check your account",
		Confidence: 0.91,
	},
}

// Provider implements stt.Provider with scripted responses.
type Provider struct {
	Utterances []SimulatedUtterance
	// Delay is applied before each callback, simulating vendor latency.
	Delay time.Duration
	// FailAfter, when positive, reports a transport error after that many
	// audio chunks.
	FailAfter int
}

// New creates a mock provider with the default script.
func New() *Provider {
	return &Provider{
		Utterances: DefaultUtterances,
		Delay:      50 * time.Millisecond,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return ProviderName }

// Open starts a simulated stream.
func (p *Provider) Open(ctx context.Context, key string, cb stt.Callback) (stt.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, stt.NewTransportError(ProviderName, "open", err)
	}
	if strings.HasPrefix(key, RejectedKeyPrefix) {
		return nil, stt.NewTransportError(ProviderName, "open", errors.New("vendor rejected credential"))
	}
	if len(p.Utterances) == 0 {
		return nil, stt.NewTransportError(ProviderName, "open", errors.New("no utterances configured"))
	}

	s := &stream{
		p:      p,
		cb:     cb,
		events: make(chan event, 64),
		done:   make(chan struct{}),
	}
	go s.emit()
	return s, nil
}

type eventKind int

const (
	eventPartial eventKind = iota
	eventFinal
	eventError
	eventClose
)

type event struct {
	kind  eventKind
	words []models.WordRecord
	err   error
}

type stream struct {
	p  *Provider
	cb stt.Callback

	mu           sync.Mutex
	events       chan event
	done         chan struct{}
	closeOnce    sync.Once
	finished     bool
	chunks       int
	utterance    int
	partialIndex int
	offset       float64
}

// SendAudio advances the script by one step per chunk: the next partial if
// any remain, otherwise the final of the current utterance.
func (s *stream) SendAudio(ctx context.Context, audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished || s.isClosed() {
		return nil
	}
	s.chunks++

	if s.p.FailAfter > 0 && s.chunks >= s.p.FailAfter {
		s.finished = true
		s.enqueue(event{kind: eventError, err: stt.NewTransportError(ProviderName, "receive", errors.New("simulated connection drop"))})
		return nil
	}

	utt := s.current()
	if s.partialIndex < len(utt.Partials) {
		s.enqueue(event{kind: eventPartial, words: s.words(utt.Partials[s.partialIndex], utt, false)})
		s.partialIndex++
		return nil
	}
	s.emitFinal()
	return nil
}

// Finish flushes an utterance in progress and then closes the stream.
func (s *stream) Finish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished || s.isClosed() {
		return nil
	}
	s.finished = true
	if s.partialIndex > 0 {
		s.emitFinal()
	}
	s.enqueue(event{kind: eventClose})
	return nil
}

// Close stops all further callbacks.
func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *stream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *stream) current() SimulatedUtterance {
	return s.p.Utterances[s.utterance%len(s.p.Utterances)]
}

// emitFinal must be called with s.mu held.
func (s *stream) emitFinal() {
	utt := s.current()
	s.enqueue(event{kind: eventFinal, words: s.words(utt.Final, utt, true)})
	s.utterance++
	s.partialIndex = 0
}

// words must be called with s.mu held. Only finals advance the clock.
func (s *stream) words(text string, utt SimulatedUtterance, final bool) []models.WordRecord {
	start := s.offset
	conf := utt.Confidence
	out := make([]models.WordRecord, 0, 8)
	for _, token := range strings.Fields(text) {
		w, ok := transcript.NewWord(token, start, start+wordDuration, utt.Speaker, &conf)
		if ok {
			out = append(out, w)
		}
		start += wordDuration
	}
	if final {
		s.offset = start
	}
	return out
}

func (s *stream) enqueue(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *stream) emit() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			if s.p.Delay > 0 {
				select {
				case <-time.After(s.p.Delay):
				case <-s.done:
					return
				}
			}
			switch ev.kind {
			case eventPartial:
				s.cb.OnPartial(ev.words)
			case eventFinal:
				s.cb.OnFinal(ev.words)
			case eventError:
				s.cb.OnError(ev.err)
				return
			case eventClose:
				s.cb.OnClose()
				return
			}
		}
	}
}
