package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog/log"
)

// DefaultInterval matches a typical browser recorder timeslice.
const DefaultInterval = 100 * time.Millisecond

// WAVFile treats a PCM WAV file as a microphone. Audio is converted to 16-bit
// little-endian PCM and emitted every Interval.
type WAVFile struct {
	Path     string
	Interval time.Duration
	// Realtime paces chunks at Interval. When false chunks are emitted as fast
	// as the consumer reads them.
	Realtime bool
}

// NewWAVFile creates a real-time paced WAV source.
func NewWAVFile(path string, interval time.Duration) *WAVFile {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &WAVFile{Path: path, Interval: interval, Realtime: true}
}

// Acquire opens and validates the file.
func (w *WAVFile) Acquire(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(w.Path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("%w: %s is not a valid WAV file", ErrDeviceUnavailable, w.Path)
	}
	if dec.WavAudioFormat != 1 {
		f.Close()
		return nil, fmt.Errorf("%w: unsupported WAV format %d (PCM only)", ErrDeviceUnavailable, dec.WavAudioFormat)
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	interval := w.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	samplesPerChunk := int(dec.SampleRate) * int(dec.NumChans) * int(interval/time.Millisecond) / 1000
	if samplesPerChunk <= 0 {
		samplesPerChunk = 1
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &wavHandle{
		file:   f,
		dec:    dec,
		chunks: make(chan Chunk),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	log.Debug().
		Str("path", w.Path).
		Uint32("sampleRate", dec.SampleRate).
		Uint16("channels", dec.NumChans).
		Uint16("bitDepth", dec.BitDepth).
		Dur("interval", interval).
		Msg("WAV capture acquired")

	go h.run(runCtx, samplesPerChunk, interval, w.Realtime)
	return h, nil
}

type wavHandle struct {
	file   *os.File
	dec    *wav.Decoder
	chunks chan Chunk
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (h *wavHandle) Chunks() <-chan Chunk {
	return h.chunks
}

func (h *wavHandle) Release() error {
	var err error
	h.once.Do(func() {
		h.cancel()
		<-h.done
		err = h.file.Close()
	})
	return err
}

func (h *wavHandle) run(ctx context.Context, samplesPerChunk int, interval time.Duration, realtime bool) {
	defer close(h.done)
	defer close(h.chunks)

	var ticker *time.Ticker
	if realtime {
		ticker = time.NewTicker(interval)
		defer ticker.Stop()
	}

	buf := &audio.IntBuffer{
		Data:   make([]int, samplesPerChunk),
		Format: h.dec.Format(),
	}
	bitDepth := int(h.dec.BitDepth)

	for {
		n, err := h.dec.PCMBuffer(buf)
		if n > 0 {
			chunk := NewChunk(toLinear16(buf.Data[:n], bitDepth))
			select {
			case h.chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err != nil && !errors.Is(err, io.EOF) {
			log.Warn().Err(err).Msg("WAV capture read failed")
			return
		}
		if n == 0 || errors.Is(err, io.EOF) {
			return
		}
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}
}

// toLinear16 rescales decoded samples to signed 16-bit little-endian PCM.
func toLinear16(samples []int, bitDepth int) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		switch {
		case bitDepth == 8:
			s = (s - 128) << 8
		case bitDepth > 16:
			s >>= bitDepth - 16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s)))
	}
	return out
}
