// Package segmenter turns a live stream of mono PCM16 audio chunks into
// discrete finalized speech segments using short-term energy voice activity
// detection.
//
// The detector is a two-state machine (idle / speech). A chunk whose RMS
// energy exceeds the configured threshold while idle starts a segment;
// accumulated trailing silence finalizes it. Segments shorter than the
// minimum speech duration are discarded as noise so that clicks and coughs
// never reach downstream consumers. Segments longer than the maximum are
// cut at exactly the maximum and the detector stays in the speech state,
// so continuous dictation arrives as a sequence of max-length segments.
//
// Finalized segments land on an unbounded FIFO queue consumed with
// [Detector.GetNextSegment]. If a barge-in callback is configured it runs
// synchronously before the segment is enqueued, guaranteeing the consumer
// observes cancellation before new work.
package segmenter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxpipe/voxpipe/internal/observe"
	"github.com/voxpipe/voxpipe/pkg/audio"
)

// Config holds the voice activity detection parameters for one session.
type Config struct {
	// SampleRate is the inbound audio sample rate in Hz. Must be positive.
	SampleRate int

	// EnergyThreshold is the normalized RMS energy above which a chunk
	// counts as speech. Must be in (0, 1).
	EnergyThreshold float64

	// SilenceDuration is how much trailing silence finalizes a segment.
	SilenceDuration time.Duration

	// MinSpeechDuration is the shortest segment worth emitting; anything
	// shorter is dropped as noise.
	MinSpeechDuration time.Duration

	// MaxSpeechDuration caps a single segment; longer speech is cut at
	// exactly this length and continues as a new segment.
	MaxSpeechDuration time.Duration
}

// DefaultConfig returns the detection parameters tuned for 16 kHz mono
// microphone input.
func DefaultConfig() Config {
	return Config{
		SampleRate:        16000,
		EnergyThreshold:   0.015,
		SilenceDuration:   800 * time.Millisecond,
		MinSpeechDuration: 800 * time.Millisecond,
		MaxSpeechDuration: 15 * time.Second,
	}
}

// Validate reports all configuration problems at once.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", c.SampleRate))
	}
	if c.EnergyThreshold <= 0 || c.EnergyThreshold >= 1 {
		errs = append(errs, fmt.Errorf("energy threshold must be in (0, 1), got %g", c.EnergyThreshold))
	}
	if c.SilenceDuration <= 0 {
		errs = append(errs, fmt.Errorf("silence duration must be positive, got %s", c.SilenceDuration))
	}
	if c.MinSpeechDuration <= 0 {
		errs = append(errs, fmt.Errorf("min speech duration must be positive, got %s", c.MinSpeechDuration))
	}
	if c.MaxSpeechDuration < c.MinSpeechDuration {
		errs = append(errs, fmt.Errorf("max speech duration %s is below min %s", c.MaxSpeechDuration, c.MinSpeechDuration))
	}
	return errors.Join(errs...)
}

// Option is a functional option for configuring a Detector.
type Option func(*Detector)

// WithBargeIn installs a callback invoked synchronously right before a
// finalized segment is enqueued. The session wires this to the coordinator's
// cancel path so a playing turn is torn down before its successor becomes
// visible.
func WithBargeIn(fn func(context.Context)) Option {
	return func(d *Detector) { d.bargeIn = fn }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(d *Detector) { d.log = log }
}

// WithMetrics sets the metrics sink. When nil, nothing is recorded.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// Detector is the per-session voice activity state machine. All methods are
// safe for concurrent use; the buffer and queue are guarded by one mutex so
// ingestion and detection can never observe a half-updated state.
type Detector struct {
	cfg Config

	// derived sample counts
	silenceSamples   int
	minSpeechSamples int
	maxSpeechSamples int

	mu             sync.Mutex
	buf            []byte
	speechActive   bool
	silenceCounter int // trailing silence seen so far, in samples
	speechStart    int // byte offset of the current segment's first sample
	queue          [][]byte

	notify  chan struct{}
	bargeIn func(context.Context)
	log     *slog.Logger
	metrics *observe.Metrics
}

// New creates a Detector with the given configuration.
func New(cfg Config, opts ...Option) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("segmenter: %w", err)
	}
	d := &Detector{
		cfg:              cfg,
		silenceSamples:   samplesIn(cfg.SilenceDuration, cfg.SampleRate),
		minSpeechSamples: samplesIn(cfg.MinSpeechDuration, cfg.SampleRate),
		maxSpeechSamples: samplesIn(cfg.MaxSpeechDuration, cfg.SampleRate),
		notify:           make(chan struct{}, 1),
		log:              slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

func samplesIn(d time.Duration, rate int) int {
	return int(int64(d) * int64(rate) / int64(time.Second))
}

// AddAudio feeds one inbound PCM16 chunk through the state machine. Frames
// are appended unconditionally, even while a response is playing back, so
// barge-in speech is never missed. At most one segment is finalized per
// call. If a segment is emitted, the barge-in callback runs before it
// becomes visible to GetNextSegment.
func (d *Detector) AddAudio(ctx context.Context, frame []byte) {
	if len(frame) < audio.BytesPerSample {
		return
	}

	d.mu.Lock()
	segment, forced, discarded := d.process(frame)
	d.mu.Unlock()

	if discarded > 0 {
		if d.metrics != nil {
			d.metrics.SegmentsDiscarded.Add(ctx, 1)
		}
		d.log.Debug("segment discarded below minimum duration",
			"bytes", discarded,
			"minBytes", d.minSpeechSamples*audio.BytesPerSample,
		)
	}
	if segment != nil {
		d.emit(ctx, segment, forced)
	}
}

// process advances the state machine by one frame. It returns a finalized
// segment (or nil), whether it came from a forced cutoff, and the byte size
// of a discarded sub-minimum segment (0 if none). Caller must hold d.mu.
func (d *Detector) process(frame []byte) (segment []byte, forced bool, discarded int) {
	// Idle audio preceding the triggering frame is never referenced again,
	// so the buffer holds nothing while no speech is active.
	if !d.speechActive {
		d.buf = d.buf[:0]
		d.speechStart = 0
	}
	d.buf = append(d.buf, frame...)

	energy := audio.Energy(frame)
	frameSamples := len(frame) / audio.BytesPerSample

	if !d.speechActive {
		if energy > d.cfg.EnergyThreshold {
			d.speechActive = true
			d.speechStart = len(d.buf) - len(frame)
			d.silenceCounter = 0
		}
		return nil, false, 0
	}

	if energy > d.cfg.EnergyThreshold {
		d.silenceCounter = 0
	} else {
		d.silenceCounter += frameSamples
	}

	if d.silenceCounter >= d.silenceSamples {
		return d.finalizeSegment()
	}

	// Forced cutoff: emit exactly maxSpeechSamples and stay in the speech
	// state so continuous dictation keeps flowing.
	if (len(d.buf)-d.speechStart)/audio.BytesPerSample > d.maxSpeechSamples {
		cut := d.maxSpeechSamples * audio.BytesPerSample
		segment = make([]byte, cut)
		copy(segment, d.buf[d.speechStart:d.speechStart+cut])
		d.speechStart += cut
		d.trim()
		return segment, true, 0
	}
	return nil, false, 0
}

// finalizeSegment ends the current segment at the point where trailing
// silence began, trims the buffer, and returns the segment or marks it
// discarded. Caller must hold d.mu.
func (d *Detector) finalizeSegment() (segment []byte, forced bool, discarded int) {
	end := len(d.buf) - d.silenceCounter*audio.BytesPerSample
	if end < d.speechStart {
		end = d.speechStart
	}
	segment = make([]byte, end-d.speechStart)
	copy(segment, d.buf[d.speechStart:end])

	d.buf = d.buf[:0]
	d.speechActive = false
	d.speechStart = 0
	d.silenceCounter = 0

	if len(segment) < d.minSpeechSamples*audio.BytesPerSample {
		// Deliberate false-positive filter: clicks and coughs end here.
		return nil, false, len(segment)
	}
	return segment, false, 0
}

// emit runs the barge-in callback, then enqueues the segment and wakes one
// waiting consumer. The callback runs outside the detector mutex but always
// before the push, so a consumer can never observe the new segment ahead of
// the cancellation it triggers.
func (d *Detector) emit(ctx context.Context, segment []byte, forced bool) {
	if d.bargeIn != nil {
		d.bargeIn(ctx)
	}

	d.mu.Lock()
	d.queue = append(d.queue, segment)
	queued := len(d.queue)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}

	dur := audio.Duration(segment, d.cfg.SampleRate)
	if d.metrics != nil {
		d.metrics.SegmentsEmitted.Add(ctx, 1)
		d.metrics.SegmentDuration.Record(ctx, dur.Seconds())
	}
	d.log.Debug("speech segment finalized",
		"durationMs", dur.Milliseconds(),
		"forced", forced,
		"queued", queued,
	)
}

// trim drops already-consumed buffer bytes after a forced cutoff so the
// buffer never grows unbounded. Caller must hold d.mu.
func (d *Detector) trim() {
	if d.speechStart == 0 {
		return
	}
	d.buf = append(d.buf[:0], d.buf[d.speechStart:]...)
	d.speechStart = 0
}

// GetNextSegment pops the oldest finalized segment, waiting at most wait for
// one to arrive. The bounded wait keeps the consuming loop responsive to
// shutdown without busy-spinning. Returns (nil, false) on timeout or when
// ctx is done.
func (d *Detector) GetNextSegment(ctx context.Context, wait time.Duration) ([]byte, bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		d.mu.Lock()
		if len(d.queue) > 0 {
			segment := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()
			return segment, true
		}
		d.mu.Unlock()

		select {
		case <-d.notify:
		case <-timer.C:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// QueueLen returns the number of finalized segments awaiting consumption.
func (d *Detector) QueueLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// SpeechActive reports whether the detector is currently inside a segment.
func (d *Detector) SpeechActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speechActive
}
