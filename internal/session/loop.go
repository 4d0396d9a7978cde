// Package session runs the per-connection loop that ties the transport, the
// speech segmenter, and the turn pipeline together: inbound frames are fed
// to the detector or the vision slot, finalized segments and text inputs are
// processed one turn at a time, and a periodic ping keeps the connection
// alive.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxpipe/voxpipe/internal/engine/turn"
	"github.com/voxpipe/voxpipe/internal/observe"
	"github.com/voxpipe/voxpipe/internal/segmenter"
)

// Default loop timing parameters.
const (
	defaultPollWait     = 100 * time.Millisecond
	defaultPingInterval = 20 * time.Second
	teardownTimeout     = 2 * time.Second
)

// Frame is one decoded inbound message. Exactly one field is set.
type Frame struct {
	// Audio is a raw PCM16 chunk from a media payload.
	Audio []byte

	// Text is a direct text input that bypasses detection and recognition.
	Text string

	// Image is a JPEG snapshot for the session's vision slot.
	Image []byte
}

// Transport is the session's view of the underlying connection. ReadFrame
// returns io.EOF on a clean client close; any other error tears the session
// down. The send methods satisfy [turn.Emitter].
type Transport interface {
	ReadFrame(ctx context.Context) (Frame, error)
	SendInterrupt(ctx context.Context) error
	SendAudio(ctx context.Context, pcm []byte) error
	SendAudioComplete(ctx context.Context) error
	Ping(ctx context.Context) error
}

// Runner processes one finalized input end to end. Satisfied by
// [turn.Pipeline].
type Runner interface {
	Run(ctx context.Context, in turn.Input) error
}

// Config configures a session [Loop].
type Config struct {
	// ID identifies the session in logs and archives.
	ID string

	// Detector holds the voice activity detection parameters.
	Detector segmenter.Config

	// PollWait bounds each wait for a finalized segment so the turn loop
	// stays responsive to text inputs and shutdown. Defaults to 100ms.
	PollWait time.Duration

	// PingInterval is the liveness ping period. Defaults to 20s; negative
	// disables pings.
	PingInterval time.Duration
}

// Option is a functional option for configuring a [Loop].
type Option func(*Loop)

// WithLoopLogger sets the logger. Defaults to slog.Default().
func WithLoopLogger(log *slog.Logger) Option {
	return func(l *Loop) { l.log = log }
}

// WithLoopMetrics sets the metrics sink. When nil, nothing is recorded.
func WithLoopMetrics(m *observe.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// Loop drives one connection: an ingestion goroutine feeds the detector and
// the vision slot, a turn goroutine consumes finalized segments and text
// inputs one at a time, and a ping goroutine keeps the transport alive. The
// first goroutine to fail ends the session; teardown always cancels any
// in-flight turn.
type Loop struct {
	cfg       Config
	transport Transport
	runner    Runner
	coord     *turn.Coordinator
	detector  *segmenter.Detector
	vision    *VisionSlot

	textCh  chan turn.Input
	log     *slog.Logger
	metrics *observe.Metrics

	// stopMu guards stop/stopped so Close works before, during, and after Run.
	stopMu  sync.Mutex
	stop    context.CancelFunc
	stopped bool
}

// New creates a session loop. The detector is constructed here so its
// barge-in callback can cancel through the session's coordinator.
func New(cfg Config, transport Transport, runner Runner, coord *turn.Coordinator, vision *VisionSlot, opts ...Option) (*Loop, error) {
	if transport == nil || runner == nil || coord == nil {
		return nil, errors.New("session: transport, runner, and coordinator must not be nil")
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = defaultPollWait
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if vision == nil {
		vision = &VisionSlot{}
	}

	l := &Loop{
		cfg:       cfg,
		transport: transport,
		runner:    runner,
		coord:     coord,
		vision:    vision,
		textCh:    make(chan turn.Input, 4),
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	l.log = l.log.With("session", cfg.ID)

	det, err := segmenter.New(cfg.Detector,
		segmenter.WithBargeIn(l.bargeIn),
		segmenter.WithLogger(l.log),
		segmenter.WithMetrics(l.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	l.detector = det
	return l, nil
}

// Detector exposes the session's segment detector, mainly for tests.
func (l *Loop) Detector() *segmenter.Detector { return l.detector }

// Close ends the session loop; Run then returns nil as for a clean client
// close. Safe to call at any time, including before Run and more than once.
func (l *Loop) Close() {
	l.stopMu.Lock()
	defer l.stopMu.Unlock()
	l.stopped = true
	if l.stop != nil {
		l.stop()
	}
}

// Run processes the connection until the client disconnects, the context is
// cancelled, or the transport fails. A clean client close returns nil.
// Whatever the exit reason, any in-flight turn is cancelled before Run
// returns so no stale audio can chase a closed connection.
func (l *Loop) Run(ctx context.Context) error {
	if l.metrics != nil {
		l.metrics.ActiveSessions.Add(ctx, 1)
		defer l.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}
	l.log.Info("session started")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.stopMu.Lock()
	l.stop = cancel
	if l.stopped {
		cancel()
	}
	l.stopMu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return l.ingest(gctx) })
	g.Go(func() error { return l.turns(gctx) })
	if l.cfg.PingInterval > 0 {
		g.Go(func() error { return l.ping(gctx) })
	}
	err := g.Wait()

	// Teardown runs on a fresh context: the group context is already done.
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	l.coord.CancelCurrent(tctx)

	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
		l.log.Info("session closed")
		return nil
	default:
		l.log.Warn("session ended with error", "error", err)
		return err
	}
}

// ingest reads inbound frames and routes them. Audio always reaches the
// detector, even mid-playback, so barge-in speech is never missed.
func (l *Loop) ingest(ctx context.Context) error {
	for {
		frame, err := l.transport.ReadFrame(ctx)
		if err != nil {
			return err
		}

		switch {
		case len(frame.Audio) > 0:
			l.detector.AddAudio(ctx, frame.Audio)

		case frame.Text != "":
			// Direct text is a finalized input: it interrupts exactly like a
			// finalized speech segment would.
			l.bargeIn(ctx)
			select {
			case l.textCh <- turn.Input{Text: frame.Text}:
			case <-ctx.Done():
				return ctx.Err()
			}

		case len(frame.Image) > 0:
			if l.coord.Playing() {
				l.log.Debug("vision frame ignored during playback")
				continue
			}
			l.vision.Set(frame.Image)
		}
	}
}

// turns consumes finalized inputs one at a time. Text inputs take priority
// over queued segments; the bounded segment wait keeps the loop responsive
// to both.
func (l *Loop) turns(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-l.textCh:
			if err := l.runner.Run(ctx, in); err != nil {
				return err
			}
			continue
		default:
		}

		segment, ok := l.detector.GetNextSegment(ctx, l.cfg.PollWait)
		if !ok {
			continue
		}
		if err := l.runner.Run(ctx, turn.Input{PCM: segment}); err != nil {
			return err
		}
	}
}

// ping sends periodic liveness pings.
func (l *Loop) ping(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.transport.Ping(ctx); err != nil {
				return fmt.Errorf("liveness ping: %w", err)
			}
		}
	}
}

// bargeIn cancels the in-flight turn when one is audible. Wired as the
// detector's pre-enqueue callback and invoked directly for text inputs.
func (l *Loop) bargeIn(ctx context.Context) {
	if !l.coord.Playing() {
		return
	}
	if l.metrics != nil {
		l.metrics.BargeIns.Add(ctx, 1)
	}
	l.log.Debug("barge-in, cancelling current turn")
	l.coord.CancelCurrent(ctx)
}
