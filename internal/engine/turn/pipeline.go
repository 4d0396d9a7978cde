package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/voxpipe/voxpipe/internal/observe"
	"github.com/voxpipe/voxpipe/pkg/provider/asr"
	"github.com/voxpipe/voxpipe/pkg/provider/gen"
	"github.com/voxpipe/voxpipe/pkg/provider/synth"
)

// Emitter is the pipeline's view of the transport. Implementations send the
// per-turn output frames in the order the pipeline produces them.
type Emitter interface {
	// SendInterrupt tells the client to stop playing any prior audio.
	SendInterrupt(ctx context.Context) error

	// SendAudio delivers one PCM16 audio event.
	SendAudio(ctx context.Context, pcm []byte) error

	// SendAudioComplete marks the end of a completed turn's audio.
	SendAudioComplete(ctx context.Context) error
}

// Archiver persists completed exchanges outside the in-memory history.
// Archive failures are logged, never surfaced to the turn.
type Archiver interface {
	ArchiveExchange(ctx context.Context, sessionID string, ex Exchange) error
}

// Input is one unit of turn work: a finalized speech segment, or direct
// text that bypasses detection and recognition.
type Input struct {
	// PCM is the finalized utterance audio. Ignored when Text is set.
	PCM []byte

	// Text is a synthetic pre-finalized input from a text frame.
	Text string
}

// Config holds the turn pipeline parameters.
type Config struct {
	// SystemPrompt is injected ahead of the conversation history.
	SystemPrompt string

	// SampleRate is the inbound segment sample rate in Hz.
	SampleRate int

	// InitialMinChars is the minimum initial chunk size. Default 50.
	InitialMinChars int

	// RemainingChunkChars is the target size of each remaining text chunk.
	// Default 80.
	RemainingChunkChars int

	// NoiseSentinels are model outputs that mean "that was not speech".
	// An initial chunk exactly matching one of these ends the turn with no
	// output frames. Defaults: NOISE_DETECTED, NO_SPEECH.
	NoiseSentinels []string

	// Temperature and MaxTokens are passed through to the generation
	// request. Zero means provider default.
	Temperature float64
	MaxTokens   int
}

// DefaultConfig returns the pipeline parameters used by the original server
// variants.
func DefaultConfig() Config {
	return Config{
		SampleRate:          16000,
		InitialMinChars:     50,
		RemainingChunkChars: 80,
		NoiseSentinels:      []string{"NOISE_DETECTED", "NO_SPEECH"},
	}
}

// withDefaults fills zero fields with the defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.InitialMinChars <= 0 {
		c.InitialMinChars = d.InitialMinChars
	}
	if c.RemainingChunkChars <= 0 {
		c.RemainingChunkChars = d.RemainingChunkChars
	}
	if c.NoiseSentinels == nil {
		c.NoiseSentinels = d.NoiseSentinels
	}
	return c
}

// PipelineOption is a functional option for NewPipeline.
type PipelineOption func(*Pipeline)

// WithVision installs a snapshot function for the session's visual context.
// The pipeline calls it once per turn; a nil return means no image.
func WithVision(snapshot func() []byte) PipelineOption {
	return func(p *Pipeline) { p.vision = snapshot }
}

// WithArchiver installs an external exchange archive for the given session.
func WithArchiver(a Archiver, sessionID string) PipelineOption {
	return func(p *Pipeline) {
		p.archiver = a
		p.sessionID = sessionID
	}
}

// WithPipelineLogger sets the logger. Defaults to slog.Default().
func WithPipelineLogger(log *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.log = log }
}

// WithPipelineMetrics sets the metrics sink. When nil, nothing is recorded.
func WithPipelineMetrics(m *observe.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline processes one finalized segment at a time: recognition,
// streaming generation, initial/remaining chunk synthesis, and ordered
// frame emission. It is safely abortable at every suspension point; a
// cancelled turn always persists whatever text it had accumulated.
type Pipeline struct {
	cfg        Config
	recognize  asr.Provider
	generate   gen.Provider
	synthesize synth.Provider
	coord      *Coordinator
	history    *History
	emitter    Emitter

	vision    func() []byte
	archiver  Archiver
	sessionID string
	log       *slog.Logger
	metrics   *observe.Metrics
}

// NewPipeline wires a turn pipeline for one session.
func NewPipeline(
	cfg Config,
	recognize asr.Provider,
	generate gen.Provider,
	synthesize synth.Provider,
	coord *Coordinator,
	history *History,
	emitter Emitter,
	opts ...PipelineOption,
) (*Pipeline, error) {
	if generate == nil {
		return nil, errors.New("turn: generation provider must not be nil")
	}
	if synthesize == nil {
		return nil, errors.New("turn: synthesis provider must not be nil")
	}
	if coord == nil || history == nil || emitter == nil {
		return nil, errors.New("turn: coordinator, history, and emitter must not be nil")
	}

	p := &Pipeline{
		cfg:        cfg.withDefaults(),
		recognize:  recognize,
		generate:   generate,
		synthesize: synthesize,
		coord:      coord,
		history:    history,
		emitter:    emitter,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Run processes one input end to end. Engine failures are caught here so
// one bad turn cannot kill the session; only transport failures return an
// error, which ends the session.
func (p *Pipeline) Run(ctx context.Context, in Input) error {
	if p.metrics != nil {
		p.metrics.TurnsStarted.Add(ctx, 1)
	}
	start := time.Now()

	genCtx, cancelGen := context.WithCancel(ctx)
	defer cancelGen()
	genTask := NewTask(cancelGen)
	defer genTask.Finish()

	p.coord.SetGeneration(genTask)
	p.coord.SetPlaying(true)

	// ── user text ──
	userText := strings.TrimSpace(in.Text)
	if userText == "" && len(in.PCM) > 0 {
		if p.recognize == nil {
			p.failTurn(ctx, "no recognition provider for audio input", nil)
			return nil
		}
		text, err := p.recognize.Transcribe(genCtx, in.PCM, p.cfg.SampleRate)
		if err != nil {
			if cancelled(genCtx, err) {
				p.cancelTurn(ctx, "", "")
				return nil
			}
			p.failTurn(ctx, "transcription failed", err)
			return nil
		}
		userText = strings.TrimSpace(text)
	}
	if isFillerTranscript(userText) {
		p.log.Debug("transcript filtered as filler", "text", userText)
		p.coord.Clear()
		return nil
	}

	// ── streaming generation ──
	req := gen.Request{
		SystemPrompt: p.cfg.SystemPrompt,
		Messages:     append(p.history.Messages(), gen.Message{Role: gen.RoleUser, Content: userText}),
		Temperature:  p.cfg.Temperature,
		MaxTokens:    p.cfg.MaxTokens,
	}
	if p.vision != nil {
		req.ImageJPEG = p.vision()
	}

	stream, err := p.generate.GenerateStream(genCtx, req)
	if err != nil {
		if cancelled(genCtx, err) {
			p.cancelTurn(ctx, userText, "")
			return nil
		}
		p.failTurn(ctx, "generation failed to start", err)
		return nil
	}

	// ── initial chunk collection ──
	var initial strings.Builder
	streamOpen := true
	for streamOpen && !initialComplete(initial.String(), p.cfg.InitialMinChars) {
		chunk, ok := <-stream
		if !ok {
			streamOpen = false
			break
		}
		if chunk.FinishReason == "error" {
			p.failTurn(ctx, "generation stream failed", errors.New(chunk.Text))
			return nil
		}
		initial.WriteString(chunk.Text)
	}
	if genCtx.Err() != nil {
		go drainChunks(stream)
		p.cancelTurn(ctx, userText, initial.String())
		return nil
	}

	initialText := strings.TrimSpace(initial.String())
	if initialText == "" && !streamOpen {
		p.log.Debug("generation produced no text", "user", userText)
		p.coord.Clear()
		return nil
	}

	// Noise short-circuit: the model heard noise, not an utterance. History
	// still records the exchange, but no interrupt or audio frames go out,
	// so the client never learns a false barge-in happened.
	if p.isNoise(initialText) {
		cancelGen()
		go drainChunks(stream)
		p.persist(ctx, userText, initialText, false)
		p.coord.Clear()
		if p.metrics != nil {
			p.metrics.TurnsCompleted.Add(ctx, 1)
		}
		p.log.Debug("noise sentinel from model, turn suppressed", "sentinel", initialText)
		return nil
	}

	// Only now is the segment known to be genuine speech.
	if err := p.emitter.SendInterrupt(genCtx); err != nil {
		go drainChunks(stream)
		return p.failTransport(ctx, genCtx, userText, initialText, err)
	}

	// ── initial synthesis, concurrent with remaining-stream drain ──
	synthCtx, cancelSynth := context.WithCancel(ctx)
	defer cancelSynth()
	synthTask := NewTask(cancelSynth)
	defer synthTask.Finish()
	p.coord.SetSynthesis(synthTask)

	type synthResult struct {
		pcm []byte
		err error
	}
	initialRes := make(chan synthResult, 1)
	go func() {
		pcm, err := p.synthesize.Synthesize(synthCtx, initialText, synth.SplitMinimal)
		initialRes <- synthResult{pcm: pcm, err: err}
	}()

	// The drainer keeps pulling generated text while initial synthesis is
	// in flight, emitting emission-sized remaining chunks. streamErr is
	// written before remainingCh closes and read only after it is drained.
	var streamErr error
	remainingCh := make(chan string, 8)
	go func() {
		defer close(remainingCh)
		defer genTask.Finish()
		var buf string
		for chunk := range stream {
			if chunk.FinishReason == "error" {
				streamErr = errors.New(chunk.Text)
				return
			}
			buf += chunk.Text
			for {
				piece, rest, ok := splitRemaining(buf, p.cfg.RemainingChunkChars)
				if !ok {
					break
				}
				buf = rest
				select {
				case remainingCh <- piece:
				case <-genCtx.Done():
					return
				}
			}
		}
		if s := strings.TrimSpace(buf); s != "" {
			select {
			case remainingCh <- s:
			case <-genCtx.Done():
			}
		}
	}()
	drainRemaining := func() {
		cancelGen()
		go func() {
			for range remainingCh {
			}
		}()
	}

	assistant := initialText

	res := <-initialRes
	if res.err != nil {
		drainRemaining()
		if cancelled(synthCtx, res.err) {
			p.cancelTurn(ctx, userText, assistant)
			return nil
		}
		p.failTurn(ctx, "initial synthesis failed", res.err)
		return nil
	}
	if err := p.emitter.SendAudio(synthCtx, res.pcm); err != nil {
		drainRemaining()
		return p.failTransport(ctx, synthCtx, userText, assistant, err)
	}
	if p.metrics != nil {
		p.metrics.FirstAudioLatency.Record(ctx, time.Since(start).Seconds())
	}

	// ── remaining chunks, punctuation-aware synthesis ──
	for piece := range remainingCh {
		pcm, err := p.synthesize.Synthesize(synthCtx, piece, synth.SplitPunctuation)
		if err != nil {
			drainRemaining()
			if cancelled(synthCtx, err) {
				p.cancelTurn(ctx, userText, assistant)
				return nil
			}
			p.failTurn(ctx, "remaining synthesis failed", err)
			return nil
		}
		if err := p.emitter.SendAudio(synthCtx, pcm); err != nil {
			drainRemaining()
			return p.failTransport(ctx, synthCtx, userText, assistant, err)
		}
		assistant += piece
	}

	if genCtx.Err() != nil || synthCtx.Err() != nil {
		p.cancelTurn(ctx, userText, assistant)
		return nil
	}
	if streamErr != nil {
		p.failTurn(ctx, "generation stream failed", streamErr)
		return nil
	}

	if err := p.emitter.SendAudioComplete(synthCtx); err != nil {
		return p.failTransport(ctx, synthCtx, userText, assistant, err)
	}

	p.persist(ctx, userText, assistant, false)
	p.coord.Clear()
	if p.metrics != nil {
		p.metrics.TurnsCompleted.Add(ctx, 1)
	}
	p.log.Info("turn completed",
		"userChars", len(userText),
		"assistantChars", len(assistant),
		"elapsedMs", time.Since(start).Milliseconds(),
	)
	return nil
}

// isNoise reports whether the initial text exactly matches a configured
// non-speech sentinel.
func (p *Pipeline) isNoise(initial string) bool {
	for _, s := range p.cfg.NoiseSentinels {
		if initial == s {
			return true
		}
	}
	return false
}

// persist appends the exchange to the bounded history and, when configured,
// to the external archive. Archive failures never fail the turn.
func (p *Pipeline) persist(ctx context.Context, userText, assistantText string, wasCancelled bool) {
	if userText == "" && assistantText == "" {
		return
	}
	ex := Exchange{
		UserText:      userText,
		AssistantText: assistantText,
		Cancelled:     wasCancelled,
		At:            time.Now(),
	}
	p.history.Append(ex)
	if p.archiver != nil {
		// The turn context may already be cancelled; archiving must not be.
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.archiver.ArchiveExchange(actx, p.sessionID, ex); err != nil {
			p.log.Warn("exchange archive failed", "error", err)
		}
	}
}

// cancelTurn is the expected-cancellation cleanup path: persist the partial
// exchange, clear the coordinator, count the cancellation.
func (p *Pipeline) cancelTurn(ctx context.Context, userText, assistantText string) {
	p.persist(ctx, userText, strings.TrimSpace(assistantText), true)
	p.coord.Clear()
	if p.metrics != nil {
		p.metrics.TurnsCancelled.Add(ctx, 1)
	}
	p.log.Debug("turn cancelled", "assistantChars", len(assistantText))
}

// failTurn is the engine-failure cleanup path: log, clear, abandon the turn
// with no completion marker. The session keeps accepting segments.
func (p *Pipeline) failTurn(ctx context.Context, msg string, err error) {
	p.coord.Clear()
	if p.metrics != nil {
		p.metrics.TurnsFailed.Add(ctx, 1)
	}
	p.log.Error(msg, "error", err)
}

// failTransport handles a failed send. When the turn context is already
// cancelled the send lost a race with barge-in and the failure is the
// expected cancellation outcome, not a broken connection. Only a genuine
// transport error propagates so the session loop tears down. The partial
// exchange persists either way.
func (p *Pipeline) failTransport(ctx, turnCtx context.Context, userText, assistantText string, err error) error {
	if cancelled(turnCtx, err) {
		p.cancelTurn(ctx, userText, assistantText)
		return nil
	}
	p.persist(ctx, userText, strings.TrimSpace(assistantText), true)
	p.coord.Clear()
	if p.metrics != nil {
		p.metrics.TurnsCancelled.Add(ctx, 1)
	}
	return fmt.Errorf("turn: transport send: %w", err)
}

// cancelled reports whether err is the expected outcome of ctx being
// cancelled rather than a real failure.
func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

// drainChunks consumes and discards the rest of a generation stream so the
// provider goroutine can exit.
func drainChunks(ch <-chan gen.Chunk) {
	for range ch {
	}
}
