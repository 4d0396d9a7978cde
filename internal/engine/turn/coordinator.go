// Package turn implements the per-session turn engine: the coordinator that
// tracks in-flight generation and synthesis work, the pipeline that drives
// one speech segment from recognition through ordered audio emission, the
// text chunking rules that bound first-audio latency, and the bounded
// conversation history.
package turn

import (
	"context"
	"log/slog"
	"sync"
)

// Task is one cancellable unit of in-flight work. The owner signals
// completion by calling Finish; cancellers request a stop via the cancel
// function captured at construction and then await Done.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewTask wraps a context cancel function as a trackable task.
func NewTask(cancel context.CancelFunc) *Task {
	return &Task{cancel: cancel, done: make(chan struct{})}
}

// Finish marks the task complete. Safe to call more than once.
func (t *Task) Finish() {
	t.once.Do(func() { close(t.done) })
}

// Done returns a channel closed when the task has fully unwound.
func (t *Task) Done() <-chan struct{} { return t.done }

// Coordinator is the single source of truth for "is something audible or in
// flight right now" for one session, and the only place allowed to cancel
// it. At most one generation task and one synthesis task are tracked at any
// instant; the playing flag is true while either may produce output.
//
// All mutations go through one mutex so a detector-side cancellation and a
// pipeline-side completion can never race into an inconsistent state.
type Coordinator struct {
	mu         sync.Mutex
	generation *Task
	synthesis  *Task
	playing    bool

	log *slog.Logger
}

// NewCoordinator creates an idle Coordinator. A nil logger falls back to
// slog.Default().
func NewCoordinator(log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{log: log}
}

// SetPlaying sets the playing flag.
func (c *Coordinator) SetPlaying(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playing = v
}

// Playing reports whether output for the current turn may still reach the
// client.
func (c *Coordinator) Playing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// SetGeneration replaces the tracked generation task.
func (c *Coordinator) SetGeneration(t *Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation = t
}

// SetSynthesis replaces the tracked synthesis task.
func (c *Coordinator) SetSynthesis(t *Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.synthesis = t
}

// Clear drops both task references and resets the playing flag. Called by
// the pipeline once a turn has fully completed or been abandoned.
func (c *Coordinator) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation = nil
	c.synthesis = nil
	c.playing = false
}

// CancelCurrent cancels whichever of the two tracked tasks are present and
// waits for each to acknowledge by finishing. The task references are taken
// and cleared atomically, so a concurrent replacement can never be cancelled
// by mistake; the waits happen outside the lock so the unwinding pipeline
// can still reach the coordinator.
//
// Cancellation here is expected control flow, never an error: the cancelled
// pipeline persists its partial turn and unwinds cleanly.
func (c *Coordinator) CancelCurrent(ctx context.Context) {
	c.mu.Lock()
	gen, syn := c.generation, c.synthesis
	c.generation = nil
	c.synthesis = nil
	c.mu.Unlock()

	for _, t := range []*Task{gen, syn} {
		if t == nil {
			continue
		}
		t.cancel()
		select {
		case <-t.done:
		case <-ctx.Done():
			// Teardown is racing us; the task's context is cancelled either
			// way and its output can no longer reach the client.
		}
	}

	c.mu.Lock()
	c.playing = false
	c.mu.Unlock()

	if gen != nil || syn != nil {
		c.log.Debug("cancelled in-flight turn", "hadGeneration", gen != nil, "hadSynthesis", syn != nil)
	}
}
