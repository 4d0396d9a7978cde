package turn

import (
	"sync"
	"time"

	"github.com/voxpipe/voxpipe/pkg/provider/gen"
)

// Exchange is one persisted conversation turn: what the user said and what
// the assistant produced, including partial text when the turn was cancelled
// mid-generation.
type Exchange struct {
	// UserText is the transcript of the user's utterance, or the raw text of
	// a text-only input.
	UserText string

	// AssistantText is the text the turn actually produced. For a cancelled
	// turn this is a prefix of what a full run would have yielded; for a
	// noise turn it is the sentinel string.
	AssistantText string

	// Cancelled is true when the turn was aborted by barge-in or teardown
	// before completing.
	Cancelled bool

	// At records when the exchange was persisted.
	At time.Time
}

// History is the bounded per-session conversation memory. It retains the
// most recent maxExchanges entries; older entries are evicted on every
// append. All methods are safe for concurrent use.
type History struct {
	mu           sync.RWMutex
	entries      []Exchange
	maxExchanges int
}

// NewHistory creates a history that retains at most maxExchanges entries.
// A non-positive limit falls back to 2 (matching a 4-message window).
func NewHistory(maxExchanges int) *History {
	if maxExchanges <= 0 {
		maxExchanges = 2
	}
	return &History{
		entries:      make([]Exchange, 0, maxExchanges),
		maxExchanges: maxExchanges,
	}
}

// Append stores an exchange and evicts the oldest entries beyond the limit.
func (h *History) Append(ex Exchange) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ex.At.IsZero() {
		ex.At = time.Now()
	}
	h.entries = append(h.entries, ex)

	if len(h.entries) > h.maxExchanges {
		keep := h.entries[len(h.entries)-h.maxExchanges:]
		// Copy to a fresh slice so evicted entries can be garbage collected.
		fresh := make([]Exchange, len(keep), h.maxExchanges)
		copy(fresh, keep)
		h.entries = fresh
	}
}

// Clear drops all entries.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = h.entries[:0]
}

// Len returns the number of retained exchanges.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Exchanges returns a copy of the retained exchanges in chronological order.
func (h *History) Exchanges() []Exchange {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Exchange, len(h.entries))
	copy(out, h.entries)
	return out
}

// Messages flattens the retained exchanges into alternating user/assistant
// messages for a generation request, oldest first.
func (h *History) Messages() []gen.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]gen.Message, 0, len(h.entries)*2)
	for _, ex := range h.entries {
		out = append(out,
			gen.Message{Role: gen.RoleUser, Content: ex.UserText},
			gen.Message{Role: gen.RoleAssistant, Content: ex.AssistantText},
		)
	}
	return out
}
