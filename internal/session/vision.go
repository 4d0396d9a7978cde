package session

import "sync"

// VisionSlot holds the most recent camera snapshot for a session. Writes
// overwrite, last one wins; a snapshot stays available until replaced so a
// follow-up question can refer to the same scene.
type VisionSlot struct {
	mu   sync.Mutex
	jpeg []byte
}

// Set replaces the stored snapshot.
func (v *VisionSlot) Set(jpeg []byte) {
	buf := make([]byte, len(jpeg))
	copy(buf, jpeg)

	v.mu.Lock()
	v.jpeg = buf
	v.mu.Unlock()
}

// Snapshot returns a copy of the stored snapshot, or nil when none has been
// received. Matches the signature expected by [turn.WithVision].
func (v *VisionSlot) Snapshot() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.jpeg) == 0 {
		return nil
	}
	out := make([]byte, len(v.jpeg))
	copy(out, v.jpeg)
	return out
}
