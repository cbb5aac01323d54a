package network

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// replayWindow remembers frame digests for ttl. Expired digests are pruned at
// most once per ttl, on the next lookup.
type replayWindow struct {
	ttl    time.Duration          // ttl is how long a digest is remembered
	now    func() time.Time       // now is the clock
	mu     sync.Mutex             // mu protects seen and pruned
	seen   map[[32]byte]time.Time // seen maps blake3 digest to first sighting
	pruned time.Time              // pruned is the last prune time
}

func newReplayWindow(ttl time.Duration) *replayWindow {
	return &replayWindow{ttl: ttl, now: time.Now, seen: make(map[[32]byte]time.Time)}
}

// fresh records frame and reports whether it was unseen within the window.
func (w *replayWindow) fresh(frame []byte) bool {
	sum := blake3.Sum256(frame)
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if now.Sub(w.pruned) >= w.ttl {
		for k, at := range w.seen {
			if now.Sub(at) >= w.ttl {
				delete(w.seen, k)
			}
		}
		w.pruned = now
	}

	if at, ok := w.seen[sum]; ok && now.Sub(at) < w.ttl {
		return false
	}

	w.seen[sum] = now

	return true
}
