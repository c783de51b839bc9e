package loralink

import (
	"math/rand"
	"sync"
	"time"
)

// Nonce is the opaque 64-bit ACK-matching identifier carried in every
// RadioHeaders. Receivers never interpret it; it exists only so the
// originating node can match an incoming ACK to the frame it acknowledges.
type Nonce uint64

// nonceGenerator issues nonces as (unix_seconds<<16)|random16, guaranteeing
// strict monotonicity for nonces issued by the same generator within the
// same wall-clock second.
type nonceGenerator struct {
	mu   sync.Mutex
	last Nonce
	now  func() time.Time
}

func newNonceGenerator(now func() time.Time) *nonceGenerator {
	if now == nil {
		now = time.Now
	}
	return &nonceGenerator{now: now}
}

// next returns a new Nonce, strictly greater than any previously issued
// nonce from this generator. The wall-second prefix makes nonces
// collision-resistant across nodes; the bump below keeps them strictly
// increasing on this node even when the random suffix repeats or the
// clock stalls.
func (g *nonceGenerator) next() Nonce {
	g.mu.Lock()
	defer g.mu.Unlock()

	seconds := uint64(g.now().Unix())
	candidate := Nonce(seconds<<16 | uint64(rand.Intn(1<<16)))
	if candidate <= g.last {
		candidate = g.last + 1
	}
	g.last = candidate
	return candidate
}
