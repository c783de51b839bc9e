package loralink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNonceStrictlyIncreasingWithinSecond(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	g := newNonceGenerator(func() time.Time { return fixed })

	prev := g.next()
	for i := 0; i < 1000; i++ {
		n := g.next()
		assert.Greater(t, uint64(n), uint64(prev))
		prev = n
	}
}

func TestNonceEmbedsWallSeconds(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	g := newNonceGenerator(func() time.Time { return fixed })

	n := g.next()
	assert.Equal(t, uint64(1700000000), uint64(n)>>16)
}
