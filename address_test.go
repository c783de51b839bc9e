package loralink

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestAddressBitDiscipline(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		addr := rapid.Uint16Range(0, uint16(AddressBitmask)).Draw(t, "addr")
		ack := rapid.Bool().Draw(t, "ack")

		h := NewAddress(addr, ack)
		assert.Equal(t, addr, h.Address())
		assert.Equal(t, ack, h.AckRequested())

		// Toggling the ACK flag never mutates the address bits.
		flipped := h.WithAck(!ack)
		assert.Equal(t, addr, flipped.Address())
		assert.Equal(t, !ack, flipped.AckRequested())
	})
}

func TestGlobalAddressConstants(t *testing.T) {
	assert.Equal(t, uint16(GlobalNoAck), NewGlobal(false).Address())
	assert.Equal(t, uint16(GlobalNoAck), NewGlobal(true).Address())
	assert.True(t, NewGlobal(true).AckRequested())
	assert.False(t, NewGlobal(false).AckRequested())
	assert.True(t, NewGlobal(false).IsGlobal())
	assert.Equal(t, GlobalAck, NewGlobal(true))
}

func TestInfoHeaderNibbles(t *testing.T) {
	h := NewInfoHeader(12, 3)
	assert.Equal(t, uint8(12), h.Recipients())
	assert.Equal(t, uint8(3), h.Slots())
}

func TestPayloadFlagFromIDsRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ids := rapid.SliceOfN(rapid.IntRange(0, 15), 0, 32).Draw(t, "ids")

		got := NewPayloadFlagFromIDs(ids).IDs()

		uniq := map[int]bool{}
		for _, id := range ids {
			uniq[id] = true
		}
		want := make([]int, 0, len(uniq))
		for id := range uniq {
			want = append(want, id)
		}
		sort.Ints(want)
		assert.Equal(t, want, got)
	})
}
