package radiomock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loralink "github.com/fusetim/radio-tipe-poc"
)

func TestLoopbackDeliversToPeerOnly(t *testing.T) {
	a, b := NewPair(-60, -65)

	require.NoError(t, a.SetChannel(0))
	require.NoError(t, b.SetChannel(0))

	require.NoError(t, a.StartTransmit([]byte("hello")))
	done, err := a.CheckTransmit()
	require.NoError(t, err)
	assert.True(t, done)

	// a must not receive its own transmission.
	got, err := a.CheckReceive(false)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = b.CheckReceive(false)
	require.NoError(t, err)
	require.True(t, got)

	buf := make([]byte, 32)
	n, info, err := b.GetReceived(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, int16(-65), info.RSSI)
}

func TestLoopbackChannelsAreIsolated(t *testing.T) {
	a, b := NewPair(-60, -65)
	require.NoError(t, a.SetChannel(1))
	require.NoError(t, b.SetChannel(2))

	require.NoError(t, a.StartTransmit([]byte("x")))
	a.CheckTransmit()

	got, err := b.CheckReceive(false)
	require.NoError(t, err)
	assert.False(t, got, "message on channel 1 must not be visible on channel 2")
}

func TestCADAlwaysClear(t *testing.T) {
	a, _ := NewPair(-60, -65)
	require.NoError(t, a.SetState(loralink.RadioStateCad))
	irq, err := a.GetInterrupts(true)
	require.NoError(t, err)
	assert.True(t, irq.RxTimeout)
}
