package loralink_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loralink "github.com/fusetim/radio-tipe-poc"
	"github.com/fusetim/radio-tipe-poc/radiomock"
)

// ctx bounds nothing in these tests; the loopback radio completes every
// poll on its first pass.
var ctx = context.Background()

func testChannels(n int) []loralink.ChannelConfig {
	cfgs := make([]loralink.ChannelConfig, n)
	for i := range cfgs {
		cfgs[i] = loralink.ChannelConfig{
			DutyCycle:    1,
			DutyInterval: time.Hour,
			MinDelay:     0,
			PollDelay:    time.Millisecond,
		}
	}
	return cfgs
}

func testDriverConfig(addr uint16, channels int) loralink.DriverConfig {
	return loralink.DriverConfig{
		Address:  addr,
		Channels: testChannels(channels),
		ATPC: loralink.ATPCConfig{
			TransmissionPowers: []int8{2, 6, 10, 14, 17},
			DefaultTP:          2,
			TargetRSSI:         -100,
		},
		CADMaxAttempts:    2,
		CADBackoff:        time.Millisecond,
		ReceiveSlotPoll:   time.Millisecond,
		ReceiveSlotBudget: 4 * time.Millisecond,
	}
}

type recordingTxClient struct {
	done   []loralink.Nonce
	ok     []uint16
	failed []uint16
}

func (c *recordingTxClient) TransmissionDone(n loralink.Nonce) { c.done = append(c.done, n) }
func (c *recordingTxClient) TransmissionSuccessful(peer uint16, n loralink.Nonce) {
	c.ok = append(c.ok, peer)
}
func (c *recordingTxClient) TransmissionFailed(peer uint16, n loralink.Nonce, payload []byte) {
	c.failed = append(c.failed, peer)
}

type recordingRxClient struct {
	peers    []uint16
	payloads [][]byte
	nonces   []loralink.Nonce
}

func (c *recordingRxClient) Receive(peer uint16, payload []byte, n loralink.Nonce) {
	c.peers = append(c.peers, peer)
	c.payloads = append(c.payloads, payload)
	c.nonces = append(c.nonces, n)
}

// A unicast-with-ACK payload sent over a loopback radio pair is
// received, a piggybacked ACK comes back on the peer's next frame, and
// both sides observe the expected callbacks.
func TestEndToEndUnicastAckRoundTrip(t *testing.T) {
	radioA, radioB := radiomock.NewPair(-60, -65)

	driverA, err := loralink.NewDriver(testDriverConfig(0x0001, 1), radioA, nil)
	require.NoError(t, err)
	driverB, err := loralink.NewDriver(testDriverConfig(0x0002, 1), radioB, nil)
	require.NoError(t, err)

	txA := &recordingTxClient{}
	rxB := &recordingRxClient{}
	driverA.SetTransmitClient(txA)
	driverB.SetReceiveClient(rxB)

	require.NoError(t, driverB.StartReception())

	require.NoError(t, driverA.Queue(loralink.Unique(0x0002), []byte("HELO!"), true))
	nonce, err := driverA.Transmit(ctx)
	require.NoError(t, err)
	assert.NotZero(t, nonce)
	assert.Equal(t, []loralink.Nonce{nonce}, txA.done)

	got, err := driverB.CheckReception(ctx)
	require.NoError(t, err)
	assert.True(t, got)
	require.Len(t, rxB.peers, 1)
	assert.Equal(t, uint16(0x0001), rxB.peers[0])
	assert.Equal(t, []byte("HELO!"), rxB.payloads[0])

	require.NoError(t, driverB.Queue(loralink.Unique(0x0001), []byte("reply"), false))
	require.NoError(t, driverB.QueueAcknowledgements())
	bNonce, err := driverB.Transmit(ctx)
	require.NoError(t, err)
	assert.NotZero(t, bNonce)

	require.NoError(t, driverA.StartReception())
	got, err = driverA.CheckReception(ctx)
	require.NoError(t, err)
	assert.True(t, got)
	assert.Equal(t, []uint16{0x0002}, txA.ok)
}

// Draining acknowledgements with nothing else queued still produces a
// transmittable frame, addressed to the acknowledged peer.
func TestAckOnlyReplyTransmits(t *testing.T) {
	radioA, radioB := radiomock.NewPair(-60, -65)

	driverA, err := loralink.NewDriver(testDriverConfig(0x0001, 1), radioA, nil)
	require.NoError(t, err)
	driverB, err := loralink.NewDriver(testDriverConfig(0x0002, 1), radioB, nil)
	require.NoError(t, err)

	txA := &recordingTxClient{}
	driverA.SetTransmitClient(txA)
	driverB.SetReceiveClient(&recordingRxClient{})

	require.NoError(t, driverB.StartReception())
	require.NoError(t, driverA.Queue(loralink.Unique(0x0002), []byte("HELO!"), true))
	_, err = driverA.Transmit(ctx)
	require.NoError(t, err)

	got, err := driverB.CheckReception(ctx)
	require.NoError(t, err)
	require.True(t, got)

	// No payload queued on B: the ACK alone must still go out.
	require.NoError(t, driverB.QueueAcknowledgements())
	ackNonce, err := driverB.Transmit(ctx)
	require.NoError(t, err)
	assert.NotZero(t, ackNonce)

	require.NoError(t, driverA.StartReception())
	got, err = driverA.CheckReception(ctx)
	require.NoError(t, err)
	assert.True(t, got)
	assert.Equal(t, []uint16{0x0002}, txA.ok)
}

// Three large payloads aggregate into one frame; a fourth overflows the
// frame and is rejected as recoverable until the queue is drained.
func TestQueueAggregationOverflow(t *testing.T) {
	radioA, _ := radiomock.NewPair(-60, -65)
	driver, err := loralink.NewDriver(testDriverConfig(0x0001, 5), radioA, nil)
	require.NoError(t, err)

	payload := make([]byte, 400)
	for i := 0; i < 3; i++ {
		require.NoError(t, driver.Queue(loralink.Unique(0x0002), payload, false))
	}

	err = driver.Queue(loralink.Unique(0x0002), payload, false)
	require.Error(t, err)
	var qe *loralink.QueueError
	require.ErrorAs(t, err, &qe)
	assert.True(t, qe.Recoverable())
	assert.ErrorIs(t, err, loralink.ErrTooBigFrame)

	nonce, err := driver.Transmit(ctx)
	require.NoError(t, err)
	assert.NotZero(t, nonce)

	assert.NoError(t, driver.Queue(loralink.Unique(0x0002), payload, false))
}

// A logical frame spread across three channels is reassembled and
// delivered exactly once, with the sender and nonce of the lead slot.
func TestMultiSlotReceptionReassembly(t *testing.T) {
	radioA, radioB := radiomock.NewPair(-60, -65)

	driverA, err := loralink.NewDriver(testDriverConfig(0x0001, 3), radioA, nil)
	require.NoError(t, err)
	driverB, err := loralink.NewDriver(testDriverConfig(0x0002, 3), radioB, nil)
	require.NoError(t, err)

	rxB := &recordingRxClient{}
	driverB.SetReceiveClient(rxB)
	require.NoError(t, driverB.StartReception())

	payload := make([]byte, 600)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, driverA.Queue(loralink.Unique(0x0002), payload, false))
	nonce, err := driverA.Transmit(ctx)
	require.NoError(t, err)

	got, err := driverB.CheckReception(ctx)
	require.NoError(t, err)
	assert.True(t, got)
	require.Len(t, rxB.payloads, 1)
	assert.Equal(t, payload, rxB.payloads[0])
	assert.Equal(t, uint16(0x0001), rxB.peers[0])
	assert.Equal(t, nonce, rxB.nonces[0])
}

// A missing continuation slot aborts reassembly without delivering
// anything, and reception resumes on channel 0 for the next frame.
func TestMultiSlotDroppedSlotAbortsReassembly(t *testing.T) {
	radioA, radioB := radiomock.NewPair(-60, -65)

	driverB, err := loralink.NewDriver(testDriverConfig(0x0002, 3), radioB, nil)
	require.NoError(t, err)
	rxB := &recordingRxClient{}
	driverB.SetReceiveClient(rxB)
	require.NoError(t, driverB.StartReception())

	payload := make([]byte, 600)
	frame := loralink.RadioFrameWithHeaders{
		Type: loralink.FrameTypeMessage,
		Headers: loralink.RadioHeaders{
			Info:         loralink.NewInfoHeader(1, 3),
			Recipient:    loralink.RecipientHeader{Direct: loralink.NewAddress(0x0002, false)},
			Sender:       loralink.NewAddress(0x0001, false),
			PayloadCount: 1,
			Nonce:        loralink.Nonce(77),
		},
		Payloads: [][]byte{payload},
	}
	slots, err := loralink.EncodeSlots(frame)
	require.NoError(t, err)
	require.Len(t, slots, 3)

	// Deliver the lead and third slot but drop the second.
	require.NoError(t, radioA.SetChannel(0))
	require.NoError(t, radioA.StartTransmit(slots[0]))
	require.NoError(t, radioA.SetChannel(2))
	require.NoError(t, radioA.StartTransmit(slots[2]))

	got, err := driverB.CheckReception(ctx)
	require.NoError(t, err)
	assert.False(t, got)
	assert.Empty(t, rxB.payloads)

	// A subsequent single-slot frame on channel 0 is still received.
	follow := loralink.RadioFrameWithHeaders{
		Type: loralink.FrameTypeMessage,
		Headers: loralink.RadioHeaders{
			Info:         loralink.NewInfoHeader(1, 1),
			Recipient:    loralink.RecipientHeader{Direct: loralink.NewAddress(0x0002, false)},
			Sender:       loralink.NewAddress(0x0001, false),
			PayloadCount: 1,
			Nonce:        loralink.Nonce(78),
		},
		Payloads: [][]byte{[]byte("again")},
	}
	followSlots, err := loralink.EncodeSlots(follow)
	require.NoError(t, err)
	require.NoError(t, radioA.SetChannel(0))
	require.NoError(t, radioA.StartTransmit(followSlots[0]))

	got, err = driverB.CheckReception(ctx)
	require.NoError(t, err)
	assert.True(t, got)
	require.Len(t, rxB.payloads, 1)
	assert.Equal(t, []byte("again"), rxB.payloads[0])
}

type panickingRxClient struct{}

func (panickingRxClient) Receive(uint16, []byte, loralink.Nonce) { panic("client bug") }

// A panicking client callback is swallowed: the frame still counts as
// received and the driver keeps working.
func TestPanickingClientDoesNotCrashDriver(t *testing.T) {
	radioA, radioB := radiomock.NewPair(-60, -65)

	driverA, err := loralink.NewDriver(testDriverConfig(0x0001, 1), radioA, nil)
	require.NoError(t, err)
	driverB, err := loralink.NewDriver(testDriverConfig(0x0002, 1), radioB, nil)
	require.NoError(t, err)

	driverB.SetReceiveClient(panickingRxClient{})
	require.NoError(t, driverB.StartReception())

	require.NoError(t, driverA.Queue(loralink.Unique(0x0002), []byte("HELO!"), false))
	_, err = driverA.Transmit(ctx)
	require.NoError(t, err)

	got, err := driverB.CheckReception(ctx)
	require.NoError(t, err)
	assert.True(t, got)
}

// A cancelled context interrupts the continuation-slot wait instead of
// letting it run out its budget.
func TestCancelledContextInterruptsReassembly(t *testing.T) {
	radioA, radioB := radiomock.NewPair(-60, -65)

	driverB, err := loralink.NewDriver(testDriverConfig(0x0002, 3), radioB, nil)
	require.NoError(t, err)
	require.NoError(t, driverB.StartReception())

	frame := loralink.RadioFrameWithHeaders{
		Type: loralink.FrameTypeMessage,
		Headers: loralink.RadioHeaders{
			Info:         loralink.NewInfoHeader(1, 3),
			Recipient:    loralink.RecipientHeader{Direct: loralink.NewAddress(0x0002, false)},
			Sender:       loralink.NewAddress(0x0001, false),
			PayloadCount: 1,
			Nonce:        loralink.Nonce(79),
		},
		Payloads: [][]byte{make([]byte, 600)},
	}
	slots, err := loralink.EncodeSlots(frame)
	require.NoError(t, err)

	// Only the lead slot goes out; the continuation wait would block.
	require.NoError(t, radioA.SetChannel(0))
	require.NoError(t, radioA.StartTransmit(slots[0]))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = driverB.CheckReception(cancelled)
	require.Error(t, err)
	assert.ErrorIs(t, err, loralink.ErrInternalRadio)
}

// A missed ACK fires TransmissionFailed with the original payload once
// the deadline passes, and never before it.
func TestEndToEndAckTimeout(t *testing.T) {
	radioA, _ := radiomock.NewPair(-60, -65)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	cfg := testDriverConfig(0x0001, 1)
	cfg.AckTimeout = 60 * time.Second
	driver, err := loralink.NewDriver(cfg, radioA, clock)
	require.NoError(t, err)

	tx := &recordingTxClient{}
	driver.SetTransmitClient(tx)

	require.NoError(t, driver.Queue(loralink.Unique(0x0050), []byte("HELO!"), true))
	_, err = driver.Transmit(ctx)
	require.NoError(t, err)

	now = now.Add(59 * time.Second)
	_, err = driver.CheckReception(ctx)
	require.NoError(t, err)
	assert.Empty(t, tx.failed)

	now = now.Add(2 * time.Second)
	_, err = driver.CheckReception(ctx)
	require.NoError(t, err)
	require.Len(t, tx.failed, 1)
	assert.Equal(t, uint16(0x0050), tx.failed[0])

	// Fires exactly once.
	now = now.Add(2 * time.Second)
	_, err = driver.CheckReception(ctx)
	require.NoError(t, err)
	assert.Len(t, tx.failed, 1)
}

// A full beacon round teaches the sender the weakest power that still
// reaches the peer: the next unicast to that peer goes out at it.
func TestBeaconRoundDrivesPowerSelection(t *testing.T) {
	radioA, radioB := radiomock.NewPair(-60, -65)

	cfg := func(addr uint16) loralink.DriverConfig {
		c := testDriverConfig(addr, 1)
		c.ATPC.TransmissionPowers = []int8{10, 8, 6, 4, 2}
		c.ATPC.DefaultTP = 0
		return c
	}
	driverA, err := loralink.NewDriver(cfg(0x0001), radioA, nil)
	require.NoError(t, err)
	driverB, err := loralink.NewDriver(cfg(0x0002), radioB, nil)
	require.NoError(t, err)

	driverA.SetTransmitClient(&recordingTxClient{})
	driverB.SetReceiveClient(&recordingRxClient{})
	require.NoError(t, driverB.StartReception())

	// Register the neighbor by sending it a unicast-with-ACK first.
	require.NoError(t, driverA.Queue(loralink.Unique(0x0002), []byte("ping"), true))
	_, err = driverA.Transmit(ctx)
	require.NoError(t, err)
	got, err := driverB.CheckReception(ctx)
	require.NoError(t, err)
	require.True(t, got)

	require.NoError(t, driverA.TransmitBeacon(ctx))

	// Beacons go out weakest power first; simulate a link where the
	// peer's measured RSSI tracks the transmit power linearly, i.e. its
	// reported delta follows 2.5*TP - 45.
	for _, tp := range []int8{2, 4, 6, 8, 10} {
		drssi := 2.5*float64(tp) - 45
		radioB.SetMeasuredRSSI(int16(-100 - drssi))
		got, err := driverB.CheckReception(ctx)
		require.NoError(t, err)
		require.True(t, got, "beacon at TP %d should be received", tp)
	}

	require.NoError(t, driverB.QueueAcknowledgements())
	_, err = driverB.Transmit(ctx)
	require.NoError(t, err)

	require.NoError(t, driverA.StartReception())
	got, err = driverA.CheckReception(ctx)
	require.NoError(t, err)
	require.True(t, got)

	// The fitted model clears the -100 dBm target even at the weakest
	// configured power.
	require.NoError(t, driverA.Queue(loralink.Unique(0x0002), []byte("after"), false))
	_, err = driverA.Transmit(ctx)
	require.NoError(t, err)
	assert.Equal(t, int8(2), radioA.Power())
}
