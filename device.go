package loralink

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Destination selects the recipient set for a Queue call.
type Destination struct {
	kind  destinationKind
	addr  uint16
	group []uint16
}

type destinationKind uint8

const (
	destGlobal destinationKind = iota
	destUnique
	destGroup
)

// Global addresses every node on the network.
func Global() Destination { return Destination{kind: destGlobal} }

// Unique addresses a single node.
func Unique(addr uint16) Destination { return Destination{kind: destUnique, addr: addr} }

// GroupOf addresses an explicit list of nodes.
func GroupOf(addrs []uint16) Destination {
	cp := append([]uint16(nil), addrs...)
	return Destination{kind: destGroup, group: cp}
}

// TransmitClient receives notifications about outgoing frames.
type TransmitClient interface {
	// TransmissionDone is called once a queued frame has actually gone
	// out over the air, carrying the nonce assigned to it.
	TransmissionDone(nonce Nonce)
	// TransmissionSuccessful is called when peer acknowledges nonce.
	TransmissionSuccessful(peer uint16, nonce Nonce)
	// TransmissionFailed is called when peer's ACK for nonce never
	// arrived before the pending_tx_ack deadline; payload is the
	// original payload addressed to peer in that frame, captured when the
	// frame was transmitted, so the caller can decide whether to re-queue
	// it. It is called once per such payload, or once with a nil payload
	// when the frame carried none for peer.
	TransmissionFailed(peer uint16, nonce Nonce, payload []byte)
}

// ReceiveClient receives inbound payloads.
type ReceiveClient interface {
	Receive(peer uint16, payload []byte, nonce Nonce)
}

type pendingRecipient struct {
	addr uint16
	ack  bool
	flag PayloadFlag
}

type pendingRxAck struct {
	sender uint16
	nonce  Nonce
	drssi  int16
}

type pendingTxAck struct {
	recipient  uint16
	nonce      Nonce
	deadline   time.Time
	updateATPC bool
	satisfied  bool
	// payloads holds every payload of the originating frame that was
	// addressed to recipient, replayed through TransmissionFailed if the
	// ACK never arrives.
	payloads [][]byte
}

type txHistoryEntry struct {
	frame RadioFrameWithHeaders
	at    time.Time
}

const txHistoryCapacity = 60
const pendingTxAckCapacity = 60

// Driver is the radio driver state machine: it owns the Radio, the ATPC
// loop, the per-channel usage ledger, and the pending ACK/payload
// bookkeeping, and exposes the single-threaded cooperative operations an
// application loop drives it with. It carries no internal concurrency of
// its own; the Device wrapper (see NewDevice) adds the mutex that makes
// it safe to poll from more than one goroutine.
type Driver struct {
	cfg     DriverConfig
	radio   Radio
	atpc    ATPC
	ledger  *channelLedger
	nonces  *nonceGenerator
	now     func() time.Time
	address uint16

	transmitClient TransmitClient
	receiveClient  ReceiveClient

	pendingRecipients []pendingRecipient
	pendingPayloads   [][]byte
	pendingAcks       []Acknowledgement
	pendingRxAcks     []pendingRxAck

	pendingTxAcks []pendingTxAck
	txHistory     []txHistoryEntry

	listening bool
}

// NewDriver builds a Driver from cfg, which is defaulted and validated
// via DriverConfig.setDefaults, against radio. now defaults to
// time.Now if nil.
func NewDriver(cfg DriverConfig, radio Radio, now func() time.Time) (*Driver, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	var atpc ATPC
	if cfg.ATPC.Testing {
		atpc = NewTestingATPC(cfg.ATPC.TransmissionPowers)
	} else {
		atpc = NewDefaultATPC(cfg.ATPC.TransmissionPowers, cfg.ATPC.DefaultTP, cfg.ATPC.TargetRSSI, cfg.ATPC.BeaconDelay, now)
	}
	return &Driver{
		cfg:     cfg,
		radio:   radio,
		atpc:    atpc,
		ledger:  newChannelLedger(cfg.Channels, now),
		nonces:  newNonceGenerator(now),
		now:     now,
		address: cfg.Address,
	}, nil
}

func (d *Driver) SetTransmitClient(c TransmitClient) { d.transmitClient = c }
func (d *Driver) SetReceiveClient(c ReceiveClient)   { d.receiveClient = c }
func (d *Driver) SetAddress(addr uint16)             { d.address = addr }
func (d *Driver) GetAddress() uint16                 { return d.address }

func (d *Driver) IsTransmitting() (bool, error) {
	s, err := d.radio.GetState()
	if err != nil {
		return false, wrapf(ErrInternalRadio, "get state: %v", err)
	}
	return s == RadioStateTx, nil
}

func (d *Driver) IsListening() bool { return d.listening }

// recipientSet expands dest into the flagged recipient list a frame
// would carry.
func recipientSet(dest Destination, ack bool) []pendingRecipient {
	switch dest.kind {
	case destGlobal:
		return []pendingRecipient{{addr: uint16(GlobalNoAck), ack: ack}}
	case destUnique:
		return []pendingRecipient{{addr: dest.addr, ack: ack}}
	case destGroup:
		out := make([]pendingRecipient, len(dest.group))
		for i, a := range dest.group {
			out[i] = pendingRecipient{addr: a, ack: ack}
		}
		return out
	}
	return nil
}

// Queue appends payload, addressed to dest, to the pending outgoing
// frame, requesting ack if set.
func (d *Driver) Queue(dest Destination, payload []byte, ack bool) error {
	recips := recipientSet(dest, ack)
	if len(recips) == 0 {
		return wrapf(ErrInvalidRecipients, "empty recipient list")
	}
	if len(d.pendingRecipients)+len(recips) > MaxQueueRecipients {
		return newQueueError(wrapf(ErrInvalidRecipients, "queue would exceed %d total recipients", MaxQueueRecipients), true)
	}
	if len(d.pendingPayloads) >= MaxPayloads {
		return newQueueError(wrapf(ErrTooBigFrame, "pending frame already carries %d payloads", MaxPayloads), true)
	}

	if ack {
		for _, r := range recips {
			if r.addr != uint16(GlobalNoAck) {
				d.atpc.RegisterNeighbor(r.addr)
			}
		}
	}

	payloadIdx := len(d.pendingPayloads)
	merged := append([]pendingRecipient(nil), d.pendingRecipients...)
	for _, r := range recips {
		if i := findRecipient(merged, r.addr); i >= 0 {
			merged[i].ack = merged[i].ack || r.ack
			merged[i].flag = merged[i].flag.Set(payloadIdx)
			continue
		}
		r.flag = r.flag.Set(payloadIdx)
		merged = append(merged, r)
	}
	payloads := append([][]byte(nil), d.pendingPayloads...)
	payloads = append(payloads, payload)

	if n := len(mergeAckRecipients(merged, d.pendingAcks)); n > MaxRecipients {
		return newQueueError(wrapf(ErrInvalidRecipients, "pending frame would carry %d recipients, at most %d fit", n, MaxRecipients), true)
	}

	frame, err := d.buildPendingFrame(merged, payloads, d.pendingAcks)
	if err != nil {
		return err
	}
	if frame.Size() > MaxFrameLength {
		return newQueueError(wrapf(ErrTooBigFrame, "pending frame would grow to %d bytes", frame.Size()), true)
	}
	if int(frame.Headers.Info.Slots()) > len(d.cfg.Channels) {
		return newQueueError(wrapf(ErrTooBigFrame, "pending frame would span %d slots, only %d channels configured", frame.Headers.Info.Slots(), len(d.cfg.Channels)), true)
	}
	if frame.HeaderSize()+frame.AckBlockSize() > SlotSize {
		return newQueueError(wrapf(ErrTooBigFirstFrame, "pending headers and acks exceed the first slot"), false)
	}

	d.pendingRecipients = merged
	d.pendingPayloads = payloads
	return nil
}

// mergeAckRecipients widens recips with the originator of every queued
// outgoing ACK, so an ACK is carried by a frame its target is listening
// for even when no payload is addressed to that peer. Added entries carry
// an empty payload flag and never request an ACK of their own.
func mergeAckRecipients(recips []pendingRecipient, acks []Acknowledgement) []pendingRecipient {
	out := append([]pendingRecipient(nil), recips...)
	for _, a := range acks {
		if findRecipient(out, a.Originator.Address()) < 0 {
			out = append(out, pendingRecipient{addr: a.Originator.Address()})
		}
	}
	return out
}

func findRecipient(recips []pendingRecipient, addr uint16) int {
	for i, r := range recips {
		if r.addr == addr {
			return i
		}
	}
	return -1
}

// QueueAcknowledgements drains up to (16 - already queued) pending
// inbound ACKs into the outgoing ACK list and rebuilds the pending
// frame. An ACK's originator becomes a recipient of the pending frame
// if it is not one already, so ACKs go out even when no payload is
// queued for that peer.
func (d *Driver) QueueAcknowledgements() error {
	if len(d.pendingRxAcks) == 0 {
		return nil
	}
	room := MaxAcks - len(d.pendingAcks)
	if room <= 0 {
		return wrapf(ErrTooManyAcks, "%d inbound acks cannot be drained, outgoing ack block is already full", len(d.pendingRxAcks))
	}
	n := len(d.pendingRxAcks)
	if n > room {
		n = room
	}
	drained := d.pendingRxAcks[:n]

	acks := append([]Acknowledgement(nil), d.pendingAcks...)
	for _, rx := range drained {
		acks = append(acks, Acknowledgement{Originator: NewAddress(rx.sender, false), Nonce: rx.nonce, DeltaRSSI: rx.drssi})
	}

	if n := len(mergeAckRecipients(d.pendingRecipients, acks)); n > MaxRecipients {
		return wrapf(ErrInvalidRecipients, "draining acks would address %d recipients, at most %d fit", n, MaxRecipients)
	}
	frame, err := d.buildPendingFrame(d.pendingRecipients, d.pendingPayloads, acks)
	if err != nil {
		return err
	}
	if frame.HeaderSize()+frame.AckBlockSize() > SlotSize {
		return wrapf(ErrTooBigFirstFrame, "draining acks would exceed the first slot")
	}

	d.pendingRxAcks = d.pendingRxAcks[n:]
	d.pendingAcks = acks
	return nil
}

// buildPendingFrame assembles (without transmitting) the frame that
// Transmit would currently send, used both to validate Queue/
// QueueAcknowledgements calls and by Transmit itself. Recipients are
// widened with the queued ACKs' originators.
func (d *Driver) buildPendingFrame(recips []pendingRecipient, payloads [][]byte, acks []Acknowledgement) (RadioFrameWithHeaders, error) {
	recips = mergeAckRecipients(recips, acks)
	if len(recips) == 0 {
		return RadioFrameWithHeaders{}, wrapf(ErrInvalidRecipients, "no recipients")
	}
	var recipHeader RecipientHeader
	if len(recips) == 1 {
		recipHeader.Direct = NewAddress(recips[0].addr, recips[0].ack)
	} else {
		group := make([]RecipientEntry, len(recips))
		for i, r := range recips {
			group[i] = RecipientEntry{Address: NewAddress(r.addr, r.ack), Flag: r.flag}
		}
		recipHeader.Group = group
	}

	body := headerSizeFor(recipHeader) + 1 + 12*len(acks)
	for _, p := range payloads {
		body += 2 + len(p)
	}
	// The lead discriminant is not part of the chunked protocol stream.
	slots := SlotCount(body - 1)

	frame := RadioFrameWithHeaders{
		Type: FrameTypeMessage,
		Headers: RadioHeaders{
			Info:         NewInfoHeader(recipHeader.Count(), uint8(slots)),
			Recipient:    recipHeader,
			Sender:       NewAddress(d.address, false),
			PayloadCount: uint8(len(payloads)),
			Nonce:        0,
		},
		Acks:     acks,
		Payloads: payloads,
	}
	return frame, nil
}

func headerSizeFor(r RecipientHeader) int {
	size := 1 + 1 + 1
	if r.IsDirect() {
		size += 2
	} else {
		size += 4 * len(r.Group)
	}
	size += 2 + 1 + 8
	return size
}

// Transmit sends the pending frame, if any. With nothing queued — no
// payloads and no drained ACKs — it returns the sentinel nonce 0. ctx
// bounds the blocking polls (channel-activity detection and the
// per-slot completion waits); cancellation surfaces wrapped as
// ErrInternalRadio.
func (d *Driver) Transmit(ctx context.Context) (Nonce, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(d.pendingRecipients) == 0 && len(d.pendingAcks) == 0 {
		return 0, nil
	}
	if busy, err := d.IsTransmitting(); err != nil {
		return 0, err
	} else if busy {
		return 0, newQueueError(ErrBusyDevice, true)
	}

	frame, err := d.buildPendingFrame(d.pendingRecipients, d.pendingPayloads, d.pendingAcks)
	if err != nil {
		return 0, err
	}
	k := int(frame.Headers.Info.Slots())

	for c := 0; c < k; c++ {
		if err := d.ledger.checkTransmit(ChannelDescriptor(c)); err != nil {
			switch {
			case errors.Is(err, ErrDutyCycleConsumed):
				globalRecorder.ChannelRejected("duty_cycle")
			case errors.Is(err, ErrMinChannelDelay):
				globalRecorder.ChannelRejected("min_delay")
			}
			return 0, err
		}
	}

	if err := d.channelActivityDetection(ctx); err != nil {
		return 0, err
	}

	addrs := recipientAddresses(frame.Headers.Recipient)
	txPower, farthest := d.atpc.GetMinTxPower(addrs)
	if err := d.radio.SetPower(txPower); err != nil {
		return 0, wrapf(ErrInternalRadio, "set power: %v", err)
	}

	nonce := d.nonces.next()
	frame.Headers.Nonce = nonce

	slots, err := EncodeSlots(frame)
	if err != nil {
		return 0, err
	}

	for i, slot := range slots {
		if err := d.radio.SetChannel(ChannelDescriptor(i)); err != nil {
			return 0, wrapf(ErrInternalRadio, "set channel %d: %v", i, err)
		}
		if err := d.radio.StartTransmit(slot); err != nil {
			return 0, wrapf(ErrInternalRadio, "start transmit slot %d: %v", i, err)
		}
		if err := d.waitTransmit(ctx, ChannelDescriptor(i)); err != nil {
			return 0, err
		}
		d.ledger.recordTransmit(ChannelDescriptor(i))
	}

	d.pushTxHistory(frame)
	farthestSet := make(map[uint16]bool, len(farthest))
	for _, a := range farthest {
		farthestSet[a] = true
	}
	for _, r := range d.pendingRecipients {
		if !r.ack || r.addr == uint16(GlobalNoAck) {
			continue
		}
		d.pushPendingTxAck(pendingTxAck{
			recipient:  r.addr,
			nonce:      nonce,
			deadline:   d.now().Add(d.cfg.AckTimeout),
			updateATPC: farthestSet[r.addr],
			payloads:   payloadsForRecipient(frame, r),
		})
	}

	d.pendingRecipients = nil
	d.pendingPayloads = nil
	d.pendingAcks = nil

	globalRecorder.FrameTransmitted(k)
	d.notifyTransmissionDone(nonce)
	return nonce, nil
}

// waitTransmit polls the radio for slot completion at the channel's
// configured poll delay, bounded by the per-slot transmission budget
// and by ctx.
func (d *Driver) waitTransmit(ctx context.Context, c ChannelDescriptor) error {
	poll := d.cfg.Channels[c].PollDelay
	deadline := d.now().Add(d.cfg.TransmitSlotBudget)
	for {
		done, err := d.radio.CheckTransmit()
		if err != nil {
			return wrapf(ErrInternalRadio, "check transmit slot %d: %v", c, err)
		}
		if done {
			return nil
		}
		if d.now().After(deadline) {
			return wrapf(ErrOutOfSync, "slot %d missed its %s budget", c, d.cfg.TransmitSlotBudget)
		}
		select {
		case <-ctx.Done():
			return wrapf(ErrInternalRadio, "waiting on slot %d: %v", c, ctx.Err())
		case <-time.After(poll):
		}
	}
}

func recipientAddresses(r RecipientHeader) []uint16 {
	if r.IsDirect() {
		return []uint16{r.Direct.Address()}
	}
	addrs := make([]uint16, len(r.Group))
	for i, e := range r.Group {
		addrs[i] = e.Address.Address()
	}
	return addrs
}

// payloadsForRecipient collects every payload of f addressed to r: all of
// them for a Direct frame, the flagged subset for a Group frame.
func payloadsForRecipient(f RadioFrameWithHeaders, r pendingRecipient) [][]byte {
	if f.Headers.Recipient.IsDirect() {
		return f.Payloads
	}
	var out [][]byte
	for _, id := range r.flag.IDs() {
		if id < len(f.Payloads) {
			out = append(out, f.Payloads[id])
		}
	}
	return out
}

func (d *Driver) channelActivityDetection(ctx context.Context) error {
	if err := d.radio.SetState(RadioStateCad); err != nil {
		return wrapf(ErrInternalRadio, "enter cad: %v", err)
	}
	for attempt := 0; attempt < d.cfg.CADMaxAttempts; attempt++ {
		irq, err := d.radio.GetInterrupts(true)
		if err != nil {
			return wrapf(ErrInternalRadio, "get interrupts: %v", err)
		}
		if irq.RxTimeout {
			return nil
		}
		select {
		case <-ctx.Done():
			return wrapf(ErrInternalRadio, "waiting on clear channel: %v", ctx.Err())
		case <-time.After(d.cfg.CADBackoff):
		}
	}
	return wrapf(ErrBusyChannel, "channel busy after %d attempts", d.cfg.CADMaxAttempts)
}

func (d *Driver) pushTxHistory(f RadioFrameWithHeaders) {
	d.txHistory = append(d.txHistory, txHistoryEntry{frame: f, at: d.now()})
	if len(d.txHistory) > txHistoryCapacity {
		d.txHistory = d.txHistory[len(d.txHistory)-txHistoryCapacity:]
	}
}

func (d *Driver) pushPendingTxAck(p pendingTxAck) {
	d.pendingTxAcks = append(d.pendingTxAcks, p)
	if len(d.pendingTxAcks) > pendingTxAckCapacity {
		d.pendingTxAcks = d.pendingTxAcks[len(d.pendingTxAcks)-pendingTxAckCapacity:]
	}
}

func (d *Driver) notifyTransmissionDone(nonce Nonce) {
	if d.transmitClient == nil {
		return
	}
	notify("transmission_done", func() { d.transmitClient.TransmissionDone(nonce) })
}

// notify runs a client callback, swallowing a panic so a misbehaving
// client cannot take the driver down with it. Notification is
// best-effort; the failure is logged and otherwise ignored.
func notify(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			globalLogger.Warn("client callback panicked", "callback", name, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

// StartReception puts the radio in continuous receive mode on channel 0.
func (d *Driver) StartReception() error {
	if err := d.radio.SetChannel(0); err != nil {
		return wrapf(ErrInternalRadio, "set channel: %v", err)
	}
	if err := d.radio.StartReceive(); err != nil {
		return wrapf(ErrInternalRadio, "start receive: %v", err)
	}
	d.listening = true
	return nil
}

// CheckReception polls for a received frame, first draining any expired
// pending ACK deadlines. It is meant to be called roughly every
// 100-500ms from the application's outer loop. ctx bounds the
// continuation-slot wait during multi-slot reassembly.
func (d *Driver) CheckReception(ctx context.Context) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.drainExpiredTxAcks()

	ready, err := d.radio.CheckReceive(false)
	if err != nil {
		return false, wrapf(ErrInternalRadio, "check receive: %v", err)
	}
	if !ready {
		return false, nil
	}

	buf := make([]byte, MaxFrameLength)
	n, leadInfo, err := d.radio.GetReceived(buf)
	if err != nil {
		return false, wrapf(ErrInternalRadio, "get received: %v", err)
	}
	if n <= 0 {
		return false, nil
	}
	data := buf[:n]
	if !FrameType(data[0]).known() {
		globalLogger.Debug("discarding frame with unknown discriminant")
		return false, nil
	}

	// Only the headers (never the ACK block or payload bodies) are
	// parsed from the lead slot here: headers and acks always fit in
	// slot 1, but a payload spanning multiple slots does not, so a full
	// Decode on the lead slot alone would always fail for a multi-slot
	// frame before the continuation slots are ever collected.
	headers, _, err := decodeHeaders(data)
	if err != nil {
		globalLogger.Debug("discarding malformed lead slot: " + err.Error())
		return false, nil
	}

	if !d.interestedIn(headers) {
		return false, nil
	}

	// Do not trust a slot count from the air beyond what we could ever
	// tune to.
	k := int(headers.Headers.Info.Slots())
	if k > MaxSlots || k > len(d.cfg.Channels) {
		globalLogger.Debug("discarding frame claiming too many slots")
		return false, nil
	}

	slots := [][]byte{data}
	for i := 1; i < k; i++ {
		if err := d.radio.SetChannel(ChannelDescriptor(i)); err != nil {
			return false, wrapf(ErrInternalRadio, "set channel %d: %v", i, err)
		}
		got := false
		deadline := d.now().Add(d.cfg.ReceiveSlotBudget)
		for d.now().Before(deadline) {
			ready, err := d.radio.CheckReceive(true)
			if err != nil {
				return false, wrapf(ErrInternalRadio, "check receive slot %d: %v", i, err)
			}
			if ready {
				got = true
				break
			}
			select {
			case <-ctx.Done():
				return false, wrapf(ErrInternalRadio, "waiting on slot %d: %v", i, ctx.Err())
			case <-time.After(d.cfg.ReceiveSlotPoll):
			}
		}
		if !got {
			globalLogger.Debug("aborting multi-slot reassembly, missing slot")
			d.StartReception()
			return false, nil
		}
		contBuf := make([]byte, SlotSize+1)
		cn, _, err := d.radio.GetReceived(contBuf)
		if err != nil {
			return false, wrapf(ErrInternalRadio, "get received slot %d: %v", i, err)
		}
		slots = append(slots, contBuf[:cn])
	}

	frame, err := DecodeSlots(slots)
	if err != nil {
		globalLogger.Debug("discarding frame that failed full decode: " + err.Error())
		d.StartReception()
		return false, nil
	}

	drssi := d.cfg.ATPC.TargetRSSI - leadInfo.RSSI
	d.processAcks(frame, drssi)
	d.deliverPayloads(frame)
	d.acceptAckRequest(frame, drssi)
	globalRecorder.FrameReceived(k)

	if err := d.StartReception(); err != nil {
		return false, err
	}
	return true, nil
}

func (d *Driver) interestedIn(f RadioFrameWithHeaders) bool {
	return len(f.matchingRecipients(d.address)) > 0
}

func (d *Driver) processAcks(f RadioFrameWithHeaders, drssi int16) {
	for _, ack := range f.Acks {
		if ack.Originator.Address() != d.address && !ack.Originator.IsGlobal() {
			continue
		}
		d.atpc.ReportSuccessfulReception(f.Headers.Sender.Address(), ack.Nonce, ack.DeltaRSSI)
		if d.transmitClient != nil {
			notify("transmission_successful", func() {
				d.transmitClient.TransmissionSuccessful(f.Headers.Sender.Address(), ack.Nonce)
			})
		}
		for i := range d.pendingTxAcks {
			if d.pendingTxAcks[i].nonce == ack.Nonce && d.pendingTxAcks[i].recipient == f.Headers.Sender.Address() {
				d.pendingTxAcks[i].satisfied = true
			}
		}
	}
}

func (d *Driver) deliverPayloads(f RadioFrameWithHeaders) {
	if d.receiveClient == nil {
		return
	}
	for _, flag := range f.matchingRecipients(d.address) {
		for _, idx := range flag.IDs() {
			if idx < len(f.Payloads) {
				payload := f.Payloads[idx]
				notify("receive", func() {
					d.receiveClient.Receive(f.Headers.Sender.Address(), payload, f.Headers.Nonce)
				})
			}
		}
	}
}

func (d *Driver) acceptAckRequest(f RadioFrameWithHeaders, drssi int16) {
	if f.Headers.Recipient.IsDirect() {
		if f.Headers.Recipient.Direct.AckRequested() {
			d.pendingRxAcks = append(d.pendingRxAcks, pendingRxAck{sender: f.Headers.Sender.Address(), nonce: f.Headers.Nonce, drssi: drssi})
		}
		return
	}
	for _, e := range f.Headers.Recipient.Group {
		if (e.Address.Address() == d.address || e.Address.IsGlobal()) && e.Address.AckRequested() {
			d.pendingRxAcks = append(d.pendingRxAcks, pendingRxAck{sender: f.Headers.Sender.Address(), nonce: f.Headers.Nonce, drssi: drssi})
		}
	}
}

// drainExpiredTxAcks drops every pending entry past its deadline.
// Entries already satisfied by a received ACK age out silently; the rest
// fire TransmissionFailed once per payload that was addressed to the
// recipient (once with a nil payload when there was none) and, where
// flagged, an ATPC failure report.
func (d *Driver) drainExpiredTxAcks() {
	now := d.now()
	kept := d.pendingTxAcks[:0]
	for _, p := range d.pendingTxAcks {
		if !now.After(p.deadline) {
			kept = append(kept, p)
			continue
		}
		if p.satisfied {
			continue
		}
		globalRecorder.AckTimeout()
		if d.transmitClient != nil {
			if len(p.payloads) == 0 {
				notify("transmission_failed", func() {
					d.transmitClient.TransmissionFailed(p.recipient, p.nonce, nil)
				})
			}
			for _, pl := range p.payloads {
				notify("transmission_failed", func() {
					d.transmitClient.TransmissionFailed(p.recipient, p.nonce, pl)
				})
			}
		}
		if p.updateATPC {
			d.atpc.ReportFailedReception(p.recipient)
		}
	}
	d.pendingTxAcks = kept
}

// IsBeaconNeeded reports whether a beacon round should be emitted.
func (d *Driver) IsBeaconNeeded() bool { return d.atpc.IsBeaconNeeded() }

// TransmitBeacon emits one broadcast-with-ACK beacon per power the ATPC
// wants sampled, weakest first, all on channel 0. Each emission is
// registered with the ATPC so the arriving ACK's delta-RSSI lands in the
// right sample slot. ctx bounds the per-beacon completion waits.
func (d *Driver) TransmitBeacon(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	powers := d.atpc.BeaconPowers()
	if len(powers) == 0 {
		return nil
	}
	if busy, err := d.IsTransmitting(); err != nil {
		return err
	} else if busy {
		return newQueueError(ErrBusyDevice, true)
	}
	if err := d.ledger.checkTransmit(0); err != nil {
		return err
	}
	if err := d.radio.SetChannel(0); err != nil {
		return wrapf(ErrInternalRadio, "set channel: %v", err)
	}

	order := make([]int, len(powers))
	for i := range order {
		order[i] = i
	}
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && powers[order[j-1]] > powers[order[j]]; j-- {
			order[j-1], order[j] = order[j], order[j-1]
		}
	}

	for _, tpi := range order {
		if err := d.radio.SetPower(powers[tpi]); err != nil {
			return wrapf(ErrInternalRadio, "set power: %v", err)
		}
		nonce := d.nonces.next()
		frame := RadioFrameWithHeaders{
			Type: FrameTypeBeacon,
			Headers: RadioHeaders{
				Info:         NewInfoHeader(1, 1),
				Recipient:    RecipientHeader{Direct: NewGlobal(true)},
				Sender:       NewAddress(d.address, false),
				PayloadCount: 0,
				Nonce:        nonce,
			},
		}
		buf, err := Encode(frame)
		if err != nil {
			return err
		}
		d.atpc.RegisterBeacon(tpi, nonce)
		if err := d.radio.StartTransmit(buf); err != nil {
			return wrapf(ErrInternalRadio, "start transmit beacon: %v", err)
		}
		if err := d.waitTransmit(ctx, 0); err != nil {
			return err
		}
		d.ledger.recordTransmit(0)
		d.pushTxHistory(frame)
	}
	return nil
}

// Device wraps a Driver with mutex and context plumbing: the driver's
// own state machine needs no internal locking, but an application may
// poll it from more than one goroutine, so Device serializes every
// entry point.
type Device struct {
	mu     contextMutex
	driver *Driver
}

// NewDevice wraps driver for concurrent use.
func NewDevice(driver *Driver) *Device {
	return &Device{driver: driver}
}

func (dv *Device) Queue(ctx context.Context, dest Destination, payload []byte, ack bool) error {
	if err := dv.mu.Lock(ctx); err != nil {
		return err
	}
	defer dv.mu.Unlock()
	return dv.driver.Queue(dest, payload, ack)
}

func (dv *Device) QueueAcknowledgements(ctx context.Context) error {
	if err := dv.mu.Lock(ctx); err != nil {
		return err
	}
	defer dv.mu.Unlock()
	return dv.driver.QueueAcknowledgements()
}

func (dv *Device) Transmit(ctx context.Context) (Nonce, error) {
	if err := dv.mu.Lock(ctx); err != nil {
		return 0, err
	}
	defer dv.mu.Unlock()
	return dv.driver.Transmit(ctx)
}

func (dv *Device) StartReception(ctx context.Context) error {
	if err := dv.mu.Lock(ctx); err != nil {
		return err
	}
	defer dv.mu.Unlock()
	return dv.driver.StartReception()
}

func (dv *Device) CheckReception(ctx context.Context) (bool, error) {
	if err := dv.mu.Lock(ctx); err != nil {
		return false, err
	}
	defer dv.mu.Unlock()
	return dv.driver.CheckReception(ctx)
}

func (dv *Device) TransmitBeacon(ctx context.Context) error {
	if err := dv.mu.Lock(ctx); err != nil {
		return err
	}
	defer dv.mu.Unlock()
	return dv.driver.TransmitBeacon(ctx)
}

func (dv *Device) IsBeaconNeeded() bool {
	dv.mu.LockUncancellable()
	defer dv.mu.Unlock()
	return dv.driver.IsBeaconNeeded()
}

func (dv *Device) SetTransmitClient(c TransmitClient) {
	dv.mu.LockUncancellable()
	defer dv.mu.Unlock()
	dv.driver.SetTransmitClient(c)
}

func (dv *Device) SetReceiveClient(c ReceiveClient) {
	dv.mu.LockUncancellable()
	defer dv.mu.Unlock()
	dv.driver.SetReceiveClient(c)
}

func (dv *Device) SetAddress(addr uint16) {
	dv.mu.LockUncancellable()
	defer dv.mu.Unlock()
	dv.driver.SetAddress(addr)
}

func (dv *Device) GetAddress() uint16 {
	dv.mu.LockUncancellable()
	defer dv.mu.Unlock()
	return dv.driver.GetAddress()
}

func (dv *Device) IsTransmitting() (bool, error) {
	dv.mu.LockUncancellable()
	defer dv.mu.Unlock()
	return dv.driver.IsTransmitting()
}

func (dv *Device) IsListening() bool {
	dv.mu.LockUncancellable()
	defer dv.mu.Unlock()
	return dv.driver.IsListening()
}
