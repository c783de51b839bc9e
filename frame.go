package loralink

import (
	"encoding/binary"
)

// FrameType is the one-byte discriminant leading every physical slot.
type FrameType uint8

const (
	// FrameTypeMessage carries application payloads and/or ACK entries.
	FrameTypeMessage FrameType = 1
	// FrameTypeBeacon is an empty-payload, ACK-requesting broadcast used
	// by ATPC to sample RSSI at a given transmit power.
	FrameTypeBeacon FrameType = 6
)

func (t FrameType) known() bool {
	return t == FrameTypeMessage || t == FrameTypeBeacon
}

const (
	// SlotSize is the maximum number of protocol bytes (excluding the
	// 1-byte discriminant) a single physical slot may carry.
	SlotSize = 253
	// MaxSlots is the maximum number of physical slots a logical frame
	// may span.
	MaxSlots = 5
	// MaxFrameLength is the maximum total serialized size of a logical
	// frame across all of its slots.
	MaxFrameLength = MaxSlots * SlotSize
	// MaxRecipients is the maximum number of recipient entries a single
	// frame may carry.
	MaxRecipients = 16
	// MaxAcks is the maximum number of acknowledgement entries a single
	// frame may carry.
	MaxAcks = 16
	// MaxPayloads is the maximum number of payloads a single frame may
	// carry, bounded by the 16 indices a PayloadFlag can address.
	MaxPayloads = 16
	// MaxQueueRecipients is the maximum recipient-set size accepted by a
	// single Queue call (wider than MaxRecipients because a Group queue
	// call may be split across more than one frame by the caller).
	MaxQueueRecipients = 48
)

// RecipientEntry is one addressed slot within a RecipientHeader, pairing
// an AddressHeader with the set of payload indices destined for it. For
// a Direct recipient header the PayloadFlag is conceptually "all
// payloads" and is not serialized; see RecipientHeader.Direct.
type RecipientEntry struct {
	Address AddressHeader
	Flag    PayloadFlag
}

// RecipientHeader is either a single Direct recipient (all payloads
// implicitly addressed to them) or a Group of 2-16 flagged recipients.
type RecipientHeader struct {
	// Direct holds the sole recipient when len(Group) == 0 and this is
	// a single-recipient frame.
	Direct AddressHeader
	// Group holds 2-16 flagged recipient entries. Empty when the frame
	// is Direct-addressed.
	Group []RecipientEntry
}

// IsDirect reports whether this is a single-recipient (Direct) header.
func (r RecipientHeader) IsDirect() bool {
	return len(r.Group) == 0
}

// Count returns the recipient count as carried in InfoHeader's high nibble.
func (r RecipientHeader) Count() uint8 {
	if r.IsDirect() {
		return 1
	}
	return uint8(len(r.Group))
}

// Acknowledgement is one piggybacked ACK entry: the originator of the
// frame being acknowledged, its nonce, and the signed delta-RSSI between
// the acknowledger's target RSSI and the measured RSSI of that frame.
type Acknowledgement struct {
	Originator AddressHeader
	Nonce      Nonce
	DeltaRSSI  int16
}

// RadioHeaders is the fixed-shape header block common to every frame.
type RadioHeaders struct {
	Info      InfoHeader
	Recipient RecipientHeader
	Sender    AddressHeader
	// PayloadCount mirrors len(Payloads) of the enclosing frame and is
	// serialized explicitly; Decode validates it against the payload
	// list actually parsed.
	PayloadCount uint8
	Nonce        Nonce
}

// RadioFrameWithHeaders is a fully decoded logical frame: headers, the
// piggybacked acknowledgement block, and the payload list.
type RadioFrameWithHeaders struct {
	Type     FrameType
	Headers  RadioHeaders
	Acks     []Acknowledgement
	Payloads [][]byte
}

// HeaderSize returns the serialized size, in bytes, of the frame's
// RadioHeaders block alone (discriminant + InfoHeader + recipient count
// + recipient list + sender + payload count + nonce), i.e. everything
// that must fit in the lead slot ahead of the ACK block.
func (f RadioFrameWithHeaders) HeaderSize() int {
	size := 1 + 1 + 1 // discriminant + InfoHeader + recipient count
	if f.Headers.Recipient.IsDirect() {
		size += 2
	} else {
		size += 4 * len(f.Headers.Recipient.Group)
	}
	size += 2 + 1 + 8 // sender + payload count + nonce
	return size
}

// AckBlockSize returns the serialized size, in bytes, of the ACK block
// (the 1-byte count plus 12 bytes per entry).
func (f RadioFrameWithHeaders) AckBlockSize() int {
	return 1 + 12*len(f.Acks)
}

// PayloadBlockSize returns the serialized size, in bytes, of the payload
// list (2-byte length prefix per payload plus payload bytes).
func (f RadioFrameWithHeaders) PayloadBlockSize() int {
	size := 0
	for _, p := range f.Payloads {
		size += 2 + len(p)
	}
	return size
}

// Size returns the total serialized size across all slots, including the
// extra 1-byte discriminant carried by each continuation slot.
func (f RadioFrameWithHeaders) Size() int {
	body := f.HeaderSize() + f.AckBlockSize() + f.PayloadBlockSize()
	// HeaderSize already counts one discriminant byte (the lead slot's);
	// the slot count is over the protocol bytes without it, and each
	// additional slot adds one more discriminant.
	slots := SlotCount(body - 1)
	return body + (slots - 1)
}

// SlotCount returns ceil(bodyLen/SlotSize), the number of physical slots
// required to carry a body of bodyLen bytes. Ceiling division, so a body
// that exactly fills its last slot does not claim an extra one.
func SlotCount(bodyLen int) int {
	if bodyLen <= 0 {
		return 1
	}
	return (bodyLen + SlotSize - 1) / SlotSize
}

// Encode serializes f to its logical byte stream: one lead discriminant
// byte followed by every protocol byte, with no per-slot discriminants.
// EncodeSlots chunks this stream into the physical slots the driver
// transmits, so for a multi-slot frame len(Encode(f)) is Size() minus
// one byte per continuation slot. Encode panics if PayloadCount does not equal
// len(Payloads); that is a caller bug, not a runtime condition.
func Encode(f RadioFrameWithHeaders) ([]byte, error) {
	if int(f.Headers.PayloadCount) != len(f.Payloads) {
		panic("loralink: frame PayloadCount does not match len(Payloads)")
	}
	if f.Headers.Recipient.Count() == 0 || f.Headers.Recipient.Count() > MaxRecipients {
		return nil, wrapf(ErrInvalidRecipients, "recipient count %d out of range", f.Headers.Recipient.Count())
	}
	if len(f.Acks) > MaxAcks {
		return nil, wrapf(ErrTooManyAcks, "%d acknowledgements exceeds frame limit of %d", len(f.Acks), MaxAcks)
	}

	buf := make([]byte, 0, f.Size())
	buf = append(buf, byte(f.Type))
	buf = append(buf, byte(f.Headers.Info))
	buf = append(buf, f.Headers.Recipient.Count())

	if f.Headers.Recipient.IsDirect() {
		buf = appendUint16(buf, uint16(f.Headers.Recipient.Direct))
	} else {
		for _, e := range f.Headers.Recipient.Group {
			buf = appendUint16(buf, uint16(e.Address))
			buf = appendUint16(buf, uint16(e.Flag))
		}
	}

	buf = appendUint16(buf, uint16(f.Headers.Sender))
	buf = append(buf, f.Headers.PayloadCount)
	buf = appendUint64(buf, uint64(f.Headers.Nonce))

	buf = append(buf, byte(len(f.Acks)))
	for _, a := range f.Acks {
		buf = appendUint16(buf, uint16(a.Originator))
		buf = appendUint64(buf, uint64(a.Nonce))
		buf = appendUint16(buf, uint16(a.DeltaRSSI))
	}

	for _, p := range f.Payloads {
		buf = appendUint16(buf, uint16(len(p)))
		buf = append(buf, p...)
	}

	if len(buf) > MaxFrameLength {
		return nil, wrapf(ErrTooBigFrame, "%d bytes exceeds maximum frame length of %d", len(buf), MaxFrameLength)
	}
	// Lead slot must fit headers + ACK block, discriminant included.
	if f.HeaderSize()+f.AckBlockSize() > SlotSize {
		return nil, wrapf(ErrTooBigFirstFrame, "%d bytes of headers and acks exceed the first slot size of %d", f.HeaderSize()+f.AckBlockSize(), SlotSize)
	}

	return buf, nil
}

// EncodeSlots encodes f and chunks the result into the physical slots
// that must be transmitted one per channel: the lead slot as returned by
// Encode, truncated to SlotSize protocol bytes, and each continuation
// slot re-prefixed with the discriminant byte ahead of its own
// SlotSize-byte share of the remaining stream. The driver transmits
// these slices directly; DecodeSlots is the exact inverse.
func EncodeSlots(f RadioFrameWithHeaders) ([][]byte, error) {
	buf, err := Encode(f)
	if err != nil {
		return nil, err
	}
	discriminant := buf[0]
	rest := buf[1:]
	slots := SlotCount(len(rest))
	out := make([][]byte, slots)
	for i := 0; i < slots; i++ {
		start := i * SlotSize
		end := start + SlotSize
		if end > len(rest) {
			end = len(rest)
		}
		chunk := make([]byte, 0, 1+(end-start))
		chunk = append(chunk, discriminant)
		chunk = append(chunk, rest[start:end]...)
		out[i] = chunk
	}
	return out, nil
}

// DecodeSlots reassembles the physical slots received for one logical
// frame (lead slot first, each already including its own discriminant
// byte exactly as received off the air) back into the logical stream
// Decode expects, by keeping the lead slot whole and stripping the
// repeated discriminant byte from every continuation slot.
func DecodeSlots(slots [][]byte) (RadioFrameWithHeaders, error) {
	if len(slots) == 0 {
		return RadioFrameWithHeaders{}, wrapf(ErrFrameError, "no slots to decode")
	}
	logical := make([]byte, 0, len(slots[0])*len(slots))
	logical = append(logical, slots[0]...)
	for _, s := range slots[1:] {
		if len(s) == 0 {
			return RadioFrameWithHeaders{}, wrapf(ErrFrameError, "empty continuation slot")
		}
		logical = append(logical, s[1:]...)
	}
	f, _, err := Decode(logical)
	return f, err
}

// decodeHeaders parses just the RadioHeaders block (discriminant
// through nonce) from the front of data, returning the byte offset
// immediately past it. It never looks at the ACK block or payload
// bodies, so it can be safely run on a lead slot alone, before the
// remaining physical slots of a multi-slot frame have arrived — unlike
// Decode, it does not require the full logical stream.
func decodeHeaders(data []byte) (RadioFrameWithHeaders, int, error) {
	var f RadioFrameWithHeaders
	if len(data) < 3 {
		return f, 0, wrapf(ErrFrameError, "truncated header, got %d bytes", len(data))
	}

	f.Type = FrameType(data[0])
	f.Headers.Info = InfoHeader(data[1])
	count := data[2]
	if count == 0 || count > MaxRecipients {
		return f, 0, wrapf(ErrFrameError, "invalid recipient count %d", count)
	}

	off := 3
	if count == 1 {
		addr, err := readUint16(data, off, "direct address")
		if err != nil {
			return f, 0, err
		}
		f.Headers.Recipient.Direct = AddressHeader(addr)
		off += 2
	} else {
		group := make([]RecipientEntry, 0, count)
		for i := 0; i < int(count); i++ {
			addr, err := readUint16(data, off, "group address")
			if err != nil {
				return f, 0, err
			}
			flag, err := readUint16(data, off+2, "group payload flag")
			if err != nil {
				return f, 0, err
			}
			group = append(group, RecipientEntry{Address: AddressHeader(addr), Flag: PayloadFlag(flag)})
			off += 4
		}
		f.Headers.Recipient.Group = group
	}

	sender, err := readUint16(data, off, "sender address")
	if err != nil {
		return f, 0, err
	}
	f.Headers.Sender = AddressHeader(sender)
	off += 2

	if off >= len(data) {
		return f, 0, wrapf(ErrFrameError, "truncated before payload count")
	}
	f.Headers.PayloadCount = data[off]
	off++

	nonce, err := readUint64(data, off, "nonce")
	if err != nil {
		return f, 0, err
	}
	f.Headers.Nonce = Nonce(nonce)
	off += 8

	return f, off, nil
}

// Decode parses a logical byte stream — a lead slot's bytes with every
// continuation slot's discriminant already stripped and concatenated in
// order, the shape Encode produces and DecodeSlots reconstructs — into a
// RadioFrameWithHeaders, returning the number of bytes consumed so the
// caller can detect trailing garbage.
func Decode(data []byte) (RadioFrameWithHeaders, int, error) {
	f, off, err := decodeHeaders(data)
	if err != nil {
		return f, 0, err
	}

	if off >= len(data) {
		return f, 0, wrapf(ErrFrameError, "truncated before ack count")
	}
	ackCount := data[off]
	off++
	if ackCount > MaxAcks {
		return f, 0, wrapf(ErrFrameError, "ack count %d exceeds limit of %d", ackCount, MaxAcks)
	}
	if ackCount > 0 {
		acks := make([]Acknowledgement, 0, ackCount)
		for i := 0; i < int(ackCount); i++ {
			originator, err := readUint16(data, off, "ack originator")
			if err != nil {
				return f, 0, err
			}
			ackNonce, err := readUint64(data, off+2, "ack nonce")
			if err != nil {
				return f, 0, err
			}
			delta, err := readUint16(data, off+10, "ack delta-rssi")
			if err != nil {
				return f, 0, err
			}
			acks = append(acks, Acknowledgement{
				Originator: AddressHeader(originator),
				Nonce:      Nonce(ackNonce),
				DeltaRSSI:  int16(delta),
			})
			off += 12
		}
		f.Acks = acks
	}

	if f.Headers.PayloadCount > 0 {
		payloads := make([][]byte, 0, f.Headers.PayloadCount)
		for i := 0; i < int(f.Headers.PayloadCount); i++ {
			length, err := readUint16(data, off, "payload length")
			if err != nil {
				return f, 0, err
			}
			off += 2
			end := off + int(length)
			if end > len(data) {
				return f, 0, wrapf(ErrFrameError, "truncated payload %d, need %d bytes, have %d", i, length, len(data)-off)
			}
			payload := make([]byte, length)
			copy(payload, data[off:end])
			payloads = append(payloads, payload)
			off = end
		}
		f.Payloads = payloads
	}

	if int(f.Headers.PayloadCount) != len(f.Payloads) {
		return f, 0, wrapf(ErrFrameError, "payload count %d does not match %d decoded payloads", f.Headers.PayloadCount, len(f.Payloads))
	}

	return f, off, nil
}

func appendUint16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func readUint16(data []byte, off int, context string) (uint16, error) {
	if off+2 > len(data) {
		return 0, wrapf(ErrFrameError, "truncated reading %s at offset %d", context, off)
	}
	return binary.BigEndian.Uint16(data[off:]), nil
}

func readUint64(data []byte, off int, context string) (uint64, error) {
	if off+8 > len(data) {
		return 0, wrapf(ErrFrameError, "truncated reading %s at offset %d", context, off)
	}
	return binary.BigEndian.Uint64(data[off:]), nil
}

// matchingRecipients returns one PayloadFlag per recipient entry of f
// that addresses addr — directly, as a group member, or as a global
// broadcast (for a Direct header the flag covers every payload). Every
// matching entry is reported: a frame addressing addr both via a
// specific entry and a global entry yields both, rather than stopping
// at the first hit.
func (f RadioFrameWithHeaders) matchingRecipients(addr uint16) []PayloadFlag {
	var matches []PayloadFlag
	if f.Headers.Recipient.IsDirect() {
		d := f.Headers.Recipient.Direct
		if d.Address() == addr || d.IsGlobal() {
			matches = append(matches, allPayloadsFlag(len(f.Payloads)))
		}
		return matches
	}
	for _, e := range f.Headers.Recipient.Group {
		if e.Address.Address() == addr || e.Address.IsGlobal() {
			matches = append(matches, e.Flag)
		}
	}
	return matches
}

func allPayloadsFlag(n int) PayloadFlag {
	var f PayloadFlag
	for i := 0; i < n && i < 16; i++ {
		f = f.Set(i)
	}
	return f
}
