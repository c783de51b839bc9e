// Package hardware implements the loralink.Radio collaborator interface
// against a real SX127x-class (SX1276/77/78/79) LoRa transceiver, over
// narrow SPI/Pin interfaces with hosted (periph.io) and TinyGo adapters.
package hardware

// Register addresses, operating modes, and IRQ flag bits for the
// SX127x family in LoRa mode.
const (
	regFIFO        = 0x00
	regOpMode      = 0x01
	regFrfMSB      = 0x06
	regPAConfig    = 0x09
	regOCP         = 0x0B
	regLNA         = 0x0C
	regFIFOPtr     = 0x0D
	regFIFOTxBase  = 0x0E
	regFIFORxBase  = 0x0F
	regFIFORxCurr  = 0x10
	regIRQMask     = 0x11
	regIRQFlags    = 0x12
	regRxBytes     = 0x13
	regModemStat   = 0x18
	regPktSNR      = 0x19
	regPktRSSI     = 0x1A
	regModemConf1  = 0x1D
	regModemConf2  = 0x1E
	regSymbTimeout = 0x1F
	regPreambleMSB = 0x20
	regPreambleLSB = 0x21
	regPayLength   = 0x22
	regPayMax      = 0x23
	regModemConf3  = 0x26
	regDetectOpt   = 0x31
	regDetectThr   = 0x37
	regDIOMapping1 = 0x40
	regVersion     = 0x42
	regPADAC       = 0x4D
)

const (
	modeSleep = iota
	modeStandby
	modeFsTx
	modeTx
	modeFsRx
	modeRxCont
	modeRxSingle
	modeCAD
)

const (
	irqRxTimeout = 1 << 7
	irqRxDone    = 1 << 6
	irqCRCErr    = 1 << 5
	irqValidHdr  = 1 << 4
	irqTxDone    = 1 << 3
	irqCADDone   = 1 << 2
	irqFHSChg    = 1 << 1
	irqCADDetect = 1 << 0
)

// fixedRegisters brings the chip into LoRa mode with explicit headers, a
// single sync word, and FIFO base pointers at 0 for both TX and RX.
var fixedRegisters = [][2]byte{
	{regOpMode, 0x80 | modeSleep},
	{regFIFOTxBase, 0x00},
	{regFIFORxBase, 0x00},
	{regOCP, 0x32},
	{regLNA, 0x23},
	{regIRQMask, 0x00},
	{regSymbTimeout, 0xFF},
	{regPreambleMSB, 0x00},
	{regPreambleLSB, 0x08},
	{regPayMax, 0xFF},
	{regDetectOpt, 0x03},
	{regDetectThr, 0x0A},
	{regDIOMapping1, 0x00},
}

// euChannelFrequencies lists the center frequency, in Hz, for the five
// EU-868 channels this driver exposes via loralink.ChannelDescriptor
// values 0-4.
var euChannelFrequencies = [5]uint32{
	868100000,
	868300000,
	868500000,
	867100000,
	867300000,
}

// frfFromFrequency converts a center frequency in Hz to the three-byte
// FRF register value, in steps of 32MHz/2^19 (~61.035Hz), per the
// SX127x datasheet's frequency synthesizer formula.
func frfFromFrequency(hz uint32) (msb, mid, lsb byte) {
	frf := (uint64(hz) << 19) / 32000000
	return byte(frf >> 16), byte(frf >> 8), byte(frf)
}
