// Package serial implements the board's bit-level software UART: a
// transmit decoder that samples a single output line and assembles bytes
// out of its start/data/stop bit timing, and a receive framer that injects
// host bytes onto a single input line with the same timing. Both sides
// are driven by a shared monotonic tick counter advanced once per CPU
// instruction.
package serial

// rxQueueCapacity is both the fixed length of the RX ring buffer and the
// modulus used to wrap its head/tail indices via a bitmask. It must stay a
// power of two, and 4096-1=0xFFF is the mask this package actually uses;
// changing the capacity without updating the mask breaks the ring.
const rxQueueCapacity = 4096
const rxQueueMask = rxQueueCapacity - 1

const defaultCPUHz = 2000000
const defaultBaud = 9600

// Device is a bit-serial UART transceiver. It implements irq.Sender via
// Raised, latching an interrupt request on every RX start-bit edge.
type Device struct {
	cpuHz, baud, ticksPerBit uint32

	tick uint64

	// TX decode.
	lastTX       uint8
	txActive     bool
	txNextSample uint64
	txBitIndex   uint8
	txByte       uint8

	// RX inject.
	rxQ        [rxQueueCapacity]uint8
	rxHead     uint32
	rxTail     uint32
	rxActive   bool
	rxFrameStart uint64
	rxByte     uint8

	// Edge-triggered one-shot IRQ latch, set true on RX start-bit edge.
	rxIRQLatched bool
}

// New returns a Device configured for the given cpu clock and baud rate.
// A zero cpuHz or baud is defaulted to 2MHz/9600 respectively, matching
// the reference firmware's own assumptions.
func New(cpuHz, baud uint32) *Device {
	d := &Device{}
	d.init(cpuHz, baud)
	return d
}

func (d *Device) init(cpuHz, baud uint32) {
	*d = Device{}
	if cpuHz == 0 {
		cpuHz = defaultCPUHz
	}
	if baud == 0 {
		baud = defaultBaud
	}
	d.cpuHz = cpuHz
	d.baud = baud

	tpb := (cpuHz + baud/2) / baud
	if tpb == 0 {
		tpb = 1
	}
	d.ticksPerBit = tpb

	d.lastTX = 1
}

// Reset reinitializes the device to power-on state with its current
// configuration.
func (d *Device) Reset() {
	d.init(d.cpuHz, d.baud)
}

// CPUHz returns the configured CPU clock.
func (d *Device) CPUHz() uint32 { return d.cpuHz }

// Baud returns the configured baud rate.
func (d *Device) Baud() uint32 { return d.baud }

// TicksPerBit returns the computed bit period in CPU ticks.
func (d *Device) TicksPerBit() uint32 { return d.ticksPerBit }

func qNext(x uint32) uint32 { return (x + 1) & rxQueueMask }

// Advance moves the device's tick counter forward by ticks.
func (d *Device) Advance(ticks uint64) {
	d.tick += ticks
}

// Tick returns the device's current tick counter.
func (d *Device) Tick() uint64 { return d.tick }

// Enqueue pushes ch onto the host-to-device RX queue. If the queue is
// full, the new byte is silently dropped (the reference firmware never
// blocks a host write on a full queue).
func (d *Device) Enqueue(ch uint8) {
	n := qNext(d.rxTail)
	if n == d.rxHead {
		return
	}
	d.rxQ[d.rxTail] = ch
	d.rxTail = n
}

func (d *Device) rxPop() (uint8, bool) {
	if d.rxHead == d.rxTail {
		return 0, false
	}
	v := d.rxQ[d.rxHead]
	d.rxHead = qNext(d.rxHead)
	return v, true
}

func (d *Device) rxStartFrameIfNeeded() {
	if d.rxActive {
		return
	}
	ch, ok := d.rxPop()
	if !ok {
		return
	}
	d.rxActive = true
	d.rxFrameStart = d.tick
	d.rxByte = ch
	d.rxIRQLatched = true
}

// CurrentRXLevel returns the level the RX line presents at the device's
// current tick, lazily popping and arming the next queued byte's frame
// the first time the line is polled while idle.
func (d *Device) CurrentRXLevel() uint8 {
	d.rxStartFrameIfNeeded()

	if !d.rxActive {
		return 1 // idle high
	}

	dt := d.tick - d.rxFrameStart
	tpb := uint64(d.ticksPerBit)

	total := tpb * 10 // 1 start + 8 data + 1 stop
	if dt >= total {
		d.rxActive = false
		return 1
	}

	bit := dt / tpb // 0..9
	if bit == 0 {
		return 0 // start bit
	}
	if bit >= 1 && bit <= 8 {
		return (d.rxByte >> uint(bit-1)) & 1
	}
	return 1 // stop bit
}

// TakeRXIRQLatch reports whether the RX start-bit edge has latched the
// interrupt since the last call, clearing the latch as it reports it.
func (d *Device) TakeRXIRQLatch() bool {
	v := d.rxIRQLatched
	d.rxIRQLatched = false
	return v
}

// RXIRQLatched reports the RX interrupt latch without clearing it.
func (d *Device) RXIRQLatched() bool { return d.rxIRQLatched }

// Raised implements irq.Sender: it reports the RX interrupt latch without
// clearing it, so a CPU can poll whether service is due before consuming
// the latch via TakeRXIRQLatch.
func (d *Device) Raised() bool { return d.RXIRQLatched() }

// SavedFields is the persistence codec's view of a Device's runtime state.
type SavedFields struct {
	CPUHz, Baud, TicksPerBit uint32
	Tick                     uint64
	LastTX                   uint8
	TXActive                 bool
	TXNextSample             uint64
	TXBitIndex               uint8
	TXByte                   uint8
	RXHead, RXTail           uint32
	RXActive                 bool
	RXFrameStart             uint64
	RXByte                   uint8
	RXIRQLatched             bool
	RXQueue                  [rxQueueCapacity]uint8
}

// SaveFields captures the device's full runtime state for serialization.
func (d *Device) SaveFields() SavedFields {
	return SavedFields{
		CPUHz: d.cpuHz, Baud: d.baud, TicksPerBit: d.ticksPerBit,
		Tick: d.tick, LastTX: d.lastTX,
		TXActive: d.txActive, TXNextSample: d.txNextSample,
		TXBitIndex: d.txBitIndex, TXByte: d.txByte,
		RXHead: d.rxHead, RXTail: d.rxTail,
		RXActive: d.rxActive, RXFrameStart: d.rxFrameStart, RXByte: d.rxByte,
		RXIRQLatched: d.rxIRQLatched,
		RXQueue:      d.rxQ,
	}
}

// LoadFields restores a previously saved runtime state in place.
func (d *Device) LoadFields(f SavedFields) {
	d.cpuHz, d.baud, d.ticksPerBit = f.CPUHz, f.Baud, f.TicksPerBit
	d.tick, d.lastTX = f.Tick, f.LastTX
	d.txActive, d.txNextSample = f.TXActive, f.TXNextSample
	d.txBitIndex, d.txByte = f.TXBitIndex, f.TXByte
	d.rxHead, d.rxTail = f.RXHead, f.RXTail
	d.rxActive, d.rxFrameStart, d.rxByte = f.RXActive, f.RXFrameStart, f.RXByte
	d.rxIRQLatched = f.RXIRQLatched
	d.rxQ = f.RXQueue
}

// TickTX samples txLevel (the current state of the board's TX output
// line) and advances the transmit decode state machine, invoking emit
// with each fully framed byte (only ever zero or one per call, since a
// single call covers exactly one CPU instruction's worth of bit time).
func (d *Device) TickTX(txLevel uint8, emit func(ch uint8)) {
	if !d.txActive {
		if d.lastTX == 1 && txLevel == 0 {
			d.txActive = true
			d.txBitIndex = 0
			d.txByte = 0
			// Sample in the middle of bit 0 (1.5 bit times from the edge).
			d.txNextSample = d.tick + uint64(d.ticksPerBit) + uint64(d.ticksPerBit)/2
		}
		d.lastTX = txLevel
		return
	}

	for d.txActive && d.tick >= d.txNextSample {
		level := txLevel

		if d.txBitIndex < 8 {
			d.txByte |= (level & 1) << d.txBitIndex
			d.txBitIndex++
			d.txNextSample += uint64(d.ticksPerBit)
		} else {
			if level == 1 {
				if emit != nil {
					emit(d.txByte)
				}
			}
			d.txActive = false
		}
	}

	d.lastTX = txLevel
}
