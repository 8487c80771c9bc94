package machine

import (
	"github.com/aholden/altaid8080/cassette"
	"github.com/aholden/altaid8080/cpu"
	"github.com/aholden/altaid8080/irq"
	"github.com/aholden/altaid8080/serial"
	"github.com/aholden/altaid8080/timer"
)

// TXBufSize is the capacity of the decoded-TX ring buffer the machine
// exposes to a host, matching the reference firmware's EMU_TXBUF_SIZE.
const TXBufSize = 4096

const txBufSize = TXBufSize

// Def configures a Machine. A zero CPUHz or Baud is defaulted (see
// SPEC_FULL.md's supplemented-features section) rather than rejected.
type Def struct {
	CPUHz uint32
	Baud  uint32
}

const defaultCPUHz = 2000000
const defaultBaud = 9600

// Machine is the top-level integrator: it owns the CPU, the board bus,
// and every peripheral chip, and drives them through RunBatch the way the
// reference firmware's run loop does.
type Machine struct {
	cfg Def

	cpu   *cpu.Chip
	board *Board

	serial   *serial.Device
	timer    *timer.Timer
	cassette *cassette.Tape

	// rxIRQ is m.serial, held as an irq.Sender so RunBatch consults it
	// through the interface rather than a concrete-type method.
	rxIRQ irq.Sender

	cassetteAttached bool

	txBuf        [txBufSize]uint8
	txRead, txWrite uint32
}

// New returns a freshly initialized Machine. No ROM is loaded yet; call
// LoadROM64K before RunBatch.
func New(def *Def) (*Machine, error) {
	cpuHz, baud := uint32(defaultCPUHz), uint32(defaultBaud)
	if def != nil {
		if def.CPUHz != 0 {
			cpuHz = def.CPUHz
		}
		if def.Baud != 0 {
			baud = def.Baud
		}
	}

	c, err := cpu.NewChip(&cpu.ChipDef{})
	if err != nil {
		return nil, err
	}

	period := uint64(cpuHz) / 1000
	if period == 0 {
		period = 1
	}

	s := serial.New(uint32(cpuHz), baud)

	m := &Machine{
		cfg:      Def{CPUHz: uint32(cpuHz), Baud: baud},
		cpu:      c,
		board:    NewBoard(),
		serial:   s,
		rxIRQ:    s,
		timer:    timer.New(period),
		cassette: cassette.New(uint32(cpuHz)),
	}
	return m, nil
}

// LoadROM64K loads a 64KiB ROM image, split across the board's two 32KiB
// halves.
func (m *Machine) LoadROM64K(img []byte) error {
	return m.board.LoadROM64K(img)
}

// Reset reinitializes the CPU and board runtime state (preserving ROM and
// RAM), re-initializes the serial device fully, clears the TX ring, and
// resets the timer's next-fire tick while keeping its configured period.
// Finally, if a cassette is attached it is stopped, which also saves it
// when it was recording.
func (m *Machine) Reset() {
	m.cpu.Reset()
	m.board.ResetRuntime()

	m.serial = serial.New(m.cfg.CPUHz, m.cfg.Baud)
	m.rxIRQ = m.serial
	m.txRead, m.txWrite = 0, 0

	m.timer.Reset()

	if m.cassetteAttached {
		m.cassette.Stop()
	}
}

// CPUHz returns the machine's configured CPU clock.
func (m *Machine) CPUHz() uint32 { return m.cfg.CPUHz }

// Baud returns the machine's configured serial baud rate.
func (m *Machine) Baud() uint32 { return m.cfg.Baud }

// CPU exposes the machine's CPU for persistence and inspection.
func (m *Machine) CPU() *cpu.Chip { return m.cpu }

// Board exposes the machine's bus/board for persistence and inspection.
func (m *Machine) Board() *Board { return m.board }

// Serial exposes the machine's UART for persistence and inspection.
func (m *Machine) Serial() *serial.Device { return m.serial }

// Timer exposes the machine's periodic timer for persistence and
// inspection.
func (m *Machine) Timer() *timer.Timer { return m.timer }

// Cassette exposes the machine's tape transport for persistence and
// inspection.
func (m *Machine) Cassette() *cassette.Tape { return m.cassette }

// CassetteAttached reports whether a tape is currently attached.
func (m *Machine) CassetteAttached() bool { return m.cassetteAttached }

// AttachCassette opens path as the machine's tape image.
func (m *Machine) AttachCassette(path string) error {
	if err := m.cassette.Open(path); err != nil {
		return err
	}
	m.cassetteAttached = true
	return nil
}

// SetCassetteAttached overrides the attached flag directly; used by the
// persistence codec when restoring a saved session.
func (m *Machine) SetCassetteAttached(attached bool) { m.cassetteAttached = attached }

func (m *Machine) txPush(ch uint8) {
	next := (m.txWrite + 1) % txBufSize
	if next == m.txRead {
		return // drop on overflow, matching the reference firmware
	}
	m.txBuf[m.txWrite] = ch
	m.txWrite = next
}

// TXPop drains up to len(dst) decoded bytes from the host-facing TX ring
// into dst, returning the number copied.
func (m *Machine) TXPop(dst []uint8) int {
	n := 0
	for m.txRead != m.txWrite && n < len(dst) {
		dst[n] = m.txBuf[m.txRead]
		m.txRead = (m.txRead + 1) % txBufSize
		n++
	}
	return n
}

// SaveTXRing captures the host-facing TX ring's read/write cursors and
// full backing array, for the persistence codec.
func (m *Machine) SaveTXRing() (read, write uint32, buf []byte) {
	return m.txRead, m.txWrite, append([]byte(nil), m.txBuf[:]...)
}

// LoadTXRing restores the host-facing TX ring's cursors and contents.
// Cursors are not range-checked here; callers (the persistence codec) are
// expected to have already normalized them modulo TXBufSize.
func (m *Machine) LoadTXRing(read, write uint32, buf []byte) {
	m.txRead, m.txWrite = read, write
	copy(m.txBuf[:], buf)
}

// RXEnqueue pushes a byte onto the machine's serial RX queue (host -> CPU
// direction).
func (m *Machine) RXEnqueue(ch uint8) {
	m.serial.Enqueue(ch)
}

// PanelPress holds keyIndex down starting at the machine's current tick
// for holdTicks ticks (see panel.Panel.PressKey for key indices).
func (m *Machine) PanelPress(keyIndex uint8, holdTicks uint64) {
	m.board.Panel().PressKey(keyIndex, m.serial.Tick(), holdTicks)
}

// PanelSnapshot returns the panel's latest stable decode: the 16-bit
// address display, 8-bit data display, 4-bit status nibble, and the
// sequence number of the scan that produced them. Until a first full scan
// has completed, the values are the panel's mid-scan decode and the
// sequence number is 0.
func (m *Machine) PanelSnapshot() (addr uint16, data, stat uint8, seq uint32) {
	p := m.board.Panel()
	return p.Addr16(), p.Data8(), p.Stat4(), p.LatchedSeq()
}

// setHWLines samples the peripheral input lines for the current tick,
// following the reference firmware's set_hw_lines: RX level from the UART,
// cassette level from the tape, and the timer's catch-up pulse. Unlike the
// reference, an unattached cassette reads idle high (see DESIGN.md's Open
// Question decisions).
func (m *Machine) setHWLines() {
	m.board.SetRXLevel(m.serial.CurrentRXLevel() != 0)

	casLevel := true
	if m.cassetteAttached {
		casLevel = m.cassette.InLevelAt(m.serial.Tick())
	}
	m.board.SetCassetteInLevel(casLevel)

	timerPulse := m.timer.Pulse(m.serial.Tick())
	timerLevel := true
	if m.board.TimerEnabled() {
		timerLevel = !timerPulse
	}
	m.board.SetTimerLevel(timerLevel)
}

// RunBatch executes CPU instructions until at least cycles t-states have
// elapsed, advancing every peripheral in the exact per-instruction order
// the reference firmware uses: sample input lines, step the CPU, advance
// the serial tick counter, service a pending RX interrupt, decode the TX
// line, capture a cassette edge if the output latch changed, and release
// any front-panel keys whose auto-release deadline has passed.
func (m *Machine) RunBatch(cycles uint64) {
	batchEnd := m.serial.Tick() + cycles
	for m.serial.Tick() < batchEnd {
		m.setHWLines()

		t := m.cpu.Step(m.board)
		m.serial.Advance(uint64(t))

		if m.rxIRQ.Raised() && m.cpu.INTE {
			m.serial.TakeRXIRQLatch()
			m.cpu.ServiceInterrupt(m.board, 7)
		}

		m.serial.TickTX(m.board.TXLevel(), m.txPush)

		if m.cassetteAttached && m.board.TakeCassetteOutDirty() {
			m.cassette.OnOutputChange(m.serial.Tick(), m.board.CassetteOutLevel())
		}

		m.board.Panel().Tick(m.serial.Tick())
	}
}
