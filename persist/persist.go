// Package persist implements the Altaid emulator's binary save-state and
// RAM-image codec: a full snapshot of CPU, bus, peripherals, and tape
// transport state, plus a lighter RAM-only image used to carry a running
// program between sessions without the rest of the machine's runtime state.
//
// All multi-byte fields are little-endian, matching the reference
// firmware's own stateio format byte for byte so that a state file
// produced by one implementation can be read by the other.
package persist

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
	"os"

	"github.com/aholden/altaid8080/cassette"
	"github.com/aholden/altaid8080/cpu"
	"github.com/aholden/altaid8080/machine"
	"github.com/aholden/altaid8080/panel"
	"github.com/aholden/altaid8080/serial"
)

const stateioVersion = 1

var stateMagic = [8]byte{'A', 'L', 'T', 'A', 'I', 'D', 'S', 'T'}
var ramMagic = [8]byte{'A', 'L', 'T', 'A', 'I', 'D', 'R', 'M'}

const casPathSize = 512

// InvalidFileError reports a file that isn't a recognizable state/RAM image
// (bad magic, or truncated before a required field could be read).
type InvalidFileError struct {
	Path   string
	Reason string
}

func (e *InvalidFileError) Error() string {
	return fmt.Sprintf("%s: invalid file: %s", e.Path, e.Reason)
}

// IncompatibleFileError reports a file that parses but doesn't match the
// machine it's being loaded into (wrong version, ROM hash, clock, or baud).
type IncompatibleFileError struct {
	Path   string
	Reason string
}

func (e *IncompatibleFileError) Error() string {
	return fmt.Sprintf("%s: incompatible file: %s", e.Path, e.Reason)
}

// romHash32 computes the FNV-1a32 hash of both ROM halves, used to detect a
// state/RAM file saved against a different ROM image.
func romHash32(b *machine.Board) uint32 {
	h := fnv.New32a()
	h.Write(b.ROMHalf(0))
	h.Write(b.ROMHalf(1))
	return h.Sum32()
}

type writer struct {
	w   io.Writer
	err error
}

func (w *writer) u8(v uint8) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write([]byte{v})
}

func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) u32(v uint32) {
	if w.err != nil {
		return
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, w.err = w.w.Write(b[:])
}

func (w *writer) u64(v uint64) {
	if w.err != nil {
		return
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, w.err = w.w.Write(b[:])
}

func (w *writer) bytes(b []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(b)
}

type reader struct {
	r   io.Reader
	err error
}

func (r *reader) u8() uint8 {
	if r.err != nil {
		return 0
	}
	var b [1]byte
	_, r.err = io.ReadFull(r.r, b[:])
	return b[0]
}

func (r *reader) boolean() bool { return r.u8() != 0 }

func (r *reader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	var b [4]byte
	_, r.err = io.ReadFull(r.r, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (r *reader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	var b [8]byte
	_, r.err = io.ReadFull(r.r, b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	b := make([]byte, n)
	_, r.err = io.ReadFull(r.r, b)
	return b
}

func writeHeader(w *writer, magic [8]byte, romHash, cpuHz, baud uint32) {
	w.bytes(magic[:])
	w.u32(stateioVersion)
	w.u32(romHash)
	w.u32(cpuHz)
	w.u32(baud)
}

// header describes a parsed file header, used by both SaveState/LoadState
// and SaveRAM/LoadRAM to validate compatibility before touching the body.
type header struct {
	version, romHash, cpuHz, baud uint32
}

func readHeader(path string, r *reader, want [8]byte) (header, error) {
	got := r.bytes(8)
	if r.err != nil {
		return header{}, &InvalidFileError{Path: path, Reason: "truncated header"}
	}
	for i := range got {
		if got[i] != want[i] {
			return header{}, &InvalidFileError{Path: path, Reason: "bad magic"}
		}
	}
	h := header{version: r.u32(), romHash: r.u32(), cpuHz: r.u32(), baud: r.u32()}
	if r.err != nil {
		return header{}, &InvalidFileError{Path: path, Reason: "truncated header"}
	}
	return h, nil
}

func checkCompatible(path string, h header, romHash, cpuHz, baud uint32) error {
	if h.version != stateioVersion {
		return &IncompatibleFileError{Path: path, Reason: "unsupported version"}
	}
	if h.romHash != romHash {
		return &IncompatibleFileError{Path: path, Reason: "ROM hash mismatch"}
	}
	if h.cpuHz != cpuHz || h.baud != baud {
		return &IncompatibleFileError{Path: path, Reason: "CPU clock/baud mismatch"}
	}
	return nil
}

// SaveRAM writes m's current RAM banks to path, tagged with a ROM hash and
// the machine's clock/baud so LoadRAM can refuse to apply it to a
// differently configured machine.
func SaveRAM(m *machine.Machine, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := &writer{w: f}
	writeHeader(w, ramMagic, romHash32(m.Board()), m.CPUHz(), m.Baud())
	w.bytes(m.Board().RAMImage())
	if w.err != nil {
		return w.err
	}
	return f.Close()
}

// LoadRAM reads path and overwrites m's RAM banks with its contents. The
// file's ROM hash and clock/baud must match m's current configuration.
func LoadRAM(m *machine.Machine, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := &reader{r: f}
	h, err := readHeader(path, r, ramMagic)
	if err != nil {
		return err
	}
	if err := checkCompatible(path, h, romHash32(m.Board()), m.CPUHz(), m.Baud()); err != nil {
		return err
	}

	img := r.bytes(len(m.Board().RAMImage()))
	if r.err != nil {
		return &InvalidFileError{Path: path, Reason: "truncated RAM image"}
	}
	m.Board().SetRAMImage(img)
	return nil
}

func writeCPU(w *writer, c *cpu.Chip) {
	w.u8(c.A)
	w.u8(c.B)
	w.u8(c.C)
	w.u8(c.D)
	w.u8(c.E)
	w.u8(c.H)
	w.u8(c.L)
	w.u32(uint32(c.PC))
	w.u32(uint32(c.SP))

	var flags uint8
	if c.Z {
		flags |= 1 << 0
	}
	if c.S {
		flags |= 1 << 1
	}
	if c.P {
		flags |= 1 << 2
	}
	if c.CY {
		flags |= 1 << 3
	}
	if c.AC {
		flags |= 1 << 4
	}
	if c.INTE {
		flags |= 1 << 5
	}
	if c.EIPending {
		flags |= 1 << 6
	}
	if c.Halted {
		flags |= 1 << 7
	}
	w.u8(flags)
}

func readCPU(r *reader, c *cpu.Chip) {
	c.A = r.u8()
	c.B = r.u8()
	c.C = r.u8()
	c.D = r.u8()
	c.E = r.u8()
	c.H = r.u8()
	c.L = r.u8()
	c.PC = uint16(r.u32())
	c.SP = uint16(r.u32())

	flags := r.u8()
	c.Z = flags&(1<<0) != 0
	c.S = flags&(1<<1) != 0
	c.P = flags&(1<<2) != 0
	c.CY = flags&(1<<3) != 0
	c.AC = flags&(1<<4) != 0
	c.INTE = flags&(1<<5) != 0
	c.EIPending = flags&(1<<6) != 0
	c.Halted = flags&(1<<7) != 0
}

func writeSerial(w *writer, s *serial.Device) {
	w.u32(s.CPUHz())
	w.u32(s.Baud())
	w.u32(s.TicksPerBit())
	fields := s.SaveFields()
	w.u64(fields.Tick)
	w.u8(fields.LastTX)
	w.boolean(fields.TXActive)
	w.u64(fields.TXNextSample)
	w.u8(fields.TXBitIndex)
	w.u8(fields.TXByte)
	w.u32(fields.RXHead)
	w.u32(fields.RXTail)
	w.boolean(fields.RXActive)
	w.u64(fields.RXFrameStart)
	w.u8(fields.RXByte)
	w.boolean(fields.RXIRQLatched)
	w.bytes(fields.RXQueue[:])
}

func readSerial(r *reader) serial.SavedFields {
	var f serial.SavedFields
	f.CPUHz = r.u32()
	f.Baud = r.u32()
	f.TicksPerBit = r.u32()
	f.Tick = r.u64()
	f.LastTX = r.u8()
	f.TXActive = r.boolean()
	f.TXNextSample = r.u64()
	f.TXBitIndex = r.u8()
	f.TXByte = r.u8()
	f.RXHead = r.u32()
	f.RXTail = r.u32()
	f.RXActive = r.boolean()
	f.RXFrameStart = r.u64()
	f.RXByte = r.u8()
	f.RXIRQLatched = r.boolean()
	copy(f.RXQueue[:], r.bytes(len(f.RXQueue)))
	return f
}

func writeHW(w *writer, b *machine.Board) {
	// RAM contents are written before the scalar hardware fields, matching
	// the reference firmware's own field order.
	w.bytes(b.RAMImage())

	f := b.SaveFields()
	w.u8(f.RAMA16)
	w.u8(f.RAMA17)
	w.u8(f.RAMA18)
	w.u8(f.RAMBank)
	w.u8(f.ROMHalf)
	w.boolean(f.ROMLowMapped)
	w.boolean(f.ROMHiMapped)
	w.u8(f.OutC0)
	w.boolean(f.TXLine)
	w.boolean(f.RXLevel)
	w.boolean(f.TimerEnabled)
	w.boolean(f.TimerLevel)
	w.boolean(f.CassetteOutLevel)
	w.boolean(f.CassetteOutDirty)
	w.boolean(f.CassetteInLevel)

	p := f.Panel
	w.u8(p.ScanRow)
	w.u8(p.LEDRowMask)
	w.boolean(p.LatchedValid)
	w.u32(p.LatchedSeq)
	w.u32(uint32(p.LatchedAddr))
	w.u8(p.LatchedData)
	w.u8(p.LatchedStat)
	w.bytes(p.LEDRowNibble[:])
	for i := range p.KeyDown {
		w.boolean(p.KeyDown[i])
		w.u64(p.KeyUntil[i])
	}
}

func readHW(r *reader, b *machine.Board) {
	img := r.bytes(len(b.RAMImage()))

	var f machine.BoardFields
	f.RAMA16 = r.u8()
	f.RAMA17 = r.u8()
	f.RAMA18 = r.u8()
	f.RAMBank = r.u8()
	f.ROMHalf = r.u8()
	f.ROMLowMapped = r.boolean()
	f.ROMHiMapped = r.boolean()
	f.OutC0 = r.u8()
	f.TXLine = r.boolean()
	f.RXLevel = r.boolean()
	f.TimerEnabled = r.boolean()
	f.TimerLevel = r.boolean()
	f.CassetteOutLevel = r.boolean()
	f.CassetteOutDirty = r.boolean()
	f.CassetteInLevel = r.boolean()

	var p panel.SavedFields
	p.ScanRow = r.u8()
	p.LEDRowMask = r.u8()
	p.LatchedValid = r.boolean()
	p.LatchedSeq = r.u32()
	p.LatchedAddr = uint16(r.u32())
	p.LatchedData = r.u8()
	p.LatchedStat = r.u8()
	copy(p.LEDRowNibble[:], r.bytes(len(p.LEDRowNibble)))
	for i := range p.KeyDown {
		p.KeyDown[i] = r.boolean()
		p.KeyUntil[i] = r.u64()
	}
	f.Panel = p

	if r.err == nil {
		b.SetRAMImage(img)
		b.LoadFields(f)
	}
}

func writeCassette(w *writer, c *cassette.Tape) {
	f := c.SaveFields()
	w.boolean(f.Attached)

	var pathBuf [casPathSize]byte
	copy(pathBuf[:], f.Path)
	w.bytes(pathBuf[:])

	w.u32(f.CPUHz)
	w.boolean(f.IdleLevel)
	w.boolean(f.InLevel)
	w.boolean(f.Playing)
	w.boolean(f.PlayLevel)
	w.u64(uint64(f.PlayIndex))
	w.u64(f.PlayNextEdgeTick)
	w.boolean(f.Recording)
	w.u64(f.RecLastEdgeTick)
	w.boolean(f.RecLastLevel)
	w.u64(uint64(len(f.Durations)))
	for _, d := range f.Durations {
		w.u32(d)
	}
}

func readCassette(r *reader) cassette.SavedFields {
	var f cassette.SavedFields
	f.Attached = r.boolean()

	pathBuf := r.bytes(casPathSize)
	n := 0
	for n < len(pathBuf) && pathBuf[n] != 0 {
		n++
	}
	f.Path = string(pathBuf[:n])

	f.CPUHz = r.u32()
	f.IdleLevel = r.boolean()
	f.InLevel = r.boolean()
	f.Playing = r.boolean()
	f.PlayLevel = r.boolean()
	f.PlayIndex = int(r.u64())
	f.PlayNextEdgeTick = r.u64()
	f.Recording = r.boolean()
	f.RecLastEdgeTick = r.u64()
	f.RecLastLevel = r.boolean()

	count := r.u64()
	if r.err == nil && count > 0 {
		f.Durations = make([]uint32, count)
		for i := range f.Durations {
			f.Durations[i] = r.u32()
		}
	}
	return f
}

// SaveState writes a complete snapshot of m (CPU, bus, serial, panel,
// timer, TX ring, and cassette transport) to path.
func SaveState(m *machine.Machine, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := &writer{w: f}
	writeHeader(w, stateMagic, romHash32(m.Board()), m.CPUHz(), m.Baud())

	w.u64(m.Timer().Period())
	w.u64(m.Timer().NextFire())

	txRead, txWrite, txBuf := m.SaveTXRing()
	w.u32(txRead)
	w.u32(txWrite)
	w.bytes(txBuf)

	writeCPU(w, m.CPU())
	writeSerial(w, m.Serial())
	writeHW(w, m.Board())
	w.boolean(m.CassetteAttached())
	writeCassette(w, m.Cassette())

	if w.err != nil {
		return w.err
	}
	return f.Close()
}

// LoadState reads path and overwrites every piece of m's runtime state in
// place. The file's ROM hash and clock/baud must match m's current
// configuration.
func LoadState(m *machine.Machine, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := &reader{r: f}
	h, err := readHeader(path, r, stateMagic)
	if err != nil {
		return err
	}
	if err := checkCompatible(path, h, romHash32(m.Board()), m.CPUHz(), m.Baud()); err != nil {
		return err
	}

	timerPeriod := r.u64()
	timerNextFire := r.u64()
	txRead := r.u32()
	txWrite := r.u32()
	txBuf := r.bytes(machine.TXBufSize)

	readCPU(r, m.CPU())
	serialFields := readSerial(r)
	readHW(r, m.Board())
	casAttached := r.boolean()
	casFields := readCassette(r)

	if r.err != nil {
		return &InvalidFileError{Path: path, Reason: "truncated state body"}
	}

	m.Timer().LoadFields(timerPeriod, timerNextFire)
	// tx_r/tx_w are always modulo-normalized on load, matching the
	// reference firmware's defensive wraparound.
	m.LoadTXRing(txRead%machine.TXBufSize, txWrite%machine.TXBufSize, txBuf)
	m.Serial().LoadFields(serialFields)
	m.SetCassetteAttached(casAttached)
	m.Cassette().LoadFields(casFields)

	return nil
}
