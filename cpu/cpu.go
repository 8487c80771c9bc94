// Package cpu implements the Intel 8080 instruction set and provides the
// methods needed to run the CPU and interface it with a board's bus.
package cpu

import (
	"fmt"

	"github.com/aholden/altaid8080/bus"
)

// Flag bit positions within a packed PSW byte (pushed by PUSH PSW, read by
// POP PSW). Bit 1 is always read back as 1 and bit 3/5 always read back as
// 0; the 8080 has no corresponding flag there.
const (
	flagS  = uint8(0x80)
	flagZ  = uint8(0x40)
	flagAC = uint8(0x10)
	flagP  = uint8(0x04)
	flagB1 = uint8(0x02) // always set
	flagCY = uint8(0x01)
)

// InvalidCPUState represents an invalid CPU state in the emulator.
type InvalidCPUState struct {
	Reason string
}

// Error implements the error interface.
func (e InvalidCPUState) Error() string {
	return fmt.Sprintf("invalid CPU state: %s", e.Reason)
}

// Chip is an Intel 8080 CPU. Registers, flags, and interrupt-enable state
// are plain fields; Chip never stores a reference to the Bus it's driven
// with, it only ever receives one as a Step/ServiceInterrupt argument.
type Chip struct {
	A, B, C, D, E, H, L uint8
	PC, SP              uint16

	// Flags.
	Z, S, P, CY, AC bool

	// Interrupt state. INTE gates whether ServiceInterrupt may run;
	// EIPending models the 8080's one-instruction EI delay: EI sets
	// EIPending instead of INTE directly, and INTE only becomes true
	// after the *next* instruction (including the one EI itself ran as,
	// so the earliest an interrupt can fire is after the instruction
	// following EI) finishes executing.
	INTE      bool
	EIPending bool
	Halted    bool
}

// ChipDef defines the initial configuration for a Chip. It currently has no
// fields; it exists so NewChip's signature matches the constructor shape used
// throughout this module and can grow without breaking callers.
type ChipDef struct{}

// NewChip returns a freshly reset Chip.
func NewChip(def *ChipDef) (*Chip, error) {
	c := &Chip{}
	c.Reset()
	return c, nil
}

// Reset returns the CPU to its power-on state: all registers and flags
// zeroed, PC and SP at 0x0000, interrupts disabled.
func (c *Chip) Reset() {
	*c = Chip{}
}

// SetEIPending requests that interrupts become enabled after the next
// instruction completes, matching the 8080's EI semantics.
func (c *Chip) SetEIPending() {
	c.EIPending = true
}

// ServiceInterrupt acknowledges a pending maskable interrupt as RST
// rstVector&7. The caller is responsible for only invoking this when INTE
// is true and an interrupt is actually pending. It returns no t-state
// count and advances no tick counter.
func (c *Chip) ServiceInterrupt(b bus.Bus, rstVector uint8) {
	c.Halted = false
	c.INTE = false
	c.push16(b, c.PC)
	c.PC = uint16(rstVector&7) * 8
}

// Step executes exactly one instruction and returns the number of 8080
// t-states it consumed.
func (c *Chip) Step(b bus.Bus) int {
	applyEIAfter := c.EIPending

	if c.Halted {
		c.finishEI(applyEIAfter)
		return 4
	}

	op := b.ReadMem(c.PC)
	c.PC++

	// MOV group: 01DDDSSS, with 0x76 (MOV M,M per the bit pattern) reused
	// as HLT.
	if op&0xC0 == 0x40 {
		if op == 0x76 {
			c.Halted = true
			c.finishEI(applyEIAfter)
			return 7
		}
		d := int(op>>3) & 7
		s := int(op) & 7
		v := c.getReg(b, s)
		c.setReg(b, d, v)
		t := 5
		if d == 6 || s == 6 {
			t = 7
		}
		c.finishEI(applyEIAfter)
		return t
	}

	// ALU group: 10OOOSSS.
	if op&0xC0 == 0x80 {
		s := int(op) & 7
		v := c.getReg(b, s)
		switch (op >> 3) & 7 {
		case 0:
			c.add8(v, false)
		case 1:
			c.add8(v, true)
		case 2:
			c.sub8(v, false)
		case 3:
			c.sub8(v, true)
		case 4:
			c.ana8(v)
		case 5:
			c.xra8(v)
		case 6:
			c.ora8(v)
		case 7:
			c.cmp8(v)
		}
		t := 4
		if s == 6 {
			t = 7
		}
		c.finishEI(applyEIAfter)
		return t
	}

	t := c.stepOther(b, op)
	c.finishEI(applyEIAfter)
	return t
}

func (c *Chip) finishEI(applyEIAfter bool) {
	if applyEIAfter {
		c.INTE = true
		c.EIPending = false
	}
}

func (c *Chip) hl() uint16 { return uint16(c.H)<<8 | uint16(c.L) }
func (c *Chip) setHL(v uint16) {
	c.H = uint8(v >> 8)
	c.L = uint8(v)
}
func (c *Chip) bc() uint16 { return uint16(c.B)<<8 | uint16(c.C) }
func (c *Chip) setBC(v uint16) {
	c.B = uint8(v >> 8)
	c.C = uint8(v)
}
func (c *Chip) de() uint16 { return uint16(c.D)<<8 | uint16(c.E) }
func (c *Chip) setDE(v uint16) {
	c.D = uint8(v >> 8)
	c.E = uint8(v)
}

func (c *Chip) fetch16(b bus.Bus) uint16 {
	lo := b.ReadMem(c.PC)
	c.PC++
	hi := b.ReadMem(c.PC)
	c.PC++
	return uint16(hi)<<8 | uint16(lo)
}

func (c *Chip) push16(b bus.Bus, v uint16) {
	b.WriteMem(c.SP-1, uint8(v>>8))
	b.WriteMem(c.SP-2, uint8(v))
	c.SP -= 2
}

func (c *Chip) pop16(b bus.Bus) uint16 {
	lo := b.ReadMem(c.SP)
	hi := b.ReadMem(c.SP + 1)
	c.SP += 2
	return uint16(hi)<<8 | uint16(lo)
}

// getReg fetches register r using 8080 register-field encoding
// (0=B 1=C 2=D 3=E 4=H 5=L 6=(HL) 7=A).
func (c *Chip) getReg(b bus.Bus, r int) uint8 {
	switch r {
	case 0:
		return c.B
	case 1:
		return c.C
	case 2:
		return c.D
	case 3:
		return c.E
	case 4:
		return c.H
	case 5:
		return c.L
	case 6:
		return b.ReadMem(c.hl())
	case 7:
		return c.A
	}
	return 0
}

func (c *Chip) setReg(b bus.Bus, r int, v uint8) {
	switch r {
	case 0:
		c.B = v
	case 1:
		c.C = v
	case 2:
		c.D = v
	case 3:
		c.E = v
	case 4:
		c.H = v
	case 5:
		c.L = v
	case 6:
		b.WriteMem(c.hl(), v)
	case 7:
		c.A = v
	}
}

func parity(v uint8) bool {
	v ^= v >> 4
	v ^= v >> 2
	v ^= v >> 1
	return (^v)&1 != 0
}

func (c *Chip) setZSP(v uint8) {
	c.Z = v == 0
	c.S = v&0x80 != 0
	c.P = parity(v)
}

func (c *Chip) add8(x uint8, withCarry bool) {
	a := uint16(c.A)
	y := uint16(x)
	if withCarry && c.CY {
		y++
	}
	r := a + y
	c.AC = (a&0x0F)+(y&0x0F) > 0x0F
	c.CY = r > 0xFF
	c.A = uint8(r)
	c.setZSP(c.A)
}

func (c *Chip) sub8(x uint8, withBorrow bool) {
	a := uint16(c.A)
	y := uint16(x)
	if withBorrow && c.CY {
		y++
	}
	r := a - y
	c.AC = (a & 0x0F) < (y & 0x0F)
	c.CY = a < y
	c.A = uint8(r)
	c.setZSP(c.A)
}

func (c *Chip) cmp8(x uint8) {
	a := uint16(c.A)
	r := a - uint16(x)
	c.AC = (a & 0x0F) < uint16(x&0x0F)
	c.CY = a < uint16(x)
	c.setZSP(uint8(r))
}

func (c *Chip) ana8(x uint8) {
	c.A &= x
	c.CY = false
	c.AC = true
	c.setZSP(c.A)
}

func (c *Chip) xra8(x uint8) {
	c.A ^= x
	c.CY = false
	c.AC = false
	c.setZSP(c.A)
}

func (c *Chip) ora8(x uint8) {
	c.A |= x
	c.CY = false
	c.AC = false
	c.setZSP(c.A)
}

func (c *Chip) inr8(v uint8) uint8 {
	r := v + 1
	c.AC = (v&0x0F)+1 > 0x0F
	c.setZSP(r)
	return r
}

func (c *Chip) dcr8(v uint8) uint8 {
	r := v - 1
	c.AC = v&0x0F == 0x00
	c.setZSP(r)
	return r
}

func (c *Chip) daa() {
	a := c.A
	var adj uint8
	cy := c.CY

	if c.AC || (a&0x0F) > 9 {
		adj |= 0x06
	}
	if cy || a > 0x99 {
		adj |= 0x60
		cy = true
	}

	r := uint16(a) + uint16(adj)
	c.A = uint8(r)
	c.CY = cy
	c.AC = (a&0x0F)+(adj&0x0F) > 0x0F
	c.setZSP(c.A)
}

func (c *Chip) cond(cc int) bool {
	switch cc {
	case 0:
		return !c.Z // NZ
	case 1:
		return c.Z // Z
	case 2:
		return !c.CY // NC
	case 3:
		return c.CY // C
	case 4:
		return !c.P // PO
	case 5:
		return c.P // PE
	case 6:
		return !c.S // P
	case 7:
		return c.S // M
	}
	return false
}

func (c *Chip) packFlags() uint8 {
	var f uint8 = flagB1
	if c.S {
		f |= flagS
	}
	if c.Z {
		f |= flagZ
	}
	if c.AC {
		f |= flagAC
	}
	if c.P {
		f |= flagP
	}
	if c.CY {
		f |= flagCY
	}
	return f
}

func (c *Chip) unpackFlags(f uint8) {
	c.S = f&flagS != 0
	c.Z = f&flagZ != 0
	c.AC = f&flagAC != 0
	c.P = f&flagP != 0
	c.CY = f&flagCY != 0
}

// stepOther executes every opcode not covered by the MOV or ALU bitmask
// groups and returns its t-state count.
func (c *Chip) stepOther(b bus.Bus, op uint8) int {
	switch op {
	case 0x00: // NOP
		return 4

	// LXI
	case 0x01:
		c.setBC(c.fetch16(b))
		return 10
	case 0x11:
		c.setDE(c.fetch16(b))
		return 10
	case 0x21:
		c.setHL(c.fetch16(b))
		return 10
	case 0x31:
		c.SP = c.fetch16(b)
		return 10

	// STAX/LDAX
	case 0x02:
		b.WriteMem(c.bc(), c.A)
		return 7
	case 0x12:
		b.WriteMem(c.de(), c.A)
		return 7
	case 0x0A:
		c.A = b.ReadMem(c.bc())
		return 7
	case 0x1A:
		c.A = b.ReadMem(c.de())
		return 7

	// INX/DCX
	case 0x03:
		c.setBC(c.bc() + 1)
		return 5
	case 0x13:
		c.setDE(c.de() + 1)
		return 5
	case 0x23:
		c.setHL(c.hl() + 1)
		return 5
	case 0x33:
		c.SP++
		return 5
	case 0x0B:
		c.setBC(c.bc() - 1)
		return 5
	case 0x1B:
		c.setDE(c.de() - 1)
		return 5
	case 0x2B:
		c.setHL(c.hl() - 1)
		return 5
	case 0x3B:
		c.SP--
		return 5

	// INR
	case 0x04:
		c.B = c.inr8(c.B)
		return 5
	case 0x0C:
		c.C = c.inr8(c.C)
		return 5
	case 0x14:
		c.D = c.inr8(c.D)
		return 5
	case 0x1C:
		c.E = c.inr8(c.E)
		return 5
	case 0x24:
		c.H = c.inr8(c.H)
		return 5
	case 0x2C:
		c.L = c.inr8(c.L)
		return 5
	case 0x34:
		b.WriteMem(c.hl(), c.inr8(b.ReadMem(c.hl())))
		return 10
	case 0x3C:
		c.A = c.inr8(c.A)
		return 5

	// DCR
	case 0x05:
		c.B = c.dcr8(c.B)
		return 5
	case 0x0D:
		c.C = c.dcr8(c.C)
		return 5
	case 0x15:
		c.D = c.dcr8(c.D)
		return 5
	case 0x1D:
		c.E = c.dcr8(c.E)
		return 5
	case 0x25:
		c.H = c.dcr8(c.H)
		return 5
	case 0x2D:
		c.L = c.dcr8(c.L)
		return 5
	case 0x35:
		b.WriteMem(c.hl(), c.dcr8(b.ReadMem(c.hl())))
		return 10
	case 0x3D:
		c.A = c.dcr8(c.A)
		return 5

	// MVI
	case 0x06:
		c.B = b.ReadMem(c.PC)
		c.PC++
		return 7
	case 0x0E:
		c.C = b.ReadMem(c.PC)
		c.PC++
		return 7
	case 0x16:
		c.D = b.ReadMem(c.PC)
		c.PC++
		return 7
	case 0x1E:
		c.E = b.ReadMem(c.PC)
		c.PC++
		return 7
	case 0x26:
		c.H = b.ReadMem(c.PC)
		c.PC++
		return 7
	case 0x2E:
		c.L = b.ReadMem(c.PC)
		c.PC++
		return 7
	case 0x36:
		v := b.ReadMem(c.PC)
		c.PC++
		b.WriteMem(c.hl(), v)
		return 10
	case 0x3E:
		c.A = b.ReadMem(c.PC)
		c.PC++
		return 7

	// Rotates
	case 0x07: // RLC
		x := c.A
		c.CY = x&0x80 != 0
		c.A = x<<1 | b2u8(c.CY)
		return 4
	case 0x0F: // RRC
		x := c.A
		c.CY = x&0x01 != 0
		c.A = x>>1 | (b2u8(c.CY) << 7)
		return 4
	case 0x17: // RAL
		x := c.A
		old := c.CY
		c.CY = x&0x80 != 0
		c.A = x<<1 | b2u8(old)
		return 4
	case 0x1F: // RAR
		x := c.A
		old := c.CY
		c.CY = x&0x01 != 0
		c.A = x>>1 | (b2u8(old) << 7)
		return 4

	// DAD
	case 0x09:
		r := uint32(c.hl()) + uint32(c.bc())
		c.CY = r > 0xFFFF
		c.setHL(uint16(r))
		return 10
	case 0x19:
		r := uint32(c.hl()) + uint32(c.de())
		c.CY = r > 0xFFFF
		c.setHL(uint16(r))
		return 10
	case 0x29:
		r := uint32(c.hl()) + uint32(c.hl())
		c.CY = r > 0xFFFF
		c.setHL(uint16(r))
		return 10
	case 0x39:
		r := uint32(c.hl()) + uint32(c.SP)
		c.CY = r > 0xFFFF
		c.setHL(uint16(r))
		return 10

	// DAA/CMA/STC/CMC
	case 0x27:
		c.daa()
		return 4
	case 0x2F:
		c.A = ^c.A
		return 4
	case 0x37:
		c.CY = true
		return 4
	case 0x3F:
		c.CY = !c.CY
		return 4

	// Direct memory
	case 0x22: // SHLD
		a := c.fetch16(b)
		b.WriteMem(a, c.L)
		b.WriteMem(a+1, c.H)
		return 16
	case 0x2A: // LHLD
		a := c.fetch16(b)
		c.L = b.ReadMem(a)
		c.H = b.ReadMem(a + 1)
		return 16
	case 0x32: // STA
		a := c.fetch16(b)
		b.WriteMem(a, c.A)
		return 13
	case 0x3A: // LDA
		a := c.fetch16(b)
		c.A = b.ReadMem(a)
		return 13

	// XCHG/XTHL/SPHL/PCHL
	case 0xEB:
		c.H, c.D = c.D, c.H
		c.L, c.E = c.E, c.L
		return 5
	case 0xE3:
		lo := b.ReadMem(c.SP)
		hi := b.ReadMem(c.SP + 1)
		b.WriteMem(c.SP, c.L)
		b.WriteMem(c.SP+1, c.H)
		c.L = lo
		c.H = hi
		return 18
	case 0xF9:
		c.SP = c.hl()
		return 5
	case 0xE9:
		c.PC = c.hl()
		return 5

	// JMP/Jcond
	case 0xC3:
		c.PC = c.fetch16(b)
		return 10
	case 0xC2, 0xCA, 0xD2, 0xDA, 0xE2, 0xEA, 0xF2, 0xFA:
		cc := int(op>>3) & 7
		a := c.fetch16(b)
		if c.cond(cc) {
			c.PC = a
		}
		return 10

	// CALL/Ccond
	case 0xCD:
		a := c.fetch16(b)
		c.push16(b, c.PC)
		c.PC = a
		return 17
	case 0xC4, 0xCC, 0xD4, 0xDC, 0xE4, 0xEC, 0xF4, 0xFC:
		cc := int(op>>3) & 7
		a := c.fetch16(b)
		if c.cond(cc) {
			c.push16(b, c.PC)
			c.PC = a
			return 17
		}
		return 11

	// RET/Rcond
	case 0xC9:
		c.PC = c.pop16(b)
		return 10
	case 0xC0, 0xC8, 0xD0, 0xD8, 0xE0, 0xE8, 0xF0, 0xF8:
		cc := int(op>>3) & 7
		if c.cond(cc) {
			c.PC = c.pop16(b)
			return 11
		}
		return 5

	// RST
	case 0xC7, 0xCF, 0xD7, 0xDF, 0xE7, 0xEF, 0xF7, 0xFF:
		n := uint16(op>>3) & 7
		c.push16(b, c.PC)
		c.PC = n * 8
		return 11

	// PUSH/POP
	case 0xC5:
		c.push16(b, c.bc())
		return 11
	case 0xD5:
		c.push16(b, c.de())
		return 11
	case 0xE5:
		c.push16(b, c.hl())
		return 11
	case 0xF5:
		c.push16(b, uint16(c.A)<<8|uint16(c.packFlags()))
		return 11
	case 0xC1:
		c.setBC(c.pop16(b))
		return 10
	case 0xD1:
		c.setDE(c.pop16(b))
		return 10
	case 0xE1:
		c.setHL(c.pop16(b))
		return 10
	case 0xF1:
		v := c.pop16(b)
		c.A = uint8(v >> 8)
		c.unpackFlags(uint8(v))
		return 10

	// Immediate ALU
	case 0xC6:
		c.add8(b.ReadMem(c.PC), false)
		c.PC++
		return 7
	case 0xCE:
		c.add8(b.ReadMem(c.PC), true)
		c.PC++
		return 7
	case 0xD6:
		c.sub8(b.ReadMem(c.PC), false)
		c.PC++
		return 7
	case 0xDE:
		c.sub8(b.ReadMem(c.PC), true)
		c.PC++
		return 7
	case 0xE6:
		c.ana8(b.ReadMem(c.PC))
		c.PC++
		return 7
	case 0xEE:
		c.xra8(b.ReadMem(c.PC))
		c.PC++
		return 7
	case 0xF6:
		c.ora8(b.ReadMem(c.PC))
		c.PC++
		return 7
	case 0xFE:
		c.cmp8(b.ReadMem(c.PC))
		c.PC++
		return 7

	// IN/OUT
	case 0xDB:
		p := b.ReadMem(c.PC)
		c.PC++
		c.A = b.ReadPort(p)
		return 10
	case 0xD3:
		p := b.ReadMem(c.PC)
		c.PC++
		b.WritePort(p, c.A)
		return 10

	// EI/DI
	case 0xF3:
		c.INTE = false
		c.EIPending = false
		return 4
	case 0xFB:
		c.SetEIPending()
		return 4

	// HLT
	case 0x76:
		c.Halted = true
		return 7

	// NOP "holes" and any remaining undocumented opcode.
	case 0x08, 0x10, 0x18, 0x20, 0x28, 0x30, 0x38:
		return 4

	default:
		return 4
	}
}

func b2u8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
