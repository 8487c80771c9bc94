package cpu

import (
	"testing"

	"github.com/davecgh/go-spew/spew"
)

// flatMemory is a trivial 64K bus.Bus implementation used to drive the
// CPU in isolation, with no banking and no I/O ports wired up.
type flatMemory struct {
	mem   [65536]uint8
	ports [256]uint8
}

func (f *flatMemory) ReadMem(addr uint16) uint8     { return f.mem[addr] }
func (f *flatMemory) WriteMem(addr uint16, v uint8) { f.mem[addr] = v }
func (f *flatMemory) ReadPort(port uint8) uint8     { return f.ports[port] }
func (f *flatMemory) WritePort(port uint8, v uint8) { f.ports[port] = v }

func newTestChip(t *testing.T) (*Chip, *flatMemory) {
	t.Helper()
	c, err := NewChip(&ChipDef{})
	if err != nil {
		t.Fatalf("NewChip: %v", err)
	}
	return c, &flatMemory{}
}

func TestResetState(t *testing.T) {
	c, _ := newTestChip(t)
	c.A = 0xFF
	c.PC = 0x1234
	c.Reset()
	if c.A != 0 || c.PC != 0 || c.SP != 0 || c.Halted {
		t.Errorf("Reset left non-zero state: %s", spew.Sdump(c))
	}
}

func TestMVIAndMOV(t *testing.T) {
	c, m := newTestChip(t)
	m.mem[0] = 0x3E // MVI A,0x42
	m.mem[1] = 0x42
	m.mem[2] = 0x47 // MOV B,A
	if got := c.Step(m); got != 7 {
		t.Errorf("MVI A,d8 cycles = %d, want 7", got)
	}
	if c.A != 0x42 {
		t.Fatalf("after MVI, A=%#x, want 0x42: %s", c.A, spew.Sdump(c))
	}
	if got := c.Step(m); got != 5 {
		t.Errorf("MOV B,A cycles = %d, want 5", got)
	}
	if c.B != 0x42 {
		t.Errorf("after MOV B,A, B=%#x, want 0x42", c.B)
	}
}

func TestHLT(t *testing.T) {
	c, m := newTestChip(t)
	m.mem[0] = 0x76 // HLT
	if got := c.Step(m); got != 7 {
		t.Errorf("HLT cycles = %d, want 7", got)
	}
	if !c.Halted {
		t.Fatal("HLT did not halt the CPU")
	}
	if got := c.Step(m); got != 4 {
		t.Errorf("Step while halted cycles = %d, want 4", got)
	}
	if c.PC != 1 {
		t.Errorf("PC advanced while halted: %#x", c.PC)
	}
}

func TestADDFlags(t *testing.T) {
	tests := []struct {
		name     string
		a, b     uint8
		wantA    uint8
		wantCY   bool
		wantAC   bool
		wantZ    bool
		wantS    bool
	}{
		{"no carry", 0x14, 0x01, 0x15, false, false, false, false},
		{"half carry", 0x0F, 0x01, 0x10, false, true, false, false},
		{"full carry", 0xFF, 0x01, 0x00, true, true, true, false},
		{"negative", 0x70, 0x10, 0x80, false, false, false, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, m := newTestChip(t)
			c.A = tc.a
			m.mem[0] = 0xC6 // ADI d8
			m.mem[1] = tc.b
			c.Step(m)
			if c.A != tc.wantA || c.CY != tc.wantCY || c.AC != tc.wantAC || c.Z != tc.wantZ || c.S != tc.wantS {
				t.Errorf("ADI %#x + %#x: got %s", tc.a, tc.b, spew.Sdump(c))
			}
		})
	}
}

func TestEIPendingDelay(t *testing.T) {
	c, m := newTestChip(t)
	m.mem[0] = 0xFB // EI
	m.mem[1] = 0x00 // NOP
	m.mem[2] = 0x00 // NOP
	c.Step(m) // EI itself: INTE must not yet be set.
	if c.INTE {
		t.Fatal("INTE set immediately after EI, want deferred to next instruction")
	}
	if !c.EIPending {
		t.Fatal("EIPending not set after EI")
	}
	c.Step(m) // the instruction following EI: INTE now becomes true.
	if !c.INTE {
		t.Errorf("INTE not set after instruction following EI: %s", spew.Sdump(c))
	}
	if c.EIPending {
		t.Error("EIPending still set after it should have applied")
	}
}

func TestServiceInterrupt(t *testing.T) {
	c, m := newTestChip(t)
	c.PC = 0x1000
	c.SP = 0x2000
	c.INTE = true
	c.ServiceInterrupt(m, 7) // RST 7 -> 0x0038
	if c.PC != 0x0038 {
		t.Errorf("PC after RST 7 = %#x, want 0x0038", c.PC)
	}
	if c.INTE {
		t.Error("INTE still true after interrupt service")
	}
	if c.SP != 0x1FFE {
		t.Errorf("SP after push = %#x, want 0x1FFE", c.SP)
	}
	if got := c.pop16(m); got != 0x1000 {
		t.Errorf("pushed return PC = %#x, want 0x1000", got)
	}
}

func TestPushPopPSW(t *testing.T) {
	c, m := newTestChip(t)
	c.A = 0x80
	c.S, c.Z, c.AC, c.P, c.CY = true, false, true, false, true
	c.SP = 0x2000
	m.mem[0] = 0xF5 // PUSH PSW
	m.mem[1] = 0xF1 // POP PSW
	c.Step(m)
	c.A = 0
	c.S, c.Z, c.AC, c.P, c.CY = false, false, false, false, false
	c.Step(m)
	if c.A != 0x80 || !c.S || c.Z || !c.AC || c.P || !c.CY {
		t.Errorf("PUSH/POP PSW round trip mismatch: %s", spew.Sdump(c))
	}
}

func TestDAA(t *testing.T) {
	c, m := newTestChip(t)
	c.A = 0x9B
	m.mem[0] = 0x27 // DAA
	c.Step(m)
	if c.A != 0x01 || !c.CY || !c.AC {
		t.Errorf("DAA of 0x9B: got %s", spew.Sdump(c))
	}
}

func TestConditionalJump(t *testing.T) {
	c, m := newTestChip(t)
	c.Z = true
	m.mem[0] = 0xCA // JZ
	m.mem[1] = 0x00
	m.mem[2] = 0x10
	if got := c.Step(m); got != 10 {
		t.Errorf("JZ cycles = %d, want 10", got)
	}
	if c.PC != 0x1000 {
		t.Errorf("PC after taken JZ = %#x, want 0x1000", c.PC)
	}
}

func TestCallRetCycles(t *testing.T) {
	c, m := newTestChip(t)
	c.SP = 0x2000
	m.mem[0] = 0xCD // CALL
	m.mem[1] = 0x00
	m.mem[2] = 0x10
	m.mem[0x1000] = 0xC9 // RET
	if got := c.Step(m); got != 17 {
		t.Errorf("CALL cycles = %d, want 17", got)
	}
	if c.PC != 0x1000 {
		t.Fatalf("PC after CALL = %#x, want 0x1000", c.PC)
	}
	if got := c.Step(m); got != 10 {
		t.Errorf("RET cycles = %d, want 10", got)
	}
	if c.PC != 0x0003 {
		t.Errorf("PC after RET = %#x, want 0x0003", c.PC)
	}
}
