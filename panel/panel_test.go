package panel

import "testing"

func TestWriteRowLatchesOnFullScan(t *testing.T) {
	p := New()
	if p.latchedValid {
		t.Fatal("new Panel already has a valid latch")
	}

	// Write all 7 rows, forming address=0xABCD, data=0xEF, stat=0x5.
	p.WriteRow(RowAddrHigh, 0xA)
	p.WriteRow(RowAddrLow, 0xB)
	p.WriteRow(RowAddrHi2, 0xC)
	p.WriteRow(RowAddrLo2, 0xD)
	p.WriteRow(RowDataHigh, 0xE)
	p.WriteRow(RowDataLow, 0xF)
	p.WriteRow(RowStatus, 0x5)

	if !p.latchedValid {
		t.Fatal("Panel did not latch after all 7 rows written")
	}
	if got, want := p.Addr16(), uint16(0xABCD); got != want {
		t.Errorf("Addr16() = %#x, want %#x", got, want)
	}
	if got, want := p.Data8(), uint8(0xEF); got != want {
		t.Errorf("Data8() = %#x, want %#x", got, want)
	}
	if got, want := p.Stat4(), uint8(0x5); got != want {
		t.Errorf("Stat4() = %#x, want %#x", got, want)
	}
	if p.LatchedSeq() != 1 {
		t.Errorf("LatchedSeq() = %d, want 1", p.LatchedSeq())
	}
}

func TestWriteRowMidScanFallback(t *testing.T) {
	p := New()
	p.WriteRow(RowAddrHigh, 0xA)
	// No latch yet: only one of 7 rows refreshed.
	if p.latchedValid {
		t.Fatal("latched after only one row written")
	}
	if got, want := p.Addr16(), uint16(0xA000); got != want {
		t.Errorf("mid-scan Addr16() = %#x, want %#x", got, want)
	}
}

func TestWriteRowIgnoresRow7(t *testing.T) {
	p := New()
	p.WriteRow(7, 0xF)
	if p.ledRowMask != 0 {
		t.Errorf("row 7 write affected ledRowMask: %#x", p.ledRowMask)
	}
}

func TestSwitchNibbleForRow(t *testing.T) {
	p := New()
	p.PressKey(KeyD0, 0, 10)
	p.PressKey(KeyD5, 0, 10)
	p.PressKey(KeyRun, 0, 10)

	if got, want := p.SwitchNibbleForRow(RowDataLow), uint8(0x0E); got != want {
		t.Errorf("SwitchNibbleForRow(row4) = %#.2x, want %#.2x", got, want)
	}
	if got, want := p.SwitchNibbleForRow(RowDataHigh), uint8(0x0D); got != want {
		t.Errorf("SwitchNibbleForRow(row5) = %#.2x, want %#.2x", got, want)
	}
	if got, want := p.SwitchNibbleForRow(RowStatus), uint8(0x0E); got != want {
		t.Errorf("SwitchNibbleForRow(row6) = %#.2x, want %#.2x", got, want)
	}
	if got, want := p.SwitchNibbleForRow(RowAddrLow), uint8(0x0F); got != want {
		t.Errorf("SwitchNibbleForRow(row0) = %#.2x, want %#.2x (no switches wired)", got, want)
	}
}

func TestKeyAutoRelease(t *testing.T) {
	p := New()
	p.PressKey(KeyNext, 100, 5)
	if !p.KeyDown(KeyNext) {
		t.Fatal("key not down immediately after PressKey")
	}
	p.Tick(104)
	if !p.KeyDown(KeyNext) {
		t.Fatal("key released before its deadline")
	}
	p.Tick(105)
	if p.KeyDown(KeyNext) {
		t.Fatal("key still down at its deadline")
	}
}

func TestPressKeyZeroHoldClampedToOne(t *testing.T) {
	p := New()
	p.PressKey(KeyRun, 50, 0)
	p.Tick(50)
	if !p.KeyDown(KeyRun) {
		t.Fatal("zero-hold press released on the same tick it was pressed")
	}
	p.Tick(51)
	if p.KeyDown(KeyRun) {
		t.Fatal("zero-hold press not released after one tick")
	}
}

func TestPressKeyOutOfRangeIgnored(t *testing.T) {
	p := New()
	p.PressKey(200, 0, 10)
	for i := 0; i < numKeys; i++ {
		if p.keyDown[i] {
			t.Fatalf("out-of-range PressKey affected key %d", i)
		}
	}
}
