// Command altaidemu runs the Altaid single-board computer emulation core
// against a ROM image, streaming decoded serial TX bytes to stdout and
// feeding stdin bytes in as RX. It has no terminal UI, no panel rendering,
// and no pseudo-terminal or wall-clock throttling of its own — those are
// explicitly out of scope for the core (see SPEC_FULL.md's Non-goals);
// this is a minimal host loop, not the reference firmware's front end.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/aholden/altaid8080/machine"
	"github.com/aholden/altaid8080/persist"
)

var (
	romPath     = flag.String("rom", "", "Path to a 64KiB ROM image to load (required)")
	ramPath     = flag.String("ram", "", "Path to a RAM image to load at startup and save on exit")
	statePath   = flag.String("state", "", "Path to a full save state to load at startup")
	saveState   = flag.String("save_state", "", "Path to write a full save state to on exit")
	cassPath    = flag.String("cassette", "", "Path to a cassette tape image to attach")
	cpuHz       = flag.Uint64("cpu_hz", 2000000, "Emulated CPU clock rate in Hz")
	baud        = flag.Uint64("baud", 9600, "Emulated serial baud rate")
	batchCycles = flag.Uint64("batch_cycles", 2000, "CPU t-states to run per batch iteration")
	batches     = flag.Uint64("batches", 0, "Number of batches to run before exiting (0 = run forever)")
)

func main() {
	flag.Parse()

	if *romPath == "" {
		log.Fatalf("altaidemu: -rom is required")
	}

	m, err := machine.New(&machine.Def{CPUHz: uint32(*cpuHz), Baud: uint32(*baud)})
	if err != nil {
		log.Fatalf("altaidemu: creating machine: %v", err)
	}

	rom, err := os.ReadFile(*romPath)
	if err != nil {
		log.Fatalf("altaidemu: reading ROM %q: %v", *romPath, err)
	}
	if err := m.LoadROM64K(rom); err != nil {
		log.Fatalf("altaidemu: loading ROM %q: %v", *romPath, err)
	}

	if *cassPath != "" {
		if err := m.AttachCassette(*cassPath); err != nil {
			log.Fatalf("altaidemu: attaching cassette %q: %v", *cassPath, err)
		}
	}

	if *statePath != "" {
		if err := persist.LoadState(m, *statePath); err != nil {
			log.Fatalf("altaidemu: loading state %q: %v", *statePath, err)
		}
	} else if *ramPath != "" {
		if err := persist.LoadRAM(m, *ramPath); err != nil {
			log.Printf("altaidemu: loading RAM %q: %v (continuing with blank RAM)", *ramPath, err)
		}
	}

	stdin := bufio.NewReader(os.Stdin)
	stdout := bufio.NewWriter(os.Stdout)
	defer stdout.Flush()

	var txBuf [256]uint8
	for i := uint64(0); *batches == 0 || i < *batches; i++ {
		drainStdinNonBlocking(stdin, m)

		m.RunBatch(*batchCycles)

		for {
			n := m.TXPop(txBuf[:])
			if n == 0 {
				break
			}
			if _, err := stdout.Write(txBuf[:n]); err != nil {
				log.Fatalf("altaidemu: writing TX output: %v", err)
			}
		}
		stdout.Flush()
	}

	if *saveState != "" {
		if err := persist.SaveState(m, *saveState); err != nil {
			log.Fatalf("altaidemu: saving state %q: %v", *saveState, err)
		}
	} else if *ramPath != "" {
		if err := persist.SaveRAM(m, *ramPath); err != nil {
			log.Fatalf("altaidemu: saving RAM %q: %v", *ramPath, err)
		}
	}
}

// drainStdinNonBlocking feeds any bytes currently buffered on stdin into
// the machine's RX queue, without blocking waiting for more. It relies on
// the reference firmware's own Non-goal stance on PTY/terminal setup: a
// real interactive front end would arrange raw-mode, non-blocking stdin
// itself, which is explicitly out of scope here.
func drainStdinNonBlocking(r *bufio.Reader, m *machine.Machine) {
	for r.Buffered() > 0 {
		b, err := r.ReadByte()
		if err != nil {
			if err != io.EOF {
				fmt.Fprintf(os.Stderr, "altaidemu: stdin read: %v\n", err)
			}
			return
		}
		m.RXEnqueue(b)
	}
}
