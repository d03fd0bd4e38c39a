package snapshot

import (
	"bytes"
	"testing"

	"github.com/rv64lab/rv64vm/internal/riscv"
)

func newTestMachine() *riscv.Machine {
	return riscv.NewMachine(1<<20, 2, nil, nil)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := newTestMachine()
	m.Harts[0].PC = 0x8000_1234
	m.Harts[0].X[5] = 0xdeadbeef
	m.Harts[0].CSR[riscv.CSRMstatus] = 0x42
	m.Bus.RAM.Data[100] = 0xAB

	var buf bytes.Buffer
	if err := Save(&buf, m); err != nil {
		t.Fatalf("Save: %v", err)
	}

	m2 := newTestMachine()
	if err := Load(&buf, m2); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if m2.Harts[0].PC != 0x8000_1234 {
		t.Fatalf("PC = %#x, want %#x", m2.Harts[0].PC, 0x8000_1234)
	}
	if m2.Harts[0].X[5] != 0xdeadbeef {
		t.Fatalf("X[5] = %#x, want %#x", m2.Harts[0].X[5], 0xdeadbeef)
	}
	if m2.Bus.RAM.Data[100] != 0xAB {
		t.Fatalf("RAM[100] = %#x, want 0xAB", m2.Bus.RAM.Data[100])
	}
}

func TestLoadRejectsBadTag(t *testing.T) {
	m := newTestMachine()
	var buf bytes.Buffer
	if err := Save(&buf, m); err != nil {
		t.Fatalf("Save: %v", err)
	}

	corrupted := bytes.Replace(buf.Bytes(), []byte(FormatTag), []byte("rv64vm/9"), 1)
	m2 := newTestMachine()
	if err := Load(bytes.NewReader(corrupted), m2); err == nil {
		t.Fatal("expected error loading snapshot with mismatched tag")
	}
}

func TestLoadRejectsHartCountMismatch(t *testing.T) {
	m := newTestMachine()
	var buf bytes.Buffer
	if err := Save(&buf, m); err != nil {
		t.Fatalf("Save: %v", err)
	}

	m2 := riscv.NewMachine(1<<20, 4, nil, nil)
	if err := Load(&buf, m2); err == nil {
		t.Fatal("expected error loading snapshot with mismatched hart count")
	}
}
