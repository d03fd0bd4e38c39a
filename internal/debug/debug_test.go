package debug

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestTrace(t *testing.T) {
	buf := new(logStructuredBuffer)
	func() {
		Open(buf)
		defer Close()

		Writef("hart0", "trap cause=%#x", uint64(0x8000000000000007))
	}()

	compiled, err := buf.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	reader, err := NewReader(&compiled, bytes.NewReader(compiled))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	var seen []Entry
	if err := reader.Each(func(e Entry) error {
		seen = append(seen, e)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}

	if len(seen) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(seen))
	}
	if seen[0].HartTag != "hart0" {
		t.Fatalf("expected hart tag 'hart0', got %s", seen[0].HartTag)
	}
	if string(seen[0].Message) != "trap cause=0x8000000000000007" {
		t.Fatalf("unexpected message: %s", seen[0].Message)
	}
}

func TestTraceFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.log")
	func() {
		if err := OpenFile(path); err != nil {
			t.Fatalf("OpenFile: %v", err)
		}
		defer Close()

		Writef("hart1", "trap cause=%#x", 2)
	}()

	r, closer, err := NewReaderFromFile(path)
	if err != nil {
		t.Fatalf("NewReaderFromFile: %v", err)
	}
	defer closer.Close()

	var seen []Entry
	if err := r.Each(func(e Entry) error {
		seen = append(seen, e)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}

	if len(seen) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(seen))
	}
	if seen[0].HartTag != "hart1" {
		t.Fatalf("expected hart tag 'hart1', got %s", seen[0].HartTag)
	}
}

func TestTraceEachHartFiltersByTag(t *testing.T) {
	buf := new(logStructuredBuffer)
	Open(buf)
	defer Close()

	for i := 0; i < 5; i++ {
		Writef("hart0", "trap #%d", i)
	}
	for i := 0; i < 3; i++ {
		Writef("hart1", "trap #%d", i)
	}

	compiled, err := buf.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	reader, err := NewReader(&compiled, bytes.NewReader(compiled))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	var hart1Entries []Entry
	if err := reader.EachHart("hart1", func(e Entry) error {
		hart1Entries = append(hart1Entries, e)
		return nil
	}); err != nil {
		t.Fatalf("EachHart: %v", err)
	}
	if len(hart1Entries) != 3 {
		t.Fatalf("expected 3 entries for hart1, got %d", len(hart1Entries))
	}
	for _, e := range hart1Entries {
		if e.HartTag != "hart1" {
			t.Fatalf("EachHart leaked entry tagged %s", e.HartTag)
		}
	}
}

func TestTraceOrderingAcrossHarts(t *testing.T) {
	buf := new(logStructuredBuffer)
	Open(buf)
	defer Close()

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				time.Sleep(time.Millisecond * time.Duration(i))
				Writef(fmt.Sprintf("hart%d", i), "trap")
			}
		}()
	}
	wg.Wait()

	compiled, err := buf.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	reader, err := NewReader(&compiled, bytes.NewReader(compiled))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	var timestamps []time.Time
	if err := reader.Each(func(e Entry) error {
		timestamps = append(timestamps, e.Time)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}

	if len(timestamps) != 40 {
		t.Fatalf("expected 40 entries, got %d", len(timestamps))
	}
	for i := range len(timestamps) - 1 {
		if timestamps[i].After(timestamps[i+1]) {
			t.Fatalf("entries out of order at index %d/%d", i, i+1)
		}
	}
}

func BenchmarkWritef(b *testing.B) {
	buf := new(logStructuredBuffer)
	Open(buf)
	defer Close()

	for b.Loop() {
		Writef("hart0", "trap cause=%#x", 2)
	}
}
