package console

import (
	"bytes"
	"testing"
)

func TestOpenCloseWithoutTerminal(t *testing.T) {
	c, err := Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	var buf bytes.Buffer
	c.out = &buf
	if _, err := c.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buf.String() != "hello" {
		t.Fatalf("got %q, want %q", buf.String(), "hello")
	}

	if _, ok := c.TryRead(); ok {
		t.Fatal("expected no pending input")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Closing twice must be safe.
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestPlainTextStripsANSI(t *testing.T) {
	got := PlainText([]byte("\x1b[31mred\x1b[0m"))
	if got != "red" {
		t.Fatalf("got %q, want %q", got, "red")
	}
}
