// Package console wires the guest UART to the controlling terminal: raw
// stdin/stdout, non-blocking input the way internal/riscv's UART pull model
// needs, and an ANSI-aware scrollback of guest output for debugging.
package console

import (
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
	"golang.org/x/term"
)

// Console owns the controlling terminal's raw-mode state and mediates
// between it and the guest UART model: Write sends guest output to the
// terminal, TryRead supplies the UART's pull-model input callback.
type Console struct {
	fd       int
	oldState *term.State
	out      io.Writer

	emu *vt.SafeEmulator

	mu      sync.Mutex
	rx      chan byte
	closeCh chan struct{}
	closed  bool
}

// Open puts the controlling terminal into raw mode (if stdin is actually a
// terminal; otherwise input is simply never available) and starts the
// background reader that feeds TryRead. Callers must call Close on every
// exit path, including panics, to restore the terminal.
func Open() (*Console, error) {
	c := &Console{
		fd:      int(os.Stdin.Fd()),
		out:     os.Stdout,
		emu:     vt.NewSafeEmulator(80, 40),
		rx:      make(chan byte, 4096),
		closeCh: make(chan struct{}),
	}
	disableEchoQueries(c.emu)

	if term.IsTerminal(c.fd) {
		old, err := term.MakeRaw(c.fd)
		if err != nil {
			return nil, err
		}
		c.oldState = old
		go c.readLoop()
	}
	return c, nil
}

func (c *Console) readLoop() {
	buf := make([]byte, 256)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return
		}
		for i := 0; i < n; i++ {
			select {
			case c.rx <- buf[i]:
			case <-c.closeCh:
				return
			}
		}
	}
}

// TryRead is the UART's non-blocking input source: it returns a previously
// typed byte if one is queued, or ok=false immediately otherwise.
func (c *Console) TryRead() (byte, bool) {
	select {
	case b := <-c.rx:
		return b, true
	default:
		return 0, false
	}
}

// Write sends guest output to the terminal and mirrors it into the ANSI
// emulator, which tracks cursor position and swallows the terminal-query
// escape sequences disableEchoQueries registers, so a guest probing "what
// terminal is this" never gets its own query echoed back as keyboard input.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.emu.Write(p)
	c.mu.Unlock()
	return c.out.Write(p)
}

// CursorPosition reports where the ANSI emulator believes the cursor is,
// useful for a debug status line.
func (c *Console) CursorPosition() (col, row int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.emu.Cursor()
	return cur.X, cur.Y
}

// PlainText strips ANSI escape sequences from p, for logging guest console
// output to a file without control-character noise.
func PlainText(p []byte) string {
	return ansi.Strip(string(p))
}

// Close restores the terminal's original mode; safe to call more than
// once and safe to call even if Open's MakeRaw branch never ran.
func (c *Console) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closeCh)
	if c.oldState != nil {
		return term.Restore(c.fd, c.oldState)
	}
	return nil
}

// disableEchoQueries swallows the terminal-status-query escape sequences a
// guest's console driver or shell sometimes emits (cursor position report,
// device attributes), the same class of query the teacher's VT-backed
// terminal view filters: left unhandled, the real terminal's reply to the
// *query* leaks back in as if it were typed input.
func disableEchoQueries(emu *vt.SafeEmulator) {
	if emu == nil {
		return
	}
	emu.RegisterCsiHandler('n', func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		if !ok || n == 0 {
			return false
		}
		return n == 5 || n == 6
	})
	emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && n == 6
	})
	emu.RegisterCsiHandler('c', func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
	emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
}
