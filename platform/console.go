package platform

import (
	"os"
	"sync"
)

// hostConsole is the polled debug console over the host terminal.
// Input is drained by a reader goroutine into a small buffer so Getc
// can poll without blocking, matching how the real console is driven
// from the KDB loop. The reader and raw terminal mode only engage once
// KDB first polls for input.
type hostConsole struct {
	mu  sync.Mutex
	buf []byte

	started bool
	restore func()
}

func newHostConsole() *hostConsole {
	return &hostConsole{}
}

func (c *hostConsole) start() {
	if c.started {
		return
	}
	c.started = true
	c.restore = rawMode(os.Stdin)
	go c.reader()
}

func (c *hostConsole) reader() {
	var b [1]byte
	for {
		n, err := os.Stdin.Read(b[:])
		if err != nil {
			return
		}
		if n == 1 {
			c.mu.Lock()
			c.buf = append(c.buf, b[0])
			c.mu.Unlock()
		}
	}
}

func (c *hostConsole) Getc() (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.start()

	if len(c.buf) == 0 {
		return 0, false
	}

	b := c.buf[0]
	c.buf = c.buf[1:]
	return b, true
}

func (c *hostConsole) Putc(b byte) {
	os.Stdout.Write([]byte{b})
}

func (c *hostConsole) Puts(s string) {
	os.Stdout.WriteString(s)
}
