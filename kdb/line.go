package kdb

// The line editor polls the console byte at a time and understands the
// common ANSI escapes: arrow keys, home, end, delete, page up/down for
// history. The edited line is redrawn in place with erase-to-end.

const (
	keyEscape    = 0x1b
	keyBackspace = 0x7f
)

func (d *Debugger) readLine(prompt string) string {
	d.con.Puts(prompt)

	var (
		buf     []byte
		cursor  int
		histPos = len(d.history)
	)

	redraw := func() {
		d.con.Puts("\r\x1b[K")
		d.con.Puts(prompt)
		d.con.Puts(string(buf))
		// Reposition by moving left from the end.
		for i := len(buf); i > cursor; i-- {
			d.con.Puts("\x1b[D")
		}
	}

	setLine := func(s string) {
		buf = []byte(s)
		cursor = len(buf)
		redraw()
	}

	for {
		b, ok := d.con.Getc()
		if !ok {
			d.k.Machine.SpinHint()
			continue
		}

		switch b {
		case '\r', '\n':
			d.con.Puts("\n")
			line := string(buf)
			if line != "" {
				d.history = append(d.history, line)
			}
			return line

		case keyBackspace, 0x08:
			if cursor > 0 {
				buf = append(buf[:cursor-1], buf[cursor:]...)
				cursor--
				redraw()
			}

		case keyEscape:
			switch d.readEscape() {
			case escUp:
				if histPos > 0 {
					histPos--
					setLine(d.history[histPos])
				}
			case escDown:
				if histPos < len(d.history)-1 {
					histPos++
					setLine(d.history[histPos])
				} else if histPos < len(d.history) {
					histPos = len(d.history)
					setLine("")
				}
			case escLeft:
				if cursor > 0 {
					cursor--
					d.con.Puts("\x1b[D")
				}
			case escRight:
				if cursor < len(buf) {
					cursor++
					d.con.Puts("\x1b[C")
				}
			case escHome:
				cursor = 0
				redraw()
			case escEnd:
				cursor = len(buf)
				redraw()
			case escDelete:
				if cursor < len(buf) {
					buf = append(buf[:cursor], buf[cursor+1:]...)
					redraw()
				}
			case escPageUp:
				if len(d.history) > 0 {
					histPos = 0
					setLine(d.history[0])
				}
			case escPageDown:
				histPos = len(d.history)
				setLine("")
			}

		default:
			if b >= 0x20 && b < 0x7f {
				buf = append(buf[:cursor], append([]byte{b}, buf[cursor:]...)...)
				cursor++
				redraw()
			}
		}
	}
}

type escKey int

const (
	escNone escKey = iota
	escUp
	escDown
	escLeft
	escRight
	escHome
	escEnd
	escDelete
	escPageUp
	escPageDown
)

// readEscape consumes the remainder of a CSI sequence. A lone escape or
// anything unrecognized is dropped.
func (d *Debugger) readEscape() escKey {
	b, ok := d.pollByte()
	if !ok || b != '[' {
		return escNone
	}

	// Optional numeric parameter, then the final byte.
	var num int
	for {
		b, ok = d.pollByte()
		if !ok {
			return escNone
		}
		if b >= '0' && b <= '9' {
			num = num*10 + int(b-'0')
			continue
		}
		break
	}

	switch b {
	case 'A':
		return escUp
	case 'B':
		return escDown
	case 'C':
		return escRight
	case 'D':
		return escLeft
	case 'H':
		return escHome
	case 'F':
		return escEnd
	case '~':
		switch num {
		case 1, 7:
			return escHome
		case 3:
			return escDelete
		case 4, 8:
			return escEnd
		case 5:
			return escPageUp
		case 6:
			return escPageDown
		}
	}
	return escNone
}

// pollByte spins briefly for the next byte of an escape sequence.
func (d *Debugger) pollByte() (byte, bool) {
	for i := 0; i < 1000; i++ {
		if b, ok := d.con.Getc(); ok {
			return b, true
		}
		d.k.Machine.SpinHint()
	}
	return 0, false
}
