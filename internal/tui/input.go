package tui

// lineEditor is a single-line rune buffer with a cursor.
type lineEditor struct {
	buf    []rune
	cursor int // rune index within buf
}

func (e lineEditor) String() string { return string(e.buf) }

func (e *lineEditor) Reset() {
	e.buf = nil
	e.cursor = 0
}

func (e *lineEditor) Insert(r []rune) {
	e.buf, e.cursor = insertRunes(e.buf, e.cursor, r)
}

func (e *lineEditor) Backspace() {
	e.buf, e.cursor = deleteRuneLeft(e.buf, e.cursor)
}

func (e *lineEditor) Delete() {
	e.buf, e.cursor = deleteRuneRight(e.buf, e.cursor)
}

func (e *lineEditor) DeleteWord() {
	e.buf, e.cursor = deleteWordLeft(e.buf, e.cursor)
}

func (e *lineEditor) KillToEnd() {
	if e.cursor < len(e.buf) {
		e.buf = append([]rune(nil), e.buf[:e.cursor]...)
	}
}

func (e *lineEditor) Left() {
	if e.cursor > 0 {
		e.cursor--
	}
}

func (e *lineEditor) Right() {
	if e.cursor < len(e.buf) {
		e.cursor++
	}
}

func (e *lineEditor) Home() { e.cursor = 0 }
func (e *lineEditor) End()  { e.cursor = len(e.buf) }

// View renders the buffer with a block cursor.
func (e lineEditor) View() string {
	if e.cursor >= len(e.buf) {
		return string(e.buf) + "█"
	}
	return string(e.buf[:e.cursor]) + "█" + string(e.buf[e.cursor:])
}

func insertRunes(in []rune, cursor int, r []rune) ([]rune, int) {
	cursor = max(0, min(cursor, len(in)))
	out := make([]rune, 0, len(in)+len(r))
	out = append(out, in[:cursor]...)
	out = append(out, r...)
	out = append(out, in[cursor:]...)
	return out, cursor + len(r)
}

func deleteRuneLeft(in []rune, cursor int) ([]rune, int) {
	if cursor <= 0 || len(in) == 0 {
		return in, 0
	}
	cursor = min(cursor, len(in))
	out := append([]rune(nil), in[:cursor-1]...)
	out = append(out, in[cursor:]...)
	return out, cursor - 1
}

func deleteRuneRight(in []rune, cursor int) ([]rune, int) {
	if len(in) == 0 {
		return in, 0
	}
	cursor = max(cursor, 0)
	if cursor >= len(in) {
		return in, len(in)
	}
	out := append([]rune(nil), in[:cursor]...)
	out = append(out, in[cursor+1:]...)
	return out, cursor
}

func deleteWordLeft(in []rune, cursor int) ([]rune, int) {
	if len(in) == 0 || cursor <= 0 {
		return in, 0
	}
	cursor = min(cursor, len(in))

	i := cursor
	for i > 0 && isSpace(in[i-1]) {
		i--
	}
	for i > 0 && !isSpace(in[i-1]) {
		i--
	}

	out := append([]rune(nil), in[:i]...)
	out = append(out, in[cursor:]...)
	return out, i
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// printable drops control runes some terminals report as key runes.
func printable(rs []rune) []rune {
	out := make([]rune, 0, len(rs))
	for _, r := range rs {
		if r < 0x20 && r != '\t' {
			continue
		}
		out = append(out, r)
	}
	return out
}
