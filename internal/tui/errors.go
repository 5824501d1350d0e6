package tui

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// humanError keeps the innermost message of a wrapped error chain.
// "viewer: send message: failed to write msg: broken pipe" -> "Broken pipe"
func humanError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx != -1 && idx+2 < len(msg) {
		inner := msg[idx+2:]
		r, size := utf8.DecodeRuneInString(inner)
		return string(unicode.ToUpper(r)) + inner[size:]
	}
	return msg
}
