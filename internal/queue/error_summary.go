package queue

import "unicode/utf8"

const maxLastErrorLen = 1024

// summarizeError bounds the stored error text so a pathological driver
// message cannot bloat the row. The cut lands on a rune boundary; a byte
// slice through a multibyte rune would not survive the TEXT column.
func summarizeError(message string) string {
	if len(message) <= maxLastErrorLen {
		return message
	}
	cut := maxLastErrorLen
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}
