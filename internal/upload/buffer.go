package upload

import (
	"strings"
	"unicode/utf8"
)

// TriggerBuffer accumulates text received from the bootloader so that a
// trigger split across two reads is still found.
//
// Chunks are decoded as UTF-8. An incomplete multi-byte sequence at the end
// of a chunk is held back and completed by the next chunk; bytes that can
// never form a valid sequence are replaced with U+FFFD. Decoding never fails.
type TriggerBuffer struct {
	text    strings.Builder
	pending []byte
}

// Append decodes chunk and adds it to the buffer.
func (b *TriggerBuffer) Append(chunk []byte) {
	data := chunk
	if len(b.pending) > 0 {
		data = append(b.pending, chunk...)
		b.pending = nil
	}

	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size <= 1 {
			if !utf8.FullRune(data) {
				b.pending = append([]byte(nil), data...)
				return
			}
			b.text.WriteRune(utf8.RuneError)
			data = data[1:]
			continue
		}
		b.text.Write(data[:size])
		data = data[size:]
	}
}

// Contains reports whether the decoded text contains marker.
func (b *TriggerBuffer) Contains(marker string) bool {
	return strings.Contains(b.text.String(), marker)
}

// Clear drops the decoded text. A held-back partial sequence is kept; it
// belongs to text that has not been decoded yet.
func (b *TriggerBuffer) Clear() {
	b.text.Reset()
}

// String returns the decoded text.
func (b *TriggerBuffer) String() string {
	return b.text.String()
}

// Len is the length of the decoded text in bytes.
func (b *TriggerBuffer) Len() int {
	return b.text.Len()
}

// Pending is the number of bytes held back for the next Append.
func (b *TriggerBuffer) Pending() int {
	return len(b.pending)
}
