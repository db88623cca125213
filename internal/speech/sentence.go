package speech

import (
	"strings"
	"unicode/utf8"
)

// sentenceEnd returns the index just past the first sentence terminator that
// is followed by whitespace, or -1. Besides '.', '!' and '?' the Devanagari
// danda and double danda end sentences.
func sentenceEnd(s string) int {
	for i, r := range s {
		switch r {
		case '.', '!', '?', '।', '॥':
			next := i + utf8.RuneLen(r)
			if next < len(s) && isSpace(s[next]) {
				return next
			}
		}
	}
	return -1
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\r' || b == '\t'
}

// splitSentences moves every complete sentence out of buf.
func splitSentences(buf *strings.Builder) []string {
	s := buf.String()
	var out []string
	for {
		idx := sentenceEnd(s)
		if idx < 0 {
			break
		}
		if sentence := strings.TrimSpace(s[:idx]); sentence != "" {
			out = append(out, sentence)
		}
		s = strings.TrimLeft(s[idx:], " \t\n\r")
	}
	if len(out) > 0 {
		buf.Reset()
		buf.WriteString(s)
	}
	return out
}
