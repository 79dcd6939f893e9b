package agent

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Segment splits reply text into ordered chunks shorter than limit runes.
//
// Sentences (ended by . ! ? ; or a newline) are packed greedily. A sentence that does
// not fit next to the open chunk starts a new one; a sentence that does not fit on its
// own is wrapped at word boundaries and its last fragment stays open, so following
// sentences can join it. Words of limit runes or more are cut. Whitespace is
// normalised to single spaces. Empty input yields no chunks.
func Segment(text string, limit int) []string {
	if limit < 2 {
		limit = 2
	}
	fits := func(s string) bool { return utf8.RuneCountInString(s) < limit }

	var (
		chunks []string
		cur    string
	)
	flush := func() {
		if cur != "" {
			chunks = append(chunks, cur)
			cur = ""
		}
	}
	for _, sentence := range splitSentences(text) {
		if joined := joinSpace(cur, sentence); fits(joined) {
			cur = joined
			continue
		}
		flush()
		if fits(sentence) {
			cur = sentence
			continue
		}
		for _, word := range strings.Fields(sentence) {
			if joined := joinSpace(cur, word); fits(joined) {
				cur = joined
				continue
			}
			flush()
			for !fits(word) {
				head, tail := cutRunes(word, limit-1)
				chunks = append(chunks, head)
				word = tail
			}
			cur = word
		}
	}
	flush()
	return chunks
}

func splitSentences(text string) []string {
	var (
		out []string
		b   strings.Builder
	)
	emit := func() {
		if s := strings.Join(strings.Fields(b.String()), " "); s != "" {
			out = append(out, s)
		}
		b.Reset()
	}
	runes := []rune(text)
	for i, r := range runes {
		switch {
		case r == '\n' || r == '\r':
			emit()
		case isFullWidthTerminal(r):
			b.WriteRune(r)
			emit()
		case isTerminal(r):
			b.WriteRune(r)
			// runs such as "?!" or "..." close on the last mark
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				emit()
			}
		default:
			b.WriteRune(r)
		}
	}
	emit()
	return out
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', ';':
		return true
	}
	return false
}

func isFullWidthTerminal(r rune) bool {
	switch r {
	case '。', '！', '？', '；':
		return true
	}
	return false
}

func joinSpace(a, b string) string {
	if a == "" {
		return b
	}
	return a + " " + b
}

func cutRunes(s string, n int) (string, string) {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], s[pos:]
		}
		i++
	}
	return s, ""
}
