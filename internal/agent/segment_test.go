package agent

import (
	"strings"
	"testing"
	"unicode"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegment_Characterization(t *testing.T) {
	got := Segment("Hello there. How can I help you today? Let me know.", 25)
	assert.Equal(t, []string{"Hello there.", "How can I help you", "today? Let me know."}, got)
}

func TestSegment_SplitsAndTrims(t *testing.T) {
	cases := []struct {
		in    string
		limit int
		want  []string
	}{
		{"  Hello world.  How are you?\nI am fine!  ", 14, []string{"Hello world.", "How are you?", "I am fine!"}},
		{"  Hello world.  How are you?\nI am fine!  ", 200, []string{"Hello world. How are you? I am fine!"}},
		{"no punctuation here", 100, []string{"no punctuation here"}},
		{"Wait... what?! Really.", 10, []string{"Wait...", "what?!", "Really."}},
		{"Pi is 3.14 today.", 100, []string{"Pi is 3.14 today."}},
		{"abcdefghij", 5, []string{"abcd", "efgh", "ij"}},
		{"你好。我很好。", 4, []string{"你好。", "我很好", "。"}},
		{"", 10, nil},
		{"   \n\t ", 10, nil},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Segment(tc.in, tc.limit), "input %q limit %d", tc.in, tc.limit)
	}
}

func TestSegment_Properties(t *testing.T) {
	texts := []string{
		"Hello there. How can I help you today? Let me know.",
		"A single sentence that is quite a bit longer than the configured maximum chunk length, with commas, and clauses",
		"Short. Tiny! Small? Done.",
		"Supercalifragilisticexpialidocious is a word; antidisestablishmentarianism is another.",
		"Line one\nLine two\n\nLine three is the longest line of them all.",
		"Mixed 中文句子。And English. ¿Qué tal?",
	}
	for _, text := range texts {
		for _, limit := range []int{2, 3, 7, 12, 25, 40, 1000} {
			chunks := Segment(text, limit)
			require.NotEmpty(t, chunks, "text %q limit %d", text, limit)
			for _, c := range chunks {
				assert.LessOrEqual(t, utf8.RuneCountInString(c), limit, "chunk %q limit %d", c, limit)
				assert.NotEmpty(t, strings.TrimSpace(c))
			}
			assert.Equal(t, stripSpace(text), stripSpace(strings.Join(chunks, "")), "reconstruct %q limit %d", text, limit)
			assert.Equal(t, chunks, Segment(text, limit), "deterministic")
		}
	}
}

func TestSegment_LimitClamped(t *testing.T) {
	assert.Equal(t, Segment("abc", 2), Segment("abc", 0))
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
