package workflow

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-ai/lodestone/internal/corpus"
)

func TestDocSampleTruncationKeepsValidUTF8(t *testing.T) {
	// The one-byte prefix puts the naive 150-byte cut in the middle of a
	// three-byte rune.
	doc := &corpus.Document{
		ID:        "post_multibyte",
		Text:      "x" + strings.Repeat("☃", 60),
		Sentiment: "neutral",
	}

	var b strings.Builder
	writeDocSample(&b, []*corpus.Document{doc}, 6, 150, false)

	out := b.String()
	require.Contains(t, out, "1. ")
	assert.True(t, utf8.ValidString(out), "doc sample contains a split rune")
	assert.NotContains(t, out, string(utf8.RuneError))
}

func TestCutText(t *testing.T) {
	assert.Equal(t, "short", cutText("short", 100))
	assert.Equal(t, "abc", cutText("abcdef", 3))

	got := cutText("aé", 2) // byte 2 is inside é
	assert.Equal(t, "a", got)
	assert.True(t, utf8.ValidString(got))
}
