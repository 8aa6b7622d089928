package text

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSentencesSkipsAbbreviations(t *testing.T) {
	got := SplitSentences("Dr. Lee said hello. Take 20 mg.")
	assert.Equal(t, []string{"Dr. Lee said hello.", "Take 20 mg."}, got)
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "   ", nil},
		{"no punctuation", "your refill is ready", []string{"your refill is ready"}},
		{"mixed enders", "Is it ready? Yes! Pick it up today.", []string{"Is it ready?", "Yes!", "Pick it up today."}},
		{"punctuation run", "Really?! Okay.", []string{"Really?!", "Okay."}},
		{"decimal", "Take 2.5 ml twice daily. Thanks.", []string{"Take 2.5 ml twice daily.", "Thanks."}},
		{"quoted", `He said "call back." Then hung up.`, []string{`He said "call back."`, "Then hung up."}},
		{"trailing fragment", "Your order shipped. It should arrive", []string{"Your order shipped.", "It should arrive"}},
		{"title mid sentence", "Ask Mrs. Patel vs. Mr. Chen.", []string{"Ask Mrs. Patel vs. Mr. Chen."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitSentences(tt.in))
		})
	}
}

func TestExtractSentencesRemainder(t *testing.T) {
	sentences, rest := ExtractSentences("I need a refill. For my blood pressure")
	assert.Equal(t, []string{"I need a refill."}, sentences)
	assert.Equal(t, "For my blood pressure", rest)
}

func TestIsCompleteSentence(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"Your prescription is ready.", true},
		{"Is it ready?", true},
		{`She said "yes."`, true},
		{"Ready.", false},
		{"Your prescription is ready", false},
		{"Please see Dr.", false},
		{"Take 20 mg.", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, IsCompleteSentence(tt.in))
		})
	}
}

func TestChunkForPlaybackShortText(t *testing.T) {
	in := "  Short answer.  "
	assert.Equal(t, []string{in}, ChunkForPlayback(in, 200))
	assert.Nil(t, ChunkForPlayback("", 200))
}

func TestChunkForPlaybackPacksSentences(t *testing.T) {
	sentences := []string{
		"Your prescription for lisinopril is ready for pickup today.",
		"The pharmacy is open until nine tonight on weekdays.",
		"Please bring a photo ID when you come to the counter.",
		"You can also ask us to transfer it to another store nearby.",
		"Is there anything else I can help you with this afternoon?",
	}
	in := strings.Join(sentences, " ")
	require.GreaterOrEqual(t, len(in), 250)

	chunks := ChunkForPlayback(in, 200)
	require.GreaterOrEqual(t, len(chunks), 2)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 200)
		assert.True(t, IsCompleteSentence(c), "chunk ends at a sentence boundary: %q", c)
	}
	assert.Equal(t, in, strings.Join(chunks, " "))
}

func TestChunkForPlaybackLongSentenceIsNotSplit(t *testing.T) {
	long := strings.Repeat("very ", 50) + "long sentence."
	in := "Hi there. " + long + " Bye now."

	chunks := ChunkForPlayback(in, 40)
	assert.Equal(t, []string{"Hi there.", long, "Bye now."}, chunks)
}
