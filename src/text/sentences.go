// Package text splits generated responses into sentences and playback chunks.
package text

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxChunkChars is the playback chunk size used when none is configured.
const DefaultMaxChunkChars = 200

// abbreviations never end a sentence. Matched against the lower-cased word
// preceding the punctuation, with dots removed.
var abbreviations = map[string]bool{
	"dr": true, "mr": true, "mrs": true, "ms": true, "prof": true,
	"st": true, "jr": true, "sr": true,
	"inc": true, "ltd": true, "corp": true, "co": true,
	"mg": true, "mcg": true, "ml": true, "oz": true, "lb": true, "lbs": true,
	"ft": true, "in": true, "tab": true, "tabs": true, "cap": true, "caps": true,
	"vs": true, "etc": true, "approx": true, "no": true, "eg": true, "ie": true,
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isCloser(r rune) bool {
	return r == '"' || r == '\'' || r == ')' || r == ']' || r == '”' || r == '’'
}

// IsAbbreviation reports whether word (any case, with or without trailing
// dots) is on the abbreviation list.
func IsAbbreviation(word string) bool {
	return abbreviations[normalizeWord(word)]
}

func normalizeWord(word string) string {
	word = strings.TrimFunc(word, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.ToLower(strings.ReplaceAll(word, ".", ""))
}

func lastWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

// ExtractSentences returns the complete sentences at the start of text and
// the trailing text that has not reached a boundary yet. A run of
// terminal punctuation (with closing quotes or brackets) ends a sentence
// when it is followed by whitespace or the end of text, unless the word
// before it is an abbreviation.
func ExtractSentences(text string) (sentences []string, remainder string) {
	runes := []rune(text)
	start := 0

	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}

		end := i
		for end+1 < len(runes) && (isTerminal(runes[end+1]) || isCloser(runes[end+1])) {
			end++
		}
		// "2.5 mg", "e.g." and URLs: punctuation glued to the next character.
		if end+1 < len(runes) && !unicode.IsSpace(runes[end+1]) {
			i = end
			continue
		}
		if IsAbbreviation(lastWord(string(runes[start:i]))) {
			i = end
			continue
		}

		if s := strings.TrimSpace(string(runes[start : end+1])); s != "" {
			sentences = append(sentences, s)
		}
		start = end + 1
		i = end
	}

	return sentences, strings.TrimSpace(string(runes[start:]))
}

// SplitSentences splits text into sentences in order. Trailing text without
// terminal punctuation becomes the last element.
func SplitSentences(text string) []string {
	sentences, rest := ExtractSentences(text)
	if rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

// IsCompleteSentence reports whether text ends in terminal punctuation, has
// at least two words and does not end on an abbreviation.
func IsCompleteSentence(text string) bool {
	t := strings.TrimRightFunc(strings.TrimSpace(text), isCloser)
	last, _ := utf8.DecodeLastRuneInString(t)
	if t == "" || !isTerminal(last) {
		return false
	}
	words := strings.Fields(t)
	if len(words) < 2 {
		return false
	}
	return !IsAbbreviation(words[len(words)-1])
}

// ChunkForPlayback packs whole sentences into chunks of at most maxChars
// characters. A sentence longer than maxChars becomes its own chunk; text
// that already fits is returned unchanged as a single chunk.
func ChunkForPlayback(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultMaxChunkChars
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= maxChars {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0

	for _, sentence := range SplitSentences(text) {
		n := utf8.RuneCountInString(sentence)
		if currentLen > 0 && currentLen+1+n > maxChars {
			chunks = append(chunks, current.String())
			current.Reset()
			currentLen = 0
		}
		if currentLen > 0 {
			current.WriteByte(' ')
			currentLen++
		}
		current.WriteString(sentence)
		currentLen += n
	}
	if currentLen > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
