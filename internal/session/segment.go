package session

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxSegmentLen bounds one utterance segment, counted in characters, so it
// never exceeds the remote API's request-size limit.
const MaxSegmentLen = 1000

// sentenceEnders are the punctuation marks segments prefer to break on,
// Latin and CJK forms alike.
const sentenceEnders = ".!?;:。！？；："

// Segment splits sanitized input text into an ordered sequence of bounded
// utterance segments. It is a pure function: identical input always yields
// identical segments, in original left-to-right order. Cuts land on rune
// boundaries only, so every segment is valid UTF-8.
//
// A trailing-punctuation normalization rule runs first (text that does not
// end in sentence punctuation gets a closing period, which keeps the remote
// voice from trailing off). Splitting then prefers the last sentence-ending
// punctuation inside the window, falls back to the last whitespace, and only
// hard-cuts when a single unbroken run exceeds the window.
func Segment(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if last, _ := utf8.DecodeLastRuneInString(text); !strings.ContainsRune(sentenceEnders, last) {
		text += "."
	}

	runes := []rune(text)
	var segments []string
	for len(runes) > 0 {
		if len(runes) <= MaxSegmentLen {
			segments = append(segments, string(runes))
			break
		}

		cut := lastBreak(runes[:MaxSegmentLen])
		segments = append(segments, strings.TrimSpace(string(runes[:cut])))
		runes = trimLeadingSpace(runes[cut:])
	}
	return segments
}

// lastBreak returns the exclusive cut position inside window: after the last
// sentence-ending punctuation, else after the last whitespace, else the full
// window.
func lastBreak(window []rune) int {
	for i := len(window) - 1; i >= 0; i-- {
		if strings.ContainsRune(sentenceEnders, window[i]) {
			return i + 1
		}
	}
	for i := len(window) - 1; i >= 0; i-- {
		if unicode.IsSpace(window[i]) {
			return i + 1
		}
	}
	return len(window)
}

func trimLeadingSpace(runes []rune) []rune {
	for len(runes) > 0 && unicode.IsSpace(runes[0]) {
		runes = runes[1:]
	}
	return runes
}
