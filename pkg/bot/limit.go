package bot

import (
	"strings"
	"unicode/utf8"
)

// limitReply keeps at most maxSentences sentences and maxChars runes of a
// generated reply. Zero disables either bound. The cut falls back to the
// last word boundary so the synthesizer never reads half a word.
func limitReply(text string, maxSentences, maxChars int) (string, bool) {
	out := text
	if maxSentences > 0 {
		out = firstSentences(out, maxSentences)
	}
	if maxChars > 0 && utf8.RuneCountInString(out) > maxChars {
		runes := []rune(out)
		cut := string(runes[:maxChars])
		if i := strings.LastIndexByte(cut, ' '); i > 0 {
			cut = cut[:i]
		}
		out = strings.TrimSpace(cut)
	}
	return out, out != text
}

func firstSentences(text string, n int) string {
	var b strings.Builder
	count := 0
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			count++
			if count >= n {
				break
			}
		}
	}
	if out := strings.TrimSpace(b.String()); out != "" {
		return out
	}
	return text
}
