package transcript

import (
	"strings"
	"unicode/utf8"
)

const (
	// noiseLength is the normalized length at or below which a
	// non-overlapping final is treated as noise rather than new speech.
	noiseLength = 15
	// minPartialLength lets a shorter partial in when it carries new text.
	minPartialLength = 10
	maxJoinWords     = 5
)

// Merger reconciles fragments without stable ids using text similarity. It
// keeps the text settled by finals and the best in-progress partial since
// the last final, and merges the two on read.
type Merger struct {
	settled string
	partial string
}

func NewMerger() *Merger { return &Merger{} }

func (m *Merger) Add(f Fragment) {
	text := strings.TrimSpace(f.Text)
	if text == "" {
		return
	}
	if f.Partial {
		m.addPartial(text)
		return
	}
	m.settled = Merge(m.settled, text)
	m.partial = ""
}

func (m *Merger) addPartial(text string) {
	current := m.Text()
	n := normalize(text)
	if runeLen(text) > runeLen(current) ||
		(runeLen(n) >= minPartialLength && !strings.Contains(normalize(current), n)) {
		m.partial = text
	}
}

func (m *Merger) Text() string {
	if m.partial == "" {
		return m.settled
	}
	return Merge(m.settled, m.partial)
}

func (m *Merger) Unflushed() bool { return m.partial != "" }

func (m *Merger) Reset() {
	m.settled = ""
	m.partial = ""
}

// Merge folds next into acc without duplicating text both already share.
func Merge(acc, next string) string {
	acc = strings.TrimSpace(acc)
	next = strings.TrimSpace(next)
	if acc == "" {
		return next
	}
	if next == "" {
		return acc
	}
	n1, n2 := normalize(acc), normalize(next)
	if strings.Contains(n1, n2) {
		return acc
	}
	if strings.Contains(n2, n1) {
		return next
	}
	if k := suffixPrefixWords(acc, next); k > 0 {
		return appendRemainder(acc, next, k)
	}
	if Overlaps(acc, next) {
		return acc
	}
	if runeLen(n2) > noiseLength {
		return SmartConcat(acc, next)
	}
	if runeLen(next) > runeLen(acc) {
		return next
	}
	return acc
}

// Overlaps reports whether two texts describe substantially the same speech:
// one contains the other after normalization, or they share at least three
// words longer than three characters, or shared words exceed half of the
// shorter text's word count.
func Overlaps(a, b string) bool {
	n1, n2 := normalize(a), normalize(b)
	if n1 == "" || n2 == "" {
		return false
	}
	if strings.Contains(n1, n2) || strings.Contains(n2, n1) {
		return true
	}
	words1 := strings.Fields(n1)
	words2 := strings.Fields(n2)
	set := make(map[string]struct{}, len(words2))
	for _, w := range words2 {
		set[w] = struct{}{}
	}
	common := 0
	for _, w := range words1 {
		if runeLen(w) <= 3 {
			continue
		}
		if _, ok := set[w]; ok {
			common++
		}
	}
	shorter := min(len(words1), len(words2))
	return common >= 3 || float64(common)/float64(shorter) > 0.5
}

// SmartConcat joins two texts, consuming the longest run (up to five words)
// where the end of a repeats at the start of b.
func SmartConcat(a, b string) string {
	if k := suffixPrefixWords(a, b); k > 0 {
		return appendRemainder(a, b, k)
	}
	return strings.TrimSpace(a) + " " + strings.TrimSpace(b)
}

func suffixPrefixWords(a, b string) int {
	w1 := strings.Fields(a)
	w2 := strings.Fields(b)
	limit := min(len(w1), len(w2), maxJoinWords)
	best := 0
	for i := 1; i <= limit; i++ {
		suffix := normalize(strings.Join(w1[len(w1)-i:], " "))
		prefix := normalize(strings.Join(w2[:i], " "))
		if suffix != "" && suffix == prefix {
			best = i
		}
	}
	return best
}

func appendRemainder(a, b string, k int) string {
	rest := strings.Fields(b)[k:]
	if len(rest) == 0 {
		return strings.TrimSpace(a)
	}
	return strings.TrimSpace(a) + " " + strings.Join(rest, " ")
}

const strippedPunctuation = ".,/#!$%^&*;:{}=-_`~()?¿¡\""

func normalize(s string) string {
	s = strings.Map(func(r rune) rune {
		if strings.ContainsRune(strippedPunctuation, r) {
			return -1
		}
		return r
	}, strings.ToLower(s))
	return strings.Join(strings.Fields(s), " ")
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
