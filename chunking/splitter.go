package chunking

import (
	"regexp"
	"strings"
)

// minSentenceLen is the shortest fragment kept by the splitter; anything at or
// below this length is treated as noise (initials, enumeration markers).
const minSentenceLen = 10

type SentenceSplitter interface {
	Split(text string) []string
}

// RegexSentenceSplitter segments text on sentence-ending punctuation followed
// by whitespace and a capital letter. Newlines are normalized to spaces first
// so hard-wrapped prose does not produce spurious boundaries.
type RegexSentenceSplitter struct{}

func NewRegexSentenceSplitter() RegexSentenceSplitter {
	return RegexSentenceSplitter{}
}

var sentenceBoundary = regexp.MustCompile(`([.!?]+)(\s+)([A-Z])`)

func (RegexSentenceSplitter) Split(text string) []string {
	normalized := strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(text)
	trimmed := strings.TrimSpace(normalized)
	if trimmed == "" {
		return nil
	}

	var sentences []string
	last := 0
	for _, loc := range sentenceBoundary.FindAllStringSubmatchIndex(trimmed, -1) {
		// loc[3] is the end of the punctuation run, loc[6] the start of the
		// capital letter opening the next sentence.
		fragment := strings.TrimSpace(trimmed[last:loc[3]])
		if len(fragment) > minSentenceLen {
			sentences = append(sentences, fragment)
		}
		last = loc[6]
	}
	if fragment := strings.TrimSpace(trimmed[last:]); len(fragment) > minSentenceLen {
		sentences = append(sentences, fragment)
	}

	// Never silently drop content: short or boundary-free input comes back
	// as a single unit.
	if len(sentences) == 0 {
		return []string{trimmed}
	}
	return sentences
}
